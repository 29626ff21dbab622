// Package state holds the durable per-identity crawl state: status with a
// version counter, pagination checkpoints, dedup sets, the pending link queue,
// the bounded error ring and the cached stats snapshot.
//
// Backend implementations return errors. Client wraps a Backend for a single
// identity and never does: every failure is logged and mapped to a safe
// default so that a store outage degrades observability without crashing the
// engine.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

// ErrNotFound is returned by backends when a requested record is absent.
var ErrNotFound = errors.New("state: not found")

// URLSet names one of the per-identity dedup sets.
type URLSet string

// Dedup sets tracked per identity.
const (
	Visited URLSet = "visited"
	Crawled URLSet = "crawled"
)

// DefaultErrorRingSize bounds the number of error entries kept per identity.
const DefaultErrorRingSize = 100

// Backend is the storage contract behind Client.
type Backend interface {
	GetState(ctx context.Context, identity string) (crawler.PipelineState, error)
	// SetStatus writes the status and returns the bumped version.
	SetStatus(
		ctx context.Context,
		identity string,
		status crawler.Status,
		details crawler.StatusDetails,
		at time.Time,
	) (int64, error)
	SetPaused(ctx context.Context, identity string, paused bool) error
	// SetRecurring arms or disarms recurring mode. A zero lastRescan leaves
	// the stored rescan time untouched.
	SetRecurring(ctx context.Context, identity string, armed bool, lastRescan time.Time) error

	GetCheckpoint(ctx context.Context, identity, section string) (crawler.Checkpoint, error)
	ListCheckpoints(ctx context.Context, identity string) ([]crawler.Checkpoint, error)
	SetCheckpointOffset(ctx context.Context, identity, section string, offset int) error
	SetCheckpointComplete(ctx context.Context, identity, section string, complete bool) error

	// AddURL inserts url into the set and reports whether it was new.
	AddURL(ctx context.Context, identity string, set URLSet, url string) (bool, error)
	HasURL(ctx context.Context, identity string, set URLSet, url string) (bool, error)
	CountURLs(ctx context.Context, identity string, set URLSet) (int64, error)

	PushLink(ctx context.Context, identity string, link crawler.LinkRecord) error
	// PopLink claims the queue head. ok is false when no unclaimed link is
	// left. A claimed link stays stored, outside QueueSize, until AckLink
	// removes it or RequeueClaimed puts it back.
	PopLink(ctx context.Context, identity string) (link crawler.LinkRecord, ok bool, err error)
	AckLink(ctx context.Context, identity, url string) error
	// RequeueClaimed releases every claim left by a process that died
	// mid-link and returns how many were released.
	RequeueClaimed(ctx context.Context, identity string) (int64, error)
	QueueSize(ctx context.Context, identity string) (int64, error)

	IncrementDetailsCrawled(ctx context.Context, identity string) (int64, error)
	DetailsCrawled(ctx context.Context, identity string) (int64, error)

	// PushError prepends entry to the ring, trims it to keep entries and
	// returns the unbounded total.
	PushError(ctx context.Context, identity string, entry crawler.ErrorEntry, keep int) (int64, error)
	RecentErrors(ctx context.Context, identity string, limit int) ([]crawler.ErrorEntry, error)
	ErrorCount(ctx context.Context, identity string) (int64, error)

	// GetStats returns the cached snapshot; ok is false when none is cached.
	GetStats(ctx context.Context, identity string) (snapshot crawler.StatsSnapshot, ok bool, err error)
	SetStats(ctx context.Context, identity string, snapshot crawler.StatsSnapshot) error

	// Reset wipes everything stored for identity.
	Reset(ctx context.Context, identity string) error
	// SoftReset clears status, progress, errors and stats but keeps the dedup
	// sets, the queue and the checkpoints.
	SoftReset(ctx context.Context, identity string, at time.Time) error

	Ping(ctx context.Context) error
	Close()
}
