package state

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

// Options tunes a Client.
type Options struct {
	// Timeout bounds each backend call. Zero disables the bound.
	Timeout       time.Duration
	ErrorRingSize int
	Clock         crawler.Clock
	Logger        *zap.Logger
}

// Client binds a Backend to one identity. Its methods never return errors:
// failures are logged and replaced with safe defaults.
type Client struct {
	backend  Backend
	identity string
	timeout  time.Duration
	ringSize int
	clock    crawler.Clock
	logger   *zap.Logger
}

// NewClient wraps backend for identity.
func NewClient(backend Backend, identity string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = system.Clock{}
	}
	ring := opts.ErrorRingSize
	if ring <= 0 {
		ring = DefaultErrorRingSize
	}
	return &Client{
		backend:  backend,
		identity: identity,
		timeout:  opts.Timeout,
		ringSize: ring,
		clock:    clk,
		logger:   logger.With(zap.String("identity", identity)),
	}
}

// Identity returns the bound identity.
func (c *Client) Identity() string {
	return c.identity
}

// opContext detaches from the caller's cancellation so that final status
// writes still land while a run is being cancelled, then applies the
// per-operation timeout.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) degraded(op string, err error) {
	c.logger.Warn("state store call failed", zap.String("op", op), zap.Error(err))
}

// State returns the stored pipeline state, or a state with StatusUnknown when
// the backend cannot be read.
func (c *Client) State(ctx context.Context) crawler.PipelineState {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	st, err := c.backend.GetState(ctx, c.identity)
	if err != nil {
		c.degraded("get_state", err)
		return crawler.PipelineState{Identity: c.identity, Status: crawler.StatusUnknown}
	}
	return st
}

// SetStatus writes status and returns the new version, or 0 on failure.
func (c *Client) SetStatus(ctx context.Context, status crawler.Status, details crawler.StatusDetails) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	version, err := c.backend.SetStatus(ctx, c.identity, status, details, c.clock.Now())
	if err != nil {
		c.degraded("set_status", err)
		return 0
	}
	return version
}

// Paused reports the cooperative pause flag. Read failures report false.
func (c *Client) Paused(ctx context.Context) bool {
	return c.State(ctx).Paused
}

// SetPaused writes the cooperative pause flag.
func (c *Client) SetPaused(ctx context.Context, paused bool) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SetPaused(ctx, c.identity, paused); err != nil {
		c.degraded("set_paused", err)
		return false
	}
	return true
}

// SetRecurring arms or disarms recurring mode. A zero lastRescan keeps the
// stored value.
func (c *Client) SetRecurring(ctx context.Context, armed bool, lastRescan time.Time) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SetRecurring(ctx, c.identity, armed, lastRescan); err != nil {
		c.degraded("set_recurring", err)
		return false
	}
	return true
}

// Checkpoint returns the section's checkpoint; an unknown section starts at
// offset zero.
func (c *Client) Checkpoint(ctx context.Context, section string) crawler.Checkpoint {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	cp, err := c.backend.GetCheckpoint(ctx, c.identity, section)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.degraded("get_checkpoint", err)
		}
		return crawler.Checkpoint{Section: section}
	}
	return cp
}

// Checkpoints lists every stored checkpoint.
func (c *Client) Checkpoints(ctx context.Context) []crawler.Checkpoint {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	cps, err := c.backend.ListCheckpoints(ctx, c.identity)
	if err != nil {
		c.degraded("list_checkpoints", err)
		return nil
	}
	return cps
}

// SetOffset persists the section's last offset.
func (c *Client) SetOffset(ctx context.Context, section string, offset int) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SetCheckpointOffset(ctx, c.identity, section, offset); err != nil {
		c.degraded("set_checkpoint_offset", err)
		return false
	}
	return true
}

// MarkComplete flags the section as fully paged.
func (c *Client) MarkComplete(ctx context.Context, section string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SetCheckpointComplete(ctx, c.identity, section, true); err != nil {
		c.degraded("set_checkpoint_complete", err)
		return false
	}
	return true
}

func (c *Client) has(ctx context.Context, set URLSet, url string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.backend.HasURL(ctx, c.identity, set, url)
	if err != nil {
		c.degraded("has_"+string(set), err)
		return false
	}
	return ok
}

func (c *Client) add(ctx context.Context, set URLSet, url string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	added, err := c.backend.AddURL(ctx, c.identity, set, url)
	if err != nil {
		c.degraded("add_"+string(set), err)
		return false
	}
	return added
}

func (c *Client) count(ctx context.Context, set URLSet) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.CountURLs(ctx, c.identity, set)
	if err != nil {
		c.degraded("count_"+string(set), err)
		return 0
	}
	return n
}

// IsVisited reports whether url was ever enqueued.
func (c *Client) IsVisited(ctx context.Context, url string) bool { return c.has(ctx, Visited, url) }

// MarkVisited adds url to the visited set and reports whether it was new.
func (c *Client) MarkVisited(ctx context.Context, url string) bool { return c.add(ctx, Visited, url) }

// VisitedCount returns the visited set cardinality.
func (c *Client) VisitedCount(ctx context.Context) int64 { return c.count(ctx, Visited) }

// IsCrawled reports whether url's detail was persisted.
func (c *Client) IsCrawled(ctx context.Context, url string) bool { return c.has(ctx, Crawled, url) }

// MarkCrawled adds url to the crawled set.
func (c *Client) MarkCrawled(ctx context.Context, url string) bool { return c.add(ctx, Crawled, url) }

// CrawledCount returns the crawled set cardinality.
func (c *Client) CrawledCount(ctx context.Context) int64 { return c.count(ctx, Crawled) }

// Push appends link to the queue tail.
func (c *Client) Push(ctx context.Context, link crawler.LinkRecord) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.PushLink(ctx, c.identity, link); err != nil {
		c.degraded("push_link", err)
		return false
	}
	return true
}

// Pop claims the queue head. ok is false when the queue is empty or the
// backend is unavailable.
func (c *Client) Pop(ctx context.Context) (crawler.LinkRecord, bool) {
	link, ok, _ := c.TryPop(ctx)
	return link, ok
}

// TryPop is Pop for callers that must tell an empty queue from an outage.
// The failure is still logged.
func (c *Client) TryPop(ctx context.Context) (crawler.LinkRecord, bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	link, ok, err := c.backend.PopLink(ctx, c.identity)
	if err != nil {
		c.degraded("pop_link", err)
		return crawler.LinkRecord{}, false, err
	}
	return link, ok, nil
}

// Ack drops the claim on a popped link once it needs no further work.
func (c *Client) Ack(ctx context.Context, url string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.AckLink(ctx, c.identity, url); err != nil {
		c.degraded("ack_link", err)
		return false
	}
	return true
}

// RequeueClaimed returns links claimed by a dead process to the queue.
func (c *Client) RequeueClaimed(ctx context.Context) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.RequeueClaimed(ctx, c.identity)
	if err != nil {
		c.degraded("requeue_claimed", err)
		return 0
	}
	return n
}

// QueueSize returns the number of pending links.
func (c *Client) QueueSize(ctx context.Context) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.QueueSize(ctx, c.identity)
	if err != nil {
		c.degraded("queue_size", err)
		return 0
	}
	return n
}

// IncrementDetailsCrawled bumps the progress counter.
func (c *Client) IncrementDetailsCrawled(ctx context.Context) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.IncrementDetailsCrawled(ctx, c.identity)
	if err != nil {
		c.degraded("incr_details_crawled", err)
		return 0
	}
	return n
}

// DetailsCrawled returns the progress counter.
func (c *Client) DetailsCrawled(ctx context.Context) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.DetailsCrawled(ctx, c.identity)
	if err != nil {
		c.degraded("details_crawled", err)
		return 0
	}
	return n
}

// RecordError pushes an entry into the bounded ring and returns the total
// error count.
func (c *Client) RecordError(ctx context.Context, errType, url, message string) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	entry := crawler.ErrorEntry{
		Timestamp: c.clock.Now(),
		Type:      errType,
		URL:       url,
		Message:   message,
	}
	total, err := c.backend.PushError(ctx, c.identity, entry, c.ringSize)
	if err != nil {
		c.degraded("push_error", err)
		return 0
	}
	return total
}

// RecentErrors returns up to limit entries, newest first.
func (c *Client) RecentErrors(ctx context.Context, limit int) []crawler.ErrorEntry {
	if limit <= 0 || limit > c.ringSize {
		limit = c.ringSize
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	entries, err := c.backend.RecentErrors(ctx, c.identity, limit)
	if err != nil {
		c.degraded("recent_errors", err)
		return []crawler.ErrorEntry{}
	}
	return entries
}

// ErrorCount returns the unbounded error total.
func (c *Client) ErrorCount(ctx context.Context) int64 {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.backend.ErrorCount(ctx, c.identity)
	if err != nil {
		c.degraded("error_count", err)
		return 0
	}
	return n
}

// Stats returns the cached snapshot. ok is false when nothing is cached.
func (c *Client) Stats(ctx context.Context) (crawler.StatsSnapshot, bool) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	snap, ok, err := c.backend.GetStats(ctx, c.identity)
	if err != nil {
		c.degraded("get_stats", err)
		return crawler.StatsSnapshot{}, false
	}
	return snap, ok
}

// SetStats caches snapshot.
func (c *Client) SetStats(ctx context.Context, snapshot crawler.StatsSnapshot) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SetStats(ctx, c.identity, snapshot); err != nil {
		c.degraded("set_stats", err)
		return false
	}
	return true
}

// Reset wipes everything stored for the identity.
func (c *Client) Reset(ctx context.Context) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.Reset(ctx, c.identity); err != nil {
		c.degraded("reset", err)
		return false
	}
	return true
}

// SoftReset clears status, progress, errors and stats.
func (c *Client) SoftReset(ctx context.Context) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.SoftReset(ctx, c.identity, c.clock.Now()); err != nil {
		c.degraded("soft_reset", err)
		return false
	}
	return true
}

// Ping checks backend reachability. Unlike the other methods it reports the
// error so readiness probes can surface it.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	return c.backend.Ping(ctx)
}
