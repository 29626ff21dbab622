// Package memory provides an in-process state.Backend for tests and
// single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

type identityState struct {
	pipeline       crawler.PipelineState
	detailsCrawled int64
	errorTotal     int64
	errors         []crawler.ErrorEntry // newest first
	checkpoints    map[string]crawler.Checkpoint
	sets           map[state.URLSet]map[string]struct{}
	queue          []crawler.LinkRecord
	claimed        []crawler.LinkRecord
	stats          *crawler.StatsSnapshot
}

func newIdentityState(identity string) *identityState {
	return &identityState{
		pipeline:    crawler.PipelineState{Identity: identity, Status: crawler.StatusIdle},
		checkpoints: make(map[string]crawler.Checkpoint),
		sets: map[state.URLSet]map[string]struct{}{
			state.Visited: {},
			state.Crawled: {},
		},
	}
}

// Store is a mutex-guarded map of identity state.
type Store struct {
	mu         sync.Mutex
	identities map[string]*identityState
}

var _ state.Backend = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{identities: make(map[string]*identityState)}
}

// get returns the identity's state, creating it lazily. Callers hold mu.
func (s *Store) get(identity string) *identityState {
	st, ok := s.identities[identity]
	if !ok {
		st = newIdentityState(identity)
		s.identities[identity] = st
	}
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t
	return &v
}

// GetState implements state.Backend.
func (s *Store) GetState(_ context.Context, identity string) (crawler.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(identity).pipeline, nil
}

// SetStatus implements state.Backend.
func (s *Store) SetStatus(
	_ context.Context,
	identity string,
	status crawler.Status,
	details crawler.StatusDetails,
	at time.Time,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &s.get(identity).pipeline
	p.Status = status
	p.Reason = details.Reason
	p.Error = details.Error
	if details.PID != 0 {
		p.PID = details.PID
	}
	if details.Section != "" {
		p.CurrentSection = details.Section
	}
	if !details.StartedAt.IsZero() {
		p.StartedAt = timePtr(details.StartedAt)
	}
	if !details.StoppedAt.IsZero() {
		p.StoppedAt = timePtr(details.StoppedAt)
	}
	p.UpdatedAt = timePtr(at)
	p.Version++
	return p.Version, nil
}

// SetPaused implements state.Backend.
func (s *Store) SetPaused(_ context.Context, identity string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(identity).pipeline.Paused = paused
	return nil
}

// SetRecurring implements state.Backend.
func (s *Store) SetRecurring(_ context.Context, identity string, armed bool, lastRescan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &s.get(identity).pipeline
	p.Recurring = armed
	if !lastRescan.IsZero() {
		p.LastRescanAt = timePtr(lastRescan)
	}
	return nil
}

// GetCheckpoint implements state.Backend.
func (s *Store) GetCheckpoint(_ context.Context, identity, section string) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.get(identity).checkpoints[section]
	if !ok {
		return crawler.Checkpoint{}, state.ErrNotFound
	}
	return cp, nil
}

// ListCheckpoints implements state.Backend.
func (s *Store) ListCheckpoints(_ context.Context, identity string) ([]crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.get(identity).checkpoints
	out := make([]crawler.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out, nil
}

// SetCheckpointOffset implements state.Backend.
func (s *Store) SetCheckpointOffset(_ context.Context, identity, section string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	cp := st.checkpoints[section]
	cp.Section = section
	cp.LastOffset = offset
	st.checkpoints[section] = cp
	return nil
}

// SetCheckpointComplete implements state.Backend.
func (s *Store) SetCheckpointComplete(_ context.Context, identity, section string, complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	cp := st.checkpoints[section]
	cp.Section = section
	cp.Complete = complete
	st.checkpoints[section] = cp
	return nil
}

// AddURL implements state.Backend.
func (s *Store) AddURL(_ context.Context, identity string, set state.URLSet, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.get(identity).sets[set]
	if _, ok := members[url]; ok {
		return false, nil
	}
	members[url] = struct{}{}
	return true, nil
}

// HasURL implements state.Backend.
func (s *Store) HasURL(_ context.Context, identity string, set state.URLSet, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.get(identity).sets[set][url]
	return ok, nil
}

// CountURLs implements state.Backend.
func (s *Store) CountURLs(_ context.Context, identity string, set state.URLSet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.get(identity).sets[set])), nil
}

// PushLink implements state.Backend.
func (s *Store) PushLink(_ context.Context, identity string, link crawler.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	st.queue = append(st.queue, link)
	return nil
}

// PopLink implements state.Backend.
func (s *Store) PopLink(_ context.Context, identity string) (crawler.LinkRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	if len(st.queue) == 0 {
		return crawler.LinkRecord{}, false, nil
	}
	head := st.queue[0]
	st.queue[0] = crawler.LinkRecord{}
	st.queue = st.queue[1:]
	st.claimed = append(st.claimed, head)
	return head, true, nil
}

// AckLink implements state.Backend.
func (s *Store) AckLink(_ context.Context, identity, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	for i, link := range st.claimed {
		if link.URL == url {
			st.claimed = append(st.claimed[:i], st.claimed[i+1:]...)
			return nil
		}
	}
	return nil
}

// RequeueClaimed implements state.Backend. Released links go back to the
// queue head in claim order.
func (s *Store) RequeueClaimed(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	n := len(st.claimed)
	if n == 0 {
		return 0, nil
	}
	st.queue = append(st.claimed, st.queue...)
	st.claimed = nil
	return int64(n), nil
}

// QueueSize implements state.Backend.
func (s *Store) QueueSize(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.get(identity).queue)), nil
}

// IncrementDetailsCrawled implements state.Backend.
func (s *Store) IncrementDetailsCrawled(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	st.detailsCrawled++
	return st.detailsCrawled, nil
}

// DetailsCrawled implements state.Backend.
func (s *Store) DetailsCrawled(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(identity).detailsCrawled, nil
}

// PushError implements state.Backend.
func (s *Store) PushError(_ context.Context, identity string, entry crawler.ErrorEntry, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	st.errors = append([]crawler.ErrorEntry{entry}, st.errors...)
	if keep > 0 && len(st.errors) > keep {
		st.errors = st.errors[:keep]
	}
	st.errorTotal++
	return st.errorTotal, nil
}

// RecentErrors implements state.Backend.
func (s *Store) RecentErrors(_ context.Context, identity string, limit int) ([]crawler.ErrorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.get(identity).errors
	if limit > 0 && len(errs) > limit {
		errs = errs[:limit]
	}
	return append([]crawler.ErrorEntry{}, errs...), nil
}

// ErrorCount implements state.Backend.
func (s *Store) ErrorCount(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(identity).errorTotal, nil
}

// GetStats implements state.Backend.
func (s *Store) GetStats(_ context.Context, identity string) (crawler.StatsSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.get(identity).stats
	if snap == nil {
		return crawler.StatsSnapshot{}, false, nil
	}
	return *snap, true, nil
}

// SetStats implements state.Backend.
func (s *Store) SetStats(_ context.Context, identity string, snapshot crawler.StatsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(identity).stats = &snapshot
	return nil
}

// Reset implements state.Backend.
func (s *Store) Reset(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, identity)
	return nil
}

// SoftReset implements state.Backend.
func (s *Store) SoftReset(_ context.Context, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(identity)
	st.pipeline = crawler.PipelineState{
		Identity:     identity,
		Status:       crawler.StatusIdle,
		Version:      st.pipeline.Version + 1,
		UpdatedAt:    timePtr(at),
		Recurring:    st.pipeline.Recurring,
		LastRescanAt: st.pipeline.LastRescanAt,
	}
	st.detailsCrawled = 0
	st.errorTotal = 0
	st.errors = nil
	st.stats = nil
	return nil
}

// Ping implements state.Backend.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements state.Backend.
func (s *Store) Close() {}
