package supervisor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

// Stats returns identity's cached snapshot when it carries data, otherwise
// recomputes it from the corpus.
func (s *Supervisor) Stats(ctx context.Context, identity string) (crawler.StatsSnapshot, error) {
	client, err := s.Client(identity)
	if err != nil {
		return crawler.StatsSnapshot{}, err
	}
	if snap, ok := client.Stats(ctx); ok && !snap.Trivial() {
		return snap, nil
	}
	return s.recompute(ctx, identity, client), nil
}

// recompute runs at most one scan per identity at a time; concurrent callers
// share its result. The scan is bounded by StatsTimeout regardless of the
// caller's context, and a timed-out scan returns what it counted so far.
func (s *Supervisor) recompute(ctx context.Context, identity string, client *state.Client) crawler.StatsSnapshot {
	v, _, _ := s.stats.Do(identity, func() (any, error) {
		s.mu.Lock()
		s.refreshing[identity] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, identity)
			s.mu.Unlock()
		}()

		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StatsTimeout)
		defer cancel()
		logger := s.logger.With(zap.String("identity", identity))
		start := time.Now()

		var snap crawler.StatsSnapshot
		var err error
		if s.scan != nil {
			snap, err = s.scan(scanCtx, identity)
		}
		metrics.ObserveStatsRecompute(identity, time.Since(start))
		snap.CrawledCount = client.CrawledCount(scanCtx)
		snap.VisitedURLs = client.VisitedCount(scanCtx)
		now := s.clock.Now()
		snap.LastUpdate = &now

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("stats recompute timed out, returning partial snapshot",
				zap.Duration("timeout", s.cfg.StatsTimeout),
				zap.Int64("total_items", snap.TotalItems),
			)
			return snap, nil
		case err != nil:
			logger.Warn("stats recompute failed", zap.Error(err))
			return snap, nil
		}
		client.SetStats(scanCtx, snap)
		logger.Debug("stats recomputed", zap.Int64("total_items", snap.TotalItems))
		return snap, nil
	})
	snap, _ := v.(crawler.StatsSnapshot)
	return snap
}

// RefreshStats recomputes every identity's snapshot, skipping identities
// whose recomputation is already in flight.
func (s *Supervisor) RefreshStats(ctx context.Context) {
	for _, id := range s.identities {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		busy := s.refreshing[id]
		s.mu.Unlock()
		if busy {
			s.logger.Debug("stats refresh already running", zap.String("identity", id))
			continue
		}
		s.recompute(ctx, id, s.clients[id])
	}
}

// RunStatsRefresh calls RefreshStats every StatsRefreshInterval until ctx
// ends.
func (s *Supervisor) RunStatsRefresh(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RefreshStats(ctx)
		}
	}
}
