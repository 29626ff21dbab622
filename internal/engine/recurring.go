package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// recurring re-scans every section once a day until stopped. A re-scan that
// was due while no engine was running is caught up on entry. With Once set it
// returns after that catch-up instead of waiting.
func (e *Engine) recurring(ctx context.Context) error {
	var lastRescan time.Time
	for {
		if e.shouldStop(ctx) {
			return e.finishStopped(ctx, e.clock.Now())
		}
		now := e.clock.Now()
		if stored := e.client.State(ctx).LastRescanAt; stored != nil && stored.After(lastRescan) {
			lastRescan = *stored
		}
		if lastRescan.Before(e.opts.Schedule.Prev(now)) {
			if err := e.rescan(ctx); err != nil {
				return err
			}
			// A stopped re-scan has already written its status.
			if e.shouldStop(ctx) {
				return nil
			}
			lastRescan = now
			continue
		}
		if e.opts.Once {
			return nil
		}

		next := e.opts.Schedule.Next(now)
		e.logger.Info("waiting for next re-scan", zap.Time("at", next))
		select {
		case <-ctx.Done():
		case <-e.stopCh:
		case <-e.after(next.Sub(now)):
		}
	}
}

// rescan walks every section from offset zero looking for new links, then
// crawls whatever it queued.
func (e *Engine) rescan(ctx context.Context) error {
	start := e.clock.Now()
	e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{StartedAt: start})
	e.reporter.Emit(progress.Event{Kind: progress.KindRunStart, Message: "scheduled re-scan started"})
	e.logger.Info("scheduled re-scan started")

	total := 0
	for _, sec := range e.adapter.Sections() {
		if e.shouldStop(ctx) {
			return e.finishStopped(ctx, start)
		}
		e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{Section: sec.ID})
		added, _ := e.rescanSection(ctx, sec)
		total += added
	}
	if e.shouldStop(ctx) {
		return e.finishStopped(ctx, start)
	}
	e.logger.Info("re-scan collected links", zap.Int("new", total))

	if e.client.QueueSize(ctx) > 0 {
		drained, tripped := e.crawlDetails(ctx)
		if tripped {
			return ErrTooManyErrors
		}
		if e.shouldStop(ctx) {
			return e.finishStopped(ctx, start)
		}
		// The stored re-scan time stays put so the next engine catches up.
		if !drained {
			e.setStatus(ctx, crawler.StatusStopped, crawler.StatusDetails{
				Reason:    crawler.ReasonIncomplete,
				StoppedAt: e.clock.Now(),
			})
			e.runDone(start, crawler.ReasonIncomplete)
			e.logger.Warn("scheduled re-scan left links queued")
			return nil
		}
	}

	e.client.SetRecurring(ctx, true, start)
	e.setStatus(ctx, crawler.StatusStopped, crawler.StatusDetails{
		Reason:    crawler.ReasonScheduledCompleted,
		StoppedAt: e.clock.Now(),
	})
	e.runDone(start, crawler.ReasonScheduledCompleted)
	e.logger.Info("scheduled re-scan complete", zap.Int("new", total))
	return nil
}

// rescanSection pages sec with no end of range and stops after a run of
// already-visited URLs, a page without new links, or an empty page. It
// returns the new links queued and the duplicates observed. Checkpoints are
// left untouched.
func (e *Engine) rescanSection(ctx context.Context, sec source.Section) (added, duplicates int) {
	logger := e.logger.With(zap.String("section", sec.ID))
	offset, failures, run := 0, 0, 0
	for {
		if !e.checkpoint(ctx) {
			return added, duplicates
		}
		items, err := e.listPage(ctx, sec, offset, e.pageSize)
		if err != nil {
			if e.shouldStop(ctx) {
				return added, duplicates
			}
			failures++
			e.pageFailed(sec, offset, err)
			if failures >= e.opts.MaxConsecutivePageFailures {
				logger.Warn("re-scan aborted after consecutive page failures", zap.Int("offset", offset))
				return added, duplicates
			}
			continue
		}
		failures = 0
		if len(items) == 0 {
			logger.Info("re-scan reached an empty page", zap.Int("offset", offset))
			return added, duplicates
		}

		pageAdded := 0
		for _, raw := range items {
			if !e.checkpoint(ctx) {
				return added, duplicates
			}
			if raw.URL == "" {
				continue
			}
			if e.client.IsVisited(ctx, raw.URL) {
				duplicates++
				run++
				if run >= e.opts.DuplicateStopThreshold {
					logger.Info("re-scan stopped on consecutive duplicates", zap.Int("duplicates", run))
					e.pageDone(sec, offset+e.pageSize, len(items), pageAdded)
					return added, duplicates
				}
				continue
			}
			run = 0
			if e.push(ctx, raw, sec) {
				pageAdded++
				added++
			}
		}
		offset += e.pageSize
		e.pageDone(sec, offset, len(items), pageAdded)
		if pageAdded == 0 {
			logger.Info("re-scan page yielded no new links", zap.Int("offset", offset))
			return added, duplicates
		}
	}
}
