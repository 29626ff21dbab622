package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// collectLinks runs Phase 1 over every incomplete section and reports
// whether all sections are now complete.
func (e *Engine) collectLinks(ctx context.Context) bool {
	allDone := true
	for _, sec := range e.adapter.Sections() {
		if e.shouldStop(ctx) {
			return false
		}
		cp := e.client.Checkpoint(ctx, sec.ID)
		if cp.Complete {
			e.logger.Debug("section already complete", zap.String("section", sec.ID))
			continue
		}
		e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{Section: sec.ID})
		if !e.collectSection(ctx, sec, cp.LastOffset) {
			allDone = false
		}
	}
	return allDone
}

// collectSection pages sec from offset and reports whether the section
// reached its end. A section that stops or aborts is left incomplete with its
// last good offset persisted.
func (e *Engine) collectSection(ctx context.Context, sec source.Section, offset int) bool {
	logger := e.logger.With(zap.String("section", sec.ID))
	logger.Info("collecting links", zap.Int("offset", offset), zap.Int("size_hint", sec.SizeHint))
	failures := 0
	for {
		if !e.checkpoint(ctx) {
			return false
		}
		limit := e.pageSize
		if sec.SizeHint > 0 {
			if offset >= sec.SizeHint {
				break
			}
			limit = min(limit, sec.SizeHint-offset)
		}

		items, err := e.listPage(ctx, sec, offset, limit)
		if err != nil {
			if e.shouldStop(ctx) {
				return false
			}
			failures++
			e.pageFailed(sec, offset, err)
			if failures >= e.opts.MaxConsecutivePageFailures {
				logger.Warn("section aborted after consecutive page failures",
					zap.Int("failures", failures),
					zap.Int("offset", offset),
				)
				return false
			}
			continue
		}
		failures = 0

		added := 0
		for _, raw := range items {
			if !e.checkpoint(ctx) {
				return false
			}
			if e.enqueue(ctx, raw, sec) {
				added++
			}
		}
		offset += min(len(items), limit)
		e.client.SetOffset(ctx, sec.ID, offset)
		e.pageDone(sec, offset, len(items), added)

		if len(items) < limit {
			break
		}
	}
	e.client.MarkComplete(ctx, sec.ID)
	logger.Info("section complete", zap.Int("offset", offset))
	return true
}

// enqueue pushes raw unless its URL was already visited and reports whether
// it was new.
func (e *Engine) enqueue(ctx context.Context, raw source.RawItem, sec source.Section) bool {
	if raw.URL == "" || e.client.IsVisited(ctx, raw.URL) {
		return false
	}
	return e.push(ctx, raw, sec)
}

// push queues raw, then marks it visited.
func (e *Engine) push(ctx context.Context, raw source.RawItem, sec source.Section) bool {
	link := e.adapter.ToLinkRecord(raw, sec.Name)
	if link.Section == "" {
		link.Section = sec.Name
	}
	if link.CollectedAt.IsZero() {
		link.CollectedAt = e.clock.Now()
	}
	if !e.client.Push(ctx, link) {
		return false
	}
	e.client.MarkVisited(ctx, raw.URL)
	return true
}

// listPage requests one listing window. Non-200 responses and parse errors
// count as failures.
func (e *Engine) listPage(ctx context.Context, sec source.Section, offset, limit int) ([]source.RawItem, error) {
	req, err := e.adapter.ListRequest(sec, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch list page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list page returned status %d", resp.StatusCode)
	}
	items, err := e.adapter.ExtractItems(resp)
	if err != nil {
		return nil, fmt.Errorf("extract items: %w", err)
	}
	return items, nil
}

func (e *Engine) pageDone(sec source.Section, offset, items, added int) {
	metrics.ObservePage(e.identity, sec.ID, "success")
	e.reporter.Emit(progress.Event{
		Kind:    progress.KindPage,
		Section: sec.ID,
		Outcome: "success",
		Message: "list page collected",
		Details: map[string]any{"offset": offset, "items": items, "new": added},
	})
}

func (e *Engine) pageFailed(sec source.Section, offset int, err error) {
	metrics.ObservePage(e.identity, sec.ID, "fail")
	e.logger.Warn("list page failed",
		zap.String("section", sec.ID),
		zap.Int("offset", offset),
		zap.Error(err),
	)
	e.reporter.Emit(progress.Event{
		Level:   progress.LevelError,
		Kind:    progress.KindPage,
		Section: sec.ID,
		ErrType: "list_failed",
		Outcome: "fail",
		Message: err.Error(),
		Details: map[string]any{"offset": offset},
	})
}

func elapsed(clock crawler.Clock, start time.Time) time.Duration {
	if d := clock.Now().Sub(start); d > 0 {
		return d
	}
	return 0
}
