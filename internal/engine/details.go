package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// crawlDetails runs Phase 2 until the queue is empty, the run is stopped or
// the circuit breaker trips. drained reports an empty queue, never a store
// that failed to answer; tripped reports the breaker, whose status has
// already been written. Each popped link stays claimed until it is acked, so
// a killed process leaves it for RequeueClaimed.
func (e *Engine) crawlDetails(ctx context.Context) (drained, tripped bool) {
	pending := e.client.QueueSize(ctx)
	total := pending + e.client.DetailsCrawled(ctx)
	e.logger.Info("crawling details", zap.Int64("pending", pending), zap.Int64("total", total))

	consecutive := 0
	for {
		if !e.checkpoint(ctx) {
			return false, false
		}
		link, ok, err := e.client.TryPop(ctx)
		if err != nil {
			e.logger.Warn("queue unavailable, leaving phase 2", zap.Error(err))
			return false, false
		}
		if !ok {
			metrics.SetQueueDepth(e.identity, 0)
			return true, false
		}
		if e.client.IsCrawled(ctx, link.URL) {
			e.logger.Debug("already crawled", zap.String("url", link.URL))
			e.client.Ack(ctx, link.URL)
			continue
		}

		switch e.processLink(ctx, link, total) {
		case source.Fail:
			consecutive++
			// Requeue before dropping the claim so a crash in between
			// duplicates the link instead of losing it.
			e.client.Push(ctx, link)
			e.client.Ack(ctx, link.URL)
			if consecutive >= e.opts.BreakerThreshold {
				e.tripBreaker(ctx, link, consecutive)
				return false, true
			}
		default:
			consecutive = 0
			e.client.Ack(ctx, link.URL)
		}
		metrics.SetQueueDepth(e.identity, e.client.QueueSize(ctx))
	}
}

// processLink fetches and persists one detail page and returns its outcome.
// A document that cannot be saved counts as a failure.
func (e *Engine) processLink(ctx context.Context, link crawler.LinkRecord, total int64) source.Outcome {
	start := e.clock.Now()
	detail := e.adapter.FetchDetail(ctx, link)
	switch detail.Outcome {
	case source.Success:
		doc, err := e.saver.Save(ctx, e.adapter, link, detail)
		if err != nil {
			detail = source.Detail{Outcome: source.Fail, Err: fmt.Errorf("save document: %w", err)}
		} else {
			e.client.MarkCrawled(ctx, link.URL)
			done := e.client.IncrementDetailsCrawled(ctx)
			e.logger.Info("detail saved",
				zap.String("url", link.URL),
				zap.Uint64("item_id", doc.ItemID),
				zap.Int64("done", done),
				zap.Int64("total", total),
			)
		}
	case source.Skip:
		done := e.client.IncrementDetailsCrawled(ctx)
		e.logger.Info("detail skipped",
			zap.String("url", link.URL),
			zap.Int64("done", done),
			zap.Int64("total", total),
			zap.Error(detail.Err),
		)
	}

	outcome := detail.Outcome.String()
	metrics.ObserveItem(e.identity, outcome)
	evt := progress.Event{
		Kind:    progress.KindItem,
		URL:     link.URL,
		Section: link.Section,
		Outcome: outcome,
		Message: "detail " + outcome,
		Dur:     elapsed(e.clock, start),
	}
	if detail.Outcome == source.Fail {
		msg := "detail fetch failed"
		if detail.Err != nil {
			msg = detail.Err.Error()
		}
		evt.Level = progress.LevelError
		evt.ErrType = "detail_failed"
		evt.Message = msg
		e.logger.Warn("detail failed, requeued", zap.String("url", link.URL), zap.String("error", msg))
	}
	e.reporter.Emit(evt)
	return detail.Outcome
}

func (e *Engine) tripBreaker(ctx context.Context, link crawler.LinkRecord, failures int) {
	msg := fmt.Sprintf("%d consecutive detail failures, last %s", failures, link.URL)
	e.logger.Error("circuit breaker tripped", zap.Int("failures", failures), zap.String("url", link.URL))
	e.setStatus(ctx, crawler.StatusError, crawler.StatusDetails{
		Reason:    crawler.ReasonTooManyErrors,
		Error:     msg,
		StoppedAt: e.clock.Now(),
	})
	e.reporter.Emit(progress.Event{
		Level:   progress.LevelError,
		Kind:    progress.KindRunError,
		ErrType: crawler.ReasonTooManyErrors,
		URL:     link.URL,
		Message: msg,
	})
}
