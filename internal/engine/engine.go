// Package engine runs the two-phase crawl for one identity: link collection
// over every section's listing, then detail crawling from the durable queue,
// then a daily incremental re-scan once caught up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	runid "github.com/JakeFAU/govdoc-harvester/internal/id/uuid"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/scheduler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

// Defaults applied by New when an option is zero.
const (
	DefaultPausePollInterval          = time.Second
	DefaultMaxConsecutivePageFailures = 3
	DefaultBreakerThreshold           = 100
	DefaultDuplicateStopThreshold     = 100
)

var (
	// ErrAlreadyRunning is returned by Run when this Engine is mid-run.
	ErrAlreadyRunning = errors.New("engine: already running")
	// ErrTooManyErrors is returned by Run after the detail circuit breaker
	// tripped. The status is already recorded.
	ErrTooManyErrors = errors.New("engine: too many consecutive detail failures")
)

// Saver persists a successful detail fetch.
type Saver interface {
	Save(ctx context.Context, adapter source.Adapter, link crawler.LinkRecord, detail source.Detail) (crawler.Document, error)
}

// RunIDGenerator tags each run.
type RunIDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Options tunes an Engine.
type Options struct {
	// PageSize overrides the adapter's page size when positive.
	PageSize                   int
	PausePollInterval          time.Duration
	MaxConsecutivePageFailures int
	BreakerThreshold           int
	DuplicateStopThreshold     int
	// Schedule is the daily re-scan time used in recurring mode.
	Schedule scheduler.TimeOfDay
	// Once returns from Run instead of waiting for the next re-scan. With a
	// Schedule set, a re-scan that is already due still runs first.
	Once   bool
	Events progress.Emitter
	IDs    RunIDGenerator
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Engine crawls one identity. It is single-goroutine; Stop, Pause and Resume
// may be called from other goroutines.
type Engine struct {
	client   *state.Client
	adapter  source.Adapter
	fetcher  crawler.Fetcher
	saver    Saver
	opts     Options
	identity string
	pageSize int
	clock    crawler.Clock
	logger   *zap.Logger
	// after is swapped in tests.
	after func(d time.Duration) <-chan time.Time

	running  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	reporter *progress.Reporter
}

// New builds an Engine for client's identity. fetcher issues list requests;
// detail requests go through the adapter.
func New(
	client *state.Client,
	adapter source.Adapter,
	fetcher crawler.Fetcher,
	saver Saver,
	opts Options,
) (*Engine, error) {
	if client == nil {
		return nil, errors.New("engine: state client is required")
	}
	if adapter == nil {
		return nil, errors.New("engine: adapter is required")
	}
	if fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if saver == nil {
		return nil, errors.New("engine: saver is required")
	}
	if opts.PausePollInterval <= 0 {
		opts.PausePollInterval = DefaultPausePollInterval
	}
	if opts.MaxConsecutivePageFailures <= 0 {
		opts.MaxConsecutivePageFailures = DefaultMaxConsecutivePageFailures
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.DuplicateStopThreshold <= 0 {
		opts.DuplicateStopThreshold = DefaultDuplicateStopThreshold
	}
	if opts.IDs == nil {
		opts.IDs = runid.New()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = adapter.PageSize()
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("engine: invalid page size %d", pageSize)
	}
	clk := opts.Clock
	if clk == nil {
		clk = system.Clock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := client.Identity()
	return &Engine{
		client:   client,
		adapter:  adapter,
		fetcher:  fetcher,
		saver:    saver,
		opts:     opts,
		identity: identity,
		pageSize: pageSize,
		clock:    clk,
		logger:   logger.Named("engine").With(zap.String("identity", identity)),
		after:    time.After,
		stopCh:   make(chan struct{}),
		reporter: progress.NewReporter(opts.Events, identity, uuid.Nil),
	}, nil
}

// Run executes Phase 1 and Phase 2, then recurring mode when fully caught up.
// It returns nil after a completed or user-stopped run.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	id, idErr := e.opts.IDs.NewRunID()
	if idErr != nil {
		e.logger.Warn("run id unavailable", zap.Error(idErr))
	}
	e.reporter = progress.NewReporter(e.opts.Events, e.identity, id)
	logger := e.logger.With(zap.String("run_id", id.String()))
	start := e.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: panic: %v", r)
			logger.Error("engine panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			e.fail(ctx, "fatal_error", err)
		}
	}()

	if !e.client.State(ctx).Status.Live() {
		e.setStatus(ctx, crawler.StatusStarting, crawler.StatusDetails{StartedAt: start})
	}
	e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{PID: os.Getpid(), StartedAt: start})
	e.reporter.Emit(progress.Event{Kind: progress.KindRunStart, Message: "run started"})
	logger.Info("run started", zap.Int("page_size", e.pageSize))

	if n := e.client.RequeueClaimed(ctx); n > 0 {
		logger.Warn("requeued links left in flight by a previous run", zap.Int64("links", n))
	}
	sectionsDone := e.collectLinks(ctx)
	if e.shouldStop(ctx) {
		return e.finishStopped(ctx, start)
	}
	drained, tripped := e.crawlDetails(ctx)
	if tripped {
		return ErrTooManyErrors
	}
	if e.shouldStop(ctx) {
		return e.finishStopped(ctx, start)
	}

	if !sectionsDone || !drained {
		e.setStatus(ctx, crawler.StatusStopped, crawler.StatusDetails{
			Reason:    crawler.ReasonIncomplete,
			StoppedAt: e.clock.Now(),
		})
		e.runDone(start, crawler.ReasonIncomplete)
		logger.Warn("run ended with incomplete sections")
		return nil
	}

	e.setStatus(ctx, crawler.StatusStopped, crawler.StatusDetails{
		Reason:    crawler.ReasonCompleted,
		StoppedAt: e.clock.Now(),
	})
	st := e.client.State(ctx)
	var firstCatchUp time.Time
	if st.LastRescanAt == nil {
		firstCatchUp = e.clock.Now()
	}
	e.client.SetRecurring(ctx, true, firstCatchUp)
	e.runDone(start, crawler.ReasonCompleted)
	logger.Info("caught up, recurring mode armed",
		zap.Int64("visited", e.client.VisitedCount(ctx)),
		zap.Int64("crawled", e.client.CrawledCount(ctx)),
	)
	if e.opts.Once && e.opts.Schedule.IsZero() {
		return nil
	}
	return e.recurring(ctx)
}

// Stop asks the run to end at its next checkpoint. It is safe to call more
// than once and before Run.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
	})
}

// Pause sets the shared pause flag; the run blocks at its next checkpoint.
func (e *Engine) Pause(ctx context.Context) {
	e.client.SetPaused(ctx, true)
	e.setStatus(ctx, crawler.StatusPaused, crawler.StatusDetails{})
}

// Resume clears the shared pause flag.
func (e *Engine) Resume(ctx context.Context) {
	e.client.SetPaused(ctx, false)
	e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{})
}

func (e *Engine) shouldStop(ctx context.Context) bool {
	return e.stopped.Load() || ctx.Err() != nil
}

// checkpoint blocks while paused and reports whether work may continue.
func (e *Engine) checkpoint(ctx context.Context) bool {
	if e.shouldStop(ctx) {
		return false
	}
	if !e.client.Paused(ctx) {
		return true
	}
	if e.client.State(ctx).Status != crawler.StatusPaused {
		e.setStatus(ctx, crawler.StatusPaused, crawler.StatusDetails{})
	}
	e.logger.Info("paused")
	ticker := time.NewTicker(e.opts.PausePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-e.stopCh:
			return false
		case <-ticker.C:
			if e.client.Paused(ctx) {
				continue
			}
			if e.client.State(ctx).Status == crawler.StatusPaused {
				e.setStatus(ctx, crawler.StatusRunning, crawler.StatusDetails{})
			}
			e.logger.Info("resumed")
			return true
		}
	}
}

func (e *Engine) setStatus(ctx context.Context, status crawler.Status, details crawler.StatusDetails) {
	if version := e.client.SetStatus(ctx, status, details); version > 0 {
		metrics.ObserveStatus(e.identity, string(status))
	}
}

func (e *Engine) finishStopped(ctx context.Context, start time.Time) error {
	e.setStatus(ctx, crawler.StatusStopped, crawler.StatusDetails{
		Reason:    crawler.ReasonUserStopped,
		StoppedAt: e.clock.Now(),
	})
	e.runDone(start, crawler.ReasonUserStopped)
	e.logger.Info("run stopped")
	return nil
}

func (e *Engine) runDone(start time.Time, reason string) {
	e.reporter.Emit(progress.Event{
		Kind:    progress.KindRunDone,
		Message: "run finished",
		Outcome: reason,
		Dur:     elapsed(e.clock, start),
	})
}

// fail records a fatal run error.
func (e *Engine) fail(ctx context.Context, errType string, err error) {
	e.setStatus(ctx, crawler.StatusError, crawler.StatusDetails{
		Error:     err.Error(),
		StoppedAt: e.clock.Now(),
	})
	e.reporter.Emit(progress.Event{
		Level:   progress.LevelError,
		Kind:    progress.KindRunError,
		ErrType: errType,
		Message: err.Error(),
	})
}
