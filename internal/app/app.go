// Package app initializes and holds long-lived application services, acting
// as the dependency container shared by the serve, run, status and reset
// commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/config"
	"github.com/JakeFAU/govdoc-harvester/internal/corpus"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/engine"
	collyfetcher "github.com/JakeFAU/govdoc-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/govdoc-harvester/internal/fetcher/retry"
	"github.com/JakeFAU/govdoc-harvester/internal/id/uuid"
	"github.com/JakeFAU/govdoc-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/govdoc-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
	"github.com/JakeFAU/govdoc-harvester/internal/source/builtin"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
	"github.com/JakeFAU/govdoc-harvester/internal/state/memory"
	"github.com/JakeFAU/govdoc-harvester/internal/state/postgres"
	"github.com/JakeFAU/govdoc-harvester/internal/storage/gcs"
	"github.com/JakeFAU/govdoc-harvester/internal/storage/local"
)

// App holds the shared services built from one Config.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	backend   state.Backend
	gcs       *gcs.BlobStore
	publisher *pubsubpublisher.Publisher
	registry  *source.Registry
}

// New connects the configured state store, blob backend and publisher. It
// fails fast when a configured dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	registry, err := builtin.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build adapter registry: %w", err)
	}
	a.registry = registry

	switch cfg.State.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:         cfg.State.DSN,
			TablePrefix: cfg.State.TablePrefix,
			MaxConns:    cfg.State.MaxConns,
			MinConns:    cfg.State.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		a.backend = store
	case config.BackendMemory:
		logger.Warn("using in-memory state store; state is not shared between processes")
		a.backend = memory.NewStore()
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}

	if cfg.Storage.Backend == config.BackendGCS {
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		a.gcs = blobs
	}

	if cfg.PubSub.Enabled {
		pub, err := pubsubpublisher.Open(ctx, cfg.PubSub.ProjectID, map[string]string{"source": "govdoc-harvester"})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open publisher: %w", err)
		}
		a.publisher = pub
	}

	logger.Info("application services initialized",
		zap.String("state_backend", cfg.State.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Backend returns the shared state store.
func (a *App) Backend() state.Backend { return a.backend }

// StateOptions configures state clients from the state section.
func (a *App) StateOptions() state.Options {
	return state.Options{
		Timeout:       a.cfg.StateOpTimeout(),
		ErrorRingSize: a.cfg.State.ErrorRingSize,
		Clock:         a.clock,
		Logger:        a.logger,
	}
}

// Client returns a state client for identity.
func (a *App) Client(identity string) *state.Client {
	return state.NewClient(a.backend, identity, a.StateOptions())
}

// DataDir is the directory holding identity's NDJSON corpus.
func (a *App) DataDir(identity string) string {
	return filepath.Join(a.cfg.Storage.DataDir, identity)
}

// Blobs returns the attachment store for identity. The local backend is
// rooted at the identity's data directory; GCS is shared.
func (a *App) Blobs(identity string) (crawler.BlobStore, error) {
	if a.gcs != nil {
		return a.gcs, nil
	}
	blobs, err := local.New(local.Config{BaseDir: a.DataDir(identity)})
	if err != nil {
		return nil, fmt.Errorf("open local blob store for %s: %w", identity, err)
	}
	return blobs, nil
}

// Scan recomputes identity's corpus stats; it is the supervisor's ScanFunc.
func (a *App) Scan(ctx context.Context, identity string) (crawler.StatsSnapshot, error) {
	blobs, err := a.Blobs(identity)
	if err != nil {
		return crawler.StatsSnapshot{}, err
	}
	return corpus.Scan(ctx, identity, a.DataDir(identity), blobs)
}

// NewHub builds the progress hub for an engine run: log, Prometheus and
// error-ring sinks. reg may be nil to skip the Prometheus sink.
func (a *App) NewHub(reg prometheus.Registerer) (*progress.Hub, error) {
	hubSinks := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		sinks.NewErrorRingSink(a.backend, a.cfg.State.ErrorRingSize),
	}
	if reg != nil {
		promSink, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("register progress metrics: %w", err)
		}
		hubSinks = append(hubSinks, promSink)
	}
	return progress.NewHub(progress.Config{Logger: a.logger}, hubSinks...), nil
}

// NewEngine assembles the engine for identity: the colly fetcher behind the
// rate limiter and retry policy, the configured adapter and the corpus
// writer.
func (a *App) NewEngine(identity string, events progress.Emitter) (*engine.Engine, error) {
	target, ok := a.cfg.Target(identity)
	if !ok {
		return nil, fmt.Errorf("no enabled target %q", identity)
	}
	logger := a.logger.With(zap.String("identity", identity))

	base, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.RequestTimeout(),
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
		Proxy:       target.Proxy,
		InsecureTLS: a.cfg.HTTP.InsecureTLS,
		Headers:     target.HeaderMap(),
		Cookies:     target.Cookies,
	})
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RPS,
		DefaultBurst: a.cfg.HTTP.Burst,
		HostRPS:      a.cfg.HTTP.HostRPS,
	})
	retries, delay := a.cfg.Retry(target)
	fetcher := retry.New(base, limiter, retry.Config{Retries: retries, Delay: delay}, logger.Named("fetch"))

	adapter, err := a.registry.Build(target.Kind, source.Deps{
		Fetcher: fetcher,
		Options: source.Options{
			BaseURL:  target.BaseURL,
			PageSize: target.PageSize,
			Sections: target.Sections,
			Headers:  target.HeaderMap(),
		},
		Clock:  a.clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := a.Blobs(identity)
	if err != nil {
		return nil, err
	}
	var publisher crawler.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	writer, err := corpus.NewWriter(identity, blobs, fetcher, corpus.Options{
		DataDir:    a.DataDir(identity),
		MaxFiles:   a.cfg.Engine.MaxAttachments,
		Extensions: target.Extensions,
		Publisher:  publisher,
		Topic:      a.cfg.PubSub.TopicName,
		Clock:      a.clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		PageSize:                   target.PageSize,
		PausePollInterval:          a.cfg.PausePollInterval(),
		MaxConsecutivePageFailures: a.cfg.Engine.MaxPageFailures,
		BreakerThreshold:           a.cfg.Engine.BreakerThreshold,
		DuplicateStopThreshold:     a.cfg.Engine.DuplicateStopThreshold,
		Once:                       a.cfg.Engine.Once || !a.cfg.Scheduler.Enabled,
		Events:                     events,
		IDs:                        uuid.New(),
		Clock:                      a.clock,
		Logger:                     a.logger,
	}
	if a.cfg.Scheduler.Enabled {
		at, err := a.cfg.Schedule()
		if err != nil {
			return nil, err
		}
		opts.Schedule = at
	}
	return engine.New(a.Client(identity), adapter, fetcher, writer, opts)
}

// Close releases every service. It is safe to call on a partially built App.
func (a *App) Close() {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.gcs != nil {
		errs = append(errs, a.gcs.Close())
	}
	if a.backend != nil {
		a.backend.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
	}
}
