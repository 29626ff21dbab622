package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

// Starter starts an identity's engine; it is a no-op when already running.
type Starter interface {
	Start(ctx context.Context, identity string) (bool, error)
}

// ArmedFunc lists identities whose recurring mode is armed.
type ArmedFunc func(ctx context.Context) []string

// Scheduler restarts armed identities once a day.
type Scheduler struct {
	at      TimeOfDay
	starter Starter
	armed   ArmedFunc
	clock   crawler.Clock
	logger  *zap.Logger
	// after is swapped in tests.
	after func(d time.Duration) <-chan time.Time
}

// New builds a Scheduler. clock and logger may be nil.
func New(at TimeOfDay, starter Starter, armed ArmedFunc, clock crawler.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = system.Clock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		at:      at,
		starter: starter,
		armed:   armed,
		clock:   clock,
		logger:  logger.Named("scheduler"),
		after:   time.After,
	}
}

// Run waits for each fire time and calls Fire until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := s.at.Next(now)
		s.logger.Info("next scheduled rescan", zap.Time("at", next))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
			s.Fire(ctx)
		}
	}
}

// Fire starts every armed identity and returns those actually started.
// Running identities are left alone by Start.
func (s *Scheduler) Fire(ctx context.Context) []string {
	var started []string
	for _, identity := range s.armed(ctx) {
		ok, err := s.starter.Start(ctx, identity)
		if err != nil {
			s.logger.Warn("scheduled start failed", zap.String("identity", identity), zap.Error(err))
			continue
		}
		if ok {
			started = append(started, identity)
			s.logger.Info("scheduled start", zap.String("identity", identity))
		}
	}
	return started
}
