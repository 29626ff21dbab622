// Package supervisor owns the identity-to-process mapping. It spawns one
// engine child per active identity and blends live process state with the
// durable state store.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultLivenessInterval     = 5 * time.Second
	DefaultStopGrace            = 10 * time.Second
	DefaultStatsTimeout         = 300 * time.Second
	DefaultStatsRefreshInterval = 10 * time.Minute
)

var (
	// ErrUnknownIdentity is returned for identities absent from configuration.
	ErrUnknownIdentity = errors.New("supervisor: unknown identity")
	// ErrProcessAlive is returned by Reset while the engine is running.
	ErrProcessAlive = errors.New("supervisor: engine process is alive")
)

// ScanFunc recomputes an identity's stats from its output corpus.
type ScanFunc func(ctx context.Context, identity string) (crawler.StatsSnapshot, error)

// Config tunes a Supervisor.
type Config struct {
	LivenessInterval     time.Duration
	StopGrace            time.Duration
	StatsTimeout         time.Duration
	StatsRefreshInterval time.Duration
	// State configures the per-identity state clients.
	State  state.Options
	Clock  crawler.Clock
	Logger *zap.Logger
}

type child struct {
	proc     Process
	pid      int
	done     chan struct{}
	exitCode int
	// stopping suppresses the unexpected-exit status write.
	stopping bool
	cancel   context.CancelFunc
}

func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Supervisor manages engine children for a fixed set of identities.
type Supervisor struct {
	cfg        Config
	launcher   Launcher
	scan       ScanFunc
	clock      crawler.Clock
	logger     *zap.Logger
	identities []string
	clients    map[string]*state.Client

	mu         sync.Mutex
	children   map[string]*child
	starting   map[string]bool
	lastExit   map[string]int
	refreshing map[string]bool
	stats      singleflight.Group
}

// New builds a Supervisor for identities, in the order given.
func New(
	backend state.Backend,
	identities []string,
	launcher Launcher,
	scan ScanFunc,
	cfg Config,
) (*Supervisor, error) {
	if backend == nil {
		return nil, errors.New("supervisor: state backend is required")
	}
	if launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = DefaultStatsTimeout
	}
	if cfg.StatsRefreshInterval <= 0 {
		cfg.StatsRefreshInterval = DefaultStatsRefreshInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.Clock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("supervisor")
	stateOpts := cfg.State
	if stateOpts.Clock == nil {
		stateOpts.Clock = clk
	}
	if stateOpts.Logger == nil {
		stateOpts.Logger = logger
	}

	clients := make(map[string]*state.Client, len(identities))
	ids := make([]string, 0, len(identities))
	for _, id := range identities {
		if id == "" {
			return nil, errors.New("supervisor: empty identity")
		}
		if _, dup := clients[id]; dup {
			return nil, fmt.Errorf("supervisor: duplicate identity %q", id)
		}
		clients[id] = state.NewClient(backend, id, stateOpts)
		ids = append(ids, id)
	}
	return &Supervisor{
		cfg:        cfg,
		launcher:   launcher,
		scan:       scan,
		clock:      clk,
		logger:     logger,
		identities: ids,
		clients:    clients,
		children:   make(map[string]*child),
		starting:   make(map[string]bool),
		lastExit:   make(map[string]int),
		refreshing: make(map[string]bool),
	}, nil
}

// Identities lists the configured identities.
func (s *Supervisor) Identities() []string {
	return append([]string(nil), s.identities...)
}

// Client returns the state client for identity.
func (s *Supervisor) Client(identity string) (*state.Client, error) {
	c, ok := s.clients[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	return c, nil
}

// Alive reports whether identity's child process is running.
func (s *Supervisor) Alive(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[identity]
	return c != nil && c.alive()
}

// Start spawns the engine for identity. It returns false when the engine is
// already alive or another Start for it is still launching. mu covers only
// the reservation and the child record; the launch and status writes run
// unlocked.
func (s *Supervisor) Start(ctx context.Context, identity string) (bool, error) {
	client, err := s.Client(identity)
	if err != nil {
		return false, err
	}
	logger := s.logger.With(zap.String("identity", identity))

	s.mu.Lock()
	if s.busyLocked(identity) {
		s.mu.Unlock()
		return false, nil
	}
	s.starting[identity] = true
	s.mu.Unlock()

	now := s.clock.Now()
	s.setStatus(ctx, client, crawler.StatusStarting, crawler.StatusDetails{StartedAt: now})
	proc, err := s.launcher.Launch(identity)
	if err != nil {
		s.mu.Lock()
		delete(s.starting, identity)
		s.mu.Unlock()
		msg := fmt.Sprintf("launch engine: %v", err)
		s.setStatus(ctx, client, crawler.StatusError, crawler.StatusDetails{Error: msg, StoppedAt: s.clock.Now()})
		client.RecordError(ctx, "start_failed", "", msg)
		logger.Error("engine launch failed", zap.Error(err))
		return false, fmt.Errorf("supervisor: %s", msg)
	}

	liveCtx, cancel := context.WithCancel(context.Background())
	c := &child{proc: proc, pid: proc.PID(), done: make(chan struct{}), cancel: cancel}
	s.mu.Lock()
	delete(s.starting, identity)
	s.children[identity] = c
	delete(s.lastExit, identity)
	s.mu.Unlock()
	metrics.IncSupervised()

	s.setStatus(ctx, client, crawler.StatusRunning, crawler.StatusDetails{PID: c.pid, StartedAt: now})
	logger.Info("engine started", zap.Int("pid", c.pid))

	go s.relay(identity, proc.Output())
	go s.monitor(identity, client, c)
	go s.liveness(liveCtx, identity, client, c)
	return true, nil
}

// busyLocked reports a live child or a launch in progress. Callers hold mu.
func (s *Supervisor) busyLocked(identity string) bool {
	if s.starting[identity] {
		return true
	}
	c := s.children[identity]
	return c != nil && c.alive()
}

// relay copies child output lines into the log.
func (s *Supervisor) relay(identity string, out io.Reader) {
	if out == nil {
		return
	}
	logger := s.logger.Named("child").With(zap.String("identity", identity))
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("output relay ended", zap.Error(err))
	}
}

// monitor waits for the child to exit and records an unexpected exit.
func (s *Supervisor) monitor(identity string, client *state.Client, c *child) {
	code, err := c.proc.Wait()
	ctx := context.Background()
	logger := s.logger.With(zap.String("identity", identity), zap.Int("pid", c.pid))

	s.mu.Lock()
	c.exitCode = code
	close(c.done)
	c.cancel()
	s.lastExit[identity] = code
	stopping := c.stopping
	s.mu.Unlock()
	metrics.DecSupervised()

	if err != nil {
		logger.Warn("wait for engine failed", zap.Error(err))
	}
	logger.Info("engine exited", zap.Int("exit_code", code))
	if stopping {
		return
	}
	if !client.State(ctx).Status.Live() {
		return
	}
	now := s.clock.Now()
	if code != 0 {
		msg := fmt.Sprintf("engine exited with code %d", code)
		s.setStatus(ctx, client, crawler.StatusError, crawler.StatusDetails{
			Reason:    crawler.ReasonProcessExited,
			Error:     msg,
			StoppedAt: now,
		})
		client.RecordError(ctx, crawler.ReasonProcessExited, "", msg)
		return
	}
	s.setStatus(ctx, client, crawler.StatusStopped, crawler.StatusDetails{
		Reason:    crawler.ReasonProcessExited,
		StoppedAt: now,
	})
}

// liveness re-asserts running while the child lives, restoring status lost
// to a store reset or a supervisor restart.
func (s *Supervisor) liveness(ctx context.Context, identity string, client *state.Client, c *child) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			switch client.State(ctx).Status {
			case crawler.StatusIdle, crawler.StatusStarting:
				s.logger.Info("re-asserting running status",
					zap.String("identity", identity),
					zap.Int("pid", c.pid),
				)
				s.setStatus(ctx, client, crawler.StatusRunning, crawler.StatusDetails{PID: c.pid})
			}
		}
	}
}

// Stop terminates identity's engine, force-killing it after the grace
// period. It returns false when no process was alive.
func (s *Supervisor) Stop(ctx context.Context, identity string) (bool, error) {
	client, err := s.Client(identity)
	if err != nil {
		return false, err
	}
	logger := s.logger.With(zap.String("identity", identity))

	s.mu.Lock()
	c := s.children[identity]
	alive := c != nil && c.alive()
	if alive {
		c.stopping = true
	}
	s.mu.Unlock()

	if !alive {
		if client.State(ctx).Status.Live() {
			client.SetPaused(ctx, false)
			s.setStatus(ctx, client, crawler.StatusStopped, crawler.StatusDetails{
				Reason:    crawler.ReasonUserStopped,
				StoppedAt: s.clock.Now(),
			})
		}
		return false, nil
	}

	s.setStatus(ctx, client, crawler.StatusStopping, crawler.StatusDetails{})
	client.SetPaused(ctx, false)
	if err := terminate(c.proc); err != nil {
		logger.Warn("terminate signal failed", zap.Error(err))
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		logger.Warn("engine ignored termination, killing", zap.Duration("grace", s.cfg.StopGrace))
		if err := c.proc.Kill(); err != nil {
			logger.Warn("kill failed", zap.Error(err))
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			return true, fmt.Errorf("supervisor: wait for killed engine: %w", ctx.Err())
		}
	}
	c.cancel()

	s.setStatus(ctx, client, crawler.StatusStopped, crawler.StatusDetails{
		Reason:    crawler.ReasonUserStopped,
		StoppedAt: s.clock.Now(),
	})
	logger.Info("engine stopped")
	return true, nil
}

// Pause suspends identity's engine. The cooperative flag is always set; the
// process is also stopped at the OS level where supported.
func (s *Supervisor) Pause(ctx context.Context, identity string) (bool, error) {
	return s.togglePause(ctx, identity, true)
}

// Resume undoes Pause.
func (s *Supervisor) Resume(ctx context.Context, identity string) (bool, error) {
	return s.togglePause(ctx, identity, false)
}

func (s *Supervisor) togglePause(ctx context.Context, identity string, paused bool) (bool, error) {
	client, err := s.Client(identity)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	c := s.children[identity]
	alive := c != nil && c.alive()
	s.mu.Unlock()
	if !alive {
		if !paused {
			client.SetPaused(ctx, false)
		}
		return false, nil
	}

	client.SetPaused(ctx, paused)
	status, signal := crawler.StatusPaused, suspend
	if !paused {
		status, signal = crawler.StatusRunning, resume
	}
	// An engine idling between re-scans keeps its stopped status.
	if client.State(ctx).Status.Live() {
		s.setStatus(ctx, client, status, crawler.StatusDetails{})
	}
	if canSuspend {
		if err := signal(c.proc); err != nil {
			s.logger.Warn("pause signal failed",
				zap.String("identity", identity),
				zap.Bool("paused", paused),
				zap.Error(err),
			)
		}
	}
	return true, nil
}

// Status merges the child's process state with the stored state.
func (s *Supervisor) Status(ctx context.Context, identity string) (Status, error) {
	client, err := s.Client(identity)
	if err != nil {
		return Status{}, err
	}
	st := Describe(ctx, client)

	s.mu.Lock()
	c := s.children[identity]
	if c != nil && c.alive() {
		st.Alive = true
		st.PID = c.pid
	} else if code, ok := s.lastExit[identity]; ok {
		st.ExitCode = &code
	}
	s.mu.Unlock()

	if !st.Alive && st.Status.Live() {
		st.Status = crawler.StatusStopped
	}
	return st, nil
}

// RecentErrors returns identity's newest error entries.
func (s *Supervisor) RecentErrors(ctx context.Context, identity string, limit int) ([]crawler.ErrorEntry, error) {
	client, err := s.Client(identity)
	if err != nil {
		return nil, err
	}
	return client.RecentErrors(ctx, limit), nil
}

// ArmedIdentities lists identities whose recurring mode is armed.
func (s *Supervisor) ArmedIdentities(ctx context.Context) []string {
	var out []string
	for _, id := range s.identities {
		if s.clients[id].State(ctx).Recurring {
			out = append(out, id)
		}
	}
	return out
}

// Reset wipes identity's state; soft keeps dedup sets, queue and
// checkpoints. It is refused while the engine is alive.
func (s *Supervisor) Reset(ctx context.Context, identity string, soft bool) error {
	client, err := s.Client(identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	busy := s.busyLocked(identity)
	s.mu.Unlock()
	if busy {
		return ErrProcessAlive
	}
	var ok bool
	if soft {
		ok = client.SoftReset(ctx)
	} else {
		ok = client.Reset(ctx)
	}
	if !ok {
		return fmt.Errorf("supervisor: reset %q failed", identity)
	}
	s.mu.Lock()
	delete(s.lastExit, identity)
	s.mu.Unlock()
	s.logger.Info("identity reset", zap.String("identity", identity), zap.Bool("soft", soft))
	return nil
}

// Shutdown stops every live child concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.identities {
		if !s.Alive(id) {
			continue
		}
		g.Go(func() error {
			_, err := s.Stop(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("supervisor shutdown: %w", err)
	}
	return nil
}

func (s *Supervisor) setStatus(
	ctx context.Context,
	client *state.Client,
	status crawler.Status,
	details crawler.StatusDetails,
) {
	if client.SetStatus(ctx, status, details) > 0 {
		metrics.ObserveStatus(client.Identity(), string(status))
	}
}
