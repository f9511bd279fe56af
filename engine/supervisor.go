package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/wsbridge/logger"
)

// State represents the lifecycle state of the supervised engine handle.
type State int

const (
	StateUnloaded State = iota // No engine instance exists yet
	StateLoading               // A load attempt is in flight
	StateReady                 // Loaded and affirmatively health-checked
	StateFaulted               // The last instance or load attempt failed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Config holds configuration for the Supervisor.
type Config struct {
	// LoadTimeout bounds one loader invocation; 0 means the default of 30s.
	LoadTimeout time.Duration
	// ProbeTimeout bounds the health probe after a load; 0 means the
	// default of 5s.
	ProbeTimeout time.Duration
	// Logger receives lifecycle logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values.
//
// Returns:
//   - A Config with LoadTimeout 30s and ProbeTimeout 5s
func DefaultConfig() Config {
	return Config{
		LoadTimeout:  30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Supervisor owns the process-wide engine handle. It loads the engine on
// first demand, collapses concurrent loads into one attempt, reports
// readiness only after a passing health probe, and recovers from runtime
// faults by reloading and retrying the interrupted operation exactly once.
// It is safe for concurrent use.
type Supervisor struct {
	cfg    Config
	loader Loader
	log    logger.Logger

	group singleflight.Group

	mu      sync.Mutex
	state   State
	eng     Engine
	gen     int
	readyCh chan struct{}
}

// NewSupervisor creates a Supervisor around loader. No load happens until
// the first demand.
//
// Parameters:
//   - loader: Constructs fresh engine instances
//   - cfg: Supervisor configuration, e.g. from DefaultConfig
//
// Returns:
//   - A Supervisor in the Unloaded state
func NewSupervisor(loader Loader, cfg Config) *Supervisor {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Supervisor{
		cfg:     cfg,
		loader:  loader,
		log:     log,
		state:   StateUnloaded,
		readyCh: make(chan struct{}),
	}
}

// State returns the current handle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready answers the dedicated health-check path from state alone; it never
// touches the request path or triggers a load.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// WaitReady blocks until the handle reaches Ready or ctx expires. The first
// demand triggers a load; later waiters share its outcome. The wait is a
// state-transition future, not a poll.
//
// Parameters:
//   - ctx: Bounds the wait
//
// Returns:
//   - nil once Ready, or ErrNotReady wrapping the context error
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	ch := s.readyCh
	needLoad := s.state == StateUnloaded || s.state == StateFaulted
	s.mu.Unlock()

	if needLoad {
		// The load outlives this waiter so the engine keeps warming up even
		// if the caller gives up first.
		go func() {
			_, _ = s.ensure(context.Background())
		}()
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// Do runs op against a ready engine. When op reports a runtime fault the
// supervisor discards the handle, reloads, and replays op exactly once; a
// second fault is surfaced to the caller. Non-fault errors are returned
// as-is and never retried here.
//
// Parameters:
//   - ctx: Bounds engine acquisition (not op itself)
//   - op: The operation; it must classify runtime crashes with Fault
//
// Returns:
//   - The result of op, or the load error that prevented running it
func (s *Supervisor) Do(ctx context.Context, op func(Engine) error) error {
	eng, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	err = op(eng)
	if err == nil || !IsFault(err) {
		return err
	}

	s.fault(eng, err)
	s.log.Warn("retrying after engine fault", logger.Field{Key: "error", Value: err.Error()})

	eng, lerr := s.ensure(ctx)
	if lerr != nil {
		return fmt.Errorf("reload after fault: %w", lerr)
	}

	err = op(eng)
	if err != nil && IsFault(err) {
		s.fault(eng, err)
	}

	return err
}

// Close shuts the current engine instance down and returns the supervisor
// to Unloaded. A later demand loads a fresh instance.
//
// Returns:
//   - The engine's close error, if one was running
func (s *Supervisor) Close() error {
	s.mu.Lock()
	eng := s.eng
	s.eng = nil
	s.gen++
	s.setStateLocked(StateUnloaded)
	s.mu.Unlock()

	if eng != nil {
		return eng.Close()
	}

	return nil
}

// ensure returns the ready engine, loading one if necessary.
func (s *Supervisor) ensure(ctx context.Context) (Engine, error) {
	s.mu.Lock()
	if s.state == StateReady && s.eng != nil {
		eng := s.eng
		s.mu.Unlock()
		return eng, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("load", func() (any, error) {
		return s.loadOnce()
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Engine), nil
	}
}

// loadOnce performs one load attempt: construct, probe, publish. It runs
// inside the loading guard, so concurrent demand awaits this one outcome.
func (s *Supervisor) loadOnce() (Engine, error) {
	s.mu.Lock()
	if s.state == StateReady && s.eng != nil {
		eng := s.eng
		s.mu.Unlock()
		return eng, nil
	}
	s.setStateLocked(StateLoading)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LoadTimeout)
	defer cancel()

	eng, err := s.loader(ctx)
	if err != nil {
		err = fmt.Errorf("load engine: %w", err)
		s.markFaulted(err)
		return nil, err
	}

	probeCtx, probeCancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	defer probeCancel()

	if err := eng.Healthz(probeCtx); err != nil {
		_ = eng.Close()
		err = fmt.Errorf("health probe: %w", err)
		s.markFaulted(err)
		return nil, err
	}

	s.mu.Lock()
	s.eng = eng
	s.gen++
	gen := s.gen
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	go s.watch(eng, gen)
	s.log.Info("engine ready")

	return eng, nil
}

// watch marks the supervisor faulted when a running engine dies on its own.
func (s *Supervisor) watch(eng Engine, gen int) {
	<-eng.Done()

	s.mu.Lock()
	if s.gen != gen || s.eng != eng {
		s.mu.Unlock()
		return
	}
	s.eng = nil
	s.setStateLocked(StateFaulted)
	s.mu.Unlock()

	err := eng.Err()
	if err == nil {
		err = ErrEngineFault
	}
	s.log.Error("engine died", logger.Field{Key: "error", Value: err.Error()})
	_ = eng.Close()
}

// fault discards eng if it is still the current instance.
func (s *Supervisor) fault(eng Engine, err error) {
	s.mu.Lock()
	if s.eng != eng {
		s.mu.Unlock()
		return
	}
	s.eng = nil
	s.setStateLocked(StateFaulted)
	s.mu.Unlock()

	s.log.Error("engine faulted", logger.Field{Key: "error", Value: err.Error()})
	_ = eng.Close()
}

// markFaulted records a failed load attempt.
func (s *Supervisor) markFaulted(err error) {
	s.mu.Lock()
	s.setStateLocked(StateFaulted)
	s.mu.Unlock()

	s.log.Error("engine load failed", logger.Field{Key: "error", Value: err.Error()})
}

// setStateLocked transitions the state and maintains the readiness future:
// entering Ready resolves it, leaving Ready arms a fresh one. Caller must
// hold s.mu.
func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next

	if next == StateReady {
		close(s.readyCh)
	} else if prev == StateReady {
		s.readyCh = make(chan struct{})
	}

	s.log.Debug("engine state changed",
		logger.Field{Key: "from", Value: prev.String()},
		logger.Field{Key: "to", Value: next.String()})
}
