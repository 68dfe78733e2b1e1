package baton

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Supervisor drives saga executions: it schedules layers, invokes steps,
// enforces the saga deadline, runs compensation, and writes every state
// change through the store before proceeding. Each execution runs as an
// independent cancellable goroutine; the store is the only mutable state
// shared between them.
type Supervisor struct {
	registry *Registry
	store    Store
	logger   *zap.Logger
	metrics  *Metrics
	events   *Broadcaster
	client   *http.Client

	running *xsync.MapOf[string, *execHandle]
}

// execHandle tracks one live execution goroutine.
type execHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithBroadcaster attaches an event broadcaster feeding watch and notify
// consumers.
func WithBroadcaster(b *Broadcaster) Option {
	return func(s *Supervisor) { s.events = b }
}

// WithHTTPClient overrides the outbound HTTP client. Per-call timeouts
// come from each action's spec, so the default client carries none.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Supervisor) { s.client = client }
}

func NewSupervisor(registry *Registry, store Store, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry: registry,
		store:    store,
		logger:   zap.NewNop(),
		client:   &http.Client{},
		running:  xsync.NewMapOf[string, *execHandle](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRequest carries everything needed to begin an execution.
type StartRequest struct {
	SagaName      string         `json:"saga_name"`
	Input         map[string]any `json:"input,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	InitiatedBy   string         `json:"initiated_by,omitempty"`
}

// Start creates a pending execution of a registered saga, persists it,
// and launches the run in the background. The returned record is the
// pending snapshot; poll Get or subscribe to events for progress.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	def, err := s.registry.Get(req.SagaName)
	if err != nil {
		return nil, err
	}
	exec := NewExecution(def, req.Input, req.CorrelationID, req.InitiatedBy)
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist new execution: %w", err)
	}
	snapshot, err := exec.Clone()
	if err != nil {
		return nil, err
	}
	s.metrics.executionStarted()
	s.logger.Info("execution started",
		zap.String("executionID", exec.ID),
		zap.String("saga", def.Name),
		zap.String("correlationID", exec.CorrelationID))
	s.launch(def, exec)
	return snapshot, nil
}

// launch registers a handle and spawns the run goroutine. The run context
// is detached from the caller: an execution outlives the request that
// started it, and process shutdown does not cancel it (Recover resumes it
// on the next boot).
func (s *Supervisor) launch(def *Definition, exec *Execution) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	handle := &execHandle{cancel: cancel, done: make(chan struct{})}
	s.running.Store(exec.ID, handle)
	rs := &runState{exec: exec, store: s.store, events: s.events, logger: s.logger}
	go s.run(runCtx, def, rs, handle)
}

// Cancel requests cancellation of a running execution and returns as soon
// as the request is delivered; the execution settles asynchronously
// through the compensation path. In-flight calls are never interrupted.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	if handle, ok := s.running.Load(id); ok {
		handle.cancel(ErrCanceled)
		s.logger.Info("cancellation requested", zap.String("executionID", id))
		return nil
	}
	exec, err := s.store.LoadExecution(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, id, exec.Status)
}

// Get returns the stored record. The store is the source of truth, so
// repeated queries with no mutation in between return identical records.
func (s *Supervisor) Get(ctx context.Context, id string) (*Execution, error) {
	return s.store.LoadExecution(ctx, id)
}

// List returns every stored execution record.
func (s *Supervisor) List(ctx context.Context) ([]*Execution, error) {
	return s.store.ListExecutions(ctx)
}

// Delete removes an execution record. Records live until an operator or
// the retention janitor explicitly deletes them; a record attached to a
// live run is refused.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	if _, ok := s.running.Load(id); ok {
		return fmt.Errorf("%w: %s", ErrExecutionActive, id)
	}
	return s.store.DeleteExecution(ctx, id)
}

// Wait blocks until the execution's goroutine settles (or ctx expires),
// then returns the stored record.
func (s *Supervisor) Wait(ctx context.Context, id string) (*Execution, error) {
	if handle, ok := s.running.Load(id); ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.LoadExecution(ctx, id)
}

// Drain waits for every live execution to settle. Shutdown never cancels
// runs; a run interrupted by process exit is picked up by Recover.
func (s *Supervisor) Drain(ctx context.Context) error {
	for {
		var handles []*execHandle
		s.running.Range(func(_ string, h *execHandle) bool {
			handles = append(handles, h)
			return true
		})
		if len(handles) == 0 {
			return nil
		}
		for _, h := range handles {
			select {
			case <-h.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Recover reattaches to every non-terminal execution found in the store.
// Call once at startup, before accepting new work. Executions whose
// definition is no longer registered are left untouched and logged.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	execs, err := s.store.ListExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list executions for recovery: %w", err)
	}
	recovered := 0
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		if _, ok := s.running.Load(exec.ID); ok {
			continue
		}
		def, err := s.registry.Get(exec.SagaName)
		if err != nil {
			s.logger.Error("cannot recover execution, definition missing",
				zap.String("executionID", exec.ID),
				zap.String("saga", exec.SagaName))
			continue
		}
		s.logger.Info("recovering execution",
			zap.String("executionID", exec.ID),
			zap.String("status", string(exec.Status)))
		s.launch(def, exec)
		recovered++
	}
	return recovered, nil
}

// runState serializes all mutation of one execution record. Every change
// goes lock, mutate, persist, unlock, publish; the lock is held across
// the store write so concurrent step goroutines cannot interleave stale
// snapshots.
type runState struct {
	mu     sync.Mutex
	exec   *Execution
	store  Store
	events *Broadcaster
	logger *zap.Logger
}

// persistError marks a failed store write. The run abandons further work
// when it sees one: without durable state the engine cannot keep its
// correctness claims.
type persistError struct {
	error
}

func (e *persistError) Unwrap() error { return e.error }

// mutate applies fn to the execution under the lock, persists the record,
// and publishes any events fn appended.
func (rs *runState) mutate(fn func(*Execution) error) error {
	rs.mu.Lock()
	before := len(rs.exec.Events)
	if err := fn(rs.exec); err != nil {
		rs.mu.Unlock()
		return err
	}
	published := make([]Event, len(rs.exec.Events)-before)
	copy(published, rs.exec.Events[before:])
	err := rs.store.SaveExecution(context.Background(), rs.exec)
	rs.mu.Unlock()
	if err != nil {
		// DPanicLevel: panics in development, error-grade in production.
		rs.logger.DPanic("failed to persist execution state",
			zap.String("executionID", rs.exec.ID),
			zap.Error(err))
		return &persistError{fmt.Errorf("persist execution %s: %w", rs.exec.ID, err)}
	}
	if rs.events != nil {
		for _, ev := range published {
			rs.events.Publish(ev)
		}
	}
	return nil
}

// view runs fn with read access to the live record.
func (rs *runState) view(fn func(*Execution)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(rs.exec)
}

type runOutcomeKind int

const (
	runCompleted runOutcomeKind = iota
	runFailed
	runCanceled
	runTimedOut
	runAborted
)

type runOutcome struct {
	kind       runOutcomeKind
	failedStep string
	err        error
}

// run is the lifecycle of one execution, from wherever its status
// currently stands to a terminal status.
func (s *Supervisor) run(ctx context.Context, def *Definition, rs *runState, handle *execHandle) {
	defer close(handle.done)
	defer s.running.Delete(rs.exec.ID)
	s.metrics.activeExecutions(1)
	defer s.metrics.activeExecutions(-1)

	var status Status
	rs.view(func(e *Execution) { status = e.Status })

	// A failure-class status found at attach time means a crash
	// interrupted the compensation path; resume it directly.
	if status == StatusFailed || status == StatusCompensating || status == StatusTimeout {
		s.finish(ctx, def, rs)
		return
	}

	switch status {
	case StatusPending:
		err := rs.mutate(func(e *Execution) error {
			if _, err := e.Transition(StatusRunning, ""); err != nil {
				return err
			}
			now := time.Now().UTC()
			deadline := now.Add(def.Timeout.Duration)
			e.StartedAt = &now
			e.TimeoutAt = &deadline
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
	case StatusRunning:
		// Reattached after a crash: steps stranded mid-flight are reset
		// and invoked again. Collaborators must tolerate the duplicate
		// call, the same way they must tolerate compensation retries.
		err := rs.mutate(func(e *Execution) error {
			if e.TimeoutAt == nil {
				deadline := time.Now().UTC().Add(def.Timeout.Duration)
				e.TimeoutAt = &deadline
			}
			for _, st := range e.Steps {
				if st.Status == StepRunning {
					if _, err := e.TransitionStep(st.Name, StepPending, "reset after restart"); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
	}

	var deadline time.Time
	rs.view(func(e *Execution) {
		if e.TimeoutAt != nil {
			deadline = *e.TimeoutAt
		}
	})
	runCtx, cancelDeadline := context.WithDeadline(ctx, deadline)
	defer cancelDeadline()

	outcome := s.forward(runCtx, def, rs)
	switch outcome.kind {
	case runAborted:
		s.abandon(rs, outcome.err)

	case runCompleted:
		err := rs.mutate(func(e *Execution) error {
			if _, err := e.Transition(StatusCompleted, ""); err != nil {
				return err
			}
			now := time.Now().UTC()
			e.CompletedAt = &now
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
		s.metrics.executionFinished(StatusCompleted)
		s.logger.Info("execution completed", zap.String("executionID", rs.exec.ID))

	case runFailed:
		err := rs.mutate(func(e *Execution) error {
			if _, err := e.Transition(StatusFailed, TruncateError(outcome.err)); err != nil {
				return err
			}
			e.FailedStep = outcome.failedStep
			e.Error = TruncateError(outcome.err)
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
		s.logger.Warn("execution failed",
			zap.String("executionID", rs.exec.ID),
			zap.String("failedStep", outcome.failedStep),
			zap.Error(outcome.err))
		s.finish(ctx, def, rs)

	case runCanceled:
		err := rs.mutate(func(e *Execution) error {
			if _, err := e.Transition(StatusCompensating, "canceled by operator"); err != nil {
				return err
			}
			now := time.Now().UTC()
			e.CompensationStartedAt = &now
			e.Error = ErrCanceled.Error()
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
		s.logger.Info("execution canceled", zap.String("executionID", rs.exec.ID))
		s.finish(ctx, def, rs)

	case runTimedOut:
		var started time.Time
		rs.view(func(e *Execution) {
			if e.StartedAt != nil {
				started = *e.StartedAt
			}
		})
		terr := &TimeoutError{
			Saga:    def.Name,
			Elapsed: time.Since(started).Round(time.Millisecond).String(),
			Limit:   def.Timeout.Duration.String(),
		}
		err := rs.mutate(func(e *Execution) error {
			if _, err := e.Transition(StatusTimeout, terr.Error()); err != nil {
				return err
			}
			e.Error = TruncateError(terr)
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
		s.logger.Warn("execution timed out",
			zap.String("executionID", rs.exec.ID),
			zap.String("limit", terr.Limit))
		s.finish(ctx, def, rs)
	}
}

// forward dispatches layers until every step settles, a required step
// fails, the deadline passes, or the execution is canceled.
func (s *Supervisor) forward(ctx context.Context, def *Definition, rs *runState) runOutcome {
	layers, err := Layers(def)
	if err != nil {
		return runOutcome{kind: runFailed, err: err}
	}

	for _, layer := range layers {
		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, ErrCanceled) {
				return runOutcome{kind: runCanceled, err: cause}
			}
			return runOutcome{kind: runTimedOut, err: cause}
		}

		// On resume, steps that already settled keep their status.
		var pending []*Step
		rs.view(func(e *Execution) {
			for _, name := range layer {
				st := e.Step(name)
				if st == nil || st.Status != StepPending {
					continue
				}
				if spec, ok := def.StepNamed(name); ok {
					pending = append(pending, spec)
				}
			}
		})
		if len(pending) == 0 {
			continue
		}

		stepErrs := make(map[string]error)
		if len(pending) == 1 {
			if err := s.executeStep(ctx, rs, def, pending[0]); err != nil {
				stepErrs[pending[0].Name] = err
			}
		} else {
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, spec := range pending {
				wg.Add(1)
				go func(spec *Step) {
					defer wg.Done()
					if err := s.executeStep(ctx, rs, def, spec); err != nil {
						mu.Lock()
						stepErrs[spec.Name] = err
						mu.Unlock()
					}
				}(spec)
			}
			wg.Wait()
		}

		// Abort dominates, then an interrupt that cut a step's retry
		// budget short; otherwise pick the first fatal step in layer
		// order so the recorded failed_step is deterministic.
		for _, name := range layer {
			if err, ok := stepErrs[name]; ok && !isStepError(err) && !isInterrupt(err) {
				return runOutcome{kind: runAborted, err: err}
			}
		}
		for _, name := range layer {
			if err, ok := stepErrs[name]; ok && isInterrupt(err) {
				if errors.Is(err, ErrCanceled) {
					return runOutcome{kind: runCanceled, err: err}
				}
				return runOutcome{kind: runTimedOut, err: err}
			}
		}
		for _, name := range layer {
			if err, ok := stepErrs[name]; ok {
				return runOutcome{kind: runFailed, failedStep: name, err: err}
			}
		}
	}
	return runOutcome{kind: runCompleted}
}

func isStepError(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr)
}

// isInterrupt reports whether err is the run context's cancellation or
// deadline cause rather than a fault of the step itself.
func isInterrupt(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.DeadlineExceeded)
}

// abandon gives up on driving the execution further in this process. The
// stored record keeps whatever status was last persisted; Recover picks
// it up after the underlying fault is addressed.
func (s *Supervisor) abandon(rs *runState, err error) {
	s.logger.Error("abandoning execution run",
		zap.String("executionID", rs.exec.ID),
		zap.Error(err))
}
