package baton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// finish drives an execution from a failure-class status to its terminal
// status through the compensation path. Cancellation and the saga
// deadline never abort the sweep; only a persistence fault stops it.
func (s *Supervisor) finish(ctx context.Context, def *Definition, rs *runState) {
	var status Status
	rs.view(func(e *Execution) { status = e.Status })

	// A timed-out execution with nothing to undo stays timeout.
	if status == StatusTimeout {
		var eligible []string
		rs.view(func(e *Execution) { eligible = eligibleSteps(e, def) })
		if len(eligible) == 0 {
			err := rs.mutate(func(e *Execution) error {
				now := time.Now().UTC()
				e.CompletedAt = &now
				return nil
			})
			if err != nil {
				s.abandon(rs, err)
				return
			}
			s.metrics.executionFinished(StatusTimeout)
			return
		}
	}

	if status != StatusCompensating {
		err := rs.mutate(func(e *Execution) error {
			if _, terr := e.Transition(StatusCompensating, ""); terr != nil {
				return terr
			}
			now := time.Now().UTC()
			e.CompensationStartedAt = &now
			return nil
		})
		if err != nil {
			s.abandon(rs, err)
			return
		}
	}

	compErr := s.compensate(ctx, def, rs)
	var perr *persistError
	if errors.As(compErr, &perr) {
		s.abandon(rs, compErr)
		return
	}

	err := rs.mutate(func(e *Execution) error {
		detail := ""
		if compErr != nil {
			detail = TruncateError(compErr)
		}
		if _, terr := e.Transition(StatusCompensated, detail); terr != nil {
			return terr
		}
		now := time.Now().UTC()
		e.CompensationEndedAt = &now
		e.CompletedAt = &now
		if compErr != nil {
			if e.Error != "" {
				e.Error = e.Error + "; " + TruncateError(compErr)
			} else {
				e.Error = TruncateError(compErr)
			}
		}
		return nil
	})
	if err != nil {
		s.abandon(rs, err)
		return
	}
	s.metrics.executionFinished(StatusCompensated)
	if compErr != nil {
		s.logger.Warn("execution compensated with failures",
			zap.String("executionID", rs.exec.ID),
			zap.Error(compErr))
	} else {
		s.logger.Info("execution compensated", zap.String("executionID", rs.exec.ID))
	}
}

// eligibleSteps returns, in completion order, the steps that both
// confirmed completion and define a compensation action. Failed,
// skipped, and already-compensated steps are excluded.
func eligibleSteps(e *Execution, def *Definition) []string {
	var names []string
	for _, name := range e.CompletedOrder {
		st := e.Step(name)
		if st == nil || st.Status != StepCompleted {
			continue
		}
		if spec, ok := def.StepNamed(name); ok && spec.Compensation != nil {
			names = append(names, name)
		}
	}
	return names
}

// compensate sweeps every eligible step in the order the compensation
// mode dictates. A step whose undo fails is recorded and the sweep keeps
// going; the returned *CompensationError lists what needs manual
// attention.
func (s *Supervisor) compensate(ctx context.Context, def *Definition, rs *runState) error {
	sweepCtx := context.WithoutCancel(ctx)

	var order []string
	rs.view(func(e *Execution) { order = eligibleSteps(e, def) })
	if len(order) == 0 {
		return nil
	}
	if def.CompensationMode == CompensateReverse {
		slices.Reverse(order)
	}

	s.logger.Info("compensation started",
		zap.String("executionID", rs.exec.ID),
		zap.String("mode", string(def.CompensationMode)),
		zap.Strings("steps", order))

	stepErrs := make(map[string]error, len(order))
	if def.CompensationMode == CompensateParallel {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, name := range order {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := s.compensateStep(sweepCtx, rs, def, name); err != nil {
					mu.Lock()
					stepErrs[name] = err
					mu.Unlock()
				}
			}(name)
		}
		wg.Wait()
	} else {
		for _, name := range order {
			if err := s.compensateStep(sweepCtx, rs, def, name); err != nil {
				var perr *persistError
				if errors.As(err, &perr) {
					return err
				}
				stepErrs[name] = err
			}
		}
	}

	var failed []string
	var firstErr error
	for _, name := range order {
		err, ok := stepErrs[name]
		if !ok {
			continue
		}
		var perr *persistError
		if errors.As(err, &perr) {
			return err
		}
		failed = append(failed, name)
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(failed) > 0 {
		return &CompensationError{Saga: def.Name, Steps: failed, Err: firstErr}
	}
	return nil
}

// compensateStep undoes one completed step. On success the step moves to
// compensated; when every attempt fails the step stays completed with
// the failure recorded so an operator can see exactly what is still
// standing.
func (s *Supervisor) compensateStep(ctx context.Context, rs *runState, def *Definition, name string) error {
	spec, ok := def.StepNamed(name)
	if !ok || spec.Compensation == nil {
		return nil
	}
	comp := spec.Compensation
	logger := s.logger.With(
		zap.String("executionID", rs.exec.ID),
		zap.String("saga", def.Name),
		zap.String("step", name))

	fail := func(ferr error) error {
		if merr := rs.mutate(func(e *Execution) error {
			e.Step(name).CompensationError = TruncateError(ferr)
			return nil
		}); merr != nil {
			return merr
		}
		s.metrics.compensation("failure")
		logger.Error("compensation failed, manual intervention may be required", zap.Error(ferr))
		return ferr
	}

	var (
		url     string
		headers map[string]string
		rerr    error
	)
	rs.view(func(e *Execution) {
		url, rerr = e.Context.ExpandString(comp.URL)
		if rerr != nil {
			rerr = fmt.Errorf("resolve compensation url: %w", rerr)
			return
		}
		if len(comp.Headers) > 0 {
			headers = make(map[string]string, len(comp.Headers))
			for k, v := range comp.Headers {
				var hv string
				hv, rerr = e.Context.ExpandString(v)
				if rerr != nil {
					rerr = fmt.Errorf("resolve compensation header %s: %w", k, rerr)
					return
				}
				headers[k] = hv
			}
		}
	})
	if rerr != nil {
		return fail(rerr)
	}
	payload, correlationID, initiatedBy, err := s.compensationPayload(rs, name, comp)
	if err != nil {
		return fail(err)
	}

	retry := comp.Retry()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if merr := rs.mutate(func(e *Execution) error {
			e.Step(name).CompensationAttempts = attempt
			return nil
		}); merr != nil {
			return merr
		}
		_, err := s.invoke(ctx, comp, url, payload, headers, correlationID, initiatedBy)
		if err == nil {
			if merr := rs.mutate(func(e *Execution) error {
				if _, terr := e.TransitionStep(name, StepCompensated, ""); terr != nil {
					return terr
				}
				now := time.Now().UTC()
				e.Step(name).CompensatedAt = &now
				return nil
			}); merr != nil {
				return merr
			}
			s.metrics.compensation("success")
			logger.Info("step compensated", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		logger.Warn("compensation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", retry.MaxAttempts),
			zap.Error(err))
		if attempt < retry.MaxAttempts {
			time.Sleep(retry.Delay(attempt))
		}
	}
	return fail(lastErr)
}

// compensationPayload builds the enriched undo request body: the
// configured payload (templates resolved) plus the original step
// response and enough identifiers for the collaborator to correlate.
func (s *Supervisor) compensationPayload(rs *runState, name string, comp *ActionSpec) (json.RawMessage, string, string, error) {
	var (
		base          json.RawMessage
		response      json.RawMessage
		execID        string
		correlationID string
		initiatedBy   string
		rerr          error
	)
	rs.view(func(e *Execution) {
		execID = e.ID
		correlationID = e.CorrelationID
		initiatedBy = e.InitiatedBy
		if st := e.Step(name); st != nil {
			response = st.Response
		}
		if len(comp.Payload) > 0 {
			base, rerr = e.Context.ExpandPayload(comp.Payload)
		}
	})
	if rerr != nil {
		return nil, "", "", fmt.Errorf("resolve compensation payload: %w", rerr)
	}

	doc := make(map[string]any)
	if len(base) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(base, &obj); err == nil {
			doc = obj
		} else {
			// Non-object payloads ride along under their own key.
			var v any
			if err := json.Unmarshal(base, &v); err != nil {
				return nil, "", "", fmt.Errorf("decode compensation payload: %w", err)
			}
			doc["payload"] = v
		}
	}
	var original any
	if len(response) > 0 {
		if err := json.Unmarshal(response, &original); err != nil {
			return nil, "", "", fmt.Errorf("decode original response: %w", err)
		}
	}
	doc["original_response"] = original
	doc["execution_id"] = execID
	doc["step_name"] = name

	enc, err := json.Marshal(doc)
	if err != nil {
		return nil, "", "", err
	}
	return enc, correlationID, initiatedBy, nil
}
