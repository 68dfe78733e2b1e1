package baton

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a collaborator response is read.
const maxResponseBytes = 1 << 20

// executeStep settles one step: skipped, completed, or failed. A nil
// return means the run may keep going; a *StepError means a required
// step exhausted its attempts; anything else is a persistence fault and
// the run must stop.
func (s *Supervisor) executeStep(ctx context.Context, rs *runState, def *Definition, spec *Step) error {
	logger := s.logger.With(
		zap.String("executionID", rs.exec.ID),
		zap.String("saga", def.Name),
		zap.String("step", spec.Name))

	if spec.Condition != "" {
		cond, err := ParseCondition(spec.Condition)
		var pass bool
		if err == nil {
			rs.view(func(e *Execution) {
				pass, err = cond.Eval(e.Context)
			})
		}
		if err != nil {
			// An unevaluable condition fails the step: guessing either
			// way risks running, or skipping, a side effect.
			ferr := fmt.Errorf("evaluate condition: %w", err)
			if merr := rs.mutate(func(e *Execution) error {
				if _, terr := e.TransitionStep(spec.Name, StepRunning, ""); terr != nil {
					return terr
				}
				if _, terr := e.TransitionStep(spec.Name, StepFailed, TruncateError(ferr)); terr != nil {
					return terr
				}
				st := e.Step(spec.Name)
				now := time.Now().UTC()
				st.CompletedAt = &now
				st.Error = TruncateError(ferr)
				return nil
			}); merr != nil {
				return merr
			}
			s.metrics.stepExecuted(StepFailed, 0)
			logger.Warn("step condition unevaluable", zap.Error(err))
			if spec.IsRequired() {
				return &StepError{Saga: def.Name, Step: spec.Name, Attempts: 0, Err: ferr}
			}
			return nil
		}
		if !pass {
			if merr := rs.mutate(func(e *Execution) error {
				_, terr := e.TransitionStep(spec.Name, StepSkipped, "condition evaluated to false")
				return terr
			}); merr != nil {
				return merr
			}
			s.metrics.stepExecuted(StepSkipped, 0)
			logger.Info("step skipped", zap.String("condition", spec.Condition))
			return nil
		}
	}

	if err := rs.mutate(func(e *Execution) error {
		if _, terr := e.TransitionStep(spec.Name, StepRunning, ""); terr != nil {
			return terr
		}
		now := time.Now().UTC()
		e.Step(spec.Name).StartedAt = &now
		return nil
	}); err != nil {
		return err
	}

	retry := spec.Action.Retry()
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		// The attempt count is persisted before the call goes out, so a
		// crash mid-call never under-reports how often the collaborator
		// was hit.
		if err := rs.mutate(func(e *Execution) error {
			e.Step(spec.Name).Attempts = attempt
			return nil
		}); err != nil {
			return err
		}

		response, err := s.attempt(ctx, rs, &spec.Action)
		if err == nil {
			if merr := rs.mutate(func(e *Execution) error {
				if _, terr := e.TransitionStep(spec.Name, StepCompleted, ""); terr != nil {
					return terr
				}
				st := e.Step(spec.Name)
				now := time.Now().UTC()
				st.CompletedAt = &now
				st.Response = response
				var decoded any
				if derr := json.Unmarshal(response, &decoded); derr != nil {
					return fmt.Errorf("decode response for context: %w", derr)
				}
				e.Context.Set(ResponseKey(spec.Name), decoded)
				e.CompletedOrder = append(e.CompletedOrder, spec.Name)
				return nil
			}); merr != nil {
				return merr
			}
			s.metrics.stepExecuted(StepCompleted, time.Since(start).Seconds())
			logger.Info("step completed", zap.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		logger.Warn("step attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", retry.MaxAttempts),
			zap.Error(err))

		if attempt < retry.MaxAttempts {
			// Cancellation cuts the backoff sleep short, never an
			// in-flight call.
			select {
			case <-time.After(retry.Delay(attempt)):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := rs.mutate(func(e *Execution) error {
		if _, terr := e.TransitionStep(spec.Name, StepFailed, TruncateError(lastErr)); terr != nil {
			return terr
		}
		st := e.Step(spec.Name)
		now := time.Now().UTC()
		st.CompletedAt = &now
		st.Error = TruncateError(lastErr)
		return nil
	}); err != nil {
		return err
	}
	s.metrics.stepExecuted(StepFailed, time.Since(start).Seconds())

	if ctx.Err() != nil {
		// The retry budget was cut short; surface the interrupt so the
		// cancel or timeout path owns the outcome from here.
		return context.Cause(ctx)
	}
	if spec.IsRequired() {
		return &StepError{Saga: def.Name, Step: spec.Name, Attempts: retry.MaxAttempts, Err: lastErr}
	}
	logger.Info("optional step failed, continuing")
	return nil
}

// attempt resolves the action's templates against the current context
// and performs one call. Resolution runs under the state lock so a
// concurrent layer-mate completing cannot race the reads.
func (s *Supervisor) attempt(ctx context.Context, rs *runState, action *ActionSpec) (json.RawMessage, error) {
	var (
		url           string
		payload       json.RawMessage
		headers       map[string]string
		correlationID string
		initiatedBy   string
		rerr          error
	)
	rs.view(func(e *Execution) {
		correlationID = e.CorrelationID
		initiatedBy = e.InitiatedBy
		url, rerr = e.Context.ExpandString(action.URL)
		if rerr != nil {
			rerr = fmt.Errorf("resolve url: %w", rerr)
			return
		}
		if len(action.Payload) > 0 {
			payload, rerr = e.Context.ExpandPayload(action.Payload)
			if rerr != nil {
				rerr = fmt.Errorf("resolve payload: %w", rerr)
				return
			}
		}
		if len(action.Headers) > 0 {
			headers = make(map[string]string, len(action.Headers))
			for k, v := range action.Headers {
				var hv string
				hv, rerr = e.Context.ExpandString(v)
				if rerr != nil {
					rerr = fmt.Errorf("resolve header %s: %w", k, rerr)
					return
				}
				headers[k] = hv
			}
		}
	})
	if rerr != nil {
		return nil, rerr
	}
	return s.invoke(ctx, action, url, payload, headers, correlationID, initiatedBy)
}

// invoke performs a single HTTP call. The call context is detached from
// the run context: once dispatched, a call always runs to its own
// timeout even if the execution is canceled or deadlined meanwhile.
func (s *Supervisor) invoke(ctx context.Context, action *ActionSpec, url string, payload json.RawMessage, headers map[string]string, correlationID, initiatedBy string) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), action.Timeout.Duration)
	defer cancel()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, action.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}
	if initiatedBy != "" {
		req.Header.Set("X-Initiated-By", initiatedBy)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action.Method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", action.Method, url, resp.StatusCode, trimBody(raw))
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%s %s: non-JSON response body: %w", action.Method, url, err)
	}
	return json.RawMessage(raw), nil
}

// trimBody keeps error messages bounded when a collaborator answers with
// a large error page.
func trimBody(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
