package baton

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the saga-level execution status.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusTimeout      Status = "timeout"
)

// Terminal reports whether the status admits no further transition. A
// failed or timed-out execution normally continues into compensation;
// timeout is terminal only when nothing was eligible to compensate.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusTimeout:
		return true
	}
	return false
}

var legalTransitions = map[Status][]Status{
	StatusPending:      {StatusRunning},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCompensating, StatusTimeout},
	StatusFailed:       {StatusCompensating},
	StatusTimeout:      {StatusCompensating},
	StatusCompensating: {StatusCompensated},
}

func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus is the per-step runtime status.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// Settled reports whether the step has reached a status that lets its
// layer complete.
func (s StepStatus) Settled() bool {
	switch s {
	case StepCompleted, StepFailed, StepCompensated, StepSkipped:
		return true
	}
	return false
}

// A running step may return to pending only through crash recovery; a
// completed step that fails compensation keeps its completed status with
// CompensationError set, so partial compensation stays visible.
var legalStepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepRunning, StepSkipped},
	StepRunning:   {StepCompleted, StepFailed, StepPending},
	StepCompleted: {StepCompensated},
}

func canTransitionStep(from, to StepStatus) bool {
	for _, next := range legalStepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepState is the per-run record of one step.
type StepState struct {
	Name                 string          `json:"name"`
	Status               StepStatus      `json:"status"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Attempts             int             `json:"attempt_count"`
	Response             json.RawMessage `json:"response,omitempty"`
	Error                string          `json:"error,omitempty"`
	CompensationAttempts int             `json:"compensation_attempts,omitempty"`
	CompensationError    string          `json:"compensation_error,omitempty"`
	CompensatedAt        *time.Time      `json:"compensated_at,omitempty"`
}

// Execution is one run of a registered definition. The supervisor owns the
// record for the lifetime of the run and writes every mutation through the
// store before proceeding, so a restarted process can pick up where a
// crashed one stopped.
type Execution struct {
	ID                    string       `json:"id"`
	SagaName              string       `json:"saga_name"`
	Status                Status       `json:"status"`
	Steps                 []*StepState `json:"steps"`
	Context               *Context     `json:"context"`
	CorrelationID         string       `json:"correlation_id,omitempty"`
	InitiatedBy           string       `json:"initiated_by,omitempty"`
	StartedAt             *time.Time   `json:"started_at,omitempty"`
	TimeoutAt             *time.Time   `json:"timeout_at,omitempty"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
	FailedStep            string       `json:"failed_step,omitempty"`
	Error                 string       `json:"error,omitempty"`
	CompletedOrder        []string     `json:"completed_order,omitempty"`
	CompensationStartedAt *time.Time   `json:"compensation_started_at,omitempty"`
	CompensationEndedAt   *time.Time   `json:"compensation_ended_at,omitempty"`
	Events                []Event      `json:"events,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// NewExecution binds a validated definition to one invocation. A missing
// correlation id is generated so downstream calls always carry one.
func NewExecution(def *Definition, input map[string]any, correlationID, initiatedBy string) *Execution {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	steps := make([]*StepState, len(def.Steps))
	for i := range def.Steps {
		steps[i] = &StepState{Name: def.Steps[i].Name, Status: StepPending}
	}
	now := time.Now().UTC()
	return &Execution{
		ID:            uuid.NewString(),
		SagaName:      def.Name,
		Status:        StatusPending,
		Steps:         steps,
		Context:       NewContext(input),
		CorrelationID: correlationID,
		InitiatedBy:   initiatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the runtime record for the named step.
func (e *Execution) Step(name string) *StepState {
	for _, st := range e.Steps {
		if st.Name == name {
			return st
		}
	}
	return nil
}

// Transition moves the execution to a new status and appends a transition
// event. Illegal transitions are refused.
func (e *Execution) Transition(to Status, detail string) (Event, error) {
	if !canTransition(e.Status, to) {
		return Event{}, fmt.Errorf("illegal status transition %s -> %s for execution %s", e.Status, to, e.ID)
	}
	from := e.Status
	e.Status = to
	return e.appendEvent(EventExecution, "", string(from), string(to), detail), nil
}

// TransitionStep moves one step to a new status and appends a step event.
func (e *Execution) TransitionStep(name string, to StepStatus, detail string) (Event, error) {
	st := e.Step(name)
	if st == nil {
		return Event{}, fmt.Errorf("execution %s has no step %q", e.ID, name)
	}
	if !canTransitionStep(st.Status, to) {
		return Event{}, fmt.Errorf("illegal step transition %s -> %s for step %q", st.Status, to, name)
	}
	from := st.Status
	st.Status = to
	return e.appendEvent(EventStep, name, string(from), string(to), detail), nil
}

func (e *Execution) appendEvent(kind EventKind, step, from, to, detail string) Event {
	ev := Event{
		Seq:         len(e.Events) + 1,
		Time:        time.Now().UTC(),
		Kind:        kind,
		ExecutionID: e.ID,
		SagaName:    e.SagaName,
		Step:        step,
		From:        from,
		To:          to,
		Detail:      detail,
	}
	e.Events = append(e.Events, ev)
	return ev
}

// Clone deep-copies the execution through its JSON form, so stored and
// returned records never alias the supervisor's live state.
func (e *Execution) Clone() (*Execution, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("clone execution %s: %w", e.ID, err)
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone execution %s: %w", e.ID, err)
	}
	return &out, nil
}
