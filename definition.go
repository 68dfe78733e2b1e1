package baton

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"gonum.org/v1/gonum/graph/topo"

	"github.com/tandemlab/baton/dag"
	"github.com/tandemlab/baton/set"
)

// Saga names appear in store keys, file names, and notification subjects;
// step names additionally back the "$<step>_response" template references.
// Both are therefore restricted to identifier-safe characters.
var (
	validSagaName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	validStepName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Defaults applied to absent definition fields at validation time.
const (
	DefaultActionTimeout = 30 * time.Second
	DefaultRetries       = 3
	DefaultBaseDelay     = time.Second
	DefaultBackoffFactor = 2.0
	DefaultSagaTimeout   = 5 * time.Minute
)

// CompensationMode selects the order in which completed steps are undone.
type CompensationMode string

const (
	CompensateReverse  CompensationMode = "reverse"
	CompensateForward  CompensationMode = "forward"
	CompensateParallel CompensationMode = "parallel"
)

// Duration is a time.Duration that round-trips through JSON either as a Go
// duration string ("30s", "500ms") or as a bare number of seconds.
type Duration struct {
	time.Duration
}

func Seconds(s float64) Duration {
	return Duration{time.Duration(s * float64(time.Second))}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty duration")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// ActionSpec describes one outbound HTTP call: a step's forward action or
// its compensating action. URL, header values, and the payload template may
// reference execution-context values with $variable syntax.
type ActionSpec struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       Duration          `json:"timeout,omitempty"`
	Retries       *int              `json:"retries,omitempty"`
	BaseDelay     Duration          `json:"base_delay,omitempty"`
	BackoffFactor float64           `json:"backoff_factor,omitempty"`
}

// RetrySpec is the resolved retry policy of one action.
type RetrySpec struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// Retry resolves the action's retry policy. A policy allows retries+1
// attempts in total.
func (a *ActionSpec) Retry() RetrySpec {
	retries := DefaultRetries
	if a.Retries != nil {
		retries = *a.Retries
	}
	return RetrySpec{
		MaxAttempts:   retries + 1,
		BaseDelay:     a.BaseDelay.Duration,
		BackoffFactor: a.BackoffFactor,
	}
}

// Delay returns the backoff sleep after failed attempt n (1-based). The
// delay grows without cap; bound it through a small retry count.
func (r RetrySpec) Delay(attempt int) time.Duration {
	return time.Duration(float64(r.BaseDelay) * math.Pow(r.BackoffFactor, float64(attempt)))
}

// Step is one unit of work in a saga definition.
type Step struct {
	Name         string      `json:"name"`
	Action       ActionSpec  `json:"action"`
	Compensation *ActionSpec `json:"compensation,omitempty"`
	DependsOn    []string    `json:"depends_on,omitempty"`
	Condition    string      `json:"condition,omitempty"`
	Required     *bool       `json:"required,omitempty"`
}

// IsRequired reports whether exhausting the step's retries aborts the whole
// saga. Steps are required unless explicitly marked otherwise.
func (s *Step) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// Definition is an immutable description of a saga: its steps, their
// dependency edges, and the saga-level timeout and compensation policy.
type Definition struct {
	Name              string           `json:"name"`
	Version           string           `json:"version,omitempty"`
	Steps             []Step           `json:"steps"`
	Timeout           Duration         `json:"timeout,omitempty"`
	CompensationMode  CompensationMode `json:"compensation_mode,omitempty"`
	ParallelExecution bool             `json:"parallel_execution,omitempty"`
}

// ParseDefinition decodes a JSON definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural correctness and applies defaults: step names
// must be unique, every depends_on entry must name an existing step, the
// dependency graph must be acyclic, and conditions must parse. Executions
// trust a validated definition, so this runs once, at registration.
func (d *Definition) Validate() error {
	var issues []string
	if d.Name == "" {
		issues = append(issues, "name is required")
	} else if !validSagaName.MatchString(d.Name) {
		issues = append(issues, fmt.Sprintf("name %q may only contain letters, digits, _ and -", d.Name))
	}
	if len(d.Steps) == 0 {
		issues = append(issues, "at least one step is required")
	}
	switch d.CompensationMode {
	case "", CompensateReverse, CompensateForward, CompensateParallel:
	default:
		issues = append(issues, fmt.Sprintf("unknown compensation_mode %q", d.CompensationMode))
	}

	names := set.New[string]()
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			issues = append(issues, fmt.Sprintf("step %d: name is required", i))
			continue
		}
		if !validStepName.MatchString(step.Name) {
			issues = append(issues, fmt.Sprintf("step %q: name must be an identifier (letters, digits, _)", step.Name))
		}
		if names.Contains(step.Name) {
			issues = append(issues, fmt.Sprintf("step %q: duplicate name", step.Name))
		}
		names.Insert(step.Name)
		if step.Action.URL == "" {
			issues = append(issues, fmt.Sprintf("step %q: action url is required", step.Name))
		}
		if step.Compensation != nil && step.Compensation.URL == "" {
			issues = append(issues, fmt.Sprintf("step %q: compensation url is required", step.Name))
		}
		if step.Condition != "" {
			if _, err := ParseCondition(step.Condition); err != nil {
				issues = append(issues, fmt.Sprintf("step %q: condition: %v", step.Name, err))
			}
		}
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			switch {
			case dep == step.Name:
				issues = append(issues, fmt.Sprintf("step %q: depends on itself", step.Name))
			case !names.Contains(dep):
				issues = append(issues, fmt.Sprintf("step %q: depends on unknown step %q", step.Name, dep))
			}
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Saga: d.Name, Issues: issues}
	}

	g, err := d.Graph()
	if err != nil {
		return &ValidationError{Saga: d.Name, Issues: []string{err.Error()}}
	}
	if _, err := topo.Sort(g); err != nil {
		return &ValidationError{Saga: d.Name, Issues: []string{"dependency graph contains a cycle"}}
	}

	d.applyDefaults()
	return nil
}

// Graph builds the dependency graph, one node per step and an edge from
// each dependency to its dependent.
func (d *Definition) Graph() (*dag.Graph, error) {
	g := dag.New()
	for i := range d.Steps {
		if _, err := g.Add(d.Steps[i].Name); err != nil {
			return nil, err
		}
	}
	for i := range d.Steps {
		for _, dep := range d.Steps[i].DependsOn {
			if err := g.Connect(dep, d.Steps[i].Name); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// DOT renders the dependency graph in Graphviz format.
func (d *Definition) DOT() (string, error) {
	g, err := d.Graph()
	if err != nil {
		return "", err
	}
	return g.ExportToDot(d.Name)
}

// StepNamed returns the definition's step with the given name.
func (d *Definition) StepNamed(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

func (d *Definition) applyDefaults() {
	if d.Timeout.Duration == 0 {
		d.Timeout = Duration{DefaultSagaTimeout}
	}
	if d.CompensationMode == "" {
		d.CompensationMode = CompensateReverse
	}
	for i := range d.Steps {
		applyActionDefaults(&d.Steps[i].Action)
		if d.Steps[i].Compensation != nil {
			applyActionDefaults(d.Steps[i].Compensation)
		}
	}
}

func applyActionDefaults(a *ActionSpec) {
	if a.Method == "" {
		a.Method = http.MethodPost
	}
	if a.Timeout.Duration == 0 {
		a.Timeout = Duration{DefaultActionTimeout}
	}
	if a.Retries == nil {
		n := DefaultRetries
		a.Retries = &n
	}
	if a.BaseDelay.Duration == 0 {
		a.BaseDelay = Duration{DefaultBaseDelay}
	}
	if a.BackoffFactor == 0 {
		a.BackoffFactor = DefaultBackoffFactor
	}
}
