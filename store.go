package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the persistence boundary of the engine: one record per
// definition keyed by name, one record per execution keyed by id. Records
// are fully self-describing, so a backend can be as simple as a key/value
// table. Implementations must support concurrent use.
//
// Load methods return an error wrapping ErrDefinitionNotFound or
// ErrExecutionNotFound for missing keys; Delete of a missing key is not an
// error.
type Store interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	LoadDefinition(ctx context.Context, name string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, name string) error

	SaveExecution(ctx context.Context, exec *Execution) error
	LoadExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error
}

// MemoryStore is the non-durable reference Store. Records are kept in
// their JSON form and decoded fresh on every load, so callers never alias
// stored state. All execution state is lost on restart; production
// deployments want one of the durable backends.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][]byte
	executions  map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string][]byte),
		executions:  make(map[string][]byte),
	}
}

func (m *MemoryStore) SaveDefinition(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s: %w", def.Name, err)
	}
	m.mu.Lock()
	m.definitions[def.Name] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadDefinition(ctx context.Context, name string) (*Definition, error) {
	m.mu.RLock()
	data, ok := m.definitions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", name, err)
	}
	return &def, nil
}

func (m *MemoryStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]*Definition, 0, len(m.definitions))
	for name, data := range m.definitions {
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition %s: %w", name, err)
		}
		defs = append(defs, &def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (m *MemoryStore) DeleteDefinition(ctx context.Context, name string) error {
	m.mu.Lock()
	delete(m.definitions, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveExecution(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}
	m.mu.Lock()
	m.executions[exec.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	data, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := make([]*Execution, 0, len(m.executions))
	for id, data := range m.executions {
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
		}
		execs = append(execs, &exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (m *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.executions, id)
	m.mu.Unlock()
	return nil
}
