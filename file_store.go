package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists definitions and executions as JSON files under a base
// directory, one file per record. It survives restarts and needs no
// external service, which makes it the simplest durable backend.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the backing directories under basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	for _, sub := range []string{"definitions", "executions"} {
		if err := os.MkdirAll(filepath.Join(basePath, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileStore{basePath: basePath}, nil
}

func (f *FileStore) SaveDefinition(ctx context.Context, def *Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(f.definitionFile(def.Name), def)
}

func (f *FileStore) LoadDefinition(ctx context.Context, name string) (*Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var def Definition
	if err := f.read(f.definitionFile(name), &def); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
		}
		return nil, err
	}
	return &def, nil
}

func (f *FileStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var defs []*Definition
	err := f.scan(filepath.Join(f.basePath, "definitions"), func(path string) error {
		var def Definition
		if err := f.read(path, &def); err != nil {
			return err
		}
		defs = append(defs, &def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (f *FileStore) DeleteDefinition(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove(f.definitionFile(name))
}

func (f *FileStore) SaveExecution(ctx context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	exec.UpdatedAt = time.Now().UTC()
	return f.write(f.executionFile(exec.ID), exec)
}

func (f *FileStore) LoadExecution(ctx context.Context, id string) (*Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var exec Execution
	if err := f.read(f.executionFile(id), &exec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return &exec, nil
}

func (f *FileStore) ListExecutions(ctx context.Context) ([]*Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var execs []*Execution
	err := f.scan(filepath.Join(f.basePath, "executions"), func(path string) error {
		var exec Execution
		if err := f.read(path, &exec); err != nil {
			return err
		}
		execs = append(execs, &exec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (f *FileStore) DeleteExecution(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove(f.executionFile(id))
}

func (f *FileStore) write(filename string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	return nil
}

func (f *FileStore) read(filename string, record any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}
	return nil
}

func (f *FileStore) remove(filename string) error {
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

func (f *FileStore) scan(dir string, visit func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read store directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := visit(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) definitionFile(name string) string {
	return filepath.Join(f.basePath, "definitions", name+".json")
}

func (f *FileStore) executionFile(id string) string {
	return filepath.Join(f.basePath, "executions", id+".json")
}
