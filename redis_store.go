package baton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a JSON string value and maintains one
// index set per record kind, so listing never needs SCAN. Writes update
// the value and its index entry in one MULTI/EXEC round trip.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. prefix defaults to "baton" and
// namespaces every key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "baton"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) SaveDefinition(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s: %w", def.Name, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.definitionKey(def.Name), data, 0)
		pipe.SAdd(ctx, r.definitionIndex(), def.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.Name, err)
	}
	return nil
}

func (r *RedisStore) LoadDefinition(ctx context.Context, name string) (*Definition, error) {
	data, err := r.client.Get(ctx, r.definitionKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", name, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", name, err)
	}
	return &def, nil
}

func (r *RedisStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	names, err := r.client.SMembers(ctx, r.definitionIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	sort.Strings(names)

	var defs []*Definition
	for _, name := range names {
		def, err := r.LoadDefinition(ctx, name)
		if errors.Is(err, ErrDefinitionNotFound) {
			// Index entry outlived its record; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r *RedisStore) DeleteDefinition(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.definitionKey(name))
		pipe.SRem(ctx, r.definitionIndex(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete definition %s: %w", name, err)
	}
	return nil
}

func (r *RedisStore) SaveExecution(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.executionKey(exec.ID), data, 0)
		pipe.SAdd(ctx, r.executionIndex(), exec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *RedisStore) LoadExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := r.client.Get(ctx, r.executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (r *RedisStore) ListExecutions(ctx context.Context) ([]*Execution, error) {
	ids, err := r.client.SMembers(ctx, r.executionIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	var execs []*Execution
	for _, id := range ids {
		exec, err := r.LoadExecution(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (r *RedisStore) DeleteExecution(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.executionKey(id))
		pipe.SRem(ctx, r.executionIndex(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) definitionKey(name string) string {
	return r.prefix + ":definition:" + name
}

func (r *RedisStore) executionKey(id string) string {
	return r.prefix + ":execution:" + id
}

func (r *RedisStore) definitionIndex() string {
	return r.prefix + ":definitions"
}

func (r *RedisStore) executionIndex() string {
	return r.prefix + ":executions"
}
