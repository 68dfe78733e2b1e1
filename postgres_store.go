package baton

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore persists records in two tables, one row per definition and
// one per execution, with the full JSON record in a JSONB column and the
// hot query fields (saga name, status) denormalized beside it. It works
// with any database/sql driver speaking Postgres placeholders.
type PostgresStore struct {
	db        *sql.DB
	defsTable string
	execTable string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool. tablePrefix defaults to
// "baton" and is interpolated into SQL, so it is restricted to identifier
// characters.
func NewPostgresStore(db *sql.DB, tablePrefix string) (*PostgresStore, error) {
	if tablePrefix == "" {
		tablePrefix = "baton"
	}
	if !validTablePrefix.MatchString(tablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", tablePrefix)
	}
	return &PostgresStore{
		db:        db,
		defsTable: tablePrefix + "_definitions",
		execTable: tablePrefix + "_executions",
	}, nil
}

// EnsureSchema creates the backing tables and indexes when missing. Called
// once at startup.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, p.defsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			saga_name TEXT NOT NULL,
			status TEXT NOT NULL,
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, p.execTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_saga_name_idx ON %s (saga_name)`, p.execTable, p.execTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`, p.execTable, p.execTable),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) SaveDefinition(ctx context.Context, def *Definition) error {
	record, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s: %w", def.Name, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE name = $1)`, p.defsTable)
	if err := tx.QueryRowContext(ctx, query, def.Name).Scan(&exists); err != nil {
		return fmt.Errorf("check definition exists: %w", err)
	}
	now := time.Now().UTC()
	if exists {
		query = fmt.Sprintf(`UPDATE %s SET record = $2, updated_at = $3 WHERE name = $1`, p.defsTable)
		_, err = tx.ExecContext(ctx, query, def.Name, record, now)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (name, record, updated_at) VALUES ($1, $2, $3)`, p.defsTable)
		_, err = tx.ExecContext(ctx, query, def.Name, record, now)
	}
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.Name, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) LoadDefinition(ctx context.Context, name string) (*Definition, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE name = $1`, p.defsTable)
	var record []byte
	err := p.db.QueryRowContext(ctx, query, name).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", name, err)
	}
	var def Definition
	if err := json.Unmarshal(record, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", name, err)
	}
	return &def, nil
}

func (p *PostgresStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	query := fmt.Sprintf(`SELECT record FROM %s ORDER BY name`, p.defsTable)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def Definition
		if err := json.Unmarshal(record, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

func (p *PostgresStore) DeleteDefinition(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, p.defsTable)
	if _, err := p.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete definition %s: %w", name, err)
	}
	return nil
}

func (p *PostgresStore) SaveExecution(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, p.execTable)
	if err := tx.QueryRowContext(ctx, query, exec.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check execution exists: %w", err)
	}
	if exists {
		query = fmt.Sprintf(`UPDATE %s SET saga_name = $2, status = $3, record = $4, updated_at = $5 WHERE id = $1`, p.execTable)
		_, err = tx.ExecContext(ctx, query, exec.ID, exec.SagaName, string(exec.Status), record, exec.UpdatedAt)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (id, saga_name, status, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`, p.execTable)
		_, err = tx.ExecContext(ctx, query, exec.ID, exec.SagaName, string(exec.Status), record, exec.CreatedAt, exec.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) LoadExecution(ctx context.Context, id string) (*Execution, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, p.execTable)
	var record []byte
	err := p.db.QueryRowContext(ctx, query, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var exec Execution
	if err := json.Unmarshal(record, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (p *PostgresStore) ListExecutions(ctx context.Context) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT record FROM %s ORDER BY created_at, id`, p.execTable)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var exec Execution
		if err := json.Unmarshal(record, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

func (p *PostgresStore) DeleteExecution(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.execTable)
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}
