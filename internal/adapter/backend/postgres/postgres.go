// Package postgres provides the relational and document backend adapters
// backed by PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the adapters for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Adapter is the relational backend adapter.
type Adapter struct {
	dsn  string
	pool PgxPool
}

// New constructs the adapter without connecting. The pool is created on
// Connect so that a missing or unreachable server is reported there.
func New(dsn string) *Adapter { return &Adapter{dsn: dsn} }

// NewWithPool wires an existing pool; used by tests and by processes that
// share one pool between the adapter and the event store.
func NewWithPool(pool PgxPool) *Adapter { return &Adapter{pool: pool} }

// Kind implements domain.Adapter.
func (a *Adapter) Kind() domain.BackendKind { return domain.KindRelational }

// TypeTag implements domain.Adapter.
func (a *Adapter) TypeTag() string { return "postgres" }

// Connect establishes the connection pool and verifies it with a ping.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.pool != nil {
		return translate(a.pool.Ping(ctx))
	}
	cfg, err := pgxpool.ParseConfig(a.dsn)
	if err != nil {
		return fmt.Errorf("op=postgres.connect: %w: %v", domain.ErrPermanent, err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("op=postgres.connect: %w: %v", domain.ErrTransient, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("op=postgres.connect: %w", translate(err))
	}
	a.pool = pool
	return nil
}

// Close implements domain.Adapter.
func (a *Adapter) Close(_ context.Context) error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

// Ping implements the advisory health probe.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.pool == nil {
		return fmt.Errorf("op=postgres.ping: %w: not connected", domain.ErrUnavailable)
	}
	return translate(a.pool.Ping(ctx))
}

// Pool exposes the underlying pool for the event store sharing path.
func (a *Adapter) Pool() PgxPool { return a.pool }

// Execute implements the relational capability matrix: insert, update,
// delete, execute_query, get_table_schema, plus the schema-sensitive
// safe_insert used by the event store path.
func (a *Adapter) Execute(ctx context.Context, op string, payload domain.Payload) (any, error) {
	if a.pool == nil {
		return nil, fmt.Errorf("op=postgres.execute: %w: not connected", domain.ErrUnavailable)
	}
	switch op {
	case "insert":
		return a.insert(ctx, payload)
	case "update":
		return a.update(ctx, payload)
	case "delete":
		return a.delete(ctx, payload)
	case "execute_query":
		return a.executeQuery(ctx, payload)
	case "get_table_schema":
		return a.tableSchema(ctx, payload)
	case "safe_insert":
		return a.safeInsert(ctx, payload)
	default:
		return nil, fmt.Errorf("op=postgres.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

func (a *Adapter) insert(ctx context.Context, payload domain.Payload) (any, error) {
	table, err := tableName(payload)
	if err != nil {
		return nil, err
	}
	values, _ := payload["values"].(map[string]any)
	if len(values) == 0 {
		return nil, fmt.Errorf("op=postgres.insert: %w: values required", domain.ErrPermanent)
	}
	cols, args, holders, err := flatten(values)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinIdents(cols), holders)
	tag, err := a.pool.Exec(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) update(ctx context.Context, payload domain.Payload) (any, error) {
	table, err := tableName(payload)
	if err != nil {
		return nil, err
	}
	values, _ := payload["values"].(map[string]any)
	id, _ := payload["id"].(string)
	if len(values) == 0 || id == "" {
		return nil, fmt.Errorf("op=postgres.update: %w: id and values required", domain.ErrPermanent)
	}
	cols, args, _, err := flatten(values)
	if err != nil {
		return nil, err
	}
	set := ""
	for i, c := range cols {
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("%s=$%d", quoteIdent(c), i+1)
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id=$%d", table, set, len(args))
	tag, err := a.pool.Exec(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("op=postgres.update table=%s id=%s: %w", table, id, domain.ErrNotFound)
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) delete(ctx context.Context, payload domain.Payload) (any, error) {
	table, err := tableName(payload)
	if err != nil {
		return nil, err
	}
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("op=postgres.delete: %w: id required", domain.ErrPermanent)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE id=$1", table)
	tag, err := a.pool.Exec(ctx, q, id)
	if err != nil {
		return nil, translate(err)
	}
	// Deleting a missing row is a success for idempotent compensation.
	return tag.RowsAffected(), nil
}

func (a *Adapter) executeQuery(ctx context.Context, payload domain.Payload) (any, error) {
	q, _ := payload["query"].(string)
	if q == "" {
		return nil, fmt.Errorf("op=postgres.execute_query: %w: query required", domain.ErrPermanent)
	}
	args, _ := payload["args"].([]any)
	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := []map[string]any{}
	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, translate(err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (a *Adapter) tableSchema(ctx context.Context, payload domain.Payload) (any, error) {
	table, err := tableName(payload)
	if err != nil {
		return nil, err
	}
	cols, err := TableColumns(ctx, a.pool, table)
	if err != nil {
		return nil, err
	}
	return cols, nil
}

func (a *Adapter) safeInsert(ctx context.Context, payload domain.Payload) (any, error) {
	table, err := tableName(payload)
	if err != nil {
		return nil, err
	}
	values, _ := payload["values"].(map[string]any)
	if len(values) == 0 {
		return nil, fmt.Errorf("op=postgres.safe_insert: %w: values required", domain.ErrPermanent)
	}
	return SafeInsert(ctx, a.pool, table, values)
}

func tableName(payload domain.Payload) (string, error) {
	table, _ := payload["table"].(string)
	if table == "" {
		return "", fmt.Errorf("op=postgres: %w: table required", domain.ErrPermanent)
	}
	if !validIdent(table) {
		return "", fmt.Errorf("op=postgres table=%q: %w: invalid identifier", table, domain.ErrPermanent)
	}
	return table, nil
}

// flatten splits a values map into column, argument and placeholder lists.
// Column keys become SQL identifiers, so each one is validated the same way
// table names are; a hostile key must never leave the quoted position.
func flatten(values map[string]any) (cols []string, args []any, holders string, err error) {
	i := 0
	for k, v := range values {
		if !validIdent(k) {
			return nil, nil, "", fmt.Errorf("op=postgres column=%q: %w: invalid identifier", k, domain.ErrPermanent)
		}
		cols = append(cols, k)
		args = append(args, v)
		if i > 0 {
			holders += ","
		}
		holders += fmt.Sprintf("$%d", i+1)
		i++
	}
	return cols, args, holders, nil
}
