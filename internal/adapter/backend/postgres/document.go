package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// DocumentAdapter is the document backend adapter, backed by a Postgres
// JSONB table (id TEXT PRIMARY KEY, body JSONB). It shares the relational
// adapter's connection handling.
type DocumentAdapter struct {
	rel   *Adapter
	table string
}

// NewDocument constructs the document adapter over its own DSN and table.
func NewDocument(dsn, table string) *DocumentAdapter {
	if table == "" {
		table = "uds3_documents"
	}
	return &DocumentAdapter{rel: New(dsn), table: table}
}

// Kind implements domain.Adapter.
func (d *DocumentAdapter) Kind() domain.BackendKind { return domain.KindDocument }

// TypeTag implements domain.Adapter.
func (d *DocumentAdapter) TypeTag() string { return "postgres-jsonb" }

// Connect implements domain.Adapter.
func (d *DocumentAdapter) Connect(ctx context.Context) error { return d.rel.Connect(ctx) }

// Close implements domain.Adapter.
func (d *DocumentAdapter) Close(ctx context.Context) error { return d.rel.Close(ctx) }

// Ping implements domain.Adapter.
func (d *DocumentAdapter) Ping(ctx context.Context) error { return d.rel.Ping(ctx) }

// Execute implements the document capability matrix: create, get, update,
// delete.
func (d *DocumentAdapter) Execute(ctx context.Context, op string, payload domain.Payload) (any, error) {
	if d.rel.pool == nil {
		return nil, fmt.Errorf("op=document.execute: %w: not connected", domain.ErrUnavailable)
	}
	if !validIdent(d.table) {
		return nil, fmt.Errorf("op=document.execute table=%q: %w: invalid identifier", d.table, domain.ErrPermanent)
	}
	id, _ := payload["id"].(string)
	switch op {
	case "create":
		if id == "" {
			id = uuid.New().String()
		}
		body, err := marshalBody(payload)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf("INSERT INTO %s (id, body) VALUES ($1, $2::jsonb)", d.table)
		if _, err := d.rel.pool.Exec(ctx, q, id, body); err != nil {
			return nil, translate(err)
		}
		return id, nil
	case "get":
		if id == "" {
			return nil, fmt.Errorf("op=document.get: %w: id required", domain.ErrPermanent)
		}
		q := fmt.Sprintf("SELECT body FROM %s WHERE id=$1", d.table)
		var raw []byte
		if err := d.rel.pool.QueryRow(ctx, q, id).Scan(&raw); err != nil {
			return nil, translate(err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("op=document.get id=%s: %w: %v", id, domain.ErrPermanent, err)
		}
		return doc, nil
	case "update":
		if id == "" {
			return nil, fmt.Errorf("op=document.update: %w: id required", domain.ErrPermanent)
		}
		body, err := marshalBody(payload)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf("UPDATE %s SET body=$2::jsonb WHERE id=$1", d.table)
		tag, err := d.rel.pool.Exec(ctx, q, id, body)
		if err != nil {
			return nil, translate(err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("op=document.update id=%s: %w", id, domain.ErrNotFound)
		}
		return id, nil
	case "delete":
		if id == "" {
			return nil, fmt.Errorf("op=document.delete: %w: id required", domain.ErrPermanent)
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE id=$1", d.table)
		tag, err := d.rel.pool.Exec(ctx, q, id)
		if err != nil {
			return nil, translate(err)
		}
		return tag.RowsAffected(), nil
	default:
		return nil, fmt.Errorf("op=document.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

func marshalBody(payload domain.Payload) (string, error) {
	body, ok := payload["body"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("op=document: %w: body required", domain.ErrPermanent)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=document: %w: %v", domain.ErrPermanent, err)
	}
	return string(b), nil
}
