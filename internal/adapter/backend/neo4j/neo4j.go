// Package neo4j provides the graph backend adapter over Neo4j's HTTP
// transactional cypher endpoint.
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Adapter is the graph backend adapter. Node and edge creation use MERGE so
// re-execution after an unknown outcome converges instead of duplicating.
type Adapter struct {
	baseURL    string
	username   string
	password   string
	database   string
	httpClient *http.Client
}

// New constructs the adapter without connecting.
func New(baseURL, username, password string) *Adapter {
	return &Adapter{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		database:   "neo4j",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind implements domain.Adapter.
func (a *Adapter) Kind() domain.BackendKind { return domain.KindGraph }

// TypeTag implements domain.Adapter.
func (a *Adapter) TypeTag() string { return "neo4j" }

// Connect verifies the server with a trivial cypher round trip.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.cypher(ctx, "RETURN 1", nil); err != nil {
		return fmt.Errorf("op=neo4j.connect: %w", err)
	}
	return nil
}

// Close implements domain.Adapter; HTTP transactions hold no session state.
func (a *Adapter) Close(_ context.Context) error { return nil }

// Ping implements the advisory health probe.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.cypher(ctx, "RETURN 1", nil)
	return err
}

// Execute implements the graph capability matrix: create_node, create_edge,
// delete_node, match.
func (a *Adapter) Execute(ctx context.Context, op string, payload domain.Payload) (any, error) {
	switch op {
	case "create_node":
		return a.createNode(ctx, payload)
	case "create_edge":
		return a.createEdge(ctx, payload)
	case "delete_node":
		return a.deleteNode(ctx, payload)
	case "match":
		return a.match(ctx, payload)
	default:
		return nil, fmt.Errorf("op=neo4j.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

func (a *Adapter) createNode(ctx context.Context, payload domain.Payload) (any, error) {
	label, _ := payload["label"].(string)
	id, _ := payload["id"].(string)
	if label == "" || id == "" {
		return nil, fmt.Errorf("op=neo4j.create_node: %w: label and id required", domain.ErrPermanent)
	}
	if !validLabel(label) {
		return nil, fmt.Errorf("op=neo4j.create_node label=%q: %w: invalid label", label, domain.ErrPermanent)
	}
	props, _ := payload["properties"].(map[string]any)
	q := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props RETURN n.id", label)
	return a.cypher(ctx, q, map[string]any{"id": id, "props": orEmpty(props)})
}

func (a *Adapter) createEdge(ctx context.Context, payload domain.Payload) (any, error) {
	from, _ := payload["from"].(string)
	to, _ := payload["to"].(string)
	rel, _ := payload["type"].(string)
	if from == "" || to == "" || rel == "" {
		return nil, fmt.Errorf("op=neo4j.create_edge: %w: from, to and type required", domain.ErrPermanent)
	}
	if !validLabel(rel) {
		return nil, fmt.Errorf("op=neo4j.create_edge type=%q: %w: invalid type", rel, domain.ErrPermanent)
	}
	props, _ := payload["properties"].(map[string]any)
	q := fmt.Sprintf(`MATCH (a {id: $from}), (b {id: $to}) MERGE (a)-[r:%s]->(b) SET r += $props RETURN type(r)`, rel)
	return a.cypher(ctx, q, map[string]any{"from": from, "to": to, "props": orEmpty(props)})
}

func (a *Adapter) deleteNode(ctx context.Context, payload domain.Payload) (any, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("op=neo4j.delete_node: %w: id required", domain.ErrPermanent)
	}
	// DETACH DELETE on a missing node matches nothing and succeeds, which is
	// what idempotent compensation needs.
	return a.cypher(ctx, "MATCH (n {id: $id}) DETACH DELETE n", map[string]any{"id": id})
}

func (a *Adapter) match(ctx context.Context, payload domain.Payload) (any, error) {
	q, _ := payload["query"].(string)
	if q == "" {
		return nil, fmt.Errorf("op=neo4j.match: %w: query required", domain.ErrPermanent)
	}
	params, _ := payload["params"].(map[string]any)
	return a.cypher(ctx, q, orEmpty(params))
}

// cypher posts one statement to the implicit-commit transaction endpoint.
func (a *Adapter) cypher(ctx context.Context, statement string, params map[string]any) (any, error) {
	body := map[string]any{
		"statements": []map[string]any{
			{"statement": statement, "parameters": orEmpty(params)},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	url := fmt.Sprintf("%s/db/%s/tx/commit", a.baseURL, a.database)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: cypher status %d", domain.ErrPermanent, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: cypher status %d", domain.ErrTransient, resp.StatusCode)
	}
	var out struct {
		Results []struct {
			Columns []string `json:"columns"`
			Data    []struct {
				Row []any `json:"row"`
			} `json:"data"`
		} `json:"results"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return nil, fmt.Errorf("%w: %s: %s", classifyCode(e.Code), e.Code, e.Message)
	}
	rows := []map[string]any{}
	for _, res := range out.Results {
		for _, d := range res.Data {
			row := map[string]any{}
			for i, col := range res.Columns {
				if i < len(d.Row) {
					row[col] = d.Row[i]
				}
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// classifyCode maps Neo4j status codes onto the domain taxonomy.
func classifyCode(code string) error {
	switch {
	case contains(code, "ConstraintValidationFailed"):
		return domain.ErrConflict
	case contains(code, "EntityNotFound"):
		return domain.ErrNotFound
	case contains(code, "TransientError"), contains(code, "DeadlockDetected"):
		return domain.ErrTransient
	default:
		return domain.ErrPermanent
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && bytes.Contains([]byte(s), []byte(sub))
}

func validLabel(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
