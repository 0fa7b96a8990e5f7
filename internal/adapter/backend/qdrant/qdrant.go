// Package qdrant provides the vector backend adapter over Qdrant's HTTP API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

const defaultVectorSize = 384

// Adapter is the vector backend adapter. Writes use upsert semantics so that
// batcher replays and saga re-execution stay idempotent.
type Adapter struct {
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
	httpClient *http.Client
}

// New constructs a Qdrant adapter with baseURL and optional apiKey. The
// collection is ensured on Connect, not here.
func New(baseURL, apiKey, collection string) *Adapter {
	if collection == "" {
		collection = "uds3_chunks"
	}
	return &Adapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		vectorSize: defaultVectorSize,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind implements domain.Adapter.
func (a *Adapter) Kind() domain.BackendKind { return domain.KindVector }

// TypeTag implements domain.Adapter.
func (a *Adapter) TypeTag() string { return "qdrant" }

// Connect verifies reachability and creates the collection if absent.
func (a *Adapter) Connect(ctx context.Context) error {
	// GET /collections/{name}
	status, _, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", a.collection), nil)
	if err != nil {
		return fmt.Errorf("op=qdrant.connect: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": a.vectorSize, "distance": "Cosine"},
	}
	status, _, err = a.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", a.collection), payload)
	if err != nil {
		return fmt.Errorf("op=qdrant.connect: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("op=qdrant.connect: %w: ensure collection status %d", classifyStatus(status), status)
	}
	return nil
}

// Close implements domain.Adapter; the HTTP client holds no server state.
func (a *Adapter) Close(_ context.Context) error { return nil }

// Ping probes the collection endpoint.
func (a *Adapter) Ping(ctx context.Context) error {
	status, _, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", a.collection), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("op=qdrant.ping: %w: status %d", classifyStatus(status), status)
	}
	return nil
}

// Execute implements the vector capability matrix: add_documents,
// query_similar, delete.
func (a *Adapter) Execute(ctx context.Context, op string, payload domain.Payload) (any, error) {
	switch op {
	case "add_documents", "upsert":
		return a.addDocuments(ctx, payload)
	case "query_similar":
		return a.querySimilar(ctx, payload)
	case "delete":
		return a.deletePoints(ctx, payload)
	default:
		return nil, fmt.Errorf("op=qdrant.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

func (a *Adapter) addDocuments(ctx context.Context, payload domain.Payload) (any, error) {
	docs, ok := payload["documents"].([]map[string]any)
	if !ok {
		// Single-document form used by saga steps.
		if id, _ := payload["id"].(string); id != "" {
			docs = []map[string]any{payload}
		}
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("op=qdrant.add_documents: %w: documents required", domain.ErrPermanent)
	}
	points := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		pt := map[string]any{"payload": d}
		if id, ok := d["id"]; ok {
			pt["id"] = id
		}
		if vec, ok := d["vector"]; ok {
			pt["vector"] = vec
		} else {
			pt["vector"] = make([]float32, a.vectorSize)
		}
		points = append(points, pt)
	}
	status, _, err := a.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", a.collection),
		map[string]any{"points": points})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=qdrant.add_documents: %w: upsert status %d", classifyStatus(status), status)
	}
	return len(points), nil
}

func (a *Adapter) querySimilar(ctx context.Context, payload domain.Payload) (any, error) {
	vector, ok := payload["vector"].([]float32)
	if !ok {
		if raw, ok := payload["vector"].([]any); ok {
			vector = make([]float32, len(raw))
			for i, v := range raw {
				if f, ok := v.(float64); ok {
					vector[i] = float32(f)
				}
			}
		}
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("op=qdrant.query_similar: %w: vector required", domain.ErrPermanent)
	}
	topK := 10
	if k, ok := payload["top_k"].(int); ok && k > 0 {
		topK = k
	}
	body := map[string]any{"vector": vector, "limit": topK, "with_payload": true}
	status, raw, err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", a.collection), body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=qdrant.query_similar: %w: search status %d", classifyStatus(status), status)
	}
	var out struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("op=qdrant.query_similar: %w: %v", domain.ErrPermanent, err)
	}
	return out.Result, nil
}

func (a *Adapter) deletePoints(ctx context.Context, payload domain.Payload) (any, error) {
	ids, _ := payload["ids"].([]any)
	if id, ok := payload["id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("op=qdrant.delete: %w: ids required", domain.ErrPermanent)
	}
	status, _, err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", a.collection),
		map[string]any{"points": ids})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=qdrant.delete: %w: delete status %d", classifyStatus(status), status)
	}
	return len(ids), nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	if a.apiKey != "" {
		req.Header.Set("api-key", a.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Network-level failures are retryable.
		return 0, nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), nil
}

// classifyStatus maps HTTP status classes onto the domain taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusConflict:
		return domain.ErrConflict
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.ErrTransient
	default:
		return domain.ErrPermanent
	}
}
