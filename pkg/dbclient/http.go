package dbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// HTTPClient implements Client against the DUT's thin HTTP shim:
// POST /open, POST /sql, POST /fetchall, POST /close, GET /ping. It is
// the backend of choice when the DUT speaks no stable wire protocol of
// its own and only exposes this shim over the host-mapped port.
type HTTPClient struct {
	baseURL string
	table   string
	hc      *http.Client

	connID string
}

// NewHTTPClient builds a Client against a shim reachable at baseURL
// (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, table string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		table:   table,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

type openResponse struct {
	ConnID string `json:"conn_id"`
}

type sqlRequest struct {
	ConnID string        `json:"conn_id"`
	Query  string        `json:"query"`
	Args   []interface{} `json:"args,omitempty"`
}

type sqlResponse struct {
	Status string `json:"status"` // "success" | "concurrency conflict" | "error"
	Msg    string `json:"msg,omitempty"`
}

type fetchAllResponse struct {
	Status string          `json:"status"`
	Result [][]interface{} `json:"result"`
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &TransportError{Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransportError{Err: fmt.Errorf("shim %s returned %d", path, resp.StatusCode)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Err: err}
		}
	}
	return nil
}

// Connect opens a new logical connection/transaction slot on the shim.
func (c *HTTPClient) Connect(ctx context.Context) error {
	var resp openResponse
	if err := c.post(ctx, "/open", nil, &resp); err != nil {
		return err
	}
	c.connID = resp.ConnID
	return nil
}

func (c *HTTPClient) Execute(ctx context.Context, query string, args ...interface{}) Outcome {
	if c.connID == "" {
		return Outcome{Status: StatusTransportError, Err: &TransportError{Err: fmt.Errorf("execute called without an open connection")}}
	}
	var resp sqlResponse
	if err := c.post(ctx, "/sql", sqlRequest{ConnID: c.connID, Query: query, Args: args}, &resp); err != nil {
		return Outcome{Status: StatusTransportError, Err: err}
	}
	switch resp.Status {
	case "success":
		return Outcome{Status: StatusOK}
	case "concurrency conflict":
		return Outcome{Status: StatusConflict, Err: &SerializationFailure{Err: fmt.Errorf("%s", resp.Msg)}}
	default:
		return Outcome{Status: StatusTransportError, Err: &TransportError{Err: fmt.Errorf("%s", resp.Msg)}}
	}
}

func (c *HTTPClient) FetchAll(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error) {
	if c.connID == "" {
		return nil, &TransportError{Err: fmt.Errorf("fetchall called without an open connection")}
	}
	var resp fetchAllResponse
	if err := c.post(ctx, "/fetchall", sqlRequest{ConnID: c.connID, Query: query, Args: args}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *HTTPClient) Commit(ctx context.Context) error {
	return c.Execute(ctx, "COMMIT").Err
}

// Rollback issues a rollback over the current slot and then transparently
// re-opens a fresh one, mirroring the auto-reopen behavior of SQLClient
// so the oracle never has to special-case the shim backend.
func (c *HTTPClient) Rollback(ctx context.Context) error {
	if c.connID == "" {
		return nil
	}
	if out := c.Execute(ctx, "ROLLBACK"); out.Status == StatusTransportError {
		return out.Err
	}
	if err := c.post(ctx, "/close", sqlRequest{ConnID: c.connID}, nil); err != nil {
		return err
	}
	c.connID = ""
	return c.Connect(ctx)
}

func (c *HTTPClient) Close() error {
	if c.connID == "" {
		return nil
	}
	err := c.post(context.Background(), "/close", sqlRequest{ConnID: c.connID}, nil)
	c.connID = ""
	return err
}

// Dump opens a throwaway connection slot when none is active, so it
// can be called on a fresh client for a one-shot content read.
func (c *HTTPClient) Dump(ctx context.Context) ([]types.Row, error) {
	if c.connID == "" {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		defer func() { _ = c.Close() }()
	}
	rows, err := c.FetchAll(ctx, fmt.Sprintf("SELECT a, b FROM %s", c.table))
	if err != nil {
		return nil, err
	}
	out := make([]types.Row, 0, len(rows))
	for _, r := range rows {
		if len(r) != 2 {
			return nil, &TransportError{Err: fmt.Errorf("dump: expected 2 columns, got %d", len(r))}
		}
		a, aok := toInt(r[0])
		b, bok := toInt(r[1])
		if !aok || !bok {
			return nil, &TransportError{Err: fmt.Errorf("dump: non-integer column value")}
		}
		out = append(out, types.Row{A: a, B: b})
	}
	return out, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// Ping reports whether the shim is reachable, used by health checks
// while waiting for a freshly-started container to come up.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Err: fmt.Errorf("ping returned %d", resp.StatusCode)}
	}
	return nil
}
