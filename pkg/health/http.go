package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker polls a DUT's HTTP shim /ping endpoint.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker builds a checker against the shim's /ping URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{Ready: false, Message: fmt.Sprintf("build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Ready: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	ready := resp.StatusCode == http.StatusOK
	return Result{Ready: ready, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), CheckedAt: start, Duration: time.Since(start)}
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }
