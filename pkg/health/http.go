package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker passes when a GET of URL answers with a status in
// [StatusMin, StatusMax]
type HTTPChecker struct {
	URL       string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker creates a checker accepting any 2xx or 3xx answer
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{},
	}
}

// Check performs one GET. The deadline comes from ctx.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.StatusMin, h.StatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithStatusRange sets the accepted status codes
func (h *HTTPChecker) WithStatusRange(lo, hi int) *HTTPChecker {
	h.StatusMin = lo
	h.StatusMax = hi
	return h
}
