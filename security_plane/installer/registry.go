package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
)

// Finding is one vulnerability reported by the registry audit.
type Finding struct {
	ID       string `json:"id"`
	Package  string `json:"package"`
	Severity string `json:"severity"` // critical, high, moderate, low
	Title    string `json:"title"`
}

// Registry is the external package registry collaborator. Implementations
// are out of scope for this core; this is the minimal surface it needs.
type Registry interface {
	Exists(ctx context.Context, name string) (bool, error)
	// Fetch downloads the package artifact with lifecycle scripts disabled
	// and production dependencies only.
	Fetch(ctx context.Context, name, version string) ([]byte, error)
	AuditVulnerabilities(ctx context.Context, name, version string) ([]Finding, error)
}

// HTTPRegistry talks to a registry daemon over HTTP. All calls run through
// a circuit breaker so a dead registry fails fast instead of stacking up
// blocked installs.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPRegistry creates a registry client for the given base URL.
func NewHTTPRegistry(baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "registry",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *HTTPRegistry) do(ctx context.Context, path string) ([]byte, int, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			observability.CollaboratorFaults.WithLabelValues("registry").Inc()
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, err
		}
		return &httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	hr := res.(*httpResult)
	return hr.body, hr.status, nil
}

type httpResult struct {
	status int
	body   []byte
}

func (r *HTTPRegistry) Exists(ctx context.Context, name string) (bool, error) {
	_, status, err := r.do(ctx, "/packages/"+url.PathEscape(name))
	if err != nil {
		return false, fmt.Errorf("registry exists check: %w", err)
	}
	return status == http.StatusOK, nil
}

func (r *HTTPRegistry) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	// ignore-scripts and omit=dev push the isolation requirements down to
	// the registry daemon: no lifecycle hooks, production deps only.
	path := fmt.Sprintf("/packages/%s/%s/artifact?ignore-scripts=true&omit=dev",
		url.PathEscape(name), url.PathEscape(version))
	body, status, err := r.do(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("registry fetch: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("registry fetch: unexpected status %d", status)
	}
	return body, nil
}

func (r *HTTPRegistry) AuditVulnerabilities(ctx context.Context, name, version string) ([]Finding, error) {
	path := fmt.Sprintf("/packages/%s/%s/audit", url.PathEscape(name), url.PathEscape(version))
	body, status, err := r.do(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("registry audit: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("registry audit: unexpected status %d", status)
	}
	var findings []Finding
	if err := json.Unmarshal(body, &findings); err != nil {
		return nil, fmt.Errorf("registry audit: decode: %w", err)
	}
	return findings, nil
}
