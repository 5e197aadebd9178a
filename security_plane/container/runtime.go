package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/resource"
)

// Handle identifies one live execution context inside the runtime.
type Handle string

// Output is the result of running an entrypoint inside a context.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runtime is the external container/process runtime collaborator. This core
// specifies the configuration passed to each call, not the runtime's own
// implementation.
type Runtime interface {
	CreateContext(ctx context.Context, cfg ContextConfig) (Handle, error)
	Run(ctx context.Context, h Handle, entrypoint string, args []string) (Output, error)
	Destroy(ctx context.Context, h Handle) error
}

// UsageSampler is implemented by runtimes that can report live resource
// usage for a context. Without it, mid-execution violation detection is
// limited to the hard ceilings the runtime itself enforces.
type UsageSampler interface {
	Sample(ctx context.Context, h Handle) (resource.Usage, error)
}

// HTTPRuntime drives a runtime daemon over HTTP. Calls run through a
// circuit breaker so an unreachable daemon surfaces as a fast fault.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPRuntime creates a runtime client for the given base URL.
func NewHTTPRuntime(baseURL string, timeout time.Duration) *HTTPRuntime {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRuntime{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "runtime",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *HTTPRuntime) do(ctx context.Context, method, path string, payload, out interface{}) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			observability.CollaboratorFaults.WithLabelValues("runtime").Inc()
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("runtime returned status %d", resp.StatusCode)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	return err
}

func (r *HTTPRuntime) CreateContext(ctx context.Context, cfg ContextConfig) (Handle, error) {
	var res struct {
		Handle string `json:"handle"`
	}
	if err := r.do(ctx, http.MethodPost, "/contexts", cfg, &res); err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	return Handle(res.Handle), nil
}

func (r *HTTPRuntime) Run(ctx context.Context, h Handle, entrypoint string, args []string) (Output, error) {
	var out Output
	payload := map[string]interface{}{"entrypoint": entrypoint, "args": args}
	if err := r.do(ctx, http.MethodPost, "/contexts/"+string(h)+"/run", payload, &out); err != nil {
		return Output{}, fmt.Errorf("run: %w", err)
	}
	return out, nil
}

func (r *HTTPRuntime) Destroy(ctx context.Context, h Handle) error {
	if err := r.do(ctx, http.MethodDelete, "/contexts/"+string(h), nil, nil); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}

func (r *HTTPRuntime) Sample(ctx context.Context, h Handle) (resource.Usage, error) {
	var usage resource.Usage
	if err := r.do(ctx, http.MethodGet, "/contexts/"+string(h)+"/usage", nil, &usage); err != nil {
		return resource.Usage{}, fmt.Errorf("sample: %w", err)
	}
	return usage, nil
}
