// Package sandbox dispatches outbound HTTP calls in isolation from the
// engine. Each dispatch gets its own client and transport so connection
// state, redirects, and timeouts never leak between tenants, and a sandbox
// failure is an execution outcome, not an engine fault.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds a dispatch with no per-action timeout.
	DefaultTimeout = 30 * time.Second

	// MaxResponseBody caps how much of the upstream response is read.
	MaxResponseBody = 10 << 20 // 10 MiB
)

// Request describes one outbound call.
type Request struct {
	URL       string
	Method    string
	Headers   map[string]string
	Body      any // JSON-encoded when non-nil
	TimeoutMs int // 0 means DefaultTimeout
}

// Result is the outcome of a dispatch. A non-2xx response or a transport
// failure is reported here, never as a Go error: the sandbox isolates
// failure, it does not interpret it.
type Result struct {
	Success    bool
	StatusCode int
	Data       any
	Headers    map[string]string
	Error      string
	TimedOut   bool
	DurationMs int64
	SandboxID  string
}

// Runtime executes requests inside isolated sandboxes.
type Runtime interface {
	Execute(ctx context.Context, req Request) Result

	// Active returns the number of dispatches currently in flight.
	Active() int64
}

// HTTPRuntime is the default Runtime: one ephemeral HTTP client per call.
type HTTPRuntime struct {
	logger *slog.Logger
	active atomic.Int64
}

// NewHTTPRuntime creates the HTTP sandbox runtime.
func NewHTTPRuntime(logger *slog.Logger) *HTTPRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRuntime{logger: logger}
}

func (r *HTTPRuntime) Active() int64 {
	return r.active.Load()
}

// Execute dispatches the request. The sandbox id, duration, and timeout
// flag are always populated, including on failure paths.
func (r *HTTPRuntime) Execute(ctx context.Context, req Request) Result {
	r.active.Add(1)
	defer r.active.Add(-1)

	sandboxID := uuid.New().String()
	start := time.Now()

	result := r.dispatch(ctx, sandboxID, req)
	result.SandboxID = sandboxID
	result.DurationMs = time.Since(start).Milliseconds()

	r.logger.DebugContext(ctx, "sandbox dispatch finished",
		"sandbox_id", sandboxID,
		"method", req.Method,
		"status", result.StatusCode,
		"success", result.Success,
		"timed_out", result.TimedOut,
		"duration_ms", result.DurationMs)

	return result
}

func (r *HTTPRuntime) dispatch(ctx context.Context, sandboxID string, req Request) Result {
	timeout := DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return Result{Error: "encode request body: " + err.Error()}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return Result{Error: "build request: " + err.Error()}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.newClient(timeout).Do(httpReq)
	if err != nil {
		if isTimeout(callCtx, err) {
			return Result{Error: "request timed out", TimedOut: true}
		}
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	if err != nil {
		if isTimeout(callCtx, err) {
			return Result{StatusCode: resp.StatusCode, Error: "response read timed out", TimedOut: true}
		}
		return Result{StatusCode: resp.StatusCode, Error: "read response: " + err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}

	result := Result{
		StatusCode: resp.StatusCode,
		Data:       data,
		Headers:    headers,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Error = "upstream returned " + resp.Status
	}
	return result
}

// newClient builds a fresh client with a cloned transport so each sandbox
// owns its connection pool for the lifetime of one call.
func (r *HTTPRuntime) newClient(timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if transport, ok := http.DefaultTransport.(*http.Transport); ok {
		t := transport.Clone()
		t.MaxIdleConns = 1
		t.IdleConnTimeout = time.Second
		client.Transport = t
	}
	return client
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
