// Package gateway proxies tool invocations to the agent gateway over HTTP.
// The gateway is opaque: the control plane knows its invoke endpoint and
// response envelope, nothing else. All calls retry with linear backoff and
// feed a shared connectivity status consumed by the system sampler.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/mission-control/internal/otel"
)

// ErrUnavailable marks an invocation that exhausted every retry attempt.
// HTTP handlers map it to 503.
var ErrUnavailable = errors.New("gateway unavailable")

// UnavailableError carries the attempt count and last underlying error
// of an exhausted invocation. It unwraps to ErrUnavailable.
type UnavailableError struct {
	Tool     string
	Attempts int
	Last     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("gateway tool %s failed after %d attempts: %v", e.Tool, e.Attempts, e.Last)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Options configures a Client.
type Options struct {
	URL        string        // gateway base URL
	Timeout    time.Duration // per-attempt timeout
	MaxRetries int           // total attempts per Invoke
	RetryBase  time.Duration // backoff unit: attempt n sleeps n*RetryBase
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
}

// Client invokes gateway tools and tracks connectivity.
type Client struct {
	url        string
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	httpc      *http.Client
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	status     *Status
}

// NewClient builds a gateway client. Zero option fields get sensible defaults.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		url:        opts.URL,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		httpc:      &http.Client{},
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		status:     NewStatus(),
	}
}

// Status returns the shared connectivity tracker.
func (c *Client) Status() *Status { return c.status }

type invokeRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

type invokeEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke calls a gateway tool with the client's default retry budget.
func (c *Client) Invoke(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	return c.InvokeRetries(ctx, tool, args, c.maxRetries)
}

// InvokeRetries calls a gateway tool with an explicit attempt budget.
// Each attempt gets its own timeout; failed attempts sleep attempt*RetryBase
// before the next try. An exhausted budget returns *UnavailableError and
// flips the connectivity status to error.
func (c *Client) InvokeRetries(ctx context.Context, tool string, args any, maxRetries int) (json.RawMessage, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if c.metrics != nil {
		c.metrics.GatewayInvokes.Add(ctx, 1)
	}
	var span trace.Span
	if c.tracer != nil {
		ctx, span = otel.StartClientSpan(ctx, c.tracer, "gateway.invoke", otel.AttrTool.String(tool))
		defer span.End()
	}
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := c.attempt(ctx, tool, args)
		if err == nil {
			c.status.SetConnected()
			if c.metrics != nil {
				c.metrics.GatewayDuration.Record(ctx, time.Since(start).Seconds())
			}
			if span != nil {
				span.SetAttributes(otel.AttrAttempt.Int(attempt))
			}
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("gateway invoke attempt failed",
			"tool", tool, "attempt", attempt, "max_retries", maxRetries, "error", err)
		if attempt < maxRetries {
			if c.metrics != nil {
				c.metrics.GatewayRetries.Add(ctx, 1)
			}
			select {
			case <-time.After(time.Duration(attempt) * c.retryBase):
			case <-ctx.Done():
				attempt = maxRetries
			}
		}
	}

	c.status.SetError(lastErr)
	if c.metrics != nil {
		c.metrics.GatewayFailures.Add(ctx, 1)
	}
	if span != nil {
		span.SetAttributes(otel.AttrAttempt.Int(maxRetries))
		span.RecordError(lastErr)
	}
	return nil, &UnavailableError{Tool: tool, Attempts: maxRetries, Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read invoke response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var env invokeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode invoke envelope: %w", err)
	}
	if !env.OK {
		msg := "unknown gateway error"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, fmt.Errorf("gateway error: %s", msg)
	}
	return unwrapResult(env.Result), nil
}

// unwrapResult peels the gateway's nested result shapes. Tools answer
// either {details: ...} or {content: [{text: "<json>"}]}; the payload
// the caller wants is inside. Anything unrecognized passes through as-is.
func unwrapResult(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return result
	}
	var wrapper struct {
		Details json.RawMessage `json:"details"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return result
	}
	if len(wrapper.Details) > 0 && string(wrapper.Details) != "null" {
		return wrapper.Details
	}
	if len(wrapper.Content) > 0 && wrapper.Content[0].Text != "" {
		text := wrapper.Content[0].Text
		if json.Valid([]byte(text)) {
			return json.RawMessage(text)
		}
		quoted, _ := json.Marshal(text)
		return quoted
	}
	return result
}

// Ping probes gateway reachability with a cheap listing call and a
// single-attempt budget. Used by the sampler's connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.InvokeRetries(ctx, "sessions_list", map[string]any{"limit": 1}, 1)
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
