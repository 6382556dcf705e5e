// Package svcclient provides the uniform call wrapper used to reach every
// downstream analysis, classification, valuation, and due-diligence service.
// It owns authentication, timeouts, rate limiting, and the retry policy for
// a single request/response exchange.
package svcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/resilience"
)

// CredentialHeader carries the shared service credential on every request.
const CredentialHeader = "X-Service-Key"

const defaultHostRate = rate.Limit(20)

// Endpoint identifies one downstream service operation.
type Endpoint struct {
	// Name labels the service in errors and logs.
	Name string
	// URL is the full request URL; all exchanges are POST with JSON bodies.
	URL string
	// Timeout bounds this call. Zero means the client default.
	Timeout time.Duration
}

// Client performs authenticated request/response exchanges against
// downstream services.
type Client interface {
	Call(ctx context.Context, endpoint Endpoint, payload any, out any) error
}

// Options configures the HTTP client.
type Options struct {
	// Credential is the shared secret attached to every request. A client
	// constructed without one fails every call with a configuration error
	// rather than sending unauthenticated requests.
	Credential string

	// Timeout is the default per-call budget. Default: 30s.
	Timeout time.Duration

	// MaxRetries bounds retries on transient failures. Default: 2.
	MaxRetries int

	// RetryDelay is the fixed pause between attempts. Default: 1s.
	RetryDelay time.Duration

	// DefaultHostRate caps requests per second to any single host.
	// Default: 20/s.
	DefaultHostRate rate.Limit

	// HostRates overrides the per-host request rate (events/sec).
	HostRates map[string]rate.Limit

	// HTTPClient overrides the underlying transport, mainly for tests.
	HTTPClient *http.Client
}

type httpClient struct {
	opts Options
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a service client.
func New(opts Options) Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &httpClient{
		opts:     opts,
		http:     hc,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *httpClient) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	limit := c.opts.DefaultHostRate
	if limit <= 0 {
		limit = defaultHostRate
	}
	if r, ok := c.opts.HostRates[host]; ok {
		limit = r
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(limit, burst)
	c.limiters[host] = lim
	return lim
}

// Call sends payload to the endpoint and decodes the JSON response into out
// (which may be nil when no body is expected). Transient failures are retried
// within the configured budget; 4xx responses are surfaced immediately.
func (c *httpClient) Call(ctx context.Context, endpoint Endpoint, payload any, out any) error {
	if c.opts.Credential == "" {
		return model.NewFaultf(model.FaultConfiguration, "%s: service credential is not configured", endpoint.Name)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.WrapFault(model.FaultInvalidRequest, fmt.Sprintf("%s: encode payload", endpoint.Name), err)
	}

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	retryCfg := resilience.RetryConfig{
		MaxRetries: c.opts.MaxRetries,
		Delay:      c.opts.RetryDelay,
		OnRetry:    resilience.RetryLogger(endpoint.Name, "call"),
	}

	respBody, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := c.limiterFor(endpoint.URL).Wait(callCtx); err != nil {
			return nil, err
		}
		return c.do(callCtx, endpoint, body)
	})
	if err != nil {
		return classify(ctx, endpoint.Name, err)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return model.WrapFault(model.FaultUpstream, fmt.Sprintf("%s: decode response", endpoint.Name), err)
		}
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, endpoint Endpoint, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", endpoint.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CredentialHeader, c.opts.Credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read response", endpoint.Name)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.NewFaultf(model.FaultAuthentication, "%s: credential rejected (%d)", endpoint.Name, resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("%s: status %d: %s", endpoint.Name, resp.StatusCode, truncate(respBody, 256)),
			resp.StatusCode,
		)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, model.NewFaultf(model.FaultInvalidRequest, "%s: status %d: %s", endpoint.Name, resp.StatusCode, truncate(respBody, 256))
	default:
		return nil, model.NewFaultf(model.FaultUpstream, "%s: unexpected status %d", endpoint.Name, resp.StatusCode)
	}
}

// classify maps a final call error onto the fault taxonomy. A deadline hit
// is Timeout only when the per-call budget expired on its own; when the
// caller's context is already done the job was cut off, and the call reports
// Cancelled so a slow endpoint stays distinguishable from a cancelled job.
// Exhausted transient retries become UpstreamFailure.
func classify(caller context.Context, name string, err error) error {
	var f *model.Fault
	if errors.As(err, &f) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return model.WrapFault(model.FaultCancelled, name+": call cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		if caller.Err() != nil {
			return model.WrapFault(model.FaultCancelled, name+": call cut off by caller deadline", err)
		}
		return model.WrapFault(model.FaultTimeout, name+": call deadline exceeded", err)
	default:
		return model.WrapFault(model.FaultUpstream, name+": call failed after retries", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
