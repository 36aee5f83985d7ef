// Package ddiclient implements the agent's HTTP/JSON transport to the DDI
// server: authenticated requests, exponential-backoff retry, a per-host
// circuit breaker, and a small error taxonomy callers can switch on instead
// of string-matching response bodies.
package ddiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

const maxResponseBodyBytes = 1 << 20 // 1 MiB; deployment/feedback bodies are small JSON

// TransportError wraps a failure that occurred before or during the HTTP
// round trip itself (DNS, connect, TLS, timeout) — never a non-2xx status.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ddiclient: transport error requesting %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError wraps a non-2xx response, carrying enough of the body for
// diagnostics without risking unbounded memory use.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ddiclient: unexpected status %d from %s", e.StatusCode, e.URL)
}

// Unauthorized reports whether the server rejected the configured auth
// token (401) as opposed to some other failure.
func (e *HTTPStatusError) Unauthorized() bool { return e.StatusCode == http.StatusUnauthorized }

// JSONParseError wraps a failure decoding a response body that was
// otherwise delivered with a successful status, or a failure encoding a
// request body as JSON.
type JSONParseError struct {
	URL string
	Err error
}

func (e *JSONParseError) Error() string {
	return fmt.Sprintf("ddiclient: malformed JSON from %s: %v", e.URL, e.Err)
}

func (e *JSONParseError) Unwrap() error { return e.Err }

// Client issues authenticated requests against one DDI controller root.
type Client struct {
	cfg        *ddiconfig.Config
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Client from cfg. The underlying *http.Client honors
// cfg.ConnectTimeout for dialing/TLS and cfg.RequestTimeout for the whole
// round trip, and follows at most ddiconfig.DefaultRedirectLimit redirects.
func New(cfg *ddiconfig.Config) *Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= ddiconfig.DefaultRedirectLimit {
				return fmt.Errorf("ddiclient: stopped after %d redirects", ddiconfig.DefaultRedirectLimit)
			}
			return nil
		},
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// HTTPClient exposes the configured *http.Client so the downloader can reuse
// its transport, timeouts, and redirect policy.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

func (c *Client) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[host]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     time.Duration(c.cfg.DefaultRetryWaitSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[host] = b
	return b
}

// Get issues a GET to rawURL and decodes the JSON response into out (which
// may be nil to discard the body).
func (c *Client) Get(ctx context.Context, rawURL string, out interface{}) error {
	return c.do(ctx, http.MethodGet, rawURL, nil, out, "")
}

// PostJSON issues a POST with body marshaled as JSON; the response body is
// discarded (feedback endpoints return 200 with no payload of interest).
func (c *Client) PostJSON(ctx context.Context, rawURL string, body interface{}, kind string) error {
	return c.do(ctx, http.MethodPost, rawURL, body, nil, kind)
}

// PutJSON issues a PUT with body marshaled as JSON.
func (c *Client) PutJSON(ctx context.Context, rawURL string, body interface{}, kind string) error {
	return c.do(ctx, http.MethodPut, rawURL, body, nil, kind)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}, kind string) error {
	tracer := telemetry.GetGlobalTracer()
	spanCtx, span := tracer.StartRequestSpan(ctx, telemetry.RequestSpanOptions{
		Method: method,
		URL:    rawURL,
		Kind:   kind,
	})
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			telemetry.RecordError(span, err, "json_parse")
			return &JSONParseError{URL: rawURL, Err: err}
		}
	}

	breaker := c.breakerFor(rawURL)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.RequestTimeout * 3

	attempt := 0
	var respBody []byte
	var statusCode int

	operation := func() error {
		attempt++
		if attempt > 1 {
			telemetry.RecordRetry(span, attempt, "previous attempt failed")
		}

		result, err := breaker.Execute(func() (interface{}, error) {
			rt, err := c.roundTrip(spanCtx, method, rawURL, payload)
			if err == nil && rt.statusCode >= 500 {
				return rt, &HTTPStatusError{URL: rawURL, StatusCode: rt.statusCode, Body: rt.body}
			}
			return rt, err
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(&TransportError{URL: rawURL, Err: err})
			}
			if te, ok := err.(*TransportError); ok {
				return te
			}
			if se, ok := err.(*HTTPStatusError); ok {
				return se
			}
			return backoff.Permanent(err)
		}

		rt := result.(roundTripResult)
		statusCode = rt.statusCode
		respBody = rt.body

		if statusCode >= 500 {
			return &HTTPStatusError{URL: rawURL, StatusCode: statusCode, Body: respBody}
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, spanCtx)); err != nil {
		telemetry.RecordError(span, err, classify(err))
		return err
	}

	if statusCode < 200 || statusCode >= 300 {
		err := &HTTPStatusError{URL: rawURL, StatusCode: statusCode, Body: respBody}
		telemetry.RecordError(span, err, "http_status")
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			wrapped := &JSONParseError{URL: rawURL, Err: err}
			telemetry.RecordError(span, wrapped, "json_parse")
			return wrapped
		}
	}

	return nil
}

type roundTripResult struct {
	statusCode int
	body       []byte
}

func (c *Client) roundTrip(ctx context.Context, method, rawURL string, payload []byte) (roundTripResult, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return roundTripResult{}, &TransportError{URL: rawURL, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	req.Header.Set("User-Agent", ddiconfig.UserAgent)
	if name, value, ok := c.cfg.AuthHeader(); ok {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return roundTripResult{}, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return roundTripResult{}, &TransportError{URL: rawURL, Err: err}
	}
	if len(body) > maxResponseBodyBytes {
		body = body[:maxResponseBodyBytes]
	}

	return roundTripResult{statusCode: resp.StatusCode, body: body}, nil
}

func classify(err error) string {
	switch err.(type) {
	case *TransportError:
		return "transport"
	case *HTTPStatusError:
		return "http_status"
	case *JSONParseError:
		return "json_parse"
	default:
		return "unknown"
	}
}
