package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/desertthunder/waveline/internal/routeplanner"
	"github.com/desertthunder/waveline/internal/shared"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type searchKey struct{}

// WithSearch marks ctx as belonging to a search request.
func WithSearch(ctx context.Context) context.Context {
	return context.WithValue(ctx, searchKey{}, true)
}

func isSearch(ctx context.Context) bool {
	v, _ := ctx.Value(searchKey{}).(bool)
	return v
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Service    string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s API error: status %d", e.Service, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return shared.ErrAPIRequest
}

// HTTPOptions configures [NewHTTPClient].
type HTTPOptions struct {
	Proxy   shared.HTTPConfig
	Planner *routeplanner.Planner
	// RequestsPerSecond limits outbound requests when positive.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewHTTPClient builds the outbound client shared by sources.
//
// The transport honours the configured proxy, binds each connection to a route planner address
// and retries rate limited requests from a fresh address.
func NewHTTPClient(opts HTTPOptions) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()

	if opts.Proxy.ProxyHost != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(opts.Proxy.ProxyHost, strconv.Itoa(opts.Proxy.ProxyPort)),
		}
		if opts.Proxy.ProxyUser != "" {
			proxyURL.User = url.UserPassword(opts.Proxy.ProxyUser, opts.Proxy.ProxyPassword)
		}
		base.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = base
	if opts.Planner != nil {
		base.DialContext = opts.Planner.DialContext
		// Pooled connections would keep the address they were dialed from.
		base.DisableKeepAlives = true
		rt = &plannedTransport{base: base, planner: opts.Planner}
	}

	if opts.RequestsPerSecond > 0 {
		rt = &limitedTransport{base: rt, limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{Transport: rt, Timeout: timeout}
}

// plannedTransport marks the local address failing when an upstream answers 429 and retries.
type plannedTransport struct {
	base    http.RoundTripper
	planner *routeplanner.Planner
}

func (t *plannedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	retries := t.planner.RetryLimit()

	for attempt := 0; ; attempt++ {
		ctx := routeplanner.WithAddrHolder(req.Context())
		attemptReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil && attempt > 0 {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := t.base.RoundTrip(attemptReq)
		if err != nil || resp.StatusCode != http.StatusTooManyRequests {
			return resp, err
		}

		if isSearch(req.Context()) && !t.planner.SearchTriggersFail() {
			return resp, nil
		}

		t.planner.MarkFailing(routeplanner.LocalAddr(ctx))

		canReplay := req.Body == nil || req.GetBody != nil
		if attempt >= retries || !canReplay {
			return resp, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// limitedTransport waits on a token bucket before each request.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return t.base.RoundTrip(req)
}

// doJSON performs a GET and decodes a JSON body into result.
//
// Non-2xx responses yield a [*StatusError] whose Detail is taken from a `detail` or `message` field when present.
func doJSON(ctx context.Context, client *http.Client, service, endpoint string, headers map[string]string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Service: service, StatusCode: resp.StatusCode}
		if json.Unmarshal(body, &errResp) == nil {
			statusErr.Detail = errResp.Detail
			if statusErr.Detail == "" {
				statusErr.Detail = errResp.Message
			}
		}
		return statusErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// getBody performs a GET and returns the response for callers that parse HTML or follow redirects.
func getBody(ctx context.Context, client *http.Client, service, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{Service: service, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
