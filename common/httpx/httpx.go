// Package httpx carries the retry and circuit breaker plumbing shared by the outbound API clients.
package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// StatusOverloaded is returned by the LLM provider when it sheds load.
const StatusOverloaded = 529

type ExecutorConfig struct {
	Name           string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CircuitBreaker bool
	// RetryIf defaults to ShouldRetry.
	RetryIf func(resp *http.Response, err error) bool
	// OnStateChange is called with the new breaker state ("closed", "half-open", "open").
	OnStateChange func(name, state string)
}

func (c ExecutorConfig) normalize() ExecutorConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.RetryIf == nil {
		c.RetryIf = ShouldRetry
	}
	return c
}

// ShouldRetry retries transport errors, rate limits and server side failures.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		StatusOverloaded:
		return true
	default:
		return false
	}
}

// RetryRateLimited retries only requests the server refused before processing. Used for non-idempotent writes.
func RetryRateLimited(resp *http.Response, err error) bool {
	return err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests
}

//nolint:bodyclose // *http.Response is a type parameter here
func NewExecutor(cfg ExecutorConfig) failsafe.Executor[*http.Response] {
	cfg = cfg.normalize()

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(cfg.RetryIf).
		ReturnLastFailure().
		Build()

	if !cfg.CircuitBreaker {
		return failsafe.With(retry)
	}

	builder := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		})

	if cfg.OnStateChange != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			cfg.OnStateChange(cfg.Name, stateName(event.NewState))
		})
	}

	return failsafe.With(retry, builder.Build())
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// Do runs newReq through the executor. Response bodies are read into memory so that responses discarded by a retry
// never hold a connection open; the returned body is always safe to read and close.
func Do(ctx context.Context, executor failsafe.Executor[*http.Response], client *http.Client, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		return resp, nil
	})
}

type userAgentRoundTripper struct {
	userAgent string
	next      http.RoundTripper
}

func (urt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", urt.userAgent)
	}
	return urt.next.RoundTrip(req)
}

// WithUserAgent sets userAgent on requests that carry none.
func WithUserAgent(userAgent string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &userAgentRoundTripper{userAgent: userAgent, next: next}
}
