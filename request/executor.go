// Package request wraps store API calls with transient-failure retry.
//
// Server errors (HTTP >= 500) are retried with exponential backoff and full
// jitter until the caller's context expires. Rate limiting (HTTP 429) is
// retried after the wait the store asks for, unless that wait would outlive a
// short-lived auth token, in which case the call fails with an actionable
// error. Any other client error is terminal and carries the raw response body.
package request

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the tunable retry parameters for an Executor.
type Config struct {
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoffMultiplier"`

	// TokenSafeWait is the longest 429 wait worth honoring. Store auth
	// tokens (notably Firefox's signed JWTs) expire within minutes; sleeping
	// past their lifetime just trades a rate-limit error for an auth error.
	TokenSafeWait time.Duration `json:"tokenSafeWait" yaml:"tokenSafeWait"`

	// RequestsPerSecond paces outgoing calls across one executor.
	// Zero disables pacing.
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		TokenSafeWait:     2 * time.Minute,
	}
}

// Result is the body and metadata of a successful (non-error) response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Location returns the response's Location header, used by operation-style
// APIs (Edge) to hand back a poll target.
func (r *Result) Location() string {
	return r.Header.Get("Location")
}

// Action performs one HTTP request attempt.
type Action func(ctx context.Context) (*http.Response, error)

// Executor retries Actions according to its Config.
type Executor struct {
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. A nil logger falls back to slog.Default.
func New(config Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.TokenSafeWait <= 0 {
		config.TokenSafeWait = 2 * time.Minute
	}

	e := &Executor{
		config: config,
		logger: logger,
		sleep:  sleepCtx,
	}
	if config.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return e
}

// SetSleep replaces the executor's sleep function (useful for testing).
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// Do runs fn until it yields a 2xx response, a terminal error, or ctx expires.
// action names the operation ("upload", "publish", ...) for error text.
func (e *Executor) Do(ctx context.Context, action string, fn Action) (*Result, error) {
	var warnedRateLimit bool

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, fmt.Errorf("%s: %w", action, err)
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%s: %w", action, err)
			}
		}

		resp, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", action, ctx.Err())
			}
			// Transport-level failures are treated like server errors.
			e.logger.Debug("request failed, will retry",
				"action", action, "attempt", attempt+1, "error", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			e.logger.Debug("response read failed, will retry",
				"action", action, "attempt", attempt+1, "error", readErr)
			continue
		}

		switch {
		case resp.StatusCode < 400:
			return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil

		case resp.StatusCode >= 500:
			e.logger.Debug("server error, will retry",
				"action", action, "status", resp.StatusCode, "attempt", attempt+1)
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header, body)
			if wait > e.config.TokenSafeWait {
				return nil, &RateLimitError{Action: action, Wait: wait}
			}
			if !warnedRateLimit {
				warnedRateLimit = true
				e.logger.Warn("rate limited, waiting before retry",
					"action", action, "wait", wait, "resume", time.Now().Add(wait).Format(time.RFC3339))
			}
			if err := e.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%s: %w", action, err)
			}
			// Skip the exponential backoff on the next pass; the store
			// already told us how long to wait.
			attempt = -1
			continue

		default:
			return nil, &HTTPError{Action: action, Status: resp.StatusCode, Body: body}
		}
	}
}

// backoff returns the delay before the given attempt, exponentially grown,
// capped, and fully jittered.
func (e *Executor) backoff(attempt int) time.Duration {
	base := float64(e.config.InitialBackoff) * math.Pow(e.config.BackoffMultiplier, float64(attempt-1))
	if base > float64(e.config.MaxBackoff) {
		base = float64(e.config.MaxBackoff)
	}
	return time.Duration(base * cryptoFloat64())
}

var secondsHint = regexp.MustCompile(`(\d+)\s*seconds`)

// retryAfter extracts the wait a 429 response asks for. Stores express it
// either as a Retry-After header or as "available in N seconds" prose in the
// body (Firefox's throttle message). Defaults to 10s when neither parses.
func retryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if m := secondsHint.FindSubmatch(body); m != nil {
		if secs, err := strconv.Atoi(string(m[1])); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 10 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// Use top 53 bits for a uniform float64 in [0, 1)
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
