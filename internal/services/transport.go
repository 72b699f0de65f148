package services

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/sygnal/pkg/retry"
)

// retryTransport runs fn with the gateway's transport-retry policy: up to
// three attempts, backing off 250 ms and then 500 ms between them (each
// backoff capped at 1 s). Only transport-level
// failures reach the retry loop — fn returns nil once any HTTP response was
// obtained, however unhappy, so upstream 5xx are surfaced after a single try
// and the homeserver drives the retry cadence.
func retryTransport(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFactor:   0.1,
	}, fn)
}

// retryAfterHeader parses an upstream Retry-After header as a delay. Only the
// delta-seconds form is understood; absent or unparsable values yield zero.
func retryAfterHeader(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
