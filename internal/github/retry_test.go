package github

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func response(code int) *gh.Response {
	return &gh.Response{Response: &http.Response{StatusCode: code}}
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	cfg := &RetryConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)

	cfg = &RetryConfig{MaxRetries: 5, BackoffMultiplier: 3}
	cfg.ApplyDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 3.0, cfg.BackoffMultiplier)
}

func TestWithRetry(t *testing.T) {
	t.Run("recovers after transient errors", func(t *testing.T) {
		calls := 0
		resp, err := withRetry(context.Background(), fastRetry(), nil, "op", func() (*gh.Response, error) {
			calls++
			if calls < 3 {
				return response(http.StatusServiceUnavailable), errors.New("unavailable")
			}
			return response(http.StatusOK), nil
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on client errors", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), fastRetry(), nil, "op", func() (*gh.Response, error) {
			calls++
			return response(http.StatusNotFound), errors.New("not found")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), fastRetry(), nil, "op", func() (*gh.Response, error) {
			calls++
			return response(http.StatusInternalServerError), errors.New("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 retries")
		assert.Equal(t, 4, calls)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cfg := fastRetry()
		cfg.InitialBackoff = time.Hour
		cfg.MaxBackoff = time.Hour

		_, err := withRetry(ctx, cfg, nil, "op", func() (*gh.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	limited := response(http.StatusForbidden)
	limited.Rate = gh.Rate{Limit: 5000, Remaining: 0}

	tests := []struct {
		name string
		resp *gh.Response
		want bool
	}{
		{"transport error", nil, true},
		{"429", response(http.StatusTooManyRequests), true},
		{"502", response(http.StatusBadGateway), true},
		{"403 without rate info", response(http.StatusForbidden), false},
		{"403 rate limited", limited, true},
		{"422", response(http.StatusUnprocessableEntity), false},
		{"401", response(http.StatusUnauthorized), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(errors.New("x"), tt.resp))
		})
	}
	assert.False(t, isRetryable(nil, response(http.StatusInternalServerError)))
}

func TestRateLimitBackoff(t *testing.T) {
	resp := response(http.StatusForbidden)
	resp.Rate = gh.Rate{Limit: 5000, Reset: gh.Timestamp{Time: time.Now().Add(time.Hour)}}
	assert.Equal(t, 30*time.Second, rateLimitBackoff(resp, 30*time.Second))

	resp.Rate.Reset = gh.Timestamp{Time: time.Now().Add(-time.Minute)}
	assert.Equal(t, time.Second, rateLimitBackoff(resp, 30*time.Second))

	assert.Equal(t, 30*time.Second, rateLimitBackoff(nil, 30*time.Second))
}
