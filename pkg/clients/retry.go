// Package clients holds HTTP delivery helpers: retrying requests with
// exponential backoff and a per-endpoint circuit breaker. The webhook
// dispatcher is the main consumer.
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig controls DoWithRetry. RetryFunc decides whether an
// attempt's outcome warrants another try; a nil CircuitBreaker disables
// breaker tracking.
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryFunc      func(resp *http.Response, err error) bool
	CircuitBreaker *CircuitBreaker
}

// DefaultRetryConfig suits webhook delivery: a few quick attempts, then
// give up and let the breaker take over.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  RetryOnServerError,
	}
}

// RetryOnServerError retries transport errors, 5xx responses, and 429s.
// 4xx responses other than 429 are the receiver rejecting the payload;
// retrying those only repeats the rejection.
func RetryOnServerError(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// DoWithRetry sends req, retrying per config. When a breaker is
// configured the whole retry sequence counts as one call against it, so
// a flapping endpoint trips after a few sequences rather than a few
// attempts.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	if config.CircuitBreaker == nil {
		return retrySequence(ctx, client, req, config)
	}

	var resp *http.Response
	var err error
	cbErr := config.CircuitBreaker.Call(func() error {
		resp, err = retrySequence(ctx, client, req, config)
		if err != nil {
			return err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}
		return nil
	})
	if cbErr != nil && err == nil {
		// Breaker rejected the call without an attempt being made.
		return nil, cbErr
	}
	return resp, err
}

func retrySequence(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	// Buffer the body up front; each attempt needs a fresh reader.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(backoffDelay(config, attempt)):
			}
		}

		attemptReq, err := buildAttempt(ctx, req, body)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(attemptReq)
		lastResp, lastErr = resp, err

		if !config.RetryFunc(resp, err) || attempt == config.MaxRetries {
			return lastResp, lastErr
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}
	return lastResp, lastErr
}

func buildAttempt(ctx context.Context, req *http.Request, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	attemptReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), reader)
	if err != nil {
		return nil, err
	}
	attemptReq.Header = req.Header.Clone()
	attemptReq.ContentLength = int64(len(body))
	return attemptReq, nil
}

func backoffDelay(config RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}
