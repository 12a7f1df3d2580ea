// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/1mansurr/elaro-sync/internal/logging"
)

// Executor runs a prepared call against the remote backend.
type Executor interface {
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// HTTPConfig holds the backend endpoint settings.
type HTTPConfig struct {
	// BaseURL is the backend origin, e.g. "https://api.elaro.app".
	// Procedures are invoked at {BaseURL}/functions/v1/{procedure}.
	BaseURL string

	// Timeout bounds a single invocation.
	Timeout time.Duration

	// TokenFunc supplies the bearer token for each request. Nil means
	// unauthenticated requests.
	TokenFunc func() (string, error)
}

// DefaultHTTPConfig returns production endpoint defaults.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// HTTPExecutor invokes backend procedures over HTTP POST with circuit
// breaker protection. A run of connection failures opens the breaker so
// a flapping link does not burn every queued action's attempt budget.
type HTTPExecutor struct {
	cfg    HTTPConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewHTTPExecutor creates an executor for the given backend.
// Circuit breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 30 second timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cbName := "elaro-backend"

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			breakerState.WithLabelValues(name).Set(stateToFloat(to))
			breakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},

		// Only connection-level failures count toward tripping the
		// breaker. A 422 means the backend is healthy and rejecting
		// one bad payload.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errBreakerFailure)
		},
	})

	breakerState.WithLabelValues(cbName).Set(0)

	return &HTTPExecutor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     cb,
	}
}

// errBreakerFailure marks errors that should count against the breaker.
var errBreakerFailure = errors.New("backend unavailable")

// Execute POSTs the call body to its procedure endpoint. The response
// body is returned verbatim on 2xx; any other outcome is a classified
// *Error.
func (e *HTTPExecutor) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	start := time.Now()
	result, err := e.cb.Execute(func() (json.RawMessage, error) {
		return e.invoke(ctx, call)
	})
	callDuration.WithLabelValues(call.Procedure).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			callsTotal.WithLabelValues(call.Procedure, "rejected").Inc()
			return nil, &Error{Kind: KindNetwork, Procedure: call.Procedure, Err: err}
		}
		callsTotal.WithLabelValues(call.Procedure, "failure").Inc()
		return nil, err
	}

	callsTotal.WithLabelValues(call.Procedure, "success").Inc()
	return result, nil
}

func (e *HTTPExecutor) invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	url := e.cfg.BaseURL + "/functions/v1/" + call.Procedure

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(call.Body))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Procedure: call.Procedure, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", call.IdempotencyKey)

	if e.cfg.TokenFunc != nil {
		token, err := e.cfg.TokenFunc()
		if err != nil {
			return nil, &Error{Kind: KindAuth, Procedure: call.Procedure, Err: fmt.Errorf("fetching token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{
			Kind:      KindNetwork,
			Procedure: call.Procedure,
			Err:       fmt.Errorf("%w: %w", errBreakerFailure, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{
			Kind:      KindNetwork,
			Procedure: call.Procedure,
			Err:       fmt.Errorf("%w: reading response: %w", errBreakerFailure, err),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(body), nil
	}

	kind := classifyStatus(resp.StatusCode)
	callErr := fmt.Errorf("%s", firstLine(body))
	if kind == KindNetwork {
		// 5xx and timeouts mean the backend is struggling.
		callErr = fmt.Errorf("%w: %w", errBreakerFailure, callErr)
	}
	return nil, &Error{
		Kind:       kind,
		Procedure:  call.Procedure,
		StatusCode: resp.StatusCode,
		Err:        callErr,
	}
}

// firstLine trims an error body for logging and LastError storage.
func firstLine(body []byte) string {
	const max = 200
	s := string(body)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		s = s[:max]
	}
	if s == "" {
		s = "no response body"
	}
	return s
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
