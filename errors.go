package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for common failure modes.
var (
	// ErrAuthentication is returned by Connect when no credential is available.
	ErrAuthentication = errors.New("chatsync: missing credential")
	// ErrNotConnected is logged when a frame is dropped. The fire-and-forget
	// API never returns it.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("chatsync: engine closed")
)

// AuthenticationError is returned when the backend rejects the credential.
// It is fatal: retrying with the same credential will not help.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "chatsync: authentication rejected: " + e.Message
}

// Is lets errors.Is(err, ErrAuthentication) match rejected credentials too.
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// TransportError wraps a failure to establish or keep the real-time connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatsync: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed durable-store request.
type PersistenceError struct {
	ConversationID string
	LocalID        string
	Attempts       int
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chatsync: persist %s/%s failed after %d attempt(s): %v",
		e.ConversationID, e.LocalID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// APIError represents an error returned by the persistence API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// retryPolicy is a bounded, fixed-delay retry schedule.
type retryPolicy struct {
	attempts int
	delay    time.Duration
}

// do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. It reports how many attempts were made.
func (p retryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return i + 1, nil
		}
		if !IsRetryable(lastErr) || i == attempts-1 {
			return i + 1, lastErr
		}
		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return i + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, lastErr
}
