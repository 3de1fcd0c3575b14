// Package transport executes queued operations against the remote
// authority and fetches its entity snapshots.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/tether/internal/types"
)

// Request is one remote call derived from a PendingOperation.
type Request struct {
	Method         string
	Endpoint       string
	Body           []byte
	IdempotencyKey string
}

// RequestFor builds the request for op. The operation ID doubles as the
// idempotency key so a resend after a crash is deduplicated remotely.
func RequestFor(op types.PendingOperation) Request {
	return Request{
		Method:         op.Method,
		Endpoint:       op.Endpoint,
		Body:           op.Payload,
		IdempotencyKey: op.ID,
	}
}

// Transport executes requests. Failures are *Error values.
type Transport interface {
	Execute(ctx context.Context, req Request) ([]byte, error)
}

// SnapshotSource reads remote-authoritative entity state.
type SnapshotSource interface {
	// Fetch returns every entity of kind, tombstones included.
	Fetch(ctx context.Context, kind string) ([]types.Entity, error)
	// FetchEntity returns one entity. A missing entity is an *Error of
	// kind client_error with code 404.
	FetchEntity(ctx context.Context, kind, id string) (*types.Entity, error)
}

// TokenRefresher obtains a fresh bearer token after the remote rejected the
// current one.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// TokenRefresherFunc adapts a function to TokenRefresher.
type TokenRefresherFunc func(ctx context.Context) (string, error)

func (f TokenRefresherFunc) Refresh(ctx context.Context) (string, error) {
	return f(ctx)
}

// Kind classifies a transport failure.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindClientError  Kind = "client_error"
	KindServerError  Kind = "server_error"
	KindTimeout      Kind = "timeout"
)

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	// Code is the HTTP status for status-derived kinds, zero otherwise.
	Code int
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.Err != nil:
		return fmt.Sprintf("%s (HTTP %d): %v", e.Kind, e.Code, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether backing off and trying again may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServerError:
		return true
	case KindClientError:
		return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
	default:
		return false
	}
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx and 3xx.
func FromStatus(code int, err error) *Error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Code: code, Err: err}
	case code == http.StatusConflict:
		return &Error{Kind: KindConflict, Code: code, Err: err}
	case code < 500:
		return &Error{Kind: KindClientError, Code: code, Err: err}
	default:
		return &Error{Kind: KindServerError, Code: code, Err: err}
	}
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsKind reports whether err is a transport failure of kind k.
func IsKind(err error, k Kind) bool {
	te, ok := As(err)
	return ok && te.Kind == k
}
