// Package transport sends queued mutations to the marketplace server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
)

// Request is one server mutation.
type Request struct {
	// Method is the HTTP verb.
	Method string
	// Target is a path relative to the base URL, or an absolute URL.
	Target string
	Body   json.RawMessage
	// IdempotencyKey lets the server drop replays of the same mutation.
	IdempotencyKey string
	Header         http.Header
}

// Response is a successful server reply.
type Response struct {
	Status int
	Body   json.RawMessage
	Header http.Header
}

// Transport performs single requests.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// BatchResult is the outcome of one member of a batch.
type BatchResult struct {
	Response *Response
	Err      error
}

// BatchTransport can send several requests for the same target in one
// round trip. A returned error means the batch as a whole failed and no
// member outcome is known.
type BatchTransport interface {
	Transport
	DoBatch(ctx context.Context, target string, reqs []Request) ([]BatchResult, error)
}

// Kind classifies a failed request.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindServer      Kind = "server"
	KindClient      Kind = "client"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
)

// Error is a failed request.
type Error struct {
	Kind       Kind
	Status     int
	Body       json.RawMessage
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s error (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s error (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindRateLimited:
		return true
	}
	return false
}

// Code maps the kind to an application error code.
func (e *Error) Code() apperrors.ErrorCode {
	switch e.Kind {
	case KindConflict:
		return apperrors.ErrSyncConflict
	case KindRateLimited:
		return apperrors.ErrRateLimited
	case KindClient:
		return apperrors.ErrValidation
	case KindServer:
		return apperrors.ErrSyncFailed
	}
	return apperrors.ErrNetwork
}

// AsError extracts a transport error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the kind of err. Errors that are not transport errors,
// including cancellations, count as network failures.
func KindOf(err error) Kind {
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	return KindNetwork
}

// StatusError builds the error for a non-2xx status.
func StatusError(status int, body []byte, header http.Header) *Error {
	e := &Error{Status: status}
	if len(body) > 0 && json.Valid(body) {
		e.Body = json.RawMessage(body)
	}
	switch {
	case status == http.StatusConflict:
		e.Kind = KindConflict
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case status == http.StatusRequestTimeout:
		e.Kind = KindNetwork
	case status >= 500:
		e.Kind = KindServer
		if status == http.StatusServiceUnavailable {
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	default:
		e.Kind = KindClient
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
