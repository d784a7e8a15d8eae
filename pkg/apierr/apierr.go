// Package apierr provides the gateway's error taxonomy, HTTP status mapping
// and OpenAI-compatible error envelope rendering.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind identifies a class of gateway error.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindBadRequest
	KindRateLimited
	KindNoHealthyBackend
	KindUpstreamTimeout
	KindUpstreamError
	KindSlowConsumer
)

// HTTPStatus returns the response status for the kind. KindSlowConsumer
// never reaches a status line; it only occurs inside an open SSE stream.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindNoHealthyBackend:
		return fasthttp.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindUpstreamError:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Type returns the OpenAI-style error type string.
func (k Kind) Type() string {
	switch k {
	case KindUnauthorized:
		return "authentication_error"
	case KindBadRequest:
		return "invalid_request_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindNoHealthyBackend:
		return "service_unavailable_error"
	case KindUpstreamTimeout, KindUpstreamError:
		return "upstream_error"
	case KindSlowConsumer:
		return "stream_error"
	default:
		return "internal_error"
	}
}

// Code returns the machine-readable error code.
func (k Kind) Code() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	case KindNoHealthyBackend:
		return "no_healthy_backend"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindSlowConsumer:
		return "slow_consumer"
	default:
		return "internal_error"
	}
}

// Error is the structured gateway error carried through the request plane.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is set for KindRateLimited only.
	RetryAfterSeconds int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that records err as its cause. The cause is kept for
// logs; only Message is rendered to clients.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// RateLimited builds the 429 error with its retry hint.
func RateLimited(message string, retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfterSeconds: retryAfterSeconds}
}

// From coerces any error into an *Error, mapping unknown errors to
// KindInternal. Context deadline expiry maps to KindUpstreamTimeout.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if isDeadline(err) {
		return &Error{Kind: KindUpstreamTimeout, Message: "request deadline exceeded", cause: err}
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var te timeouter
	return errors.As(err, &te) && te.Timeout()
}

type (
	body struct {
		Message           string `json:"message"`
		Type              string `json:"type"`
		Code              string `json:"code"`
		RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	}
	envelope struct {
		Error body `json:"error"`
	}
)

// Envelope renders the OpenAI error envelope for err. It never fails; a
// marshal problem degrades to a static internal-error body.
func Envelope(err error) []byte {
	ae := From(err)
	b, mErr := json.Marshal(envelope{Error: body{
		Message:           ae.Message,
		Type:              ae.Kind.Type(),
		Code:              ae.Kind.Code(),
		RetryAfterSeconds: ae.RetryAfterSeconds,
	}})
	if mErr != nil {
		return []byte(`{"error":{"message":"internal error","type":"internal_error","code":"internal_error"}}`)
	}
	return b
}

// WriteError writes err to the fasthttp response with its mapped status,
// content type and envelope. Rate-limited errors also get a Retry-After
// header.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	ae := From(err)
	if ae.Kind == KindRateLimited && ae.RetryAfterSeconds > 0 {
		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, strconv.Itoa(ae.RetryAfterSeconds))
	}
	ctx.SetStatusCode(ae.Kind.HTTPStatus())
	ctx.SetContentType("application/json")
	ctx.SetBody(Envelope(ae))
}

// Write writes an explicit status/type/code triple. Kept for callers that
// map statuses themselves (the mock upstream uses it).
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(envelope{Error: body{Message: message, Type: errType, Code: code}})
	ctx.SetBody(b)
}
