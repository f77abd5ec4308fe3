package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a router error. Every error produced by the kernel
// belongs to exactly one kind.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuth           ErrorKind = "auth"
	KindForbidden      ErrorKind = "forbidden"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindUpstream5xx    ErrorKind = "upstream_5xx"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindContentFilter  ErrorKind = "content_filter"
	KindCostCeiling    ErrorKind = "cost_ceiling"
	KindOverloaded     ErrorKind = "overloaded"
	KindCancelled      ErrorKind = "cancelled"
	KindInternal       ErrorKind = "internal"
)

// Error is the router's error envelope. It carries the taxonomy kind, the
// backend it arose from, and the chain of underlying causes.
type Error struct {
	Kind         ErrorKind     `json:"kind"`
	Message      string        `json:"message"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	AttemptCount int           `json:"attempt_count,omitempty"`
	Chain        []string      `json:"cause_chain,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	Cause        error         `json:"-"`
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds an Error of the given kind with an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithBackend attaches the provider/model the error arose from.
func (e *Error) WithBackend(provider, model string) *Error {
	e.Provider = provider
	e.Model = model
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " [%s", e.Provider)
		if e.Model != "" {
			fmt.Fprintf(&b, ":%s", e.Model)
		}
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CauseChain renders the chain of underlying causes, outermost first. An
// explicitly recorded chain (e.g. one entry per attempted candidate) takes
// precedence over the wrapped-error walk.
func (e *Error) CauseChain() []string {
	if len(e.Chain) > 0 {
		return e.Chain
	}
	var chain []string
	for err := error(e); err != nil; err = errors.Unwrap(err) {
		var re *Error
		if errors.As(err, &re) && err == error(re) {
			entry := string(re.Kind)
			if re.Provider != "" {
				entry += " " + re.Provider
				if re.Model != "" {
					entry += ":" + re.Model
				}
			}
			entry += ": " + re.Message
			chain = append(chain, entry)
		} else {
			chain = append(chain, err.Error())
		}
	}
	return chain
}

// KindOf extracts the error kind; unclassified errors are internal.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether an error of this kind may be retried
// against the same backend.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// IsFailover reports whether the router should try the next candidate in
// the fallback chain after this error.
func IsFailover(err error) bool {
	switch KindOf(err) {
	case KindCircuitOpen, KindUpstream5xx, KindTimeout, KindOverloaded:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the inbound gateway status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream5xx:
		return http.StatusBadGateway
	case KindCircuitOpen, KindOverloaded:
		return http.StatusServiceUnavailable
	case KindContentFilter:
		return http.StatusUnprocessableEntity
	case KindCostCeiling:
		return http.StatusPaymentRequired
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus classifies an upstream HTTP status code.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly:
		return KindTimeout
	case status == http.StatusUnprocessableEntity:
		return KindContentFilter
	case status >= 500:
		return KindUpstream5xx
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
