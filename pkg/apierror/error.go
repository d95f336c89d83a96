// Package apierror defines the error taxonomy shared by the access-control layer
// and its mapping onto HTTP responses.
package apierror

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error. Two errors with the same Kind match under errors.Is.
type Kind string

const (
	KindAuthenticationRequired   Kind = "authentication_required"
	KindTenantContextMissing     Kind = "tenant_context_missing"
	KindTenantNotFound           Kind = "tenant_not_found"
	KindUnauthorizedTenantAccess Kind = "unauthorized_tenant_access"
	KindInsufficientPermission   Kind = "insufficient_permission"
	KindLastOwnerProtection      Kind = "last_owner_protection"
	KindRateLimited              Kind = "rate_limited"
	KindUpstreamFailure          Kind = "upstream_failure"
	KindNotFound                 Kind = "not_found"
	KindInvalid                  Kind = "invalid"
	KindConflict                 Kind = "conflict"
)

// Error is the coded error carried through the layer.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "rbac.Authorize".
	Op  string
	Msg string
	Err error
}

// Sentinels for errors.Is checks.
var (
	ErrAuthenticationRequired   = &Error{Kind: KindAuthenticationRequired, Msg: "authentication required"}
	ErrTenantContextMissing     = &Error{Kind: KindTenantContextMissing, Msg: "no tenant context: select a tenant or supply a tenant identifier"}
	ErrTenantNotFound           = &Error{Kind: KindTenantNotFound, Msg: "tenant not found"}
	ErrUnauthorizedTenantAccess = &Error{Kind: KindUnauthorizedTenantAccess, Msg: "access to tenant denied"}
	ErrInsufficientPermission   = &Error{Kind: KindInsufficientPermission, Msg: "insufficient permission"}
	ErrLastOwnerProtection      = &Error{Kind: KindLastOwnerProtection, Msg: "tenant must keep at least one owner: promote another owner first"}
	ErrRateLimited              = &Error{Kind: KindRateLimited, Msg: "rate limit exceeded"}
	ErrUpstreamFailure          = &Error{Kind: KindUpstreamFailure, Msg: "upstream failure"}
	ErrNotFound                 = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrInvalid                  = &Error{Kind: KindInvalid, Msg: "invalid request"}
	ErrConflict                 = &Error{Kind: KindConflict, Msg: "conflict"}
)

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Upstream wraps a persistence or dependency failure.
func Upstream(op string, err error) *Error {
	return Wrap(KindUpstreamFailure, op, err)
}

// Invalid reports a malformed caller input.
func Invalid(op, format string, args ...interface{}) *Error {
	return New(KindInvalid, op, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first coded error in the chain, or
// KindUpstreamFailure for uncoded errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamFailure
}

// RateLimitError is returned when a policy rejects a request.
type RateLimitError struct {
	Policy     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for policy %s: %d requests allowed, retry after %s",
		e.Policy, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the retry interval up to whole seconds, never below 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsLastOwnerProtection reports whether err is a last-owner rejection.
func IsLastOwnerProtection(err error) bool {
	return errors.Is(err, ErrLastOwnerProtection)
}

// IsNotFound reports whether err is a resource-level not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
