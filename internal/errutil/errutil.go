// Package errutil classifies errors surfaced by source adapters,
// transformers, and destinations so the orchestrator and workflow runtime
// can decide whether to retry, skip an entity, or fail the sync job outright.
package errutil

import (
	"context"
	"errors"
	"net"
	"path"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for retry/failure decisions.
type Kind string

const (
	KindTransient    Kind = "transient"    // safe to retry with backoff
	KindRateLimited  Kind = "rate_limited" // retry after a cooldown
	KindAuth         Kind = "auth"         // credential needs re-authorization
	KindTokenRefresh Kind = "token_refresh" // refresh raced another refresh and lost
	KindNotFound     Kind = "not_found"    // entity gone at source, not an error
	KindPermanent    Kind = "permanent"    // will never succeed, don't retry
)

// TokenRefreshError reports that a rotating-refresh-token exchange failed
// because a concurrent sync job for the same source connection already
// rotated it first: the provider invalidated this goroutine's refresh token
// out from under it. Classify treats this as KindTokenRefresh rather than
// the generic KindAuth so callers can tell "credential needs
// re-authorization" apart from "lost a refresh race, retry will pick up the
// winner's token".
type TokenRefreshError struct {
	SourceConnectionID string
	Err                error
}

func (e *TokenRefreshError) Error() string {
	return "token refresh lost race for " + e.SourceConnectionID + ": " + e.Err.Error()
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Classified wraps an error with its Kind so callers can branch without
// re-deriving classification.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify inspects err and returns its retry classification. It walks
// wrapped errors looking for network timeouts, Postgres error codes, and
// context deadline/cancellation before falling back to KindPermanent.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Classified
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var tokenRefreshErr *TokenRefreshError
	if errors.As(err, &tokenRefreshErr) {
		return KindTokenRefresh
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransient
		}
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return KindTransient
		case "23505": // unique_violation
			return KindPermanent
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "token expired"):
		return KindAuth
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return KindNotFound
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "timeout"):
		return KindTransient
	}

	return KindPermanent
}

// WithKind annotates err with an explicit Kind, overriding what Classify
// would infer. Adapters use this when they know better than the generic
// heuristics (e.g. a source SDK that returns a typed rate-limit error).
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// IsRetryable reports whether an error's classification warrants a retry.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited, KindTokenRefresh:
		return true
	default:
		return false
	}
}

// RootCause walks the Unwrap chain to the innermost error, used when
// surfacing a single human-readable message for a sync job's failure reason
// instead of a long wrapped chain.
func RootCause(err error) error {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}

const applicationErrorPrefix = "ApplicationError: "

// RootCauseMessage walks err to its root cause and formats a single
// human-readable message for it: strip a Temporal-style "ApplicationError: "
// wrapper prefix if present, then, unless the root cause's type name is
// already part of the message, prepend it so the reader can tell which
// concrete error type produced the message. A message that's empty after
// stripping falls back to the type name alone, qualified by its package.
func RootCauseMessage(err error) string {
	root := RootCause(err)
	msg := strings.TrimPrefix(root.Error(), applicationErrorPrefix)
	typeName := rootCauseTypeName(root)

	if strings.TrimSpace(msg) == "" {
		return typeName
	}
	if strings.Contains(msg, typeName) {
		return msg
	}
	return typeName + ": " + msg
}

// rootCauseTypeName returns an error value's concrete type name, qualified
// by its package so a bare "PgError" doesn't get confused with a
// same-named type from another package.
func rootCauseTypeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "error"
	}
	if pkg := t.PkgPath(); pkg != "" {
		return path.Base(pkg) + "." + t.Name()
	}
	return t.Name()
}
