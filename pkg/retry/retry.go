// Package retry classifies agent call failures and drives the retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind is the failure taxonomy shared by agent calls and council phases.
type Kind string

const (
	KindRateLimit       Kind = "rate_limit"
	KindAuth            Kind = "auth"
	KindContextOverflow Kind = "context_overflow"
	KindTimeout         Kind = "timeout"
	KindToolError       Kind = "tool_error"
	KindNetwork         Kind = "network"
	KindAbort           Kind = "abort"
	KindOverloaded      Kind = "overloaded"
	KindUnknown         Kind = "unknown"
)

// Error is a classified failure. RetryAfterMs, when set, overrides the
// computed backoff delay.
type Error struct {
	Kind         Kind
	Message      string
	Retryable    bool
	RetryAfterMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a classified error with the kind's default retryability.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableByDefault(kind)}
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindNetwork, KindOverloaded:
		return true
	default:
		return false
	}
}

// FromHTTP maps an HTTP status to a classified error. A Retry-After header
// value in seconds (or retry-after-ms in milliseconds) is honored when
// present.
func FromHTTP(status int, message string, header http.Header) *Error {
	var err *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = New(KindAuth, message)
	case status == http.StatusTooManyRequests:
		err = New(KindRateLimit, message)
	case status == 529:
		err = New(KindOverloaded, message)
	case status >= 500:
		err = New(KindNetwork, message)
	default:
		err = New(KindUnknown, message)
	}

	if err.Retryable && header != nil {
		if ms := header.Get("retry-after-ms"); ms != "" {
			if parsed, parseErr := strconv.ParseInt(ms, 10, 64); parseErr == nil {
				err.RetryAfterMs = parsed
			}
		} else if sec := header.Get("Retry-After"); sec != "" {
			if parsed, parseErr := strconv.ParseInt(sec, 10, 64); parseErr == nil {
				err.RetryAfterMs = parsed * 1000
			}
		}
	}
	return err
}

// Policy holds the retry parameters.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns the standard policy: 2 s doubling to 30 s, three
// attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  3,
	}
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	return backoff.WithContext(bo, ctx)
}

// Do runs op with the policy, retrying only retryable classified errors.
// An error carrying RetryAfterMs overrides the computed delay for the next
// attempt.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var classified *Error
		if !errors.As(err, &classified) || !classified.Retryable {
			return backoff.Permanent(err)
		}
		if classified.RetryAfterMs > 0 {
			seconds := int((classified.RetryAfterMs + 999) / 1000)
			return backoff.RetryAfter(seconds)
		}
		return err
	}, p.backoff(ctx))
}
