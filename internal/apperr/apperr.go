// Package apperr is the error taxonomy shared by the game packages. Every
// failure that reaches a player is classified into one Kind, which decides the
// HTTP status and the message the player sees.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for callers.
type Kind string

const (
	// KindNotFound: the game id is absent (expired or never created).
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidState: the game exists but is not where the caller expects it.
	KindInvalidState Kind = "INVALID_STATE"
	// KindRateLimited: admission denied, the caller should back off.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindServiceUnavailable: the store or the model is unreachable.
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	// KindValidation: malformed input such as an unknown difficulty tier.
	KindValidation Kind = "VALIDATION"
)

// Sentinels for errors.Is matching on the kind alone.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrValidation         = &Error{Kind: KindValidation}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op is the failing operation, e.g. "play.AskQuestion".
	Op string
	// Msg is a short internal description. It is not shown to players.
	Msg string
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound returns a KindNotFound error for game id.
func NotFound(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("game %q not found", id)}
}

// Validation returns a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited returns a KindRateLimited error carrying a retry hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter}
}

// Unavailable classifies err as KindServiceUnavailable.
func Unavailable(op string, err error) error {
	return Wrap(KindServiceUnavailable, op, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfter returns the retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Status maps err to an HTTP status code. Unclassified errors are 500.
func Status(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the text shown to players for err. It never includes
// internal details except for validation problems, which the player caused.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotFound, KindInvalidState:
		return "Your game session has ended, please start a new one."
	case KindRateLimited:
		if d := RetryAfter(err); d > 0 {
			return fmt.Sprintf("You are asking too fast. Please wait %d seconds and try again.", retrySeconds(d))
		}
		return "You are asking too fast. Please wait a moment and try again."
	case KindServiceUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	case KindValidation:
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return "Invalid request: " + e.Msg
		}
		return "Invalid request."
	default:
		return "Something went wrong. Please try again."
	}
}

// RetrySeconds rounds d up to whole seconds, minimum 1.
func RetrySeconds(d time.Duration) int { return retrySeconds(d) }

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
