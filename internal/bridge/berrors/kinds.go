// Package berrors defines the error kinds the bridge reasons about when
// deciding whether to retry, surface, or alert.  Kinds are sentinels, not
// types: call sites wrap an underlying error with one of these via
// fmt.Errorf("...: %w", ...) and handlers classify with errors.Is.
package berrors

import "errors"

// Kind identifies one of the seven error categories the bridge treats
// differently at the point of handling.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited       Kind = "rate_limited"
	KindAuthExpired       Kind = "auth_expired"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindMalformedInput    Kind = "malformed_input"
	KindFatal             Kind = "fatal"
)

var (
	// ErrTransientNetwork marks an error as retryable with exponential
	// backoff, capped at ~8s, up to 3 attempts, then surfaced.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRateLimited marks an error as a server-issued rate limit; callers
	// must obey the server-supplied retry_after and hold queue position.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthExpired marks an error as a token expiry; callers clear the
	// cached token, re-login once, and retry once.
	ErrAuthExpired = errors.New("auth expired")
	// ErrNotFound marks a missing room or conversation; callers drop the
	// stale local binding, rebuild once, and retry.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an idempotent collision (room name, user exists);
	// callers absorb it and continue.
	ErrConflict = errors.New("conflict")
	// ErrMalformedInput marks an error as never locally recoverable; callers
	// log, alert, and skip the event.
	ErrMalformedInput = errors.New("malformed input")
	// ErrFatal marks a data-integrity error; callers halt the affected
	// subsystem and alert. No auto-repair is attempted.
	ErrFatal = errors.New("fatal data integrity error")
)

// kindSentinels maps each Kind to its sentinel for lookup by Wrap/Is.
var kindSentinels = map[Kind]error{
	KindTransientNetwork: ErrTransientNetwork,
	KindRateLimited:       ErrRateLimited,
	KindAuthExpired:       ErrAuthExpired,
	KindNotFound:          ErrNotFound,
	KindConflict:          ErrConflict,
	KindMalformedInput:    ErrMalformedInput,
	KindFatal:             ErrFatal,
}

// Wrap annotates err with the sentinel for kind so that errors.Is(err,
// sentinel) succeeds up the call chain, matching the teacher's
// fmt.Errorf("...: %w", err) wrapping idiom.
func Wrap(kind Kind, msg string, err error) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = ErrFatal
	}
	return &kindError{msg: msg, sentinel: sentinel, cause: err}
}

type kindError struct {
	msg      string
	sentinel error
	cause    error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.sentinel, e.cause}
	}
	return []error{e.sentinel}
}
