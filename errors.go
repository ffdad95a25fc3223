package flaresolverr

import (
	"fmt"
	"strings"
)

// ResponseError is returned when the solver replies with a non-"ok" status.
// The decoded reply is kept so callers can inspect the raw payload.
type ResponseError struct {
	Message  string
	Envelope *Envelope
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("flaresolverr: %s", e.Message)
	}
	return "flaresolverr: request failed"
}

// ChallengeError is returned when the solver could not solve a challenge,
// or when a challenge is still present after a solved replay.
type ChallengeError struct {
	Message  string
	Envelope *Envelope

	cause *ResponseError
}

func (e *ChallengeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("flaresolverr: challenge not solved: %s", e.Message)
	}
	return "flaresolverr: challenge not solved"
}

func (e *ChallengeError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return nil
}

// challengeError upgrades a solver reply error to a ChallengeError while
// keeping the underlying ResponseError reachable through errors.As.
func challengeError(cause *ResponseError) *ChallengeError {
	return &ChallengeError{
		Message:  cause.Message,
		Envelope: cause.Envelope,
		cause:    cause,
	}
}

// isChallengeMessage reports whether a solver error message indicates a
// failed or timed-out challenge rather than a plain API error.
func isChallengeMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "challenge") ||
		strings.Contains(msg, "captcha") ||
		strings.Contains(msg, "timeout")
}

// UnsupportedMethodError is returned before any remote call when a request
// cannot be represented in the solver API. Only GET and form-encoded POST
// requests are supported.
type UnsupportedMethodError struct {
	Method      string
	ContentType string
}

func (e *UnsupportedMethodError) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("flaresolverr: unsupported content type %q: only x-www-form-urlencoded POST bodies are supported", e.ContentType)
	}
	return fmt.Sprintf("flaresolverr: unsupported method %q: only GET and POST are supported", e.Method)
}
