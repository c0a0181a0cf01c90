// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package gatewayerr defines the error kinds that cross the Signaling
// Gateway and REST boundaries. Internally, packages wrap lower-layer
// errors with fmt.Errorf("...: %w", err) as usual; only the outermost
// handler (a gateway ack builder or an HTTP handler) unwraps via
// errors.As and picks the client-safe message.
package gatewayerr

import "fmt"

// Kind is one of the five error kinds surfaced to clients (spec §7).
type Kind string

const (
	BadRequest         Kind = "bad-request"
	NotFound           Kind = "not-found"
	InvalidState       Kind = "invalid-state"
	IncompatibleCodecs Kind = "incompatible-codecs"
	Internal           Kind = "internal"
)

// Error carries a Kind alongside a client-safe message. The wrapped
// cause, if any, is never sent to the client — it's for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error carrying cause for logging; Message is what the
// client sees, cause is never serialized.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// BadRequestf builds a bad-request Error with a formatted message.
func BadRequestf(format string, args ...any) *Error {
	return New(BadRequest, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not-found Error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// InvalidStatef builds an invalid-state Error with a formatted message.
func InvalidStatef(format string, args ...any) *Error {
	return New(InvalidState, fmt.Sprintf(format, args...))
}

// Internalf wraps cause as an internal Error; message is a generic,
// client-safe description (spec §7: "logged server-side with detail,
// surfaced to client as a generic message").
func Internalf(cause error, message string) *Error {
	return Wrap(Internal, message, cause)
}
