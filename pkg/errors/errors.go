// loan-payments-gateway/pkg/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories. Only the HTTP boundary turns a
// Kind into a status code.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindForbidden     Kind = "forbidden"
	KindUpstreamAuth  Kind = "upstream_auth"
	KindUpstream      Kind = "upstream"
	KindProtocol      Kind = "protocol"
	KindPersistence   Kind = "persistence"
)

// E carries a Kind plus whatever the upstream gateway said, if anything.
type E struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status, 0 when no response was received.
	Status  int
	Body    []byte
	Timeout bool
	Err     error
}

func (e *E) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }

// Wrap attaches kind and msg to err.
func Wrap(kind Kind, msg string, err error) error {
	return &E{Kind: kind, Message: msg, Err: err}
}

func Configuration(msg string) error { return &E{Kind: KindConfiguration, Message: msg} }

func Validation(msg string) error { return &E{Kind: KindValidation, Message: msg} }

func Forbidden(msg string) error { return &E{Kind: KindForbidden, Message: msg} }

func Protocol(msg string, body []byte) error {
	return &E{Kind: KindProtocol, Message: msg, Body: body}
}

func Persistence(msg string, err error) error {
	return &E{Kind: KindPersistence, Message: msg, Err: err}
}

// Upstream records a failed gateway call. status is 0 when the call never got
// a response.
func Upstream(msg string, status int, body []byte, err error) error {
	return &E{Kind: KindUpstream, Message: msg, Status: status, Body: body, Err: err}
}

func UpstreamTimeout(msg string, err error) error {
	return &E{Kind: KindUpstream, Message: msg, Timeout: true, Err: err}
}

func UpstreamAuth(msg string, status int, body []byte) error {
	return &E{Kind: KindUpstreamAuth, Message: msg, Status: status, Body: body}
}

// As extracts the *E from err's chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not one of ours.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }
