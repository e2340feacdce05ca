// Package errors provides the ACME client's error taxonomy. Every error
// the engines raise carries one of a small set of Kinds so that callers
// can dispatch on category (errors.Is) without parsing strings, the same
// convenience-constructor shape the teacher repo uses for its server-side
// error kinds.
package errors

import (
	"fmt"
	"net/url"

	"github.com/go-acme-core/acmeclient/core"
)

// Kind provides a coarse category for ClientErrors.
type Kind int

const (
	// BadNonce means the server rejected a POST with a badNonce problem.
	// Transport recovers from this itself (one retry); it only reaches a
	// caller if the retry also fails with badNonce.
	BadNonce Kind = iota
	// MissingNonce means a signed POST response carried no Replay-Nonce.
	// This is a fatal protocol-invariant violation.
	MissingNonce
	// Problem wraps a server-reported ACME problem document.
	Problem
	// Conflict means the server answered 409, typically because an
	// account already exists for this key.
	Conflict
	// UnexpectedUpdate means a polled resource's identifier or URI
	// didn't match what was requested — a fatal desync.
	UnexpectedUpdate
	// Poll means a v1 polling budget was exhausted, or an authorization
	// went invalid, before issuance could proceed.
	Poll
	// Validation means one or more v2 authorizations failed with a
	// server-reported challenge error.
	Validation
	// Timeout means a polling deadline expired.
	Timeout
	// Issuance means a finalized v2 order's error field was set.
	Issuance
	// Transport means a non-protocol network or decoding failure.
	Transport
)

func (k Kind) String() string {
	switch k {
	case BadNonce:
		return "BadNonce"
	case MissingNonce:
		return "MissingNonce"
	case Problem:
		return "Problem"
	case Conflict:
		return "Conflict"
	case UnexpectedUpdate:
		return "UnexpectedUpdate"
	case Poll:
		return "Poll"
	case Validation:
		return "Validation"
	case Timeout:
		return "Timeout"
	case Issuance:
		return "Issuance"
	case Transport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// ClientError is the concrete error type every package in this module
// returns for engine-level failures.
type ClientError struct {
	Kind   Kind
	Detail string

	// Problem is set when Kind == Problem.
	Problem *core.ProblemDetails
	// Location is set when Kind == Conflict.
	Location string
	// Exhausted/Authorizations are set when Kind == Poll.
	Exhausted      []core.AuthorizationResource
	Authorizations []core.AuthorizationResource
	// Failed is set when Kind == Validation.
	Failed []core.AuthorizationResource
}

func (e *ClientError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Problem.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New is a convenience constructor for the simple, detail-only kinds.
func New(kind Kind, msg string, args ...interface{}) error {
	return &ClientError{Kind: kind, Detail: fmt.Sprintf(msg, args...)}
}

// Is reports whether err is a *ClientError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*ClientError)
	if !ok {
		return false
	}
	return ce.Kind == kind
}

// NewProblem wraps a server-reported problem document.
func NewProblem(pd *core.ProblemDetails) error {
	return &ClientError{Kind: Problem, Detail: pd.Detail, Problem: pd}
}

// NewConflict wraps a 409 response's Location header.
func NewConflict(location string) error {
	return &ClientError{Kind: Conflict, Detail: "resource already exists", Location: location}
}

// NewUnexpectedUpdate reports an identifier/URI mismatch.
func NewUnexpectedUpdate(detail string) error {
	return &ClientError{Kind: UnexpectedUpdate, Detail: detail}
}

// NewPoll reports a spent v1 polling budget.
func NewPoll(exhausted, all []core.AuthorizationResource) error {
	return &ClientError{
		Kind:           Poll,
		Detail:         fmt.Sprintf("%d authorization(s) exhausted their polling budget", len(exhausted)),
		Exhausted:      exhausted,
		Authorizations: all,
	}
}

// NewValidation reports v2 authorizations that failed validation.
func NewValidation(failed []core.AuthorizationResource) error {
	return &ClientError{
		Kind:   Validation,
		Detail: fmt.Sprintf("%d authorization(s) failed validation", len(failed)),
		Failed: failed,
	}
}

// NewTimeout reports a polling deadline that expired before completion.
func NewTimeout(detail string) error {
	return &ClientError{Kind: Timeout, Detail: detail}
}

// NewIssuance wraps a finalized order's server-reported error.
func NewIssuance(pd *core.ProblemDetails) error {
	detail := "issuance failed"
	if pd != nil {
		detail = pd.Error()
	}
	return &ClientError{Kind: Issuance, Detail: detail, Problem: pd}
}

// NewTransport wraps a non-protocol network or decoding failure. host and
// path are carried for diagnostic value; the query string is never
// included, since it may carry signed payload fragments or tokens. A full
// URL passed as host is reduced to its host and path.
func NewTransport(host, path string, cause error) error {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host, path = u.Host, u.Path
	}
	detail := fmt.Sprintf("%s %s", host, path)
	if cause != nil {
		detail = fmt.Sprintf("%s: %s", detail, cause)
	}
	return &ClientError{Kind: Transport, Detail: detail}
}
