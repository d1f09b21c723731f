// Package herrors defines the closed set of error kinds that cross
// component boundaries (storage, portal, LLM parsing) and the retry/skip
// policy attached to each. It mirrors the shape of
// internal/resilience.TransientError: a typed wrapper callers can
// errors.As out of an eris-wrapped chain.
package herrors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of abstract error categories a component can
// raise. Every Kind has a fixed propagation policy described in its
// constant comment.
type Kind string

const (
	// KindStorage is a DB connectivity or constraint failure. Retried once
	// at the session level; otherwise surfaced. Never masks the primary
	// result of the operation that triggered the logging write.
	KindStorage Kind = "storage"

	// KindPortalTransient is a network flake, timeout, or "session expired"
	// redirect. Retried with exponential backoff at the nearest navigation
	// step.
	KindPortalTransient Kind = "portal_transient"

	// KindPortalBlocked is a CAPTCHA, HTTP 405, or human-verification
	// interstitial. Forces a long cooldown and a browser restart; escalates
	// to the whole scrape run rather than staying local to one filing.
	KindPortalBlocked Kind = "portal_blocked"

	// KindPortalPermanent is a 500, an unauthorized response, or a
	// group-restricted filing. The filing is marked and skipped forever.
	KindPortalPermanent Kind = "portal_permanent"

	// KindLLMTransient is a rate limit, connection failure, or 5xx from the
	// LLM provider. Retried per the shared retry policy.
	KindLLMTransient Kind = "llm_transient"

	// KindLLMBadOutput is a JSON parse failure or schema mismatch in an LLM
	// response. Final for that call; recorded as a parse warning, never
	// retried.
	KindLLMBadOutput Kind = "llm_bad_output"

	// KindParsePartial means some extractions from a document succeeded and
	// some failed. The parse log status is "partial"; parse_new_filings
	// still flips the document's parsed flag for a partial result, and only
	// a parse that returns an error leaves it false.
	KindParsePartial Kind = "parse_partial"

	// KindValidation is a caller-supplied input out of range. Surfaced to
	// the caller directly; never persisted.
	KindValidation Kind = "validation"
)

// Error is a Kind-tagged wrapper around an underlying error, so callers can
// errors.As for a *Error and branch on Kind without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given Kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err's chain, if any.
func KindOf(err error) (Kind, bool) {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return "", false
}

// Retryable reports whether a Kind's policy is to retry rather than
// terminate the unit of work immediately.
func Retryable(kind Kind) bool {
	switch kind {
	case KindPortalTransient, KindLLMTransient, KindStorage:
		return true
	default:
		return false
	}
}

// Terminal reports whether a Kind marks its unit of work as permanently
// failed — no further retry, no DLQ park, just record and move on.
func Terminal(kind Kind) bool {
	switch kind {
	case KindPortalPermanent, KindLLMBadOutput, KindValidation:
		return true
	default:
		return false
	}
}
