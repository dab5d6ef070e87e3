// Package relayerr defines the relayer's error taxonomy. Every error that can
// reach a client is classified by Kind, which fixes its HTTP status and
// whether a retry can succeed.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a relayer error.
type Kind string

const (
	KindMalformedRequest Kind = "MalformedRequest"
	KindMalformedField   Kind = "MalformedField"
	KindUnknownRoot      Kind = "UnknownRoot"
	KindNullifierSpent   Kind = "NullifierSpent"
	KindInvalidTransfer  Kind = "InvalidTransfer"
	KindInvalidProof     Kind = "InvalidProof"
	KindTreeFull         Kind = "TreeFull"
	KindUnsupportedChain Kind = "UnsupportedChain"
	KindOnChainRevert    Kind = "OnChainRevert"
	KindRpcUnavailable   Kind = "RpcUnavailable"
	KindInternal         Kind = "Internal"
)

// Status returns the HTTP status a kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindMalformedRequest, KindMalformedField, KindUnknownRoot,
		KindNullifierSpent, KindInvalidTransfer, KindInvalidProof,
		KindTreeFull, KindUnsupportedChain:
		return http.StatusBadRequest
	case KindRpcUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether resubmitting the same request can succeed later.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnknownRoot, KindRpcUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified relayer error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NullifierSpent reports a spent input note by slot (0 or 1), matching the
// NullifierSpent(0|1) taxonomy entry.
func NullifierSpent(slot int) *Error {
	return &Error{Kind: KindNullifierSpent, Msg: fmt.Sprintf("nullifier %d already spent", slot)}
}

// KindOf extracts the Kind from err, defaulting to Internal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
