// Package ccerr defines the closed set of error kinds this engine can
// surface and the rich-error wire encoding used to carry them across a
// binding boundary that cannot propagate typed errors natively.
package ccerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds the engine ever returns.
type Kind string

const (
	InvalidArgument            Kind = "InvalidArgument"
	NotFound                   Kind = "NotFound"
	AlreadyExists              Kind = "AlreadyExists"
	CryptoFailure              Kind = "CryptoFailure"
	WrongEpochStale            Kind = "WrongEpoch.Stale"
	WrongEpochFuture           Kind = "WrongEpoch.Future"
	AlreadyDecrypted           Kind = "AlreadyDecrypted"
	SelfCommitPending          Kind = "SelfCommitPending"
	ExternalJoinNotMerged      Kind = "ExternalJoinNotMerged"
	BufferedForFutureEpoch     Kind = "BufferedForFutureEpoch"
	Unauthorized               Kind = "Unauthorized"
	CertificateInvalid         Kind = "CertificateInvalid"
	CertificateExpired         Kind = "CertificateInvalid.Expired"
	CertificateRevoked         Kind = "CertificateInvalid.Revoked"
	CertificateChainIncomplete Kind = "CertificateInvalid.ChainIncomplete"
	CertificateUnknownCA       Kind = "CertificateInvalid.UnknownCA"
	KeystoreLocked             Kind = "KeystoreLocked"
	KeystoreCorrupted          Kind = "KeystoreCorrupted"
	ProteusSessionNotFound     Kind = "ProteusSessionNotFound"
	ProteusDecryptionFailed    Kind = "ProteusDecryptionFailed"
	ACMEProtocol               Kind = "ACMEProtocol"
	Internal                   Kind = "Internal"
)

// Error is the single error type this engine ever returns across a public
// API boundary. It always carries a Kind from the closed set above, plus
// an optional wrapped cause for %w-style chains.
type Error struct {
	Kind             Kind
	Message          string
	ProteusErrorCode int
	cause            error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is comparison by Kind alone, so callers can write
// errors.Is(err, ccerr.New(ccerr.NotFound, "")) without matching Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause; the resulting
// message is cause's message unless message is non-empty.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// wireError is the JSON payload embedded after the "\n\n" separator in the
// rich-error wire encoding (spec.md §6).
type wireError struct {
	ErrorName        string `json:"errorName"`
	Message          string `json:"message"`
	StackTrace       string `json:"stackTrace"`
	ProteusErrorCode int    `json:"proteusErrorCode,omitempty"`
}

// Marshal renders e as "message\n\n{json}" for transport across a boundary
// that cannot carry typed errors.
func (e *Error) Marshal() string {
	payload := wireError{
		ErrorName:        string(e.Kind),
		Message:          e.Message,
		StackTrace:       "",
		ProteusErrorCode: e.ProteusErrorCode,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return e.Message
	}
	return e.Message + "\n\n" + string(body)
}

// Unmarshal parses the "message\n\n{json}" encoding back into a typed
// *Error, or returns a generic Internal error if the payload is malformed
// or missing the JSON half — the receiver-side fallback spec.md §6 calls
// for.
func Unmarshal(s string) error {
	const sep = "\n\n"
	idx := indexSep(s, sep)
	if idx < 0 {
		return New(Internal, s)
	}

	var payload wireError
	if err := json.Unmarshal([]byte(s[idx+len(sep):]), &payload); err != nil {
		return New(Internal, s[:idx])
	}

	return &Error{
		Kind:             Kind(payload.ErrorName),
		Message:          payload.Message,
		ProteusErrorCode: payload.ProteusErrorCode,
	}
}

func indexSep(s, sep string) int {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}
