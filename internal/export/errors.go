// Package export pushes batches to sink backends with retry, backoff, and
// per-sink health tracking. Each sink's exporter task owns all network I/O
// to that sink and is the sole writer of its health state.
package export

import (
	"errors"
	"fmt"
)

// ErrorKind classifies export failures. The kind decides the retry policy:
// only Transient is ever retried.
type ErrorKind int

const (
	// Transient covers timeouts, resets, and backend overload. Retried
	// with exponential backoff until the budget is exhausted.
	Transient ErrorKind = iota

	// Rejected means the backend parsed the batch but refused some or all
	// records. Never retried verbatim; the offending subset is logged.
	Rejected

	// AuthFailure is fatal for the sink until configuration reload. The
	// sink goes straight to Down with no backoff loop, avoiding
	// credential-lockout amplification.
	AuthFailure

	// TransportFailure is a secure-channel negotiation mismatch: one side
	// expects an encrypted session the other does not offer. Distinguished
	// from a generic connection failure so operators get an actionable
	// diagnostic instead of a bare timeout. Never silently downgraded.
	TransportFailure
)

// String returns the kind's metric/log name.
func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case AuthFailure:
		return "auth_failure"
	case TransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// RejectedRecord identifies one refused record with enough context for
// diagnosis.
type RejectedRecord struct {
	Index  int
	Reason string
}

// ExportError is the structured failure surfaced by a sink.
type ExportError struct {
	Kind     ErrorKind
	Endpoint string
	BatchID  string
	Err      error

	// Accepted counts records the backend took before refusing the rest.
	// They count as delivered.
	Accepted int

	// RejectedRecords is the refused subset, set for Kind == Rejected.
	RejectedRecords []RejectedRecord
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export to %s failed (%s, batch %s): %v",
		e.Endpoint, e.Kind, e.BatchID, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to Transient for untyped
// errors so unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return Transient
}

// AsExportError returns the typed error, or wraps err as Transient.
func AsExportError(err error, endpoint, batchID string) *ExportError {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExportError{Kind: Transient, Endpoint: endpoint, BatchID: batchID, Err: err}
}
