package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldService  = "service"
	FieldSource   = "source"
	FieldSink     = "sink"
	FieldEndpoint = "endpoint"
	FieldBatchID  = "batch_id"
	FieldBatchSeq = "batch_seq"
	FieldEventID  = "event_id"
	FieldStage    = "stage"
	FieldKind     = "kind"
	FieldError    = "error"
	FieldDuration = "duration_ms"
	FieldAttempt  = "attempt"
	FieldCount    = "count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Source returns a slog attribute for a source adapter id.
func Source(id string) slog.Attr {
	return slog.String(FieldSource, id)
}

// Sink returns a slog attribute for a sink id.
func Sink(id string) slog.Attr {
	return slog.String(FieldSink, id)
}

// Endpoint returns a slog attribute for a sink endpoint address.
func Endpoint(addr string) slog.Attr {
	return slog.String(FieldEndpoint, addr)
}

// BatchID returns a slog attribute for a batch id.
func BatchID(id string) slog.Attr {
	return slog.String(FieldBatchID, id)
}

// BatchSeq returns a slog attribute for a per-sink batch sequence number.
func BatchSeq(seq uint64) slog.Attr {
	return slog.Uint64(FieldBatchSeq, seq)
}

// Stage returns a slog attribute for an extraction stage name.
func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

// Kind returns a slog attribute for an error kind.
func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Count returns a slog attribute for a record count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}
