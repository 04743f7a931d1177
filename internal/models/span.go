package models

import "time"

// Span is a single timed operation within a distributed trace. Spans sharing
// a TraceID form a rooted forest: a span with an empty ParentSpanID is a root.
type Span struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Resource     map[string]string `json:"resource,omitempty"`
}

// Duration returns the span's elapsed time.
func (s *Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// SpanBatch is a group of spans flushed together toward the trace backend.
// Delivery across relay hops is best-effort, at-most-once: a relay that acks
// inbound before forwarding can lose the batch if it crashes in between.
type SpanBatch struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Spans   []*Span   `json:"spans"`
	Created time.Time `json:"created"`
}
