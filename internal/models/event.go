// Package models defines the core pipeline types: events, batches, and spans.
package models

import (
	"time"
)

// Event is a single normalized telemetry unit after adapter parsing.
// Timestamps are best-effort monotonic per source; out-of-order events are
// flagged via OutOfOrder, never rejected.
type Event struct {
	ID         string            `json:"id"`
	SourceID   string            `json:"source_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Raw        string            `json:"raw"`
	Labels     map[string]string `json:"labels"`
	Fields     map[string]any    `json:"fields,omitempty"`
	OutOfOrder bool              `json:"out_of_order,omitempty"`

	// StaticLabels lists label keys set by the adapter from source identity.
	// Extraction stages must not overwrite them.
	StaticLabels []string `json:"-"`

	// Dropped is set by an extraction stage to terminate the pipeline for
	// this event. Dropped events are counted, never forwarded.
	Dropped bool `json:"-"`
}

// Clone returns an independent deep copy. The router hands a separate clone
// to each matched sink so mutation on one sink's copy is never visible on
// another's.
func (e *Event) Clone() *Event {
	c := *e
	if e.Labels != nil {
		c.Labels = make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			c.Labels[k] = v
		}
	}
	if e.Fields != nil {
		c.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = copyFieldValue(v)
		}
	}
	if e.StaticLabels != nil {
		c.StaticLabels = append([]string(nil), e.StaticLabels...)
	}
	return &c
}

// copyFieldValue deep-copies the container shapes json.Unmarshal produces.
// Scalars are immutable and pass through.
func copyFieldValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyFieldValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyFieldValue(e)
		}
		return s
	default:
		return v
	}
}

// Label returns the value for key, or "" when absent.
func (e *Event) Label(key string) string {
	if e.Labels == nil {
		return ""
	}
	return e.Labels[key]
}

// IsStaticLabel reports whether key was set by the adapter.
func (e *Event) IsStaticLabel(key string) bool {
	for _, k := range e.StaticLabels {
		if k == key {
			return true
		}
	}
	return false
}
