package models

import "time"

// Batch is an ordered sequence of events bound for one sink. Seq is the
// per-sink monotonic sequence number assigned at flush time. A batch is
// exclusively owned by one exporter until acknowledged or exhausted.
type Batch struct {
	ID       string    `json:"id"`
	SinkID   string    `json:"sink_id"`
	Seq      uint64    `json:"seq"`
	Events   []*Event  `json:"events"`
	Bytes    int       `json:"bytes"`
	Deadline time.Time `json:"deadline"`
	Created  time.Time `json:"created"`
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	return len(b.Events)
}

// HealthState describes a sink's delivery health. It is written only by the
// sink's own exporter task; everything else reads snapshots.
type HealthState int

const (
	HealthUp HealthState = iota
	HealthDegraded
	HealthDown
)

// String returns the lowercase state name.
func (h HealthState) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}
