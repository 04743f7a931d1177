// Package batcher accumulates routed events per sink and flushes them as
// batches on size, age, or shutdown drain. Intra-sink FIFO order is
// preserved; nothing is guaranteed across sinks.
package batcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Batcher buffers events for one sink. Events arrive on In; batches leave on
// the out channel handed to New. The out send blocks when the exporter is
// behind, which is the backpressure path all the way to the adapters.
type Batcher struct {
	sinkID string
	cfg    config.BatchConfig
	in     chan *models.Event
	out    chan<- *models.Batch
	log    *logging.Logger

	seq    uint64
	buf    []*models.Event
	bytes  int
	oldest time.Time
}

// New creates a batcher for one sink. queueSize bounds the inbound event
// queue.
func New(sinkID string, cfg config.BatchConfig, queueSize int, out chan<- *models.Batch, log *logging.Logger) *Batcher {
	return &Batcher{
		sinkID: sinkID,
		cfg:    cfg,
		in:     make(chan *models.Event, queueSize),
		out:    out,
		log:    log.With(logging.Sink(sinkID)),
	}
}

// In returns the inbound event channel. Close it to request a drain flush.
func (b *Batcher) In() chan<- *models.Event { return b.in }

// Close stops intake. Run drains what is buffered and returns.
func (b *Batcher) Close() { close(b.in) }

// Run selects among "event arrived", "flush timer fired", and "intake
// closed" until drained. It closes the out channel on return so the
// exporter observes end of input.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.out)

	ticker := time.NewTicker(b.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-b.in:
			if !ok {
				b.flush(ctx, "drain")
				return
			}
			b.add(ev)
			if b.bytes >= b.cfg.MaxBytes || len(b.buf) >= b.cfg.MaxEvents {
				b.flush(ctx, "size")
			}

		case <-ticker.C:
			if len(b.buf) > 0 && time.Since(b.oldest) >= b.cfg.FlushInterval {
				b.flush(ctx, "age")
			}
		}
	}
}

func (b *Batcher) add(ev *models.Event) {
	if len(b.buf) == 0 {
		b.oldest = time.Now()
	}
	b.buf = append(b.buf, ev)
	b.bytes += eventSize(ev)
}

// flush hands the buffered events to the exporter as one batch. Ownership
// of the batch transfers on send; the batcher never touches it again.
func (b *Batcher) flush(ctx context.Context, trigger string) {
	if len(b.buf) == 0 {
		return
	}

	b.seq++
	batch := &models.Batch{
		ID:       uuid.New().String(),
		SinkID:   b.sinkID,
		Seq:      b.seq,
		Events:   b.buf,
		Bytes:    b.bytes,
		Deadline: time.Now().Add(b.cfg.FlushInterval),
		Created:  time.Now(),
	}
	b.buf = nil
	b.bytes = 0

	metrics.BatchesFlushed.WithLabelValues(b.sinkID, trigger).Inc()
	metrics.BatchSizeBytes.WithLabelValues(b.sinkID).Observe(float64(batch.Bytes))

	select {
	case b.out <- batch:
	case <-ctx.Done():
		// Shutdown while the exporter is wedged; the drain window has
		// closed and the batch is lost under the documented best-effort
		// guarantee.
		b.log.Warn("batch lost at shutdown",
			logging.BatchID(batch.ID),
			logging.Count(batch.Len()),
		)
	}
}

// tickInterval polls the age condition at a fraction of the flush interval
// so age flushes land close to their deadline.
func (b *Batcher) tickInterval() time.Duration {
	d := b.cfg.FlushInterval / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func eventSize(ev *models.Event) int {
	n := len(ev.Raw)
	for k, v := range ev.Labels {
		n += len(k) + len(v)
	}
	return n
}
