// Package tracing implements the span pipeline: an in-process batch
// processor fed by instrumented request-handling code, an HTTP push exporter
// with the same retry semantics as event sinks, and an optional relay hop
// over NATS. Delivery across relay hops is best-effort, at-most-once.
package tracing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// SpanExporter pushes one span batch toward the trace backend. Retry policy
// lives in the Processor; implementations make one attempt per call.
type SpanExporter interface {
	ExportSpans(ctx context.Context, batch *models.SpanBatch) error
	Close() error
}

// Processor accumulates spans and flushes them by the same size/time policy
// the event batcher uses. Record never blocks request-handling code: when
// the intake queue is full the span is dropped.
type Processor struct {
	cfg      config.TracingConfig
	exporter SpanExporter
	in       chan *models.Span
	seq      uint64
	dropped  atomic.Uint64
	log      *logging.Logger

	pending []*models.Span
	bytes   int
}

// NewProcessor creates a span batch processor in front of exporter.
func NewProcessor(cfg config.TracingConfig, exporter SpanExporter, log *logging.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		exporter: exporter,
		in:       make(chan *models.Span, 4*cfg.Batch.MaxEvents),
		log:      log.With(logging.Service("tracing")),
	}
}

// Record enqueues a finished span. Safe for concurrent use; drops when the
// intake queue is full so instrumentation never stalls the caller.
func (p *Processor) Record(span *models.Span) {
	if len(span.Resource) == 0 && len(p.cfg.Resource) > 0 {
		span.Resource = p.cfg.Resource
	}
	select {
	case p.in <- span:
	default:
		p.dropped.Add(1)
	}
}

// Run accumulates and flushes until ctx is cancelled, then drain-flushes
// whatever is pending.
func (p *Processor) Run(ctx context.Context) {
	interval := p.cfg.Batch.FlushInterval
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var oldest time.Time

	for {
		select {
		case span := <-p.in:
			if len(p.pending) == 0 {
				oldest = time.Now()
			}
			p.pending = append(p.pending, span)
			p.bytes += spanSize(span)
			if len(p.pending) >= p.cfg.Batch.MaxEvents || p.bytes >= p.cfg.Batch.MaxBytes {
				p.flush(ctx)
			}

		case <-ticker.C:
			if len(p.pending) > 0 && time.Since(oldest) >= interval {
				p.flush(ctx)
			}
			if n := p.dropped.Swap(0); n > 0 {
				p.log.Warn("spans dropped at intake, queue full", logging.Count(int(n)))
			}

		case <-ctx.Done():
			p.drain()
			p.exporter.Close()
			return
		}
	}
}

// flush exports the pending spans with bounded exponential backoff. A batch
// that exhausts its budget is dropped with a metric, never buffered: span
// delivery is explicitly best-effort.
func (p *Processor) flush(ctx context.Context) {
	batch := &models.SpanBatch{
		ID:      uuid.New().String(),
		Seq:     atomic.AddUint64(&p.seq, 1),
		Spans:   p.pending,
		Created: time.Now(),
	}
	p.pending = nil
	p.bytes = 0

	delay := p.cfg.Retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := p.exporter.ExportSpans(ctx, batch)
		if err == nil {
			metrics.SpansExported.Add(float64(len(batch.Spans)))
			return
		}

		p.log.Warn("span batch export failed",
			logging.BatchID(batch.ID),
			logging.Attempt(attempt),
			logging.Error(err),
		)

		if attempt >= p.cfg.Retry.MaxAttempts || ctx.Err() != nil {
			metrics.SpanBatchesDropped.Inc()
			p.log.Error("span batch dropped",
				logging.BatchID(batch.ID),
				logging.Count(len(batch.Spans)),
			)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		delay *= 2
		if delay > p.cfg.Retry.MaxDelay {
			delay = p.cfg.Retry.MaxDelay
		}
	}
}

// drain gives pending spans one bounded final attempt at shutdown.
func (p *Processor) drain() {
	for {
		select {
		case span := <-p.in:
			p.pending = append(p.pending, span)
		default:
			if len(p.pending) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.flush(ctx)
			cancel()
			return
		}
	}
}

func spanSize(s *models.Span) int {
	n := len(s.TraceID) + len(s.SpanID) + len(s.ParentSpanID) + len(s.Name) + 48
	for k, v := range s.Attributes {
		n += len(k) + len(v)
	}
	return n
}
