package export

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
	"github.com/telhawk-systems/telhawk-forwarder/internal/overflow"
)

const maxLoggedRejections = 10

// Exporter drives all delivery to one sink: it serializes the sink's
// network I/O, applies the retry/backoff policy, and is the single writer
// of the sink's health state.
type Exporter struct {
	cfg    config.SinkConfig
	sink   Sink
	health *Health
	buf    overflow.Buffer
	in     <-chan *models.Batch
	log    *logging.Logger

	drainTimeout time.Duration

	// authFailed latches after an AuthFailure: the sink stays Down with no
	// further network attempts until configuration reload, so bad
	// credentials are never hammered into a lockout.
	authFailed bool
}

// NewExporter wires an exporter for one sink.
func NewExporter(cfg config.SinkConfig, sink Sink, buf overflow.Buffer, in <-chan *models.Batch, drainTimeout time.Duration, log *logging.Logger) *Exporter {
	return &Exporter{
		cfg:          cfg,
		sink:         sink,
		health:       NewHealth(cfg.ID, cfg.Health.DegradedAfter, cfg.Health.DownAfter),
		buf:          buf,
		in:           in,
		log:          log.With(logging.Sink(cfg.ID), logging.Endpoint(sink.Endpoint())),
		drainTimeout: drainTimeout,
	}
}

// Health returns the sink's health record for read-only snapshots.
func (e *Exporter) Health() *Health { return e.health }

// Run consumes batches until the inbound channel closes. After ctx is
// cancelled, each remaining batch gets one bounded final attempt, which
// is the shutdown window of the documented best-effort guarantee.
func (e *Exporter) Run(ctx context.Context) {
	for batch := range e.in {
		e.deliver(ctx, batch)
	}
	e.sink.Close()
	e.buf.Close()
}

func (e *Exporter) deliver(ctx context.Context, batch *models.Batch) {
	if e.authFailed {
		e.spillOrDrop(batch)
		return
	}

	delay := e.cfg.Retry.BaseDelay
	attempt := 0

	for {
		if ctx.Err() != nil {
			e.finalAttempt(batch)
			return
		}

		attempt++
		err := e.sink.Export(ctx, batch)
		if err == nil {
			e.onSuccess(batch)
			e.replay(ctx)
			return
		}

		ee := AsExportError(err, e.sink.Endpoint(), batch.ID)
		metrics.ExportAttempts.WithLabelValues(e.cfg.ID, "failure").Inc()
		metrics.ExportFailures.WithLabelValues(e.cfg.ID, ee.Kind.String()).Inc()

		switch ee.Kind {
		case Rejected:
			e.onRejected(batch, ee)
			return

		case AuthFailure:
			// Straight to Down, no backoff loop: retrying bad
			// credentials amplifies lockouts.
			e.health.ForceDown(ee)
			e.authFailed = true
			e.log.Error("sink authentication failed; sink down until configuration reload",
				logging.BatchID(batch.ID),
				logging.Kind(ee.Kind.String()),
				logging.Error(ee.Err),
			)
			e.spillOrDrop(batch)
			return

		case TransportFailure:
			// A negotiation mismatch is a configuration problem:
			// retrying cannot fix it and downgrading is forbidden, so
			// the batch is preserved and the operator told exactly
			// which endpoint disagrees about the channel.
			e.health.Failure(ee)
			e.log.Error("secure-channel negotiation mismatch; check transport mode for this endpoint",
				logging.BatchID(batch.ID),
				logging.Kind(ee.Kind.String()),
				logging.Error(ee.Err),
			)
			e.spillOrDrop(batch)
			return

		default: // Transient
			state := e.health.Failure(ee)
			e.log.Warn("export failed, will retry",
				logging.BatchID(batch.ID),
				logging.BatchSeq(batch.Seq),
				logging.Attempt(attempt),
				logging.Error(ee.Err),
			)

			if e.cfg.Retry.MaxAttempts > 0 && attempt >= e.cfg.Retry.MaxAttempts {
				e.log.Error("retry budget exhausted",
					logging.BatchID(batch.ID),
					logging.Attempt(attempt),
				)
				e.spillOrDrop(batch)
				return
			}

			if state == models.HealthDown {
				if !e.probeUntilUp(ctx) {
					if e.authFailed {
						// The latch holds: no further network attempts
						// with these credentials, not even for the batch
						// already in flight.
						e.spillOrDrop(batch)
						return
					}
					continue // shutdown; loop re-checks ctx
				}
				delay = e.cfg.Retry.BaseDelay
				continue
			}

			metrics.RetryDelaySeconds.WithLabelValues(e.cfg.ID).Observe(delay.Seconds())
			if !sleepCtx(ctx, delay) {
				continue
			}
			delay *= 2
			if delay > e.cfg.Retry.MaxDelay {
				delay = e.cfg.Retry.MaxDelay
			}
		}
	}
}

// onRejected handles a batch the backend parsed but refused. The refused
// subset is never retried verbatim; it is logged with enough context for
// diagnosis, and the accepted remainder counts as delivered. The backend
// answered, so the failure streak resets.
func (e *Exporter) onRejected(batch *models.Batch, ee *ExportError) {
	e.health.Success()

	metrics.EventsDelivered.WithLabelValues(e.cfg.ID).Add(float64(ee.Accepted))
	metrics.EventsRejected.WithLabelValues(e.cfg.ID).Add(float64(len(ee.RejectedRecords)))

	e.log.Error("backend rejected records",
		logging.BatchID(batch.ID),
		logging.BatchSeq(batch.Seq),
		"accepted", ee.Accepted,
		"rejected", len(ee.RejectedRecords),
		logging.Error(ee.Err),
	)
	for i, rec := range ee.RejectedRecords {
		if i >= maxLoggedRejections {
			e.log.Error("further rejections suppressed",
				logging.BatchID(batch.ID),
				logging.Count(len(ee.RejectedRecords)-maxLoggedRejections),
			)
			break
		}
		e.log.Error("rejected record",
			logging.BatchID(batch.ID),
			"index", rec.Index,
			"reason", rec.Reason,
		)
	}
}

func (e *Exporter) onSuccess(batch *models.Batch) {
	e.health.Success()
	metrics.ExportAttempts.WithLabelValues(e.cfg.ID, "success").Inc()
	metrics.EventsDelivered.WithLabelValues(e.cfg.ID).Add(float64(batch.Len()))
}

// probeUntilUp periodically probes a Down sink until it answers or shutdown
// begins. A successful probe restores Up per the health state machine.
// While down the exporter keeps draining its inbound queue into the overflow
// buffer: one dead sink must never back up the shared worker pool and stall
// delivery to healthy sinks.
func (e *Exporter) probeUntilUp(ctx context.Context) bool {
	ticker := time.NewTicker(e.cfg.Health.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case batch, ok := <-e.in:
			if !ok {
				// Intake closed during the outage; Run's range loop
				// observes the close once deliver returns.
				e.in = nil
				continue
			}
			e.spillOrDrop(batch)

		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Health.ProbeInterval)
			err := e.sink.Probe(probeCtx)
			cancel()

			if err == nil {
				e.log.Info("health probe succeeded, sink up")
				e.health.Success()
				return true
			}
			if KindOf(err) == AuthFailure {
				e.health.ForceDown(err)
				e.authFailed = true
				return false
			}
			e.log.Debug("health probe failed", logging.Error(err))
		}
	}
}

// replay drains spilled batches after a successful export, one at a time.
// A replay failure re-spills the batch and stops; the next success tries
// again.
func (e *Exporter) replay(ctx context.Context) {
	for {
		batch, err := e.buf.ReplayNext(ctx)
		if err != nil {
			return
		}

		if expErr := e.sink.Export(ctx, batch); expErr != nil {
			if spillErr := e.buf.Spill(ctx, batch); spillErr != nil {
				metrics.BatchesLost.WithLabelValues(e.cfg.ID).Inc()
				e.log.Error("replayed batch lost",
					logging.BatchID(batch.ID),
					logging.Error(spillErr),
				)
			}
			return
		}
		metrics.BatchesReplayed.WithLabelValues(e.cfg.ID).Inc()
		metrics.EventsDelivered.WithLabelValues(e.cfg.ID).Add(float64(batch.Len()))
		e.log.Info("spilled batch replayed", logging.BatchID(batch.ID))
	}
}

// finalAttempt gives one bounded-timeout export during shutdown drain.
func (e *Exporter) finalAttempt(batch *models.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout)
	defer cancel()

	if err := e.sink.Export(ctx, batch); err != nil {
		e.log.Warn("final export attempt failed",
			logging.BatchID(batch.ID),
			logging.Error(err),
		)
		e.spillOrDrop(batch)
		return
	}
	e.onSuccess(batch)
}

// spillOrDrop preserves the batch in the overflow buffer, or drops it with
// a loud metric when no buffer is configured or it is full.
func (e *Exporter) spillOrDrop(batch *models.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.buf.Spill(ctx, batch)
	if err == nil {
		metrics.BatchesSpilled.WithLabelValues(e.cfg.ID).Inc()
		e.log.Warn("batch spilled to overflow buffer",
			logging.BatchID(batch.ID),
			logging.Count(batch.Len()),
		)
		return
	}

	metrics.BatchesLost.WithLabelValues(e.cfg.ID).Inc()
	e.log.Error("batch dropped",
		logging.BatchID(batch.ID),
		logging.BatchSeq(batch.Seq),
		logging.Count(batch.Len()),
		logging.Error(err),
	)
}

// sleepCtx sleeps for d or until ctx is done; reports whether the sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
