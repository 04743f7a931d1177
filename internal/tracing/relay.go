package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/export"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// natsExporter publishes span batches to the relay subject instead of the
// trace backend. Core NATS publish is fire-and-forget: a relay crash between
// receiving a batch and forwarding it loses the batch. That at-most-once gap
// is a documented property of the relay topology, not an oversight.
type natsExporter struct {
	cfg  config.RelayConfig
	conn *nats.Conn
}

// NewNATSExporter connects to the relay broker and returns a span exporter
// that hands batches to the next hop.
func NewNATSExporter(cfg config.RelayConfig, log *logging.Logger) (SpanExporter, error) {
	conn, err := relayConnect(cfg, log)
	if err != nil {
		return nil, err
	}
	return &natsExporter{cfg: cfg, conn: conn}, nil
}

func (e *natsExporter) ExportSpans(ctx context.Context, batch *models.SpanBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal span batch: %w", err)
	}
	if err := e.conn.Publish(e.cfg.Subject, data); err != nil {
		return &export.ExportError{Kind: export.ClassifyTransport(err),
			Endpoint: e.cfg.NatsURL, BatchID: batch.ID, Err: err}
	}
	return e.conn.FlushWithContext(ctx)
}

func (e *natsExporter) Close() error {
	e.conn.Close()
	return nil
}

// Relay is an intermediate span hop: it consumes batches from the relay
// subject, feeds the spans into its own processor, and re-exports them
// toward the trace backend with an independent batching clock.
type Relay struct {
	cfg       config.RelayConfig
	processor *Processor
	conn      *nats.Conn
	sub       *nats.Subscription
	log       *logging.Logger
}

// NewRelay wires a relay hop in front of next, usually an HTTP exporter.
func NewRelay(cfg config.TracingConfig, next SpanExporter, log *logging.Logger) (*Relay, error) {
	conn, err := relayConnect(cfg.Relay, log)
	if err != nil {
		return nil, err
	}
	return &Relay{
		cfg:       cfg.Relay,
		processor: NewProcessor(cfg, next, log),
		conn:      conn,
		log:       log.With(logging.Service("span-relay")),
	}, nil
}

// Run subscribes and relays until ctx is cancelled. Queue-group subscription
// lets several relay instances share the subject.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.conn.QueueSubscribe(r.cfg.Subject, r.cfg.Queue, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.cfg.Subject, err)
	}
	r.sub = sub

	r.processor.Run(ctx)

	r.sub.Unsubscribe()
	r.conn.Close()
	return nil
}

func (r *Relay) handle(msg *nats.Msg) {
	var batch models.SpanBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		r.log.Warn("discarding undecodable span batch", logging.Error(err))
		return
	}
	for _, span := range batch.Spans {
		r.processor.Record(span)
	}
	metrics.SpansRelayed.Add(float64(len(batch.Spans)))
}

func relayConnect(cfg config.RelayConfig, log *logging.Logger) (*nats.Conn, error) {
	return nats.Connect(cfg.NatsURL,
		nats.Name("telhawk-forwarder-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("relay nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("relay nats reconnected")
		}),
	)
}
