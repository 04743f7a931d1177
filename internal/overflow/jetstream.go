package overflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// OverflowStream is the JetStream stream that captures spilled batches from
// all forwarder instances. Subject format: overflow.<sink>.
var OverflowStream = jetstream.StreamConfig{
	Name:      "FORWARDER_OVERFLOW",
	Subjects:  []string{"overflow.>"},
	MaxAge:    24 * time.Hour,
	MaxBytes:  1024 * 1024 * 1024,
	Retention: jetstream.WorkQueuePolicy,
	Storage:   jetstream.FileStorage,
}

// jetStreamBuffer spills batches to a central JetStream work queue shared by
// a forwarder fleet. Replay is deliberately external: a drain job consumes
// the work queue once the backend recovers, so ReplayNext reports
// ErrReplayUnsupported.
type jetStreamBuffer struct {
	sinkID string
	conn   *nats.Conn
	js     jetstream.JetStream
	log    *logging.Logger
}

func newJetStreamBuffer(sinkID string, cfg config.OverflowConfig, log *logging.Logger) (*jetStreamBuffer, error) {
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name("telhawk-forwarder-overflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect overflow nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, OverflowStream); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create overflow stream: %w", err)
	}

	return &jetStreamBuffer{
		sinkID: sinkID,
		conn:   conn,
		js:     js,
		log:    log.With(logging.Sink(sinkID)),
	}, nil
}

func (b *jetStreamBuffer) Spill(ctx context.Context, batch *models.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	subject := "overflow." + b.sinkID
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish spill: %w", err)
	}

	b.log.Info("batch spilled to jetstream",
		logging.BatchID(batch.ID),
		logging.Count(batch.Len()),
	)
	return nil
}

func (b *jetStreamBuffer) ReplayNext(context.Context) (*models.Batch, error) {
	return nil, ErrReplayUnsupported
}

func (b *jetStreamBuffer) Close() error {
	b.conn.Close()
	return nil
}
