package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// natsSink publishes batches to a NATS subject, the transport used between
// forwarders and relay hops. The connection is established lazily so a
// broker outage at startup degrades to Transient export failures instead of
// refusing to boot.
type natsSink struct {
	cfg config.SinkConfig
	log *logging.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

func newNatsSink(cfg config.SinkConfig, log *logging.Logger) (*natsSink, error) {
	return &natsSink{cfg: cfg, log: log.With(logging.Sink(cfg.ID))}, nil
}

func (s *natsSink) Endpoint() string { return s.cfg.URL }

func (s *natsSink) connect() (*nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.conn.IsConnected() {
		return s.conn, nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	opts := []nats.Option{
		nats.Name("telhawk-forwarder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			s.log.Info("nats reconnected")
		}),
	}

	// The transport mode is explicit; a secured sink never falls back to a
	// plaintext session.
	if s.cfg.TLS.Mode == "tls" {
		opts = append(opts, nats.Secure(&tls.Config{
			InsecureSkipVerify: s.cfg.TLS.SkipVerify,
		}))
	}
	if s.cfg.Auth.BearerToken != "" {
		opts = append(opts, nats.Token(s.cfg.Auth.BearerToken))
	} else if s.cfg.Auth.Username != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Auth.Username, s.cfg.Auth.Password))
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *natsSink) Export(ctx context.Context, batch *models.Batch) error {
	conn, err := s.connect()
	if err != nil {
		return s.classify(err, batch.ID)
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return &ExportError{Kind: Rejected, Endpoint: s.cfg.URL, BatchID: batch.ID,
			Err: fmt.Errorf("marshal batch: %w", err)}
	}

	if err := conn.Publish(s.cfg.Subject, data); err != nil {
		return s.classify(err, batch.ID)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return s.classify(err, batch.ID)
	}
	return nil
}

func (s *natsSink) Probe(_ context.Context) error {
	conn, err := s.connect()
	if err != nil {
		return s.classify(err, "")
	}
	if !conn.IsConnected() {
		return &ExportError{Kind: Transient, Endpoint: s.cfg.URL,
			Err: fmt.Errorf("nats connection not established")}
	}
	return nil
}

func (s *natsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *natsSink) classify(err error, batchID string) error {
	kind := Transient
	msg := err.Error()
	switch {
	case strings.Contains(msg, "authorization violation"),
		strings.Contains(msg, "Authorization Violation"):
		kind = AuthFailure
	default:
		kind = ClassifyTransport(err)
	}
	return &ExportError{Kind: kind, Endpoint: s.cfg.URL, BatchID: batchID, Err: err}
}
