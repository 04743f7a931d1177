package export

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// postgresSink writes batches into an events table. The connection pool is
// created lazily and schema migrations run once on the first successful
// connect, so a database outage at startup stays a Transient export failure.
type postgresSink struct {
	dsn string
	log *logging.Logger

	mu       sync.Mutex
	pool     *pgxpool.Pool
	migrated bool
}

func newPostgresSink(cfg config.SinkConfig, log *logging.Logger) (*postgresSink, error) {
	return &postgresSink{dsn: cfg.DSN, log: log.With(logging.Sink(cfg.ID))}, nil
}

func (s *postgresSink) Endpoint() string { return s.dsn }

func (s *postgresSink) connect(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return s.pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if !s.migrated {
		if err := s.migrateSchema(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		s.migrated = true
	}

	s.pool = pool
	return pool, nil
}

func (s *postgresSink) migrateSchema() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	s.log.Info("events schema migration complete")
	return nil
}

func (s *postgresSink) Export(ctx context.Context, batch *models.Batch) error {
	pool, err := s.connect(ctx)
	if err != nil {
		return s.classify(err, batch.ID)
	}

	pgBatch := &pgx.Batch{}
	for _, ev := range batch.Events {
		labels, _ := json.Marshal(ev.Labels)
		fields, _ := json.Marshal(ev.Fields)
		pgBatch.Queue(
			`INSERT INTO events (id, source_id, ts, raw, labels, fields, batch_id, batch_seq)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.SourceID, ev.Timestamp, ev.Raw, labels, fields, batch.ID, batch.Seq,
		)
	}

	results := pool.SendBatch(ctx, pgBatch)
	defer results.Close()

	var (
		accepted int
		rejected []RejectedRecord
	)
	for i := range batch.Events {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && isDataError(pgErr) {
				rejected = append(rejected, RejectedRecord{Index: i, Reason: pgErr.Message})
				continue
			}
			// A broken connection mid-batch: everything unaccounted for
			// is retryable.
			return s.classify(err, batch.ID)
		}
		accepted++
	}

	if len(rejected) > 0 {
		return &ExportError{
			Kind:            Rejected,
			Endpoint:        s.dsn,
			BatchID:         batch.ID,
			Err:             fmt.Errorf("insert refused %d of %d records", len(rejected), batch.Len()),
			Accepted:        accepted,
			RejectedRecords: rejected,
		}
	}
	return nil
}

func (s *postgresSink) Probe(ctx context.Context) error {
	pool, err := s.connect(ctx)
	if err != nil {
		return s.classify(err, "")
	}
	if err := pool.Ping(ctx); err != nil {
		return s.classify(err, "")
	}
	return nil
}

func (s *postgresSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *postgresSink) classify(err error, batchID string) error {
	kind := Transient
	msg := err.Error()

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && isAuthError(pgErr):
		kind = AuthFailure
	case strings.Contains(msg, "SSL is not enabled on the server"),
		strings.Contains(msg, "server refused TLS connection"):
		kind = TransportFailure
	default:
		kind = ClassifyTransport(err)
	}
	return &ExportError{Kind: kind, Endpoint: s.dsn, BatchID: batchID, Err: err}
}

// isAuthError matches SQLSTATE class 28 (invalid authorization).
func isAuthError(pgErr *pgconn.PgError) bool {
	return strings.HasPrefix(pgErr.Code, "28")
}

// isDataError matches SQLSTATE classes 22 (data exception) and 23
// (integrity constraint violation): the record itself was refused.
func isDataError(pgErr *pgconn.PgError) bool {
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}
