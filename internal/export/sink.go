package export

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Sink pushes one batch to a backend. Implementations return nil on full
// acceptance or an *ExportError describing the failure; they never retry
// internally; retry policy belongs to the Exporter.
type Sink interface {
	// Export pushes the batch. Partial acceptance is reported as a
	// Rejected error carrying the accepted count and refused subset.
	Export(ctx context.Context, batch *models.Batch) error

	// Probe performs a cheap health check against the endpoint.
	Probe(ctx context.Context) error

	// Endpoint returns the address used in diagnostics.
	Endpoint() string

	Close() error
}

// NewSink builds the sink implementation for a validated configuration.
func NewSink(cfg config.SinkConfig, log *logging.Logger) (Sink, error) {
	switch cfg.Kind {
	case "lokipush":
		return newLokiPushSink(cfg)
	case "opensearch":
		return newOpenSearchSink(cfg)
	case "nats":
		return newNatsSink(cfg, log)
	case "postgres":
		return newPostgresSink(cfg, log)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// NewHTTPClient builds an HTTP client honoring the endpoint's explicit
// transport mode. A secured endpoint never falls back to plaintext: the TLS
// config is only installed for mode "tls", and a mode/scheme mismatch
// surfaces later as a TransportFailure rather than a downgrade.
func NewHTTPClient(cfg config.TLSConfig, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}

	if cfg.Mode == "tls" {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		}
		if cfg.CACertificate != "" {
			pem, err := os.ReadFile(cfg.CACertificate)
			if err != nil {
				return nil, fmt.Errorf("read ca certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertificate)
			}
			tlsCfg.RootCAs = pool
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
