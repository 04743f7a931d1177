package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/export"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// httpExporter pushes span batches to the trace backend as JSON. The
// transport mode is explicit per endpoint, exactly as for event sinks, and
// a mode mismatch surfaces as a TransportFailure diagnostic.
type httpExporter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExporter builds the push exporter for the configured trace backend.
func NewHTTPExporter(cfg config.TracingConfig) (SpanExporter, error) {
	client, err := export.NewHTTPClient(cfg.TLS, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &httpExporter{endpoint: cfg.Endpoint, client: client}, nil
}

func (e *httpExporter) ExportSpans(ctx context.Context, batch *models.SpanBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal span batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build span request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return &export.ExportError{
			Kind:     export.ClassifyTransport(err),
			Endpoint: e.endpoint,
			BatchID:  batch.ID,
			Err:      err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("trace backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	kind := export.Transient
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = export.AuthFailure
	case resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("sent an HTTP request to an HTTPS server")):
		kind = export.TransportFailure
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = export.Rejected
	}
	return &export.ExportError{Kind: kind, Endpoint: e.endpoint, BatchID: batch.ID, Err: err}
}

func (e *httpExporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
