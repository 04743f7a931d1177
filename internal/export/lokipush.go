package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// lokiPushSink implements the log-like bulk-push protocol: the batch is
// grouped into (labels, entries[]) streams and POSTed as one request. The
// response is a per-batch status; partial refusals arrive as 400/422 with a
// diagnostic body.
type lokiPushSink struct {
	url        string
	auth       config.AuthConfig
	httpClient *http.Client
}

func newLokiPushSink(cfg config.SinkConfig) (*lokiPushSink, error) {
	client, err := NewHTTPClient(cfg.TLS, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &lokiPushSink{
		url:        cfg.URL,
		auth:       cfg.Auth,
		httpClient: client,
	}, nil
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

func (s *lokiPushSink) Endpoint() string { return s.url }

// Export groups the batch by label set, preserving intra-stream order, and
// pushes it in one request.
func (s *lokiPushSink) Export(ctx context.Context, batch *models.Batch) error {
	body, err := json.Marshal(buildPushRequest(batch))
	if err != nil {
		return &ExportError{Kind: Rejected, Endpoint: s.url, BatchID: batch.ID,
			Err: fmt.Errorf("marshal push request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &ExportError{Kind: Rejected, Endpoint: s.url, BatchID: batch.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	s.setAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ExportError{
			Kind:     ClassifyTransport(err),
			Endpoint: s.url,
			BatchID:  batch.ID,
			Err:      err,
		}
	}
	defer resp.Body.Close()

	return s.classifyResponse(resp, batch)
}

// Probe issues a GET against the push URL. Any response proves the endpoint
// negotiates the configured transport; only network-level errors fail.
func (s *lokiPushSink) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	s.setAuth(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ExportError{Kind: ClassifyTransport(err), Endpoint: s.url, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ExportError{Kind: AuthFailure, Endpoint: s.url,
			Err: fmt.Errorf("probe status %d", resp.StatusCode)}
	}
	return nil
}

func (s *lokiPushSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *lokiPushSink) setAuth(req *http.Request) {
	if s.auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.auth.BearerToken)
	} else if s.auth.Username != "" {
		req.SetBasicAuth(s.auth.Username, s.auth.Password)
	}
}

func (s *lokiPushSink) classifyResponse(resp *http.Response, batch *models.Batch) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("push status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ExportError{Kind: AuthFailure, Endpoint: s.url, BatchID: batch.ID, Err: base}

	case http.StatusBadRequest:
		// A TLS listener answering a plaintext client rejects the
		// handshake bytes with this wording; that is a transport
		// mismatch, not a refused batch.
		if bytes.Contains(detail, []byte("sent an HTTP request to an HTTPS server")) {
			return &ExportError{Kind: TransportFailure, Endpoint: s.url, BatchID: batch.ID, Err: base}
		}
		return s.rejectedAll(batch, base)

	case http.StatusUnprocessableEntity:
		return s.rejectedAll(batch, base)

	default:
		// 429 and 5xx are backend pressure, worth retrying.
		return &ExportError{Kind: Transient, Endpoint: s.url, BatchID: batch.ID, Err: base}
	}
}

// rejectedAll reports the whole batch as the refused subset. The protocol
// gives no per-record acknowledgment, so nothing counts as delivered.
func (s *lokiPushSink) rejectedAll(batch *models.Batch, cause error) error {
	rejected := make([]RejectedRecord, len(batch.Events))
	for i, ev := range batch.Events {
		rejected[i] = RejectedRecord{Index: i, Reason: ev.SourceID + ": " + truncate(ev.Raw, 200)}
	}
	return &ExportError{
		Kind:            Rejected,
		Endpoint:        s.url,
		BatchID:         batch.ID,
		Err:             cause,
		RejectedRecords: rejected,
	}
}

// buildPushRequest groups events into streams keyed by their label set.
// Stream order is made deterministic for testability.
func buildPushRequest(batch *models.Batch) pushRequest {
	byKey := make(map[string]*pushStream)
	var keys []string

	for _, ev := range batch.Events {
		key := labelKey(ev.Labels)
		stream, ok := byKey[key]
		if !ok {
			stream = &pushStream{Stream: ev.Labels}
			byKey[key] = stream
			keys = append(keys, key)
		}
		stream.Values = append(stream.Values, [2]string{
			strconv.FormatInt(ev.Timestamp.UnixNano(), 10),
			ev.Raw,
		})
	}

	sort.Strings(keys)
	req := pushRequest{Streams: make([]pushStream, 0, len(keys))}
	for _, key := range keys {
		req.Streams = append(req.Streams, *byKey[key])
	}
	return req
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(';')
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
