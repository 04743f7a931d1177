package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// openSearchSink bulk-indexes batches into an OpenSearch index. Per-item
// refusals from the bulk API form the Rejected subset; items the backend
// indexed count as delivered.
type openSearchSink struct {
	client *opensearch.Client
	url    string
	index  string
}

func newOpenSearchSink(cfg config.SinkConfig) (*openSearchSink, error) {
	httpClient, err := NewHTTPClient(cfg.TLS, 30*time.Second)
	if err != nil {
		return nil, err
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	return &openSearchSink{
		client: client,
		url:    cfg.URL,
		index:  cfg.Index,
	}, nil
}

func (s *openSearchSink) Endpoint() string { return s.url }

func (s *openSearchSink) Export(ctx context.Context, batch *models.Batch) error {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: s.client,
		Index:  s.index,
	})
	if err != nil {
		return &ExportError{Kind: Transient, Endpoint: s.url, BatchID: batch.ID,
			Err: fmt.Errorf("create bulk indexer: %w", err)}
	}

	var (
		mu       sync.Mutex
		accepted int
		rejected []RejectedRecord
	)

	for i, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			rejected = append(rejected, RejectedRecord{Index: i, Reason: "marshal: " + err.Error()})
			continue
		}

		idx := i
		addErr := bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ev.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(_ context.Context, _ opensearchutil.BulkIndexerItem, _ opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				accepted++
				mu.Unlock()
			},
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				reason := res.Error.Type + ": " + res.Error.Reason
				if err != nil {
					reason = err.Error()
				}
				mu.Lock()
				rejected = append(rejected, RejectedRecord{Index: idx, Reason: reason})
				mu.Unlock()
			},
		})
		if addErr != nil {
			rejected = append(rejected, RejectedRecord{Index: i, Reason: addErr.Error()})
		}
	}

	if err := bi.Close(ctx); err != nil {
		return &ExportError{
			Kind:     ClassifyTransport(err),
			Endpoint: s.url,
			BatchID:  batch.ID,
			Err:      err,
		}
	}

	if len(rejected) > 0 {
		return &ExportError{
			Kind:            Rejected,
			Endpoint:        s.url,
			BatchID:         batch.ID,
			Err:             fmt.Errorf("bulk indexing refused %d of %d records", len(rejected), batch.Len()),
			Accepted:        accepted,
			RejectedRecords: rejected,
		}
	}
	return nil
}

func (s *openSearchSink) Probe(ctx context.Context) error {
	info, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return &ExportError{Kind: ClassifyTransport(err), Endpoint: s.url, Err: err}
	}
	defer info.Body.Close()
	if info.StatusCode == 401 || info.StatusCode == 403 {
		return &ExportError{Kind: AuthFailure, Endpoint: s.url,
			Err: fmt.Errorf("probe status %s", info.Status())}
	}
	if info.IsError() {
		return &ExportError{Kind: Transient, Endpoint: s.url,
			Err: fmt.Errorf("probe status %s", info.Status())}
	}
	return nil
}

func (s *openSearchSink) Close() error { return nil }
