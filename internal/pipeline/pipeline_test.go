package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
)

// countingBackend tallies log lines reaching a push endpoint.
type countingBackend struct {
	mu    sync.Mutex
	lines int
}

func (c *countingBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Streams []struct {
				Values [][2]string `json:"values"`
			} `json:"streams"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		for _, s := range req.Streams {
			c.lines += len(s.Values)
		}
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *countingBackend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

func fanoutSink(id, url string) config.SinkConfig {
	return config.SinkConfig{
		ID:   id,
		Kind: "lokipush",
		URL:  url,
		TLS:  config.TLSConfig{Mode: "plaintext"},
		Batch: config.BatchConfig{
			MaxEvents:     1,
			MaxBytes:      1 << 20,
			FlushInterval: 20 * time.Millisecond,
		},
		Retry: config.RetryConfig{
			BaseDelay: time.Millisecond,
			MaxDelay:  4 * time.Millisecond,
		},
		Health: config.HealthConfig{
			DegradedAfter: 1,
			DownAfter:     2,
			ProbeInterval: 5 * time.Millisecond,
		},
		Overflow:  config.OverflowConfig{Backend: "none"},
		QueueSize: 2,
	}
}

// An event routed to two sinks keeps flowing to the healthy one while the
// other rides out an outage: the down sink's exporter drains its own queue,
// so the shared workers never stall behind it.
func TestDownSinkDoesNotStallHealthySibling(t *testing.T) {
	good := &countingBackend{}
	goodSrv := httptest.NewServer(good.handler())
	defer goodSrv.Close()

	// A dead endpoint: the listener is gone, every dial is refused.
	badSrv := httptest.NewServer(http.NotFoundHandler())
	badURL := badSrv.URL
	badSrv.Close()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Sources: []config.SourceConfig{{
			ID:           "app",
			Kind:         "file",
			Path:         logPath,
			Format:       "text",
			Labels:       map[string]string{"service": "app"},
			PollInterval: 5 * time.Millisecond,
		}},
		Routes: []config.RouteConfig{
			{Sink: "good", Match: map[string]string{"service": "app"}},
			{Sink: "bad", Match: map[string]string{"service": "app"}},
		},
		Sinks: []config.SinkConfig{
			fanoutSink("good", goodSrv.URL),
			fanoutSink("bad", badURL),
		},
		Router: config.RouterConfig{MaxLabelCardinality: 100},
		Cursor: config.CursorConfig{
			Backend:       "file",
			Dir:           filepath.Join(dir, "cursors"),
			FlushInterval: 10 * time.Millisecond,
		},
		Pipeline: config.PipelineConfig{
			Workers:      1,
			QueueSize:    4,
			DrainTimeout: 100 * time.Millisecond,
		},
	}

	p, err := New(cfg, logging.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	const total = 20
	for i := 0; i < total; i++ {
		fmt.Fprintf(f, "line %d\n", i)
	}
	f.Close()

	deadline := time.Now().Add(10 * time.Second)
	for good.count() < total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := good.count(); got != total {
		t.Fatalf("healthy sink received %d lines, want %d", got, total)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}
