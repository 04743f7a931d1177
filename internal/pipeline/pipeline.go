// Package pipeline assembles and runs the forwarder: source adapters feeding
// a bounded queue, a worker pool for extraction and routing, per-sink
// batchers, and per-sink exporter tasks. Backpressure is channel-based all
// the way from a slow sink back to its adapters.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/telhawk-forwarder/internal/batcher"
	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/cursor"
	"github.com/telhawk-systems/telhawk-forwarder/internal/export"
	"github.com/telhawk-systems/telhawk-forwarder/internal/extract"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
	"github.com/telhawk-systems/telhawk-forwarder/internal/overflow"
	"github.com/telhawk-systems/telhawk-forwarder/internal/router"
	"github.com/telhawk-systems/telhawk-forwarder/internal/source"
	"github.com/telhawk-systems/telhawk-forwarder/internal/tracing"
)

// Pipeline owns every pipeline task and the channels between them.
type Pipeline struct {
	cfg *config.Config
	log *logging.Logger

	cursors   cursor.Store
	adapters  []source.Adapter
	engine    *extract.Engine
	router    *router.Router
	batchers  map[string]*batcher.Batcher
	exporters []*export.Exporter
	processor *tracing.Processor
	relay     *tracing.Relay

	// events is the adapter → worker hand-off queue.
	events chan *models.Event
}

// New builds the full pipeline from validated configuration. Construction
// touches no network except the relay broker; sinks connect lazily on first
// export.
func New(cfg *config.Config, log *logging.Logger) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		log:      log,
		batchers: make(map[string]*batcher.Batcher),
		events:   make(chan *models.Event, cfg.Pipeline.QueueSize),
	}

	store, err := newCursorStore(cfg.Cursor)
	if err != nil {
		return nil, fmt.Errorf("cursor store: %w", err)
	}
	p.cursors = store

	for _, src := range cfg.Sources {
		p.adapters = append(p.adapters, source.NewTailer(src, store, cfg.Cursor.FlushInterval, log))
	}

	p.engine, err = extract.NewEngine(cfg.Stages, log)
	if err != nil {
		return nil, fmt.Errorf("extraction engine: %w", err)
	}

	p.router = router.New(cfg.Routes, cfg.Router.MaxLabelCardinality)

	for _, sc := range cfg.Sinks {
		sink, err := export.NewSink(sc, log)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.ID, err)
		}
		buf, err := overflow.New(sc.ID, sc.Overflow, log)
		if err != nil {
			return nil, fmt.Errorf("sink %s overflow: %w", sc.ID, err)
		}

		batches := make(chan *models.Batch, 1)
		p.batchers[sc.ID] = batcher.New(sc.ID, sc.Batch, sc.QueueSize, batches, log)
		p.exporters = append(p.exporters,
			export.NewExporter(sc, sink, buf, batches, cfg.Pipeline.DrainTimeout, log))
	}

	if cfg.Tracing.Enabled {
		if err := p.buildTracing(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// buildTracing wires the span pipeline. With the relay enabled this instance
// both publishes its own spans to the relay subject and runs a relay
// consumer in front of the trace backend.
func (p *Pipeline) buildTracing() error {
	backend, err := tracing.NewHTTPExporter(p.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("span exporter: %w", err)
	}

	if !p.cfg.Tracing.Relay.Enabled {
		p.processor = tracing.NewProcessor(p.cfg.Tracing, backend, p.log)
		return nil
	}

	hop, err := tracing.NewNATSExporter(p.cfg.Tracing.Relay, p.log)
	if err != nil {
		return fmt.Errorf("span relay exporter: %w", err)
	}
	p.processor = tracing.NewProcessor(p.cfg.Tracing, hop, p.log)

	p.relay, err = tracing.NewRelay(p.cfg.Tracing, backend, p.log)
	if err != nil {
		return fmt.Errorf("span relay: %w", err)
	}
	return nil
}

// Spans returns the span intake, nil when tracing is disabled.
func (p *Pipeline) Spans() *tracing.Processor { return p.processor }

// HealthSnapshots returns a point-in-time health view of every sink.
func (p *Pipeline) HealthSnapshots() []export.HealthSnapshot {
	out := make([]export.HealthSnapshot, 0, len(p.exporters))
	for _, e := range p.exporters {
		out = append(out, e.Health().Snapshot())
	}
	return out
}

// Run starts every task and blocks until ctx is cancelled and the pipeline
// has drained. Shutdown order: adapters stop first, the worker pool finishes
// in-flight events, batchers drain-flush, and exporters make one bounded
// final attempt per remaining batch.
func (p *Pipeline) Run(ctx context.Context) error {
	// Exporters and batchers run on the background context: they must keep
	// consuming during drain so the upstream stages can finish. ctx reaches
	// them only to switch exporters into final-attempt mode.
	var downstream sync.WaitGroup
	for _, e := range p.exporters {
		downstream.Add(1)
		go func(e *export.Exporter) {
			defer downstream.Done()
			e.Run(ctx)
		}(e)
	}
	for _, b := range p.batchers {
		downstream.Add(1)
		go func(b *batcher.Batcher) {
			defer downstream.Done()
			b.Run(context.Background())
		}(b)
	}

	if p.processor != nil {
		downstream.Add(1)
		go func() {
			defer downstream.Done()
			p.processor.Run(ctx)
		}()
	}
	if p.relay != nil {
		downstream.Add(1)
		go func() {
			defer downstream.Done()
			if err := p.relay.Run(ctx); err != nil {
				p.log.Error("span relay failed", logging.Error(err))
			}
		}()
	}

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Pipeline.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.work()
		}()
	}

	var adapters sync.WaitGroup
	for _, a := range p.adapters {
		adapters.Add(1)
		go func(a source.Adapter) {
			defer adapters.Done()
			if err := a.Run(ctx, p.events); err != nil {
				p.log.Error("source adapter failed",
					logging.Source(a.ID()),
					logging.Error(err),
				)
			}
		}(a)
	}

	p.log.Info("pipeline running",
		"sources", len(p.adapters),
		"sinks", len(p.batchers),
		"workers", p.cfg.Pipeline.Workers,
	)

	<-ctx.Done()
	p.log.Info("shutting down, draining pipeline")

	adapters.Wait()
	close(p.events)
	workers.Wait()

	for _, b := range p.batchers {
		b.Close()
	}
	downstream.Wait()

	if err := p.cursors.Close(); err != nil {
		p.log.Warn("cursor store close failed", logging.Error(err))
	}

	p.log.Info("pipeline stopped")
	return nil
}

// work is one extraction+routing worker. It runs until the event queue is
// closed and drained; batcher sends block when a sink is behind, which is
// the backpressure path.
func (p *Pipeline) work() {
	for ev := range p.events {
		ev, _ = p.engine.Enrich(ev)
		if ev.Dropped {
			continue
		}
		for _, se := range p.router.Route(ev) {
			b, ok := p.batchers[se.SinkID]
			if !ok {
				continue
			}
			b.In() <- se.Event
		}
	}
}

func newCursorStore(cfg config.CursorConfig) (cursor.Store, error) {
	switch cfg.Backend {
	case "redis":
		return cursor.NewRedisStore(cfg.RedisURL)
	default:
		return cursor.NewFileStore(cfg.Dir)
	}
}
