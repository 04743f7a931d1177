// Package extract implements the enrichment pipeline: an immutable ordered
// list of stages applied to every event. Enrichment is deterministic for a
// given event and stage configuration; stage failures degrade to per-event
// warnings, never errors.
package extract

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Warning is a non-fatal per-event diagnostic. The event keeps flowing.
type Warning struct {
	Stage   string
	Message string
}

// Stage transforms one event in place. It may add or overwrite a field, add
// a label (never overwriting a static label), or mark the event dropped.
type Stage interface {
	Name() string
	Apply(ev *models.Event) *Warning
}

// Engine runs the ordered stage list. The list is built once at startup and
// never mutated; reconfiguration means building a new Engine.
type Engine struct {
	stages []Stage
	log    *logging.Logger
}

// NewEngine compiles the configured stages. Configuration errors here are
// fatal; Validate has already vetted the raw config, so failures indicate a
// bug rather than bad input.
func NewEngine(cfgs []config.StageConfig, log *logging.Logger) (*Engine, error) {
	stages := make([]Stage, 0, len(cfgs))
	for i, cfg := range cfgs {
		st, err := buildStage(cfg)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, cfg.Kind, err)
		}
		stages = append(stages, st)
	}
	return &Engine{stages: stages, log: log}, nil
}

// Enrich applies every stage in order. A stage marking the event dropped
// terminates the pipeline; the event is counted and must not be forwarded.
// Warnings are aggregated and logged at debug level.
func (e *Engine) Enrich(ev *models.Event) (*models.Event, []Warning) {
	var warnings []Warning

	for _, st := range e.stages {
		if w := st.Apply(ev); w != nil {
			warnings = append(warnings, *w)
			metrics.ExtractionWarnings.WithLabelValues(st.Name()).Inc()
			e.log.Debug("extraction warning",
				logging.Stage(w.Stage),
				"message", w.Message,
				logging.Source(ev.SourceID),
			)
		}
		if ev.Dropped {
			metrics.EventsDropped.WithLabelValues(st.Name()).Inc()
			break
		}
	}
	return ev, warnings
}

// setDerivedLabel sets a label unless it would overwrite a static label, in
// which case the derived value is dropped and a warning is returned.
func setDerivedLabel(ev *models.Event, stage, key, value string) *Warning {
	if ev.IsStaticLabel(key) {
		return &Warning{
			Stage:   stage,
			Message: fmt.Sprintf("derived label %q conflicts with static label, dropped", key),
		}
	}
	if ev.Labels == nil {
		ev.Labels = make(map[string]string)
	}
	ev.Labels[key] = value
	return nil
}
