// Package router maps enriched events onto sinks via label predicates.
// Zero matches is an intentional drop, not an error; multiple matches fan
// out independent copies so no sink's mutation is visible to another.
package router

import (
	"sync"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Route is one compiled predicate → sink mapping.
type Route struct {
	SinkID  string
	match   map[string]string
	matchIn map[string]map[string]struct{}
}

// Matches reports whether every predicate holds for the event's labels.
func (r *Route) Matches(ev *models.Event) bool {
	for key, want := range r.match {
		if ev.Label(key) != want {
			return false
		}
	}
	for key, set := range r.matchIn {
		if _, ok := set[ev.Label(key)]; !ok {
			return false
		}
	}
	return true
}

// Router evaluates the immutable route list and enforces the per-key label
// cardinality bound. It is safe for concurrent use by the worker pool.
type Router struct {
	routes []Route

	maxCardinality int
	mu             sync.Mutex
	seen           map[string]map[string]struct{}
}

// New compiles routes from configuration.
func New(cfgs []config.RouteConfig, maxCardinality int) *Router {
	routes := make([]Route, 0, len(cfgs))
	for _, cfg := range cfgs {
		r := Route{
			SinkID: cfg.Sink,
			match:  cfg.Match,
		}
		if len(cfg.MatchIn) > 0 {
			r.matchIn = make(map[string]map[string]struct{}, len(cfg.MatchIn))
			for key, values := range cfg.MatchIn {
				set := make(map[string]struct{}, len(values))
				for _, v := range values {
					set[v] = struct{}{}
				}
				r.matchIn[key] = set
			}
		}
		routes = append(routes, r)
	}
	return &Router{
		routes:         routes,
		maxCardinality: maxCardinality,
		seen:           make(map[string]map[string]struct{}),
	}
}

// Route returns one independent event copy per matched sink. The input event
// is not retained; callers must not reuse it after the call.
func (r *Router) Route(ev *models.Event) []SinkEvent {
	r.boundCardinality(ev)

	var out []SinkEvent
	for i := range r.routes {
		if r.routes[i].Matches(ev) {
			out = append(out, SinkEvent{
				SinkID: r.routes[i].SinkID,
				Event:  ev.Clone(),
			})
		}
	}

	metrics.RouterFanout.Observe(float64(len(out)))
	if len(out) == 0 {
		metrics.RouterDrops.Inc()
	}
	return out
}

// SinkEvent is one routed copy bound for one sink.
type SinkEvent struct {
	SinkID string
	Event  *models.Event
}

// boundCardinality replaces label values past the per-key distinct-value
// bound with "overflow", keeping sink label sets queryable under a
// misbehaving extraction stage.
func (r *Router) boundCardinality(ev *models.Event) {
	if r.maxCardinality <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, value := range ev.Labels {
		values, ok := r.seen[key]
		if !ok {
			values = make(map[string]struct{})
			r.seen[key] = values
		}
		if _, known := values[value]; known {
			continue
		}
		if len(values) >= r.maxCardinality {
			ev.Labels[key] = "overflow"
			metrics.LabelCardinalityOverflow.WithLabelValues(key).Inc()
			continue
		}
		values[value] = struct{}{}
	}
}
