package router

import (
	"testing"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

func event(labels map[string]string) *models.Event {
	return &models.Event{ID: "ev-1", Raw: "line", Labels: labels}
}

func TestRouteMatch(t *testing.T) {
	r := New([]config.RouteConfig{
		{Sink: "errors", Match: map[string]string{"is_error": "true"}},
		{Sink: "all-app", Match: map[string]string{"source": "app"}},
	}, 0)

	out := r.Route(event(map[string]string{"source": "app", "is_error": "true"}))
	if len(out) != 2 {
		t.Fatalf("matched %d sinks, want 2", len(out))
	}

	out = r.Route(event(map[string]string{"source": "app", "is_error": "false"}))
	if len(out) != 1 || out[0].SinkID != "all-app" {
		t.Fatalf("out = %+v, want only all-app", out)
	}
}

func TestRouteMatchIn(t *testing.T) {
	r := New([]config.RouteConfig{
		{Sink: "severe", MatchIn: map[string][]string{"level": {"ERROR", "CRIT"}}},
	}, 0)

	if out := r.Route(event(map[string]string{"level": "CRIT"})); len(out) != 1 {
		t.Errorf("CRIT matched %d sinks, want 1", len(out))
	}
	if out := r.Route(event(map[string]string{"level": "INFO"})); len(out) != 0 {
		t.Errorf("INFO matched %d sinks, want 0", len(out))
	}
}

func TestRouteConjunction(t *testing.T) {
	r := New([]config.RouteConfig{
		{
			Sink:    "prod-errors",
			Match:   map[string]string{"env": "prod"},
			MatchIn: map[string][]string{"level": {"ERROR"}},
		},
	}, 0)

	if out := r.Route(event(map[string]string{"env": "prod", "level": "ERROR"})); len(out) != 1 {
		t.Errorf("both predicates held, matched %d sinks", len(out))
	}
	if out := r.Route(event(map[string]string{"env": "prod", "level": "INFO"})); len(out) != 0 {
		t.Errorf("one predicate held, matched %d sinks", len(out))
	}
}

func TestNoMatchIsIntentionalDrop(t *testing.T) {
	r := New([]config.RouteConfig{
		{Sink: "s1", Match: map[string]string{"k": "v"}},
	}, 0)

	out := r.Route(event(map[string]string{"k": "other"}))
	if out != nil {
		t.Errorf("out = %+v, want nil", out)
	}
}

// Fan-out hands each sink an independent copy: mutating one copy must not
// be visible on another.
func TestFanoutIndependence(t *testing.T) {
	r := New([]config.RouteConfig{
		{Sink: "a", Match: map[string]string{"env": "prod"}},
		{Sink: "b", Match: map[string]string{"env": "prod"}},
	}, 0)

	out := r.Route(event(map[string]string{"env": "prod", "shared": "original"}))
	if len(out) != 2 {
		t.Fatalf("matched %d sinks, want 2", len(out))
	}

	out[0].Event.Labels["shared"] = "mutated"
	out[0].Event.Fields = map[string]any{"injected": true}

	if got := out[1].Event.Labels["shared"]; got != "original" {
		t.Errorf("mutation leaked across fan-out copies: shared = %q", got)
	}
	if out[1].Event.Fields != nil {
		t.Errorf("field mutation leaked: %v", out[1].Event.Fields)
	}
}

func TestCardinalityBound(t *testing.T) {
	r := New([]config.RouteConfig{
		{Sink: "s", Match: map[string]string{"keep": "yes"}},
	}, 2)

	seen := map[string]struct{}{}
	for _, id := range []string{"req-1", "req-2", "req-3", "req-4"} {
		ev := event(map[string]string{"keep": "yes", "request_id": id})
		out := r.Route(ev)
		if len(out) != 1 {
			t.Fatalf("request %s matched %d sinks", id, len(out))
		}
		seen[out[0].Event.Labels["request_id"]] = struct{}{}
	}

	// Two distinct values pass, the rest collapse to the overflow value.
	if _, ok := seen["overflow"]; !ok {
		t.Error("no value collapsed to overflow")
	}
	if len(seen) != 3 {
		t.Errorf("distinct values = %d, want 3 (two real + overflow)", len(seen))
	}

	// A known value stays usable after the bound is hit.
	out := r.Route(event(map[string]string{"keep": "yes", "request_id": "req-1"}))
	if got := out[0].Event.Labels["request_id"]; got != "req-1" {
		t.Errorf("known value rewritten: %q", got)
	}
}
