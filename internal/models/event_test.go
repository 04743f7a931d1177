package models

import (
	"testing"
	"time"
)

func TestCloneIsIndependent(t *testing.T) {
	ev := &Event{
		ID:        "ev-1",
		SourceID:  "src-1",
		Timestamp: time.Now(),
		Raw:       "line",
		Labels:    map[string]string{"service": "app"},
		Fields: map[string]any{
			"level": "info",
			"http": map[string]any{
				"status": float64(200),
				"tags":   []any{"a", "b"},
			},
		},
		StaticLabels: []string{"service"},
	}

	c := ev.Clone()
	c.Labels["service"] = "other"
	c.Fields["level"] = "error"
	c.Fields["http"].(map[string]any)["status"] = float64(500)
	c.Fields["http"].(map[string]any)["tags"].([]any)[0] = "mutated"

	if ev.Labels["service"] != "app" {
		t.Errorf("label leaked through clone: %v", ev.Labels)
	}
	if ev.Fields["level"] != "info" {
		t.Errorf("field leaked through clone: %v", ev.Fields["level"])
	}
	nested := ev.Fields["http"].(map[string]any)
	if nested["status"] != float64(200) {
		t.Errorf("nested field leaked through clone: %v", nested["status"])
	}
	if nested["tags"].([]any)[0] != "a" {
		t.Errorf("nested slice leaked through clone: %v", nested["tags"])
	}
}
