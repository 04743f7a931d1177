package extract

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

func testEngine(t *testing.T, cfgs ...config.StageConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfgs, logging.Default())
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e
}

func TestRegexStageCapturesNamedGroups(t *testing.T) {
	e := testEngine(t, config.StageConfig{
		Kind:    "regex",
		Pattern: `user=(?P<user>\w+) status=(?P<status>\d+)`,
	})

	ev := &models.Event{Raw: "login user=alice status=200"}
	ev, warnings := e.Enrich(ev)

	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if ev.Fields["user"] != "alice" {
		t.Errorf("user = %v, want alice", ev.Fields["user"])
	}
	if ev.Fields["status"] != "200" {
		t.Errorf("status = %v, want 200", ev.Fields["status"])
	}
}

func TestRegexStageNonMatchIsNoOp(t *testing.T) {
	e := testEngine(t, config.StageConfig{
		Kind:    "regex",
		Pattern: `user=(?P<user>\w+)`,
	})

	ev := &models.Event{Raw: "nothing to see here"}
	ev, warnings := e.Enrich(ev)

	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(ev.Fields) != 0 {
		t.Errorf("fields = %v, want none", ev.Fields)
	}
	if ev.Dropped {
		t.Error("event dropped on non-match")
	}
}

func TestPromoteStage(t *testing.T) {
	e := testEngine(t, config.StageConfig{
		Kind: "promote", Field: "level", Label: "level",
	})

	ev := &models.Event{
		Raw:    "x",
		Fields: map[string]any{"level": "ERROR"},
	}
	ev, _ = e.Enrich(ev)

	if got := ev.Label("level"); got != "ERROR" {
		t.Errorf("label level = %q, want ERROR", got)
	}
}

func TestPromoteStageStaticLabelConflict(t *testing.T) {
	e := testEngine(t, config.StageConfig{
		Kind: "promote", Field: "host", Label: "host",
	})

	ev := &models.Event{
		Raw:          "x",
		Labels:       map[string]string{"host": "edge-1"},
		StaticLabels: []string{"host"},
		Fields:       map[string]any{"host": "spoofed"},
	}
	ev, warnings := e.Enrich(ev)

	if got := ev.Label("host"); got != "edge-1" {
		t.Errorf("static label overwritten: host = %q, want edge-1", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one conflict warning", warnings)
	}
}

func TestTimestampStage(t *testing.T) {
	adapterTS := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		layouts  []string
		wantTS   time.Time
		wantWarn bool
	}{
		{
			name:    "first layout matches",
			value:   "2026-03-04T05:06:07Z",
			layouts: []string{time.RFC3339},
			wantTS:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		},
		{
			name:    "second layout matches",
			value:   "04/Mar/2026:05:06:07 +0000",
			layouts: []string{time.RFC3339, "02/Jan/2006:15:04:05 -0700"},
			wantTS:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		},
		{
			name:     "no layout matches keeps adapter timestamp",
			value:    "not-a-time",
			layouts:  []string{time.RFC3339},
			wantTS:   adapterTS,
			wantWarn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, config.StageConfig{
				Kind: "timestamp", Field: "ts", Layouts: tt.layouts,
			})
			ev := &models.Event{
				Timestamp: adapterTS,
				Fields:    map[string]any{"ts": tt.value},
			}
			ev, warnings := e.Enrich(ev)

			if !ev.Timestamp.Equal(tt.wantTS) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, tt.wantTS)
			}
			if tt.wantWarn != (len(warnings) > 0) {
				t.Errorf("warnings = %v, wantWarn = %v", warnings, tt.wantWarn)
			}
		})
	}
}

func TestClampStage(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		want     any
		wantWarn bool
	}{
		{"within range untouched", 5.0, nil, false},
		{"below min clamped", -3.0, 0.0, true},
		{"above max clamped", 250.0, 100.0, true},
		{"non-numeric warns and passes through", "fast", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, config.StageConfig{
				Kind: "clamp", Field: "latency", Min: 0, Max: 100,
			})
			ev := &models.Event{Fields: map[string]any{"latency": tt.value}}
			ev, warnings := e.Enrich(ev)

			want := tt.want
			if want == nil {
				want = tt.value
			}
			if ev.Fields["latency"] != want {
				t.Errorf("latency = %v, want %v", ev.Fields["latency"], want)
			}
			if tt.wantWarn != (len(warnings) > 0) {
				t.Errorf("warnings = %v, wantWarn = %v", warnings, tt.wantWarn)
			}
		})
	}
}

func TestFlagStageRecordsBothOutcomes(t *testing.T) {
	e := testEngine(t, config.StageConfig{
		Kind: "flag", Field: "level", Equals: "ERROR", Target: "is_error",
	})

	ev := &models.Event{Fields: map[string]any{"level": "ERROR"}}
	ev, _ = e.Enrich(ev)
	if got := ev.Label("is_error"); got != "true" {
		t.Errorf("is_error = %q, want true", got)
	}

	ev = &models.Event{Fields: map[string]any{"level": "INFO"}}
	ev, _ = e.Enrich(ev)
	if got := ev.Label("is_error"); got != "false" {
		t.Errorf("is_error = %q, want false", got)
	}

	// Absent field counts as not-equal, still recorded.
	ev = &models.Event{}
	ev, _ = e.Enrich(ev)
	if got := ev.Label("is_error"); got != "false" {
		t.Errorf("is_error with absent field = %q, want false", got)
	}
}

func TestDropStageTerminatesPipeline(t *testing.T) {
	e := testEngine(t,
		config.StageConfig{Kind: "drop", Field: "level", Equals: "DEBUG"},
		config.StageConfig{Kind: "flag", Field: "level", Equals: "ERROR", Target: "is_error"},
	)

	ev := &models.Event{Fields: map[string]any{"level": "DEBUG"}}
	ev, _ = e.Enrich(ev)

	if !ev.Dropped {
		t.Fatal("event not dropped")
	}
	if _, ok := ev.Labels["is_error"]; ok {
		t.Error("stage after drop still ran")
	}
}

func TestEnrichDeterministic(t *testing.T) {
	e := testEngine(t,
		config.StageConfig{Kind: "regex", Pattern: `level=(?P<level>\w+)`},
		config.StageConfig{Kind: "promote", Field: "level", Label: "level"},
		config.StageConfig{Kind: "flag", Field: "level", Equals: "ERROR", Target: "is_error"},
	)

	mk := func() *models.Event {
		return &models.Event{
			Raw:    "msg level=ERROR code=7",
			Labels: map[string]string{"source": "app"},
		}
	}

	first, _ := e.Enrich(mk())
	second, _ := e.Enrich(mk())

	if !reflect.DeepEqual(first.Labels, second.Labels) {
		t.Errorf("labels differ: %v vs %v", first.Labels, second.Labels)
	}
	if !reflect.DeepEqual(first.Fields, second.Fields) {
		t.Errorf("fields differ: %v vs %v", first.Fields, second.Fields)
	}
}

// TestErrorFlaggingAcrossStream feeds a JSON-shaped stream where a known
// subset carries level=ERROR and checks the flag label lands on exactly
// that subset.
func TestErrorFlaggingAcrossStream(t *testing.T) {
	e := testEngine(t,
		config.StageConfig{Kind: "regex", Pattern: `"level":"(?P<level>\w+)"`},
		config.StageConfig{Kind: "flag", Field: "level", Equals: "ERROR", Target: "is_error"},
	)

	const total = 1000
	const errorEvery = 5 // 200 errors

	flagged := 0
	unflagged := 0
	for i := 0; i < total; i++ {
		level := "INFO"
		if i%errorEvery == 0 {
			level = "ERROR"
		}
		ev := &models.Event{
			Raw: fmt.Sprintf(`{"msg":"request %d","level":"%s"}`, i, level),
		}
		ev, _ = e.Enrich(ev)

		switch ev.Label("is_error") {
		case "true":
			flagged++
		case "false":
			unflagged++
		default:
			t.Fatalf("event %d missing is_error label", i)
		}
	}

	if flagged != total/errorEvery {
		t.Errorf("flagged = %d, want %d", flagged, total/errorEvery)
	}
	if unflagged != total-total/errorEvery {
		t.Errorf("unflagged = %d, want %d", unflagged, total-total/errorEvery)
	}
}
