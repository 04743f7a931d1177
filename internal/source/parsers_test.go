package source

import (
	"testing"
	"time"
)

func TestJSONParserTimestampKeys(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		want  time.Time
		hasTS bool
	}{
		{
			name:  "rfc3339 timestamp key",
			line:  `{"timestamp":"2026-03-04T05:06:07Z","msg":"x"}`,
			want:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
			hasTS: true,
		},
		{
			name:  "at-timestamp key",
			line:  `{"@timestamp":"2026-03-04T05:06:07.5Z"}`,
			want:  time.Date(2026, 3, 4, 5, 6, 7, 500000000, time.UTC),
			hasTS: true,
		},
		{
			name:  "epoch seconds",
			line:  `{"ts":1700000000.25}`,
			want:  time.Unix(1700000000, 250000000),
			hasTS: true,
		},
		{
			name:  "no timestamp key",
			line:  `{"msg":"plain"}`,
			hasTS: false,
		},
		{
			name:  "unparseable timestamp value",
			line:  `{"time":"yesterday-ish"}`,
			hasTS: false,
		},
	}

	var p jsonParser
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, ts, hasTS := p.Parse(tt.line)
			if hasTS != tt.hasTS {
				t.Fatalf("hasTS = %v, want %v", hasTS, tt.hasTS)
			}
			if hasTS && !ts.Equal(tt.want) {
				t.Errorf("ts = %v, want %v", ts, tt.want)
			}
			if fields == nil {
				t.Error("fields = nil for valid JSON")
			}
		})
	}
}

func TestJSONParserMalformedFallsBackToText(t *testing.T) {
	var p jsonParser
	fields, _, hasTS := p.Parse("plain old log line {not json")
	if fields != nil {
		t.Errorf("fields = %v, want nil", fields)
	}
	if hasTS {
		t.Error("hasTS = true for malformed input")
	}
}

func TestJournalParser(t *testing.T) {
	var p journalParser
	line := `{"MESSAGE":"Started session","_SYSTEMD_UNIT":"sshd.service","_HOSTNAME":"edge-1","_PID":"812","PRIORITY":"3","__CURSOR":"s=abc","__REALTIME_TIMESTAMP":"1700000000000000"}`

	fields, ts, hasTS := p.Parse(line)
	if !hasTS {
		t.Fatal("no timestamp parsed")
	}
	if !ts.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("ts = %v", ts)
	}

	want := map[string]string{
		"message":        "Started session",
		"unit":           "sshd.service",
		"hostname":       "edge-1",
		"pid":            "812",
		"level":          "ERROR",
		"journal_cursor": "s=abc",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %v, want %q", k, fields[k], v)
		}
	}
}

func TestParserFor(t *testing.T) {
	if _, ok := parserFor("journal", "auto").(journalParser); !ok {
		t.Error("journal kind did not select journal parser")
	}
	if _, ok := parserFor("file", "text").(textParser); !ok {
		t.Error("text format did not select text parser")
	}
	if _, ok := parserFor("file", "auto").(jsonParser); !ok {
		t.Error("auto format did not select json parser")
	}
	if _, ok := parserFor("file", "json").(jsonParser); !ok {
		t.Error("json format did not select json parser")
	}
}
