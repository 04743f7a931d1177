package source

import (
	"encoding/json"
	"strconv"
	"time"
)

// LineParser extracts structured fields and a timestamp from one complete
// line. A parser must not fail a line: malformed input degrades to raw-text
// handling (nil fields, no timestamp).
type LineParser interface {
	Parse(line string) (fields map[string]any, ts time.Time, hasTS bool)
}

// textParser treats every line as opaque text.
type textParser struct{}

func (textParser) Parse(string) (map[string]any, time.Time, bool) {
	return nil, time.Time{}, false
}

// jsonParser parses JSON-per-line records, falling back to raw text on
// malformed input rather than failing the line.
type jsonParser struct{}

var timestampKeys = []string{"timestamp", "@timestamp", "time", "ts"}

func (jsonParser) Parse(line string) (map[string]any, time.Time, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return nil, time.Time{}, false
	}

	for _, key := range timestampKeys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if ts, ok := parseTimestampValue(v); ok {
			return fields, ts, true
		}
	}
	return fields, time.Time{}, false
}

// journalParser maps systemd journal JSON export records. MESSAGE becomes
// the message field; __REALTIME_TIMESTAMP (microseconds since epoch) is the
// event time; PRIORITY is converted to a syslog level name.
type journalParser struct{}

var journalLevels = map[string]string{
	"0": "EMERG", "1": "ALERT", "2": "CRIT", "3": "ERROR",
	"4": "WARNING", "5": "NOTICE", "6": "INFO", "7": "DEBUG",
}

func (journalParser) Parse(line string) (map[string]any, time.Time, bool) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, time.Time{}, false
	}

	fields := make(map[string]any, 6)
	if msg, ok := rec["MESSAGE"].(string); ok {
		fields["message"] = msg
	}
	if unit, ok := rec["_SYSTEMD_UNIT"].(string); ok {
		fields["unit"] = unit
	}
	if host, ok := rec["_HOSTNAME"].(string); ok {
		fields["hostname"] = host
	}
	if pid, ok := rec["_PID"].(string); ok {
		fields["pid"] = pid
	}
	if prio, ok := rec["PRIORITY"].(string); ok {
		if level, known := journalLevels[prio]; known {
			fields["level"] = level
		}
	}
	if cur, ok := rec["__CURSOR"].(string); ok {
		fields["journal_cursor"] = cur
	}

	if rt, ok := rec["__REALTIME_TIMESTAMP"].(string); ok {
		if usec, err := strconv.ParseInt(rt, 10, 64); err == nil {
			return fields, time.UnixMicro(usec), true
		}
	}
	return fields, time.Time{}, false
}

// parseTimestampValue accepts RFC3339(-nano) strings and float/int epoch
// seconds, the formats seen across service logs.
func parseTimestampValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * 1e9)
		return time.Unix(sec, nsec), true
	}
	return time.Time{}, false
}

// parserFor selects the parser for a source kind and format.
func parserFor(kind, format string) LineParser {
	if kind == "journal" {
		return journalParser{}
	}
	if format == "text" {
		return textParser{}
	}
	return jsonParser{}
}
