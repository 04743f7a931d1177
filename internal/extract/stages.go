package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

func buildStage(cfg config.StageConfig) (Stage, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Kind
	}

	switch cfg.Kind {
	case "regex":
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, err
		}
		return &regexStage{name: name, re: re}, nil
	case "promote":
		return &promoteStage{name: name, field: cfg.Field, label: cfg.Label}, nil
	case "timestamp":
		return &timestampStage{name: name, field: cfg.Field, layouts: cfg.Layouts}, nil
	case "static_labels":
		return &staticLabelsStage{name: name, labels: cfg.Labels}, nil
	case "clamp":
		return &clampStage{name: name, field: cfg.Field, min: cfg.Min, max: cfg.Max}, nil
	case "flag":
		return &flagStage{name: name, field: cfg.Field, equals: cfg.Equals, target: cfg.Target}, nil
	case "drop":
		return &dropStage{name: name, field: cfg.Field, equals: cfg.Equals}, nil
	default:
		return nil, fmt.Errorf("unknown stage kind %q", cfg.Kind)
	}
}

// regexStage captures named groups from the raw payload into fields.
// Non-match is a no-op, not a failure.
type regexStage struct {
	name string
	re   *regexp.Regexp
}

func (s *regexStage) Name() string { return s.name }

func (s *regexStage) Apply(ev *models.Event) *Warning {
	m := s.re.FindStringSubmatch(ev.Raw)
	if m == nil {
		return nil
	}
	for i, group := range s.re.SubexpNames() {
		if i == 0 || group == "" || m[i] == "" {
			continue
		}
		if ev.Fields == nil {
			ev.Fields = make(map[string]any)
		}
		ev.Fields[group] = m[i]
	}
	return nil
}

// promoteStage copies a field value into a label.
type promoteStage struct {
	name  string
	field string
	label string
}

func (s *promoteStage) Name() string { return s.name }

func (s *promoteStage) Apply(ev *models.Event) *Warning {
	v, ok := ev.Fields[s.field]
	if !ok {
		return nil
	}
	return setDerivedLabel(ev, s.name, s.label, stringify(v))
}

// timestampStage reparses the event timestamp from a field, trying layouts
// in order. Parse failure warns and keeps the adapter's timestamp.
type timestampStage struct {
	name    string
	field   string
	layouts []string
}

func (s *timestampStage) Name() string { return s.name }

func (s *timestampStage) Apply(ev *models.Event) *Warning {
	v, ok := ev.Fields[s.field]
	if !ok {
		return nil
	}
	raw := stringify(v)
	for _, layout := range s.layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ev.Timestamp = ts
			return nil
		}
	}
	return &Warning{
		Stage:   s.name,
		Message: fmt.Sprintf("field %q value %q matched no layout", s.field, raw),
	}
}

// staticLabelsStage injects fixed labels from configuration.
type staticLabelsStage struct {
	name   string
	labels map[string]string
}

func (s *staticLabelsStage) Name() string { return s.name }

func (s *staticLabelsStage) Apply(ev *models.Event) *Warning {
	var warn *Warning
	for k, v := range s.labels {
		if w := setDerivedLabel(ev, s.name, k, v); w != nil {
			warn = w
		}
	}
	return warn
}

// clampStage bounds a numeric field. Out-of-range values are clamped and
// warned about rather than failing the event; non-numeric values warn and
// pass through untouched.
type clampStage struct {
	name  string
	field string
	min   float64
	max   float64
}

func (s *clampStage) Name() string { return s.name }

func (s *clampStage) Apply(ev *models.Event) *Warning {
	v, ok := ev.Fields[s.field]
	if !ok {
		return nil
	}

	n, ok := toFloat(v)
	if !ok {
		return &Warning{
			Stage:   s.name,
			Message: fmt.Sprintf("field %q is not numeric", s.field),
		}
	}

	switch {
	case n < s.min:
		ev.Fields[s.field] = s.min
	case n > s.max:
		ev.Fields[s.field] = s.max
	default:
		return nil
	}
	return &Warning{
		Stage:   s.name,
		Message: fmt.Sprintf("field %q value %v clamped to [%v, %v]", s.field, n, s.min, s.max),
	}
}

// flagStage sets a boolean label from a field equality test. Both outcomes
// are recorded so downstream routing can branch on either.
type flagStage struct {
	name   string
	field  string
	equals string
	target string
}

func (s *flagStage) Name() string { return s.name }

func (s *flagStage) Apply(ev *models.Event) *Warning {
	v, ok := ev.Fields[s.field]
	value := "false"
	if ok && stringify(v) == s.equals {
		value = "true"
	}
	return setDerivedLabel(ev, s.name, s.target, value)
}

// dropStage terminates the pipeline for events whose field matches.
type dropStage struct {
	name   string
	field  string
	equals string
}

func (s *dropStage) Name() string { return s.name }

func (s *dropStage) Apply(ev *models.Event) *Warning {
	if v, ok := ev.Fields[s.field]; ok && stringify(v) == s.equals {
		ev.Dropped = true
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
