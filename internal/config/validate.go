package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var validStageKinds = map[string]struct{}{
	"regex":         {},
	"promote":       {},
	"timestamp":     {},
	"static_labels": {},
	"clamp":         {},
	"flag":          {},
	"drop":          {},
}

var validSinkKinds = map[string]struct{}{
	"lokipush":   {},
	"opensearch": {},
	"nats":       {},
	"postgres":   {},
}

// Validate checks the whole configuration. Any error here is fatal at
// startup; nothing is partially applied.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("at least one sink is required")
	}

	sourceIDs := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if _, dup := sourceIDs[s.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		sourceIDs[s.ID] = struct{}{}

		switch s.Kind {
		case "file", "journal":
		default:
			return fmt.Errorf("sources[%d] (%s): unknown kind %q", i, s.ID, s.Kind)
		}
		if s.Path == "" {
			return fmt.Errorf("sources[%d] (%s): path is required", i, s.ID)
		}
		switch s.Format {
		case "auto", "json", "text":
		default:
			return fmt.Errorf("sources[%d] (%s): unknown format %q", i, s.ID, s.Format)
		}
	}

	for i, st := range c.Stages {
		if err := validateStage(st); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
	}

	sinkIDs := make(map[string]struct{}, len(c.Sinks))
	for i, s := range c.Sinks {
		if err := validateSink(s); err != nil {
			return fmt.Errorf("sinks[%d]: %w", i, err)
		}
		if _, dup := sinkIDs[s.ID]; dup {
			return fmt.Errorf("sinks[%d]: duplicate id %q", i, s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, r := range c.Routes {
		if r.Sink == "" {
			return fmt.Errorf("routes[%d]: sink is required", i)
		}
		if _, ok := sinkIDs[r.Sink]; !ok {
			return fmt.Errorf("routes[%d]: unknown sink %q", i, r.Sink)
		}
		if len(r.Match) == 0 && len(r.MatchIn) == 0 {
			return fmt.Errorf("routes[%d] (sink %s): at least one predicate is required", i, r.Sink)
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" && !c.Tracing.Relay.Enabled {
			return fmt.Errorf("tracing: endpoint is required when relay is disabled")
		}
		if err := validateTLSMode(c.Tracing.TLS.Mode); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		if c.Tracing.Relay.Enabled && c.Tracing.Relay.NatsURL == "" {
			return fmt.Errorf("tracing.relay: nats_url is required")
		}
		if c.Tracing.Batch.MaxBytes <= 0 || c.Tracing.Batch.MaxEvents <= 0 || c.Tracing.Batch.FlushInterval <= 0 {
			return fmt.Errorf("tracing: batch thresholds must be positive")
		}
		if c.Tracing.Retry.BaseDelay <= 0 || c.Tracing.Retry.MaxDelay <= 0 {
			return fmt.Errorf("tracing: retry delays must be positive")
		}
		if c.Tracing.Retry.BaseDelay > c.Tracing.Retry.MaxDelay {
			return fmt.Errorf("tracing: retry base_delay exceeds max_delay")
		}
	}

	switch c.Cursor.Backend {
	case "file":
		if c.Cursor.Dir == "" {
			return fmt.Errorf("cursor: dir is required for file backend")
		}
	case "redis":
		if c.Cursor.RedisURL == "" {
			return fmt.Errorf("cursor: redis_url is required for redis backend")
		}
	default:
		return fmt.Errorf("cursor: unknown backend %q", c.Cursor.Backend)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline: workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline: queue_size must be positive")
	}

	return nil
}

func validateStage(st StageConfig) error {
	if _, ok := validStageKinds[st.Kind]; !ok {
		return fmt.Errorf("unknown stage kind %q", st.Kind)
	}
	switch st.Kind {
	case "regex":
		if st.Pattern == "" {
			return fmt.Errorf("regex stage: pattern is required")
		}
		if _, err := regexp.Compile(st.Pattern); err != nil {
			return fmt.Errorf("regex stage: invalid pattern: %w", err)
		}
	case "promote":
		if st.Field == "" || st.Label == "" {
			return fmt.Errorf("promote stage: field and label are required")
		}
	case "timestamp":
		if st.Field == "" {
			return fmt.Errorf("timestamp stage: field is required")
		}
		if len(st.Layouts) == 0 {
			return fmt.Errorf("timestamp stage: at least one layout is required")
		}
	case "static_labels":
		if len(st.Labels) == 0 {
			return fmt.Errorf("static_labels stage: labels are required")
		}
	case "clamp":
		if st.Field == "" {
			return fmt.Errorf("clamp stage: field is required")
		}
		if st.Min > st.Max {
			return fmt.Errorf("clamp stage: min %v exceeds max %v", st.Min, st.Max)
		}
	case "flag":
		if st.Field == "" || st.Target == "" {
			return fmt.Errorf("flag stage: field and target are required")
		}
	case "drop":
		if st.Field == "" {
			return fmt.Errorf("drop stage: field is required")
		}
	}
	return nil
}

func validateSink(s SinkConfig) error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, ok := validSinkKinds[s.Kind]; !ok {
		return fmt.Errorf("sink %s: unknown kind %q", s.ID, s.Kind)
	}
	switch s.Kind {
	case "lokipush":
		if s.URL == "" {
			return fmt.Errorf("sink %s: url is required", s.ID)
		}
	case "opensearch":
		if s.URL == "" {
			return fmt.Errorf("sink %s: url is required", s.ID)
		}
		if s.Index == "" {
			return fmt.Errorf("sink %s: index is required", s.ID)
		}
	case "nats":
		if s.URL == "" {
			return fmt.Errorf("sink %s: url is required", s.ID)
		}
		if s.Subject == "" {
			return fmt.Errorf("sink %s: subject is required", s.ID)
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("sink %s: dsn is required", s.ID)
		}
	}

	if err := validateTLSMode(s.TLS.Mode); err != nil {
		return fmt.Errorf("sink %s: %w", s.ID, err)
	}

	if s.Retry.BaseDelay > s.Retry.MaxDelay {
		return fmt.Errorf("sink %s: retry base_delay exceeds max_delay", s.ID)
	}
	if s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("sink %s: retry max_attempts must be >= 0", s.ID)
	}
	if s.Health.DownAfter <= s.Health.DegradedAfter {
		return fmt.Errorf("sink %s: health down_after must exceed degraded_after", s.ID)
	}

	switch s.Overflow.Backend {
	case "none":
	case "file":
		if s.Overflow.Path == "" {
			return fmt.Errorf("sink %s: overflow path is required for file backend", s.ID)
		}
	case "jetstream":
		if s.Overflow.NatsURL == "" {
			return fmt.Errorf("sink %s: overflow nats_url is required for jetstream backend", s.ID)
		}
	default:
		return fmt.Errorf("sink %s: unknown overflow backend %q", s.ID, s.Overflow.Backend)
	}

	if err := checkBearerToken(s.Auth.BearerToken); err != nil {
		return fmt.Errorf("sink %s: %w", s.ID, err)
	}

	return nil
}

func validateTLSMode(mode string) error {
	switch mode {
	case "plaintext", "tls":
		return nil
	default:
		return fmt.Errorf("unknown tls mode %q", mode)
	}
}

// checkBearerToken rejects already-expired JWT credentials at startup so a
// sink does not come up only to lock itself out on the first export. Opaque
// (non-JWT) tokens pass through untouched.
func checkBearerToken(token string) error {
	if token == "" {
		return nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Not a JWT; the backend decides what it means.
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("bearer token expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}
