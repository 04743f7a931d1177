// Package source implements source adapters: restartable, cancellable read
// loops that turn line-oriented input into raw events. Each adapter owns its
// durable read cursor and hands events off by ownership transfer.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Adapter produces a lazy, infinite sequence of raw events. Run blocks until
// the context is cancelled; transient source errors are retried internally
// with backoff and never crash the pipeline.
type Adapter interface {
	ID() string
	Run(ctx context.Context, out chan<- *models.Event) error
}

// SourceError classifies adapter failures. Transient errors are retried
// locally; fatal ones raise a pipeline-level alarm while other sources keep
// running.
type SourceError struct {
	Kind SourceErrorKind
	Err  error
}

// SourceErrorKind is the coarse source failure class.
type SourceErrorKind int

const (
	SourceTransient SourceErrorKind = iota
	SourceFatal
)

func (k SourceErrorKind) String() string {
	if k == SourceFatal {
		return "fatal"
	}
	return "transient"
}

func (e *SourceError) Error() string {
	return e.Kind.String() + " source error: " + e.Err.Error()
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a fatal source error.
func IsFatal(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == SourceFatal
}

// backoff returns the capped exponential delay for the given consecutive
// failure count.
func backoff(failures int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
