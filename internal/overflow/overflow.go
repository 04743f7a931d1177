// Package overflow implements the local spill buffer: the documented
// degradation mode when a sink stays down past the retry budget. Spilled
// batches survive restarts; the file backend replays them automatically on
// sink recovery, the JetStream backend hands them to a central queue.
package overflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

var (
	// ErrDisabled is returned by the "none" backend: the exporter drops
	// the batch with a loud metric instead.
	ErrDisabled = errors.New("overflow buffer disabled")

	// ErrEmpty signals no spilled batch is waiting for replay.
	ErrEmpty = errors.New("overflow buffer empty")

	// ErrFull signals the configured capacity is exhausted.
	ErrFull = errors.New("overflow buffer full")

	// ErrReplayUnsupported is returned by backends drained externally.
	ErrReplayUnsupported = errors.New("replay not supported by this backend")
)

// Buffer persists batches that exhausted their retry budget.
type Buffer interface {
	Spill(ctx context.Context, batch *models.Batch) error
	// ReplayNext removes and returns the oldest spilled batch.
	ReplayNext(ctx context.Context) (*models.Batch, error)
	Close() error
}

// New builds the configured backend for one sink.
func New(sinkID string, cfg config.OverflowConfig, log *logging.Logger) (Buffer, error) {
	switch cfg.Backend {
	case "none":
		return noneBuffer{}, nil
	case "file":
		return newFileBuffer(sinkID, cfg, log)
	case "jetstream":
		return newJetStreamBuffer(sinkID, cfg, log)
	default:
		return nil, fmt.Errorf("unknown overflow backend %q", cfg.Backend)
	}
}

type noneBuffer struct{}

func (noneBuffer) Spill(context.Context, *models.Batch) error { return ErrDisabled }

func (noneBuffer) ReplayNext(context.Context) (*models.Batch, error) { return nil, ErrEmpty }

func (noneBuffer) Close() error { return nil }
