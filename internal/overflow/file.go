package overflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

const spillSuffix = ".spill"

// fileBuffer spills one batch per file under a directory. Each file starts
// with a blake2b-256 digest of the payload so a torn or corrupted spill is
// detected on replay and skipped instead of re-exported.
type fileBuffer struct {
	dir      string
	maxBytes int64
	log      *logging.Logger
}

func newFileBuffer(sinkID string, cfg config.OverflowConfig, log *logging.Logger) (*fileBuffer, error) {
	dir := filepath.Join(cfg.Path, sinkID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create overflow dir: %w", err)
	}
	return &fileBuffer{
		dir:      dir,
		maxBytes: cfg.MaxBytes,
		log:      log.With(logging.Sink(sinkID)),
	}, nil
}

func (b *fileBuffer) Spill(_ context.Context, batch *models.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	if b.maxBytes > 0 {
		used, err := b.usedBytes()
		if err != nil {
			return err
		}
		if used+int64(len(payload)) > b.maxBytes {
			return ErrFull
		}
	}

	sum := blake2b.Sum256(payload)
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), batch.ID, spillSuffix)
	tmp := filepath.Join(b.dir, name+".tmp")

	data := make([]byte, 0, len(sum)+len(payload))
	data = append(data, sum[:]...)
	data = append(data, payload...)

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write spill: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		return fmt.Errorf("commit spill: %w", err)
	}
	return nil
}

// ReplayNext returns the oldest intact spilled batch and removes it from the
// buffer. Corrupt spills are discarded with a warning and the scan moves on.
func (b *fileBuffer) ReplayNext(_ context.Context) (*models.Batch, error) {
	for {
		name, err := b.oldest()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(b.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spill: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove spill: %w", err)
		}

		if len(data) < blake2b.Size256 {
			b.log.Warn("discarding truncated spill", "file", name)
			continue
		}
		sum := blake2b.Sum256(data[blake2b.Size256:])
		if !bytes.Equal(sum[:], data[:blake2b.Size256]) {
			b.log.Warn("discarding corrupt spill", "file", name)
			continue
		}

		var batch models.Batch
		if err := json.Unmarshal(data[blake2b.Size256:], &batch); err != nil {
			b.log.Warn("discarding unreadable spill", "file", name, logging.Error(err))
			continue
		}
		return &batch, nil
	}
}

func (b *fileBuffer) Close() error { return nil }

func (b *fileBuffer) oldest() (string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), spillSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrEmpty
	}
	sort.Strings(names)
	return names[0], nil
}

func (b *fileBuffer) usedBytes() (int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total, nil
}
