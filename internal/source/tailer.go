package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/cursor"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

const (
	openBackoffBase = 500 * time.Millisecond
	openBackoffMax  = 30 * time.Second
)

// errReopen signals that the tailed file was rotated or truncated and must
// be reopened.
var errReopen = errors.New("source file rotated")

// Tailer follows a line-oriented file, surviving rotation, truncation, and
// temporary unavailability. It emits one event per complete line; a partial
// trailing line is held back until its terminator arrives. The durable read
// cursor only ever advances past fully emitted lines.
type Tailer struct {
	cfg    config.SourceConfig
	store  cursor.Store
	parser LineParser
	log    *logging.Logger

	staticKeys []string

	pos       cursor.Position
	committed int64 // offset just past the last emitted line
	restored  bool

	lastTS        time.Time
	lastPersist   time.Time
	persistEvery  time.Duration
}

// NewTailer builds a tailer for one configured source. persistEvery bounds
// how often the cursor is flushed to its store.
func NewTailer(cfg config.SourceConfig, store cursor.Store, persistEvery time.Duration, log *logging.Logger) *Tailer {
	keys := make([]string, 0, len(cfg.Labels))
	for k := range cfg.Labels {
		keys = append(keys, k)
	}
	if persistEvery <= 0 {
		persistEvery = 2 * time.Second
	}
	return &Tailer{
		cfg:          cfg,
		store:        store,
		parser:       parserFor(cfg.Kind, cfg.Format),
		log:          log.With(logging.Source(cfg.ID)),
		staticKeys:   keys,
		persistEvery: persistEvery,
	}
}

// ID returns the source id.
func (t *Tailer) ID() string { return t.cfg.ID }

// Run tails the source until ctx is cancelled. It never returns a transient
// error; unavailability is retried internally with capped backoff.
func (t *Tailer) Run(ctx context.Context, out chan<- *models.Event) error {
	defer t.persist(context.Background())

	failures := 0
	for ctx.Err() == nil {
		f, err := t.open(ctx)
		if err != nil {
			failures++
			metrics.SourceErrors.WithLabelValues(t.cfg.ID, SourceTransient.String()).Inc()
			delay := backoff(failures, openBackoffBase, openBackoffMax)
			t.log.Warn("source unavailable, retrying",
				logging.Error(err),
				logging.Attempt(failures),
			)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0

		err = t.follow(ctx, f, out)
		f.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errReopen):
			metrics.SourceRotations.WithLabelValues(t.cfg.ID).Inc()
			t.log.Info("source rotated, reopening")
		case err != nil:
			metrics.SourceErrors.WithLabelValues(t.cfg.ID, SourceTransient.String()).Inc()
			t.log.Warn("source read failed, reopening", logging.Error(err))
			if !sleepCtx(ctx, openBackoffBase) {
				return nil
			}
		}
	}
	return nil
}

// open opens the source file and positions it on the durable cursor. A file
// id mismatch (rotation) or a shrunken file (truncation) restarts at zero.
func (t *Tailer) open(ctx context.Context) (*os.File, error) {
	if !t.restored {
		pos, err := t.store.Get(ctx, t.cfg.ID)
		if err == nil {
			t.pos = pos
			t.committed = pos.Offset
		} else if !errors.Is(err, cursor.ErrNotFound) {
			t.log.Warn("cursor read failed, starting from zero", logging.Error(err))
		}
		t.restored = true
	}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	id := fileID(fi)
	if t.pos.FileID != id || t.committed > fi.Size() {
		t.pos = cursor.Position{FileID: id}
		t.committed = 0
	}

	if t.committed > 0 {
		if _, err := f.Seek(t.committed, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// follow reads lines until rotation, truncation, cancellation, or a read
// error. The pending buffer holds a partial trailing line across polls.
func (t *Tailer) follow(ctx context.Context, f *os.File, out chan<- *models.Event) error {
	reader := bufio.NewReader(f)
	var pending strings.Builder

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk, err := reader.ReadString('\n')
		switch {
		case err == nil:
			var line string
			if pending.Len() > 0 {
				pending.WriteString(chunk)
				line = pending.String()
				pending.Reset()
			} else {
				line = chunk
			}
			t.committed += int64(len(line))
			if !t.emit(ctx, strings.TrimRight(line, "\r\n"), out) {
				return nil
			}
			t.maybePersist(ctx)

		case errors.Is(err, io.EOF):
			pending.WriteString(chunk)
			t.maybePersist(ctx)
			if !sleepCtx(ctx, t.cfg.PollInterval) {
				return nil
			}
			if err := t.checkRotation(); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// checkRotation stats the path and reports errReopen when the inode changed
// or the file shrank below the committed offset.
func (t *Tailer) checkRotation() error {
	fi, err := os.Stat(t.cfg.Path)
	if err != nil {
		// File removed mid-rotation; reopen picks up the replacement.
		return errReopen
	}
	if fileID(fi) != t.pos.FileID {
		return errReopen
	}
	if fi.Size() < t.committed {
		t.committed = 0
		return errReopen
	}
	return nil
}

// emit builds and hands off one event. Returns false when ctx was cancelled
// before the hand-off completed.
func (t *Tailer) emit(ctx context.Context, line string, out chan<- *models.Event) bool {
	if line == "" {
		return true
	}

	fields, ts, hasTS := t.parser.Parse(line)
	if !hasTS {
		ts = time.Now()
	}

	labels := make(map[string]string, len(t.cfg.Labels)+1)
	for k, v := range t.cfg.Labels {
		labels[k] = v
	}

	ev := &models.Event{
		ID:           uuid.New().String(),
		SourceID:     t.cfg.ID,
		Timestamp:    ts,
		Raw:          line,
		Labels:       labels,
		Fields:       fields,
		StaticLabels: t.staticKeys,
	}

	// Best-effort monotonicity per source: regressions are flagged, never
	// rejected.
	if !t.lastTS.IsZero() && ts.Before(t.lastTS) {
		ev.OutOfOrder = true
		metrics.OutOfOrderEvents.WithLabelValues(t.cfg.ID).Inc()
	} else {
		t.lastTS = ts
	}

	metrics.EventsRead.WithLabelValues(t.cfg.ID).Inc()

	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tailer) maybePersist(ctx context.Context) {
	if time.Since(t.lastPersist) < t.persistEvery {
		return
	}
	t.persist(ctx)
}

func (t *Tailer) persist(ctx context.Context) {
	t.pos.Offset = t.committed
	if err := t.store.Put(ctx, t.cfg.ID, t.pos); err != nil {
		t.log.Warn("cursor persist failed", logging.Error(err))
	}
	t.lastPersist = time.Now()
}

// sleepCtx sleeps for d or until ctx is done; reports whether to continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func fileID(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
