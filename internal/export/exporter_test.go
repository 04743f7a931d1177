package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
	"github.com/telhawk-systems/telhawk-forwarder/internal/overflow"
)

// fakeSink scripts export and probe outcomes per call. Once a script is
// consumed the matching *All error applies, nil meaning success.
type fakeSink struct {
	mu        sync.Mutex
	exportErr []error // consumed one per Export call
	probeErr  []error
	exportAll error // steady-state outcome past the script
	probeAll  error
	exported  []*models.Batch
	exports   int
	probes    int
}

func (f *fakeSink) Export(_ context.Context, batch *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	if len(f.exportErr) > 0 {
		err := f.exportErr[0]
		f.exportErr = f.exportErr[1:]
		if err != nil {
			return err
		}
	} else if f.exportAll != nil {
		return f.exportAll
	}
	f.exported = append(f.exported, batch)
	return nil
}

func (f *fakeSink) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.probeErr) > 0 {
		err := f.probeErr[0]
		f.probeErr = f.probeErr[1:]
		return err
	}
	return f.probeAll
}

func (f *fakeSink) Endpoint() string { return "fake://sink" }
func (f *fakeSink) Close() error     { return nil }

func (f *fakeSink) exportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports
}

func (f *fakeSink) delivered() []*models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Batch(nil), f.exported...)
}

// memBuffer is an in-memory overflow buffer.
type memBuffer struct {
	mu      sync.Mutex
	batches []*models.Batch
}

func (m *memBuffer) Spill(_ context.Context, b *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

func (m *memBuffer) ReplayNext(context.Context) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, overflow.ErrEmpty
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return b, nil
}

func (m *memBuffer) Close() error { return nil }

func (m *memBuffer) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func sinkCfg() config.SinkConfig {
	return config.SinkConfig{
		ID:   "test-sink",
		Kind: "lokipush",
		Retry: config.RetryConfig{
			BaseDelay:   time.Millisecond,
			MaxDelay:    8 * time.Millisecond,
			MaxAttempts: 3,
		},
		Health: config.HealthConfig{
			DegradedAfter: 2,
			DownAfter:     4,
			ProbeInterval: 5 * time.Millisecond,
		},
	}
}

func runExporter(t *testing.T, e *Exporter, in chan *models.Batch, batches ...*models.Batch) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()
	for _, b := range batches {
		in <- b
	}
	close(in)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not finish")
	}
}

func batch(id string, n int) *models.Batch {
	evs := make([]*models.Event, n)
	for i := range evs {
		evs[i] = &models.Event{ID: id, Raw: "line"}
	}
	return &models.Batch{ID: id, SinkID: "test-sink", Seq: 1, Events: evs}
}

func transient(msg string) error {
	return &ExportError{Kind: Transient, Endpoint: "fake://sink", Err: errors.New(msg)}
}

func TestDeliverSuccess(t *testing.T) {
	sink := &fakeSink{}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 5))

	if got := sink.exportCount(); got != 1 {
		t.Errorf("exports = %d, want 1", got)
	}
	if e.Health().State() != models.HealthUp {
		t.Errorf("state = %v, want up", e.Health().State())
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	sink := &fakeSink{exportErr: []error{transient("reset"), transient("timeout"), nil}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1))

	if got := sink.exportCount(); got != 3 {
		t.Errorf("exports = %d, want 3", got)
	}
	if len(sink.delivered()) != 1 {
		t.Error("batch not delivered")
	}
	// Success resets the failure streak.
	if e.Health().State() != models.HealthUp {
		t.Errorf("state = %v, want up", e.Health().State())
	}
	if buf.size() != 0 {
		t.Errorf("buffer size = %d, want 0", buf.size())
	}
}

func TestRetryBudgetExhaustionSpills(t *testing.T) {
	sink := &fakeSink{exportErr: []error{
		transient("1"), transient("2"), transient("3"), transient("4"),
	}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1))

	if got := sink.exportCount(); got != 3 {
		t.Errorf("exports = %d, want MaxAttempts (3)", got)
	}
	if buf.size() != 1 {
		t.Errorf("buffer size = %d, want 1 spilled batch", buf.size())
	}
}

func TestRejectedNeverRetried(t *testing.T) {
	sink := &fakeSink{exportErr: []error{&ExportError{
		Kind:     Rejected,
		Endpoint: "fake://sink",
		Err:      errors.New("bad records"),
		Accepted: 3,
		RejectedRecords: []RejectedRecord{
			{Index: 3, Reason: "malformed"},
			{Index: 4, Reason: "malformed"},
		},
	}}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 5))

	if got := sink.exportCount(); got != 1 {
		t.Errorf("exports = %d, want 1 (no retry)", got)
	}
	if buf.size() != 0 {
		t.Errorf("rejected batch spilled, buffer size = %d", buf.size())
	}
	// The backend answered; rejection is not a connectivity failure.
	if e.Health().State() != models.HealthUp {
		t.Errorf("state = %v, want up", e.Health().State())
	}
}

func TestAuthFailureLatchesSinkDown(t *testing.T) {
	sink := &fakeSink{exportErr: []error{&ExportError{
		Kind: AuthFailure, Endpoint: "fake://sink", Err: errors.New("401"),
	}}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 2)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1), batch("b2", 1))

	if got := sink.exportCount(); got != 1 {
		t.Errorf("exports = %d, want 1 (no network attempts after auth failure)", got)
	}
	if e.Health().State() != models.HealthDown {
		t.Errorf("state = %v, want down", e.Health().State())
	}
	if buf.size() != 2 {
		t.Errorf("buffer size = %d, want both batches spilled", buf.size())
	}
}

func TestTransportFailureSpillsWithoutRetry(t *testing.T) {
	sink := &fakeSink{exportErr: []error{&ExportError{
		Kind: TransportFailure, Endpoint: "fake://sink",
		Err: errors.New("first record does not look like a TLS handshake"),
	}}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1))

	if got := sink.exportCount(); got != 1 {
		t.Errorf("exports = %d, want 1 (mismatch is not retried)", got)
	}
	if buf.size() != 1 {
		t.Errorf("buffer size = %d, want 1", buf.size())
	}
	if got := e.Health().Snapshot().Failures; got != 1 {
		t.Errorf("failure streak = %d, want 1", got)
	}
}

// A sink that fails into Down recovers through probing, and everything
// spilled during the outage is replayed after the next success.
func TestDownProbeRecoveryReplaysSpilled(t *testing.T) {
	cfg := sinkCfg()
	cfg.Retry.MaxAttempts = 0 // unbounded, rides out the outage

	sink := &fakeSink{
		exportErr: []error{transient("1"), transient("2"), transient("3"), transient("4")},
		probeErr:  []error{transient("still down")},
	}
	buf := &memBuffer{}
	buf.Spill(context.Background(), batch("spilled-before", 2))

	in := make(chan *models.Batch, 1)
	e := NewExporter(cfg, sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1))

	delivered := sink.delivered()
	if len(delivered) != 2 {
		t.Fatalf("delivered %d batches, want live batch + replayed spill", len(delivered))
	}
	if delivered[0].ID != "b1" || delivered[1].ID != "spilled-before" {
		t.Errorf("delivery order = %s, %s", delivered[0].ID, delivered[1].ID)
	}
	if buf.size() != 0 {
		t.Errorf("buffer size = %d, want 0 after replay", buf.size())
	}
	if sink.probes < 2 {
		t.Errorf("probes = %d, want at least 2 (one failing, one succeeding)", sink.probes)
	}
	if e.Health().State() != models.HealthUp {
		t.Errorf("state = %v, want up after recovery", e.Health().State())
	}
}

// A probe that answers with an auth failure latches the sink down like an
// export auth failure does: the in-flight batch spills without one more
// network attempt on the latched-bad credentials.
func TestProbeAuthFailureSpillsWithoutExport(t *testing.T) {
	cfg := sinkCfg()
	cfg.Retry.MaxAttempts = 0

	sink := &fakeSink{
		exportErr: []error{transient("1"), transient("2"), transient("3"), transient("4")},
		probeErr: []error{&ExportError{
			Kind: AuthFailure, Endpoint: "fake://sink", Err: errors.New("401"),
		}},
	}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 2)
	e := NewExporter(cfg, sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1), batch("b2", 1))

	if got := sink.exportCount(); got != 4 {
		t.Errorf("exports = %d, want 4 (none after the probe auth failure)", got)
	}
	if e.Health().State() != models.HealthDown {
		t.Errorf("state = %v, want down", e.Health().State())
	}
	if buf.size() != 2 {
		t.Errorf("buffer size = %d, want both batches spilled", buf.size())
	}
}

// A sink stuck Down keeps consuming its queue, spilling inbound batches, so
// the workers feeding it never block on a dead endpoint.
func TestDownSinkKeepsDrainingWhileProbing(t *testing.T) {
	cfg := sinkCfg()
	cfg.Retry.MaxAttempts = 0

	sink := &fakeSink{
		exportAll: transient("unreachable"),
		probeAll:  transient("still down"),
	}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 4)
	e := NewExporter(cfg, sink, buf, in, time.Second, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	in <- batch("b1", 1)
	for i := 2; i <= 4; i++ {
		in <- batch(fmt.Sprintf("b%d", i), 1)
	}

	// The later batches must land in the overflow buffer while b1 is still
	// riding out the outage.
	deadline := time.Now().Add(5 * time.Second)
	for buf.size() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if buf.size() < 3 {
		t.Fatalf("buffer size = %d, want the queued batches spilled during the outage", buf.size())
	}

	cancel()
	close(in)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not finish")
	}

	// b1's bounded final attempt fails too, so all four batches end spilled.
	if buf.size() != 4 {
		t.Errorf("buffer size = %d, want 4", buf.size())
	}
	if len(sink.delivered()) != 0 {
		t.Errorf("delivered %d batches to a dead sink", len(sink.delivered()))
	}
}

func TestUntypedErrorTreatedAsTransient(t *testing.T) {
	sink := &fakeSink{exportErr: []error{errors.New("plain failure"), nil}}
	buf := &memBuffer{}
	in := make(chan *models.Batch, 1)
	e := NewExporter(sinkCfg(), sink, buf, in, time.Second, logging.Default())

	runExporter(t, e, in, batch("b1", 1))

	if got := sink.exportCount(); got != 2 {
		t.Errorf("exports = %d, want 2 (untyped errors stay retryable)", got)
	}
}
