package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

type fakeWarehouse struct {
	mu       sync.Mutex
	rows     []types.Record
	calls    int
	err      error
	closeErr error
}

func (f *fakeWarehouse) Append(ctx context.Context, rec types.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rec)
	return nil
}

func (f *fakeWarehouse) Name() string  { return "fake" }
func (f *fakeWarehouse) Close() error { return f.closeErr }

type seedingWarehouse struct {
	fakeWarehouse
	latest types.Record
}

func (s *seedingWarehouse) LatestRecord(ctx context.Context, id types.Identity) (types.Record, error) {
	return s.latest, nil
}

type fakeLiveStatus struct {
	mu       sync.Mutex
	ops      []string
	docs     map[string]StatusDocument
	err      error
	closeErr error
}

func newFakeLiveStatus() *fakeLiveStatus {
	return &fakeLiveStatus{docs: make(map[string]StatusDocument)}
}

func (f *fakeLiveStatus) Set(ctx context.Context, doc StatusDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "set:"+doc.Status)
	if f.err != nil {
		return f.err
	}
	f.docs[doc.Machine] = doc
	return nil
}

func (f *fakeLiveStatus) Touch(ctx context.Context, machine string, piTimestamp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "touch")
	if f.err != nil {
		return f.err
	}
	doc, ok := f.docs[machine]
	if !ok {
		return reliability.Permanent(ErrDocumentNotFound)
	}
	doc.PITimestamp = piTimestamp
	f.docs[machine] = doc
	return nil
}

func (f *fakeLiveStatus) Name() string  { return "fake" }
func (f *fakeLiveStatus) Close() error { return f.closeErr }

func (f *fakeLiveStatus) takeOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.ops
	f.ops = nil
	return ops
}

func testReliability() config.ReliabilityConfig {
	retries := 2
	r := config.SinkReliabilityConfig{
		Retry: config.RetryConfig{
			MaxRetries:     &retries,
			InitialBackoff: time.Millisecond,
			Multiplier:     2,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 1,
			Cooldown:         time.Hour,
		},
	}
	return config.ReliabilityConfig{Warehouse: r, LiveStatus: r}
}

func newTestDispatcher(t *testing.T, wh Warehouse, live LiveStatusStore) (*Dispatcher, *metrics.Collector, *time.Time) {
	t.Helper()
	collector := metrics.NewCollector()
	d, err := NewDispatcher(DispatcherConfig{
		Warehouse:         wh,
		LiveStatus:        live,
		HeartbeatInterval: 5 * time.Minute,
		Reliability:       testReliability(),
		Metrics:           collector,
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	d.planner.now = func() time.Time { return now }
	return d, collector, &now
}

func TestNewDispatcherRequiresSinks(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{LiveStatus: newFakeLiveStatus()}); err == nil {
		t.Error("expected error without warehouse")
	}
	if _, err := NewDispatcher(DispatcherConfig{Warehouse: &fakeWarehouse{}}); err == nil {
		t.Error("expected error without live status")
	}
}

func TestDispatcherSendToWarehouse(t *testing.T) {
	wh := &fakeWarehouse{}
	d, collector, _ := newTestDispatcher(t, wh, newFakeLiveStatus())

	rec := testRecord("Running", "2024-01-15T08:30:00+0000")
	if err := d.SendToWarehouse(context.Background(), rec); err != nil {
		t.Fatalf("SendToWarehouse() error = %v", err)
	}

	if len(wh.rows) != 1 || !wh.rows[0].Equal(rec) {
		t.Errorf("rows = %v", wh.rows)
	}
	if got := testutil.ToFloat64(collector.SinkDeliveries.WithLabelValues(WarehouseSink, "fake")); got != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
}

func TestDispatcherWarehouseBreakerOpens(t *testing.T) {
	down := errors.New("warehouse unreachable")
	wh := &fakeWarehouse{err: down}
	d, collector, _ := newTestDispatcher(t, wh, newFakeLiveStatus())
	rec := testRecord("Running", "2024-01-15T08:30:00+0000")

	err := d.SendToWarehouse(context.Background(), rec)
	if !errors.Is(err, reliability.ErrMaxRetriesExceeded) || !errors.Is(err, down) {
		t.Fatalf("SendToWarehouse() error = %v", err)
	}
	if wh.calls != 3 {
		t.Errorf("Append called %d times, want 3", wh.calls)
	}
	if d.WarehouseBreaker().State() != reliability.StateOpen {
		t.Fatalf("breaker state = %v, want open", d.WarehouseBreaker().State())
	}

	// Cooling down: the warehouse is not called at all
	err = d.SendToWarehouse(context.Background(), rec)
	if !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Errorf("SendToWarehouse() during cooldown error = %v, want ErrCircuitOpen", err)
	}
	if wh.calls != 3 {
		t.Errorf("Append called %d times during cooldown", wh.calls)
	}

	if got := testutil.ToFloat64(collector.SinkFailures.WithLabelValues(WarehouseSink, "fake", "retries_exhausted")); got != 1 {
		t.Errorf("retries_exhausted failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SinkFailures.WithLabelValues(WarehouseSink, "fake", "circuit_open")); got != 1 {
		t.Errorf("circuit_open failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SinkRetries.WithLabelValues(WarehouseSink)); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.CircuitBreakerState.WithLabelValues(WarehouseSink)); got != float64(reliability.StateOpen) {
		t.Errorf("breaker gauge = %v, want open", got)
	}
}

func TestDispatcherPermanentErrorKeepsBreakerClosed(t *testing.T) {
	wh := &fakeWarehouse{err: reliability.Permanent(errors.New("bad row"))}
	d, collector, _ := newTestDispatcher(t, wh, newFakeLiveStatus())

	err := d.SendToWarehouse(context.Background(), testRecord("Running", "2024-01-15T08:30:00+0000"))
	if !reliability.IsPermanent(err) {
		t.Fatalf("SendToWarehouse() error = %v, want permanent", err)
	}
	if wh.calls != 1 {
		t.Errorf("Append called %d times, want 1", wh.calls)
	}
	if d.WarehouseBreaker().State() != reliability.StateClosed {
		t.Errorf("breaker state = %v, want closed", d.WarehouseBreaker().State())
	}
	if got := testutil.ToFloat64(collector.SinkFailures.WithLabelValues(WarehouseSink, "fake", "rejected")); got != 1 {
		t.Errorf("rejected failures = %v, want 1", got)
	}
}

func TestDispatcherCanceledKeepsBreakerClosed(t *testing.T) {
	wh := &fakeWarehouse{err: errors.New("timeout")}
	d, _, _ := newTestDispatcher(t, wh, newFakeLiveStatus())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.SendToWarehouse(ctx, testRecord("Running", "2024-01-15T08:30:00+0000")); err == nil {
		t.Fatal("expected error")
	}
	if d.WarehouseBreaker().State() != reliability.StateClosed {
		t.Errorf("breaker state = %v, want closed", d.WarehouseBreaker().State())
	}
}

func TestDispatcherLiveStatusSequence(t *testing.T) {
	live := newFakeLiveStatus()
	d, _, now := newTestDispatcher(t, &fakeWarehouse{}, live)
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		status  string
		want    []string
	}{
		{0, "Running", []string{"set:Running"}},
		{time.Second, "Running", nil},
		{time.Second, "Stopped", []string{"set:Stopped"}},
		{time.Second, "Stopped", nil},
		{5 * time.Minute, "Stopped", []string{"touch"}},
		{time.Second, "Stopped", nil},
	}

	for i, step := range steps {
		*now = now.Add(step.advance)
		if err := d.UpdateLiveStatus(ctx, testRecord(step.status, "2024-01-15T08:30:00+0000")); err != nil {
			t.Fatalf("step %d: UpdateLiveStatus() error = %v", i, err)
		}
		got := live.takeOps()
		if len(got) != len(step.want) {
			t.Fatalf("step %d: ops = %v, want %v", i, got, step.want)
		}
		for j := range got {
			if got[j] != step.want[j] {
				t.Errorf("step %d: op[%d] = %s, want %s", i, j, got[j], step.want[j])
			}
		}
	}

	if live.docs["UIP 1 - Calmar [G50-H]"].Status != "Stopped" {
		t.Errorf("stored document = %+v", live.docs)
	}
}

func TestDispatcherTouchFallsBackToSet(t *testing.T) {
	live := newFakeLiveStatus()
	d, _, _ := newTestDispatcher(t, &fakeWarehouse{}, live)

	// Seeded from a checkpoint but the document was never written
	d.Seed(testRecord("Running", "2024-01-15T08:29:00+0000"))

	if err := d.UpdateLiveStatus(context.Background(), testRecord("Running", "2024-01-15T08:30:00+0000")); err != nil {
		t.Fatalf("UpdateLiveStatus() error = %v", err)
	}

	ops := live.takeOps()
	if len(ops) != 2 || ops[0] != "touch" || ops[1] != "set:Running" {
		t.Errorf("ops = %v, want [touch set:Running]", ops)
	}
}

func TestDispatcherFailedSetIsRetriedNextRecord(t *testing.T) {
	live := newFakeLiveStatus()
	d, _, now := newTestDispatcher(t, &fakeWarehouse{}, live)

	live.err = reliability.Permanent(errors.New("rejected"))
	if err := d.UpdateLiveStatus(context.Background(), testRecord("Running", "2024-01-15T08:30:00+0000")); err == nil {
		t.Fatal("expected error")
	}
	live.takeOps()

	live.err = nil
	*now = now.Add(time.Second)
	if err := d.UpdateLiveStatus(context.Background(), testRecord("Running", "2024-01-15T08:30:01+0000")); err != nil {
		t.Fatalf("UpdateLiveStatus() error = %v", err)
	}
	if ops := live.takeOps(); len(ops) != 1 || ops[0] != "set:Running" {
		t.Errorf("ops = %v, want [set:Running]", ops)
	}
}

func TestDispatcherRejectsBadTimestamp(t *testing.T) {
	live := newFakeLiveStatus()
	d, collector, _ := newTestDispatcher(t, &fakeWarehouse{}, live)

	if err := d.UpdateLiveStatus(context.Background(), testRecord("Running", "not a time")); err == nil {
		t.Fatal("expected error")
	}
	if ops := live.takeOps(); len(ops) != 0 {
		t.Errorf("store called: %v", ops)
	}
	if got := testutil.ToFloat64(collector.SinkFailures.WithLabelValues(LiveStatusSink, "fake", "rejected")); got != 1 {
		t.Errorf("rejected failures = %v, want 1", got)
	}
}

func TestDispatcherLatest(t *testing.T) {
	id := types.Identity{Machine: "UIP 1 - Calmar [G50-H]", LocationName: "Calmar"}

	d, _, _ := newTestDispatcher(t, &fakeWarehouse{}, newFakeLiveStatus())
	got, err := d.Latest(context.Background(), id)
	if err != nil || got != nil {
		t.Errorf("Latest() without seeder = %v, %v", got, err)
	}

	rec := testRecord("Stopped", "2024-01-15T08:30:00+0000")
	d, _, _ = newTestDispatcher(t, &seedingWarehouse{latest: rec}, newFakeLiveStatus())
	got, err = d.Latest(context.Background(), id)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("Latest() = %v", got)
	}
}

func TestDispatcherClose(t *testing.T) {
	whErr := errors.New("warehouse close")
	liveErr := errors.New("live close")
	d, _, _ := newTestDispatcher(t, &fakeWarehouse{closeErr: whErr}, &fakeLiveStatus{closeErr: liveErr})

	err := d.Stop(context.Background())
	if !errors.Is(err, whErr) || !errors.Is(err, liveErr) {
		t.Errorf("Stop() error = %v, want both close errors", err)
	}
	if d.Name() != "sinks" {
		t.Errorf("Name() = %q", d.Name())
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{reliability.ErrCircuitOpen, "circuit_open"},
		{context.Canceled, "canceled"},
		{reliability.ErrRetryAborted, "canceled"},
		{reliability.Permanent(errors.New("x")), "rejected"},
		{reliability.ErrMaxRetriesExceeded, "retries_exhausted"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
