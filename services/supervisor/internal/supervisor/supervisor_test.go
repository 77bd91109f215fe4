package supervisor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/recordroom/ttcontrol/internal/db"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
)

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = nil
}

type fakeSwitch struct {
	name     string
	j        *journal
	activity models.SwitchActivity
	failSet  int
	on       bool
}

func (f *fakeSwitch) SetPower(_ context.Context, on bool) error {
	call := f.name + " off"
	if on {
		call = f.name + " on"
	}
	f.j.add(call)
	if f.failSet > 0 {
		f.failSet--
		return &models.CommunicationError{Device: f.name, Op: "Switch.Set", StatusCode: 500}
	}
	f.on = on
	return nil
}

func (f *fakeSwitch) Activity(context.Context) models.SwitchActivity {
	return f.activity
}

type fakeReceiver struct {
	j            *journal
	sent         bool
	failStartup  int
	failShutdown int
	startupTime  time.Duration
}

func (f *fakeReceiver) Startup(_ context.Context, input, soundMode string, volume float64) error {
	f.j.add("receiver startup")
	time.Sleep(f.startupTime)
	if f.failStartup > 0 {
		f.failStartup--
		return &models.CommunicationError{Device: "receiver", Op: "PWON", StatusCode: 503}
	}
	return nil
}

func (f *fakeReceiver) Shutdown(_ context.Context, input string) (bool, error) {
	f.j.add("receiver shutdown")
	if f.failShutdown > 0 {
		f.failShutdown--
		return false, &models.CommunicationError{Device: "receiver", Op: "status", StatusCode: 500}
	}
	return f.sent, nil
}

type fakeStore struct {
	plays      []db.PlayRecord
	failRecord error
}

func (f *fakeStore) NextSessionID(context.Context) (int, error) {
	maxID := 0
	for _, p := range f.plays {
		if p.SessionID > maxID {
			maxID = p.SessionID
		}
	}
	return maxID + 1, nil
}

func (f *fakeStore) RecordPlay(_ context.Context, runtimeSeconds, sessionID int) (db.PlayRecord, error) {
	if f.failRecord != nil {
		return db.PlayRecord{}, f.failRecord
	}
	rec := db.PlayRecord{
		ID:             int64(len(f.plays) + 1),
		Timestamp:      time.Now().UTC(),
		RuntimeSeconds: runtimeSeconds,
		SessionID:      sessionID,
	}
	f.plays = append(f.plays, rec)
	return rec, nil
}

func (f *fakeStore) SessionRuntime(_ context.Context, sessionID int) (int, error) {
	total := 0
	for _, p := range f.plays {
		if p.SessionID == sessionID {
			total += p.RuntimeSeconds
		}
	}
	return total, nil
}

func (f *fakeStore) TotalRuntime(context.Context) (int, error) {
	total := 0
	for _, p := range f.plays {
		total += p.RuntimeSeconds
	}
	return total, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	sup       *Supervisor
	j         *journal
	turntable *fakeSwitch
	preAmp    *fakeSwitch
	receiver  *fakeReceiver
	store     *fakeStore
	clock     *fakeClock
	logs      *observer.ObservedLogs
	reg       *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		j:         j,
		turntable: &fakeSwitch{name: "turntable", j: j, activity: models.ActivityIdle},
		preAmp:    &fakeSwitch{name: "pre-amp", j: j},
		receiver:  &fakeReceiver{j: j, sent: true},
		store:     &fakeStore{},
		clock:     &fakeClock{now: time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)},
		logs:      logs,
		reg:       prometheus.NewRegistry(),
	}
	h.sup = New(h.turntable, h.preAmp, h.receiver, h.store, Options{
		Input:      "CD",
		SoundMode:  "STEREO",
		Volume:     -40,
		Thresholds: testThresholds,
		Retry:      RetryPolicy{Attempts: 2, Initial: time.Millisecond},
		Clock:      h.clock,
		Metrics:    NewMetrics(h.reg),
	}, zap.New(core))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sup.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	h.j.reset()
}

// step sets the switch activity, advances the clock and ticks once.
func (h *harness) step(t *testing.T, activity models.SwitchActivity, after time.Duration) {
	t.Helper()
	h.turntable.activity = activity
	h.clock.advance(after)
	if err := h.sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func (h *harness) wantState(t *testing.T, want models.SupervisorState) {
	t.Helper()
	if got := h.sup.Snapshot().State; got != want.String() {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestStartupOrderAndSession(t *testing.T) {
	h := newHarness(t)
	h.store.plays = []db.PlayRecord{{ID: 1, RuntimeSeconds: 300, SessionID: 4}}

	if err := h.sup.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	want := []string{"turntable on", "receiver shutdown", "pre-amp off"}
	if got := h.j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("startup calls = %v, want %v", got, want)
	}
	snap := h.sup.Snapshot()
	if snap.State != "idle" || snap.SessionID != 5 {
		t.Errorf("snapshot = %+v, want idle session 5", snap)
	}
	if !h.turntable.on || h.preAmp.on {
		t.Errorf("turntable on=%v pre-amp on=%v", h.turntable.on, h.preAmp.on)
	}
}

func TestStartupFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.turntable.failSet = 5

	err := h.sup.Startup(context.Background())
	var ce *models.CommunicationError
	if !errors.As(err, &ce) {
		t.Fatalf("Startup error = %v, want CommunicationError", err)
	}
	if got := h.j.list(); len(got) != 2 {
		t.Errorf("calls = %v, want two turntable attempts only", got)
	}
}

func TestPlayLifecycle(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.step(t, models.ActivityRunning, 5*time.Second)
	h.wantState(t, models.StateRunning)
	if got, want := h.j.list(), []string{"pre-amp on", "receiver startup"}; !reflect.DeepEqual(got, want) {
		t.Errorf("start calls = %v, want %v", got, want)
	}

	h.step(t, models.ActivityIdle, 61*time.Second)
	h.wantState(t, models.StateStandby)
	if len(h.store.plays) != 1 {
		t.Fatalf("plays = %+v, want one", h.store.plays)
	}
	if p := h.store.plays[0]; p.RuntimeSeconds != 61 || p.SessionID != 1 {
		t.Errorf("play = %+v, want 61s in session 1", p)
	}

	h.j.reset()
	h.step(t, models.ActivityOff, 10*time.Minute+time.Second)
	h.wantState(t, models.StateIdle)
	if got, want := h.j.list(), []string{"receiver shutdown", "pre-amp off"}; !reflect.DeepEqual(got, want) {
		t.Errorf("shutdown calls = %v, want %v", got, want)
	}
	if got := h.sup.Snapshot().SessionID; got != 2 {
		t.Errorf("session = %d, want 2", got)
	}
	if got := testutil.ToFloat64(h.sup.opts.Metrics.plays); got != 1 {
		t.Errorf("plays metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.sup.opts.Metrics.transitions.WithLabelValues("standby", "idle")); got != 1 {
		t.Errorf("standby->idle transitions = %v, want 1", got)
	}
}

func TestShortPlayIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.step(t, models.ActivityRunning, 0)
	h.step(t, models.ActivityIdle, 59*time.Second)
	h.wantState(t, models.StateStandby)
	if len(h.store.plays) != 0 {
		t.Errorf("plays = %+v, want none", h.store.plays)
	}
}

func TestStandbyWaitsForDelay(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.step(t, models.ActivityRunning, 0)
	h.step(t, models.ActivityIdle, 2*time.Minute)
	h.j.reset()

	h.step(t, models.ActivityOff, 9*time.Minute)
	h.wantState(t, models.StateStandby)
	if got := h.j.list(); len(got) != 0 {
		t.Errorf("calls before shutdown delay = %v, want none", got)
	}
}

func TestReceiverLeftOnForOtherInput(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.receiver.sent = false
	h.step(t, models.ActivityRunning, 0)
	h.step(t, models.ActivityIdle, 2*time.Minute)

	h.step(t, models.ActivityIdle, 11*time.Minute)
	h.wantState(t, models.StateIdle)
	if h.preAmp.on {
		t.Error("pre-amp should be off even when the receiver stays on")
	}
	if h.logs.FilterMessage("receiver left on, another input is active").Len() != 1 {
		t.Error("expected a log entry for the skipped receiver power-off")
	}
}

func TestResumeRestartsPlayClock(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.step(t, models.ActivityRunning, 0)
	h.step(t, models.ActivityIdle, 30*time.Second)
	h.step(t, models.ActivityRunning, 2*time.Minute)
	h.wantState(t, models.StateRunning)
	h.step(t, models.ActivityIdle, 70*time.Second)

	if len(h.store.plays) != 1 || h.store.plays[0].RuntimeSeconds != 70 {
		t.Errorf("plays = %+v, want one 70s play", h.store.plays)
	}
}

func TestUnreadableSwitchHoldsState(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.step(t, models.ActivityRunning, 0)
	h.j.reset()

	for i := 0; i < 3; i++ {
		h.step(t, models.ActivityError, 10*time.Minute)
		h.wantState(t, models.StateRunning)
	}
	if !h.sup.Snapshot().Degraded {
		t.Error("snapshot should report degraded while the switch is unreadable")
	}
	if got := h.logs.FilterMessage("turntable switch unreadable, holding state").Len(); got != 1 {
		t.Errorf("unreadable warnings = %d, want 1", got)
	}
	if got := h.j.list(); len(got) != 0 {
		t.Errorf("device calls while unreadable = %v, want none", got)
	}

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateWarn)
	if h.sup.Snapshot().Degraded {
		t.Error("degraded should clear once the switch is readable")
	}
	if got := h.logs.FilterMessage("turntable switch readable again").Len(); got != 1 {
		t.Errorf("recovery logs = %d, want 1", got)
	}
	if got := testutil.ToFloat64(h.sup.opts.Metrics.switchErrors); got != 3 {
		t.Errorf("switch error metric = %v, want 3", got)
	}
}

func TestWarnClearsWithoutRecording(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.step(t, models.ActivityRunning, 0)

	h.step(t, models.ActivityRunning, 25*time.Minute+time.Second)
	h.wantState(t, models.StateWarn)
	if h.logs.FilterMessage("turntable has been running too long, stop the record").Len() != 1 {
		t.Error("expected a stop warning")
	}

	h.j.reset()
	h.step(t, models.ActivityIdle, time.Minute)
	h.wantState(t, models.StateIdle)
	if len(h.store.plays) != 0 {
		t.Errorf("plays = %+v, want none", h.store.plays)
	}
	if got := h.j.list(); len(got) != 0 {
		t.Errorf("device calls on warn clear = %v, want none", got)
	}
	if got := h.sup.Snapshot().SessionID; got != 1 {
		t.Errorf("session = %d, want unchanged 1", got)
	}
}

func TestDeviceFailureHoldsUntilNextTick(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.preAmp.failSet = 2

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateIdle)
	if got := testutil.ToFloat64(h.sup.opts.Metrics.effectFailures.WithLabelValues("pre_amp_on")); got != 1 {
		t.Errorf("effect failure metric = %v, want 1", got)
	}

	h.step(t, models.ActivityRunning, 2*time.Second)
	h.wantState(t, models.StateRunning)
	if !h.preAmp.on {
		t.Error("pre-amp should be on after the retried transition")
	}
}

func TestReceiverShutdownFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.step(t, models.ActivityRunning, 0)
	h.step(t, models.ActivityIdle, 2*time.Minute)
	h.receiver.failShutdown = 2

	h.step(t, models.ActivityOff, 11*time.Minute)
	h.wantState(t, models.StateStandby)
	if got := h.sup.Snapshot().SessionID; got != 1 {
		t.Errorf("session = %d, want 1 until shutdown succeeds", got)
	}

	h.step(t, models.ActivityOff, 2*time.Second)
	h.wantState(t, models.StateIdle)
	if got := h.sup.Snapshot().SessionID; got != 2 {
		t.Errorf("session = %d, want 2", got)
	}
}

func TestStorageFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.store.failRecord = errors.New("disk full")
	h.step(t, models.ActivityRunning, 0)

	h.turntable.activity = models.ActivityIdle
	h.clock.advance(2 * time.Minute)
	if err := h.sup.Tick(context.Background()); err == nil {
		t.Fatal("Tick should return storage errors")
	}
	h.wantState(t, models.StateRunning)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := 0
	h.sup.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		ticks++
		if ticks == 3 {
			cancel()
		}
		return ctx.Err()
	}
	if err := h.sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestRunReturnsStartupError(t *testing.T) {
	h := newHarness(t)
	h.preAmp.failSet = 5
	if err := h.sup.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when startup fails")
	}
}

func TestSnapshotBeforeStartup(t *testing.T) {
	h := newHarness(t)
	snap := h.sup.Snapshot()
	if snap.TimeInStateSeconds != 0 || !snap.StateEnteredAt.Equal(h.clock.now) {
		t.Errorf("snapshot before startup = %+v, want time in state 0", snap)
	}
}

func TestReceiverStartupRetriedWithinTick(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.receiver.failStartup = 1

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateRunning)
	want := []string{"pre-amp on", "receiver startup", "receiver startup"}
	if got := h.j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestSlowReceiverStartupStillRetried(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.receiver.failStartup = 1
	h.receiver.startupTime = 60 * time.Millisecond
	h.sup.opts.Retry = RetryPolicy{Attempts: 3, Initial: time.Millisecond, MaxInterval: 40 * time.Millisecond}

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateRunning)
	startups := 0
	for _, call := range h.j.list() {
		if call == "receiver startup" {
			startups++
		}
	}
	if startups != 2 {
		t.Errorf("receiver startups = %d, want 2", startups)
	}
}

func TestReceiverStartupFailureTurnsPreAmpBackOff(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.receiver.failStartup = 5

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateIdle)
	want := []string{"pre-amp on", "receiver startup", "receiver startup", "pre-amp off"}
	if got := h.j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if h.preAmp.on {
		t.Error("pre-amp should be off after the transition failed")
	}
	if got := testutil.ToFloat64(h.sup.opts.Metrics.effectFailures.WithLabelValues("receiver_startup")); got != 1 {
		t.Errorf("receiver_startup failures = %v, want 1", got)
	}
}

func TestPreAmpLeftOnIsLogged(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.receiver.failStartup = 5

	h.sup.preAmp = &failOffSwitch{fakeSwitch: h.preAmp}

	h.step(t, models.ActivityRunning, 0)
	h.wantState(t, models.StateIdle)
	if got := h.logs.FilterMessage("pre-amp left powered on after failed transition").Len(); got != 1 {
		t.Errorf("left-on errors = %d, want 1", got)
	}
}

// failOffSwitch accepts power-on but rejects power-off.
type failOffSwitch struct {
	*fakeSwitch
}

func (f *failOffSwitch) SetPower(ctx context.Context, on bool) error {
	if !on {
		f.j.add(f.name + " off")
		return &models.CommunicationError{Device: f.name, Op: "Switch.Set", StatusCode: 500}
	}
	return f.fakeSwitch.SetPower(ctx, on)
}
