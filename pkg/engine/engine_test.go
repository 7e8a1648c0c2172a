package engine

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/magloop/loopd/pkg/analyzer"
	"github.com/magloop/loopd/pkg/config"
	"github.com/magloop/loopd/pkg/hardware"
	"github.com/magloop/loopd/pkg/link"
	"github.com/magloop/loopd/pkg/position"
	"github.com/magloop/loopd/pkg/storage"
)

// testConfig returns a config with fast ticks and budgets generous
// enough that only the explicit timeout test can exhaust them.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Controller.CommandTimeoutSeconds = 1
	cfg.Controller.TickMs = 10
	cfg.Controller.LongRunningTicks = 400
	cfg.Controller.TransientTicks = 200
	cfg.Controller.RunSegmentMs = 100
	cfg.Controller.DefaultSpeed = 50
	cfg.Analyzer.SweepPoints = 21
	cfg.Loops = []config.LoopConfig{
		{ID: 1, Name: "Bench loop", LowHz: 10e6, HighHz: 16e6, CalSteps: 3},
	}
	return cfg
}

// startEngine wires an engine to the given port through a dispatcher
// and starts both, registering cleanup in reverse order.
func startEngine(t *testing.T, cfg *config.Config, port link.Port, mutate func(*Options)) *Engine {
	t.Helper()

	dispatcher := link.NewDispatcher(port)
	dispatcher.Start()
	t.Cleanup(func() { dispatcher.Close() })

	opts := Options{Config: cfg, Transport: dispatcher}
	if mutate != nil {
		mutate(&opts)
	}

	engine := New(opts)
	if err := engine.Start(); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "loopd-engine-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := storage.NewStore(filepath.Join(tempDir, "test.db"), 10)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// waitIdle polls until no activity is running and returns the snapshot.
func waitIdle(t *testing.T, e *Engine, timeout time.Duration) Snapshot {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if !snap.Busy {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("Engine still busy after %v: activity=%s", timeout, e.Snapshot().Activity)
	return Snapshot{}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestConfigureCapturesAnchors(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	if err := e.Configure(); err != nil {
		t.Fatalf("Failed to start configure: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Configure failed: %s", snap.LastError)
	}
	if !snap.Configured {
		t.Fatal("Expected travel anchors to be configured")
	}
	if snap.Home != 40 || snap.Max != 940 {
		t.Errorf("Expected anchors 40/940, got %d/%d", snap.Home, snap.Max)
	}
	if snap.Feedback != 940 {
		t.Errorf("Expected feedback at max after configure, got %d", snap.Feedback)
	}
	if !snap.Online {
		t.Error("Expected controller online after a successful exchange")
	}
	if snap.LastActivity != "configure" {
		t.Errorf("Expected last activity configure, got %s", snap.LastActivity)
	}
}

func TestConfigureReadsBackTersePosition(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	// A controller that acknowledges the home command without its
	// position forces an explicit position readback.
	sim.ScriptReply("h;")

	if err := e.Configure(); err != nil {
		t.Fatalf("Failed to start configure: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Configure failed: %s", snap.LastError)
	}
	if snap.Home != 40 || snap.Max != 940 {
		t.Errorf("Expected anchors 40/940 via readback, got %d/%d", snap.Home, snap.Max)
	}
}

func TestMoveTo(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	if err := e.Configure(); err != nil {
		t.Fatalf("Failed to start configure: %v", err)
	}
	waitIdle(t, e, 2*time.Second)

	if err := e.MoveTo(300); err != nil {
		t.Fatalf("Failed to start move: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Move failed: %s", snap.LastError)
	}
	if snap.Feedback != 300 {
		t.Errorf("Expected feedback 300, got %d", snap.Feedback)
	}
	if !snap.PercentKnown {
		t.Fatal("Expected percent to be known after configure")
	}
	if snap.Percent != 28.89 {
		t.Errorf("Expected 28.89%% of travel, got %.2f", snap.Percent)
	}
	if sim.Position() != 300 {
		t.Errorf("Expected simulated position 300, got %d", sim.Position())
	}
}

func TestMoveToPercent(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	if err := e.MoveToPercent(50); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured before anchors, got: %v", err)
	}

	if err := e.Configure(); err != nil {
		t.Fatalf("Failed to start configure: %v", err)
	}
	waitIdle(t, e, 2*time.Second)

	if err := e.MoveToPercent(50); err != nil {
		t.Fatalf("Failed to start percent move: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if snap.Feedback != 490 {
		t.Errorf("Expected feedback 490 at half travel, got %d", snap.Feedback)
	}
}

func TestStatusBroadcastsUpdatePosition(t *testing.T) {
	sim := link.NewSimPort()
	sim.SetEmitStatus(true)

	var mu sync.Mutex
	var seen []int
	e := startEngine(t, testConfig(), sim, func(opts *Options) {
		opts.OnChange = func(snap Snapshot) {
			mu.Lock()
			seen = append(seen, snap.Feedback)
			mu.Unlock()
		}
	})

	if err := e.MoveTo(300); err != nil {
		t.Fatalf("Failed to start move: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Move failed: %s", snap.LastError)
	}
	if snap.Feedback != 300 {
		t.Errorf("Expected feedback 300, got %d", snap.Feedback)
	}

	// The simulated controller reports the midpoint on its way to the
	// target; the broadcast must land in the state while the move is
	// still in flight.
	contains := func(want int) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range seen {
			if v == want {
				return true
			}
		}
		return false
	}
	waitFor(t, 2*time.Second, "midpoint status broadcast", func() bool { return contains(170) })
	waitFor(t, 2*time.Second, "target status broadcast", func() bool { return contains(300) })
}

func TestBusyRejectionAndAbort(t *testing.T) {
	// A port that never answers keeps the first activity in flight.
	port := link.NewTestPort()
	e := startEngine(t, testConfig(), port, nil)

	if err := e.MoveTo(200); err != nil {
		t.Fatalf("Failed to start move: %v", err)
	}

	if err := e.MoveTo(300); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy for the second move, got: %v", err)
	}

	snap := e.Snapshot()
	if !snap.Busy {
		t.Error("Expected busy state while the move is in flight")
	}
	if snap.Activity != "move_to" {
		t.Errorf("Expected move_to activity, got %s", snap.Activity)
	}
	if !snap.MotionLocked {
		t.Error("Expected motion lock during an absolute move")
	}

	if err := e.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	snap = waitIdle(t, e, time.Second)
	if !strings.Contains(snap.LastError, "aborted") {
		t.Errorf("Expected aborted error, got %q", snap.LastError)
	}
	if snap.LastActivity != "move_to" {
		t.Errorf("Expected last activity move_to, got %s", snap.LastActivity)
	}
}

func TestActivityTimeoutOnSilentController(t *testing.T) {
	cfg := testConfig()
	cfg.Controller.TransientTicks = 3

	port := link.NewTestPort()
	e := startEngine(t, cfg, port, nil)

	if err := e.Nudge(true); err != nil {
		t.Fatalf("Failed to start nudge: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if !strings.Contains(snap.LastError, "timed out") {
		t.Errorf("Expected timeout error, got %q", snap.LastError)
	}
	if snap.LastActivity != "nudge_forward" {
		t.Errorf("Expected last activity nudge_forward, got %s", snap.LastActivity)
	}
}

func TestReplyMismatchForcesAbort(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	// Answer the move with a reply the engine never asked for.
	sim.ScriptReply("zz:5;")

	if err := e.MoveTo(100); err != nil {
		t.Fatalf("Failed to start move: %v", err)
	}

	snap := waitIdle(t, e, 2*time.Second)
	if !strings.Contains(snap.LastError, "reply name mismatch") {
		t.Errorf("Expected mismatch error, got %q", snap.LastError)
	}
	if snap.Feedback != position.Unset {
		t.Errorf("Expected feedback to stay unset after a mismatch, got %d", snap.Feedback)
	}
}

func TestLateReplyAfterAbortIsDropped(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	// Swallow the first write so the command stays unanswered until
	// the dispatcher rewrites it.
	sim.DropReplies(1)

	if err := e.MoveTo(500); err != nil {
		t.Fatalf("Failed to start move: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := e.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	snap := waitIdle(t, e, time.Second)
	if !strings.Contains(snap.LastError, "aborted") {
		t.Fatalf("Expected aborted error, got %q", snap.LastError)
	}

	// The rewritten command eventually moves the simulated motor, but
	// the late reply must not resurrect the dead activity.
	waitFor(t, 3*time.Second, "rewritten move to reach the motor", func() bool {
		return sim.Position() == 500
	})
	time.Sleep(50 * time.Millisecond)

	snap = e.Snapshot()
	if snap.Busy {
		t.Error("Expected engine idle after the late reply")
	}
	if snap.Feedback != position.Unset {
		t.Errorf("Expected feedback to stay unset, got %d", snap.Feedback)
	}
}

func TestRunRenewsUntilStop(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	if err := e.Run(true); err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}

	snap := e.Snapshot()
	if snap.ActivityClass != "free_running" {
		t.Errorf("Expected free_running class, got %s", snap.ActivityClass)
	}
	if snap.MotionLocked {
		t.Error("A free-running move should not lock motion controls")
	}

	// Each renewed segment advances the simulated motor another 50
	// counts; three segments prove the renewal loop works.
	waitFor(t, 2*time.Second, "feedback to advance across segments", func() bool {
		return e.Snapshot().Feedback >= 190
	})

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	snap = waitIdle(t, e, time.Second)
	if snap.LastError != "" {
		t.Errorf("Expected a clean stop, got error %q", snap.LastError)
	}
	if snap.LastActivity != "run_forward" {
		t.Errorf("Expected last activity run_forward, got %s", snap.LastActivity)
	}
}

func TestSpeedRoundTrip(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	if err := e.SetSpeed(80); err != nil {
		t.Fatalf("Failed to start speed change: %v", err)
	}

	snap := waitIdle(t, e, time.Second)
	if snap.LastError != "" {
		t.Fatalf("Speed change failed: %s", snap.LastError)
	}
	if snap.Speed != 80 {
		t.Errorf("Expected speed 80, got %d", snap.Speed)
	}
	if sim.Speed() != 80 {
		t.Errorf("Expected simulated speed 80, got %d", sim.Speed())
	}

	if err := e.QuerySpeed(); err != nil {
		t.Fatalf("Failed to start speed query: %v", err)
	}
	snap = waitIdle(t, e, time.Second)
	if snap.Speed != 80 {
		t.Errorf("Expected queried speed 80, got %d", snap.Speed)
	}

	if err := e.SetSpeed(101); err == nil {
		t.Error("Expected range error for speed 101")
	}
}

func TestHeartbeatProbeMarksOnline(t *testing.T) {
	cfg := testConfig()
	cfg.Controller.HeartbeatSeconds = 1

	sim := link.NewSimPort()
	e := startEngine(t, cfg, sim, nil)

	if e.Snapshot().Online {
		t.Fatal("Expected controller offline before any exchange")
	}

	waitFor(t, 5*time.Second, "heartbeat probe", func() bool {
		snap := e.Snapshot()
		return snap.Online && !snap.Busy
	})

	// The probe is invisible: it never becomes the last activity.
	if snap := e.Snapshot(); snap.LastActivity != "idle" {
		t.Errorf("Expected heartbeat to stay invisible, got last activity %s", snap.LastActivity)
	}
}

func TestRelayModeSwitch(t *testing.T) {
	relay := hardware.NewRelayManager(hardware.RelayConfig{
		Enabled:    true,
		GPIOPin:    17,
		ActiveHigh: true,
	}, hardware.NewMockGPIO())
	if err := relay.Initialize(); err != nil {
		t.Fatalf("Failed to initialize relay: %v", err)
	}
	defer relay.Close()

	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, func(opts *Options) {
		opts.Relay = relay
	})

	if err := e.SetRelay(hardware.ModeAnalyzer); err != nil {
		t.Fatalf("Failed to switch relay: %v", err)
	}

	snap := e.Snapshot()
	if snap.RelayMode != "analyzer" {
		t.Errorf("Expected analyzer relay mode, got %s", snap.RelayMode)
	}
	if snap.Busy {
		t.Error("A relay switch should complete immediately")
	}

	if err := e.SetRelay(hardware.ModeRadio); err != nil {
		t.Fatalf("Failed to switch relay back: %v", err)
	}
	if got := e.Snapshot().RelayMode; got != "radio" {
		t.Errorf("Expected radio relay mode, got %s", got)
	}
}

func TestCalibrationDeferredBehindConfigure(t *testing.T) {
	store := newTestStore(t)
	sim := link.NewSimPort()

	// Resonance falls linearly as the actuator extends, so the curve
	// recorded by the sweep is strictly monotonic.
	driver := analyzer.NewSimDriver(func() float64 {
		return 16e6 - float64(sim.Position())*6000
	})

	e := startEngine(t, testConfig(), sim, func(opts *Options) {
		opts.Store = store
		opts.Analyzer = analyzer.New(driver)
	})

	// Calibrating an unconfigured engine runs the travel survey first
	// and the sweep automatically after it.
	if err := e.Calibrate(1, "bench sweep"); err != nil {
		t.Fatalf("Failed to start calibration: %v", err)
	}

	snap := waitIdle(t, e, 5*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Calibration failed: %s", snap.LastError)
	}
	if snap.LastActivity != "calibrate" {
		t.Errorf("Expected last activity calibrate, got %s", snap.LastActivity)
	}
	if !snap.Configured {
		t.Fatal("Expected anchors configured by the deferred survey")
	}
	if snap.Feedback != 940 {
		t.Errorf("Expected feedback at the final target, got %d", snap.Feedback)
	}

	sets, err := store.GetCalibrationSets(1)
	if err != nil {
		t.Fatalf("Failed to load calibration sets: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("Expected 1 calibration set, got %d", len(sets))
	}

	set := sets[0]
	if set.Name != "bench sweep" {
		t.Errorf("Expected set name 'bench sweep', got %q", set.Name)
	}
	if len(set.Points) != 3 {
		t.Fatalf("Expected 3 calibration points, got %d", len(set.Points))
	}

	wantPositions := []int{40, 490, 940}
	for i, point := range set.Points {
		if point.Position != wantPositions[i] {
			t.Errorf("Point %d: expected position %d, got %d", i, wantPositions[i], point.Position)
		}
	}
	for i := 1; i < len(set.Points); i++ {
		if set.Points[i].FrequencyHz >= set.Points[i-1].FrequencyHz {
			t.Errorf("Expected frequency to fall with position: %.0f then %.0f",
				set.Points[i-1].FrequencyHz, set.Points[i].FrequencyHz)
		}
	}

	// The engine sits at max travel, so the estimate tracks the low
	// end of the curve within the sweep grid spacing.
	if !snap.EstimateKnown {
		t.Fatal("Expected a resonance estimate at the calibrated position")
	}
	want := 16e6 - 940*6000.0
	if diff := math.Abs(snap.EstimatedHz - want); diff > 200e3 {
		t.Errorf("Expected estimate near %.0f Hz, got %.0f Hz", want, snap.EstimatedHz)
	}

	// Midway between two points the interpolation splits the pair.
	mid := (set.Points[0].FrequencyHz + set.Points[1].FrequencyHz) / 2
	point, err := e.EstimateAt(265)
	if err != nil {
		t.Fatalf("Failed to estimate at 265: %v", err)
	}
	if math.Abs(point.FrequencyHz-mid) > 1 {
		t.Errorf("Expected interpolated frequency %.0f Hz, got %.0f Hz", mid, point.FrequencyHz)
	}
	if point.SWR != set.Points[0].SWR {
		t.Errorf("Expected SWR carried from the low point, got %.2f", point.SWR)
	}

	pos, err := e.PositionForFrequency(mid)
	if err != nil {
		t.Fatalf("Failed to map frequency to position: %v", err)
	}
	if pos < 264 || pos > 266 {
		t.Errorf("Expected position near 265 for %.0f Hz, got %d", mid, pos)
	}

	// Tune drives to the mapped position.
	if err := e.Tune(1, mid); err != nil {
		t.Fatalf("Failed to start tune: %v", err)
	}
	snap = waitIdle(t, e, 3*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Tune failed: %s", snap.LastError)
	}
	if snap.LastActivity != "tune" {
		t.Errorf("Expected last activity tune, got %s", snap.LastActivity)
	}
	if snap.Feedback < 264 || snap.Feedback > 266 {
		t.Errorf("Expected tune to land near 265, got %d", snap.Feedback)
	}
}

func TestFrequencyLimitsSurvey(t *testing.T) {
	store := newTestStore(t)
	sim := link.NewSimPort()

	driver := analyzer.NewSimDriver(func() float64 {
		return 16e6 - float64(sim.Position())*6000
	})

	e := startEngine(t, testConfig(), sim, func(opts *Options) {
		opts.Store = store
		opts.Analyzer = analyzer.New(driver)
	})

	if err := e.FrequencyLimits(1); err != nil {
		t.Fatalf("Failed to start survey: %v", err)
	}

	snap := waitIdle(t, e, 3*time.Second)
	if snap.LastError != "" {
		t.Fatalf("Survey failed: %s", snap.LastError)
	}
	if snap.LastActivity != "frequency_limits" {
		t.Errorf("Expected last activity frequency_limits, got %s", snap.LastActivity)
	}

	record, err := store.GetLoop(1)
	if err != nil {
		t.Fatalf("Failed to load loop record: %v", err)
	}
	if record.LowHz >= record.HighHz {
		t.Fatalf("Expected ordered limits, got %.0f / %.0f", record.LowHz, record.HighHz)
	}

	// Home resonates high, full extension resonates low. The wide
	// survey grid quantizes the dip, so the tolerance is one step.
	if math.Abs(record.HighHz-15.76e6) > 1e6 {
		t.Errorf("Expected high limit near 15.76 MHz, got %.0f Hz", record.HighHz)
	}
	if math.Abs(record.LowHz-10.36e6) > 1e6 {
		t.Errorf("Expected low limit near 10.36 MHz, got %.0f Hz", record.LowHz)
	}
}

func TestStateRestoredAcrossRestart(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()

	sim := link.NewSimPort()
	dispatcher := link.NewDispatcher(sim)
	dispatcher.Start()
	t.Cleanup(func() { dispatcher.Close() })

	first := New(Options{Config: cfg, Transport: dispatcher, Store: store})
	if err := first.Start(); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}

	if err := first.Configure(); err != nil {
		t.Fatalf("Failed to start configure: %v", err)
	}
	waitIdle(t, first, 2*time.Second)

	if err := first.SetSpeed(80); err != nil {
		t.Fatalf("Failed to set speed: %v", err)
	}
	waitIdle(t, first, time.Second)
	first.Close()

	// A fresh engine on the same store knows the anchors and speed
	// without another survey, but not the live position.
	second := New(Options{Config: cfg, Transport: dispatcher, Store: store})
	if err := second.Start(); err != nil {
		t.Fatalf("Failed to restart engine: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	snap := second.Snapshot()
	if !snap.Configured {
		t.Fatal("Expected anchors restored from storage")
	}
	if snap.Home != 40 || snap.Max != 940 {
		t.Errorf("Expected restored anchors 40/940, got %d/%d", snap.Home, snap.Max)
	}
	if snap.Speed != 80 {
		t.Errorf("Expected restored speed 80, got %d", snap.Speed)
	}
	if snap.Feedback != position.Unset {
		t.Errorf("Expected live position forgotten after restart, got %d", snap.Feedback)
	}
}

func TestRequestValidation(t *testing.T) {
	sim := link.NewSimPort()
	e := startEngine(t, testConfig(), sim, nil)

	t.Run("Negative Move Target", func(t *testing.T) {
		if err := e.MoveTo(-2); err == nil {
			t.Error("Expected error for negative feedback target")
		}
	})

	t.Run("Loop Out Of Range", func(t *testing.T) {
		if err := e.Calibrate(4, ""); err == nil {
			t.Error("Expected error for loop id 4")
		}
	})

	t.Run("Timed Run Too Long", func(t *testing.T) {
		if err := e.MoveTimed(true, 60001); err == nil {
			t.Error("Expected error for a 60001 ms run")
		}
	})

	t.Run("Zero Frequency Tune", func(t *testing.T) {
		if err := e.Tune(1, 0); err == nil {
			t.Error("Expected error for 0 Hz tune")
		}
	})

	t.Run("Limits Without Analyzer", func(t *testing.T) {
		err := e.FrequencyLimits(1)
		if err == nil || !strings.Contains(err.Error(), "analyzer") {
			t.Errorf("Expected analyzer requirement error, got: %v", err)
		}
	})

	t.Run("Relay Not Enabled", func(t *testing.T) {
		if err := e.SetRelay(hardware.ModeAnalyzer); err == nil {
			t.Error("Expected error without a relay")
		}
	})
}
