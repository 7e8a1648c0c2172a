// Package engine coordinates activities against the loop controller.
//
// Exactly one activity owns the serial link at a time. A periodic tick
// loop drains a mailbox of step results and broadcasts, advances
// multi-step activities, enforces per-activity tick budgets, and keeps
// the shared device state current. Dispatch goroutines only ever post
// results into the mailbox; all activity state changes happen under the
// engine lock.
package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/magloop/loopd/pkg/analyzer"
	"github.com/magloop/loopd/pkg/calibration"
	"github.com/magloop/loopd/pkg/config"
	"github.com/magloop/loopd/pkg/hardware"
	"github.com/magloop/loopd/pkg/link"
	"github.com/magloop/loopd/pkg/logging"
	"github.com/magloop/loopd/pkg/position"
	"github.com/magloop/loopd/pkg/protocol"
	"github.com/magloop/loopd/pkg/storage"
)

var (
	// ErrBusy rejects a start while another activity is running.
	ErrBusy = errors.New("another activity is running")

	// ErrActivityTimeout marks an activity aborted after exhausting its
	// tick budget.
	ErrActivityTimeout = errors.New("activity timed out")

	// ErrMismatch marks a reply whose name did not match the command in
	// flight. The engine force-aborts the controller when this happens.
	ErrMismatch = errors.New("reply name mismatch")

	// ErrAborted marks an activity ended by an abort request.
	ErrAborted = errors.New("activity aborted")

	// ErrNotConfigured rejects operations that need the travel anchors
	// before a configure run has established them.
	ErrNotConfigured = errors.New("travel anchors not configured")
)

// Transport is the command side of the serial link as the engine uses
// it. *link.Dispatcher satisfies it.
type Transport interface {
	Send(cmd protocol.Command, timeout time.Duration) (protocol.Frame, error)
	Subscribe() (string, <-chan protocol.Frame)
	Unsubscribe(id string)
}

// Device state keys persisted across restarts.
const (
	stateKeyHome       = "home"
	stateKeyMax        = "max"
	stateKeySpeed      = "speed"
	stateKeyActiveLoop = "active_loop"
)

// Fallback sweep range when a loop has no frequency limits yet.
const (
	defaultSweepStartHz = 1e6
	defaultSweepStopHz  = 30e6
)

// stepResult is what a dispatch goroutine posts into the mailbox. The
// generation ties it to the activity that issued the step; results from
// a superseded generation are dropped without touching state.
type stepResult struct {
	generation  uint64
	frame       protocol.Frame
	measurement *analyzer.Measurement
	err         error
}

// request carries the parameters of an activity start.
type request struct {
	activity Activity
	target   int
	ms       int
	speed    int
	loopID   int
	name     string
	hz       float64
}

// running is the state of the activity currently holding the link.
type running struct {
	activity  Activity
	class     Class
	ticksLeft int

	// expect is the reply name the in-flight step must carry. Empty
	// while an analyzer measurement is in flight.
	expect string
	step   int

	relayHeld bool

	// configure anchor capture
	homeAnchor int
	maxAnchor  int

	// calibrate
	set     *calibration.Set
	targets []int
	next    int
	sweep   analyzer.SweepConfig

	// tune and direct moves
	target int

	// frequency limits capture
	loopID     int
	freqAtHome float64
	freqAtMax  float64

	// free-running and timed segments
	ms         int
	awaitRenew bool
}

// Engine owns the controller: it serializes activities, runs the tick
// loop, maintains the state store and persists what must survive a
// restart.
type Engine struct {
	config    *config.Config
	transport Transport
	state     *StateStore
	store     *storage.Store
	analyzer  *analyzer.Analyzer
	relay     *hardware.RelayManager
	onChange  func(Snapshot)

	timeout        time.Duration
	tick           time.Duration
	heartbeatEvery time.Duration
	settle         time.Duration

	mu           sync.Mutex
	started      bool
	generation   uint64
	current      *running
	deferred     *request
	lastExchange time.Time
	lastProbe    time.Time

	// sets caches the calibration data for the active loop so status
	// broadcasts can refresh the resonance estimate without a query.
	sets []calibration.Set

	results    chan stepResult
	broadcasts <-chan protocol.Frame
	subID      string
	done       chan struct{}
	wg         sync.WaitGroup
}

// Options wires the engine to its collaborators. Store, Analyzer, Relay
// and OnChange are optional; the engine degrades gracefully without
// them.
type Options struct {
	Config    *config.Config
	Transport Transport
	State     *StateStore
	Store     *storage.Store
	Analyzer  *analyzer.Analyzer
	Relay     *hardware.RelayManager

	// OnChange is invoked with a fresh snapshot after activity
	// completions and position updates. Called from its own goroutine.
	OnChange func(Snapshot)
}

// New creates an engine. Call Start to begin processing.
func New(opts Options) *Engine {
	state := opts.State
	if state == nil {
		state = NewStateStore()
	}
	state.SetSpeed(opts.Config.Controller.DefaultSpeed)

	return &Engine{
		config:         opts.Config,
		transport:      opts.Transport,
		state:          state,
		store:          opts.Store,
		analyzer:       opts.Analyzer,
		relay:          opts.Relay,
		onChange:       opts.OnChange,
		timeout:        opts.Config.CommandTimeout(),
		tick:           opts.Config.Tick(),
		heartbeatEvery: time.Duration(opts.Config.Controller.HeartbeatSeconds) * time.Second,
		settle:         time.Duration(opts.Config.Analyzer.SettleMs) * time.Millisecond,
		results:        make(chan stepResult, 8),
		done:           make(chan struct{}),
	}
}

// State returns the shared state store.
func (e *Engine) State() *StateStore {
	return e.state
}

// Snapshot returns a copy of the current device state.
func (e *Engine) Snapshot() Snapshot {
	return e.state.Snapshot()
}

// Start restores persisted state, subscribes to controller broadcasts
// and launches the tick loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	e.lastExchange = time.Now()

	e.restoreStateLocked()
	e.reloadCalibrationLocked()
	e.refreshEstimateLocked()

	e.subID, e.broadcasts = e.transport.Subscribe()

	e.wg.Add(1)
	go e.run()

	logging.Infof("engine", "Engine started (tick %v, command timeout %v)", e.tick, e.timeout)
	return nil
}

// Close stops the tick loop. The activity in flight, if any, is
// abandoned; its results are discarded when they arrive.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.generation++
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	e.transport.Unsubscribe(e.subID)

	logging.Info("engine", "Engine stopped")
	return nil
}

// run is the control loop. Everything that mutates activity state runs
// on this goroutine or under the engine lock.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case frame, ok := <-e.broadcasts:
			if !ok {
				return
			}
			e.handleBroadcast(frame)
		case res := <-e.results:
			e.handleResult(res)
		case <-ticker.C:
			e.handleTick()
		}
	}
}

// Configure homes the actuator, runs it to max and records both
// feedback anchors.
func (e *Engine) Configure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: ActivityConfigure})
}

// Calibrate sweeps the loop across its travel, measuring resonance at
// evenly spaced positions. If the anchors are unknown a configure run
// starts first and the calibration follows automatically.
func (e *Engine) Calibrate(loopID int, name string) error {
	if !calibration.ValidLoopID(loopID) {
		return fmt.Errorf("loop id %d out of range (1-3)", loopID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return ErrBusy
	}

	req := request{activity: ActivityCalibrate, loopID: loopID, name: name}
	if !e.state.Configured() {
		if err := e.startLocked(request{activity: ActivityConfigure}); err != nil {
			return err
		}
		e.deferred = &req
		logging.Infof("engine", "Configure scheduled ahead of calibration for loop %d", loopID)
		return nil
	}
	return e.startLocked(req)
}

// Tune moves the actuator to the position the calibration data maps to
// the requested frequency. With an analyzer attached the result is
// verified with a measurement.
func (e *Engine) Tune(loopID int, hz float64) error {
	if !calibration.ValidLoopID(loopID) {
		return fmt.Errorf("loop id %d out of range (1-3)", loopID)
	}
	if hz <= 0 {
		return fmt.Errorf("frequency %v Hz out of range", hz)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Configured() {
		return ErrNotConfigured
	}
	return e.startLocked(request{activity: ActivityTune, loopID: loopID, hz: hz})
}

// MoveTo drives the actuator to an absolute feedback position.
func (e *Engine) MoveTo(feedback int) error {
	if feedback < 0 {
		return fmt.Errorf("feedback position %d out of range", feedback)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: ActivityMoveTo, target: feedback})
}

// MoveToPercent drives the actuator to a percent of the configured
// travel span.
func (e *Engine) MoveToPercent(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent position %.2f out of range", percent)
	}

	target, ok := e.state.Analog(percent)
	if !ok {
		return ErrNotConfigured
	}
	return e.MoveTo(target)
}

// Run starts a free-running move that renews itself in segments until
// Stop or Abort.
func (e *Engine) Run(forward bool) error {
	activity := ActivityRunReverse
	if forward {
		activity = ActivityRunForward
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: activity})
}

// Nudge steps the actuator one increment in the given direction.
func (e *Engine) Nudge(forward bool) error {
	activity := ActivityNudgeReverse
	if forward {
		activity = ActivityNudgeForward
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: activity})
}

// MoveTimed runs the motor for a fixed number of milliseconds.
func (e *Engine) MoveTimed(forward bool, ms int) error {
	if ms <= 0 || ms > 60000 {
		return fmt.Errorf("run duration %d ms out of range (1-60000)", ms)
	}

	activity := ActivityMoveReverseMs
	if forward {
		activity = ActivityMoveForwardMs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: activity, ms: ms})
}

// SetSpeed asks the controller to change the motor speed.
func (e *Engine) SetSpeed(speed int) error {
	if speed < 0 || speed > 100 {
		return fmt.Errorf("speed %d out of range (0-100)", speed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: ActivitySpeedChange, speed: speed})
}

// QuerySpeed asks the controller for its current motor speed.
func (e *Engine) QuerySpeed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: ActivitySpeedChange, speed: -1})
}

// SetRelay switches the changeover relay. This touches only the relay,
// never the serial link, and completes immediately.
func (e *Engine) SetRelay(mode hardware.Mode) error {
	activity := ActivityRelayOff
	if mode == hardware.ModeAnalyzer {
		activity = ActivityRelayOn
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return ErrBusy
	}
	if e.relay == nil {
		return errors.New("relay is not enabled")
	}

	err := e.relay.SetMode(mode)
	if err == nil {
		e.state.SetRelayMode(mode)
	}
	e.state.SetLastResult(activity, err)
	metricActivitiesTotal.WithLabelValues(activity.String(), resultLabel(err)).Inc()
	e.notify()
	return err
}

// FrequencyLimits sweeps both travel endpoints with the analyzer and
// records the loop's usable frequency range.
func (e *Engine) FrequencyLimits(loopID int) error {
	if !calibration.ValidLoopID(loopID) {
		return fmt.Errorf("loop id %d out of range (1-3)", loopID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(request{activity: ActivityFrequencyLimits, loopID: loopID})
}

// Abort cancels whatever is running, clears any deferred follow-up and
// sends the abort command to the controller. Legal in any state.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	e.deferred = nil
	e.sendAbortAsync()
	if e.current != nil {
		e.finishLocked(fmt.Errorf("%s: %w", e.current.activity, ErrAborted))
	}
	return nil
}

// Stop ends a free-running move cleanly. For anything else it behaves
// like Abort.
func (e *Engine) Stop() error {
	e.mu.Lock()

	if e.current != nil && e.current.class == ClassFreeRunning {
		e.generation++
		e.sendAbortAsync()
		e.finishLocked(nil)
		e.mu.Unlock()
		return nil
	}

	e.mu.Unlock()
	return e.Abort()
}

// SetActiveLoop selects which antenna loop the daemon operates and
// reloads its calibration data.
func (e *Engine) SetActiveLoop(loopID int) error {
	if !calibration.ValidLoopID(loopID) {
		return fmt.Errorf("loop id %d out of range (1-3)", loopID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return ErrBusy
	}

	e.setActiveLoopLocked(loopID)
	e.notify()
	return nil
}

// ReloadCalibration refreshes the cached calibration sets, typically
// after one was deleted through the API.
func (e *Engine) ReloadCalibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reloadCalibrationLocked()
	e.refreshEstimateLocked()
}

// EstimateAt interpolates the resonance at an arbitrary feedback
// position from the active loop's calibration data.
func (e *Engine) EstimateAt(feedback int) (calibration.Point, error) {
	e.mu.Lock()
	sets := e.sets
	e.mu.Unlock()
	return calibration.Estimate(sets, feedback)
}

// PositionForFrequency maps a frequency to a feedback position using
// the active loop's calibration data.
func (e *Engine) PositionForFrequency(hz float64) (int, error) {
	e.mu.Lock()
	sets := e.sets
	e.mu.Unlock()
	return calibration.PositionFor(sets, hz)
}

// startLocked validates a request, installs it as the running activity
// and dispatches its first step. Callers hold the engine lock.
func (e *Engine) startLocked(req request) error {
	if !e.started {
		return errors.New("engine is not running")
	}
	if e.current != nil {
		return ErrBusy
	}

	run := &running{
		activity:   req.activity,
		class:      req.activity.Class(),
		ticksLeft:  e.budgetFor(req.activity.Class()),
		homeAnchor: position.Unset,
		maxAnchor:  position.Unset,
	}

	var cmd protocol.Command
	var expect string

	switch req.activity {
	case ActivityHeartbeat:
		cmd, expect = protocol.Heartbeat(), protocol.NameHeartbeat

	case ActivityConfigure:
		cmd, expect = protocol.Home(), protocol.NameHome

	case ActivityCalibrate:
		if e.analyzer == nil {
			return errors.New("calibration requires the analyzer")
		}
		if !e.state.Configured() {
			return ErrNotConfigured
		}
		home, max := e.state.Anchors()
		loopCfg, _ := e.config.LoopByID(req.loopID)

		name := req.name
		if name == "" {
			name = fmt.Sprintf("%s %s", e.config.LoopName(req.loopID), time.Now().Format("2006-01-02 15:04"))
		}

		run.loopID = req.loopID
		run.set = calibration.NewSet(req.loopID, name)
		run.targets = calibrationTargets(home, max, loopCfg.CalSteps)
		run.sweep = e.sweepForLoop(req.loopID)
		if err := e.holdRelay(run); err != nil {
			return err
		}
		if req.loopID != e.state.ActiveLoop() {
			e.setActiveLoopLocked(req.loopID)
		}
		cmd, expect = protocol.Move(run.targets[0]), protocol.NameMove

	case ActivityTune:
		if req.loopID != e.state.ActiveLoop() {
			e.setActiveLoopLocked(req.loopID)
		}
		if len(e.sets) == 0 {
			return fmt.Errorf("no calibration sets for loop %d", req.loopID)
		}
		target, err := calibration.PositionFor(e.sets, req.hz)
		if err != nil {
			return fmt.Errorf("tune %.0f Hz: %w", req.hz, err)
		}
		run.target = target
		run.sweep = e.sweepForLoop(req.loopID)
		if e.analyzer != nil {
			// Verification is best effort; a stuck relay should not
			// block the move itself.
			if err := e.holdRelay(run); err != nil {
				logging.Warnf("engine", "Skipping tune verification: %v", err)
			}
		}
		cmd, expect = protocol.Move(target), protocol.NameMove

	case ActivityMoveTo:
		run.target = req.target
		cmd, expect = protocol.Move(req.target), protocol.NameMove

	case ActivityRunForward:
		run.ms = e.config.Controller.RunSegmentMs
		cmd, expect = protocol.RunForward(run.ms), protocol.NameRunForward

	case ActivityRunReverse:
		run.ms = e.config.Controller.RunSegmentMs
		cmd, expect = protocol.RunReverse(run.ms), protocol.NameRunReverse

	case ActivityNudgeForward:
		cmd, expect = protocol.NudgeForward(), protocol.NameNudgeForward

	case ActivityNudgeReverse:
		cmd, expect = protocol.NudgeReverse(), protocol.NameNudgeReverse

	case ActivityMoveForwardMs:
		run.ms = req.ms
		cmd, expect = protocol.RunForward(req.ms), protocol.NameRunForward

	case ActivityMoveReverseMs:
		run.ms = req.ms
		cmd, expect = protocol.RunReverse(req.ms), protocol.NameRunReverse

	case ActivitySpeedChange:
		if req.speed >= 0 {
			cmd = protocol.SetSpeed(req.speed)
		} else {
			cmd = protocol.QuerySpeed()
		}
		expect = protocol.NameSpeed

	case ActivityFrequencyLimits:
		if e.analyzer == nil {
			return errors.New("frequency limits require the analyzer")
		}
		run.loopID = req.loopID
		run.sweep = analyzer.SweepConfig{
			StartHz: defaultSweepStartHz,
			StopHz:  defaultSweepStopHz,
			Points:  e.sweepPoints(),
		}
		if err := e.holdRelay(run); err != nil {
			return err
		}
		cmd, expect = protocol.Home(), protocol.NameHome

	default:
		return fmt.Errorf("activity %s cannot be started", req.activity)
	}

	e.generation++
	e.current = run
	e.state.SetActivity(req.activity)
	if req.activity != ActivityHeartbeat {
		logging.Infof("engine", "Activity started: %s", req.activity)
	}

	e.dispatch(cmd, expect)
	return nil
}

// budgetFor returns the tick budget an activity class starts with.
// Free-running activities renew theirs on every completed segment.
func (e *Engine) budgetFor(class Class) int {
	if class == ClassLongRunning {
		return e.config.Controller.LongRunningTicks
	}
	return e.config.Controller.TransientTicks
}

// dispatch sends a command from its own goroutine and posts the result
// into the mailbox tagged with the current generation.
func (e *Engine) dispatch(cmd protocol.Command, expect string) {
	gen := e.generation
	e.current.expect = expect

	go func() {
		frame, err := e.transport.Send(cmd, e.timeout)
		select {
		case e.results <- stepResult{generation: gen, frame: frame, err: err}:
		case <-e.done:
		}
	}()
}

// dispatchMeasure settles, runs an analyzer measurement and posts the
// result into the mailbox.
func (e *Engine) dispatchMeasure() {
	gen := e.generation
	sweep := e.current.sweep
	settle := e.settle
	e.current.expect = ""

	go func() {
		if settle > 0 {
			select {
			case <-time.After(settle):
			case <-e.done:
				return
			}
		}

		m, err := e.analyzer.Measure(sweep)
		res := stepResult{generation: gen, err: err}
		if err == nil {
			res.measurement = &m
		}
		select {
		case e.results <- res:
		case <-e.done:
		}
	}()
}

// sendAbortAsync fires the abort command without waiting for its
// outcome. The send runs on its own goroutine and serializes behind
// any command in flight.
func (e *Engine) sendAbortAsync() {
	go func() {
		if _, err := e.transport.Send(protocol.Abort(), e.timeout); err != nil {
			logging.Warnf("engine", "Abort command failed: %v", err)
		}
	}()
}

// handleResult applies one mailbox entry to the running activity.
func (e *Engine) handleResult(res stepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || res.generation != e.generation {
		metricStaleResults.Inc()
		logging.Debugf("engine", "Dropping stale step result (generation %d)", res.generation)
		return
	}

	if res.err != nil {
		if errors.Is(res.err, link.ErrLink) || errors.Is(res.err, link.ErrExhausted) {
			e.state.SetOnline(false)
		}
		e.finishLocked(fmt.Errorf("%s: %w", e.current.activity, res.err))
		return
	}

	if res.measurement != nil {
		e.advanceMeasure(*res.measurement)
		return
	}

	e.lastExchange = time.Now()
	e.state.SetOnline(true)

	if res.frame.Name != e.current.expect {
		e.forceAbortLocked(fmt.Errorf("%s: expected %q reply, got %q: %w",
			e.current.activity, e.current.expect, res.frame.Name, ErrMismatch))
		return
	}

	e.advanceReply(res.frame)
}

// advanceReply moves the running activity forward after a matching
// reply.
func (e *Engine) advanceReply(frame protocol.Frame) {
	run := e.current

	switch run.activity {
	case ActivityHeartbeat:
		e.finishLocked(nil)

	case ActivityConfigure:
		e.advanceConfigure(frame)

	case ActivityCalibrate:
		e.state.SetFeedback(run.targets[run.next])
		e.dispatchMeasure()

	case ActivityTune, ActivityMoveTo:
		e.state.SetFeedback(run.target)
		e.refreshEstimateLocked()
		if run.activity == ActivityTune && run.relayHeld {
			e.dispatchMeasure()
			return
		}
		e.finishLocked(nil)

	case ActivityRunForward, ActivityRunReverse:
		if v, ok := frame.Param.Int(); ok {
			e.state.SetFeedback(v)
			e.refreshEstimateLocked()
		}
		// Renew the budget and let the next tick dispatch the next
		// segment, pacing the renewals until an explicit stop.
		run.ticksLeft = e.budgetFor(ClassFreeRunning)
		run.awaitRenew = true
		e.notify()

	case ActivityNudgeForward, ActivityNudgeReverse, ActivityMoveForwardMs, ActivityMoveReverseMs:
		if v, ok := frame.Param.Int(); ok {
			e.state.SetFeedback(v)
			e.refreshEstimateLocked()
		}
		e.finishLocked(nil)

	case ActivitySpeedChange:
		if v, ok := frame.Param.Int(); ok {
			e.state.SetSpeed(v)
			e.persistDeviceState(stateKeySpeed, strconv.Itoa(v))
		}
		e.finishLocked(nil)

	case ActivityFrequencyLimits:
		e.advanceLimits(frame)

	default:
		e.finishLocked(fmt.Errorf("%s: unexpected reply %q", run.activity, frame.Raw))
	}
}

// advanceConfigure walks the home/max anchor capture. Controllers that
// answer with their position let us skip the explicit readback.
func (e *Engine) advanceConfigure(frame protocol.Frame) {
	run := e.current

	switch run.step {
	case 0: // home reply
		if v, ok := frame.Param.Int(); ok {
			run.homeAnchor = v
			run.step = 2
			e.dispatch(protocol.Max(), protocol.NameMax)
			return
		}
		run.step = 1
		e.dispatch(protocol.Position(), protocol.NamePosition)

	case 1: // position readback after homing
		v, ok := frame.Param.Int()
		if !ok {
			e.finishLocked(errors.New("configure: position readback carried no value"))
			return
		}
		run.homeAnchor = v
		run.step = 2
		e.dispatch(protocol.Max(), protocol.NameMax)

	case 2: // max reply
		if v, ok := frame.Param.Int(); ok {
			run.maxAnchor = v
			e.finishConfigure()
			return
		}
		run.step = 3
		e.dispatch(protocol.Position(), protocol.NamePosition)

	case 3: // position readback at max
		v, ok := frame.Param.Int()
		if !ok {
			e.finishLocked(errors.New("configure: position readback carried no value"))
			return
		}
		run.maxAnchor = v
		e.finishConfigure()
	}
}

func (e *Engine) finishConfigure() {
	run := e.current

	e.state.SetAnchors(run.homeAnchor, run.maxAnchor)
	e.state.SetFeedback(run.maxAnchor)
	e.persistDeviceState(stateKeyHome, strconv.Itoa(run.homeAnchor))
	e.persistDeviceState(stateKeyMax, strconv.Itoa(run.maxAnchor))

	logging.Infof("engine", "Travel anchors configured: home=%d max=%d", run.homeAnchor, run.maxAnchor)
	e.finishLocked(nil)
}

// advanceLimits walks the endpoint survey: home, measure, max, measure.
func (e *Engine) advanceLimits(frame protocol.Frame) {
	run := e.current

	if v, ok := frame.Param.Int(); ok {
		e.state.SetFeedback(v)
		// Keep the anchors honest while we are at the endpoints anyway.
		home, max := e.state.Anchors()
		if run.step == 0 {
			home = v
		} else {
			max = v
		}
		if home != position.Unset && max != position.Unset {
			e.state.SetAnchors(home, max)
		}
	}

	e.dispatchMeasure()
}

// advanceMeasure routes an analyzer result to the activity that asked
// for it.
func (e *Engine) advanceMeasure(m analyzer.Measurement) {
	run := e.current

	switch run.activity {
	case ActivityCalibrate:
		run.set.Append(calibration.Point{
			Position:    run.targets[run.next],
			FrequencyHz: m.FrequencyHz,
			SWR:         m.SWR,
		})
		metricCalibrationPoints.Inc()
		logging.Debugf("engine", "Calibration point %d/%d: position=%d f=%.0f Hz swr=%.2f",
			run.next+1, len(run.targets), run.targets[run.next], m.FrequencyHz, m.SWR)

		run.next++
		if run.next < len(run.targets) {
			e.dispatch(protocol.Move(run.targets[run.next]), protocol.NameMove)
			return
		}
		e.finishCalibrate()

	case ActivityTune:
		e.state.SetEstimate(m.FrequencyHz, m.SWR)
		logging.Infof("engine", "Tune verified: f=%.0f Hz swr=%.2f", m.FrequencyHz, m.SWR)
		e.finishLocked(nil)

	case ActivityFrequencyLimits:
		if run.step == 0 {
			run.freqAtHome = m.FrequencyHz
			run.step = 1
			e.dispatch(protocol.Max(), protocol.NameMax)
			return
		}
		run.freqAtMax = m.FrequencyHz
		e.finishLimits()

	default:
		e.finishLocked(fmt.Errorf("%s: unexpected measurement", run.activity))
	}
}

func (e *Engine) finishCalibrate() {
	run := e.current

	if e.store != nil {
		if err := e.store.SaveCalibrationSet(run.set); err != nil {
			e.finishLocked(fmt.Errorf("calibrate: %w", err))
			return
		}
	}
	if e.state.ActiveLoop() == run.loopID {
		e.reloadCalibrationLocked()
		e.refreshEstimateLocked()
	}

	logging.Infof("engine", "Calibration set %s saved with %d points", run.set.ID, len(run.set.Points))
	e.finishLocked(nil)
}

func (e *Engine) finishLimits() {
	run := e.current

	lowHz := math.Min(run.freqAtHome, run.freqAtMax)
	highHz := math.Max(run.freqAtHome, run.freqAtMax)

	if e.store != nil {
		if err := e.store.SetFrequencyLimits(run.loopID, lowHz, highHz); err != nil {
			e.finishLocked(fmt.Errorf("frequency limits: %w", err))
			return
		}
	}

	logging.Infof("engine", "Frequency limits for loop %d: %.0f Hz to %.0f Hz", run.loopID, lowHz, highHz)
	e.finishLocked(nil)
}

// handleBroadcast folds unsolicited controller traffic into the state.
func (e *Engine) handleBroadcast(frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindStatus:
		v, ok := frame.Param.Int()
		if !ok {
			return
		}
		e.mu.Lock()
		e.state.SetFeedback(v)
		e.refreshEstimateLocked()
		e.mu.Unlock()
		e.notify()

	case protocol.KindLimit:
		logging.Infof("engine", "Controller limit: %s", frame.Param.Text())
		if v, ok := frame.Param.Int(); ok {
			e.mu.Lock()
			e.state.SetFeedback(v)
			e.refreshEstimateLocked()
			e.mu.Unlock()
			e.notify()
		}

	case protocol.KindDebug:
		logging.Debugf("engine", "Controller debug: %s", frame.Raw)
	}
}

// handleTick burns one tick of the running activity's budget, or probes
// the controller when the engine has been idle long enough.
func (e *Engine) handleTick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		e.current.ticksLeft--
		if e.current.ticksLeft <= 0 {
			metricActivityTimeouts.Inc()
			e.forceAbortLocked(fmt.Errorf("%s: %w", e.current.activity, ErrActivityTimeout))
			return
		}
		if e.current.awaitRenew {
			e.current.awaitRenew = false
			if e.current.activity == ActivityRunForward {
				e.dispatch(protocol.RunForward(e.current.ms), protocol.NameRunForward)
			} else {
				e.dispatch(protocol.RunReverse(e.current.ms), protocol.NameRunReverse)
			}
		}
		return
	}

	if e.heartbeatEvery <= 0 {
		return
	}
	if time.Since(e.lastExchange) < e.heartbeatEvery || time.Since(e.lastProbe) < e.heartbeatEvery {
		return
	}

	e.lastProbe = time.Now()
	if err := e.startLocked(request{activity: ActivityHeartbeat}); err != nil {
		logging.Debugf("engine", "Heartbeat not started: %v", err)
	}
}

// forceAbortLocked tells the controller to stop, invalidates in-flight
// results and fails the running activity.
func (e *Engine) forceAbortLocked(err error) {
	e.generation++
	e.deferred = nil
	e.sendAbortAsync()
	e.finishLocked(err)
}

// finishLocked retires the running activity, restores the relay, saves
// partial calibration data and starts the deferred follow-up on
// success.
func (e *Engine) finishLocked(err error) {
	run := e.current
	if run == nil {
		return
	}
	e.current = nil

	if run.relayHeld && e.relay != nil {
		if rerr := e.relay.SetMode(hardware.ModeRadio); rerr != nil {
			logging.Warnf("engine", "Failed to park relay on radio side: %v", rerr)
		} else {
			e.state.SetRelayMode(hardware.ModeRadio)
		}
	}

	// A sweep that dies mid-way keeps its collected points.
	if run.activity == ActivityCalibrate && err != nil && run.set != nil && len(run.set.Points) > 0 && e.store != nil {
		if serr := e.store.SaveCalibrationSet(run.set); serr != nil {
			logging.Warnf("engine", "Failed to save partial calibration set: %v", serr)
		} else {
			logging.Infof("engine", "Saved partial calibration set %s with %d points", run.set.ID, len(run.set.Points))
			if e.state.ActiveLoop() == run.loopID {
				e.reloadCalibrationLocked()
			}
		}
	}

	e.state.SetActivity(ActivityNone)
	if run.activity != ActivityHeartbeat {
		e.state.SetLastResult(run.activity, err)
	}
	metricActivitiesTotal.WithLabelValues(run.activity.String(), resultLabel(err)).Inc()

	if err != nil {
		if run.activity == ActivityHeartbeat {
			logging.Debugf("engine", "Heartbeat failed: %v", err)
		} else {
			logging.Errorf("engine", "Activity %s failed: %v", run.activity, err)
		}
		e.deferred = nil
	} else {
		if run.activity != ActivityHeartbeat {
			logging.Infof("engine", "Activity complete: %s", run.activity)
		}
		if e.deferred != nil {
			req := *e.deferred
			e.deferred = nil
			if serr := e.startLocked(req); serr != nil {
				logging.Errorf("engine", "Deferred %s failed to start: %v", req.activity, serr)
				e.state.SetLastResult(req.activity, serr)
			}
		}
	}

	e.notify()
}

// holdRelay switches the antenna to the analyzer side for the duration
// of the activity.
func (e *Engine) holdRelay(run *running) error {
	if e.relay == nil {
		return nil
	}
	if err := e.relay.SetMode(hardware.ModeAnalyzer); err != nil {
		return fmt.Errorf("failed to switch relay to analyzer: %w", err)
	}
	e.state.SetRelayMode(hardware.ModeAnalyzer)
	run.relayHeld = true
	return nil
}

// setActiveLoopLocked switches loops, persists the choice and reloads
// the calibration cache.
func (e *Engine) setActiveLoopLocked(loopID int) {
	e.state.SetActiveLoop(loopID)
	e.persistDeviceState(stateKeyActiveLoop, strconv.Itoa(loopID))
	e.reloadCalibrationLocked()
	e.refreshEstimateLocked()
	logging.Infof("engine", "Active loop: %d (%s)", loopID, e.config.LoopName(loopID))
}

// reloadCalibrationLocked refreshes the cached sets for the active
// loop.
func (e *Engine) reloadCalibrationLocked() {
	if e.store == nil {
		e.sets = nil
		return
	}

	sets, err := e.store.GetCalibrationSets(e.state.ActiveLoop())
	if err != nil {
		logging.Warnf("engine", "Failed to load calibration sets: %v", err)
		return
	}
	e.sets = sets
}

// refreshEstimateLocked recomputes the resonance estimate for the
// current feedback position.
func (e *Engine) refreshEstimateLocked() {
	fb := e.state.Feedback()
	if fb == position.Unset || len(e.sets) == 0 {
		e.state.ClearEstimate()
		return
	}

	p, err := calibration.Estimate(e.sets, fb)
	if err != nil {
		e.state.ClearEstimate()
		return
	}
	e.state.SetEstimate(p.FrequencyHz, p.SWR)
}

// restoreStateLocked brings back what earlier runs persisted.
func (e *Engine) restoreStateLocked() {
	if e.store == nil {
		return
	}

	if v, ok, _ := e.store.GetDeviceState(stateKeyActiveLoop); ok {
		if id, err := strconv.Atoi(v); err == nil && calibration.ValidLoopID(id) {
			e.state.SetActiveLoop(id)
		}
	}

	home, max := position.Unset, position.Unset
	if v, ok, _ := e.store.GetDeviceState(stateKeyHome); ok {
		if n, err := strconv.Atoi(v); err == nil {
			home = n
		}
	}
	if v, ok, _ := e.store.GetDeviceState(stateKeyMax); ok {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	if home != position.Unset && max != position.Unset {
		e.state.SetAnchors(home, max)
		logging.Infof("engine", "Restored travel anchors: home=%d max=%d", home, max)
	}

	if v, ok, _ := e.store.GetDeviceState(stateKeySpeed); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.state.SetSpeed(n)
		}
	}
}

// persistDeviceState writes one durable key, logging instead of failing
// when storage is absent or unhappy.
func (e *Engine) persistDeviceState(key, value string) {
	if e.store == nil {
		return
	}
	if err := e.store.SetDeviceState(key, value); err != nil {
		logging.Warnf("engine", "Failed to persist %s: %v", key, err)
	}
}

// sweepForLoop builds the analyzer sweep for a loop, preferring the
// runtime limits in storage over the static config and falling back
// to the full supported range.
func (e *Engine) sweepForLoop(loopID int) analyzer.SweepConfig {
	sweep := analyzer.SweepConfig{Points: e.sweepPoints()}

	if e.store != nil {
		if record, err := e.store.GetLoop(loopID); err == nil && record != nil {
			sweep.StartHz, sweep.StopHz = record.LowHz, record.HighHz
		}
	}
	if sweep.StartHz <= 0 || sweep.StopHz <= sweep.StartHz {
		if loopCfg, ok := e.config.LoopByID(loopID); ok {
			sweep.StartHz, sweep.StopHz = loopCfg.LowHz, loopCfg.HighHz
		}
	}
	if sweep.StartHz <= 0 || sweep.StopHz <= sweep.StartHz {
		sweep.StartHz, sweep.StopHz = defaultSweepStartHz, defaultSweepStopHz
	}
	return sweep
}

func (e *Engine) sweepPoints() int {
	if e.config.Analyzer.SweepPoints > 0 {
		return e.config.Analyzer.SweepPoints
	}
	return 101
}

// notify pushes a snapshot to the change listener without blocking the
// control loop.
func (e *Engine) notify() {
	if e.onChange == nil {
		return
	}
	go e.onChange(e.state.Snapshot())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrActivityTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// calibrationTargets spaces measurement positions evenly across the
// travel span, deduplicating when the span is narrower than the step
// count.
func calibrationTargets(home, max, steps int) []int {
	if steps < 2 {
		steps = 2
	}

	span := max - home
	targets := make([]int, 0, steps)
	for i := 0; i < steps; i++ {
		t := home + int(math.Round(float64(i)*float64(span)/float64(steps-1)))
		if len(targets) > 0 && targets[len(targets)-1] == t {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}
