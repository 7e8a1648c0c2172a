package engine

import (
	"sync"
	"time"

	"github.com/magloop/loopd/pkg/hardware"
	"github.com/magloop/loopd/pkg/position"
)

// Snapshot is a point-in-time copy of the device state, shaped for JSON
// status responses and telemetry publishes.
type Snapshot struct {
	Online        bool      `json:"online"`
	Activity      string    `json:"activity"`
	ActivityClass string    `json:"activity_class"`
	Busy          bool      `json:"busy"`
	MotionLocked  bool      `json:"motion_locked"`
	Feedback      int       `json:"feedback"`
	Percent       float64   `json:"percent"`
	PercentKnown  bool      `json:"percent_known"`
	Home          int       `json:"home"`
	Max           int       `json:"max"`
	Configured    bool      `json:"configured"`
	Speed         int       `json:"speed"`
	ActiveLoop    int       `json:"active_loop"`
	RelayMode     string    `json:"relay_mode"`
	EstimatedHz   float64   `json:"estimated_hz"`
	EstimatedSWR  float64   `json:"estimated_swr"`
	EstimateKnown bool      `json:"estimate_known"`
	LastActivity  string    `json:"last_activity"`
	LastError     string    `json:"last_error"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StateStore holds the live device state behind a single lock. The
// coordinator writes it from the control loop; status handlers, the
// websocket pusher and the telemetry publisher read snapshots from
// their own goroutines.
type StateStore struct {
	mu sync.RWMutex

	mapper   *position.Mapper
	feedback int
	speed    int
	online   bool

	activeLoop int
	relayMode  hardware.Mode

	activity     Activity
	lastActivity Activity
	lastError    string

	estimatedHz   float64
	estimatedSWR  float64
	estimateKnown bool
}

// NewStateStore returns a state store with nothing known yet: feedback
// and anchors unset, the device presumed offline until the first
// successful exchange.
func NewStateStore() *StateStore {
	return &StateStore{
		mapper:     position.NewMapper(),
		feedback:   position.Unset,
		activeLoop: 1,
		relayMode:  hardware.ModeRadio,
	}
}

// SetFeedback records the last reported feedback position.
func (s *StateStore) SetFeedback(feedback int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = feedback
}

// Feedback returns the last reported feedback position, or
// position.Unset when none has been seen.
func (s *StateStore) Feedback() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feedback
}

// SetAnchors records the home and max feedback anchors discovered by a
// configure run.
func (s *StateStore) SetAnchors(home, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapper.SetHome(home)
	s.mapper.SetMax(max)
}

// Anchors returns the current home and max anchors. Either may be
// position.Unset before the device has been configured.
func (s *StateStore) Anchors() (home, max int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper.Anchors()
}

// Configured reports whether both travel anchors are known.
func (s *StateStore) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper.Configured()
}

// Percent maps the current feedback onto the configured travel span.
func (s *StateStore) Percent() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.feedback == position.Unset {
		return 0, false
	}
	return s.mapper.ToPercent(s.feedback)
}

// Analog maps a percent position back onto the feedback scale.
func (s *StateStore) Analog(percent float64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper.ToAnalog(percent)
}

// SetSpeed records the last acknowledged motor speed.
func (s *StateStore) SetSpeed(speed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = speed
}

// Speed returns the last acknowledged motor speed.
func (s *StateStore) Speed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speed
}

// SetOnline marks the controller reachable or unreachable.
func (s *StateStore) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// Online reports whether the controller answered recently.
func (s *StateStore) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetActiveLoop records which antenna loop the daemon is operating.
func (s *StateStore) SetActiveLoop(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeLoop = id
}

// ActiveLoop returns the loop the daemon is operating.
func (s *StateStore) ActiveLoop() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLoop
}

// SetRelayMode records which side of the changeover relay the antenna
// is switched to.
func (s *StateStore) SetRelayMode(mode hardware.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayMode = mode
}

// RelayMode returns the current changeover relay side.
func (s *StateStore) RelayMode() hardware.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relayMode
}

// SetActivity records the activity currently holding the controller.
func (s *StateStore) SetActivity(a Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = a
}

// Activity returns the activity currently holding the controller.
func (s *StateStore) Activity() Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}

// SetLastResult records how the most recent activity ended. A nil-error
// outcome clears any earlier failure message.
func (s *StateStore) SetLastResult(a Activity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = a
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

// SetEstimate records the interpolated or measured resonance at the
// current position.
func (s *StateStore) SetEstimate(frequencyHz, swr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimatedHz = frequencyHz
	s.estimatedSWR = swr
	s.estimateKnown = true
}

// ClearEstimate drops the resonance estimate, typically because the
// position moved outside every calibrated span.
func (s *StateStore) ClearEstimate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimatedHz = 0
	s.estimatedSWR = 0
	s.estimateKnown = false
}

// Estimate returns the current resonance estimate, if one is known.
func (s *StateStore) Estimate() (frequencyHz, swr float64, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimatedHz, s.estimatedSWR, s.estimateKnown
}

// Snapshot returns a consistent copy of the whole state.
func (s *StateStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	home, max := s.mapper.Anchors()
	percent, percentKnown := 0.0, false
	if s.feedback != position.Unset {
		percent, percentKnown = s.mapper.ToPercent(s.feedback)
	}

	return Snapshot{
		Online:        s.online,
		Activity:      s.activity.String(),
		ActivityClass: s.activity.Class().String(),
		Busy:          s.activity != ActivityNone,
		MotionLocked:  s.activity.BlocksMotion(),
		Feedback:      s.feedback,
		Percent:       percent,
		PercentKnown:  percentKnown,
		Home:          home,
		Max:           max,
		Configured:    s.mapper.Configured(),
		Speed:         s.speed,
		ActiveLoop:    s.activeLoop,
		RelayMode:     s.relayMode.String(),
		EstimatedHz:   s.estimatedHz,
		EstimatedSWR:  s.estimatedSWR,
		EstimateKnown: s.estimateKnown,
		LastActivity:  s.lastActivity.String(),
		LastError:     s.lastError,
		UpdatedAt:     time.Now().UTC(),
	}
}
