package engine

// Activity identifies what the controller is currently being asked to do.
// Exactly one activity runs at a time; everything else waits or is rejected.
type Activity int

const (
	ActivityNone Activity = iota
	ActivityHeartbeat
	ActivityConfigure
	ActivityCalibrate
	ActivityTune
	ActivityMoveTo
	ActivityRunForward
	ActivityRunReverse
	ActivityNudgeForward
	ActivityNudgeReverse
	ActivityMoveForwardMs
	ActivityMoveReverseMs
	ActivitySpeedChange
	ActivityRelayOn
	ActivityRelayOff
	ActivityFrequencyLimits
)

// String returns the activity name used in status output and logs.
func (a Activity) String() string {
	switch a {
	case ActivityNone:
		return "idle"
	case ActivityHeartbeat:
		return "heartbeat"
	case ActivityConfigure:
		return "configure"
	case ActivityCalibrate:
		return "calibrate"
	case ActivityTune:
		return "tune"
	case ActivityMoveTo:
		return "move_to"
	case ActivityRunForward:
		return "run_forward"
	case ActivityRunReverse:
		return "run_reverse"
	case ActivityNudgeForward:
		return "nudge_forward"
	case ActivityNudgeReverse:
		return "nudge_reverse"
	case ActivityMoveForwardMs:
		return "move_forward_ms"
	case ActivityMoveReverseMs:
		return "move_reverse_ms"
	case ActivitySpeedChange:
		return "speed_change"
	case ActivityRelayOn:
		return "relay_on"
	case ActivityRelayOff:
		return "relay_off"
	case ActivityFrequencyLimits:
		return "frequency_limits"
	default:
		return "unknown"
	}
}

// Class groups activities by how they occupy the controller.
//
// Long-running activities hold the motor for several exchanges and lock
// out motion controls until they complete. Free-running activities keep
// the motor moving in renewed segments until an explicit stop or abort.
// Transient activities finish on a single reply.
type Class int

const (
	ClassNone Class = iota
	ClassLongRunning
	ClassFreeRunning
	ClassTransient
)

// String returns the class name exposed in status output.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassLongRunning:
		return "long_running"
	case ClassFreeRunning:
		return "free_running"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Class returns the scheduling class of the activity.
func (a Activity) Class() Class {
	switch a {
	case ActivityConfigure, ActivityCalibrate, ActivityTune, ActivityMoveTo, ActivityFrequencyLimits:
		return ClassLongRunning
	case ActivityRunForward, ActivityRunReverse:
		return ClassFreeRunning
	case ActivityHeartbeat, ActivityNudgeForward, ActivityNudgeReverse,
		ActivityMoveForwardMs, ActivityMoveReverseMs, ActivitySpeedChange,
		ActivityRelayOn, ActivityRelayOff:
		return ClassTransient
	default:
		return ClassNone
	}
}

// BlocksMotion reports whether motion controls should be rejected while
// the activity runs. Free-running moves accept a stop, so only the
// long-running activities hard-lock the motor.
func (a Activity) BlocksMotion() bool {
	return a.Class() == ClassLongRunning
}
