package protocol

import (
	"strconv"
	"strings"
)

// Controller command names. Replies echo the command name.
const (
	NameHeartbeat    = "y"
	NameHome         = "h"
	NameMax          = "x"
	NamePosition     = "p"
	NameMove         = "m"
	NameNudgeForward = "f"
	NameNudgeReverse = "r"
	NameRunForward   = "w"
	NameRunReverse   = "v"
	NameSpeed        = "s"
	NameAbort        = "a"
)

// Broadcast names emitted by the controller on its own schedule.
const (
	NameStatus = "Status"
	NameLimit  = "Limit"
	NameDebug  = "Dbg"
)

// Command is an outbound frame of the form name[,arg];
type Command struct {
	Name string
	Arg  string
}

// Encode renders the command as wire bytes.
func (c Command) Encode() []byte {
	if c.Arg == "" {
		return []byte(c.Name + string(Terminator))
	}
	return []byte(c.Name + "," + c.Arg + string(Terminator))
}

// String returns the wire form as text.
func (c Command) String() string {
	return string(c.Encode())
}

// ParseCommand splits a command frame back into name and argument. The
// controller side of the link uses this; it is also the inverse of
// Encode.
func ParseCommand(raw string) (name, arg string) {
	text := strings.TrimSuffix(strings.TrimSpace(raw), string(Terminator))
	if i := strings.Index(text, ","); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}

// Heartbeat builds the presence check command.
func Heartbeat() Command {
	return Command{Name: NameHeartbeat}
}

// Home builds the drive-to-home command.
func Home() Command {
	return Command{Name: NameHome}
}

// Max builds the drive-to-max command.
func Max() Command {
	return Command{Name: NameMax}
}

// Position builds the feedback readback command.
func Position() Command {
	return Command{Name: NamePosition}
}

// Move builds an absolute move to a feedback value.
func Move(feedback int) Command {
	return Command{Name: NameMove, Arg: strconv.Itoa(feedback)}
}

// NudgeForward builds a single-step forward nudge.
func NudgeForward() Command {
	return Command{Name: NameNudgeForward}
}

// NudgeReverse builds a single-step reverse nudge.
func NudgeReverse() Command {
	return Command{Name: NameNudgeReverse}
}

// RunForward builds a timed forward run in milliseconds.
func RunForward(ms int) Command {
	return Command{Name: NameRunForward, Arg: strconv.Itoa(ms)}
}

// RunReverse builds a timed reverse run in milliseconds.
func RunReverse(ms int) Command {
	return Command{Name: NameRunReverse, Arg: strconv.Itoa(ms)}
}

// QuerySpeed builds the motor speed readback command.
func QuerySpeed() Command {
	return Command{Name: NameSpeed}
}

// SetSpeed builds the motor speed change command.
func SetSpeed(speed int) Command {
	return Command{Name: NameSpeed, Arg: strconv.Itoa(speed)}
}

// Abort builds the stop-motion command.
func Abort() Command {
	return Command{Name: NameAbort}
}
