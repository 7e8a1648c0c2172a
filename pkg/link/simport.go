package link

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/magloop/loopd/pkg/protocol"
)

// SimPort emulates the actuator controller firmware behind the Port
// interface. It answers every protocol command, tracks position and
// speed, clamps motion to the travel range, and can interleave Status
// and Limit broadcasts the way the real controller does. It backs both
// the test suite and the daemon's simulate mode.
type SimPort struct {
	mu      sync.Mutex
	out     bytes.Buffer
	partial []byte

	pos   int
	home  int
	max   int
	speed int
	step  int

	// msRate converts timed-run milliseconds into feedback counts.
	msRate float64

	emitStatus bool
	script     [][]byte
	dropNext   int
	failNext   int

	timeout time.Duration
	closed  bool
}

// NewSimPort creates a simulated controller parked at home.
func NewSimPort() *SimPort {
	return &SimPort{
		pos:     40,
		home:    40,
		max:     940,
		speed:   50,
		step:    5,
		msRate:  0.5,
		timeout: 20 * time.Millisecond,
	}
}

// SetTravel changes the endpoint feedback values and parks at home.
func (s *SimPort) SetTravel(home, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = home
	s.max = max
	s.pos = home
}

// SetEmitStatus controls whether motion interleaves Status and Limit
// broadcasts before the reply.
func (s *SimPort) SetEmitStatus(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitStatus = enable
}

// ScriptReply queues raw bytes to emit in place of the natural reply to
// the next command. Scripts stack in order.
func (s *SimPort) ScriptReply(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, []byte(raw))
}

// DropReplies swallows the next n commands without answering.
func (s *SimPort) DropReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = n
}

// FailReplies refuses the next n commands with a fail reply.
func (s *SimPort) FailReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Position returns the simulated feedback position.
func (s *SimPort) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Speed returns the simulated motor speed.
func (s *SimPort) Speed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

func (s *SimPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(s.readTimeout())
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, errPortClosed
		}
		if s.out.Len() > 0 {
			n, _ := s.out.Read(b)
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *SimPort) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errPortClosed
	}

	for _, c := range b {
		s.partial = append(s.partial, c)
		if c != protocol.Terminator {
			continue
		}
		name, arg := protocol.ParseCommand(string(s.partial))
		s.partial = s.partial[:0]
		s.handle(name, arg)
	}

	return len(b), nil
}

func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SimPort) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *SimPort) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// handle executes one command. Broadcasts always precede the reply so a
// single read never sees queued bytes behind a reply. Callers hold mu.
func (s *SimPort) handle(name, arg string) {
	if s.dropNext > 0 {
		s.dropNext--
		return
	}
	if len(s.script) > 0 {
		raw := s.script[0]
		s.script = s.script[1:]
		s.out.Write(raw)
		return
	}
	if s.failNext > 0 {
		s.failNext--
		s.emitf("%s:fail;", name)
		return
	}

	switch name {
	case protocol.NameHeartbeat:
		s.emitf("y;")
	case protocol.NameHome:
		s.moveTo(s.home)
		s.emitf("h:%d;", s.pos)
	case protocol.NameMax:
		s.moveTo(s.max)
		s.emitf("x:%d;", s.pos)
	case protocol.NamePosition:
		s.emitf("p:%d;", s.pos)
	case protocol.NameMove:
		target, err := strconv.Atoi(arg)
		if err != nil {
			s.emitf("m:fail;")
			return
		}
		s.moveTo(target)
		s.emitf("m:%d;", s.pos)
	case protocol.NameNudgeForward:
		s.moveTo(s.pos + s.step)
		s.emitf("f:%d;", s.pos)
	case protocol.NameNudgeReverse:
		s.moveTo(s.pos - s.step)
		s.emitf("r:%d;", s.pos)
	case protocol.NameRunForward:
		ms, err := strconv.Atoi(arg)
		if err != nil {
			s.emitf("w:fail;")
			return
		}
		s.moveTo(s.pos + int(float64(ms)*s.msRate))
		s.emitf("w:%d;", s.pos)
	case protocol.NameRunReverse:
		ms, err := strconv.Atoi(arg)
		if err != nil {
			s.emitf("v:fail;")
			return
		}
		s.moveTo(s.pos - int(float64(ms)*s.msRate))
		s.emitf("v:%d;", s.pos)
	case protocol.NameSpeed:
		if arg != "" {
			if n, err := strconv.Atoi(arg); err == nil {
				s.speed = n
			}
		}
		s.emitf("s:%d;", s.speed)
	case protocol.NameAbort:
		s.emitf("a;")
	default:
		s.emitf("%s:fail;", name)
	}
}

// moveTo clamps the target to the travel range and optionally emits the
// broadcasts a moving controller would.
func (s *SimPort) moveTo(target int) {
	lo, hi := s.home, s.max
	if lo > hi {
		lo, hi = hi, lo
	}
	if target < lo {
		target = lo
	}
	if target > hi {
		target = hi
	}

	if s.emitStatus && target != s.pos {
		s.emitf("Status:%d;", (s.pos+target)/2)
		s.emitf("Status:%d;", target)
	}

	s.pos = target

	if s.emitStatus {
		if s.pos == s.home {
			s.emitf("Limit:home;")
		} else if s.pos == s.max {
			s.emitf("Limit:max;")
		}
	}
}

func (s *SimPort) emitf(format string, args ...interface{}) {
	fmt.Fprintf(&s.out, format, args...)
}
