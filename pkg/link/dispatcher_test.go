package link

import (
	"errors"
	"testing"
	"time"

	"github.com/magloop/loopd/pkg/protocol"
)

func startDispatcher(t *testing.T, port Port) *Dispatcher {
	t.Helper()
	d := NewDispatcher(port)
	d.Start()
	t.Cleanup(func() { d.Close() })
	return d
}

func collectBroadcasts(ch <-chan protocol.Frame, wait time.Duration) []protocol.Frame {
	var frames []protocol.Frame
	deadline := time.After(wait)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-deadline:
			return frames
		}
	}
}

func TestSendSuccess(t *testing.T) {
	sim := NewSimPort()
	d := startDispatcher(t, sim)

	frame, err := d.Send(protocol.Heartbeat(), time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if frame.Name != "y" {
		t.Errorf("Expected reply 'y', got %q", frame.Name)
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	port := NewTestPort()
	d := startDispatcher(t, port)

	_, err := d.Send(protocol.Position(), 60*time.Millisecond)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got: %v", err)
	}
	if got := port.WriteCount(); got != 5 {
		t.Errorf("Expected exactly 5 write attempts, got %d", got)
	}
}

func TestSendRewritesFullFrame(t *testing.T) {
	port := NewTestPort()
	d := startDispatcher(t, port)

	d.Send(protocol.Move(300), 40*time.Millisecond)

	for i, w := range port.Writes() {
		if string(w) != "m,300;" {
			t.Errorf("Write %d: expected full frame 'm,300;', got %q", i, w)
		}
	}
}

func TestBroadcastTransparency(t *testing.T) {
	port := NewTestPort()
	d := startDispatcher(t, port)

	id, broadcasts := d.Subscribe()
	defer d.Unsubscribe(id)

	go func() {
		time.Sleep(30 * time.Millisecond)
		port.AddReadData([]byte("Status:250;"))
		time.Sleep(30 * time.Millisecond)
		port.AddReadData([]byte("Status:270;"))
		time.Sleep(30 * time.Millisecond)
		port.AddReadData([]byte("p:300;"))
	}()

	frame, err := d.Send(protocol.Position(), time.Second)
	if err != nil {
		t.Fatalf("Expected reply despite broadcasts, got: %v", err)
	}
	if n, ok := frame.Param.Int(); !ok || n != 300 {
		t.Errorf("Expected reply param 300, got %v %v", n, ok)
	}
	if got := port.WriteCount(); got != 1 {
		t.Errorf("Broadcasts must not consume the retry budget, got %d writes", got)
	}

	got := collectBroadcasts(broadcasts, 100*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("Expected 2 broadcasts at the subscriber, got %d", len(got))
	}
	for _, f := range got {
		if f.Kind != protocol.KindStatus {
			t.Errorf("Expected KindStatus, got %v", f.Kind)
		}
	}
}

func TestSendRetriesAfterRefusal(t *testing.T) {
	sim := NewSimPort()
	sim.FailReplies(1)
	d := startDispatcher(t, sim)

	frame, err := d.Send(protocol.Move(300), time.Second)
	if err != nil {
		t.Fatalf("Expected retry to recover, got: %v", err)
	}
	if n, ok := frame.Param.Int(); !ok || n != 300 {
		t.Errorf("Expected reply param 300, got %v %v", n, ok)
	}
	if sim.Position() != 300 {
		t.Errorf("Expected simulator at 300, got %d", sim.Position())
	}
}

func TestSendCommandFailed(t *testing.T) {
	sim := NewSimPort()
	sim.FailReplies(5)
	d := startDispatcher(t, sim)

	frame, err := d.Send(protocol.Move(300), time.Second)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Expected ErrCommandFailed, got: %v", err)
	}
	if !frame.Failed() {
		t.Error("Expected the final refused reply to be returned")
	}
}

func TestSendWriteError(t *testing.T) {
	port := NewTestPort()
	port.SetWriteError(errors.New("yanked cable"))
	d := startDispatcher(t, port)

	_, err := d.Send(protocol.Heartbeat(), time.Second)
	if !errors.Is(err, ErrLink) {
		t.Fatalf("Expected ErrLink, got: %v", err)
	}
}

func TestSendReadError(t *testing.T) {
	port := NewTestPort()
	d := startDispatcher(t, port)

	port.SetReadError(errors.New("device gone"))
	time.Sleep(30 * time.Millisecond)

	_, err := d.Send(protocol.Heartbeat(), time.Second)
	if !errors.Is(err, ErrLink) {
		t.Fatalf("Expected ErrLink after reader stopped, got: %v", err)
	}
}

func TestDesyncDiscardRecovers(t *testing.T) {
	port := NewTestPort()
	d := startDispatcher(t, port)

	id, broadcasts := d.Subscribe()
	defer d.Unsubscribe(id)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// one chunk: the reply has bytes queued behind it and is dropped
		port.AddReadData([]byte("p:300;Status:250;"))
		time.Sleep(60 * time.Millisecond)
		port.AddReadData([]byte("p:301;"))
	}()

	frame, err := d.Send(protocol.Position(), time.Second)
	if err != nil {
		t.Fatalf("Expected the later clean reply, got: %v", err)
	}
	if n, ok := frame.Param.Int(); !ok || n != 301 {
		t.Errorf("Expected reply param 301, got %v %v", n, ok)
	}
	if got := port.WriteCount(); got != 1 {
		t.Errorf("Discard must not end the attempt, got %d writes", got)
	}

	got := collectBroadcasts(broadcasts, 100*time.Millisecond)
	if len(got) != 1 || got[0].Kind != protocol.KindStatus {
		t.Errorf("Expected the interleaved broadcast to survive, got %v", got)
	}
}

func TestSendAfterClose(t *testing.T) {
	sim := NewSimPort()
	d := NewDispatcher(sim)
	d.Start()
	d.Close()

	_, err := d.Send(protocol.Heartbeat(), time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got: %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	sim := NewSimPort()
	d := startDispatcher(t, sim)

	id, ch := d.Subscribe()
	d.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected closed channel, got frame")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Expected channel to close on unsubscribe")
	}
}

func TestEndToEndMoveAndReadback(t *testing.T) {
	sim := NewSimPort()
	sim.SetEmitStatus(true)
	d := startDispatcher(t, sim)

	id, broadcasts := d.Subscribe()
	defer d.Unsubscribe(id)

	home, err := d.Send(protocol.Home(), time.Second)
	if err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	if n, ok := home.Param.Int(); !ok || n != 40 {
		t.Errorf("Expected home at 40, got %v %v", n, ok)
	}

	move, err := d.Send(protocol.Move(300), time.Second)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if n, ok := move.Param.Int(); !ok || n != 300 {
		t.Errorf("Expected move reply 300, got %v %v", n, ok)
	}

	pos, err := d.Send(protocol.Position(), time.Second)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	if n, ok := pos.Param.Int(); !ok || n != 300 {
		t.Errorf("Expected readback 300, got %v %v", n, ok)
	}

	got := collectBroadcasts(broadcasts, 100*time.Millisecond)
	if len(got) == 0 {
		t.Error("Expected motion broadcasts from the simulator")
	}
}
