package link

import (
	"strings"
	"testing"
	"time"
)

// exchange writes a command to the simulator and reads back one burst.
func exchange(t *testing.T, sim *SimPort, cmd string) string {
	t.Helper()

	if _, err := sim.Write([]byte(cmd)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 256)
	n, err := sim.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return string(buf[:n])
}

func TestSimPortCommands(t *testing.T) {
	t.Run("Heartbeat", func(t *testing.T) {
		sim := NewSimPort()
		if got := exchange(t, sim, "y;"); got != "y;" {
			t.Errorf("Expected 'y;', got %q", got)
		}
	})

	t.Run("Home And Max", func(t *testing.T) {
		sim := NewSimPort()
		sim.SetTravel(100, 900)
		if got := exchange(t, sim, "x;"); got != "x:900;" {
			t.Errorf("Expected 'x:900;', got %q", got)
		}
		if got := exchange(t, sim, "h;"); got != "h:100;" {
			t.Errorf("Expected 'h:100;', got %q", got)
		}
	})

	t.Run("Move Clamped To Travel", func(t *testing.T) {
		sim := NewSimPort()
		sim.SetTravel(100, 900)
		if got := exchange(t, sim, "m,2000;"); got != "m:900;" {
			t.Errorf("Expected clamp to 900, got %q", got)
		}
		if sim.Position() != 900 {
			t.Errorf("Expected position 900, got %d", sim.Position())
		}
	})

	t.Run("Nudges", func(t *testing.T) {
		sim := NewSimPort()
		sim.SetTravel(100, 900)
		exchange(t, sim, "m,500;")
		if got := exchange(t, sim, "f;"); got != "f:505;" {
			t.Errorf("Expected 'f:505;', got %q", got)
		}
		if got := exchange(t, sim, "r;"); got != "r:500;" {
			t.Errorf("Expected 'r:500;', got %q", got)
		}
	})

	t.Run("Timed Run", func(t *testing.T) {
		sim := NewSimPort()
		sim.SetTravel(100, 900)
		exchange(t, sim, "m,500;")
		if got := exchange(t, sim, "w,100;"); got != "w:550;" {
			t.Errorf("Expected 'w:550;', got %q", got)
		}
		if got := exchange(t, sim, "v,40;"); got != "v:530;" {
			t.Errorf("Expected 'v:530;', got %q", got)
		}
	})

	t.Run("Speed", func(t *testing.T) {
		sim := NewSimPort()
		if got := exchange(t, sim, "s,75;"); got != "s:75;" {
			t.Errorf("Expected 's:75;', got %q", got)
		}
		if got := exchange(t, sim, "s;"); got != "s:75;" {
			t.Errorf("Expected 's:75;', got %q", got)
		}
		if sim.Speed() != 75 {
			t.Errorf("Expected speed 75, got %d", sim.Speed())
		}
	})

	t.Run("Unknown Command Refused", func(t *testing.T) {
		sim := NewSimPort()
		if got := exchange(t, sim, "q;"); got != "q:fail;" {
			t.Errorf("Expected 'q:fail;', got %q", got)
		}
	})

	t.Run("Bad Move Argument Refused", func(t *testing.T) {
		sim := NewSimPort()
		if got := exchange(t, sim, "m,abc;"); got != "m:fail;" {
			t.Errorf("Expected 'm:fail;', got %q", got)
		}
	})
}

func TestSimPortBroadcasts(t *testing.T) {
	sim := NewSimPort()
	sim.SetTravel(100, 900)
	sim.SetEmitStatus(true)

	got := exchange(t, sim, "m,500;")
	if !strings.Contains(got, "Status:300;") || !strings.Contains(got, "Status:500;") {
		t.Errorf("Expected motion statuses, got %q", got)
	}
	if !strings.HasSuffix(got, "m:500;") {
		t.Errorf("Expected the reply after the broadcasts, got %q", got)
	}
}

func TestSimPortScriptedReply(t *testing.T) {
	sim := NewSimPort()
	sim.ScriptReply("x:940;")

	if got := exchange(t, sim, "p;"); got != "x:940;" {
		t.Errorf("Expected scripted reply, got %q", got)
	}
	if got := exchange(t, sim, "p;"); got != "p:40;" {
		t.Errorf("Expected natural reply after script, got %q", got)
	}
}

func TestSimPortDroppedReplies(t *testing.T) {
	sim := NewSimPort()
	sim.DropReplies(1)

	if _, err := sim.Write([]byte("y;")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 16)
	n, err := sim.Read(buf)
	if err != nil || n != 0 {
		t.Errorf("Expected silent timeout read, got n=%d err=%v", n, err)
	}

	if got := exchange(t, sim, "y;"); got != "y;" {
		t.Errorf("Expected reply after drop budget spent, got %q", got)
	}
}

func TestSimPortReadTimeout(t *testing.T) {
	sim := NewSimPort()
	sim.SetReadTimeout(10 * time.Millisecond)

	start := time.Now()
	buf := make([]byte, 16)
	n, err := sim.Read(buf)
	if err != nil || n != 0 {
		t.Errorf("Expected timeout semantics, got n=%d err=%v", n, err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected read to give up near the timeout")
	}
}
