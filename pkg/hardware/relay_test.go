package hardware

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	testCases := []struct {
		input    string
		expected Mode
		wantErr  bool
	}{
		{"radio", ModeRadio, false},
		{"analyzer", ModeAnalyzer, false},
		{"ANALYZER", ModeAnalyzer, false},
		{"Radio", ModeRadio, false},
		{"antenna", ModeRadio, true},
		{"", ModeRadio, true},
	}

	for _, tc := range testCases {
		mode, err := ParseMode(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error, got nil", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): unexpected error: %v", tc.input, err)
		}
		if mode != tc.expected {
			t.Errorf("ParseMode(%q): expected %v, got %v", tc.input, tc.expected, mode)
		}
	}

	if ModeRadio.String() != "radio" || ModeAnalyzer.String() != "analyzer" {
		t.Error("Unexpected mode names")
	}
	if Mode(9).String() != "unknown" {
		t.Error("Expected unknown for bogus mode")
	}
}

func TestRelaySwitching(t *testing.T) {
	gpio := NewMockGPIO()
	relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 17, ActiveHigh: true}, gpio)

	if err := relay.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Parks on the radio side
	if gpio.Pin(17) {
		t.Error("Expected pin low after initialization")
	}
	if relay.Mode() != ModeRadio {
		t.Errorf("Expected radio mode, got %v", relay.Mode())
	}

	if err := relay.SetMode(ModeAnalyzer); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if !gpio.Pin(17) {
		t.Error("Expected pin high in analyzer mode")
	}
	if relay.Mode() != ModeAnalyzer {
		t.Errorf("Expected analyzer mode, got %v", relay.Mode())
	}

	// Same mode is a no-op
	if err := relay.SetMode(ModeAnalyzer); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	if err := relay.SetMode(ModeRadio); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if gpio.Pin(17) {
		t.Error("Expected pin low back in radio mode")
	}
}

func TestRelayActiveLow(t *testing.T) {
	gpio := NewMockGPIO()
	relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 4, ActiveHigh: false}, gpio)

	if err := relay.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !gpio.Pin(4) {
		t.Error("Expected pin high for radio mode on active-low wiring")
	}

	if err := relay.SetMode(ModeAnalyzer); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if gpio.Pin(4) {
		t.Error("Expected pin low for analyzer mode on active-low wiring")
	}
}

func TestRelayDisabled(t *testing.T) {
	gpio := NewMockGPIO()
	gpio.SetPinError(errors.New("should not be touched"))
	relay := NewRelayManager(RelayConfig{Enabled: false, GPIOPin: 17}, gpio)

	if err := relay.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Mode still tracks without touching the hardware
	if err := relay.SetMode(ModeAnalyzer); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if relay.Mode() != ModeAnalyzer {
		t.Errorf("Expected analyzer mode, got %v", relay.Mode())
	}

	if err := relay.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if gpio.Closed() {
		t.Error("Expected GPIO left alone when relay is disabled")
	}
}

func TestRelayErrors(t *testing.T) {
	t.Run("Not Initialized", func(t *testing.T) {
		relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 17}, NewMockGPIO())
		if err := relay.SetMode(ModeAnalyzer); err == nil {
			t.Error("Expected error before initialization, got nil")
		}
	})

	t.Run("Initialize Failure", func(t *testing.T) {
		gpio := NewMockGPIO()
		gpio.SetInitError(errors.New("no gpio tree"))
		relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 17}, gpio)
		if err := relay.Initialize(); err == nil {
			t.Error("Expected initialization error, got nil")
		}
	})

	t.Run("Pin Failure Keeps Mode", func(t *testing.T) {
		gpio := NewMockGPIO()
		relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 17, ActiveHigh: true}, gpio)
		if err := relay.Initialize(); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}

		gpio.SetPinError(errors.New("pin stuck"))
		if err := relay.SetMode(ModeAnalyzer); err == nil {
			t.Error("Expected error from stuck pin, got nil")
		}
		if relay.Mode() != ModeRadio {
			t.Errorf("Expected mode unchanged after failure, got %v", relay.Mode())
		}
	})
}

func TestRelayClose(t *testing.T) {
	gpio := NewMockGPIO()
	relay := NewRelayManager(RelayConfig{Enabled: true, GPIOPin: 17, ActiveHigh: true}, gpio)

	if err := relay.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := relay.SetMode(ModeAnalyzer); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	if err := relay.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if gpio.Pin(17) {
		t.Error("Expected relay parked on radio side after close")
	}
	if !gpio.Closed() {
		t.Error("Expected GPIO closed")
	}
	if err := relay.SetMode(ModeRadio); err == nil {
		t.Error("Expected error using relay after close, got nil")
	}
}
