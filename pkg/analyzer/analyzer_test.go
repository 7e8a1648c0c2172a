package analyzer

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/magloop/loopd/pkg/link"
)

func TestVSWR(t *testing.T) {
	sweep := Sweep{
		Frequencies: []float64{1e6, 2e6, 3e6, 4e6},
		S11: []complex128{
			complex(0, 0),
			complex(1.0/3.0, 0),
			complex(1.0, 0),
			complex(0, 0.5),
		},
	}

	vswr := sweep.VSWR()

	if vswr[0] != 1.0 {
		t.Errorf("Expected VSWR 1.0 for perfect match, got %v", vswr[0])
	}
	if math.Abs(vswr[1]-2.0) > 1e-9 {
		t.Errorf("Expected VSWR 2.0 for gamma 1/3, got %v", vswr[1])
	}
	if vswr[2] != 9999.0 {
		t.Errorf("Expected capped VSWR for total reflection, got %v", vswr[2])
	}
	if math.Abs(vswr[3]-3.0) > 1e-9 {
		t.Errorf("Expected VSWR 3.0 for |gamma| 0.5, got %v", vswr[3])
	}
}

func TestFindResonance(t *testing.T) {
	sweep := Sweep{
		Frequencies: []float64{14.0e6, 14.1e6, 14.2e6},
		S11: []complex128{
			complex(0.5, 0),
			complex(0.1, 0),
			complex(0.4, 0),
		},
	}

	m, err := sweep.FindResonance()
	if err != nil {
		t.Fatalf("FindResonance failed: %v", err)
	}
	if m.FrequencyHz != 14.1e6 {
		t.Errorf("Expected resonance at 14.1 MHz, got %v", m.FrequencyHz)
	}
	expected := (1 + 0.1) / (1 - 0.1)
	if math.Abs(m.SWR-expected) > 1e-9 {
		t.Errorf("Expected SWR %v, got %v", expected, m.SWR)
	}

	empty := Sweep{}
	if _, err := empty.FindResonance(); err == nil {
		t.Error("Expected error for empty sweep, got nil")
	}

	skewed := Sweep{Frequencies: []float64{1e6}, S11: []complex128{0, 0}}
	if _, err := skewed.FindResonance(); err == nil {
		t.Error("Expected error for inconsistent sweep, got nil")
	}
}

func TestSweepConfigValidate(t *testing.T) {
	if err := (SweepConfig{StartHz: 1e6, StopHz: 2e6, Points: 11}).Validate(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
	if err := (SweepConfig{StartHz: 2e6, StopHz: 1e6, Points: 11}).Validate(); err == nil {
		t.Error("Expected error for inverted span, got nil")
	}
	if err := (SweepConfig{StartHz: 1e6, StopHz: 2e6}).Validate(); err == nil {
		t.Error("Expected error for zero points, got nil")
	}
}

func TestSerialDriverIdentify(t *testing.T) {
	port := link.NewTestPort()
	driver := NewSerialDriver(port)
	driver.timeout = 200 * time.Millisecond

	port.AddReadData([]byte("NanoVNA-H 1.2\r\n"))

	version, err := driver.Identify()
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if version != "NanoVNA-H 1.2" {
		t.Errorf("Expected trimmed version string, got %q", version)
	}

	writes := port.Writes()
	if len(writes) != 1 || string(writes[0]) != "version\n" {
		t.Errorf("Expected version command on the wire, got %q", writes)
	}
}

func TestSerialDriverScan(t *testing.T) {
	port := link.NewTestPort()
	driver := NewSerialDriver(port)
	driver.timeout = 200 * time.Millisecond

	config := SweepConfig{StartHz: 1e6, StopHz: 2e6, Points: 2}
	if err := driver.SetSweep(config); err != nil {
		t.Fatalf("SetSweep failed: %v", err)
	}

	writes := port.Writes()
	if len(writes) != 1 || string(writes[0]) != "sweep 1000000 2000000 2\n" {
		t.Errorf("Expected sweep command on the wire, got %q", writes)
	}

	port.AddReadData([]byte("1000000 0.5 -0.5\n2000000 0.1 0.0\n"))

	sweep, err := driver.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(sweep.S11) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(sweep.S11))
	}
	if sweep.S11[0] != complex(0.5, -0.5) {
		t.Errorf("Expected S11 (0.5,-0.5), got %v", sweep.S11[0])
	}
	if sweep.Frequencies[1] != 2e6 {
		t.Errorf("Expected second point at 2 MHz, got %v", sweep.Frequencies[1])
	}
}

func TestSerialDriverScanErrors(t *testing.T) {
	t.Run("Before Sweep Configuration", func(t *testing.T) {
		driver := NewSerialDriver(link.NewTestPort())
		if _, err := driver.Scan(); err == nil {
			t.Error("Expected error scanning before sweep configuration, got nil")
		}
	})

	t.Run("Short Sweep", func(t *testing.T) {
		port := link.NewTestPort()
		driver := NewSerialDriver(port)
		driver.timeout = 100 * time.Millisecond

		if err := driver.SetSweep(SweepConfig{StartHz: 1e6, StopHz: 2e6, Points: 3}); err != nil {
			t.Fatalf("SetSweep failed: %v", err)
		}
		port.AddReadData([]byte("1000000 0.5 -0.5\n"))

		_, err := driver.Scan()
		if err == nil || !strings.Contains(err.Error(), "short sweep") {
			t.Errorf("Expected short sweep error, got: %v", err)
		}
	})

	t.Run("Malformed Line", func(t *testing.T) {
		port := link.NewTestPort()
		driver := NewSerialDriver(port)
		driver.timeout = 100 * time.Millisecond

		if err := driver.SetSweep(SweepConfig{StartHz: 1e6, StopHz: 2e6, Points: 1}); err != nil {
			t.Fatalf("SetSweep failed: %v", err)
		}
		port.AddReadData([]byte("not a sweep line\n"))

		_, err := driver.Scan()
		if err == nil {
			t.Error("Expected error for malformed line, got nil")
		}
	})
}

func TestSimDriver(t *testing.T) {
	resonance := 14.1e6
	driver := NewSimDriver(func() float64 { return resonance })

	version, err := driver.Identify()
	if err != nil || version == "" {
		t.Fatalf("Expected version string, got %q (%v)", version, err)
	}

	config := SweepConfig{StartHz: 13.5e6, StopHz: 14.5e6, Points: 101}
	if err := driver.SetSweep(config); err != nil {
		t.Fatalf("SetSweep failed: %v", err)
	}

	sweep, err := driver.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(sweep.Frequencies) != 101 {
		t.Fatalf("Expected 101 points, got %d", len(sweep.Frequencies))
	}

	step := (config.StopHz - config.StartHz) / 100

	m, err := sweep.FindResonance()
	if err != nil {
		t.Fatalf("FindResonance failed: %v", err)
	}
	if math.Abs(m.FrequencyHz-14.1e6) > step {
		t.Errorf("Expected dip near 14.1 MHz, got %v", m.FrequencyHz)
	}
	if m.SWR > 1.2 {
		t.Errorf("Expected low SWR at resonance, got %v", m.SWR)
	}

	// The dip follows the resonance source
	resonance = 13.8e6
	sweep, err = driver.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	m, err = sweep.FindResonance()
	if err != nil {
		t.Fatalf("FindResonance failed: %v", err)
	}
	if math.Abs(m.FrequencyHz-13.8e6) > step {
		t.Errorf("Expected dip to follow resonance to 13.8 MHz, got %v", m.FrequencyHz)
	}
}

func TestAnalyzerMeasure(t *testing.T) {
	a := New(NewSimDriver(nil))
	defer a.Close()

	config := SweepConfig{StartHz: 10.0e6, StopHz: 11.0e6, Points: 51}

	m, err := a.Measure(config)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}

	// Without a resonance source the sim dips mid-span
	step := (config.StopHz - config.StartHz) / 50
	if math.Abs(m.FrequencyHz-10.5e6) > step {
		t.Errorf("Expected mid-span resonance, got %v", m.FrequencyHz)
	}

	if _, err := a.Measure(SweepConfig{StartHz: 2e6, StopHz: 1e6, Points: 5}); err == nil {
		t.Error("Expected error for invalid sweep config, got nil")
	}
}
