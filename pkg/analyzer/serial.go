package analyzer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/magloop/loopd/pkg/link"
)

const replyTimeout = 2 * time.Second

// SerialDriver speaks the plain text sweep protocol used by NanoVNA
// style analyzers: newline terminated commands, one "freq re im" line
// per sweep point.
type SerialDriver struct {
	port    link.Port
	config  SweepConfig
	pending []byte
	timeout time.Duration
}

// OpenSerial opens the analyzer device and wraps it in a driver.
func OpenSerial(device string, baudRate int) (*SerialDriver, error) {
	port, err := link.Open(link.Options{Device: device, BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open analyzer: %w", err)
	}
	return NewSerialDriver(port), nil
}

// NewSerialDriver wraps an already open port.
func NewSerialDriver(port link.Port) *SerialDriver {
	return &SerialDriver{port: port, timeout: replyTimeout}
}

// Identify asks the device for its version string.
func (d *SerialDriver) Identify() (string, error) {
	if err := d.send("version"); err != nil {
		return "", err
	}

	line, err := d.readLine()
	if err != nil {
		return "", fmt.Errorf("no version response: %w", err)
	}
	return line, nil
}

// SetSweep programs the sweep span on the device.
func (d *SerialDriver) SetSweep(config SweepConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	d.config = config
	return d.send(fmt.Sprintf("sweep %d %d %d", int(config.StartHz), int(config.StopHz), config.Points))
}

// Scan requests the reflection data for the programmed sweep.
func (d *SerialDriver) Scan() (Sweep, error) {
	if d.config.Points <= 0 {
		return Sweep{}, fmt.Errorf("scan before sweep configuration")
	}

	if err := d.send("data"); err != nil {
		return Sweep{}, err
	}

	sweep := Sweep{
		Frequencies: make([]float64, 0, d.config.Points),
		S11:         make([]complex128, 0, d.config.Points),
	}

	for i := 0; i < d.config.Points; i++ {
		line, err := d.readLine()
		if err != nil {
			return sweep, fmt.Errorf("short sweep: got %d of %d points: %w", i, d.config.Points, err)
		}

		parts := strings.Fields(line)
		if len(parts) < 3 {
			return sweep, fmt.Errorf("malformed sweep line %d: %q", i+1, line)
		}

		freq, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return sweep, fmt.Errorf("bad frequency on sweep line %d: %w", i+1, err)
		}
		re, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return sweep, fmt.Errorf("bad s11 real on sweep line %d: %w", i+1, err)
		}
		im, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return sweep, fmt.Errorf("bad s11 imag on sweep line %d: %w", i+1, err)
		}

		sweep.Frequencies = append(sweep.Frequencies, freq)
		sweep.S11 = append(sweep.S11, complex(re, im))
	}

	return sweep, nil
}

// Close releases the port.
func (d *SerialDriver) Close() error {
	return d.port.Close()
}

func (d *SerialDriver) send(cmd string) error {
	if _, err := d.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("failed to send %q: %w", cmd, err)
	}
	return nil
}

// readLine accumulates bytes until a newline, tolerating the (0, nil)
// polling reads an idle port produces. Blank lines are skipped.
func (d *SerialDriver) readLine() (string, error) {
	deadline := time.Now().Add(d.timeout)
	buf := make([]byte, 64)

	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(d.pending[:i]))
			d.pending = append([]byte(nil), d.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("timeout waiting for analyzer")
		}

		n, err := d.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("analyzer read failed: %w", err)
		}
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
		}
	}
}
