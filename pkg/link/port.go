// Package link owns the serial connection to the actuator controller:
// opening the port, framing the byte stream, fanning broadcasts out to
// subscribers, and dispatching commands with bounded retry.
package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial surface the dispatcher needs. Reads are
// expected to return (0, nil) on timeout so the reader can poll for
// shutdown.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Options selects the serial line parameters for the controller link.
type Options struct {
	Device      string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	ReadTimeout time.Duration
}

// Normalize fills unset fields with the controller defaults.
func (o *Options) Normalize() {
	if o.BaudRate == 0 {
		o.BaudRate = 115200
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.Parity == "" {
		o.Parity = "none"
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
}

// Mode converts the options into a serial mode.
func (o *Options) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
	}

	switch o.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", o.StopBits)
	}

	switch o.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity: %q", o.Parity)
	}

	return mode, nil
}

// realPort wraps a physical serial port.
type realPort struct {
	port serial.Port
}

// Open opens the controller serial device with the given options.
func Open(opts Options) (Port, error) {
	opts.Normalize()

	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(opts.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", opts.Device, err)
	}

	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &realPort{port: port}, nil
}

func (r *realPort) Read(p []byte) (int, error) {
	return r.port.Read(p)
}

func (r *realPort) Write(p []byte) (int, error) {
	return r.port.Write(p)
}

func (r *realPort) Close() error {
	return r.port.Close()
}

func (r *realPort) SetReadTimeout(d time.Duration) error {
	return r.port.SetReadTimeout(d)
}
