package link

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("port closed")

// TestPort is an in-memory Port for tests. Reads drain whatever was
// queued with AddReadData; writes are recorded per call. Reads honor
// the timeout contract by returning (0, nil) when nothing arrives.
type TestPort struct {
	mu       sync.Mutex
	reads    bytes.Buffer
	writes   [][]byte
	readErr  error
	writeErr error
	closed   bool
	timeout  time.Duration
}

// NewTestPort creates a test port with a short read timeout.
func NewTestPort() *TestPort {
	return &TestPort{timeout: 20 * time.Millisecond}
}

// AddReadData queues bytes for the next reads. Bytes queued in one call
// are visible to a single read, which matters for resync tests.
func (p *TestPort) AddReadData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads.Write(b)
}

// Writes returns a copy of every Write call recorded so far.
func (p *TestPort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WriteCount returns how many Write calls the port has seen.
func (p *TestPort) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// SetReadError makes subsequent reads fail.
func (p *TestPort) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// SetWriteError makes subsequent writes fail.
func (p *TestPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *TestPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout())
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errPortClosed
		}
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		if p.reads.Len() > 0 {
			n, _ := p.reads.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}

	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *TestPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *TestPort) readTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}
