package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magloop/loopd/pkg/logging"
	"github.com/magloop/loopd/pkg/protocol"
)

const (
	// maxAttempts bounds how often a command is rewritten before the
	// dispatcher gives up.
	maxAttempts = 5

	// retryDelay is the pause after a refused reply before rewriting.
	retryDelay = 250 * time.Millisecond

	readBufSize = 256
)

var (
	// ErrLink marks a transport-level read or write failure.
	ErrLink = errors.New("link error")
	// ErrExhausted means no reply arrived within the full retry budget.
	ErrExhausted = errors.New("command retries exhausted")
	// ErrCommandFailed means the controller kept refusing the command.
	ErrCommandFailed = errors.New("command failed")
	// ErrClosed means the dispatcher has been shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// Dispatcher owns the serial port. A single reader goroutine drains the
// byte stream into frames, routing broadcasts to subscribers and replies
// to the one in-flight Send. Sends are serialized behind a mutex so the
// transport only ever has one outstanding command.
type Dispatcher struct {
	port Port
	acc  protocol.Accumulator

	sendMu  sync.Mutex
	replyCh chan protocol.Frame

	subMu       sync.RWMutex
	subscribers map[string]chan protocol.Frame

	errMu   sync.Mutex
	readErr error

	done       chan struct{}
	readerDown chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewDispatcher wraps an open port. Call Start to begin reading.
func NewDispatcher(port Port) *Dispatcher {
	d := &Dispatcher{
		port:        port,
		replyCh:     make(chan protocol.Frame, 4),
		subscribers: make(map[string]chan protocol.Frame),
		done:        make(chan struct{}),
		readerDown:  make(chan struct{}),
	}
	d.acc.OnDiscard = d.onDiscard
	return d
}

// Start launches the reader goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.readLoop()
}

// Close stops the reader, closes the port, and closes all subscriber
// channels.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.port.Close()
		d.wg.Wait()

		d.subMu.Lock()
		for id, ch := range d.subscribers {
			close(ch)
			delete(d.subscribers, id)
		}
		d.subMu.Unlock()
	})
	return err
}

// Subscribe registers a broadcast listener and returns its id and
// channel. Delivery never blocks the reader; a full channel drops.
func (d *Dispatcher) Subscribe() (string, <-chan protocol.Frame) {
	id := uuid.New().String()
	ch := make(chan protocol.Frame, 16)

	d.subMu.Lock()
	d.subscribers[id] = ch
	d.subMu.Unlock()

	return id, ch
}

// Unsubscribe removes a broadcast listener and closes its channel.
func (d *Dispatcher) Unsubscribe(id string) {
	d.subMu.Lock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
	d.subMu.Unlock()
}

// Send writes a command and waits for its reply. Every attempt rewrites
// the full frame and waits up to timeout; after five attempts the send
// fails. Broadcasts arriving during the wait go to subscribers and do
// not touch the retry budget. Transport errors abort the send at once.
func (d *Dispatcher) Send(cmd protocol.Command, timeout time.Duration) (protocol.Frame, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	select {
	case <-d.done:
		return protocol.Frame{}, ErrClosed
	default:
	}

	if err := d.readError(); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: reader stopped: %v", ErrLink, err)
	}

	d.drainStale()

	encoded := cmd.Encode()
	var lastRefused *protocol.Frame

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metricRetriesTotal.Inc()
			logging.Debugf("link", "attempt %d/%d for %s", attempt, maxAttempts, cmd)
		}

		if _, err := d.port.Write(encoded); err != nil {
			metricLinkErrors.Inc()
			metricCommandsTotal.WithLabelValues("link_error").Inc()
			return protocol.Frame{}, fmt.Errorf("%w: write %s: %v", ErrLink, cmd, err)
		}

		frame, outcome := d.awaitReply(timeout)
		switch outcome {
		case replyOK:
			metricCommandsTotal.WithLabelValues("ok").Inc()
			return frame, nil
		case replyRefused:
			logging.Warnf("link", "controller refused %s: %q", cmd, frame.Raw)
			lastRefused = &frame
			if attempt < maxAttempts && !d.sleep(retryDelay) {
				return protocol.Frame{}, ErrClosed
			}
		case replyTimeout:
			// rewrite on the next attempt
		case replyClosed:
			return protocol.Frame{}, ErrClosed
		case replyLinkDown:
			metricCommandsTotal.WithLabelValues("link_error").Inc()
			return protocol.Frame{}, fmt.Errorf("%w: reader stopped: %v", ErrLink, d.readError())
		}
	}

	if lastRefused != nil {
		metricCommandsTotal.WithLabelValues("refused").Inc()
		return *lastRefused, fmt.Errorf("%w: %s answered %q", ErrCommandFailed, cmd.Name, lastRefused.Raw)
	}

	metricCommandsTotal.WithLabelValues("exhausted").Inc()
	return protocol.Frame{}, fmt.Errorf("%w: %s unanswered after %d attempts", ErrExhausted, cmd.Name, maxAttempts)
}

type replyOutcome int

const (
	replyOK replyOutcome = iota
	replyRefused
	replyTimeout
	replyClosed
	replyLinkDown
)

// awaitReply waits for one reply frame or the attempt deadline.
func (d *Dispatcher) awaitReply(timeout time.Duration) (protocol.Frame, replyOutcome) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case frame := <-d.replyCh:
		if frame.Failed() {
			return frame, replyRefused
		}
		return frame, replyOK
	case <-deadline.C:
		return protocol.Frame{}, replyTimeout
	case <-d.readerDown:
		return protocol.Frame{}, replyLinkDown
	case <-d.done:
		return protocol.Frame{}, replyClosed
	}
}

// sleep pauses between attempts, returning false when closed meanwhile.
func (d *Dispatcher) sleep(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-d.done:
		return false
	}
}

// drainStale flushes replies left over from earlier sends, such as a
// late answer to a command whose wait already expired.
func (d *Dispatcher) drainStale() {
	for {
		select {
		case frame := <-d.replyCh:
			metricDroppedReplies.Inc()
			logging.Debugf("link", "dropping stale reply %q", frame.Raw)
		default:
			return
		}
	}
}

// readLoop owns the port. It feeds the accumulator, publishes
// broadcasts, and hands replies to the waiting send.
func (d *Dispatcher) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-d.done:
			return
		default:
		}

		n, err := d.port.Read(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			metricLinkErrors.Inc()
			logging.Errorf("link", "serial read failed: %v", err)
			d.setReadError(err)
			close(d.readerDown)
			return
		}
		if n == 0 {
			continue
		}

		for _, frame := range d.acc.Feed(buf[:n]) {
			metricFramesTotal.WithLabelValues(frame.Kind.String()).Inc()

			if frame.IsBroadcast() {
				d.publish(frame)
				continue
			}

			select {
			case d.replyCh <- frame:
			default:
				metricDroppedReplies.Inc()
				logging.Warnf("link", "reply %q arrived with nobody waiting", frame.Raw)
			}
		}
	}
}

// publish fans a broadcast out to every subscriber without blocking.
func (d *Dispatcher) publish(frame protocol.Frame) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()

	for id, ch := range d.subscribers {
		select {
		case ch <- frame:
		default:
			metricDroppedBroadcasts.Inc()
			logging.Debugf("link", "subscriber %.8s lagging, dropped %s broadcast", id, frame.Kind)
		}
	}
}

// onDiscard instruments the accumulator's resync rule.
func (d *Dispatcher) onDiscard(frame protocol.Frame) {
	metricDesyncDiscards.Inc()
	logging.Warnf("link", "resync: discarded reply %q, bytes still queued behind it", frame.Raw)
}

func (d *Dispatcher) setReadError(err error) {
	d.errMu.Lock()
	d.readErr = err
	d.errMu.Unlock()
}

func (d *Dispatcher) readError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.readErr
}
