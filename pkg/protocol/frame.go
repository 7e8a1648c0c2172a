package protocol

import (
	"strings"
)

// Terminator ends every frame on the wire.
const Terminator = ';'

// FrameKind classifies a complete frame received from the controller.
type FrameKind int

const (
	// KindReply is a direct answer to a command we sent.
	KindReply FrameKind = iota
	// KindStatus is a spontaneous position report emitted during motion.
	KindStatus
	// KindLimit signals that an endpoint switch engaged.
	KindLimit
	// KindDebug is controller debug chatter.
	KindDebug
)

// String returns the string representation of a frame kind
func (k FrameKind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindStatus:
		return "status"
	case KindLimit:
		return "limit"
	case KindDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Param holds the optional parameter of a parsed frame. An all-digit
// parameter is carried as an integer, anything else as text.
type Param struct {
	present bool
	numeric bool
	number  int
	text    string
}

// IsSet returns whether the frame carried a parameter at all.
func (p Param) IsSet() bool {
	return p.present
}

// Int returns the numeric value and whether the parameter was all-digit.
func (p Param) Int() (int, bool) {
	return p.number, p.present && p.numeric
}

// Text returns the raw parameter text (empty when unset).
func (p Param) Text() string {
	return p.text
}

// Frame is a parsed frame from the controller.
type Frame struct {
	Kind  FrameKind
	Name  string
	Param Param
	Raw   string
}

// IsBroadcast returns whether the frame arrived unsolicited.
func (f *Frame) IsBroadcast() bool {
	return f.Kind != KindReply
}

// Failed reports a reply whose parameter signals the controller accepted
// the command but could not carry it out.
func (f *Frame) Failed() bool {
	return f.Param.text == "fail"
}

// Classify sorts a completed frame by its text. Frames mentioning
// Status, Limit or Dbg are broadcasts; everything else is a reply.
func Classify(text string) FrameKind {
	switch {
	case strings.Contains(text, "Status"):
		return KindStatus
	case strings.Contains(text, "Limit"):
		return KindLimit
	case strings.Contains(text, "Dbg"):
		return KindDebug
	default:
		return KindReply
	}
}

// Parse decodes a complete frame of the form name[:param]; into its
// name and parameter. Parsing itself never fails; semantic failure is
// judged by the layers above.
func Parse(raw string) Frame {
	text := strings.TrimSuffix(raw, string(Terminator))

	frame := Frame{
		Kind: Classify(text),
		Name: text,
		Raw:  raw,
	}

	if i := strings.Index(text, ":"); i >= 0 {
		frame.Name = text[:i]
		frame.Param = parseParam(strings.TrimSpace(text[i+1:]))
	}

	return frame
}

// parseParam interprets the text after the colon. All-digit text becomes
// an integer, everything else (including empty text) stays a string.
func parseParam(s string) Param {
	p := Param{present: true, text: s}
	if !allDigits(s) {
		return p
	}

	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	p.numeric = true
	p.number = n
	return p
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Accumulator assembles frames from the raw byte stream. Partial frames
// persist across feeds until their terminator arrives.
type Accumulator struct {
	buf []byte

	// OnDiscard is invoked whenever the resync rule drops a reply.
	OnDiscard func(Frame)
}

// Feed consumes a chunk of received bytes and returns the frames it
// completed, in order.
//
// Resync rule: when a reply's terminator is recognized while further
// bytes are already queued behind it, the reply is discarded and
// accumulation continues. A second frame hard on the heels of a reply
// means a broadcast interleaved with it, and the reply boundary can no
// longer be trusted. Broadcasts are never discarded.
func (a *Accumulator) Feed(p []byte) []Frame {
	var frames []Frame

	for i := 0; i < len(p); i++ {
		a.buf = append(a.buf, p[i])
		if p[i] != Terminator {
			continue
		}

		frame := Parse(string(a.buf))
		a.buf = a.buf[:0]

		if frame.Kind == KindReply && i < len(p)-1 {
			if a.OnDiscard != nil {
				a.OnDiscard(frame)
			}
			continue
		}

		frames = append(frames, frame)
	}

	return frames
}

// Pending returns the bytes of the partial frame still being collected.
func (a *Accumulator) Pending() []byte {
	return append([]byte(nil), a.buf...)
}

// Reset drops any partially collected frame.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
}
