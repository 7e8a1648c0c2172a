package calibration

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoCandidate means no calibration set spans the queried value.
	ErrNoCandidate = errors.New("no calibration set spans the query")
	// ErrNoBracket means the chosen set has no point pair around the query.
	ErrNoBracket = errors.New("no calibration pair brackets the query")
)

// positionTolerance is the slack for matching a single point instead of
// a bracketing pair.
const positionTolerance = 1

// Estimate interpolates the resonant frequency and SWR at a feedback
// position from the recorded sets.
//
// The set whose span contains the position is chosen, narrowest span
// first. Within it, points are walked pairwise two at a time looking
// for a pair around the position in either direction, or a single
// point within tolerance of it. The frequency is interpolated linearly
// between the pair; SWR is carried from the low point.
func Estimate(sets []Set, pos int) (Point, error) {
	set, ok := candidate(sets, pos)
	if !ok {
		return Point{}, fmt.Errorf("position %d: %w", pos, ErrNoCandidate)
	}

	low, high, ok := bracket(set.Points, pos)
	if !ok {
		return Point{}, fmt.Errorf("position %d in set %s: %w", pos, set.ID, ErrNoBracket)
	}

	return interpolate(low, high, pos), nil
}

// candidate picks the narrowest set spanning pos; earlier sets win ties.
func candidate(sets []Set, pos int) (Set, bool) {
	var best Set
	bestWidth := -1

	for _, s := range sets {
		lo, hi, ok := s.Span()
		if !ok || pos < lo || pos > hi {
			continue
		}
		if width := hi - lo; bestWidth < 0 || width < bestWidth {
			best = s
			bestWidth = width
		}
	}

	return best, bestWidth >= 0
}

// bracket walks the sweep pairwise, stepping by two, and returns the
// first pair around pos or a degenerate pair for a point within
// tolerance. An odd trailing point can only match by tolerance.
func bracket(points []Point, pos int) (low, high Point, ok bool) {
	for i := 0; i+1 < len(points); i += 2 {
		a, b := points[i], points[i+1]
		if between(pos, a.Position, b.Position) {
			return a, b, true
		}
		if abs(a.Position-pos) <= positionTolerance {
			return a, a, true
		}
		if abs(b.Position-pos) <= positionTolerance {
			return b, b, true
		}
	}

	if len(points)%2 == 1 {
		last := points[len(points)-1]
		if abs(last.Position-pos) <= positionTolerance {
			return last, last, true
		}
	}

	return Point{}, Point{}, false
}

func interpolate(low, high Point, pos int) Point {
	span := abs(high.Position - low.Position)
	if span == 0 {
		span = 1
	}

	fraction := float64(pos-low.Position) / float64(span)
	freqSpan := math.Abs(high.FrequencyHz - low.FrequencyHz)

	return Point{
		Position:    low.Position,
		FrequencyHz: low.FrequencyHz - fraction*freqSpan,
		SWR:         low.SWR,
	}
}

// PositionFor is the inverse lookup used by tuning: the feedback
// position whose recorded calibration matches the target frequency.
// Candidate sets are ranked by frequency span width; within the chosen
// set the pairwise walk brackets on frequency instead of position.
func PositionFor(sets []Set, hz float64) (int, error) {
	set, ok := frequencyCandidate(sets, hz)
	if !ok {
		return 0, fmt.Errorf("frequency %.0f Hz: %w", hz, ErrNoCandidate)
	}

	low, high, ok := frequencyBracket(set.Points, hz)
	if !ok {
		return 0, fmt.Errorf("frequency %.0f Hz in set %s: %w", hz, set.ID, ErrNoBracket)
	}

	span := math.Abs(high.FrequencyHz - low.FrequencyHz)
	if span == 0 {
		return low.Position, nil
	}

	fraction := math.Abs(hz-low.FrequencyHz) / span
	return low.Position + int(math.Round(fraction*float64(high.Position-low.Position))), nil
}

func frequencyCandidate(sets []Set, hz float64) (Set, bool) {
	var best Set
	bestWidth := -1.0

	for _, s := range sets {
		lo, hi, ok := s.FrequencySpan()
		if !ok || hz < lo || hz > hi {
			continue
		}
		if width := hi - lo; bestWidth < 0 || width < bestWidth {
			best = s
			bestWidth = width
		}
	}

	return best, bestWidth >= 0
}

func frequencyBracket(points []Point, hz float64) (low, high Point, ok bool) {
	for i := 0; i+1 < len(points); i += 2 {
		a, b := points[i], points[i+1]
		if (a.FrequencyHz <= hz && hz <= b.FrequencyHz) ||
			(b.FrequencyHz <= hz && hz <= a.FrequencyHz) {
			return a, b, true
		}
	}
	return Point{}, Point{}, false
}

func between(v, a, b int) bool {
	return (a <= v && v <= b) || (b <= v && v <= a)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
