// Package calibration holds the recorded position-to-frequency data for
// each antenna loop and the interpolation used to estimate resonance at
// an arbitrary actuator position.
package calibration

import (
	"time"

	"github.com/google/uuid"
)

// Loop ids are fixed hardware positions on the antenna switch.
const (
	MinLoopID = 1
	MaxLoopID = 3
)

// ValidLoopID returns whether id names a real loop.
func ValidLoopID(id int) bool {
	return id >= MinLoopID && id <= MaxLoopID
}

// Point is one calibration sample: the actuator feedback position, the
// measured resonant frequency, and the SWR seen there.
type Point struct {
	Position    int     `json:"position"`
	FrequencyHz float64 `json:"frequency_hz"`
	SWR         float64 `json:"swr"`
}

// Set is the ordered run of points recorded during one calibration
// sweep of a loop.
type Set struct {
	ID        string    `json:"id"`
	LoopID    int       `json:"loop_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Points    []Point   `json:"points"`
}

// NewSet creates an empty set for a loop with a fresh id.
func NewSet(loopID int, name string) *Set {
	return &Set{
		ID:        uuid.New().String(),
		LoopID:    loopID,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// Append adds a sample to the end of the sweep.
func (s *Set) Append(p Point) {
	s.Points = append(s.Points, p)
}

// Span returns the position range the set covers, taken from its first
// and last points. ok is false for an empty set.
func (s *Set) Span() (lo, hi int, ok bool) {
	if len(s.Points) == 0 {
		return 0, 0, false
	}

	first := s.Points[0].Position
	last := s.Points[len(s.Points)-1].Position
	if first <= last {
		return first, last, true
	}
	return last, first, true
}

// FrequencySpan returns the frequency range the set covers, taken from
// its first and last points. ok is false for an empty set.
func (s *Set) FrequencySpan() (lo, hi float64, ok bool) {
	if len(s.Points) == 0 {
		return 0, 0, false
	}

	first := s.Points[0].FrequencyHz
	last := s.Points[len(s.Points)-1].FrequencyHz
	if first <= last {
		return first, last, true
	}
	return last, first, true
}

// Loop is one selectable antenna loop with its calibration history and
// measured frequency range.
type Loop struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	LowHz    float64 `json:"low_hz"`
	HighHz   float64 `json:"high_hz"`
	CalSteps int     `json:"cal_steps"`
	Sets     []Set   `json:"sets,omitempty"`
}
