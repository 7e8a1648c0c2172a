// Package position converts between raw actuator feedback counts and
// percent of travel, anchored on the calibrated home and max endpoints.
package position

import "math"

// Unset marks an anchor that has not been configured yet.
const Unset = -1

// ToPercent maps a feedback count to percent of travel, rounded to two
// decimal places. ok is false until both anchors are configured. The
// travel span may run in either direction and is guarded against zero.
func ToPercent(feedback, home, max int) (float64, bool) {
	if home < 0 || max < 0 {
		return 0, false
	}

	span := max - home
	if span == 0 {
		span = 1
	}

	percent := float64(feedback-home) / float64(span) * 100.0
	return math.Round(percent*100) / 100, true
}

// ToAnalog maps percent of travel back to a feedback count by
// truncation. ok is false until both anchors are configured.
func ToAnalog(percent float64, home, max int) (int, bool) {
	if home < 0 || max < 0 {
		return 0, false
	}

	span := max - home
	if span == 0 {
		span = 1
	}

	return home + int(percent/100.0*float64(span)), true
}

// Mapper carries the travel anchors for repeated conversions.
type Mapper struct {
	home int
	max  int
}

// NewMapper creates a mapper with both anchors unset.
func NewMapper() *Mapper {
	return &Mapper{home: Unset, max: Unset}
}

// SetHome records the home endpoint feedback value.
func (m *Mapper) SetHome(feedback int) {
	m.home = feedback
}

// SetMax records the max endpoint feedback value.
func (m *Mapper) SetMax(feedback int) {
	m.max = feedback
}

// Anchors returns the current home and max feedback values.
func (m *Mapper) Anchors() (home, max int) {
	return m.home, m.max
}

// Configured returns whether both anchors have been established.
func (m *Mapper) Configured() bool {
	return m.home >= 0 && m.max >= 0
}

// ToPercent maps a feedback count to percent of travel.
func (m *Mapper) ToPercent(feedback int) (float64, bool) {
	return ToPercent(feedback, m.home, m.max)
}

// ToAnalog maps percent of travel to a feedback count.
func (m *Mapper) ToAnalog(percent float64) (int, bool) {
	return ToAnalog(percent, m.home, m.max)
}
