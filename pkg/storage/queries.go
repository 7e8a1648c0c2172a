package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/magloop/loopd/pkg/calibration"
)

// LoopRecord represents a stored loop with its frequency limits
type LoopRecord struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	LowHz     float64   `json:"low_hz"`
	HighHz    float64   `json:"high_hz"`
	CalSteps  int       `json:"cal_steps"`
	SetCount  int       `json:"set_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertLoop creates or updates a loop record
func (s *Store) UpsertLoop(record LoopRecord) error {
	if !calibration.ValidLoopID(record.ID) {
		return fmt.Errorf("invalid loop id %d", record.ID)
	}

	query := `
		INSERT INTO loops (id, name, low_hz, high_hz, cal_steps)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			low_hz = excluded.low_hz,
			high_hz = excluded.high_hz,
			cal_steps = excluded.cal_steps,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.Exec(query, record.ID, record.Name, record.LowHz, record.HighHz, record.CalSteps)
	if err != nil {
		return fmt.Errorf("failed to upsert loop: %w", err)
	}
	return nil
}

// SetFrequencyLimits updates the stored frequency limits for a loop
func (s *Store) SetFrequencyLimits(loopID int, lowHz, highHz float64) error {
	if !calibration.ValidLoopID(loopID) {
		return fmt.Errorf("invalid loop id %d", loopID)
	}
	if highHz < lowHz {
		return fmt.Errorf("high frequency %v below low frequency %v", highHz, lowHz)
	}

	result, err := s.db.Exec(`
		UPDATE loops SET low_hz = ?, high_hz = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, lowHz, highHz, loopID)
	if err != nil {
		return fmt.Errorf("failed to update frequency limits: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("loop %d not found", loopID)
	}
	return nil
}

// GetLoop retrieves a single loop record
func (s *Store) GetLoop(loopID int) (*LoopRecord, error) {
	var record LoopRecord

	err := s.db.QueryRow(`
		SELECT l.id, l.name, l.low_hz, l.high_hz, l.cal_steps, l.updated_at,
			   (SELECT COUNT(*) FROM calibration_sets WHERE loop_id = l.id) AS set_count
		FROM loops l WHERE l.id = ?
	`, loopID).Scan(&record.ID, &record.Name, &record.LowHz, &record.HighHz,
		&record.CalSteps, &record.UpdatedAt, &record.SetCount)

	if err != nil {
		return nil, fmt.Errorf("failed to get loop %d: %w", loopID, err)
	}

	return &record, nil
}

// GetLoops retrieves all loop records
func (s *Store) GetLoops() ([]LoopRecord, error) {
	rows, err := s.db.Query(`
		SELECT l.id, l.name, l.low_hz, l.high_hz, l.cal_steps, l.updated_at,
			   (SELECT COUNT(*) FROM calibration_sets WHERE loop_id = l.id) AS set_count
		FROM loops l ORDER BY l.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loops: %w", err)
	}
	defer rows.Close()

	var records []LoopRecord
	for rows.Next() {
		var record LoopRecord
		err := rows.Scan(&record.ID, &record.Name, &record.LowHz, &record.HighHz,
			&record.CalSteps, &record.UpdatedAt, &record.SetCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loop: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetCalibrationSet retrieves a single calibration set with its points
func (s *Store) GetCalibrationSet(id string) (*calibration.Set, error) {
	var set calibration.Set

	err := s.db.QueryRow(`
		SELECT id, loop_id, name, created_at
		FROM calibration_sets WHERE id = ?
	`, id).Scan(&set.ID, &set.LoopID, &set.Name, &set.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to get calibration set %s: %w", id, err)
	}

	points, err := s.loadPoints(set.ID)
	if err != nil {
		return nil, err
	}
	set.Points = points

	return &set, nil
}

// GetCalibrationSets retrieves all calibration sets for a loop, newest first
func (s *Store) GetCalibrationSets(loopID int) ([]calibration.Set, error) {
	rows, err := s.db.Query(`
		SELECT id, loop_id, name, created_at
		FROM calibration_sets
		WHERE loop_id = ?
		ORDER BY created_at DESC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration sets: %w", err)
	}

	var sets []calibration.Set
	for rows.Next() {
		var set calibration.Set
		if err := rows.Scan(&set.ID, &set.LoopID, &set.Name, &set.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan calibration set: %w", err)
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range sets {
		points, err := s.loadPoints(sets[i].ID)
		if err != nil {
			return nil, err
		}
		sets[i].Points = points
	}

	return sets, nil
}

// GetLatestCalibrationSet retrieves the most recent set for a loop,
// or nil when the loop has never been calibrated.
func (s *Store) GetLatestCalibrationSet(loopID int) (*calibration.Set, error) {
	var id string

	err := s.db.QueryRow(`
		SELECT id FROM calibration_sets
		WHERE loop_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, loopID).Scan(&id)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest calibration set: %w", err)
	}

	return s.GetCalibrationSet(id)
}

// DeleteCalibrationSet removes a calibration set and its points
func (s *Store) DeleteCalibrationSet(id string) error {
	result, err := s.db.Exec("DELETE FROM calibration_sets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete calibration set: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("calibration set %s not found", id)
	}
	return nil
}

// CountCalibrationSets returns the number of stored sets for a loop
func (s *Store) CountCalibrationSets(loopID int) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM calibration_sets WHERE loop_id = ?", loopID).Scan(&count)
	return count, err
}

// loadPoints retrieves the points of a calibration set in capture order
func (s *Store) loadPoints(setID string) ([]calibration.Point, error) {
	rows, err := s.db.Query(`
		SELECT position, frequency_hz, swr
		FROM calibration_points
		WHERE set_id = ?
		ORDER BY seq
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration points: %w", err)
	}
	defer rows.Close()

	var points []calibration.Point
	for rows.Next() {
		var point calibration.Point
		if err := rows.Scan(&point.Position, &point.FrequencyHz, &point.SWR); err != nil {
			return nil, fmt.Errorf("failed to scan calibration point: %w", err)
		}
		points = append(points, point)
	}

	return points, rows.Err()
}

// SetDeviceState stores a key/value pair of controller state
func (s *Store) SetDeviceState(key, value string) error {
	query := `
		INSERT INTO device_state (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to set device state %s: %w", key, err)
	}
	return nil
}

// GetDeviceState retrieves a stored state value; found is false when absent
func (s *Store) GetDeviceState(key string) (value string, found bool, err error) {
	err = s.db.QueryRow("SELECT value FROM device_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get device state %s: %w", key, err)
	}
	return value, true, nil
}
