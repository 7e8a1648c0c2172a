package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/magloop/loopd/pkg/calibration"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles persistent storage of loop records, calibration data
// and controller state with a SQLite backend.
type Store struct {
	db             *sql.DB
	dbPath         string
	maxSetsPerLoop int
}

// NewStore creates a new store with SQLite backend
func NewStore(dbPath string, maxSetsPerLoop int) (*Store, error) {
	store := &Store{
		dbPath:         dbPath,
		maxSetsPerLoop: maxSetsPerLoop,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (s *Store) initialize() error {
	// Handle empty database path
	if s.dbPath == "" {
		s.dbPath = "./loopd.db"
	}

	// Create database directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Build connection string properly with query parameters
	connectionString := s.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	// Open database connection
	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	s.db = db

	// Create tables
	if err := s.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Create indexes for performance
	if err := s.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Printf("Store initialized: %s (max %d calibration sets per loop)", s.dbPath, s.maxSetsPerLoop)
	return nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loops (
		id INTEGER PRIMARY KEY CHECK (id BETWEEN 1 AND 3),
		name TEXT NOT NULL DEFAULT '',
		low_hz REAL NOT NULL DEFAULT 0,
		high_hz REAL NOT NULL DEFAULT 0,
		cal_steps INTEGER NOT NULL DEFAULT 20,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS calibration_sets (
		id TEXT PRIMARY KEY,
		loop_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (loop_id) REFERENCES loops(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS calibration_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		set_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		position INTEGER NOT NULL,
		frequency_hz REAL NOT NULL,
		swr REAL NOT NULL,
		FOREIGN KEY (set_id) REFERENCES calibration_sets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS device_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Seed the three selectable loops
	INSERT OR IGNORE INTO loops (id) VALUES (1), (2), (3);
	`

	_, err := s.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (s *Store) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_calibration_sets_loop ON calibration_sets(loop_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_calibration_points_set ON calibration_points(set_id, seq)",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// SaveCalibrationSet stores a calibration set and its points in the database
func (s *Store) SaveCalibrationSet(set *calibration.Set) error {
	if !calibration.ValidLoopID(set.LoopID) {
		return fmt.Errorf("invalid loop id %d", set.LoopID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO calibration_sets (id, loop_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`, set.ID, set.LoopID, set.Name, set.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert calibration set: %w", err)
	}

	for seq, point := range set.Points {
		_, err = tx.Exec(`
			INSERT INTO calibration_points (set_id, seq, position, frequency_hz, swr)
			VALUES (?, ?, ?, ?, ?)
		`, set.ID, seq, point.Position, point.FrequencyHz, point.SWR)
		if err != nil {
			return fmt.Errorf("failed to insert calibration point: %w", err)
		}
	}

	// Check if we need to prune old sets for this loop
	if err := s.pruneSets(tx, set.LoopID); err != nil {
		log.Printf("Warning: failed to prune calibration sets: %v", err)
	}

	return tx.Commit()
}

// PruneCalibrationSets removes sets beyond the per-loop limit (exported for manual cleanup)
func (s *Store) PruneCalibrationSets(loopID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.pruneSets(tx, loopID); err != nil {
		return err
	}

	return tx.Commit()
}

// pruneSets removes the oldest calibration sets beyond the per-loop limit
func (s *Store) pruneSets(tx *sql.Tx, loopID int) error {
	if s.maxSetsPerLoop <= 0 {
		return nil // No limit
	}

	var count int
	err := tx.QueryRow("SELECT COUNT(*) FROM calibration_sets WHERE loop_id = ?", loopID).Scan(&count)
	if err != nil {
		return err
	}

	if count <= s.maxSetsPerLoop {
		return nil // Within limit
	}

	// Delete oldest sets beyond limit; points follow via cascade
	deleteCount := count - s.maxSetsPerLoop
	query := `
		DELETE FROM calibration_sets
		WHERE id IN (
			SELECT id FROM calibration_sets
			WHERE loop_id = ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`

	_, err = tx.Exec(query, loopID, deleteCount)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
