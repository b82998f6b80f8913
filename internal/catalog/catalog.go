// Package catalog implements the Session Catalog: a SQLite-backed index of
// Acquisition Sessions so lookups (the inspect-session command, List) don't
// need to walk the filesystem and parse every state.json. It is write-through
// from the Orchestrator and reconstructible from disk — state.json on disk
// remains the source of truth, this is a read-path accelerator only.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one catalog entry, mirroring orchestrator.Session.
type Row struct {
	SessionID           string
	Name                string
	Dir                 string
	CreatedAt           time.Time
	DirectionsCompleted []string
	InterruptionPoint   *InterruptionPoint
}

// InterruptionPoint mirrors orchestrator.InterruptionPoint for storage.
type InterruptionPoint struct {
	Direction             string
	FramesCaptured        int
	LastCameraTimestampNs int64
}

// Catalog wraps a single SQLite database file.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path and ensures
// its schema exists.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			dir TEXT NOT NULL,
			created_at TEXT NOT NULL,
			directions_completed TEXT NOT NULL,
			interruption_point TEXT
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: creating schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// RecordSession upserts one session row. Safe to call repeatedly as a
// session progresses through phase transitions.
func (c *Catalog) RecordSession(row Row) error {
	directions, err := json.Marshal(row.DirectionsCompleted)
	if err != nil {
		return fmt.Errorf("catalog: marshaling directions_completed: %w", err)
	}

	var interruption sql.NullString
	if row.InterruptionPoint != nil {
		raw, err := json.Marshal(row.InterruptionPoint)
		if err != nil {
			return fmt.Errorf("catalog: marshaling interruption_point: %w", err)
		}
		interruption = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = c.db.Exec(`
		INSERT INTO sessions (session_id, name, dir, created_at, directions_completed, interruption_point)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			directions_completed = excluded.directions_completed,
			interruption_point = excluded.interruption_point`,
		row.SessionID, row.Name, row.Dir, row.CreatedAt.Format(time.RFC3339Nano), string(directions), interruption,
	)
	if err != nil {
		return fmt.Errorf("catalog: upserting session %s: %w", row.SessionID, err)
	}
	return nil
}

// Get returns the row for sessionID, or ok=false if no such session exists.
func (c *Catalog) Get(sessionID string) (Row, bool, error) {
	row := c.db.QueryRow(`SELECT session_id, name, dir, created_at, directions_completed, interruption_point FROM sessions WHERE session_id = ?`, sessionID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("catalog: reading session %s: %w", sessionID, err)
	}
	return r, true, nil
}

// List returns all catalog rows ordered by most recently created first.
func (c *Catalog) List() ([]Row, error) {
	rows, err := c.db.Query(`SELECT session_id, name, dir, created_at, directions_completed, interruption_point FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var (
		r                Row
		createdAt        string
		directionsJSON   string
		interruptionJSON sql.NullString
	)
	if err := s.Scan(&r.SessionID, &r.Name, &r.Dir, &createdAt, &directionsJSON, &interruptionJSON); err != nil {
		return Row{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Row{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = ts

	if err := json.Unmarshal([]byte(directionsJSON), &r.DirectionsCompleted); err != nil {
		return Row{}, fmt.Errorf("parsing directions_completed: %w", err)
	}

	if interruptionJSON.Valid {
		var ip InterruptionPoint
		if err := json.Unmarshal([]byte(interruptionJSON.String), &ip); err != nil {
			return Row{}, fmt.Errorf("parsing interruption_point: %w", err)
		}
		r.InterruptionPoint = &ip
	}
	return r, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}
