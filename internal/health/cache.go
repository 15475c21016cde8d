package health

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS host_health (
	host_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	probes     TEXT NOT NULL,
	checked_at INTEGER NOT NULL
);
`

// DiskCache persists health reports across process invocations so a fresh
// "forge health" run doesn't re-probe hosts still within TTL.
type DiskCache struct {
	db *sql.DB
}

// OpenDiskCache opens (creating if absent) the sqlite-backed cache under
// <stateRoot>/health.db.
func OpenDiskCache(stateRoot string) (*DiskCache, error) {
	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		return nil, fmt.Errorf("health: mkdir %s: %w", stateRoot, err)
	}
	dbPath := filepath.Join(stateRoot, "health.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("health: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("health: enable WAL: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("health: init schema: %w", err)
	}
	return &DiskCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

// Get returns the cached report for hostID, if present.
func (c *DiskCache) Get(hostID string) (Report, bool) {
	row := c.db.QueryRow(`SELECT status, probes, checked_at FROM host_health WHERE host_id = ?`, hostID)
	var status string
	var probesJSON string
	var checkedAt int64
	if err := row.Scan(&status, &probesJSON, &checkedAt); err != nil {
		return Report{}, false
	}
	var probes []ProbeResult
	if err := json.Unmarshal([]byte(probesJSON), &probes); err != nil {
		return Report{}, false
	}
	return Report{
		Host:      hostID,
		Status:    Status(status),
		Probes:    probes,
		CheckedAt: time.Unix(checkedAt, 0).UTC(),
	}, true
}

// Put upserts report for its host.
func (c *DiskCache) Put(report Report) error {
	probesJSON, err := json.Marshal(report.Probes)
	if err != nil {
		return fmt.Errorf("health: marshal probes: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO host_health (host_id, status, probes, checked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(host_id) DO UPDATE SET status = excluded.status, probes = excluded.probes, checked_at = excluded.checked_at`,
		report.Host, string(report.Status), string(probesJSON), report.CheckedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("health: upsert %s: %w", report.Host, err)
	}
	return nil
}
