package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl audit + dedup snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one backup cycle.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Targets int       `json:"targets"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"err,omitempty"`
	TookMS  int64     `json:"took_ms"`
}
