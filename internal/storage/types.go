package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the request-history store.
//
// Driver values:
//   - "file": dependency-free file backend (append-only jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled. Only terminal request
// records are ever persisted; queued requests never touch disk.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RequestRecord is one terminal request, kept compact and schema-stable.
type RequestRecord struct {
	At         time.Time `json:"at"`
	RequestID  string    `json:"request_id"`
	Type       string    `json:"type"`
	Priority   int       `json:"priority"`
	SessionID  string    `json:"session_id,omitempty"`
	Status     string    `json:"status"`
	WaitMS     int64     `json:"wait_ms"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
