// Package storage persists terminal request records for operator history.
//
// It is fed from the event bus by the app layer; the scheduling core never
// touches it, and queued requests are never written to disk.
package storage
