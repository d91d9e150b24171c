package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures run-history persistence.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one generated (or failed) report run.
// Keep it compact and schema-stable.
type RunRecord struct {
	At          time.Time `json:"at"`
	ChannelID   string    `json:"channel_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Trigger     string    `json:"trigger"` // "command" or "schedule"
	OK          bool      `json:"ok"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}
