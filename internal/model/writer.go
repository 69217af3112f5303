package model

import "time"

// Writer defines a generic interface for exporting flow cache snapshots.
type Writer interface {
	// Name identifies the writer type in logs and metrics.
	Name() string

	// Write takes a snapshot and exports it.
	Write(snapshot Snapshot, timestamp string) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration

	// Close releases the writer's resources.
	Close() error
}
