package devicepool

import (
	"time"
)

// Status - device connectivity state.
type Status string

const (
	FREE        Status = "FREE"
	BUSY        Status = "BUSY"
	QUARANTINED Status = "QUARANTINED"
	UNREACHABLE Status = "UNREACHABLE"
)

// Device - one remotely controlled unit. Owned exclusively by the pool;
// mutated only through Allocate/Release/health transitions. Devices are
// never deleted, only marked unreachable.
type Device struct {
	ID              string
	Status          Status
	LastHealthCheck time.Time
	AttemptID       string

	healthFailures int
	quarantinedAt  time.Time
}

// Snapshot - external read-only view of one device.
type Snapshot struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitempty"`
	AttemptID       string    `json:"attemptId,omitempty"`
}
