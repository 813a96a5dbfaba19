package models

import "time"

// MigrationState is a step of a single migration attempt
type MigrationState string

const (
	StateValidating   MigrationState = "validating"
	StateSnapshotting MigrationState = "snapshotting"
	StateSuspended    MigrationState = "suspended"
	StateTransferring MigrationState = "transferring"
	StateRestoring    MigrationState = "restoring"
	StateActivating   MigrationState = "activating"
	StateDone         MigrationState = "done"
	StateRolledBack   MigrationState = "rolled-back"
)

// MigrationOutcome is the overall outcome of a migration operation
type MigrationOutcome string

const (
	OutcomeInProgress MigrationOutcome = "in-progress"
	OutcomeSuccess    MigrationOutcome = "success"
	OutcomeFailed     MigrationOutcome = "failed"
)

// MigrationOperation tracks an in-flight migration of one session
type MigrationOperation struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"sessionId"`
	SourceRegion string           `json:"sourceRegion"`
	TargetRegion string           `json:"targetRegion"`
	StartedAt    time.Time        `json:"startedAt"`
	Attempts     int              `json:"attempts"`
	State        MigrationState   `json:"state"`
	Outcome      MigrationOutcome `json:"outcome"`
}

// MigrationResult is the outcome reported for one session
type MigrationResult struct {
	SessionID    string        `json:"sessionId"`
	SourceRegion string        `json:"sourceRegion"`
	TargetRegion string        `json:"targetRegion"`
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
}

// EvacuationReport aggregates the results of evacuating a region
type EvacuationReport struct {
	Region    string            `json:"region"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Duration  time.Duration     `json:"duration"`
	Results   []MigrationResult `json:"results"`
}

// MigrationStatistics summarises orchestrator activity since start
type MigrationStatistics struct {
	Started         int64         `json:"started"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	Conflicts       int64         `json:"conflicts"`
	Retries         int64         `json:"retries"`
	Evacuations     int64         `json:"evacuations"`
	InFlight        int           `json:"inFlight"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// MigrateRequest is the payload for migrating one session
type MigrateRequest struct {
	TargetRegion string `json:"targetRegion,omitempty"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
	MaxRetries   *int   `json:"maxRetries,omitempty"`
}

// BatchMigrateRequest is the payload for migrating many sessions
type BatchMigrateRequest struct {
	SessionIDs   []string `json:"sessionIds"`
	TargetRegion string   `json:"targetRegion,omitempty"`
	TimeoutMs    int      `json:"timeoutMs,omitempty"`
	MaxRetries   *int     `json:"maxRetries,omitempty"`
}
