package migration

import (
	"errors"
	"fmt"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

var (
	ErrConcurrentMigration = errors.New("migration already in progress for session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidRegion       = errors.New("invalid region")
	ErrAlreadyInRegion     = errors.New("session is already in target region")
	ErrSessionNotActive    = errors.New("session is not in a migratable state")
	ErrStopped             = errors.New("migration orchestrator stopped")
	ErrNoTarget            = errors.New("no eligible target region")
	ErrTargetUnhealthy     = errors.New("target region is unhealthy")
)

// StepError records the state an attempt failed in
type StepError struct {
	State models.MigrationState
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(state models.MigrationState, err error) error {
	return &StepError{State: state, Err: err}
}
