package migration

import (
	"context"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// Backend moves browser state between regions. Every call receives a context
// carrying the attempt deadline.
type Backend interface {
	// Capture serializes the session's browser state in its source region.
	Capture(ctx context.Context, s *models.Session) ([]byte, error)
	// Suspend stops the source copy from accepting new activity.
	Suspend(ctx context.Context, s *models.Session) error
	// Transfer stores the captured state where target can read it and returns a handle.
	Transfer(ctx context.Context, s *models.Session, blob []byte, target models.Region) (string, error)
	// Restore rebuilds the session in target from a transferred handle.
	Restore(ctx context.Context, s *models.Session, handle string, target models.Region) error
	// Activate makes the restored copy serve traffic.
	Activate(ctx context.Context, s *models.Session, target models.Region) error
	// Resume lifts a suspension in the source region.
	Resume(ctx context.Context, s *models.Session) error
	// Discard removes a partial copy from target.
	Discard(ctx context.Context, s *models.Session, target models.Region) error
}

// Router is the routing surface migration depends on. *routing.Engine implements it.
type Router interface {
	GetRegion(id string) (models.Region, error)
	IsHealthy(id string) bool
	SelectTarget(origin models.Location, exclude ...string) (models.Region, bool)
	GetBackupRegion(failedID string) (string, error)
	Locate(ctx context.Context, clientIP string) models.Location
}
