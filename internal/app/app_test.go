package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-geo/internal/config"
	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

const regionsYAML = `
regions:
  - id: us-east
    endpoint: http://127.0.0.1:1
    location: {latitude: 37.5, longitude: -77.5}
  - id: eu-west
    endpoint: http://127.0.0.1:1
    location: {latitude: 53.3, longitude: -6.2}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	regions := filepath.Join(dir, "regions.yaml")
	require.NoError(t, os.WriteFile(regions, []byte(regionsYAML), 0o644))

	return &config.Config{
		ListenAddr:             "127.0.0.1:0",
		ShutdownTimeout:        time.Second,
		RegionsFile:            regions,
		HealthCheckInterval:    time.Minute,
		HealthCheckTimeout:     time.Second,
		MaxConsecutiveFailures: 3,
		RouteCacheTTL:          time.Minute,
		GeoTimeout:             time.Second,
		MigrationTimeout:       5 * time.Second,
		MigrationRetries:       1,
		MigrationConcurrency:   2,
		SessionSweepInterval:   time.Minute,
		SnapshotBackend:        "fs",
		SnapshotDir:            filepath.Join(dir, "snapshots"),
		ProfileDir:             filepath.Join(dir, "profiles"),
		RateLimitPerHour:       3600,
		RateLimitBurst:         10,
	}
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.Nop(), "test")
	require.NoError(t, err)
	defer a.close()

	assert.Len(t, a.regions.List(), 2)
	assert.Empty(t, a.pools)
	assert.Nil(t, a.forwarder)
	assert.NotNil(t, a.server)
}

func TestNewFailsWithoutRegionsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegionsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, logger.Nop(), "test")
	assert.Error(t, err)
}

func TestReaperReleasesExpiredSessions(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.Nop(), "test")
	require.NoError(t, err)
	defer a.close()
	a.startReaper()

	s, err := a.sessions.Register(&models.Session{UserID: "u1", RegionID: "us-east"})
	require.NoError(t, err)
	_, err = a.runtime.Provision(context.Background(), s)
	require.NoError(t, err)

	a.bus.Publish(events.Event{
		Name:      events.SessionTerminated,
		SessionID: s.ID,
		Data:      map[string]any{"reason": "expired"},
	})

	assert.Eventually(t, func() bool {
		_, ok := a.runtime.Instance(s.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
