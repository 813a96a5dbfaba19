package region

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

var (
	ErrNotFound      = errors.New("region not found")
	ErrInvalidRegion = errors.New("invalid region")
)

// entry pairs a region with its health record
type entry struct {
	region models.Region
	health models.HealthStatus
}

// Manager is the in-memory region table. Region definitions and their health
// share one RWMutex; every read and write goes through it.
type Manager struct {
	entries map[string]*entry
	order   []string // registration order, used for deterministic iteration
	mu      sync.RWMutex
}

// NewManager creates an empty region registry
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
	}
}

// AddOrUpdate registers a region or overwrites an existing one. Existing health
// and iteration position are kept; new regions start healthy with zero latency.
func (m *Manager) AddOrUpdate(r models.Region) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRegion)
	}
	if r.Weight <= 0 {
		return fmt.Errorf("%w: weight must be > 0 for %s, got %d", ErrInvalidRegion, r.ID, r.Weight)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, exists := m.entries[r.ID]; exists {
		e.region = r
		return nil
	}

	m.entries[r.ID] = &entry{
		region: r,
		health: models.HealthStatus{Healthy: true},
	}
	m.order = append(m.order, r.ID)
	return nil
}

// Remove deletes a region and its health record. Reports whether it existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[id]; !exists {
		return false
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a region by id
func (m *Manager) Get(id string) (models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.entries[id]
	if !exists {
		return models.Region{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.region, nil
}

// List returns all regions in registration order
func (m *Manager) List() []models.Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regions := make([]models.Region, 0, len(m.order))
	for _, id := range m.order {
		regions = append(regions, m.entries[id].region)
	}
	return regions
}

// Len returns the number of registered regions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Snapshot returns regions and their health, in registration order, under one read lock
func (m *Manager) Snapshot() []models.RegionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RegionStatus, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, models.RegionStatus{
			ID:                  e.region.ID,
			Name:                e.region.Name,
			Endpoint:            e.region.Endpoint,
			Weight:              e.region.Weight,
			Healthy:             e.health.Healthy,
			Latency:             e.health.Latency,
			LastCheck:           e.health.LastCheck,
			ConsecutiveFailures: e.health.ConsecutiveFailures,
		})
	}
	return out
}

// Health returns the health record for a region
func (m *Manager) Health(id string) (models.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.entries[id]
	if !exists {
		return models.HealthStatus{}, false
	}
	return e.health, true
}

// IsHealthy reports whether a registered region is currently healthy
func (m *Manager) IsHealthy(id string) bool {
	h, ok := m.Health(id)
	return ok && h.Healthy
}

// RecordSuccess marks a successful probe: healthy, latency recorded, counter reset.
// Returns the previous and new health, and false if the region is gone.
func (m *Manager) RecordSuccess(id string, latency time.Duration, at time.Time) (prev, next models.HealthStatus, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[id]
	if !exists {
		return prev, next, false
	}
	prev = e.health
	e.health = models.HealthStatus{
		Healthy:             true,
		Latency:             latency,
		LastCheck:           at,
		ConsecutiveFailures: 0,
	}
	return prev, e.health, true
}

// RecordFailure counts a failed probe and marks the region unhealthy once the
// counter reaches threshold. A non-zero latency (slow but answering) is recorded.
func (m *Manager) RecordFailure(id string, latency time.Duration, at time.Time, threshold int) (prev, next models.HealthStatus, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[id]
	if !exists {
		return prev, next, false
	}
	prev = e.health
	e.health.ConsecutiveFailures++
	e.health.LastCheck = at
	if latency > 0 {
		e.health.Latency = latency
	}
	if e.health.ConsecutiveFailures >= threshold {
		e.health.Healthy = false
	}
	return prev, e.health, true
}

// SetHealth forces a region's health, bypassing probes. Forcing unhealthy sets the
// failure counter to threshold, forcing healthy resets it.
func (m *Manager) SetHealth(id string, healthy bool, threshold int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.health.Healthy = healthy
	e.health.LastCheck = at
	if healthy {
		e.health.ConsecutiveFailures = 0
	} else {
		e.health.ConsecutiveFailures = threshold
	}
	return nil
}
