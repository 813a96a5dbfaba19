// Package routing picks the regional cluster that should serve a client.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/internal/geo"
	"github.com/shehryarbajwa/browserbase-geo/internal/health"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// ErrNoRegions is returned only when the registry is empty
var ErrNoRegions = errors.New("no regions registered")

// Locator resolves a client address to coordinates. *geo.Resolver implements it.
type Locator interface {
	Resolve(ctx context.Context, ip string) models.Location
}

// RouteOptions narrows region selection. The zero value requires healthy regions.
type RouteOptions struct {
	PreferredRegion  string
	IncludeUnhealthy bool
	MaxLatency       time.Duration
}

func (o RouteOptions) isDefault() bool {
	return o.PreferredRegion == "" && !o.IncludeUnhealthy && o.MaxLatency == 0
}

// Engine scores regions for clients and caches the decisions
type Engine struct {
	regions  *region.Manager
	monitor  *health.Monitor
	locator  Locator
	cache    Cache
	cacheTTL time.Duration
	logger   logger.Logger
}

// NewEngine wires the engine. monitor may be nil when health is only set manually.
func NewEngine(regions *region.Manager, monitor *health.Monitor, locator Locator, cache Cache, cacheTTL time.Duration, log logger.Logger) *Engine {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Engine{
		regions:  regions,
		monitor:  monitor,
		locator:  locator,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   log.With(logger.String("component", "routing")),
	}
}

// Route returns the best region for clientIP. It only fails when no region is registered.
func (e *Engine) Route(ctx context.Context, clientIP string, opts RouteOptions) (models.RouteDecision, error) {
	if e.regions.Len() == 0 {
		return models.RouteDecision{}, ErrNoRegions
	}

	key := routeCacheKey(clientIP, opts)
	if d, ok := e.cached(ctx, key, opts); ok {
		metrics.RouteDecisions.WithLabelValues(d.RegionID, string(d.Reason)).Inc()
		return d, nil
	}

	loc := e.locator.Resolve(ctx, clientIP)
	d, ok := e.best(loc, opts, nil)
	if !ok {
		d = e.fallback()
		e.logger.Warn("no region passed filters, using fallback",
			logger.String("region", d.RegionID))
	}
	if d.RegionID == "" {
		return models.RouteDecision{}, ErrNoRegions
	}

	if err := e.cache.Set(ctx, key, d, e.cacheTTL); err != nil {
		e.logger.Warn("failed to cache route decision", logger.Error(err))
	}
	metrics.RouteDecisions.WithLabelValues(d.RegionID, string(d.Reason)).Inc()
	return d, nil
}

// cached returns a live cache entry whose region is still registered, healthy
// and within the caller's latency budget
func (e *Engine) cached(ctx context.Context, key string, opts RouteOptions) (models.RouteDecision, bool) {
	d, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("route cache lookup failed", logger.Error(err))
		metrics.RouteCacheOps.WithLabelValues("error").Inc()
		return models.RouteDecision{}, false
	}
	if !ok {
		metrics.RouteCacheOps.WithLabelValues("miss").Inc()
		return models.RouteDecision{}, false
	}

	r, err := e.regions.Get(d.RegionID)
	h, _ := e.regions.Health(d.RegionID)
	if err != nil || !h.Healthy || (opts.MaxLatency > 0 && h.Latency > opts.MaxLatency) {
		metrics.RouteCacheOps.WithLabelValues("stale").Inc()
		return models.RouteDecision{}, false
	}

	metrics.RouteCacheOps.WithLabelValues("hit").Inc()
	return models.RouteDecision{
		RegionID:   r.ID,
		Endpoint:   r.Endpoint,
		DistanceKm: 0,
		Latency:    h.Latency,
		Reason:     models.ReasonCached,
		DecidedAt:  time.Now(),
	}, true
}

// best scores every eligible region from origin and returns the minimum.
// Ties keep the first region in registry order.
func (e *Engine) best(origin models.Location, opts RouteOptions, exclude map[string]bool) (models.RouteDecision, bool) {
	var (
		winner    models.RouteDecision
		bestScore = math.Inf(1)
		found     bool
	)

	for _, r := range e.regions.List() {
		if exclude[r.ID] {
			continue
		}
		h, ok := e.regions.Health(r.ID)
		if !ok {
			continue
		}
		if !opts.IncludeUnhealthy && !h.Healthy {
			continue
		}
		if opts.MaxLatency > 0 && h.Latency > opts.MaxLatency {
			continue
		}

		dist := geo.Distance(origin, r.Location)
		s := Score(dist, h.Latency, r.Weight, r.ID == opts.PreferredRegion)
		if s < bestScore {
			bestScore = s
			found = true
			winner = models.RouteDecision{
				RegionID:   r.ID,
				Endpoint:   r.Endpoint,
				DistanceKm: dist,
				Latency:    h.Latency,
				Reason:     models.ReasonOptimal,
				DecidedAt:  time.Now(),
			}
		}
	}
	return winner, found
}

// Score is (distance + latencyMs/10) scaled by 100/weight, halved when preferred.
// Lower is better.
func Score(distanceKm float64, latency time.Duration, weight int, preferred bool) float64 {
	latencyMs := float64(latency) / float64(time.Millisecond)
	s := (distanceKm + latencyMs/10) * (100 / float64(weight))
	if preferred {
		s /= 2
	}
	return s
}

func (e *Engine) fallback() models.RouteDecision {
	list := e.regions.List()
	if len(list) == 0 {
		return models.RouteDecision{}
	}
	r := list[0]
	h, _ := e.regions.Health(r.ID)
	return models.RouteDecision{
		RegionID:  r.ID,
		Endpoint:  r.Endpoint,
		Latency:   h.Latency,
		Reason:    models.ReasonFallbackNoHealthy,
		DecidedAt: time.Now(),
	}
}

// SelectTarget returns the best healthy region from origin, skipping exclude.
// Reports false when nothing is eligible.
func (e *Engine) SelectTarget(origin models.Location, exclude ...string) (models.Region, bool) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	d, ok := e.best(origin, RouteOptions{}, skip)
	if !ok {
		return models.Region{}, false
	}
	r, err := e.regions.Get(d.RegionID)
	if err != nil {
		return models.Region{}, false
	}
	return r, true
}

// Locate resolves a client address with the engine's locator
func (e *Engine) Locate(ctx context.Context, clientIP string) models.Location {
	return e.locator.Resolve(ctx, clientIP)
}

// GetBackupRegion returns the healthy region nearest to failedID, excluding it.
// With no healthy candidate it falls back to the first registered region.
func (e *Engine) GetBackupRegion(failedID string) (string, error) {
	list := e.regions.List()
	if len(list) == 0 {
		return "", ErrNoRegions
	}

	failed, err := e.regions.Get(failedID)
	known := err == nil

	var (
		backup  string
		minDist = math.Inf(1)
	)
	for _, r := range list {
		if r.ID == failedID || !e.regions.IsHealthy(r.ID) {
			continue
		}
		if !known {
			// no coordinates to measure from, keep registry order
			return r.ID, nil
		}
		if d := geo.Distance(failed.Location, r.Location); d < minDist {
			minDist = d
			backup = r.ID
		}
	}

	if backup == "" {
		backup = list[0].ID
	}
	return backup, nil
}

// IsHealthy reports whether a region is registered and healthy
func (e *Engine) IsHealthy(id string) bool {
	return e.regions.IsHealthy(id)
}

// GetRegion returns a registered region
func (e *Engine) GetRegion(id string) (models.Region, error) {
	return e.regions.Get(id)
}

// GetRegionsStatus returns every region with its current health
func (e *Engine) GetRegionsStatus() []models.RegionStatus {
	return e.regions.Snapshot()
}

// AddRegion registers or updates a region
func (e *Engine) AddRegion(r models.Region) error {
	if err := e.regions.AddOrUpdate(r); err != nil {
		return err
	}
	e.logger.Info("region registered",
		logger.String("region", r.ID),
		logger.String("endpoint", r.Endpoint),
		logger.Int("weight", r.Weight))
	return nil
}

// RemoveRegion unregisters a region and drops cached routes pointing at it
func (e *Engine) RemoveRegion(ctx context.Context, id string) error {
	if !e.regions.Remove(id) {
		return fmt.Errorf("%w: %s", region.ErrNotFound, id)
	}
	if err := e.cache.DeleteRegion(ctx, id); err != nil {
		e.logger.Warn("failed to drop cached routes", logger.String("region", id), logger.Error(err))
	}
	e.logger.Info("region removed", logger.String("region", id))
	return nil
}

// SetRegionHealth forces a region's health
func (e *Engine) SetRegionHealth(id string, healthy bool) error {
	if e.monitor != nil {
		return e.monitor.SetHealth(id, healthy)
	}
	return e.regions.SetHealth(id, healthy, health.DefaultMaxFailures, time.Now())
}

// ClearCache drops every cached decision
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear route cache: %w", err)
	}
	return nil
}

// Stop halts background health probing
func (e *Engine) Stop() {
	if e.monitor != nil {
		e.monitor.Stop()
	}
}

// routeCacheKey hashes the client IP. Non-default options get their own entry
// so a narrowed decision never answers a plain lookup.
func routeCacheKey(clientIP string, opts RouteOptions) string {
	if opts.isDefault() {
		return CacheKey(clientIP)
	}
	return CacheKey(fmt.Sprintf("%s|%s|%t|%d", clientIP, opts.PreferredRegion, opts.IncludeUnhealthy, opts.MaxLatency))
}
