// Package health probes every registered region on a fixed interval and keeps
// hysteresis-based health state in the region registry.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultMaxFailures = 3
)

// ProbeFunc checks one region and returns the observed round-trip latency.
// The context carries the per-probe timeout.
type ProbeFunc func(ctx context.Context, r models.Region) (time.Duration, error)

// Options configures a Monitor. Zero values fall back to the defaults above.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// Monitor runs the probe cycle for all regions in a registry.
// Thread-safe: health state lives in the registry under its own lock.
type Monitor struct {
	regions     *region.Manager
	logger      logger.Logger
	httpClient  *http.Client
	probe       ProbeFunc
	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	onChange func(id string, healthy bool)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewMonitor creates a monitor over the given registry
func NewMonitor(regions *region.Manager, log logger.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}

	m := &Monitor{
		regions:     regions,
		logger:      log,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		maxFailures: opts.MaxFailures,
		httpClient:  &http.Client{},
	}
	m.probe = m.httpProbe
	return m
}

// SetProbeFunc replaces the HTTP probe. Must be called before Start.
func (m *Monitor) SetProbeFunc(fn ProbeFunc) {
	m.probe = fn
}

// OnChange registers a callback invoked (outside any lock) when a region flips health.
func (m *Monitor) OnChange(fn func(id string, healthy bool)) {
	m.onChange = fn
}

// MaxFailures returns the configured hysteresis threshold
func (m *Monitor) MaxFailures() int {
	return m.maxFailures
}

// Start runs an immediate cycle and then one every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("health monitor started",
			logger.Duration("interval", m.interval),
			logger.Duration("timeout", m.timeout))

		m.CheckNow(ctx)

		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the probe cycle. Probes still in flight may finish but their
// results are discarded.
func (m *Monitor) Stop() {
	m.stopped.Store(true)

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// CheckNow probes every region concurrently and returns when all probes are done.
// The cycle takes as long as the slowest probe, bounded by the probe timeout.
func (m *Monitor) CheckNow(ctx context.Context) {
	regions := m.regions.List()

	var wg sync.WaitGroup
	for _, r := range regions {
		wg.Add(1)
		go func(r models.Region) {
			defer wg.Done()
			m.checkRegion(ctx, r)
		}(r)
	}
	wg.Wait()
}

// SetHealth forces a region healthy or unhealthy, bypassing probes
func (m *Monitor) SetHealth(id string, healthy bool) error {
	prev, _ := m.regions.Health(id)
	if err := m.regions.SetHealth(id, healthy, m.maxFailures, time.Now()); err != nil {
		return err
	}

	m.logger.Info("region health overridden",
		logger.String("region", id),
		logger.Bool("healthy", healthy))
	m.transition(id, prev.Healthy, healthy)
	return nil
}

func (m *Monitor) checkRegion(ctx context.Context, r models.Region) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	latency, err := m.probe(probeCtx, r)
	if latency <= 0 {
		latency = time.Since(start)
	}

	if m.stopped.Load() {
		return
	}

	metrics.ProbeLatency.WithLabelValues(r.ID).Observe(latency.Seconds())

	if err == nil && r.MaxLatency > 0 && latency > r.MaxLatency {
		err = fmt.Errorf("latency %v exceeds budget %v", latency, r.MaxLatency)
	}

	now := time.Now()
	if err != nil {
		metrics.ProbeFailures.WithLabelValues(r.ID).Inc()
		prev, next, ok := m.regions.RecordFailure(r.ID, latency, now, m.maxFailures)
		if !ok {
			return
		}
		m.logger.Debug("health probe failed",
			logger.String("region", r.ID),
			logger.Int("failures", next.ConsecutiveFailures),
			logger.Int("threshold", m.maxFailures),
			logger.Error(err))
		m.transition(r.ID, prev.Healthy, next.Healthy)
		return
	}

	prev, next, ok := m.regions.RecordSuccess(r.ID, latency, now)
	if !ok {
		return
	}
	m.transition(r.ID, prev.Healthy, next.Healthy)
}

func (m *Monitor) transition(id string, was, is bool) {
	if is {
		metrics.RegionHealthy.WithLabelValues(id).Set(1)
	} else {
		metrics.RegionHealthy.WithLabelValues(id).Set(0)
	}
	if was == is {
		return
	}

	if is {
		m.logger.Info("region recovered", logger.String("region", id))
	} else {
		m.logger.Warn("region marked unhealthy",
			logger.String("region", id),
			logger.Int("threshold", m.maxFailures))
	}
	if m.onChange != nil {
		m.onChange(id, is)
	}
}

// httpProbe issues GET <endpoint>/health; any 2xx is a success
func (m *Monitor) httpProbe(ctx context.Context, r models.Region) (time.Duration, error) {
	url := r.Endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build health request: %w", err)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return latency, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return latency, nil
}
