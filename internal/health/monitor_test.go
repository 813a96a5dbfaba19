package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

func newRegistry(t *testing.T, regions ...models.Region) *region.Manager {
	t.Helper()
	m := region.NewManager()
	for _, r := range regions {
		require.NoError(t, m.AddOrUpdate(r))
	}
	return m
}

func TestHysteresisThroughProbes(t *testing.T) {
	reg := newRegistry(t, models.Region{ID: "r", Endpoint: "http://r", Weight: 100})
	mon := NewMonitor(reg, logger.Nop(), Options{MaxFailures: 3})

	var fail atomic.Bool
	fail.Store(true)
	mon.SetProbeFunc(func(ctx context.Context, r models.Region) (time.Duration, error) {
		if fail.Load() {
			return 0, errors.New("down")
		}
		return 20 * time.Millisecond, nil
	})

	var flips []bool
	mon.OnChange(func(id string, healthy bool) { flips = append(flips, healthy) })

	ctx := context.Background()
	mon.CheckNow(ctx)
	mon.CheckNow(ctx)
	assert.True(t, reg.IsHealthy("r"), "two failures stay below the threshold")

	mon.CheckNow(ctx)
	h, _ := reg.Health("r")
	assert.False(t, h.Healthy)
	assert.Equal(t, 3, h.ConsecutiveFailures)

	fail.Store(false)
	mon.CheckNow(ctx)
	h, _ = reg.Health("r")
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, 20*time.Millisecond, h.Latency)

	assert.Equal(t, []bool{false, true}, flips)
}

func TestOverBudgetLatencyCountsAsFailure(t *testing.T) {
	reg := newRegistry(t, models.Region{ID: "slow", Endpoint: "http://slow", Weight: 100, MaxLatency: 50 * time.Millisecond})
	mon := NewMonitor(reg, logger.Nop(), Options{MaxFailures: 1})
	mon.SetProbeFunc(func(ctx context.Context, r models.Region) (time.Duration, error) {
		return 200 * time.Millisecond, nil
	})

	mon.CheckNow(context.Background())

	h, _ := reg.Health("slow")
	assert.False(t, h.Healthy)
	assert.Equal(t, 200*time.Millisecond, h.Latency)
}

func TestProbesRunConcurrently(t *testing.T) {
	reg := newRegistry(t,
		models.Region{ID: "a", Endpoint: "http://a", Weight: 100},
		models.Region{ID: "b", Endpoint: "http://b", Weight: 100},
		models.Region{ID: "c", Endpoint: "http://c", Weight: 100},
	)
	mon := NewMonitor(reg, logger.Nop(), Options{Timeout: time.Second})

	// every probe waits until all three have started
	var started sync.WaitGroup
	started.Add(3)
	mon.SetProbeFunc(func(ctx context.Context, r models.Region) (time.Duration, error) {
		started.Done()
		started.Wait()
		return time.Millisecond, nil
	})

	done := make(chan struct{})
	go func() {
		mon.CheckNow(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probes did not run concurrently")
	}
}

func TestProbeTimeout(t *testing.T) {
	reg := newRegistry(t, models.Region{ID: "hang", Endpoint: "http://hang", Weight: 100})
	mon := NewMonitor(reg, logger.Nop(), Options{Timeout: 20 * time.Millisecond, MaxFailures: 1})
	mon.SetProbeFunc(func(ctx context.Context, r models.Region) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	mon.CheckNow(context.Background())
	assert.False(t, reg.IsHealthy("hang"))
}

func TestSetHealthOverride(t *testing.T) {
	reg := newRegistry(t, models.Region{ID: "r", Endpoint: "http://r", Weight: 100})
	mon := NewMonitor(reg, logger.Nop(), Options{MaxFailures: 4})

	require.NoError(t, mon.SetHealth("r", false))
	h, _ := reg.Health("r")
	assert.False(t, h.Healthy)
	assert.Equal(t, 4, h.ConsecutiveFailures)

	require.NoError(t, mon.SetHealth("r", true))
	h, _ = reg.Health("r")
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.ConsecutiveFailures)

	assert.ErrorIs(t, mon.SetHealth("missing", true), region.ErrNotFound)
}

func TestStopDiscardsLateResults(t *testing.T) {
	reg := newRegistry(t, models.Region{ID: "r", Endpoint: "http://r", Weight: 100})
	mon := NewMonitor(reg, logger.Nop(), Options{Interval: time.Hour, Timeout: time.Second, MaxFailures: 1})

	inProbe := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mon.SetProbeFunc(func(ctx context.Context, r models.Region) (time.Duration, error) {
		once.Do(func() { close(inProbe) })
		<-release
		return 0, errors.New("late failure")
	})

	mon.Start(context.Background())
	<-inProbe

	stopped := make(chan struct{})
	go func() {
		mon.Stop()
		close(stopped)
	}()

	// let Stop flag the monitor before the probe returns
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-stopped

	assert.True(t, reg.IsHealthy("r"))
}

func TestHTTPProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	reg := newRegistry(t,
		models.Region{ID: "up", Endpoint: srv.URL + "/", Weight: 100},
		models.Region{ID: "down", Endpoint: bad.URL, Weight: 100},
	)
	mon := NewMonitor(reg, logger.Nop(), Options{MaxFailures: 1})
	mon.CheckNow(context.Background())

	assert.True(t, reg.IsHealthy("up"))
	assert.False(t, reg.IsHealthy("down"))
	assert.Equal(t, int32(1), hits.Load())

	h, _ := reg.Health("up")
	assert.Greater(t, h.Latency, time.Duration(0))
	assert.False(t, h.LastCheck.IsZero())
}
