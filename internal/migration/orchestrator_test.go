package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/internal/routing"
	"github.com/shehryarbajwa/browserbase-geo/internal/session"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

type fixedLocator struct{ loc models.Location }

func (l fixedLocator) Resolve(context.Context, string) models.Location { return l.loc }

// fakeBackend records calls and fails steps on demand
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	// failOn maps "step" or "step@target" to the number of times it should fail
	failOn map[string]int
	// captureGate, when set, blocks Capture until closed
	captureGate chan struct{}
	captureIn   chan struct{}

	suspended map[string]bool
	active    map[string]string // session -> region serving it
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failOn:    map[string]int{},
		suspended: map[string]bool{},
		active:    map[string]string{},
	}
}

func (b *fakeBackend) record(step, session, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, fmt.Sprintf("%s:%s:%s", step, session, target))
	for _, key := range []string{step + "@" + target, step} {
		if n := b.failOn[key]; n > 0 {
			b.failOn[key] = n - 1
			return fmt.Errorf("%s broke", step)
		}
	}
	return nil
}

func (b *fakeBackend) Capture(ctx context.Context, s *models.Session) ([]byte, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if b.captureIn != nil {
		select {
		case b.captureIn <- struct{}{}:
		default:
		}
	}
	if b.captureGate != nil {
		select {
		case <-b.captureGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		time.Sleep(2 * time.Millisecond)
	}
	if err := b.record("capture", s.ID, ""); err != nil {
		return nil, err
	}
	return []byte("state-of-" + s.ID), nil
}

func (b *fakeBackend) Suspend(ctx context.Context, s *models.Session) error {
	if err := b.record("suspend", s.ID, ""); err != nil {
		return err
	}
	b.mu.Lock()
	b.suspended[s.ID] = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Transfer(ctx context.Context, s *models.Session, blob []byte, target models.Region) (string, error) {
	if err := b.record("transfer", s.ID, target.ID); err != nil {
		return "", err
	}
	return "handle-" + s.ID, nil
}

func (b *fakeBackend) Restore(ctx context.Context, s *models.Session, handle string, target models.Region) error {
	return b.record("restore", s.ID, target.ID)
}

func (b *fakeBackend) Activate(ctx context.Context, s *models.Session, target models.Region) error {
	if err := b.record("activate", s.ID, target.ID); err != nil {
		return err
	}
	b.mu.Lock()
	b.active[s.ID] = target.ID
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Resume(ctx context.Context, s *models.Session) error {
	b.mu.Lock()
	b.suspended[s.ID] = false
	b.mu.Unlock()
	return b.record("resume", s.ID, "")
}

func (b *fakeBackend) Discard(ctx context.Context, s *models.Session, target models.Region) error {
	return b.record("discard", s.ID, target.ID)
}

func (b *fakeBackend) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (b *fakeBackend) isSuspended(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended[id]
}

type fixture struct {
	engine   *routing.Engine
	sessions *session.Manager
	backend  *fakeBackend
	bus      *events.Bus
	sub      *events.Subscription
	orch     *Orchestrator
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()

	reg := region.NewManager()
	for _, r := range []models.Region{
		{ID: "us-east", Endpoint: "http://us-east", Weight: 100, Location: models.Location{Latitude: 37.5, Longitude: -77.5}},
		{ID: "eu-west", Endpoint: "http://eu-west", Weight: 100, Location: models.Location{Latitude: 53.3, Longitude: -6.2}},
		{ID: "us-west", Endpoint: "http://us-west", Weight: 100, Location: models.Location{Latitude: 45.6, Longitude: -121.2}},
	} {
		require.NoError(t, reg.AddOrUpdate(r))
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	engine := routing.NewEngine(reg, nil, fixedLocator{models.Location{Latitude: 40, Longitude: -75}}, nil, time.Minute, logger.Nop())
	sessions := session.NewManager(bus, logger.Nop())
	backend := newFakeBackend()

	return &fixture{
		engine:   engine,
		sessions: sessions,
		backend:  backend,
		bus:      bus,
		sub:      bus.Subscribe(256),
		orch:     NewOrchestrator(engine, sessions, backend, bus, concurrency, logger.Nop()),
	}
}

func (f *fixture) register(t *testing.T, id, regionID string) {
	t.Helper()
	_, err := f.sessions.Register(&models.Session{ID: id, UserID: "u", RegionID: regionID, Status: models.StatusActive})
	require.NoError(t, err)
}

// drain returns every event for sessionID (or region events when empty) received so far
func (f *fixture) drain(sessionID string) []events.Name {
	var out []events.Name
	for {
		select {
		case e := <-f.sub.C():
			if sessionID == "" || e.SessionID == sessionID {
				out = append(out, e.Name)
			}
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func fastOpts(retries int) Options {
	return Options{Timeout: time.Second, MaxRetries: retries}
}

func TestMigrateSessionSuccess(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(0))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "us-east", res.SourceRegion)
	assert.Equal(t, "eu-west", res.TargetRegion)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Error)

	s, err := f.sessions.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", s.RegionID)
	assert.Equal(t, models.StatusActive, s.Status)

	f.backend.mu.Lock()
	assert.Equal(t, []string{
		"capture:s1:", "suspend:s1:", "transfer:s1:eu-west", "restore:s1:eu-west", "activate:s1:eu-west",
	}, f.backend.calls)
	f.backend.mu.Unlock()

	assert.Equal(t, []events.Name{events.SessionRegistered, events.SessionMigrating, events.SessionMigrated}, f.drain("s1"))

	st := f.orch.GetStatistics()
	assert.Equal(t, int64(1), st.Started)
	assert.Equal(t, int64(1), st.Succeeded)
	assert.Equal(t, 0, st.InFlight)
}

func TestMigrateSessionAutoTarget(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")

	res, err := f.orch.MigrateSession(context.Background(), "s1", "", fastOpts(0))
	require.NoError(t, err)
	require.True(t, res.Success)
	// scored from the source region, us-west is nearer than eu-west
	assert.Equal(t, "us-west", res.TargetRegion)
}

func TestMigrateSessionUsageErrors(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	ctx := context.Background()

	_, err := f.orch.MigrateSession(ctx, "missing", "eu-west", fastOpts(0))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.orch.MigrateSession(ctx, "s1", "mars", fastOpts(0))
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = f.orch.MigrateSession(ctx, "s1", "us-east", fastOpts(0))
	assert.ErrorIs(t, err, ErrAlreadyInRegion)

	assert.Zero(t, f.backend.count("capture"))
}

func TestMigrationExclusivity(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.captureGate = make(chan struct{})
	f.backend.captureIn = make(chan struct{}, 1)

	type outcome struct {
		res models.MigrationResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(0))
		first <- outcome{res, err}
	}()

	<-f.backend.captureIn
	op, ok := f.orch.Operation("s1")
	require.True(t, ok)
	assert.Equal(t, models.OutcomeInProgress, op.Outcome)

	_, err := f.orch.MigrateSession(context.Background(), "s1", "us-west", fastOpts(0))
	assert.ErrorIs(t, err, ErrConcurrentMigration)

	close(f.backend.captureGate)
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Success)
	assert.Equal(t, int64(1), f.orch.GetStatistics().Conflicts)
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.failOn["restore"] = 2

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(3))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, f.backend.count("discard"))
	assert.Equal(t, 2, f.backend.count("resume"))
	assert.Equal(t, int64(2), f.orch.GetStatistics().Retries)
}

func TestRetriesExhaustedRollsBack(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.failOn["transfer"] = 100

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(2))
	require.NoError(t, err, "expected failures are reported in the result")

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "eu-west", res.TargetRegion)
	assert.Contains(t, res.Error, "transferring")

	s, _ := f.sessions.Get("s1")
	assert.Equal(t, "us-east", s.RegionID)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.False(t, f.backend.isSuspended("s1"), "source resumed")

	names := f.drain("s1")
	assert.Equal(t, events.SessionMigrationFailed, names[len(names)-1])
	assert.Equal(t, int64(1), f.orch.GetStatistics().Failed)

	_, inFlight := f.orch.Operation("s1")
	assert.False(t, inFlight)
}

func TestCaptureFailureNeverSuspends(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.failOn["capture"] = 1

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(0))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, f.backend.count("suspend"))
	assert.Zero(t, f.backend.count("resume"))
	assert.Zero(t, f.backend.count("discard"))
}

func TestAutoRetryAvoidsFailedTarget(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.failOn["activate@us-west"] = 1

	res, err := f.orch.MigrateSession(context.Background(), "s1", "", fastOpts(1))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "eu-west", res.TargetRegion)
	assert.Equal(t, 2, res.Attempts)
}

func TestUnhealthyExplicitTargetFails(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	require.NoError(t, f.engine.SetRegionHealth("eu-west", false))

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(1))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrTargetUnhealthy.Error())
	assert.Zero(t, f.backend.count("capture"))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.captureGate = make(chan struct{}) // never released

	res, err := f.orch.MigrateSession(context.Background(), "s1", "eu-west", Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
}

func TestCancelBeforeSuspendStopsAttempt(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.captureGate = make(chan struct{})
	f.backend.captureIn = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.MigrationResult, 1)
	go func() {
		res, _ := f.orch.MigrateSession(ctx, "s1", "eu-west", fastOpts(3))
		done <- res
	}()

	<-f.backend.captureIn
	cancel()
	res := <-done

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts, "no retry after caller cancellation")
	assert.Zero(t, f.backend.count("suspend"))
}

func TestBatchMigratePartialFailure(t *testing.T) {
	f := newFixture(t, 2)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.register(t, id, "us-east")
	}
	// "c" fails every attempt
	failing := &selectiveBackend{fakeBackend: f.backend, failSession: "c"}
	f.orch = NewOrchestrator(f.engine, f.sessions, failing, f.bus, 2, logger.Nop())

	input := append(ids, "missing")
	results, err := f.orch.BatchMigrate(context.Background(), input, "eu-west", fastOpts(1))
	require.NoError(t, err)
	require.Len(t, results, len(input))

	for i, res := range results {
		assert.Equal(t, input[i], res.SessionID, "results keep input order")
		switch res.SessionID {
		case "c", "missing":
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
		default:
			assert.True(t, res.Success, res.SessionID)
			assert.Equal(t, "eu-west", res.TargetRegion)
		}
	}

	assert.LessOrEqual(t, f.backend.maxSeen.Load(), int32(2), "worker pool bounds concurrency")
}

// selectiveBackend fails Capture for one session
type selectiveBackend struct {
	*fakeBackend
	failSession string
}

func (b *selectiveBackend) Capture(ctx context.Context, s *models.Session) ([]byte, error) {
	if s.ID == b.failSession {
		return nil, errors.New("snapshot unavailable")
	}
	return b.fakeBackend.Capture(ctx, s)
}

func TestBatchMigrateInvalidTarget(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.orch.BatchMigrate(context.Background(), []string{"a"}, "mars", fastOpts(0))
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestEvacuateRegion(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 6; i++ {
		f.register(t, fmt.Sprintf("east-%d", i), "us-east")
	}
	f.register(t, "west-0", "us-west")
	require.NoError(t, f.engine.SetRegionHealth("us-east", false))

	// first migration into us-west fails once; retry lands elsewhere
	f.backend.failOn["activate@us-west"] = 1

	report, err := f.orch.EvacuateRegion(context.Background(), "us-east", fastOpts(2))
	require.NoError(t, err)

	assert.Equal(t, "us-east", report.Region)
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 6, report.Succeeded)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Results, 6)

	seen := map[string]bool{}
	for _, res := range report.Results {
		seen[res.SessionID] = true
		assert.True(t, res.Success)
		assert.NotEqual(t, "us-east", res.TargetRegion)
	}
	assert.Len(t, seen, 6)
	assert.Empty(t, f.sessions.ListByRegion("us-east"))

	names := f.drain("")
	assert.Contains(t, names, events.RegionEvacuating)
	assert.Equal(t, events.RegionEvacuated, names[len(names)-1])
	assert.Equal(t, int64(1), f.orch.GetStatistics().Evacuations)
}

func TestEvacuateUnknownRegion(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.orch.EvacuateRegion(context.Background(), "mars", fastOpts(0))
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestEvacuateWithNoHealthyBackup(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	for _, id := range []string{"us-east", "eu-west", "us-west"} {
		require.NoError(t, f.engine.SetRegionHealth(id, false))
	}

	report, err := f.orch.EvacuateRegion(context.Background(), "us-east", fastOpts(1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Failed)

	s, _ := f.sessions.Get("s1")
	assert.Equal(t, "us-east", s.RegionID)
	assert.Equal(t, models.StatusActive, s.Status)
}

func TestStopWaitsAndRejects(t *testing.T) {
	f := newFixture(t, 2)
	f.register(t, "s1", "us-east")
	f.backend.captureGate = make(chan struct{})
	f.backend.captureIn = make(chan struct{}, 1)

	done := make(chan models.MigrationResult, 1)
	go func() {
		res, _ := f.orch.MigrateSession(context.Background(), "s1", "eu-west", fastOpts(0))
		done <- res
	}()
	<-f.backend.captureIn

	stopped := make(chan struct{})
	go func() {
		f.orch.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a migration was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(f.backend.captureGate)
	<-stopped
	assert.True(t, (<-done).Success)

	f.register(t, "s2", "us-east")
	_, err := f.orch.MigrateSession(context.Background(), "s2", "eu-west", fastOpts(0))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStepErrorUnwraps(t *testing.T) {
	err := stepErr(models.StateRestoring, context.DeadlineExceeded)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.StateRestoring, se.State)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
