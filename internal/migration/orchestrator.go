// Package migration relocates live sessions between regions with a
// snapshot, suspend, transfer, restore, activate protocol.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
	"github.com/shehryarbajwa/browserbase-geo/internal/session"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultConcurrency = 5
)

// Options control a single migration. An attempt is tried once plus MaxRetries times.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOptions returns the stock per-attempt timeout and retry budget
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
}

func (o Options) normalize() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// picker chooses the target for the next attempt given the targets that already failed
type picker func(s *models.Session, failed []string) (models.Region, error)

// Orchestrator drives migrations. At most one operation per session is in
// flight; batches share a fixed-size worker pool.
type Orchestrator struct {
	router      Router
	sessions    *session.Manager
	backend     Backend
	events      events.Publisher
	logger      logger.Logger
	concurrency int

	mu       sync.Mutex
	inflight map[string]*models.MigrationOperation
	stopped  bool
	wg       sync.WaitGroup

	started, succeeded, failed int64
	conflicts, retries, evacs  int64
	totalDuration              time.Duration
}

// NewOrchestrator creates an orchestrator. concurrency bounds batch and evacuation workers.
func NewOrchestrator(router Router, sessions *session.Manager, backend Backend, pub events.Publisher, concurrency int, log logger.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		router:      router,
		sessions:    sessions,
		backend:     backend,
		events:      pub,
		logger:      log.With(logger.String("component", "migration")),
		concurrency: concurrency,
		inflight:    make(map[string]*models.MigrationOperation),
	}
}

// MigrateSession moves one session. An empty target lets routing pick the best
// region other than the session's current one. Expected failures come back in
// the result; the error is reserved for invalid requests and conflicts.
func (o *Orchestrator) MigrateSession(ctx context.Context, sessionID, target string, opts Options) (models.MigrationResult, error) {
	if target == "" {
		return o.migrate(ctx, sessionID, "", o.autoTarget(ctx), opts)
	}

	r, err := o.router.GetRegion(target)
	if err != nil {
		return models.MigrationResult{SessionID: sessionID}, fmt.Errorf("%w: %s", ErrInvalidRegion, target)
	}
	return o.migrate(ctx, sessionID, target, fixedTarget(r), opts)
}

// BatchMigrate migrates every session independently and returns one result per
// id, in input order.
func (o *Orchestrator) BatchMigrate(ctx context.Context, sessionIDs []string, target string, opts Options) ([]models.MigrationResult, error) {
	if o.isStopped() {
		return nil, ErrStopped
	}

	var pick func(ctx context.Context) picker
	if target == "" {
		pick = o.autoTarget
	} else {
		r, err := o.router.GetRegion(target)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRegion, target)
		}
		pick = func(context.Context) picker { return fixedTarget(r) }
	}

	results := o.runBatch(ctx, sessionIDs, func(ctx context.Context, id string) models.MigrationResult {
		res, err := o.migrate(ctx, id, target, pick(ctx), opts)
		if err != nil {
			return failedResult(id, res, err)
		}
		return res
	})

	o.logger.Info("batch migration finished",
		logger.Int("sessions", len(sessionIDs)),
		logger.Int("succeeded", countSucceeded(results)))
	return results, nil
}

// EvacuateRegion migrates every session currently in source. Each session gets
// its own backup region, chosen when a worker picks it up.
func (o *Orchestrator) EvacuateRegion(ctx context.Context, source string, opts Options) (models.EvacuationReport, error) {
	if _, err := o.router.GetRegion(source); err != nil {
		return models.EvacuationReport{}, fmt.Errorf("%w: %s", ErrInvalidRegion, source)
	}
	if o.isStopped() {
		return models.EvacuationReport{}, ErrStopped
	}

	sessions := o.sessions.ListByRegion(source)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}

	o.logger.Warn("evacuating region",
		logger.String("region", source),
		logger.Int("sessions", len(ids)))
	o.events.Publish(events.Event{
		Name:     events.RegionEvacuating,
		RegionID: source,
		Data:     map[string]any{"sessions": len(ids)},
	})

	start := time.Now()
	results := o.runBatch(ctx, ids, func(ctx context.Context, id string) models.MigrationResult {
		res, err := o.migrate(ctx, id, "", o.evacuationTarget(ctx, source), opts)
		if err != nil {
			return failedResult(id, res, err)
		}
		return res
	})

	report := models.EvacuationReport{
		Region:    source,
		Total:     len(results),
		Succeeded: countSucceeded(results),
		Duration:  time.Since(start),
		Results:   results,
	}
	report.Failed = report.Total - report.Succeeded

	o.mu.Lock()
	o.evacs++
	o.mu.Unlock()

	o.logger.Info("region evacuated",
		logger.String("region", source),
		logger.Int("total", report.Total),
		logger.Int("succeeded", report.Succeeded),
		logger.Int("failed", report.Failed),
		logger.Duration("duration", report.Duration))
	o.events.Publish(events.Event{
		Name:     events.RegionEvacuated,
		RegionID: source,
		Data: map[string]any{
			"total":      report.Total,
			"succeeded":  report.Succeeded,
			"failed":     report.Failed,
			"durationMs": report.Duration.Milliseconds(),
		},
	})
	return report, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, ids []string, run func(ctx context.Context, id string) models.MigrationResult) []models.MigrationResult {
	results := make([]models.MigrationResult, len(ids))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// migrate runs the attempt loop for one session. explicit is the requested
// target id, empty when targets are picked per attempt.
func (o *Orchestrator) migrate(ctx context.Context, sessionID, explicit string, pick picker, opts Options) (models.MigrationResult, error) {
	opts = opts.normalize()
	result := models.MigrationResult{SessionID: sessionID}

	if err := o.begin(); err != nil {
		return result, err
	}
	defer o.wg.Done()

	op, err := o.acquire(sessionID)
	if err != nil {
		return result, err
	}
	defer o.release(sessionID)

	current, err := o.sessions.Get(sessionID)
	if err != nil {
		return result, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	result.SourceRegion = current.RegionID
	if explicit != "" && current.RegionID == explicit {
		return result, fmt.Errorf("%w: %s", ErrAlreadyInRegion, explicit)
	}

	before, err := o.sessions.BeginMigration(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return result, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	case errors.Is(err, session.ErrNotServing):
		return result, fmt.Errorf("%w: %v", ErrSessionNotActive, err)
	case err != nil:
		return result, err
	}

	o.mu.Lock()
	o.started++
	op.SourceRegion = before.RegionID
	o.mu.Unlock()
	metrics.MigrationsInFlight.Inc()
	defer metrics.MigrationsInFlight.Dec()

	o.events.Publish(events.Event{
		Name:      events.SessionMigrating,
		SessionID: sessionID,
		RegionID:  before.RegionID,
		Data:      map[string]any{"operationId": op.ID, "target": explicit},
	})

	start := time.Now()
	attempts := 1 + opts.MaxRetries
	var (
		failed  []string
		lastErr error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
			o.mu.Lock()
			o.retries++
			o.mu.Unlock()
		}

		target, err := pick(before, failed)
		if err != nil {
			lastErr = err
			break
		}
		result.TargetRegion = target.ID
		result.Attempts = attempt
		o.track(sessionID, func(op *models.MigrationOperation) {
			op.Attempts = attempt
			op.TargetRegion = target.ID
		})

		err = o.attempt(ctx, before, target, opts.Timeout)
		if err == nil {
			return o.complete(ctx, before, target, result, start, opts.Timeout), nil
		}

		lastErr = err
		failed = append(failed, target.ID)
		o.logger.Warn("migration attempt failed",
			logger.String("session", sessionID),
			logger.String("target", target.ID),
			logger.Int("attempt", attempt),
			logger.Int("of", attempts),
			logger.Error(err))
	}

	if err := o.sessions.EndMigration(sessionID, before.RegionID, before.Status); err != nil {
		o.logger.Warn("session vanished during failed migration", logger.String("session", sessionID), logger.Error(err))
	}
	return o.fail(before, result, start, lastErr), nil
}

// attempt runs one pass of the state machine. Once the source is suspended the
// remaining steps ignore caller cancellation and are bounded only by the attempt deadline.
func (o *Orchestrator) attempt(ctx context.Context, s *models.Session, target models.Region, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := attemptCtx.Deadline()

	o.setState(s.ID, models.StateValidating)
	if target.ID == s.RegionID {
		return o.rollback(ctx, s, target, models.StateValidating, ErrAlreadyInRegion, timeout)
	}
	if !o.router.IsHealthy(target.ID) {
		return o.rollback(ctx, s, target, models.StateValidating, ErrTargetUnhealthy, timeout)
	}

	o.setState(s.ID, models.StateSnapshotting)
	blob, err := o.backend.Capture(attemptCtx, s)
	if err == nil {
		err = attemptCtx.Err()
	}
	if err != nil {
		return o.rollback(ctx, s, target, models.StateSnapshotting, err, timeout)
	}

	detached, dcancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer dcancel()

	o.setState(s.ID, models.StateSuspended)
	if err := o.backend.Suspend(detached, s); err != nil {
		return o.rollback(ctx, s, target, models.StateSuspended, err, timeout)
	}

	o.setState(s.ID, models.StateTransferring)
	handle, err := o.backend.Transfer(detached, s, blob, target)
	if err != nil {
		return o.rollback(ctx, s, target, models.StateTransferring, err, timeout)
	}

	o.setState(s.ID, models.StateRestoring)
	if err := o.backend.Restore(detached, s, handle, target); err != nil {
		return o.rollback(ctx, s, target, models.StateRestoring, err, timeout)
	}

	o.setState(s.ID, models.StateActivating)
	if err := o.backend.Activate(detached, s, target); err != nil {
		return o.rollback(ctx, s, target, models.StateActivating, err, timeout)
	}

	o.setState(s.ID, models.StateDone)
	metrics.MigrationAttempts.WithLabelValues(string(models.StateDone)).Inc()
	return nil
}

// rollback undoes a failed attempt: the target copy is discarded and the source
// resumed, each best-effort on a fresh deadline.
func (o *Orchestrator) rollback(ctx context.Context, s *models.Session, target models.Region, at models.MigrationState, cause error, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	switch at {
	case models.StateTransferring, models.StateRestoring, models.StateActivating:
		if err := o.backend.Discard(rctx, s, target); err != nil {
			o.logger.Warn("failed to discard target copy",
				logger.String("session", s.ID),
				logger.String("target", target.ID),
				logger.Error(err))
		}
	}

	switch at {
	case models.StateSuspended, models.StateTransferring, models.StateRestoring, models.StateActivating:
		if err := o.backend.Resume(rctx, s); err != nil {
			o.logger.Error("failed to resume session in source region",
				logger.String("session", s.ID),
				logger.String("region", s.RegionID),
				logger.Error(err))
		}
	}

	o.setState(s.ID, models.StateRolledBack)
	metrics.MigrationAttempts.WithLabelValues(string(models.StateRolledBack)).Inc()
	return stepErr(at, cause)
}

func (o *Orchestrator) complete(ctx context.Context, before *models.Session, target models.Region, result models.MigrationResult, start time.Time, timeout time.Duration) models.MigrationResult {
	if err := o.sessions.EndMigration(before.ID, target.ID, before.Status); err != nil {
		// terminated while migrating: nothing left to serve, drop the new copy
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if derr := o.backend.Discard(rctx, before, target); derr != nil {
			o.logger.Warn("failed to discard orphaned copy", logger.String("session", before.ID), logger.Error(derr))
		}
		return o.fail(before, result, start, fmt.Errorf("session terminated during migration: %w", err))
	}

	result.Success = true
	result.Duration = time.Since(start)

	o.mu.Lock()
	o.succeeded++
	o.totalDuration += result.Duration
	o.mu.Unlock()
	o.track(before.ID, func(op *models.MigrationOperation) { op.Outcome = models.OutcomeSuccess })
	metrics.MigrationDuration.WithLabelValues(string(models.OutcomeSuccess)).Observe(result.Duration.Seconds())

	o.logger.Info("session migrated",
		logger.String("session", before.ID),
		logger.String("from", before.RegionID),
		logger.String("to", target.ID),
		logger.Int("attempts", result.Attempts),
		logger.Duration("duration", result.Duration))
	o.events.Publish(events.Event{
		Name:      events.SessionMigrated,
		SessionID: before.ID,
		RegionID:  target.ID,
		Data: map[string]any{
			"source":     before.RegionID,
			"target":     target.ID,
			"attempts":   result.Attempts,
			"durationMs": result.Duration.Milliseconds(),
		},
	})
	return result
}

func (o *Orchestrator) fail(before *models.Session, result models.MigrationResult, start time.Time, cause error) models.MigrationResult {
	if cause == nil {
		cause = ErrNoTarget
	}
	result.Success = false
	result.Duration = time.Since(start)
	result.Error = cause.Error()

	o.mu.Lock()
	o.failed++
	o.totalDuration += result.Duration
	o.mu.Unlock()
	o.track(before.ID, func(op *models.MigrationOperation) { op.Outcome = models.OutcomeFailed })
	metrics.MigrationDuration.WithLabelValues(string(models.OutcomeFailed)).Observe(result.Duration.Seconds())

	o.logger.Error("session migration failed",
		logger.String("session", before.ID),
		logger.String("region", before.RegionID),
		logger.String("lastTarget", result.TargetRegion),
		logger.Int("attempts", result.Attempts),
		logger.Error(cause))
	o.events.Publish(events.Event{
		Name:      events.SessionMigrationFailed,
		SessionID: before.ID,
		RegionID:  before.RegionID,
		Data: map[string]any{
			"target":   result.TargetRegion,
			"attempts": result.Attempts,
			"error":    result.Error,
		},
	})
	return result
}

// ─── Target selection ───────────────────────────────────────────────────────

func fixedTarget(r models.Region) picker {
	return func(*models.Session, []string) (models.Region, error) {
		return r, nil
	}
}

// autoTarget scores regions from the client's position when known, otherwise
// from the source region. Failed targets are skipped while alternatives remain.
func (o *Orchestrator) autoTarget(ctx context.Context) picker {
	return func(s *models.Session, failed []string) (models.Region, error) {
		return o.bestExcluding(ctx, s, failed)
	}
}

// evacuationTarget asks routing for the source's backup first and falls back
// to scored selection on retries.
func (o *Orchestrator) evacuationTarget(ctx context.Context, source string) picker {
	return func(s *models.Session, failed []string) (models.Region, error) {
		if len(failed) == 0 {
			id, err := o.router.GetBackupRegion(source)
			if err == nil && id != source && id != s.RegionID {
				if r, err := o.router.GetRegion(id); err == nil {
					return r, nil
				}
			}
		}
		return o.bestExcluding(ctx, s, append([]string{source}, failed...))
	}
}

func (o *Orchestrator) bestExcluding(ctx context.Context, s *models.Session, failed []string) (models.Region, error) {
	var origin models.Location
	if s.ClientIP != "" {
		origin = o.router.Locate(ctx, s.ClientIP)
	} else if src, err := o.router.GetRegion(s.RegionID); err == nil {
		origin = src.Location
	}

	exclude := append([]string{s.RegionID}, failed...)
	if r, ok := o.router.SelectTarget(origin, exclude...); ok {
		return r, nil
	}
	if len(failed) > 0 {
		if r, ok := o.router.SelectTarget(origin, s.RegionID); ok {
			return r, nil
		}
	}
	return models.Region{}, ErrNoTarget
}

// ─── Bookkeeping ────────────────────────────────────────────────────────────

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// acquire claims the per-session slot. A second request is rejected, never queued.
func (o *Orchestrator) acquire(sessionID string) (*models.MigrationOperation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.inflight[sessionID]; busy {
		o.conflicts++
		return nil, fmt.Errorf("%w: %s", ErrConcurrentMigration, sessionID)
	}
	op := &models.MigrationOperation{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		State:     models.StateValidating,
		Outcome:   models.OutcomeInProgress,
	}
	o.inflight[sessionID] = op
	return op, nil
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.inflight, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) track(sessionID string, fn func(op *models.MigrationOperation)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, ok := o.inflight[sessionID]; ok {
		fn(op)
	}
}

func (o *Orchestrator) setState(sessionID string, state models.MigrationState) {
	o.track(sessionID, func(op *models.MigrationOperation) { op.State = state })
}

// Operation returns the in-flight operation for a session
func (o *Orchestrator) Operation(sessionID string) (models.MigrationOperation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.inflight[sessionID]
	if !ok {
		return models.MigrationOperation{}, false
	}
	return *op, true
}

// Operations returns every in-flight operation
func (o *Orchestrator) Operations() []models.MigrationOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.MigrationOperation, 0, len(o.inflight))
	for _, op := range o.inflight {
		out = append(out, *op)
	}
	return out
}

// GetStatistics returns counters since start
func (o *Orchestrator) GetStatistics() models.MigrationStatistics {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := models.MigrationStatistics{
		Started:     o.started,
		Succeeded:   o.succeeded,
		Failed:      o.failed,
		Conflicts:   o.conflicts,
		Retries:     o.retries,
		Evacuations: o.evacs,
		InFlight:    len(o.inflight),
	}
	if done := o.succeeded + o.failed; done > 0 {
		st.AverageDuration = o.totalDuration / time.Duration(done)
	}
	return st
}

// Stop rejects new work and waits for in-flight migrations to finish or roll back
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("migration orchestrator stopped")
}

func failedResult(id string, res models.MigrationResult, err error) models.MigrationResult {
	res.SessionID = id
	res.Success = false
	res.Error = err.Error()
	return res
}

func countSucceeded(results []models.MigrationResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
