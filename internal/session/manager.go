package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrExists     = errors.New("session already exists")
	ErrInvalid    = errors.New("invalid session")
	ErrNotServing = errors.New("session is not in a serving state")
)

const (
	DefaultTimeout = 3600 // seconds
	MinTimeout     = 60
	MaxTimeout     = 21600

	ReasonRequested = "requested"
	ReasonExpired   = "expired"
)

// Manager is the session registry. All records live in one map guarded by mu;
// callers only ever see copies.
type Manager struct {
	sessions map[string]*models.Session
	mu       sync.RWMutex
	events   events.Publisher
	logger   logger.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new session registry
func NewManager(pub events.Publisher, log logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*models.Session),
		events:   pub,
		logger:   log.With(logger.String("component", "sessions")),
		now:      time.Now,
	}
}

// Create registers a session built from an API request
func (m *Manager) Create(req models.RegisterSessionRequest) (*models.Session, error) {
	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}
	if req.Timeout < MinTimeout || req.Timeout > MaxTimeout {
		return nil, fmt.Errorf("%w: timeout must be between %d and %d seconds", ErrInvalid, MinTimeout, MaxTimeout)
	}

	now := m.now()
	return m.Register(&models.Session{
		ID:        req.ID,
		UserID:    req.UserID,
		TargetID:  req.TargetID,
		RegionID:  req.RegionID,
		ClientIP:  req.ClientIP,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(req.Timeout) * time.Second),
		Metadata:  req.Metadata,
	})
}

// Register stores a new session and publishes session:registered.
// A missing id is generated; a zero ExpiresAt means the session never expires.
func (m *Manager) Register(s *models.Session) (*models.Session, error) {
	if s.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	if s.RegionID == "" {
		return nil, fmt.Errorf("%w: regionId is required", ErrInvalid)
	}

	stored := s.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastActivity.IsZero() {
		stored.LastActivity = stored.CreatedAt
	}
	if stored.Status == "" {
		stored.Status = models.StatusRegistered
	}
	if stored.Status == models.StatusTerminated || stored.Status == models.StatusMigrating {
		return nil, fmt.Errorf("%w: cannot register with status %s", ErrInvalid, stored.Status)
	}

	m.mu.Lock()
	if _, exists := m.sessions[stored.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
	}
	m.sessions[stored.ID] = stored
	count := len(m.sessions)
	out := stored.Clone()
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	m.logger.Debug("session registered",
		logger.String("session", out.ID),
		logger.String("region", out.RegionID),
		logger.String("user", out.UserID))

	m.events.Publish(events.Event{
		Name:      events.SessionRegistered,
		SessionID: out.ID,
		RegionID:  out.RegionID,
		Data:      map[string]any{"userId": out.UserID},
	})
	return out, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// ListByUser returns the user's sessions, oldest first
func (m *Manager) ListByUser(userID string) []*models.Session {
	return m.filter(func(s *models.Session) bool { return s.UserID == userID })
}

// ListByRegion returns the sessions currently placed in regionID, oldest first
func (m *Manager) ListByRegion(regionID string) []*models.Session {
	return m.filter(func(s *models.Session) bool { return s.RegionID == regionID })
}

// All returns every live session, oldest first
func (m *Manager) All() []*models.Session {
	return m.filter(func(*models.Session) bool { return true })
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) filter(keep func(*models.Session) bool) []*models.Session {
	m.mu.RLock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateRegion moves a session record to another region
func (m *Manager) UpdateRegion(id, regionID string) error {
	if regionID == "" {
		return fmt.Errorf("%w: regionId is required", ErrInvalid)
	}
	return m.update(id, func(s *models.Session) error {
		s.RegionID = regionID
		return nil
	})
}

// SetStatus changes a session's status and returns the previous one.
// Terminated is reserved for Terminate.
func (m *Manager) SetStatus(id string, status models.SessionStatus) (models.SessionStatus, error) {
	if status == models.StatusTerminated {
		return "", fmt.Errorf("%w: use Terminate", ErrInvalid)
	}
	var prev models.SessionStatus
	err := m.update(id, func(s *models.Session) error {
		prev = s.Status
		s.Status = status
		return nil
	})
	return prev, err
}

// MarkReady moves a registered session to ready once its browser is up and
// returns the updated record. Sessions past registered are left as they are.
func (m *Manager) MarkReady(id string) (*models.Session, error) {
	var out *models.Session
	err := m.update(id, func(s *models.Session) error {
		if s.Status == models.StatusRegistered {
			s.Status = models.StatusReady
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

// BeginMigration atomically moves a serving session to migrating and returns
// its state from before the change.
func (m *Manager) BeginMigration(id string) (*models.Session, error) {
	var before *models.Session
	err := m.update(id, func(s *models.Session) error {
		if !s.Status.Serving() {
			return fmt.Errorf("%w: %s is %s", ErrNotServing, id, s.Status)
		}
		before = s.Clone()
		s.Status = models.StatusMigrating
		return nil
	})
	return before, err
}

// EndMigration places the session in regionID and restores its serving status
func (m *Manager) EndMigration(id, regionID string, status models.SessionStatus) error {
	return m.update(id, func(s *models.Session) error {
		s.RegionID = regionID
		s.Status = status
		s.LastActivity = m.now()
		return nil
	})
}

// Touch records activity on a session
func (m *Manager) Touch(id string) error {
	return m.update(id, func(s *models.Session) error {
		s.LastActivity = m.now()
		return nil
	})
}

func (m *Manager) update(id string, fn func(s *models.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fn(s)
}

// Terminate removes a session and publishes session:terminated. Terminating an
// unknown or already terminated session is a no-op.
func (m *Manager) Terminate(id string) {
	m.terminate(id, ReasonRequested)
}

func (m *Manager) terminate(id, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	m.logger.Debug("session terminated",
		logger.String("session", id),
		logger.String("reason", reason))

	m.events.Publish(events.Event{
		Name:      events.SessionTerminated,
		SessionID: id,
		RegionID:  s.RegionID,
		Data:      map[string]any{"reason": reason},
	})
	return true
}

// StartExpiry terminates sessions past their ExpiresAt every interval.
// Sessions that are mid-migration are left for the next sweep.
func (m *Manager) StartExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := m.SweepExpired(); n > 0 {
					m.logger.Info("expired sessions terminated", logger.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SweepExpired terminates every expired session and returns how many were removed
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) && s.Status != models.StatusMigrating {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if m.terminate(id, ReasonExpired) {
			n++
		}
	}
	return n
}

// Stop halts the expiry sweeper
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
