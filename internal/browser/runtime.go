package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/snapshot"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

var ErrNoRestoredCopy = errors.New("no restored copy to activate")

// Runtime moves browser state between regional pools. Regions without a pool
// run stateless: nothing to pause, but the profile still round-trips through
// the snapshot store.
type Runtime struct {
	pools      map[string]Launcher
	store      snapshot.Store
	profileDir string
	logger     logger.Logger
	now        func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
	pending   map[string]*staged
}

// staged is a restored copy waiting for Activate
type staged struct {
	inst *Instance
	key  string
}

func NewRuntime(store snapshot.Store, profileDir string, log logger.Logger) *Runtime {
	return &Runtime{
		pools:      make(map[string]Launcher),
		store:      store,
		profileDir: profileDir,
		logger:     log,
		now:        time.Now,
		instances:  make(map[string]*Instance),
		pending:    make(map[string]*staged),
	}
}

// AddPool attaches a launcher for region. Call before serving.
func (r *Runtime) AddPool(region string, l Launcher) {
	r.pools[region] = l
}

// Instance returns the serving copy of a session
func (r *Runtime) Instance(sessionID string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[sessionID]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Provision creates the profile directory for a new session and, when its
// region has a pool, launches a browser on it.
func (r *Runtime) Provision(ctx context.Context, s *models.Session) (*Instance, error) {
	dir := r.profilePath(s.ID, s.RegionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	inst := &Instance{SessionID: s.ID, Region: s.RegionID, UserDataDir: dir}
	if pool, ok := r.pools[s.RegionID]; ok {
		launched, err := pool.Launch(ctx, LaunchOptions{SessionID: s.ID, UserDataDir: dir})
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		if err := pool.WaitReady(ctx, launched); err != nil {
			r.stopContainer(launched)
			os.RemoveAll(dir)
			return nil, err
		}
		inst = launched
	}

	r.mu.Lock()
	r.instances[s.ID] = inst
	r.mu.Unlock()

	out := *inst
	return &out, nil
}

// Release stops everything held for a session
func (r *Runtime) Release(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	inst := r.instances[sessionID]
	st := r.pending[sessionID]
	delete(r.instances, sessionID)
	delete(r.pending, sessionID)
	r.mu.Unlock()

	var errs []error
	if inst != nil {
		errs = append(errs, r.teardown(ctx, inst))
	}
	if st != nil {
		errs = append(errs, r.teardown(ctx, st.inst), r.store.Delete(ctx, st.key))
	}
	if err := os.RemoveAll(filepath.Join(r.profileDir, sessionID)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runtime) Capture(ctx context.Context, s *models.Session) ([]byte, error) {
	inst := r.serving(s.ID)
	if inst == nil {
		return nil, nil
	}
	return snapshot.ArchiveDir(inst.UserDataDir)
}

func (r *Runtime) Suspend(ctx context.Context, s *models.Session) error {
	inst := r.serving(s.ID)
	if inst == nil || inst.ContainerID == "" {
		return nil
	}
	return r.pools[inst.Region].Pause(ctx, inst.ContainerID)
}

func (r *Runtime) Resume(ctx context.Context, s *models.Session) error {
	inst := r.serving(s.ID)
	if inst == nil || inst.ContainerID == "" {
		return nil
	}
	return r.pools[inst.Region].Unpause(ctx, inst.ContainerID)
}

// Transfer stores the captured profile where the target region reads it and
// returns the storage key
func (r *Runtime) Transfer(ctx context.Context, s *models.Session, blob []byte, target models.Region) (string, error) {
	frame, err := snapshot.Encode(&snapshot.Snapshot{
		SessionID:    s.ID,
		SourceRegion: s.RegionID,
		TargetRegion: target.ID,
		CapturedAt:   r.now(),
		Data:         blob,
	})
	if err != nil {
		return "", err
	}

	key := snapshot.Key(target.ID, s.ID)
	if err := r.store.Put(ctx, key, frame); err != nil {
		return "", err
	}
	r.logger.Debug("snapshot stored",
		logger.String("session", s.ID),
		logger.String("key", key),
		logger.Int("bytes", len(frame)))
	return key, nil
}

func (r *Runtime) Restore(ctx context.Context, s *models.Session, handle string, target models.Region) error {
	frame, err := r.store.Get(ctx, handle)
	if err != nil {
		return err
	}
	snap, err := snapshot.Decode(frame)
	if err != nil {
		return err
	}
	if snap.SessionID != s.ID {
		return fmt.Errorf("%w: snapshot belongs to session %s", snapshot.ErrCorrupted, snap.SessionID)
	}

	dir := r.profilePath(s.ID, target.ID)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := snapshot.ExtractArchive(snap.Data, dir); err != nil {
		return err
	}

	inst := &Instance{SessionID: s.ID, Region: target.ID, UserDataDir: dir}
	if pool, ok := r.pools[target.ID]; ok {
		launched, err := pool.Launch(ctx, LaunchOptions{SessionID: s.ID, UserDataDir: dir})
		if err != nil {
			os.RemoveAll(dir)
			return err
		}
		inst = launched
	}

	r.mu.Lock()
	r.pending[s.ID] = &staged{inst: inst, key: handle}
	r.mu.Unlock()
	return nil
}

// Activate waits for the restored browser, makes it the serving copy and
// retires the source
func (r *Runtime) Activate(ctx context.Context, s *models.Session, target models.Region) error {
	r.mu.Lock()
	st := r.pending[s.ID]
	r.mu.Unlock()
	if st == nil || st.inst.Region != target.ID {
		return ErrNoRestoredCopy
	}

	if st.inst.ContainerID != "" {
		if err := r.pools[target.ID].WaitReady(ctx, st.inst); err != nil {
			return err
		}
	}

	r.mu.Lock()
	old := r.instances[s.ID]
	r.instances[s.ID] = st.inst
	delete(r.pending, s.ID)
	r.mu.Unlock()

	if old != nil {
		if err := r.teardown(ctx, old); err != nil {
			r.logger.Warn("failed to retire source browser", logger.String("session", s.ID), logger.Error(err))
		}
	}
	if err := r.store.Delete(ctx, st.key); err != nil {
		r.logger.Warn("failed to delete snapshot", logger.String("key", st.key), logger.Error(err))
	}
	return nil
}

// Discard drops the copy in target, whether still staged or already active
func (r *Runtime) Discard(ctx context.Context, s *models.Session, target models.Region) error {
	r.mu.Lock()
	var inst *Instance
	var key string
	if st := r.pending[s.ID]; st != nil && st.inst.Region == target.ID {
		inst, key = st.inst, st.key
		delete(r.pending, s.ID)
	} else if cur := r.instances[s.ID]; cur != nil && cur.Region == target.ID {
		inst = cur
		delete(r.instances, s.ID)
	}
	r.mu.Unlock()

	if inst == nil {
		return nil
	}
	errs := []error{r.teardown(ctx, inst)}
	if key != "" {
		errs = append(errs, r.store.Delete(ctx, key))
	}
	return errors.Join(errs...)
}

func (r *Runtime) serving(sessionID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[sessionID]
}

func (r *Runtime) teardown(ctx context.Context, inst *Instance) error {
	var err error
	if inst.ContainerID != "" {
		if pool, ok := r.pools[inst.Region]; ok {
			err = pool.Stop(ctx, inst.ContainerID)
		}
	}
	return errors.Join(err, os.RemoveAll(inst.UserDataDir))
}

func (r *Runtime) stopContainer(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.pools[inst.Region].Stop(ctx, inst.ContainerID); err != nil {
		r.logger.Warn("failed to stop browser", logger.String("session", inst.SessionID), logger.Error(err))
	}
}

func (r *Runtime) profilePath(sessionID, region string) string {
	return filepath.Join(r.profileDir, sessionID, region)
}
