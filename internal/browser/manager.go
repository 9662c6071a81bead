package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

var errLaunchThrottled = errors.New("browser launch throttled past the acquire deadline")

// Manager owns the pool of browser sessions. Every mutation of a session's
// pool state goes through mu; browser I/O never happens while it is held.
type Manager struct {
	cfg      config.BrowserConfig
	launcher schemas.Launcher
	logger   *zap.Logger

	// sem holds one unit per live session.
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	now     func() time.Time

	mu             sync.Mutex
	sessions       map[string]*Session
	changed        chan struct{}
	launchFailures int
	closed         bool

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewManager creates the pool and starts the idle reaper. Shutdown must be
// called to stop it.
func NewManager(cfg config.BrowserConfig, launcher schemas.Launcher, logger *zap.Logger) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxLaunchFailures <= 0 {
		cfg.MaxLaunchFailures = 3
	}
	limit := rate.Inf
	burst := cfg.PoolSize
	if cfg.LaunchRatePerSecond > 0 {
		limit = rate.Limit(cfg.LaunchRatePerSecond)
		burst = int(math.Max(1, math.Ceil(cfg.LaunchRatePerSecond)))
	}

	m := &Manager{
		cfg:        cfg,
		launcher:   launcher,
		logger:     logger.Named("session_manager"),
		sem:        semaphore.NewWeighted(int64(cfg.PoolSize)),
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		changed:    make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 && cfg.ReapInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.reaperCancel = cancel
		go m.reapLoop(ctx)
	} else {
		close(m.reaperDone)
	}

	m.logger.Info("Session manager started.",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("idle_timeout", cfg.IdleTimeout),
		zap.Int("max_session_uses", cfg.MaxSessionUses),
	)
	return m
}

// Capacity is the maximum number of live sessions.
func (m *Manager) Capacity() int { return m.cfg.PoolSize }

// Acquire returns an idle session launched with the same profile, or launches
// a new one while the pool has room. When the pool is full it evicts the
// oldest idle session of another profile, or waits for a release.
func (m *Manager) Acquire(ctx context.Context, profile schemas.StealthProfile) (*Session, error) {
	acquireCtx := ctx
	if m.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.cfg.AcquireTimeout)
		defer cancel()
	}
	key := profile.Key()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, schemas.NewFailure(schemas.KindEnvironmentUnavailable, "session manager is shut down")
		}
		if s := m.idleMatchLocked(key); s != nil {
			m.checkoutLocked(s)
			m.mu.Unlock()
			s.logger.Debug("Reusing idle session.", zap.Int("uses", s.uses))
			return s, nil
		}
		changed := m.changed
		m.mu.Unlock()

		if m.sem.TryAcquire(1) {
			s, err := m.launch(acquireCtx, profile)
			switch {
			case err == nil:
				return s, nil
			case acquireCtx.Err() != nil, errors.Is(err, errLaunchThrottled):
				return nil, m.acquireError(ctx)
			case schemas.FailureKindOf(err) == schemas.KindEnvironmentUnavailable:
				return nil, err
			}
			// Below the failure threshold: try again.
			continue
		}

		if m.evictIdle(key) {
			continue
		}

		select {
		case <-changed:
		case <-acquireCtx.Done():
			return nil, m.acquireError(ctx)
		}
	}
}

func (m *Manager) acquireError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return schemas.WrapFailure(schemas.KindCancelled, err, "session acquisition cancelled")
	}
	return schemas.NewFailure(schemas.KindEnvironmentUnavailable,
		"no browser session became available within %s", m.cfg.AcquireTimeout)
}

// launch starts a browser for profile. The caller holds a semaphore unit,
// which launch gives back on failure.
func (m *Manager) launch(ctx context.Context, profile schemas.StealthProfile) (*Session, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		m.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errLaunchThrottled
	}

	launchCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.cfg.LaunchTimeout > 0 {
		launchCtx, cancel = context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	}
	start := m.now()
	page, err := m.launcher.Launch(launchCtx, profile)
	cancel()

	if err != nil {
		m.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.mu.Lock()
		m.launchFailures++
		failures := m.launchFailures
		m.notifyLocked()
		m.mu.Unlock()

		m.logger.Warn("Browser launch failed.",
			zap.Int("consecutive_failures", failures),
			zap.Int("max_launch_failures", m.cfg.MaxLaunchFailures),
			zap.Error(err),
		)
		if failures >= m.cfg.MaxLaunchFailures {
			return nil, schemas.WrapFailure(schemas.KindEnvironmentUnavailable, err,
				fmt.Sprintf("%d consecutive browser launch failures", failures))
		}
		return nil, err
	}

	id := uuid.NewString()
	now := m.now()
	s := &Session{
		id:         id,
		profile:    profile,
		profileKey: profile.Key(),
		page:       page,
		createdAt:  now,
		logger:     m.logger.With(zap.String("session_id", id)),
		status:     schemas.SessionBusy,
		lastUsedAt: now,
		uses:       1,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closePage(s, "manager shut down during launch")
		m.sem.Release(1)
		return nil, schemas.NewFailure(schemas.KindEnvironmentUnavailable, "session manager is shut down")
	}
	m.launchFailures = 0
	m.sessions[id] = s
	m.mu.Unlock()

	s.logger.Info("Browser session launched.",
		zap.String("profile_key", s.profileKey),
		zap.Duration("launch_time", now.Sub(start)),
	)
	return s, nil
}

// Release returns a session to the pool. Unhealthy, worn out or late
// sessions are terminated instead.
func (m *Manager) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if m.sessions[s.id] != s {
		// Already terminated by eviction, reaping or forced shutdown.
		m.mu.Unlock()
		return
	}
	s.lastUsedAt = m.now()

	reason := ""
	switch {
	case m.closed:
		reason = "manager shutting down"
	case !healthy || s.status == schemas.SessionUnhealthy:
		reason = "released unhealthy"
	case m.cfg.MaxSessionUses > 0 && s.uses >= m.cfg.MaxSessionUses:
		reason = "max uses reached"
	}
	if reason == "" {
		s.status = schemas.SessionIdle
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	m.removeLocked(s)
	m.mu.Unlock()

	m.terminate(s, reason)
}

// HealthCheck probes the session's tab. A failed probe marks the session
// unhealthy so it is torn down on release.
func (m *Manager) HealthCheck(ctx context.Context, s *Session) bool {
	checkCtx := ctx
	if m.cfg.HealthCheckTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
		defer cancel()
	}
	err := s.page.Ping(checkCtx)
	if err == nil {
		return true
	}

	m.mu.Lock()
	if s.status != schemas.SessionTerminated {
		s.status = schemas.SessionUnhealthy
	}
	m.mu.Unlock()
	s.logger.Warn("Session failed health check.", zap.Error(err))
	return false
}

// EnvironmentUnavailable reports whether launches have failed often enough
// in a row that the browser environment is considered down.
func (m *Manager) EnvironmentUnavailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launchFailures >= m.cfg.MaxLaunchFailures
}

// Snapshot returns pool statistics. It only takes the pool lock.
func (m *Manager) Snapshot() schemas.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := schemas.PoolStats{
		Capacity:             m.cfg.PoolSize,
		Size:                 len(m.sessions),
		ConsecutiveLaunchErr: m.launchFailures,
		EnvironmentDown:      m.launchFailures >= m.cfg.MaxLaunchFailures,
		Sessions:             make([]schemas.SessionInfo, 0, len(m.sessions)),
	}
	for _, s := range m.sessions {
		switch s.status {
		case schemas.SessionIdle:
			stats.Idle++
		case schemas.SessionBusy:
			stats.Busy++
		case schemas.SessionUnhealthy:
			stats.Unhealthy++
		}
		stats.Sessions = append(stats.Sessions, s.info())
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].CreatedAt.Before(stats.Sessions[j].CreatedAt)
	})
	return stats
}

// Reap terminates idle sessions unused for longer than the idle timeout and
// returns how many it removed.
func (m *Manager) Reap() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.status == schemas.SessionIdle && now.Sub(s.lastUsedAt) >= m.cfg.IdleTimeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	m.terminateAll(expired, "idle timeout")
	return len(expired)
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Debug("Reaped idle sessions.", zap.Int("count", n))
			}
		}
	}
}

// Shutdown terminates idle sessions immediately and waits for busy ones to
// be released until ctx expires, then terminates whatever is left.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var idle []*Session
	for _, s := range m.sessions {
		if s.status == schemas.SessionIdle {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	m.logger.Info("Session manager shutdown initiated. Waiting for busy sessions to be released...")
	if m.reaperCancel != nil {
		m.reaperCancel()
	}
	<-m.reaperDone
	m.terminateAll(idle, "shutdown")

	for {
		m.mu.Lock()
		remaining := len(m.sessions)
		changed := m.changed
		m.mu.Unlock()
		if remaining == 0 {
			m.logger.Info("All sessions terminated.")
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			m.mu.Lock()
			busy := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				busy = append(busy, s)
			}
			for _, s := range busy {
				m.removeLocked(s)
			}
			m.mu.Unlock()

			m.logger.Warn("Shutdown deadline exceeded. Forcing termination of busy sessions.",
				zap.Int("count", len(busy)), zap.Error(ctx.Err()))
			m.terminateAll(busy, "shutdown deadline exceeded")
			return fmt.Errorf("forced termination of %d busy sessions: %w", len(busy), ctx.Err())
		}
	}
}

// -- internal helpers; the Locked variants require mu --

func (m *Manager) idleMatchLocked(key string) *Session {
	var best *Session
	for _, s := range m.sessions {
		if s.status != schemas.SessionIdle || s.profileKey != key {
			continue
		}
		// Most recently used first keeps warm sessions warm and lets the
		// rest age out through the reaper.
		if best == nil || s.lastUsedAt.After(best.lastUsedAt) {
			best = s
		}
	}
	return best
}

func (m *Manager) checkoutLocked(s *Session) {
	s.status = schemas.SessionBusy
	s.uses++
	s.lastUsedAt = m.now()
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.id)
	s.status = schemas.SessionTerminated
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// evictIdle terminates the oldest idle session whose profile differs from
// key. It reports whether a slot was freed.
func (m *Manager) evictIdle(key string) bool {
	m.mu.Lock()
	var victim *Session
	for _, s := range m.sessions {
		if s.status != schemas.SessionIdle || s.profileKey == key {
			continue
		}
		if victim == nil || s.lastUsedAt.Before(victim.lastUsedAt) {
			victim = s
		}
	}
	if victim != nil {
		m.removeLocked(victim)
	}
	m.mu.Unlock()

	if victim == nil {
		return false
	}
	m.terminate(victim, "evicted for another profile")
	return true
}

// terminate closes a session already removed from the pool and frees its slot.
func (m *Manager) terminate(s *Session, reason string) {
	m.closePage(s, reason)
	m.sem.Release(1)

	m.mu.Lock()
	m.notifyLocked()
	m.mu.Unlock()
}

func (m *Manager) closePage(s *Session, reason string) {
	if err := s.page.Close(); err != nil {
		s.logger.Warn("Error closing browser session.", zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Info("Browser session terminated.", zap.String("reason", reason), zap.Int("uses", s.uses))
}

func (m *Manager) terminateAll(sessions []*Session, reason string) {
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			m.terminate(s, reason)
			return nil
		})
	}
	_ = g.Wait()
}
