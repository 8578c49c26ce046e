// Package session owns conversation lifecycles: it enforces at most one
// in-flight run per session and evicts stale state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ashureev/movi/internal/domain"
)

// ErrSessionBusy is returned when another run holds the session lease.
var ErrSessionBusy = fmt.Errorf("session has a run in flight: %w", errdefs.ErrConflict)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

// Config tunes a Manager.
type Config struct {
	LeaseTTL  time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// Manager mediates concurrent access to sessions. Exclusion is enforced
// in-process by a lock table and across processes by a durable lease row.
type Manager struct {
	store    Store
	owner    string
	leaseTTL time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	cache *expirable.LRU[string, *domain.Session]
}

// NewManager creates a Manager. A nil logger uses slog.Default().
func NewManager(store Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Manager{
		store:    store,
		owner:    uuid.NewString(),
		leaseTTL: cfg.LeaseTTL,
		logger:   logger.With("component", "session"),
		inFlight: make(map[string]struct{}),
		cache:    expirable.NewLRU[string, *domain.Session](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Lease is a held run lease for one session. It is renewed in the background
// until Release is called.
type Lease struct {
	SessionID string

	m       *Manager
	once    sync.Once
	stop    chan struct{}
	stopped chan struct{}
}

// Acquire takes the run lease for sessionID or fails with ErrSessionBusy.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	m.mu.Lock()
	if _, busy := m.inFlight[sessionID]; busy {
		m.mu.Unlock()
		return nil, ErrSessionBusy
	}
	m.inFlight[sessionID] = struct{}{}
	m.mu.Unlock()

	ok, err := m.store.AcquireLease(ctx, sessionID, m.owner, m.leaseTTL)
	if err != nil || !ok {
		m.forget(sessionID)
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		return nil, ErrSessionBusy
	}

	l := &Lease{
		SessionID: sessionID,
		m:         m,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go l.renew()
	return l, nil
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.inFlight, sessionID)
	m.mu.Unlock()
}

// renew extends the durable lease at half its TTL so long runs keep it.
func (l *Lease) renew() {
	defer close(l.stopped)
	ticker := time.NewTicker(l.m.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.m.leaseTTL/2)
			ok, err := l.m.store.AcquireLease(ctx, l.SessionID, l.m.owner, l.m.leaseTTL)
			cancel()
			if err != nil || !ok {
				l.m.logger.Warn("lease renewal failed", "session_id", l.SessionID, "error", err)
			}
		}
	}
}

// Release drops the lease. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
		if err := l.m.store.ReleaseLease(context.WithoutCancel(ctx), l.SessionID, l.m.owner); err != nil {
			l.m.logger.Warn("failed to release lease", "session_id", l.SessionID, "error", err)
		}
		l.m.forget(l.SessionID)
	})
}

// Busy reports whether this process has a run in flight for sessionID.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[sessionID]
	return ok
}

// Load reads the latest snapshot from the store, refreshing the cache. It
// returns nil for a session that has never been saved.
func (m *Manager) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		m.cache.Add(sessionID, sess)
	}
	return sess, nil
}

// Peek returns the cached snapshot when present, falling back to the store.
// Callers must not rely on it for run state; use Load under a lease.
func (m *Manager) Peek(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sess, ok := m.cache.Get(sessionID); ok {
		return sess, nil
	}
	return m.Load(ctx, sessionID)
}

// Save persists the snapshot and updates the cache.
func (m *Manager) Save(ctx context.Context, sess *domain.Session) error {
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.cache.Add(sess.ID, sess)
	return nil
}

// Purge clears the whole cache, used after bulk deletions.
func (m *Manager) Purge() {
	m.cache.Purge()
}
