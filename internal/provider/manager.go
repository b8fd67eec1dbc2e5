package provider

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ManagerConfig bounds session lifetime and lock waits.
type ManagerConfig struct {
	SessionTimeout      time.Duration
	HealthCheckInterval time.Duration
	LockTimeout         time.Duration
}

// Manager owns one long-lived session per registered provider. Exclusive
// providers are serialized through a single in-flight slot with a bounded
// wait; sessions are health-checked on an interval and lazily rebuilt after
// a failed probe. The manager never retries the caller's business call — it
// only hands out a usable session or a clear error.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	reconnects   atomic.Int64
	lockTimeouts atomic.Int64
}

type session struct {
	source DataSource

	// slot serializes access for exclusive providers (capacity 1).
	// Non-exclusive providers have a nil slot.
	slot chan struct{}

	mu          sync.Mutex
	connected   bool
	connectedAt time.Time
	lastChecked time.Time
	lastUsed    time.Time
}

// Session is a scoped acquisition of one provider. Release must be called
// on every exit path.
type Session struct {
	Source DataSource

	mgr  *Manager
	sess *session
	once sync.Once
}

// Release returns the exclusive slot (if any) and updates usage time.
func (s *Session) Release() {
	s.once.Do(func() {
		s.sess.mu.Lock()
		s.sess.lastUsed = time.Now()
		s.sess.mu.Unlock()
		if s.sess.slot != nil {
			<-s.sess.slot
		}
	})
}

// NewManager creates a connection manager with the given bounds.
func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 60 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Register adds a provider to the pool. Sessions are built lazily on first
// acquisition.
func (m *Manager) Register(src DataSource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &session{source: src}
	if src.Exclusive() {
		s.slot = make(chan struct{}, 1)
	}
	m.sessions[src.Name()] = s
}

// ByCapability returns registered providers supporting the given selector,
// ordered by priority (lowest first).
func (m *Manager) ByCapability(want func(Capabilities) bool) []DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DataSource
	for _, s := range m.sessions {
		if want(s.source.Capabilities()) {
			out = append(out, s.source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// Acquire returns a usable session for the named provider. For exclusive
// providers this blocks up to LockTimeout for the in-flight slot and then
// fails with ErrBusy. The session is connected and health-checked before it
// is handed out.
func (m *Manager) Acquire(ctx context.Context, providerID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[providerID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownProvider
	}

	if sess.slot != nil {
		timer := time.NewTimer(m.cfg.LockTimeout)
		defer timer.Stop()
		select {
		case sess.slot <- struct{}{}:
		case <-timer.C:
			m.lockTimeouts.Add(1)
			m.logger.Warn("Exclusive provider lock wait timed out",
				zap.String("provider", providerID),
				zap.Duration("timeout", m.cfg.LockTimeout))
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := m.ensureConnected(ctx, sess); err != nil {
		if sess.slot != nil {
			<-sess.slot
		}
		return nil, err
	}

	return &Session{Source: sess.source, mgr: m, sess: sess}, nil
}

// IsHealthy probes the named provider without taking the exclusive slot for
// longer than the probe itself.
func (m *Manager) IsHealthy(ctx context.Context, providerID string) bool {
	s, err := m.Acquire(ctx, providerID)
	if err != nil {
		return false
	}
	defer s.Release()
	return s.Source.Ping(ctx) == nil
}

// Stats reports reconnect and lock-timeout counters.
func (m *Manager) Stats() (reconnects, lockTimeouts int64) {
	return m.reconnects.Load(), m.lockTimeouts.Load()
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		s.mu.Lock()
		if s.connected {
			if err := s.source.Close(); err != nil {
				m.logger.Warn("Failed to close provider session",
					zap.String("provider", name),
					zap.Error(err))
			}
			s.connected = false
		}
		s.mu.Unlock()
	}
}

// ensureConnected connects a cold session, expires an idle one past the
// session timeout, and re-probes on the health-check interval. A failed
// probe tears the session down so the next acquisition reconnects.
func (m *Manager) ensureConnected(ctx context.Context, s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if s.connected && now.Sub(s.connectedAt) > m.cfg.SessionTimeout {
		m.logger.Debug("Provider session expired, reconnecting",
			zap.String("provider", s.source.Name()))
		_ = s.source.Close()
		s.connected = false
	}

	if s.connected && now.Sub(s.lastChecked) > m.cfg.HealthCheckInterval {
		if err := s.source.Ping(ctx); err != nil {
			m.logger.Warn("Provider health check failed, tearing down session",
				zap.String("provider", s.source.Name()),
				zap.Error(err))
			_ = s.source.Close()
			s.connected = false
		} else {
			s.lastChecked = now
		}
	}

	if !s.connected {
		if err := s.source.Connect(ctx); err != nil {
			m.logger.Error("Failed to connect provider",
				zap.String("provider", s.source.Name()),
				zap.Error(err))
			return &TransientError{Provider: s.source.Name(), Op: "connect", Err: err}
		}
		m.reconnects.Add(1)
		s.connected = true
		s.connectedAt = now
		s.lastChecked = now
	}

	s.lastUsed = now
	return nil
}
