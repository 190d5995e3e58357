package charger

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
)

// Manager enforces the single-charger rule: at most one live session exists
// process-wide, and a second connection attempt is rejected with a conflict.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	session *Session
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Attach installs s as the live session. It fails with a conflict while
// another session is alive.
func (m *Manager) Attach(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return events.NewError(events.ErrHandshakeFailed,
			"charger %s already connected", m.session.ID)
	}
	s.onClose = m.detach
	m.session = s
	m.logger.Info("charger attached",
		zap.String("charger_id", s.ID),
		zap.String("version", string(s.Version())))
	return nil
}

func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == s {
		m.session = nil
		m.logger.Info("charger detached", zap.String("charger_id", s.ID))
	}
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SendCommand forwards cmd to the live session, failing with
// ChargerUnavailable when none exists.
func (m *Manager) SendCommand(ctx context.Context, cmd events.Command) (events.CommandResult, error) {
	s := m.Current()
	if s == nil {
		return events.CommandResult{}, events.NewError(events.ErrChargerUnavailable, "no charger connected")
	}
	return s.SendCommand(ctx, cmd)
}

// Shutdown closes the live session if any.
func (m *Manager) Shutdown() {
	if s := m.Current(); s != nil {
		s.Close()
	}
}
