package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/records"
)

// Manager keeps a teacher's roster in step with student-join and student-leave traffic and issues
// kicks.
type Manager struct {
	bus      *bus.Bus
	roster   *Roster
	students *records.Students
	logger   *zap.Logger

	mu        sync.Mutex
	subs      []*bus.Subscription
	listeners []func([]models.RosterEntry)
}

// NewManager creates a manager over r. students may be nil, in which case Remove only kicks.
func NewManager(b *bus.Bus, r *Roster, students *records.Students, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{bus: b, roster: r, students: students, logger: logger}
}

// Roster returns the managed roster.
func (m *Manager) Roster() *Roster { return m.roster }

// OnChange registers fn to receive a snapshot after every roster mutation.
func (m *Manager) OnChange(fn func([]models.RosterEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start subscribes to join and leave messages.
func (m *Manager) Start() {
	join := m.bus.Subscribe(models.ChannelStudentJoin, m.handleJoin)
	leave := m.bus.Subscribe(models.ChannelStudentLeave, m.handleLeave)
	m.mu.Lock()
	m.subs = append(m.subs, join, leave)
	m.mu.Unlock()
}

func (m *Manager) handleJoin(msg bus.Message) {
	var j models.JoinMessage
	if err := msg.Decode(&j); err != nil {
		m.logger.Warn("dropping join message", zap.Error(err))
		return
	}
	if strings.TrimSpace(j.Email) == "" {
		m.logger.Warn("join without email ignored", zap.String("name", j.Name))
		return
	}
	m.roster.Join(models.RosterEntry{ID: j.ID, Name: j.Name, Email: j.Email})
	m.logger.Info("student joined", zap.String("email", j.Email))
	m.changed()
}

func (m *Manager) handleLeave(msg bus.Message) {
	var l models.LeaveMessage
	if err := msg.Decode(&l); err != nil {
		m.logger.Warn("dropping leave message", zap.Error(err))
		return
	}
	if m.roster.Leave(l.Email) {
		m.logger.Info("student left", zap.String("email", l.Email))
		m.changed()
	}
}

// Kick removes email from the roster and tells that student's context to log out.
func (m *Manager) Kick(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("kick: empty email")
	}
	removed := m.roster.Leave(email)
	if err := m.bus.Publish(ctx, models.ChannelKickStudent, models.KickMessage{StudentEmail: email}); err != nil {
		return fmt.Errorf("kick %s: %w", email, err)
	}
	metrics.IncKick()
	m.logger.Info("student kicked", zap.String("email", email), zap.Bool("was_connected", removed))
	if removed {
		m.changed()
	}
	return nil
}

// Remove kicks email and deletes the persisted student record.
func (m *Manager) Remove(ctx context.Context, email string) error {
	if err := m.Kick(ctx, email); err != nil {
		return err
	}
	if m.students == nil {
		return nil
	}
	if err := m.students.Delete(ctx, email); err != nil && !errors.Is(err, records.ErrNotFound) {
		return fmt.Errorf("remove %s: %w", email, err)
	}
	return nil
}

func (m *Manager) changed() {
	m.mu.Lock()
	listeners := append([]func([]models.RosterEntry){}, m.listeners...)
	m.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	snap := m.roster.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Close drops the bus subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		m.bus.Unsubscribe(s)
	}
}
