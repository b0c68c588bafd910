// Package session assembles a logged-in context: a teacher (presence beacon, roster, poll engine)
// or a student (presence watcher, poll mirror, kick handling) on top of one bus.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

// Op names a notification delivered to the presentation layer.
type Op string

const (
	OpPollCreated     Op = "poll_created"
	OpPollEnded       Op = "poll_ended"
	OpResultsUpdated  Op = "results_updated"
	OpRosterChanged   Op = "roster_changed"
	OpPresenceChanged Op = "presence_changed"
	OpKicked          Op = "kicked"
	OpCountdown       Op = "countdown"
	OpResultsRevealed Op = "results_revealed"
)

// Event is one notification.
type Event struct {
	Op   Op  `json:"op"`
	Data any `json:"data,omitempty"`
}

// Notify receives every event of one context. It runs on the context's bus or timer goroutine and
// must not block for long.
type Notify func(Event)

// CountdownData is the payload of OpCountdown.
type CountdownData struct {
	Remaining int `json:"remaining"`
}

// KickedData is the payload of OpKicked.
type KickedData struct {
	Email string `json:"email"`
}

// Config tunes timers shared by both roles.
type Config struct {
	DefaultTimeLimit   int
	CountdownTick      time.Duration
	PresenceHeartbeat  time.Duration
	PresenceStaleAfter time.Duration
}

// Deps are the collaborators a context needs.
type Deps struct {
	Backend store.Backend
	Config  Config
	Logger  *zap.Logger
	Notify  Notify
	// OnArchived runs after a teacher archives a poll result.
	OnArchived func(models.PollResult)
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) notify(e Event) {
	if d.Notify != nil {
		d.Notify(e)
	}
}

// Context is a running teacher or student session.
type Context interface {
	User() models.User
	Start(ctx context.Context) error
	Logout(ctx context.Context) error
	// Done is closed once the context has torn down, by logout or kick.
	Done() <-chan struct{}
}

// Login builds and starts the context for user's role.
func Login(ctx context.Context, user models.User, deps Deps) (Context, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("login: no store backend")
	}
	var c Context
	switch user.Role {
	case models.RoleTeacher:
		c = NewTeacher(user, deps)
	case models.RoleStudent:
		c = NewStudent(user, deps)
	default:
		return nil, fmt.Errorf("login: unknown role %q", user.Role)
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newOrigin(role models.Role) string {
	return string(role) + ":" + uuid.New().String()
}
