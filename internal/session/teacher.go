package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/poll"
	"github.com/aura-classroom/livepoll/internal/presence"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/internal/roster"
	"github.com/aura-classroom/livepoll/internal/store"
)

// offlineTimeout bounds the Offline announcement made when the context's ctx ends.
const offlineTimeout = 2 * time.Second

// TeacherSnapshot is the teacher's full view.
type TeacherSnapshot struct {
	User   models.UserPublic    `json:"user"`
	Poll   poll.Snapshot        `json:"poll"`
	Roster []models.RosterEntry `json:"roster"`
}

// Teacher is a teacher context.
type Teacher struct {
	user     models.User
	deps     Deps
	logger   *zap.Logger
	bus      *bus.Bus
	beacon   *presence.Beacon
	manager  *roster.Manager
	engine   *poll.Engine
	students *records.Students
	results  *records.Results

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopBeat context.CancelFunc
	beatDone chan struct{}
	done     chan struct{}
	started  bool
	closed   bool
}

// NewTeacher wires a teacher context. Nothing runs until Start.
func NewTeacher(user models.User, deps Deps) *Teacher {
	origin := newOrigin(models.RoleTeacher)
	logger := deps.logger().With(zap.String("role", "teacher"), zap.String("email", user.Email), zap.String("origin", origin))
	st := store.Open(deps.Backend, origin)
	b := bus.New(st, logger)
	r := roster.New()
	students := records.NewStudents(st)
	results := records.NewResults(st)

	t := &Teacher{
		user:     user,
		deps:     deps,
		logger:   logger,
		bus:      b,
		beacon:   presence.NewBeacon(b, user.Name, deps.Config.PresenceHeartbeat, logger),
		manager:  roster.NewManager(b, r, students, logger),
		students: students,
		results:  results,
		done:     make(chan struct{}),
	}
	t.engine = poll.NewEngine(b, r, results, poll.Options{
		CreatedBy:        user.Name,
		DefaultTimeLimit: deps.Config.DefaultTimeLimit,
		Tick:             deps.Config.CountdownTick,
	}, logger)
	t.engine.SetHooks(poll.Hooks{
		OnCreated: func(p models.Poll) { deps.notify(Event{Op: OpPollCreated, Data: p}) },
		OnResults: func(tally models.Tally) { deps.notify(Event{Op: OpResultsUpdated, Data: tally}) },
		OnTick:    func(r int) { deps.notify(Event{Op: OpCountdown, Data: CountdownData{Remaining: r}}) },
		OnReveal:  func() { deps.notify(Event{Op: OpResultsRevealed}) },
		OnEnded:   func(res models.PollResult) { deps.notify(Event{Op: OpPollEnded, Data: res}) },
		OnArchived: func(res models.PollResult) {
			if deps.OnArchived != nil {
				deps.OnArchived(res)
			}
		},
	})
	t.manager.OnChange(func(entries []models.RosterEntry) {
		deps.notify(Event{Op: OpRosterChanged, Data: entries})
	})
	return t
}

// User returns the logged-in teacher.
func (t *Teacher) User() models.User { return t.user }

// Start brings the teacher online. ctx bounds the context's lifetime.
func (t *Teacher) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	if err := t.bus.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start teacher: %w", err)
	}
	metrics.AddContext(string(models.RoleTeacher), 1)
	t.manager.Start()
	t.engine.Start()
	if err := t.beacon.Online(ctx); err != nil {
		t.teardown()
		return fmt.Errorf("announce presence: %w", err)
	}
	beatCtx, stopBeat := context.WithCancel(runCtx)
	beatDone := make(chan struct{})
	t.mu.Lock()
	t.stopBeat, t.beatDone = stopBeat, beatDone
	t.mu.Unlock()
	go func() {
		defer close(beatDone)
		t.beacon.Run(beatCtx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
			if err := t.goOffline(offCtx); err != nil {
				t.logger.Warn("announce offline on teardown", zap.Error(err))
			}
			cancel()
			t.teardown()
		case <-t.done:
		}
	}()
	t.logger.Info("teacher online")
	return nil
}

// CreatePoll opens a poll for every student.
func (t *Teacher) CreatePoll(ctx context.Context, d poll.Draft) (models.Poll, error) {
	return t.engine.Create(ctx, d)
}

// EndPoll ends and archives the active poll. It returns nil when no poll is active.
func (t *Teacher) EndPoll(ctx context.Context) (*models.PollResult, error) {
	return t.engine.End(ctx)
}

// Kick removes a student from the live session.
func (t *Teacher) Kick(ctx context.Context, email string) error {
	return t.manager.Kick(ctx, email)
}

// Remove kicks a student and deletes their student record.
func (t *Teacher) Remove(ctx context.Context, email string) error {
	return t.manager.Remove(ctx, email)
}

// RemovePollResult deletes one archived result.
func (t *Teacher) RemovePollResult(ctx context.Context, id string) error {
	return t.results.Delete(ctx, id)
}

// ClearPollResults deletes the whole history.
func (t *Teacher) ClearPollResults(ctx context.Context) error {
	return t.results.Clear(ctx)
}

// Roster returns the connected students.
func (t *Teacher) Roster() []models.RosterEntry {
	return t.manager.Roster().Snapshot()
}

// Students returns everyone who ever joined.
func (t *Teacher) Students(ctx context.Context) ([]models.StudentRecord, error) {
	return t.students.List(ctx)
}

// PollResults returns the archived history.
func (t *Teacher) PollResults(ctx context.Context) ([]models.PollResult, error) {
	return t.results.List(ctx)
}

// Engine exposes the poll engine.
func (t *Teacher) Engine() *poll.Engine { return t.engine }

// Snapshot returns the teacher's full view.
func (t *Teacher) Snapshot() TeacherSnapshot {
	return TeacherSnapshot{
		User:   t.user.ToPublic(),
		Poll:   t.engine.Snapshot(),
		Roster: t.Roster(),
	}
}

// Logout announces the teacher offline and tears the context down. An active poll stays
// unarchived, as on a closed tab.
func (t *Teacher) Logout(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	err := t.goOffline(ctx)
	t.teardown()
	if err != nil {
		return fmt.Errorf("announce offline: %w", err)
	}
	t.logger.Info("teacher logged out")
	return nil
}

// Done is closed after teardown.
func (t *Teacher) Done() <-chan struct{} { return t.done }

// goOffline stops the heartbeat and publishes Offline, so no late Online overwrites it.
func (t *Teacher) goOffline(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	stop, beatDone := t.stopBeat, t.beatDone
	t.mu.Unlock()
	if stop != nil {
		stop()
		<-beatDone
	}
	return t.beacon.Offline(ctx)
}

func (t *Teacher) teardown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	cancel := t.cancel
	t.mu.Unlock()

	t.engine.Close()
	t.manager.Close()
	t.bus.Close()
	if cancel != nil {
		cancel()
	}
	close(t.done)
	if started {
		metrics.AddContext(string(models.RoleTeacher), -1)
	}
}
