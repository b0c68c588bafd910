package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/poll"
	"github.com/aura-classroom/livepoll/internal/presence"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/internal/store"
)

// StudentSnapshot is the student's full view.
type StudentSnapshot struct {
	User     models.UserPublic `json:"user"`
	Presence presence.Status   `json:"presence"`
	Poll     poll.StudentView  `json:"poll"`
	Kicked   bool              `json:"kicked"`
}

// Student is a student context.
type Student struct {
	user     models.User
	deps     Deps
	logger   *zap.Logger
	bus      *bus.Bus
	watcher  *presence.Watcher
	engine   *poll.Student
	students *records.Students

	mu      sync.Mutex
	kickSub *bus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
	kicked  bool
	joined  bool
	// lastPresence is the previously reported teacher state, for re-join on reconnect.
	lastPresence presence.State
}

// NewStudent wires a student context. Nothing runs until Start.
func NewStudent(user models.User, deps Deps) *Student {
	origin := newOrigin(models.RoleStudent)
	logger := deps.logger().With(zap.String("role", "student"), zap.String("email", user.Email), zap.String("origin", origin))
	st := store.Open(deps.Backend, origin)
	b := bus.New(st, logger)

	s := &Student{
		user:     user,
		deps:     deps,
		logger:   logger,
		bus:      b,
		watcher:  presence.NewWatcher(b, deps.Config.PresenceStaleAfter, logger),
		engine:   poll.NewStudent(b, user.Name, user.Email, deps.Config.CountdownTick, logger),
		students: records.NewStudents(st),
		done:     make(chan struct{}),
	}
	s.engine.SetHooks(poll.StudentHooks{
		OnPoll:    func(p models.Poll) { deps.notify(Event{Op: OpPollCreated, Data: p}) },
		OnEnded:   func(id string) { deps.notify(Event{Op: OpPollEnded, Data: models.EndPollMessage{PollID: id}}) },
		OnResults: func(t models.Tally) { deps.notify(Event{Op: OpResultsUpdated, Data: t}) },
		OnTick:    func(r int) { deps.notify(Event{Op: OpCountdown, Data: CountdownData{Remaining: r}}) },
		OnReveal:  func() { deps.notify(Event{Op: OpResultsRevealed}) },
	})
	s.watcher.OnChange(s.presenceChanged)
	return s
}

// User returns the logged-in student.
func (s *Student) User() models.User { return s.user }

// Start records the student, catches up on presence and any running poll, and announces the join.
func (s *Student) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := s.students.Save(ctx, s.user.Name, s.user.Email); err != nil {
		s.logger.Warn("save student record", zap.Error(err))
	}
	if err := s.bus.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start student: %w", err)
	}
	metrics.AddContext(string(models.RoleStudent), 1)

	sub := s.bus.Subscribe(models.ChannelKickStudent, s.handleKick)
	s.mu.Lock()
	s.kickSub = sub
	s.mu.Unlock()

	if err := s.watcher.Start(runCtx); err != nil {
		s.teardown()
		return fmt.Errorf("watch presence: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		s.logger.Warn("poll catch-up failed", zap.Error(err))
	}
	if err := s.join(ctx); err != nil {
		s.teardown()
		return err
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.teardown()
		case <-s.done:
		}
	}()
	s.logger.Info("student joined")
	return nil
}

func (s *Student) join(ctx context.Context) error {
	msg := models.JoinMessage{ID: s.user.ID, Name: s.user.Name, Email: s.user.Email}
	if err := s.bus.Publish(ctx, models.ChannelStudentJoin, msg); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	return nil
}

// presenceChanged forwards presence and re-joins whenever a teacher comes online after the initial
// join, so a teacher context started later still learns about this student.
func (s *Student) presenceChanged(st presence.Status) {
	s.mu.Lock()
	prev := s.lastPresence
	s.lastPresence = st.State
	closed, joined := s.closed, s.joined
	s.mu.Unlock()
	if closed {
		return
	}
	s.deps.notify(Event{Op: OpPresenceChanged, Data: st})
	if joined && st.State == presence.Online && prev != presence.Online {
		if err := s.join(context.Background()); err != nil {
			s.logger.Warn("re-join after teacher came online", zap.Error(err))
		}
	}
}

func (s *Student) handleKick(m bus.Message) {
	var k models.KickMessage
	if err := m.Decode(&k); err != nil {
		s.logger.Warn("dropping kick message", zap.Error(err))
		return
	}
	if !strings.EqualFold(strings.TrimSpace(k.StudentEmail), strings.TrimSpace(s.user.Email)) {
		return
	}
	s.mu.Lock()
	s.kicked = true
	s.mu.Unlock()
	s.logger.Info("kicked by teacher")
	s.engine.Reset()
	s.deps.notify(Event{Op: OpKicked, Data: KickedData{Email: s.user.Email}})
	s.teardown()
}

// Submit answers the open poll.
func (s *Student) Submit(ctx context.Context, option string) error {
	return s.engine.Submit(ctx, option)
}

// TeacherOnline reports the teacher's presence.
func (s *Student) TeacherOnline() bool {
	return s.watcher.Online()
}

// Kicked reports whether this context was kicked.
func (s *Student) Kicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

// Snapshot returns the student's full view.
func (s *Student) Snapshot() StudentSnapshot {
	return StudentSnapshot{
		User:     s.user.ToPublic(),
		Presence: s.watcher.Status(),
		Poll:     s.engine.View(),
		Kicked:   s.Kicked(),
	}
}

// Logout announces the leave and tears the context down.
func (s *Student) Logout(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	err := s.bus.Publish(ctx, models.ChannelStudentLeave, models.LeaveMessage{Email: s.user.Email})
	s.teardown()
	if err != nil {
		return fmt.Errorf("announce leave: %w", err)
	}
	s.logger.Info("student logged out")
	return nil
}

// Done is closed after teardown.
func (s *Student) Done() <-chan struct{} { return s.done }

func (s *Student) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	sub := s.kickSub
	s.mu.Unlock()

	s.bus.Unsubscribe(sub)
	s.watcher.Close()
	s.engine.Close()
	s.bus.Close()
	if cancel != nil {
		cancel()
	}
	close(s.done)
	if started {
		metrics.AddContext(string(models.RoleStudent), -1)
	}
}
