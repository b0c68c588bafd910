package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/poll"
	"github.com/aura-classroom/livepoll/internal/presence"
	"github.com/aura-classroom/livepoll/internal/store"
)

// recorder collects the events of one context.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(op Op) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Op == op {
			return true
		}
	}
	return false
}

func (r *recorder) last(op Op) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Op == op {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type classroom struct {
	backend store.Backend
	ctx     context.Context
}

func newClassroom(t *testing.T) *classroom {
	t.Helper()
	backend := store.NewMemory()
	t.Cleanup(func() { backend.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &classroom{backend: backend, ctx: ctx}
}

func (c *classroom) deps(r *recorder) Deps {
	return Deps{Backend: c.backend, Notify: r.notify, Config: Config{CountdownTick: time.Second}}
}

func (c *classroom) teacher(t *testing.T, name string) (*Teacher, *recorder) {
	t.Helper()
	r := &recorder{}
	ctx, err := Login(c.ctx, models.User{ID: "t-" + name, Name: name, Email: name + "@school", Role: models.RoleTeacher}, c.deps(r))
	if err != nil {
		t.Fatalf("Login teacher: %v", err)
	}
	teacher := ctx.(*Teacher)
	t.Cleanup(func() { _ = teacher.Logout(context.Background()) })
	return teacher, r
}

func (c *classroom) student(t *testing.T, name string) (*Student, *recorder) {
	t.Helper()
	r := &recorder{}
	ctx, err := Login(c.ctx, models.User{ID: "s-" + name, Name: name, Email: name + "@school", Role: models.RoleStudent}, c.deps(r))
	if err != nil {
		t.Fatalf("Login student: %v", err)
	}
	student := ctx.(*Student)
	t.Cleanup(func() { _ = student.Logout(context.Background()) })
	return student, r
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	c := newClassroom(t)
	if _, err := Login(c.ctx, models.User{Email: "x@y", Role: "admin"}, Deps{Backend: c.backend}); err == nil {
		t.Fatalf("Login with unknown role succeeded")
	}
	if _, err := Login(c.ctx, models.User{Email: "x@y", Role: models.RoleStudent}, Deps{}); err == nil {
		t.Fatalf("Login without backend succeeded")
	}
}

func TestThreeStudentsVote(t *testing.T) {
	c := newClassroom(t)
	teacher, teacherEvents := c.teacher(t, "lee")
	students := make([]*Student, 3)
	for i, name := range []string{"ann", "ben", "cat"} {
		students[i], _ = c.student(t, name)
	}
	eventually(t, "roster of 3", func() bool { return len(teacher.Roster()) == 3 })

	p, err := teacher.CreatePoll(c.ctx, poll.Draft{Question: "Color?", Options: []string{"Red", "Blue"}, TimeLimitSeconds: 30})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	for _, s := range students {
		s := s
		eventually(t, "student to see the poll", func() bool {
			v := s.Snapshot().Poll
			return v.Poll != nil && v.Poll.ID == p.ID
		})
	}
	for i, option := range []string{"Red", "Red", "Blue"} {
		if err := students[i].Submit(c.ctx, option); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	eventually(t, "tally Red:2 Blue:1", func() bool {
		tally := teacher.Engine().Tally()
		return tally["Red"] == 2 && tally["Blue"] == 1
	})
	eventually(t, "every student answered", func() bool {
		for _, e := range teacher.Roster() {
			if !e.Answered {
				return false
			}
		}
		return true
	})
	eventually(t, "students mirror the full tally", func() bool {
		for _, s := range students {
			if s.Snapshot().Poll.Results.Total() != 3 {
				return false
			}
		}
		return true
	})

	res, err := teacher.EndPoll(c.ctx)
	if err != nil || res == nil {
		t.Fatalf("EndPoll = %v, %v", res, err)
	}
	if res.TotalResponses != 3 || res.Results["Red"] != 2 || res.Results["Blue"] != 1 {
		t.Fatalf("archived %+v", res)
	}
	history, _ := teacher.PollResults(c.ctx)
	if len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
	for _, s := range students {
		s := s
		eventually(t, "student to clear the poll", func() bool { return s.Snapshot().Poll.Poll == nil })
	}
	if !teacherEvents.has(OpPollCreated) || !teacherEvents.has(OpResultsUpdated) || !teacherEvents.has(OpPollEnded) {
		t.Fatalf("teacher events missing: %+v", teacherEvents.events)
	}
}

func TestAnswerWithoutPollRejected(t *testing.T) {
	c := newClassroom(t)
	teacher, _ := c.teacher(t, "lee")
	s, _ := c.student(t, "ann")

	if err := s.Submit(c.ctx, "Red"); !errors.Is(err, poll.ErrNotAnswering) {
		t.Fatalf("Submit without poll = %v", err)
	}
	if teacher.Engine().ReceiveAnswer(c.ctx, models.AnswerMessage{Option: "Red", StudentEmail: "ann@school"}) {
		t.Fatalf("answer accepted without a poll")
	}
	if len(teacher.Engine().Tally()) != 0 {
		t.Fatalf("tally changed")
	}
}

func TestTeacherGoesOffline(t *testing.T) {
	c := newClassroom(t)
	teacher, _ := c.teacher(t, "lee")
	s, events := c.student(t, "ann")
	if !s.TeacherOnline() {
		t.Fatalf("student did not read current presence on entry")
	}

	if err := teacher.Logout(c.ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	eventually(t, "teacher offline", func() bool { return !s.TeacherOnline() })
	e, ok := events.last(OpPresenceChanged)
	if !ok || e.Data.(presence.Status).Online {
		t.Fatalf("last presence event = %+v", e)
	}
}

func TestKickLogsStudentOut(t *testing.T) {
	c := newClassroom(t)
	teacher, _ := c.teacher(t, "lee")
	ann, annEvents := c.student(t, "ann")
	ben, _ := c.student(t, "ben")
	eventually(t, "roster of 2", func() bool { return len(teacher.Roster()) == 2 })

	if _, err := teacher.CreatePoll(c.ctx, poll.Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	eventually(t, "ann sees the poll", func() bool { return ann.Snapshot().Poll.Poll != nil })

	if err := teacher.Kick(c.ctx, "ann@school"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	select {
	case <-ann.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("kicked student did not log out")
	}
	snap := ann.Snapshot()
	if !snap.Kicked || snap.Poll.Poll != nil || snap.Poll.Results != nil {
		t.Fatalf("kicked student kept state: %+v", snap)
	}
	if !annEvents.has(OpKicked) {
		t.Fatalf("no kicked event")
	}
	if ben.Kicked() {
		t.Fatalf("kick addressed to ann affected ben")
	}
	if roster := teacher.Roster(); len(roster) != 1 || roster[0].Email != "ben@school" {
		t.Fatalf("roster after kick = %+v", roster)
	}
	if err := ann.Submit(c.ctx, "a"); err == nil {
		t.Fatalf("kicked student could still submit")
	}
}

func TestRemoveDeletesStudentRecord(t *testing.T) {
	c := newClassroom(t)
	teacher, _ := c.teacher(t, "lee")
	ann, _ := c.student(t, "ann")
	eventually(t, "ann joins", func() bool { return len(teacher.Roster()) == 1 })

	list, _ := teacher.Students(c.ctx)
	if len(list) != 1 {
		t.Fatalf("students = %+v", list)
	}
	if err := teacher.Remove(c.ctx, "ann@school"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	eventually(t, "ann kicked", func() bool { return ann.Kicked() })
	if list, _ := teacher.Students(c.ctx); len(list) != 0 {
		t.Fatalf("student record survived Remove: %+v", list)
	}
}

func TestStudentLogoutLeavesRoster(t *testing.T) {
	c := newClassroom(t)
	teacher, events := c.teacher(t, "lee")
	ann, _ := c.student(t, "ann")
	eventually(t, "ann joins", func() bool { return len(teacher.Roster()) == 1 })

	if err := ann.Logout(c.ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	eventually(t, "ann leaves", func() bool { return len(teacher.Roster()) == 0 })
	if !events.has(OpRosterChanged) {
		t.Fatalf("no roster_changed event")
	}
}

func TestStudentRejoinsWhenTeacherReturns(t *testing.T) {
	c := newClassroom(t)
	first, _ := c.teacher(t, "lee")
	ann, _ := c.student(t, "ann")
	eventually(t, "ann joins", func() bool { return len(first.Roster()) == 1 })
	if err := first.Logout(c.ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	eventually(t, "teacher offline", func() bool { return !ann.TeacherOnline() })

	second, _ := c.teacher(t, "lee")
	eventually(t, "ann re-joins the new teacher", func() bool { return len(second.Roster()) == 1 })
}

func TestStudentJoinsTeacherWhoArrivesLater(t *testing.T) {
	c := newClassroom(t)
	ann, _ := c.student(t, "ann")
	if ann.TeacherOnline() {
		t.Fatalf("teacher online before any teacher logged in")
	}

	teacher, _ := c.teacher(t, "lee")
	eventually(t, "ann sees the teacher", func() bool { return ann.TeacherOnline() })
	eventually(t, "ann on the roster", func() bool {
		roster := teacher.Roster()
		return len(roster) == 1 && roster[0].Email == "ann@school"
	})
}

func TestTeacherContextCancelAnnouncesOffline(t *testing.T) {
	c := newClassroom(t)
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	r := &recorder{}
	deps := c.deps(r)
	deps.Config.PresenceHeartbeat = 10 * time.Millisecond
	tc, err := Login(ctx, models.User{ID: "t-lee", Name: "lee", Email: "lee@school", Role: models.RoleTeacher}, deps)
	if err != nil {
		t.Fatalf("Login teacher: %v", err)
	}
	ann, _ := c.student(t, "ann")
	if !ann.TeacherOnline() {
		t.Fatalf("student did not see the teacher online")
	}

	cancel()
	select {
	case <-tc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("teacher context not torn down after cancel")
	}
	eventually(t, "teacher offline", func() bool { return !ann.TeacherOnline() })
	time.Sleep(50 * time.Millisecond)
	if ann.TeacherOnline() {
		t.Fatalf("heartbeat announced the teacher online after teardown")
	}
}

func TestLateStudentAdoptsRunningPoll(t *testing.T) {
	c := newClassroom(t)
	teacher, _ := c.teacher(t, "lee")
	p, err := teacher.CreatePoll(c.ctx, poll.Draft{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	late, _ := c.student(t, "zed")
	v := late.Snapshot().Poll
	if v.Poll == nil || v.Poll.ID != p.ID {
		t.Fatalf("late student view = %+v", v)
	}
	if err := late.Submit(c.ctx, "b"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, "answer counted", func() bool { return teacher.Engine().Tally()["b"] == 1 })
}

func TestContextCancelTearsDown(t *testing.T) {
	c := newClassroom(t)
	ctx, cancel := context.WithCancel(c.ctx)
	s, err := Login(ctx, models.User{Name: "ann", Email: "ann@school", Role: models.RoleStudent}, Deps{Backend: c.backend})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not torn down after cancel")
	}
}
