package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/models"
)

// StudentState is the student-side poll state.
type StudentState int

const (
	NoPoll StudentState = iota
	Answering
	Answered
)

func (s StudentState) String() string {
	switch s {
	case Answering:
		return "answering"
	case Answered:
		return "answered"
	default:
		return "no_poll"
	}
}

// StudentHooks are the student engine's observers. Each runs outside the engine lock and may be nil.
type StudentHooks struct {
	OnPoll    func(models.Poll)
	OnEnded   func(pollID string)
	OnResults func(models.Tally)
	OnTick    func(remaining int)
	OnReveal  func()
}

// StudentView is what a student context shows.
type StudentView struct {
	State          string       `json:"state"`
	Poll           *models.Poll `json:"poll,omitempty"`
	Choice         string       `json:"choice,omitempty"`
	Results        models.Tally `json:"results,omitempty"`
	ResultsVisible bool         `json:"resultsVisible"`
	Remaining      int          `json:"remaining"`
}

// Student mirrors the teacher's poll for one student: NoPoll, Answering, Answered.
type Student struct {
	bus    *bus.Bus
	name   string
	email  string
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     StudentState
	poll      *models.Poll
	choice    string
	results   models.Tally
	visible   bool
	remaining int
	timeUp    bool
	live      bool
	countdown *countdown
	hooks     StudentHooks
	subs      []*bus.Subscription
	closed    bool
}

// NewStudent creates the student engine for the given identity.
func NewStudent(b *bus.Bus, name, email string, tick time.Duration, logger *zap.Logger) *Student {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Student{
		bus:       b,
		name:      name,
		email:     email,
		logger:    logger,
		now:       time.Now,
		countdown: newCountdown(tick),
	}
}

// SetHooks replaces the observers. Call before Start.
func (s *Student) SetHooks(h StudentHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Start subscribes to poll traffic and adopts a poll that is already running.
func (s *Student) Start(ctx context.Context) error {
	subs := []*bus.Subscription{
		s.bus.Subscribe(models.ChannelCreatePoll, s.handleCreate),
		s.bus.Subscribe(models.ChannelEndPoll, s.handleEnd),
		s.bus.Subscribe(models.ChannelPollResults, s.handleResults),
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
	return s.catchUp(ctx)
}

// catchUp adopts the newest create-poll unless end-poll names it. Remaining time is measured
// from when the poll was published.
func (s *Student) catchUp(ctx context.Context) error {
	created, ok, err := s.bus.ReadCurrent(ctx, models.ChannelCreatePoll)
	if err != nil || !ok {
		return err
	}
	var p models.Poll
	if err := created.Decode(&p); err != nil {
		s.logger.Warn("ignoring unreadable create-poll", zap.Error(err))
		return nil
	}
	ended, ok, err := s.bus.ReadCurrent(ctx, models.ChannelEndPoll)
	if err != nil {
		return err
	}
	if ok {
		var e models.EndPollMessage
		if err := ended.Decode(&e); err == nil && e.PollID == p.ID {
			return nil
		}
	}
	elapsed := int(s.now().Sub(created.PublishedAt) / time.Second)
	remaining := p.TimeLimitSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}

	var results models.Tally
	if m, ok, err := s.bus.ReadCurrent(ctx, models.ChannelPollResults); err == nil && ok && !m.PublishedAt.Before(created.PublishedAt) {
		var t models.Tally
		if m.Decode(&t) == nil && sameOptions(t, p.Options) {
			results = t
		}
	}
	s.adopt(p, remaining, results, true)
	return nil
}

func sameOptions(t models.Tally, options []string) bool {
	if len(t) != len(options) {
		return false
	}
	for _, o := range options {
		if _, ok := t[o]; !ok {
			return false
		}
	}
	return true
}

func (s *Student) handleCreate(m bus.Message) {
	var p models.Poll
	if err := m.Decode(&p); err != nil {
		s.logger.Warn("dropping create-poll", zap.Error(err))
		return
	}
	s.adopt(p, p.TimeLimitSeconds, nil, false)
}

func (s *Student) adopt(p models.Poll, remaining int, results models.Tally, catchUp bool) {
	s.mu.Lock()
	if s.closed || (catchUp && s.live) {
		s.mu.Unlock()
		return
	}
	if !catchUp {
		s.live = true
	}
	p = clonePoll(p)
	s.state = Answering
	s.poll = &p
	s.choice = ""
	s.results = results
	s.visible = results != nil
	s.remaining = remaining
	s.timeUp = remaining <= 0
	if s.timeUp {
		s.visible = true
	}
	s.countdown.start(remaining, s.tick, s.expire)
	hooks := s.hooks
	timeUp := s.timeUp
	s.mu.Unlock()

	s.logger.Debug("poll received", zap.String("poll_id", p.ID), zap.Int("remaining", remaining))
	if hooks.OnPoll != nil {
		hooks.OnPoll(clonePoll(p))
	}
	if results != nil && hooks.OnResults != nil {
		hooks.OnResults(results.Clone())
	}
	if timeUp && hooks.OnReveal != nil {
		hooks.OnReveal()
	}
}

func (s *Student) handleEnd(m bus.Message) {
	var e models.EndPollMessage
	if err := m.Decode(&e); err != nil {
		s.logger.Warn("dropping end-poll", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.live = true
	if s.closed || s.poll == nil || (e.PollID != "" && e.PollID != s.poll.ID) {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	hooks := s.hooks
	s.mu.Unlock()

	if hooks.OnEnded != nil {
		hooks.OnEnded(e.PollID)
	}
}

func (s *Student) handleResults(m bus.Message) {
	var t models.Tally
	if err := m.Decode(&t); err != nil {
		s.logger.Warn("dropping poll-results", zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed || s.poll == nil {
		s.mu.Unlock()
		return
	}
	s.results = t
	s.visible = true
	hooks := s.hooks
	s.mu.Unlock()

	if hooks.OnResults != nil {
		hooks.OnResults(t.Clone())
	}
}

// Submit answers the open poll and publishes the answer for the teacher.
func (s *Student) Submit(ctx context.Context, option string) error {
	option = strings.TrimSpace(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Answering || s.poll == nil {
		return ErrNotAnswering
	}
	if s.timeUp {
		return ErrTimeUp
	}
	if !s.poll.HasOption(option) {
		return ErrUnknownOption
	}
	msg := models.AnswerMessage{
		PollID:       s.poll.ID,
		Option:       option,
		StudentName:  s.name,
		StudentEmail: s.email,
	}
	if err := s.bus.Publish(ctx, models.ChannelSubmitAnswer, msg); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	s.state = Answered
	s.choice = option
	s.visible = true
	s.countdown.halt()
	return nil
}

func (s *Student) tick(gen uint64, remaining int) {
	s.mu.Lock()
	if s.state != Answering || gen != s.countdown.current() {
		s.mu.Unlock()
		return
	}
	s.remaining = remaining
	hooks := s.hooks
	s.mu.Unlock()
	if hooks.OnTick != nil {
		hooks.OnTick(remaining)
	}
}

func (s *Student) expire(gen uint64) {
	s.mu.Lock()
	if s.state != Answering || gen != s.countdown.current() {
		s.mu.Unlock()
		return
	}
	s.timeUp = true
	s.visible = true
	hooks := s.hooks
	s.mu.Unlock()
	if hooks.OnReveal != nil {
		hooks.OnReveal()
	}
}

func (s *Student) clearLocked() {
	s.countdown.halt()
	s.state = NoPoll
	s.poll = nil
	s.choice = ""
	s.results = nil
	s.visible = false
	s.remaining = 0
	s.timeUp = false
}

// Reset drops all local poll state.
func (s *Student) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// State returns the current state.
func (s *Student) State() StudentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns a copy of the local poll state.
func (s *Student) View() StudentView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := StudentView{
		State:          s.state.String(),
		Choice:         s.choice,
		ResultsVisible: s.visible,
		Remaining:      s.remaining,
	}
	if s.poll != nil {
		p := clonePoll(*s.poll)
		v.Poll = &p
	}
	if s.results != nil {
		v.Results = s.results.Clone()
	}
	return v
}

// Close unsubscribes and clears local state.
func (s *Student) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.clearLocked()
	s.mu.Unlock()
	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}
