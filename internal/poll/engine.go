// Package poll runs the poll lifecycle. Engine is the teacher side and owns the tally; Student is
// the per-student mirror driven by bus traffic.
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/internal/roster"
)

// State is the teacher engine state.
type State int

const (
	Idle State = iota
	Creating
	Active
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

// Options configure an engine.
type Options struct {
	// CreatedBy is recorded on polls and archived results.
	CreatedBy string
	// DefaultTimeLimit applies to drafts with no time limit, in seconds.
	DefaultTimeLimit int
	// Tick is the countdown interval. Zero means one second.
	Tick time.Duration
}

// Hooks are the engine's observers. Each runs outside the engine lock and may be nil.
type Hooks struct {
	OnCreated  func(models.Poll)
	OnResults  func(models.Tally)
	OnTick     func(remaining int)
	OnReveal   func()
	OnEnded    func(models.PollResult)
	OnArchived func(models.PollResult)
}

// Snapshot is a read-only view of the teacher engine.
type Snapshot struct {
	State          string       `json:"state"`
	Poll           *models.Poll `json:"poll,omitempty"`
	Results        models.Tally `json:"results,omitempty"`
	Remaining      int          `json:"remaining"`
	ResultsVisible bool         `json:"resultsVisible"`
	Answered       int          `json:"answered"`
	Connected      int          `json:"connected"`
}

// Engine is the teacher-side state machine: Idle, Creating, Active, then back to Idle.
type Engine struct {
	bus     *bus.Bus
	roster  *roster.Roster
	results *records.Results
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	state     State
	poll      *models.Poll
	tally     *roster.Tally
	remaining int
	revealed  bool
	countdown *countdown
	hooks     Hooks
	sub       *bus.Subscription
}

// NewEngine creates a teacher engine. results may be nil, in which case End archives nothing.
func NewEngine(b *bus.Bus, r *roster.Roster, results *records.Results, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = roster.New()
	}
	return &Engine{
		bus:       b,
		roster:    r,
		results:   results,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		tally:     roster.NewTally(),
		countdown: newCountdown(opts.Tick),
	}
}

// SetHooks replaces the observers. Call before Start.
func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = h
}

// Start subscribes to submitted answers.
func (e *Engine) Start() {
	sub := e.bus.Subscribe(models.ChannelSubmitAnswer, func(m bus.Message) {
		var a models.AnswerMessage
		if err := m.Decode(&a); err != nil {
			e.logger.Warn("dropping answer message", zap.Error(err))
			return
		}
		// Publish errors are logged inside; the answer is already counted.
		e.ReceiveAnswer(context.Background(), a)
	})
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
}

// Create opens a new poll. It fails with ErrPollActive unless the engine is idle and with a
// *ValidationError for bad input; neither changes any state.
func (e *Engine) Create(ctx context.Context, d Draft) (models.Poll, error) {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return models.Poll{}, ErrPollActive
	}
	d, err := d.normalize(e.opts.DefaultTimeLimit)
	if err != nil {
		e.mu.Unlock()
		return models.Poll{}, err
	}
	e.state = Creating
	p := models.Poll{
		ID:               uuid.New().String(),
		Question:         d.Question,
		Options:          d.Options,
		TimeLimitSeconds: d.TimeLimitSeconds,
		CreatedBy:        e.opts.CreatedBy,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.bus.Publish(ctx, models.ChannelCreatePoll, p); err != nil {
		e.state = Idle
		e.mu.Unlock()
		return models.Poll{}, fmt.Errorf("create poll: %w", err)
	}
	e.poll = &p
	e.tally.Reset(p.Options)
	e.roster.ResetAnswered()
	e.remaining = p.TimeLimitSeconds
	e.revealed = false
	e.state = Active
	e.countdown.start(p.TimeLimitSeconds, e.tick, e.expire)
	hooks := e.hooks
	e.mu.Unlock()

	metrics.IncPollCreated()
	e.logger.Info("poll created", zap.String("poll_id", p.ID), zap.Int("options", len(p.Options)),
		zap.Int("time_limit", p.TimeLimitSeconds))
	if hooks.OnCreated != nil {
		hooks.OnCreated(clonePoll(p))
	}
	return clonePoll(p), nil
}

// ReceiveAnswer counts one answer. Answers without an active poll, for another poll, or naming an
// option outside the poll are ignored and reported as false. A student missing from the roster
// still counts.
func (e *Engine) ReceiveAnswer(ctx context.Context, a models.AnswerMessage) bool {
	e.mu.Lock()
	if e.state != Active || e.poll == nil || (a.PollID != "" && a.PollID != e.poll.ID) {
		e.mu.Unlock()
		metrics.IncAnswer(false)
		e.logger.Debug("answer ignored", zap.String("poll_id", a.PollID), zap.String("email", a.StudentEmail))
		return false
	}
	if !e.tally.Add(a.Option) {
		e.mu.Unlock()
		metrics.IncAnswer(false)
		e.logger.Debug("answer for unknown option ignored", zap.String("option", a.Option))
		return false
	}
	if !e.roster.MarkAnswered(a.StudentEmail) {
		e.logger.Debug("answer from student not on roster", zap.String("email", a.StudentEmail))
	}
	snap := e.tally.Snapshot()
	// Publishing under the lock keeps the mailbox holding the newest snapshot.
	if err := e.bus.Publish(ctx, models.ChannelPollResults, snap); err != nil {
		e.logger.Warn("publish results", zap.Error(err))
	}
	hooks := e.hooks
	e.mu.Unlock()

	metrics.IncAnswer(true)
	if hooks.OnResults != nil {
		hooks.OnResults(snap)
	}
	return true
}

// End archives the active poll and returns its result. Ending an idle engine is a no-op that
// returns nil.
func (e *Engine) End(ctx context.Context) (*models.PollResult, error) {
	e.mu.Lock()
	if e.state != Active || e.poll == nil {
		e.mu.Unlock()
		return nil, nil
	}
	p := *e.poll
	snap := e.tally.Snapshot()
	res := models.PollResult{
		PollID:         p.ID,
		Question:       p.Question,
		Options:        append([]string(nil), p.Options...),
		Results:        snap,
		TotalResponses: snap.Total(),
		CreatedBy:      p.CreatedBy,
		EndedAt:        e.now().UTC(),
	}
	if e.results != nil {
		if err := e.results.Append(ctx, &res); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("archive poll: %w", err)
		}
	}
	if err := e.bus.Publish(ctx, models.ChannelEndPoll, models.EndPollMessage{PollID: p.ID}); err != nil {
		e.logger.Warn("publish end-poll", zap.String("poll_id", p.ID), zap.Error(err))
	}
	e.countdown.halt()
	e.poll = nil
	e.tally.Clear()
	e.remaining = 0
	e.revealed = false
	e.state = Idle
	hooks := e.hooks
	e.mu.Unlock()

	metrics.IncPollEnded()
	e.logger.Info("poll ended", zap.String("poll_id", p.ID), zap.Int("responses", res.TotalResponses))
	if hooks.OnEnded != nil {
		hooks.OnEnded(res)
	}
	if e.results != nil && hooks.OnArchived != nil {
		hooks.OnArchived(res)
	}
	return &res, nil
}

func (e *Engine) tick(gen uint64, remaining int) {
	e.mu.Lock()
	if e.state != Active || gen != e.countdown.current() {
		e.mu.Unlock()
		return
	}
	e.remaining = remaining
	hooks := e.hooks
	e.mu.Unlock()
	if hooks.OnTick != nil {
		hooks.OnTick(remaining)
	}
}

func (e *Engine) expire(gen uint64) {
	e.mu.Lock()
	if e.state != Active || gen != e.countdown.current() || e.revealed {
		e.mu.Unlock()
		return
	}
	e.revealed = true
	hooks := e.hooks
	e.mu.Unlock()
	e.logger.Debug("countdown expired, results revealed")
	if hooks.OnReveal != nil {
		hooks.OnReveal()
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the active poll, if any.
func (e *Engine) Current() (models.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poll == nil {
		return models.Poll{}, false
	}
	return clonePoll(*e.poll), true
}

// Tally returns a copy of the running tally.
func (e *Engine) Tally() models.Tally {
	return e.tally.Snapshot()
}

// Snapshot returns the engine state for display.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		State:          e.state.String(),
		Remaining:      e.remaining,
		ResultsVisible: e.revealed,
		Answered:       e.roster.AnsweredCount(),
		Connected:      e.roster.Len(),
	}
	if e.poll != nil {
		p := clonePoll(*e.poll)
		s.Poll = &p
		s.Results = e.tally.Snapshot()
	}
	return s
}

// Close stops the countdown and the answer subscription. The active poll, if any, is left
// unarchived.
func (e *Engine) Close() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.countdown.halt()
	e.mu.Unlock()
	e.bus.Unsubscribe(sub)
}

func clonePoll(p models.Poll) models.Poll {
	p.Options = append([]string(nil), p.Options...)
	return p
}
