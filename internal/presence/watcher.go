package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/models"
)

// State is the teacher status as seen by a student context.
type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Status is a snapshot of what the watcher knows.
type Status struct {
	State       State     `json:"-"`
	Online      bool      `json:"online"`
	TeacherName string    `json:"teacherName,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Watcher follows the teacher-presence channel for one student context.
type Watcher struct {
	bus        *bus.Bus
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	// notifyMu orders deliveries from the bus goroutine and the expiry loop.
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	teacherName string
	seenAt      time.Time
	reported    State
	hasReported bool
	notified    bool
	sub         *bus.Subscription
	listeners   []func(Status)
	closed      bool
}

// NewWatcher creates a watcher. With staleAfter > 0 an Online status not refreshed within that
// window is reported as Offline.
func NewWatcher(b *bus.Bus, staleAfter time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{bus: b, staleAfter: staleAfter, now: time.Now, logger: logger}
}

// OnChange registers fn to run whenever the reported status changes. Register before Start.
func (w *Watcher) OnChange(fn func(Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start subscribes to presence changes and catches up on the current mailbox value. A
// notification that arrives while catching up is never overridden by the older mailbox read.
func (w *Watcher) Start(ctx context.Context) error {
	sub := w.bus.Subscribe(models.ChannelTeacherPresence, func(m bus.Message) {
		w.apply(m, w.now(), false)
	})
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	m, ok, err := w.bus.ReadCurrent(ctx, models.ChannelTeacherPresence)
	if err != nil {
		w.logger.Warn("read current presence", zap.Error(err))
	} else if ok {
		w.apply(m, m.PublishedAt, true)
	} else {
		w.report()
	}

	if w.staleAfter > 0 {
		go w.expire(ctx)
	}
	return nil
}

func (w *Watcher) apply(m bus.Message, seenAt time.Time, catchUp bool) {
	var p models.PresenceMessage
	if err := m.Decode(&p); err != nil {
		w.logger.Warn("dropping presence message", zap.Error(err))
		return
	}
	var next State
	switch p.Status {
	case models.PresenceOnline:
		next = Online
	case models.PresenceOffline:
		next = Offline
	default:
		w.logger.Warn("unknown presence status", zap.String("status", string(p.Status)))
		return
	}

	w.mu.Lock()
	if w.closed || (catchUp && w.notified) {
		w.mu.Unlock()
		return
	}
	if !catchUp {
		w.notified = true
	}
	w.state = next
	w.teacherName = p.TeacherName
	w.seenAt = seenAt
	w.mu.Unlock()
	w.report()
}

// report notifies listeners if the effective status differs from the last reported one. Listeners
// see changes one at a time, in the order they were decided.
func (w *Watcher) report() {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	st := w.statusLocked()
	if w.hasReported && st.State == w.reported {
		w.mu.Unlock()
		return
	}
	w.reported, w.hasReported = st.State, true
	listeners := append([]func(Status){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func (w *Watcher) statusLocked() Status {
	state := w.state
	if state == Online && w.staleAfter > 0 && w.now().Sub(w.seenAt) > w.staleAfter {
		state = Offline
	}
	return Status{
		State:       state,
		Online:      state == Online,
		TeacherName: w.teacherName,
		UpdatedAt:   w.seenAt,
	}
}

func (w *Watcher) expire(ctx context.Context) {
	interval := w.staleAfter / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			w.report()
		}
	}
}

// Status returns the current effective status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

// Online reports whether the teacher is currently considered online.
func (w *Watcher) Online() bool {
	return w.Status().Online
}

// Close unsubscribes and stops reporting changes.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	sub := w.sub
	w.mu.Unlock()
	w.bus.Unsubscribe(sub)
}

func (s Status) String() string {
	if s.TeacherName == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s (%s)", s.State, s.TeacherName)
}
