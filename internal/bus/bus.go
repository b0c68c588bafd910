// Package bus turns the shared store into named channels. Each channel is a single-slot mailbox:
// a publish replaces whatever was there and is delivered at most once to every other live context.
// A context that was not listening misses the message; ReadCurrent returns the latest value only.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/store"
)

// KeyPrefix is prepended to a channel name to form its store key. The persisted collections of
// package records live under the same prefix; see IsCollection.
const KeyPrefix = "polling_"

// collections are the names under KeyPrefix that hold record lists, not mailboxes.
var collections = map[string]bool{
	"users":        true,
	"student_data": true,
	"results":      true,
}

// IsCollection reports whether name is reserved for a persisted collection. Writes to such keys
// are never dispatched and Publish refuses them.
func IsCollection(name string) bool { return collections[name] }

var (
	// ErrSerialization wraps payloads that cannot be encoded or stored values that cannot be decoded.
	ErrSerialization = errors.New("serialization error")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("bus closed")
	// ErrReservedChannel is returned by Publish for a channel name owned by a persisted collection.
	ErrReservedChannel = errors.New("reserved channel")
)

// envelope is what actually sits in the mailbox.
type envelope struct {
	Data        json.RawMessage `json:"data"`
	PublishedAt int64           `json:"published_at"`
}

// Message is one delivered (or read) mailbox value.
type Message struct {
	Channel     string
	Data        json.RawMessage
	PublishedAt time.Time
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrSerialization, m.Channel, err)
	}
	return nil
}

// Handler receives messages for one subscription.
type Handler func(Message)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	channel string
	handler Handler
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// Bus is one context's view of the channels. Handlers run one at a time on the bus goroutine,
// in the order the store delivered the notifications.
type Bus struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// New creates a bus over st. Call Start before expecting deliveries.
func New(st store.Store, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		store:  st,
		logger: logger.With(zap.String("origin", st.Origin())),
		now:    time.Now,
		subs:   make(map[string]map[uint64]*Subscription),
	}
}

// Start begins watching the store. It is a no-op when already started.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	ch, err := b.store.Watch(wctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch store: %w", err)
	}
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.loop(ch, b.done)
	return nil
}

func (b *Bus) loop(ch <-chan store.Change, done chan struct{}) {
	defer close(done)
	for c := range ch {
		b.dispatch(c)
	}
}

func (b *Bus) dispatch(c store.Change) {
	if c.Deleted || !strings.HasPrefix(c.Key, KeyPrefix) {
		return
	}
	channel := strings.TrimPrefix(c.Key, KeyPrefix)
	if IsCollection(channel) {
		return
	}
	subs := b.handlers(channel)
	if len(subs) == 0 {
		return
	}
	msg, err := decodeEnvelope(channel, c.Value)
	if err != nil {
		b.logger.Warn("dropping malformed bus message", zap.String("channel", channel), zap.Error(err))
		metrics.IncDropped(channel)
		return
	}
	for _, s := range subs {
		if !b.active(s) {
			continue
		}
		s.handler(msg)
		metrics.IncDelivered(channel)
	}
}

func (b *Bus) handlers(channel string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[channel]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	// Registration order, so independent handlers on one channel run predictably.
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Bus) active(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[s.channel][s.id]
	return ok
}

func decodeEnvelope(channel, raw string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrSerialization, channel, err)
	}
	if len(env.Data) == 0 {
		return Message{}, fmt.Errorf("%w: %s: missing data", ErrSerialization, channel)
	}
	return Message{
		Channel:     channel,
		Data:        env.Data,
		PublishedAt: time.UnixMilli(env.PublishedAt),
	}, nil
}

// Publish writes payload into channel's mailbox. Other contexts are notified; this one is not.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if IsCollection(channel) {
		return fmt.Errorf("publish %s: %w", channel, ErrReservedChannel)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSerialization, channel, err)
	}
	body, err := json.Marshal(envelope{Data: data, PublishedAt: b.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSerialization, channel, err)
	}
	if err := b.store.Set(ctx, KeyPrefix+channel, string(body)); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	metrics.IncPublished(channel)
	b.logger.Debug("published", zap.String("channel", channel))
	return nil
}

// Subscribe registers h for channel. Handlers on the same channel are independent.
func (b *Bus) Subscribe(channel string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, channel: channel, handler: h}
	if b.closed {
		return s
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][s.id] = s
	return s
}

// Unsubscribe removes s. It is idempotent and accepts nil. Once it returns the bus starts no
// further invocation of s's handler.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[s.channel]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

// ReadCurrent returns whatever sits in channel's mailbox right now.
func (b *Bus) ReadCurrent(ctx context.Context, channel string) (Message, bool, error) {
	raw, ok, err := b.store.Get(ctx, KeyPrefix+channel)
	if err != nil {
		return Message{}, false, fmt.Errorf("read %s: %w", channel, err)
	}
	if !ok {
		return Message{}, false, nil
	}
	msg, err := decodeEnvelope(channel, raw)
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// Close drops every subscription and stops watching. It may be called from inside a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[string]map[uint64]*Subscription)
	if b.cancel != nil {
		b.cancel()
	}
}

// Done is closed once the dispatch loop has exited. It is nil before Start.
func (b *Bus) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
