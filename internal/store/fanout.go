package store

import (
	"context"
	"sync"
)

// fanout delivers in-process changes to every watcher except the writer.
// Each watcher owns an unbounded queue drained by its own pump, so a slow
// context never blocks a writer.
type fanout struct {
	mu       sync.Mutex
	watchers map[uint64]*watcher
	nextID   uint64
	done     chan struct{}
	closed   bool
}

type watcher struct {
	origin string
	mu     sync.Mutex
	queue  []Change
	wake   chan struct{}
	out    chan Change
}

func newFanout() *fanout {
	return &fanout{
		watchers: make(map[uint64]*watcher),
		done:     make(chan struct{}),
	}
}

func (f *fanout) watch(ctx context.Context, origin string) (<-chan Change, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	w := &watcher{
		origin: origin,
		wake:   make(chan struct{}, 1),
		out:    make(chan Change),
	}
	id := f.nextID
	f.nextID++
	f.watchers[id] = w
	f.mu.Unlock()

	go func() {
		w.pump(ctx, f.done)
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}()
	return w.out, nil
}

// publish must be called with the writer's data lock held so queue order matches write order.
func (f *fanout) publish(origin string, c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watchers {
		if w.origin == origin {
			continue
		}
		w.push(c)
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

func (w *watcher) push(c Change) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pump(ctx context.Context, done <-chan struct{}) {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-w.wake:
				continue
			}
		}
		c := w.queue[0]
		w.queue[0] = Change{}
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- c:
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}
