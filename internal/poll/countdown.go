package poll

import (
	"sync"
	"time"
)

// countdown is an advisory per-context timer. Restarting or stopping it bumps a generation so a
// tick already in flight for an older run is discarded.
type countdown struct {
	tick time.Duration

	mu        sync.Mutex
	gen       uint64
	remaining int
	stop      chan struct{}
}

func newCountdown(tick time.Duration) *countdown {
	if tick <= 0 {
		tick = time.Second
	}
	return &countdown{tick: tick}
}

// start runs a countdown from seconds. onTick receives the remaining seconds after each tick; at
// zero onExpire runs once. Both run on the timer goroutine and receive the run's generation.
func (c *countdown) start(seconds int, onTick func(gen uint64, remaining int), onExpire func(gen uint64)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	c.remaining = seconds
	if seconds <= 0 {
		return c.gen
	}
	stop := make(chan struct{})
	c.stop = stop
	go c.run(c.gen, stop, onTick, onExpire)
	return c.gen
}

func (c *countdown) run(gen uint64, stop chan struct{}, onTick func(uint64, int), onExpire func(uint64)) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.remaining--
		remaining := c.remaining
		if remaining <= 0 {
			c.stop = nil
		}
		c.mu.Unlock()

		if onTick != nil {
			onTick(gen, remaining)
		}
		if remaining <= 0 {
			if onExpire != nil {
				onExpire(gen)
			}
			return
		}
	}
}

// halt cancels the current run.
func (c *countdown) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
}

func (c *countdown) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// current reports the generation of the latest run.
func (c *countdown) current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// left returns the remaining seconds of the latest run.
func (c *countdown) left() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining < 0 {
		return 0
	}
	return c.remaining
}
