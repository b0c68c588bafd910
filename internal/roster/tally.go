package roster

import (
	"sync"

	"github.com/aura-classroom/livepoll/internal/models"
)

// Tally counts votes for the options of one poll. Every option is present, starting at zero.
type Tally struct {
	mu     sync.RWMutex
	counts models.Tally
}

// NewTally creates an empty tally with no options.
func NewTally() *Tally {
	return &Tally{counts: models.Tally{}}
}

// Reset replaces the option set and zeroes every count.
func (t *Tally) Reset(options []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(models.Tally, len(options))
	for _, o := range options {
		t.counts[o] = 0
	}
}

// Clear drops every option.
func (t *Tally) Clear() {
	t.Reset(nil)
}

// Add counts one vote for option. Options outside the current set are rejected.
func (t *Tally) Add(option string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[option]; !ok {
		return false
	}
	t.counts[option]++
	return true
}

// Snapshot returns a copy of the counts.
func (t *Tally) Snapshot() models.Tally {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts.Clone()
}

// Total returns the number of counted votes.
func (t *Tally) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts.Total()
}
