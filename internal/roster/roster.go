// Package roster holds the teacher's live list of connected students and the vote tally of the
// active poll. Both are owned by one teacher context; everything handed out is a copy.
package roster

import (
	"strings"
	"sync"

	"github.com/aura-classroom/livepoll/internal/models"
)

// Roster is the live student list, keyed by email and kept in join order.
type Roster struct {
	mu      sync.RWMutex
	entries []models.RosterEntry
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *Roster) indexLocked(email string) int {
	email = normalizeEmail(email)
	for i, e := range r.entries {
		if normalizeEmail(e.Email) == email {
			return i
		}
	}
	return -1
}

// Join upserts e by email with answered reset to false. A re-join moves the entry to the end.
func (r *Roster) Join(e models.RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(e.Email); i >= 0 {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
	}
	e.Answered = false
	r.entries = append(r.entries, e)
}

// Leave removes email from the roster and reports whether it was present.
func (r *Roster) Leave(email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(email)
	if i < 0 {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true
}

// MarkAnswered flags email as answered. Unknown emails are a no-op reported as false.
func (r *Roster) MarkAnswered(email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(email)
	if i < 0 {
		return false
	}
	r.entries[i].Answered = true
	return true
}

// ResetAnswered clears the answered flag on every entry.
func (r *Roster) ResetAnswered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i].Answered = false
	}
}

// Contains reports whether email is on the roster.
func (r *Roster) Contains(email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(email) >= 0
}

// Snapshot returns a copy of the roster in join order.
func (r *Roster) Snapshot() []models.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RosterEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of connected students.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// AnsweredCount returns how many connected students have answered the active poll.
func (r *Roster) AnsweredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Answered {
			n++
		}
	}
	return n
}
