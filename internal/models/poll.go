package models

import (
	"time"
)

// Poll is a multiple-choice question broadcast by the teacher. At most one is active at a time.
type Poll struct {
	ID               string    `json:"id"`
	Question         string    `json:"question"`
	Options          []string  `json:"options"`
	TimeLimitSeconds int       `json:"timeLimit"`
	CreatedBy        string    `json:"createdBy"`
	CreatedAt        time.Time `json:"createdAt"`
}

// HasOption reports whether option is one of the poll's options.
func (p *Poll) HasOption(option string) bool {
	for _, o := range p.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Tally maps each option to its vote count.
type Tally map[string]int

// Total returns the sum of all counts.
func (t Tally) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

// Clone returns an independent copy.
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// PollResult is an archived poll. Never mutated after it is appended to the history.
type PollResult struct {
	ID             string    `json:"id"`
	PollID         string    `json:"pollId"`
	Question       string    `json:"question"`
	Options        []string  `json:"options"`
	Results        Tally     `json:"results"`
	TotalResponses int       `json:"totalResponses"`
	CreatedBy      string    `json:"createdBy"`
	EndedAt        time.Time `json:"endedAt"`
	Timestamp      time.Time `json:"timestamp"`
}

// RosterEntry is the teacher's live view of one connected student.
type RosterEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Answered bool   `json:"answered"`
}
