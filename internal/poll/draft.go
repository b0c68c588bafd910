package poll

import (
	"fmt"
	"strings"
)

// DefaultTimeLimitSeconds applies when a Draft leaves the time limit at zero.
const DefaultTimeLimitSeconds = 60

// Draft is the teacher's input for a new poll.
type Draft struct {
	Question         string   `json:"question"`
	Options          []string `json:"options"`
	TimeLimitSeconds int      `json:"timeLimit"`
}

// normalize trims the draft, fills the default time limit and validates it. The returned draft is
// a copy; d is not modified.
func (d Draft) normalize(defaultLimit int) (Draft, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultTimeLimitSeconds
	}
	out := Draft{
		Question:         strings.TrimSpace(d.Question),
		Options:          make([]string, 0, len(d.Options)),
		TimeLimitSeconds: d.TimeLimitSeconds,
	}
	var problems []string
	if out.Question == "" {
		problems = append(problems, "question is empty")
	}
	seen := make(map[string]bool, len(d.Options))
	for i, o := range d.Options {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			problems = append(problems, fmt.Sprintf("option %d is empty", i+1))
		case seen[o]:
			problems = append(problems, fmt.Sprintf("option %q is repeated", o))
		default:
			seen[o] = true
		}
		out.Options = append(out.Options, o)
	}
	if len(d.Options) < 2 {
		problems = append(problems, "at least 2 options are required")
	}
	switch {
	case out.TimeLimitSeconds < 0:
		problems = append(problems, "time limit is negative")
	case out.TimeLimitSeconds == 0:
		out.TimeLimitSeconds = defaultLimit
	}
	if len(problems) > 0 {
		return Draft{}, &ValidationError{Problems: problems}
	}
	return out, nil
}
