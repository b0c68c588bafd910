package poll

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid poll")
	// ErrPollActive is returned by Create while another poll is running.
	ErrPollActive = errors.New("a poll is already active")
	// ErrNotAnswering is returned by Submit when there is no open poll or the student already answered.
	ErrNotAnswering = errors.New("not accepting an answer")
	// ErrUnknownOption is returned by Submit for an option outside the poll.
	ErrUnknownOption = errors.New("option is not part of the poll")
	// ErrTimeUp is returned by Submit once the local countdown has run out.
	ErrTimeUp = errors.New("time is up")
)

// ValidationError lists every problem found in a Draft.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid poll: %s", strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
