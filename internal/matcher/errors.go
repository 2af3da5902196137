package matcher

import (
	"errors"
	"fmt"
)

// ErrNoMatch reports that no reference produced a usable score.
var ErrNoMatch = errors.New("no match found")

// ComparisonError records why one reference could not be scored.
type ComparisonError struct {
	Reference string
	Err       error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("compare against %q: %v", e.Reference, e.Err)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

// Failure is a skipped reference together with the reason it was skipped.
type Failure struct {
	Reference string
	Err       error
}

// NoMatchError is returned when the scan finished without a winner.
type NoMatchError struct {
	Scanned  int
	Failures []Failure
}

func (e *NoMatchError) Error() string {
	if e.Scanned == 0 {
		return "no match found: reference set is empty"
	}
	return fmt.Sprintf("no match found: all %d references failed", e.Scanned)
}

// Is makes errors.Is(err, ErrNoMatch) hold for every NoMatchError.
func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }
