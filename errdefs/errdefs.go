// Package errdefs classifies pipeline failures by the stage that detected
// them. Every classified failure is fatal to the loop that sees it.
package errdefs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Setup covers missing devices, a missing control block and allocator failures.
	Setup Kind = iota + 1
	// Channel covers a disconnected peer or a malformed handoff message.
	Channel
	// Display covers failed submissions and failed refresh-completion waits.
	Display
)

func (k Kind) String() string {
	switch k {
	case Setup:
		return "setup"
	case Channel:
		return "channel"
	case Display:
		return "display"
	}
	return "unknown"
}

// ExitCode is the process status used when a failure of this kind ends a process.
func (k Kind) ExitCode() int {
	switch k {
	case Setup:
		return 1
	case Channel:
		return 2
	case Display:
		return 3
	}
	return 1
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the name of the failing operation.
// An err that is already classified keeps its original kind.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsSetup(err error) bool   { return KindOf(err) == Setup }
func IsChannel(err error) bool { return KindOf(err) == Channel }
func IsDisplay(err error) bool { return KindOf(err) == Display }

// ExitCode maps the outcome of a process to its exit status: 0 for nil,
// the kind's code for a classified error and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if k := KindOf(err); k != 0 {
		return k.ExitCode()
	}
	return 1
}
