package render

import (
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

// State is a step of the capture state machine
type State string

const (
	StateIdle              State = "idle"
	StateLaunching         State = "launching"
	StateNavigating        State = "navigating"
	StateAwaitingReadiness State = "awaiting_readiness"
	StateScrolling         State = "scrolling"
	StateSanitizing        State = "sanitizing"
	StatePrintEmulating    State = "print_emulating"
	StateCapturing         State = "capturing"
	StateClosed            State = "closed"
)

// Fatal error kinds; match with errors.Is
var (
	ErrLaunch            = errors.New("browser launch failed")
	ErrNavigation        = errors.New("navigation failed")
	ErrCapture           = errors.New("pdf capture failed")
	ErrEmptyPDF          = errors.New("pdf output is empty or invalid")
	ErrNoSectionsMatched = errors.New("no elements matched the requested sections")
)

// FatalError aborts an export. Soft outcomes such as a readiness timeout
// are never expressed as FatalError.
type FatalError struct {
	State State
	Kind  error
	Err   error
}

func newFatal(state State, kind, cause error) *FatalError {
	if cause == nil {
		cause = kind
	}
	return &FatalError{State: state, Kind: kind, Err: pkgerrors.WithStack(cause)}
}

func (e *FatalError) Error() string {
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.State, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause
func (e *FatalError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Format prints the captured stack with %+v
func (e *FatalError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%+v", e.Error(), e.Err)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}
