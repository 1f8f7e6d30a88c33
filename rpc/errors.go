package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartInProgress is returned when Start is called while another
	// Start is still performing the handshake.
	ErrStartInProgress = errors.New("agent client initialization already in progress")

	// ErrClosed is delivered to requests abandoned by Close.
	ErrClosed = errors.New("agent client closed")

	// ErrNotRunning is returned when a message is sent with no live process.
	ErrNotRunning = errors.New("agent process not running")
)

// CLINotFoundError reports that the agent executable could not be located.
type CLINotFoundError struct {
	Command string
	Err     error
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("agent CLI not found: %q. Install it or set the CLI path in settings", e.Command)
}

func (e *CLINotFoundError) Unwrap() error { return e.Err }

// ExitError reports that the agent process exited.
type ExitError struct {
	Code   int
	Stderr string // tail of stderr, if any
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("agent process exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
