package session

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
)

// Common errors for session operations.
var (
	// ErrTerminal is returned when the session is stopped or faulted.
	ErrTerminal = errors.New("session is terminal")
	// ErrEmptyActions is returned for an empty action batch.
	ErrEmptyActions = errors.New("empty actions list")
	// ErrEmulatorFault is wrapped by EmulatorFaultError.
	ErrEmulatorFault = errors.New("emulator fault")
	// ErrResumeFailed is wrapped by ResumeFailedError.
	ErrResumeFailed = errors.New("resume failed")
	// ErrNoCheckpoint is returned by Resume("latest") when nothing was saved yet.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")
	// ErrNotStarted is returned before Start.
	ErrNotStarted = errors.New("session manager not started")
)

// InvalidActionError reports a token outside the action vocabulary.
// Nothing is applied when a batch contains one.
type InvalidActionError struct {
	Token string
	Index int
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %q", e.Token)
}

func (e *InvalidActionError) Unwrap() error {
	return emulator.ErrInvalidAction
}

// EmulatorFaultError reports a failure while applying a batch. Applied
// actions before the failing one are committed.
type EmulatorFaultError struct {
	Applied int
	Token   string
	Err     error
}

func (e *EmulatorFaultError) Error() string {
	return fmt.Sprintf("emulator fault on action %q after %d applied: %v", e.Token, e.Applied, e.Err)
}

func (e *EmulatorFaultError) Unwrap() []error {
	return []error{ErrEmulatorFault, e.Err}
}

// ResumeFailedError reports a checkpoint that could not be restored. The
// manager continues with a fresh idle session.
type ResumeFailedError struct {
	CheckpointID string
	Err          error
}

func (e *ResumeFailedError) Error() string {
	if e.CheckpointID == "" {
		return fmt.Sprintf("resume failed: %v", e.Err)
	}
	return fmt.Sprintf("resume from %s failed: %v", e.CheckpointID, e.Err)
}

func (e *ResumeFailedError) Unwrap() []error {
	return []error{ErrResumeFailed, e.Err}
}
