// Package session drives one emulator on behalf of remote callers.
//
// A single game-loop goroutine owns the emulator. Mutating calls are queued
// and applied in the order they were accepted; read-only calls use the
// snapshot published after every step. Checkpoints are written by a
// background saver and can be resumed on startup.
package session

import (
	"time"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateIdle is a fresh session with no actions applied.
	StateIdle State = "idle"
	// StatePlaying is a session accepting actions.
	StatePlaying State = "playing"
	// StateResetting is visible while a reset is in progress.
	StateResetting State = "resetting"
	// StateStopped follows an explicit Stop.
	StateStopped State = "stopped"
	// StateError follows an emulator fault.
	StateError State = "error"
)

// Terminal reports whether actions can no longer be applied.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Snapshot is an immutable view of the session, published after every step.
type Snapshot struct {
	EpisodeID string
	Step      int
	State     State
	// Ring holds the most recent frames, oldest first. Never mutated.
	Ring      []emulator.Observation
	UpdatedAt time.Time
}

// Status summarizes the session for the status endpoint.
type Status struct {
	EpisodeID       string `json:"episode_id"`
	State           State  `json:"state"`
	Step            int    `json:"step"`
	Running         bool   `json:"running"`
	ScreenshotCount int    `json:"screenshot_history_count"`
	LastCheckpoint  string `json:"last_checkpoint,omitempty"`
}

// ActionResult is the outcome of one action in a batch.
type ActionResult struct {
	Success bool
	Action  string
	Index   int
	// Step is the step number after the action. Unset on failure.
	Step int
	Err  error
}

// ActionsResult is the outcome of ApplyActions.
type ActionsResult struct {
	Results   []ActionResult
	Applied   int
	FinalStep int
}

// Success reports whether every action in the batch was applied.
func (r *ActionsResult) Success() bool {
	return r.Applied == len(r.Results) && len(r.Results) > 0
}
