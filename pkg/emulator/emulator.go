// Package emulator defines the narrow interface the game server drives.
// The emulator core itself lives outside this module; Synthetic is a
// deterministic stand-in that renders a test pattern.
package emulator

import (
	"errors"
	"fmt"
	"time"
)

// DefaultFramesPerAction is how many frames one action holds its buttons for.
const DefaultFramesPerAction = 100

// ErrClosed is returned when stepping a closed emulator.
var ErrClosed = errors.New("emulator: closed")

// Observation is one rendered frame.
type Observation struct {
	// PNG holds the encoded frame.
	PNG       []byte    `json:"png"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult is what a single action produced.
type StepResult struct {
	Observation Observation
	Reward      float64
}

// Emulator is a stateful, non-reentrant emulation handle.
// Callers must serialize all calls.
type Emulator interface {
	// Step presses the action's buttons for the configured frame count and
	// returns the frame rendered afterwards.
	Step(action Action) (StepResult, error)

	// Screenshot renders the current frame without advancing.
	Screenshot() (Observation, error)

	// State serializes the full machine state.
	State() ([]byte, error)

	// LoadState restores a state previously returned by State.
	LoadState(state []byte) error

	// Reset returns the machine to its power-on state.
	Reset() error

	Close() error
}

// Factory creates a fresh emulator handle.
type Factory func() (Emulator, error)

// Kinds accepted in Config.Kind.
const (
	KindSynthetic = "synthetic"
)

// Config selects and configures an emulator.
type Config struct {
	Kind            string `yaml:"kind" envconfig:"KIND"`
	FramesPerAction int    `yaml:"frames_per_action" envconfig:"FRAMES_PER_ACTION"`
	GameName        string `yaml:"game_name" envconfig:"GAME_NAME"`
	GameType        string `yaml:"game_type" envconfig:"GAME_TYPE"`
}

// DefaultConfig returns the synthetic emulator configuration.
func DefaultConfig() Config {
	return Config{
		Kind:            KindSynthetic,
		FramesPerAction: DefaultFramesPerAction,
		GameName:        "unknown_game",
		GameType:        "gba",
	}
}

// NewFactory returns a Factory for cfg.Kind.
func NewFactory(cfg Config) (Factory, error) {
	switch cfg.Kind {
	case KindSynthetic, "":
		frames := cfg.FramesPerAction
		if frames <= 0 {
			frames = DefaultFramesPerAction
		}
		return func() (Emulator, error) {
			return NewSynthetic(WithFramesPerAction(frames)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown emulator kind: %s (available: [%s])", cfg.Kind, KindSynthetic)
	}
}
