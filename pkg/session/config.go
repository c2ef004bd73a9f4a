package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ResumeLatest asks Resume for the newest checkpoint available.
const ResumeLatest = "latest"

// MaxScreenshots bounds how many frames a single Screenshots call returns.
const MaxScreenshots = 20

// Config holds session configuration.
type Config struct {
	// RingSize is how many recent frames are kept for Screenshots.
	// Default: 50
	RingSize int `yaml:"ring_size" envconfig:"RING_SIZE"`

	// QueueSize is the capacity of the game-loop request queue.
	// Default: 64
	QueueSize int `yaml:"queue_size" envconfig:"QUEUE_SIZE"`

	// Checkpoint contains checkpoint configuration.
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty" envconfig:"CHECKPOINT"`
}

// CheckpointConfig holds checkpoint-specific settings.
type CheckpointConfig struct {
	// AutoSaveInterval saves every N applied steps. Zero disables
	// step-driven saves.
	AutoSaveInterval int `yaml:"auto_save_interval" envconfig:"AUTO_SAVE_INTERVAL"`

	// Schedule is an optional cron spec (e.g. "@every 5m") for
	// time-driven saves. Saves are skipped when nothing changed.
	Schedule string `yaml:"schedule" envconfig:"SCHEDULE"`

	// AutoResume resumes from ResumeFrom when the manager starts.
	AutoResume bool `yaml:"auto_resume" envconfig:"AUTO_RESUME"`

	// ResumeFrom is a checkpoint id or "latest".
	// Default: "latest"
	ResumeFrom string `yaml:"resume_from" envconfig:"RESUME_FROM"`

	// ResumeEpisode limits "latest" to one episode. Empty means the
	// most recently written episode.
	ResumeEpisode string `yaml:"resume_episode" envconfig:"RESUME_EPISODE"`

	// ResumeAttempts bounds retries of an unavailable backend on resume.
	// Default: 5
	ResumeAttempts int `yaml:"resume_attempts" envconfig:"RESUME_ATTEMPTS"`

	// SaveTimeout bounds a single background save.
	// Default: 30s
	SaveTimeout time.Duration `yaml:"save_timeout" envconfig:"SAVE_TIMEOUT"`

	// SaveOnShutdown writes a final checkpoint on Stop when steps were
	// applied since the last save.
	SaveOnShutdown bool `yaml:"save_on_shutdown" envconfig:"SAVE_ON_SHUTDOWN"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		RingSize:  50,
		QueueSize: 64,
		Checkpoint: CheckpointConfig{
			AutoSaveInterval: 100,
			AutoResume:       false,
			ResumeFrom:       ResumeLatest,
			ResumeAttempts:   5,
			SaveTimeout:      30 * time.Second,
			SaveOnShutdown:   true,
		},
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.RingSize < 1 {
		return errors.New("session: ring_size must be at least 1")
	}
	if c.QueueSize < 1 {
		return errors.New("session: queue_size must be at least 1")
	}
	if c.Checkpoint.AutoSaveInterval < 0 {
		return errors.New("session: auto_save_interval must not be negative")
	}
	if c.Checkpoint.Schedule != "" {
		if _, err := cron.ParseStandard(c.Checkpoint.Schedule); err != nil {
			return fmt.Errorf("session: invalid checkpoint schedule %q: %w", c.Checkpoint.Schedule, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.RingSize <= 0 {
		c.RingSize = def.RingSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Checkpoint.ResumeFrom == "" {
		c.Checkpoint.ResumeFrom = ResumeLatest
	}
	if c.Checkpoint.ResumeAttempts <= 0 {
		c.Checkpoint.ResumeAttempts = def.Checkpoint.ResumeAttempts
	}
	if c.Checkpoint.SaveTimeout <= 0 {
		c.Checkpoint.SaveTimeout = def.Checkpoint.SaveTimeout
	}
}
