package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/gameserver/internal/logging"
	tracing "github.com/aixgo-dev/gameserver/internal/observability"
	"github.com/aixgo-dev/gameserver/internal/server"
	"github.com/aixgo-dev/gameserver/pkg/checkpoint"
	"github.com/aixgo-dev/gameserver/pkg/emulator"
	"github.com/aixgo-dev/gameserver/pkg/observability"
	"github.com/aixgo-dev/gameserver/pkg/session"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

// EnvPrefix is the prefix of every environment override,
// e.g. GAMESERVER_STORAGE_ROOT or GAMESERVER_CHECKPOINT_AUTO_SAVE_INTERVAL.
const EnvPrefix = "GAMESERVER"

// maxConfigSize bounds the YAML file read by Load.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Server     server.Config              `yaml:"server" envconfig:"SERVER"`
	Ops        observability.ServerConfig `yaml:"ops" envconfig:"OPS"`
	Storage    storage.Config             `yaml:"storage" envconfig:"STORAGE"`
	Checkpoint CheckpointConfig           `yaml:"checkpoint" envconfig:"CHECKPOINT"`
	Session    SessionConfig              `yaml:"session" envconfig:"SESSION"`
	Emulator   emulator.Config            `yaml:"emulator" envconfig:"EMULATOR"`
	Log        logging.Config             `yaml:"log" envconfig:"LOG"`
	Tracing    tracing.Config             `yaml:"tracing" envconfig:"TRACING"`
}

// CheckpointConfig combines store retention settings with the session's
// save and resume policy.
type CheckpointConfig struct {
	session.CheckpointConfig `yaml:",inline"`

	// MaxCheckpoints is the per-episode retention limit. Zero keeps everything.
	MaxCheckpoints int `yaml:"max_checkpoints" envconfig:"MAX_CHECKPOINTS"`

	// Compression gzips checkpoint records.
	Compression bool `yaml:"compression" envconfig:"COMPRESSION"`
}

// SessionConfig holds game-loop sizing.
type SessionConfig struct {
	RingSize  int `yaml:"ring_size" envconfig:"RING_SIZE"`
	QueueSize int `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	sess := session.DefaultConfig()
	return &Config{
		Server: server.DefaultConfig(),
		Ops: observability.ServerConfig{
			Addr: ":9090",
		},
		Storage: storage.Config{
			Type: storage.TypeLocal,
			Root: "./checkpoints",
		},
		Checkpoint: CheckpointConfig{
			CheckpointConfig: sess.Checkpoint,
			MaxCheckpoints:   checkpoint.DefaultMaxCheckpoints,
			Compression:      true,
		},
		Session: SessionConfig{
			RingSize:  sess.RingSize,
			QueueSize: sess.QueueSize,
		},
		Emulator: emulator.DefaultConfig(),
		Log:      logging.DefaultConfig(),
		Tracing: tracing.Config{
			ServiceName: tracing.DefaultServiceName,
			Exporter:    "none",
		},
	}
}

// Load builds the configuration in layers: defaults, then the YAML file at
// path (skipped when path is empty), then the environment. envFiles are
// loaded into the process environment first without overriding variables
// that are already set; missing files are ignored. With no envFiles, ".env"
// is tried.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := readLimited(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigSize)
	}
	return data, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Ops.Addr != "" && c.Ops.Addr == c.Server.Addr {
		return errors.New("ops.addr must differ from server.addr")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Checkpoint.MaxCheckpoints < 0 {
		return errors.New("checkpoint.max_checkpoints must not be negative")
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return err
	}
	switch c.Emulator.Kind {
	case "", emulator.KindSynthetic:
	default:
		return fmt.Errorf("emulator.kind %q is not supported", c.Emulator.Kind)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			return fmt.Errorf("invalid log.level %q", c.Log.Level)
		}
	}
	return nil
}

// SessionConfig maps the file layout onto the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		RingSize:   c.Session.RingSize,
		QueueSize:  c.Session.QueueSize,
		Checkpoint: c.Checkpoint.CheckpointConfig,
	}
}

// StoreOptions returns the checkpoint store options implied by the
// configuration.
func (c *Config) StoreOptions() []checkpoint.Option {
	return []checkpoint.Option{
		checkpoint.WithMaxCheckpoints(c.Checkpoint.MaxCheckpoints),
		checkpoint.WithCompression(c.Checkpoint.Compression),
	}
}

// Metadata describes the running game for checkpoint payloads.
func (c *Config) Metadata() checkpoint.Metadata {
	return checkpoint.Metadata{
		GameName: c.Emulator.GameName,
		GameType: c.Emulator.GameType,
		Emulator: c.Emulator.Kind,
	}
}
