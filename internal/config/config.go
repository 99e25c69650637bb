package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a TOML string ("10s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.supportchat/config.toml.
type Config struct {
	DefaultSession      string `toml:"default_session"`
	DefaultConversation string `toml:"default_conversation"`

	Log        Log        `toml:"log"`
	Identity   Identity   `toml:"identity"`
	RateLimit  RateLimit  `toml:"rate_limit"`
	Encryption Encryption `toml:"encryption"`
	Queue      Queue      `toml:"queue"`
	Transport  Transport  `toml:"transport"`
	Probe      Probe      `toml:"probe"`
	Metrics    Metrics    `toml:"metrics"`
}

type Log struct {
	Level string `toml:"level"`
}

// Identity is the local participant.
type Identity struct {
	UserID      string `toml:"user_id"`
	Role        string `toml:"role"`
	DisplayName string `toml:"display_name"`
}

type RateLimit struct {
	MaxActions int      `toml:"max_actions"`
	Window     Duration `toml:"window"`
	Cooldown   Duration `toml:"cooldown"`
}

type Encryption struct {
	Enabled         bool     `toml:"enabled"`
	RotationPeriod  Duration `toml:"rotation_period"`
	MaxPreviousKeys int      `toml:"max_previous_keys"`
}

type Queue struct {
	PollInterval Duration `toml:"poll_interval"`
}

type Transport struct {
	URL            string   `toml:"url"`
	SubjectPrefix  string   `toml:"subject_prefix"`
	PublishTimeout Duration `toml:"publish_timeout"`
	ReconnectWait  Duration `toml:"reconnect_wait"`
	MaxReconnects  int      `toml:"max_reconnects"`
}

// Probe configures the host network check. An empty address disables it.
type Probe struct {
	Address  string   `toml:"address"`
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `toml:"address"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Log:            Log{Level: "info"},
		Identity:       Identity{Role: "customer"},
		RateLimit: RateLimit{
			MaxActions: 5,
			Window:     Duration{10 * time.Second},
			Cooldown:   Duration{time.Minute},
		},
		Encryption: Encryption{
			RotationPeriod:  Duration{24 * time.Hour},
			MaxPreviousKeys: 3,
		},
		Queue: Queue{PollInterval: Duration{5 * time.Second}},
		Transport: Transport{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "supportchat",
			PublishTimeout: Duration{10 * time.Second},
			ReconnectWait:  Duration{2 * time.Second},
			MaxReconnects:  -1,
		},
		Probe: Probe{
			Interval: Duration{15 * time.Second},
			Timeout:  Duration{3 * time.Second},
		},
	}
}

// Load reads config from the given path over the defaults. Returns an error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Identity.Role {
	case "customer", "agent":
	default:
		return fmt.Errorf("identity.role must be customer or agent, got %q", c.Identity.Role)
	}
	if c.RateLimit.MaxActions <= 0 {
		return fmt.Errorf("rate_limit.max_actions must be positive, got %d", c.RateLimit.MaxActions)
	}
	if c.RateLimit.Window.Duration <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.Encryption.MaxPreviousKeys < 0 {
		return errors.New("encryption.max_previous_keys must not be negative")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
