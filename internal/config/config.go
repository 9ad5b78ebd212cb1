// Package config provides configuration file parsing for extmon.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/extmon/internal/store"
)

// FileName is the config file looked up in Dir().
const FileName = "config.yaml"

// Dir returns the extmon config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/extmon if XDG_CONFIG_HOME is not set.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "extmon"), nil
}

// DataDir returns ~/.extmon, where the store, feed and PID file live.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".extmon"), nil
}

// Config is the parsed config.yaml. Zero-valued keys take the defaults.
type Config struct {
	Backend           string        `yaml:"backend"`
	Database          string        `yaml:"database"`
	LevelDB           string        `yaml:"leveldb"`
	PassphraseEnv     string        `yaml:"passphrase_env"`
	Profile           string        `yaml:"profile"`
	SelfID            string        `yaml:"self_id"`
	Feed              string        `yaml:"feed"`
	PerfSource        string        `yaml:"perf_source"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	LogLevel          string        `yaml:"log_level"`
	OpenRetries       uint64        `yaml:"open_retries"`
	ResyncConcurrency int           `yaml:"resync_concurrency"`
}

// Default returns the configuration used when no file exists, rooted at
// dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Backend:           store.BackendSQLite,
		Database:          filepath.Join(dataDir, "extmon.db"),
		LevelDB:           filepath.Join(dataDir, "store"),
		PassphraseEnv:     "EXTMON_PASSPHRASE",
		Profile:           defaultProfile(),
		Feed:              filepath.Join(dataDir, "requests.ndjson"),
		PerfSource:        filepath.Join(dataDir, "perf.json"),
		PollInterval:      30 * time.Second,
		SampleInterval:    time.Minute,
		LogLevel:          "info",
		OpenRetries:       5,
		ResyncConcurrency: 4,
	}
}

// defaultProfile is Chrome's default profile directory for this OS.
func defaultProfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Google", "Chrome", "Default")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Google", "Chrome", "User Data", "Default")
	default:
		return filepath.Join(home, ".config", "google-chrome", "Default")
	}
}

// Load reads {dir}/config.yaml over the defaults. If the file does not
// exist, the defaults are returned without an error. Unknown keys are
// rejected so typos surface.
func Load(dir, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse %s: %w", f.Name(), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Backend {
	case store.BackendSQLite, store.BackendEncrypted, store.BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, store.BackendSQLite, store.BackendEncrypted, store.BackendMemory)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("sample_interval cannot be negative, got %s", c.SampleInterval)
	}
	if c.ResyncConcurrency <= 0 {
		return fmt.Errorf("resync_concurrency must be positive, got %d", c.ResyncConcurrency)
	}
	return nil
}

// StorePath returns the path the selected backend opens.
func (c *Config) StorePath() string {
	if c.Backend == store.BackendEncrypted {
		return c.LevelDB
	}
	return c.Database
}

// Passphrase reads the encrypted backend's passphrase from the environment.
func (c *Config) Passphrase() []byte {
	if c.PassphraseEnv == "" {
		return nil
	}
	if v := os.Getenv(c.PassphraseEnv); v != "" {
		return []byte(v)
	}
	return nil
}
