package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Surfaces are the accepted UI surface names.
var Surfaces = []string{"tui", "ws", "none"}

// AudioConfig selects the backend and stream shape
type AudioConfig struct {
	Backend      string `yaml:"backend,omitempty"`
	SampleRate   int    `yaml:"sampleRate"`
	BufferFrames int    `yaml:"bufferFrames"`
	InputDevice  int    `yaml:"inputDevice"`  // -1: backend default
	OutputDevice int    `yaml:"outputDevice"` // -1: backend default
	FaultRetries uint64 `yaml:"faultRetries"`
}

// ModulesConfig says where module documents are fetched from
type ModulesConfig struct {
	BaseURL  string `yaml:"baseURL"`
	Port     int    `yaml:"port,omitempty"`
	Registry string `yaml:"registry"`
	Module   string `yaml:"module,omitempty"` // overrides the registry default
}

// MIDIConfig lists input ports to open
type MIDIConfig struct {
	Input       string   `yaml:"input,omitempty"`
	AutoConnect []string `yaml:"autoConnect,omitempty"` // port name substrings
}

// UIConfig selects the surface
type UIConfig struct {
	Surface string `yaml:"surface"`
	Listen  string `yaml:"listen"`
	Palette string `yaml:"palette,omitempty"` // GIMP palette file for the terminal UI
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// CacheConfig controls the module fetch cache
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir,omitempty"`
	InMemory bool   `yaml:"inMemory,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Modules ModulesConfig `yaml:"modules"`
	MIDI    MIDIConfig    `yaml:"midi"`
	UI      UIConfig      `yaml:"ui"`
	Log     LogConfig     `yaml:"log"`
	Cache   CacheConfig   `yaml:"cache"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:   44100,
			BufferFrames: 64,
			InputDevice:  -1,
			OutputDevice: -1,
			FaultRetries: 5,
		},
		Modules: ModulesConfig{
			BaseURL:  "http://127.0.0.1:8000",
			Registry: "modules.json",
		},
		UI: UIConfig{
			Surface: "tui",
			Listen:  "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Enabled: true,
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-anywhere"), nil
}

// ConfigPath returns the full path to config.yaml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config from the default path, or returns defaults if not
// found.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path over the defaults. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to the default path
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values a file or flag may have set.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sampleRate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.BufferFrames <= 0 {
		return fmt.Errorf("audio.bufferFrames must be positive, got %d", c.Audio.BufferFrames)
	}
	if !slices.Contains(Surfaces, c.UI.Surface) {
		return fmt.Errorf("ui.surface must be one of %v, got %q", Surfaces, c.UI.Surface)
	}
	if c.Modules.Port < 0 || c.Modules.Port > 65535 {
		return fmt.Errorf("modules.port out of range: %d", c.Modules.Port)
	}
	if _, err := url.Parse(c.Modules.BaseURL); err != nil {
		return fmt.Errorf("modules.baseURL: %w", err)
	}
	return nil
}

// URL returns the module base with Port applied to its host. Paths are
// returned unchanged.
func (m ModulesConfig) URL() (string, error) {
	u, err := url.Parse(m.BaseURL)
	if err != nil {
		return "", err
	}
	if m.Port == 0 || u.Host == "" {
		return m.BaseURL, nil
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(m.Port))
	return u.String(), nil
}
