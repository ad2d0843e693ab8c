package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/capture"
	"github.com/bryanchriswhite/portalrec/internal/logger"
	"github.com/bryanchriswhite/portalrec/internal/portal"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration
type Config struct {
	LogLevel  string        `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogPretty bool          `json:"log_pretty" yaml:"log_pretty"`
	Portal    PortalConfig  `json:"portal" yaml:"portal"`
	Capture   CaptureConfig `json:"capture" yaml:"capture"`
	Status    StatusConfig  `json:"status" yaml:"status"`
}

// PortalConfig shapes the ScreenCast requests
type PortalConfig struct {
	SourceTypes      []string `json:"source_types" yaml:"source_types" validate:"min=1,dive,oneof=monitor window virtual"`
	CursorMode       string   `json:"cursor_mode" yaml:"cursor_mode" validate:"omitempty,oneof=hidden embedded metadata"`
	Multiple         bool     `json:"multiple" yaml:"multiple"`
	ParentWindow     string   `json:"parent_window" yaml:"parent_window"`
	UseRemoteFD      bool     `json:"use_remote_fd" yaml:"use_remote_fd"`
	WaitForSelection bool     `json:"wait_for_selection" yaml:"wait_for_selection"`
	TokenPrefix      string   `json:"token_prefix" yaml:"token_prefix" validate:"max=32"`
}

// CaptureConfig describes where and how the granted stream is recorded
type CaptureConfig struct {
	// Output may contain {time}, replaced with the recording start time
	Output        string                 `json:"output" yaml:"output" validate:"required"`
	Backend       string                 `json:"backend" yaml:"backend" validate:"oneof=gst subprocess"`
	StopTimeoutMS int                    `json:"stop_timeout_ms" yaml:"stop_timeout_ms" validate:"min=0"`
	Pipeline      capture.PipelineConfig `json:"pipeline" yaml:"pipeline"`
}

// StatusConfig controls the optional status API. Port 0 disables it.
type StatusConfig struct {
	Port int `json:"port" yaml:"port" validate:"min=0,max=65535"`
}

const timeLayout = "20060102-150405"

// OutputPath expands {time} in the configured output path
func (c CaptureConfig) OutputPath(now time.Time) string {
	return strings.ReplaceAll(c.Output, "{time}", now.Format(timeLayout))
}

// StopTimeout is how long a pipeline gets to finalize on shutdown
func (c CaptureConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

var sourceTypes = map[string]uint32{
	"monitor": portal.SourceTypeMonitor,
	"window":  portal.SourceTypeWindow,
	"virtual": portal.SourceTypeVirtual,
}

var cursorModes = map[string]uint32{
	"hidden":   portal.CursorModeHidden,
	"embedded": portal.CursorModeEmbedded,
	"metadata": portal.CursorModeMetadata,
}

// Options converts the portal section into negotiator options
func (c PortalConfig) Options() (portal.Options, error) {
	opts := portal.Options{
		Multiple:         c.Multiple,
		ParentWindow:     c.ParentWindow,
		UseRemoteFD:      c.UseRemoteFD,
		WaitForSelection: c.WaitForSelection,
	}
	for _, name := range c.SourceTypes {
		bit, ok := sourceTypes[name]
		if !ok {
			return portal.Options{}, fmt.Errorf("unknown source type: %s", name)
		}
		opts.SourceTypes |= bit
	}
	if c.CursorMode != "" {
		mode, ok := cursorModes[c.CursorMode]
		if !ok {
			return portal.Options{}, fmt.Errorf("unknown cursor mode: %s", c.CursorMode)
		}
		opts.CursorMode = mode
	}
	return opts, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogPretty: true,
		Portal: PortalConfig{
			SourceTypes: []string{"monitor"},
			CursorMode:  "embedded",
			TokenPrefix: "portalrec",
		},
		Capture: CaptureConfig{
			Output:        "portalrec-{time}.webm",
			Backend:       "gst",
			StopTimeoutMS: 5000,
			Pipeline:      capture.DefaultPipelineConfig(),
		},
	}
}

var validate = validator.New()

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultPath is $XDG_CONFIG_HOME/portalrec/config.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "portalrec", "config.yaml"), nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

// load reads the file over the defaults so missing keys keep default values
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Portal.SourceTypes = append([]string(nil), m.config.Portal.SourceTypes...)
	cfg.Capture.Pipeline.Convert = append([]string(nil), m.config.Capture.Pipeline.Convert...)
	cfg.Capture.Pipeline.EncoderProps = append([]string(nil), m.config.Capture.Pipeline.EncoderProps...)
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
