// Package config handles configuration loading and validation for pocket.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hay-kot/pocket/internal/core/classify"
)

// Auth methods accepted for targets.
const (
	AuthPassword   = "password"
	AuthPrivateKey = "private_key"
)

// Config holds the application configuration.
type Config struct {
	Session    SessionConfig           `yaml:"session"`
	Reconnect  ReconnectConfig         `yaml:"reconnect"`
	Transport  TransportConfig         `yaml:"transport"`
	Classifier ClassifierConfig        `yaml:"classifier"`
	Targets    map[string]TargetConfig `yaml:"targets"`
	History    HistoryConfig           `yaml:"history"`
	Server     ServerConfig            `yaml:"server"`
	DataDir    string                  `yaml:"-"` // set by caller, not from config file
}

// SessionConfig tunes the orchestrator.
type SessionConfig struct {
	Welcome         *bool         `yaml:"welcome"`
	WelcomeMessage  string        `yaml:"welcome_message"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	MaxBackground   int           `yaml:"max_background"`
	FocusContinuous bool          `yaml:"focus_continuous"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
	ShellInit       string        `yaml:"shell_init"`
}

// WelcomeEnabled reports whether a welcome block is shown. It defaults to true.
func (s SessionConfig) WelcomeEnabled() bool {
	return s.Welcome == nil || *s.Welcome
}

// ReconnectConfig bounds connection retries.
type ReconnectConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// TransportConfig configures how channels are opened.
type TransportConfig struct {
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	KeepaliveMaxMissed int           `yaml:"keepalive_max_missed"`
	Term               string        `yaml:"term"`
	Rows               int           `yaml:"rows"`
	Cols               int           `yaml:"cols"`
	LocalShell         string        `yaml:"local_shell"`
	KnownHosts         []string      `yaml:"known_hosts"`
	StrictHostKey      bool          `yaml:"strict_host_key"`
}

// ClassifierConfig extends the built-in command classification.
type ClassifierConfig struct {
	// Fullscreen, Inline and Continuous list extra executable names.
	Fullscreen []string `yaml:"fullscreen"`
	Inline     []string `yaml:"inline"`
	Continuous []string `yaml:"continuous"`
	// Rules are evaluated before the built-ins, in order.
	Rules []ClassifierRule `yaml:"rules"`
}

// ClassifierRule is a user-defined classification rule.
type ClassifierRule struct {
	// Pattern is a regex matched against the normalized command line.
	Pattern string `yaml:"pattern"`
	// Glob matches the executable as typed, e.g. "**/bin/rails".
	Glob string `yaml:"glob"`
	// Names matches the executable basename.
	Names []string `yaml:"names"`
	// Exclude is a regex that rejects otherwise matching commands.
	Exclude string `yaml:"exclude"`
	Mode    string `yaml:"mode"`
	Kind    string `yaml:"kind"`
}

// TargetConfig is a named remote host.
type TargetConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Auth        string `yaml:"auth"`
	KeyFile     string `yaml:"key_file"`
	PasswordEnv string `yaml:"password_env"`
}

// HistoryConfig configures the command history file.
type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// ServerConfig configures the websocket bridge.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Token authenticates clients. When empty, serve generates one per run.
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			GracePeriod:   3 * time.Second,
			MaxBackground: 4,
			InitTimeout:   2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxRetries:      5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		Transport: TransportConfig{
			DialTimeout:        10 * time.Second,
			KeepaliveInterval:  15 * time.Second,
			KeepaliveMaxMissed: 3,
			Term:               "xterm-256color",
			Rows:               24,
			Cols:               80,
		},
		Targets: map[string]TargetConfig{},
		History: HistoryConfig{
			MaxEntries: 1000,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7681",
		},
	}
}

// Load reads configuration from the given path and sets the data directory.
// If configPath is empty or doesn't exist, returns defaults with the provided dataDir.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}

			cfg.DataDir = dataDir
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = d.Session.GracePeriod
	}
	if c.Session.InitTimeout == 0 {
		c.Session.InitTimeout = d.Session.InitTimeout
	}

	if c.Reconnect.InitialInterval == 0 {
		c.Reconnect.InitialInterval = d.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = d.Reconnect.MaxInterval
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = d.Reconnect.Multiplier
	}

	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = d.Transport.DialTimeout
	}
	if c.Transport.KeepaliveInterval == 0 {
		c.Transport.KeepaliveInterval = d.Transport.KeepaliveInterval
	}
	if c.Transport.KeepaliveMaxMissed == 0 {
		c.Transport.KeepaliveMaxMissed = d.Transport.KeepaliveMaxMissed
	}
	if c.Transport.Term == "" {
		c.Transport.Term = d.Transport.Term
	}
	if c.Transport.Rows == 0 {
		c.Transport.Rows = d.Transport.Rows
	}
	if c.Transport.Cols == 0 {
		c.Transport.Cols = d.Transport.Cols
	}

	for name, t := range c.Targets {
		if t.Port == 0 {
			t.Port = 22
		}
		if t.Auth == "" {
			if t.KeyFile != "" {
				t.Auth = AuthPrivateKey
			} else {
				t.Auth = AuthPassword
			}
		}
		c.Targets[name] = t
	}
	if c.Targets == nil {
		c.Targets = map[string]TargetConfig{}
	}

	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = d.History.MaxEntries
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
}

// Validate checks that the configuration is usable. ValidateDeep performs
// the full check with per-field errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if c.Session.GracePeriod < 0 {
		return fmt.Errorf("session.grace_period cannot be negative")
	}

	if c.Session.MaxBackground < 0 {
		return fmt.Errorf("session.max_background cannot be negative")
	}

	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries cannot be negative")
	}

	if c.Transport.Rows < 1 || c.Transport.Cols < 1 {
		return fmt.Errorf("transport.rows and transport.cols must be at least 1")
	}

	for name, t := range c.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %q must have a host", name)
		}
	}

	return nil
}

// HistoryFile returns the path to the command history JSON file.
func (c *Config) HistoryFile() string {
	return filepath.Join(c.DataDir, "history.json")
}

// LogsDir returns the directory for per-run log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// TargetNames returns the configured target names in sorted order.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClassifierRules converts the classifier section to rules, user rules first
// and then the extra executable lists.
func (c *Config) ClassifierRules() ([]classify.Rule, error) {
	var rules []classify.Rule

	for i, r := range c.Classifier.Rules {
		rule, err := r.toRule()
		if err != nil {
			return nil, fmt.Errorf("classifier.rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}

	extra := []struct {
		names []string
		mode  classify.Mode
	}{
		{c.Classifier.Fullscreen, classify.ModeFullscreen},
		{c.Classifier.Inline, classify.ModeInline},
		{c.Classifier.Continuous, classify.ModeContinuous},
	}
	for _, e := range extra {
		if len(e.names) == 0 {
			continue
		}
		rules = append(rules, classify.Rule{Mode: e.mode, Kind: classify.KindCommand, Names: e.names})
	}

	return rules, nil
}

func (r ClassifierRule) toRule() (classify.Rule, error) {
	mode, err := classify.ParseMode(r.Mode)
	if err != nil {
		return classify.Rule{}, err
	}

	rule := classify.Rule{
		Mode:  mode,
		Kind:  r.Kind,
		Names: r.Names,
		Glob:  r.Glob,
	}
	if rule.Kind == "" {
		rule.Kind = classify.KindCommand
	}

	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return classify.Rule{}, fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
		}
		rule.Pattern = re
	}
	if r.Exclude != "" {
		re, err := regexp.Compile(r.Exclude)
		if err != nil {
			return classify.Rule{}, fmt.Errorf("invalid exclude %q: %w", r.Exclude, err)
		}
		rule.Exclude = re
	}

	if err := rule.Validate(); err != nil {
		return classify.Rule{}, err
	}
	return rule, nil
}
