package config

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/pocket/internal/core/validate"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// ValidateDeep performs comprehensive validation of the configuration.
// Unlike Validate(), this checks regex patterns, target definitions, and
// file access. The returned error is criterio.FieldErrors when any field is
// invalid.
func (c *Config) ValidateDeep(configPath string) error {
	var errs criterio.FieldErrorsBuilder

	errs = c.validateFileAccess(errs, configPath)
	errs = c.validateSession(errs)
	errs = c.validateReconnect(errs)
	errs = c.validateTransport(errs)
	errs = c.validateClassifier(errs)
	errs = c.validateTargets(errs)
	errs = c.validateServer(errs)

	return errs.ToError()
}

func (c *Config) validateFileAccess(errs criterio.FieldErrorsBuilder, configPath string) criterio.FieldErrorsBuilder {
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			if info.IsDir() {
				errs = errs.Append("config_file", fmt.Errorf("%s is a directory, not a file", configPath))
			}
		} else if !os.IsNotExist(err) {
			errs = errs.Append("config_file", fmt.Errorf("cannot access %s: %w", configPath, err))
		}
	}

	if c.DataDir != "" {
		if info, err := os.Stat(c.DataDir); err == nil {
			if !info.IsDir() {
				errs = errs.Append("data_dir", fmt.Errorf("%s exists but is not a directory", c.DataDir))
			}
		} else if !os.IsNotExist(err) {
			errs = errs.Append("data_dir", fmt.Errorf("cannot access %s: %w", c.DataDir, err))
		}
	}

	return errs
}

func (c *Config) validateSession(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if c.Session.GracePeriod < 0 {
		errs = errs.Append("session.grace_period", fmt.Errorf("cannot be negative"))
	}
	if c.Session.MaxBackground < 0 {
		errs = errs.Append("session.max_background", fmt.Errorf("cannot be negative"))
	}
	if c.Session.InitTimeout < 0 {
		errs = errs.Append("session.init_timeout", fmt.Errorf("cannot be negative"))
	}
	return errs
}

func (c *Config) validateReconnect(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	r := c.Reconnect
	if r.MaxRetries < 0 {
		errs = errs.Append("reconnect.max_retries", fmt.Errorf("cannot be negative"))
	}
	if r.Multiplier < 1 {
		errs = errs.Append("reconnect.multiplier", fmt.Errorf("must be at least 1, got %v", r.Multiplier))
	}
	if r.InitialInterval > r.MaxInterval {
		errs = errs.Append("reconnect.initial_interval", fmt.Errorf("%s exceeds max_interval %s", r.InitialInterval, r.MaxInterval))
	}
	return errs
}

func (c *Config) validateTransport(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	t := c.Transport
	if t.DialTimeout <= 0 {
		errs = errs.Append("transport.dial_timeout", fmt.Errorf("must be positive"))
	}
	if t.KeepaliveMaxMissed < 1 {
		errs = errs.Append("transport.keepalive_max_missed", fmt.Errorf("must be at least 1"))
	}
	if t.Rows < 1 {
		errs = errs.Append("transport.rows", fmt.Errorf("must be at least 1"))
	}
	if t.Cols < 1 {
		errs = errs.Append("transport.cols", fmt.Errorf("must be at least 1"))
	}
	if t.LocalShell != "" {
		if _, err := exec.LookPath(t.LocalShell); err != nil {
			errs = errs.Append("transport.local_shell", fmt.Errorf("shell not found: %s", t.LocalShell))
		}
	}
	return errs
}

func (c *Config) validateClassifier(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	for i, r := range c.Classifier.Rules {
		if _, err := r.toRule(); err != nil {
			errs = errs.Append(fmt.Sprintf("classifier.rules[%d]", i), err)
		}
	}

	lists := []struct {
		field string
		names []string
	}{
		{"classifier.fullscreen", c.Classifier.Fullscreen},
		{"classifier.inline", c.Classifier.Inline},
		{"classifier.continuous", c.Classifier.Continuous},
	}
	for _, l := range lists {
		for i, name := range l.names {
			if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
				errs = errs.Append(fmt.Sprintf("%s[%d]", l.field, i), fmt.Errorf("invalid executable name %q", name))
			}
		}
	}
	return errs
}

func (c *Config) validateTargets(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	for _, name := range c.TargetNames() {
		t := c.Targets[name]
		field := "targets." + name

		if err := validate.TargetName(name); err != nil {
			errs = errs.Append(field, err)
			continue
		}
		if name == "local" {
			errs = errs.Append(field, fmt.Errorf("name %q is reserved for the local shell", name))
		}
		if t.Host == "" {
			errs = errs.Append(field+".host", fmt.Errorf("host is required"))
		}
		if t.Port < 0 || t.Port > 65535 {
			errs = errs.Append(field+".port", fmt.Errorf("port %d out of range", t.Port))
		}

		switch t.Auth {
		case AuthPassword:
		case AuthPrivateKey:
			if t.KeyFile == "" {
				errs = errs.Append(field+".key_file", fmt.Errorf("required for private_key auth"))
			} else if _, err := os.Stat(ExpandHome(t.KeyFile)); err != nil {
				errs = errs.Append(field+".key_file", fmt.Errorf("cannot read %s: %w", t.KeyFile, err))
			}
		default:
			errs = errs.Append(field+".auth", fmt.Errorf("invalid auth %q, use %q or %q", t.Auth, AuthPassword, AuthPrivateKey))
		}
	}
	return errs
}

func (c *Config) validateServer(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = errs.Append("server.addr", fmt.Errorf("invalid address %q: %w", c.Server.Addr, err))
	}
	return errs
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if c.Transport.StrictHostKey {
		found := false
		for _, p := range c.KnownHostsFiles() {
			if _, err := os.Stat(p); err == nil {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings, ValidationWarning{
				Category: "Transport",
				Item:     "known_hosts",
				Message:  "strict_host_key is set but no known_hosts file exists; every remote connection will be rejected",
			})
		}
	}

	if c.Session.GracePeriod == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Session",
			Item:     "grace_period",
			Message:  "grace period is zero; processes are killed without an interrupt",
		})
	}

	if c.Reconnect.MaxRetries == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Reconnect",
			Item:     "max_retries",
			Message:  "automatic reconnection is disabled",
		})
	}

	for _, name := range c.TargetNames() {
		t := c.Targets[name]
		if t.Auth == AuthPassword && t.PasswordEnv == "" {
			warnings = append(warnings, ValidationWarning{
				Category: "Targets",
				Item:     name,
				Message:  "no password_env set; the password will be prompted for on connect",
			})
		}
		if t.PasswordEnv != "" && os.Getenv(t.PasswordEnv) == "" {
			warnings = append(warnings, ValidationWarning{
				Category: "Targets",
				Item:     name,
				Message:  fmt.Sprintf("environment variable %s is not set", t.PasswordEnv),
			})
		}
	}

	return warnings
}

// KnownHostsFiles returns the known_hosts files to verify host keys against,
// with ~ expanded.
func (c *Config) KnownHostsFiles() []string {
	files := c.Transport.KnownHosts
	if len(files) == 0 {
		files = []string{"~/.ssh/known_hosts", "/etc/ssh/ssh_known_hosts"}
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = ExpandHome(f)
	}
	return out
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
