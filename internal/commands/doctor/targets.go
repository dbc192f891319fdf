package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/hay-kot/pocket/internal/core/config"
)

// TargetsCheck verifies every configured target has usable credentials.
// It never dials.
type TargetsCheck struct {
	config *config.Config
}

func NewTargetsCheck(cfg *config.Config) *TargetsCheck {
	return &TargetsCheck{config: cfg}
}

func (c *TargetsCheck) Name() string {
	return "Targets"
}

func (c *TargetsCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if c.config == nil || len(c.config.Targets) == 0 {
		result.pass("Targets", "none configured, local shell only")
		return result
	}

	for _, name := range c.config.TargetNames() {
		t := c.config.Targets[name]

		switch t.Auth {
		case config.AuthPrivateKey:
			data, err := os.ReadFile(config.ExpandHome(t.KeyFile))
			if err != nil {
				result.fail(name, fmt.Sprintf("read key: %v", err))
				continue
			}
			if _, err := ssh.ParsePrivateKey(data); err != nil {
				var missing *ssh.PassphraseMissingError
				if errors.As(err, &missing) {
					result.warn(name, "key is passphrase protected, which is not supported")
					continue
				}
				result.fail(name, fmt.Sprintf("parse key: %v", err))
				continue
			}
			result.pass(name, "private key "+t.KeyFile)
		default:
			switch {
			case t.PasswordEnv == "":
				result.pass(name, "password prompted on connect")
			case os.Getenv(t.PasswordEnv) == "":
				result.warn(name, t.PasswordEnv+" is not set, password will be prompted")
			default:
				result.pass(name, "password from "+t.PasswordEnv)
			}
		}
	}

	return result
}
