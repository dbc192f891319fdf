package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hay-kot/pocket/internal/transport"
)

// ErrUnknownTarget is returned by ResolveTarget for names not in the config.
var ErrUnknownTarget = errors.New("unknown target")

// PasswordPrompt asks the user for a target's password.
type PasswordPrompt func(ctx context.Context, target string) (string, error)

// ResolveTarget builds a transport target by name. The empty name and
// "local" select the local shell. Credentials are read lazily at dial time:
// key files from disk, passwords from password_env, then from prompt when
// one is given.
func (c *Config) ResolveTarget(name string, prompt PasswordPrompt) (transport.Target, error) {
	if name == "" || name == "local" {
		return transport.Local(c.Transport.LocalShell), nil
	}

	tc, ok := c.Targets[name]
	if !ok {
		return transport.Target{}, fmt.Errorf("%w %q", ErrUnknownTarget, name)
	}

	target := transport.Target{
		Mode: transport.ModeRemote,
		Name: name,
		Host: tc.Host,
		Port: tc.Port,
		User: tc.User,
	}

	switch tc.Auth {
	case AuthPrivateKey:
		target.Auth = transport.AuthPrivateKey
		keyFile := ExpandHome(tc.KeyFile)
		target.Credential = transport.CredentialFunc(func(ctx context.Context) ([]byte, error) {
			return os.ReadFile(keyFile)
		})
	default:
		target.Auth = transport.AuthPassword
		target.Credential = transport.CredentialFunc(func(ctx context.Context) ([]byte, error) {
			if tc.PasswordEnv != "" {
				if pw := os.Getenv(tc.PasswordEnv); pw != "" {
					return []byte(pw), nil
				}
			}
			if prompt == nil {
				return nil, fmt.Errorf("no password available for target %s", name)
			}
			pw, err := prompt(ctx, name)
			if err != nil {
				return nil, err
			}
			return []byte(pw), nil
		})
	}

	return target, nil
}
