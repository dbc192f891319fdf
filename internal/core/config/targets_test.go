package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/transport"
)

func TestResolveTarget_Local(t *testing.T) {
	cfg := validConfig(t)
	cfg.Transport.LocalShell = "/bin/bash"

	for _, name := range []string{"", "local"} {
		target, err := cfg.ResolveTarget(name, nil)
		require.NoError(t, err)
		assert.Equal(t, transport.ModeLocal, target.Mode)
		assert.Equal(t, "/bin/bash", target.Shell)
	}
}

func TestResolveTarget_Unknown(t *testing.T) {
	cfg := validConfig(t)

	_, err := cfg.ResolveTarget("prod", nil)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestResolveTarget_PrivateKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id")
	require.NoError(t, os.WriteFile(keyFile, []byte("secret-key"), 0o600))

	cfg := validConfig(t)
	cfg.Targets["prod"] = TargetConfig{Host: "example.com", Port: 2200, User: "deploy", Auth: AuthPrivateKey, KeyFile: keyFile}

	target, err := cfg.ResolveTarget("prod", nil)
	require.NoError(t, err)
	assert.Equal(t, transport.ModeRemote, target.Mode)
	assert.Equal(t, transport.AuthPrivateKey, target.Auth)
	assert.Equal(t, "deploy@example.com:2200", target.String())

	secret, err := target.Credential.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-key", string(secret))
}

func TestResolveTarget_Password(t *testing.T) {
	cfg := validConfig(t)
	cfg.Targets["env"] = TargetConfig{Host: "h", Port: 22, Auth: AuthPassword, PasswordEnv: "POCKET_TEST_PASSWORD"}
	cfg.Targets["prompt"] = TargetConfig{Host: "h", Port: 22, Auth: AuthPassword}
	t.Setenv("POCKET_TEST_PASSWORD", "from-env")

	ctx := context.Background()

	target, err := cfg.ResolveTarget("env", nil)
	require.NoError(t, err)
	secret, err := target.Credential.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(secret))

	prompted := ""
	target, err = cfg.ResolveTarget("prompt", func(ctx context.Context, name string) (string, error) {
		prompted = name
		return "typed", nil
	})
	require.NoError(t, err)
	secret, err = target.Credential.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "typed", string(secret))
	assert.Equal(t, "prompt", prompted)

	target, err = cfg.ResolveTarget("prompt", func(ctx context.Context, name string) (string, error) {
		return "", errors.New("aborted")
	})
	require.NoError(t, err)
	_, err = target.Credential.Secret(ctx)
	assert.EqualError(t, err, "aborted")

	target, err = cfg.ResolveTarget("prompt", nil)
	require.NoError(t, err)
	_, err = target.Credential.Secret(ctx)
	assert.Error(t, err)
}
