package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/config"
	"github.com/hay-kot/pocket/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestSessionOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.GracePeriod = 5 * time.Second
	cfg.Session.FocusContinuous = true
	cfg.Reconnect.MaxRetries = 2
	cfg.Transport.Rows = 40

	opts := sessionOptions(cfg, "local")
	assert.True(t, opts.Welcome)
	assert.Equal(t, session.DefaultWelcome, opts.WelcomeMessage)
	assert.Equal(t, session.DefaultShellInit, opts.ShellInit)
	assert.Equal(t, 5*time.Second, opts.GracePeriod)
	assert.True(t, opts.FocusContinuous)
	assert.Equal(t, 2, opts.Reconnect.MaxRetries)
	assert.Equal(t, 40, opts.Rows)
}

func TestSessionOptions_WelcomeTemplate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.WelcomeMessage = "# {{ .Target }}"
	assert.Equal(t, "# deploy@example.com:22", sessionOptions(cfg, "deploy@example.com:22").WelcomeMessage)

	cfg.Session.WelcomeMessage = "# {{ .Target"
	assert.Equal(t, "# {{ .Target", sessionOptions(cfg, "local").WelcomeMessage)
}

func TestCachedPrompt(t *testing.T) {
	calls := 0
	prompt := cachedPrompt(func(ctx context.Context, target string) (string, error) {
		calls++
		if target == "broken" {
			return "", errors.New("cancelled")
		}
		return "pw-" + target, nil
	})

	for range 3 {
		pw, err := prompt(context.Background(), "prod")
		require.NoError(t, err)
		assert.Equal(t, "pw-prod", pw)
	}
	assert.Equal(t, 1, calls)

	_, err := prompt(context.Background(), "broken")
	require.Error(t, err)
	_, err = prompt(context.Background(), "broken")
	require.Error(t, err)
	assert.Equal(t, 3, calls, "failed prompts are not cached")
}
