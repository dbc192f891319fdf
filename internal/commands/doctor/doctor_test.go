package doctor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hay-kot/pocket/internal/core/config"
	"github.com/hay-kot/pocket/internal/store/jsonfile"
	"github.com/hay-kot/pocket/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	return cfg
}

func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	blk, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(blk), 0o600))
	return path
}

func TestSummary(t *testing.T) {
	results := []Result{
		{Items: []CheckItem{{Status: StatusPass}, {Status: StatusWarn, Fixable: true}}},
		{Items: []CheckItem{{Status: StatusFail, Fixable: true}, {Status: StatusPass, Fixable: true}}},
	}

	passed, warned, failed := Summary(results)
	assert.Equal(t, 2, passed)
	assert.Equal(t, 1, warned)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, CountFixable(results))
}

func TestConfigCheck(t *testing.T) {
	cfg := testConfig(t)
	result := NewConfigCheck(cfg, "").Run(context.Background())

	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusPass, result.Items[0].Status)

	cfg.Classifier.Rules = []config.ClassifierRule{{Pattern: "[", Mode: "inline"}}
	result = NewConfigCheck(cfg, "").Run(context.Background())
	require.NotEmpty(t, result.Items)
	assert.Equal(t, StatusFail, result.Items[0].Status)
	assert.Equal(t, "classifier.rules[0]", result.Items[0].Label)

	result = NewConfigCheck(nil, "").Run(context.Background())
	assert.Equal(t, StatusFail, result.Items[0].Status)
}

func TestTargetsCheck(t *testing.T) {
	badKey := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(badKey, []byte("not a key"), 0o600))

	cfg := testConfig(t)
	cfg.Targets = map[string]config.TargetConfig{
		"good":     {Host: "h", Auth: config.AuthPrivateKey, KeyFile: writeKey(t)},
		"bad":      {Host: "h", Auth: config.AuthPrivateKey, KeyFile: badKey},
		"missing":  {Host: "h", Auth: config.AuthPrivateKey, KeyFile: "/nonexistent"},
		"prompted": {Host: "h", Auth: config.AuthPassword},
		"unset":    {Host: "h", Auth: config.AuthPassword, PasswordEnv: "POCKET_DOCTOR_UNSET"},
	}

	result := NewTargetsCheck(cfg).Run(context.Background())

	status := map[string]Status{}
	for _, item := range result.Items {
		status[item.Label] = item.Status
	}
	assert.Equal(t, StatusFail, status["bad"])
	assert.Equal(t, StatusPass, status["good"])
	assert.Equal(t, StatusFail, status["missing"])
	assert.Equal(t, StatusPass, status["prompted"])
	assert.Equal(t, StatusWarn, status["unset"])
}

func TestTargetsCheck_NoTargets(t *testing.T) {
	result := NewTargetsCheck(testConfig(t)).Run(context.Background())
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusPass, result.Items[0].Status)
}

func TestHistoryCheck(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	store := jsonfile.NewHistoryStore(path, 0)

	result := NewHistoryCheck(store, path, false).Run(ctx)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusFail, result.Items[0].Status)
	assert.True(t, result.Items[0].Fixable)

	result = NewHistoryCheck(store, path, true).Run(ctx)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusPass, result.Items[0].Status)
	assert.FileExists(t, path+".bak")

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShellCheck_MissingShell(t *testing.T) {
	result := NewShellCheck(&transport.MemoryDialer{}, "/nonexistent/shell").Run(context.Background())
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusFail, result.Items[0].Status)
}

func TestShellCheck_Probe(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Status
	}{
		{"clean exit", 0, StatusPass},
		{"non-zero exit", 2, StatusWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &transport.MemoryDialer{
				Handler: func(ctx context.Context, target transport.Target, opts transport.OpenOptions) (*transport.MemoryChannel, error) {
					ch := transport.NewMemoryChannel(target.Mode)
					go ch.Finish(tt.code)
					return ch, nil
				},
			}

			result := NewShellCheck(dialer, "sh").Run(context.Background())
			require.Len(t, result.Items, 2)
			assert.Equal(t, StatusPass, result.Items[0].Status)
			assert.Equal(t, tt.want, result.Items[1].Status)
			assert.Equal(t, "exit 0", dialer.Opened()[0].Options().Command)
		})
	}
}
