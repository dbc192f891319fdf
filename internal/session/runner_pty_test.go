//go:build !windows

package session

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/transport"
)

func TestShellRunner_LocalShell(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a pty")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	opts := testOptions()
	opts.InitTimeout = waitFor
	o := New(zerolog.Nop(), transport.NewDialer(zerolog.Nop(), transport.DefaultOptions()), classify.Default(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Close(ctx)
	})
	require.NoError(t, o.Connect(context.Background(), transport.Local("/bin/sh")))

	// commands reading stdin must not consume the completion marker
	head := submit(t, o, "head -n 1")
	quoted := submit(t, o, `echo "it's here"`)
	failed := submit(t, o, "exit_status() { return 3; }; exit_status")

	b := waitStatus(t, o, head, block.StatusSucceeded)
	assert.Empty(t, b.OutputString())

	b = waitStatus(t, o, quoted, block.StatusSucceeded)
	assert.Contains(t, b.OutputString(), "it's here")

	b = waitStatus(t, o, failed, block.StatusFailed)
	require.NotNil(t, b.ExitCode)
	assert.Equal(t, 3, *b.ExitCode)
}
