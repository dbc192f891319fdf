package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hay-kot/pocket/internal/transport"
)

// ShellCheck verifies the local shell resolves and starts under a PTY.
type ShellCheck struct {
	dialer transport.Dialer
	shell  string
}

// NewShellCheck creates a check for shell, falling back to $SHELL and
// /bin/sh the same way local channels do.
func NewShellCheck(dialer transport.Dialer, shell string) *ShellCheck {
	return &ShellCheck{dialer: dialer, shell: shell}
}

func (c *ShellCheck) Name() string {
	return "Local Shell"
}

func (c *ShellCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	shell := c.shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	path, err := exec.LookPath(shell)
	if err != nil {
		result.fail("Shell", fmt.Sprintf("%s not found", shell))
		return result
	}
	result.pass("Shell", path)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ch, err := c.dialer.Open(ctx, transport.Local(shell), transport.OpenOptions{Command: "exit 0"})
	if err != nil {
		result.fail("PTY", err.Error())
		return result
	}
	defer func() { _ = ch.Close() }()

	// The channel must be drained for Done to close.
	go func() {
		for range ch.Output() {
		}
	}()

	select {
	case <-ch.Done():
		if exit := ch.Exit(); !exit.Success() {
			result.warn("PTY", fmt.Sprintf("probe exited with %d", exit.Code))
			return result
		}
		result.pass("PTY", "shell starts under a pseudo-terminal")
	case <-ctx.Done():
		result.warn("PTY", "probe did not exit within 5s")
	}

	return result
}
