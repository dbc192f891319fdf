//go:build !windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

// LocalChannel runs a process under a PTY on this machine.
type LocalChannel struct {
	*baseChannel
	log  zerolog.Logger
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex
}

func openLocal(ctx context.Context, log zerolog.Logger, term string, target Target, opts OpenOptions) (*LocalChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, ClassifyDialError(err)
	}

	shell := target.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if opts.Command == "" {
		cmd = exec.Command(shell)
	} else {
		cmd = exec.Command(shell, "-c", opts.Command)
	}
	cmd.Env = append(os.Environ(), "TERM="+term)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	ch := &LocalChannel{baseChannel: newBaseChannel(ModeLocal, 64), cmd: cmd}
	ch.log = log.With().Str("channel", ch.id).Logger()
	opts.notify(StateConnecting)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(opts.Rows), Cols: uint16(opts.Cols)})
	if err != nil {
		return nil, ClassifyDialError(fmt.Errorf("start pty: %w", err))
	}
	ch.ptmx = ptmx

	ch.setState(StateReady)
	opts.notify(StateReady)
	ch.log.Debug().Int("pid", cmd.Process.Pid).Bool("shell", opts.Command == "").Msg("local channel ready")

	go ch.run()
	return ch, nil
}

func (c *LocalChannel) run() {
	if err := c.pump(c.ptmx); err != nil {
		c.log.Debug().Err(err).Msg("pty read ended")
	}

	waitErr := c.cmd.Wait()
	_ = c.ptmx.Close()

	exit := parseExitStatus(waitErr)
	c.log.Debug().Int("code", exit.Code).Str("signal", exit.Signal).Msg("local process exited")
	c.finish(exit)
}

// Write sends bytes to the PTY.
func (c *LocalChannel) Write(p []byte) error {
	if err := c.writable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.ptmx.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Resize changes the PTY window size.
func (c *LocalChannel) Resize(rows, cols int) error {
	if c.State().Ended() {
		return nil
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close kills the process group and waits for the channel to end.
func (c *LocalChannel) Close() error {
	if !c.beginClose() {
		<-c.done
		return nil
	}
	c.stopOutput()

	if c.cmd.Process != nil {
		// pty.Start puts the child in its own session, so its pid is the group id.
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGHUP)
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = c.ptmx.Close()

	<-c.done
	return nil
}

// parseExitStatus extracts the exit code and terminating signal from
// exec.Cmd.Wait's error.
func parseExitStatus(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return Exit{Code: -1, Signal: status.Signal().String()}
			}
			return Exit{Code: status.ExitStatus()}
		}
		return Exit{Code: exitErr.ExitCode()}
	}

	return Exit{Code: -1, Lost: true, Err: err}
}
