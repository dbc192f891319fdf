package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHChannel runs a process on a remote host over its own SSH connection.
type SSHChannel struct {
	*baseChannel
	log     zerolog.Logger
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	pumped  chan struct{}

	writeMu sync.Mutex
}

func openSSH(ctx context.Context, log zerolog.Logger, opts Options, target Target, open OpenOptions) (*SSHChannel, error) {
	ch := &SSHChannel{baseChannel: newBaseChannel(ModeRemote, 64)}
	ch.log = log.With().Str("channel", ch.id).Str("target", target.String()).Logger()

	open.notify(StateConnecting)

	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", target.Addr())
	if err != nil {
		return nil, ClassifyDialError(fmt.Errorf("dial %s: %w", target.Addr(), err))
	}

	ch.setState(StateAuthenticating)
	open.notify(StateAuthenticating)

	auth, err := authMethod(dialCtx, target)
	if err != nil {
		_ = conn.Close()
		return nil, ClassifyDialError(err)
	}

	hostKeys, err := hostKeyCallback(opts.KnownHosts, opts.StrictHostKey)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Kind: KindAuthRejected, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}

	// The handshake has no context parameter; bound it with a deadline instead.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, ClassifyDialError(fmt.Errorf("ssh handshake: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})
	ch.client = ssh.NewClient(sshConn, chans, reqs)

	if err := ch.startSession(opts.Term, open); err != nil {
		_ = ch.client.Close()
		return nil, ClassifyDialError(err)
	}

	ch.setState(StateReady)
	open.notify(StateReady)
	ch.log.Debug().Bool("shell", open.Command == "").Msg("ssh channel ready")

	go ch.run()
	if opts.KeepaliveInterval > 0 {
		go ch.keepalive(opts.KeepaliveInterval, opts.KeepaliveMaxMissed)
	}
	return ch, nil
}

func (c *SSHChannel) startSession(term string, open OpenOptions) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, open.Rows, open.Cols, modes); err != nil {
		_ = sess.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if open.Command == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(open.Command)
	}
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("start remote process: %w", err)
	}

	c.session = sess
	c.stdin = stdin
	c.pumped = make(chan struct{})
	go func() {
		defer close(c.pumped)
		if err := c.pump(stdout); err != nil {
			c.log.Debug().Err(err).Msg("ssh read ended")
		}
	}()
	return nil
}

func (c *SSHChannel) run() {
	waitErr := c.session.Wait()

	<-c.pumped
	_ = c.client.Close()

	exit := c.exitFrom(waitErr)
	c.log.Debug().Int("code", exit.Code).Bool("lost", exit.Lost).Msg("ssh process ended")
	c.finish(exit)
}

func (c *SSHChannel) exitFrom(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			return Exit{Code: -1, Signal: sig}
		}
		return Exit{Code: exitErr.ExitStatus()}
	}

	if c.isClosing() {
		return Exit{Code: -1, Signal: "KILL"}
	}
	return Exit{Code: -1, Lost: true, Err: err}
}

// keepalive pings the server and marks the channel Degraded after a missed
// reply. After maxMissed consecutive misses the connection is torn down and
// the process is reported lost.
func (c *SSHChannel) keepalive(interval time.Duration, maxMissed int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.ping(interval) {
			if missed > 0 {
				c.log.Info().Msg("keepalive recovered")
				c.setState(StateReady)
			}
			missed = 0
			continue
		}

		missed++
		c.log.Warn().Int("missed", missed).Msg("keepalive missed")
		c.setState(StateDegraded)
		if maxMissed > 0 && missed >= maxMissed {
			c.log.Error().Msg("keepalive limit reached, dropping connection")
			_ = c.client.Close()
			return
		}
	}
}

func (c *SSHChannel) ping(timeout time.Duration) bool {
	reply := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()

	select {
	case err := <-reply:
		return err == nil
	case <-time.After(timeout):
		return false
	}
}

// Write sends bytes to the remote PTY.
func (c *SSHChannel) Write(p []byte) error {
	if err := c.writable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Resize sends a window-change request.
func (c *SSHChannel) Resize(rows, cols int) error {
	if c.State().Ended() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.WindowChange(rows, cols)
}

// Close tears down the session and its connection.
func (c *SSHChannel) Close() error {
	if !c.beginClose() {
		<-c.done
		return nil
	}
	c.stopOutput()
	_ = c.session.Signal(ssh.SIGKILL)
	_ = c.session.Close()
	_ = c.client.Close()
	<-c.done
	return nil
}

func authMethod(ctx context.Context, target Target) (ssh.AuthMethod, error) {
	if target.Credential == nil {
		return nil, fmt.Errorf("read credential: no credential configured for %s", target.String())
	}

	secret, err := target.Credential.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	switch target.Auth {
	case AuthPrivateKey:
		signer, err := ssh.ParsePrivateKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case AuthPassword, "":
		return ssh.Password(string(secret)), nil
	default:
		return nil, fmt.Errorf("read credential: unsupported auth method %q", target.Auth)
	}
}

// hostKeyCallback verifies host keys against the first known_hosts files that
// exist. With no files, verification is skipped unless strict is set.
func hostKeyCallback(files []string, strict bool) (ssh.HostKeyCallback, error) {
	var existing []string
	for _, f := range files {
		f = expandHome(f)
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}

	if len(existing) > 0 {
		cb, err := knownhosts.New(existing...)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	}

	if strict {
		return nil, errors.New("host key mismatch: strict host key checking enabled but no known_hosts file found")
	}
	return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via strict_host_key
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
