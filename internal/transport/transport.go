// Package transport opens byte-stream channels to a local or remote shell.
//
// Every channel is bound to a pseudo-terminal and carries a single process:
// either an interactive login shell or one command. Remote channels use SSH;
// local channels use a PTY on this machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Mode selects where a channel runs.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// State is the lifecycle state of a channel.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateDegraded       State = "degraded"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

// Writable reports whether writes are accepted in this state.
func (s State) Writable() bool {
	return s == StateReady
}

// Ended reports whether the channel will produce no further output.
func (s State) Ended() bool {
	return s == StateClosed || s == StateFailed
}

var (
	// ErrChannelClosed is returned when writing to a channel that has ended.
	ErrChannelClosed = errors.New("channel closed")
	// ErrBackpressured is returned when a channel is not ready for input.
	ErrBackpressured = errors.New("channel not ready for input")
)

// Signal is a control signal delivered in-band to the foreground process.
type Signal string

const (
	SignalInterrupt Signal = "interrupt"
	SignalEOF       Signal = "eof"
	SignalSuspend   Signal = "suspend"
)

// Bytes returns the terminal control byte for the signal.
func (s Signal) Bytes() []byte {
	switch s {
	case SignalInterrupt:
		return []byte{0x03}
	case SignalEOF:
		return []byte{0x04}
	case SignalSuspend:
		return []byte{0x1a}
	default:
		return nil
	}
}

// ParseSignal parses a signal name.
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalInterrupt, SignalEOF, SignalSuspend:
		return Signal(s), nil
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

// Exit describes how the process bound to a channel ended.
type Exit struct {
	// Code is the process exit status, or -1 when it ended by signal or is unknown.
	Code int
	// Signal names the signal that killed the process, if any.
	Signal string
	// Lost is set when the transport dropped before the process reported a status.
	Lost bool
	// Err holds the underlying transport error when Lost is set.
	Err error
}

// Success reports a clean zero exit.
func (e Exit) Success() bool {
	return !e.Lost && e.Signal == "" && e.Code == 0
}

// Channel is a bidirectional byte stream bound to a pseudo-terminal.
type Channel interface {
	ID() string
	Mode() Mode
	State() State
	// Write sends bytes to the process. It fails with ErrBackpressured or
	// ErrChannelClosed when the channel is not Ready.
	Write(p []byte) error
	// Output yields chunks in the order the process produced them. It has a
	// single consumer and is closed once the process ends.
	Output() <-chan []byte
	Resize(rows, cols int) error
	// Close ends the channel and kills its process. It is idempotent.
	Close() error
	// Done is closed after Output is closed and Exit is final.
	Done() <-chan struct{}
	Exit() Exit
}

// Credential resolves secret material for authentication on demand, so that
// callers never hold secrets longer than a dial.
type Credential interface {
	Secret(ctx context.Context) ([]byte, error)
}

// CredentialFunc adapts a function to Credential.
type CredentialFunc func(ctx context.Context) ([]byte, error)

func (f CredentialFunc) Secret(ctx context.Context) ([]byte, error) { return f(ctx) }

// AuthMethod names how a remote target authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
)

// Target identifies where channels are opened.
type Target struct {
	Mode Mode
	Name string

	Host string
	Port int
	User string
	Auth AuthMethod
	// Credential is opaque to the session layer. It is never logged.
	Credential Credential

	// Shell overrides the local shell binary.
	Shell string
}

// Addr returns host:port for remote targets.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	if t.Mode == ModeLocal {
		return "local"
	}
	if t.User != "" {
		return t.User + "@" + t.Addr()
	}
	return t.Addr()
}

// Local returns a target for the local machine.
func Local(shell string) Target {
	return Target{Mode: ModeLocal, Name: "local", Shell: shell}
}

// OpenOptions configures a new channel.
type OpenOptions struct {
	// Command runs instead of an interactive shell when set.
	Command string
	Rows    int
	Cols    int
	// OnState observes state transitions before the channel is returned.
	OnState func(State)
}

func (o OpenOptions) notify(s State) {
	if o.OnState != nil {
		o.OnState(s)
	}
}

// Dialer opens channels.
type Dialer interface {
	Open(ctx context.Context, target Target, opts OpenOptions) (Channel, error)
}
