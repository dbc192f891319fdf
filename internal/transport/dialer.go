package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the default dialer.
type Options struct {
	DialTimeout        time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int
	Term               string
	KnownHosts         []string
	StrictHostKey      bool
}

// DefaultOptions returns dialer defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:        10 * time.Second,
		KeepaliveInterval:  15 * time.Second,
		KeepaliveMaxMissed: 3,
		Term:               "xterm-256color",
		KnownHosts:         []string{"~/.ssh/known_hosts"},
	}
}

// NetDialer opens SSH channels for remote targets and PTY channels for local ones.
type NetDialer struct {
	log  zerolog.Logger
	opts Options
}

// NewDialer creates a dialer.
func NewDialer(log zerolog.Logger, opts Options) *NetDialer {
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	return &NetDialer{
		log:  log.With().Str("component", "transport").Logger(),
		opts: opts,
	}
}

// Open implements Dialer.
func (d *NetDialer) Open(ctx context.Context, target Target, opts OpenOptions) (Channel, error) {
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}

	switch target.Mode {
	case ModeLocal:
		ch, err := openLocal(ctx, d.log, d.opts.Term, target, opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case ModeRemote:
		ch, err := openSSH(ctx, d.log, d.opts, target, opts)
		if err != nil {
			d.log.Debug().Err(err).Str("target", target.String()).Msg("ssh dial failed")
			return nil, err
		}
		return ch, nil
	default:
		return nil, &ConnectError{Kind: KindNetworkUnreachable, Err: fmt.Errorf("unknown target mode %q", target.Mode)}
	}
}
