package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pocket/internal/core/history"
	"github.com/hay-kot/pocket/internal/printer"
	"github.com/hay-kot/pocket/internal/server"
	"github.com/hay-kot/pocket/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	flags *Flags

	// Command-specific flags
	addr   string
	target string
	token  string
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Expose a session to remote clients over a websocket",
		UsageText: "pocket serve [options]",
		Description: `Starts an HTTP server that bridges websocket clients to one shared session.

Routes:
  /ws         websocket: JSON envelopes {type, payload, timestamp}
  /blocks     GET: all blocks
  /classify   GET ?command=...: classification of a command
  /healthz    GET: session state and client count

With --target the session connects at startup. Otherwise clients send
session.connect with a target name from the config.

Every route except /healthz requires the access token, sent as
"Authorization: Bearer <token>" or as ?token=. Without --token or
server.token a random token is generated and printed at startup. Browsers
may only connect from the server's own origin or server.allowed_origins.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (default from config server.addr)",
				Sources:     cli.EnvVars("POCKET_ADDR"),
				Destination: &cmd.addr,
			},
			&cli.StringFlag{
				Name:        "target",
				Aliases:     []string{"t"},
				Usage:       "connect to this target at startup",
				Sources:     cli.EnvVars("POCKET_TARGET"),
				Destination: &cmd.target,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "access token clients must present (default from config server.token, else random)",
				Sources:     cli.EnvVars("POCKET_TOKEN"),
				Destination: &cmd.token,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)
	cfg := cmd.flags.Config

	addr := cmd.addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := cmd.target
	if name == "" {
		name = "local"
	}
	sess, err := newSession(cfg, newDialer(cfg), name)
	if err != nil {
		return err
	}
	defer closeSession(sess)

	recDone := history.NewRecorder(log.Logger, cmd.flags.HistoryStore).Start(context.WithoutCancel(ctx), sess)

	resolve := func(name string) (transport.Target, error) {
		return cfg.ResolveTarget(name, nil)
	}

	if cmd.target != "" {
		target, err := resolve(cmd.target)
		if err != nil {
			return err
		}
		if err := sess.Connect(ctx, target); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	token := cmd.token
	if token == "" {
		token = cfg.Server.Token
	}
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	srv := &http.Server{
		Handler: server.New(log.Logger, sess, resolve, server.Options{
			Token:          token,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	p.Infof("Listening on http://%s (websocket at /ws)", ln.Addr())
	p.Infof("Access token: %s", token)
	log.Info().Str("addr", ln.Addr().String()).Msg("server started")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}

	closeSession(sess)
	<-recDone

	p.Infof("Server stopped")
	return nil
}
