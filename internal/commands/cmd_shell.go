package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/pocket/internal/console"
	"github.com/hay-kot/pocket/internal/core/history"
	"github.com/hay-kot/pocket/internal/styles"
	"github.com/hay-kot/pocket/internal/transport"
)

type ShellCmd struct {
	flags  *Flags
	target string
}

// NewShellCmd creates a new shell command
func NewShellCmd(flags *Flags) *ShellCmd {
	return &ShellCmd{flags: flags}
}

// Flags returns the shell flags for registration on the root command.
func (cmd *ShellCmd) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "target",
			Aliases:     []string{"t"},
			Usage:       "target name from the config (default local)",
			Sources:     cli.EnvVars("POCKET_TARGET"),
			Destination: &cmd.target,
			Local:       true,
		},
	}
}

// Register adds the shell command to the application
func (cmd *ShellCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "shell",
		Usage:     "Open an interactive session",
		UsageText: "pocket shell [target]",
		Description: `Opens an interactive session on a target, or on the local machine when no
target is given. Each command becomes a block in the scrollback.

Keys:
  Ctrl-C   interrupt the focused process, or cancel the running command
  Ctrl-]   return keystrokes to the command line
  Ctrl-\   kill the fullscreen program

Type :help inside the session for the built-in commands.`,
		Flags:  cmd.Flags(),
		Action: cmd.Run,
	})

	return app
}

// Run starts the interactive session. It is also the root default action.
func (cmd *ShellCmd) Run(ctx context.Context, c *cli.Command) error {
	name := cmd.target
	if c.Args().Len() > 0 {
		name = c.Args().First()
	}

	stdin, stdout := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if !term.IsTerminal(stdin) || !term.IsTerminal(stdout) {
		return fmt.Errorf("pocket shell needs an interactive terminal; use 'pocket run' or 'pocket batch' for scripts")
	}

	cfg := cmd.flags.Config
	target, err := cfg.ResolveTarget(name, cachedPrompt(promptPassword))
	if err != nil {
		return err
	}

	// Ask for a password now; the prompt cannot run once the terminal is raw.
	if target.Auth == transport.AuthPassword && target.Credential != nil {
		if _, err := target.Credential.Secret(ctx); err != nil {
			return fmt.Errorf("read password for %s: %w", target.Name, err)
		}
	}

	sess, err := newSession(cfg, newDialer(cfg), target.String())
	if err != nil {
		return err
	}
	defer closeSession(sess)

	cols, rows, err := term.GetSize(stdout)
	if err != nil {
		cols, rows = cfg.Transport.Cols, cfg.Transport.Rows
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	recDone := history.NewRecorder(log.Logger, cmd.flags.HistoryStore).Start(context.WithoutCancel(ctx), sess)

	_, _ = fmt.Fprintln(os.Stdout, styles.BannerStyle.Render(styles.Banner))
	_, _ = fmt.Fprintln(os.Stdout, styles.NoticeStyle.Render("connecting to "+target.String()+"..."))

	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	restore := func() { _ = term.Restore(stdin, oldState) }
	defer restore()

	con := console.New(log.Logger, sess, os.Stdin, os.Stdout, console.Options{
		Markdown: markdownRenderer(cols),
	})
	if err := con.Resize(rows, cols); err != nil {
		log.Debug().Err(err).Msg("initial resize")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- con.Run(ctx) }()
	<-con.Ready()

	go watchResize(ctx, stdout, func(rows, cols int) {
		if err := con.Resize(rows, cols); err != nil {
			log.Debug().Err(err).Msg("resize")
		}
	})

	if err := sess.Connect(ctx, target); err != nil {
		cancel()
		<-done
		restore()
		return err
	}

	err = <-done
	cancel()
	restore()

	closeSession(sess)
	<-recDone

	_, _ = fmt.Fprintln(os.Stdout)
	return err
}

// markdownRenderer renders the welcome block with glamour. It returns nil
// when no renderer can be built, so the text is printed as is.
func markdownRenderer(width int) func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("tokyo-night"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		log.Debug().Err(err).Msg("markdown renderer unavailable")
		return nil
	}
	return func(text string) (string, error) {
		out, err := r.Render(text)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(out, "\n"), nil
	}
}
