package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/history"
	"github.com/hay-kot/pocket/internal/printer"
	"github.com/hay-kot/pocket/internal/styles"
)

type RunCmd struct {
	flags *Flags

	// Command-specific flags
	target    string
	exec      []string
	headers   bool
	keepGoing bool
}

// NewRunCmd creates a new run command
func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{flags: flags}
}

// Register adds the run command to the application
func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run commands in a session and print their output",
		UsageText: "pocket run [options] -- command [args...]",
		Description: `Connects to a target, runs each command as a block on the session shell,
and streams the output to stdout.

Commands given with -e run first, in order, followed by the trailing
arguments joined into one command line. Processing stops at the first
failing command unless --keep-going is set. The exit code is the exit code
of the last command that ran.

Interactive commands (editors, pagers, REPLs) are rejected; use 'pocket shell'.
Continuous commands such as 'tail -f' run until interrupted.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "target",
				Aliases:     []string{"t"},
				Usage:       "target name from the config (default local)",
				Sources:     cli.EnvVars("POCKET_TARGET"),
				Destination: &cmd.target,
			},
			&cli.StringSliceFlag{
				Name:        "exec",
				Aliases:     []string{"e"},
				Usage:       "command to run (repeatable)",
				Destination: &cmd.exec,
			},
			&cli.BoolFlag{
				Name:        "headers",
				Usage:       "print a header line before each command",
				Destination: &cmd.headers,
			},
			&cli.BoolFlag{
				Name:        "keep-going",
				Aliases:     []string{"k"},
				Usage:       "continue after a failing command",
				Destination: &cmd.keepGoing,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *RunCmd) commands(c *cli.Command) []string {
	commands := make([]string, 0, len(cmd.exec)+1)
	for _, e := range cmd.exec {
		if strings.TrimSpace(e) != "" {
			commands = append(commands, e)
		}
	}
	if c.Args().Len() > 0 {
		commands = append(commands, strings.Join(c.Args().Slice(), " "))
	}
	return commands
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	commands := cmd.commands(c)
	if len(commands) == 0 {
		return fmt.Errorf("no command given. Run 'pocket run --help' for usage")
	}

	cfg := cmd.flags.Config
	target, err := cfg.ResolveTarget(cmd.target, interactivePrompt())
	if err != nil {
		return err
	}

	sess, err := newSession(cfg, newDialer(cfg), target.String())
	if err != nil {
		return err
	}
	defer closeSession(sess)

	for _, text := range commands {
		if err := checkScriptable(sess, text); err != nil {
			return err
		}
	}

	recDone := history.NewRecorder(log.Logger, cmd.flags.HistoryStore).Start(ctx, sess)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := sess.Events()
	defer unsubscribe()

	if err := sess.Connect(ctx, target); err != nil {
		return err
	}

	exec := &executor{sess: sess, events: events, stream: c.Root().Writer}
	code := 0
	for _, text := range commands {
		if ctx.Err() != nil {
			break
		}
		if cmd.headers {
			_, _ = fmt.Fprintln(c.Root().Writer, styles.BlockHeader(text, sess.Classify(text)))
		}

		b, err := exec.execute(ctx, text)
		if err != nil {
			return err
		}
		code = exitCode(b)
		if b.Status != block.StatusSucceeded {
			p.Warnf("%s: %s", text, printer.BlockStatus(b.Status, b.ExitCode))
			if !cmd.keepGoing {
				break
			}
		}
	}

	unsubscribe()
	closeSession(sess)
	<-recDone

	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
