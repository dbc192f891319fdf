package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pocket/internal/core/history"
	"github.com/hay-kot/pocket/internal/printer"
)

type HistoryCmd struct {
	flags *Flags

	// Command-specific flags
	clear  bool
	failed bool
	limit  int
}

// NewHistoryCmd creates a new history command
func NewHistoryCmd(flags *Flags) *HistoryCmd {
	return &HistoryCmd{flags: flags}
}

// Register adds the history command to the application
func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "history",
		Usage:     "View or manage command history",
		UsageText: "pocket history [options]",
		Description: `View or manage the history of commands run through pocket.

By default, lists recent commands with their IDs, target, status, and
timestamp. Use --failed to show only the most recent failure and its details.
Use --clear to remove all history entries.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "clear",
				Aliases:     []string{"c"},
				Usage:       "clear all command history",
				Destination: &cmd.clear,
			},
			&cli.BoolFlag{
				Name:        "failed",
				Usage:       "show the most recent failed command",
				Destination: &cmd.failed,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum entries to list (0 for all)",
				Value:       50,
				Destination: &cmd.limit,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *HistoryCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	switch {
	case cmd.clear:
		return cmd.runClear(ctx, p)
	case cmd.failed:
		return cmd.runLastFailed(ctx, p)
	}

	return cmd.runList(ctx, c)
}

func (cmd *HistoryCmd) runList(ctx context.Context, c *cli.Command) error {
	entries, err := cmd.flags.HistoryStore.List(ctx)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	if len(entries) == 0 {
		printer.Ctx(ctx).Infof("No command history")
		return nil
	}

	if cmd.limit > 0 && len(entries) > cmd.limit {
		entries = entries[:cmd.limit]
	}

	out := c.Root().Writer
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTARGET\tCOMMAND\tSTATUS\tTIME")

	for _, e := range entries {
		cmdStr := e.Command
		if len(cmdStr) > 50 {
			cmdStr = cmdStr[:47] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Target,
			cmdStr,
			printer.BlockStatus(e.Status, e.ExitCode),
			e.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	return w.Flush()
}

func (cmd *HistoryCmd) runLastFailed(ctx context.Context, p *printer.Printer) error {
	e, err := cmd.flags.HistoryStore.LastFailed(ctx)
	if errors.Is(err, history.ErrNotFound) {
		p.Infof("No failed commands")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find last failure: %w", err)
	}

	p.Section(e.Command)
	p.Printf("  id:       %s", e.ID)
	p.Printf("  target:   %s", e.Target)
	p.Printf("  mode:     %s", e.Mode)
	p.Printf("  status:   %s", printer.BlockStatus(e.Status, e.ExitCode))
	p.Printf("  duration: %s", e.Duration)
	p.Printf("  time:     %s", e.Timestamp.Format("2006-01-02 15:04:05"))
	return nil
}

func (cmd *HistoryCmd) runClear(ctx context.Context, p *printer.Printer) error {
	if err := cmd.flags.HistoryStore.Clear(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	p.Successf("Command history cleared")
	return nil
}
