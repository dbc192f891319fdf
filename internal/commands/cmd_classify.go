package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/pocket/internal/core/classify"
)

type ClassifyCmd struct {
	flags  *Flags
	format string
}

// NewClassifyCmd creates a new classify command
func NewClassifyCmd(flags *Flags) *ClassifyCmd {
	return &ClassifyCmd{flags: flags}
}

// Register adds the classify command to the application
func (cmd *ClassifyCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "classify",
		Usage:     "Show how commands would be run",
		UsageText: "pocket classify [options] command [args...]",
		Description: `Prints the interaction mode and process kind a command receives, using the
built-in table and the classifier rules from the config.

With no arguments, classifies each line read from stdin:
  history | cut -c8- | pocket classify --format json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})

	return app
}

type classification struct {
	Command string `json:"command"`
	classify.Result
}

func (cmd *ClassifyCmd) run(ctx context.Context, c *cli.Command) error {
	classifier, err := newClassifier(cmd.flags.Config)
	if err != nil {
		return err
	}

	lines, err := cmd.inputs(c)
	if err != nil {
		return err
	}

	results := make([]classification, 0, len(lines))
	for _, line := range lines {
		results = append(results, classification{Command: line, Result: classifier.Classify(line)})
	}

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COMMAND\tMODE\tKIND")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s %s\n", r.Command, r.Mode, r.Icon, r.Kind)
	}
	return w.Flush()
}

func (cmd *ClassifyCmd) inputs(c *cli.Command) ([]string, error) {
	if c.Args().Len() > 0 {
		return []string{strings.Join(c.Args().Slice(), " ")}, nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no command given. Run 'pocket classify --help' for usage")
	}

	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}
