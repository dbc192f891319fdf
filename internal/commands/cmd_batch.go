package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/history"
	"github.com/hay-kot/pocket/internal/core/validate"
	"github.com/hay-kot/pocket/pkg/randid"
	"github.com/hay-kot/pocket/pkg/tmpl"
)

const (
	// StatusSkipped indicates the command was not attempted due to the failure threshold.
	StatusSkipped = "skipped"
	// StatusRejected indicates the command needs an interactive terminal.
	StatusRejected = "rejected"

	// maxFailures is the number of failures before stopping batch processing.
	maxFailures = 3
)

// BatchInput is the JSON input schema for a batch run.
type BatchInput struct {
	Target   string            `json:"target,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
	Commands []BatchCommand    `json:"commands"`
}

// Validate checks the batch input for errors using criterio.
func (b BatchInput) Validate() error {
	if len(b.Commands) == 0 {
		return criterio.NewFieldErrors("commands", fmt.Errorf("array is empty"))
	}

	var errs criterio.FieldErrorsBuilder
	if b.Target != "" && b.Target != "local" {
		if err := validate.TargetName(b.Target); err != nil {
			errs = errs.Append("target", err)
		}
	}

	seenNames := make(map[string]bool)
	for i, c := range b.Commands {
		field := fmt.Sprintf("commands[%d]", i)

		if err := validate.CommandText(c.Command); err != nil {
			errs = errs.Append(field+".command", err)
			continue
		}
		if _, err := tmpl.Command(c.Command, b.Vars); err != nil {
			errs = errs.Append(field+".command", err)
			continue
		}

		if c.Name != "" {
			if seenNames[c.Name] {
				errs = errs.Append(field+".name", fmt.Errorf("duplicate name %q", c.Name))
				continue
			}
			seenNames[c.Name] = true
		}
	}

	return errs.ToError()
}

// rendered returns the commands with vars substituted. Call after Validate.
func (b BatchInput) rendered() []BatchCommand {
	out := make([]BatchCommand, len(b.Commands))
	for i, c := range b.Commands {
		text, err := tmpl.Command(c.Command, b.Vars)
		if err != nil {
			text = c.Command
		}
		out[i] = BatchCommand{Name: c.Name, Command: text}
	}
	return out
}

// BatchCommand defines a single command to run.
type BatchCommand struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
}

// BatchResult is the output for a single command.
type BatchResult struct {
	Name     string   `json:"name,omitempty"`
	Command  string   `json:"command"`
	BlockID  block.ID `json:"block_id,omitempty"`
	Status   string   `json:"status"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// BatchOutput is the JSON output schema.
type BatchOutput struct {
	BatchID string        `json:"batch_id"`
	Target  string        `json:"target"`
	LogFile string        `json:"log_file"`
	Results []BatchResult `json:"results"`
}

// BatchErrorOutput is the JSON output for fatal errors.
type BatchErrorOutput struct {
	Error string `json:"error"`
}

type BatchCmd struct {
	flags *Flags
	file  string
}

func NewBatchCmd(flags *Flags) *BatchCmd {
	return &BatchCmd{flags: flags}
}

func (cmd *BatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "batch",
		Usage: "Run a list of commands from JSON input",
		UsageText: `pocket batch [options]

Read from stdin:
  echo '{"commands":[{"command":"uname -a"}]}' | pocket batch

Read from file:
  pocket batch -f deploy.json`,
		Description: `Runs commands from a JSON document on one session and reports
each block's status, exit code and output as JSON.

Commands run sequentially on the session shell. Processing stops after 3
failures. Commands not attempted are marked as skipped. Interactive commands
are rejected without running.

Input JSON schema:
  {
    "target": "optional target name",
    "vars": {"log": "/var/log/app.log"},
    "commands": [
      {"name": "optional-label", "command": "make test"},
      {"command": "tail -n 50 {{ shq .log }}"}
    ]
  }

Commands are Go templates rendered with vars; shq shell-quotes a value.

A per-batch log is written to the logs directory under the data dir.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "path to JSON file (reads from stdin if not provided)",
				Destination: &cmd.file,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *BatchCmd) run(ctx context.Context, c *cli.Command) error {
	batchID := randid.Generate(6)
	out := c.Root().Writer

	logger, logFile, err := cmd.setupLogger(batchID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batch %s: failed to setup logger: %v\n", batchID, err)
		return writeBatchError(out, fmt.Errorf("setup logger: %w", err))
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close log file: %v\n", err)
		}
	}()

	logger.Info().Str("batch_id", batchID).Msg("starting batch processing")

	input, err := cmd.readInput()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read input")
		return writeBatchError(out, fmt.Errorf("read input: %w", err))
	}

	if err := input.Validate(); err != nil {
		logger.Error().Err(err).Msg("input validation failed")
		return writeBatchError(out, fmt.Errorf("invalid input: %w", err))
	}

	cfg := cmd.flags.Config
	target, err := cfg.ResolveTarget(input.Target, nil)
	if err != nil {
		return writeBatchError(out, err)
	}

	sess, err := newSession(cfg, newDialer(cfg), target.String())
	if err != nil {
		return writeBatchError(out, err)
	}
	defer closeSession(sess)

	recDone := history.NewRecorder(logger, cmd.flags.HistoryStore).Start(ctx, sess)
	events, unsubscribe := sess.Events()
	defer unsubscribe()

	if err := sess.Connect(ctx, target); err != nil {
		logger.Error().Err(err).Str("target", target.String()).Msg("connect failed")
		return writeBatchError(out, fmt.Errorf("connect %s: %w", target, err))
	}

	output := BatchOutput{
		BatchID: batchID,
		Target:  target.String(),
		LogFile: logFile.Name(),
		Results: runBatch(ctx, logger, &executor{sess: sess, events: events}, input.rendered()),
	}

	logger.Info().
		Int("total", len(input.Commands)).
		Int("succeeded", countByStatus(output.Results, string(block.StatusSucceeded))).
		Int("failed", countByStatus(output.Results, string(block.StatusFailed))).
		Int("skipped", countByStatus(output.Results, StatusSkipped)).
		Msg("batch processing complete")

	unsubscribe()
	closeSession(sess)
	<-recDone

	return writeBatchOutput(out, output)
}

// runBatch executes commands in order, skipping the rest once maxFailures
// commands have failed.
func runBatch(ctx context.Context, logger zerolog.Logger, exec *executor, commands []BatchCommand) []BatchResult {
	results := make([]BatchResult, 0, len(commands))

	failures := 0
	for i, bc := range commands {
		if failures >= maxFailures || ctx.Err() != nil {
			logger.Warn().Str("command", bc.Command).Msg("skipping remaining commands")
			for _, rest := range commands[i:] {
				results = append(results, BatchResult{Name: rest.Name, Command: rest.Command, Status: StatusSkipped})
			}
			break
		}

		result := BatchResult{Name: bc.Name, Command: bc.Command}

		if err := checkScriptable(exec.sess, bc.Command); err != nil {
			result.Status = StatusRejected
			result.Error = err.Error()
			results = append(results, result)
			failures++
			continue
		}

		logger.Info().Str("command", bc.Command).Int("index", i).Msg("running command")

		b, err := exec.execute(ctx, bc.Command)
		result.BlockID = b.ID
		result.Status = string(b.Status)
		result.ExitCode = b.ExitCode
		result.Output = b.OutputString()
		if err != nil {
			result.Status = string(block.StatusFailed)
			result.Error = err.Error()
		}
		results = append(results, result)

		if result.Status != string(block.StatusSucceeded) {
			failures++
			logger.Error().Str("command", bc.Command).Str("status", result.Status).Msg("command failed")
		}
	}

	return results
}

func (cmd *BatchCmd) setupLogger(batchID string) (zerolog.Logger, *os.File, error) {
	logsDir := cmd.flags.Config.LogsDir()
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create logs dir: %w", err)
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("batch-%s.log", batchID))
	file, err := os.Create(logPath)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create log file: %w", err)
	}

	logger := zerolog.New(file).With().Timestamp().Logger()
	log.Debug().Str("log_file", logPath).Msg("batch log opened")
	return logger, file, nil
}

func (cmd *BatchCmd) readInput() (BatchInput, error) {
	var reader io.Reader

	if cmd.file != "" {
		f, err := os.Open(cmd.file)
		if err != nil {
			return BatchInput{}, fmt.Errorf("open file: %w", err)
		}
		defer func() { _ = f.Close() }()
		reader = f
	} else {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return BatchInput{}, fmt.Errorf("no input provided (stdin is a terminal); use -f flag or pipe JSON input")
		}
		reader = os.Stdin
	}

	return decodeBatchInput(reader)
}

func decodeBatchInput(r io.Reader) (BatchInput, error) {
	var input BatchInput
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return BatchInput{}, fmt.Errorf("decode JSON: %w", err)
	}
	return input, nil
}

func writeBatchOutput(w io.Writer, output BatchOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to write JSON output: %v\n", err)
		fmt.Fprintf(os.Stderr, "batch_id: %s\n", output.BatchID)
		fmt.Fprintf(os.Stderr, "log_file: %s\n", output.LogFile)
		return err
	}
	return nil
}

func writeBatchError(w io.Writer, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(BatchErrorOutput{Error: err.Error()}); encErr != nil {
		fmt.Fprintf(os.Stderr, "error: %s (failed to write JSON: %v)\n", err, encErr)
	}
	return err
}

func countByStatus(results []BatchResult, status string) int {
	count := 0
	for _, r := range results {
		if r.Status == status {
			count++
		}
	}
	return count
}
