package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/pocket/internal/core/config"
	"github.com/hay-kot/pocket/internal/printer"
)

type ConfigValidateCmd struct {
	flags  *Flags
	format string
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:        "validate",
				Usage:       "Validate configuration file",
				UsageText:   "pocket config validate [options]",
				Description: "Validates the configuration file, checking classifier rules, target definitions, and file paths.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       "text",
						Destination: &cmd.format,
					},
				},
				Action: cmd.run,
			},
			{
				Name:        "show",
				Usage:       "Print the effective configuration",
				UsageText:   "pocket config show",
				Description: "Prints the loaded configuration as YAML, with defaults applied.",
				Action:      cmd.runShow,
			},
			{
				Name:        "targets",
				Usage:       "List configured targets",
				UsageText:   "pocket config targets",
				Description: "Lists the remote targets usable with 'pocket shell', 'pocket run --target' and 'pocket serve'.",
				Action:      cmd.runTargets,
			},
		},
	})

	return app
}

// validationSections are reported in order. Field errors are grouped by the
// section their field path starts with.
var validationSections = []struct {
	name   string
	title  string
	fields []string
}{
	{"files", "Files", []string{"config_file", "data_dir"}},
	{"session", "Session", []string{"session"}},
	{"reconnect", "Reconnect", []string{"reconnect"}},
	{"transport", "Transport", []string{"transport"}},
	{"classifier", "Classifier rules", []string{"classifier"}},
	{"targets", "Targets", []string{"targets"}},
	{"server", "Server", []string{"server"}},
}

// sectionOf maps a field path such as "targets.prod.host" or
// "classifier.rules[2]" to its report section.
func sectionOf(field string) string {
	root := field
	if i := strings.IndexAny(root, ".["); i >= 0 {
		root = root[:i]
	}
	for _, sec := range validationSections {
		if slices.Contains(sec.fields, root) {
			return sec.name
		}
	}
	return "files"
}

type fieldError struct {
	Section string `json:"section"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type validationReport struct {
	Valid      bool                       `json:"valid"`
	Rules      int                        `json:"classifier_rules"`
	Targets    []string                   `json:"targets"`
	Errors     []fieldError               `json:"errors,omitempty"`
	Warnings   []config.ValidationWarning `json:"warnings,omitempty"`
	bySection  map[string][]fieldError
	badTargets map[string]bool
}

func buildReport(cfg *config.Config, validationErr error) validationReport {
	r := validationReport{
		Valid:      validationErr == nil,
		Rules:      len(cfg.Classifier.Rules),
		Targets:    cfg.TargetNames(),
		Warnings:   cfg.Warnings(),
		bySection:  make(map[string][]fieldError),
		badTargets: make(map[string]bool),
	}

	for _, fe := range extractFieldErrors(validationErr) {
		e := fieldError{Section: sectionOf(fe.Field), Field: fe.Field, Message: fe.Err.Error()}
		r.Errors = append(r.Errors, e)
		r.bySection[e.Section] = append(r.bySection[e.Section], e)

		if name, ok := strings.CutPrefix(fe.Field, "targets."); ok {
			name, _, _ = strings.Cut(name, ".")
			r.badTargets[name] = true
		}
	}
	return r
}

func (cmd *ConfigValidateCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	report := buildReport(cmd.flags.Config, cmd.flags.Config.ValidateDeep(cmd.flags.ConfigPath))

	if cmd.format == "json" {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		report.print(printer.Ctx(ctx))
	}

	if !report.Valid {
		return cli.Exit("", 1)
	}
	return nil
}

// extractFieldErrors extracts field errors from a validation error.
func extractFieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return criterio.FieldErrors{{Err: err}}
}

func (r validationReport) print(p *printer.Printer) {
	for _, sec := range validationSections {
		errs := r.bySection[sec.name]
		p.Section(sec.title)

		switch sec.name {
		case "classifier":
			if len(errs) == 0 {
				p.CheckItem(fmt.Sprintf("%d custom rule(s)", r.Rules), "")
			}
		case "targets":
			for _, name := range r.Targets {
				if !r.badTargets[name] {
					p.CheckItem(name, "")
				}
			}
			if len(r.Targets) == 0 && len(errs) == 0 {
				p.CheckItem("local only", "no remote targets configured")
			}
		default:
			if len(errs) == 0 {
				p.CheckItem("ok", "")
			}
		}

		for _, e := range errs {
			label := e.Field
			if label == "" {
				label = "config"
			}
			p.FailItem(label, e.Message)
		}
		for _, w := range r.Warnings {
			if strings.EqualFold(w.Category, sec.title) {
				label := w.Item
				if label == "" {
					label = w.Category
				}
				p.WarnItem(label, w.Message)
			}
		}
	}

	p.Printf("")
	switch {
	case !r.Valid:
		p.Errorf("%d error(s), %d warning(s)", len(r.Errors), len(r.Warnings))
	case len(r.Warnings) > 0:
		p.Successf("Configuration is valid (%d warning(s))", len(r.Warnings))
	default:
		p.Successf("Configuration is valid")
	}
}
