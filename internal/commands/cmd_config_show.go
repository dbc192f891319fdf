package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/hay-kot/pocket/internal/core/config"
	"github.com/hay-kot/pocket/internal/printer"
)

func (cmd *ConfigValidateCmd) runShow(ctx context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	enc := yaml.NewEncoder(c.Root().Writer)
	enc.SetIndent(2)
	if err := enc.Encode(cmd.flags.Config); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func (cmd *ConfigValidateCmd) runTargets(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	names := cfg.TargetNames()
	if len(names) == 0 {
		printer.Ctx(ctx).Infof("No targets configured, only 'local' is available")
		return nil
	}

	w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tADDRESS\tAUTH")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", "local", "-", "-")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, targetAddr(cfg.Targets[name]), cfg.Targets[name].Auth)
	}
	return w.Flush()
}

func targetAddr(t config.TargetConfig) string {
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	if t.User != "" {
		addr = t.User + "@" + addr
	}
	return addr
}
