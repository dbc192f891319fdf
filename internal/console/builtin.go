package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/printer"
	"github.com/hay-kot/pocket/internal/process"
)

const helpText = `:focus N    send keystrokes to block N (Ctrl-] releases)
:release    return to the main input
:cancel N   interrupt block N
:kill N     force-stop the process behind block N
:attach N   reopen fullscreen block N (Ctrl-\ kills it)
:blocks     list blocks
:jobs       list running processes
:quit       leave the session
clear       wipe all blocks
`

// builtin runs a ":" command and reports whether the console should exit.
func (c *Console) builtin(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		c.print(helpText)
		return false
	}

	name, rest := args[0], args[1:]
	switch name {
	case "q", "quit", "exit":
		return true
	case "help", "h":
		c.print(helpText)
	case "release":
		c.sess.ReleaseFocus()
	case "blocks":
		c.listBlocks()
	case "jobs":
		c.listJobs()
	case "focus", "cancel", "kill", "attach":
		id, err := parseBlockID(rest)
		if err != nil {
			c.notice("%s: %v", name, err)
			return false
		}
		if err := c.blockCommand(ctx, name, id); err != nil {
			c.notice("%s %d: %v", name, id, err)
		}
	default:
		c.notice("unknown command :%s, try :help", name)
	}
	return false
}

func (c *Console) blockCommand(ctx context.Context, name string, id block.ID) error {
	switch name {
	case "focus":
		return c.sess.FocusBlock(id)
	case "cancel":
		return c.sess.Cancel(ctx, id)
	case "kill":
		return c.sess.Terminate(ctx, id, process.Force)
	case "attach":
		go c.attach(ctx, id)
		return nil
	}
	return nil
}

func parseBlockID(args []string) (block.ID, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a block number")
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid block number %q", args[0])
	}
	return block.ID(n), nil
}

func (c *Console) listBlocks() {
	var sb strings.Builder
	for _, b := range c.sess.Snapshot() {
		if b.Kind != block.KindCommand {
			continue
		}
		fmt.Fprintf(&sb, "%4d  %s  %s\n", b.ID, printer.BlockStatus(b.Status, b.ExitCode), b.CommandText)
	}
	if sb.Len() == 0 {
		sb.WriteString("no blocks\n")
	}
	c.print(sb.String())
}

func (c *Console) listJobs() {
	var sb strings.Builder
	for _, h := range c.sess.Handles() {
		fmt.Fprintf(&sb, "%4d  %-10s  %s\n", h.BlockID, h.Mode, h.Command)
	}
	if sb.Len() == 0 {
		sb.WriteString("no running processes\n")
	}
	c.print(sb.String())
}
