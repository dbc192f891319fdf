package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
)

// cancelWait bounds how long a cancelled command may take to finalize.
const cancelWait = 10 * time.Second

var errInteractive = errors.New("interactive command")

// commandSession is the part of the orchestrator that scripted commands use.
type commandSession interface {
	SubmitCommand(text string) (block.ID, error)
	Cancel(ctx context.Context, id block.ID) error
	Block(id block.ID) (block.Block, bool)
	Classify(text string) classify.Result
}

// executor submits commands one at a time and waits for each block to
// finalize. Output is copied to stream as it arrives.
type executor struct {
	sess   commandSession
	events <-chan event.Event
	stream io.Writer
}

// checkScriptable rejects commands that need a keyboard.
func checkScriptable(c commandSession, text string) error {
	res := c.Classify(text)
	switch res.Mode {
	case classify.ModeInline, classify.ModeFullscreen:
		return fmt.Errorf("%w %q (%s): use 'pocket shell'", errInteractive, text, res.Mode)
	}
	return nil
}

// execute runs text to completion. When ctx ends first the block is
// cancelled and execute still waits for it to finalize.
func (e *executor) execute(ctx context.Context, text string) (block.Block, error) {
	id, err := e.sess.SubmitCommand(text)
	if err != nil {
		return block.Block{}, fmt.Errorf("submit %q: %w", text, err)
	}

	done := ctx.Done()
	var deadline <-chan time.Time
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return e.snapshot(id), fmt.Errorf("session closed while running %q", text)
			}
			switch ev := ev.(type) {
			case event.BlockOutputAppended:
				if ev.BlockID == id && e.stream != nil {
					_, _ = e.stream.Write(ev.Chunk)
				}
			case event.BlockFinalized:
				if ev.BlockID == id {
					return e.snapshot(id), nil
				}
			}
		case <-done:
			done = nil
			deadline = time.After(cancelWait)
			cancelCtx, cancel := context.WithTimeout(context.Background(), cancelWait)
			err := e.sess.Cancel(cancelCtx, id)
			cancel()
			if err != nil {
				return e.snapshot(id), fmt.Errorf("cancel %q: %w", text, err)
			}
		case <-deadline:
			return e.snapshot(id), fmt.Errorf("command %q did not stop after cancel", text)
		}
	}
}

func (e *executor) snapshot(id block.ID) block.Block {
	b, _ := e.sess.Block(id)
	return b
}

// exitCode maps a finalized block onto a process exit code.
func exitCode(b block.Block) int {
	if b.ExitCode != nil {
		return *b.ExitCode
	}
	switch b.Status {
	case block.StatusSucceeded:
		return 0
	case block.StatusCancelled:
		return 130
	default:
		return 1
	}
}
