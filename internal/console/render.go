package console

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/printer"
	"github.com/hay-kot/pocket/internal/styles"
)

func (c *Console) renderLoop(ctx context.Context, events <-chan event.Event) {
	for e := range events {
		c.render(ctx, e)
	}
}

func (c *Console) render(ctx context.Context, e event.Event) {
	switch e := e.(type) {
	case event.BlockCreated:
		if e.Kind == block.KindWelcome {
			c.mu.Lock()
			c.welcome[e.BlockID] = true
			c.mu.Unlock()
			return
		}
		c.print(styles.BlockHeader(e.CommandText, c.sess.Classify(e.CommandText)) + "\n")

	case event.BlockStarted:
		if e.Classification.Mode == classify.ModeOneShot {
			c.mu.Lock()
			c.running = append(c.running, e.BlockID)
			c.mu.Unlock()
		}

	case event.BlockOutputAppended:
		if c.isWelcome(e.BlockID) {
			return
		}
		c.print(string(e.Chunk))

	case event.BlockFinalized:
		c.mu.Lock()
		welcome := c.welcome[e.BlockID]
		delete(c.welcome, e.BlockID)
		c.running = slices.DeleteFunc(c.running, func(id block.ID) bool { return id == e.BlockID })
		c.mu.Unlock()

		if welcome {
			c.renderWelcome(e.BlockID)
			return
		}
		if e.Status != block.StatusSucceeded {
			c.print(printer.BlockStatus(e.Status, e.ExitCode) + "\n")
		}

	case event.FocusChanged:
		mode, active := c.state()
		if e.Target.IsMain() {
			if mode == modeFocus {
				c.setMode(modeLine, 0)
			}
			return
		}
		if mode == modeFullscreen && active == e.Target.BlockID {
			return
		}
		c.setMode(modeFocus, e.Target.BlockID)
		c.notice("[keystrokes go to block %d, Ctrl-] to return]", e.Target.BlockID)

	case event.FullscreenHandoffRequested:
		c.attach(ctx, e.BlockID)

	case event.SessionStateChanged:
		msg := string(e.State)
		if e.Target != "" {
			msg += " " + e.Target
		}
		c.notice("[%s]", msg)

	case event.ConnectionError:
		c.print(styles.ErrorStyle.Render(fmt.Sprintf("[%s] %s", e.Kind, e.Message)) + "\n")

	case event.ScreenCleared:
		c.print(clearScreen)

	case event.InputCompositionCancelled:
	}
}

func (c *Console) isWelcome(id block.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome[id]
}

func (c *Console) renderWelcome(id block.ID) {
	b, ok := c.sess.Block(id)
	if !ok {
		return
	}

	text := b.OutputString()
	if c.opts.Markdown != nil {
		rendered, err := c.opts.Markdown(text)
		if err != nil {
			c.log.Debug().Err(err).Msg("render welcome")
		} else {
			text = rendered
		}
	}
	c.print(text + "\n")
}

// attach hands the terminal to a fullscreen program until it exits.
func (c *Console) attach(ctx context.Context, id block.ID) {
	scrollback, stream, detach, err := c.sess.AttachFullscreen(id)
	if err != nil {
		c.notice("attach %d: %v", id, err)
		return
	}
	defer detach()

	c.setMode(modeFullscreen, id)
	_, _ = c.out.Write(scrollback)

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				c.finishFullscreen()
				return
			}
			_, _ = c.out.Write(chunk)
		case <-ctx.Done():
			c.finishFullscreen()
			return
		}
	}
}

func (c *Console) finishFullscreen() {
	_, _ = io.WriteString(c.out, leaveFullscreen)
	c.setMode(modeLine, 0)
}
