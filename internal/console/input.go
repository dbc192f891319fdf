package console

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/process"
	"github.com/hay-kot/pocket/internal/transport"
)

// pumpInput routes keystrokes by the current input mode until in ends.
func (c *Console) pumpInput(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, err := c.in.Read(buf)
		if n > 0 {
			c.dispatch(ctx, bytes.Clone(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = c.lineW.Close()
			} else {
				_ = c.lineW.CloseWithError(err)
			}
			return
		}
	}
}

func (c *Console) dispatch(ctx context.Context, data []byte) {
	mode, id := c.state()

	switch mode {
	case modeFullscreen:
		if bytes.IndexByte(data, keyKill) >= 0 {
			if err := c.sess.Terminate(ctx, id, process.Force); err != nil {
				c.log.Debug().Err(err).Uint64("block", uint64(id)).Msg("kill fullscreen")
			}
			return
		}
		if err := c.sess.SendFullscreenInput(id, data); err != nil {
			c.log.Debug().Err(err).Uint64("block", uint64(id)).Msg("fullscreen input dropped")
		}

	case modeFocus:
		if i := bytes.IndexByte(data, keyRelease); i >= 0 {
			if i > 0 {
				_, _ = c.sess.SendInput(data[:i])
			}
			c.sess.ReleaseFocus()
			c.setMode(modeLine, 0)
			c.feedLine(data[i+1:])
			return
		}
		routed, _ := c.sess.SendInput(data)
		if !routed {
			c.setMode(modeLine, 0)
			c.feedLine(data)
		}

	default:
		c.feedLine(data)
	}
}

// feedLine hands keystrokes to the line editor. Ctrl-C clears the line being
// composed and interrupts the newest running one-shot command.
func (c *Console) feedLine(data []byte) {
	if len(data) == 0 {
		return
	}
	if bytes.IndexByte(data, keyInterrupt) >= 0 {
		data = bytes.ReplaceAll(data, []byte{keyInterrupt}, []byte{keyClearLine})
		c.interrupt()
	}
	_, _ = c.lineW.Write(data)
}

func (c *Console) interrupt() {
	if _, err := c.sess.SendSignal(transport.SignalInterrupt); err != nil {
		c.log.Debug().Err(err).Msg("interrupt")
	}

	c.mu.Lock()
	var id block.ID
	if n := len(c.running); n > 0 {
		id = c.running[n-1]
	}
	c.mu.Unlock()

	if id != 0 {
		if err := c.sess.Cancel(context.Background(), id); err != nil {
			c.log.Debug().Err(err).Uint64("block", uint64(id)).Msg("cancel running command")
		}
	}
}
