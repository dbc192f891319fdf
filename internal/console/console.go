// Package console drives a session from an interactive terminal. The main
// input is a line editor; a focused block receives raw keystrokes; a
// fullscreen program takes over the whole terminal until it exits.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/focus"
	"github.com/hay-kot/pocket/internal/process"
	"github.com/hay-kot/pocket/internal/styles"
	"github.com/hay-kot/pocket/internal/transport"
)

const (
	keyInterrupt = 0x03 // Ctrl-C
	keyKill      = 0x1c // Ctrl-\ kills the fullscreen program
	keyRelease   = 0x1d // Ctrl-] returns focus to the main input
	keyClearLine = 0x15 // Ctrl-U

	clearScreen     = "\x1b[2J\x1b[H"
	leaveFullscreen = "\x1b[?1049l\x1b[?25h\r\n"
)

// Session is the part of the orchestrator the console drives.
type Session interface {
	SubmitCommand(text string) (block.ID, error)
	ClearScreen(ctx context.Context) int
	Cancel(ctx context.Context, id block.ID) error
	FocusBlock(id block.ID) error
	ReleaseFocus()
	SendInput(data []byte) (bool, error)
	SendSignal(sig transport.Signal) (focus.SignalResult, error)
	AttachFullscreen(id block.ID) ([]byte, <-chan []byte, func(), error)
	SendFullscreenInput(id block.ID, data []byte) error
	Terminate(ctx context.Context, id block.ID, sig process.TerminateSignal) error
	Resize(rows, cols int) error
	Events() (<-chan event.Event, func())
	Block(id block.ID) (block.Block, bool)
	Snapshot() []block.Block
	Handles() []process.Handle
	Classify(text string) classify.Result
}

// Options configures a Console.
type Options struct {
	// Markdown renders the welcome block. When nil the text is printed as is.
	Markdown func(text string) (string, error)
}

type inputMode int

const (
	modeLine inputMode = iota
	modeFocus
	modeFullscreen
)

// Console connects a terminal to a Session.
type Console struct {
	log  zerolog.Logger
	sess Session
	in   io.Reader
	out  io.Writer
	opts Options

	lineR *io.PipeReader
	lineW *io.PipeWriter
	term  *term.Terminal
	ready chan struct{}

	mu      sync.Mutex
	mode    inputMode
	active  block.ID
	welcome map[block.ID]bool
	running []block.ID
}

// New creates a console reading keystrokes from in and drawing to out. The
// caller puts the terminal in raw mode.
func New(log zerolog.Logger, sess Session, in io.Reader, out io.Writer, opts Options) *Console {
	lineR, lineW := io.Pipe()
	c := &Console{
		log:     log.With().Str("component", "console").Logger(),
		sess:    sess,
		in:      in,
		out:     out,
		opts:    opts,
		lineR:   lineR,
		lineW:   lineW,
		welcome: make(map[block.ID]bool),
		ready:   make(chan struct{}),
	}
	c.term = term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{lineR, out}, mainPrompt())
	return c
}

func mainPrompt() string {
	return styles.PromptStyle.Render("❯") + " "
}

// Run processes input until the user quits, ctx ends, or the input closes.
func (c *Console) Run(ctx context.Context) error {
	events, unsubscribe := c.sess.Events()
	defer unsubscribe()
	close(c.ready)

	go c.renderLoop(ctx, events)
	go c.pumpInput(ctx)
	go func() {
		<-ctx.Done()
		_ = c.lineW.CloseWithError(ctx.Err())
	}()

	for {
		line, err := c.term.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if c.handleLine(ctx, line) {
			return nil
		}
	}
}

// Ready is closed once Run is subscribed to session events.
func (c *Console) Ready() <-chan struct{} {
	return c.ready
}

// Resize updates the line editor and the session geometry.
func (c *Console) Resize(rows, cols int) error {
	if err := c.term.SetSize(cols, rows); err != nil {
		return err
	}
	return c.sess.Resize(rows, cols)
}

func (c *Console) state() (inputMode, block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.active
}

func (c *Console) setMode(m inputMode, id block.ID) {
	c.mu.Lock()
	c.mode, c.active = m, id
	c.mu.Unlock()

	if m == modeLine {
		c.term.SetPrompt(mainPrompt())
	}
}

// print writes through the line editor in line mode so the prompt is redrawn
// below the output, and straight to the terminal otherwise.
func (c *Console) print(s string) {
	if m, _ := c.state(); m == modeLine {
		_, _ = c.term.Write([]byte(s))
		return
	}
	_, _ = io.WriteString(c.out, s)
}

func (c *Console) notice(format string, args ...any) {
	c.print(styles.NoticeStyle.Render(fmt.Sprintf(format, args...)) + "\n")
}

func (c *Console) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return false
	case strings.HasPrefix(text, ":"):
		return c.builtin(ctx, strings.Fields(text[1:]))
	case text == "clear":
		c.sess.ClearScreen(ctx)
		return false
	}

	if _, err := c.sess.SubmitCommand(text); err != nil {
		c.print(styles.ErrorStyle.Render(err.Error()) + "\n")
	}
	return false
}
