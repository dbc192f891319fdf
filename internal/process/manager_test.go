package process

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/transport"
)

// storeWriter adapts a block.Store to BlockWriter.
type storeWriter struct{ *block.Store }

func (w storeWriter) Finalize(id block.ID, status block.Status, code *int) bool {
	_, changed := w.Store.Finalize(id, status, code)
	return changed
}

type recordingFocuser struct {
	mu      sync.Mutex
	focused []block.ID
	ended   []block.ID
}

func (f *recordingFocuser) Focus(id block.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, id)
	return true
}

func (f *recordingFocuser) ProcessEnded(id block.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
}

func (f *recordingFocuser) Focused() []block.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]block.ID(nil), f.focused...)
}

type fixture struct {
	store  *block.Store
	dialer *transport.MemoryDialer
	mgr    *Manager
	focus  *recordingFocuser
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	opts := DefaultOptions()
	opts.GracePeriod = 200 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}

	f := &fixture{
		store:  block.NewStore(zerolog.Nop()),
		dialer: &transport.MemoryDialer{},
		focus:  &recordingFocuser{},
	}
	f.mgr = NewManager(zerolog.Nop(), f.dialer, storeWriter{f.store}, opts)
	f.mgr.SetFocuser(f.focus)
	f.mgr.SetTarget(transport.Local(""))
	return f
}

func (f *fixture) activate(t *testing.T, command string) (block.ID, *transport.MemoryChannel) {
	t.Helper()
	id := f.store.Append(block.KindCommand, command)
	res := classify.Default().Classify(command)
	f.store.Classify(id, res)

	_, err := f.mgr.Activate(context.Background(), id, command, res)
	require.NoError(t, err)

	opened := f.dialer.Opened()
	return id, opened[len(opened)-1]
}

func (f *fixture) waitStatus(t *testing.T, id block.ID, want block.Status) block.Block {
	t.Helper()
	require.Eventually(t, func() bool {
		b, _ := f.store.Get(id)
		return b.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	b, _ := f.store.Get(id)
	return b
}

// interruptExits makes the channel exit with code when it receives ^C.
func interruptExits(code int) func(*transport.MemoryChannel, []byte) {
	return func(ch *transport.MemoryChannel, p []byte) {
		if bytes.Contains(p, transport.SignalInterrupt.Bytes()) {
			go ch.Finish(code)
		}
	}
}

func TestActivate_OneShotNotEligible(t *testing.T) {
	f := newFixture(t, nil)
	id := f.store.Append(block.KindCommand, "ls")
	_, err := f.mgr.Activate(context.Background(), id, "ls", classify.Default().Classify("ls"))
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Empty(t, f.dialer.Opened())
}

func TestActivate_StreamsOutputAndFinalizes(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "tail -f app.log")

	b, _ := f.store.Get(id)
	assert.Equal(t, block.StatusRunning, b.Status)
	assert.Equal(t, ch.ID(), b.ChannelID)
	assert.Equal(t, "tail -f app.log", ch.Options().Command)

	ch.EmitString("line 1\n")
	ch.EmitString("line 2\n")
	ch.Finish(0)

	b = f.waitStatus(t, id, block.StatusSucceeded)
	assert.Equal(t, "line 1\nline 2\n", b.OutputString())
	require.NotNil(t, b.ExitCode)
	assert.Equal(t, 0, *b.ExitCode)

	_, ok := f.mgr.Handle(id)
	assert.False(t, ok)
	assert.Empty(t, f.focus.Focused(), "continuous output is not focused by default")
}

func TestActivate_NonZeroExitFails(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "python")
	ch.Finish(1)

	b := f.waitStatus(t, id, block.StatusFailed)
	assert.Equal(t, 1, *b.ExitCode)
}

func TestActivate_ConnectionLost(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "tail -f /var/log/syslog")
	ch.EmitString("before drop\n")
	ch.Drop()

	b := f.waitStatus(t, id, block.StatusFailed)
	assert.Contains(t, b.OutputString(), "before drop")
	assert.Contains(t, b.OutputString(), "[connection lost]")
	assert.Nil(t, b.ExitCode)
}

func TestActivate_InlineTakesFocus(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.activate(t, "python")
	assert.Equal(t, []block.ID{id}, f.focus.Focused())
}

func TestActivate_ContinuousFocusConfigurable(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FocusContinuous = true })
	id, _ := f.activate(t, "tail -f x.log")
	assert.Equal(t, []block.ID{id}, f.focus.Focused())
}

func TestActivate_ReplacesInlineBeforeOpening(t *testing.T) {
	f := newFixture(t, nil)
	first, firstCh := f.activate(t, "python")
	firstCh.OnWrite = interruptExits(130)

	var statusAtOpen block.Status
	f.dialer.Handler = func(_ context.Context, target transport.Target, _ transport.OpenOptions) (*transport.MemoryChannel, error) {
		b, _ := f.store.Get(first)
		statusAtOpen = b.Status
		return transport.NewMemoryChannel(target.Mode), nil
	}

	f.activate(t, "node")

	assert.Equal(t, block.StatusCancelled, statusAtOpen)
	b, _ := f.store.Get(first)
	assert.Equal(t, 130, *b.ExitCode)
	assert.Contains(t, firstCh.Written(), "\x03")
	assert.Len(t, f.mgr.Handles(), 1)
}

func TestTerminate_GracefulCleanExitSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "npm run dev")
	ch.OnWrite = interruptExits(0)

	require.NoError(t, f.mgr.Terminate(context.Background(), id, Graceful))

	b, _ := f.store.Get(id)
	assert.Equal(t, block.StatusSucceeded, b.Status)
	assert.Equal(t, 0, ch.CloseCount())
}

func TestTerminate_GracefulEscalatesToForce(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.GracePeriod = 30 * time.Millisecond })
	id, ch := f.activate(t, "python")

	start := time.Now()
	require.NoError(t, f.mgr.Terminate(context.Background(), id, Graceful))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	b, _ := f.store.Get(id)
	assert.Equal(t, block.StatusCancelled, b.Status)
	assert.Nil(t, b.ExitCode)
	assert.Equal(t, 1, ch.CloseCount())
	assert.Equal(t, "\x03", ch.Written())
}

func TestTerminate_Force(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "htop")

	require.NoError(t, f.mgr.Terminate(context.Background(), id, Force))
	b, _ := f.store.Get(id)
	assert.Equal(t, block.StatusCancelled, b.Status)
	assert.Empty(t, ch.Written())

	assert.ErrorIs(t, f.mgr.Terminate(context.Background(), id, Force), ErrNoActiveProcess)
}

func TestActivate_BackgroundCapEvictsOldest(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxBackground = 2 })
	a, _ := f.activate(t, "tail -f a.log")
	time.Sleep(2 * time.Millisecond)
	b, _ := f.activate(t, "tail -f b.log")
	time.Sleep(2 * time.Millisecond)
	c, _ := f.activate(t, "tail -f c.log")

	blk, _ := f.store.Get(a)
	assert.Equal(t, block.StatusCancelled, blk.Status)
	assert.Contains(t, blk.OutputString(), "background process limit reached")

	for _, id := range []block.ID{b, c} {
		blk, _ := f.store.Get(id)
		assert.Equal(t, block.StatusRunning, blk.Status)
	}
}

func TestSendInput(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.mgr.SendInput(99, []byte("x")), ErrNoActiveProcess)

	id, ch := f.activate(t, "python")
	require.NoError(t, f.mgr.SendInput(id, []byte("print(1)\n")))
	require.NoError(t, f.mgr.Signal(id, transport.SignalEOF))
	assert.Equal(t, "print(1)\n\x04", ch.Written())

	ch.SetState(transport.StateDegraded)
	assert.ErrorIs(t, f.mgr.SendInput(id, []byte("x")), ErrChannelNotReady)
}

func TestFullscreen_OutputBypassesBlock(t *testing.T) {
	f := newFixture(t, nil)
	id, ch := f.activate(t, "vim notes.txt")

	ch.EmitString("\x1b[2J~\r\n")
	require.Eventually(t, func() bool {
		snap, _, detach, err := f.mgr.Attach(id)
		if err != nil {
			return false
		}
		detach()
		return len(snap) > 0
	}, 2*time.Second, 5*time.Millisecond)

	snap, stream, detach, err := f.mgr.Attach(id)
	require.NoError(t, err)
	defer detach()
	assert.Equal(t, "\x1b[2J~\r\n", string(snap))

	ch.EmitString(":wq")
	assert.Equal(t, ":wq", string(<-stream))

	ch.Finish(0)
	b := f.waitStatus(t, id, block.StatusSucceeded)
	assert.Empty(t, b.Output)

	_, ok := <-stream
	assert.False(t, ok)
}

func TestAttach_NotFullscreen(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.activate(t, "python")
	_, _, _, err := f.mgr.Attach(id)
	assert.ErrorIs(t, err, ErrNotFullscreen)
}

func TestResize(t *testing.T) {
	f := newFixture(t, nil)
	_, ch := f.activate(t, "htop")
	f.mgr.Resize(50, 120)
	assert.Equal(t, [][2]int{{50, 120}}, ch.Resizes())

	f.activate(t, "python")
	last := f.dialer.Opened()[1]
	assert.Equal(t, 50, last.Options().Rows)
	assert.Equal(t, 120, last.Options().Cols)
}

func TestActivate_DialFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.FailNext(errors.New("connect: connection refused"))

	id := f.store.Append(block.KindCommand, "python")
	_, err := f.mgr.Activate(context.Background(), id, "python", classify.Default().Classify("python"))

	var ce *transport.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, transport.KindNetworkUnreachable, ce.Kind)
	assert.Empty(t, f.mgr.Handles())
}

func TestTerminateAll(t *testing.T) {
	f := newFixture(t, nil)
	a, _ := f.activate(t, "htop")
	b, _ := f.activate(t, "tail -f x")

	f.mgr.TerminateAll(context.Background(), Force)
	assert.Empty(t, f.mgr.Handles())
	for _, id := range []block.ID{a, b} {
		blk, _ := f.store.Get(id)
		assert.True(t, blk.Status.IsTerminal())
	}
}

func TestFailAll(t *testing.T) {
	f := newFixture(t, nil)
	tail, ch := f.activate(t, "tail -f /var/log/x")
	py, _ := f.activate(t, "python")
	ch.EmitString("last line\n")

	f.mgr.FailAll(context.Background())
	assert.Empty(t, f.mgr.Handles())

	b, _ := f.store.Get(tail)
	assert.Equal(t, block.StatusFailed, b.Status)
	assert.Equal(t, "last line\n"+ConnectionLostNotice, b.OutputString())
	assert.Nil(t, b.ExitCode)

	b, _ = f.store.Get(py)
	assert.Equal(t, block.StatusFailed, b.Status)
	assert.Contains(t, b.OutputString(), "[connection lost]")
}
