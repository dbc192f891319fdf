package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// MemoryChannel is an in-process Channel for tests and demos. Output is
// produced with Emit and the process is ended with Finish or Drop.
type MemoryChannel struct {
	*baseChannel

	// OnWrite is called with every successful Write, after it is recorded.
	OnWrite func(ch *MemoryChannel, p []byte)
	// OnClose is called when Close is invoked, before the channel ends. It
	// may call Finish to report how the process reacted.
	OnClose func(ch *MemoryChannel)

	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]int
	closeN  int
	opts    OpenOptions

	emitMu sync.Mutex
	ended  bool
}

// NewMemoryChannel returns a Ready in-memory channel.
func NewMemoryChannel(mode Mode) *MemoryChannel {
	ch := &MemoryChannel{baseChannel: newBaseChannel(mode, 1024)}
	ch.setState(StateReady)
	return ch
}

// Options returns the options the channel was opened with.
func (m *MemoryChannel) Options() OpenOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Write records p.
func (m *MemoryChannel) Write(p []byte) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.mu.Lock()
	m.writes = append(m.writes, bytes.Clone(p))
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(m, p)
	}
	return nil
}

// Writes returns every chunk written so far.
func (m *MemoryChannel) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// Written returns all writes concatenated.
func (m *MemoryChannel) Written() string {
	return string(bytes.Join(m.Writes(), nil))
}

// Resize records the new geometry.
func (m *MemoryChannel) Resize(rows, cols int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizes = append(m.resizes, [2]int{rows, cols})
	return nil
}

// Resizes returns recorded geometry changes.
func (m *MemoryChannel) Resizes() [][2]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]int, len(m.resizes))
	copy(out, m.resizes)
	return out
}

// CloseCount returns how many times Close was called.
func (m *MemoryChannel) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeN
}

// SetState forces a state, e.g. to simulate a degraded link.
func (m *MemoryChannel) SetState(s State) {
	m.setState(s)
}

// Emit delivers output. It returns false once the channel is ending.
func (m *MemoryChannel) Emit(p []byte) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.ended {
		return false
	}
	return m.emit(bytes.Clone(p))
}

// EmitString is Emit for strings.
func (m *MemoryChannel) EmitString(s string) bool {
	return m.Emit([]byte(s))
}

// Finish ends the process with code. Later calls are ignored.
func (m *MemoryChannel) Finish(code int) {
	m.end(Exit{Code: code})
}

// FinishSignal ends the process as killed by sig.
func (m *MemoryChannel) FinishSignal(sig string) {
	m.end(Exit{Code: -1, Signal: sig})
}

// Drop simulates the transport disappearing under the process.
func (m *MemoryChannel) Drop() {
	m.end(Exit{Code: -1, Lost: true, Err: errors.New("connection reset")})
}

func (m *MemoryChannel) end(exit Exit) {
	m.stopOutput()

	m.emitMu.Lock()
	if m.ended {
		m.emitMu.Unlock()
		return
	}
	m.ended = true
	close(m.out)
	m.emitMu.Unlock()

	m.finish(exit)
}

// Close ends the channel as if the process was killed.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	m.closeN++
	hook := m.OnClose
	m.mu.Unlock()

	if !m.beginClose() {
		<-m.done
		return nil
	}
	if hook != nil {
		hook(m)
	}
	m.end(Exit{Code: -1, Signal: "KILL"})
	return nil
}

// MemoryDialer hands out MemoryChannels.
type MemoryDialer struct {
	// Handler customizes each opened channel. It may return an error to
	// simulate a failed dial.
	Handler func(ctx context.Context, target Target, opts OpenOptions) (*MemoryChannel, error)

	mu     sync.Mutex
	opened []*MemoryChannel
	errs   []error
	dials  int
}

// FailNext queues errors returned by the next dials, in order.
func (d *MemoryDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Open implements Dialer.
func (d *MemoryDialer) Open(ctx context.Context, target Target, opts OpenOptions) (Channel, error) {
	d.mu.Lock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	handler := d.Handler
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, ClassifyDialError(err)
	}

	var (
		ch  *MemoryChannel
		err error
	)
	if handler != nil {
		ch, err = handler(ctx, target, opts)
		if err != nil {
			return nil, err
		}
	} else {
		ch = NewMemoryChannel(target.Mode)
	}
	ch.mu.Lock()
	ch.opts = opts
	ch.mu.Unlock()

	d.mu.Lock()
	d.opened = append(d.opened, ch)
	d.mu.Unlock()
	return ch, nil
}

// Opened returns channels opened so far in order.
func (d *MemoryDialer) Opened() []*MemoryChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MemoryChannel, len(d.opened))
	copy(out, d.opened)
	return out
}

// Dials returns the number of Open calls, including failed ones.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
