// Package process owns the channels opened for interactive and long-running
// commands. Each active process is bound to exactly one block; the binding is
// released only after the block has been finalized.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/transport"
)

var (
	// ErrNotEligible is returned when activating a one-shot command.
	ErrNotEligible = errors.New("command does not need a dedicated process")
	// ErrNoActiveProcess is returned when no handle is bound to the block.
	ErrNoActiveProcess = errors.New("no active process for block")
	// ErrChannelNotReady is returned when input cannot be delivered.
	ErrChannelNotReady = errors.New("process channel not ready")
	// ErrAlreadyActive is returned when a block already has a handle.
	ErrAlreadyActive = errors.New("block already has an active process")
	// ErrNotFullscreen is returned when attaching to a non-fullscreen process.
	ErrNotFullscreen = errors.New("process is not fullscreen")
)

// TerminateSignal selects how a process is stopped.
type TerminateSignal string

const (
	// Graceful sends an interrupt, then forces after the grace period.
	Graceful TerminateSignal = "graceful"
	// Force closes the channel immediately.
	Force TerminateSignal = "force"
)

// EvictionNotice is appended to a continuous block stopped to make room.
const EvictionNotice = "terminated: background process limit reached\n"

// ConnectionLostNotice is appended to a block whose transport dropped.
const ConnectionLostNotice = "\r\n[connection lost]\r\n"

// Handle describes a running process.
type Handle struct {
	BlockID   block.ID        `json:"block_id"`
	ChannelID string          `json:"channel_id"`
	Command   string          `json:"command"`
	Mode      classify.Mode   `json:"mode"`
	Kind      string          `json:"kind"`
	State     transport.State `json:"state"`
	StartedAt time.Time       `json:"started_at"`
}

// BlockWriter receives the block lifecycle updates for active processes.
type BlockWriter interface {
	Start(id block.ID, channelID string) bool
	AppendOutput(id block.ID, chunk []byte) bool
	Finalize(id block.ID, status block.Status, exitCode *int) bool
}

// Focuser is told when a process should take or lose input focus.
type Focuser interface {
	Focus(id block.ID) bool
	ProcessEnded(id block.ID)
}

// Options tunes the manager.
type Options struct {
	GracePeriod     time.Duration
	MaxBackground   int
	FocusContinuous bool
	ScrollbackSize  int
	Rows            int
	Cols            int
}

// DefaultOptions returns manager defaults.
func DefaultOptions() Options {
	return Options{
		GracePeriod:    3 * time.Second,
		MaxBackground:  4,
		ScrollbackSize: 256 * 1024,
		Rows:           24,
		Cols:           80,
	}
}

type entry struct {
	handle      Handle
	ch          transport.Channel
	relay       *relay
	done        chan struct{}
	mu          sync.Mutex
	terminating bool
	lost        bool
}

func (e *entry) markTerminating() {
	e.mu.Lock()
	e.terminating = true
	e.mu.Unlock()
}

func (e *entry) markLost() {
	e.mu.Lock()
	e.lost = true
	e.mu.Unlock()
}

func (e *entry) isLost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

func (e *entry) isTerminating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminating
}

// Manager activates and tracks processes.
type Manager struct {
	log    zerolog.Logger
	dialer transport.Dialer
	blocks BlockWriter
	opts   Options

	// activateMu serializes activation so prior inline processes are gone
	// before a new one opens.
	activateMu sync.Mutex

	mu      sync.RWMutex
	target  transport.Target
	focus   Focuser
	entries map[block.ID]*entry
	rows    int
	cols    int
}

// NewManager creates a process manager.
func NewManager(log zerolog.Logger, dialer transport.Dialer, blocks BlockWriter, opts Options) *Manager {
	return &Manager{
		log:     log.With().Str("component", "process").Logger(),
		dialer:  dialer,
		blocks:  blocks,
		opts:    opts,
		entries: make(map[block.ID]*entry),
		rows:    opts.Rows,
		cols:    opts.Cols,
	}
}

// SetFocuser wires the focus router.
func (m *Manager) SetFocuser(f Focuser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focus = f
}

// SetTarget sets where new processes are opened.
func (m *Manager) SetTarget(t transport.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = t
}

// Activate opens a dedicated channel running command and binds it to the
// block. The block moves to Running; its output and final status flow back
// through the BlockWriter.
func (m *Manager) Activate(ctx context.Context, id block.ID, command string, result classify.Result) (Handle, error) {
	if !result.Mode.NeedsProcess() {
		return Handle{}, ErrNotEligible
	}

	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	if _, ok := m.lookup(id); ok {
		return Handle{}, ErrAlreadyActive
	}

	switch result.Mode {
	case classify.ModeInline:
		m.TerminateMode(ctx, classify.ModeInline, Graceful)
	case classify.ModeContinuous:
		m.evictBackground(ctx)
	}

	m.mu.RLock()
	target, rows, cols := m.target, m.rows, m.cols
	m.mu.RUnlock()

	ch, err := m.dialer.Open(ctx, target, transport.OpenOptions{Command: command, Rows: rows, Cols: cols})
	if err != nil {
		return Handle{}, fmt.Errorf("open process channel: %w", transport.ClassifyDialError(err))
	}

	e := &entry{
		handle: Handle{
			BlockID:   id,
			ChannelID: ch.ID(),
			Command:   command,
			Mode:      result.Mode,
			Kind:      result.Kind,
			StartedAt: time.Now(),
		},
		ch:   ch,
		done: make(chan struct{}),
	}
	if result.Mode == classify.ModeFullscreen {
		e.relay = newRelay(m.opts.ScrollbackSize)
	}

	m.mu.Lock()
	m.entries[id] = e
	focus := m.focus
	m.mu.Unlock()

	m.blocks.Start(id, ch.ID())
	go m.pump(e)

	m.log.Info().
		Uint64("block", uint64(id)).
		Str("mode", string(result.Mode)).
		Str("kind", result.Kind).
		Str("channel", ch.ID()).
		Msg("process activated")

	if focus != nil {
		if result.Mode == classify.ModeInline || (result.Mode == classify.ModeContinuous && m.opts.FocusContinuous) {
			focus.Focus(id)
		}
	}

	return e.snapshot(), nil
}

func (e *entry) snapshot() Handle {
	h := e.handle
	h.State = e.ch.State()
	return h
}

// pump moves output to the block (or the fullscreen relay) and finalizes the
// block when the channel ends.
func (m *Manager) pump(e *entry) {
	id := e.handle.BlockID
	for chunk := range e.ch.Output() {
		if e.relay != nil {
			e.relay.write(chunk)
			continue
		}
		m.blocks.AppendOutput(id, chunk)
	}
	<-e.ch.Done()
	if e.relay != nil {
		e.relay.close()
	}

	exit := e.ch.Exit()
	lost := exit.Lost || e.isLost()
	status, code := m.outcome(e, exit)
	if lost {
		m.blocks.AppendOutput(id, []byte(ConnectionLostNotice))
	}
	m.blocks.Finalize(id, status, code)

	m.mu.Lock()
	delete(m.entries, id)
	focus := m.focus
	m.mu.Unlock()

	if focus != nil {
		focus.ProcessEnded(id)
	}

	m.log.Info().
		Uint64("block", uint64(id)).
		Str("status", string(status)).
		Int("code", exit.Code).
		Bool("lost", lost).
		Msg("process ended")

	close(e.done)
}

func (m *Manager) outcome(e *entry, exit transport.Exit) (block.Status, *int) {
	switch {
	case exit.Lost || e.isLost():
		return block.StatusFailed, nil
	case e.isTerminating():
		if exit.Success() {
			return block.StatusSucceeded, block.ExitCode(0)
		}
		if exit.Code >= 0 && exit.Signal == "" {
			return block.StatusCancelled, block.ExitCode(exit.Code)
		}
		return block.StatusCancelled, nil
	case exit.Success():
		return block.StatusSucceeded, block.ExitCode(0)
	case exit.Code >= 0:
		return block.StatusFailed, block.ExitCode(exit.Code)
	default:
		return block.StatusFailed, nil
	}
}

// evictBackground stops the oldest continuous process once the cap is reached.
func (m *Manager) evictBackground(ctx context.Context) {
	if m.opts.MaxBackground <= 0 {
		return
	}

	for {
		var oldest *entry
		count := 0

		m.mu.RLock()
		for _, e := range m.entries {
			if e.handle.Mode != classify.ModeContinuous || e.isTerminating() {
				continue
			}
			count++
			if oldest == nil || e.handle.StartedAt.Before(oldest.handle.StartedAt) ||
				(e.handle.StartedAt.Equal(oldest.handle.StartedAt) && e.handle.BlockID < oldest.handle.BlockID) {
				oldest = e
			}
		}
		m.mu.RUnlock()

		if count < m.opts.MaxBackground || oldest == nil {
			return
		}

		m.log.Info().Uint64("block", uint64(oldest.handle.BlockID)).Msg("evicting background process")
		m.blocks.AppendOutput(oldest.handle.BlockID, []byte(EvictionNotice))
		_ = m.Terminate(ctx, oldest.handle.BlockID, Force)
	}
}

// Terminate stops the process bound to id and waits until its block has been
// finalized.
func (m *Manager) Terminate(ctx context.Context, id block.ID, sig TerminateSignal) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrNoActiveProcess
	}
	e.markTerminating()

	if sig == Graceful && m.opts.GracePeriod > 0 {
		_ = e.ch.Write(transport.SignalInterrupt.Bytes())

		timer := time.NewTimer(m.opts.GracePeriod)
		defer timer.Stop()

		select {
		case <-e.done:
			return nil
		case <-timer.C:
			m.log.Debug().Uint64("block", uint64(id)).Msg("grace period elapsed, forcing")
		case <-ctx.Done():
		}
	}

	_ = e.ch.Close()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TerminateMode stops every process of the given mode concurrently.
func (m *Manager) TerminateMode(ctx context.Context, mode classify.Mode, sig TerminateSignal) {
	m.terminateWhere(ctx, sig, func(h Handle) bool { return h.Mode == mode })
}

// TerminateAll stops every process concurrently and waits for them.
func (m *Manager) TerminateAll(ctx context.Context, sig TerminateSignal) {
	m.terminateWhere(ctx, sig, func(Handle) bool { return true })
}

func (m *Manager) terminateWhere(ctx context.Context, sig TerminateSignal, match func(Handle) bool) {
	var ids []block.ID
	m.mu.RLock()
	for id, e := range m.entries {
		if match(e.handle) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id block.ID) {
			defer wg.Done()
			if err := m.Terminate(ctx, id, sig); err != nil && !errors.Is(err, ErrNoActiveProcess) {
				m.log.Warn().Err(err).Uint64("block", uint64(id)).Msg("terminate failed")
			}
		}(id)
	}
	wg.Wait()
}

// FailAll closes every process after the session's transport is gone for
// good. Each block gets the connection-lost notice and ends Failed.
func (m *Manager) FailAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.markLost()
		e.markTerminating()
		_ = e.ch.Close()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}

// SendInput writes raw bytes to the process bound to id.
func (m *Manager) SendInput(id block.ID, data []byte) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrNoActiveProcess
	}
	if err := e.ch.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelNotReady, err)
	}
	return nil
}

// Signal delivers a control signal to the process bound to id.
func (m *Manager) Signal(id block.ID, sig transport.Signal) error {
	b := sig.Bytes()
	if b == nil {
		return fmt.Errorf("unknown signal %q", sig)
	}
	return m.SendInput(id, b)
}

// Resize records the terminal geometry and forwards it to every process.
func (m *Manager) Resize(rows, cols int) {
	m.mu.Lock()
	m.rows, m.cols = rows, cols
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.ch.Resize(rows, cols); err != nil {
			m.log.Debug().Err(err).Uint64("block", uint64(e.handle.BlockID)).Msg("resize failed")
		}
	}
}

// Attach connects a viewer to a fullscreen process. It returns the recent
// screen output, a live stream closed when the process ends, and a detach func.
func (m *Manager) Attach(id block.ID) ([]byte, <-chan []byte, func(), error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, nil, nil, ErrNoActiveProcess
	}
	if e.relay == nil {
		return nil, nil, nil, ErrNotFullscreen
	}
	snap, stream, detach := e.relay.attach()
	return snap, stream, detach, nil
}

// Handle returns the handle bound to id.
func (m *Manager) Handle(id block.ID) (Handle, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return Handle{}, false
	}
	return e.snapshot(), true
}

// Handles returns all active handles.
func (m *Manager) Handles() []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handle, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Wait blocks until the process bound to id has ended and its block is final.
func (m *Manager) Wait(ctx context.Context, id block.ID) error {
	e, ok := m.lookup(id)
	if !ok {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id block.ID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}
