// Package focus decides where user keystrokes and control signals go: the
// main command input or the process bound to a focused block.
package focus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/process"
	"github.com/hay-kot/pocket/internal/transport"
)

// Target is the current input destination.
type Target = event.FocusTarget

// ErrNotFocusable is returned when a block cannot take focus.
var ErrNotFocusable = errors.New("block cannot take focus")

// Processes is the subset of the process manager the router needs.
type Processes interface {
	Handle(id block.ID) (process.Handle, bool)
	SendInput(id block.ID, data []byte) error
}

// Publisher receives focus change notifications.
type Publisher interface {
	Publish(e event.Event)
}

// SignalResult reports what a routed control signal did.
type SignalResult struct {
	// Delivered is set when the signal reached a process.
	Delivered bool
	// ClearedInput is set when an interrupt cancelled main-input composition.
	ClearedInput bool
}

// Router holds the single focus target. Changes are atomic and each one is
// published with both the previous and the new target.
type Router struct {
	log             zerolog.Logger
	procs           Processes
	pub             Publisher
	allowContinuous bool

	mu     sync.Mutex
	target Target
}

// NewRouter creates a router focused on the main input. When allowContinuous
// is set, continuous-output blocks may take focus too.
func NewRouter(log zerolog.Logger, procs Processes, pub Publisher, allowContinuous bool) *Router {
	return &Router{
		log:             log.With().Str("component", "focus").Logger(),
		procs:           procs,
		pub:             pub,
		allowContinuous: allowContinuous,
	}
}

// Current returns the focus target.
func (r *Router) Current() Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Focus moves focus to a block with an active interactive process. It
// reports whether focus moved.
func (r *Router) Focus(id block.ID) bool {
	return r.FocusBlock(id) == nil
}

// FocusBlock moves focus to id. The process check and the change happen under
// one lock so a process ending concurrently cannot leave focus stranded.
func (r *Router) FocusBlock(id block.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.procs.Handle(id)
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFocusable, process.ErrNoActiveProcess)
	}
	if !r.focusable(h.Mode) {
		return fmt.Errorf("%w: %s processes do not take input", ErrNotFocusable, h.Mode)
	}

	r.set(Target{BlockID: id})
	return nil
}

func (r *Router) focusable(mode classify.Mode) bool {
	switch mode {
	case classify.ModeInline, classify.ModeFullscreen:
		return true
	case classify.ModeContinuous:
		return r.allowContinuous
	default:
		return false
	}
}

// Release returns focus to the main input.
func (r *Router) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set(event.MainInput)
}

// ProcessEnded releases focus if it was on id.
func (r *Router) ProcessEnded(id block.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target.BlockID == id {
		r.set(event.MainInput)
	}
}

// set changes the target and publishes. Callers hold r.mu.
func (r *Router) set(t Target) {
	if r.target == t {
		return
	}
	prev := r.target
	r.target = t
	r.log.Debug().Uint64("from", uint64(prev.BlockID)).Uint64("to", uint64(t.BlockID)).Msg("focus changed")
	if r.pub != nil {
		r.pub.Publish(event.FocusChanged{Previous: prev, Target: t})
	}
}

// RouteInput delivers raw keystrokes to the focused process. When the main
// input has focus it returns routed=false and the caller handles the bytes
// locally. A failed delivery returns the focused block and the error so the
// caller can surface it; input is never silently dropped.
func (r *Router) RouteInput(data []byte) (target Target, routed bool, err error) {
	t := r.Current()
	if t.IsMain() {
		return t, false, nil
	}
	if err := r.procs.SendInput(t.BlockID, data); err != nil {
		r.log.Warn().Err(err).Uint64("block", uint64(t.BlockID)).Msg("input not delivered")
		return t, true, err
	}
	return t, true, nil
}

// RouteSignal delivers a control signal to the focused process. On the main
// input an interrupt cancels the line being composed and other signals are
// ignored.
func (r *Router) RouteSignal(sig transport.Signal) (Target, SignalResult, error) {
	t := r.Current()
	if t.IsMain() {
		if sig == transport.SignalInterrupt {
			if r.pub != nil {
				r.pub.Publish(event.InputCompositionCancelled{})
			}
			return t, SignalResult{ClearedInput: true}, nil
		}
		return t, SignalResult{}, nil
	}

	if err := r.procs.SendInput(t.BlockID, sig.Bytes()); err != nil {
		return t, SignalResult{}, err
	}
	return t, SignalResult{Delivered: true}, nil
}
