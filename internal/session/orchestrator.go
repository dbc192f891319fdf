// Package session drives a terminal session: it owns the primary shell
// channel, turns submitted commands into blocks, and hands long-running
// commands to the process manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/core/validate"
	"github.com/hay-kot/pocket/internal/focus"
	"github.com/hay-kot/pocket/internal/process"
	"github.com/hay-kot/pocket/internal/transport"
)

var (
	// ErrNotConnected is returned when a command is submitted without a
	// connected session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrEmptyCommand is returned for blank submissions. No block is created.
	ErrEmptyCommand = errors.New("command is empty")
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("session is already connected")
	// ErrNotRunning is returned when cancelling a block that is not running.
	ErrNotRunning = errors.New("block is not running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session is closed")

	errCleared = errors.New("block removed by clear")
)

const (
	notConnectedNotice = "[not connected]\r\n"
	shellExitedNotice  = "\r\n[shell exited]\r\n"
	disconnectNotice   = "\r\n[disconnected]\r\n"
	undeliveredNotice  = "[input not delivered]\r\n"
)

// DefaultShellInit silences echo and prompts so the primary shell only emits
// command output.
const DefaultShellInit = "stty -echo 2>/dev/null; PS1=''; PS2=''; unset PROMPT_COMMAND 2>/dev/null"

// DefaultWelcome is the default welcome block text.
const DefaultWelcome = "# pocket\n\nType a command. Interactive programs open in their own block; `clear` wipes the history."

// Options configures an Orchestrator.
type Options struct {
	Welcome         bool
	WelcomeMessage  string
	GracePeriod     time.Duration
	MaxBackground   int
	FocusContinuous bool
	ScrollbackSize  int
	InitTimeout     time.Duration
	ShellInit       string
	Rows            int
	Cols            int
	Reconnect       ReconnectPolicy
}

// DefaultOptions returns orchestrator defaults.
func DefaultOptions() Options {
	p := process.DefaultOptions()
	return Options{
		Welcome:        true,
		WelcomeMessage: DefaultWelcome,
		GracePeriod:    p.GracePeriod,
		MaxBackground:  p.MaxBackground,
		ScrollbackSize: p.ScrollbackSize,
		InitTimeout:    2 * time.Second,
		ShellInit:      DefaultShellInit,
		Rows:           p.Rows,
		Cols:           p.Cols,
		Reconnect:      DefaultReconnectPolicy(),
	}
}

type submission struct {
	id     block.ID
	text   string
	result classify.Result
	gen    uint64
}

// Orchestrator is the entry point a presentation layer drives.
type Orchestrator struct {
	log        zerolog.Logger
	dialer     transport.Dialer
	classifier *classify.Classifier
	opts       Options

	store  *block.Store
	bus    *event.Bus
	rec    *Recorder
	procs  *process.Manager
	router *focus.Router

	ctx          context.Context
	cancel       context.CancelFunc
	submissions  chan submission
	dispatchDone chan struct{}

	// submitMu keeps dispatch order equal to block order.
	submitMu sync.Mutex

	// activateMu is held while a process is being opened so ClearScreen
	// cannot wipe its block halfway through.
	activateMu     sync.Mutex
	cancelActivate context.CancelFunc

	mu         sync.Mutex
	state      event.SessionState
	target     transport.Target
	primary    transport.Channel
	runner     *shellRunner
	gen        uint64
	cancelDial context.CancelFunc
	rows       int
	cols       int
	closed     bool
}

// New creates an orchestrator. Nothing is dialed until Connect.
func New(log zerolog.Logger, dialer transport.Dialer, classifier *classify.Classifier, opts Options) *Orchestrator {
	if classifier == nil {
		classifier = classify.Default()
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}

	log = log.With().Str("component", "session").Logger()
	store := block.NewStore(log)
	bus := event.NewBus()
	rec := NewRecorder(store, bus)

	procs := process.NewManager(log, dialer, rec, process.Options{
		GracePeriod:     opts.GracePeriod,
		MaxBackground:   opts.MaxBackground,
		FocusContinuous: opts.FocusContinuous,
		ScrollbackSize:  opts.ScrollbackSize,
		Rows:            opts.Rows,
		Cols:            opts.Cols,
	})
	router := focus.NewRouter(log, procs, bus, opts.FocusContinuous)
	procs.SetFocuser(router)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		log:          log,
		dialer:       dialer,
		classifier:   classifier,
		opts:         opts,
		store:        store,
		bus:          bus,
		rec:          rec,
		procs:        procs,
		router:       router,
		ctx:          ctx,
		cancel:       cancel,
		submissions:  make(chan submission, 256),
		dispatchDone: make(chan struct{}),
		state:        event.StateDisconnected,
		rows:         opts.Rows,
		cols:         opts.Cols,
	}
	go o.dispatch()
	return o
}

// Connect opens the primary shell on target. Transient failures are retried
// under the reconnect policy; the final failure is published once as a
// ConnectionError and returned. No blocks are created for a failed attempt.
func (o *Orchestrator) Connect(ctx context.Context, target transport.Target) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	switch o.state {
	case event.StateConnecting, event.StateConnected, event.StateDegraded:
		o.mu.Unlock()
		return ErrAlreadyConnected
	}
	o.gen++
	gen := o.gen
	dctx, cancel := context.WithCancel(ctx)
	o.cancelDial = cancel
	o.target = target
	o.setStateLocked(event.StateConnecting)
	o.mu.Unlock()
	defer cancel()

	o.log.Info().Str("target", target.String()).Msg("connecting")
	ch, runner, err := o.establish(dctx, target)

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		if ch != nil {
			runner.abort(nil, block.StatusCancelled, nil)
			_ = ch.Close()
		}
		return context.Canceled
	}
	o.cancelDial = nil

	if err != nil {
		var cerr *transport.ConnectError
		if !errors.As(err, &cerr) {
			o.setStateLocked(event.StateDisconnected)
			o.mu.Unlock()
			return err
		}
		o.setStateLocked(event.StateFailed)
		o.publishConnectError(cerr)
		o.mu.Unlock()
		o.log.Error().Err(err).Str("target", target.String()).Msg("connect failed")
		return err
	}

	o.primary = ch
	o.runner = runner
	o.procs.SetTarget(target)
	o.setStateLocked(event.StateConnected)
	welcome := o.opts.Welcome && o.store.Len() == 0
	o.mu.Unlock()

	if welcome {
		o.appendWelcome()
	}
	o.log.Info().Str("target", target.String()).Str("channel", ch.ID()).Msg("connected")

	go o.monitor(gen, ch, runner)
	return nil
}

// establish dials the primary channel and brings up its runner.
func (o *Orchestrator) establish(ctx context.Context, target transport.Target) (transport.Channel, *shellRunner, error) {
	o.mu.Lock()
	rows, cols := o.rows, o.cols
	o.mu.Unlock()

	ch, err := dialWithRetry(ctx, o.log, o.dialer, target, transport.OpenOptions{Rows: rows, Cols: cols}, o.opts.Reconnect)
	if err != nil {
		return nil, nil, err
	}

	runner := newShellRunner(o.log, ch, o.rec)
	if err := runner.start(ctx, o.opts.ShellInit, o.opts.InitTimeout); err != nil {
		runner.abort(nil, block.StatusFailed, nil)
		_ = ch.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &transport.ConnectError{Kind: transport.KindNetworkUnreachable, Err: err}
	}
	return ch, runner, nil
}

// monitor waits for the primary channel to end. A clean shell exit leaves the
// session Disconnected; a dropped connection is retried.
func (o *Orchestrator) monitor(gen uint64, ch transport.Channel, runner *shellRunner) {
	<-ch.Done()
	exit := ch.Exit()

	o.mu.Lock()
	if o.gen != gen || o.primary != ch {
		o.mu.Unlock()
		return
	}
	o.primary = nil
	o.runner = nil

	if !exit.Lost {
		o.setStateLocked(event.StateDisconnected)
		o.mu.Unlock()

		o.log.Info().Int("code", exit.Code).Msg("shell exited")
		status := block.StatusSucceeded
		if !exit.Success() {
			status = block.StatusFailed
		}
		var code *int
		if exit.Code >= 0 {
			code = block.ExitCode(exit.Code)
		}
		o.failJobs(runner.abort(nil, status, code), []byte(shellExitedNotice))
		o.procs.TerminateAll(o.ctx, process.Force)
		o.router.Release()
		return
	}

	o.setStateLocked(event.StateDegraded)
	dctx, cancel := context.WithCancel(o.ctx)
	o.cancelDial = cancel
	target := o.target
	o.mu.Unlock()
	defer cancel()

	o.log.Warn().Err(exit.Err).Str("target", target.String()).Msg("connection lost, reconnecting")
	queued := runner.abort([]byte(process.ConnectionLostNotice), block.StatusFailed, nil)

	next, nextRunner, err := o.establish(dctx, target)

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		if next != nil {
			nextRunner.abort(nil, block.StatusCancelled, nil)
			_ = next.Close()
		}
		o.cancelJobs(queued)
		return
	}
	o.cancelDial = nil

	if err != nil {
		o.setStateLocked(event.StateFailed)
		var cerr *transport.ConnectError
		if errors.As(err, &cerr) {
			o.publishConnectError(cerr)
		}
		o.mu.Unlock()

		o.log.Error().Err(err).Str("target", target.String()).Msg("reconnect failed")
		o.failJobs(queued, []byte(process.ConnectionLostNotice))
		o.procs.FailAll(o.ctx)
		return
	}

	o.primary = next
	o.runner = nextRunner
	o.setStateLocked(event.StateConnected)
	o.mu.Unlock()

	o.log.Info().Str("channel", next.ID()).Int("requeued", len(queued)).Msg("reconnected")
	nextRunner.requeue(queued)
	go o.monitor(gen, next, nextRunner)
}

// Disconnect stops every process and closes the primary shell. It is safe to
// call in any state.
func (o *Orchestrator) Disconnect(ctx context.Context) {
	o.mu.Lock()
	o.gen++
	if o.cancelDial != nil {
		o.cancelDial()
		o.cancelDial = nil
	}
	ch, runner := o.primary, o.runner
	o.primary, o.runner = nil, nil
	o.mu.Unlock()

	o.procs.TerminateAll(ctx, process.Force)
	if runner != nil {
		o.cancelJobs(runner.abort([]byte(disconnectNotice), block.StatusCancelled, nil))
	}
	if ch != nil {
		_ = ch.Close()
	}
	o.router.Release()

	o.mu.Lock()
	o.setStateLocked(event.StateDisconnected)
	o.mu.Unlock()
}

// SubmitCommand records text as a new block and schedules it. It returns as
// soon as the block exists; progress is reported through events.
func (o *Orchestrator) SubmitCommand(text string) (block.ID, error) {
	if err := validate.CommandText(text); err != nil {
		return 0, ErrEmptyCommand
	}
	text = strings.TrimSpace(text)

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrClosed
	}
	if o.state != event.StateConnected {
		o.mu.Unlock()
		return 0, ErrNotConnected
	}
	gen := o.gen
	o.mu.Unlock()

	result := o.classifier.Classify(text)
	id := o.rec.Append(block.KindCommand, text)
	o.rec.Classify(id, result)

	o.log.Debug().
		Uint64("block", uint64(id)).
		Str("mode", string(result.Mode)).
		Str("kind", result.Kind).
		Msg("command submitted")

	select {
	case o.submissions <- submission{id: id, text: text, result: result, gen: gen}:
	case <-o.ctx.Done():
		o.rec.Finalize(id, block.StatusCancelled, nil)
		return id, ErrClosed
	}
	return id, nil
}

func (o *Orchestrator) dispatch() {
	defer close(o.dispatchDone)
	for {
		select {
		case s := <-o.submissions:
			o.run(s)
		case <-o.ctx.Done():
			for {
				select {
				case s := <-o.submissions:
					o.rec.Finalize(s.id, block.StatusCancelled, nil)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) run(s submission) {
	if _, ok := o.store.Get(s.id); !ok {
		return
	}

	// any new command replaces the interactive process holding the input
	o.procs.TerminateMode(o.ctx, classify.ModeInline, process.Graceful)

	o.mu.Lock()
	runner := o.runner
	stale := o.gen != s.gen
	o.mu.Unlock()

	if stale {
		o.rec.AppendOutput(s.id, []byte(notConnectedNotice))
		o.rec.Finalize(s.id, block.StatusFailed, nil)
		return
	}

	if !s.result.Mode.NeedsProcess() {
		if runner == nil {
			o.rec.AppendOutput(s.id, []byte(notConnectedNotice))
			o.rec.Finalize(s.id, block.StatusFailed, nil)
			return
		}
		runner.enqueue(s.id, s.text)
		return
	}

	h, err := o.activate(s)
	if err != nil {
		if errors.Is(err, errCleared) {
			return
		}
		o.log.Warn().Err(err).Uint64("block", uint64(s.id)).Msg("activate failed")
		o.rec.AppendOutput(s.id, fmt.Appendf(nil, "[failed to start: %v]\r\n", err))
		o.rec.Finalize(s.id, block.StatusFailed, nil)

		var cerr *transport.ConnectError
		if errors.As(err, &cerr) {
			o.publishConnectError(cerr)
		}
		return
	}

	o.mu.Lock()
	stale = o.gen != s.gen
	o.mu.Unlock()
	if stale {
		_ = o.procs.Terminate(o.ctx, s.id, process.Force)
		return
	}

	if s.result.Mode == classify.ModeFullscreen {
		o.bus.Publish(event.FullscreenHandoffRequested{
			BlockID:   s.id,
			Command:   s.text,
			ChannelID: h.ChannelID,
		})
	}
}

// activate opens the process for s. A ClearScreen arriving while the channel
// is being dialed aborts the dial; one arriving after it waits until the
// handle is registered and then stops it.
func (o *Orchestrator) activate(s submission) (process.Handle, error) {
	actx, cancel := context.WithCancel(o.ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelActivate = cancel
	o.mu.Unlock()

	o.activateMu.Lock()
	defer o.activateMu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cancelActivate = nil
		o.mu.Unlock()
	}()

	h, err := o.procs.Activate(actx, s.id, s.text, s.result)
	if err != nil {
		if actx.Err() != nil && o.ctx.Err() == nil {
			return h, errCleared
		}
		return h, err
	}
	if _, ok := o.store.Get(s.id); !ok {
		_ = o.procs.Terminate(o.ctx, s.id, process.Force)
		return h, errCleared
	}
	return h, nil
}

// ClearScreen stops every process, interrupts the running one-shot, and
// removes all blocks. It returns the number of blocks removed.
func (o *Orchestrator) ClearScreen(ctx context.Context) int {
	o.mu.Lock()
	if o.cancelActivate != nil {
		o.cancelActivate()
	}
	o.mu.Unlock()

	o.activateMu.Lock()
	defer o.activateMu.Unlock()

	o.procs.TerminateAll(ctx, process.Graceful)

	o.mu.Lock()
	runner := o.runner
	o.mu.Unlock()
	if runner != nil {
		runner.cancelAll()
	}

	n := o.rec.ClearAll()
	o.router.Release()
	if o.opts.Welcome {
		o.appendWelcome()
	}
	o.log.Debug().Int("removed", n).Msg("screen cleared")
	return n
}

// Cancel stops the command behind id, whether it runs on the primary shell or
// in its own process.
func (o *Orchestrator) Cancel(ctx context.Context, id block.ID) error {
	if _, ok := o.procs.Handle(id); ok {
		return o.procs.Terminate(ctx, id, process.Graceful)
	}

	o.mu.Lock()
	runner := o.runner
	o.mu.Unlock()
	if runner != nil && runner.cancel(id) {
		return nil
	}
	return ErrNotRunning
}

// Resize records the terminal geometry and forwards it to the primary shell
// and every process.
func (o *Orchestrator) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	o.mu.Lock()
	o.rows, o.cols = rows, cols
	ch := o.primary
	o.mu.Unlock()

	o.procs.Resize(rows, cols)
	if ch != nil {
		if err := ch.Resize(rows, cols); err != nil {
			return fmt.Errorf("resize primary: %w", err)
		}
	}
	return nil
}

// FocusBlock moves input focus to the process bound to id.
func (o *Orchestrator) FocusBlock(id block.ID) error {
	return o.router.FocusBlock(id)
}

// ReleaseFocus returns input focus to the main input.
func (o *Orchestrator) ReleaseFocus() {
	o.router.Release()
}

// SendInput routes raw keystrokes to the focused process. It reports whether
// the input was consumed by a process; when it was not, the caller treats it
// as main-input composition. Delivery failures are recorded on the block.
func (o *Orchestrator) SendInput(data []byte) (bool, error) {
	target, routed, err := o.router.RouteInput(data)
	if err != nil {
		o.log.Warn().Err(err).Uint64("block", uint64(target.BlockID)).Msg("input not delivered")
		o.rec.AppendOutput(target.BlockID, []byte(undeliveredNotice))
		return routed, err
	}
	return routed, nil
}

// SendSignal delivers a control signal through the focus router.
func (o *Orchestrator) SendSignal(sig transport.Signal) (focus.SignalResult, error) {
	target, res, err := o.router.RouteSignal(sig)
	if err != nil && !target.IsMain() {
		o.log.Warn().Err(err).Uint64("block", uint64(target.BlockID)).Msg("signal not delivered")
		o.rec.AppendOutput(target.BlockID, []byte(undeliveredNotice))
	}
	return res, err
}

// AttachFullscreen connects a viewer to a fullscreen process.
func (o *Orchestrator) AttachFullscreen(id block.ID) ([]byte, <-chan []byte, func(), error) {
	return o.procs.Attach(id)
}

// SendFullscreenInput writes keystrokes to a fullscreen process directly,
// bypassing focus.
func (o *Orchestrator) SendFullscreenInput(id block.ID, data []byte) error {
	h, ok := o.procs.Handle(id)
	if !ok {
		return process.ErrNoActiveProcess
	}
	if h.Mode != classify.ModeFullscreen {
		return process.ErrNotFullscreen
	}
	return o.procs.SendInput(id, data)
}

// Terminate stops the process bound to id.
func (o *Orchestrator) Terminate(ctx context.Context, id block.ID, sig process.TerminateSignal) error {
	return o.procs.Terminate(ctx, id, sig)
}

// Wait blocks until the process bound to id has ended.
func (o *Orchestrator) Wait(ctx context.Context, id block.ID) error {
	return o.procs.Wait(ctx, id)
}

// Events subscribes to session events. Call the returned func to stop.
func (o *Orchestrator) Events() (<-chan event.Event, func()) {
	return o.bus.Subscribe()
}

// Snapshot returns copies of all blocks in order.
func (o *Orchestrator) Snapshot() []block.Block {
	return o.store.Snapshot()
}

// Block returns a copy of one block.
func (o *Orchestrator) Block(id block.ID) (block.Block, bool) {
	return o.store.Get(id)
}

// State returns the session state.
func (o *Orchestrator) State() event.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Target returns the last target passed to Connect.
func (o *Orchestrator) Target() transport.Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target
}

// Focus returns the current focus target.
func (o *Orchestrator) Focus() focus.Target {
	return o.router.Current()
}

// Handles returns the active processes.
func (o *Orchestrator) Handles() []process.Handle {
	return o.procs.Handles()
}

// Classify returns the classification a command would receive.
func (o *Orchestrator) Classify(text string) classify.Result {
	return o.classifier.Classify(text)
}

// Close disconnects and releases the event bus. The orchestrator cannot be
// reused.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.Disconnect(ctx)
	o.cancel()

	select {
	case <-o.dispatchDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.bus.Close()
	return nil
}

func (o *Orchestrator) appendWelcome() {
	id := o.rec.Append(block.KindWelcome, "")
	if o.opts.WelcomeMessage != "" {
		o.rec.AppendOutput(id, []byte(o.opts.WelcomeMessage))
	}
	o.rec.Finalize(id, block.StatusSucceeded, nil)
}

// setStateLocked changes the session state and publishes the change. Callers
// hold o.mu.
func (o *Orchestrator) setStateLocked(s event.SessionState) {
	if o.state == s {
		return
	}
	o.log.Debug().Str("from", string(o.state)).Str("to", string(s)).Msg("session state")
	o.state = s
	o.bus.Publish(event.SessionStateChanged{State: s, Target: o.target.String()})
}

func (o *Orchestrator) publishConnectError(err *transport.ConnectError) {
	o.bus.Publish(event.ConnectionError{
		Kind:      err.Kind,
		Message:   err.Error(),
		Retryable: err.Retryable(),
	})
}

func (o *Orchestrator) failJobs(jobs []*job, notice []byte) {
	for _, j := range jobs {
		o.rec.AppendOutput(j.id, notice)
		o.rec.Finalize(j.id, block.StatusFailed, nil)
	}
}

func (o *Orchestrator) cancelJobs(jobs []*job) {
	for _, j := range jobs {
		o.rec.Finalize(j.id, block.StatusCancelled, nil)
	}
}
