package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/transport"
	"github.com/hay-kot/pocket/pkg/randid"
)

const tokenLength = 12

type job struct {
	id        block.ID
	command   string
	token     string
	cancelled bool
}

// shellRunner executes one-shot commands one at a time on the primary shell.
// Each command is followed by a marker line; output up to the marker belongs
// to the command and the marker carries its exit status.
type shellRunner struct {
	log zerolog.Logger
	ch  transport.Channel
	rec *Recorder

	wake     chan struct{}
	stopCh   chan struct{}
	readyCh  chan struct{}
	readDone chan struct{}

	mu        sync.Mutex
	queue     []*job
	current   *job
	ready     bool
	initToken string
	stopped   bool
	scanner   markerScanner

	stopOnce  sync.Once
	readyOnce sync.Once
}

func newShellRunner(log zerolog.Logger, ch transport.Channel, rec *Recorder) *shellRunner {
	return &shellRunner{
		log:       log.With().Str("component", "runner").Str("channel", ch.ID()).Logger(),
		ch:        ch,
		rec:       rec,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		readyCh:   make(chan struct{}),
		readDone:  make(chan struct{}),
		initToken: randid.Generate(tokenLength),
	}
}

// start sends the init preamble and waits until the shell acknowledges it or
// the timeout passes. Output before the acknowledgement is discarded.
func (r *shellRunner) start(ctx context.Context, shellInit string, timeout time.Duration) error {
	go r.readLoop()
	go r.writeLoop()

	preamble := markerCommand(r.initToken, "0") + "\n"
	if shellInit != "" {
		preamble = shellInit + "\n" + preamble
	}
	if err := r.ch.Write([]byte(preamble)); err != nil {
		return fmt.Errorf("write shell preamble: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.readyCh:
		return nil
	case <-timer.C:
		r.log.Warn().Dur("timeout", timeout).Msg("shell did not acknowledge init, continuing")
		r.markReady()
		return nil
	case <-r.readDone:
		return fmt.Errorf("shell exited during init")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *shellRunner) markReady() {
	r.readyOnce.Do(func() {
		r.mu.Lock()
		r.ready = true
		r.mu.Unlock()
		close(r.readyCh)
		r.signal()
	})
}

func (r *shellRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *shellRunner) enqueue(id block.ID, command string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.rec.AppendOutput(id, []byte("[not connected]\r\n"))
		r.rec.Finalize(id, block.StatusFailed, nil)
		return
	}
	r.queue = append(r.queue, &job{id: id, command: command, token: randid.Generate(tokenLength)})
	r.mu.Unlock()
	r.signal()
}

func (r *shellRunner) requeue(jobs []*job) {
	r.mu.Lock()
	r.queue = append(jobs, r.queue...)
	r.mu.Unlock()
	r.signal()
}

func (r *shellRunner) writeLoop() {
	for {
		select {
		case <-r.wake:
		case <-r.stopCh:
			return
		}

		for {
			r.mu.Lock()
			if r.stopped || !r.ready || r.current != nil || len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			j := r.queue[0]
			r.queue = r.queue[1:]
			r.current = j
			r.rec.Start(j.id, r.ch.ID())
			r.mu.Unlock()

			line := oneShotLine(j.command, j.token)
			if err := r.ch.Write([]byte(line)); err != nil {
				r.log.Warn().Err(err).Uint64("block", uint64(j.id)).Msg("write command failed")
				r.mu.Lock()
				if r.current == j {
					r.current = nil
				}
				r.mu.Unlock()
				r.rec.AppendOutput(j.id, []byte(fmt.Sprintf("[failed to send command: %v]\r\n", err)))
				r.rec.Finalize(j.id, block.StatusFailed, nil)
				continue
			}
			r.log.Debug().Uint64("block", uint64(j.id)).Msg("command sent")
		}
	}
}

func (r *shellRunner) readLoop() {
	defer close(r.readDone)

	for chunk := range r.ch.Output() {
		r.mu.Lock()
		segs := r.scanner.feed(chunk)
		r.mu.Unlock()
		r.handle(segs)
	}

	r.mu.Lock()
	rest := r.scanner.flush()
	r.mu.Unlock()
	if len(rest) > 0 {
		r.handle([]segment{{data: rest}})
	}
}

func (r *shellRunner) handle(segs []segment) {
	finished := false

	r.mu.Lock()
	for _, s := range segs {
		if s.marker == nil {
			if r.ready && r.current != nil {
				r.rec.AppendOutput(r.current.id, s.data)
			}
			continue
		}

		if s.marker.token == r.initToken {
			r.mu.Unlock()
			r.markReady()
			r.mu.Lock()
			continue
		}

		j := r.current
		if j == nil || s.marker.token != j.token {
			continue
		}
		r.current = nil
		finished = true
		r.finalize(j, s.marker.code)
	}
	r.mu.Unlock()

	if finished {
		r.signal()
	}
}

// finalize sets the final status of a finished job. Callers hold r.mu.
func (r *shellRunner) finalize(j *job, code int) {
	status := block.StatusSucceeded
	switch {
	case j.cancelled:
		status = block.StatusCancelled
	case code != 0:
		status = block.StatusFailed
	}
	r.rec.Finalize(j.id, status, block.ExitCode(code))
}

// cancel interrupts the running command or drops a queued one. It reports
// whether id belonged to this runner.
func (r *shellRunner) cancel(id block.ID) bool {
	r.mu.Lock()
	if j := r.current; j != nil && j.id == id {
		j.cancelled = true
		r.mu.Unlock()
		r.interrupt(j)
		return true
	}
	for i, j := range r.queue {
		if j.id == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.mu.Unlock()
			r.rec.Finalize(id, block.StatusCancelled, nil)
			return true
		}
	}
	r.mu.Unlock()
	return false
}

// interrupt sends ^C and a replacement marker reporting 130, since the
// original marker line may be discarded along with pending input.
func (r *shellRunner) interrupt(j *job) {
	line := append(transport.SignalInterrupt.Bytes(), []byte(markerCommand(j.token, "130")+"\n")...)
	if err := r.ch.Write(line); err != nil {
		r.log.Warn().Err(err).Uint64("block", uint64(j.id)).Msg("interrupt failed")
	}
}

// cancelAll interrupts the running command and cancels everything queued.
func (r *shellRunner) cancelAll() {
	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	cur := r.current
	if cur != nil {
		cur.cancelled = true
	}
	r.mu.Unlock()

	if cur != nil {
		r.interrupt(cur)
	}
	for _, j := range queued {
		r.rec.Finalize(j.id, block.StatusCancelled, nil)
	}
}

// abort stops the runner. The running command, if any, gets notice appended
// and is finalized with status and code. Queued commands are returned
// unfinalized.
func (r *shellRunner) abort(notice []byte, status block.Status, code *int) []*job {
	r.mu.Lock()
	r.stopped = true
	cur := r.current
	r.current = nil
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })

	if cur != nil {
		if len(notice) > 0 {
			r.rec.AppendOutput(cur.id, notice)
		}
		r.rec.Finalize(cur.id, status, code)
	}
	return queued
}

// pending returns the IDs of running and queued commands.
func (r *shellRunner) pending() []block.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []block.ID
	if r.current != nil {
		ids = append(ids, r.current.id)
	}
	for _, j := range r.queue {
		ids = append(ids, j.id)
	}
	return ids
}
