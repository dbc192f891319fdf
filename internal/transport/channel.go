package transport

import (
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

const readBufferSize = 32 * 1024

// baseChannel carries the state machine and output plumbing shared by every
// channel implementation.
type baseChannel struct {
	id   string
	mode Mode

	out  chan []byte
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	state   State
	exit    Exit
	closing bool

	stopOnce   sync.Once
	finishOnce sync.Once
}

func newBaseChannel(mode Mode, buffer int) *baseChannel {
	return &baseChannel{
		id:    uuid.NewString(),
		mode:  mode,
		out:   make(chan []byte, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		state: StateConnecting,
	}
}

func (b *baseChannel) ID() string            { return b.id }
func (b *baseChannel) Mode() Mode            { return b.mode }
func (b *baseChannel) Output() <-chan []byte { return b.out }
func (b *baseChannel) Done() <-chan struct{} { return b.done }

func (b *baseChannel) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseChannel) Exit() Exit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exit
}

// setState moves to s unless the channel has already ended.
func (b *baseChannel) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Ended() {
		return
	}
	b.state = s
}

// writable returns the error a Write should fail with, or nil.
func (b *baseChannel) writable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.state.Ended() || b.closing:
		return ErrChannelClosed
	case !b.state.Writable():
		return ErrBackpressured
	}
	return nil
}

// beginClose marks the channel as closing. It returns false if it already was.
func (b *baseChannel) beginClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing || b.state.Ended() {
		return false
	}
	b.closing = true
	return true
}

func (b *baseChannel) isClosing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

func (b *baseChannel) stopOutput() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// emit delivers a chunk unless the channel is stopping.
func (b *baseChannel) emit(p []byte) bool {
	select {
	case b.out <- p:
		return true
	case <-b.stop:
		return false
	}
}

// pump copies r into Output until r fails, then closes Output.
func (b *baseChannel) pump(r io.Reader) error {
	defer close(b.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !b.emit(chunk) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) {
				return nil
			}
			return err
		}
	}
}

// finish records the exit and ends the channel. Only the first call counts.
func (b *baseChannel) finish(exit Exit) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.exit = exit
		if exit.Lost && !b.closing {
			b.state = StateFailed
		} else {
			b.state = StateClosed
		}
		b.mu.Unlock()
		b.stopOutput()
		close(b.done)
	})
}
