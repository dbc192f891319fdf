package event

import "sync"

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// has an unbounded queue drained by its own goroutine, so a slow observer
// delays only itself. Each subscriber sees events in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed after unsubscribe or Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := newSubscriber()
	if b.closed {
		s.stop()
		return s.out, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

// Close ends all subscriptions. Events already queued are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.drain()
		delete(b.subs, id)
	}
}

type subscriber struct {
	out    chan Event
	wake   chan struct{}
	cancel chan struct{}

	mu       sync.Mutex
	queue    []Event
	draining bool

	stopOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop drops anything still queued and closes out.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.cancel) })
}

// drain closes out once the queue is empty.
func (s *subscriber) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		draining := s.draining
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.cancel:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}
		if draining {
			return
		}

		select {
		case <-s.wake:
		case <-s.cancel:
			return
		}
	}
}
