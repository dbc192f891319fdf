package process

import "sync"

// scrollback keeps the most recent bytes of a fullscreen program so a late
// viewer can repaint.
type scrollback struct {
	buf  []byte
	size int
	pos  int
	full bool
}

func newScrollback(size int) *scrollback {
	if size <= 0 {
		size = 1
	}
	return &scrollback{buf: make([]byte, size), size: size}
}

func (r *scrollback) write(data []byte) {
	if len(data) >= r.size {
		copy(r.buf, data[len(data)-r.size:])
		r.pos = 0
		r.full = true
		return
	}

	for off := 0; off < len(data); {
		n := copy(r.buf[r.pos:], data[off:])
		off += n
		r.pos = (r.pos + n) % r.size
		if r.pos == 0 {
			r.full = true
		}
	}
}

func (r *scrollback) bytes() []byte {
	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.pos:])
	copy(out[n:], r.buf[:r.pos])
	return out
}

// relay fans a fullscreen program's output out to attached viewers. Output
// never enters the block store. Viewers that fall behind lose chunks rather
// than stall the program.
type relay struct {
	mu     sync.Mutex
	ring   *scrollback
	subs   map[int]chan []byte
	nextID int
	closed bool
}

const viewerBuffer = 256

func newRelay(scrollbackSize int) *relay {
	return &relay{ring: newScrollback(scrollbackSize), subs: make(map[int]chan []byte)}
}

func (r *relay) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring.write(p)
	for _, ch := range r.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// attach returns the scrollback so far and a stream of later output. The
// stream is closed when the program ends or detach is called.
func (r *relay) attach() ([]byte, <-chan []byte, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []byte, viewerBuffer)
	snapshot := r.ring.bytes()
	if r.closed {
		close(ch)
		return snapshot, ch, func() {}
	}

	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return snapshot, ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}
