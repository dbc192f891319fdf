package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrollback(t *testing.T) {
	r := newScrollback(5)
	assert.Empty(t, r.bytes())

	r.write([]byte("abc"))
	assert.Equal(t, "abc", string(r.bytes()))

	r.write([]byte("def"))
	assert.Equal(t, "bcdef", string(r.bytes()))

	r.write([]byte("0123456789"))
	assert.Equal(t, "56789", string(r.bytes()))

	r.write([]byte("x"))
	assert.Equal(t, "6789x", string(r.bytes()))
}

func TestRelay_AttachReceivesScrollbackAndLive(t *testing.T) {
	r := newRelay(64)
	r.write([]byte("hello "))

	snap, stream, detach := r.attach()
	defer detach()
	assert.Equal(t, "hello ", string(snap))

	r.write([]byte("world"))
	assert.Equal(t, "world", string(<-stream))

	r.close()
	_, ok := <-stream
	assert.False(t, ok)
}

func TestRelay_DetachAndLateAttach(t *testing.T) {
	r := newRelay(64)
	_, stream, detach := r.attach()
	detach()
	detach()
	_, ok := <-stream
	assert.False(t, ok)

	r.write([]byte("screen"))
	r.close()

	snap, late, _ := r.attach()
	assert.Equal(t, "screen", string(snap))
	_, ok = <-late
	assert.False(t, ok)
}

func TestRelay_SlowViewerDoesNotBlock(t *testing.T) {
	r := newRelay(16)
	_, _, detach := r.attach()
	defer detach()

	for range viewerBuffer * 4 {
		r.write([]byte("x"))
	}
}
