package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/block"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBus_OrderPerSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 1; i <= 500; i++ {
		b.Publish(BlockCreated{BlockID: block.ID(i)})
	}

	for i := 1; i <= 500; i++ {
		e := recv(t, ch)
		assert.Equal(t, block.ID(i), e.(BlockCreated).BlockID)
	}
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe() // never read
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range 10_000 {
			b.Publish(ScreenCleared{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubA()
	defer unsubC()

	b.Publish(FocusChanged{Target: FocusTarget{BlockID: 3}})

	assert.Equal(t, TypeFocusChanged, recv(t, a).EventType())
	assert.Equal(t, TypeFocusChanged, recv(t, c).EventType())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	b.Publish(ScreenCleared{})

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBus_CloseDrains(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe()

	b.Publish(ScreenCleared{Removed: 1})
	b.Publish(ScreenCleared{Removed: 2})
	b.Close()
	b.Publish(ScreenCleared{Removed: 3})

	var got []int
	for e := range ch {
		got = append(got, e.(ScreenCleared).Removed)
	}
	assert.Equal(t, []int{1, 2}, got)

	late, _ := b.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestFocusTarget(t *testing.T) {
	assert.True(t, MainInput.IsMain())
	assert.False(t, FocusTarget{BlockID: 1}.IsMain())
}
