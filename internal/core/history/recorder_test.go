package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/transport"
)

type fakeSource struct {
	bus    *event.Bus
	blocks map[block.ID]block.Block
}

func (f *fakeSource) Events() (<-chan event.Event, func()) { return f.bus.Subscribe() }

func (f *fakeSource) Block(id block.ID) (block.Block, bool) {
	b, ok := f.blocks[id]
	return b, ok
}

func (f *fakeSource) Target() transport.Target { return transport.Local("") }

type memStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *memStore) List(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *memStore) Get(ctx context.Context, id string) (Entry, error) { return Entry{}, ErrNotFound }

func (m *memStore) Save(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry{e}, m.entries...)
	return nil
}

func (m *memStore) Clear(ctx context.Context) error { return nil }

func (m *memStore) LastFailed(ctx context.Context) (Entry, error) { return Entry{}, ErrNotFound }

func TestRecorder_SavesFinalizedCommands(t *testing.T) {
	code := 2
	start := time.Now().Add(-time.Second)
	src := &fakeSource{
		bus: event.NewBus(),
		blocks: map[block.ID]block.Block{
			1: {ID: 1, Kind: block.KindWelcome, Status: block.StatusSucceeded},
			2: {
				ID:             2,
				Kind:           block.KindCommand,
				CommandText:    "make test",
				Classification: &classify.Result{Mode: classify.ModeOneShot, Kind: classify.KindCommand},
				Status:         block.StatusFailed,
				ExitCode:       &code,
				StartedAt:      start,
				FinishedAt:     start.Add(time.Second),
			},
		},
	}
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	done := NewRecorder(zerolog.Nop(), store).Start(ctx, src)

	src.bus.Publish(event.BlockFinalized{BlockID: 1, Status: block.StatusSucceeded})
	src.bus.Publish(event.BlockCreated{BlockID: 3})
	src.bus.Publish(event.BlockFinalized{BlockID: 2, Status: block.StatusFailed, ExitCode: &code})
	src.bus.Publish(event.BlockFinalized{BlockID: 99, Status: block.StatusFailed})

	require.Eventually(t, func() bool {
		entries, _ := store.List(ctx)
		return len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	entries, _ := store.List(context.Background())
	e := entries[0]
	assert.Equal(t, "make test", e.Command)
	assert.Equal(t, "local", e.Target)
	assert.Equal(t, classify.ModeOneShot, e.Mode)
	assert.Equal(t, 2, *e.ExitCode)
	assert.Equal(t, time.Second, e.Duration)
	assert.True(t, e.Failed())
	assert.Len(t, e.ID, 8)
}

func TestRecorder_StopsWhenBusCloses(t *testing.T) {
	src := &fakeSource{bus: event.NewBus(), blocks: map[block.ID]block.Block{}}
	done := NewRecorder(zerolog.Nop(), &memStore{}).Start(context.Background(), src)

	src.bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop after bus close")
	}
}

func TestEntry_Failed(t *testing.T) {
	zero, one := 0, 1
	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"exit zero", Entry{Status: block.StatusSucceeded, ExitCode: &zero}, false},
		{"exit one", Entry{Status: block.StatusFailed, ExitCode: &one}, true},
		{"cancelled no code", Entry{Status: block.StatusCancelled}, true},
		{"succeeded no code", Entry{Status: block.StatusSucceeded}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Failed())
		})
	}
}
