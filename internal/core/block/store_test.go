package block

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/classify"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore()

	id := s.Append(KindCommand, "ls")
	assert.Equal(t, ID(1), id)

	b, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, b.Status)
	assert.Nil(t, b.Classification)

	require.True(t, s.Classify(id, classify.Default().Classify("ls")))
	require.True(t, s.Start(id, "primary"))
	assert.False(t, s.Start(id, "primary"), "start is only valid from pending")

	require.True(t, s.AppendOutput(id, []byte("a\n")))
	require.True(t, s.AppendOutput(id, []byte("b\n")))
	assert.False(t, s.AppendOutput(id, nil))

	fin, changed := s.Finalize(id, StatusSucceeded, ExitCode(0))
	require.True(t, changed)
	assert.Equal(t, StatusSucceeded, fin.Status)
	require.NotNil(t, fin.ExitCode)
	assert.Equal(t, 0, *fin.ExitCode)
	assert.Equal(t, "a\nb\n", fin.OutputString())
	assert.Empty(t, fin.ChannelID)
	assert.False(t, fin.FinishedAt.IsZero())
}

func TestStore_FinalizedIsImmutable(t *testing.T) {
	s := newTestStore()
	id := s.Append(KindCommand, "false")
	s.Start(id, "c")

	_, changed := s.Finalize(id, StatusFailed, ExitCode(1))
	require.True(t, changed)

	assert.False(t, s.AppendOutput(id, []byte("late")))
	assert.False(t, s.Classify(id, classify.Result{Mode: classify.ModeInline}))

	b, changed := s.Finalize(id, StatusSucceeded, ExitCode(0))
	assert.False(t, changed)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, 1, *b.ExitCode)
	assert.Empty(t, b.OutputString())
}

func TestStore_FinalizeRejectsNonTerminal(t *testing.T) {
	s := newTestStore()
	id := s.Append(KindCommand, "x")
	_, changed := s.Finalize(id, StatusRunning, nil)
	assert.False(t, changed)

	b, _ := s.Get(id)
	assert.Equal(t, StatusPending, b.Status)
}

func TestStore_UnknownBlock(t *testing.T) {
	s := newTestStore()
	assert.False(t, s.AppendOutput(42, []byte("x")))
	assert.False(t, s.Start(42, "c"))
	_, changed := s.Finalize(42, StatusFailed, nil)
	assert.False(t, changed)
	_, ok := s.Get(42)
	assert.False(t, ok)
}

func TestStore_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	s := NewStore(zerolog.New(&buf))

	s.AppendOutput(42, []byte("x"))
	s.Finalize(43, StatusFailed, nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"level":"warn"`)
	}

	buf.Reset()
	id := s.Append(KindCommand, "ls")
	s.Finalize(id, StatusSucceeded, ExitCode(0))
	s.AppendOutput(id, []byte("late"))
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.NotContains(t, buf.String(), `"level":"warn"`)
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore()
	s.Append(KindWelcome, "")
	s.Append(KindCommand, "ls")

	assert.Equal(t, 2, s.ClearAll())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.ClearAll())

	id := s.Append(KindCommand, "pwd")
	assert.Equal(t, ID(3), id, "ids are not reused after clear")
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := newTestStore()
	id := s.Append(KindCommand, "echo")
	s.AppendOutput(id, []byte("abc"))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Output[0][0] = 'z'

	b, _ := s.Get(id)
	assert.Equal(t, "abc", b.OutputString())
}

func TestStore_AppendCopiesChunk(t *testing.T) {
	s := newTestStore()
	id := s.Append(KindCommand, "echo")
	buf := []byte("hello")
	s.AppendOutput(id, buf)
	buf[0] = 'j'

	b, _ := s.Get(id)
	assert.Equal(t, "hello", b.OutputString())
}

func TestStore_ConcurrentAppendKeepsOrderPerWriter(t *testing.T) {
	s := newTestStore()
	ids := []ID{s.Append(KindCommand, "a"), s.Append(KindCommand, "b")}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id ID) {
			defer wg.Done()
			for i := range 100 {
				s.AppendOutput(id, []byte{byte(i)})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		b, _ := s.Get(id)
		require.Len(t, b.Output, 100)
		for i, c := range b.Output {
			assert.Equal(t, byte(i), c[0])
		}
	}
}

func TestStore_Running(t *testing.T) {
	s := newTestStore()
	a := s.Append(KindCommand, "a")
	b := s.Append(KindCommand, "b")
	s.Finalize(a, StatusCancelled, nil)

	assert.Equal(t, []ID{b}, s.Running())
}
