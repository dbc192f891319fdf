package session

import (
	"bytes"
	"sync"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
)

// Recorder applies block mutations and publishes the matching events. Every
// mutation and its event happen under one lock, so observers see events in
// the same order the store applied them, and only for real changes.
type Recorder struct {
	mu    sync.Mutex
	store *block.Store
	bus   *event.Bus
}

// NewRecorder creates a recorder over store publishing to bus.
func NewRecorder(store *block.Store, bus *event.Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

func (r *Recorder) Append(kind block.Kind, commandText string) block.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.store.Append(kind, commandText)
	r.bus.Publish(event.BlockCreated{BlockID: id, Kind: kind, CommandText: commandText})
	return id
}

func (r *Recorder) Classify(id block.ID, result classify.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Classify(id, result)
}

func (r *Recorder) Start(id block.ID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.store.Start(id, channelID) {
		return false
	}
	ev := event.BlockStarted{BlockID: id, ChannelID: channelID}
	if b, ok := r.store.Get(id); ok && b.Classification != nil {
		ev.Classification = *b.Classification
	}
	r.bus.Publish(ev)
	return true
}

func (r *Recorder) AppendOutput(id block.ID, chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.store.AppendOutput(id, chunk) {
		return false
	}
	r.bus.Publish(event.BlockOutputAppended{BlockID: id, Chunk: bytes.Clone(chunk)})
	return true
}

func (r *Recorder) Finalize(id block.ID, status block.Status, exitCode *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, changed := r.store.Finalize(id, status, exitCode)
	if !changed {
		return false
	}
	r.bus.Publish(event.BlockFinalized{BlockID: id, Status: b.Status, ExitCode: b.ExitCode})
	return true
}

// ClearAll removes every block and announces it.
func (r *Recorder) ClearAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.store.ClearAll()
	r.bus.Publish(event.ScreenCleared{Removed: n})
	return n
}
