package history

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/transport"
	"github.com/hay-kot/pocket/pkg/randid"
)

// Source is the part of a session the recorder reads from.
type Source interface {
	Events() (<-chan event.Event, func())
	Block(id block.ID) (block.Block, bool)
	Target() transport.Target
}

// Recorder saves every finalized command block to a Store.
type Recorder struct {
	log   zerolog.Logger
	store Store
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(log zerolog.Logger, store Store) *Recorder {
	return &Recorder{log: log.With().Str("component", "history").Logger(), store: store}
}

// Start subscribes to src and records in a new goroutine until ctx is done
// or the event stream ends. The returned channel is closed when it stops.
func (r *Recorder) Start(ctx context.Context, src Source) <-chan struct{} {
	events, unsubscribe := src.Events()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.consume(ctx, src, events, unsubscribe)
	}()
	return done
}

func (r *Recorder) consume(ctx context.Context, src Source, events <-chan event.Event, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fin, ok := e.(event.BlockFinalized)
			if !ok {
				continue
			}
			r.record(ctx, src, fin.BlockID)
		}
	}
}

func (r *Recorder) record(ctx context.Context, src Source, id block.ID) {
	b, ok := src.Block(id)
	if !ok || b.Kind != block.KindCommand {
		return
	}

	entry := FromBlock(randid.Generate(8), src.Target().String(), b)
	if err := r.store.Save(ctx, entry); err != nil {
		r.log.Warn().Err(err).Uint64("block", uint64(id)).Msg("failed to save history entry")
	}
}
