package block

import (
	"bytes"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/classify"
)

// Store holds blocks in creation order. All mutations are serialized, and a
// block is immutable once it reaches a terminal status. Operations that name a
// missing or finalized block are logged and ignored.
type Store struct {
	log zerolog.Logger
	now func() time.Time

	mu     sync.RWMutex
	nextID ID
	order  []*Block
	index  map[ID]*Block
}

// NewStore creates an empty block store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:   log.With().Str("component", "blocks").Logger(),
		now:   time.Now,
		index: make(map[ID]*Block),
	}
}

// Append creates a Pending block and returns its ID.
func (s *Store) Append(kind Kind, commandText string) ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	b := &Block{
		ID:          s.nextID,
		Kind:        kind,
		CommandText: commandText,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	s.order = append(s.order, b)
	s.index[b.ID] = b
	return b.ID
}

// Classify records the interaction mode of a block that has not finished.
func (s *Store) Classify(id ID, result classify.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.mutable(id, "classify")
	if !ok {
		return false
	}
	r := result
	b.Classification = &r
	return true
}

// Start moves a Pending block to Running and binds it to a channel.
func (s *Store) Start(id ID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.mutable(id, "start")
	if !ok {
		return false
	}
	if b.Status != StatusPending {
		return false
	}
	b.Status = StatusRunning
	b.ChannelID = channelID
	b.StartedAt = s.now()
	return true
}

// AppendOutput adds a chunk to a non-terminal block. The chunk is copied.
// Empty chunks are ignored.
func (s *Store) AppendOutput(id ID, chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.mutable(id, "append output")
	if !ok {
		return false
	}
	b.Output = append(b.Output, bytes.Clone(chunk))
	return true
}

// Finalize sets a terminal status. It returns the finalized block and whether
// this call changed it; finalizing an already-terminal block is a no-op.
func (s *Store) Finalize(id ID, status Status, exitCode *int) (Block, bool) {
	if !status.IsTerminal() {
		s.log.Warn().Uint64("block", uint64(id)).Str("status", string(status)).Msg("finalize with non-terminal status ignored")
		return Block{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.index[id]
	if !ok {
		s.log.Warn().Uint64("block", uint64(id)).Msg("finalize: unknown block")
		return Block{}, false
	}
	if b.Status.IsTerminal() {
		return b.clone(), false
	}

	b.Status = status
	b.ChannelID = ""
	b.FinishedAt = s.now()
	if exitCode != nil {
		code := *exitCode
		b.ExitCode = &code
	}
	return b.clone(), true
}

// Get returns a copy of a block.
func (s *Store) Get(id ID) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.index[id]
	if !ok {
		return Block{}, false
	}
	return b.clone(), true
}

// Snapshot returns copies of all blocks in creation order.
func (s *Store) Snapshot() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Block, len(s.order))
	for i, b := range s.order {
		out[i] = b.clone()
	}
	return out
}

// Len returns the number of blocks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Running returns the IDs of blocks that are not yet terminal.
func (s *Store) Running() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []ID
	for _, b := range s.order {
		if !b.Status.IsTerminal() {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// ClearAll removes every block and returns how many were removed.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	s.order = nil
	s.index = make(map[ID]*Block)
	return n
}

// mutable returns a block that may still change. Callers hold s.mu.
func (s *Store) mutable(id ID, op string) (*Block, bool) {
	b, ok := s.index[id]
	if !ok {
		s.log.Warn().Uint64("block", uint64(id)).Str("op", op).Msg("unknown block")
		return nil, false
	}
	if b.Status.IsTerminal() {
		s.log.Debug().Uint64("block", uint64(id)).Str("op", op).Msg("block already finalized")
		return nil, false
	}
	return b, true
}
