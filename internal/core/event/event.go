// Package event defines the notifications a session emits and the bus that
// fans them out to observers.
package event

import (
	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/transport"
)

// Type names an event on the wire.
type Type string

const (
	TypeBlockCreated         Type = "block.created"
	TypeBlockStarted         Type = "block.started"
	TypeBlockOutputAppended  Type = "block.output"
	TypeBlockFinalized       Type = "block.finalized"
	TypeFocusChanged         Type = "focus.changed"
	TypeSessionStateChanged  Type = "session.state"
	TypeFullscreenHandoff    Type = "fullscreen.handoff"
	TypeConnectionError      Type = "session.error"
	TypeScreenCleared        Type = "screen.cleared"
	TypeInputCompositionDrop Type = "input.cleared"
)

// Event is anything published on the bus.
type Event interface {
	EventType() Type
}

// SessionState is the connection state of a session.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateDegraded     SessionState = "degraded"
	StateFailed       SessionState = "failed"
)

// FocusTarget is where user keystrokes go. The zero value is the main input.
type FocusTarget struct {
	BlockID block.ID `json:"block_id,omitempty"`
}

// MainInput is the default focus target.
var MainInput = FocusTarget{}

// IsMain reports whether the target is the main input.
func (f FocusTarget) IsMain() bool { return f.BlockID == 0 }

type BlockCreated struct {
	BlockID     block.ID   `json:"block_id"`
	Kind        block.Kind `json:"kind"`
	CommandText string     `json:"command"`
}

type BlockStarted struct {
	BlockID        block.ID        `json:"block_id"`
	ChannelID      string          `json:"channel_id"`
	Classification classify.Result `json:"classification"`
}

type BlockOutputAppended struct {
	BlockID block.ID `json:"block_id"`
	Chunk   []byte   `json:"chunk"`
}

type BlockFinalized struct {
	BlockID  block.ID     `json:"block_id"`
	Status   block.Status `json:"status"`
	ExitCode *int         `json:"exit_code,omitempty"`
}

type FocusChanged struct {
	Previous FocusTarget `json:"previous"`
	Target   FocusTarget `json:"target"`
}

type SessionStateChanged struct {
	State  SessionState `json:"state"`
	Target string       `json:"target,omitempty"`
}

// FullscreenHandoffRequested asks the presentation layer to hand the
// terminal over to a fullscreen program.
type FullscreenHandoffRequested struct {
	BlockID   block.ID `json:"block_id"`
	Command   string   `json:"command"`
	ChannelID string   `json:"channel_id"`
}

type ConnectionError struct {
	Kind      transport.ErrorKind `json:"kind"`
	Message   string              `json:"message"`
	Retryable bool                `json:"retryable"`
}

type ScreenCleared struct {
	Removed int `json:"removed"`
}

// InputCompositionCancelled tells the presentation layer to discard typed but
// unsubmitted main input.
type InputCompositionCancelled struct{}

func (BlockCreated) EventType() Type               { return TypeBlockCreated }
func (BlockStarted) EventType() Type               { return TypeBlockStarted }
func (BlockOutputAppended) EventType() Type        { return TypeBlockOutputAppended }
func (BlockFinalized) EventType() Type             { return TypeBlockFinalized }
func (FocusChanged) EventType() Type               { return TypeFocusChanged }
func (SessionStateChanged) EventType() Type        { return TypeSessionStateChanged }
func (FullscreenHandoffRequested) EventType() Type { return TypeFullscreenHandoff }
func (ConnectionError) EventType() Type            { return TypeConnectionError }
func (ScreenCleared) EventType() Type              { return TypeScreenCleared }
func (InputCompositionCancelled) EventType() Type  { return TypeInputCompositionDrop }
