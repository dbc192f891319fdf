package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/process"
)

// Message is the envelope for every websocket message.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server message stamped with the current time.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{Type: msgType, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// Client to server.
const (
	TypeCommandSubmit     = "command.submit"
	TypeScreenClear       = "screen.clear"
	TypeSessionConnect    = "session.connect"
	TypeSessionDisconnect = "session.disconnect"
	TypeTerminalResize    = "terminal.resize"
	TypeFocusBlock        = "focus.block"
	TypeFocusRelease      = "focus.release"
	TypeInputRaw          = "input.raw"
	TypeInputSignal       = "input.signal"
	TypeBlockCancel       = "block.cancel"
	TypeFullscreenAttach  = "fullscreen.attach"
	TypeFullscreenInput   = "fullscreen.input"
)

// Server to client. Session events use their event type names.
const (
	TypeSnapshot         = "session.snapshot"
	TypeCommandAccepted  = "command.accepted"
	TypeFullscreenOutput = "fullscreen.output"
	TypeFullscreenClosed = "fullscreen.closed"
	TypeError            = "error"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrNotConnected   = "NOT_CONNECTED"
	ErrEmptyCommand   = "EMPTY_COMMAND"
	ErrUnknownTarget  = "UNKNOWN_TARGET"
	ErrConnectFailed  = "CONNECT_FAILED"
	ErrNotFocusable   = "NOT_FOCUSABLE"
	ErrNoProcess      = "NO_PROCESS"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrInternal       = "INTERNAL"
)

type CommandSubmitPayload struct {
	Command string `json:"command"`
}

type CommandAcceptedPayload struct {
	BlockID block.ID `json:"block_id"`
	Command string   `json:"command"`
}

type SessionConnectPayload struct {
	Target string `json:"target"`
}

type TerminalResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type BlockPayload struct {
	BlockID block.ID `json:"block_id"`
}

type InputPayload struct {
	BlockID block.ID `json:"block_id,omitempty"`
	Data    string   `json:"data"`
}

type SignalPayload struct {
	Signal string `json:"signal"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BlockView is a block with its output flattened. Output bytes travel
// base64-encoded so chunks that split a UTF-8 sequence arrive intact.
type BlockView struct {
	block.Block
	Output []byte `json:"output"`
}

type SnapshotPayload struct {
	State  event.SessionState `json:"state"`
	Target string             `json:"target,omitempty"`
	Focus  event.FocusTarget  `json:"focus"`
	Blocks []BlockView        `json:"blocks"`
	Active []process.Handle   `json:"active"`
}

type OutputPayload struct {
	BlockID block.ID `json:"block_id"`
	Data    []byte   `json:"data"`
}

type FullscreenOutputPayload struct {
	BlockID block.ID `json:"block_id"`
	Data    []byte   `json:"data"`
	Replay  bool     `json:"replay,omitempty"`
}

// validateClientMessage parses raw and checks the type is known.
func validateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch msg.Type {
	case TypeCommandSubmit, TypeScreenClear, TypeSessionConnect, TypeSessionDisconnect,
		TypeTerminalResize, TypeFocusBlock, TypeFocusRelease, TypeInputRaw, TypeInputSignal,
		TypeBlockCancel, TypeFullscreenAttach, TypeFullscreenInput:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("missing type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// decodePayload unmarshals the payload of msg into v.
func decodePayload(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", msg.Type, err)
	}
	return nil
}

// eventMessage converts a session event to a wire message.
func eventMessage(e event.Event) (*Message, error) {
	if out, ok := e.(event.BlockOutputAppended); ok {
		return NewMessage(string(e.EventType()), OutputPayload{BlockID: out.BlockID, Data: out.Chunk})
	}
	return NewMessage(string(e.EventType()), e)
}

func blockViews(blocks []block.Block) []BlockView {
	views := make([]BlockView, len(blocks))
	for i, b := range blocks {
		views[i] = BlockView{Block: b, Output: b.OutputBytes()}
	}
	return views
}
