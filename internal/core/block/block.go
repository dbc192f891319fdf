// Package block defines the ordered record of commands and their output.
package block

import (
	"bytes"
	"time"

	"github.com/hay-kot/pocket/internal/core/classify"
)

// ID identifies a block. IDs are assigned in creation order starting at 1 and
// are never reused within a process, even across ClearAll.
type ID uint64

// Kind distinguishes synthetic blocks from user commands.
type Kind string

const (
	KindWelcome Kind = "welcome"
	KindCommand Kind = "command"
)

// Status is the lifecycle state of a block.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Block is one entry in the session record.
type Block struct {
	ID             ID               `json:"id"`
	Kind           Kind             `json:"kind"`
	CommandText    string           `json:"command"`
	Classification *classify.Result `json:"classification,omitempty"`
	Status         Status           `json:"status"`
	Output         [][]byte         `json:"-"`
	ChannelID      string           `json:"channel_id,omitempty"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      time.Time        `json:"started_at,omitzero"`
	FinishedAt     time.Time        `json:"finished_at,omitzero"`
}

// OutputBytes returns the concatenated output chunks.
func (b Block) OutputBytes() []byte {
	return bytes.Join(b.Output, nil)
}

// OutputString returns the concatenated output as a string.
func (b Block) OutputString() string {
	return string(b.OutputBytes())
}

// Duration returns how long the block ran, or zero if it never started.
func (b Block) Duration() time.Duration {
	if b.StartedAt.IsZero() {
		return 0
	}
	end := b.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(b.StartedAt)
}

func (b *Block) clone() Block {
	out := *b
	out.Output = make([][]byte, len(b.Output))
	for i, c := range b.Output {
		out.Output[i] = bytes.Clone(c)
	}
	if b.ExitCode != nil {
		code := *b.ExitCode
		out.ExitCode = &code
	}
	if b.Classification != nil {
		c := *b.Classification
		out.Classification = &c
	}
	return out
}

// ExitCode returns a pointer to code for use with Finalize.
func ExitCode(code int) *int {
	return &code
}
