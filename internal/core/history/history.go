// Package history defines command history domain types and interfaces.
package history

import (
	"time"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
)

// Entry represents a finished command.
type Entry struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Target    string        `json:"target"`
	Mode      classify.Mode `json:"mode,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	Status    block.Status  `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Failed returns true if the command did not succeed.
func (e *Entry) Failed() bool {
	if e.ExitCode != nil {
		return *e.ExitCode != 0
	}
	return e.Status != block.StatusSucceeded
}

// FromBlock builds an entry from a finalized command block.
func FromBlock(id, target string, b block.Block) Entry {
	e := Entry{
		ID:        id,
		Command:   b.CommandText,
		Target:    target,
		Status:    b.Status,
		ExitCode:  b.ExitCode,
		Duration:  b.Duration(),
		Timestamp: b.CreatedAt,
	}
	if b.Classification != nil {
		e.Mode = b.Classification.Mode
		e.Kind = b.Classification.Kind
	}
	if !b.FinishedAt.IsZero() {
		e.Timestamp = b.FinishedAt
	}
	return e
}
