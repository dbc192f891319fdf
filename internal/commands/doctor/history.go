package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/hay-kot/pocket/internal/core/history"
)

// HistoryCheck verifies the history file loads. With fix set, an unreadable
// file is moved aside and the history reset.
type HistoryCheck struct {
	store history.Store
	path  string
	fix   bool
}

func NewHistoryCheck(store history.Store, path string, fix bool) *HistoryCheck {
	return &HistoryCheck{store: store, path: path, fix: fix}
}

func (c *HistoryCheck) Name() string {
	return "History"
}

func (c *HistoryCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	entries, err := c.store.List(ctx)
	if err == nil {
		result.pass("History file", fmt.Sprintf("%d entries", len(entries)))
		return result
	}

	if !c.fix {
		result.Items = append(result.Items, CheckItem{
			Label:   "History file",
			Status:  StatusFail,
			Detail:  err.Error(),
			Fixable: true,
		})
		return result
	}

	backup := c.path + ".bak"
	if err := os.Rename(c.path, backup); err != nil && !os.IsNotExist(err) {
		result.fail("History file", fmt.Sprintf("move aside: %v", err))
		return result
	}
	if err := c.store.Clear(ctx); err != nil {
		result.fail("History file", fmt.Sprintf("reset: %v", err))
		return result
	}

	result.pass("History file", "reset, previous file saved to "+backup)
	return result
}
