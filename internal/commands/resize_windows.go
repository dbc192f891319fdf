package commands

import (
	"context"
	"time"

	"golang.org/x/term"
)

// watchResize polls the console size; Windows has no SIGWINCH.
func watchResize(ctx context.Context, fd int, resize func(rows, cols int)) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastCols, lastRows, _ := term.GetSize(fd)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cols, rows, err := term.GetSize(fd)
			if err != nil || (cols == lastCols && rows == lastRows) {
				continue
			}
			lastCols, lastRows = cols, rows
			resize(rows, cols)
		}
	}
}
