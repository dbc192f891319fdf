//go:build !windows

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchResize calls resize with the new geometry on every SIGWINCH.
func watchResize(ctx context.Context, fd int, resize func(rows, cols int)) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			cols, rows, err := term.GetSize(fd)
			if err == nil {
				resize(rows, cols)
			}
		}
	}
}
