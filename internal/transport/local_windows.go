//go:build windows

package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

func openLocal(_ context.Context, _ zerolog.Logger, _ string, _ Target, _ OpenOptions) (Channel, error) {
	return nil, &ConnectError{Kind: KindResourceExhausted, Err: errors.New("local pty channels are not supported on windows")}
}
