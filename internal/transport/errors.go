package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrorKind classifies a failure to establish a channel.
type ErrorKind string

const (
	KindNetworkUnreachable ErrorKind = "network-unreachable"
	KindAuthRejected       ErrorKind = "auth-rejected"
	KindTimeout            ErrorKind = "timeout"
	KindResourceExhausted  ErrorKind = "resource-exhausted"
)

// Retryable reports whether retrying the same dial may succeed.
func (k ErrorKind) Retryable() bool {
	return k != KindAuthRejected
}

// ConnectError is returned when a channel cannot be opened.
type ConnectError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the dial may succeed.
func (e *ConnectError) Retryable() bool { return e.Kind.Retryable() }

// authPatterns match messages from golang.org/x/crypto/ssh for rejected
// credentials. Host key problems count as rejections since retrying cannot fix them.
var authPatterns = []string{
	"unable to authenticate",
	"no supported methods remain",
	"permission denied",
	"host key mismatch",
	"knownhosts: key is unknown",
	"read credential",
	"parse private key",
}

var exhaustedPatterns = []string{
	"too many open files",
	"resource temporarily unavailable",
	"cannot allocate memory",
	"no space left",
	"out of pty devices",
}

// ClassifyDialError wraps err in a ConnectError with the best matching kind.
// Errors that are already ConnectErrors are returned unchanged.
func ClassifyDialError(err error) *ConnectError {
	if err == nil {
		return nil
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}

	return &ConnectError{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return KindAuthRejected
	}

	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM) {
		return KindResourceExhausted
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return KindAuthRejected
		}
	}
	for _, p := range exhaustedPatterns {
		if strings.Contains(msg, p) {
			return KindResourceExhausted
		}
	}
	if strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out") {
		return KindTimeout
	}

	return KindNetworkUnreachable
}
