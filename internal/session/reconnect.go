package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/transport"
)

// ReconnectPolicy bounds connection retries.
type ReconnectPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultReconnectPolicy returns the retry defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

func (p ReconnectPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// dialWithRetry opens a channel, retrying transient failures under the
// policy. Auth failures stop immediately. The returned error is always a
// *transport.ConnectError unless ctx was cancelled.
func dialWithRetry(
	ctx context.Context,
	log zerolog.Logger,
	dialer transport.Dialer,
	target transport.Target,
	opts transport.OpenOptions,
	policy ReconnectPolicy,
) (transport.Channel, error) {
	var ch transport.Channel
	attempt := 0

	op := func() error {
		attempt++
		c, err := dialer.Open(ctx, target, opts)
		if err != nil {
			cerr := transport.ClassifyDialError(err)
			if !cerr.Retryable() {
				return backoff.Permanent(cerr)
			}
			return cerr
		}
		ch = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Str("target", target.String()).
			Msg("connect failed, retrying")
	}

	err := backoff.RetryNotify(op, policy.backoff(ctx), notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.As(err, new(*transport.ConnectError)) {
			return nil, ctxErr
		}
		return nil, transport.ClassifyDialError(err)
	}
	return ch, nil
}
