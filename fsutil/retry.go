package fsutil

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome is the explicit "Ok(T) | Restart | Error(E)" result variant
// from the spec's design notes, replacing the source's longjmp-style
// transaction restart with an ordinary return value.
type Outcome[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Outcome[T]           { return Outcome[T]{Value: v} }
func Restart[T any]() Outcome[T]         { return Outcome[T]{Err: ErrTransactionRestart} }
func NeedMark[T any]() Outcome[T]        { return Outcome[T]{Err: ErrNeedMarkReplicas} }
func Fail[T any](err error) Outcome[T]   { return Outcome[T]{Err: err} }

// MarkReplicasFunc performs the superblock replica-registration side
// effect that ErrNeedMarkReplicas asks for before the retry.
type MarkReplicasFunc func(ctx context.Context) error

// MaxRetryInterval caps the backoff delay between successive restart
// attempts in Retry. It is a package-level var rather than a Retry
// parameter so every accounting/fs call site picks up config.Tunables'
// value (set once at mount time by cmd/bcachefs-acctd) without
// threading a config value through every commit call. MaxElapsedTime
// itself is never configurable: retries never expire.
var MaxRetryInterval = 60 * time.Second

// OnRestart/OnNeedMarkReplicas are optional observation hooks Retry
// calls on every restart/need-mark outcome. nil by default;
// cmd/bcachefs-acctd wires them to metrics.Collectors at startup, kept
// as func vars rather than a hard metrics import so this leaf package
// carries no prometheus dependency of its own.
var (
	OnRestart          func()
	OnNeedMarkReplicas func()
)

// Retry implements "loop { begin; body; match commit { Restart =>
// continue, other => break } }" from the design notes: every commit
// call-site is this loop, with iterators implicitly rewound because
// body is re-invoked from scratch on every iteration. No loop exits via
// timeout; the spec says there are none in the core. Repeated restarts
// back off (bounded delay, unbounded attempts) purely to avoid a
// livelock under heavy contention.
func Retry[T any](ctx context.Context, mark MarkReplicasFunc, body func() Outcome[T]) (T, error) {
	var zero T
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // unbounded: retries never expire, only the inter-attempt delay grows
	b.MaxInterval = MaxRetryInterval
	bo := backoff.WithContext(b, ctx)

	for {
		out := body()
		switch {
		case out.Err == nil:
			return out.Value, nil
		case errors.Is(out.Err, ErrTransactionRestart):
			if OnRestart != nil {
				OnRestart()
			}
			if err := waitBackoff(bo); err != nil {
				return zero, err
			}
			continue
		case errors.Is(out.Err, ErrNeedMarkReplicas):
			if OnNeedMarkReplicas != nil {
				OnNeedMarkReplicas()
			}
			if mark != nil {
				if err := mark(ctx); err != nil {
					return zero, err
				}
			}
			b.Reset()
			continue
		default:
			return zero, out.Err
		}
	}
}

func waitBackoff(bo backoff.BackOffContext) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return context.Canceled
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-bo.Context().Done():
		return bo.Context().Err()
	}
}
