package retry

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// StatusCoder exposes the HTTP status of a remote failure (0 if none).
type StatusCoder interface {
	HTTPStatus() int
}

// Categorizer exposes a provider-neutral failure category such as "timeout".
type Categorizer interface {
	ErrorCategory() string
}

// RetryAfterer exposes a server-supplied wait hint.
type RetryAfterer interface {
	RetryAfterHint() (time.Duration, bool)
}

// CategoryTimeout is assigned to context.DeadlineExceeded failures that carry
// no category of their own.
const CategoryTimeout = "timeout"

// ExhaustedError wraps the last failure once the retry or elapsed-time budget
// is spent.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error

	// Interrupted is set when the context ended during a backoff wait.
	Interrupted error
}

func (e *ExhaustedError) Error() string {
	if e.Interrupted != nil {
		return fmt.Sprintf("retry interrupted after %d attempt(s) in %v: %v (last error: %v)",
			e.Attempts, e.Elapsed.Round(time.Millisecond), e.Interrupted, e.Err)
	}
	return fmt.Sprintf("giving up after %d attempt(s) in %v: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Event describes one scheduled retry.
type Event struct {
	Attempt int // retry number, starting at 1
	Wait    time.Duration
	Elapsed time.Duration
	Err     error
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the context-aware timer wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRand seeds the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(e *Executor) { e.rng = r }
}

// WithOnRetry registers a callback invoked before each backoff wait.
func WithOnRetry(fn func(Event)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// WithAttemptTimeout bounds each attempt. An attempt that hits it fails with
// context.DeadlineExceeded, which classifies as CategoryTimeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// Executor runs operations under a Policy. It is safe for concurrent use.
type Executor struct {
	policy         Policy
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	onRetry        func(Event)
	attemptTimeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewExecutor(p Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: p,
		logger: slog.New(slog.DiscardHandler),
		sleep:  sleep,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(seed64(), seed64())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// budget runs out. Non-retryable failures are returned as-is; budget
// exhaustion returns *ExhaustedError.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	start := e.now()
	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if !e.Retryable(err) {
			return err
		}

		elapsed := e.now().Sub(start)
		if attempt >= e.policy.maxRetries || (e.policy.maxElapsed > 0 && elapsed >= e.policy.maxElapsed) {
			e.logger.Debug("retry budget exhausted", "attempts", attempt+1, "elapsed", elapsed, "err", err)
			return &ExhaustedError{Attempts: attempt + 1, Elapsed: elapsed, Err: err}
		}

		wait := e.Wait(attempt, err)
		ev := Event{Attempt: attempt + 1, Wait: wait, Elapsed: elapsed, Err: err}
		e.logger.Debug("retrying", "retry", ev.Attempt, "wait", wait, "elapsed", elapsed, "err", err)
		if e.onRetry != nil {
			e.onRetry(ev)
		}
		if serr := e.sleep(ctx, wait); serr != nil {
			return &ExhaustedError{Attempts: attempt + 1, Elapsed: e.now().Sub(start), Err: err, Interrupted: serr}
		}
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if e.attemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()
	return op(actx)
}

// Retryable reports whether err matches the policy's status or category sets.
// Cancellation is never retried.
func (e *Executor) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.HTTPStatus(); code != 0 && e.policy.RetriesStatus(code) {
			return true
		}
	}
	return e.policy.RetriesCategory(categoryOf(err))
}

// Wait computes the backoff before the retry that follows attempt (zero based).
func (e *Executor) Wait(attempt int, err error) time.Duration {
	if e.policy.respectRetryAfter {
		var ra RetryAfterer
		if errors.As(err, &ra) {
			if d, ok := ra.RetryAfterHint(); ok {
				if e.policy.maxDelay > 0 && d > e.policy.maxDelay {
					d = e.policy.maxDelay
				}
				return d
			}
		}
	}
	return e.policy.Backoff(attempt) + e.jitter()
}

func (e *Executor) jitter() time.Duration {
	j := e.policy.jitter
	if j <= 0 {
		return 0
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return time.Duration(e.rng.Int64N(int64(j) + 1))
}

func categoryOf(err error) string {
	var c Categorizer
	if errors.As(err, &c) {
		if cat := c.ErrorCategory(); cat != "" {
			return cat
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return ""
}

func seed64() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return uint64(time.Now().UnixNano())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
