// Package stream bridges push-based text fragments from a streaming transport
// to live subscribers and one eventual terminal result.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/HexSleeves/parley/internal/llm"
)

// ErrAlreadyCompleted is returned by a second terminal transition.
var ErrAlreadyCompleted = errors.New("stream: aggregator already completed")

// Listener receives one fragment per call, in push order.
type Listener func(fragment string)

type Option func(*Aggregator)

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

type subscriber struct {
	id int
	fn Listener
}

// Aggregator accumulates fragments from a single producer. Subscribers may
// register from any goroutine; notification is serialized so every listener
// sees fragments in push order. Listeners must not call Push or a terminal
// method on the same aggregator.
type Aggregator struct {
	logger *slog.Logger

	// notify serializes delivery. It is held across listener calls, mu is not.
	notify sync.Mutex

	mu        sync.Mutex
	fragments []string
	text      strings.Builder
	subs      []subscriber
	nextID    int
	result    *llm.Response
	err       error
	done      chan struct{}
	completed bool
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		logger: slog.New(slog.DiscardHandler),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Completed returns an aggregator that already holds resp. Subscribers
// receive resp.Text as a single replayed fragment.
func Completed(resp *llm.Response, opts ...Option) *Aggregator {
	return Finished(resp, nil, opts...)
}

// Finished is Completed with an error recorded next to resp.
func Finished(resp *llm.Response, err error, opts ...Option) *Aggregator {
	a := New(opts...)
	if resp != nil && resp.Text != "" {
		a.fragments = append(a.fragments, resp.Text)
		a.text.WriteString(resp.Text)
	}
	_ = a.Finish(resp, err)
	return a
}

// Failed returns an aggregator that already holds err.
func Failed(err error, opts ...Option) *Aggregator {
	a := New(opts...)
	_ = a.CompleteWithError(err)
	return a
}

// Subscribe replays fragments pushed so far, then delivers new ones. The
// returned func removes the listener; it is safe to call more than once.
func (a *Aggregator) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	a.notify.Lock()
	defer a.notify.Unlock()

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	replay := make([]string, len(a.fragments))
	copy(replay, a.fragments)
	a.subs = append(a.subs, subscriber{id: id, fn: fn})
	a.mu.Unlock()

	for _, f := range replay {
		a.deliver(fn, f)
	}

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.subs {
			if s.id == id {
				a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
				return
			}
		}
	}
}

// Push appends a fragment and notifies subscribers before returning.
// Fragments pushed after a terminal transition are dropped.
func (a *Aggregator) Push(fragment string) {
	a.notify.Lock()
	defer a.notify.Unlock()

	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		a.logger.Debug("dropping fragment pushed after completion", "len", len(fragment))
		return
	}
	a.fragments = append(a.fragments, fragment)
	a.text.WriteString(fragment)
	subs := make([]subscriber, len(a.subs))
	copy(subs, a.subs)
	a.mu.Unlock()

	for _, s := range subs {
		a.deliver(s.fn, fragment)
	}
}

func (a *Aggregator) deliver(fn Listener, fragment string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("stream listener panicked", "panic", r)
		}
	}()
	fn(fragment)
}

// Complete finishes the stream with resp. A nil resp completes with the
// accumulated text.
func (a *Aggregator) Complete(resp *llm.Response) error {
	return a.finish(resp, nil, resp == nil)
}

// CompleteWithAccumulatedText finishes the stream with a response holding
// every fragment pushed so far.
func (a *Aggregator) CompleteWithAccumulatedText() error {
	return a.finish(nil, nil, true)
}

// Finish ends the stream with both resp and err, for an answer that arrived
// but whose follow-up work failed. Wait returns both. A nil err is Complete.
func (a *Aggregator) Finish(resp *llm.Response, err error) error {
	if err == nil {
		return a.Complete(resp)
	}
	return a.finish(resp, err, false)
}

func (a *Aggregator) CompleteWithError(err error) error {
	if err == nil {
		err = errors.New("stream: completed with nil error")
	}
	return a.finish(nil, err, false)
}

func (a *Aggregator) finish(resp *llm.Response, err error, fromText bool) error {
	a.notify.Lock()
	defer a.notify.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.completed {
		a.logger.Warn("second terminal transition ignored", "err", err)
		return ErrAlreadyCompleted
	}
	if fromText {
		resp = &llm.Response{Text: a.text.String(), StopReason: llm.StopEndTurn}
	}
	a.result = resp
	a.err = err
	a.completed = true
	close(a.done)
	return nil
}

// Wait blocks until the stream is terminal or ctx ends.
func (a *Aggregator) Wait(ctx context.Context) (*llm.Response, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.err
}

// Done is closed on the terminal transition.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Text returns the fragments accumulated so far.
func (a *Aggregator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

// Err returns the terminal error, or nil if the stream is live or succeeded.
// After Finish it may be set while Wait also returns a response.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
