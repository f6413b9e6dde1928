// Package conversation drives a multi-round exchange with a model: it owns
// the history, runs requests through the retry executor, executes requested
// tools within a round budget and persists the result.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/llm"
	"github.com/HexSleeves/parley/internal/retry"
	"github.com/HexSleeves/parley/internal/stream"
)

// DefaultMaxToolRounds bounds the tool loop when no option overrides it.
const DefaultMaxToolRounds = 10

// ErrEmptyInput is returned when Send gets neither text nor inputs.
var ErrEmptyInput = errors.New("conversation: text or at least one input is required")

// Toolbox executes tool calls. *tools.Registry implements it.
type Toolbox interface {
	Len() int
	Definitions() []llm.ToolDef
	Execute(ctx context.Context, call llm.ToolCall) (llm.ToolResult, bool)
}

type Option func(*Engine)

func WithID(id string) Option {
	return func(e *Engine) { e.id = id }
}

func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

func WithSystem(prompt string) Option {
	return func(e *Engine) { e.system = prompt }
}

func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithMaxToolRounds sets the tool round budget. Zero or less disables the
// tool loop.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) { e.maxToolRounds = n }
}

func WithTools(tb Toolbox) Option {
	return func(e *Engine) { e.tools = tb }
}

// WithExecutor runs remote calls through ex as given. Retry events are not
// published to the bus in that case; use WithRetryPolicy for that.
func WithExecutor(ex *retry.Executor) Option {
	return func(e *Engine) { e.exec = ex }
}

// WithRetryPolicy builds the engine's executor from p.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = &p }
}

func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithBus(b *bus.MessageBus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithHistory seeds the conversation, typically from a Store.
func WithHistory(msgs []llm.Message) Option {
	return func(e *Engine) { e.history = llm.CloneMessages(msgs) }
}

// Engine owns one conversation. Send and SendStream calls are serialized;
// History and State may be called at any time.
type Engine struct {
	sendMu sync.Mutex

	histMu  sync.RWMutex
	history []llm.Message

	id            string
	transport     llm.Transport
	model         string
	system        string
	maxTokens     int
	maxToolRounds int
	tools         Toolbox
	exec          *retry.Executor
	policy        *retry.Policy
	store         Store
	bus           *bus.MessageBus
	logger        *slog.Logger
}

func New(transport llm.Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("conversation: transport is required")
	}
	e := &Engine{
		transport:     transport,
		maxToolRounds: DefaultMaxToolRounds,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	if strings.TrimSpace(e.id) == "" {
		e.id = uuid.NewString()
	}
	e.logger = e.logger.With("conversation", e.id)
	if e.exec == nil {
		p := retry.MustPolicy(retry.DefaultConfig())
		if e.policy != nil {
			p = *e.policy
		}
		e.exec = retry.NewExecutor(p, retry.WithLogger(e.logger), retry.WithOnRetry(e.onRetry))
	}
	return e, nil
}

// Resume loads id from store and continues it. The engine saves back to the
// same store.
func Resume(ctx context.Context, store Store, id string, transport llm.Transport, opts ...Option) (*Engine, error) {
	st, err := store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("conversation: resume %s: %w", id, err)
	}
	base := []Option{WithID(st.ConversationID), WithHistory(st.Messages), WithStore(store)}
	return New(transport, append(base, opts...)...)
}

func (e *Engine) ID() string { return e.id }

// History returns a copy of the conversation so far.
func (e *Engine) History() []llm.Message {
	e.histMu.RLock()
	defer e.histMu.RUnlock()
	return llm.CloneMessages(e.history)
}

func (e *Engine) State() State {
	return State{ConversationID: e.id, Messages: e.History()}
}

// Send runs one exchange: the user message, the model's answer and any tool
// rounds it asks for. The returned response is the last one received. When
// only the final save fails, the response is returned together with the error.
func (e *Engine) Send(ctx context.Context, text string, inputs ...llm.Input) (*llm.Response, error) {
	user, err := userMessage(text, inputs)
	if err != nil {
		return nil, err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.appendMessage(user)
	resp, err := e.call(ctx, e.request(e.maxToolRounds))
	if err != nil {
		return nil, e.failed(err)
	}
	e.appendMessage(resp.AssistantMessage())
	return e.finish(ctx, resp, nil)
}

// SendStream is Send with the first answer streamed into an Aggregator.
// Follow-up tool rounds are not streamed; their text is pushed as one
// fragment each. Remote failures end the aggregator rather than being
// returned. When only the final save fails, Wait returns the response
// together with the error. Transports without streaming yield a
// pre-completed aggregator.
func (e *Engine) SendStream(ctx context.Context, text string, inputs ...llm.Input) (*stream.Aggregator, error) {
	user, err := userMessage(text, inputs)
	if err != nil {
		return nil, err
	}
	st, ok := e.transport.(llm.StreamingTransport)
	if !ok {
		resp, err := e.Send(ctx, text, inputs...)
		if err != nil && resp == nil {
			return stream.Failed(err, stream.WithLogger(e.logger)), nil
		}
		return stream.Finished(resp, err, stream.WithLogger(e.logger)), nil
	}

	e.sendMu.Lock()
	e.appendMessage(user)
	agg := stream.New(stream.WithLogger(e.logger))
	go func() {
		defer e.sendMu.Unlock()
		resp, err := e.stream(ctx, st, agg)
		if err != nil {
			_ = agg.CompleteWithError(e.failed(err))
			return
		}
		e.appendMessage(resp.AssistantMessage())
		resp, err = e.finish(ctx, resp, func(r *llm.Response) {
			if r.Text == "" {
				return
			}
			if agg.Text() != "" {
				agg.Push("\n\n")
			}
			agg.Push(r.Text)
		})
		if err != nil && resp == nil {
			_ = agg.CompleteWithError(err)
			return
		}
		_ = agg.Finish(resp, err)
	}()
	return agg, nil
}

// finish runs the tool loop and saves. onRound sees every follow-up response.
func (e *Engine) finish(ctx context.Context, resp *llm.Response, onRound func(*llm.Response)) (*llm.Response, error) {
	resp, err := e.toolLoop(ctx, resp, onRound)
	if err != nil {
		return nil, e.failed(err)
	}
	if err := e.save(ctx); err != nil {
		e.publish(bus.MsgSystemError, "", err.Error())
		return resp, err
	}
	return resp, nil
}

// toolLoop executes requested tools until the model stops asking or the
// round budget is spent. A round in which no call names a registered tool
// ends the loop: a results message with no results is rejected by the
// Anthropic and Bedrock APIs, and the model would only repeat the request.
func (e *Engine) toolLoop(ctx context.Context, resp *llm.Response, onRound func(*llm.Response)) (*llm.Response, error) {
	if e.maxToolRounds <= 0 || e.tools == nil || e.tools.Len() == 0 {
		return resp, nil
	}
	rounds := 0
	for rounds < e.maxToolRounds && resp.HasToolCalls() {
		results := e.runTools(ctx, resp.ToolCalls)
		if len(results) == 0 {
			e.logger.Info("no registered tool matched the requested calls, ending exchange")
			return resp, nil
		}
		rounds++
		e.appendMessage(llm.Message{Role: llm.RoleUser, ToolResults: results})

		next, err := e.call(ctx, e.request(e.maxToolRounds-rounds))
		if err != nil {
			return nil, err
		}
		resp = next
		e.appendMessage(resp.AssistantMessage())
		if onRound != nil {
			onRound(resp)
		}
	}
	if resp.HasToolCalls() {
		e.logger.Info("tool round budget exhausted", "rounds", rounds, "pending", len(resp.ToolCalls))
	}
	return resp, nil
}

// runTools executes calls in order. Unregistered names produce no result,
// so the returned slice is empty when none of the calls can run.
func (e *Engine) runTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		res, ok := e.tools.Execute(ctx, call)
		if !ok {
			e.logger.Warn("skipping unregistered tool", "tool", call.Name, "call_id", call.ID)
			continue
		}
		e.publish(bus.MsgToolCall, call.ID, call)
		if res.IsError {
			e.logger.Debug("tool failed", "tool", call.Name, "call_id", call.ID, "error", res.Content)
		}
		e.publish(bus.MsgToolResult, call.ID, res)
		results = append(results, res)
	}
	return results
}

func (e *Engine) call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return retry.Run(ctx, e.exec, func(ctx context.Context) (*llm.Response, error) {
		resp, err := e.transport.Send(ctx, req)
		if err == nil && resp == nil {
			err = &llm.APIError{Provider: e.transport.Name(), Category: llm.CategoryParse, Message: "empty response"}
		}
		return resp, err
	})
}

// midStreamError marks a failure after fragments were delivered. It hides
// the cause from retry classification so a partly streamed answer is never
// replayed.
type midStreamError struct{ err error }

func (m *midStreamError) Error() string { return m.err.Error() }

func (e *Engine) stream(ctx context.Context, st llm.StreamingTransport, agg *stream.Aggregator) (*llm.Response, error) {
	req := e.request(e.maxToolRounds)
	var delivered atomic.Bool
	resp, err := retry.Run(ctx, e.exec, func(ctx context.Context) (*llm.Response, error) {
		resp, err := st.Stream(ctx, req, func(fragment string) {
			delivered.Store(true)
			agg.Push(fragment)
			e.publish(bus.MsgStreamFragment, "", fragment)
		})
		if err != nil && delivered.Load() {
			return nil, &midStreamError{err: err}
		}
		if err == nil && resp == nil {
			resp = &llm.Response{Text: agg.Text(), StopReason: llm.StopEndTurn}
		}
		return resp, err
	})
	var mid *midStreamError
	if errors.As(err, &mid) {
		err = mid.err
	}
	return resp, err
}

// request snapshots the full history.
func (e *Engine) request(remaining int) llm.Request {
	req := llm.Request{
		Model:               e.model,
		System:              e.system,
		Messages:            e.History(),
		MaxTokens:           e.maxTokens,
		RemainingToolRounds: max(remaining, 0),
	}
	if e.maxToolRounds > 0 && e.tools != nil && e.tools.Len() > 0 {
		req.Tools = e.tools.Definitions()
	}
	return req
}

func (e *Engine) appendMessage(m llm.Message) {
	e.histMu.Lock()
	e.history = append(e.history, m.Clone())
	e.histMu.Unlock()

	t := bus.MsgUserMessage
	if m.Role == llm.RoleAssistant {
		t = bus.MsgAssistantMessage
	}
	e.publish(t, "", m)
}

func (e *Engine) save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	st := e.State()
	if err := e.store.Save(ctx, &st); err != nil {
		return fmt.Errorf("conversation: save %s: %w", e.id, err)
	}
	e.publish(bus.MsgConversationSave, "", len(st.Messages))
	return nil
}

func (e *Engine) failed(err error) error {
	e.logger.Warn("exchange failed", "error", err)
	e.publish(bus.MsgSystemError, "", err.Error())
	return err
}

func (e *Engine) onRetry(ev retry.Event) {
	e.publish(bus.MsgRetryAttempt, "", ev)
}

func (e *Engine) publish(t bus.MsgType, callID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Message{Type: t, ConversationID: e.id, ToolCallID: callID, Payload: payload})
}

func userMessage(text string, inputs []llm.Input) (llm.Message, error) {
	if strings.TrimSpace(text) == "" && len(inputs) == 0 {
		return llm.Message{}, ErrEmptyInput
	}
	m := llm.Message{Role: llm.RoleUser, Text: text}
	if len(inputs) > 0 {
		m.Inputs = append([]llm.Input(nil), inputs...)
	}
	return m, nil
}
