package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/llm"
	"github.com/HexSleeves/parley/internal/retry"
	"github.com/HexSleeves/parley/internal/tools"
)

// mockTransport replays scripted responses and records every request.
type mockTransport struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	callIndex int
	requests  []llm.Request

	// fallback is returned once the script runs out.
	fallback *llm.Response
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) Send(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.callIndex
	m.callIndex++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return &llm.Response{Text: "Done.", StopReason: llm.StopEndTurn}, nil
}

func (m *mockTransport) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIndex
}

type mockStore struct {
	mu     sync.Mutex
	states map[string]*State
	saves  int
	err    error
}

func newMockStore() *mockStore { return &mockStore{states: map[string]*State{}} }

func (s *mockStore) Load(_ context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *mockStore) Save(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.states[st.ConversationID] = st.Clone()
	return nil
}

func toolUse(id, name, args string) *llm.Response {
	return &llm.Response{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register("echo", "Echo text", nil, tools.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
		s, _ := args["text"].(string)
		return "echo: " + s, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Register("fail", "Always fails", nil, tools.HandlerFunc(func(context.Context, map[string]any) (string, error) {
		return "", errors.New("disk on fire")
	}))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func noSleepExecutor(maxRetries int) *retry.Executor {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = maxRetries
	return retry.NewExecutor(retry.MustPolicy(cfg), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func newEngine(t *testing.T, tr llm.Transport, opts ...Option) *Engine {
	t.Helper()
	e, err := New(tr, append([]Option{WithExecutor(noSleepExecutor(3))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
	e := newEngine(t, &mockTransport{})
	if e.ID() == "" {
		t.Error("id should be generated")
	}
	if e2 := newEngine(t, &mockTransport{}, WithID("fixed")); e2.ID() != "fixed" {
		t.Errorf("ID = %q", e2.ID())
	}
}

func TestSendSimple(t *testing.T) {
	tr := &mockTransport{responses: []*llm.Response{{Text: "Hi there", StopReason: llm.StopEndTurn}}}
	store := newMockStore()
	e := newEngine(t, tr, WithStore(store), WithSystem("Be brief."), WithModel("m1"), WithMaxTokens(64))

	resp, err := e.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "Hi there" {
		t.Errorf("Text = %q", resp.Text)
	}

	h := e.History()
	if len(h) != 2 || h[0].Role != llm.RoleUser || h[0].Text != "hello" || h[1].Role != llm.RoleAssistant || h[1].Text != "Hi there" {
		t.Fatalf("history = %+v", h)
	}
	req := tr.requests[0]
	if req.System != "Be brief." || req.Model != "m1" || req.MaxTokens != 64 || len(req.Messages) != 1 {
		t.Errorf("request = %+v", req)
	}
	if req.Tools != nil {
		t.Errorf("no tools should be offered without a registry: %v", req.Tools)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
	if st := store.states[e.ID()]; st == nil || len(st.Messages) != 2 {
		t.Errorf("stored state = %+v", st)
	}
}

func TestSendEmptyInput(t *testing.T) {
	tr := &mockTransport{}
	e := newEngine(t, tr)
	if _, err := e.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
	if len(e.History()) != 0 || tr.calls() != 0 {
		t.Fatal("empty input must not touch history or the transport")
	}
	if _, err := e.Send(context.Background(), "", llm.FileInput("a.txt", "text/plain", []byte("x"))); err != nil {
		t.Fatalf("file-only input should be accepted: %v", err)
	}
}

func TestToolLoopStopsAtBudget(t *testing.T) {
	for _, rounds := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", rounds), func(t *testing.T) {
			tr := &mockTransport{fallback: toolUse("c", "echo", `{"text":"again"}`)}
			store := newMockStore()
			e := newEngine(t, tr, WithTools(echoRegistry(t)), WithMaxToolRounds(rounds), WithStore(store))

			resp, err := e.Send(context.Background(), "loop forever")
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if !resp.HasToolCalls() {
				t.Error("last response should still ask for tools")
			}
			if got := tr.calls(); got != rounds+1 {
				t.Fatalf("transport calls = %d, want %d", got, rounds+1)
			}
			for i, req := range tr.requests {
				if want := rounds - i; req.RemainingToolRounds != want {
					t.Errorf("request %d RemainingToolRounds = %d, want %d", i, req.RemainingToolRounds, want)
				}
				if len(req.Tools) != 2 {
					t.Errorf("request %d tools = %v", i, req.Tools)
				}
			}
			if got, want := len(e.History()), 2+2*rounds; got != want {
				t.Errorf("history length = %d, want %d", got, want)
			}
			if store.saves != 1 {
				t.Errorf("saves = %d, want exactly 1", store.saves)
			}
		})
	}
}

func TestToolLoopResults(t *testing.T) {
	tr := &mockTransport{responses: []*llm.Response{
		{
			Text:       "working",
			StopReason: llm.StopToolUse,
			ToolCalls: []llm.ToolCall{
				{ID: "1", Name: "echo", Arguments: `{"text":"hi"}`},
				{ID: "2", Name: "unknown_tool", Arguments: `{}`},
				{ID: "3", Name: "fail", Arguments: `{}`},
				{ID: "4", Name: "echo", Arguments: `{"text":`},
			},
		},
		{Text: "all done", StopReason: llm.StopEndTurn},
	}}
	e := newEngine(t, tr, WithTools(echoRegistry(t)))

	resp, err := e.Send(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "all done" {
		t.Errorf("final text = %q", resp.Text)
	}
	h := e.History()
	if len(h) != 4 {
		t.Fatalf("history = %+v", h)
	}
	results := h[2].ToolResults
	if h[2].Role != llm.RoleUser || len(results) != 3 {
		t.Fatalf("tool result message = %+v", h[2])
	}
	want := []struct {
		id      string
		isError bool
		content string
	}{
		{"1", false, "echo: hi"},
		{"3", true, "disk on fire"},
		{"4", true, "parse arguments"},
	}
	for i, w := range want {
		r := results[i]
		if r.ToolCallID != w.id || r.IsError != w.isError || !strings.Contains(r.Content, w.content) {
			t.Errorf("result %d = %+v, want %+v", i, r, w)
		}
	}
}

func TestToolLoopOnlyUnknownTools(t *testing.T) {
	tr := &mockTransport{responses: []*llm.Response{toolUse("1", "teleport", `{}`)}}
	e := newEngine(t, tr, WithTools(echoRegistry(t)))
	if _, err := e.Send(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if tr.calls() != 1 || len(e.History()) != 2 {
		t.Fatalf("calls = %d, history = %d", tr.calls(), len(e.History()))
	}
}

func TestToolLoopDisabled(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"no registry", nil},
		{"empty registry", []Option{WithTools(tools.NewRegistry())}},
		{"zero rounds", []Option{WithTools(echoRegistry(t)), WithMaxToolRounds(0)}},
		{"negative rounds", []Option{WithTools(echoRegistry(t)), WithMaxToolRounds(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{fallback: toolUse("c", "echo", `{}`)}
			e := newEngine(t, tr, tt.opts...)
			resp, err := e.Send(context.Background(), "hi")
			if err != nil {
				t.Fatal(err)
			}
			if tr.calls() != 1 || !resp.HasToolCalls() || len(e.History()) != 2 {
				t.Fatalf("calls = %d, history = %d", tr.calls(), len(e.History()))
			}
		})
	}
}

func TestSendFailureKeepsHistory(t *testing.T) {
	unavailable := &llm.APIError{Provider: "mock", StatusCode: 503, Category: llm.CategoryServer}
	tr := &mockTransport{errs: []error{unavailable, unavailable, unavailable}}
	store := newMockStore()
	e, err := New(tr, WithExecutor(noSleepExecutor(2)), WithStore(store))
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Send(context.Background(), "first")
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("err = %v, want exhaustion after 3 attempts", err)
	}
	if ae, ok := llm.AsAPIError(err); !ok || ae.StatusCode != 503 {
		t.Errorf("last failure should unwrap to the APIError: %v", err)
	}
	if h := e.History(); len(h) != 1 || h[0].Text != "first" {
		t.Fatalf("history after failure = %+v", h)
	}
	if store.saves != 0 {
		t.Errorf("failed exchange was saved %d times", store.saves)
	}

	resp, err := e.Send(context.Background(), "second")
	if err != nil || resp.Text != "Done." {
		t.Fatalf("engine unusable after failure: %v", err)
	}
	if h := e.History(); len(h) != 3 || h[1].Text != "second" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendNonRetryable(t *testing.T) {
	tr := &mockTransport{errs: []error{&llm.APIError{Provider: "mock", StatusCode: 401, Category: llm.CategoryAuth}}}
	e := newEngine(t, tr)
	_, err := e.Send(context.Background(), "hi")
	if !llm.IsAuth(err) {
		t.Fatalf("err = %v", err)
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("non-retryable failure should not be wrapped")
	}
	if tr.calls() != 1 {
		t.Errorf("calls = %d, want 1", tr.calls())
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	tr := &mockTransport{responses: []*llm.Response{
		{Text: "one"},
		toolUse("t1", "echo", `{"text":"x"}`),
		{Text: "after tool"},
		{Text: "three"},
	}}
	e := newEngine(t, tr, WithTools(echoRegistry(t)))

	prev := e.History()
	for _, msg := range []string{"a", "b", "c"} {
		if _, err := e.Send(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
		cur := e.History()
		if len(cur) <= len(prev) {
			t.Fatalf("history did not grow: %d -> %d", len(prev), len(cur))
		}
		for i := range prev {
			if !reflect.DeepEqual(cur[i], prev[i]) {
				t.Fatalf("message %d changed after %q: %+v -> %+v", i, msg, prev[i], cur[i])
			}
		}
		prev = cur
	}
}

type mutatingTransport struct{ mockTransport }

func (m *mutatingTransport) Send(ctx context.Context, req llm.Request) (*llm.Response, error) {
	req.Messages[0].Text = "tampered"
	return m.mockTransport.Send(ctx, req)
}

func TestRequestIsSnapshot(t *testing.T) {
	e := newEngine(t, &mutatingTransport{})
	if _, err := e.Send(context.Background(), "original"); err != nil {
		t.Fatal(err)
	}
	if got := e.History()[0].Text; got != "original" {
		t.Fatalf("history mutated through request: %q", got)
	}
	h := e.History()
	h[0].Text = "caller edit"
	if e.History()[0].Text != "original" {
		t.Fatal("History must return a copy")
	}
}

func TestResume(t *testing.T) {
	store := newMockStore()
	store.states["conv-1"] = &State{ConversationID: "conv-1", Messages: []llm.Message{
		{Role: llm.RoleUser, Text: "earlier"},
		{Role: llm.RoleAssistant, Text: "reply"},
	}}
	tr := &mockTransport{}
	e, err := Resume(context.Background(), store, "conv-1", tr, WithExecutor(noSleepExecutor(0)))
	if err != nil {
		t.Fatal(err)
	}
	if e.ID() != "conv-1" || len(e.History()) != 2 {
		t.Fatalf("resumed engine = %s %+v", e.ID(), e.History())
	}
	if _, err := e.Send(context.Background(), "more"); err != nil {
		t.Fatal(err)
	}
	if len(tr.requests[0].Messages) != 3 {
		t.Errorf("request should carry the resumed history: %+v", tr.requests[0].Messages)
	}
	if len(store.states["conv-1"].Messages) != 4 {
		t.Errorf("saved state = %+v", store.states["conv-1"])
	}

	if _, err := Resume(context.Background(), store, "missing", tr); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveFailureReturnsResponse(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("disk full")
	e := newEngine(t, &mockTransport{}, WithStore(store))
	resp, err := e.Send(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.Text != "Done." {
		t.Errorf("response should survive a save failure: %+v", resp)
	}
}

func TestBusEvents(t *testing.T) {
	b := bus.New(100)
	cfg := retry.Config{Strategy: retry.StrategyFixed, MaxRetries: 1, RetryableStatus: []int{429}}
	tr := &mockTransport{
		errs:      []error{&llm.APIError{StatusCode: 429, Category: llm.CategoryRateLimit}},
		responses: []*llm.Response{nil, toolUse("c1", "echo", `{"text":"x"}`), {Text: "ok"}},
	}
	e, err := New(tr, WithBus(b), WithRetryPolicy(retry.MustPolicy(cfg)), WithTools(echoRegistry(t)), WithStore(newMockStore()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	var types []string
	for _, m := range b.History(0) {
		if m.ConversationID != e.ID() {
			t.Errorf("event %s has conversation %q", m.Type, m.ConversationID)
		}
		types = append(types, string(m.Type))
	}
	want := []string{
		"conversation.user",
		"retry.attempt",
		"conversation.assistant",
		"tool.call",
		"tool.result",
		"conversation.user",
		"conversation.assistant",
		"conversation.saved",
	}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events = %v\nwant     %v", types, want)
	}
}
