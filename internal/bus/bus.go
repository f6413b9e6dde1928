// Package bus is an in-process publish/subscribe hub for conversation events.
// The engine publishes; the CLI, the TUI and loggers subscribe.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

type MsgType string

const (
	MsgUserMessage      MsgType = "conversation.user"
	MsgAssistantMessage MsgType = "conversation.assistant"
	MsgToolCall         MsgType = "tool.call"
	MsgToolResult       MsgType = "tool.result"
	MsgRetryAttempt     MsgType = "retry.attempt"
	MsgConversationSave MsgType = "conversation.saved"
	MsgStreamFragment   MsgType = "stream.fragment"
	MsgSystemError      MsgType = "system.error"
)

const wildcard MsgType = "*"

type Message struct {
	Type           MsgType   `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Time           time.Time `json:"time"`
}

type Handler func(msg Message)

type entry struct {
	id int
	h  Handler
}

// Subscription removes its handler when Unsubscribe is called.
type Subscription struct {
	once sync.Once
	fn   func()
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.fn)
}

type MessageBus struct {
	mu       sync.RWMutex
	handlers map[MsgType][]entry
	nextID   int
	history  []Message
	maxHist  int
	logger   *slog.Logger
}

func New(maxHistory int) *MessageBus {
	if maxHistory <= 0 {
		maxHistory = 10000
	}
	return &MessageBus{
		handlers: make(map[MsgType][]entry),
		maxHist:  maxHistory,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the logger used to report handler panics.
func (b *MessageBus) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

func (b *MessageBus) Subscribe(msgType MsgType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[msgType] = append(b.handlers[msgType], entry{id: id, h: h})
	return &Subscription{fn: func() { b.remove(msgType, id) }}
}

func (b *MessageBus) SubscribeAll(h Handler) *Subscription {
	return b.Subscribe(wildcard, h)
}

func (b *MessageBus) remove(msgType MsgType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[msgType]
	for i, e := range list {
		if e.id == id {
			b.handlers[msgType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish records msg and calls type-specific handlers, then wildcard
// handlers, synchronously. A zero Time is stamped with the current time.
func (b *MessageBus) Publish(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		// Copy to a new slice to release the old backing array
		trimmed := make([]Message, b.maxHist)
		copy(trimmed, b.history[len(b.history)-b.maxHist:])
		b.history = trimmed
	}
	specific := make([]entry, len(b.handlers[msg.Type]))
	copy(specific, b.handlers[msg.Type])
	all := make([]entry, len(b.handlers[wildcard]))
	copy(all, b.handlers[wildcard])
	logger := b.logger
	b.mu.Unlock()

	for _, e := range specific {
		dispatch(logger, msg, e.h, false)
	}
	for _, e := range all {
		dispatch(logger, msg, e.h, true)
	}
}

func dispatch(logger *slog.Logger, msg Message, h Handler, wild bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus handler panicked", "type", msg.Type, "wildcard", wild, "panic", r)
		}
	}()
	h(msg)
}

func (b *MessageBus) History(n int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	start := len(b.history) - n
	result := make([]Message, n)
	copy(result, b.history[start:])
	return result
}
