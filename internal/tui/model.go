// Package tui is the interactive chat front end. It streams replies from a
// conversation engine and shows tool activity published on the bus.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/llm"
	"github.com/HexSleeves/parley/internal/retry"
	"github.com/HexSleeves/parley/internal/stream"
)

const (
	maxChatLines   = 500
	maxResultLines = 8
	maxArgWidth    = 80
	tickInterval   = time.Second
)

// Sender is the part of conversation.Engine the TUI drives.
type Sender interface {
	ID() string
	SendStream(ctx context.Context, text string, inputs ...llm.Input) (*stream.Aggregator, error)
}

type lineStyle int

const (
	styleInfo lineStyle = iota
	styleUser
	styleAssistant
	styleTool
	styleResult
	styleError
)

type chatLine struct {
	text  string
	style lineStyle
}

// Model is the Bubble Tea model for the chat view.
type Model struct {
	ctx    context.Context
	sender Sender
	title  string

	lines   []chatLine
	pending strings.Builder // reply text streamed so far
	input   []rune

	busy      bool
	started   time.Time
	fragments <-chan tea.Msg
	saved     int

	width    int
	height   int
	scroll   int // lines scrolled up from the bottom
	quitting bool
}

// New creates a chat model. history seeds the transcript when resuming.
func New(ctx context.Context, sender Sender, title string, history []llm.Message) *Model {
	m := &Model{ctx: ctx, sender: sender, title: title}
	for _, msg := range history {
		m.addMessage(msg)
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.WindowSize()
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg { return TickMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		if m.busy {
			return m, tickCmd()
		}

	case streamStartedMsg:
		m.fragments = msg.ch
		return m, waitFor(msg.ch)

	case FragmentMsg:
		m.pending.WriteString(msg.Text)
		m.scroll = 0
		return m, waitFor(m.fragments)

	case ReplyDoneMsg:
		m.finishReply(msg)

	case EventMsg:
		m.handleEvent(msg.Event)
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.quitting = true
		return tea.Quit
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyCtrlU:
		m.input = m.input[:0]
	case tea.KeyUp, tea.KeyPgUp:
		step := 1
		if msg.Type == tea.KeyPgUp {
			step = max(m.chatHeight()-1, 1)
		}
		m.scroll = min(m.scroll+step, max(len(m.lines)-1, 0))
	case tea.KeyDown, tea.KeyPgDown:
		step := 1
		if msg.Type == tea.KeyPgDown {
			step = max(m.chatHeight()-1, 1)
		}
		m.scroll = max(m.scroll-step, 0)
	case tea.KeySpace:
		m.input = append(m.input, ' ')
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
	}
	return nil
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(string(m.input))
	if text == "" || m.busy {
		return nil
	}
	if text == "/quit" || text == "/exit" {
		m.quitting = true
		return tea.Quit
	}
	m.input = m.input[:0]
	m.addLines(text, styleUser, "you: ")
	m.busy = true
	m.started = time.Now()
	m.pending.Reset()
	m.scroll = 0
	return tea.Batch(m.send(text), tickCmd())
}

// send starts a streamed exchange. Fragments and the final reply are
// delivered in order on one channel.
func (m *Model) send(text string) tea.Cmd {
	ctx, sender := m.ctx, m.sender
	return func() tea.Msg {
		agg, err := sender.SendStream(ctx, text)
		if err != nil {
			return ReplyDoneMsg{Err: err}
		}
		ch := make(chan tea.Msg, 64)
		go func() {
			unsubscribe := agg.Subscribe(func(f string) { ch <- FragmentMsg{Text: f} })
			resp, err := agg.Wait(ctx)
			unsubscribe()
			ch <- ReplyDoneMsg{Resp: resp, Err: err}
			close(ch)
		}()
		return streamStartedMsg{ch: ch}
	}
}

func waitFor(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) finishReply(msg ReplyDoneMsg) {
	text := m.pending.String()
	if text == "" && msg.Resp != nil {
		text = msg.Resp.Text
	}
	if text != "" {
		m.addLines(text, styleAssistant, "")
	}
	if msg.Err != nil {
		m.addLines("error: "+msg.Err.Error(), styleError, "")
	}
	m.pending.Reset()
	m.busy = false
	m.fragments = nil
	m.scroll = 0
}

func (m *Model) handleEvent(ev bus.Message) {
	if ev.ConversationID != "" && m.sender != nil && ev.ConversationID != m.sender.ID() {
		return
	}
	switch ev.Type {
	case bus.MsgToolCall:
		call, ok := ev.Payload.(llm.ToolCall)
		if !ok {
			return
		}
		// Text streamed before the call belongs above it.
		if m.pending.Len() > 0 {
			m.addLines(m.pending.String(), styleAssistant, "")
			m.pending.Reset()
		}
		line := "→ " + call.Name
		if args := strings.TrimSpace(call.Arguments); args != "" && args != "{}" {
			line += "(" + runewidth.Truncate(args, maxArgWidth, "...") + ")"
		}
		m.addLine(line, styleTool)

	case bus.MsgToolResult:
		res, ok := ev.Payload.(llm.ToolResult)
		if !ok {
			return
		}
		style := styleResult
		if res.IsError {
			style = styleError
		}
		lines := strings.Split(strings.TrimSpace(res.Content), "\n")
		if len(lines) > maxResultLines {
			for _, l := range lines[:maxResultLines-2] {
				m.addLine("  "+strings.TrimSpace(l), style)
			}
			m.addLine(fmt.Sprintf("  ... (%d more lines)", len(lines)-(maxResultLines-2)), styleInfo)
			return
		}
		for _, l := range lines {
			if l = strings.TrimSpace(l); l != "" {
				m.addLine("  "+l, style)
			}
		}

	case bus.MsgRetryAttempt:
		if r, ok := ev.Payload.(retry.Event); ok {
			m.addLine(fmt.Sprintf("retry %d in %s: %v", r.Attempt, r.Wait.Round(time.Millisecond), r.Err), styleInfo)
		}

	case bus.MsgConversationSave:
		if n, ok := ev.Payload.(int); ok {
			m.saved = n
		}
	}
}

func (m *Model) addMessage(msg llm.Message) {
	switch {
	case msg.Role == llm.RoleUser && len(msg.ToolResults) > 0:
		m.addLine(fmt.Sprintf("  (%d tool results)", len(msg.ToolResults)), styleInfo)
	case msg.Role == llm.RoleUser:
		m.addLines(msg.Content(), styleUser, "you: ")
	default:
		if msg.Text != "" {
			m.addLines(msg.Text, styleAssistant, "")
		}
		for _, tc := range msg.ToolCalls {
			m.addLine("→ "+tc.Name, styleTool)
		}
	}
}

func (m *Model) addLines(text string, style lineStyle, prefix string) {
	for i, l := range strings.Split(text, "\n") {
		if i == 0 {
			l = prefix + l
		}
		m.addLine(l, style)
	}
	m.addLine("", styleInfo)
}

func (m *Model) addLine(text string, style lineStyle) {
	m.lines = append(m.lines, chatLine{text: text, style: style})
	if len(m.lines) > maxChatLines {
		m.lines = m.lines[len(m.lines)-maxChatLines:]
	}
}
