package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/llm"
)

// TickMsg drives the elapsed-time display while a reply is in flight.
type TickMsg struct{}

// EventMsg carries a bus event into the program.
type EventMsg struct {
	Event bus.Message
}

// streamStartedMsg hands the model the channel a reply's fragments arrive on.
type streamStartedMsg struct {
	ch <-chan tea.Msg
}

// FragmentMsg is one streamed piece of the assistant's reply.
type FragmentMsg struct {
	Text string
}

// ReplyDoneMsg ends an exchange.
type ReplyDoneMsg struct {
	Resp *llm.Response
	Err  error
}
