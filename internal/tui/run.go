package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/llm"
)

// Run shows the chat until the user quits or ctx is cancelled. Events on b
// are forwarded to the program for the life of the session.
func Run(ctx context.Context, sender Sender, b *bus.MessageBus, title string, history []llm.Message) error {
	m := New(ctx, sender, title, history)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	if b != nil {
		sub := b.SubscribeAll(func(msg bus.Message) {
			if msg.Type == bus.MsgStreamFragment {
				return
			}
			p.Send(EventMsg{Event: msg})
		})
		defer sub.Unsubscribe()
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
