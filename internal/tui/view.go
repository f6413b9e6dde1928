package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	resultStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	inputStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func (s lineStyle) render(text string) string {
	switch s {
	case styleUser:
		return userStyle.Render(text)
	case styleAssistant:
		return assistantStyle.Render(text)
	case styleTool:
		return toolStyle.Render(text)
	case styleResult:
		return resultStyle.Render(text)
	case styleError:
		return errorStyle.Render(text)
	}
	return infoStyle.Render(text)
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.transcript())
	b.WriteString("\n")
	b.WriteString(m.inputBox())
	return b.String()
}

func (m *Model) header() string {
	title := titleStyle.Render("parley")
	if m.title != "" {
		title += statusStyle.Render("  " + m.title)
	}
	var status string
	switch {
	case m.busy:
		status = fmt.Sprintf("thinking %s", time.Since(m.started).Truncate(time.Second))
	case m.saved > 0:
		status = fmt.Sprintf("saved %d messages", m.saved)
	}
	gap := m.width - lipgloss.Width(title) - runewidth.StringWidth(status)
	if gap < 1 {
		return title
	}
	return title + strings.Repeat(" ", gap) + statusStyle.Render(status)
}

// chatHeight is the number of transcript rows that fit above the input box.
func (m *Model) chatHeight() int {
	return max(m.height-5, 1)
}

func (m *Model) transcript() string {
	rows := m.wrapped()
	h := m.chatHeight()
	end := max(len(rows)-m.scroll, 0)
	start := max(end-h, 0)
	visible := rows[start:end]

	var b strings.Builder
	for i := len(visible); i < h; i++ {
		b.WriteString("\n")
	}
	for i, r := range visible {
		b.WriteString(r)
		if i < len(visible)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// wrapped renders every line, wrapped to the terminal width, plus the reply
// still being streamed.
func (m *Model) wrapped() []string {
	width := max(m.width-1, 10)
	var rows []string
	add := func(text string, style lineStyle) {
		for _, w := range wrap(text, width) {
			rows = append(rows, style.render(w))
		}
	}
	for _, l := range m.lines {
		add(l.text, l.style)
	}
	if m.pending.Len() > 0 {
		for _, l := range strings.Split(m.pending.String(), "\n") {
			add(l, styleAssistant)
		}
	}
	return rows
}

func (m *Model) inputBox() string {
	prompt := string(m.input)
	if m.busy {
		prompt = statusStyle.Render("waiting for reply...")
	} else {
		prompt += "█"
	}
	inner := max(m.width-4, 10)
	if runewidth.StringWidth(string(m.input)) > inner-1 {
		prompt = runewidth.TruncateLeft(prompt, runewidth.StringWidth(prompt)-inner+1, "…")
	}
	return inputStyle.Width(inner).Render(prompt)
}

// wrap splits s into rows no wider than width cells.
func wrap(s string, width int) []string {
	if s == "" {
		return []string{""}
	}
	var rows []string
	for runewidth.StringWidth(s) > width {
		cut := runewidth.Truncate(s, width, "")
		if i := strings.LastIndexByte(cut, ' '); i > width/2 {
			cut = cut[:i]
		}
		rows = append(rows, cut)
		s = strings.TrimLeft(s[len(cut):], " ")
	}
	return append(rows, s)
}
