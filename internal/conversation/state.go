package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HexSleeves/parley/internal/llm"
)

// ErrNotFound is returned by Store.Load when no conversation has the id.
var ErrNotFound = errors.New("conversation: not found")

// Store persists conversation state between runs.
type Store interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, st *State) error
}

// State is the persisted form of a conversation.
type State struct {
	ConversationID string
	Messages       []llm.Message
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{ConversationID: s.ConversationID, Messages: llm.CloneMessages(s.Messages)}
}

type stateJSON struct {
	ConversationID string        `json:"conversationId"`
	Messages       []messageJSON `json:"messages"`
}

type messageJSON struct {
	Role        string           `json:"role"`
	Text        string           `json:"text,omitempty"`
	Inputs      []inputJSON      `json:"inputs,omitempty"`
	ToolCalls   []toolCallJSON   `json:"toolCalls,omitempty"`
	ToolResults []toolResultJSON `json:"toolResults,omitempty"`
}

type inputJSON struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolResultJSON struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	Error      bool   `json:"error"`
}

// MarshalState encodes st as JSON. File inputs are dropped; a message left
// with no content keeps a text input naming its files so the turn survives a
// reload. Tool call arguments are stored as the raw text the provider sent.
func MarshalState(st *State) ([]byte, error) {
	if st == nil {
		return nil, errors.New("conversation: nil state")
	}
	out := stateJSON{ConversationID: st.ConversationID, Messages: make([]messageJSON, 0, len(st.Messages))}
	for _, m := range st.Messages {
		mj := messageJSON{Role: string(m.Role), Text: m.Text}
		var files []string
		for _, in := range m.Inputs {
			if in.Type == llm.InputText {
				mj.Inputs = append(mj.Inputs, inputJSON{Type: string(in.Type), Text: in.Text})
			} else {
				files = append(files, in.Name)
			}
		}
		if len(files) > 0 && strings.TrimSpace(mj.Text) == "" && len(mj.Inputs) == 0 {
			mj.Inputs = append(mj.Inputs, inputJSON{Type: string(llm.InputText), Text: "[attached: " + strings.Join(files, ", ") + "]"})
		}
		for _, tc := range m.ToolCalls {
			mj.ToolCalls = append(mj.ToolCalls, toolCallJSON{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		for _, r := range m.ToolResults {
			mj.ToolResults = append(mj.ToolResults, toolResultJSON{ToolCallID: r.ToolCallID, Content: r.Content, Error: r.IsError})
		}
		out.Messages = append(out.Messages, mj)
	}
	return json.Marshal(out)
}

// UnmarshalState decodes data produced by MarshalState.
func UnmarshalState(data []byte) (*State, error) {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("conversation: decode state: %w", err)
	}
	if in.ConversationID == "" {
		return nil, errors.New("conversation: decode state: missing conversationId")
	}
	st := &State{ConversationID: in.ConversationID, Messages: make([]llm.Message, 0, len(in.Messages))}
	for i, mj := range in.Messages {
		role := llm.Role(mj.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			return nil, fmt.Errorf("conversation: decode state: message %d has role %q", i, mj.Role)
		}
		m := llm.Message{Role: role, Text: mj.Text}
		for _, in := range mj.Inputs {
			m.Inputs = append(m.Inputs, llm.TextInput(in.Text))
		}
		for _, tc := range mj.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		for _, r := range mj.ToolResults {
			m.ToolResults = append(m.ToolResults, llm.ToolResult{ToolCallID: r.ToolCallID, Content: r.Content, IsError: r.Error})
		}
		st.Messages = append(st.Messages, m)
	}
	return st, nil
}
