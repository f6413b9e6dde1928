package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type InputType string

const (
	InputText InputType = "text"
	InputFile InputType = "file"
)

// Input is one typed piece of user input. File inputs carry raw bytes and are
// never persisted.
type Input struct {
	Type      InputType
	Text      string
	Name      string
	MediaType string
	Data      []byte
}

// TextInput returns a text Input.
func TextInput(text string) Input {
	return Input{Type: InputText, Text: text}
}

// FileInput returns a file Input.
func FileInput(name, mediaType string, data []byte) Input {
	return Input{Type: InputFile, Name: name, MediaType: mediaType, Data: data}
}

// Message represents a single conversation turn.
type Message struct {
	Role        Role
	Text        string
	Inputs      []Input
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.Inputs != nil {
		out.Inputs = make([]Input, len(m.Inputs))
		for i, in := range m.Inputs {
			out.Inputs[i] = in
			if in.Data != nil {
				out.Inputs[i].Data = append([]byte(nil), in.Data...)
			}
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	return out
}

// Content flattens the message text and its text inputs into one string.
// Transports without structured content (CLI tools) use it.
func (m Message) Content() string {
	var b strings.Builder
	b.WriteString(m.Text)
	for _, in := range m.Inputs {
		if in.Type != InputText || in.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(in.Text)
	}
	return b.String()
}

// CloneMessages deep-copies a history slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ToolCall represents a tool invocation requested by the LLM.
// Arguments holds the serialized JSON exactly as the provider sent it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Args parses Arguments into a map. An empty payload yields an empty map.
func (tc ToolCall) Args() (map[string]any, error) {
	args := map[string]any{}
	raw := strings.TrimSpace(tc.Arguments)
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool %s: parse arguments: %w", tc.Name, err)
	}
	return args, nil
}

// Arg reads a single argument by gjson path without a full parse.
func (tc ToolCall) Arg(path string) gjson.Result {
	return gjson.Get(tc.Arguments, path)
}

// RawArguments returns Arguments as a json.RawMessage, substituting an empty
// object when the payload is not valid JSON.
func (tc ToolCall) RawArguments() json.RawMessage {
	if gjson.Valid(tc.Arguments) {
		return json.RawMessage(tc.Arguments)
	}
	return json.RawMessage("{}")
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef defines a tool for the LLM.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}
