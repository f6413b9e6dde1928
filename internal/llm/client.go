// Package llm provides a provider-agnostic interface for LLM calls.
//
// The conversation engine only ever sees Request, Response and the Transport
// interfaces declared here. Each vendor transport (Anthropic, OpenAI, Bedrock,
// CLI tools) owns its own schema mapping and registers itself in the provider
// table, see Register and New.
package llm

import "context"

// Transport sends one provider-neutral request and returns the parsed result.
// Remote failures are reported as *APIError so the retry layer can classify them.
type Transport interface {
	Name() string
	Send(ctx context.Context, req Request) (*Response, error)
}

// StreamingTransport is implemented by transports that can deliver text
// fragments as they arrive. onFragment is called from the transport's
// goroutine, in arrival order, before Stream returns the final response.
type StreamingTransport interface {
	Transport
	Stream(ctx context.Context, req Request, onFragment func(string)) (*Response, error)
}

// Request is the input to a transport. Messages is owned by the transport for
// the duration of the call; callers pass a copy of their history.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int

	// RemainingToolRounds is the tool-round budget left for the current
	// exchange. Transports may use it to stop offering tools on the last round.
	RemainingToolRounds int
}

// Response is the output from a transport.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// HasToolCalls reports whether the model asked for at least one tool invocation.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// AssistantMessage converts the response into the history entry that records it.
func (r *Response) AssistantMessage() Message {
	m := Message{Role: RoleAssistant, Text: r.Text}
	if len(r.ToolCalls) > 0 {
		m.ToolCalls = append([]ToolCall(nil), r.ToolCalls...)
	}
	return m
}

// Usage tracks token consumption as reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)
