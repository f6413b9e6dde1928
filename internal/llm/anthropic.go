package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

func init() {
	Register("anthropic", func(cfg ProviderConfig) (Transport, error) {
		return NewAnthropicTransport(cfg)
	})
}

// AnthropicTransport wraps the Anthropic SDK. SDK-level retries are disabled;
// the retry package owns that decision.
type AnthropicTransport struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

func NewAnthropicTransport(cfg ProviderConfig) (*AnthropicTransport, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key not set (api_key or ANTHROPIC_API_KEY)")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	c := anthropic.NewClient(opts...)
	return &AnthropicTransport{
		client:    &c,
		model:     model,
		maxTokens: 4096,
		logger:    logger,
	}, nil
}

func (t *AnthropicTransport) Name() string { return "anthropic" }

func (t *AnthropicTransport) Send(ctx context.Context, req Request) (*Response, error) {
	params, err := t.params(req)
	if err != nil {
		return nil, err
	}
	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err)
	}
	return fromAnthropicMessage(msg), nil
}

func (t *AnthropicTransport) Stream(ctx context.Context, req Request, onFragment func(string)) (*Response, error) {
	params, err := t.params(req)
	if err != nil {
		return nil, err
	}
	stream := t.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, &APIError{Provider: t.Name(), Category: CategoryParse, Message: "accumulate stream event", Cause: err}
		}
		if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			onFragment(event.Delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, anthropicError(err)
	}
	return fromAnthropicMessage(&msg), nil
}

func (t *AnthropicTransport) params(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = t.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = t.maxTokens
	}
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	return params, nil
}

func toAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		// Tool results must lead the user turn that carries them.
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, in := range m.Inputs {
			b, err := anthropicInputBlock(in)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.RawArguments(), tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func anthropicInputBlock(in Input) (anthropic.ContentBlockParamUnion, error) {
	switch in.Type {
	case InputText:
		return anthropic.NewTextBlock(in.Text), nil
	case InputFile:
		if strings.HasPrefix(in.MediaType, "image/") {
			return anthropic.NewImageBlockBase64(in.MediaType, base64.StdEncoding.EncodeToString(in.Data)), nil
		}
		if isTextMedia(in.MediaType) {
			return anthropic.NewTextBlock(fileAsText(in)), nil
		}
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("anthropic: unsupported file type %q for %s", in.MediaType, in.Name)
	}
	return anthropic.ContentBlockParamUnion{}, fmt.Errorf("anthropic: unknown input type %q", in.Type)
}

func toAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		if req, ok := d.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var body []byte
		if raw := apiErr.RawJSON(); raw != "" {
			body = []byte(raw)
		}
		out := NewHTTPError("anthropic", apiErr.StatusCode, nil, body)
		if apiErr.Response != nil {
			if d, ok := ParseRetryAfter(apiErr.Response.Header, timeNow()); ok {
				out.RetryAfter = d
			}
		}
		out.Cause = err
		return out
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &APIError{Provider: "anthropic", Category: CategoryNetwork, Cause: err}
	}
	return NewTransportError("anthropic", err)
}
