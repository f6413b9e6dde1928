package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const defaultOpenAIModel = "gpt-4o"

func init() {
	f := func(cfg ProviderConfig) (Transport, error) { return NewOpenAITransport(cfg) }
	Register("openai", f)
	Register("openai-compatible", f)
}

// OpenAITransport uses the official openai-go SDK's Chat Completions API.
type OpenAITransport struct {
	cli    openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAITransport(cfg ProviderConfig) (*OpenAITransport, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	// Self-hosted compatible endpoints often run without a key.
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: API key not set (api_key or OPENAI_API_KEY)")
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &OpenAITransport{
		cli:    openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

func (t *OpenAITransport) Name() string { return "openai" }

func (t *OpenAITransport) Send(ctx context.Context, req Request) (*Response, error) {
	params, err := t.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := t.cli.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openaiError(err)
	}
	return fromChatCompletion(resp)
}

// Stream performs a streaming Chat Completions request. Tool-call deltas are
// merged by index.
func (t *OpenAITransport) Stream(ctx context.Context, req Request, onFragment func(string)) (*Response, error) {
	params, err := t.params(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := t.cli.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text   strings.Builder
		out    Response
		byIdx  = make(map[int]*ToolCall)
		maxIdx = -1
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			out.Usage = Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			onFragment(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := byIdx[idx]
			if !ok {
				existing = &ToolCall{}
				byIdx[idx] = existing
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name += tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			out.StopReason = normalizeFinishReason(choice.FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, openaiError(err)
	}
	for i := 0; i <= maxIdx; i++ {
		if tc, ok := byIdx[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *tc)
		}
	}
	out.Text = text.String()
	return &out, nil
}

func (t *OpenAITransport) params(req Request) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = t.model
	}
	msgs, err := toChatMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = toChatTools(req.Tools)
	}
	return params, nil
}

func toChatMessages(system string, msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(system)},
			},
		})
	}
	for _, m := range msgs {
		// Chat Completions carries tool results as separate "tool" messages.
		for _, r := range m.ToolResults {
			content := r.Content
			if r.IsError {
				content = "Error: " + content
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: r.ToolCallID,
					Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(content)},
				},
			})
		}
		switch m.Role {
		case RoleAssistant:
			asst := &openai.ChatCompletionAssistantMessageParam{}
			if m.Text != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Text)}
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		default:
			if m.Text == "" && len(m.Inputs) == 0 {
				continue
			}
			user, err := chatUserMessage(m)
			if err != nil {
				return nil, err
			}
			out = append(out, user)
		}
	}
	return out, nil
}

func chatUserMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	if len(m.Inputs) == 0 {
		return openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.Text)},
			},
		}, nil
	}
	var parts []openai.ChatCompletionContentPartUnionParam
	if m.Text != "" {
		parts = append(parts, openai.ChatCompletionContentPartUnionParam{
			OfText: &openai.ChatCompletionContentPartTextParam{Text: m.Text},
		})
	}
	for _, in := range m.Inputs {
		switch {
		case in.Type == InputText:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: in.Text},
			})
		case strings.HasPrefix(in.MediaType, "image/"):
			url := "data:" + in.MediaType + ";base64," + base64.StdEncoding.EncodeToString(in.Data)
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
				},
			})
		case isTextMedia(in.MediaType):
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: fileAsText(in)},
			})
		default:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported file type %q for %s", in.MediaType, in.Name)
		}
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}, nil
}

func toChatTools(defs []ToolDef) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(defs))
	for i, d := range defs {
		out[i] = openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        d.Name,
					Description: openai.String(d.Description),
					Parameters:  shared.FunctionParameters(d.Parameters),
				},
			},
		}
	}
	return out
}

func fromChatCompletion(resp *openai.ChatCompletion) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &APIError{Provider: "openai", Category: CategoryParse, Message: "empty response (no choices)"}
	}
	choice := resp.Choices[0]
	out := &Response{
		Text:       choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "function" {
			continue
		}
		fn := tc.AsFunction()
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        fn.ID,
			Name:      fn.Function.Name,
			Arguments: fn.Function.Arguments,
		})
	}
	return out, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	}
	return reason
}

func openaiError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var body []byte
		if raw := apiErr.RawJSON(); raw != "" {
			body = []byte(raw)
		}
		out := NewHTTPError("openai", apiErr.StatusCode, nil, body)
		if apiErr.Response != nil {
			if d, ok := ParseRetryAfter(apiErr.Response.Header, timeNow()); ok {
				out.RetryAfter = d
			}
		}
		out.Cause = err
		return out
	}
	return NewTransportError("openai", err)
}
