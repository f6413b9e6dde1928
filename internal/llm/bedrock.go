package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/HexSleeves/parley/internal/sigv4"
)

const (
	bedrockService          = "bedrock"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	defaultBedrockModel     = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

func init() {
	Register("bedrock", func(cfg ProviderConfig) (Transport, error) {
		return NewBedrockTransport(cfg)
	})
}

// BedrockTransport calls InvokeModel with the Anthropic messages body. Requests
// are signed with SigV4; there is no SDK in between.
type BedrockTransport struct {
	http      *http.Client
	endpoint  *url.URL
	region    string
	creds     sigv4.Credentials
	model     string
	maxTokens int
	logger    *slog.Logger
	now       func() time.Time
}

func NewBedrockTransport(cfg ProviderConfig) (*BedrockTransport, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, fmt.Errorf("bedrock: region not set (aws.region or AWS_REGION)")
	}
	creds := cfg.Credentials
	if creds.AccessKeyID == "" && creds.SecretAccessKey == "" {
		creds = sigv4.CredentialsFromEnv()
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	base := cfg.BaseURL
	if base == "" {
		base = "https://bedrock-runtime." + region + ".amazonaws.com"
	}
	endpoint, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("bedrock: bad endpoint %q: %w", base, err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &BedrockTransport{
		http:      client,
		endpoint:  endpoint,
		region:    region,
		creds:     creds,
		model:     model,
		maxTokens: 4096,
		logger:    logger,
		now:       timeNow,
	}, nil
}

func (t *BedrockTransport) Name() string { return "bedrock" }

func (t *BedrockTransport) Send(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = t.model
	}
	body, err := t.body(req)
	if err != nil {
		return nil, err
	}

	u := *t.endpoint
	u.Path = t.endpoint.Path + "/model/" + model + "/invoke"
	// Model IDs carry a ":" version suffix that must reach the wire escaped.
	u.RawPath = t.endpoint.EscapedPath() + "/model/" + strings.ReplaceAll(url.PathEscape(model), ":", "%3A") + "/invoke"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Provider: t.Name(), Category: CategoryBadRequest, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if err := sigv4.SignRequest(httpReq, body, t.creds, t.region, bedrockService, t.now()); err != nil {
		return nil, &APIError{Provider: t.Name(), Category: CategoryAuth, Message: "sign request", Cause: err}
	}

	t.logger.Debug("bedrock invoke", "model", model, "bytes", len(body))
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, NewTransportError(t.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(t.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(t.Name(), resp.StatusCode, resp.Header, raw)
	}
	return parseBedrockResponse(raw)
}

func (t *BedrockTransport) body(req Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = t.maxTokens
	}
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	setRaw := func(path string, raw []byte) {
		if err == nil {
			body, err = sjson.SetRawBytes(body, path, raw)
		}
	}

	set("anthropic_version", bedrockAnthropicVersion)
	set("max_tokens", maxTokens)
	if req.System != "" {
		set("system", req.System)
	}
	setRaw("messages", []byte(`[]`))
	for _, m := range req.Messages {
		msg, merr := bedrockMessage(m)
		if merr != nil {
			return nil, merr
		}
		if msg != nil {
			setRaw("messages.-1", msg)
		}
	}
	for _, d := range req.Tools {
		set("tools.-1", map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": d.Parameters,
		})
	}
	if err != nil {
		return nil, &APIError{Provider: "bedrock", Category: CategoryBadRequest, Message: "encode request", Cause: err}
	}
	return body, nil
}

// bedrockMessage encodes one history entry as an Anthropic message, or nil
// when it has no content.
func bedrockMessage(m Message) ([]byte, error) {
	var blocks [][]byte
	add := func(v map[string]any) error {
		b, err := sjson.SetBytes([]byte(`{}`), "block", v)
		if err != nil {
			return err
		}
		blocks = append(blocks, []byte(gjson.GetBytes(b, "block").Raw))
		return nil
	}

	for _, r := range m.ToolResults {
		if err := add(map[string]any{"type": "tool_result", "tool_use_id": r.ToolCallID, "content": r.Content, "is_error": r.IsError}); err != nil {
			return nil, err
		}
	}
	if m.Text != "" {
		if err := add(map[string]any{"type": "text", "text": m.Text}); err != nil {
			return nil, err
		}
	}
	for _, in := range m.Inputs {
		var block map[string]any
		switch {
		case in.Type == InputText:
			block = map[string]any{"type": "text", "text": in.Text}
		case in.Type == InputFile && strings.HasPrefix(in.MediaType, "image/"):
			block = map[string]any{"type": "image", "source": map[string]any{
				"type":       "base64",
				"media_type": in.MediaType,
				"data":       base64.StdEncoding.EncodeToString(in.Data),
			}}
		case in.Type == InputFile && isTextMedia(in.MediaType):
			block = map[string]any{"type": "text", "text": fileAsText(in)}
		default:
			return nil, fmt.Errorf("bedrock: unsupported input %q (%s)", in.Name, in.MediaType)
		}
		if err := add(block); err != nil {
			return nil, err
		}
	}
	for _, tc := range m.ToolCalls {
		b, err := sjson.SetBytes([]byte(`{"type":"tool_use"}`), "id", tc.ID)
		if err == nil {
			b, err = sjson.SetBytes(b, "name", tc.Name)
		}
		if err == nil {
			b, err = sjson.SetRawBytes(b, "input", tc.RawArguments())
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	role := RoleUser
	if m.Role == RoleAssistant {
		role = RoleAssistant
	}
	msg, err := sjson.SetBytes([]byte(`{}`), "role", string(role))
	if err != nil {
		return nil, err
	}
	content := append([]byte{'['}, bytes.Join(blocks, []byte{','})...)
	content = append(content, ']')
	return sjson.SetRawBytes(msg, "content", content)
}

func parseBedrockResponse(raw []byte) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &APIError{Provider: "bedrock", Category: CategoryParse, Message: "response is not JSON", Raw: truncate(raw, maxRawBody)}
	}
	root := gjson.ParseBytes(raw)
	resp := &Response{
		StopReason: root.Get("stop_reason").String(),
		Usage: Usage{
			InputTokens:  int(root.Get("usage.input_tokens").Int()),
			OutputTokens: int(root.Get("usage.output_tokens").Int()),
		},
	}
	var text strings.Builder
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: args,
			})
		}
		return true
	})
	resp.Text = text.String()
	return resp, nil
}
