package llm

import (
	"strings"
	"testing"
)

func TestResponseHelpers(t *testing.T) {
	var nilResp *Response
	if nilResp.HasToolCalls() {
		t.Fatal("nil response has no tool calls")
	}
	r := &Response{Text: "checking", ToolCalls: []ToolCall{{ID: "t1", Name: "read_file", Arguments: `{"path":"a"}`}}}
	if !r.HasToolCalls() {
		t.Fatal("HasToolCalls = false")
	}
	m := r.AssistantMessage()
	if m.Role != RoleAssistant || m.Text != "checking" || len(m.ToolCalls) != 1 {
		t.Fatalf("AssistantMessage = %+v", m)
	}
	r.ToolCalls[0].Name = "mutated"
	if m.ToolCalls[0].Name != "read_file" {
		t.Error("AssistantMessage shares the tool call slice")
	}
}

func TestMessageClone(t *testing.T) {
	orig := Message{
		Role:        RoleUser,
		Text:        "hi",
		Inputs:      []Input{FileInput("a.txt", "text/plain", []byte("abc"))},
		ToolResults: []ToolResult{{ToolCallID: "1", Content: "ok"}},
	}
	c := orig.Clone()
	c.Inputs[0].Data[0] = 'X'
	c.ToolResults[0].Content = "changed"
	if string(orig.Inputs[0].Data) != "abc" || orig.ToolResults[0].Content != "ok" {
		t.Fatalf("Clone shares memory with original: %+v", orig)
	}
	if CloneMessages(nil) != nil {
		t.Error("CloneMessages(nil) should be nil")
	}
	if got := CloneMessages([]Message{orig}); len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("CloneMessages = %+v", got)
	}
}

func TestMessageContent(t *testing.T) {
	m := Message{
		Role: RoleUser,
		Text: "summarize",
		Inputs: []Input{
			TextInput("first"),
			FileInput("img.png", "image/png", []byte{1, 2}),
			TextInput("second"),
		},
	}
	if got := m.Content(); got != "summarize\n\nfirst\n\nsecond" {
		t.Fatalf("Content = %q", got)
	}
	if got := (Message{Inputs: []Input{TextInput("only")}}).Content(); got != "only" {
		t.Errorf("Content = %q", got)
	}
}

func TestToolCallArgs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		wantLen int
	}{
		{"object", `{"path":"a.txt","depth":2}`, false, 2},
		{"empty", "", false, 0},
		{"whitespace", "  ", false, 0},
		{"truncated", `{"path":`, true, 0},
		{"array", `[1,2]`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ToolCall{Name: "x", Arguments: tt.raw}.Args()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Args() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(args) != tt.wantLen {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantLen)
			}
		})
	}

	tc := ToolCall{Arguments: `{"opts":{"depth":3}}`}
	if tc.Arg("opts.depth").Int() != 3 {
		t.Errorf("Arg(opts.depth) = %v", tc.Arg("opts.depth"))
	}
	if string(ToolCall{Arguments: "nope"}.RawArguments()) != "{}" {
		t.Error("invalid JSON should become an empty object")
	}
}

func TestFlattenPrompt(t *testing.T) {
	got := FlattenPrompt("Be brief.", []Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
		{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "1", Content: "42"}}},
		{Role: RoleAssistant},
	})
	want := "Be brief.\n\n[user]: hi\n\n[assistant]: hello\n\n[user]: tool result: 42"
	if got != want {
		t.Fatalf("FlattenPrompt =\n%q\nwant\n%q", got, want)
	}
	if !strings.HasPrefix(FlattenPrompt("", []Message{{Role: RoleUser, Text: "x"}}), "[user]") {
		t.Error("empty system prompt should not add a preamble")
	}
}
