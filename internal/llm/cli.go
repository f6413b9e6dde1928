package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

func init() {
	claude := func(cfg ProviderConfig) (Transport, error) {
		return NewCLITransport(CLIConfig{Name: "claude-cli", Command: "claude", Args: []string{"-p"}}, cfg)
	}
	Register("claude-cli", claude)
	Register("claude-code", claude)
	Register("kimi", func(cfg ProviderConfig) (Transport, error) {
		return NewCLITransport(CLIConfig{
			Name:          "kimi",
			Command:       "kimi",
			Args:          []string{"--print", "--final-message-only", "-p"},
			FallbackPaths: []string{os.ExpandEnv("$HOME/.local/bin/kimi"), "/usr/local/bin/kimi"},
		}, cfg)
	})
	Register("gemini", func(cfg ProviderConfig) (Transport, error) {
		return NewCLITransport(CLIConfig{
			Name:          "gemini",
			Command:       "gemini",
			Pipe:          true,
			FallbackPaths: []string{os.ExpandEnv("$HOME/.bun/bin/gemini"), "/usr/local/bin/gemini"},
		}, cfg)
	})
	Register("opencode", func(cfg ProviderConfig) (Transport, error) {
		return NewCLITransport(CLIConfig{
			Name:          "opencode",
			Command:       "opencode",
			Args:          []string{"run"},
			FallbackPaths: []string{os.ExpandEnv("$HOME/.opencode/bin/opencode"), "/usr/local/bin/opencode"},
		}, cfg)
	})
}

// CLIConfig describes how to drive a local agent CLI in one-shot mode.
type CLIConfig struct {
	Name    string
	Command string
	Args    []string // placed before the prompt, e.g. ["--print", "-p"]
	Pipe    bool     // write the prompt to stdin instead of appending it as an argument

	// FallbackPaths are tried when Command is not on PATH.
	FallbackPaths []string
}

// CLITransport uses an external CLI tool (claude, kimi, gemini, opencode) as
// the model. It needs no API key and cannot offer tools; the whole history is
// flattened into a single prompt.
type CLITransport struct {
	name    string
	command string
	args    []string
	workDir string
	pipe    bool
	logger  *slog.Logger
}

// NewCLITransport resolves the binary up front so a missing tool fails at
// construction. cfg.BaseURL, when set, overrides the command path.
func NewCLITransport(cc CLIConfig, cfg ProviderConfig) (*CLITransport, error) {
	command := cc.Command
	if cfg.BaseURL != "" {
		command = cfg.BaseURL
	}
	path, err := lookupCommand(command, cc.FallbackPaths)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cc.Name, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &CLITransport{
		name:    cc.Name,
		command: path,
		args:    append([]string(nil), cc.Args...),
		workDir: cfg.WorkDir,
		pipe:    cc.Pipe,
		logger:  logger,
	}, nil
}

func lookupCommand(command string, fallbacks []string) (string, error) {
	if p, err := exec.LookPath(command); err == nil {
		return p, nil
	}
	for _, p := range fallbacks {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("command %q not found on PATH", command)
}

func (c *CLITransport) Name() string { return c.name }

func (c *CLITransport) Send(ctx context.Context, req Request) (*Response, error) {
	out, err := c.run(ctx, FlattenPrompt(req.System, req.Messages))
	if err != nil {
		return nil, err
	}
	return &Response{Text: out, StopReason: StopEndTurn}, nil
}

// FlattenPrompt renders a system prompt and history as one plain-text prompt.
func FlattenPrompt(system string, msgs []Message) string {
	var prompt strings.Builder
	if system != "" {
		prompt.WriteString(system)
		prompt.WriteString("\n\n")
	}
	for _, m := range msgs {
		content := m.Content()
		for _, r := range m.ToolResults {
			if content != "" {
				content += "\n"
			}
			content += "tool result: " + r.Content
		}
		if content == "" {
			continue
		}
		fmt.Fprintf(&prompt, "[%s]: %s\n\n", m.Role, content)
	}
	return strings.TrimRight(prompt.String(), "\n")
}

func (c *CLITransport) run(ctx context.Context, prompt string) (string, error) {
	args := append([]string(nil), c.args...)

	var cmd *exec.Cmd
	if c.pipe {
		cmd = exec.CommandContext(ctx, c.command, args...)
		cmd.Stdin = strings.NewReader(prompt)
	} else {
		cmd = exec.CommandContext(ctx, c.command, append(args, prompt)...)
	}
	if c.workDir != "" {
		cmd.Dir = c.workDir
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("cli invoke", "command", c.command, "pipe", c.pipe, "prompt_bytes", len(prompt))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", NewTransportError(c.name, ctxErr)
		}
		return "", &APIError{
			Provider: c.name,
			Category: CategoryUnknown,
			Message:  strings.TrimSpace(string(truncate(stderr.Bytes(), 2048))),
			Cause:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}
