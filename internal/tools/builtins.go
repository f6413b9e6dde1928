package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HexSleeves/parley/internal/config"
	"github.com/HexSleeves/parley/internal/safety"
)

const (
	ToolReadFile    = "read_file"
	ToolListDir     = "list_dir"
	ToolRunCommand  = "run_command"
	ToolCurrentTime = "current_time"

	truncationMarker = "\n[output truncated]"
)

// Builtins are the local tools shipped with parley.
type Builtins struct {
	guard     *safety.Guard
	timeout   time.Duration
	maxOutput int
	shell     string
	now       func() time.Time
}

func NewBuiltins(guard *safety.Guard, cfg config.ToolsConfig) *Builtins {
	shell := "/bin/bash"
	if s, err := exec.LookPath("bash"); err == nil {
		shell = s
	}
	b := &Builtins{
		guard:     guard,
		timeout:   cfg.CommandTimeout,
		maxOutput: cfg.MaxOutputBytes,
		shell:     shell,
		now:       time.Now,
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	if b.maxOutput <= 0 {
		b.maxOutput = 32 * 1024
	}
	return b
}

// RegisterBuiltins adds the built-in tools named in cfg.Enabled (all of them
// when the list is empty) to reg.
func RegisterBuiltins(reg *Registry, guard *safety.Guard, cfg config.ToolsConfig) error {
	b := NewBuiltins(guard, cfg)
	all := []Tool{
		{
			Name:        ToolReadFile,
			Description: "Read a UTF-8 text file from the working directory.",
			Parameters:  Schema([]Param{{Name: "path", Type: "string", Description: "File path, relative to the working directory", Required: true}}),
			Handler:     HandlerFunc(b.ReadFile),
		},
		{
			Name:        ToolListDir,
			Description: "List the entries of a directory in the working directory.",
			Parameters:  Schema([]Param{{Name: "path", Type: "string", Description: "Directory path, defaults to the working directory"}}),
			Handler:     HandlerFunc(b.ListDir),
		},
		{
			Name:        ToolRunCommand,
			Description: "Run a bash command in the working directory and return its output.",
			Parameters:  Schema([]Param{{Name: "command", Type: "string", Description: "Shell command to run", Required: true}}),
			Handler:     HandlerFunc(b.RunCommand),
		},
		{
			Name:        ToolCurrentTime,
			Description: "Return the current date and time.",
			Parameters:  Schema([]Param{{Name: "timezone", Type: "string", Description: "IANA time zone such as Europe/Paris, defaults to UTC"}}),
			Handler:     HandlerFunc(b.CurrentTime),
		},
	}

	enabled := make(map[string]bool, len(cfg.Enabled))
	for _, n := range cfg.Enabled {
		enabled[strings.TrimSpace(n)] = true
	}
	var errs []error
	for _, t := range all {
		if len(enabled) > 0 && !enabled[t.Name] {
			continue
		}
		if err := reg.Register(t.Name, t.Description, t.Parameters, t.Handler); err != nil {
			errs = append(errs, err)
		}
		delete(enabled, t.Name)
	}
	for n := range enabled {
		errs = append(errs, fmt.Errorf("unknown built-in tool %q", n))
	}
	return errors.Join(errs...)
}

func (b *Builtins) ReadFile(_ context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	path, err := b.guard.ResolvePath(p)
	if err != nil {
		return "", err
	}
	if err := b.guard.CheckFileSize(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return b.cap(string(data)), nil
}

func (b *Builtins) ListDir(_ context.Context, args map[string]any) (string, error) {
	path, err := b.guard.ResolvePath(optionalString(args, "path", "."))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			sb.WriteString(name + string(filepath.Separator) + "\n")
			continue
		}
		size := int64(-1)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&sb, "%s\t%d\n", name, size)
	}
	return b.cap(sb.String()), nil
}

// RunCommand runs the command through bash after the guard's policy check. A
// non-zero exit is reported as an error carrying the captured output.
func (b *Builtins) RunCommand(ctx context.Context, args map[string]any) (string, error) {
	script, err := stringArg(args, "command")
	if err != nil {
		return "", err
	}
	if b.guard.IsReadOnly() {
		return "", errors.New("run_command is disabled in read-only mode")
	}
	if b.guard.Enforces(ToolRunCommand) {
		if err := b.guard.CheckCommand(script); err != nil {
			return "", fmt.Errorf("command rejected: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.shell, "-c", script)
	cmd.Dir = b.guard.Root()
	cmd.WaitDelay = time.Second

	var mu sync.Mutex
	var stdout, stderr strings.Builder
	cmd.Stdout = newCappedWriter(&mu, &stdout, b.maxOutput)
	cmd.Stderr = newCappedWriter(&mu, &stderr, b.maxOutput)

	runErr := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[STDERR]\n" + stderr.String()
	}
	out = b.cap(out)

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %v\n%s", b.timeout, out)
	}
	if runErr != nil {
		return "", fmt.Errorf("exit code %d: %v\n%s", exitCode(runErr), runErr, out)
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

func (b *Builtins) CurrentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz := optionalString(args, "timezone", ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return b.now().In(loc).Format(time.RFC3339), nil
}

func (b *Builtins) cap(s string) string {
	if len(s) <= b.maxOutput {
		return s
	}
	return s[:b.maxOutput] + truncationMarker
}

// exitCode returns the process exit code, or -1 when err carries none.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedWriter appends to a shared builder under a lock. Bytes past limit+1
// are dropped; the extra byte lets cap detect the overflow.
type cappedWriter struct {
	mu    *sync.Mutex
	buf   *strings.Builder
	limit int
}

func newCappedWriter(mu *sync.Mutex, buf *strings.Builder, limit int) *cappedWriter {
	return &cappedWriter{mu: mu, buf: buf, limit: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit + 1 - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
