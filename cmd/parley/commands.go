package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v3"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/config"
	"github.com/HexSleeves/parley/internal/conversation"
	"github.com/HexSleeves/parley/internal/llm"
	"github.com/HexSleeves/parley/internal/retry"
	"github.com/HexSleeves/parley/internal/sigv4"
	"github.com/HexSleeves/parley/internal/state"
	"github.com/HexSleeves/parley/internal/tui"
)

const maxEventWidth = 100

func (a *app) chat(ctx context.Context, cmd *cli.Command) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.configPath, err)
	}

	prompt := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(prompt) == "" && !isTerminal(a.in) {
		data, err := io.ReadAll(a.in)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = string(data)
	}

	store, closer, err := state.Open(a.cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	b := bus.New(0)
	b.SetLogger(a.logger)
	eng, err := a.engine(ctx, store, b, cmd.String("conversation"))
	if err != nil {
		return err
	}

	if strings.TrimSpace(prompt) == "" {
		if !isTerminal(a.out) {
			return errors.New("no prompt given and stdout is not a terminal")
		}
		title := a.cfg.Provider
		if a.cfg.Model != "" {
			title += " · " + a.cfg.Model
		}
		return tui.Run(ctx, eng, b, title, eng.History())
	}

	sub := b.SubscribeAll(a.printEvent)
	defer sub.Unsubscribe()

	if cmd.Bool("no-stream") {
		resp, err := eng.Send(ctx, prompt)
		if resp != nil {
			fmt.Fprintln(a.out, resp.Text)
		}
		if err != nil {
			return err
		}
	} else {
		agg, err := eng.SendStream(ctx, prompt)
		if err != nil {
			return err
		}
		agg.Subscribe(func(f string) { fmt.Fprint(a.out, f) })
		resp, err := agg.Wait(ctx)
		if agg.Text() == "" && resp != nil {
			fmt.Fprint(a.out, resp.Text)
		}
		fmt.Fprintln(a.out)
		if err != nil {
			return err
		}
	}

	a.logger.Debug("exchange complete", "conversation", eng.ID(), "messages", len(eng.History()))
	pterm.Info.WithWriter(a.errOut).Println("conversation " + eng.ID())
	return nil
}

// printEvent reports tool and retry activity on stderr while a one-shot
// exchange runs.
func (a *app) printEvent(msg bus.Message) {
	w := a.errOut
	switch msg.Type {
	case bus.MsgToolCall:
		if call, ok := msg.Payload.(llm.ToolCall); ok {
			line := "→ " + call.Name + " " + runewidth.Truncate(call.Arguments, maxEventWidth, "...")
			fmt.Fprintln(w, pterm.FgYellow.Sprint(line))
		}
	case bus.MsgToolResult:
		if res, ok := msg.Payload.(llm.ToolResult); ok && res.IsError {
			fmt.Fprintln(w, pterm.FgRed.Sprint("  "+runewidth.Truncate(res.Content, maxEventWidth, "...")))
		}
	case bus.MsgRetryAttempt:
		if ev, ok := msg.Payload.(retry.Event); ok {
			pterm.Warning.WithWriter(w).Println(fmt.Sprintf("retry %d in %s: %v", ev.Attempt, ev.Wait.Round(time.Millisecond), ev.Err))
		}
	case bus.MsgSystemError:
		a.logger.Debug("engine error", "error", msg.Payload)
	}
}

func (a *app) history(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		id = cmd.String("conversation")
	}
	if id == "" {
		return errors.New("usage: parley history <id>")
	}
	store, closer, err := state.Open(a.cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	pterm.DefaultSection.WithWriter(a.out).Println("conversation " + st.ConversationID)
	for _, m := range st.Messages {
		a.printMessage(m)
	}
	return nil
}

func (a *app) printMessage(m llm.Message) {
	w := a.out
	switch {
	case len(m.ToolResults) > 0:
		for _, r := range m.ToolResults {
			color := pterm.FgGray
			if r.IsError {
				color = pterm.FgRed
			}
			fmt.Fprintln(w, color.Sprint("  ← "+runewidth.Truncate(strings.ReplaceAll(r.Content, "\n", " "), maxEventWidth, "...")))
		}
	case m.Role == llm.RoleUser:
		fmt.Fprintln(w, pterm.FgCyan.Sprint("you: ")+m.Content())
	default:
		if m.Text != "" {
			fmt.Fprintln(w, pterm.FgGreen.Sprint("assistant: ")+m.Text)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintln(w, pterm.FgYellow.Sprint("  → "+tc.Name+" "+tc.Arguments))
		}
	}
}

func (a *app) list(ctx context.Context, _ *cli.Command) error {
	store, closer, err := state.Open(a.cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	switch s := store.(type) {
	case *state.SQLiteStore:
		sums, err := s.List(ctx)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			pterm.Info.WithWriter(a.out).Println("no saved conversations")
			return nil
		}
		data := pterm.TableData{{"ID", "Messages", "Updated"}}
		for _, sum := range sums {
			data = append(data, []string{sum.ID, fmt.Sprint(sum.Messages), sum.UpdatedAt.Local().Format(time.DateTime)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(a.out).Render()
	case *state.FileStore:
		ids, err := s.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(a.out, id)
		}
		return nil
	}
	return fmt.Errorf("store driver %q cannot list conversations", a.cfg.Store.Driver)
}

func (a *app) delete(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: parley delete <id>")
	}
	store, closer, err := state.Open(a.cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, ok := store.(interface {
		Delete(ctx context.Context, id string) error
	})
	if !ok {
		return fmt.Errorf("store driver %q cannot delete conversations", a.cfg.Store.Driver)
	}
	if err := d.Delete(ctx, id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return fmt.Errorf("conversation %s not found", id)
		}
		return err
	}
	pterm.Success.WithWriter(a.out).Println("deleted " + id)
	return nil
}

func (a *app) initConfig(_ context.Context, cmd *cli.Command) error {
	if _, err := os.Stat(a.configPath); err == nil && !cmd.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", a.configPath)
	}
	cfg := config.DefaultConfig()
	cfg.Provider = a.cfg.Provider
	cfg.Model = a.cfg.Model
	cfg.Store = a.cfg.Store
	if err := cfg.Save(a.configPath); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Store.Dir, err)
	}
	pterm.Success.WithWriter(a.out).Println("config saved to " + a.configPath)
	pterm.Success.WithWriter(a.out).Println("conversations stored in " + cfg.Store.Dir)
	return nil
}

func (a *app) showConfig(context.Context, *cli.Command) error {
	data, err := json.MarshalIndent(a.cfg.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	pterm.DefaultSection.WithWriter(a.out).Println("configuration (" + a.configPath + ")")
	fmt.Fprintln(a.out, string(data))
	if err := a.cfg.Validate(); err != nil {
		pterm.Warning.WithWriter(a.out).Println(err.Error())
	}
	return nil
}

func (a *app) sign(_ context.Context, cmd *cli.Command) error {
	raw := cmd.Args().First()
	if raw == "" {
		return errors.New("usage: parley sign [--method M] [--body B] <url>")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	region := cmd.String("region")
	if region == "" {
		region = a.cfg.AWS.Region
	}
	creds := sigv4.Credentials{
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
		SessionToken:    a.cfg.AWS.SessionToken,
	}
	if creds.AccessKeyID == "" {
		creds = sigv4.CredentialsFromEnv()
	}

	req := sigv4.Request{
		Method: strings.ToUpper(cmd.String("method")),
		URL:    u,
		Header: http.Header{},
	}
	if body := cmd.String("body"); body != "" {
		req.Body = []byte(body)
		req.Header.Set("Content-Type", "application/json")
	}
	headers, err := sigv4.Sign(req, creds, region, cmd.String("service"), time.Now().UTC())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(a.out, "%s: %s\n", k, headers.Get(k))
	}
	return nil
}

func (a *app) providers(context.Context, *cli.Command) error {
	for _, p := range llm.Providers() {
		marker := " "
		if p == a.cfg.Provider {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %s\n", marker, p)
	}
	return nil
}
