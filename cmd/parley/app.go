package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/HexSleeves/parley/internal/bus"
	"github.com/HexSleeves/parley/internal/config"
	"github.com/HexSleeves/parley/internal/conversation"
	"github.com/HexSleeves/parley/internal/llm"
	"github.com/HexSleeves/parley/internal/retry"
	"github.com/HexSleeves/parley/internal/safety"
	"github.com/HexSleeves/parley/internal/sigv4"
	"github.com/HexSleeves/parley/internal/tools"
)

const version = "0.1.0"

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newApp(in io.Reader, out, errOut io.Writer) *cli.Command {
	a := &app{in: in, out: out, errOut: errOut}
	return a.command()
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:      "parley",
		Usage:     "talk to LLM providers with tools, retries and saved conversations",
		Version:   version,
		Writer:    a.out,
		ErrWriter: a.errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, Usage: "config file (json, yaml or toml)"},
			&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "provider name, see `parley providers`"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model id"},
			&cli.StringFlag{Name: "conversation", Aliases: []string{"C"}, Usage: "conversation id to resume or create"},
			&cli.IntFlag{Name: "max-tool-rounds", Usage: "tool round budget per message, 0 disables tools"},
			&cli.BoolFlag{Name: "no-stream", Usage: "wait for the whole reply instead of streaming it"},
			&cli.BoolFlag{Name: "verbose", Usage: "debug logging"},
		},
		Before: a.before,
		Commands: []*cli.Command{
			{
				Name:      "chat",
				Usage:     "send a message, or open the interactive chat when no prompt is given",
				ArgsUsage: "[prompt]",
				Action:    a.chat,
			},
			{
				Name:      "history",
				Usage:     "print a saved conversation",
				ArgsUsage: "<id>",
				Action:    a.history,
			},
			{
				Name:   "list",
				Usage:  "list saved conversations",
				Action: a.list,
			},
			{
				Name:      "delete",
				Usage:     "delete a saved conversation",
				ArgsUsage: "<id>",
				Action:    a.delete,
			},
			{
				Name:  "init",
				Usage: "write a default config file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing config file"},
				},
				Action: a.initConfig,
			},
			{
				Name:   "config",
				Usage:  "show the effective configuration",
				Action: a.showConfig,
			},
			{
				Name:      "sign",
				Usage:     "print SigV4 headers for a request",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "method", Value: "GET", Usage: "HTTP method"},
					&cli.StringFlag{Name: "body", Usage: "request body"},
					&cli.StringFlag{Name: "service", Value: "bedrock", Usage: "AWS service name"},
					&cli.StringFlag{Name: "region", Usage: "AWS region, defaults to aws.region"},
				},
				Action: a.sign,
			},
			{
				Name:   "providers",
				Usage:  "list registered providers",
				Action: a.providers,
			},
			{
				Name:  "version",
				Usage: "show version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Fprintf(a.out, "parley v%s\n", version)
					return nil
				},
			},
		},
	}
}

// before sets up logging and loads the config, applying flag overrides.
func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))

	a.configPath = cmd.String("config")
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return ctx, err
	}
	if v := cmd.String("provider"); v != "" {
		cfg.Provider = v
	}
	if v := cmd.String("model"); v != "" {
		cfg.Model = v
	}
	if cmd.IsSet("max-tool-rounds") {
		cfg.MaxToolRounds = cmd.Int("max-tool-rounds")
	}
	a.cfg = cfg
	return ctx, nil
}

func (a *app) transport() (llm.Transport, error) {
	cfg := a.cfg
	creds := sigv4.Credentials{
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
	}
	return llm.New(llm.ProviderConfig{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		WorkDir:     cfg.WorkDir,
		Region:      cfg.AWS.Region,
		Credentials: creds,
		Logger:      a.logger,
	})
}

// engine opens conversation id from store, or starts it when it does not
// exist yet. An empty id starts a fresh conversation.
func (a *app) engine(ctx context.Context, store conversation.Store, b *bus.MessageBus, id string) (*conversation.Engine, error) {
	cfg := a.cfg
	transport, err := a.transport()
	if err != nil {
		return nil, err
	}
	guard, err := safety.NewGuard(cfg.Safety, cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, guard, cfg.Tools); err != nil {
		return nil, err
	}
	policy, err := retry.NewPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}

	opts := []conversation.Option{
		conversation.WithModel(cfg.Model),
		conversation.WithSystem(cfg.System),
		conversation.WithMaxTokens(cfg.MaxTokens),
		conversation.WithMaxToolRounds(cfg.MaxToolRounds),
		conversation.WithTools(reg),
		conversation.WithRetryPolicy(policy),
		conversation.WithStore(store),
		conversation.WithBus(b),
		conversation.WithLogger(a.logger),
	}
	if id == "" {
		return conversation.New(transport, opts...)
	}
	eng, err := conversation.Resume(ctx, store, id, transport, opts...)
	if errors.Is(err, conversation.ErrNotFound) {
		a.logger.Debug("starting new conversation", "id", id)
		return conversation.New(transport, append(opts, conversation.WithID(id))...)
	}
	return eng, err
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
