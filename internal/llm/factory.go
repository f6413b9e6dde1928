package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/HexSleeves/parley/internal/sigv4"
)

// ProviderConfig holds what's needed to construct a transport.
type ProviderConfig struct {
	Provider string // "anthropic", "openai", "bedrock", "claude-cli", "gemini", ...
	Model    string
	APIKey   string
	BaseURL  string
	WorkDir  string // for CLI-based providers

	// Bedrock
	Region      string
	Credentials sigv4.Credentials

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a transport from config. It should fail on missing settings
// rather than deferring the error to the first call.
type Factory func(cfg ProviderConfig) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named factory. Registering the same name twice replaces the
// earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Providers lists the registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the appropriate Transport based on provider name.
func New(cfg ProviderConfig) (Transport, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, fmt.Errorf("no LLM provider configured (set provider in parley config)")
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (available: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return f(cfg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
