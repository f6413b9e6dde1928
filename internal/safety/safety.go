// Package safety confines local tool handlers: file access stays under the
// allowed roots and shell commands are screened against a block policy.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HexSleeves/parley/internal/config"
)

// DefaultEnforcedTools names the tools whose commands are screened when the
// configuration does not say otherwise.
var DefaultEnforcedTools = []string{"run_command"}

// Guard enforces safety constraints on tool calls requested by the model.
type Guard struct {
	cfg   config.SafetyConfig
	root  string
	roots []string

	policy commandPolicy
}

func NewGuard(cfg config.SafetyConfig, workDir string) (*Guard, error) {
	cfg = normalize(cfg)

	absRoot, err := canonicalPath(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}

	roots := make([]string, 0, len(cfg.AllowedPaths))
	for _, p := range cfg.AllowedPaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(absRoot, p)
		}
		abs, err := canonicalPath(p)
		if err != nil {
			continue
		}
		roots = append(roots, abs)
	}
	if len(roots) == 0 {
		roots = []string{absRoot}
	}

	return &Guard{
		cfg:    cfg,
		root:   absRoot,
		roots:  roots,
		policy: compilePolicy(cfg),
	}, nil
}

// ResolvePath returns the canonical absolute form of path (relative paths are
// taken from the work dir) if it lies under an allowed root. Symlinks are
// resolved first so they cannot be used to escape.
func (g *Guard) ResolvePath(path string) (string, error) {
	original := path
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.root, path)
	}
	resolved, err := canonicalPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for _, allowed := range g.roots {
		if isWithinDir(allowed, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q outside allowed directories", original)
}

func (g *Guard) CheckPath(path string) error {
	_, err := g.ResolvePath(path)
	return err
}

func (g *Guard) CheckPaths(paths []string) error {
	for _, p := range paths {
		if err := g.CheckPath(p); err != nil {
			return err
		}
	}
	return nil
}

// CheckCommand parses cmd as a shell script and rejects blocked invocations.
func (g *Guard) CheckCommand(cmd string) error {
	return g.policy.check(cmd)
}

// Enforces reports whether command screening applies to the named tool.
func (g *Guard) Enforces(tool string) bool {
	name := strings.ToLower(strings.TrimSpace(tool))
	for _, t := range g.cfg.EnforceOnTools {
		if strings.ToLower(strings.TrimSpace(t)) == name {
			return true
		}
	}
	return false
}

// CheckFileSize rejects existing files above the configured limit.
func (g *Guard) CheckFileSize(path string) error {
	if g.cfg.MaxFileSize <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil // not there yet
	}
	if info.Size() > g.cfg.MaxFileSize {
		return fmt.Errorf("file %q (%d bytes) exceeds max size (%d bytes)", path, info.Size(), g.cfg.MaxFileSize)
	}
	return nil
}

func (g *Guard) IsReadOnly() bool {
	return g.cfg.ReadOnlyMode
}

func (g *Guard) Mode() string {
	return g.cfg.Mode
}

// Root returns the canonical work dir.
func (g *Guard) Root() string {
	return g.root
}

func isWithinDir(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := resolveExisting(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(resolved), nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor and
// re-appends the parts that do not exist yet.
func resolveExisting(path string) (string, error) {
	var missing []string
	cur := path
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Clean(path), nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func normalize(cfg config.SafetyConfig) config.SafetyConfig {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case config.SafetyModePermissive:
		cfg.Mode = config.SafetyModePermissive
	default:
		cfg.Mode = config.SafetyModeStrict
	}
	if len(cfg.EnforceOnTools) == 0 {
		cfg.EnforceOnTools = append([]string(nil), DefaultEnforcedTools...)
	}
	return cfg
}
