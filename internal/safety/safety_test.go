package safety

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HexSleeves/parley/internal/config"
)

func newGuard(t *testing.T, cfg config.SafetyConfig, root string) *Guard {
	t.Helper()
	g, err := NewGuard(cfg, root)
	if err != nil {
		t.Fatalf("NewGuard() unexpected error: %v", err)
	}
	return g
}

func TestNewGuard_Defaults(t *testing.T) {
	root := t.TempDir()
	g := newGuard(t, config.SafetyConfig{}, root)

	if g.Mode() != config.SafetyModeStrict {
		t.Fatalf("mode = %q, want %q", g.Mode(), config.SafetyModeStrict)
	}
	if !g.Enforces("run_command") || g.Enforces("read_file") {
		t.Fatalf("enforce_on_tools = %v, want [run_command]", g.cfg.EnforceOnTools)
	}

	expected, err := canonicalPath(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.roots) != 1 || g.roots[0] != expected {
		t.Errorf("roots = %v, want [%q]", g.roots, expected)
	}
	if g.Root() != expected || !filepath.IsAbs(g.Root()) {
		t.Errorf("Root() = %q", g.Root())
	}
}

func TestNewGuard_InvalidModeDefaultsToStrict(t *testing.T) {
	g := newGuard(t, config.SafetyConfig{Mode: "unknown-mode", BlockedCommands: []string{"sudo rm"}}, t.TempDir())
	if g.Mode() != config.SafetyModeStrict {
		t.Fatalf("mode = %q", g.Mode())
	}
	if err := g.CheckCommand("sudo rm -rf /var/tmp/demo"); err == nil {
		t.Fatal("CheckCommand(default-strict) = nil, want error")
	}
}

func TestNewGuard_RelativeAllowedPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	g := newGuard(t, config.SafetyConfig{AllowedPaths: []string{"subdir"}}, root)
	if !filepath.IsAbs(g.roots[0]) || !strings.HasSuffix(g.roots[0], "subdir") {
		t.Errorf("roots = %v", g.roots)
	}
	if err := g.CheckPath("subdir/file.txt"); err != nil {
		t.Errorf("CheckPath(subdir/file.txt) = %v", err)
	}
	if err := g.CheckPath("other.txt"); err == nil {
		t.Error("work dir outside the allowed subdir should be rejected")
	}
}

func TestCheckPath(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	sibling := root + "-sibling"
	if err := os.MkdirAll(sibling, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(sibling) })

	g := newGuard(t, config.SafetyConfig{AllowedPaths: []string{root}}, root)

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"inside", filepath.Join(root, "somefile.txt"), true},
		{"relative", "somefile.txt", true},
		{"nested missing", "a/b/c.txt", true},
		{"root itself", root, true},
		{"other temp dir", filepath.Join(other, "file.txt"), false},
		{"sibling prefix", filepath.Join(sibling, "file.txt"), false},
		{"dotdot escape", "../escape.txt", false},
		{"etc", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckPath(tt.path)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckPath(%q) = %v, want ok=%v", tt.path, err, tt.ok)
			}
		})
	}
}

func TestCheckPath_SymlinkEscapeBlocked(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	g := newGuard(t, config.SafetyConfig{}, root)
	if err := g.CheckPath(filepath.Join(link, "secret.txt")); err == nil {
		t.Fatal("symlink pointing outside the root should be rejected")
	}
}

func TestCheckPath_CanonicalAliasAllowed(t *testing.T) {
	realRoot := t.TempDir()
	aliasRoot := filepath.Join(t.TempDir(), "alias-root")
	if err := os.Symlink(realRoot, aliasRoot); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	g := newGuard(t, config.SafetyConfig{AllowedPaths: []string{aliasRoot}}, aliasRoot)

	p := filepath.Join(realRoot, "somefile.txt")
	resolved, err := g.ResolvePath(p)
	if err != nil {
		t.Fatalf("ResolvePath(%q) = %v, want nil", p, err)
	}
	if !filepath.IsAbs(resolved) {
		t.Errorf("resolved = %q", resolved)
	}
}

func TestCheckPaths(t *testing.T) {
	root := t.TempDir()
	g := newGuard(t, config.SafetyConfig{AllowedPaths: []string{root}}, root)
	if err := g.CheckPaths(nil); err != nil {
		t.Errorf("CheckPaths(nil) = %v", err)
	}
	if err := g.CheckPaths([]string{"a.txt", "b.txt"}); err != nil {
		t.Errorf("CheckPaths(valid) = %v", err)
	}
	if err := g.CheckPaths([]string{"ok.txt", "/etc/passwd"}); err == nil {
		t.Error("CheckPaths(one invalid) = nil, want error")
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SafetyConfig
		cmd     string
		blocked bool
	}{
		{"plain allowed", config.SafetyConfig{BlockedCommands: []string{"rm -rf /", "sudo rm"}}, "ls -la", false},
		{"empty", config.SafetyConfig{}, "   ", false},
		{"rm -rf /", config.SafetyConfig{BlockedCommands: []string{"rm -rf /"}}, "rm -rf /", true},
		{"sudo rm prefix", config.SafetyConfig{BlockedCommands: []string{"sudo rm"}}, "sudo rm -rf /var", true},
		{"case insensitive", config.SafetyConfig{BlockedCommands: []string{"rm -rf /"}}, "RM -RF /", true},
		{"inside pipeline", config.SafetyConfig{BlockedCommands: []string{"rm -rf /"}}, "echo hi | rm -rf /", true},
		{"after semicolon", config.SafetyConfig{BlockedCommands: []string{"sudo rm"}}, "cd /tmp; sudo rm x", true},
		{"strict dynamic args", config.SafetyConfig{BlockedCommands: []string{"rm -rf /"}},
			`file=/tmp/demo; if [ -f "$file" ]; then cat "$file"; fi`, false},
		{"strict dynamic name", config.SafetyConfig{}, `${RUNNER} echo hi`, true},
		{"permissive dynamic name", config.SafetyConfig{Mode: config.SafetyModePermissive}, `${RUNNER} echo hi`, false},
		{"strict indirect", config.SafetyConfig{}, `bash -c "ls"`, true},
		{"strict eval", config.SafetyConfig{}, `eval ls`, true},
		{"strict parse error", config.SafetyConfig{}, `echo "unterminated`, true},
		{"permissive parse error", config.SafetyConfig{Mode: config.SafetyModePermissive}, `echo "unterminated`, false},
		{"permissive non critical", config.SafetyConfig{Mode: config.SafetyModePermissive, BlockedCommands: []string{"sudo rm"}},
			"sudo rm -rf /var/tmp/demo", false},
		{"permissive high risk", config.SafetyConfig{Mode: config.SafetyModePermissive, BlockedCommands: []string{"rm -rf /"}},
			"rm -rf /", true},
		{"blocked executable", config.SafetyConfig{BlockedExecutables: []string{"curl"}}, "curl https://example.com", true},
		{"allow list wins", config.SafetyConfig{BlockedExecutables: []string{"curl"}, AllowExecutables: []string{"curl"}},
			"curl https://example.com", false},
		{"mkfs always high risk", config.SafetyConfig{Mode: config.SafetyModePermissive, BlockedExecutables: []string{"mkfs.ext4"}},
			"mkfs.ext4 /dev/sda1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGuard(t, tt.cfg, t.TempDir())
			err := g.CheckCommand(tt.cmd)
			if (err != nil) != tt.blocked {
				t.Fatalf("CheckCommand(%q) = %v, want blocked=%v", tt.cmd, err, tt.blocked)
			}
		})
	}
}

func TestEnforces_CustomList(t *testing.T) {
	g := newGuard(t, config.SafetyConfig{EnforceOnTools: []string{"Shell", "deploy"}}, t.TempDir())
	if !g.Enforces("shell") || !g.Enforces(" deploy ") {
		t.Fatal("expected screening for custom tools")
	}
	if g.Enforces("run_command") {
		t.Fatal("custom list replaces the default")
	}
}

func TestCheckFileSize(t *testing.T) {
	root := t.TempDir()
	small := filepath.Join(root, "small.txt")
	large := filepath.Join(root, "large.bin")
	if err := os.WriteFile(small, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(large, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGuard(t, config.SafetyConfig{MaxFileSize: 1024}, root)
	if err := g.CheckFileSize(small); err != nil {
		t.Errorf("small file: %v", err)
	}
	if err := g.CheckFileSize(large); err == nil {
		t.Error("large file should be rejected")
	}
	if err := g.CheckFileSize(filepath.Join(root, "nonexistent.txt")); err != nil {
		t.Errorf("nonexistent: %v", err)
	}

	unlimited := newGuard(t, config.SafetyConfig{}, root)
	if err := unlimited.CheckFileSize(large); err != nil {
		t.Errorf("disabled limit: %v", err)
	}
}

func TestIsReadOnly(t *testing.T) {
	if newGuard(t, config.SafetyConfig{}, t.TempDir()).IsReadOnly() {
		t.Error("IsReadOnly() = true, want false by default")
	}
	if !newGuard(t, config.SafetyConfig{ReadOnlyMode: true}, t.TempDir()).IsReadOnly() {
		t.Error("IsReadOnly() = false, want true")
	}
}
