package safety

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/HexSleeves/parley/internal/config"
)

// commandPolicy is the compiled form of the block lists in SafetyConfig.
type commandPolicy struct {
	strict  bool
	blocked map[string]struct{}
	allowed map[string]struct{}
	rules   [][]string
}

type invocation struct {
	args        []string // lower-cased words, args[0] is the command name
	nameDynamic bool
}

func compilePolicy(cfg config.SafetyConfig) commandPolicy {
	p := commandPolicy{
		strict:  cfg.Mode == config.SafetyModeStrict,
		blocked: lowerSet(cfg.BlockedExecutables),
		allowed: lowerSet(cfg.AllowExecutables),
	}
	for _, pattern := range slices.Concat(cfg.BlockedPatterns, cfg.BlockedCommands) {
		if tokens := ruleTokens(pattern); len(tokens) > 0 {
			p.rules = append(p.rules, tokens)
		}
	}
	return p
}

func (p commandPolicy) check(cmd string) error {
	script := strings.TrimSpace(cmd)
	if script == "" {
		return nil
	}

	invs, err := parseInvocations(script)
	if err != nil {
		if p.strict {
			return fmt.Errorf("command parse failed in strict mode: %w", err)
		}
		return nil
	}

	for _, inv := range invs {
		name := inv.args[0]
		if name == "" || inv.nameDynamic {
			if p.strict {
				return fmt.Errorf("dynamic command name is not allowed in strict mode")
			}
			continue
		}
		if _, ok := p.allowed[name]; ok {
			continue
		}
		if isIndirect(inv.args) {
			if p.strict {
				return fmt.Errorf("indirect command execution is blocked in strict mode: %q", name)
			}
			continue
		}
		if _, ok := p.blocked[name]; ok {
			if !p.strict && !isHighConfidence(inv.args) {
				continue
			}
			return fmt.Errorf("command uses blocked executable: %q", name)
		}
		for _, rule := range p.rules {
			if !hasPrefixWords(inv.args, rule) {
				continue
			}
			if !p.strict && !isHighConfidence(inv.args) && !isHighConfidence(rule) {
				continue
			}
			return fmt.Errorf("command matches blocked pattern: %q", strings.Join(rule, " "))
		}
	}
	return nil
}

// parseInvocations returns every simple command in script, including those
// nested in pipelines, conditionals and substitutions.
func parseInvocations(script string) ([]invocation, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, err
	}

	var out []invocation
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		inv := invocation{args: make([]string, 0, len(call.Args))}
		for i, w := range call.Args {
			word, dynamic, err := printWord(w)
			if err != nil {
				word, dynamic = "", true
			}
			if i == 0 && dynamic {
				inv.nameDynamic = true
			}
			inv.args = append(inv.args, strings.ToLower(strings.TrimSpace(word)))
		}
		out = append(out, inv)
		return true
	})
	return out, nil
}

func printWord(w *syntax.Word) (string, bool, error) {
	dynamic := false
	syntax.Walk(w, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ArithmExp, *syntax.ProcSubst:
			dynamic = true
		}
		return true
	})

	var buf bytes.Buffer
	if err := syntax.NewPrinter().Print(&buf, w); err != nil {
		return "", dynamic, err
	}
	return buf.String(), dynamic, nil
}

func ruleTokens(pattern string) []string {
	if invs, err := parseInvocations(pattern); err == nil && len(invs) > 0 {
		return invs[0].args
	}
	return strings.Fields(strings.ToLower(strings.TrimSpace(pattern)))
}

func hasPrefixWords(args, rule []string) bool {
	return len(rule) > 0 && len(args) >= len(rule) && slices.Equal(args[:len(rule)], rule)
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if key := strings.ToLower(strings.TrimSpace(item)); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func isIndirect(args []string) bool {
	switch name := args[0]; name {
	case "eval", ".", "source":
		return true
	case "sh", "bash", "zsh", "ksh":
		return len(args) >= 2 && args[1] == "-c"
	}
	return false
}

// isHighConfidence flags invocations that are destructive regardless of
// context; permissive mode still blocks these.
func isHighConfidence(args []string) bool {
	if len(args) == 0 {
		return false
	}
	name := args[0]
	switch {
	case name == "rm":
		return containsAny(args, "-rf", "-fr", "--no-preserve-root") && slices.Contains(args, "/")
	case strings.HasPrefix(name, "mkfs"):
		return true
	case name == "dd":
		return slices.ContainsFunc(args, func(a string) bool { return strings.HasPrefix(a, "if=/dev/zero") })
	case name == "sudo" && len(args) > 1:
		return isHighConfidence(args[1:])
	}
	return false
}

func containsAny(args []string, values ...string) bool {
	return slices.ContainsFunc(args, func(a string) bool { return slices.Contains(values, a) })
}
