// Package approval decides whether the agent may run a command or change
// files.
//
// Resolution is a pure function of a Policy and a Request. It never fails:
// anything it cannot decide resolves to decline. The only stateful piece is
// Engine, which remembers "always allow" rules and hands them to a
// persistence callback.
package approval

import "strings"

// Mode is the default handling of requests no rule or blocklist decides.
type Mode string

const (
	// ModeSafe declines anything not explicitly allowed.
	ModeSafe Mode = "safe"
	// ModeYolo accepts anything not explicitly blocked.
	ModeYolo Mode = "yolo"
	// ModePrompt asks the user.
	ModePrompt Mode = "prompt"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSafe, ModeYolo, ModePrompt:
		return m, true
	}
	return "", false
}

// RuleKind says what a rule pattern matches against.
type RuleKind string

const (
	RuleCommand RuleKind = "command"
	RulePath    RuleKind = "path"
)

// Rule is a persisted allow rule.
type Rule struct {
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Pattern string   `json:"pattern" yaml:"pattern"`
}

// RequestKind distinguishes command from file-change requests.
type RequestKind string

const (
	KindCommandExecution RequestKind = "commandExecution"
	KindFileChange       RequestKind = "fileChange"
)

// Request is one inbound approval request.
type Request struct {
	Method   string
	Kind     RequestKind
	Command  string
	Paths    []string
	Cwd      string
	Reason   string
	ThreadID string
	TurnID   string
	ItemID   string
}

// Decision is the answer sent back to the agent.
type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
)

// Resolution is the outcome of a policy check. RequiresPrompt is only set
// alongside Decline: the decline stands unless an interactive prompt
// overrides it.
type Resolution struct {
	Decision       Decision
	RequiresPrompt bool
}

var (
	accepted = Resolution{Decision: Accept}
	declined = Resolution{Decision: Decline}
)

// Policy is everything resolution depends on.
type Policy struct {
	Mode             Mode
	Rules            []Rule
	CommandBlocklist []string
	PathBlocklist    []string
	// VaultRoot bounds file changes. Relative paths are resolved against it.
	VaultRoot string
}

// Resolve dispatches on the request kind.
func Resolve(p Policy, req Request) Resolution {
	switch req.Kind {
	case KindCommandExecution:
		return ResolveCommand(p, req.Command)
	case KindFileChange:
		return ResolveFileChange(p, req.Paths)
	default:
		return declined
	}
}

// ResolveCommand checks the blocklist, then allow rules, then the mode.
// An empty command goes straight to the mode.
func ResolveCommand(p Policy, command string) Resolution {
	command = strings.TrimSpace(command)
	if command == "" {
		return fallback(p.Mode)
	}
	for _, pattern := range p.CommandBlocklist {
		if MatchCommandPattern(pattern, command) {
			return declined
		}
	}
	for _, rule := range p.Rules {
		if rule.Kind == RuleCommand && MatchCommandPattern(rule.Pattern, command) {
			return accepted
		}
	}
	return fallback(p.Mode)
}

// ResolveFileChange declines when any path leaves the vault or hits the
// blocklist, accepts when every path is covered by an allow rule, and
// otherwise defers to the mode. The vault boundary holds in every mode.
func ResolveFileChange(p Policy, paths []string) Resolution {
	targets := nonEmpty(paths)
	if len(targets) == 0 {
		return fallback(p.Mode)
	}

	for _, target := range targets {
		if IsOutsideVault(target, p.VaultRoot) {
			return declined
		}
	}
	for _, target := range targets {
		if isPathBlocked(p.PathBlocklist, target, p.VaultRoot) {
			return declined
		}
	}

	allCovered := true
	for _, target := range targets {
		if !pathAllowed(p.Rules, target, p.VaultRoot) {
			allCovered = false
			break
		}
	}
	if allCovered {
		return accepted
	}
	return fallback(p.Mode)
}

func pathAllowed(rules []Rule, target, vaultRoot string) bool {
	for _, rule := range rules {
		if rule.Kind == RulePath && MatchPathPattern(rule.Pattern, target, vaultRoot) {
			return true
		}
	}
	return false
}

func fallback(mode Mode) Resolution {
	switch mode {
	case ModeYolo:
		return accepted
	case ModePrompt:
		return Resolution{Decision: Decline, RequiresPrompt: true}
	default:
		return declined
	}
}

func nonEmpty(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
