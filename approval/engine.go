package approval

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zhubert/plural-appserver/logger"
)

// Engine holds the live policy and records "always allow" rules.
// It is safe for concurrent use.
type Engine struct {
	mu             sync.RWMutex
	policy         Policy
	onRulesChanged func([]Rule) error
	log            *slog.Logger
}

// NewEngine creates an engine. onRulesChanged, if set, receives the full
// rule list each time AddRule adds a rule; it is how rules get persisted.
func NewEngine(policy Policy, onRulesChanged func([]Rule) error) *Engine {
	policy.Rules = slices.Clone(policy.Rules)
	return &Engine{
		policy:         policy,
		onRulesChanged: onRulesChanged,
		log:            logger.WithComponent("approval"),
	}
}

// Policy returns a copy of the current policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.policy
	p.Rules = slices.Clone(p.Rules)
	p.CommandBlocklist = slices.Clone(p.CommandBlocklist)
	p.PathBlocklist = slices.Clone(p.PathBlocklist)
	return p
}

// SetPolicy replaces the policy, for example after settings were reloaded.
func (e *Engine) SetPolicy(p Policy) {
	p.Rules = slices.Clone(p.Rules)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// Rules returns a copy of the allow rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.policy.Rules)
}

// Resolve resolves req against the current policy.
func (e *Engine) Resolve(req Request) Resolution {
	e.mu.RLock()
	p := e.policy
	e.mu.RUnlock()

	res := Resolve(p, req)
	e.log.Debug("approval resolved",
		"method", req.Method,
		"kind", req.Kind,
		"command", req.Command,
		"paths", req.Paths,
		"mode", p.Mode,
		"decision", res.Decision,
		"requiresPrompt", res.RequiresPrompt)
	return res
}

// AddRule appends rule unless an identical (kind, pattern) rule exists.
// The persistence callback runs only when a rule was added; its error is
// returned but the rule stays in effect for this process.
func (e *Engine) AddRule(rule Rule) (bool, error) {
	rule.Pattern = strings.TrimSpace(rule.Pattern)
	if rule.Pattern == "" || (rule.Kind != RuleCommand && rule.Kind != RulePath) {
		return false, nil
	}

	e.mu.Lock()
	if slices.Contains(e.policy.Rules, rule) {
		e.mu.Unlock()
		return false, nil
	}
	e.policy.Rules = append(e.policy.Rules, rule)
	rules := slices.Clone(e.policy.Rules)
	e.mu.Unlock()

	e.log.Info("added always-allow rule", "kind", rule.Kind, "pattern", rule.Pattern)
	if e.onRulesChanged != nil {
		if err := e.onRulesChanged(rules); err != nil {
			e.log.Error("failed to persist approval rules", "error", err)
			return true, err
		}
	}
	return true, nil
}
