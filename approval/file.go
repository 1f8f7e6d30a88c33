package approval

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const policyFileName = "approval.yaml"
const policyDir = ".plural"

// PatternSet groups command and path patterns.
type PatternSet struct {
	Commands []string `yaml:"commands,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
}

// PolicyFile is a per-vault override kept in .plural/approval.yaml:
//
//	mode: prompt
//	allow:
//	  commands: ["git status", "go test *"]
//	  paths: [notes]
//	block:
//	  commands: ["git push *"]
//	  paths: ["**/secrets"]
type PolicyFile struct {
	Mode  string     `yaml:"mode,omitempty"`
	Allow PatternSet `yaml:"allow,omitempty"`
	Block PatternSet `yaml:"block,omitempty"`
}

// PolicyFilePath returns where LoadPolicyFile looks inside vaultRoot.
func PolicyFilePath(vaultRoot string) string {
	return filepath.Join(vaultRoot, policyDir, policyFileName)
}

// LoadPolicyFile reads and parses .plural/approval.yaml from vaultRoot.
// Returns nil, nil if the file does not exist.
func LoadPolicyFile(vaultRoot string) (*PolicyFile, error) {
	data, err := os.ReadFile(PolicyFilePath(vaultRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read approval policy: %w", err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse approval policy: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks the mode name.
func (pf *PolicyFile) Validate() error {
	if pf.Mode == "" {
		return nil
	}
	if _, ok := ParseMode(pf.Mode); !ok {
		return fmt.Errorf("invalid approval mode %q: must be safe, yolo, or prompt", pf.Mode)
	}
	return nil
}

// MergePolicy layers pf over base. The file's mode wins when set; its allow
// patterns become rules and its block patterns extend the blocklists.
// Patterns already present in base are not repeated.
func MergePolicy(base Policy, pf *PolicyFile) Policy {
	if pf == nil {
		return base
	}

	merged := base
	if mode, ok := ParseMode(pf.Mode); ok {
		merged.Mode = mode
	}

	merged.Rules = append([]Rule(nil), base.Rules...)
	add := func(kind RuleKind, patterns []string) {
		for _, pattern := range ComposePatterns(patterns) {
			rule := Rule{Kind: kind, Pattern: pattern}
			if !containsRule(merged.Rules, rule) {
				merged.Rules = append(merged.Rules, rule)
			}
		}
	}
	add(RuleCommand, pf.Allow.Commands)
	add(RulePath, pf.Allow.Paths)

	merged.CommandBlocklist = ComposePatterns(base.CommandBlocklist, pf.Block.Commands)
	merged.PathBlocklist = ComposePatterns(base.PathBlocklist, pf.Block.Paths)
	return merged
}

func containsRule(rules []Rule, rule Rule) bool {
	for _, r := range rules {
		if r == rule {
			return true
		}
	}
	return false
}
