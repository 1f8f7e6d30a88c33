package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/joho/godotenv"

	"github.com/zhubert/plural-appserver/approval"
	"github.com/zhubert/plural-appserver/paths"
)

// DefaultCLIPath is the agent executable used when cli_path is unset.
const DefaultCLIPath = "codex"

// Settings holds the application configuration
type Settings struct {
	CLIPath string `json:"cli_path,omitempty"` // Agent executable, looked up on PATH when not absolute
	Env     string `json:"env,omitempty"`      // KEY=VALUE lines layered over the inherited environment

	ApprovalMode     string          `json:"approval_mode,omitempty"` // safe, yolo, or prompt (default safe)
	ApprovalRules    []approval.Rule `json:"approval_rules"`          // Rules saved from "always allow" answers
	CommandBlocklist []string        `json:"command_blocklist"`       // Added to approval.DefaultCommandBlocklist
	PathBlocklist    []string        `json:"path_blocklist"`          // Added to approval.DefaultPathBlocklist

	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	VaultRoot       string `json:"vault_root,omitempty"` // Boundary for file changes

	mu       sync.RWMutex
	filePath string
}

// Load reads the settings from disk, or returns defaults if the file doesn't exist
func Load() (*Settings, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Settings, error) {
	s := &Settings{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.ensureInitialized()
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Must happen before Validate() since Validate() only reads
	s.ensureInitialized()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// ensureInitialized ensures all slices are initialized (not nil).
// Only call during single-threaded initialization from LoadFile.
func (s *Settings) ensureInitialized() {
	if s.ApprovalRules == nil {
		s.ApprovalRules = []approval.Rule{}
	}
	if s.CommandBlocklist == nil {
		s.CommandBlocklist = []string{}
	}
	if s.PathBlocklist == nil {
		s.PathBlocklist = []string{}
	}
}

// Validate checks that the settings are internally consistent.
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ApprovalMode != "" {
		if _, ok := approval.ParseMode(s.ApprovalMode); !ok {
			return fmt.Errorf("invalid approval_mode %q: must be safe, yolo, or prompt", s.ApprovalMode)
		}
	}

	for i, rule := range s.ApprovalRules {
		if rule.Kind != approval.RuleCommand && rule.Kind != approval.RulePath {
			return fmt.Errorf("approval rule %d has unknown kind %q", i, rule.Kind)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("approval rule %d has an empty pattern", i)
		}
	}

	if _, err := ParseEnv(s.Env); err != nil {
		return fmt.Errorf("invalid env: %w", err)
	}

	return nil
}

// Save writes the settings to disk
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.filePath, data, 0644)
}

// SetFilePath sets the settings file path (for testing).
func (s *Settings) SetFilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filePath = path
}

// FilePath returns where Save writes.
func (s *Settings) FilePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filePath
}

// GetCLIPath returns the agent executable, defaulting to "codex"
func (s *Settings) GetCLIPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.CLIPath == "" {
		return DefaultCLIPath
	}
	return s.CLIPath
}

// SetCLIPath sets the agent executable
func (s *Settings) SetCLIPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CLIPath = path
}

// GetEnv returns the parsed env overlay. Invalid text yields an empty map;
// Validate reports the error at load time.
func (s *Settings) GetEnv() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, err := ParseEnv(s.Env)
	if err != nil {
		return map[string]string{}
	}
	return env
}

// SetEnv sets the env overlay text
func (s *Settings) SetEnv(text string) error {
	if _, err := ParseEnv(text); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Env = text
	return nil
}

// GetApprovalMode returns the approval mode, defaulting to safe
func (s *Settings) GetApprovalMode() approval.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mode, ok := approval.ParseMode(s.ApprovalMode); ok {
		return mode
	}
	return approval.ModeSafe
}

// SetApprovalMode sets the approval mode
func (s *Settings) SetApprovalMode(mode approval.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApprovalMode = string(mode)
}

// GetApprovalRules returns a copy of the saved rules
func (s *Settings) GetApprovalRules() []approval.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]approval.Rule, len(s.ApprovalRules))
	copy(rules, s.ApprovalRules)
	return rules
}

// SetApprovalRules replaces the saved rules
func (s *Settings) SetApprovalRules(rules []approval.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApprovalRules = append([]approval.Rule{}, rules...)
}

// GetCommandBlocklist returns the default command blocklist followed by the
// user's additions, deduplicated
func (s *Settings) GetCommandBlocklist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return approval.ComposePatterns(approval.DefaultCommandBlocklist, s.CommandBlocklist)
}

// GetPathBlocklist returns the default path blocklist followed by the user's
// additions, deduplicated
func (s *Settings) GetPathBlocklist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return approval.ComposePatterns(approval.DefaultPathBlocklist, s.PathBlocklist)
}

// GetModel returns the preferred model, or empty for the server default
func (s *Settings) GetModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Model
}

// SetModel sets the preferred model
func (s *Settings) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = model
}

// GetReasoningEffort returns the preferred reasoning effort
func (s *Settings) GetReasoningEffort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ReasoningEffort
}

// SetReasoningEffort sets the preferred reasoning effort
func (s *Settings) SetReasoningEffort(effort string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReasoningEffort = effort
}

// GetVaultRoot returns the file-change boundary
func (s *Settings) GetVaultRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VaultRoot
}

// SetVaultRoot sets the file-change boundary. The path is resolved to an
// absolute path before storing.
func (s *Settings) SetVaultRoot(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		s.VaultRoot = ""
		return
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	s.VaultRoot = absPath
}

// Policy builds the approval policy these settings describe.
func (s *Settings) Policy() approval.Policy {
	return approval.Policy{
		Mode:             s.GetApprovalMode(),
		Rules:            s.GetApprovalRules(),
		CommandBlocklist: s.GetCommandBlocklist(),
		PathBlocklist:    s.GetPathBlocklist(),
		VaultRoot:        s.GetVaultRoot(),
	}
}

// PersistRules returns a callback for approval.NewEngine that saves rules
// added at runtime. Rules for which skip reports true, such as those from a
// project policy file, are never written. The file is re-read on every call
// so edits made since s was loaded survive.
func (s *Settings) PersistRules(skip func(approval.Rule) bool) func([]approval.Rule) error {
	path := s.FilePath()
	return func(rules []approval.Rule) error {
		var learned []approval.Rule
		for _, rule := range rules {
			if skip == nil || !skip(rule) {
				learned = append(learned, rule)
			}
		}
		return AddApprovalRules(path, learned)
	}
}

// rulesFileMu serializes the read-modify-write in AddApprovalRules.
var rulesFileMu sync.Mutex

// AddApprovalRules adds rules missing from the settings file at path and
// leaves the rest of the file as it is on disk. Nothing is written when
// every rule is already there.
func AddApprovalRules(path string, rules []approval.Rule) error {
	rulesFileMu.Lock()
	defer rulesFileMu.Unlock()

	s, err := LoadFile(path)
	if err != nil {
		return err
	}

	current := s.GetApprovalRules()
	added := false
	for _, rule := range rules {
		if !slices.Contains(current, rule) {
			current = append(current, rule)
			added = true
		}
	}
	if !added {
		return nil
	}
	s.SetApprovalRules(current)
	return s.Save()
}

// ParseEnv parses KEY=VALUE lines. Blank lines and # comments are ignored;
// values may be quoted.
func ParseEnv(text string) (map[string]string, error) {
	if text == "" {
		return map[string]string{}, nil
	}
	return godotenv.Unmarshal(text)
}
