package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/plural-appserver/approval"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/paths"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	os.Exit(m.Run())
}

func TestLoad_NewSettings(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())
	paths.Reset()
	t.Cleanup(paths.Reset)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if s.ApprovalRules == nil || s.CommandBlocklist == nil || s.PathBlocklist == nil {
		t.Error("slices should be initialized")
	}
	if got := s.GetCLIPath(); got != DefaultCLIPath {
		t.Errorf("GetCLIPath() = %q, want %q", got, DefaultCLIPath)
	}
	if got := s.GetApprovalMode(); got != approval.ModeSafe {
		t.Errorf("GetApprovalMode() = %q, want safe", got)
	}
	want, _ := paths.ConfigFilePath()
	if s.FilePath() != want {
		t.Errorf("FilePath() = %q, want %q", s.FilePath(), want)
	}
}

func TestLoad_ExistingSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	data := `{
  "cli_path": "/opt/bin/codex",
  "env": "OPENAI_BASE_URL=http://localhost:8080\n# comment\nQUOTED=\"hello world\"\n",
  "approval_mode": "prompt",
  "approval_rules": [{"kind": "command", "pattern": "go test *"}],
  "command_blocklist": ["curl *"],
  "model": "gpt-5",
  "vault_root": "/vault"
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if s.GetCLIPath() != "/opt/bin/codex" {
		t.Errorf("GetCLIPath() = %q", s.GetCLIPath())
	}
	if s.GetApprovalMode() != approval.ModePrompt {
		t.Errorf("GetApprovalMode() = %q", s.GetApprovalMode())
	}
	wantEnv := map[string]string{
		"OPENAI_BASE_URL": "http://localhost:8080",
		"QUOTED":          "hello world",
	}
	if got := s.GetEnv(); !reflect.DeepEqual(got, wantEnv) {
		t.Errorf("GetEnv() = %v, want %v", got, wantEnv)
	}
	if s.PathBlocklist == nil {
		t.Error("PathBlocklist should be initialized when absent from the file")
	}

	p := s.Policy()
	if p.Mode != approval.ModePrompt || p.VaultRoot != "/vault" {
		t.Errorf("unexpected policy %+v", p)
	}
	if len(p.Rules) != 1 || p.Rules[0] != (approval.Rule{Kind: approval.RuleCommand, Pattern: "go test *"}) {
		t.Errorf("unexpected rules %+v", p.Rules)
	}
	wantCommands := append(append([]string{}, approval.DefaultCommandBlocklist...), "curl *")
	if !reflect.DeepEqual(p.CommandBlocklist, wantCommands) {
		t.Errorf("CommandBlocklist = %v, want %v", p.CommandBlocklist, wantCommands)
	}
	if !reflect.DeepEqual(p.PathBlocklist, approval.DefaultPathBlocklist) {
		t.Errorf("PathBlocklist = %v, want defaults", p.PathBlocklist)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name     string
		settings *Settings
		wantErr  string
	}{
		{
			name:     "empty is valid",
			settings: &Settings{},
		},
		{
			name:     "valid mode and rules",
			settings: &Settings{ApprovalMode: "YOLO", ApprovalRules: []approval.Rule{{Kind: approval.RulePath, Pattern: "notes"}}},
		},
		{
			name:     "bad mode",
			settings: &Settings{ApprovalMode: "sometimes"},
			wantErr:  "invalid approval_mode",
		},
		{
			name:     "unknown rule kind",
			settings: &Settings{ApprovalRules: []approval.Rule{{Kind: "url", Pattern: "x"}}},
			wantErr:  "unknown kind",
		},
		{
			name:     "empty rule pattern",
			settings: &Settings{ApprovalRules: []approval.Rule{{Kind: approval.RuleCommand}}},
			wantErr:  "empty pattern",
		},
		{
			name:     "bad env",
			settings: &Settings{Env: "BAD-KEY=1"},
			wantErr:  "invalid env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSettings_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	s := &Settings{}
	s.SetFilePath(path)
	s.SetCLIPath("/usr/local/bin/codex")
	s.SetApprovalMode(approval.ModeYolo)
	s.SetModel("gpt-5")
	s.SetReasoningEffort("high")
	if err := s.SetEnv("A=1\nB=two"); err != nil {
		t.Fatalf("SetEnv: %v", err)
	}
	s.SetApprovalRules([]approval.Rule{{Kind: approval.RuleCommand, Pattern: "ls"}})

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.GetCLIPath() != "/usr/local/bin/codex" ||
		loaded.GetApprovalMode() != approval.ModeYolo ||
		loaded.GetModel() != "gpt-5" ||
		loaded.GetReasoningEffort() != "high" {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
	if got := loaded.GetEnv(); got["A"] != "1" || got["B"] != "two" {
		t.Errorf("GetEnv() = %v", got)
	}
	if got := loaded.GetApprovalRules(); len(got) != 1 || got[0].Pattern != "ls" {
		t.Errorf("GetApprovalRules() = %v", got)
	}
}

func TestSettings_SetEnvRejectsInvalid(t *testing.T) {
	s := &Settings{}
	if err := s.SetEnv("BAD-KEY=1"); err == nil {
		t.Error("SetEnv should reject invalid text")
	}
	if s.Env != "" {
		t.Errorf("invalid env should not be stored, got %q", s.Env)
	}
}

func TestSettings_GetApprovalRulesReturnsCopy(t *testing.T) {
	s := &Settings{ApprovalRules: []approval.Rule{{Kind: approval.RuleCommand, Pattern: "ls"}}}
	rules := s.GetApprovalRules()
	rules[0].Pattern = "rm"
	if s.ApprovalRules[0].Pattern != "ls" {
		t.Error("GetApprovalRules should return a copy")
	}
}

func TestSettings_SetVaultRootResolvesRelativePath(t *testing.T) {
	s := &Settings{}
	s.SetVaultRoot("vault")
	if !filepath.IsAbs(s.GetVaultRoot()) {
		t.Errorf("expected absolute path, got %q", s.GetVaultRoot())
	}
	s.SetVaultRoot("")
	if s.GetVaultRoot() != "" {
		t.Errorf("expected empty vault root, got %q", s.GetVaultRoot())
	}
}

func TestSettings_PersistRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := &Settings{}
	s.SetFilePath(path)

	engine := approval.NewEngine(s.Policy(), s.PersistRules(nil))
	added, err := engine.AddRule(approval.Rule{Kind: approval.RuleCommand, Pattern: "go test *"})
	if err != nil || !added {
		t.Fatalf("AddRule = (%v, %v)", added, err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := []approval.Rule{{Kind: approval.RuleCommand, Pattern: "go test *"}}
	if got := loaded.GetApprovalRules(); !reflect.DeepEqual(got, want) {
		t.Errorf("persisted rules = %v, want %v", got, want)
	}
}

func TestSettings_PersistRulesKeepsExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	stale := &Settings{}
	stale.SetFilePath(path)
	if err := stale.Save(); err != nil {
		t.Fatal(err)
	}
	engine := approval.NewEngine(stale.Policy(), stale.PersistRules(nil))

	// Someone edits the file after it was loaded.
	edited := `{"approval_mode":"prompt","command_blocklist":["curl *"],"approval_rules":[{"kind":"path","pattern":"docs"}]}`
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.AddRule(approval.Rule{Kind: approval.RuleCommand, Pattern: "ls"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.GetApprovalMode() != approval.ModePrompt {
		t.Errorf("mode = %q, want the edited prompt", loaded.GetApprovalMode())
	}
	if !reflect.DeepEqual(loaded.CommandBlocklist, []string{"curl *"}) {
		t.Errorf("command blocklist = %v, want the edited [curl *]", loaded.CommandBlocklist)
	}
	want := []approval.Rule{
		{Kind: approval.RulePath, Pattern: "docs"},
		{Kind: approval.RuleCommand, Pattern: "ls"},
	}
	if got := loaded.GetApprovalRules(); !reflect.DeepEqual(got, want) {
		t.Errorf("rules = %v, want %v", got, want)
	}
}

func TestSettings_PersistRulesSkip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := &Settings{}
	s.SetFilePath(path)

	project := approval.Rule{Kind: approval.RuleCommand, Pattern: "go test *"}
	policy := s.Policy()
	policy.Rules = []approval.Rule{project}
	skip := func(r approval.Rule) bool { return r == project }

	engine := approval.NewEngine(policy, s.PersistRules(skip))
	if _, err := engine.AddRule(approval.Rule{Kind: approval.RuleCommand, Pattern: "ls"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := []approval.Rule{{Kind: approval.RuleCommand, Pattern: "ls"}}
	if got := loaded.GetApprovalRules(); !reflect.DeepEqual(got, want) {
		t.Errorf("rules = %v, want %v", got, want)
	}
}

func TestAddApprovalRules_NoChangeLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	original := `{"approval_rules":[{"kind":"command","pattern":"ls"}]}`
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatal(err)
	}

	if err := AddApprovalRules(path, []approval.Rule{{Kind: approval.RuleCommand, Pattern: "ls"}}); err != nil {
		t.Fatalf("AddApprovalRules: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != original {
		t.Errorf("file rewritten without new rules:\n%s", data)
	}
}

func TestSettings_Save_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := &Settings{CLIPath: "/bin/codex", filePath: path}

	var wg sync.WaitGroup
	const goroutines = 20

	for range goroutines {
		wg.Go(func() {
			if err := s.Save(); err != nil {
				t.Errorf("Save failed: %v", err)
			}
		})
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read settings file: %v", err)
	}
	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Settings file is corrupted after concurrent saves: %v", err)
	}
	if loaded["cli_path"] != "/bin/codex" {
		t.Errorf("unexpected cli_path after concurrent saves: %v", loaded["cli_path"])
	}
}

func TestParseEnv(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", map[string]string{}, false},
		{"simple", "A=1\nB=2", map[string]string{"A": "1", "B": "2"}, false},
		{"comments and blanks", "# header\n\nA=1\n", map[string]string{"A": "1"}, false},
		{"quoted", `MSG="a b c"`, map[string]string{"MSG": "a b c"}, false},
		{"export prefix", "export TOKEN=xyz", map[string]string{"TOKEN": "xyz"}, false},
		{"invalid name", "BAD-KEY=1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEnv(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	orig := watchDebounce
	watchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { watchDebounce = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"model":"a"}`), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Settings, 10)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, func(s *Settings) { changes <- s })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"model":"b"}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-changes:
		if s.GetModel() != "b" {
			t.Errorf("reloaded model = %q, want b", s.GetModel())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_RenameIntoPlace(t *testing.T) {
	orig := watchDebounce
	watchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { watchDebounce = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"model":"a"}`), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Settings, 10)
	go func() {
		_ = Watch(ctx, path, func(s *Settings) { changes <- s })
	}()

	time.Sleep(100 * time.Millisecond)

	tmp := filepath.Join(dir, ".settings.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"model":"renamed"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-changes:
		if s.GetModel() != "renamed" {
			t.Errorf("reloaded model = %q, want renamed", s.GetModel())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload after rename")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "settings.json"), func(*Settings) {})
	if err == nil {
		t.Error("expected error watching a missing directory")
	}
}
