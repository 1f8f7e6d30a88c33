// Package cli checks that the agent CLI and its helpers are installed.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// versionTimeout bounds each version probe so a hanging CLI cannot stall
// the doctor command.
const versionTimeout = 5 * time.Second

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Command name or path (e.g., "codex", "/opt/bin/codex")
	Required    bool   // Whether the tool is required to run the app
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// DefaultPrerequisites returns the tools needed to talk to the agent.
// cliPath is the configured agent executable; empty means "codex".
func DefaultPrerequisites(cliPath string) []Prerequisite {
	if cliPath == "" {
		cliPath = "codex"
	}
	return []Prerequisite{
		{
			Name:        cliPath,
			Required:    true,
			Description: "Agent CLI with app-server support",
			InstallURL:  "https://github.com/openai/codex",
		},
		{
			Name:        "git",
			Required:    false, // Only used by the agent for diffs
			Description: "Git version control (optional)",
			InstallURL:  "https://git-scm.com/downloads",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a CLI tool is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	// Try to get version
	version := getVersion(prereq.Name)
	if version != "" {
		result.Version = version
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion attempts to get the version of a CLI tool
func getVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
		output, err := exec.CommandContext(ctx, name, flag).Output()
		cancel()
		if err == nil {
			// Return first line of output, trimmed
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				// Limit length to avoid overly long version strings
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}

	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
