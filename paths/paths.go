// Package paths resolves where plural-appserver keeps its files.
//
// Three kinds of files are kept apart:
//
//   - Config: settings.json: approval mode, rules, CLI location
//   - Data: sessions/*.jsonl: one append-only log per conversation
//   - State: logs/: transient log files
//
// Resolution order:
//  1. PLURAL_APPSERVER_HOME set → everything under that directory
//  2. ~/.plural-appserver/ exists → flat layout under it
//  3. XDG env vars set → XDG layout with proper separation
//  4. Otherwise → ~/.plural-appserver/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// HomeEnvVar overrides every directory with a single root.
const HomeEnvVar = "PLURAL_APPSERVER_HOME"

const appDirName = "plural-appserver"

var (
	mu       sync.Mutex
	resolved *layout
)

type layout struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

func flatLayout(dir string) *layout {
	return &layout{configDir: dir, dataDir: dir, stateDir: dir, flat: true}
}

// resolve computes the layout once and caches it.
func resolve() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	if override := os.Getenv(HomeEnvVar); override != "" {
		resolved = flatLayout(override)
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dotDir := filepath.Join(home, "."+appDirName)
	if info, err := os.Stat(dotDir); err == nil && info.IsDir() {
		resolved = flatLayout(dotDir)
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = flatLayout(dotDir)
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &layout{
		configDir: filepath.Join(xdgConfig, appDirName),
		dataDir:   filepath.Join(xdgData, appDirName),
		stateDir:  filepath.Join(xdgState, appDirName),
	}
	return resolved, nil
}

// ConfigDir returns the directory holding settings.json.
func ConfigDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.configDir, nil
}

// DataDir returns the directory for persistent data.
func DataDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.stateDir, nil
}

// ConfigFilePath returns the full path to settings.json.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// SessionsDir returns the directory for conversation logs.
func SessionsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout reports whether config, data and state share one directory.
func IsFlatLayout() bool {
	l, err := resolve()
	if err != nil {
		return true
	}
	return l.flat
}

// Reset clears the cached layout. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
