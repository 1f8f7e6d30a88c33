package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSubcommand puts the agent CLI into JSON-RPC server mode.
const DefaultSubcommand = "app-server"

// stderrTailLines is how many trailing stderr lines are kept for ExitError.
const stderrTailLines = 20

// killGracePeriod is how long Close waits for the process after killing it.
const killGracePeriod = 2 * time.Second

// ProcessConfig describes how to launch the agent process. The environment is
// explicit: BaseEnv (os.Environ() when nil) overlaid with Env.
type ProcessConfig struct {
	Command    string            // executable name or path
	Args       []string          // extra arguments placed before the subcommand
	Subcommand string            // defaults to DefaultSubcommand
	Dir        string            // working directory
	BaseEnv    []string          // inherited environment; nil means os.Environ()
	Env        map[string]string // user overrides
}

// BuildArgs returns the argument list, ending with the subcommand unless the
// caller already included it.
func BuildArgs(cfg ProcessConfig) []string {
	sub := cfg.Subcommand
	if sub == "" {
		sub = DefaultSubcommand
	}
	args := slices.Clone(cfg.Args)
	if !slices.Contains(args, sub) {
		args = append(args, sub)
	}
	return args
}

// BuildEnv overlays overrides on base. Overridden keys keep their position;
// new keys are appended in sorted order.
func BuildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				env = append(env, key+"="+v)
				seen[key] = true
			}
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// process is one running agent child process.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	log    *slog.Logger

	mu         sync.Mutex
	stderrTail []string

	// done is closed once cmd.Wait has returned; exitErr is valid after that.
	done    chan struct{}
	exitErr *ExitError
}

// startProcess launches the agent and wires its three standard streams.
func startProcess(cfg ProcessConfig, log *slog.Logger) (*process, error) {
	base := cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	args := BuildArgs(cfg)

	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = BuildEnv(base, cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	log.Debug("starting process", "command", cfg.Command+" "+strings.Join(args, " "), "dir", cfg.Dir)
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		if isNotFound(err) {
			return nil, &CLINotFoundError{Command: cfg.Command, Err: err}
		}
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	log.Info("process started", "pid", cmd.Process.Pid)

	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		log:    log,
		done:   make(chan struct{}),
	}, nil
}

// isNotFound reports whether a spawn error means the executable is missing.
// A missing working directory is reported verbatim instead.
func isNotFound(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return false
	}
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// drainStderr logs stderr line by line and keeps a short tail.
// stderr is observed but never part of the protocol.
func (p *process) drainStderr() {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.Debug("agent stderr", "line", line)
		p.mu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading stderr", "error", err)
	}
}

// wait must only be called after stdout and stderr have been fully read.
// It is the sole caller of cmd.Wait.
func (p *process) wait() *ExitError {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	tail := strings.Join(p.stderrTail, "\n")
	p.mu.Unlock()

	p.exitErr = &ExitError{Code: code, Stderr: tail}
	close(p.done)
	p.log.Info("process exited", "code", code)
	return p.exitErr
}

// kill terminates the process and waits briefly for it to be reaped.
func (p *process) kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debug("kill failed", "error", err)
		}
	}
	select {
	case <-p.done:
	case <-time.After(killGracePeriod):
		p.log.Warn("process did not exit after kill")
	}
}
