package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/approval"
	"github.com/zhubert/plural-appserver/config"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/rpc"
	"github.com/zhubert/plural-appserver/runtime"
	"github.com/zhubert/plural-appserver/sessionlog"
	"github.com/zhubert/plural-appserver/turn"
)

// interruptTimeout bounds the turn/interrupt request sent on Ctrl-C.
const interruptTimeout = 5 * time.Second

type chatOptions struct {
	thread string
	mode   string
	cwd    string
}

func newChatCmd(global *globalOptions) *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [flags] PROMPT...",
		Short: "Send one message to the agent and stream its reply",
		Long: "Send a message in a new conversation, or in an existing one with --thread.\n" +
			"Without arguments the message is read from standard input.\n" +
			"Ctrl-C interrupts the running turn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runChat(cmd, global, opts, text)
		},
	}
	cmd.Flags().StringVar(&opts.thread, "thread", "", "continue the conversation on this thread")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "approval mode for this run: safe, yolo or prompt")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "working directory for the agent (default: current directory)")
	return cmd
}

// messageText joins args, or reads stdin when there are none.
func messageText(args []string, stdin io.Reader) (string, error) {
	text := strings.Join(args, " ")
	if text == "" && stdin != nil {
		if f, ok := stdin.(*os.File); !ok || !isTerminal(f) {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return "", fmt.Errorf("failed to read message: %w", err)
			}
			text = string(data)
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no message given")
	}
	return text, nil
}

// buildPolicy layers the project's policy file and the --mode flag over the
// configured policy. Without a configured vault root the project directory
// is the vault. It also returns the allow rules the policy file added.
func buildPolicy(settings *config.Settings, projectDir, mode string) (approval.Policy, []approval.Rule, error) {
	policy := settings.Policy()

	if policy.VaultRoot == "" {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return approval.Policy{}, nil, fmt.Errorf("failed to resolve project directory: %w", err)
		}
		policy.VaultRoot = abs
	}
	pf, err := approval.LoadPolicyFile(policy.VaultRoot)
	if err != nil {
		return approval.Policy{}, nil, err
	}
	policy = approval.MergePolicy(policy, pf)

	var fileRules []approval.Rule
	if pf != nil {
		fileRules = approval.MergePolicy(approval.Policy{}, pf).Rules
	}

	if mode != "" {
		m, ok := approval.ParseMode(mode)
		if !ok {
			return approval.Policy{}, nil, fmt.Errorf("invalid approval mode %q (want safe, yolo or prompt)", mode)
		}
		policy.Mode = m
	}
	return policy, fileRules, nil
}

// approvals owns the approval engine of one chat run. Rules answered with
// "always" go to the global settings; rules from the project's policy file
// stay with the project.
type approvals struct {
	engine     *approval.Engine
	projectDir string
	mode       string

	mu        sync.Mutex
	fileRules []approval.Rule
}

func newApprovals(settings *config.Settings, projectDir, mode string) (*approvals, error) {
	policy, fileRules, err := buildPolicy(settings, projectDir, mode)
	if err != nil {
		return nil, err
	}
	a := &approvals{projectDir: projectDir, mode: mode, fileRules: fileRules}
	a.engine = approval.NewEngine(policy, settings.PersistRules(a.fromProject))
	return a, nil
}

// reload applies settings read back from disk. The mode flag keeps
// precedence.
func (a *approvals) reload(settings *config.Settings) error {
	policy, fileRules, err := buildPolicy(settings, a.projectDir, a.mode)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.fileRules = fileRules
	a.mu.Unlock()
	a.engine.SetPolicy(policy)
	return nil
}

func (a *approvals) fromProject(rule approval.Rule) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Contains(a.fileRules, rule)
}

// openConversation loads the conversation for threadID, or starts a new one.
// A thread that was never logged locally is adopted under its own id.
func openConversation(store *sessionlog.Store, threadID string) (*sessionlog.Conversation, error) {
	if threadID == "" {
		return sessionlog.NewConversation(""), nil
	}
	conv, err := store.Load(threadID)
	if errors.Is(err, sessionlog.ErrNotFound) {
		conv = sessionlog.NewConversation("")
		conv.BindThread(threadID)
		return conv, nil
	}
	return conv, err
}

func runChat(cmd *cobra.Command, global *globalOptions, opts chatOptions, text string) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	log := logger.WithComponent("chat")

	settings, err := config.Load()
	if err != nil {
		return err
	}

	cwd := opts.cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	appr, err := newApprovals(settings, cwd, opts.mode)
	if err != nil {
		return err
	}
	engine := appr.engine

	store, err := sessionlog.DefaultStore()
	if err != nil {
		return err
	}
	conv, err := openConversation(store, opts.thread)
	if err != nil {
		return err
	}
	if conv.Model == "" {
		conv.Model = settings.GetModel()
	}
	if conv.ReasoningEffort == "" {
		conv.ReasoningEffort = settings.GetReasoningEffort()
	}
	conv.Mode = string(engine.Policy().Mode)

	trace, closeTrace, err := global.openTrace()
	if err != nil {
		return err
	}
	defer closeTrace()

	rtOpts := runtime.Options{
		Process: rpc.ProcessConfig{
			Command: settings.GetCLIPath(),
			Env:     settings.GetEnv(),
			Dir:     cwd,
		},
		Engine: engine,
		Trace:  trace,
	}
	if isTerminal(os.Stdin) {
		p := newTerminalPrompter(os.Stdin, errOut)
		rtOpts.Prompter = p
		rtOpts.InputHandler = p
	}
	rt := runtime.New(rtOpts)
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Edits to the settings file apply to approvals still to come.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, settings.FilePath(), func(s *config.Settings) {
			if err := appr.reload(s); err != nil {
				log.Warn("ignoring reloaded settings", "error", err)
				return
			}
			p := engine.Policy()
			log.Info("approval policy reloaded", "mode", p.Mode, "rules", len(p.Rules))
		})
		if err != nil {
			log.Debug("settings watch stopped", "error", err)
		}
	}()

	session := runtime.NewSession(rt, store, conv)
	h, err := session.SendMessage(ctx, text, cwd, chatCallbacks(out, errOut))
	if err != nil {
		var notFound *rpc.CLINotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w (run `plural-appserver doctor`)", err)
		}
		return err
	}

	res, err := waitInterruptible(ctx, h)
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	fmt.Fprintf(errOut, "thread %s (%s)\n", h.ThreadID(), res.Status)
	if res.Status == appserver.TurnStatusFailed && res.Err != nil {
		return res.Err
	}
	return nil
}

// waitInterruptible waits for the turn, sending turn/interrupt once when
// ctx is cancelled. The turn still runs to its completed notification.
func waitInterruptible(ctx context.Context, h *turn.Handle) (turn.Result, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		ictx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		err := h.Interrupt(ictx)
		cancel()
		if err != nil {
			return turn.Result{}, fmt.Errorf("failed to interrupt turn: %w", err)
		}
	}
	return h.Wait(context.Background())
}

// chatCallbacks streams the reply to out and reports other items on errOut.
func chatCallbacks(out, errOut io.Writer) turn.Callbacks {
	return turn.Callbacks{
		OnDelta: func(_, delta string) {
			fmt.Fprint(out, delta)
		},
		OnItemCompleted: func(ev turn.ItemEvent) {
			if ev.Item == nil {
				return
			}
			switch ev.Item.(type) {
			case *appserver.UserMessage, *appserver.AgentMessage:
				return
			}
			fmt.Fprintf(errOut, "\n[%s]\n", ev.Item.ItemType())
		},
		OnError: func(err error) {
			fmt.Fprintf(errOut, "\nerror: %v\n", err)
		},
	}
}
