// Package runtime is the entry point for hosts that drive the agent: it owns
// the RPC client, answers the agent's approval and user-input requests, and
// exposes thread and turn operations.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-appserver/approval"
	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/rpc"
	"github.com/zhubert/plural-appserver/turn"
)

// PromptAnswer is the user's reply to an approval prompt.
type PromptAnswer int

const (
	PromptDecline PromptAnswer = iota
	PromptAccept
	// PromptAlwaysAllow accepts and remembers a rule covering the request.
	PromptAlwaysAllow
)

// Prompter asks the user about requests the policy leaves open.
type Prompter interface {
	PromptApproval(ctx context.Context, req approval.Request) (PromptAnswer, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req approval.Request) (PromptAnswer, error)

func (f PrompterFunc) PromptApproval(ctx context.Context, req approval.Request) (PromptAnswer, error) {
	return f(ctx, req)
}

// InputHandler answers tool/requestUserInput.
type InputHandler interface {
	RequestUserInput(ctx context.Context, params appserver.UserInputParams) (appserver.UserInputResponse, error)
}

// InputHandlerFunc adapts a function to InputHandler.
type InputHandlerFunc func(ctx context.Context, params appserver.UserInputParams) (appserver.UserInputResponse, error)

func (f InputHandlerFunc) RequestUserInput(ctx context.Context, params appserver.UserInputParams) (appserver.UserInputResponse, error) {
	return f(ctx, params)
}

// Options configures a Runtime.
type Options struct {
	Process rpc.ProcessConfig

	// Engine resolves approval requests. Nil means a safe-mode engine with
	// the default blocklists.
	Engine *approval.Engine

	// Prompter is consulted when the policy asks for a prompt. Without one
	// those requests are declined.
	Prompter Prompter

	// InputHandler answers user-input requests. Without one the agent gets
	// empty answers.
	InputHandler InputHandler

	// ClientInfo is sent in the handshake. Zero means rpc.DefaultClientInfo.
	ClientInfo rpc.ClientInfo

	// Trace receives every raw protocol line when set.
	Trace io.Writer
}

// Runtime is a lazily started connection to one agent process.
type Runtime struct {
	opts   Options
	engine *approval.Engine
	log    *slog.Logger

	mu     sync.Mutex
	client *rpc.Client

	// startMu serializes handshakes without blocking Close.
	startMu sync.Mutex
}

// New creates a runtime. Nothing is spawned until the first operation.
func New(opts Options) *Runtime {
	engine := opts.Engine
	if engine == nil {
		engine = approval.NewEngine(approval.Policy{
			Mode:             approval.ModeSafe,
			CommandBlocklist: approval.ComposePatterns(approval.DefaultCommandBlocklist),
			PathBlocklist:    approval.ComposePatterns(approval.DefaultPathBlocklist),
		}, nil)
	}
	return &Runtime{
		opts:   opts,
		engine: engine,
		log:    logger.WithComponent("runtime"),
	}
}

// Engine returns the approval engine in use.
func (r *Runtime) Engine() *approval.Engine { return r.engine }

// Client returns a started client, spawning the agent and performing the
// handshake if needed. Concurrent callers wait for the same start.
func (r *Runtime) Client(ctx context.Context) (*rpc.Client, error) {
	r.mu.Lock()
	if r.client == nil {
		var opts []rpc.ClientOption
		if r.opts.ClientInfo != (rpc.ClientInfo{}) {
			opts = append(opts, rpc.WithClientInfo(r.opts.ClientInfo))
		}
		if r.opts.Trace != nil {
			opts = append(opts, rpc.WithTrace(r.opts.Trace))
		}
		r.client = rpc.NewClient(r.opts.Process, opts...)
		r.client.SetRequestHandler(r.handleServerRequest)
	}
	c := r.client
	r.mu.Unlock()

	r.startMu.Lock()
	defer r.startMu.Unlock()
	if c.Ready() {
		return c, nil
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the agent process. The runtime may be used again afterwards.
func (r *Runtime) Close() {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (r *Runtime) request(ctx context.Context, method string, params, result any) error {
	c, err := r.Client(ctx)
	if err != nil {
		return err
	}
	return c.Request(ctx, method, params, result)
}

// StartThread creates a new thread.
func (r *Runtime) StartThread(ctx context.Context, params appserver.ThreadStartParams) (*appserver.Thread, error) {
	return r.threadCall(ctx, appserver.MethodThreadStart, params)
}

// ResumeThread reopens a stored thread.
func (r *Runtime) ResumeThread(ctx context.Context, params appserver.ThreadResumeParams) (*appserver.Thread, error) {
	return r.threadCall(ctx, appserver.MethodThreadResume, params)
}

// ForkThread copies a thread into a new one and returns the copy.
func (r *Runtime) ForkThread(ctx context.Context, threadID string) (*appserver.Thread, error) {
	return r.threadCall(ctx, appserver.MethodThreadFork, appserver.ThreadForkParams{ThreadID: threadID})
}

// RollbackThread drops the last numTurns turns.
func (r *Runtime) RollbackThread(ctx context.Context, threadID string, numTurns int) (*appserver.Thread, error) {
	if numTurns < 1 {
		return nil, fmt.Errorf("rollback needs at least one turn, got %d", numTurns)
	}
	return r.threadCall(ctx, appserver.MethodThreadRollback, appserver.ThreadRollbackParams{
		ThreadID: threadID,
		NumTurns: numTurns,
	})
}

func (r *Runtime) threadCall(ctx context.Context, method string, params any) (*appserver.Thread, error) {
	var resp appserver.ThreadResponse
	if err := r.request(ctx, method, params, &resp); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if resp.Thread.ID == "" {
		return nil, fmt.Errorf("%s returned no thread id", method)
	}
	if resp.Thread.Model == "" {
		resp.Thread.Model = resp.Model
	}
	r.log.Debug("thread ready", "method", method, "threadID", resp.Thread.ID)
	return &resp.Thread, nil
}

// ArchiveThread hides a thread from listings.
func (r *Runtime) ArchiveThread(ctx context.Context, threadID string) error {
	if err := r.request(ctx, appserver.MethodThreadArchive, appserver.ThreadArchiveParams{ThreadID: threadID}, nil); err != nil {
		return fmt.Errorf("thread/archive failed: %w", err)
	}
	return nil
}

// ListThreads returns one page of stored threads.
func (r *Runtime) ListThreads(ctx context.Context, params appserver.ThreadListParams) (*appserver.ThreadListResponse, error) {
	var resp appserver.ThreadListResponse
	if err := r.request(ctx, appserver.MethodThreadList, params, &resp); err != nil {
		return nil, fmt.Errorf("thread/list failed: %w", err)
	}
	return &resp, nil
}

// ListModels returns the models the agent offers.
func (r *Runtime) ListModels(ctx context.Context) ([]appserver.Model, error) {
	var resp appserver.ModelListResponse
	if err := r.request(ctx, appserver.MethodModelList, nil, &resp); err != nil {
		return nil, fmt.Errorf("model/list failed: %w", err)
	}
	return resp.Data, nil
}

// ListSkills returns the skills the agent can load.
func (r *Runtime) ListSkills(ctx context.Context) ([]appserver.Skill, error) {
	var resp appserver.SkillsListResponse
	if err := r.request(ctx, appserver.MethodSkillsList, nil, &resp); err != nil {
		return nil, fmt.Errorf("skills/list failed: %w", err)
	}
	return resp.Data, nil
}

// ListMCPServerStatus reports the agent's MCP servers.
func (r *Runtime) ListMCPServerStatus(ctx context.Context) ([]appserver.MCPServerStatus, error) {
	var resp appserver.MCPServerStatusListResponse
	if err := r.request(ctx, appserver.MethodMCPServerStatusList, nil, &resp); err != nil {
		return nil, fmt.Errorf("mcpServerStatus/list failed: %w", err)
	}
	return resp.Data, nil
}

// NewTurn prepares a turn on threadID without sending turn/start. Use it
// when the turn must be interruptible before the server has answered.
func (r *Runtime) NewTurn(ctx context.Context, threadID string, cb turn.Callbacks) (*turn.Handle, error) {
	c, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	return turn.New(c, threadID, cb), nil
}

// StartTurn sends turn/start and routes the turn's notifications to cb.
// If turn/start fails, cb still sees OnError and OnComplete.
func (r *Runtime) StartTurn(ctx context.Context, params appserver.TurnStartParams, cb turn.Callbacks) (*turn.Handle, error) {
	h, err := r.NewTurn(ctx, params.ThreadID, cb)
	if err != nil {
		return nil, err
	}
	if err := h.Start(ctx, params); err != nil {
		return nil, err
	}
	return h, nil
}

// handleServerRequest is installed as the client's rpc.RequestHandler.
func (r *Runtime) handleServerRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case appserver.RequestCommandApproval, appserver.RequestFileChangeApproval:
		return r.resolveApproval(ctx, method, params), nil

	case appserver.RequestUserInput, appserver.RequestUserInputLegacy:
		return r.requestUserInput(ctx, params)

	default:
		r.log.Warn("unsupported server request", "method", method)
		return nil, &rpc.RPCError{Code: rpc.CodeMethodNotFound, Message: "unsupported server request: " + method}
	}
}

func (r *Runtime) resolveApproval(ctx context.Context, method string, params json.RawMessage) appserver.ApprovalResponse {
	req := approval.ParseRequest(method, params)
	res := r.engine.Resolve(req)

	decision := res.Decision
	if res.RequiresPrompt {
		decision = r.prompt(ctx, req)
	}

	log := logger.WithThread(req.ThreadID)
	log.Info("approval answered", "method", method, "command", req.Command, "paths", req.Paths, "decision", decision)
	return appserver.ApprovalResponse{Decision: string(decision)}
}

func (r *Runtime) prompt(ctx context.Context, req approval.Request) approval.Decision {
	if r.opts.Prompter == nil {
		return approval.Decline
	}

	answer, err := r.opts.Prompter.PromptApproval(ctx, req)
	if err != nil {
		r.log.Warn("approval prompt failed", "error", err)
		return approval.Decline
	}

	switch answer {
	case PromptAccept:
		return approval.Accept
	case PromptAlwaysAllow:
		if rule, ok := approval.SynthesizeRule(req); ok {
			if _, err := r.engine.AddRule(rule); err != nil {
				r.log.Warn("failed to persist approval rule", "kind", rule.Kind, "pattern", rule.Pattern, "error", err)
			}
		}
		return approval.Accept
	default:
		return approval.Decline
	}
}

func (r *Runtime) requestUserInput(ctx context.Context, params json.RawMessage) (any, error) {
	var p appserver.UserInputParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpc.RPCError{Code: rpc.CodeInvalidParams, Message: "invalid user input request: " + err.Error()}
		}
	}

	if r.opts.InputHandler == nil {
		return appserver.UserInputResponse{Answers: map[string]appserver.UserInputAnswer{}}, nil
	}

	resp, err := r.opts.InputHandler.RequestUserInput(ctx, p)
	if err != nil {
		return nil, err
	}
	if resp.Answers == nil {
		resp.Answers = map[string]appserver.UserInputAnswer{}
	}
	return resp, nil
}
