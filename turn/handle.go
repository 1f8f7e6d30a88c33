package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/rpc"
)

var (
	// ErrTurnNotStarted is returned by Steer before the turn id is known.
	ErrTurnNotStarted = errors.New("turn has not started yet")

	// ErrTurnCompleted is returned by Steer after the turn ended.
	ErrTurnCompleted = errors.New("turn already completed")
)

// Client is the part of rpc.Client a turn needs.
type Client interface {
	Request(ctx context.Context, method string, params, result any) error
	Subscribe(h rpc.NotificationHandler) (unsubscribe func())
}

// Handle controls one running turn.
type Handle struct {
	client   Client
	threadID string
	router   *Router

	mu               sync.Mutex
	interruptPending bool
}

// New subscribes a router for a turn on threadID. Call Start to send
// turn/start; until then Interrupt is recorded and deferred.
func New(client Client, threadID string, cb Callbacks) *Handle {
	router := NewRouter(cb, nil)
	router.SetUnsubscribe(client.Subscribe(router.Handle))
	return &Handle{client: client, threadID: threadID, router: router}
}

// Start is New followed by (*Handle).Start.
func Start(ctx context.Context, client Client, params appserver.TurnStartParams, cb Callbacks) (*Handle, error) {
	h := New(client, params.ThreadID, cb)
	if err := h.Start(ctx, params); err != nil {
		return nil, err
	}
	return h, nil
}

// Start sends turn/start and activates the router with the returned turn
// id. Notifications that race ahead of the response are buffered, not lost.
// If turn/start fails the callbacks still see OnError and OnComplete, and
// the error is returned.
func (h *Handle) Start(ctx context.Context, params appserver.TurnStartParams) error {
	if params.ThreadID == "" {
		params.ThreadID = h.threadID
	}
	log := logger.WithThread(params.ThreadID)

	var resp appserver.TurnStartResponse
	if err := h.client.Request(ctx, appserver.MethodTurnStart, params, &resp); err != nil {
		err = fmt.Errorf("turn/start failed: %w", err)
		h.router.Fail(err)
		return err
	}
	if resp.Turn.ID == "" {
		err := errors.New("turn/start returned no turn id")
		h.router.Fail(err)
		return err
	}

	log.Debug("turn started", "turnID", resp.Turn.ID)
	h.router.Activate(resp.Turn.ID)

	h.mu.Lock()
	deferred := h.interruptPending
	h.interruptPending = false
	h.mu.Unlock()
	if deferred && h.router.State() != Completed {
		if err := h.sendInterrupt(context.WithoutCancel(ctx), resp.Turn.ID); err != nil {
			log.Warn("deferred interrupt failed", "turnID", resp.Turn.ID, "error", err)
		}
	}
	return nil
}

// ThreadID returns the thread the turn runs on.
func (h *Handle) ThreadID() string { return h.threadID }

// TurnID returns the turn id, or "" before activation.
func (h *Handle) TurnID() string { return h.router.TurnID() }

// State returns the router state.
func (h *Handle) State() State { return h.router.State() }

// Interrupt asks the server to stop the turn. Before the turn id is known
// the request is deferred and sent on activation. Interrupting is advisory:
// wait on Done for the turn to actually end.
func (h *Handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	switch h.router.State() {
	case Completed:
		h.mu.Unlock()
		return nil
	case Unstarted:
		h.interruptPending = true
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.sendInterrupt(ctx, h.router.TurnID())
}

func (h *Handle) sendInterrupt(ctx context.Context, turnID string) error {
	params := appserver.TurnInterruptParams{ThreadID: h.threadID, TurnID: turnID}
	if err := h.client.Request(ctx, appserver.MethodTurnInterrupt, params, nil); err != nil {
		return fmt.Errorf("turn/interrupt failed: %w", err)
	}
	return nil
}

// Steer adds user text to the running turn. The server ignores it if the
// turn has been superseded.
func (h *Handle) Steer(ctx context.Context, text string) error {
	return h.SteerInput(ctx, []appserver.UserInput{appserver.TextInput(text)})
}

// SteerInput is Steer with arbitrary input parts.
func (h *Handle) SteerInput(ctx context.Context, input []appserver.UserInput) error {
	switch h.router.State() {
	case Unstarted:
		return ErrTurnNotStarted
	case Completed:
		return ErrTurnCompleted
	}
	params := appserver.TurnSteerParams{
		ThreadID:       h.threadID,
		Input:          input,
		ExpectedTurnID: h.router.TurnID(),
	}
	if err := h.client.Request(ctx, appserver.MethodTurnSteer, params, nil); err != nil {
		return fmt.Errorf("turn/steer failed: %w", err)
	}
	return nil
}

// Done is closed once the turn has completed and OnComplete has returned.
func (h *Handle) Done() <-chan struct{} { return h.router.Done() }

// Wait blocks until the turn completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.router.Done():
		return h.router.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
