// Package turn routes the notifications of a single agent turn to callbacks.
//
// A turn starts Unstarted: the server may emit progress before the turn/start
// response tells us the turn id, so every notification is buffered. Activate
// switches to Active and replays the buffer in arrival order before any live
// notification is dispatched. The terminal turn/completed notification moves
// the router to Completed, unsubscribes it and fires OnComplete exactly once.
package turn

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/logger"
)

// State is the router lifecycle state.
type State int

const (
	Unstarted State = iota
	Active
	Completed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Active:
		return "active"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// defaultFailureMessage is used when a failed turn carries no message.
const defaultFailureMessage = "Turn failed"

// ItemEvent is an item lifecycle notification.
type ItemEvent struct {
	ThreadID string
	TurnID   string
	Item     appserver.Item
	Raw      json.RawMessage
}

// Result describes how a turn ended.
type Result struct {
	TurnID string
	Status string
	Err    error
}

// FailedError is reported for a turn the server marked failed.
type FailedError struct {
	Message string
}

func (e *FailedError) Error() string { return e.Message }

// Callbacks receive routed notifications. Nil callbacks are skipped.
// Callbacks run one at a time in notification order, never concurrently.
type Callbacks struct {
	OnDelta         func(itemID, delta string)
	OnItemStarted   func(ItemEvent)
	OnItemCompleted func(ItemEvent)
	OnAgentMessage  func(text string)
	OnOutputDelta   func(itemID, delta string)
	OnPlan          func(params json.RawMessage)
	OnDiff          func(diff json.RawMessage)
	OnError         func(err error)
	OnComplete      func(Result)
}

type event struct {
	method string
	params json.RawMessage
	err    error // set for a local failure instead of a notification
}

// Router is the per-turn state machine. Handle is meant to be registered as
// an rpc.NotificationHandler.
type Router struct {
	cb          Callbacks
	unsubscribe func()
	log         *slog.Logger

	mu       sync.Mutex
	state    State
	turnID   string
	buffer   []event
	queue    []event
	draining bool

	completeOnce sync.Once
	done         chan struct{}
	result       Result
}

// NewRouter creates an Unstarted router. unsubscribe, if set, is called once
// when the turn ends.
func NewRouter(cb Callbacks, unsubscribe func()) *Router {
	return &Router{
		cb:          cb,
		unsubscribe: unsubscribe,
		log:         logger.WithComponent("turn"),
		done:        make(chan struct{}),
	}
}

// SetUnsubscribe installs the disposer after construction, for callers that
// must create the router before subscribing it.
func (r *Router) SetUnsubscribe(unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe = unsubscribe
}

// State returns the current state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TurnID returns the active turn id, or "" before activation.
func (r *Router) TurnID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnID
}

// Done is closed after OnComplete has run.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Result is valid once Done is closed.
func (r *Router) Result() Result {
	<-r.done
	return r.result
}

// Handle accepts one notification.
func (r *Router) Handle(method string, params json.RawMessage) {
	r.mu.Lock()
	switch r.state {
	case Completed:
		r.mu.Unlock()
		return
	case Unstarted:
		r.buffer = append(r.buffer, event{method: method, params: params})
		r.mu.Unlock()
		return
	}
	r.admitLocked(event{method: method, params: params})
	r.mu.Unlock()
	r.drain()
}

// Activate records the turn id and replays buffered notifications. It has
// no effect unless the router is Unstarted.
func (r *Router) Activate(turnID string) {
	r.mu.Lock()
	if r.state != Unstarted {
		r.mu.Unlock()
		return
	}
	r.state = Active
	r.turnID = turnID
	buffered := r.buffer
	r.buffer = nil
	for _, ev := range buffered {
		if r.state == Completed {
			break
		}
		r.admitLocked(ev)
	}
	r.mu.Unlock()

	r.log.Debug("turn active", "turnID", turnID, "replayed", len(buffered))
	r.drain()
}

// Fail ends the turn locally, for example when turn/start itself failed.
// OnError and OnComplete run once; later notifications are ignored.
func (r *Router) Fail(err error) {
	if err == nil {
		err = errors.New(defaultFailureMessage)
	}
	r.mu.Lock()
	if r.state == Completed {
		r.mu.Unlock()
		return
	}
	r.state = Completed
	r.buffer = nil
	r.queue = append(r.queue, event{err: err})
	r.mu.Unlock()
	r.drain()
}

// admitLocked queues ev if it belongs to the active turn. A matching
// turn/completed closes the router to further input. Caller must hold mu.
func (r *Router) admitLocked(ev event) {
	if !r.belongsLocked(ev) {
		r.log.Debug("dropping notification for another turn", "method", ev.method, "turnID", r.turnID)
		return
	}
	r.queue = append(r.queue, ev)
	if ev.method == appserver.NotifyTurnCompleted {
		r.state = Completed
	}
}

func (r *Router) belongsLocked(ev event) bool {
	var p struct {
		TurnID string `json:"turnId"`
		Turn   *struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(ev.params, &p); err != nil {
		return false
	}
	if p.TurnID != "" {
		return p.TurnID == r.turnID
	}
	if ev.method == appserver.NotifyTurnCompleted && p.Turn != nil {
		return p.Turn.ID == r.turnID
	}
	return false
}

// drain runs queued events outside the lock. Only one goroutine drains at a
// time, so callbacks keep queue order.
func (r *Router) drain() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.dispatch(ev)
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

func (r *Router) dispatch(ev event) {
	if ev.err != nil {
		if r.cb.OnError != nil {
			r.cb.OnError(ev.err)
		}
		r.finish(Result{TurnID: r.TurnID(), Status: appserver.TurnStatusFailed, Err: ev.err})
		return
	}

	switch ev.method {
	case appserver.NotifyAgentMessageDelta:
		if r.cb.OnDelta != nil {
			p := decodeDelta(ev.params)
			r.cb.OnDelta(p.ItemID, p.Delta)
		}

	case appserver.NotifyCommandOutputDelta:
		if r.cb.OnOutputDelta != nil {
			p := decodeDelta(ev.params)
			r.cb.OnOutputDelta(p.ItemID, p.Delta)
		}

	case appserver.NotifyItemStarted:
		if r.cb.OnItemStarted != nil {
			r.cb.OnItemStarted(decodeItemEvent(ev.params))
		}

	case appserver.NotifyItemCompleted:
		item := decodeItemEvent(ev.params)
		if r.cb.OnItemCompleted != nil {
			r.cb.OnItemCompleted(item)
		}
		if msg, ok := item.Item.(*appserver.AgentMessage); ok && r.cb.OnAgentMessage != nil {
			r.cb.OnAgentMessage(msg.Text)
		}

	case appserver.NotifyTurnPlanUpdated:
		if r.cb.OnPlan != nil {
			r.cb.OnPlan(ev.params)
		}

	case appserver.NotifyTurnDiffUpdated:
		if r.cb.OnDiff != nil {
			if diff, ok := DiffPayload(ev.params); ok {
				r.cb.OnDiff(diff)
			}
		}

	case appserver.NotifyTurnCompleted:
		r.complete(ev.params)

	default:
		r.log.Debug("unrouted notification", "method", ev.method)
	}
}

func (r *Router) complete(params json.RawMessage) {
	var p struct {
		Turn struct {
			ID     string               `json:"id"`
			Status string               `json:"status"`
			Error  *appserver.TurnError `json:"error"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(params, &p)

	status := p.Turn.Status
	if status == "" {
		status = appserver.TurnStatusCompleted
	}
	res := Result{TurnID: r.TurnID(), Status: status}

	if status == appserver.TurnStatusFailed {
		msg := defaultFailureMessage
		if p.Turn.Error != nil && p.Turn.Error.Message != "" {
			msg = p.Turn.Error.Message
		}
		res.Err = &FailedError{Message: msg}
		if r.cb.OnError != nil {
			r.cb.OnError(res.Err)
		}
	}
	r.finish(res)
}

func (r *Router) finish(res Result) {
	r.completeOnce.Do(func() {
		r.mu.Lock()
		unsubscribe := r.unsubscribe
		r.state = Completed
		r.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		r.result = res
		r.log.Debug("turn completed", "turnID", res.TurnID, "status", res.Status)
		if r.cb.OnComplete != nil {
			r.cb.OnComplete(res)
		}
		close(r.done)
	})
}

type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

func decodeDelta(params json.RawMessage) deltaParams {
	var p deltaParams
	_ = json.Unmarshal(params, &p)
	return p
}

func decodeItemEvent(params json.RawMessage) ItemEvent {
	var p struct {
		ThreadID string          `json:"threadId"`
		TurnID   string          `json:"turnId"`
		Item     json.RawMessage `json:"item"`
	}
	_ = json.Unmarshal(params, &p)
	return ItemEvent{
		ThreadID: p.ThreadID,
		TurnID:   p.TurnID,
		Item:     appserver.DecodeItem(p.Item),
		Raw:      p.Item,
	}
}

// diffFields lists where turn/diff/updated may carry its payload, in order
// of precedence.
var diffFields = []string{"diff", "unifiedDiff", "patch", "changes"}

// DiffPayload returns the first present, non-null diff field.
func DiffPayload(params json.RawMessage) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, false
	}
	for _, name := range diffFields {
		if v, ok := fields[name]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// DiffText unquotes a string diff payload; other payloads are returned as
// raw JSON text.
func DiffText(diff json.RawMessage) string {
	var s string
	if err := json.Unmarshal(diff, &s); err == nil {
		return s
	}
	return string(diff)
}
