package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/sessionlog"
	"github.com/zhubert/plural-appserver/turn"
)

// ErrTurnInProgress is returned by SendMessage while a turn is running.
var ErrTurnInProgress = errors.New("a turn is already running in this session")

// Session keeps a persisted conversation in step with a thread on the
// agent. Every completed message or item is written to the store.
type Session struct {
	rt    *Runtime
	store *sessionlog.Store

	mu        sync.Mutex
	conv      *sessionlog.Conversation
	attached  bool   // thread started or resumed on the current runtime
	busy      bool   // a turn is running
	streaming bool   // trailing assistant message is still receiving deltas
	buf       string // text streamed so far for that message
	log       *slog.Logger
}

// NewSession wraps conv. A conversation without a thread gets one on the
// first SendMessage.
func NewSession(rt *Runtime, store *sessionlog.Store, conv *sessionlog.Conversation) *Session {
	return &Session{
		rt:    rt,
		store: store,
		conv:  conv,
		log:   logger.WithThread(conv.ThreadID),
	}
}

// Conversation returns a snapshot of the conversation.
func (s *Session) Conversation() sessionlog.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.conv
	c.Messages = append([]sessionlog.ChatMessage(nil), s.conv.Messages...)
	c.Items = append([]sessionlog.ConversationItem(nil), s.conv.Items...)
	return c
}

// EnsureThread starts a thread for a new conversation, or resumes the bound
// one once per session. The conversation is saved under the thread id and
// any file kept under the provisional id is removed.
func (s *Session) EnsureThread(ctx context.Context, cwd string) (string, error) {
	s.mu.Lock()
	threadID := s.conv.ThreadID
	model := s.conv.Model
	attached := s.attached
	s.mu.Unlock()

	if threadID != "" {
		if attached {
			return threadID, nil
		}
		thread, err := s.rt.ResumeThread(ctx, appserver.ThreadResumeParams{ThreadID: threadID, Model: model, Cwd: cwd})
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.attached = true
		s.mu.Unlock()
		return thread.ID, nil
	}

	thread, err := s.rt.StartThread(ctx, appserver.ThreadStartParams{Model: model, Cwd: cwd})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	oldID := s.conv.ID
	s.attached = true
	s.conv.BindThread(thread.ID)
	if s.conv.Model == "" {
		s.conv.Model = thread.Model
	}
	s.log = logger.WithThread(thread.ID)
	log := s.log
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	if oldID != thread.ID {
		if err := s.store.Delete(oldID); err != nil {
			log.Warn("failed to remove provisional session file", "id", oldID, "error", err)
		}
	}
	return thread.ID, nil
}

// SendMessage records text as a user message and runs a turn with it. The
// assistant's reply is streamed into the conversation; cb sees the same
// events afterwards.
func (s *Session) SendMessage(ctx context.Context, text, cwd string, cb turn.Callbacks) (*turn.Handle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message is empty")
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	s.busy = true
	s.mu.Unlock()

	threadID, err := s.EnsureThread(ctx, cwd)
	if err != nil {
		s.release()
		return nil, err
	}

	s.mu.Lock()
	if s.conv.Title == "" {
		s.conv.Title = titleFrom(text)
	}
	s.conv.AppendMessage(sessionlog.RoleUser, text)
	s.streaming = false
	s.buf = ""
	if err := s.saveLocked(); err != nil {
		s.busy = false
		s.mu.Unlock()
		return nil, err
	}
	params := appserver.TurnStartParams{
		ThreadID: threadID,
		Input:    []appserver.UserInput{appserver.TextInput(text)},
		Model:    s.conv.Model,
		Effort:   s.conv.ReasoningEffort,
		Cwd:      cwd,
	}
	s.mu.Unlock()

	h, err := s.rt.NewTurn(ctx, threadID, s.wrap(cb))
	if err != nil {
		s.release()
		return nil, err
	}
	// A failed start still completes the turn, which releases the session.
	if err := h.Start(ctx, params); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// wrap records turn events before passing them on.
func (s *Session) wrap(cb turn.Callbacks) turn.Callbacks {
	wrapped := cb

	wrapped.OnDelta = func(itemID, delta string) {
		s.mu.Lock()
		s.buf += delta
		s.streamLocked(s.buf)
		s.mu.Unlock()
		if cb.OnDelta != nil {
			cb.OnDelta(itemID, delta)
		}
	}

	wrapped.OnAgentMessage = func(text string) {
		s.mu.Lock()
		s.streamLocked(text)
		s.streaming = false
		s.buf = ""
		s.persistLocked()
		s.mu.Unlock()
		if cb.OnAgentMessage != nil {
			cb.OnAgentMessage(text)
		}
	}

	wrapped.OnItemCompleted = func(ev turn.ItemEvent) {
		if ev.Item != nil && !isMessage(ev.Item) {
			s.mu.Lock()
			s.conv.AppendItem(sessionlog.ConversationItem{
				ThreadID: ev.ThreadID,
				TurnID:   ev.TurnID,
				ItemID:   ev.Item.ItemID(),
				ItemType: ev.Item.ItemType(),
				Item:     ev.Raw,
			})
			s.persistLocked()
			s.mu.Unlock()
		}
		if cb.OnItemCompleted != nil {
			cb.OnItemCompleted(ev)
		}
	}

	wrapped.OnComplete = func(res turn.Result) {
		s.mu.Lock()
		s.busy = false
		s.streaming = false
		s.buf = ""
		s.conv.MarkResponded()
		s.persistLocked()
		s.mu.Unlock()
		if cb.OnComplete != nil {
			cb.OnComplete(res)
		}
	}

	return wrapped
}

// streamLocked sets the text of the assistant message being streamed,
// starting a new one if none is open.
func (s *Session) streamLocked(text string) {
	if s.streaming && s.conv.UpdateStreaming(text) {
		return
	}
	s.conv.AppendMessage(sessionlog.RoleAssistant, text)
	s.streaming = true
}

func (s *Session) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.log.Error("failed to save session", "id", s.conv.ID, "error", err)
	}
}

func (s *Session) saveLocked() error {
	if err := s.store.Save(s.conv); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.conv.ID, err)
	}
	return nil
}

func isMessage(item appserver.Item) bool {
	switch item.(type) {
	case *appserver.UserMessage, *appserver.AgentMessage:
		return true
	}
	return false
}

// titleFrom derives a conversation title from the first message.
func titleFrom(text string) string {
	const maxTitle = 60
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxTitle {
		return string(r[:maxTitle]) + "..."
	}
	return line
}
