package sessionlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// now returns the current time in Unix milliseconds.
var now = func() int64 { return time.Now().UnixMilli() }

// NewConversation starts an empty conversation with a fresh local id. The
// id is replaced by the thread id once BindThread is called.
func NewConversation(title string) *Conversation {
	ts := now()
	return &Conversation{
		Meta: Meta{
			ID:        uuid.New().String(),
			Title:     title,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		Messages: []ChatMessage{},
		Items:    []ConversationItem{},
	}
}

// BindThread ties the conversation to a remote thread. The conversation id
// becomes the thread id.
func (c *Conversation) BindThread(threadID string) {
	c.ThreadID = threadID
	c.ID = threadID
	c.Touch()
}

// Touch bumps UpdatedAt.
func (c *Conversation) Touch() {
	c.UpdatedAt = now()
}

// MarkResponded records that the assistant finished a response.
func (c *Conversation) MarkResponded() {
	c.Touch()
	c.LastResponseAt = c.UpdatedAt
}

// AppendMessage adds a message and returns a pointer to it.
func (c *Conversation) AppendMessage(role Role, content string) *ChatMessage {
	ts := now()
	c.Messages = append(c.Messages, ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	})
	c.UpdatedAt = ts
	if role == RoleAssistant {
		c.LastResponseAt = ts
	}
	return &c.Messages[len(c.Messages)-1]
}

// UpdateStreaming replaces the content of the trailing assistant message.
// It reports false, changing nothing, when the last message is not from the
// assistant.
func (c *Conversation) UpdateStreaming(content string) bool {
	if len(c.Messages) == 0 {
		return false
	}
	last := &c.Messages[len(c.Messages)-1]
	if last.Role != RoleAssistant {
		return false
	}
	last.Content = content
	c.UpdatedAt = now()
	c.LastResponseAt = c.UpdatedAt
	return true
}

// AppendItem adds a turn item, stamping it if it has no timestamp. The
// payload is stored compact, the form it has after a save and load.
func (c *Conversation) AppendItem(item ConversationItem) {
	if item.Timestamp == 0 {
		item.Timestamp = now()
	}
	item.Item = compactJSON(item.Item)
	c.Items = append(c.Items, item)
	c.UpdatedAt = item.Timestamp
}

// FormatTranscript formats messages as a plain text transcript. Each message
// is prefixed with "User:" or "Assistant:" and separated by blank lines.
func FormatTranscript(messages []ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, msg := range messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("User:\n")
		case RoleAssistant:
			sb.WriteString("Assistant:\n")
		default:
			sb.WriteString(string(msg.Role) + ":\n")
		}
		sb.WriteString(msg.Content)
		if i < len(messages)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// compactJSON strips insignificant whitespace from raw. Invalid JSON is
// returned unchanged.
func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
