// Package sessionlog persists conversations as append-only JSONL files.
//
// Each line is one record tagged by "type":
//
//	{"type":"meta","id":"...","title":"...","createdAt":1700000000000,...}
//	{"type":"message","id":"...","role":"user","content":"...","timestamp":...}
//	{"type":"item","itemType":"commandExecution","item":{...},"timestamp":...}
//
// A file needs exactly one meta record, anywhere. Decoding skips lines that
// are not JSON or carry an unknown type, so a single corrupt line never
// loses the conversation.
package sessionlog

import (
	"bytes"
	"encoding/json"

	"github.com/zhubert/plural-appserver/jsonl"
)

// Record types.
const (
	recordMeta    = "meta"
	recordMessage = "message"
	recordItem    = "item"
)

// Role is who wrote a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one user or assistant message. Timestamps are Unix
// milliseconds throughout this package.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationItem is a non-message turn artifact such as a command run,
// a file change or a plan. Item holds the server payload as sent.
type ConversationItem struct {
	ThreadID  string          `json:"threadId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	ItemType  string          `json:"itemType"`
	Timestamp int64           `json:"timestamp"`
	Item      json.RawMessage `json:"item,omitempty"`
}

// Meta is the conversation header.
type Meta struct {
	ID              string `json:"id"`
	ThreadID        string `json:"threadId,omitempty"`
	Title           string `json:"title"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	Mode            string `json:"mode,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
	LastResponseAt  int64  `json:"lastResponseAt,omitempty"`
}

// Conversation is a full session: header, messages in chronological order,
// and items in chronological order.
type Conversation struct {
	Meta
	Messages []ChatMessage
	Items    []ConversationItem
}

type metaRecord struct {
	Type string `json:"type"`
	Meta
}

type messageRecord struct {
	Type string `json:"type"`
	ChatMessage
}

type itemRecord struct {
	Type string `json:"type"`
	ConversationItem
}

// Encode writes the meta record, then every message, then every item.
// Decode(Encode(c)) deep-equals c for conversations built with
// NewConversation and AppendItem: item payloads are kept compact and empty
// lists come back as empty, non-nil slices.
func Encode(c *Conversation) ([]byte, error) {
	var buf bytes.Buffer
	w := jsonl.NewWriter(&buf)

	if err := w.Write(metaRecord{Type: recordMeta, Meta: c.Meta}); err != nil {
		return nil, err
	}
	for _, m := range c.Messages {
		if err := w.Write(messageRecord{Type: recordMessage, ChatMessage: m}); err != nil {
			return nil, err
		}
	}
	for _, it := range c.Items {
		if err := w.Write(itemRecord{Type: recordItem, ConversationItem: it}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a session file. It reports false when no meta record is
// present; malformed and unknown lines are skipped. The first meta record
// wins if there are several.
func Decode(data []byte) (*Conversation, bool) {
	lines, _ := jsonl.ReadAll(bytes.NewReader(data))

	var (
		conv    Conversation
		hasMeta bool
	)
	for _, line := range lines {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(line, &probe) != nil {
			continue
		}

		switch probe.Type {
		case recordMeta:
			if hasMeta {
				continue
			}
			var rec metaRecord
			if json.Unmarshal(line, &rec) != nil {
				continue
			}
			conv.Meta = rec.Meta
			hasMeta = true

		case recordMessage:
			var rec messageRecord
			if json.Unmarshal(line, &rec) != nil {
				continue
			}
			conv.Messages = append(conv.Messages, rec.ChatMessage)

		case recordItem:
			var rec itemRecord
			if json.Unmarshal(line, &rec) != nil {
				continue
			}
			conv.Items = append(conv.Items, rec.ConversationItem)
		}
	}

	if !hasMeta {
		return nil, false
	}
	if conv.Messages == nil {
		conv.Messages = []ChatMessage{}
	}
	if conv.Items == nil {
		conv.Items = []ConversationItem{}
	}
	return &conv, true
}
