package appserver

import (
	"encoding/json"
	"fmt"
)

// Item types with a typed projection. Everything else decodes to UnknownItem.
const (
	ItemTypeUserMessage  = "userMessage"
	ItemTypeAgentMessage = "agentMessage"
)

// Item is a turn item. The set of concrete types is closed: *UserMessage,
// *AgentMessage, and *UnknownItem for anything this client does not model.
type Item interface {
	ItemType() string
	ItemID() string
	isItem()
}

// UserMessage is input the user sent.
type UserMessage struct {
	ID      string      `json:"id"`
	Content []UserInput `json:"content"`
}

func (m *UserMessage) ItemType() string { return ItemTypeUserMessage }
func (m *UserMessage) ItemID() string   { return m.ID }
func (*UserMessage) isItem()            {}

// Text joins the text parts of the message.
func (m *UserMessage) Text() string {
	var text string
	for _, in := range m.Content {
		if in.Type != "text" || in.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += in.Text
	}
	return text
}

// AgentMessage is a complete assistant message.
type AgentMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (m *AgentMessage) ItemType() string { return ItemTypeAgentMessage }
func (m *AgentMessage) ItemID() string   { return m.ID }
func (*AgentMessage) isItem()            {}

// UnknownItem keeps the raw payload of an item type without a projection,
// such as commandExecution, fileChange or reasoning.
type UnknownItem struct {
	Type string
	ID   string
	Raw  json.RawMessage
}

func (u *UnknownItem) ItemType() string { return u.Type }
func (u *UnknownItem) ItemID() string   { return u.ID }
func (*UnknownItem) isItem()            {}

// MarshalJSON writes the original payload back out.
func (u *UnknownItem) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return json.Marshal(map[string]string{"type": u.Type, "id": u.ID})
	}
	return u.Raw, nil
}

type itemProbe struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DecodeItem projects raw into a typed item. Payloads that are not objects,
// or whose known type fails to decode, come back as *UnknownItem so nothing
// the server sent is lost.
func DecodeItem(raw json.RawMessage) Item {
	var probe itemProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return &UnknownItem{Raw: raw}
	}

	switch probe.Type {
	case ItemTypeUserMessage:
		var m UserMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			return &m
		}
	case ItemTypeAgentMessage:
		var m AgentMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			return &m
		}
	}
	return &UnknownItem{Type: probe.Type, ID: probe.ID, Raw: raw}
}

// EncodeItem is the inverse of DecodeItem. Known items carry their type tag.
func EncodeItem(item Item) (json.RawMessage, error) {
	switch it := item.(type) {
	case *UserMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*UserMessage
		}{ItemTypeUserMessage, it})
	case *AgentMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*AgentMessage
		}{ItemTypeAgentMessage, it})
	case *UnknownItem:
		return it.MarshalJSON()
	default:
		return nil, fmt.Errorf("unsupported item %T", item)
	}
}

// Items is a list of turn items that decodes each element with DecodeItem.
type Items []Item

func (items *Items) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Items, 0, len(raws))
	for _, raw := range raws {
		out = append(out, DecodeItem(raw))
	}
	*items = out
	return nil
}

func (items Items) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := EncodeItem(item)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return json.Marshal(raws)
}
