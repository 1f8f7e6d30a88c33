package rpc

import (
	"encoding/json"
	"strconv"
	"strings"
)

// JSON-RPC-style messages exchanged with the agent process. The agent omits
// the "jsonrpc" version field, so these types do too.

// Request is an outgoing client request or an incoming server request.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Notification is a request without an id; no response is expected.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers a request with the same id.
type Response struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError is the error object carried by a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "rpc error " + strconv.Itoa(e.Code)
	}
	return e.Message
}

// Standard error codes used in responses to server requests.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams is sent with the initialize request.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// DefaultClientInfo is used when no WithClientInfo option is given.
var DefaultClientInfo = ClientInfo{
	Name:    "plural_appserver",
	Title:   "Plural App Server Bridge",
	Version: "0.1.0",
}

// envelope is the union of every inbound message shape. Dispatch looks at
// which fields are present.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// numericID returns the id when it is a JSON number with an integral value.
func (e *envelope) numericID() (int64, bool) {
	raw := strings.TrimSpace(string(e.ID))
	if raw == "" || raw == "null" || raw[0] == '"' {
		return 0, false
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return id, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// messageKind classifies an inbound envelope.
type messageKind int

const (
	kindInvalid messageKind = iota
	kindServerRequest
	kindResponse
	kindNotification
)

func (e *envelope) kind() messageKind {
	_, hasID := e.numericID()
	switch {
	case hasID && e.Method != "":
		return kindServerRequest
	case hasID:
		return kindResponse
	case e.Method != "":
		return kindNotification
	default:
		return kindInvalid
	}
}
