package appserver

import "encoding/json"

// Thread mirrors a server-owned conversation context.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	Model     string `json:"model,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Turns     []Turn `json:"turns,omitempty"`
}

// Turn statuses reported by the server.
const (
	TurnStatusInProgress  = "inProgress"
	TurnStatusCompleted   = "completed"
	TurnStatusInterrupted = "interrupted"
	TurnStatusFailed      = "failed"
)

// Turn is one unit of agent work within a thread.
type Turn struct {
	ID     string     `json:"id"`
	Status string     `json:"status,omitempty"`
	Error  *TurnError `json:"error,omitempty"`
	Items  Items      `json:"items,omitempty"`
}

// TurnError describes why a turn failed.
type TurnError struct {
	Message string `json:"message"`
}

// UserInput is one piece of user-supplied turn input.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextInput builds a text input.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

// Model is an entry returned by model/list.
type Model struct {
	ID                     string   `json:"id"`
	Model                  string   `json:"model,omitempty"`
	DisplayName            string   `json:"displayName,omitempty"`
	Description            string   `json:"description,omitempty"`
	IsDefault              bool     `json:"isDefault,omitempty"`
	DefaultReasoningEffort string   `json:"defaultReasoningEffort,omitempty"`
	SupportedEfforts       []string `json:"supportedReasoningEfforts,omitempty"`
}

// ThreadStartParams starts a new thread.
type ThreadStartParams struct {
	Model            string `json:"model,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	ApprovalPolicy   string `json:"approvalPolicy,omitempty"`
	Sandbox          string `json:"sandbox,omitempty"`
	BaseInstructions string `json:"baseInstructions,omitempty"`
}

// ThreadResumeParams resumes a stored thread.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// ThreadForkParams copies a thread into a new one.
type ThreadForkParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadArchiveParams archives a thread.
type ThreadArchiveParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadRollbackParams drops the last NumTurns turns.
type ThreadRollbackParams struct {
	ThreadID string `json:"threadId"`
	NumTurns int    `json:"numTurns"`
}

// ThreadResponse is returned by thread/start, resume, fork and rollback.
type ThreadResponse struct {
	Thread Thread `json:"thread"`
	Model  string `json:"model,omitempty"`
}

// ThreadListParams pages through stored threads.
type ThreadListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ThreadListResponse is one page of threads.
type ThreadListResponse struct {
	Data       []Thread `json:"data"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// ModelListResponse lists available models.
type ModelListResponse struct {
	Data       []Model `json:"data"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Skill is an entry returned by skills/list.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// SkillsListResponse lists available skills.
type SkillsListResponse struct {
	Data []Skill `json:"data"`
}

// MCPServerStatus reports one configured MCP server.
type MCPServerStatus struct {
	Name   string          `json:"name"`
	Status string          `json:"status,omitempty"`
	Tools  json.RawMessage `json:"tools,omitempty"`
}

// MCPServerStatusListResponse lists MCP server statuses.
type MCPServerStatusListResponse struct {
	Data       []MCPServerStatus `json:"data"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// TurnStartParams starts a turn on a thread.
type TurnStartParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []UserInput `json:"input"`
	Model          string      `json:"model,omitempty"`
	Effort         string      `json:"effort,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	ApprovalPolicy string      `json:"approvalPolicy,omitempty"`
}

// TurnStartResponse carries the id of the started turn.
type TurnStartResponse struct {
	Turn Turn `json:"turn"`
}

// TurnInterruptParams asks the server to stop a turn.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnSteerParams injects user input into a running turn. The server drops
// it when ExpectedTurnID is no longer the active turn.
type TurnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []UserInput `json:"input"`
	ExpectedTurnID string      `json:"expectedTurnId"`
}

// CommandApprovalParams accompanies item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID string          `json:"threadId,omitempty"`
	TurnID   string          `json:"turnId,omitempty"`
	ItemID   string          `json:"itemId,omitempty"`
	Command  json.RawMessage `json:"command,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// FileChangeApprovalParams accompanies item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string          `json:"threadId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Path      string          `json:"path,omitempty"`
	Paths     []string        `json:"paths,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	GrantRoot string          `json:"grantRoot,omitempty"`
}

// Approval decisions sent back to the server.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// ApprovalResponse answers an approval request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// UserInputOption is one suggested answer.
type UserInputOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UserInputQuestion is one question in a tool/requestUserInput request.
type UserInputQuestion struct {
	ID       string            `json:"id"`
	Header   string            `json:"header,omitempty"`
	Question string            `json:"question"`
	Options  []UserInputOption `json:"options,omitempty"`
}

// UserInputParams accompanies tool/requestUserInput.
type UserInputParams struct {
	ThreadID  string              `json:"threadId,omitempty"`
	TurnID    string              `json:"turnId,omitempty"`
	ItemID    string              `json:"itemId,omitempty"`
	Questions []UserInputQuestion `json:"questions"`
}

// UserInputAnswer answers one question.
type UserInputAnswer struct {
	Answers []string `json:"answers"`
}

// UserInputResponse maps question ids to answers.
type UserInputResponse struct {
	Answers map[string]UserInputAnswer `json:"answers"`
}
