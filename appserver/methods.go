// Package appserver describes the agent's app-server protocol: method names,
// request parameters, and read-only projections of the threads, turns and
// items the server owns.
package appserver

// Client to server requests.
const (
	MethodInitialize          = "initialize"
	MethodThreadStart         = "thread/start"
	MethodThreadResume        = "thread/resume"
	MethodThreadFork          = "thread/fork"
	MethodThreadArchive       = "thread/archive"
	MethodThreadRollback      = "thread/rollback"
	MethodThreadList          = "thread/list"
	MethodModelList           = "model/list"
	MethodSkillsList          = "skills/list"
	MethodMCPServerStatusList = "mcpServerStatus/list"
	MethodTurnStart           = "turn/start"
	MethodTurnInterrupt       = "turn/interrupt"
	MethodTurnSteer           = "turn/steer"
)

// Client to server notifications.
const (
	NotifyInitialized = "initialized"
)

// Server to client notifications.
const (
	NotifyAgentMessageDelta  = "item/agentMessage/delta"
	NotifyItemStarted        = "item/started"
	NotifyItemCompleted      = "item/completed"
	NotifyCommandOutputDelta = "item/commandExecution/outputDelta"
	NotifyTurnPlanUpdated    = "turn/plan/updated"
	NotifyTurnDiffUpdated    = "turn/diff/updated"
	NotifyTurnCompleted      = "turn/completed"
)

// Server to client requests.
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestUserInput          = "tool/requestUserInput"
	// RequestUserInputLegacy is the name older agent builds use.
	RequestUserInputLegacy = "item/tool/requestUserInput"
)
