package domain

// Environment variables passed from the supervisor to a worker process.
const (
	EnvJobID         = "SUBAGENT_JOB_ID"
	EnvJobParams     = "SUBAGENT_JOB_PARAMS"
	EnvRunID         = "SUBAGENT_RUN_ID"
	EnvSessionRoot   = "SUBAGENT_SESSION_ROOT"
	EnvWorkspaceRoot = "SUBAGENT_WORKSPACE_ROOT"
	EnvEventLog      = "SUBAGENT_EVENT_LOG"
	EnvConfig        = "SUBAGENT_CONFIG"
	EnvInboxDir      = "SUBAGENT_INBOX_DIR"
	EnvHeartbeatMs   = "SUBAGENT_HEARTBEAT_MS"
)
