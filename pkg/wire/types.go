package wire

import "encoding/json"

// Request type discriminators recognized by the connection server.
const (
	TypeAuth             = "auth"
	TypeSendMessage      = "send_message"
	TypeReadMessages     = "read_messages"
	TypeHandoffTask      = "handoff_task"
	TypeUpdateTaskStatus = "update_task_status"
	TypeReportProgress   = "report_progress"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeCouncilAnalyze   = "council_analyze"
	TypeCouncilDiscuss   = "council_discussion"
	TypeCouncilVerify    = "council_verify"
	TypeShareSession     = "share_session"
	TypeJoinSession      = "join_session"
	TypeSessionBroadcast = "session_broadcast"
	TypeSessionPing      = "session_ping"
	TypeSessionStatus    = "session_status"
	TypeSessionHistory   = "session_history"
	TypeLeaveSession     = "leave_session"
	TypeListAccounts     = "list_accounts"
	TypeArchiveMessages  = "archive_messages"
	TypeHealth           = "health"

	// Routed agent calls: the server pushes agent_request records to a
	// member's connection; the client answers with the reply types below.
	TypeAgentRequest  = "agent_request"
	TypeAgentResponse = "agent_response"
	TypeAgentChunk    = "agent_chunk"
	TypeAgentError    = "agent_error"
)

// Reply type discriminators.
const (
	ReplyAuthOK      = "auth_ok"
	ReplyAuthFail    = "auth_fail"
	ReplyResult      = "result"
	ReplyError       = "error"
	ReplyStreamEvent = "stream_event"
)

// AuthRequest must be the first record on every connection.
type AuthRequest struct {
	Type      string `json:"type"`
	Account   string `json:"account"`
	Token     string `json:"token"`
	RequestID string `json:"requestId,omitempty"`
}

// SendMessageRequest delivers a plain message to another account's inbox.
type SendMessageRequest struct {
	To      string            `json:"to"`
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// ReadMessagesRequest returns unread messages when no paging is given
// (marking them read), or a page including read messages otherwise.
type ReadMessagesRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// HandoffTaskRequest delegates a task to another account.
type HandoffTaskRequest struct {
	To      string            `json:"to"`
	Payload json.RawMessage   `json:"payload"`
	Context map[string]string `json:"context,omitempty"`
}

// UpdateTaskStatusRequest transitions a task through its lifecycle.
type UpdateTaskStatusRequest struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ReportProgressRequest records a task progress self-report.
type ReportProgressRequest struct {
	TaskID  string `json:"taskId"`
	Percent int    `json:"percent"`
}

// SubscribeRequest adds or removes event-bus patterns for this connection.
type SubscribeRequest struct {
	Patterns []string `json:"patterns"`
}

// CouncilRequest starts a council deliberation. TaskID optionally links an
// analysis back to a task so its consensus duration feeds SLA tracking.
type CouncilRequest struct {
	Goal     string   `json:"goal"`
	Members  []string `json:"members"`
	Chairman string   `json:"chairman"`
	Rounds   int      `json:"rounds,omitempty"`
	TaskID   string   `json:"taskId,omitempty"`
}

// CouncilVerifyRequest runs council verification of a completed task.
type CouncilVerifyRequest struct {
	TaskID   string          `json:"taskId"`
	Bundle   json.RawMessage `json:"bundle"`
	Payload  json.RawMessage `json:"payload"`
	Members  []string        `json:"members"`
	Chairman string          `json:"chairman"`
}

// SessionRequest covers the shared-session request family; unused fields are
// ignored by the individual handlers.
type SessionRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	Participant string `json:"participant,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Data        string `json:"data,omitempty"`
}

// ArchiveMessagesRequest archives read messages older than Days.
type ArchiveMessagesRequest struct {
	Days int `json:"days"`
}

// AgentRequestRecord is pushed by the server to an account's connection when
// a council engine needs that account to answer a prompt.
type AgentRequestRecord struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Prompt string `json:"prompt"`
}

// AgentReplyRecord is sent by an account client in response to a routed
// agent call (agent_response, agent_chunk, agent_error). ErrorKind, when
// present on an agent_error, classifies the failure (rate_limit, timeout,
// network, ...) so the caller can decide whether to retry; RetryAfterMs
// passes through a provider-supplied delay.
type AgentReplyRecord struct {
	Type         string `json:"type"`
	CallID       string `json:"callId"`
	Content      string `json:"content,omitempty"`
	ChunkType    string `json:"chunkType,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	ToolInput    string `json:"toolInput,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// FieldError is one entry of a validation error reply.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorReply is the generic error record. Validation errors carry Details;
// the connection stays open.
type ErrorReply struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId,omitempty"`
	Error     string       `json:"error"`
	Details   []FieldError `json:"details,omitempty"`
}

// ResultReply wraps a successful response payload.
type ResultReply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Result    any    `json:"result"`
}

// StreamEventReply carries one event-bus event to a subscribed connection.
type StreamEventReply struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}
