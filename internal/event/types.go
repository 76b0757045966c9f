package event

// ConversationUpdatedData is sent when a conversation's resumable handle
// or history changes.
type ConversationUpdatedData struct {
	ConversationID string `json:"conversationID"`
	SessionHandle  string `json:"sessionHandle,omitempty"`
	Depth          int    `json:"depth"`
}

// ConversationClearedData is sent after /clear completes.
type ConversationClearedData struct {
	ConversationID string `json:"conversationID"`
}

// ConversationRewoundData is sent after a successful rewind.
type ConversationRewoundData struct {
	ConversationID string `json:"conversationID"`
	Removed        int    `json:"removed"`
	SessionHandle  string `json:"sessionHandle,omitempty"`
}

// TurnData describes the start or end of a turn.
type TurnData struct {
	ConversationID string `json:"conversationID"`
	Aborted        bool   `json:"aborted,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ApprovalRequestedData is sent when a tool call is waiting on a human.
type ApprovalRequestedData struct {
	RequestID      string `json:"requestID"`
	ConversationID string `json:"conversationID"`
	MessageID      string `json:"messageID,omitempty"`
	ToolName       string `json:"toolName"`
	Summary        string `json:"summary"`
}

// ApprovalResolvedData is sent once per request with its final outcome.
type ApprovalResolvedData struct {
	RequestID      string `json:"requestID"`
	ConversationID string `json:"conversationID"`
	ToolName       string `json:"toolName"`
	Outcome        string `json:"outcome"`
	Approved       bool   `json:"approved"`
	UserID         string `json:"userID,omitempty"`
}

// MessageData carries chat messages emitted by the web gateway.
type MessageData struct {
	ConversationID string `json:"conversationID"`
	MessageID      string `json:"messageID"`
	Content        string `json:"content"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

// ConfigReloadedData is sent when the approval policy is reloaded from disk.
type ConfigReloadedData struct {
	Sources []string `json:"sources"`
}

// BranchChangedData is sent when the agent's working tree switches branch.
type BranchChangedData struct {
	WorkDir string `json:"workDir"`
	Branch  string `json:"branch"`
}
