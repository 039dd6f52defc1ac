package transport

// envelope is decoded first to dispatch on type before parsing the
// message's type-specific fields.
type envelope struct {
	Type string `json:"type"`
}

// chatMessage is the client→server "chat" message.
type chatMessage struct {
	TabID       string          `json:"tabId,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Text        string          `json:"text"`
	Attachments []attachmentDTO `json:"attachments,omitempty"`
	Skills      []string        `json:"skills,omitempty"`
	MCPServers  []string        `json:"mcpServers,omitempty"`
	Mode        string          `json:"mode"`
	AgentMode   string          `json:"agentMode"`
	Model       string          `json:"model"`
	MaxTurns    int             `json:"maxTurns"`
	Workdir     string          `json:"workdir"`
	ReplyTo     *int64          `json:"reply_to,omitempty"`
	Retry       bool            `json:"retry,omitempty"`
	AutoSkill   bool            `json:"autoSkill,omitempty"`
}

// attachmentDTO is one wire-encoded attachment: base64 content plus its
// display name.
type attachmentDTO struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type stopMessage struct {
	TabID string `json:"tabId,omitempty"`
}

type subscribeSessionMessage struct {
	SessionID string `json:"sessionId"`
	NoCatchUp bool   `json:"noCatchUp,omitempty"`
}

type resumeTaskMessage struct {
	SessionID string `json:"sessionId"`
	TabID     string `json:"tabId,omitempty"`
}

type askUserResponseMessage struct {
	RequestID string `json:"requestId"`
	Answer    string `json:"answer"`
}

type askUserCancelMessage struct {
	RequestID string `json:"requestId"`
}

type queueRemoveMessage struct {
	QueueID string `json:"queueId"`
}

type queueEditMessage struct {
	QueueID string `json:"queueId"`
	Text    string `json:"text"`
}
