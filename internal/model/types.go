package model

import "encoding/json"

type SessionType string

const (
	SessionSupervisor SessionType = "supervisor"
	SessionAgent      SessionType = "agent"
	SessionTerminal   SessionType = "terminal"
)

// IsTerminal reports whether sessions of this type carry a master slot and
// a terminal size.
func (t SessionType) IsTerminal() bool { return t == SessionTerminal }

type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionTerminated SessionStatus = "terminated"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SendStatus tracks a locally composed message between optimistic append
// and the message.ack that confirms it was durably recorded.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// Session is one live agent or terminal session hosted on the workstation.
// MasterDeviceID and Cols/Rows are meaningful for terminal sessions only.
type Session struct {
	ID             string        `json:"id"`
	Type           SessionType   `json:"type"`
	Workspace      string        `json:"workspace,omitempty"`
	Project        string        `json:"project,omitempty"`
	Worktree       string        `json:"worktree,omitempty"`
	WorkingDir     string        `json:"workingDir,omitempty"`
	Status         SessionStatus `json:"status"`
	MasterDeviceID *string       `json:"masterDeviceId,omitempty"`
	Cols           int           `json:"cols,omitempty"`
	Rows           int           `json:"rows,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	UpdatedAt      int64         `json:"updatedAt"`
}

// ContentBlock is one typed unit of message content. The relay treats
// blocks as opaque beyond their identity and completion flag.
type ContentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Complete  bool            `json:"complete,omitempty"`
}

// Block content types. Opaque to the relay; listed for producers.
const (
	BlockText          = "text"
	BlockCode          = "code"
	BlockToolCall      = "tool-call"
	BlockThinking      = "thinking"
	BlockVoiceInput    = "voice-input"
	BlockVoiceOutput   = "voice-output"
	BlockStatus        = "status"
	BlockError         = "error"
	BlockActionButtons = "action-buttons"
)

// Message is one entry in a session's durable log. Seq is assigned by the
// store on append and is strictly increasing per session starting at 1.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId,omitempty"`
	Seq        int64          `json:"sequence"`
	Role       Role           `json:"role"`
	Blocks     []ContentBlock `json:"contentBlocks,omitempty"`
	Complete   bool           `json:"isComplete"`
	SendStatus SendStatus     `json:"sendStatus,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
}
