// Package wire defines the typed messages exchanged between devices and the
// workstation over the tunnel socket. Every message is a JSON object with a
// dotted "type" tag and, for request/response pairs, an "id" used for
// correlation. Fields the relay does not inspect pass through opaquely.
package wire

import (
	"encoding/json"

	"tiflis-relay-lite/internal/model"
)

const (
	TypeConnect            = "connect"
	TypeConnected          = "connected"
	TypeAuth               = "auth"
	TypeAuthSuccess        = "auth.success"
	TypeAuthError          = "auth.error"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeHeartbeat          = "heartbeat"
	TypeHeartbeatAck       = "heartbeat.ack"
	TypeSubscribe          = "session.subscribe"
	TypeSubscribed         = "session.subscribed"
	TypeUnsubscribe        = "session.unsubscribe"
	TypeUnsubscribed       = "session.unsubscribed"
	TypeSessionInput       = "session.input"
	TypeSessionOutput      = "session.output"
	TypeReplay             = "session.replay"
	TypeReplayData         = "session.replay_data"
	TypeResize             = "session.resize"
	TypeResized            = "session.resized"
	TypeHistoryRequest     = "history.request"
	TypeHistoryResponse    = "history.response"
	TypeMessageAck         = "message.ack"
	TypeWorkstationOnline  = "connection.workstation_online"
	TypeWorkstationOffline = "connection.workstation_offline"
	TypeError              = "error"
)

// Message is implemented by every wire message kind.
type Message interface {
	MessageType() string
}

// Correlated is implemented by messages that carry a request id.
type Correlated interface {
	Message
	CorrelationID() string
}

type Connect struct {
	ID        string `json:"id,omitempty"`
	TunnelID  string `json:"tunnelId"`
	AuthKey   string `json:"authKey"`
	DeviceID  string `json:"deviceId"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

type Connected struct {
	ID       string `json:"id,omitempty"`
	TunnelID string `json:"tunnelId"`
	Restored bool   `json:"restored,omitempty"`
}

type Auth struct {
	ID       string `json:"id,omitempty"`
	AuthKey  string `json:"authKey"`
	DeviceID string `json:"deviceId"`
}

type AuthSuccess struct {
	ID                    string   `json:"id,omitempty"`
	DeviceID              string   `json:"deviceId"`
	WorkstationName       string   `json:"workstationName"`
	WorkstationVersion    string   `json:"workstationVersion"`
	ProtocolVersion       int      `json:"protocolVersion"`
	WorkspacesRoot        string   `json:"workspacesRoot,omitempty"`
	RestoredSubscriptions []string `json:"restoredSubscriptions"`
}

type AuthError struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Heartbeat struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatAck struct {
	ID                  string `json:"id"`
	Timestamp           int64  `json:"timestamp"`
	WorkstationUptimeMs int64  `json:"workstationUptimeMs"`
}

type Subscribe struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
}

type Subscribed struct {
	ID                     string               `json:"id,omitempty"`
	SessionID              string               `json:"sessionId"`
	IsMaster               *bool                `json:"isMaster,omitempty"`
	Cols                   int                  `json:"cols,omitempty"`
	Rows                   int                  `json:"rows,omitempty"`
	IsExecuting            bool                 `json:"isExecuting,omitempty"`
	History                []model.Message      `json:"history,omitempty"`
	StreamingMessageID     string               `json:"streamingMessageId,omitempty"`
	CurrentStreamingBlocks []model.ContentBlock `json:"currentStreamingBlocks,omitempty"`
}

type Unsubscribe struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
}

type Unsubscribed struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
}

// SessionInput is a user-submitted command. MessageID is chosen by the
// device so the optimistic local copy can be reconciled by the ack.
type SessionInput struct {
	ID        string               `json:"id,omitempty"`
	SessionID string               `json:"sessionId"`
	MessageID string               `json:"messageId"`
	Blocks    []model.ContentBlock `json:"contentBlocks"`
}

// SessionOutput carries both raw terminal bytes and structured chat chunks
// on one channel, discriminated by ContentType.
type SessionOutput struct {
	SessionID          string               `json:"sessionId"`
	ContentType        string               `json:"contentType"`
	Content            string               `json:"content,omitempty"`
	Blocks             []model.ContentBlock `json:"contentBlocks,omitempty"`
	Sequence           int64                `json:"sequence"`
	IsComplete         bool                 `json:"isComplete"`
	StreamingMessageID string               `json:"streamingMessageId,omitempty"`
	Timestamp          int64                `json:"timestamp"`
}

// Content type discriminators for SessionOutput.
const (
	ContentTerminal = "terminal"
	ContentChat     = "chat"
)

type Replay struct {
	ID             string `json:"id,omitempty"`
	SessionID      string `json:"sessionId"`
	SinceTimestamp int64  `json:"sinceTimestamp"`
	Limit          int    `json:"limit,omitempty"`
}

type ReplayEntry struct {
	Sequence int64  `json:"sequence"`
	Content  string `json:"content"`
}

type ReplayData struct {
	ID        string        `json:"id,omitempty"`
	SessionID string        `json:"sessionId"`
	Messages  []ReplayEntry `json:"messages"`
	HasMore   bool          `json:"hasMore"`
}

type Resize struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Resized reports the outcome of a resize request. Reason is "not_master"
// when a non-master device asked.
type Resized struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

const ReasonNotMaster = "not_master"

// HistoryRequest pages backward through a session's durable log. A nil
// SessionID addresses the shared supervisor channel.
type HistoryRequest struct {
	ID             string  `json:"id,omitempty"`
	SessionID      *string `json:"sessionId"`
	BeforeSequence int64   `json:"beforeSequence,omitempty"`
	Limit          int     `json:"limit,omitempty"`
}

type HistoryResponse struct {
	ID                     string               `json:"id,omitempty"`
	SessionID              *string              `json:"sessionId"`
	History                []model.Message      `json:"history"`
	HasMore                bool                 `json:"hasMore"`
	OldestSequence         int64                `json:"oldestSequence,omitempty"`
	IsExecuting            bool                 `json:"isExecuting,omitempty"`
	StreamingMessageID     string               `json:"streamingMessageId,omitempty"`
	CurrentStreamingBlocks []model.ContentBlock `json:"currentStreamingBlocks,omitempty"`
}

type MessageAck struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId"`
	Sequence  int64  `json:"sequence,omitempty"`
}

type WorkstationOnline struct {
	TunnelID string `json:"tunnelId,omitempty"`
}

type WorkstationOffline struct {
	TunnelID string `json:"tunnelId,omitempty"`
}

type Error struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Unknown preserves a message whose type tag is not recognized. Parsing
// never fails on it; callers decide whether to ignore or log.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Connect) MessageType() string            { return TypeConnect }
func (Connected) MessageType() string          { return TypeConnected }
func (Auth) MessageType() string               { return TypeAuth }
func (AuthSuccess) MessageType() string        { return TypeAuthSuccess }
func (AuthError) MessageType() string          { return TypeAuthError }
func (Ping) MessageType() string               { return TypePing }
func (Pong) MessageType() string               { return TypePong }
func (Heartbeat) MessageType() string          { return TypeHeartbeat }
func (HeartbeatAck) MessageType() string       { return TypeHeartbeatAck }
func (Subscribe) MessageType() string          { return TypeSubscribe }
func (Subscribed) MessageType() string         { return TypeSubscribed }
func (Unsubscribe) MessageType() string        { return TypeUnsubscribe }
func (Unsubscribed) MessageType() string       { return TypeUnsubscribed }
func (SessionInput) MessageType() string       { return TypeSessionInput }
func (SessionOutput) MessageType() string      { return TypeSessionOutput }
func (Replay) MessageType() string             { return TypeReplay }
func (ReplayData) MessageType() string         { return TypeReplayData }
func (Resize) MessageType() string             { return TypeResize }
func (Resized) MessageType() string            { return TypeResized }
func (HistoryRequest) MessageType() string     { return TypeHistoryRequest }
func (HistoryResponse) MessageType() string    { return TypeHistoryResponse }
func (MessageAck) MessageType() string         { return TypeMessageAck }
func (WorkstationOnline) MessageType() string  { return TypeWorkstationOnline }
func (WorkstationOffline) MessageType() string { return TypeWorkstationOffline }
func (u Unknown) MessageType() string          { return u.Type }

func (m Connect) CorrelationID() string         { return m.ID }
func (m Connected) CorrelationID() string       { return m.ID }
func (m Auth) CorrelationID() string            { return m.ID }
func (m AuthSuccess) CorrelationID() string     { return m.ID }
func (m AuthError) CorrelationID() string       { return m.ID }
func (m Heartbeat) CorrelationID() string       { return m.ID }
func (m HeartbeatAck) CorrelationID() string    { return m.ID }
func (m Subscribe) CorrelationID() string       { return m.ID }
func (m Subscribed) CorrelationID() string      { return m.ID }
func (m Unsubscribe) CorrelationID() string     { return m.ID }
func (m Unsubscribed) CorrelationID() string    { return m.ID }
func (m SessionInput) CorrelationID() string    { return m.ID }
func (m Replay) CorrelationID() string          { return m.ID }
func (m ReplayData) CorrelationID() string      { return m.ID }
func (m Resize) CorrelationID() string          { return m.ID }
func (m Resized) CorrelationID() string         { return m.ID }
func (m HistoryRequest) CorrelationID() string  { return m.ID }
func (m HistoryResponse) CorrelationID() string { return m.ID }
func (m MessageAck) CorrelationID() string      { return m.ID }
func (m Error) CorrelationID() string           { return m.ID }

func (Error) MessageType() string { return TypeError }
