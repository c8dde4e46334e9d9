// Package relay is the workstation side of the tunnel: it accepts device
// websockets, runs the connect/auth handshake, answers liveness probes,
// and routes session traffic between producers and subscribed devices.
// Auth keys arriving in connect and auth frames are secrets and are never
// logged.
package relay

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tiflis-relay-lite/internal/auth"
	"tiflis-relay-lite/internal/broadcast"
	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/session"
	"tiflis-relay-lite/internal/store"
	"tiflis-relay-lite/internal/subscription"
	"tiflis-relay-lite/internal/wire"
)

// ProtocolVersion is announced in auth.success. Devices newer than the
// workstation keep working because unknown message kinds pass through
// the codec instead of failing it.
const ProtocolVersion = 1

const (
	recentHistoryLimit = 50
	replayChunkSize    = 100
)

// Error codes sent in wire.Error and wire.AuthError payloads.
const (
	CodeInvalidTunnel    = "invalid_tunnel"
	CodeInvalidAuthKey   = "invalid_auth_key"
	CodeNotAuthenticated = "not_authenticated"
	CodeSessionNotFound  = "session_not_found"
	CodeInternal         = "internal_error"
)

type Deps struct {
	TunnelID        string
	AuthKey         string
	WorkstationName string
	Version         string
	WorkspacesRoot  string

	Registry      *registry.Registry
	Sessions      *session.Manager
	Subscriptions *subscription.Service
	Store         *store.Store
	Broadcaster   *broadcast.Broadcaster
}

type Server struct {
	tunnelID        string
	authKey         string
	workstationName string
	version         string
	workspacesRoot  string

	registry *registry.Registry
	sessions *session.Manager
	subs     *subscription.Service
	store    *store.Store
	bcast    *broadcast.Broadcaster

	upgrader  websocket.Upgrader
	startedAt time.Time

	// chatMu serializes PublishChatChunk so only one chunk at a time can
	// decide whether to open a streaming row or update the existing one.
	chatMu sync.Mutex

	// Sequence of the open streaming row per session; chunks reuse it so
	// the durable log stays gap free while blocks mutate in place.
	streamMu   sync.Mutex
	streamSeqs map[string]int64
}

func NewServer(deps Deps) *Server {
	return &Server{
		tunnelID:        deps.TunnelID,
		authKey:         deps.AuthKey,
		workstationName: deps.WorkstationName,
		version:         deps.Version,
		workspacesRoot:  deps.WorkspacesRoot,
		registry:        deps.Registry,
		sessions:        deps.Sessions,
		subs:            deps.Subscriptions,
		store:           deps.Store,
		bcast:           deps.Broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt:  time.Now(),
		streamSeqs: make(map[string]int64),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.closeConn(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("relay: dropping malformed frame: %v", err)
			continue
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) closeConn(c *conn) {
	c.close()
	if c.reg == nil {
		return
	}
	// A reconnect replaces the registry entry before the stale socket's
	// read loop returns. Disconnect side effects (master release,
	// subscription teardown) belong to the socket that still owns the
	// entry, never to a superseded one.
	if !s.registry.Remove(c.reg) {
		log.Printf("relay: stale socket of %s closed, newer connection active", c.deviceID)
		return
	}
	s.subs.HandleDisconnect(c.deviceID)
	log.Printf("relay: device %s disconnected", c.deviceID)
}

func (s *Server) handleMessage(c *conn, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Connect:
		s.handleConnect(c, m)
	case *wire.Auth:
		s.handleAuth(c, m)
	case *wire.Ping:
		_ = c.Send(wire.Pong{Timestamp: m.Timestamp})
	default:
		if !c.authenticated.Load() {
			_ = c.Send(wire.Error{Code: CodeNotAuthenticated, Message: "authenticate first"})
			return
		}
		s.handleAuthenticated(c, msg)
	}
}

func (s *Server) handleConnect(c *conn, m *wire.Connect) {
	if m.TunnelID != s.tunnelID {
		_ = c.Send(wire.Error{ID: m.ID, Code: CodeInvalidTunnel, Message: "unknown tunnel"})
		c.close()
		return
	}
	_ = c.Send(wire.Connected{ID: m.ID, TunnelID: s.tunnelID, Restored: m.Reconnect})
}

func (s *Server) handleAuth(c *conn, m *wire.Auth) {
	if m.DeviceID == "" {
		_ = c.Send(wire.AuthError{ID: m.ID, Code: CodeInvalidAuthKey, Message: "missing device id"})
		c.close()
		return
	}
	if !auth.VerifyAuthKey(s.authKey, m.AuthKey) {
		_ = c.Send(wire.AuthError{ID: m.ID, Code: CodeInvalidAuthKey, Message: "invalid auth key"})
		c.close()
		return
	}

	c.deviceID = m.DeviceID
	c.reg = s.registry.Register(m.DeviceID, c)
	s.registry.MarkAuthenticated(m.DeviceID)
	c.authenticated.Store(true)

	restored, err := s.subs.Restore(m.DeviceID)
	if err != nil {
		log.Printf("relay: restore subscriptions for %s: %v", m.DeviceID, err)
		restored = []string{}
	}

	log.Printf("relay: device %s authenticated, %d subscriptions restored", m.DeviceID, len(restored))
	_ = c.Send(wire.AuthSuccess{
		ID:                    m.ID,
		DeviceID:              m.DeviceID,
		WorkstationName:       s.workstationName,
		WorkstationVersion:    s.version,
		ProtocolVersion:       ProtocolVersion,
		WorkspacesRoot:        s.workspacesRoot,
		RestoredSubscriptions: restored,
	})
}

func (s *Server) handleAuthenticated(c *conn, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Heartbeat:
		_ = c.Send(wire.HeartbeatAck{
			ID:                  m.ID,
			Timestamp:           m.Timestamp,
			WorkstationUptimeMs: time.Since(s.startedAt).Milliseconds(),
		})

	case *wire.Subscribe:
		s.handleSubscribe(c, m)

	case *wire.Unsubscribe:
		if err := s.subs.Unsubscribe(c.deviceID, m.SessionID); err != nil {
			log.Printf("relay: unsubscribe %s/%s: %v", c.deviceID, m.SessionID, err)
		}
		_ = c.Send(wire.Unsubscribed{ID: m.ID, SessionID: m.SessionID})

	case *wire.Resize:
		s.handleResize(c, m)

	case *wire.Replay:
		s.handleReplay(c, m)

	case *wire.HistoryRequest:
		s.handleHistory(c, m)

	case *wire.SessionInput:
		s.handleInput(c, m)

	case wire.Unknown:
		log.Printf("relay: ignoring unknown message type %q from %s", m.Type, c.deviceID)

	default:
		log.Printf("relay: ignoring unexpected %s from %s", msg.MessageType(), c.deviceID)
	}
}

func (s *Server) handleSubscribe(c *conn, m *wire.Subscribe) {
	res, err := s.subs.Subscribe(c.deviceID, m.SessionID)
	if err != nil {
		if errors.Is(err, subscription.ErrSessionNotFound) {
			_ = c.Send(wire.Error{ID: m.ID, Code: CodeSessionNotFound, Message: "session not found"})
			return
		}
		log.Printf("relay: subscribe %s/%s: %v", c.deviceID, m.SessionID, err)
		_ = c.Send(wire.Error{ID: m.ID, Code: CodeInternal, Message: "subscribe failed"})
		return
	}

	history, _, _, err := s.store.GetPage(m.SessionID, 0, recentHistoryLimit)
	if err != nil {
		log.Printf("relay: history page for %s: %v", m.SessionID, err)
	}
	streamingID, blocks, executing := s.sessions.StreamState(m.SessionID)

	sub := wire.Subscribed{
		ID:                     m.ID,
		SessionID:              m.SessionID,
		Cols:                   res.Cols,
		Rows:                   res.Rows,
		IsExecuting:            executing,
		History:                history,
		StreamingMessageID:     streamingID,
		CurrentStreamingBlocks: blocks,
	}
	if res.IsTerminal {
		isMaster := res.IsMaster
		sub.IsMaster = &isMaster
	}
	_ = c.Send(sub)
}

func (s *Server) handleResize(c *conn, m *wire.Resize) {
	ok, reason, err := s.sessions.Resize(m.SessionID, c.deviceID, m.Cols, m.Rows)
	if err != nil {
		_ = c.Send(wire.Error{ID: m.ID, Code: CodeSessionNotFound, Message: "session not found"})
		return
	}
	resp := wire.Resized{ID: m.ID, SessionID: m.SessionID, Success: ok, Reason: reason}
	if ok {
		resp.Cols = m.Cols
		resp.Rows = m.Rows
	}
	_ = c.Send(resp)
}

// handleReplay streams the durable backlog in ascending chunks. The final
// chunk carries hasMore=false so the device knows to flip from replaying
// to live.
func (s *Server) handleReplay(c *conn, m *wire.Replay) {
	limit := m.Limit
	if limit <= 0 || limit > replayChunkSize {
		limit = replayChunkSize
	}

	var lastSeq int64
	first := true
	for {
		var (
			msgs    []model.Message
			hasMore bool
			err     error
		)
		if first {
			msgs, hasMore, err = s.store.GetSince(m.SessionID, m.SinceTimestamp, limit)
			first = false
		} else {
			msgs, hasMore, err = s.store.GetAfter(m.SessionID, lastSeq, limit)
		}
		if err != nil {
			log.Printf("relay: replay %s: %v", m.SessionID, err)
			_ = c.Send(wire.Error{ID: m.ID, Code: CodeInternal, Message: "replay failed"})
			return
		}

		entries := make([]wire.ReplayEntry, 0, len(msgs))
		for _, msg := range msgs {
			entries = append(entries, wire.ReplayEntry{Sequence: msg.Seq, Content: flattenContent(msg)})
		}
		_ = c.Send(wire.ReplayData{ID: m.ID, SessionID: m.SessionID, Messages: entries, HasMore: hasMore})

		if !hasMore || len(msgs) == 0 {
			return
		}
		lastSeq = msgs[len(msgs)-1].Seq
	}
}

func (s *Server) handleHistory(c *conn, m *wire.HistoryRequest) {
	sessionID := store.SupervisorChannel
	if m.SessionID != nil {
		sessionID = *m.SessionID
	}

	history, hasMore, oldest, err := s.store.GetPage(sessionID, m.BeforeSequence, m.Limit)
	if err != nil {
		log.Printf("relay: history %s: %v", sessionID, err)
		_ = c.Send(wire.Error{ID: m.ID, Code: CodeInternal, Message: "history failed"})
		return
	}

	resp := wire.HistoryResponse{
		ID:             m.ID,
		SessionID:      m.SessionID,
		History:        history,
		HasMore:        hasMore,
		OldestSequence: oldest,
	}
	if m.SessionID != nil {
		streamingID, blocks, executing := s.sessions.StreamState(*m.SessionID)
		resp.IsExecuting = executing
		resp.StreamingMessageID = streamingID
		resp.CurrentStreamingBlocks = blocks
	}
	_ = c.Send(resp)
}

// handleInput appends a user command to the durable log, acks it back to
// the sender, and fans the message out to the session's other subscribers.
func (s *Server) handleInput(c *conn, m *wire.SessionInput) {
	stored, err := s.store.Append(m.SessionID, model.Message{
		ID:         m.MessageID,
		Role:       model.RoleUser,
		Blocks:     m.Blocks,
		Complete:   true,
		SendStatus: model.SendSent,
	})
	if err != nil {
		log.Printf("relay: input %s/%s: %v", c.deviceID, m.SessionID, err)
		_ = c.Send(wire.Error{ID: m.ID, Code: CodeInternal, Message: "append failed"})
		return
	}

	_ = c.Send(wire.MessageAck{ID: m.ID, MessageID: stored.ID, Sequence: stored.Seq})

	out := wire.SessionOutput{
		SessionID:   m.SessionID,
		ContentType: wire.ContentChat,
		Blocks:      stored.Blocks,
		Sequence:    stored.Seq,
		IsComplete:  true,
		Timestamp:   stored.CreatedAt,
	}
	for _, deviceID := range s.subs.Subscribers(m.SessionID) {
		if deviceID == c.deviceID {
			continue
		}
		s.bcast.SendToClient(deviceID, out)
	}
}

// flattenContent joins a message's text into the single string a terminal
// replay entry carries.
func flattenContent(msg model.Message) string {
	if len(msg.Blocks) == 1 {
		return msg.Blocks[0].Text
	}
	var out string
	for _, b := range msg.Blocks {
		out += b.Text
	}
	return out
}
