package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/relay"
	"tiflis-relay-lite/internal/session"
	"tiflis-relay-lite/internal/store"
	"tiflis-relay-lite/internal/subscription"
)

// SessionHandler is the REST surface for session lifecycle and the
// producer entry point that local agent and terminal processes post
// output through.
type SessionHandler struct {
	Sessions      *session.Manager
	Subscriptions *subscription.Service
	Store         *store.Store
	Relay         *relay.Server
}

type createSessionBody struct {
	Type       string `json:"type"`
	Workspace  string `json:"workspace"`
	Project    string `json:"project"`
	Worktree   string `json:"worktree"`
	WorkingDir string `json:"workingDir"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sessionType := model.SessionType(body.Type)
	switch sessionType {
	case model.SessionSupervisor, model.SessionAgent, model.SessionTerminal:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session type"})
		return
	}

	sess := h.Sessions.Create(session.CreateParams{
		Type:       sessionType,
		Workspace:  body.Workspace,
		Project:    body.Project,
		Worktree:   body.Worktree,
		WorkingDir: body.WorkingDir,
		Cols:       body.Cols,
		Rows:       body.Rows,
	})
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Sessions.List()})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Delete terminates a session: subscribers are detached everywhere, the
// master slot dies with it, and the durable log is purged.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.Sessions.Terminate(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err := h.Subscriptions.ClearSession(sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed"})
		return
	}
	if err := h.Store.DeleteSession(sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Messages pages backward through the durable log, mirroring the
// websocket history.request operation for tooling that prefers HTTP.
func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.Sessions.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, hasMore, oldest, err := h.Store.GetPage(sessionID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "History read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":       messages,
		"hasMore":        hasMore,
		"oldestSequence": oldest,
	})
}

type outputBody struct {
	ContentType string               `json:"contentType"`
	Content     string               `json:"content"`
	Blocks      []model.ContentBlock `json:"contentBlocks"`
	IsComplete  bool                 `json:"isComplete"`
	IsExecuting *bool                `json:"isExecuting"`
}

// Output is how local producers (PTY readers, agent wrappers) push
// session output into the relay. Terminal chunks append rows; chat
// chunks drive the streaming message lifecycle.
func (h *SessionHandler) Output(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.Sessions.Active(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	var body outputBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if body.IsExecuting != nil {
		h.Relay.SetExecuting(sessionID, *body.IsExecuting)
	}

	switch body.ContentType {
	case "terminal":
		seq, err := h.Relay.PublishTerminal(sessionID, body.Content)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Publish failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sequence": seq})

	case "chat":
		msg, err := h.Relay.PublishChatChunk(sessionID, body.Blocks, body.IsComplete)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Publish failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"messageId":  msg.ID,
			"sequence":   msg.Seq,
			"isComplete": msg.Complete,
		})

	case "":
		// Executing-only updates carry no content.
		if body.IsExecuting == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing contentType"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contentType"})
	}
}
