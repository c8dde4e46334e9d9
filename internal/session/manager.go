// Package session owns the workstation's table of live sessions and their
// per-session metadata: terminal master slot, size, execution state, and
// the currently open streaming message.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/wire"
)

var ErrSessionNotFound = errors.New("session not found")

type entry struct {
	session model.Session

	executing       bool
	streamingID     string
	streamingBlocks []model.ContentBlock
}

type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

type CreateParams struct {
	Type       model.SessionType
	Workspace  string
	Project    string
	Worktree   string
	WorkingDir string
	Cols       int
	Rows       int
}

func (m *Manager) Create(p CreateParams) model.Session {
	now := time.Now().UnixMilli()
	sess := model.Session{
		ID:         uuid.NewString(),
		Type:       p.Type,
		Workspace:  p.Workspace,
		Project:    p.Project,
		Worktree:   p.Worktree,
		WorkingDir: p.WorkingDir,
		Status:     model.SessionActive,
		Cols:       p.Cols,
		Rows:       p.Rows,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sess.Type == model.SessionTerminal {
		if sess.Cols == 0 {
			sess.Cols = 80
		}
		if sess.Rows == 0 {
			sess.Rows = 24
		}
	}

	m.mu.Lock()
	m.entries[sess.ID] = &entry{session: sess}
	m.mu.Unlock()
	return sess
}

func (m *Manager) Get(sessionID string) (model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return e.session, true
}

// Active reports whether the session exists and has not terminated.
func (m *Manager) Active(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	return ok && e.session.Status == model.SessionActive
}

func (m *Manager) List() []model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]model.Session, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e.session)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

// Terminate marks the session terminated. The caller clears subscriptions
// and purges the durable log.
func (m *Manager) Terminate(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || e.session.Status == model.SessionTerminated {
		return false
	}
	e.session.Status = model.SessionTerminated
	e.session.MasterDeviceID = nil
	e.session.UpdatedAt = time.Now().UnixMilli()
	return true
}

// ClaimMaster runs master election for a terminal session: the first
// subscriber of a masterless session wins; a device that already holds the
// slot keeps it. Non-terminal sessions never have a master.
func (m *Manager) ClaimMaster(sessionID, deviceID string) (isMaster bool, cols, rows int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return false, 0, 0, ErrSessionNotFound
	}
	if e.session.Type != model.SessionTerminal {
		return false, 0, 0, nil
	}
	if e.session.MasterDeviceID == nil {
		d := deviceID
		e.session.MasterDeviceID = &d
		e.session.UpdatedAt = time.Now().UnixMilli()
	}
	return *e.session.MasterDeviceID == deviceID, e.session.Cols, e.session.Rows, nil
}

// ReleaseMaster clears the slot if the device holds it. The slot stays
// empty until the next subscribe; it is never reassigned eagerly.
func (m *Manager) ReleaseMaster(sessionID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || e.session.MasterDeviceID == nil || *e.session.MasterDeviceID != deviceID {
		return false
	}
	e.session.MasterDeviceID = nil
	e.session.UpdatedAt = time.Now().UnixMilli()
	return true
}

// ReleaseAllMasters clears every slot a device holds; used when the device
// disconnects without unsubscribing.
func (m *Manager) ReleaseAllMasters(deviceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for id, e := range m.entries {
		if e.session.MasterDeviceID != nil && *e.session.MasterDeviceID == deviceID {
			e.session.MasterDeviceID = nil
			e.session.UpdatedAt = time.Now().UnixMilli()
			released = append(released, id)
		}
	}
	return released
}

// Resize applies a terminal resize if the device holds the master slot.
func (m *Manager) Resize(sessionID, deviceID string, cols, rows int) (ok bool, reason string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[sessionID]
	if !found {
		return false, "", ErrSessionNotFound
	}
	if e.session.MasterDeviceID == nil || *e.session.MasterDeviceID != deviceID {
		return false, wire.ReasonNotMaster, nil
	}
	e.session.Cols = cols
	e.session.Rows = rows
	e.session.UpdatedAt = time.Now().UnixMilli()
	return true, "", nil
}

func (m *Manager) SetExecuting(sessionID string, executing bool) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.executing = executing
	}
	m.mu.Unlock()
}

// BeginStream opens the session's streaming slot under the given message
// id. At most one message may stream per session; the previous id is
// returned so callers can detect a producer bug.
func (m *Manager) BeginStream(sessionID, streamingID string, blocks []model.ContentBlock) (prev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ""
	}
	prev = e.streamingID
	e.streamingID = streamingID
	e.streamingBlocks = blocks
	e.executing = true
	return prev
}

func (m *Manager) UpdateStream(sessionID string, blocks []model.ContentBlock) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok && e.streamingID != "" {
		e.streamingBlocks = blocks
	}
	m.mu.Unlock()
}

// EndStream clears the streaming slot so a later response starts fresh.
func (m *Manager) EndStream(sessionID string) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.streamingID = ""
		e.streamingBlocks = nil
		e.executing = false
	}
	m.mu.Unlock()
}

// StreamState returns the open streaming message for mid-stream joiners.
func (m *Manager) StreamState(sessionID string) (streamingID string, blocks []model.ContentBlock, executing bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return "", nil, false
	}
	return e.streamingID, e.streamingBlocks, e.executing
}
