package client

import (
	"sync"
	"time"

	"tiflis-relay-lite/internal/wire"
)

const (
	defaultRequestTimeout = 30 * time.Second
	pendingCap            = 100
	pendingSweepAge       = 60 * time.Second
)

type pendingResult struct {
	msg wire.Message
	err error
}

type pendingEntry struct {
	ch        chan pendingResult
	createdAt time.Time
}

// pendingTable tracks in-flight correlated requests. Each entry holds
// a buffered channel so resolvers never block on a caller that has
// already timed out.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	now     func() time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingEntry),
		now:     time.Now,
	}
}

// add registers a request id. When the table is at capacity it first
// sweeps entries older than pendingSweepAge, rejecting them as expired.
func (t *pendingTable) add(id string) chan pendingResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= pendingCap {
		cutoff := t.now().Add(-pendingSweepAge)
		for eid, e := range t.entries {
			if e.createdAt.Before(cutoff) {
				e.ch <- pendingResult{err: ErrRequestExpired}
				delete(t.entries, eid)
			}
		}
	}
	ch := make(chan pendingResult, 1)
	t.entries[id] = &pendingEntry{ch: ch, createdAt: t.now()}
	return ch
}

// resolve delivers a response to the waiter, if one is still pending.
func (t *pendingTable) resolve(id string, msg wire.Message) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.ch <- pendingResult{msg: msg}
	return true
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// rejectAll fails every pending request, used when the socket closes.
func (t *pendingTable) rejectAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()
	for _, e := range entries {
		e.ch <- pendingResult{err: err}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
