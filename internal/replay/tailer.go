// Package replay holds the client-side sequencing logic: the replay/live
// race buffer for (re)subscribes and the cross-device cache that dedups
// streaming assistant output by its streaming message id.
package replay

import (
	"log"
	"sort"
	"sync"
)

// Entry is one sequenced unit of session output as the tailer sees it.
type Entry struct {
	Seq     int64
	Content string
}

// Tailer reconciles historical replay with concurrently arriving live
// output for one session. It starts in replaying mode: live entries are
// buffered, not applied. When the replay stream reports hasMore=false the
// tailer flips to live and flushes the buffer in ascending sequence order,
// skipping anything the replay already covered. An entry is applied at
// most once and sequences never regress.
type Tailer struct {
	mu          sync.Mutex
	sessionID   string
	replaying   bool
	lastApplied int64
	buffer      []Entry
	gaps        int
}

func NewTailer(sessionID string) *Tailer {
	return &Tailer{sessionID: sessionID, replaying: true}
}

// ApplyReplay consumes one replay batch and returns the entries to apply,
// in order. On the final batch (hasMore=false) the flushed live buffer is
// included.
func (t *Tailer) ApplyReplay(entries []Entry, hasMore bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var applied []Entry
	for _, e := range entries {
		if e.Seq <= t.lastApplied {
			continue
		}
		t.lastApplied = e.Seq
		applied = append(applied, e)
	}

	if hasMore || !t.replaying {
		return applied
	}

	t.replaying = false
	sort.Slice(t.buffer, func(i, j int) bool { return t.buffer[i].Seq < t.buffer[j].Seq })
	for _, e := range t.buffer {
		if e.Seq <= t.lastApplied {
			continue
		}
		t.noteGapLocked(e.Seq)
		t.lastApplied = e.Seq
		applied = append(applied, e)
	}
	t.buffer = nil
	return applied
}

// ApplyLive consumes one live output entry. While replaying it is buffered
// and not applied; afterwards duplicates are suppressed and a sequence more
// than one past the last applied is logged as a gap but still applied.
func (t *Tailer) ApplyLive(e Entry) (applied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.replaying {
		t.buffer = append(t.buffer, e)
		return false
	}
	if e.Seq <= t.lastApplied {
		return false
	}
	t.noteGapLocked(e.Seq)
	t.lastApplied = e.Seq
	return true
}

func (t *Tailer) noteGapLocked(next int64) {
	if t.lastApplied > 0 && next > t.lastApplied+1 {
		t.gaps++
		log.Printf("replay: session %s gap detected, jumped %d -> %d", t.sessionID, t.lastApplied, next)
	}
}

// Replaying reports whether the tailer is still buffering live output.
func (t *Tailer) Replaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaying
}

// LastApplied returns the highest sequence applied so far.
func (t *Tailer) LastApplied() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastApplied
}

// Gaps counts sequence jumps observed after going live. A real client uses
// this as a signal to request another replay window.
func (t *Tailer) Gaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaps
}
