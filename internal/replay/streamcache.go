package replay

import (
	"sync"

	"tiflis-relay-lite/internal/model"
)

// StreamCache is a device's local view of in-flight assistant messages,
// keyed by the workstation-assigned streaming message id. Chunks replace
// the cached content blocks wholesale; a reconnecting device may receive
// an out-of-order superset, so appending blindly would corrupt the view.
// Two devices joining the same stream in any order converge on identical
// final content.
type StreamCache struct {
	mu        sync.Mutex
	messages  map[string]model.Message
	streaming map[string]struct{}
}

func NewStreamCache() *StreamCache {
	return &StreamCache{
		messages:  make(map[string]model.Message),
		streaming: make(map[string]struct{}),
	}
}

// Apply folds one chunk into the cache and returns the resulting message.
// A chunk for an unknown id creates the message; on completion the id is
// dropped from the streaming index so a later response starts fresh.
func (c *StreamCache) Apply(streamingID, sessionID string, blocks []model.ContentBlock, complete bool) model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.messages[streamingID]
	if !ok {
		msg = model.Message{
			ID:        streamingID,
			SessionID: sessionID,
			Role:      model.RoleAssistant,
		}
	}
	msg.Blocks = append([]model.ContentBlock(nil), blocks...)
	msg.Complete = complete
	c.messages[streamingID] = msg

	if complete {
		delete(c.streaming, streamingID)
	} else {
		c.streaming[streamingID] = struct{}{}
	}
	return msg
}

// Get returns the cached message for an id.
func (c *StreamCache) Get(streamingID string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[streamingID]
	return msg, ok
}

// IsStreaming reports whether the id is still in flight.
func (c *StreamCache) IsStreaming(streamingID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streaming[streamingID]
	return ok
}
