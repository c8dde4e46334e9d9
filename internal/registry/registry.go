// Package registry tracks the devices currently connected to the
// workstation: one entry per socket, created on connect and destroyed on
// close. Durable subscriptions live in the store; the in-memory sets here
// only mirror them for connected devices.
package registry

import (
	"sync"
	"time"

	"tiflis-relay-lite/internal/wire"
)

// Sender delivers one outbound message to a device's socket.
type Sender interface {
	Send(m wire.Message) error
}

type Client struct {
	DeviceID      string
	Sender        Sender
	Authenticated bool
	Subscriptions map[string]struct{}
	ConnectedAt   int64
}

type Registry struct {
	mu       sync.RWMutex
	byDevice map[string]*Client
}

func New() *Registry {
	return &Registry{byDevice: make(map[string]*Client)}
}

// Register creates the entry for a newly connected device. A reconnect
// replaces the previous entry; the stale socket's handler will find its
// entry gone and stop.
func (r *Registry) Register(deviceID string, sender Sender) *Client {
	c := &Client{
		DeviceID:      deviceID,
		Sender:        sender,
		Subscriptions: make(map[string]struct{}),
		ConnectedAt:   time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.byDevice[deviceID] = c
	r.mu.Unlock()
	return c
}

// Remove drops the entry, but only if it still belongs to the given client
// (a reconnect may have replaced it already). It reports whether the entry
// was removed; a false return means the device is still alive on a newer
// socket and its disconnect side effects must not run.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDevice[c.DeviceID]; ok && cur == c {
		delete(r.byDevice, c.DeviceID)
		return true
	}
	return false
}

func (r *Registry) Get(deviceID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDevice[deviceID]
	return c, ok
}

func (r *Registry) MarkAuthenticated(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDevice[deviceID]
	if !ok {
		return false
	}
	c.Authenticated = true
	return true
}

// IsAuthenticated reports whether the device is connected and has passed
// auth.
func (r *Registry) IsAuthenticated(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDevice[deviceID]
	return ok && c.Authenticated
}

// AddSubscription records an in-memory subscription. Returns false if the
// device already held it.
func (r *Registry) AddSubscription(deviceID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDevice[deviceID]
	if !ok {
		return false
	}
	if _, exists := c.Subscriptions[sessionID]; exists {
		return false
	}
	c.Subscriptions[sessionID] = struct{}{}
	return true
}

func (r *Registry) RemoveSubscription(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byDevice[deviceID]; ok {
		delete(c.Subscriptions, sessionID)
	}
}

// Subscribers returns the authenticated devices subscribed to a session.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var devices []string
	for id, c := range r.byDevice {
		if !c.Authenticated {
			continue
		}
		if _, ok := c.Subscriptions[sessionID]; ok {
			devices = append(devices, id)
		}
	}
	return devices
}

// ClearSession removes a terminated session from every device's set.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byDevice {
		delete(c.Subscriptions, sessionID)
	}
}

// AuthenticatedDevices lists devices eligible for direct sends.
func (r *Registry) AuthenticatedDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var devices []string
	for id, c := range r.byDevice {
		if c.Authenticated {
			devices = append(devices, id)
		}
	}
	return devices
}

// ConnectedDevices lists every device on the tunnel, authenticated or not.
// broadcastToAll fans out over this set so devices mid re-auth after a
// workstation restart still hear presence changes.
func (r *Registry) ConnectedDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]string, 0, len(r.byDevice))
	for id := range r.byDevice {
		devices = append(devices, id)
	}
	return devices
}

// SenderFor returns the device's sender if connected.
func (r *Registry) SenderFor(deviceID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	return c.Sender, true
}
