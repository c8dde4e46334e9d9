// Package broadcast routes outbound messages to devices: tunnel-wide
// fanout, one authenticated device, or a session's current subscribers.
package broadcast

import (
	"log"

	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/subscription"
	"tiflis-relay-lite/internal/wire"
)

type Broadcaster struct {
	Registry      *registry.Registry
	Subscriptions *subscription.Service
}

func New(reg *registry.Registry, subs *subscription.Service) *Broadcaster {
	return &Broadcaster{Registry: reg, Subscriptions: subs}
}

// BroadcastToAll fans a message out to every device on the tunnel,
// regardless of registry authentication state: right after a workstation
// restart the registry is empty of auth marks while devices are still
// connected and about to re-authenticate.
func (b *Broadcaster) BroadcastToAll(m wire.Message) {
	for _, deviceID := range b.Registry.ConnectedDevices() {
		sender, ok := b.Registry.SenderFor(deviceID)
		if !ok {
			continue
		}
		if err := sender.Send(m); err != nil {
			log.Printf("broadcast: send %s to %s failed: %v", m.MessageType(), deviceID, err)
		}
	}
}

// SendToClient delivers to one authenticated device. Returns false without
// sending if the device is unknown or not authenticated.
func (b *Broadcaster) SendToClient(deviceID string, m wire.Message) bool {
	if !b.Registry.IsAuthenticated(deviceID) {
		return false
	}
	sender, ok := b.Registry.SenderFor(deviceID)
	if !ok {
		return false
	}
	if err := sender.Send(m); err != nil {
		log.Printf("broadcast: send %s to %s failed: %v", m.MessageType(), deviceID, err)
		return false
	}
	return true
}

// BroadcastToSubscribers sends individually to each authenticated
// subscriber of the session. Zero subscribers is a logged no-op; the
// output is still in the durable log for later replay.
func (b *Broadcaster) BroadcastToSubscribers(sessionID string, m wire.Message) int {
	subscribers := b.Subscriptions.Subscribers(sessionID)
	if len(subscribers) == 0 {
		log.Printf("broadcast: no subscribers for session %s, %s dropped from fanout", sessionID, m.MessageType())
		return 0
	}
	sent := 0
	for _, deviceID := range subscribers {
		if b.SendToClient(deviceID, m) {
			sent++
		}
	}
	return sent
}
