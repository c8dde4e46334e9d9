// Package subscription ties the client registry, session table, and
// durable store together: subscribe/unsubscribe, master election, restore
// after reconnect, and cleanup on session termination.
package subscription

import (
	"errors"
	"fmt"
	"log"

	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/session"
	"tiflis-relay-lite/internal/store"
)

// ErrClientNotFound indicates a subscribe for a device with no registry
// entry. The registry lifecycle makes this a programming error, so it is
// raised instead of being swallowed.
var ErrClientNotFound = errors.New("client not found")

var ErrSessionNotFound = session.ErrSessionNotFound

type Service struct {
	Registry *registry.Registry
	Sessions *session.Manager
	Store    *store.Store
}

func NewService(reg *registry.Registry, sessions *session.Manager, st *store.Store) *Service {
	return &Service{Registry: reg, Sessions: sessions, Store: st}
}

type Result struct {
	IsMaster   bool
	IsTerminal bool
	Cols       int
	Rows       int
}

// Subscribe adds the device to the session's subscriber set, persists the
// pair, and runs master election for terminal sessions. Idempotent: a
// re-subscribe skips persistence but still reports master/size.
func (s *Service) Subscribe(deviceID, sessionID string) (Result, error) {
	sess, ok := s.Sessions.Get(sessionID)
	if !ok {
		return Result{}, ErrSessionNotFound
	}
	if _, ok := s.Registry.Get(deviceID); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrClientNotFound, deviceID)
	}

	if added := s.Registry.AddSubscription(deviceID, sessionID); added {
		if _, err := s.Store.AddSubscription(deviceID, sessionID); err != nil {
			return Result{}, fmt.Errorf("persist subscription: %w", err)
		}
	}

	isMaster, cols, rows, err := s.Sessions.ClaimMaster(sessionID, deviceID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		IsMaster:   isMaster,
		IsTerminal: sess.Type.IsTerminal(),
		Cols:       cols,
		Rows:       rows,
	}, nil
}

// Unsubscribe removes the pair from both the in-memory set and the durable
// store, and frees the master slot if the device held it.
func (s *Service) Unsubscribe(deviceID, sessionID string) error {
	s.Registry.RemoveSubscription(deviceID, sessionID)
	if err := s.Store.RemoveSubscription(deviceID, sessionID); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	s.Sessions.ReleaseMaster(sessionID, deviceID)
	return nil
}

// Restore re-adds a device's durable subscriptions to the in-memory set
// after re-authentication. Entries whose session is gone or terminated are
// pruned from the store. Returns the session ids actually restored, which
// go into the auth.success payload.
func (s *Service) Restore(deviceID string) ([]string, error) {
	stored, err := s.Store.ListSubscriptions(deviceID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	restored := make([]string, 0, len(stored))
	for _, sessionID := range stored {
		if !s.Sessions.Active(sessionID) {
			if err := s.Store.RemoveSubscription(deviceID, sessionID); err != nil {
				log.Printf("subscriptions: prune %s/%s failed: %v", deviceID, sessionID, err)
			}
			continue
		}
		s.Registry.AddSubscription(deviceID, sessionID)
		restored = append(restored, sessionID)
	}
	return restored, nil
}

// ClearSession drops a terminated session from every connected device and
// purges its durable rows.
func (s *Service) ClearSession(sessionID string) error {
	s.Registry.ClearSession(sessionID)
	if err := s.Store.RemoveSessionSubscriptions(sessionID); err != nil {
		return fmt.Errorf("purge session subscriptions: %w", err)
	}
	return nil
}

// HandleDisconnect releases master slots held by a device whose socket
// closed without unsubscribing. Durable subscriptions are kept so the
// device resumes them on reconnect.
func (s *Service) HandleDisconnect(deviceID string) {
	for _, sessionID := range s.Sessions.ReleaseAllMasters(deviceID) {
		log.Printf("sessions: master slot of %s released by disconnect of %s", sessionID, deviceID)
	}
}

// Subscribers enumerates the authenticated, connected subscribers.
func (s *Service) Subscribers(sessionID string) []string {
	return s.Registry.Subscribers(sessionID)
}
