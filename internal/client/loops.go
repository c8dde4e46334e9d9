package client

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"tiflis-relay-lite/internal/wire"
)

// pingLoop sends a timestamped ping every pingInterval and degrades the
// connection when the matching pong does not arrive within pongWait. A
// late pong does not restore verified; only a heartbeat ack does.
func (c *Client) pingLoop(conn Conn, done chan struct{}) {
	send := time.NewTicker(pingInterval)
	check := time.NewTicker(time.Second)
	defer send.Stop()
	defer check.Stop()

	for {
		select {
		case <-done:
			return

		case <-send.C:
			now := time.Now()
			c.pingSentAt.Store(now.UnixNano())
			c.awaitingPong.Store(true)
			if err := writeMessage(conn, wire.Ping{Timestamp: now.UnixMilli()}); err != nil {
				log.Printf("client: ping write failed: %v", err)
			}

		case <-check.C:
			if !c.awaitingPong.Load() {
				continue
			}
			sent := time.Unix(0, c.pingSentAt.Load())
			if time.Since(sent) > pongWait {
				c.awaitingPong.Store(false)
				log.Printf("client: pong overdue, connection degraded")
				c.apply(evTimeout)
			}
		}
	}
}

func (c *Client) notePong(int64) {
	if !c.awaitingPong.Swap(false) {
		return
	}
	sent := time.Unix(0, c.pingSentAt.Load())
	c.lastRTT.Store(int64(time.Since(sent)))
}

// heartbeatLoop proves end-to-end liveness: each heartbeat must be acked
// within heartbeatWait, moving the connection to verified. A missed ack
// degrades it but keeps the socket open.
func (c *Client) heartbeatLoop(done chan struct{}) {
	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-done:
			return
		case <-tick.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), heartbeatWait)
		id := uuid.NewString()
		resp, err := c.do(ctx, id, wire.Heartbeat{ID: id, Timestamp: time.Now().UnixMilli()})
		cancel()
		if err != nil {
			if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotAuthenticated) {
				continue
			}
			log.Printf("client: heartbeat unanswered: %v", err)
			c.apply(evTimeout)
			continue
		}
		if _, ok := resp.(*wire.HeartbeatAck); ok {
			c.apply(evHeartbeatAck)
		}
	}
}
