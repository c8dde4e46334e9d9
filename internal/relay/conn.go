package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/wire"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

// conn is one device socket. Writes are serialized by sendMu so fanout
// goroutines never interleave frames. It satisfies registry.Sender.
type conn struct {
	ws *websocket.Conn

	deviceID      string
	authenticated atomic.Bool
	reg           *registry.Client

	sendMu sync.Mutex
	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) Send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
