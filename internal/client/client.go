// Package client implements the device side of the tunnel: dialing the
// workstation, the connect/auth handshake, liveness pings and heartbeats,
// correlated request/response tracking, and automatic reconnection with
// exponential backoff. The auth key it presents is a secret and is never
// written to logs.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tiflis-relay-lite/internal/identity"
	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/replay"
	"tiflis-relay-lite/internal/wire"
)

const (
	pingInterval      = 5 * time.Second
	pongWait          = 10 * time.Second
	heartbeatInterval = 10 * time.Second
	heartbeatWait     = 5 * time.Second
	handshakeTimeout  = 10 * time.Second
)

// Conn is the minimal transport the client drives. *websocket.Conn is
// adapted below; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to the workstation URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

type gorillaConn struct {
	c *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.c.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.c.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error { return g.c.Close() }

// GorillaDialer dials over a real websocket.
func GorillaDialer() Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return &gorillaConn{c: c}, nil
	})
}

// CredentialSource provides the identity presented during the handshake.
// *identity.FileStore satisfies it.
type CredentialSource interface {
	Get() (identity.Identity, error)
}

// Options configures a Client. Zero callbacks are fine; events are
// silently dropped then.
type Options struct {
	URL         string
	Credentials CredentialSource
	Dialer      Dialer

	// MaxRetries caps reconnect attempts after an unexpected close.
	// Zero means retry forever.
	MaxRetries int

	OnState  func(State)
	OnOutput func(wire.SessionOutput)
	OnStream func(model.Message)
	OnEvent  func(wire.Message)

	// OnError fires when reconnection stops for good: retries exhausted
	// (ErrMaxRetriesExceeded), auth rejected, or credentials gone. The
	// client is in the disconnected state and will not dial again until
	// Connect is called.
	OnError func(error)
}

type tailBinding struct {
	tailer *replay.Tailer
	apply  func(replay.Entry)
}

// Client is a device-side tunnel connection. All methods are safe for
// concurrent use.
type Client struct {
	opts Options

	mu            sync.Mutex
	state         State
	conn          Conn
	linkDone      chan struct{}
	attempts      int
	lastErr       error
	localClose    bool
	everConnected bool
	workstation   wire.AuthSuccess
	tailers       map[string]*tailBinding

	pending *pendingTable
	streams *replay.StreamCache

	lastRTT      atomic.Int64 // nanoseconds
	pingSentAt   atomic.Int64 // unix nanos of the last unanswered ping
	awaitingPong atomic.Bool
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer()
	}
	return &Client{
		opts:    opts,
		state:   StateDisconnected,
		tailers: make(map[string]*tailBinding),
		pending: newPendingTable(),
		streams: replay.NewStreamCache(),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastRTT is the round trip of the most recent answered ping.
func (c *Client) LastRTT() time.Duration {
	return time.Duration(c.lastRTT.Load())
}

// Workstation returns the identity the workstation announced at auth.
func (c *Client) Workstation() wire.AuthSuccess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workstation
}

// Streams exposes the cache of in-flight streaming chat messages.
func (c *Client) Streams() *replay.StreamCache { return c.streams }

// LastError reports why reconnection stopped, nil while the client is
// healthy or still retrying.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// fail records a terminal reconnect failure and notifies the caller.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	cb := c.opts.OnError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Connect performs one synchronous connect/auth handshake. A rejected
// auth key fails immediately with ErrAuthRejected and is not retried;
// later unexpected closes reconnect automatically with backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.localClose = false
	c.lastErr = nil
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

// Disconnect closes the socket and suppresses reconnection. Pending
// requests are rejected with ErrConnectionLost.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.localClose = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// apply runs one lifecycle transition and notifies the state callback.
func (c *Client) apply(ev event) {
	c.mu.Lock()
	next, ok := transition(c.state, ev)
	changed := ok && next != c.state
	if ok {
		c.state = next
	}
	cb := c.opts.OnState
	c.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	if c.opts.Credentials == nil {
		return ErrNoCredentials
	}
	creds, err := c.opts.Credentials.Get()
	if err != nil {
		if errors.Is(err, identity.ErrNoCredentials) {
			return ErrNoCredentials
		}
		return err
	}

	c.apply(evDial)
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		c.apply(evSocketClosed)
		return fmt.Errorf("client: dial %s: %w", c.opts.URL, err)
	}
	c.apply(evSocketOpen)

	// The workstation must complete the handshake promptly or the
	// socket is cut and the attempt counts as failed.
	watchdog := time.AfterFunc(handshakeTimeout, func() { _ = conn.Close() })
	defer watchdog.Stop()

	c.mu.Lock()
	reconnect := c.everConnected
	c.mu.Unlock()

	hello := wire.Connect{
		TunnelID:  creds.TunnelID,
		AuthKey:   creds.AuthKey,
		DeviceID:  creds.DeviceID,
		Reconnect: reconnect,
	}
	if err := writeMessage(conn, hello); err != nil {
		_ = conn.Close()
		c.apply(evSocketClosed)
		return err
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.apply(evSocketClosed)
			return fmt.Errorf("client: handshake: %w", err)
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("client: handshake: dropping malformed frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *wire.Connected:
			c.apply(evTunnelAck)
			auth := wire.Auth{AuthKey: creds.AuthKey, DeviceID: creds.DeviceID}
			if err := writeMessage(conn, auth); err != nil {
				_ = conn.Close()
				c.apply(evSocketClosed)
				return err
			}

		case *wire.AuthSuccess:
			done := make(chan struct{})
			c.mu.Lock()
			c.conn = conn
			c.linkDone = done
			c.attempts = 0
			c.everConnected = true
			c.workstation = *m
			c.mu.Unlock()
			c.apply(evAuthOK)

			go c.readLoop(conn)
			go c.pingLoop(conn, done)
			go c.heartbeatLoop(done)
			go c.initialSync()
			return nil

		case *wire.AuthError:
			c.apply(evAuthErr)
			_ = conn.Close()
			return fmt.Errorf("%w: %s", ErrAuthRejected, m.Message)

		default:
			// Broadcasts can race the handshake; not ours yet.
		}
	}
}

// handleClose tears down one link. Idempotent against stale goroutines
// from a superseded connection.
func (c *Client) handleClose(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.linkDone)
	c.linkDone = nil
	local := c.localClose
	c.mu.Unlock()

	_ = conn.Close()
	c.pending.rejectAll(ErrConnectionLost)
	c.apply(evSocketClosed)

	if !local {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.localClose {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		c.attempts++
		c.mu.Unlock()

		if c.opts.MaxRetries > 0 && attempt >= c.opts.MaxRetries {
			log.Printf("client: giving up after %d reconnect attempts", attempt)
			c.fail(fmt.Errorf("%w: %d attempts", ErrMaxRetriesExceeded, attempt))
			return
		}

		time.Sleep(backoffDelay(attempt))

		err := c.connectOnce(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNoCredentials) {
			log.Printf("client: reconnect abandoned: %v", err)
			c.fail(err)
			return
		}
		log.Printf("client: reconnect attempt %d failed: %v", attempt+1, err)
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn)
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("client: dropping malformed frame: %v", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg wire.Message) {
	// Responses to our own requests are consumed by their waiters.
	if corr, ok := msg.(wire.Correlated); ok {
		if id := corr.CorrelationID(); id != "" && c.pending.resolve(id, msg) {
			return
		}
	}

	switch m := msg.(type) {
	case *wire.Pong:
		c.notePong(m.Timestamp)

	case *wire.SessionOutput:
		c.handleOutput(m)

	case *wire.ReplayData:
		c.handleReplayData(m)

	default:
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(msg)
		}
	}
}

func (c *Client) handleOutput(m *wire.SessionOutput) {
	if m.ContentType == wire.ContentChat && m.StreamingMessageID != "" {
		merged := c.streams.Apply(m.StreamingMessageID, m.SessionID, m.Blocks, m.IsComplete)
		if c.opts.OnStream != nil {
			c.opts.OnStream(merged)
		}
		return
	}

	if m.ContentType == wire.ContentTerminal {
		c.mu.Lock()
		binding := c.tailers[m.SessionID]
		c.mu.Unlock()
		if binding != nil {
			entry := replay.Entry{Seq: m.Sequence, Content: m.Content}
			if binding.tailer.ApplyLive(entry) {
				binding.apply(entry)
			}
			return
		}
	}

	if c.opts.OnOutput != nil {
		c.opts.OnOutput(*m)
	}
}

func (c *Client) handleReplayData(m *wire.ReplayData) {
	c.mu.Lock()
	binding := c.tailers[m.SessionID]
	c.mu.Unlock()
	if binding == nil {
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(m)
		}
		return
	}
	entries := make([]replay.Entry, 0, len(m.Messages))
	for _, e := range m.Messages {
		entries = append(entries, replay.Entry{Seq: e.Sequence, Content: e.Content})
	}
	for _, applied := range binding.tailer.ApplyReplay(entries, m.HasMore) {
		binding.apply(applied)
	}
}

// initialSync pulls the supervisor channel after each (re)connect so a
// device is never acting on a stale view of the world.
func (c *Client) initialSync() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	resp, err := c.History(ctx, nil, 0, 50)
	if err != nil {
		log.Printf("client: initial sync failed: %v", err)
		return
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(resp)
	}
}

// Send writes one application message. The connection must have
// completed authentication.
func (c *Client) Send(m wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	usable := c.state.Usable()
	c.mu.Unlock()
	if conn == nil || !usable {
		return ErrNotAuthenticated
	}
	if err := writeMessage(conn, m); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func writeMessage(conn Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
