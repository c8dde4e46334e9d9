package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/replay"
	"tiflis-relay-lite/internal/wire"
)

// do sends a correlated request and waits for its response, the request
// deadline, or the context, whichever comes first.
func (c *Client) do(ctx context.Context, id string, m wire.Message) (wire.Message, error) {
	ch := c.pending.add(id)
	if err := c.Send(m); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(defaultRequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-timer.C:
		c.pending.remove(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.pending.remove(id)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCommandCancelled
		}
		return nil, ctx.Err()
	}
}

// asWireError surfaces an error response the workstation sent in place
// of the expected reply.
func asWireError(msg wire.Message) error {
	if e, ok := msg.(*wire.Error); ok {
		return fmt.Errorf("client: workstation error %s: %s", e.Code, e.Message)
	}
	return nil
}

// Subscribe attaches this device to a session's output stream.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*wire.Subscribed, error) {
	id := uuid.NewString()
	resp, err := c.do(ctx, id, wire.Subscribe{ID: id, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if err := asWireError(resp); err != nil {
		return nil, err
	}
	sub, ok := resp.(*wire.Subscribed)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s reply to subscribe", resp.MessageType())
	}
	return sub, nil
}

func (c *Client) Unsubscribe(ctx context.Context, sessionID string) error {
	id := uuid.NewString()
	resp, err := c.do(ctx, id, wire.Unsubscribe{ID: id, SessionID: sessionID})
	if err != nil {
		return err
	}
	return asWireError(resp)
}

// ResizeTerminal asks for a new terminal size. Only the session's
// master succeeds; everyone else gets Success=false, Reason=not_master.
func (c *Client) ResizeTerminal(ctx context.Context, sessionID string, cols, rows int) (*wire.Resized, error) {
	id := uuid.NewString()
	resp, err := c.do(ctx, id, wire.Resize{ID: id, SessionID: sessionID, Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	if err := asWireError(resp); err != nil {
		return nil, err
	}
	r, ok := resp.(*wire.Resized)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s reply to resize", resp.MessageType())
	}
	return r, nil
}

// History pages backward through a session's durable log. A nil
// sessionID reads the shared supervisor channel.
func (c *Client) History(ctx context.Context, sessionID *string, beforeSeq int64, limit int) (*wire.HistoryResponse, error) {
	id := uuid.NewString()
	req := wire.HistoryRequest{ID: id, SessionID: sessionID, BeforeSequence: beforeSeq, Limit: limit}
	resp, err := c.do(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if err := asWireError(resp); err != nil {
		return nil, err
	}
	h, ok := resp.(*wire.HistoryResponse)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s reply to history request", resp.MessageType())
	}
	return h, nil
}

// SendInput submits a user command. The device picks the message id so
// its optimistic local copy can be reconciled by the ack.
func (c *Client) SendInput(ctx context.Context, sessionID string, blocks []model.ContentBlock) (*wire.MessageAck, error) {
	id := uuid.NewString()
	in := wire.SessionInput{ID: id, SessionID: sessionID, MessageID: uuid.NewString(), Blocks: blocks}
	resp, err := c.do(ctx, id, in)
	if err != nil {
		return nil, err
	}
	if err := asWireError(resp); err != nil {
		return nil, err
	}
	ack, ok := resp.(*wire.MessageAck)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s reply to input", resp.MessageType())
	}
	return ack, nil
}

// TailSession subscribes to a session and replays its backlog without
// waiting for the subscribe ack first, so live output arriving during
// the replay is buffered and merged in order instead of lost. Each
// in-order terminal entry is handed to apply exactly once.
func (c *Client) TailSession(ctx context.Context, sessionID string, sinceTimestamp int64, apply func(replay.Entry)) (*wire.Subscribed, error) {
	binding := &tailBinding{tailer: replay.NewTailer(sessionID), apply: apply}
	c.mu.Lock()
	c.tailers[sessionID] = binding
	c.mu.Unlock()

	// Replay is fire and forget; its chunks route to the tailer by
	// session id rather than resolving a pending entry.
	rep := wire.Replay{ID: uuid.NewString(), SessionID: sessionID, SinceTimestamp: sinceTimestamp}
	if err := c.Send(rep); err != nil {
		c.dropTail(sessionID)
		return nil, err
	}

	sub, err := c.Subscribe(ctx, sessionID)
	if err != nil {
		c.dropTail(sessionID)
		return nil, err
	}
	if sub.StreamingMessageID != "" {
		c.streams.Apply(sub.StreamingMessageID, sessionID, sub.CurrentStreamingBlocks, false)
	}
	return sub, nil
}

// StopTail detaches the tailer and unsubscribes from the session.
func (c *Client) StopTail(ctx context.Context, sessionID string) error {
	c.dropTail(sessionID)
	return c.Unsubscribe(ctx, sessionID)
}

func (c *Client) dropTail(sessionID string) {
	c.mu.Lock()
	delete(c.tailers, sessionID)
	c.mu.Unlock()
}
