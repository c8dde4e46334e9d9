package relay

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tiflis-relay-lite/internal/broadcast"
	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/session"
	"tiflis-relay-lite/internal/store"
	"tiflis-relay-lite/internal/subscription"
	"tiflis-relay-lite/internal/wire"
)

const (
	testTunnel = "tunnel-1"
	testKey    = "test-auth-key"
)

type testEnv struct {
	srv      *Server
	sessions *session.Manager
	store    *store.Store
	http     *httptest.Server
	url      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	reg := registry.New()
	sessions := session.NewManager()
	subs := subscription.NewService(reg, sessions, st)
	bcast := broadcast.New(reg, subs)

	srv := NewServer(Deps{
		TunnelID:        testTunnel,
		AuthKey:         testKey,
		WorkstationName: "bench",
		Version:         "0.1.0",
		WorkspacesRoot:  "/work",
		Registry:        reg,
		Sessions:        sessions,
		Subscriptions:   subs,
		Store:           st,
		Broadcaster:     bcast,
	})

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	return &testEnv{
		srv:      srv,
		sessions: sessions,
		store:    st,
		http:     hs,
		url:      "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.MessageType(), err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", m.MessageType(), err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// authenticate runs the full handshake for a device and returns its socket.
func authenticate(t *testing.T, env *testEnv, deviceID string) *websocket.Conn {
	t.Helper()
	ws := dial(t, env)

	send(t, ws, wire.Connect{TunnelID: testTunnel, AuthKey: testKey, DeviceID: deviceID})
	if _, ok := recv(t, ws).(*wire.Connected); !ok {
		t.Fatal("expected connected")
	}

	send(t, ws, wire.Auth{AuthKey: testKey, DeviceID: deviceID})
	success, ok := recv(t, ws).(*wire.AuthSuccess)
	if !ok {
		t.Fatal("expected auth.success")
	}
	if success.DeviceID != deviceID {
		t.Fatalf("auth.success for %q, want %q", success.DeviceID, deviceID)
	}
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, sessionID string) *wire.Subscribed {
	t.Helper()
	send(t, ws, wire.Subscribe{ID: "sub-" + sessionID, SessionID: sessionID})
	sub, ok := recv(t, ws).(*wire.Subscribed)
	if !ok {
		t.Fatal("expected session.subscribed")
	}
	return sub
}

func TestConnectRejectsUnknownTunnel(t *testing.T) {
	env := newTestEnv(t)
	ws := dial(t, env)

	send(t, ws, wire.Connect{TunnelID: "someone-else", AuthKey: testKey, DeviceID: "d1"})
	errMsg, ok := recv(t, ws).(*wire.Error)
	if !ok {
		t.Fatal("expected error")
	}
	if errMsg.Code != CodeInvalidTunnel {
		t.Fatalf("code = %q, want %q", errMsg.Code, CodeInvalidTunnel)
	}
}

func TestAuthRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)
	ws := dial(t, env)

	send(t, ws, wire.Connect{TunnelID: testTunnel, AuthKey: "wrong", DeviceID: "d1"})
	if _, ok := recv(t, ws).(*wire.Connected); !ok {
		t.Fatal("expected connected")
	}

	send(t, ws, wire.Auth{AuthKey: "wrong", DeviceID: "d1"})
	authErr, ok := recv(t, ws).(*wire.AuthError)
	if !ok {
		t.Fatal("expected auth.error")
	}
	if authErr.Code != CodeInvalidAuthKey {
		t.Fatalf("code = %q, want %q", authErr.Code, CodeInvalidAuthKey)
	}
}

func TestHandshakeAnnouncesWorkstation(t *testing.T) {
	env := newTestEnv(t)
	ws := dial(t, env)

	send(t, ws, wire.Connect{TunnelID: testTunnel, AuthKey: testKey, DeviceID: "d1", Reconnect: true})
	connected, ok := recv(t, ws).(*wire.Connected)
	if !ok {
		t.Fatal("expected connected")
	}
	if !connected.Restored {
		t.Fatal("restored flag not echoed for a reconnect")
	}

	send(t, ws, wire.Auth{AuthKey: testKey, DeviceID: "d1"})
	success, ok := recv(t, ws).(*wire.AuthSuccess)
	if !ok {
		t.Fatal("expected auth.success")
	}
	if success.WorkstationName != "bench" || success.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected workstation identity: %+v", success)
	}
	if success.RestoredSubscriptions == nil || len(success.RestoredSubscriptions) != 0 {
		t.Fatalf("restored subscriptions = %v, want empty list", success.RestoredSubscriptions)
	}
}

func TestMessagesGatedUntilAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	ws := dial(t, env)

	send(t, ws, wire.Connect{TunnelID: testTunnel, AuthKey: testKey, DeviceID: "d1"})
	if _, ok := recv(t, ws).(*wire.Connected); !ok {
		t.Fatal("expected connected")
	}

	send(t, ws, wire.Heartbeat{ID: "hb-1", Timestamp: 1})
	errMsg, ok := recv(t, ws).(*wire.Error)
	if !ok {
		t.Fatal("expected error")
	}
	if errMsg.Code != CodeNotAuthenticated {
		t.Fatalf("code = %q, want %q", errMsg.Code, CodeNotAuthenticated)
	}
}

func TestPingPongBeforeAuth(t *testing.T) {
	env := newTestEnv(t)
	ws := dial(t, env)

	send(t, ws, wire.Ping{Timestamp: 12345})
	pong, ok := recv(t, ws).(*wire.Pong)
	if !ok {
		t.Fatal("expected pong")
	}
	if pong.Timestamp != 12345 {
		t.Fatalf("timestamp = %d, want 12345", pong.Timestamp)
	}
}

func TestHeartbeatAckCarriesUptime(t *testing.T) {
	env := newTestEnv(t)
	ws := authenticate(t, env, "d1")

	send(t, ws, wire.Heartbeat{ID: "hb-1", Timestamp: 99})
	ack, ok := recv(t, ws).(*wire.HeartbeatAck)
	if !ok {
		t.Fatal("expected heartbeat.ack")
	}
	if ack.ID != "hb-1" || ack.Timestamp != 99 {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.WorkstationUptimeMs < 0 {
		t.Fatalf("uptime = %d", ack.WorkstationUptimeMs)
	}
}

func TestSubscribeElectsMasterAndReplaysRecentHistory(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})

	for _, chunk := range []string{"one", "two", "three"} {
		if _, err := env.srv.PublishTerminal(sess.ID, chunk); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	a := authenticate(t, env, "device-a")
	subA := subscribe(t, a, sess.ID)
	if subA.IsMaster == nil || !*subA.IsMaster {
		t.Fatal("first subscriber should be master")
	}
	if subA.Cols != 80 || subA.Rows != 24 {
		t.Fatalf("size = %dx%d, want default 80x24", subA.Cols, subA.Rows)
	}
	if len(subA.History) != 3 || subA.History[0].Seq != 1 {
		t.Fatalf("history = %+v", subA.History)
	}

	b := authenticate(t, env, "device-b")
	subB := subscribe(t, b, sess.ID)
	if subB.IsMaster == nil || *subB.IsMaster {
		t.Fatal("second subscriber must not be master")
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	ws := authenticate(t, env, "d1")

	send(t, ws, wire.Subscribe{ID: "s1", SessionID: "no-such"})
	errMsg, ok := recv(t, ws).(*wire.Error)
	if !ok {
		t.Fatal("expected error")
	}
	if errMsg.Code != CodeSessionNotFound || errMsg.ID != "s1" {
		t.Fatalf("error = %+v", errMsg)
	}
}

func TestResizeRequiresMaster(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})

	a := authenticate(t, env, "device-a")
	b := authenticate(t, env, "device-b")
	subscribe(t, a, sess.ID)
	subscribe(t, b, sess.ID)

	send(t, a, wire.Resize{ID: "r1", SessionID: sess.ID, Cols: 120, Rows: 40})
	resized, ok := recv(t, a).(*wire.Resized)
	if !ok {
		t.Fatal("expected resized")
	}
	if !resized.Success || resized.Cols != 120 || resized.Rows != 40 {
		t.Fatalf("master resize failed: %+v", resized)
	}

	send(t, b, wire.Resize{ID: "r2", SessionID: sess.ID, Cols: 10, Rows: 10})
	denied, ok := recv(t, b).(*wire.Resized)
	if !ok {
		t.Fatal("expected resized")
	}
	if denied.Success || denied.Reason != wire.ReasonNotMaster {
		t.Fatalf("non-master resize = %+v", denied)
	}
}

func TestMasterReleasedOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})

	a := authenticate(t, env, "device-a")
	subA := subscribe(t, a, sess.ID)
	if subA.IsMaster == nil || !*subA.IsMaster {
		t.Fatal("first subscriber should be master")
	}
	_ = a.Close()

	b := authenticate(t, env, "device-b")
	deadline := time.Now().Add(2 * time.Second)
	for {
		sub := subscribe(t, b, sess.ID)
		if sub.IsMaster != nil && *sub.IsMaster {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("master slot never released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresenceAnnouncements(t *testing.T) {
	env := newTestEnv(t)
	ws := authenticate(t, env, "device-a")

	env.srv.AnnounceOnline()
	online, ok := recv(t, ws).(*wire.WorkstationOnline)
	if !ok {
		t.Fatal("expected connection.workstation_online")
	}
	if online.TunnelID != testTunnel {
		t.Fatalf("online for tunnel %q, want %q", online.TunnelID, testTunnel)
	}

	env.srv.AnnounceOffline()
	if _, ok := recv(t, ws).(*wire.WorkstationOffline); !ok {
		t.Fatal("expected connection.workstation_offline")
	}
}

func TestStaleSocketCloseKeepsMaster(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})

	// The device reconnects: the fresh socket replaces its registry entry
	// while the stale one is still open.
	stale := authenticate(t, env, "device-a")
	fresh := authenticate(t, env, "device-a")

	sub := subscribe(t, fresh, sess.ID)
	if sub.IsMaster == nil || !*sub.IsMaster {
		t.Fatal("first subscriber should be master")
	}

	// Closing the stale socket must not run disconnect side effects for
	// the device; the master slot belongs to the live connection.
	_ = stale.Close()
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, ok := env.sessions.Get(sess.ID)
		if !ok {
			t.Fatal("session gone")
		}
		if got.MasterDeviceID == nil || *got.MasterDeviceID != "device-a" {
			t.Fatal("stale socket close released the master slot held by the live connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	send(t, fresh, wire.Resize{ID: "rs-1", SessionID: sess.ID, Cols: 100, Rows: 30})
	resized, ok := recv(t, fresh).(*wire.Resized)
	if !ok {
		t.Fatal("expected session.resized")
	}
	if !resized.Success {
		t.Fatalf("resize rejected with reason %q, master lost", resized.Reason)
	}
}

func TestReplayChunksInOrder(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})
	for _, chunk := range []string{"a", "b", "c", "d", "e"} {
		if _, err := env.srv.PublishTerminal(sess.ID, chunk); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ws := authenticate(t, env, "d1")
	send(t, ws, wire.Replay{ID: "rp-1", SessionID: sess.ID, SinceTimestamp: 0, Limit: 2})

	var seqs []int64
	for {
		data, ok := recv(t, ws).(*wire.ReplayData)
		if !ok {
			t.Fatal("expected replay_data")
		}
		for _, e := range data.Messages {
			seqs = append(seqs, e.Sequence)
		}
		if !data.HasMore {
			break
		}
	}

	want := []int64{1, 2, 3, 4, 5}
	if len(seqs) != len(want) {
		t.Fatalf("seqs = %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("seqs = %v, want %v", seqs, want)
		}
	}
}

func TestHistoryRequestNullSessionIsSupervisor(t *testing.T) {
	env := newTestEnv(t)
	ws := authenticate(t, env, "d1")

	// Supervisor traffic is stored under the sentinel channel.
	if _, err := env.srv.store.Append("", model.Message{
		Role:     model.RoleSystem,
		Blocks:   []model.ContentBlock{{Type: model.BlockText, Text: "boot"}},
		Complete: true,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	send(t, ws, wire.HistoryRequest{ID: "h1", SessionID: nil, Limit: 10})
	resp, ok := recv(t, ws).(*wire.HistoryResponse)
	if !ok {
		t.Fatal("expected history.response")
	}
	if resp.SessionID != nil {
		t.Fatal("supervisor response should keep sessionId null")
	}
	if len(resp.History) != 1 || resp.History[0].Seq != 1 {
		t.Fatalf("history = %+v", resp.History)
	}
}

func TestHistoryPagesBackward(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionAgent})
	for i := 0; i < 5; i++ {
		if _, err := env.srv.PublishTerminal(sess.ID, "row"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ws := authenticate(t, env, "d1")
	send(t, ws, wire.HistoryRequest{ID: "h1", SessionID: &sess.ID, BeforeSequence: 4, Limit: 2})
	resp, ok := recv(t, ws).(*wire.HistoryResponse)
	if !ok {
		t.Fatal("expected history.response")
	}
	if len(resp.History) != 2 || resp.History[0].Seq != 2 || resp.History[1].Seq != 3 {
		t.Fatalf("history = %+v", resp.History)
	}
	if !resp.HasMore || resp.OldestSequence != 2 {
		t.Fatalf("hasMore=%v oldest=%d", resp.HasMore, resp.OldestSequence)
	}
}

func TestInputAckedAndFannedOut(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionAgent})

	a := authenticate(t, env, "device-a")
	b := authenticate(t, env, "device-b")
	subscribe(t, a, sess.ID)
	subscribe(t, b, sess.ID)

	blocks := []model.ContentBlock{{Type: model.BlockText, Text: "run the tests"}}
	send(t, a, wire.SessionInput{ID: "in-1", SessionID: sess.ID, MessageID: "msg-1", Blocks: blocks})

	ack, ok := recv(t, a).(*wire.MessageAck)
	if !ok {
		t.Fatal("expected message.ack")
	}
	if ack.ID != "in-1" || ack.MessageID != "msg-1" || ack.Sequence != 1 {
		t.Fatalf("ack = %+v", ack)
	}

	out, ok := recv(t, b).(*wire.SessionOutput)
	if !ok {
		t.Fatal("expected session.output on the other device")
	}
	if out.ContentType != wire.ContentChat || !out.IsComplete || out.Sequence != 1 {
		t.Fatalf("output = %+v", out)
	}
	if len(out.Blocks) != 1 || out.Blocks[0].Text != "run the tests" {
		t.Fatalf("blocks = %+v", out.Blocks)
	}
}

func TestConcurrentFirstChunksShareOneStream(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionAgent})

	// Racing first chunks must not each open a streaming row; one wins,
	// the rest update it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		blocks := []model.ContentBlock{{Type: model.BlockText, Text: strconv.Itoa(i)}}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.srv.PublishChatChunk(sess.ID, blocks, false); err != nil {
				t.Errorf("publish: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, _, _, err := env.store.GetPage(sess.ID, 0, 50)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d streaming rows, want 1", len(rows))
	}
	streamingID, _, _ := env.sessions.StreamState(sess.ID)
	if streamingID != rows[0].ID {
		t.Fatalf("streaming slot %q does not match the open row %q", streamingID, rows[0].ID)
	}

	final, err := env.srv.PublishChatChunk(sess.ID, []model.ContentBlock{{Type: model.BlockText, Text: "done"}}, true)
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if final.ID != rows[0].ID || !final.Complete {
		t.Fatalf("final = %+v, want completion of %q", final, rows[0].ID)
	}
	if id, _, _ := env.sessions.StreamState(sess.ID); id != "" {
		t.Fatalf("streaming slot %q not freed after completion", id)
	}
}

func TestStreamingChunksShareIdAndSequence(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionAgent})

	first, err := env.srv.PublishChatChunk(sess.ID, []model.ContentBlock{{Type: model.BlockText, Text: "Thi"}}, false)
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	// A device joining mid-stream sees the open message in the
	// subscribe payload.
	ws := authenticate(t, env, "d1")
	sub := subscribe(t, ws, sess.ID)
	if sub.StreamingMessageID != first.ID {
		t.Fatalf("streamingMessageId = %q, want %q", sub.StreamingMessageID, first.ID)
	}
	if len(sub.CurrentStreamingBlocks) != 1 || sub.CurrentStreamingBlocks[0].Text != "Thi" {
		t.Fatalf("streaming blocks = %+v", sub.CurrentStreamingBlocks)
	}

	if _, err := env.srv.PublishChatChunk(sess.ID, []model.ContentBlock{{Type: model.BlockText, Text: "Thinking"}}, false); err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	chunk, ok := recv(t, ws).(*wire.SessionOutput)
	if !ok {
		t.Fatal("expected session.output")
	}
	if chunk.StreamingMessageID != first.ID || chunk.Sequence != first.Seq || chunk.IsComplete {
		t.Fatalf("chunk = %+v", chunk)
	}

	final, err := env.srv.PublishChatChunk(sess.ID, []model.ContentBlock{{Type: model.BlockText, Text: "Thinking done"}}, true)
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if final.ID != first.ID || final.Seq != first.Seq || !final.Complete {
		t.Fatalf("final = %+v", final)
	}
	last, ok := recv(t, ws).(*wire.SessionOutput)
	if !ok {
		t.Fatal("expected final session.output")
	}
	if !last.IsComplete || last.Blocks[0].Text != "Thinking done" {
		t.Fatalf("last = %+v", last)
	}

	// The stream slot is free again.
	streamingID, _, _ := env.sessions.StreamState(sess.ID)
	if streamingID != "" {
		t.Fatalf("stream slot still held by %q", streamingID)
	}
}

func TestTerminalOutputFansOutLive(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create(session.CreateParams{Type: model.SessionTerminal})

	ws := authenticate(t, env, "d1")
	subscribe(t, ws, sess.ID)

	seq, err := env.srv.PublishTerminal(sess.ID, "$ make\n")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	out, ok := recv(t, ws).(*wire.SessionOutput)
	if !ok {
		t.Fatal("expected session.output")
	}
	if out.ContentType != wire.ContentTerminal || out.Content != "$ make\n" || out.Sequence != seq {
		t.Fatalf("output = %+v", out)
	}
}
