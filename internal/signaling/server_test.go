package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heartbeam/calling/internal/auth"
	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	srv, err := NewServer(ServerConfig{
		Verifier: auth.InsecureVerifier{},
		Logger:   slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, m
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func wsBaseURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestClient(t *testing.T, ts *httptest.Server, uid identity.UserID) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:        wsBaseURL(ts),
		Credential: uid.String(),
		LocalID:    uid,
		Logger:     slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	t.Cleanup(c.Close)
	return c
}

func waitMsg(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signaling message")
		return Message{}
	}
}

func waitMsgType(t *testing.T, ch <-chan Message, want MessageType) Message {
	t.Helper()
	for {
		msg := waitMsg(t, ch)
		if msg.Type == want {
			return msg
		}
	}
}

func waitCount(t *testing.T, m *metrics.Metrics, event string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get(event) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("metric %s never incremented", event)
}

func TestRelayHappyPath(t *testing.T) {
	_, ts, _ := newTestServer(t)
	ctx := context.Background()
	roomID := identity.NewRoomID(1, 2)

	c1 := newTestClient(t, ts, 1)
	c2 := newTestClient(t, ts, 2)
	ch1, cancel1 := c1.Subscribe()
	defer cancel1()
	ch2, cancel2 := c2.Subscribe()
	defer cancel2()

	if err := c1.Join(ctx, roomID); err != nil {
		t.Fatalf("c1.Join: %v", err)
	}
	if err := c2.Join(ctx, roomID); err != nil {
		t.Fatalf("c2.Join: %v", err)
	}

	// c1 sees the peer arrive, then readiness. Its own join echo was
	// filtered client side.
	joined := waitMsgType(t, ch1, TypeRoomJoined)
	if joined.SenderID != 2 {
		t.Errorf("room-joined sender = %v, want 2", joined.SenderID)
	}
	waitMsgType(t, ch1, TypeRoomReady)
	waitMsgType(t, ch2, TypeRoomReady)

	offer := Message{
		RoomID:   roomID,
		SenderID: 1,
		Type:     TypeOffer,
		Offer:    &SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	}
	if err := c1.Send(ctx, offer); err != nil {
		t.Fatalf("c1.Send: %v", err)
	}
	got := waitMsgType(t, ch2, TypeOffer)
	if got.Offer == nil || got.Offer.SDP != "v=0\r\n" {
		t.Errorf("relayed offer = %+v", got.Offer)
	}

	answer := Message{
		RoomID:   roomID,
		SenderID: 2,
		Type:     TypeAnswer,
		Answer:   &SessionDescription{Type: "answer", SDP: "v=0\r\n"},
	}
	if err := c2.Send(ctx, answer); err != nil {
		t.Fatalf("c2.Send: %v", err)
	}
	// The next message c1 sees is the answer, never an echo of its own
	// offer.
	next := waitMsg(t, ch1)
	if next.Type != TypeAnswer || next.SenderID != 2 {
		t.Errorf("c1 received %+v, want answer from 2", next)
	}
}

func TestRelayRoomCapacity(t *testing.T) {
	_, ts, m := newTestServer(t)
	ctx := context.Background()
	roomID := identity.NewRoomID(1, 2)

	c1 := newTestClient(t, ts, 1)
	c2 := newTestClient(t, ts, 2)
	if err := c1.Join(ctx, roomID); err != nil {
		t.Fatalf("c1.Join: %v", err)
	}
	if err := c2.Join(ctx, roomID); err != nil {
		t.Fatalf("c2.Join: %v", err)
	}

	// A third identity is turned away after the handshake.
	c3 := newTestClient(t, ts, 3)
	if err := c3.Join(ctx, roomID); err != nil {
		t.Fatalf("c3.Join: %v", err)
	}
	waitCount(t, m, metrics.RoomFull)
}

func TestRelayRejectsBadCredential(t *testing.T) {
	_, ts, m := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/1-2?credential=bogus", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection stayed open with bad credential")
	}
	waitCount(t, m, metrics.AuthFailure)
}

func TestRelayFirstMessageAuth(t *testing.T) {
	_, ts, _ := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/5-6", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"type": "auth", "credential": "5"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	// The join broadcast goes to every member, ourselves included.
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeRoomJoined || msg.SenderID != 5 {
		t.Errorf("first frame = %+v, want own room-joined", msg)
	}
}

func TestRelayDropsSenderSpoof(t *testing.T) {
	_, ts, m := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/5-6?credential=5", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	spoofed := Message{
		RoomID:   "5-6",
		SenderID: 6,
		Type:     TypeStatus,
		Status:   "rejected",
	}
	if err := ws.WriteJSON(spoofed); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCount(t, m, metrics.SignalBadMessage)
}

func TestRelayWrongRoomClosed(t *testing.T) {
	_, ts, m := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/5-6?credential=5", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(Message{RoomID: "7-8", SenderID: 5, Type: TypeStatus, Status: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCount(t, m, metrics.SignalWrongRoom)
}

func TestRelayDuplicateJoinReplaces(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	first, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/1-2?credential=1", nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/ws/rooms/1-2?credential=1", nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// The replaced connection is closed by the server.
	deadline := time.Now().Add(5 * time.Second)
	_ = first.SetReadDeadline(deadline)
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The room still exists with the second connection in it.
	if srv.RoomCount() != 1 {
		t.Errorf("RoomCount = %d, want 1", srv.RoomCount())
	}
}

func TestClientSendErrors(t *testing.T) {
	_, ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, 1)

	msg := Message{RoomID: "1-2", SenderID: 1, Type: TypeStatus, Status: "x"}
	if err := c.Send(ctx, msg); err != ErrNotJoined {
		t.Errorf("Send before join = %v, want ErrNotJoined", err)
	}

	c.Close()
	if err := c.Send(ctx, msg); err != ErrClientClosed {
		t.Errorf("Send after close = %v, want ErrClientClosed", err)
	}
	if err := c.Join(ctx, "1-2"); err != ErrClientClosed {
		t.Errorf("Join after close = %v, want ErrClientClosed", err)
	}
}

func TestClientJoinIdempotent(t *testing.T) {
	_, ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, 1)

	if err := c.Join(ctx, "1-2"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Join(ctx, "1-2"); err != nil {
		t.Fatalf("second Join: %v", err)
	}
}

func TestClientSubscribeCancelTwice(t *testing.T) {
	_, ts, _ := newTestServer(t)
	c := newTestClient(t, ts, 1)

	_, cancel := c.Subscribe()
	cancel()
	cancel()
}

func TestClientLeaveThenRejoin(t *testing.T) {
	_, ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, 1)

	if err := c.Join(ctx, "1-2"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.Leave("1-2")
	if err := c.Send(ctx, Message{RoomID: "1-2", SenderID: 1, Type: TypeStatus, Status: "x"}); err != ErrNotJoined {
		t.Errorf("Send after leave = %v, want ErrNotJoined", err)
	}
	if err := c.Join(ctx, "1-2"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}
