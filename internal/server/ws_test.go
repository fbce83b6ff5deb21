package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) schema.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg schema.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

// awaitFrame reads frames until one matches. Status changes and other
// broadcast chatter interleave freely, so tests match on what they need.
func awaitFrame(t *testing.T, conn *websocket.Conn, what string, match func(schema.Message) bool) schema.Message {
	t.Helper()
	for i := 0; i < 32; i++ {
		msg := readFrame(t, conn)
		if match(msg) {
			return msg
		}
	}
	t.Fatalf("no %s frame arrived", what)
	return schema.Message{}
}

func createLiveSession(t *testing.T, fb *fakeBroker, ad *fakeAdapter) string {
	t.Helper()
	rt, err := fb.CreateSession(broker.CreateRequest{Adapter: string(schema.AdapterACP), Cwd: "/work"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	waitUntil(t, func() bool { return ad.lastBackend() != nil }, "backend to connect")
	return rt.ID()
}

func TestConsumerPlaneRoundTrip(t *testing.T) {
	srv, fb, ad := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := createLiveSession(t, fb, ad)
	conn := dialWS(t, ts, "/ws/consumer?sessionId="+id)

	first := readFrame(t, conn)
	if first.Type != schema.TypeSessionInit {
		t.Fatalf("first frame type = %s, want %s", first.Type, schema.TypeSessionInit)
	}
	if first.SessionID != id {
		t.Errorf("init session id = %s, want %s", first.SessionID, id)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user_message", "content": "hi there"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	awaitFrame(t, conn, "message_queued", func(m schema.Message) bool {
		return m.Type == schema.TypeSystem && m.MetaString("subtype") == "message_queued"
	})

	// Backend activity opens the turn; the queued message releases to it.
	ad.lastBackend().emit(&schema.Message{
		Type:   schema.TypeAssistant,
		Role:   schema.RoleAssistant,
		Blocks: []schema.Block{schema.TextBlock("hello back")},
	})
	reply := awaitFrame(t, conn, "assistant", func(m schema.Message) bool {
		return m.Type == schema.TypeAssistant
	})
	if reply.Text() != "hello back" {
		t.Errorf("assistant text = %q, want %q", reply.Text(), "hello back")
	}
	waitUntil(t, func() bool {
		for _, text := range ad.lastBackend().sentTexts() {
			if text == "hi there" {
				return true
			}
		}
		return false
	}, "queued message to reach the backend")
}

func TestConsumerBadFramesGetErrorReplies(t *testing.T) {
	srv, fb, ad := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := createLiveSession(t, fb, ad)
	conn := dialWS(t, ts, "/ws/consumer?sessionId="+id)
	readFrame(t, conn) // session_init

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errFrame := awaitFrame(t, conn, "parse error", func(m schema.Message) bool {
		return m.Type == schema.TypeError
	})
	if !strings.Contains(errFrame.Text(), "invalid frame") {
		t.Errorf("error text = %q, want invalid frame mention", errFrame.Text())
	}

	if err := conn.WriteJSON(map[string]string{"type": "warp_drive", "request_id": "req-7"}); err != nil {
		t.Fatalf("write unknown command: %v", err)
	}
	errFrame = awaitFrame(t, conn, "reject", func(m schema.Message) bool {
		return m.Type == schema.TypeError && m.MetaString("request_id") == "req-7"
	})
	if !strings.Contains(errFrame.Text(), "unknown command type") {
		t.Errorf("error text = %q, want unknown command type mention", errFrame.Text())
	}
}

func TestConsumerStaticTokenAuth(t *testing.T) {
	ap, err := auth.NewProvider(config.AuthConfig{Mode: "static-token", Token: "tok-1"})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	srv, fb, ad := newTestServer(t, nil, ap)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := createLiveSession(t, fb, ad)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/consumer?sessionId="+id), nil)
	if err == nil {
		t.Fatal("dial without token succeeded, want handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %+v, want 401", resp)
	}

	conn := dialWS(t, ts, "/ws/consumer?sessionId="+id+"&token=tok-1")
	first := readFrame(t, conn)
	if first.Type != schema.TypeSessionInit {
		t.Fatalf("first frame type = %s, want %s", first.Type, schema.TypeSessionInit)
	}
}

func TestConsumerHandshakeValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/consumer"), nil)
	if err == nil {
		t.Fatal("dial without sessionId succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sessionId: status = %+v, want 400", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/ws/consumer?sessionId=s-ghost"), nil)
	if err == nil {
		t.Fatal("dial unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status = %+v, want 404", resp)
	}
}

func TestConsumerConnectionLimit(t *testing.T) {
	srv, fb, ad := newTestServer(t, nil, nil) // MaxConsumerConns = 2
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := createLiveSession(t, fb, ad)
	first := dialWS(t, ts, "/ws/consumer?sessionId="+id)
	readFrame(t, first)
	second := dialWS(t, ts, "/ws/consumer?sessionId="+id)
	readFrame(t, second)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/consumer?sessionId="+id), nil)
	if err == nil {
		t.Fatal("third dial succeeded, want connection limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("over limit: status = %+v, want 503", resp)
	}

	// Closing a connection frees its slot once the handler unwinds.
	first.Close()
	waitUntil(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/consumer?sessionId="+id), nil)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, "freed consumer slot")
}

func TestBackendGatewayDeliversSocket(t *testing.T) {
	srv, fb, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := fb.sockets.Register("s-wait"); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := make(chan *adapter.BackendSocket, 1)
	go func() {
		sock, err := fb.sockets.Await(context.Background(), "s-wait")
		if err != nil {
			return
		}
		got <- sock
	}()

	client := dialWS(t, ts, "/ws/backend?sessionId=s-wait")

	var sock *adapter.BackendSocket
	select {
	case sock = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("socket never delivered to the registry")
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	frame, err := sock.ReadFrame()
	if err != nil {
		t.Fatalf("socket read: %v", err)
	}
	if string(frame) != `{"type":"ping"}` {
		t.Errorf("frame = %s, want the ping", frame)
	}

	if err := sock.WriteFrame([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("socket write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("reply = %s, want the pong", data)
	}
}

func TestBackendGatewayRefusesUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/backend"), nil)
	if err == nil {
		t.Fatal("dial without sessionId succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sessionId: status = %+v, want 400", resp)
	}

	// Unknown sessions upgrade and then get a close frame, so the CLI side
	// sees a policy violation instead of a dangling connection.
	conn := dialWS(t, ts, "/ws/backend?sessionId=s-nobody")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read err = %v, want policy violation close", err)
	}
}
