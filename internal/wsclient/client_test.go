package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"

	"github.com/tripmate/realtime/internal/protocol"
)

// fakeGateway answers every intent. "fail" intents get an error result and
// "send_message" also pushes message_received before the result.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}

			var reply []byte
			switch env.Type {
			case "fail":
				reply, _ = protocol.NewErrorResult(env.Type, env.ReqID, "not_found", "chat not found")
			case protocol.TypeSendMessage:
				push, _ := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{ChatID: "c1"})
				_ = wsutil.WriteServerMessage(conn, ws.OpText, push)
				reply, _ = protocol.NewResult(env.Type, env.ReqID, map[string]string{"echo": string(env.Raw)})
			default:
				reply, _ = protocol.NewResult(env.Type, env.ReqID, map[string]string{"echo": string(env.Raw)})
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, reply); err != nil {
				return
			}
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func TestRequestCorrelatesResult(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.Request(ctx, protocol.TypeGetChats, protocol.GetChatsMsg{UserID: "u1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var out struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.Contains(out.Echo, `"user_id":"u1"`) || !strings.Contains(out.Echo, `"type":"get_chats"`) {
		t.Errorf("server saw frame %s", out.Echo)
	}
	if m := c.Metrics(); m.MessagesSent != 1 || m.MessagesReceived != 1 {
		t.Errorf("metrics = %+v, want 1 sent and 1 received", m)
	}
}

func TestRequestErrorResult(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Request(ctx, "fail", nil)
	var re *ResultError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ResultError", err)
	}
	if re.Code != "not_found" || re.Message != "chat not found" || re.Intent != "fail" {
		t.Errorf("ResultError = %+v", re)
	}
}

func TestExpectReceivesPush(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	next := c.Expect(protocol.TypeMessageReceived)
	if _, err := c.Request(ctx, protocol.TypeSendMessage, protocol.SendMessageMsg{ChatID: "c1", SenderID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	data, err := next(ctx)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	var push protocol.MessageReceivedMsg
	if err := json.Unmarshal(data, &push); err != nil || push.ChatID != "c1" {
		t.Errorf("push = %s (%v)", data, err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx, protocol.TypeBlocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	c.mu.Lock()
	left := len(c.waiters[protocol.TypeBlocked])
	c.mu.Unlock()
	if left != 0 {
		t.Errorf("%d waiters left after timeout", left)
	}
}

func TestOnHandler(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)

	seen := make(chan struct{}, 1)
	c.On(protocol.TypeMessageReceived, func(json.RawMessage) { seen <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, protocol.TypeSendMessage, protocol.SendMessageMsg{ChatID: "c1", SenderID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	select {
	case <-seen:
	case <-ctx.Done():
		t.Fatal("handler not called")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRequestAfterClose(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dial(t, srv)
	c.Close()
	c.Close()

	_, err := c.Request(context.Background(), protocol.TypePing, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame(protocol.TypeJoinRoom, "r1", protocol.JoinRoomMsg{ChatID: "c1"})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	msg, err := protocol.ParseClientMessage(frame)
	if err == nil {
		t.Fatal("ParseClientMessage accepted a non-uuid chat id")
	}
	if msg.Type != protocol.TypeJoinRoom || msg.ReqID != "r1" {
		t.Errorf("header = %q/%q", msg.Type, msg.ReqID)
	}

	if _, err := encodeFrame("bad", "r2", []string{"x"}); err == nil {
		t.Error("encodeFrame accepted a non-object payload")
	}
}
