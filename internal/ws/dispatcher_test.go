package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[connID] = append(s.frames[connID], data)
	return nil
}

func (s *recordingSender) last(t *testing.T, connID string) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames[connID]
	if len(frames) == 0 {
		t.Fatalf("no frames sent to %s", connID)
	}
	var m map[string]any
	if err := json.Unmarshal(frames[len(frames)-1], &m); err != nil {
		t.Fatalf("invalid frame: %v", err)
	}
	return m
}

func errorCode(t *testing.T, frame map[string]any) string {
	t.Helper()
	body, ok := frame["error"].(map[string]any)
	if !ok {
		t.Fatalf("frame has no error body: %v", frame)
	}
	code, _ := body["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_Ping(t *testing.T) {
	s := newRecordingSender()
	d := NewMessageDispatcher(s, zerolog.Nop())

	d.Dispatch("c1", []byte(`{"type":"ping"}`))

	if got := s.last(t, "c1")["type"]; got != protocol.TypePong {
		t.Errorf("expected pong, got %v", got)
	}
}

func TestDispatch_ResultEchoesReqID(t *testing.T) {
	s := newRecordingSender()
	d := NewMessageDispatcher(s, zerolog.Nop())

	var gotPayload any
	d.Register(protocol.TypeJoinRoom, func(ctx context.Context, connID string, payload any) (any, error) {
		gotPayload = payload
		return map[string]string{"chat_id": payload.(protocol.JoinRoomMsg).ChatID}, nil
	})

	chatID := "8f14e45f-ceea-4e7a-9c4b-1b2b3c4d5e6f"
	d.Dispatch("c1", []byte(`{"type":"join_room","req_id":"r-1","chat_id":"`+chatID+`"}`))

	if _, ok := gotPayload.(protocol.JoinRoomMsg); !ok {
		t.Fatalf("handler got %T", gotPayload)
	}
	frame := s.last(t, "c1")
	if frame["type"] != "join_room_result" {
		t.Errorf("unexpected type %v", frame["type"])
	}
	if frame["req_id"] != "r-1" {
		t.Errorf("req_id not echoed: %v", frame["req_id"])
	}
	if frame["ok"] != true {
		t.Errorf("expected ok=true")
	}
	data, _ := frame["data"].(map[string]any)
	if data["chat_id"] != chatID {
		t.Errorf("unexpected data %v", frame["data"])
	}
}

func TestDispatch_HandlerErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"not found", apperr.NotFound("match.get", "match not found"), "not_found"},
		{"unauthorized", apperr.Unauthorized("match.decline", "not a party"), "unauthorized"},
		{"conflict", apperr.Conflict("chat.post", "chat is archived"), "conflict"},
		{"wrapped", errors.Join(errors.New("ctx"), apperr.BadInput("x", "bad")), "bad_input"},
		{"plain", errors.New("boom"), "internal"},
		{"coded", codeError{code: "rate_limited", msg: "slow down"}, "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newRecordingSender()
			d := NewMessageDispatcher(s, zerolog.Nop())
			d.Register(protocol.TypeGetPendingMatches, func(context.Context, string, any) (any, error) {
				return nil, tt.err
			})

			d.Dispatch("c1", []byte(`{"type":"get_pending_matches"}`))

			frame := s.last(t, "c1")
			if frame["ok"] != false {
				t.Errorf("expected ok=false")
			}
			if got := errorCode(t, frame); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestDispatch_InternalErrorsDoNotLeak(t *testing.T) {
	s := newRecordingSender()
	d := NewMessageDispatcher(s, zerolog.Nop())
	d.Register(protocol.TypeGetPendingMatches, func(context.Context, string, any) (any, error) {
		return nil, errors.New("pq: connection refused on 10.0.0.3")
	})

	d.Dispatch("c1", []byte(`{"type":"get_pending_matches"}`))

	body := s.last(t, "c1")["error"].(map[string]any)
	if body["message"] != "internal error" {
		t.Errorf("internal detail leaked: %v", body["message"])
	}
}

func TestDispatch_PanicRecovered(t *testing.T) {
	s := newRecordingSender()
	d := NewMessageDispatcher(s, zerolog.Nop())
	d.Register(protocol.TypeGetPendingMatches, func(context.Context, string, any) (any, error) {
		panic("nil map")
	})

	d.Dispatch("c1", []byte(`{"type":"get_pending_matches","req_id":"7"}`))

	frame := s.last(t, "c1")
	if frame["type"] != "get_pending_matches_result" || frame["req_id"] != "7" {
		t.Errorf("unexpected frame %v", frame)
	}
	if got := errorCode(t, frame); got != "internal" {
		t.Errorf("code = %q, want internal", got)
	}
}

func TestDispatch_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantCode string
	}{
		{"not json", `{nope`, protocol.TypeError, CodeParseError},
		{"missing type", `{"chat_id":"x"}`, protocol.TypeError, CodeParseError},
		{"unknown type", `{"type":"teleport"}`, "teleport_result", CodeUnsupportedType},
		{"invalid payload", `{"type":"join_room","chat_id":"not-a-uuid"}`, "join_room_result", "bad_input"},
		{"unregistered", `{"type":"get_trip","trip_id":"8f14e45f-ceea-4e7a-9c4b-1b2b3c4d5e6f"}`, "get_trip_result", CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newRecordingSender()
			d := NewMessageDispatcher(s, zerolog.Nop())

			d.Dispatch("c1", []byte(tt.frame))

			frame := s.last(t, "c1")
			if frame["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", frame["type"], tt.wantType)
			}
			var code string
			if tt.wantType == protocol.TypeError {
				code, _ = frame["code"].(string)
			} else {
				code = errorCode(t, frame)
			}
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestDispatch_NilSender(t *testing.T) {
	d := NewMessageDispatcher(nil, zerolog.Nop())
	d.Dispatch("c1", []byte(`{"type":"ping"}`))
}

// ---------------------------------------------------------------------------
// ConnectionManager tests
// ---------------------------------------------------------------------------

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, b := net.Pipe()
	defer b.Close()

	c := newConnection("c1", a, "127.0.0.1:5000")
	cm.Add(c)

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if cm.Get("c1") != c || cm.GetByConn(a) != c {
		t.Fatal("lookup by id or conn failed")
	}
	if len(cm.All()) != 1 {
		t.Fatal("All() should return the connection")
	}

	if !cm.Remove("c1") {
		t.Fatal("first Remove should report true")
	}
	if cm.Remove("c1") {
		t.Error("second Remove should report false")
	}
	if cm.GetByConn(a) != nil {
		t.Error("conn index not cleared")
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("removed connection should be closed")
	}
}
