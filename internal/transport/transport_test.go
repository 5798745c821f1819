package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lattice-run/conductor/internal/protocol"
)

func heartbeatMsg() string {
	return `{"type":"HEARTBEAT","timestamp":1,"sender":"agent-1","receiver":"orchestrator","correlationId":"c1","version":"1.0.0","status":"ready","lastHealthCheck":1}`
}

func dial(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestAcceptEmitsConnectionThenMessage(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	tr := New(Config{}, nil, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ts := httptest.NewServer(http.HandlerFunc(tr.Accept))
	defer ts.Close()

	conn := dial(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(heartbeatMsg())); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventConnection {
		t.Fatalf("first event = %v, want CONNECTION", events[0].Type)
	}
	var sawMessage bool
	for _, ev := range events[1:] {
		if ev.Type == EventMessage {
			sawMessage = true
			if ev.Message.Type != protocol.TypeHeartbeat {
				t.Fatalf("message type = %v", ev.Message.Type)
			}
		}
	}
	if !sawMessage {
		t.Fatalf("expected a MESSAGE event, got %+v", events)
	}
}

func TestAcceptRejectsInvalidFrame(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	tr := New(Config{}, nil, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ts := httptest.NewServer(http.HandlerFunc(tr.Accept))
	defer ts.Close()

	conn := dial(t, ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"BOGUS"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	msg, verr := protocol.Validate(raw)
	if verr != nil {
		t.Fatalf("error frame itself failed validation: %v", verr)
	}
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected ERROR frame, got %v", msg.Type)
	}
	if cid, _ := msg.Field("code"); cid != string(protocol.ErrInvalidMessage) {
		t.Fatalf("error code = %v", cid)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		if ev.Type == EventMessage {
			t.Fatalf("invalid frame must not emit MESSAGE event")
		}
	}
}

func TestSendUnknownConnection(t *testing.T) {
	tr := New(Config{}, nil, nil)
	err := tr.Send(context.Background(), "missing", &protocol.Message{})
	if err == nil {
		t.Fatalf("expected error for unknown connection")
	}
}
