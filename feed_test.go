package ember

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestReconnectorBackoff(t *testing.T) {
	cfg := &FeedConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second, MaxReconnectAttempts: 10}
	r := newReconnector(cfg)

	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("delay must not shrink: attempt %d gave %v after %v", i, d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds the cap", d)
		}
		prev = d
	}

	for i := 0; i < 20; i++ {
		if d := r.nextDelay(); d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds the cap", d)
		}
	}
}

func TestReconnectorAttemptLimit(t *testing.T) {
	r := newReconnector(&FeedConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: 3})

	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should still be allowed", i)
		}
		r.nextDelay()
	}
	if r.shouldReconnect() {
		t.Fatal("attempts past the limit must be refused")
	}
}

func TestReconnectorResetAfterStableConnection(t *testing.T) {
	r := newReconnector(&FeedConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second, MaxReconnectAttempts: 3})
	r.nextDelay()
	r.nextDelay()
	r.nextDelay()
	if r.shouldReconnect() {
		t.Fatal("limit should be exhausted")
	}

	r.connectedAt = time.Now().Add(-2 * time.Minute)
	r.nextDelay()
	if r.attempt != 1 {
		t.Fatalf("a long-lived connection must reset the attempt counter, got %d", r.attempt)
	}
}

func TestFeedDispatchInsert(t *testing.T) {
	f := NewFeed("http://example.invalid", &FeedConfig{})
	var got []Message
	f.OnInsert(func(p InsertPayload) { got = append(got, p.Message) })

	payload, _ := json.Marshal(InsertPayload{Message: Message{ID: "m-1", ChatID: "chat-1", Content: "hi"}})
	f.dispatch(FeedEnvelope{Type: "message.insert", Payload: payload})

	if len(got) != 1 || got[0].ID != "m-1" {
		t.Fatalf("insert not dispatched: %+v", got)
	}

	f.dispatch(FeedEnvelope{Type: "message.insert", Payload: []byte(`{broken`)})
	if len(got) != 1 {
		t.Fatal("malformed payload must be dropped")
	}

	f.dispatch(FeedEnvelope{Type: "unknown.event", Payload: payload})
	if len(got) != 1 {
		t.Fatal("unknown event types must be ignored")
	}
}

func TestFeedInitialState(t *testing.T) {
	f := NewFeed("http://example.invalid", &FeedConfig{})
	if f.State() != FeedDisconnected {
		t.Fatalf("new feed must be disconnected, got %s", f.State())
	}
}

func TestFeedDisconnectFiresMetaEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		<-r.Context().Done()
	}))
	defer server.Close()

	reasons := make(chan string, 2)

	t.Run("with a live connection", func(t *testing.T) {
		f := NewFeed(server.URL, &FeedConfig{})
		f.OnDisconnected(func(reason string) { reasons <- reason })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := f.Disconnect(); err != nil {
			t.Fatalf("disconnect: %v", err)
		}

		select {
		case reason := <-reasons:
			if reason != "client disconnect" {
				t.Fatalf("unexpected reason %q", reason)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("disconnected meta-event never fired")
		}
		if f.State() != FeedDisconnected {
			t.Fatalf("state = %s after disconnect", f.State())
		}
	})

	t.Run("without a connection", func(t *testing.T) {
		f := NewFeed(server.URL, &FeedConfig{})
		f.OnDisconnected(func(reason string) { reasons <- reason })
		if err := f.Disconnect(); err != nil {
			t.Fatalf("disconnect: %v", err)
		}
		select {
		case <-reasons:
		case <-time.After(time.Second):
			t.Fatal("disconnected meta-event never fired")
		}
	})
}

func TestFeedConnectAndSubscribe(t *testing.T) {
	type command struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	commands := make(chan command, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("token") != "tok-1" {
			t.Errorf("token not forwarded")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd command
		if json.Unmarshal(data, &cmd) == nil {
			commands <- cmd
		}

		// Push one insert for the subscribed chat.
		env, _ := json.Marshal(map[string]interface{}{
			"type":    "message.insert",
			"payload": InsertPayload{Message: Message{ID: "m-1", ChatID: "chat-1", AuthorID: "user-2", Content: "pushed"}},
		})
		if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
			return
		}
		<-ctx.Done()
	}))
	defer server.Close()

	f := NewFeed(server.URL, &FeedConfig{Token: "tok-1"})
	inserts := make(chan Message, 1)
	f.OnInsert(func(p InsertPayload) { inserts <- p.Message })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer f.Disconnect()

	if f.State() != FeedConnected {
		t.Fatalf("state = %s after connect", f.State())
	}

	unsub, err := f.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	select {
	case cmd := <-commands:
		if cmd.Type != "subscribe" || cmd.Payload["chatId"] != "chat-1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the subscribe command")
	}

	select {
	case msg := <-inserts:
		if msg.ID != "m-1" || msg.Content != "pushed" {
			t.Fatalf("unexpected insert %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pushed insert never reached the handler")
	}
}
