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

func TestOpenChatReplacesSubscription(t *testing.T) {
	type command struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	commands := make(chan command, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var cmd command
			if json.Unmarshal(data, &cmd) == nil {
				commands <- cmd
			}
		}
	}))
	defer server.Close()

	next := func() command {
		select {
		case cmd := <-commands:
			return cmd
		case <-time.After(5 * time.Second):
			t.Fatal("server never received the expected command")
			return command{}
		}
	}

	client := NewClient(server.URL, "key-1",
		WithRowStore(&fakeRows{}),
		WithObjectStore(&fakeObjects{}),
	)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.OpenChat(ctx, "chat-1", "user-1"); err != nil {
		t.Fatalf("open chat-1: %v", err)
	}
	if cmd := next(); cmd.Type != "subscribe" || cmd.Payload["chatId"] != "chat-1" {
		t.Fatalf("expected subscribe chat-1, got %+v", cmd)
	}

	// Switching chats without CloseChat must release the old subscription
	// before taking the new one.
	if err := client.OpenChat(ctx, "chat-2", "user-1"); err != nil {
		t.Fatalf("open chat-2: %v", err)
	}
	if cmd := next(); cmd.Type != "unsubscribe" || cmd.Payload["chatId"] != "chat-1" {
		t.Fatalf("expected unsubscribe chat-1, got %+v", cmd)
	}
	if cmd := next(); cmd.Type != "subscribe" || cmd.Payload["chatId"] != "chat-2" {
		t.Fatalf("expected subscribe chat-2, got %+v", cmd)
	}

	if client.Session.ActiveChat() != "chat-2" {
		t.Fatalf("active chat = %q", client.Session.ActiveChat())
	}
}
