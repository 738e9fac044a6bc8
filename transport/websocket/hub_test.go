package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"snake-dqn/game"
	"snake-dqn/game/types"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, want int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < want {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestHub_BroadcastDisplay(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, hub, srv, 1)
	b := dial(t, hub, srv, 2)

	hub.BroadcastDisplay(game.Display{
		GameID: "g1",
		Snake:  []types.Point{{X: 2, Y: 3}, {X: 1, Y: 3}},
		Food:   types.Point{X: 5, Y: 5},
		Score:  4,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Event != "display" || msg.Display == nil {
			t.Fatalf("message = %+v", msg)
		}
		if msg.Display.GameID != "g1" || msg.Display.Score != 4 || len(msg.Display.Snake) != 2 {
			t.Fatalf("display = %+v", msg.Display)
		}
		if msg.Display.Food != (types.Point{X: 5, Y: 5}) {
			t.Fatalf("food = %v", msg.Display.Food)
		}
	}
}

func TestHub_BroadcastEvent(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, 1)

	hub.BroadcastEvent("crash", map[string]int{"score": 7})

	msg := readMessage(t, conn)
	if msg.Event != "crash" || msg.Display != nil {
		t.Fatalf("message = %+v", msg)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok || data["score"] != float64(7) {
		t.Fatalf("data = %#v", msg.Data)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, 1)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StoppedHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if n := hub.Clients(); n != 0 {
		t.Fatalf("Clients() = %d after stop", n)
	}
	// Publishing without a running loop must not block.
	for i := 0; i < sendBuffer*2; i++ {
		hub.BroadcastEvent("tick", i)
	}
}
