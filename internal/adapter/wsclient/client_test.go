package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// echoServer accepts one WebSocket session per request and echoes every frame.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestClientRoundTrip(t *testing.T) {
	srv := echoServer(t)

	frames := make(chan []byte, 8)
	var connectedHooks atomic.Int64
	client := New(Config{
		URL: wsURL(srv),
		Handler: func(frame []byte) error {
			select {
			case frames <- append([]byte(nil), frame...):
			default:
			}
			return nil
		},
		OnConnected: func(context.Context) error {
			connectedHooks.Add(1)
			return nil
		},
	})

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()

	if connectedHooks.Load() != 1 {
		t.Fatalf("connected hooks: %d", connectedHooks.Load())
	}

	sent := map[string]string{"op": "subscribe", "symbol": "BTC-USDT"}
	if err := client.Send(context.Background(), sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-frames:
		var got map[string]string
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if got["op"] != "subscribe" || got["symbol"] != "BTC-USDT" {
			t.Fatalf("echoed frame: %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame echoed back")
	}
}

func TestClientStopWithoutStart(t *testing.T) {
	client := New(Config{URL: "ws://127.0.0.1:0"})
	done := make(chan struct{})
	go func() {
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked for a client that never started")
	}
}

func TestClientSendBeforeStart(t *testing.T) {
	client := New(Config{URL: "ws://127.0.0.1:0"})
	if err := client.Send(context.Background(), "x"); err == nil {
		t.Fatal("send without a connection must fail")
	}
}

func TestClientStartCancelled(t *testing.T) {
	// Nothing listens here; Start must honor caller cancellation instead of
	// retrying until the ready timeout.
	client := New(Config{URL: "ws://127.0.0.1:1", MaxReconnectInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := client.Start(ctx); err == nil {
		t.Fatal("start against a dead endpoint must fail")
	}
	client.Stop()
}

func TestClientStopIsIdempotentAfterSession(t *testing.T) {
	srv := echoServer(t)
	client := New(Config{URL: wsURL(srv)})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.Stop()

	if err := client.Send(context.Background(), "late"); err == nil {
		t.Fatal("send after stop must fail")
	}
}
