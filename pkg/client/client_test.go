package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/client"
	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/wire"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRoomURL(t *testing.T) {
	for _, tc := range []struct{ base, token, want string }{
		{"http://localhost:8080", "", "ws://localhost:8080/rooms/n1"},
		{"https://notes.example/sync/", "s3cret", "wss://notes.example/sync/rooms/n1?token=s3cret"},
		{"ws://10.0.0.1", "", "ws://10.0.0.1/rooms/n1"},
	} {
		got, err := client.RoomURL(tc.base, "n1", tc.token)
		if err != nil {
			t.Fatalf("%s: %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("RoomURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

// stubServer reads the client's sync-step-1, answers with frames and
// reports the close code the client sends back.
func stubServer(t *testing.T, frames ...wire.Frame) (string, <-chan int) {
	t.Helper()
	closed := make(chan int, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			closed <- 0
			return
		}
		for _, f := range frames {
			if err := wire.WriteFrame(ws, f.Kind, f.Payload); err != nil {
				closed <- 0
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closed <- ce.Code
				} else {
					closed <- 0
				}
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, closed
}

func TestMalformedDeltaEndsTheConnection(t *testing.T) {
	url, closed := stubServer(t, wire.Frame{Kind: wire.Update, Payload: []byte("definitely not automerge")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, url, "n1", client.Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client kept reading after a malformed delta")
	}
	if !errors.Is(c.Err(), notedoc.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", c.Err())
	}
	if err := c.WaitSynced(ctx); err == nil {
		t.Fatal("an ended client must not report synced")
	}
	select {
	case code := <-closed:
		if code != websocket.CloseInvalidFramePayloadData {
			t.Fatalf("expected close 1007, got %d", code)
		}
	case <-ctx.Done():
		t.Fatal("server never saw a close")
	}
}

func TestOutOfOrderUpdatesAreApplied(t *testing.T) {
	author, err := notedoc.New()
	if err != nil {
		t.Fatal(err)
	}
	first, err := notedoc.Insert(author, 0, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	second, err := notedoc.Insert(author, 5, " World")
	if err != nil {
		t.Fatal(err)
	}
	url, _ := stubServer(t,
		wire.Frame{Kind: wire.Update, Payload: second.Raw},
		wire.Frame{Kind: wire.SyncStep2, Payload: first.Raw},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, url, "n1", client.Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.WaitFor(ctx, func(text string) bool { return text == "Hello World" }); err != nil {
		t.Fatalf("got %q: %v", c.Text(), err)
	}
}
