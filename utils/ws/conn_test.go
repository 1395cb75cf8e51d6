package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// newTestServer starts a websocket server that runs script for every
// connection.
func newTestServer(t *testing.T, script func(*websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func compressFrames(t *testing.T, msgs ...string) [][]byte {
	t.Helper()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)

	var frames [][]byte
	for _, msg := range msgs {
		w.Write([]byte(msg))
		if err := w.Flush(); err != nil {
			t.Fatal("flush failed:", err)
		}
		frames = append(frames, append([]byte(nil), buf.Bytes()...))
		buf.Reset()
	}

	return frames
}

func TestConnections(t *testing.T) {
	frames := compressFrames(t,
		`{"op":0,"s":2,"t":"READY","d":{"session_id":"abc"}}`,
		`{"op":11,"d":null}`,
	)

	script := func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))

		// The first message is split across two websocket messages.
		half := len(frames[0]) / 2
		conn.WriteMessage(websocket.BinaryMessage, frames[0][:half])
		conn.WriteMessage(websocket.BinaryMessage, frames[0][half:])
		conn.WriteMessage(websocket.BinaryMessage, frames[1])

		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye"))
		time.Sleep(50 * time.Millisecond)
	}

	drivers := map[string]func(Codec) Connection{
		"gorilla": func(c Codec) Connection { return NewConn(c) },
		"nhooyr":  func(c Codec) Connection { return NewNhooyrConn(c) },
	}

	for name, newConn := range drivers {
		t.Run(name, func(t *testing.T) {
			addr := newTestServer(t, script)
			conn := newConn(NewCodec())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ops, err := conn.Dial(ctx, addr)
			if err != nil {
				t.Fatal("failed to dial:", err)
			}

			var got []Op
			for op := range ops {
				got = append(got, op)
			}

			if len(got) != 5 {
				t.Fatalf("expected 5 ops, got %d: %+v", len(got), got)
			}

			if got[0].Code != 10 || !strings.Contains(string(got[0].Data), "41250") {
				t.Errorf("unexpected hello op: %+v", got[0])
			}
			if got[1].Code != ErrorOp {
				t.Errorf("expected malformed payload to become an error op, got %+v", got[1])
			}
			if got[2].Code != 0 || got[2].Type != "READY" || got[2].Sequence != 2 {
				t.Errorf("unexpected dispatch op: %+v", got[2])
			}
			if got[3].Code != 11 {
				t.Errorf("unexpected ack op: %+v", got[3])
			}

			last := got[4]
			if last.Code != CloseOp {
				t.Fatalf("expected close op last, got %+v", last)
			}
			if code := CloseCode(last.Err); code != 4000 {
				t.Errorf("expected close code 4000, got %d (%v)", code, last.Err)
			}

			conn.Close(0)
		})
	}
}

func TestWebsocketSend(t *testing.T) {
	received := make(chan string, 4)

	addr := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(b)
		}
	})

	ws := NewWebsocket(NewCodec(), addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := ws.Dial(ctx); err != nil {
		t.Fatal("failed to dial:", err)
	}
	defer ws.Close(1000)

	op, err := NewOp(1, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.SendOp(ctx, op); err != nil {
		t.Fatal("failed to send:", err)
	}
	if err := ws.SendNow(ctx, []byte(`{"op":1,"d":5}`)); err != nil {
		t.Fatal("failed to send heartbeat:", err)
	}

	for _, want := range []string{`{"op":1,"d":null}`, `{"op":1,"d":5}`} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}

	if rem := ws.SendLimiter().Remaining(); rem != DefaultSendRate-1 {
		t.Errorf("heartbeat should bypass the send bucket, %d tokens left", rem)
	}
}
