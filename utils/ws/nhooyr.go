package ws

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// NhooyrConn is a Connection backed by nhooyr.io/websocket. Its writes are
// context-aware without deadline juggling.
type NhooyrConn struct {
	Codec   Codec
	Options websocket.DialOptions

	mut    sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

var _ Connection = (*NhooyrConn)(nil)

// NewNhooyrConn creates a new nhooyr-backed Connection.
func NewNhooyrConn(codec Codec) *NhooyrConn {
	return &NhooyrConn{
		Codec: codec,
		Options: websocket.DialOptions{
			HTTPHeader:      codec.Headers,
			CompressionMode: websocket.CompressionDisabled,
		},
	}
}

// Dial implements Connection.
func (c *NhooyrConn) Dial(ctx context.Context, addr string) (<-chan Op, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		c.closeLocked(0)
	}

	opts := c.Options
	conn, _, err := websocket.Dial(ctx, addr, &opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial websocket")
	}

	if c.Codec.ReadLimit > 0 {
		conn.SetReadLimit(c.Codec.ReadLimit)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	ops := make(chan Op, 1)
	go readLoop(loopCtx, nhooyrReader{conn}, c.Codec, ops, nhooyrCloseCode)

	c.conn = conn
	c.cancel = cancel

	return ops, nil
}

// Send implements Connection.
func (c *NhooyrConn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil {
		return ErrWebsocketClosed
	}

	return conn.Write(ctx, websocket.MessageText, b)
}

// Close implements Connection. nhooyr always performs a close handshake, so a
// code of 0 is sent as 4000, which keeps the session resumable.
func (c *NhooyrConn) Close(code int) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return ErrWebsocketClosed
	}

	return c.closeLocked(code)
}

func (c *NhooyrConn) closeLocked(code int) error {
	if code == 0 {
		code = 4000
	}

	err := c.conn.Close(websocket.StatusCode(code), "")
	c.cancel()

	c.conn = nil
	c.cancel = nil

	return err
}

type nhooyrReader struct {
	conn *websocket.Conn
}

func (r nhooyrReader) next(ctx context.Context) (bool, io.Reader, error) {
	t, rd, err := r.conn.Reader(ctx)
	if err != nil {
		return false, nil, err
	}
	return t == websocket.MessageBinary, rd, nil
}

func nhooyrCloseCode(err error) int {
	return int(websocket.CloseStatus(err))
}
