package ws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const rwBufferSize = 1 << 15 // 32KB

// ErrWebsocketClosed is returned if the websocket is already closed.
var ErrWebsocketClosed = errors.New("websocket is closed")

// Connection abstracts a websocket driver. Implementations must be reusable:
// Dial may be called again after Close.
type Connection interface {
	// Dial connects to addr and returns the channel of incoming ops. The last
	// op before the channel is closed is a CloseOp.
	Dial(ctx context.Context, addr string) (<-chan Op, error)
	// Send writes one text message.
	Send(ctx context.Context, b []byte) error
	// Close closes the connection. A code of 0 drops the connection without a
	// close frame; any other code is sent in a close frame first.
	Close(code int) error
}

// Conn is the default Connection, backed by gorilla/websocket.
type Conn struct {
	Dialer websocket.Dialer
	Codec  Codec

	// CloseTimeout bounds the wait for the close frame write. It defaults
	// to 5s.
	CloseTimeout time.Duration

	mut  sync.Mutex
	conn *gorillaConn
}

type gorillaConn struct {
	*websocket.Conn
	wrmut  chan struct{}
	cancel context.CancelFunc
}

var _ Connection = (*Conn)(nil)

// NewConn creates a gorilla-backed Connection with the default dialer.
func NewConn(codec Codec) *Conn {
	return &Conn{
		Dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   rwBufferSize,
			WriteBufferSize:  rwBufferSize,
		},
		Codec:        codec,
		CloseTimeout: 5 * time.Second,
	}
}

// Dial implements Connection. An existing connection is dropped first.
func (c *Conn) Dial(ctx context.Context, addr string) (<-chan Op, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		c.conn.close(0, c.CloseTimeout)
		c.conn = nil
	}

	conn, _, err := c.Dialer.DialContext(ctx, addr, c.Codec.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial websocket")
	}

	if c.Codec.ReadLimit > 0 {
		conn.SetReadLimit(c.Codec.ReadLimit)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	ops := make(chan Op, 1)
	go readLoop(loopCtx, gorillaReader{conn}, c.Codec, ops, gorillaCloseCode)

	c.conn = &gorillaConn{
		Conn:   conn,
		wrmut:  make(chan struct{}, 1),
		cancel: cancel,
	}

	return ops, nil
}

// Send implements Connection.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil {
		return ErrWebsocketClosed
	}

	select {
	case conn.wrmut <- struct{}{}:
		defer func() { <-conn.wrmut }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	return conn.WriteMessage(websocket.TextMessage, b)
}

// Close implements Connection.
func (c *Conn) Close(code int) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return ErrWebsocketClosed
	}

	err := c.conn.close(code, c.CloseTimeout)
	c.conn = nil

	return err
}

func (c *gorillaConn) close(code int, timeout time.Duration) error {
	WSDebug("Conn: closing websocket with code", code)

	if code != 0 {
		deadline := time.Now().Add(timeout)

		select {
		case c.wrmut <- struct{}{}:
			c.SetWriteDeadline(deadline)

			msg := websocket.FormatCloseMessage(code, "")
			if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
				WSError(errors.Wrap(err, "failed to write close frame"))
			}

			<-c.wrmut

		case <-time.After(timeout):
			// A send is stuck; drop the connection outright.
		}
	}

	err := c.Conn.Close()
	c.cancel()

	return err
}

type gorillaReader struct {
	conn *websocket.Conn
}

func (r gorillaReader) next(ctx context.Context) (bool, io.Reader, error) {
	t, rd, err := r.conn.NextReader()
	if err != nil {
		return false, nil, err
	}
	return t == websocket.BinaryMessage, rd, nil
}

func gorillaCloseCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return -1
}
