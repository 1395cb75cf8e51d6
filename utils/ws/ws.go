// Package ws provides the websocket layer shared by the main and voice
// gateways: pluggable drivers, the op envelope, zlib-stream decoding and send
// throttling.
package ws

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// WSError is called with errors that cannot be returned to a caller.
	WSError = func(err error) { logrus.WithError(err).Error("websocket error") }
	// WSDebug is used for verbose transport logging. It behaves like
	// log.Println.
	WSDebug = func(v ...interface{}) { logrus.Debugln(v...) }
)

// Websocket wraps a Connection with send and dial throttling.
type Websocket struct {
	mutex sync.Mutex
	conn  Connection
	addr  string

	sendLimiter *RateLimiter
	dialLimiter *rate.Limiter
}

// NewWebsocket creates an undialed Websocket using the default driver.
func NewWebsocket(codec Codec, addr string) *Websocket {
	return NewCustomWebsocket(NewConn(codec), addr)
}

// NewCustomWebsocket creates an undialed Websocket using conn.
func NewCustomWebsocket(conn Connection, addr string) *Websocket {
	return &Websocket{
		conn:        conn,
		addr:        addr,
		sendLimiter: NewSendLimiter(),
		dialLimiter: NewDialLimiter(),
	}
}

// SetAddr changes the address used by the next Dial.
func (ws *Websocket) SetAddr(addr string) {
	ws.mutex.Lock()
	ws.addr = addr
	ws.mutex.Unlock()
}

// Addr returns the address used by Dial.
func (ws *Websocket) Addr() string {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return ws.addr
}

// SendLimiter returns the limiter used by Send.
func (ws *Websocket) SendLimiter() *RateLimiter {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return ws.sendLimiter
}

// Dial waits for the dial limiter, then connects. Every connection gets a
// fresh send bucket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Op, error) {
	ws.mutex.Lock()
	dialLimiter := ws.dialLimiter
	ws.mutex.Unlock()

	if err := dialLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	onWait := ws.sendLimiter.OnWait
	ws.sendLimiter = NewSendLimiter()
	ws.sendLimiter.OnWait = onWait

	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b once the send bucket permits it.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	ws.mutex.Lock()
	limiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	if err := limiter.Block(ctx); err != nil {
		return err
	}

	return conn.Send(ctx, b)
}

// SendNow sends b without touching the send bucket. It is meant for
// heartbeats.
func (ws *Websocket) SendNow(ctx context.Context, b []byte) error {
	ws.mutex.Lock()
	conn := ws.conn
	ws.mutex.Unlock()

	return conn.Send(ctx, b)
}

// SendOp marshals op and sends it through Send.
func (ws *Websocket) SendOp(ctx context.Context, op Op) error {
	b, err := op.Marshal()
	if err != nil {
		return err
	}
	return ws.Send(ctx, b)
}

// Close closes the connection with the given close code. See
// Connection.Close.
func (ws *Websocket) Close(code int) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(code)
}

// SetDialLimiter replaces the limiter that throttles Dial. Shards that share
// one identity should share one dial limiter.
func (ws *Websocket) SetDialLimiter(l *rate.Limiter) {
	ws.mutex.Lock()
	ws.dialLimiter = l
	ws.mutex.Unlock()
}
