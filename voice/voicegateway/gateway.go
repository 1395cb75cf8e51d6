// Package voicegateway implements the voice websocket: the HELLO, IDENTIFY or
// RESUME handshake, the timestamp heartbeat and the protocol selection that
// yields the encryption key.
//
// The close codes that end a connection are reported through Err; deciding
// how to recover is left to the owner of the Gateway.
package voicegateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/utils/handler"
	"github.com/cordwire/cordwire/utils/heart"
	"github.com/cordwire/cordwire/utils/httputil"
	"github.com/cordwire/cordwire/utils/ws"
)

var (
	// ErrMissingHello is returned if the first op is not HELLO.
	ErrMissingHello = errors.New("first op was not HELLO")
	// ErrNoSessionDescription is returned if the connection ends before the
	// session description arrives.
	ErrNoSessionDescription = errors.New("no session description received")
)

// State is what the main gateway hands over to join a voice server.
type State struct {
	GuildID   discord.GuildID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

// Options configures a Gateway.
type Options struct {
	// HandshakeTimeout bounds the time Open waits for READY or RESUMED.
	HandshakeTimeout time.Duration
	SilenceFactor    int
	HighLatency      time.Duration

	// NewConnection creates the websocket driver. It defaults to the
	// gorilla/websocket driver.
	NewConnection func(ws.Codec) ws.Connection
	// DialLimiter throttles dials. It defaults to ws.NewDialLimiter.
	DialLimiter *rate.Limiter

	Logger  *logrus.Entry
	Metrics *metrics.Metrics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 30 * time.Second,
		SilenceFactor:    heart.DefaultSilenceFactor,
		HighLatency:      heart.DefaultHighLatency,
	}
}

// Gateway is a voice websocket. It can be opened again after its connection
// ends, resuming the same voice session.
type Gateway struct {
	ws       *ws.Websocket
	opts     Options
	log      *logrus.Entry
	schema   httputil.DefaultSchema
	handlers *handler.Registry[Event]

	latency atomic.Duration

	mutex sync.Mutex
	state State
	ready ReadyEvent
	conn  *connection
}

type connection struct {
	ops    <-chan ws.Op
	pacer  *heart.Pacemaker
	pacerr chan error
	log    *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	stopped   atomic.Bool
	closeCode atomic.Int32

	done chan struct{}
	err  error
}

// New creates a Gateway for state. Nothing is dialed until Open.
func New(state State, opts Options) *Gateway {
	newConn := opts.NewConnection
	if newConn == nil {
		newConn = func(c ws.Codec) ws.Connection { return ws.NewConn(c) }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	sock := ws.NewCustomWebsocket(newConn(ws.NewCodec()), "")
	sock.SendLimiter().OnWait = opts.Metrics.RateLimited
	if opts.DialLimiter != nil {
		sock.SetDialLimiter(opts.DialLimiter)
	}

	return &Gateway{
		ws:       sock,
		opts:     opts,
		log:      opts.Logger.WithField("guild", state.GuildID),
		handlers: handler.New[Event](),
		state:    state,
	}
}

// State returns the voice session state.
func (g *Gateway) State() State {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.state
}

// SetState replaces the state used by the next Open, for example after the
// voice server changed.
func (g *Gateway) SetState(s State) {
	g.mutex.Lock()
	g.state = s
	g.mutex.Unlock()
}

// Ready returns the READY of the session. It is zero before the first
// successful identify.
func (g *Gateway) Ready() ReadyEvent {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.ready
}

// Latency returns the last heartbeat latency.
func (g *Gateway) Latency() time.Duration { return g.latency.Load() }

// AddHandler adds a handler for ops received after the handshake, named by
// OpName.
func (g *Gateway) AddHandler(name string, fn func(Event)) (rm func()) {
	return g.handlers.Add(name, fn)
}

// Open dials the voice server and completes the handshake, resuming the
// voice session if resume is true. It returns once READY or RESUMED is
// received; the connection then runs in the background until Done is
// closed.
func (g *Gateway) Open(ctx context.Context, resume bool) error {
	g.mutex.Lock()
	prev := g.conn
	state := g.state
	g.mutex.Unlock()

	if prev != nil {
		prev.stop(1000)
		<-prev.done
	}

	addr, err := g.endpointURL(state.Endpoint)
	if err != nil {
		return errors.Wrap(err, "failed to make voice gateway URL")
	}
	g.ws.SetAddr(addr)

	if g.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.HandshakeTimeout)
		defer cancel()
	}

	ops, err := g.ws.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to dial voice gateway")
	}

	c := g.newConnection(ops)

	g.mutex.Lock()
	g.conn = c
	g.mutex.Unlock()

	if err := g.handshake(ctx, c, state, resume); err != nil {
		g.finish(c, err)
		return err
	}

	go func() { g.finish(c, g.loop(c.ctx, c, nil)) }()
	return nil
}

// Done returns a channel that is closed when the current connection ends.
func (g *Gateway) Done() <-chan struct{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return g.conn.done
}

// Err returns the error that ended the last connection once Done is closed.
// It is nil if the connection was closed with Close. Use ws.CloseCode to get
// the close code sent by the server.
func (g *Gateway) Err() error {
	g.mutex.Lock()
	c := g.conn
	g.mutex.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops the heartbeat, closes the connection with code and waits for
// the background loop to exit. Codes other than 1000 keep the voice session
// resumable.
func (g *Gateway) Close(code int) error {
	g.mutex.Lock()
	c := g.conn
	g.mutex.Unlock()

	if c == nil {
		return nil
	}

	c.stop(code)
	<-c.done
	return nil
}

// Send sends a command through the send rate limiter.
func (g *Gateway) Send(ctx context.Context, code ws.OpCode, v interface{}) error {
	op, err := ws.NewOp(code, v)
	if err != nil {
		return err
	}
	return g.ws.SendOp(ctx, op)
}

// SelectProtocol sends the discovered address and the chosen mode and waits
// for the session description holding the secret key.
func (g *Gateway) SelectProtocol(ctx context.Context, data SelectProtocolData) (*SessionDescriptionEvent, error) {
	g.mutex.Lock()
	c := g.conn
	g.mutex.Unlock()

	if c == nil {
		return nil, ErrNoSessionDescription
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Register before sending so the reply cannot be missed.
	expect := g.handlers.Expect(SessionDescriptionEventName, nil)

	cmd := SelectProtocolCommand{Protocol: "udp", Data: data}
	if err := g.Send(ctx, SelectProtocolOP, cmd); err != nil {
		cancel()
		expect(ctx) // unregisters
		return nil, errors.Wrap(err, "failed to send SELECT_PROTOCOL")
	}

	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ev, err := expect(ctx)
	if err != nil {
		if c.isDone() {
			return nil, ErrNoSessionDescription
		}
		return nil, err
	}

	return ev.Value.(*SessionDescriptionEvent), nil
}

// Speaking sends a SPEAKING command for the session SSRC.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	return g.Send(ctx, SpeakingOP, SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     g.Ready().SSRC,
	})
}

func (g *Gateway) endpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("no voice endpoint")
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	return httputil.AddQuery(&g.schema, endpoint, voiceQuery{Version: Version})
}

func (g *Gateway) newConnection(ops <-chan ws.Op) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ops:    ops,
		pacerr: make(chan error, 1),
		log:    g.log.WithField("conn", uuid.NewString()),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *connection) stop(code int) {
	if c.stopped.CompareAndSwap(false, true) {
		c.closeCode.Store(int32(code))
	}
	c.cancel()
}

func (c *connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (g *Gateway) handshake(ctx context.Context, c *connection, state State, resume bool) error {
	op, err := ws.ReadOp(ctx, c.ops)
	if err != nil {
		return errors.Wrap(err, "failed to wait for HELLO")
	}
	if op.Code == ws.CloseOp {
		return op.Err
	}
	if op.Code != HelloOP {
		return ErrMissingHello
	}

	var hello HelloEvent
	if err := op.UnmarshalData(&hello); err != nil {
		return err
	}

	g.startPacemaker(c, hello.Interval())

	send, until := IdentifyOP, ReadyOP
	if resume {
		send, until = ResumeOP, ResumedOP
		err = g.Send(ctx, send, ResumeCommand{
			GuildID:   state.GuildID,
			SessionID: state.SessionID,
			Token:     state.Token,
		})
	} else {
		err = g.Send(ctx, send, IdentifyCommand{
			GuildID:   state.GuildID,
			UserID:    state.UserID,
			SessionID: state.SessionID,
			Token:     state.Token,
		})
	}
	if err != nil {
		return errors.Wrapf(err, "failed to send %s", OpName(send))
	}

	return g.loop(ctx, c, func(op ws.Op) bool { return op.Code == until })
}

func (g *Gateway) startPacemaker(c *connection, interval time.Duration) {
	p := heart.NewPacemaker(interval, g.sendHeartbeat)
	p.SilenceFactor = g.opts.SilenceFactor
	p.HighLatency = g.opts.HighLatency
	p.Logger = c.log
	p.OnLatency = func(d time.Duration) {
		g.latency.Store(d)
		g.opts.Metrics.ObserveHeartbeat(metrics.SocketVoice, d)
	}

	c.pacer = p
	go func() { c.pacerr <- p.Run(c.ctx) }()
}

func (g *Gateway) loop(ctx context.Context, c *connection, until func(ws.Op) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return c.ctx.Err()

		case err := <-c.pacerr:
			if err == nil {
				return context.Canceled
			}
			return err

		case op, ok := <-c.ops:
			if !ok {
				return ws.ErrWebsocketClosed
			}
			if err := g.handleOp(ctx, c, op); err != nil {
				return err
			}
			if until != nil && until(op) {
				return nil
			}
		}
	}
}

func (g *Gateway) handleOp(ctx context.Context, c *connection, op ws.Op) error {
	if !op.IsInternal() {
		c.pacer.Received()
	}

	switch op.Code {
	case ws.CloseOp:
		return op.Err

	case ws.ErrorOp:
		c.log.WithError(op.Err).Debug("ignoring malformed voice payload")
		return nil

	case HeartbeatAckOP:
		c.pacer.Echo()
		return nil

	case HelloOP:
		c.log.Debug("ignoring unexpected voice HELLO")
		return nil
	}

	ev := Event{Code: op.Code, Name: OpName(op.Code), Data: op.Data}

	if newFn, ok := EventParsers[op.Code]; ok {
		v := newFn()
		if !op.Data.IsNull() {
			if err := op.UnmarshalData(v); err != nil {
				c.log.WithError(err).WithField("op", ev.Name).Debug("ignoring malformed voice event")
				return nil
			}
		}
		ev.Value = v
	} else {
		c.log.WithField("op", op.Code).Debug("dispatching voice op without a parser")
	}

	if r, ok := ev.Value.(*ReadyEvent); ok {
		g.mutex.Lock()
		g.ready = *r
		g.mutex.Unlock()
	}

	g.handlers.Dispatch(ev.Name, ev)
	return nil
}

func (g *Gateway) finish(c *connection, err error) {
	c.cancel()

	code := 4000
	if c.stopped.Load() {
		err = nil
		code = int(c.closeCode.Load())
	}

	if cerr := g.ws.Close(code); cerr != nil && !errors.Is(cerr, ws.ErrWebsocketClosed) {
		ws.WSDebug("error closing voice websocket:", cerr)
	}

	if err != nil {
		c.log.WithError(err).Info("voice gateway connection lost")
	}

	g.opts.Metrics.Closed(metrics.SocketVoice, ws.CloseCode(err))

	c.err = err
	close(c.done)
}

func (g *Gateway) sendHeartbeat(ctx context.Context) error {
	op, err := ws.NewOp(HeartbeatOP, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	b, err := op.Marshal()
	if err != nil {
		return err
	}

	return g.ws.SendNow(ctx, b)
}
