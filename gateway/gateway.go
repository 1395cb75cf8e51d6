// Package gateway implements a single gateway session: the websocket
// connection, its heartbeat, the identify and resume handshakes and the
// dispatch of events to registered handlers.
//
// A Gateway is driven either by Connect, which reconnects on its own, or by
// an external supervisor calling Open and waiting on Done.
package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/cordwire/cordwire/api"
	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/internal/backoff"
	"github.com/cordwire/cordwire/internal/lazytime"
	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/utils/handler"
	"github.com/cordwire/cordwire/utils/heart"
	"github.com/cordwire/cordwire/utils/httputil"
	"github.com/cordwire/cordwire/utils/ws"
)

// Options configures a Gateway.
type Options struct {
	// Compress enables zlib-stream transport compression.
	Compress bool
	// Reconnect makes Connect retry recoverable failures. If false, Connect
	// returns the first error.
	Reconnect bool
	// ReconnectBackoff is the base of the exponential delay between
	// reconnects.
	ReconnectBackoff time.Duration
	// HandshakeTimeout bounds the time Open waits for READY or RESUMED.
	HandshakeTimeout time.Duration

	// SilenceFactor times the heartbeat interval is the longest tolerated gap
	// without any inbound frame.
	SilenceFactor int
	// HighLatency is the heartbeat latency above which a warning is logged.
	HighLatency time.Duration

	// MinInvalidSessionDelay and MaxInvalidSessionDelay bound the random delay
	// before identifying again after a non-resumable invalid session.
	MinInvalidSessionDelay time.Duration
	MaxInvalidSessionDelay time.Duration

	// FatalCloseCodes are the close codes that end the session for good.
	FatalCloseCodes []int

	// DialLimiter throttles dials. It defaults to a fresh ws.NewDialLimiter
	// per Gateway; gateways created from the same Options share a non-nil one.
	DialLimiter *rate.Limiter

	// NewConnection creates the websocket driver. It defaults to the
	// gorilla/websocket driver.
	NewConnection func(ws.Codec) ws.Connection

	// Handlers receives every event. Sharing one registry between gateways
	// gives a single place to register handlers.
	Handlers *handler.Registry[Event]
	Logger   *logrus.Entry
	Metrics  *metrics.Metrics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Compress:               true,
		Reconnect:              true,
		ReconnectBackoff:       time.Second,
		HandshakeTimeout:       time.Minute,
		SilenceFactor:          heart.DefaultSilenceFactor,
		HighLatency:            heart.DefaultHighLatency,
		MinInvalidSessionDelay: 1 * time.Second,
		MaxInvalidSessionDelay: 5 * time.Second,
		FatalCloseCodes:        DefaultFatalCloseCodes,
	}
}

// Gateway is one gateway session.
type Gateway struct {
	ws         *ws.Websocket
	opts       Options
	identifier *Identifier
	handlers   *handler.Registry[Event]
	log        *logrus.Entry
	schema     httputil.DefaultSchema

	url       string
	sessionID atomic.String
	resumeURL atomic.String
	sequence  atomic.Int64
	status    atomic.Int32
	latency   atomic.Duration
	userID    atomic.Uint64

	randMu sync.Mutex
	rand   *rand.Rand
	sleep  func(context.Context, time.Duration) error

	mutex  sync.Mutex
	conn   *connection
	closed bool
}

// connection is the state of one websocket connection.
type connection struct {
	ops    <-chan ws.Op
	pacer  *heart.Pacemaker
	pacerr chan error
	log    *logrus.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	done chan struct{}
	err  error
}

// New fetches the gateway URL and creates an unsharded Gateway for token.
func New(ctx context.Context, token string, opts Options) (*Gateway, error) {
	u, err := api.NewClient("Bot "+token).GatewayURL(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gateway endpoint")
	}

	return NewWithIdentifier(u, DefaultIdentifier(token), opts), nil
}

// NewWithIdentifier creates a Gateway that connects to gatewayURL. The URL is
// given without query string.
func NewWithIdentifier(gatewayURL string, id *Identifier, opts Options) *Gateway {
	newConn := opts.NewConnection
	if newConn == nil {
		newConn = func(c ws.Codec) ws.Connection { return ws.NewConn(c) }
	}
	if opts.Handlers == nil {
		opts.Handlers = handler.New[Event]()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.FatalCloseCodes == nil {
		opts.FatalCloseCodes = DefaultFatalCloseCodes
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}

	sock := ws.NewCustomWebsocket(newConn(ws.NewCodec()), gatewayURL)
	sock.SendLimiter().OnWait = opts.Metrics.RateLimited
	if opts.DialLimiter != nil {
		sock.SetDialLimiter(opts.DialLimiter)
	}

	return &Gateway{
		ws:         sock,
		opts:       opts,
		identifier: id,
		handlers:   opts.Handlers,
		log:        opts.Logger.WithField("shard", id.ShardID()),
		url:        gatewayURL,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      lazytime.Sleep,
	}
}

// Identifier returns the identifier of the gateway.
func (g *Gateway) Identifier() *Identifier { return g.identifier }

// Handlers returns the handler registry.
func (g *Gateway) Handlers() *handler.Registry[Event] { return g.handlers }

// ShardID returns the shard of the gateway.
func (g *Gateway) ShardID() int { return g.identifier.ShardID() }

// Status returns the current status.
func (g *Gateway) Status() Status { return Status(g.status.Load()) }

// Latency returns the last heartbeat latency.
func (g *Gateway) Latency() time.Duration { return g.latency.Load() }

// Me returns the ID of the connected user, known after READY.
func (g *Gateway) Me() discord.UserID { return discord.UserID(g.userID.Load()) }

// State returns a snapshot of the resumable session state.
func (g *Gateway) State() State {
	return State{
		SessionID: g.sessionID.Load(),
		Sequence:  g.sequence.Load(),
		ResumeURL: g.resumeURL.Load(),
	}
}

// SetState restores a session, for example one saved by a previous process.
// It must not be called while the gateway is open.
func (g *Gateway) SetState(s State) {
	g.sessionID.Store(s.SessionID)
	g.sequence.Store(s.Sequence)
	g.resumeURL.Store(s.ResumeURL)
}

// AddHandler adds a handler for the event name. Use handler.Any to receive
// every event.
func (g *Gateway) AddHandler(name string, fn func(Event)) (rm func()) {
	return g.handlers.Add(name, fn)
}

// WaitFor blocks until an event of name for which fn returns true is
// dispatched. A nil fn matches anything.
func (g *Gateway) WaitFor(ctx context.Context, name string, fn func(Event) bool) (Event, error) {
	return g.handlers.WaitFor(ctx, name, fn)
}

// Open connects and completes the handshake. It resumes if resume is true and
// the session can be resumed, otherwise it identifies. Open returns once
// READY or RESUMED is received; the connection then runs in the background
// until Done is closed.
func (g *Gateway) Open(ctx context.Context, resume bool) error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return ErrClosed
	}
	prev := g.conn
	g.mutex.Unlock()

	if prev != nil {
		prev.stop()
		<-prev.done
	}

	resume = resume && g.State().CanResume()

	// The identify wait is not bounded by HandshakeTimeout: shards queue on
	// the shared limiters for as long as ctx allows.
	if !resume {
		g.setStatus(Connecting)
		if err := g.identifier.Wait(ctx); err != nil {
			g.setStatus(Reconnecting)
			return errors.Wrap(err, "can't wait for identify")
		}
		if g.isClosed() {
			return ErrClosed
		}
	}

	addr, err := g.dialURL(resume)
	if err != nil {
		return errors.Wrap(err, "failed to make gateway URL")
	}
	g.ws.SetAddr(addr)

	if g.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.HandshakeTimeout)
		defer cancel()
	}

	g.setStatus(Connecting)

	ops, err := g.ws.Dial(ctx)
	if err != nil {
		g.setStatus(Reconnecting)
		return errors.Wrap(err, "failed to dial gateway")
	}

	c := g.newConnection(ops)

	g.mutex.Lock()
	g.conn = c
	closed := g.closed
	g.mutex.Unlock()

	if closed {
		c.stop()
	}

	if err := g.handshake(ctx, c, resume); err != nil {
		g.finish(c, err)
		return err
	}

	go func() { g.finish(c, g.loop(c.ctx, c, nil)) }()
	return nil
}

// Connect opens the gateway and keeps it connected until ctx is done, Close
// is called or a fatal error occurs. Recoverable failures are retried after
// a backoff delay, resuming whenever possible.
func (g *Gateway) Connect(ctx context.Context) error {
	timer := backoff.NewTimer(g.opts.ReconnectBackoff)
	defer timer.Stop()

	var resume bool

	for {
		err := g.Open(ctx, resume)
		if err == nil {
			select {
			case <-g.Done():
				err = g.Err()
			case <-ctx.Done():
				g.Close()
				return ctx.Err()
			}
			if err == nil {
				return nil
			}
		}

		if g.isClosed() {
			return nil
		}

		var fatal bool
		resume, fatal = classify(err, g.opts.FatalCloseCodes)
		if fatal || !g.opts.Reconnect {
			return err
		}

		g.opts.Metrics.Reconnect(metrics.SocketGateway, resume)
		g.log.WithError(err).WithField("resume", resume).Info("reconnecting to the gateway")

		if _, err := timer.Sleep(ctx); err != nil {
			g.Close()
			return err
		}
	}
}

// Done returns a channel that is closed when the current connection ends. It
// is already closed if the gateway was never opened.
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
// It is a *ReconnectError or a *FatalError, or nil after Close.
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

// Close stops the heartbeat, closes the connection with code 1000 and waits
// for the background loop to exit. The session cannot be resumed afterwards.
func (g *Gateway) Close() error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return nil
	}
	g.closed = true
	c := g.conn
	g.mutex.Unlock()

	if c != nil {
		c.stop()
		<-c.done
	}

	g.setStatus(Closed)
	return nil
}

func (g *Gateway) isClosed() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.closed
}

// Send sends a command through the send rate limiter.
func (g *Gateway) Send(ctx context.Context, code ws.OpCode, v interface{}) error {
	op, err := ws.NewOp(code, v)
	if err != nil {
		return err
	}
	return g.ws.SendOp(ctx, op)
}

// UpdateVoiceState asks to join, move or leave a voice channel.
func (g *Gateway) UpdateVoiceState(ctx context.Context, cmd UpdateVoiceStateCommand) error {
	return g.Send(ctx, UpdateVoiceStateOP, cmd)
}

// UpdatePresence changes the presence of the connected user.
func (g *Gateway) UpdatePresence(ctx context.Context, cmd UpdatePresenceCommand) error {
	if cmd.Activities == nil {
		cmd.Activities = []Activity{}
	}
	return g.Send(ctx, UpdatePresenceOP, cmd)
}

// RequestGuildMembers requests GUILD_MEMBERS_CHUNK events for a guild.
func (g *Gateway) RequestGuildMembers(ctx context.Context, cmd RequestGuildMembersCommand) error {
	return g.Send(ctx, RequestGuildMembersOP, cmd)
}

func (g *Gateway) setStatus(s Status) { g.status.Store(int32(s)) }

func (g *Gateway) dialURL(resume bool) (string, error) {
	base := g.url
	if resume {
		if u := g.resumeURL.Load(); u != "" {
			base = u
		}
	}

	q := gatewayQuery{Version: Version, Encoding: Encoding}
	if g.opts.Compress {
		q.Compress = "zlib-stream"
	}

	return httputil.AddQuery(&g.schema, base, q)
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

func (c *connection) stop() {
	c.stopped.Store(true)
	c.cancel()
}

func (g *Gateway) handshake(ctx context.Context, c *connection, resume bool) error {
	op, err := ws.ReadOp(ctx, c.ops)
	if err != nil {
		return errors.Wrap(err, "failed to wait for HELLO")
	}
	if op.Code == ws.CloseOp {
		return g.closeError(op.Err)
	}
	if op.Code != HelloOP {
		return ErrMissingHello
	}

	var hello HelloEvent
	if err := op.UnmarshalData(&hello); err != nil {
		return err
	}

	g.startPacemaker(c, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

	if resume {
		g.setStatus(Resuming)
		if err := g.sendResume(ctx); err != nil {
			return errors.Wrap(err, "failed to send RESUME")
		}
	} else {
		g.setStatus(Identifying)
		if err := g.sendIdentify(ctx); err != nil {
			return errors.Wrap(err, "failed to send IDENTIFY")
		}
	}

	return g.loop(ctx, c, func(op ws.Op) bool {
		if op.Code != DispatchOP {
			return false
		}
		return op.Type == ReadyEventName || op.Type == ResumedEventName
	})
}

func (g *Gateway) startPacemaker(c *connection, interval time.Duration) {
	p := heart.NewPacemaker(interval, g.sendHeartbeat)
	p.SilenceFactor = g.opts.SilenceFactor
	p.HighLatency = g.opts.HighLatency
	p.Logger = c.log
	p.OnLatency = func(d time.Duration) {
		g.latency.Store(d)
		g.opts.Metrics.ObserveHeartbeat(metrics.SocketGateway, d)
	}

	c.pacer = p
	go func() { c.pacerr <- p.Run(c.ctx) }()
}

// loop handles ops until one matches until, the connection ends or ctx is
// done. A nil until never matches.
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
			return &ReconnectError{Resume: true, Err: err}

		case op, ok := <-c.ops:
			if !ok {
				return &ReconnectError{Resume: true, Err: ws.ErrWebsocketClosed}
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
		return g.closeError(op.Err)

	case ws.ErrorOp:
		c.log.WithError(op.Err).Debug("ignoring malformed payload")

	case HeartbeatOP:
		if err := g.sendHeartbeat(ctx); err != nil {
			return &ReconnectError{Resume: true, Err: errors.Wrap(err, "failed to answer heartbeat request")}
		}
		c.pacer.SentBeat.Store(time.Now())

	case HeartbeatAckOP:
		c.pacer.Echo()

	case ReconnectOP:
		c.log.Info("gateway requested a reconnect")
		return &ReconnectError{Resume: true, Err: ErrReconnectRequested}

	case InvalidSessionOP:
		var resumable InvalidSessionEvent
		if err := op.UnmarshalData(&resumable); err != nil {
			c.log.WithError(err).Debug("malformed INVALID_SESSION, assuming not resumable")
		}

		if bool(resumable) && g.State().CanResume() {
			return &ReconnectError{Resume: true, Err: ErrInvalidSession}
		}

		g.resetSession()

		if err := g.sleep(ctx, g.invalidSessionDelay()); err != nil {
			return err
		}
		return &ReconnectError{Resume: false, Err: ErrInvalidSession}

	case HelloOP:
		c.log.Debug("ignoring unexpected HELLO")

	case DispatchOP:
		g.handleDispatch(c, op)

	default:
		c.log.WithField("op", op.Code).Debug("ignoring unknown op")
	}

	return nil
}

func (g *Gateway) handleDispatch(c *connection, op ws.Op) {
	// The sequence must be updated before any handler runs.
	if op.Sequence > 0 {
		g.sequence.Store(op.Sequence)
	}

	ev := Event{
		Name:     string(op.Type),
		Data:     op.Data,
		Sequence: op.Sequence,
		ShardID:  g.ShardID(),
	}

	if newFn, ok := EventParsers[ev.Name]; ok {
		v := newFn()
		if err := op.UnmarshalData(v); err != nil {
			c.log.WithError(err).WithField("event", ev.Name).Debug("ignoring malformed event")
			return
		}
		ev.Value = v
	} else {
		c.log.WithField("event", ev.Name).Debug("dispatching event without a parser")
	}

	switch v := ev.Value.(type) {
	case *ReadyEvent:
		g.sessionID.Store(v.SessionID)
		g.resumeURL.Store(v.ResumeGatewayURL)
		g.userID.Store(uint64(v.User.ID))
		g.setStatus(Ready)
	case *ResumedEventData:
		g.setStatus(Ready)
	}

	g.opts.Metrics.Dispatched(ev.Name)
	g.handlers.Dispatch(ev.Name, ev)

	if ev.Name == ResumedEventName {
		g.handlers.Dispatch(ResumedEvent, Event{Name: ResumedEvent, ShardID: ev.ShardID})
	}
}

// finish tears down a connection. The heartbeat is stopped before the socket
// is closed.
func (g *Gateway) finish(c *connection, err error) {
	c.cancel()

	if c.stopped.Load() {
		err = nil
	}

	_, fatal := classify(err, g.opts.FatalCloseCodes)

	// Any code other than 1000 and 1001 keeps the session resumable.
	code := 4000
	if err == nil || fatal {
		code = 1000
	}
	if cerr := g.ws.Close(code); cerr != nil && !errors.Is(cerr, ws.ErrWebsocketClosed) {
		ws.WSDebug("error closing gateway websocket:", cerr)
	}

	switch {
	case err == nil:
		g.setStatus(Closed)
	case fatal:
		g.setStatus(Closed)
		c.log.WithError(err).Error("gateway closed fatally")
	default:
		g.setStatus(Reconnecting)
		c.log.WithError(err).Info("gateway connection lost")
	}

	g.opts.Metrics.Closed(metrics.SocketGateway, ws.CloseCode(err))

	c.err = err
	close(c.done)

	shard := g.ShardID()
	g.handlers.Dispatch(DisconnectEvent, Event{Name: DisconnectEvent, ShardID: shard, Value: err})
	g.handlers.Dispatch(ShardDisconnectEvent, Event{Name: ShardDisconnectEvent, ShardID: shard, Value: err})
}

func (g *Gateway) closeError(err error) error {
	code := ws.CloseCode(err)
	if code != -1 && isFatalCode(g.opts.FatalCloseCodes, code) {
		return &FatalError{Code: code, Err: err}
	}
	return &ReconnectError{Resume: true, Err: err}
}

func (g *Gateway) sendHeartbeat(ctx context.Context) error {
	op, err := ws.NewOp(HeartbeatOP, HeartbeatCommand{Sequence: g.sequence.Load()})
	if err != nil {
		return err
	}

	b, err := op.Marshal()
	if err != nil {
		return err
	}

	// Heartbeats skip the send rate limiter.
	return g.ws.SendNow(ctx, b)
}

// sendIdentify sends IDENTIFY. Open has already waited for the identify
// limiters.
func (g *Gateway) sendIdentify(ctx context.Context) error {
	return g.Send(ctx, IdentifyOP, g.identifier.IdentifyCommand)
}

func (g *Gateway) sendResume(ctx context.Context) error {
	s := g.State()
	return g.Send(ctx, ResumeOP, ResumeCommand{
		Token:     g.identifier.Token,
		SessionID: s.SessionID,
		Sequence:  s.Sequence,
	})
}

func (g *Gateway) resetSession() {
	g.sessionID.Store("")
	g.sequence.Store(0)
	g.resumeURL.Store("")
}

func (g *Gateway) invalidSessionDelay() time.Duration {
	min, max := g.opts.MinInvalidSessionDelay, g.opts.MaxInvalidSessionDelay
	if max <= min {
		return min
	}

	g.randMu.Lock()
	defer g.randMu.Unlock()

	return min + time.Duration(g.rand.Int63n(int64(max-min)+1))
}
