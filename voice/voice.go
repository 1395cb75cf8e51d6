// Package voice joins voice channels over a main gateway session and streams
// Opus audio to them.
//
// A Connection negotiates the voice session through the main gateway, opens
// the voice websocket and the UDP socket, and keeps both alive: a poller
// resumes or reconnects whenever the voice websocket closes, and follows the
// voice server when it changes.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/internal/backoff"
	"github.com/cordwire/cordwire/internal/lazytime"
	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/voice/opus"
	"github.com/cordwire/cordwire/voice/udp"
	"github.com/cordwire/cordwire/voice/voicegateway"
)

var (
	// ErrAlreadyConnected is returned by Connect if the connection is not
	// disconnected.
	ErrAlreadyConnected = errors.New("already connected to a voice channel")
	// ErrNotConnected is returned by operations that need an established
	// voice connection.
	ErrNotConnected = errors.New("not connected to voice")
	// ErrTimeout is returned by Connect if the voice state and voice server
	// updates did not both arrive in time.
	ErrTimeout = errors.New("timed out waiting for voice updates")
	// ErrRetriesExhausted is reported by Err when reconnecting failed too
	// many times in a row.
	ErrRetriesExhausted = errors.New("voice reconnect retries exhausted")
	// ErrAlreadyPlaying is returned by Play if a source is already playing.
	ErrAlreadyPlaying = errors.New("already playing")
)

// Voice websocket close codes.
const (
	closeNormal        = 1000
	closeReconnect     = 4000
	closeDisconnected  = 4014
	closeServerCrashed = 4015
)

// Session is the main gateway session a voice connection is negotiated
// over.
type Session interface {
	UpdateVoiceState(ctx context.Context, cmd gateway.UpdateVoiceStateCommand) error
	AddHandler(name string, fn func(gateway.Event)) (rm func())
	Me() discord.UserID
}

var _ Session = (*gateway.Gateway)(nil)

// Options configures a Connection.
type Options struct {
	// Timeout bounds a whole handshake, from the voice state request to the
	// session description.
	Timeout time.Duration
	// MaxRetries is the number of failed reconnects in a row after which the
	// connection gives up.
	MaxRetries       int
	ReconnectBackoff time.Duration
	// Modes is the encryption mode preference.
	Modes []string
	// FrameLength is the playback pace.
	FrameLength time.Duration

	Gateway voicegateway.Options
	Dial    udp.DialFunc
	Logger  *logrus.Entry
	Metrics *metrics.Metrics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		MaxRetries:       5,
		ReconnectBackoff: time.Second,
		Modes:            udp.SupportedModes,
		FrameLength:      20 * time.Millisecond,
		Gateway:          voicegateway.DefaultOptions(),
		Dial:             udp.Dial,
	}
}

// Connection is a voice connection to one guild.
type Connection struct {
	session Session
	guildID discord.GuildID
	opts    Options
	log     *logrus.Entry

	backoff *backoff.Backoff
	sleep   func(context.Context, time.Duration) error
	clock   Clock

	// connectMu serializes handshakes, recoveries and teardowns.
	connectMu sync.Mutex

	mutex     sync.Mutex
	stage     Stage
	channelID discord.ChannelID
	mute      bool
	deaf      bool
	state     voicegateway.State
	both      chan struct{}
	connected chan struct{}
	gateway   *voicegateway.Gateway
	udp       *udp.Connection
	player    *Player
	handlers  []func()
	err       error

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	migrate chan struct{}
}

// NewConnection creates a disconnected voice connection for guildID.
func NewConnection(session Session, guildID discord.GuildID, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Dial == nil {
		opts.Dial = udp.Dial
	}
	if opts.Modes == nil {
		opts.Modes = udp.SupportedModes
	}
	if opts.FrameLength <= 0 {
		opts.FrameLength = 20 * time.Millisecond
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.Gateway.Logger == nil {
		opts.Gateway.Logger = opts.Logger
	}
	if opts.Gateway.Metrics == nil {
		opts.Gateway.Metrics = opts.Metrics
	}

	return &Connection{
		session:   session,
		guildID:   guildID,
		opts:      opts,
		log:       opts.Logger.WithField("guild", guildID),
		backoff:   backoff.New(opts.ReconnectBackoff, false),
		sleep:     lazytime.Sleep,
		clock:     realClock{},
		connected: make(chan struct{}),
		migrate:   make(chan struct{}, 1),
	}
}

// GuildID returns the guild of the connection.
func (c *Connection) GuildID() discord.GuildID { return c.guildID }

// ChannelID returns the current voice channel, or 0 if disconnected.
func (c *Connection) ChannelID() discord.ChannelID {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stage == Disconnected {
		return 0
	}
	return c.channelID
}

// Stage returns the current stage.
func (c *Connection) Stage() Stage {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stage
}

// Latency returns the last voice heartbeat latency.
func (c *Connection) Latency() time.Duration {
	c.mutex.Lock()
	vg := c.gateway
	c.mutex.Unlock()

	if vg == nil {
		return 0
	}
	return vg.Latency()
}

// Err returns why the connection gave up on its own, or nil.
func (c *Connection) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.err
}

// Connect joins channelID and completes the voice handshake. On failure
// every socket is closed and the stage is reset to Disconnected.
func (c *Connection) Connect(ctx context.Context, channelID discord.ChannelID, mute, deaf bool) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mutex.Lock()
	if c.stage != Disconnected {
		c.mutex.Unlock()
		return ErrAlreadyConnected
	}
	c.channelID = channelID
	c.mute = mute
	c.deaf = deaf
	c.err = nil
	c.mutex.Unlock()

	c.addHandlers()

	if err := c.connect(ctx); err != nil {
		if terr := c.teardown(context.Background()); terr != nil {
			c.log.WithError(terr).Debug("failed to leave voice after a failed connect")
		}
		return err
	}

	c.startPoller()
	return nil
}

// Move asks the main gateway to move to another channel of the guild.
func (c *Connection) Move(ctx context.Context, channelID discord.ChannelID) error {
	c.mutex.Lock()
	if !c.stage.Has(Connected) {
		c.mutex.Unlock()
		return ErrNotConnected
	}
	cmd := c.voiceStateCommand(&channelID)
	c.mutex.Unlock()

	return c.session.UpdateVoiceState(ctx, cmd)
}

// Disconnect leaves the voice channel and closes every socket. It can be
// called at any stage and more than once; the leave request is always sent.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.stopPoller()

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	return c.teardown(ctx)
}

// SendFrame sends one Opus frame at once. Frames must be paced by the
// caller; Play does it.
func (c *Connection) SendFrame(frame []byte) error {
	c.mutex.Lock()
	u := c.udp
	ok := c.stage.Has(Connected)
	c.mutex.Unlock()

	if !ok || u == nil {
		return ErrNotConnected
	}

	_, err := u.Write(frame)
	return err
}

// ReadPacket reads the next voice packet sent by other users. It fails once
// the UDP socket is replaced by a reconnect; call it again to read from the
// new one.
func (c *Connection) ReadPacket() (*udp.Packet, error) {
	c.mutex.Lock()
	u := c.udp
	c.mutex.Unlock()

	if u == nil {
		return nil, ErrNotConnected
	}
	return u.ReadPacket()
}

// Play plays src until it is exhausted, ctx is done or Stop is called.
// Playback waits while the connection recovers.
func (c *Connection) Play(ctx context.Context, src opus.FrameReader) error {
	c.mutex.Lock()
	if c.player != nil {
		c.mutex.Unlock()
		return ErrAlreadyPlaying
	}
	if c.stage == Disconnected {
		c.mutex.Unlock()
		return ErrNotConnected
	}
	p := newPlayer(c, src, c.opts.FrameLength, c.clock, c.log)
	c.player = p
	c.mutex.Unlock()

	err := p.run(ctx)

	c.mutex.Lock()
	if c.player == p {
		c.player = nil
	}
	c.mutex.Unlock()

	return err
}

// Pause pauses playback.
func (c *Connection) Pause() {
	if p := c.currentPlayer(); p != nil {
		p.Pause()
	}
}

// Resume resumes paused playback.
func (c *Connection) Resume() {
	if p := c.currentPlayer(); p != nil {
		p.Resume()
	}
}

// Stop stops playback and waits for Play to return.
func (c *Connection) Stop() {
	if p := c.currentPlayer(); p != nil {
		p.Stop()
	}
}

func (c *Connection) currentPlayer() *Player {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.player
}

func (c *Connection) voiceStateCommand(channelID *discord.ChannelID) gateway.UpdateVoiceStateCommand {
	return gateway.UpdateVoiceStateCommand{
		GuildID:   c.guildID,
		ChannelID: channelID,
		SelfMute:  c.mute,
		SelfDeaf:  c.deaf,
	}
}

func (c *Connection) addHandlers() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.handlers != nil {
		return
	}

	c.handlers = []func(){
		c.session.AddHandler(gateway.VoiceStateUpdateEventName, c.onVoiceStateUpdate),
		c.session.AddHandler(gateway.VoiceServerUpdateEventName, c.onVoiceServerUpdate),
	}
}

func (c *Connection) onVoiceStateUpdate(ev gateway.Event) {
	v, ok := ev.Value.(*gateway.VoiceStateUpdateEvent)
	if !ok || v.GuildID != c.guildID || v.UserID != c.session.Me() {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.stage.Has(SetGuildVoiceState) {
		return
	}

	if !v.ChannelID.IsValid() {
		if c.stage.Has(Connected) {
			c.log.Info("removed from the voice channel")
			go c.Disconnect(context.Background())
		}
		return
	}

	c.state.SessionID = v.SessionID
	c.channelID = v.ChannelID

	if c.advanceLocked(GotVoiceStateUpdate) == nil {
		c.checkBothLocked()
	}
}

func (c *Connection) onVoiceServerUpdate(ev gateway.Event) {
	v, ok := ev.Value.(*gateway.VoiceServerUpdateEvent)
	if !ok || v.GuildID != c.guildID {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.stage.Has(SetGuildVoiceState) {
		return
	}

	if v.Endpoint == "" {
		c.log.Debug("voice server unavailable, waiting for another")
		return
	}

	migrating := c.stage.Has(Connected)

	c.state.Token = v.Token
	c.state.Endpoint = v.Endpoint

	if c.advanceLocked(GotVoiceServerUpdate) != nil {
		return
	}

	if migrating {
		select {
		case c.migrate <- struct{}{}:
		default:
		}
		return
	}

	c.checkBothLocked()
}

func (c *Connection) checkBothLocked() {
	if !c.stage.Has(GotVoiceStateUpdate|GotVoiceServerUpdate) || c.stage.Has(GotBothVoiceUpdates) {
		return
	}
	if c.advanceLocked(GotBothVoiceUpdates) != nil {
		return
	}
	if c.both != nil {
		close(c.both)
		c.both = nil
	}
}

func (c *Connection) advance(flags ...Stage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, flag := range flags {
		if err := c.advanceLocked(flag); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) advanceLocked(flag Stage) error {
	s, err := c.stage.Advance(flag)
	if err != nil {
		c.log.WithError(err).Debug("rejected voice stage transition")
		return err
	}
	c.setStageLocked(s)
	return nil
}

func (c *Connection) setStageLocked(s Stage) {
	was := c.stage.Has(Connected)
	c.stage = s

	switch now := s.Has(Connected); {
	case now && !was:
		close(c.connected)
	case was && !now:
		c.connected = make(chan struct{})
	}
}

// waitConnected blocks until the stage has Connected.
func (c *Connection) waitConnected(ctx context.Context) error {
	c.mutex.Lock()
	if c.stage == Disconnected {
		c.mutex.Unlock()
		return ErrNotConnected
	}
	ch := c.connected
	c.mutex.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) setSpeaking(ctx context.Context, on bool) error {
	c.mutex.Lock()
	vg := c.gateway
	c.mutex.Unlock()

	if vg == nil {
		return ErrNotConnected
	}

	flag := voicegateway.NotSpeaking
	if on {
		flag = voicegateway.Microphone
	}
	return vg.Speaking(ctx, flag)
}
