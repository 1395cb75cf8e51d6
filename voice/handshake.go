package voice

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/voice/udp"
	"github.com/cordwire/cordwire/voice/voicegateway"
)

// connect runs the whole handshake: the voice state request, the wait for
// both updates and the voice sockets.
func (c *Connection) connect(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	c.mutex.Lock()
	both := make(chan struct{})
	c.both = both
	c.state = voicegateway.State{}
	if err := c.advanceLocked(SetGuildVoiceState); err != nil {
		c.mutex.Unlock()
		return err
	}
	channelID := c.channelID
	cmd := c.voiceStateCommand(&channelID)
	c.mutex.Unlock()

	if err := c.session.UpdateVoiceState(ctx, cmd); err != nil {
		return errors.Wrap(err, "failed to request voice state")
	}

	select {
	case <-both:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}

	return c.open(ctx)
}

// open opens a new voice websocket and UDP socket for the current voice
// server and identifies.
func (c *Connection) open(ctx context.Context) error {
	c.mutex.Lock()
	state := c.state
	state.GuildID = c.guildID
	c.mutex.Unlock()

	state.UserID = c.session.Me()

	vg := voicegateway.New(state, c.opts.Gateway)

	c.mutex.Lock()
	c.gateway = vg
	c.mutex.Unlock()

	if err := vg.Open(ctx, false); err != nil {
		return errors.Wrap(err, "failed to open voice gateway")
	}
	if err := c.advance(WebsocketConnected, GotWebsocketReady); err != nil {
		return err
	}

	ready := vg.Ready()

	u, err := c.opts.Dial(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		return errors.Wrap(err, "failed to dial voice UDP")
	}
	u.Metrics = c.opts.Metrics

	c.mutex.Lock()
	old := c.udp
	c.udp = u
	c.mutex.Unlock()

	if old != nil {
		old.Close()
	}

	if err := c.advance(GotUDPDiscovery); err != nil {
		return err
	}

	mode, err := udp.SelectModeFrom(c.opts.Modes, ready.Modes)
	if err != nil {
		return err
	}

	desc, err := vg.SelectProtocol(ctx, voicegateway.SelectProtocolData{
		Address: u.GatewayIP,
		Port:    u.GatewayPort,
		Mode:    mode,
	})
	if err != nil {
		return errors.Wrap(err, "failed to select protocol")
	}

	if err := u.UseSecret(desc.Mode, desc.SecretKey); err != nil {
		return err
	}

	if err := c.advance(Connected); err != nil {
		return err
	}

	if err := vg.Speaking(ctx, voicegateway.Microphone); err != nil {
		return errors.Wrap(err, "failed to send speaking")
	}
	if err := vg.Speaking(ctx, voicegateway.NotSpeaking); err != nil {
		return errors.Wrap(err, "failed to send speaking")
	}

	c.log.WithFields(logrus.Fields{
		"mode":     desc.Mode,
		"ssrc":     ready.SSRC,
		"endpoint": state.Endpoint,
	}).Info("voice connected")

	return nil
}

// resume reopens the voice websocket with RESUME. The UDP socket is kept.
func (c *Connection) resume(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	if err := c.advance(Reconnecting); err != nil {
		return err
	}

	c.mutex.Lock()
	vg := c.gateway
	c.mutex.Unlock()

	if vg == nil {
		return ErrNotConnected
	}

	c.opts.Metrics.Reconnect(metrics.SocketVoice, true)

	if err := vg.Open(ctx, true); err != nil {
		return errors.Wrap(err, "failed to resume voice gateway")
	}

	return c.advance(WebsocketConnected, Resumed, Connected)
}

// reconnect leaves and joins the channel again and redoes the handshake.
func (c *Connection) reconnect(ctx context.Context) error {
	if !c.Stage().Has(Reconnecting) {
		if err := c.advance(Reconnecting); err != nil {
			return err
		}
	}

	c.closeSockets(closeReconnect)
	c.opts.Metrics.Reconnect(metrics.SocketVoice, false)

	c.mutex.Lock()
	leave := c.voiceStateCommand(nil)
	c.mutex.Unlock()

	if err := c.session.UpdateVoiceState(ctx, leave); err != nil {
		return errors.Wrap(err, "failed to leave voice before reconnecting")
	}

	return c.connect(ctx)
}

// migrateServer moves to the voice server of the last server update.
func (c *Connection) migrateServer(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	c.closeSockets(closeDisconnected)
	return c.open(ctx)
}

func (c *Connection) closeSockets(code int) {
	c.mutex.Lock()
	vg, u := c.gateway, c.udp
	c.gateway, c.udp = nil, nil
	c.mutex.Unlock()

	if vg != nil {
		vg.Close(code)
	}
	if u != nil {
		u.Close()
	}
}

// teardown stops playback, closes every socket, resets the stage and asks
// the main gateway to leave. connectMu must be held.
func (c *Connection) teardown(ctx context.Context) error {
	if p := c.currentPlayer(); p != nil {
		p.Stop()
	}

	c.mutex.Lock()
	c.setStageLocked(Disconnected)
	c.both = nil
	handlers := c.handlers
	c.handlers = nil
	leave := c.voiceStateCommand(nil)
	c.mutex.Unlock()

	select {
	case <-c.migrate:
	default:
	}

	c.closeSockets(closeNormal)

	for _, rm := range handlers {
		rm()
	}

	if err := c.session.UpdateVoiceState(ctx, leave); err != nil {
		return errors.Wrap(err, "failed to leave voice")
	}
	return nil
}
