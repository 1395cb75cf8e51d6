package voice

import (
	"context"
	"time"

	"github.com/cordwire/cordwire/utils/ws"
)

func (c *Connection) startPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mutex.Lock()
	c.pollCancel = cancel
	c.pollDone = done
	c.mutex.Unlock()

	go func() {
		defer close(done)
		c.poll(ctx)
	}()
}

func (c *Connection) stopPoller() {
	c.mutex.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	c.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// poll watches the voice websocket and recovers from its closes until the
// connection is torn down.
func (c *Connection) poll(ctx context.Context) {
	for {
		c.mutex.Lock()
		vg := c.gateway
		c.mutex.Unlock()

		if vg == nil {
			return
		}

		select {
		case <-ctx.Done():
			return

		case <-c.migrate:
			c.log.Info("voice server changed, migrating")
			if err := c.locked(ctx, c.migrateServer); err != nil {
				c.log.WithError(err).Warn("voice server migration failed")
				if !c.reconnectLoop(ctx) {
					return
				}
			}

		case <-vg.Done():
			if !c.handleClose(ctx, vg.Err()) {
				return
			}
		}
	}
}

// handleClose recovers from the end of the voice websocket. It returns false
// if the poller should stop.
func (c *Connection) handleClose(ctx context.Context, err error) bool {
	if err == nil {
		// Closed by teardown or by a migration that is already handled.
		return ctx.Err() == nil && c.Stage() != Disconnected
	}

	code := ws.CloseCode(err)
	log := c.log.WithError(err).WithField("code", code)

	switch code {
	case closeNormal:
		log.Info("voice websocket closed normally, disconnecting")
		c.shutdown(ctx, nil)
		return false

	case closeDisconnected:
		log.Info("disconnected from voice by force, trying to resume once")
		if err := c.locked(ctx, c.resume); err != nil {
			log.WithError(err).Info("resume failed, disconnecting")
			c.shutdown(ctx, nil)
			return false
		}
		return true

	case closeServerCrashed:
		log.Info("voice server crashed, resuming")
		if err := c.locked(ctx, c.resume); err == nil {
			return true
		}
		return c.reconnectLoop(ctx)

	default:
		log.Warn("voice websocket lost, reconnecting")
		return c.reconnectLoop(ctx)
	}
}

// reconnectLoop retries full reconnects with backoff up to MaxRetries
// times.
func (c *Connection) reconnectLoop(ctx context.Context) bool {
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if err := c.sleep(ctx, c.backoff.Delay()); err != nil {
			return false
		}

		err := c.locked(ctx, c.reconnect)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.log.WithError(err).WithField("attempt", attempt).Warn("voice reconnect failed")
	}

	c.log.Error("giving up on voice after too many failed reconnects")
	c.shutdown(ctx, ErrRetriesExhausted)
	return false
}

// locked runs fn under connectMu unless ctx is already done.
func (c *Connection) locked(ctx context.Context, fn func(context.Context) error) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// shutdown tears the connection down from the poller. It does nothing if
// Disconnect already stopped the poller.
func (c *Connection) shutdown(pollCtx context.Context, reason error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if pollCtx.Err() != nil {
		return
	}

	c.mutex.Lock()
	c.err = reason
	c.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.teardown(ctx); err != nil {
		c.log.WithError(err).Warn("failed to leave voice")
	}
}
