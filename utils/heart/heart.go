// Package heart implements the heartbeat scheduler shared by the main gateway
// and the voice gateway.
package heart

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/cordwire/cordwire/internal/lazytime"
)

// ErrDead is returned by Run when heartbeats stop being acknowledged.
var ErrDead = errors.New("no heartbeat replied")

// ErrSilent is returned by Run when nothing at all was received for too long.
var ErrSilent = errors.New("connection went silent")

// DefaultHighLatency is the acknowledgement latency above which a warning is
// logged.
const DefaultHighLatency = 10 * time.Second

// DefaultSilenceFactor bounds the silence window to this many heartrates.
const DefaultSilenceFactor = 2

// Pacemaker sends heartbeats every Heartrate and watches for their
// acknowledgements. A Pacemaker runs independently of the receive loop that
// feeds it Echo and Received calls.
type Pacemaker struct {
	// Heartrate is the interval between heartbeats.
	Heartrate time.Duration
	// Pace sends one heartbeat. An error stops Run.
	Pace func(ctx context.Context) error

	// SilenceFactor times Heartrate is the longest tolerated gap without any
	// inbound frame. Zero disables the check.
	SilenceFactor int
	// HighLatency is the latency above which a warning is logged.
	HighLatency time.Duration
	// OnLatency, if not nil, is called with every measured latency.
	OnLatency func(time.Duration)

	Logger *logrus.Entry

	SentBeat atomic.Time
	EchoBeat atomic.Time
	RecvBeat atomic.Time

	latency atomic.Duration
}

// NewPacemaker creates a Pacemaker with the default thresholds.
func NewPacemaker(heartrate time.Duration, pace func(context.Context) error) *Pacemaker {
	return &Pacemaker{
		Heartrate:     heartrate,
		Pace:          pace,
		SilenceFactor: DefaultSilenceFactor,
		HighLatency:   DefaultHighLatency,
		Logger:        logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Echo marks a heartbeat acknowledgement.
func (p *Pacemaker) Echo() {
	now := time.Now()
	p.EchoBeat.Store(now)
	p.RecvBeat.Store(now)

	sent := p.SentBeat.Load()
	if sent.IsZero() {
		return
	}

	latency := now.Sub(sent)
	p.latency.Store(latency)

	if p.OnLatency != nil {
		p.OnLatency(latency)
	}

	if p.HighLatency > 0 && latency > p.HighLatency {
		p.log().WithField("latency", latency).Warn("heartbeat acknowledged with high latency")
	}
}

// Received marks that a frame of any kind was received.
func (p *Pacemaker) Received() {
	p.RecvBeat.Store(time.Now())
}

// Latency returns the last measured acknowledgement latency.
func (p *Pacemaker) Latency() time.Duration {
	return p.latency.Load()
}

// Dead returns true if no acknowledgement arrived for more than two
// heartrates.
func (p *Pacemaker) Dead() bool {
	echo := p.EchoBeat.Load()
	if echo.IsZero() {
		return false
	}
	return time.Since(echo) > 2*p.Heartrate
}

// Silent returns true if nothing was received within the silence window.
func (p *Pacemaker) Silent() bool {
	if p.SilenceFactor <= 0 {
		return false
	}

	recv := p.RecvBeat.Load()
	if recv.IsZero() {
		return false
	}

	return time.Since(recv) > time.Duration(p.SilenceFactor)*p.Heartrate
}

// Run sends the first heartbeat immediately and then one every Heartrate. It
// returns ErrDead or ErrSilent when the connection should be considered lost,
// the Pace error if sending fails, or nil once ctx is done.
func (p *Pacemaker) Run(ctx context.Context) error {
	if p.Heartrate <= 0 {
		return errors.New("invalid heartrate")
	}

	// Acknowledgements and silence are measured from the start.
	start := time.Now()
	p.EchoBeat.Store(start)
	p.RecvBeat.Store(start)

	var tick lazytime.Ticker
	tick.Reset(p.Heartrate)
	defer tick.Stop()

	for {
		if err := p.Pace(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to send heartbeat")
		}
		p.SentBeat.Store(time.Now())

		if err := tick.Wait(ctx); err != nil {
			return nil
		}

		if p.Dead() {
			return ErrDead
		}
		if p.Silent() {
			return ErrSilent
		}
	}
}

func (p *Pacemaker) log() *logrus.Entry {
	if p.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return p.Logger
}
