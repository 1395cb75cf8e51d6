package voice

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cordwire/cordwire/internal/lazytime"
	"github.com/cordwire/cordwire/voice/opus"
	"github.com/cordwire/cordwire/voice/udp"
)

// silenceFrames is the number of silence frames sent whenever playback
// pauses or ends, so clients do not interpolate the last frame.
const silenceFrames = 5

// speakingTimeout bounds the speaking update sent after playback ends, when
// the playback context may already be done.
const speakingTimeout = 5 * time.Second

// Clock paces playback.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return lazytime.Sleep(ctx, d)
}

// frameSink is what a Player sends to. *Connection implements it.
type frameSink interface {
	SendFrame(frame []byte) error
	waitConnected(ctx context.Context) error
	setSpeaking(ctx context.Context, on bool) error
}

// Player sends the frames of a source at a fixed rate. Pacing is computed
// from the time playback started rather than from the previous frame, so
// slow sends do not accumulate drift.
type Player struct {
	sink        frameSink
	src         opus.FrameReader
	frameLength time.Duration
	clock       Clock
	log         logrus.FieldLogger

	mutex  sync.Mutex
	paused bool
	wake   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPlayer(sink frameSink, src opus.FrameReader, frameLength time.Duration, clock Clock, log logrus.FieldLogger) *Player {
	return &Player{
		sink:        sink,
		src:         src,
		frameLength: frameLength,
		clock:       clock,
		log:         log,
		wake:        make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Pause pauses playback after the current frame.
func (p *Player) Pause() {
	p.setPaused(true)
}

// Resume resumes paused playback.
func (p *Player) Resume() {
	p.setPaused(false)
}

// IsPaused returns true if playback is paused.
func (p *Player) IsPaused() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.paused
}

func (p *Player) setPaused(paused bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.paused == paused {
		return
	}
	p.paused = paused
	close(p.wake)
	p.wake = make(chan struct{})
}

// pausedWait returns a channel that is closed when the paused state changes,
// or nil if playback is not paused.
func (p *Player) pausedWait() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.paused {
		return nil
	}
	return p.wake
}

// Stop stops playback and waits for run to return.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Player) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Player) run(ctx context.Context) error {
	defer close(p.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		speaking bool
		start    time.Time
		sent     int64
	)

	defer func() {
		if speaking {
			p.quiet()
		}
	}()

	for {
		if wake := p.pausedWait(); wake != nil {
			if speaking {
				p.quiet()
				speaking = false
			}

			p.log.Debug("playback paused")

			select {
			case <-wake:
				start = time.Time{}
				continue
			case <-ctx.Done():
				return p.exitErr(ctx)
			}
		}

		if ctx.Err() != nil {
			return p.exitErr(ctx)
		}

		frame, err := p.src.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "failed to read frame")
		}

		if !speaking {
			if err := p.sink.setSpeaking(ctx, true); err != nil {
				p.log.WithError(err).Warn("failed to set speaking")
			}
			speaking = true
		}

		if start.IsZero() {
			start = p.clock.Now()
			sent = 0
		}

		reconnected, err := p.send(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return p.exitErr(ctx)
			}
			return err
		}

		if reconnected {
			start = p.clock.Now()
			sent = 0
		}
		sent++

		next := start.Add(time.Duration(sent) * p.frameLength)
		if d := next.Sub(p.clock.Now()); d > 0 {
			if err := p.clock.Sleep(ctx, d); err != nil {
				return p.exitErr(ctx)
			}
		}
	}
}

// send sends frame, waiting for the connection to recover if it is down. It
// returns true if it had to wait.
func (p *Player) send(ctx context.Context, frame []byte) (bool, error) {
	var waited bool

	for {
		err := p.sink.SendFrame(frame)
		switch {
		case err == nil:
			return waited, nil
		case errors.Is(err, udp.ErrClosed):
			// The socket was replaced between lookup and write.
			p.log.Debug("dropped frame on a closed voice socket")
			return waited, nil
		case !errors.Is(err, ErrNotConnected):
			return waited, errors.Wrap(err, "failed to send frame")
		}

		p.log.Debug("waiting for voice to reconnect")

		if err := p.sink.waitConnected(ctx); err != nil {
			return waited, err
		}
		waited = true
	}
}

// quiet sends the trailing silence and clears the speaking flag.
func (p *Player) quiet() {
	for i := 0; i < silenceFrames; i++ {
		if err := p.sink.SendFrame(opus.SilenceFrame); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), speakingTimeout)
	defer cancel()

	if err := p.sink.setSpeaking(ctx, false); err != nil {
		p.log.WithError(err).Debug("failed to clear speaking")
	}
}

func (p *Player) exitErr(ctx context.Context) error {
	if p.stopped() {
		return nil
	}
	return ctx.Err()
}
