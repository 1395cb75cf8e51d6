package ws

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/internal/zlib"
	"github.com/cordwire/cordwire/utils/json"
)

// Codec holds the decoding settings shared by all Connection drivers.
type Codec struct {
	// Headers are sent along with the upgrade request.
	Headers http.Header
	// ReadLimit caps the size of a single message. Zero means no limit.
	ReadLimit int64
}

// NewCodec creates a default Codec.
func NewCodec() Codec {
	return Codec{
		Headers:   http.Header{},
		ReadLimit: 1 << 24,
	}
}

// frameReader yields raw websocket messages. binary is true for binary
// messages, which are zlib-stream chunks.
type frameReader interface {
	next(ctx context.Context) (binary bool, r io.Reader, err error)
}

// decodeState is owned by a single read loop.
type decodeState struct {
	codec    Codec
	inflator *zlib.Inflator
	buf      bytes.Buffer
}

// handle reads one message and sends zero or one Op. It only returns an error
// when the connection is unusable.
func (s *decodeState) handle(ctx context.Context, src frameReader, out chan<- Op) error {
	binary, r, err := src.next(ctx)
	if err != nil {
		return err
	}

	if !binary {
		return s.decode(ctx, r, out)
	}

	if s.inflator == nil {
		s.inflator = zlib.NewInflator()
	}

	if _, err := io.Copy(s.inflator, r); err != nil {
		return errors.Wrap(err, "failed to read compressed frame")
	}

	if !s.inflator.CanFlush() {
		return nil
	}

	b, err := s.inflator.Flush()
	if err != nil {
		return errors.Wrap(err, "failed to decompress frame")
	}

	return s.decode(ctx, bytes.NewReader(b), out)
}

func (s *decodeState) decode(ctx context.Context, r io.Reader, out chan<- Op) error {
	s.buf.Reset()
	if _, err := s.buf.ReadFrom(r); err != nil {
		return errors.Wrap(err, "failed to read frame")
	}

	var op Op
	if err := json.Unmarshal(s.buf.Bytes(), &op); err != nil {
		// Malformed payloads are reported, not fatal.
		ev := &BackgroundErrorEvent{Err: errors.Wrap(err, "cannot decode op")}
		return send(ctx, out, Op{Code: ErrorOp, Err: ev})
	}

	// The buffer is reused, so the data must be copied out.
	op.Data = append(json.Raw(nil), op.Data...)

	return send(ctx, out, op)
}

func (s *decodeState) close() {
	if s.inflator != nil {
		s.inflator.Close()
	}
}

func send(ctx context.Context, ch chan<- Op, op Op) error {
	select {
	case ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop pumps ops from src into out until src fails. The final op is always
// a CloseOp, after which out is closed.
func readLoop(ctx context.Context, src frameReader, codec Codec, out chan<- Op, closeCode func(error) int) {
	defer close(out)

	state := decodeState{codec: codec}
	defer state.close()

	for {
		err := state.handle(ctx, src, out)
		if err == nil {
			continue
		}

		WSDebug("Conn: read loop stopped:", err)

		ev := &CloseEvent{Err: err, Code: closeCode(err)}
		// The consumer may be gone already if ctx was cancelled.
		send(ctx, out, Op{Code: CloseOp, Err: ev})
		return
	}
}
