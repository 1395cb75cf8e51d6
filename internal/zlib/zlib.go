// Package zlib decodes zlib-stream compressed websocket messages. The whole
// connection shares one deflate context, and each message is terminated by a
// sync flush marker.
package zlib

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// Suffix is the sync flush marker that ends every logical message.
var Suffix = [4]byte{0x00, 0x00, 0xff, 0xff}

// ErrPartial is returned by Flush if the buffered data does not end with
// Suffix yet.
var ErrPartial = errors.New("only partial payload in buffer")

// ErrClosed is returned after the Inflator is closed.
var ErrClosed = errors.New("inflator closed")

// Inflator accumulates compressed chunks and decompresses them once a full
// message has been buffered. The decompressor state survives across messages.
//
// An Inflator is not safe for concurrent use.
type Inflator struct {
	pending bytes.Buffer
	src     *source
	started bool
}

// NewInflator creates a new Inflator.
func NewInflator() *Inflator {
	return &Inflator{src: newSource()}
}

// Write buffers a compressed chunk. It never fails.
func (i *Inflator) Write(p []byte) (int, error) {
	return i.pending.Write(p)
}

// CanFlush returns true if the buffered chunks end with the sync flush marker.
func (i *Inflator) CanFlush() bool {
	p := i.pending.Bytes()
	return len(p) >= len(Suffix) && bytes.Equal(p[len(p)-len(Suffix):], Suffix[:])
}

// Flush decompresses everything buffered so far into one message.
func (i *Inflator) Flush() ([]byte, error) {
	if !i.CanFlush() {
		return nil, ErrPartial
	}

	if !i.started {
		i.started = true
		go i.src.decode()
	}

	out, err := i.src.feed(i.pending.Bytes())
	i.pending.Reset()

	if err != nil {
		return nil, errors.Wrap(err, "failed to inflate")
	}

	return out, nil
}

// Close stops the background decompressor. The Inflator cannot be used
// afterwards.
func (i *Inflator) Close() error {
	i.src.close()
	return nil
}

// source is a blocking byte source for the deflate reader. The deflate
// reader treats io.EOF as sticky, so instead of running dry the source parks
// the decoder until the next message is fed in.
type source struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	out     bytes.Buffer
	waiting bool
	closed  bool
	err     error
}

func newSource() *source {
	s := &source{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *source) decode() {
	r, err := zlib.NewReader(s)
	if err == nil {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				s.mu.Lock()
				s.out.Write(buf[:n])
				s.mu.Unlock()
			}
			if rerr != nil {
				err = rerr
				break
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		s.err = err
		s.closed = true
	}
	s.cond.Broadcast()
}

// feed hands p to the decoder and waits until all of it has been consumed.
func (s *source) feed(p []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrClosed
	}

	s.in.Write(p)
	s.waiting = false
	s.cond.Broadcast()

	for !(s.waiting && s.in.Len() == 0) && !s.closed {
		s.cond.Wait()
	}

	if s.closed {
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrClosed
	}

	out := make([]byte, s.out.Len())
	copy(out, s.out.Bytes())
	s.out.Reset()

	return out, nil
}

func (s *source) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
}

// wait blocks until input is available. It must be called with mu held.
func (s *source) wait() error {
	for s.in.Len() == 0 {
		if s.closed {
			return io.EOF
		}
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.waiting = false
	return nil
}

func (s *source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wait(); err != nil {
		return 0, err
	}
	return s.in.Read(p)
}

func (s *source) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wait(); err != nil {
		return 0, err
	}
	return s.in.ReadByte()
}
