// Package opus adapts Opus codecs to the frame format of voice connections:
// 48kHz stereo, 20ms per frame.
package opus

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	SampleRate = 48000
	Channels   = 2
	// FrameSize is the number of samples per channel of one 20ms frame.
	FrameSize = 960
	// MaxPacketSize bounds the size of an encoded frame.
	MaxPacketSize = 4000
)

// SilenceFrame is the Opus frame of silence sent when audio stops, so the
// receivers' jitter buffers do not interpolate.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// ErrNoEncoder is returned by NewEncoder when no encoder is compiled in.
var ErrNoEncoder = errors.New("opus encoder not available")

// Encoder encodes one frame of interleaved PCM samples.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder decodes one Opus packet into interleaved PCM samples.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

// FrameReader reads Opus frames one by one. It returns io.EOF once
// exhausted.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// PacketReader reads length-prefixed Opus frames: each frame is preceded by
// its size as a little-endian int16.
type PacketReader struct {
	r   io.Reader
	buf []byte
}

var _ FrameReader = (*PacketReader)(nil)

// NewPacketReader creates a PacketReader reading from r.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: r, buf: make([]byte, MaxPacketSize)}
}

// ReadFrame returns the next frame. The frame is invalidated by the next
// call.
func (r *PacketReader) ReadFrame() ([]byte, error) {
	var size int16
	if err := binary.Read(r.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size <= 0 || int(size) > len(r.buf) {
		return nil, errors.Errorf("invalid frame size %d", size)
	}

	if _, err := io.ReadFull(r.r, r.buf[:size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return r.buf[:size], nil
}

// PCMReader encodes raw signed 16-bit little-endian stereo PCM into frames.
// A trailing partial frame is padded with silence.
type PCMReader struct {
	r   io.Reader
	enc Encoder
	raw []byte
	pcm []int16
}

var _ FrameReader = (*PCMReader)(nil)

// NewPCMReader creates a PCMReader encoding with enc.
func NewPCMReader(r io.Reader, enc Encoder) *PCMReader {
	return &PCMReader{
		r:   r,
		enc: enc,
		raw: make([]byte, FrameSize*Channels*2),
		pcm: make([]int16, FrameSize*Channels),
	}
}

// ReadFrame reads and encodes the next frame.
func (r *PCMReader) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(r.r, r.raw)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		for i := n; i < len(r.raw); i++ {
			r.raw[i] = 0
		}
	case err != nil:
		return nil, err
	}

	for i := range r.pcm {
		r.pcm[i] = int16(binary.LittleEndian.Uint16(r.raw[i*2:]))
	}

	return r.enc.Encode(r.pcm)
}

// WritePacket writes frame in the format read by PacketReader.
func WritePacket(w io.Writer, frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxPacketSize {
		return errors.Errorf("invalid frame size %d", len(frame))
	}
	if err := binary.Write(w, binary.LittleEndian, int16(len(frame))); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
