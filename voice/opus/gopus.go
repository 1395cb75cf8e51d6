//go:build cgo

package opus

import (
	"github.com/pkg/errors"
	"layeh.com/gopus"
)

// Encoder applications.
const (
	Voip  = int(gopus.Voip)
	Audio = int(gopus.Audio)
)

// LibEncoder encodes with libopus.
type LibEncoder struct {
	enc *gopus.Encoder
}

var _ Encoder = (*LibEncoder)(nil)

// NewEncoder creates an encoder for 48kHz stereo. A bitrate of 0 keeps the
// libopus default.
func NewEncoder(application, bitrate int) (Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Application(application))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &LibEncoder{enc: enc}, nil
}

// Encode encodes one frame of FrameSize samples per channel.
func (e *LibEncoder) Encode(pcm []int16) ([]byte, error) {
	return e.enc.Encode(pcm, FrameSize, MaxPacketSize)
}

// LibDecoder decodes with libopus.
type LibDecoder struct {
	dec *gopus.Decoder
}

var _ Decoder = (*LibDecoder)(nil)

// NewDecoder creates a libopus decoder for 48kHz stereo.
func NewDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus decoder")
	}
	return &LibDecoder{dec: dec}, nil
}

// Decode decodes one packet.
func (d *LibDecoder) Decode(packet []byte) ([]int16, error) {
	return d.dec.Decode(packet, FrameSize, false)
}
