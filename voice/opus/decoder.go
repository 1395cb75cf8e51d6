package opus

import (
	"encoding/binary"

	"github.com/pion/opus"
	"github.com/pkg/errors"
)

// PureDecoder decodes with the pure Go decoder. It only supports SILK
// frames and outputs at the frame's own bandwidth.
type PureDecoder struct {
	dec opus.Decoder
	out []byte
}

var _ Decoder = (*PureDecoder)(nil)

// NewPureDecoder creates a PureDecoder.
func NewPureDecoder() *PureDecoder {
	return &PureDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, FrameSize*Channels*2),
	}
}

// Decode decodes packet into mono or stereo samples, depending on the
// packet.
func (d *PureDecoder) Decode(packet []byte) ([]int16, error) {
	if isSilence(packet) {
		return nil, nil
	}

	_, stereo, err := d.dec.Decode(packet, d.out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode opus packet")
	}

	n := len(d.out) / 2
	if !stereo {
		n /= 2
	}

	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(d.out[i*2:]))
	}

	return pcm, nil
}

func isSilence(packet []byte) bool {
	if len(packet) != len(SilenceFrame) {
		return false
	}
	for i, b := range SilenceFrame {
		if packet[i] != b {
			return false
		}
	}
	return true
}
