package udp

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// HeaderSize is the size of the RTP header of every voice packet.
	HeaderSize = 12
	// PayloadType is the RTP payload type of Opus audio.
	PayloadType = 0x78
	// FrameSamples is the number of samples per channel of a 20ms frame at
	// 48kHz.
	FrameSamples = 960

	liteNonceSize = 4
)

var (
	// ErrDecryptionFailed is returned if a received packet fails to decrypt.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrNoSecret is returned if a packet is sealed before a secret is set.
	ErrNoSecret = errors.New("no secret key")
	// ErrShortPacket is returned for packets too short to hold a header and
	// the mode's nonce.
	ErrShortPacket = errors.New("packet too short")
)

// Packet is a received voice packet.
type Packet struct {
	Header rtp.Header
	Opus   []byte
}

// Packetizer frames Opus payloads into encrypted RTP packets. Sequence
// numbers and timestamps wrap around. A Packetizer is not safe for
// concurrent use.
type Packetizer struct {
	header    rtp.Header
	samples   uint32
	mode      string
	secret    [32]byte
	hasSecret bool
	lite      uint32

	// Rand is the source of suffix nonces.
	Rand io.Reader
}

// NewPacketizer creates a Packetizer for ssrc that advances the timestamp
// by samples for each packet.
func NewPacketizer(ssrc uint32, samples uint32) *Packetizer {
	return &Packetizer{
		header: rtp.Header{
			Version:     2,
			PayloadType: PayloadType,
			SSRC:        ssrc,
		},
		samples: samples,
		mode:    ModePlain,
		Rand:    rand.Reader,
	}
}

// UseSecret sets the encryption mode and key from the session description.
func (p *Packetizer) UseSecret(mode string, secret [32]byte) error {
	if !isSupported(mode) {
		return errors.Wrapf(ErrNoSupportedMode, "mode %q", mode)
	}
	p.mode = mode
	p.secret = secret
	p.hasSecret = true
	return nil
}

// Mode returns the encryption mode.
func (p *Packetizer) Mode() string { return p.mode }

// SSRC returns the SSRC packets are sent with.
func (p *Packetizer) SSRC() uint32 { return p.header.SSRC }

// Sequence returns the sequence number of the next packet.
func (p *Packetizer) Sequence() uint16 { return p.header.SequenceNumber }

// Timestamp returns the timestamp of the next packet.
func (p *Packetizer) Timestamp() uint32 { return p.header.Timestamp }

// SetSamples changes the timestamp increment, for frame lengths other than
// 20ms.
func (p *Packetizer) SetSamples(samples uint32) { p.samples = samples }

// Seal appends the encrypted packet of payload to dst and advances the
// sequence number and timestamp.
func (p *Packetizer) Seal(dst, payload []byte) ([]byte, error) {
	if !p.hasSecret {
		return dst, ErrNoSecret
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	if _, err := p.header.MarshalTo(dst[start:]); err != nil {
		return dst[:start], errors.Wrap(err, "failed to write RTP header")
	}

	var nonce [24]byte
	var suffix []byte

	switch p.mode {
	case ModePlain:
		copy(nonce[:], dst[start:start+HeaderSize])
	case ModeSuffix:
		if _, err := io.ReadFull(p.Rand, nonce[:]); err != nil {
			return dst[:start], errors.Wrap(err, "failed to read nonce")
		}
		suffix = nonce[:]
	case ModeLite:
		binary.BigEndian.PutUint32(nonce[:liteNonceSize], p.lite)
		p.lite++
		suffix = nonce[:liteNonceSize]
	}

	dst = secretbox.Seal(dst, payload, &nonce, &p.secret)
	dst = append(dst, suffix...)

	p.header.SequenceNumber++
	p.header.Timestamp += p.samples

	return dst, nil
}

// Open decrypts a received packet. The returned Opus slice is appended to
// dst. Header extensions are not stripped.
func (p *Packetizer) Open(dst, packet []byte) (*Packet, error) {
	var nonce [24]byte
	var body []byte

	switch p.mode {
	case ModePlain:
		if len(packet) < HeaderSize+secretbox.Overhead {
			return nil, ErrShortPacket
		}
		copy(nonce[:], packet[:HeaderSize])
		body = packet[HeaderSize:]
	case ModeSuffix:
		if len(packet) < HeaderSize+secretbox.Overhead+len(nonce) {
			return nil, ErrShortPacket
		}
		copy(nonce[:], packet[len(packet)-len(nonce):])
		body = packet[HeaderSize : len(packet)-len(nonce)]
	case ModeLite:
		if len(packet) < HeaderSize+secretbox.Overhead+liteNonceSize {
			return nil, ErrShortPacket
		}
		copy(nonce[:liteNonceSize], packet[len(packet)-liteNonceSize:])
		body = packet[HeaderSize : len(packet)-liteNonceSize]
	}

	h, err := parseHeader(packet)
	if err != nil {
		return nil, err
	}

	opus, ok := secretbox.Open(dst, body, &nonce, &p.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return &Packet{Header: h, Opus: opus}, nil
}

// parseHeader parses the fixed header. The extension, if any, is part of
// the encrypted body, so only the flag is kept.
func parseHeader(packet []byte) (rtp.Header, error) {
	var fixed [HeaderSize]byte
	copy(fixed[:], packet)

	extension := fixed[0]&0x10 != 0
	fixed[0] &^= 0x10

	var h rtp.Header
	if _, err := h.Unmarshal(fixed[:]); err != nil {
		return h, errors.Wrap(err, "failed to parse RTP header")
	}
	h.Extension = extension

	return h, nil
}
