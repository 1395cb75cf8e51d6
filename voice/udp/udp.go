// Package udp implements the voice UDP transport: IP discovery, RTP framing
// and encryption of outgoing audio, and decryption of received packets.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Dialer is the default dialer that this package uses for all its dialing.
var Dialer = net.Dialer{
	Timeout: 10 * time.Second,
}

// DiscoveryTimeout bounds the wait for the IP discovery response.
var DiscoveryTimeout = 5 * time.Second

const (
	discoveryRequest  = 0x1
	discoveryLength   = 70
	discoveryPacket   = 4 + discoveryLength
	legacyPacketSize  = 70
	addressFieldSize  = 64
	maxPacketReadSize = 1500
)

// DialFunc is the signature of Dial.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

var _ DialFunc = Dial

// Dial dials the voice UDP server at addr and discovers the external
// address the server sees for ssrc.
func Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialCustom(ctx, &Dialer, addr, ssrc)
}

// DialCustom dials with a custom dialer.
func DialCustom(ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	ip, port, err := discover(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newConnection(conn, ssrc, ip, port), nil
}

// discover sends the IP discovery request and parses the response.
//
// The request is type 1, length 70, the SSRC, a 64 byte address and a 2 byte
// port. The response has the same layout, with the address null-terminated.
// Responses of the older 70 byte layout, which lack the type and length, are
// accepted too.
func discover(ctx context.Context, conn net.Conn, ssrc uint32) (string, uint16, error) {
	var req [discoveryPacket]byte
	binary.BigEndian.PutUint16(req[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(req[2:4], discoveryLength)
	binary.BigEndian.PutUint32(req[4:8], ssrc)

	deadline := time.Now().Add(DiscoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(req[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to write discovery request")
	}

	buf := make([]byte, maxPacketReadSize)

	n, err := conn.Read(buf)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to read discovery response")
	}

	return parseDiscovery(buf[:n])
}

func parseDiscovery(resp []byte) (string, uint16, error) {
	var start int
	switch {
	case len(resp) >= discoveryPacket:
		start = 8
	case len(resp) >= legacyPacketSize:
		start = 4
	default:
		return "", 0, errors.Errorf("discovery response of %d bytes is too short", len(resp))
	}

	addr := resp[start : start+addressFieldSize]

	end := bytes.IndexByte(addr, 0)
	if end < 0 {
		return "", 0, errors.New("discovery address is not null-terminated")
	}
	if end == 0 {
		return "", 0, errors.New("discovery response has no address")
	}

	port := binary.BigEndian.Uint16(resp[start+addressFieldSize : start+addressFieldSize+2])

	return string(addr[:end]), port, nil
}
