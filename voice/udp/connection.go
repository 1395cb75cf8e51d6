package udp

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/internal/metrics"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("UDP connection closed")

// Connection is a voice UDP connection. Write and ReadPacket may be called
// concurrently with each other, but each only from one goroutine.
type Connection struct {
	// GatewayIP and GatewayPort are the external address found by IP
	// discovery.
	GatewayIP   string
	GatewayPort uint16

	// Metrics, if set, counts sent packets.
	Metrics *metrics.Metrics

	conn net.Conn

	mutex   sync.Mutex
	send    *Packetizer
	recv    *Packetizer
	sendBuf []byte

	recvBuf  []byte
	recvOpus []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn net.Conn, ssrc uint32, ip string, port uint16) *Connection {
	return &Connection{
		GatewayIP:   ip,
		GatewayPort: port,
		conn:        conn,
		send:        NewPacketizer(ssrc, FrameSamples),
		recv:        NewPacketizer(ssrc, FrameSamples),
		sendBuf:     make([]byte, 0, maxPacketReadSize),
		recvBuf:     make([]byte, maxPacketReadSize),
		recvOpus:    make([]byte, 0, maxPacketReadSize),
		closed:      make(chan struct{}),
	}
}

// UseSecret sets the encryption mode and key of both directions. It must be
// called before the first Write.
func (c *Connection) UseSecret(mode string, secret [32]byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.send.UseSecret(mode, secret); err != nil {
		return err
	}
	return c.recv.UseSecret(mode, secret)
}

// SSRC returns the SSRC of sent packets.
func (c *Connection) SSRC() uint32 { return c.send.SSRC() }

// Sequence returns the sequence number of the next sent packet.
func (c *Connection) Sequence() uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.send.Sequence()
}

// Timestamp returns the timestamp of the next sent packet.
func (c *Connection) Timestamp() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.send.Timestamp()
}

// SetWriteDeadline sets the deadline of Write.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline of ReadPacket.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Write sends one Opus frame as an encrypted RTP packet. It does not pace
// writes.
func (c *Connection) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	packet, err := c.send.Seal(c.sendBuf[:0], b)
	if err != nil {
		return 0, err
	}
	c.sendBuf = packet[:0]

	n, err := c.conn.Write(packet)
	if err != nil {
		return 0, errors.Wrap(err, "failed to write to UDP connection")
	}

	c.Metrics.PacketSent(n)
	return len(b), nil
}

// ReadPacket reads until a voice packet arrives and decrypts it. The
// returned packet is invalidated by the next call.
func (c *Connection) ReadPacket() (*Packet, error) {
	for {
		n, err := c.conn.Read(c.recvBuf)
		if err != nil {
			return nil, err
		}

		buf := c.recvBuf[:n]
		if n < HeaderSize || (buf[0] != 0x80 && buf[0] != 0x90) {
			continue
		}

		c.mutex.Lock()
		p, err := c.recv.Open(c.recvOpus[:0], buf)
		c.mutex.Unlock()
		if err != nil {
			if errors.Is(err, ErrShortPacket) {
				continue
			}
			return nil, err
		}

		stripExtension(p)
		return p, nil
	}
}

// stripExtension removes the header extension from the decrypted payload.
// Packets with the marker bit set are RTCP and keep their payload.
func stripExtension(p *Packet) {
	if !p.Header.Extension || p.Header.Marker || len(p.Opus) < 4 {
		return
	}

	extLen := binary.BigEndian.Uint16(p.Opus[2:4])
	shift := 4 + 4*int(extLen)

	if len(p.Opus) > shift {
		p.Opus = p.Opus[shift:]
	}
}

// Close closes the connection. Pending reads return an error.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
