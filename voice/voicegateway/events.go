package voicegateway

import (
	"net"
	"strconv"
	"time"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/utils/json"
	"github.com/cordwire/cordwire/utils/ws"
)

// Event is an op received from the voice gateway after the handshake.
type Event struct {
	Code ws.OpCode
	Name string
	Data json.Raw
	// Value is the parsed data, or nil if the op has no parser.
	Value interface{}
}

// Decode decodes the raw data into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventParsers creates the values ops are parsed into.
var EventParsers = map[ws.OpCode]func() interface{}{
	ReadyOP:              func() interface{} { return new(ReadyEvent) },
	SessionDescriptionOP: func() interface{} { return new(SessionDescriptionEvent) },
	SpeakingOP:           func() interface{} { return new(SpeakingEvent) },
	ResumedOP:            func() interface{} { return new(ResumedEvent) },
	ClientConnectOP:      func() interface{} { return new(ClientConnectEvent) },
	ClientDisconnectOP:   func() interface{} { return new(ClientDisconnectEvent) },
}

// HelloEvent is the first op of a connection.
type HelloEvent struct {
	// HeartbeatInterval is in milliseconds. It may be fractional.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval.
func (h HelloEvent) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
}

// ReadyEvent carries the UDP endpoint and the SSRC assigned to the client.
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Addr returns the UDP address as host:port.
func (r ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SessionDescriptionEvent carries the key audio is encrypted with.
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// SpeakingEvent is received when another user starts or stops speaking.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

// ResumedEvent confirms a RESUME.
type ResumedEvent struct{}

// ClientConnectEvent is received when a user joins the channel.
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

// ClientDisconnectEvent is received when a user leaves the channel.
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}
