package gateway

import "github.com/cordwire/cordwire/utils/ws"

// Gateway opcodes.
const (
	DispatchOP            ws.OpCode = 0  // recv
	HeartbeatOP           ws.OpCode = 1  // send/recv
	IdentifyOP            ws.OpCode = 2  // send
	UpdatePresenceOP      ws.OpCode = 3  // send
	UpdateVoiceStateOP    ws.OpCode = 4  // send
	ResumeOP              ws.OpCode = 6  // send
	ReconnectOP           ws.OpCode = 7  // recv
	RequestGuildMembersOP ws.OpCode = 8  // send
	InvalidSessionOP      ws.OpCode = 9  // recv
	HelloOP               ws.OpCode = 10 // recv
	HeartbeatAckOP        ws.OpCode = 11 // recv
)

// Version is the gateway API version.
const Version = "10"

// Encoding is the only payload encoding supported.
const Encoding = "json"

// Lifecycle event names. These are dispatched locally in addition to the
// events received from the gateway.
const (
	// DisconnectEvent is dispatched when a connection ends for any reason.
	// Its Value is the error that ended it, or nil after Close.
	DisconnectEvent = "disconnect"
	// ShardDisconnectEvent is dispatched right after DisconnectEvent. Its
	// ShardID identifies the shard.
	ShardDisconnectEvent = "shard_disconnect"
	// ResumedEvent is dispatched after a successful resume.
	ResumedEvent = "resumed"
)

// Gateway dispatch event names used by this package.
const (
	ReadyEventName             = "READY"
	ResumedEventName           = "RESUMED"
	GuildCreateEventName       = "GUILD_CREATE"
	GuildDeleteEventName       = "GUILD_DELETE"
	VoiceStateUpdateEventName  = "VOICE_STATE_UPDATE"
	VoiceServerUpdateEventName = "VOICE_SERVER_UPDATE"
)

// gatewayQuery is the query string of the gateway URL.
type gatewayQuery struct {
	Version  string `schema:"v"`
	Encoding string `schema:"encoding"`
	Compress string `schema:"compress,omitempty"`
}
