package gateway

import (
	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/utils/json"
)

// Event is a single dispatched event. Gateway events carry their raw payload
// in Data; events known to this package also have their decoded form in
// Value. Lifecycle events have no Data.
type Event struct {
	Name     string
	Data     json.Raw
	Sequence int64
	ShardID  int

	// Value is a pointer to one of the *Event structs below, an error for
	// DisconnectEvent, or nil.
	Value interface{}
}

// Decode unmarshals the raw payload into v.
func (ev Event) Decode(v interface{}) error {
	return json.Unmarshal(ev.Data, v)
}

// EventParsers maps event names to constructors of their decoded form. Events
// not listed here are dispatched with a nil Value.
var EventParsers = map[string]func() interface{}{
	ReadyEventName:             func() interface{} { return new(ReadyEvent) },
	ResumedEventName:           func() interface{} { return new(ResumedEventData) },
	GuildCreateEventName:       func() interface{} { return new(GuildCreateEvent) },
	GuildDeleteEventName:       func() interface{} { return new(GuildDeleteEvent) },
	VoiceStateUpdateEventName:  func() interface{} { return new(VoiceStateUpdateEvent) },
	VoiceServerUpdateEventName: func() interface{} { return new(VoiceServerUpdateEvent) },
}

// HelloEvent is received with op 10.
type HelloEvent struct {
	// HeartbeatInterval is in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// InvalidSessionEvent is received with op 9. It is true if the session can
// be resumed.
type InvalidSessionEvent bool

// User is the subset of a user object the gateway needs.
type User struct {
	ID       discord.UserID `json:"id"`
	Username string         `json:"username"`
	Bot      bool           `json:"bot,omitempty"`
}

// UnavailableGuild is a guild that has not been sent yet.
type UnavailableGuild struct {
	ID          discord.GuildID `json:"id"`
	Unavailable bool            `json:"unavailable"`
}

// ReadyEvent is the first dispatch of a new session.
type ReadyEvent struct {
	Version   int                `json:"v"`
	User      User               `json:"user"`
	Guilds    []UnavailableGuild `json:"guilds"`
	SessionID string             `json:"session_id"`
	Shard     *Shard             `json:"shard,omitempty"`

	// ResumeGatewayURL is used instead of the regular gateway URL when
	// resuming.
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// ResumedEventData is the payload of a RESUMED dispatch.
type ResumedEventData struct{}

// GuildCreateEvent is dispatched when a guild becomes available.
type GuildCreateEvent struct {
	ID          discord.GuildID `json:"id"`
	Name        string          `json:"name"`
	Unavailable bool            `json:"unavailable,omitempty"`

	VoiceStates []VoiceState `json:"voice_states,omitempty"`
}

// GuildDeleteEvent is dispatched when a guild becomes unavailable or the bot
// leaves it.
type GuildDeleteEvent UnavailableGuild

// VoiceState is a user's voice connection status.
type VoiceState struct {
	GuildID   discord.GuildID   `json:"guild_id,omitempty"`
	ChannelID discord.ChannelID `json:"channel_id"`
	UserID    discord.UserID    `json:"user_id"`
	SessionID string            `json:"session_id"`

	SelfMute bool `json:"self_mute"`
	SelfDeaf bool `json:"self_deaf"`
}

// VoiceStateUpdateEvent is dispatched when a voice state changes.
type VoiceStateUpdateEvent VoiceState

// VoiceServerUpdateEvent carries the credentials for a voice server. A null
// Endpoint means the server is unavailable.
type VoiceServerUpdateEvent struct {
	Token    string          `json:"token"`
	GuildID  discord.GuildID `json:"guild_id"`
	Endpoint string          `json:"endpoint"`
}
