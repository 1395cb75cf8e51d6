package gateway

import (
	"strconv"

	"github.com/cordwire/cordwire/discord"
)

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Shard is [shard_id, num_shards].
type Shard [2]int

// ShardID returns the shard ID.
func (s Shard) ShardID() int { return s[0] }

// NumShards returns the total number of shards.
func (s Shard) NumShards() int { return s[1] }

// IdentifyCommand is sent with op 2.
type IdentifyCommand struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`

	// Compress enables per-payload compression. It is unrelated to the
	// zlib-stream transport compression and is never set by this package.
	Compress       bool `json:"compress"`
	LargeThreshold int  `json:"large_threshold,omitempty"`

	Shard    *Shard                 `json:"shard,omitempty"`
	Presence *UpdatePresenceCommand `json:"presence,omitempty"`
	Intents  Intents                `json:"intents"`
}

// SetShard sets the shard. The shard is omitted when num is 1 or less.
func (i *IdentifyCommand) SetShard(id, num int) {
	if num <= 1 {
		i.Shard = nil
		return
	}
	i.Shard = &Shard{id, num}
}

// ResumeCommand is sent with op 6.
type ResumeCommand struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// HeartbeatCommand is the last received sequence, or null if nothing was
// received yet.
type HeartbeatCommand struct {
	Sequence int64
}

// MarshalJSON implements json.Marshaler.
func (h HeartbeatCommand) MarshalJSON() ([]byte, error) {
	if h.Sequence == 0 {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(h.Sequence, 10)), nil
}

// UpdateVoiceStateCommand is sent with op 4 to join, move between or leave
// voice channels. A null ChannelID leaves.
type UpdateVoiceStateCommand struct {
	GuildID   discord.GuildID    `json:"guild_id"`
	ChannelID *discord.ChannelID `json:"channel_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}

// RequestGuildMembersCommand is sent with op 8.
type RequestGuildMembersCommand struct {
	GuildID   discord.GuildID  `json:"guild_id"`
	UserIDs   []discord.UserID `json:"user_ids,omitempty"`
	Query     *string          `json:"query,omitempty"`
	Limit     int              `json:"limit"`
	Presences bool             `json:"presences,omitempty"`
	Nonce     string           `json:"nonce,omitempty"`
}

// PresenceStatus is a user presence status.
type PresenceStatus string

const (
	OnlineStatus       PresenceStatus = "online"
	DoNotDisturbStatus PresenceStatus = "dnd"
	IdleStatus         PresenceStatus = "idle"
	InvisibleStatus    PresenceStatus = "invisible"
	OfflineStatus      PresenceStatus = "offline"
)

// ActivityType is the verb shown before an activity name.
type ActivityType uint8

const (
	// Playing $name
	GameActivity ActivityType = iota
	// Streaming $details
	StreamingActivity
	// Listening to $name
	ListeningActivity
	// Watching $name
	WatchingActivity
	// $emoji $state
	CustomActivity
	// Competing in $name
	CompetingActivity
)

// Activity is a bot activity.
type Activity struct {
	Name  string       `json:"name"`
	Type  ActivityType `json:"type"`
	URL   string       `json:"url,omitempty"`
	State string       `json:"state,omitempty"`
}

// UpdatePresenceCommand is sent with op 3.
type UpdatePresenceCommand struct {
	// Since is the unix time in milliseconds of when the client went idle.
	Since      int64          `json:"since"`
	Activities []Activity     `json:"activities"`
	Status     PresenceStatus `json:"status"`
	AFK        bool           `json:"afk"`
}
