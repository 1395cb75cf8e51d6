package voicegateway

import (
	"github.com/cordwire/cordwire/discord"
)

// IdentifyCommand starts a new voice session.
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// ResumeCommand resumes a voice session after the socket dropped.
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// SelectProtocolCommand tells the server where to send audio to and how it
// is encrypted.
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"` // always "udp"
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the discovered external address and chosen mode.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// SpeakingFlag describes what kind of audio is being sent.
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority

	NotSpeaking SpeakingFlag = 0
)

// SpeakingCommand must be sent before audio is sent, or the server drops it.
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}
