package gateway

// Intents is a bitmask of the event groups a connection subscribes to. See
// https://discord.com/developers/docs/topics/gateway#gateway-intents.
type Intents uint32

const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
	IntentGuildScheduledEvents
)

// DefaultIntents are the intents needed to track guilds and voice.
const DefaultIntents = IntentGuilds | IntentGuildVoiceStates

// PrivilegedIntents must be enabled explicitly in the developer portal.
var PrivilegedIntents = []Intents{
	IntentGuildPresences,
	IntentGuildMembers,
	IntentMessageContent,
}

// Has returns true if i has all of the given intents.
func (i Intents) Has(intents Intents) bool {
	return i&intents == intents
}

// IsPrivileged returns true if i contains any privileged intent.
func (i Intents) IsPrivileged() bool {
	for _, p := range PrivilegedIntents {
		if i.Has(p) {
			return true
		}
	}
	return false
}
