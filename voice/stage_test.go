package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func advanceAll(t *testing.T, s Stage, flags ...Stage) Stage {
	t.Helper()

	for _, flag := range flags {
		var err error
		s, err = s.Advance(flag)
		require.NoError(t, err, "advancing %v with %v", s, flag)
	}
	return s
}

func TestStageHandshakeOrders(t *testing.T) {
	tail := []Stage{
		GotBothVoiceUpdates,
		WebsocketConnected,
		GotWebsocketReady,
		GotUDPDiscovery,
		Connected,
	}

	byState := advanceAll(t, Disconnected,
		append([]Stage{SetGuildVoiceState, GotVoiceStateUpdate, GotVoiceServerUpdate}, tail...)...)
	byServer := advanceAll(t, Disconnected,
		append([]Stage{SetGuildVoiceState, GotVoiceServerUpdate, GotVoiceStateUpdate}, tail...)...)

	assert.Equal(t, byState, byServer)
	assert.True(t, byState.Has(Connected|GotBothVoiceUpdates))
	assert.False(t, byState.Has(Disconnected))
}

func TestStageInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Stage
		flag Stage
	}{
		{"update before request", Disconnected, GotVoiceStateUpdate},
		{"both without server", SetGuildVoiceState | GotVoiceStateUpdate, GotBothVoiceUpdates},
		{"websocket before updates", SetGuildVoiceState, WebsocketConnected},
		{"ready before websocket", SetGuildVoiceState | GotVoiceStateUpdate | GotVoiceServerUpdate | GotBothVoiceUpdates, GotWebsocketReady},
		{"resumed without reconnecting", SetGuildVoiceState | GotBothVoiceUpdates | WebsocketConnected | GotUDPDiscovery, Resumed},
		{"unknown flag", SetGuildVoiceState, Stage(3)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, err := test.from.Advance(test.flag)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, test.from, s)
		})
	}
}

func TestStageRecovery(t *testing.T) {
	connected := advanceAll(t, Disconnected,
		SetGuildVoiceState, GotVoiceStateUpdate, GotVoiceServerUpdate, GotBothVoiceUpdates,
		WebsocketConnected, GotWebsocketReady, GotUDPDiscovery, Connected)

	reconnecting := advanceAll(t, connected, Reconnecting)
	assert.True(t, reconnecting.Has(Reconnecting))
	assert.False(t, reconnecting.Has(Connected))
	assert.False(t, reconnecting.Has(WebsocketConnected))
	assert.True(t, reconnecting.Has(GotUDPDiscovery), "UDP survives a resume")

	resumed := advanceAll(t, reconnecting, WebsocketConnected, Resumed, Connected)
	assert.True(t, resumed.Has(Resumed|Connected))
	assert.False(t, resumed.Has(Reconnecting))

	// A new voice server drops the sockets but keeps the updates.
	migrated := advanceAll(t, connected, GotVoiceServerUpdate)
	assert.False(t, migrated.Has(Connected))
	assert.False(t, migrated.Has(WebsocketConnected))
	assert.True(t, migrated.Has(GotBothVoiceUpdates))

	// A rejoin while reconnecting keeps Reconnecting.
	rejoin := advanceAll(t, reconnecting, SetGuildVoiceState)
	assert.Equal(t, SetGuildVoiceState|Reconnecting, rejoin)

	assert.Equal(t, Disconnected, advanceAll(t, resumed, Disconnected))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "set_guild_voice_state", SetGuildVoiceState.String())
	assert.Equal(t,
		"set_guild_voice_state|got_voice_server_update|reconnecting",
		(SetGuildVoiceState | GotVoiceServerUpdate | Reconnecting).String())
}
