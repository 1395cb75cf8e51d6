package voice

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned by Advance when the stage lacks the
// prerequisites of the requested flag.
var ErrInvalidTransition = errors.New("invalid voice stage transition")

// Stage is the handshake progress of a voice connection as a set of flags.
// The zero value is Disconnected.
type Stage uint16

const (
	SetGuildVoiceState Stage = 1 << iota
	GotVoiceStateUpdate
	GotVoiceServerUpdate
	GotBothVoiceUpdates
	WebsocketConnected
	GotWebsocketReady
	GotUDPDiscovery
	Connected
	Resumed
	Reconnecting

	Disconnected Stage = 0
)

const (
	allStages   = Reconnecting<<1 - 1
	socketFlags = WebsocketConnected | GotWebsocketReady | GotUDPDiscovery | Connected | Resumed
)

type transition struct {
	requires Stage
	clears   Stage
}

// transitions lists, for each flag, the flags that must already be set and
// the flags that setting it clears. Reconnecting is cleared by every path
// that ends a recovery: Connected, Resumed and Disconnected.
var transitions = map[Stage]transition{
	Disconnected:         {0, allStages},
	SetGuildVoiceState:   {0, allStages &^ Reconnecting},
	GotVoiceStateUpdate:  {SetGuildVoiceState, 0},
	GotVoiceServerUpdate: {SetGuildVoiceState, socketFlags},
	GotBothVoiceUpdates:  {GotVoiceStateUpdate | GotVoiceServerUpdate, 0},
	WebsocketConnected:   {GotBothVoiceUpdates, 0},
	GotWebsocketReady:    {WebsocketConnected, 0},
	GotUDPDiscovery:      {GotWebsocketReady, 0},
	Connected:            {GotBothVoiceUpdates | WebsocketConnected | GotUDPDiscovery, Reconnecting},
	Reconnecting:         {GotBothVoiceUpdates, WebsocketConnected | Connected | Resumed},
	Resumed:              {Reconnecting | WebsocketConnected | GotUDPDiscovery, Reconnecting},
}

// Advance returns the stage with flag set. It fails if the prerequisites of
// flag are missing.
func (s Stage) Advance(flag Stage) (Stage, error) {
	t, ok := transitions[flag]
	if !ok {
		return s, errors.Wrapf(ErrInvalidTransition, "unknown flag %d", flag)
	}
	if s&t.requires != t.requires {
		return s, errors.Wrapf(ErrInvalidTransition, "%v to %v", s, flag)
	}
	return s&^t.clears | flag, nil
}

// Has returns true if every flag of flags is set. Has(Disconnected) is true
// only for the zero stage.
func (s Stage) Has(flags Stage) bool {
	if flags == Disconnected {
		return s == Disconnected
	}
	return s&flags == flags
}

var stageNames = []string{
	"set_guild_voice_state",
	"got_voice_state_update",
	"got_voice_server_update",
	"got_both_voice_updates",
	"websocket_connected",
	"got_websocket_ready",
	"got_udp_discovery",
	"connected",
	"resumed",
	"reconnecting",
}

func (s Stage) String() string {
	if s == Disconnected {
		return "disconnected"
	}

	var names []string
	for i, name := range stageNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
