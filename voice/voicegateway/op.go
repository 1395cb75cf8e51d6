package voicegateway

import (
	"strconv"

	"github.com/cordwire/cordwire/utils/ws"
)

// Version is the voice gateway version.
const Version = "4"

// Voice gateway opcodes.
const (
	IdentifyOP           ws.OpCode = 0 // send
	SelectProtocolOP     ws.OpCode = 1 // send
	ReadyOP              ws.OpCode = 2 // receive
	HeartbeatOP          ws.OpCode = 3 // send
	SessionDescriptionOP ws.OpCode = 4 // receive
	SpeakingOP           ws.OpCode = 5 // send/receive
	HeartbeatAckOP       ws.OpCode = 6 // receive
	ResumeOP             ws.OpCode = 7 // send
	HelloOP              ws.OpCode = 8 // receive
	ResumedOP            ws.OpCode = 9 // receive
	ClientConnectOP      ws.OpCode = 12
	ClientDisconnectOP   ws.OpCode = 13
)

var opNames = map[ws.OpCode]string{
	IdentifyOP:           "IDENTIFY",
	SelectProtocolOP:     "SELECT_PROTOCOL",
	ReadyOP:              "READY",
	HeartbeatOP:          "HEARTBEAT",
	SessionDescriptionOP: "SESSION_DESCRIPTION",
	SpeakingOP:           "SPEAKING",
	HeartbeatAckOP:       "HEARTBEAT_ACK",
	ResumeOP:             "RESUME",
	HelloOP:              "HELLO",
	ResumedOP:            "RESUMED",
	ClientConnectOP:      "CLIENT_CONNECT",
	ClientDisconnectOP:   "CLIENT_DISCONNECT",
}

// OpName returns the event name handlers are registered under for code.
// Unknown codes are named by their number.
func OpName(code ws.OpCode) string {
	if name, ok := opNames[code]; ok {
		return name
	}
	return "OP_" + strconv.Itoa(int(code))
}

// Handler names of the events delivered after the handshake.
var (
	ReadyEventName              = OpName(ReadyOP)
	SessionDescriptionEventName = OpName(SessionDescriptionOP)
	SpeakingEventName           = OpName(SpeakingOP)
	ResumedEventName            = OpName(ResumedOP)
	ClientConnectEventName      = OpName(ClientConnectOP)
	ClientDisconnectEventName   = OpName(ClientDisconnectOP)
)

// voiceQuery is the query string of the voice gateway URL.
type voiceQuery struct {
	Version string `schema:"v"`
}
