package gateway

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/utils/ws"
)

var (
	// ErrMissingHello is returned if the first op of a connection is not
	// a HELLO.
	ErrMissingHello = errors.New("first op was not HELLO")
	// ErrReconnectRequested is the cause of a ReconnectError triggered by a
	// RECONNECT op.
	ErrReconnectRequested = errors.New("gateway requested a reconnect")
	// ErrInvalidSession is the cause of a ReconnectError triggered by an
	// INVALID_SESSION op.
	ErrInvalidSession = errors.New("session invalidated")
	// ErrClosed is returned when using a Gateway after Close.
	ErrClosed = errors.New("gateway is closed")
)

// DefaultFatalCloseCodes are the close codes after which the connection is
// not retried. 1000 is only ever sent by a deliberate close.
var DefaultFatalCloseCodes = []int{
	1000, // normal closure
	4004, // authentication failed
	4010, // invalid shard
	4011, // sharding required
	4012, // invalid API version
	4013, // invalid intents
	4014, // disallowed intents
}

// ReconnectError signals the supervisor that the connection ended and should
// be reestablished. It is not a failure by itself.
type ReconnectError struct {
	// Resume is true if the session may be resumed.
	Resume bool
	Err    error
}

func (e *ReconnectError) Error() string {
	if e.Resume {
		return "reconnect with resume: " + e.Err.Error()
	}
	return "reconnect with identify: " + e.Err.Error()
}

// Unwrap returns e.Err.
func (e *ReconnectError) Unwrap() error { return e.Err }

// FatalError is a terminal failure. The connection must not be retried.
type FatalError struct {
	// Code is the close code, if any.
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gateway closed fatally with code %d: %v", e.Code, e.Err)
}

// Unwrap returns e.Err.
func (e *FatalError) Unwrap() error { return e.Err }

func isFatalCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// Classify decides how to recover from err using DefaultFatalCloseCodes.
// Everything that is not known to be fatal is resumable: closes with other
// codes, dead heartbeats, timeouts and socket errors.
func Classify(err error) (resume, fatal bool) {
	return classify(err, DefaultFatalCloseCodes)
}

func classify(err error, fatalCodes []int) (resume, fatal bool) {
	if err == nil {
		return false, false
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return false, true
	}

	var reconnectErr *ReconnectError
	if errors.As(err, &reconnectErr) {
		return reconnectErr.Resume, false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false, true
	}

	if code := ws.CloseCode(err); code != -1 && isFatalCode(fatalCodes, code) {
		return false, true
	}

	return true, false
}
