package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/utils/json"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal and never sent over the wire.
type OpCode int

const (
	// CloseOp is the code of the last Op of every connection. Its Err field
	// is a *CloseEvent.
	CloseOp OpCode = -1
	// ErrorOp is the code of an Op carrying a *BackgroundErrorEvent for a
	// payload that could not be decoded.
	ErrorOp OpCode = -2
)

// EventType is the "t" field of a dispatch payload.
type EventType string

// Op is a single websocket envelope: {op, d, s, t}.
type Op struct {
	Code OpCode   `json:"op"`
	Data json.Raw `json:"d"`

	// Sequence is only set for dispatch events.
	Sequence int64 `json:"s,omitempty"`
	// Type is only set for dispatch events.
	Type EventType `json:"t,omitempty"`

	// Err is only set for internal ops.
	Err error `json:"-"`
}

// NewOp creates an Op with v marshaled as its data.
func NewOp(code OpCode, v interface{}) (Op, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Op{}, errors.Wrap(err, "failed to encode op data")
	}
	return Op{Code: code, Data: b}, nil
}

// Marshal encodes op into its wire form.
func (op Op) Marshal() ([]byte, error) {
	return json.Marshal(op)
}

// UnmarshalData decodes the op data into v.
func (op Op) UnmarshalData(v interface{}) error {
	if err := json.Unmarshal(op.Data, v); err != nil {
		return errors.Wrapf(err, "failed to decode data of op %d %s", op.Code, op.Type)
	}
	return nil
}

// IsInternal returns true if the op was generated locally.
func (op Op) IsInternal() bool {
	return op.Code < 0
}

// CloseEvent is delivered as the Err of the final CloseOp when the websocket
// closes for any reason.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, or -1 if the connection died without
	// a close frame.
	Code int
}

// Unwrap returns e.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

func (e *CloseEvent) Error() string {
	if e.Code == -1 {
		return fmt.Sprintf("websocket closed: %v", e.Err)
	}
	return fmt.Sprintf("websocket closed with code %d: %v", e.Code, e.Err)
}

// BackgroundErrorEvent is a non-fatal error from the read loop, such as a
// malformed payload.
type BackgroundErrorEvent struct {
	Err error
}

// Unwrap returns e.Err.
func (e *BackgroundErrorEvent) Unwrap() error { return e.Err }

func (e *BackgroundErrorEvent) Error() string {
	return "background error: " + e.Err.Error()
}

// CloseCode returns the close code carried by err, or -1 if err is not caused
// by a websocket close.
func CloseCode(err error) int {
	var closeEv *CloseEvent
	if errors.As(err, &closeEv) {
		return closeEv.Code
	}
	return -1
}

// ReadOp reads a single Op, giving up when ctx expires.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
