// Package json wraps a swappable JSON implementation and provides the Raw
// payload type used by the gateway envelopes.
package json

import (
	"encoding/json"
	"io"
)

// Driver is a JSON implementation.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	DecodeStream(r io.Reader, v interface{}) error
}

type stdDriver struct{}

func (stdDriver) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (stdDriver) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (stdDriver) DecodeStream(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Default is the driver used by the package-level functions. It uses
// encoding/json.
var Default Driver = stdDriver{}

// Marshal uses the default driver.
func Marshal(v interface{}) ([]byte, error) { return Default.Marshal(v) }

// Unmarshal uses the default driver.
func Unmarshal(data []byte, v interface{}) error { return Default.Unmarshal(data, v) }

// DecodeStream uses the default driver.
func DecodeStream(r io.Reader, v interface{}) error { return Default.DecodeStream(r, v) }

// Raw is an undecoded JSON value. A nil Raw marshals as null.
type Raw []byte

// Null is the JSON null literal.
var Null = Raw("null")

// MarshalJSON implements json.Marshaler.
func (r Raw) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// IsNull returns true if r is empty or the null literal.
func (r Raw) IsNull() bool {
	return len(r) == 0 || string(r) == "null"
}

func (r Raw) String() string {
	return string(r)
}
