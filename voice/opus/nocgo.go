//go:build !cgo

package opus

// Encoder applications.
const (
	Voip  = 2048
	Audio = 2049
)

// NewEncoder returns ErrNoEncoder: libopus needs cgo.
func NewEncoder(application, bitrate int) (Encoder, error) {
	return nil, ErrNoEncoder
}

// NewDecoder falls back to the pure Go decoder.
func NewDecoder() (Decoder, error) {
	return NewPureDecoder(), nil
}
