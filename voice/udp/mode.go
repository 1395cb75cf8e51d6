package udp

import "github.com/pkg/errors"

// Encryption modes, from the most to the least preferred.
const (
	ModeLite   = "xsalsa20_poly1305_lite"
	ModeSuffix = "xsalsa20_poly1305_suffix"
	ModePlain  = "xsalsa20_poly1305"
)

// SupportedModes lists the modes a Packetizer implements in order of
// preference.
var SupportedModes = []string{ModeLite, ModeSuffix, ModePlain}

// ErrNoSupportedMode is returned by SelectMode if the server offers none of
// the supported modes.
var ErrNoSupportedMode = errors.New("no supported encryption mode")

// SelectMode picks the preferred mode among the ones the server offers.
func SelectMode(serverModes []string) (string, error) {
	return SelectModeFrom(SupportedModes, serverModes)
}

// SelectModeFrom picks the first mode of preference that the server offers.
func SelectModeFrom(preference, serverModes []string) (string, error) {
	for _, mode := range preference {
		if !isSupported(mode) {
			continue
		}
		for _, offered := range serverModes {
			if offered == mode {
				return mode, nil
			}
		}
	}
	return "", ErrNoSupportedMode
}

func isSupported(mode string) bool {
	for _, m := range SupportedModes {
		if m == mode {
			return true
		}
	}
	return false
}
