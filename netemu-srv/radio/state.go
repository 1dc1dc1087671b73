package radio

import (
	"fmt"
	"strings"
)

// Status is the registration state of the data or voice network.
type Status int

const (
	StatusUnregistered Status = iota
	StatusHome
	StatusRoaming
	StatusSearching
	StatusDenied
	numStatuses
)

var statusNames = [numStatuses]string{"unregistered", "home", "roaming", "searching", "denied"}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= 0 && s < numStatuses
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses a status name. "off" and "on" are accepted as
// aliases for unregistered and home.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unregistered", "off":
		return StatusUnregistered, nil
	case "home", "on":
		return StatusHome, nil
	case "roaming":
		return StatusRoaming, nil
	case "searching":
		return StatusSearching, nil
	case "denied":
		return StatusDenied, nil
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Standard is the simulated radio technology, ordered by generation.
type Standard int

const (
	StandardGSM Standard = iota
	StandardHSCSD
	StandardGPRS
	StandardEDGE
	StandardUMTS
	StandardHSDPA
	StandardLTE
	StandardNR
	StandardFull
	numStandards
)

var standardNames = [numStandards]string{"gsm", "hscsd", "gprs", "edge", "umts", "hsdpa", "lte", "5g", "full"}

func (s Standard) String() string {
	if s.Valid() {
		return standardNames[s]
	}
	return fmt.Sprintf("standard(%d)", int(s))
}

func (s Standard) Valid() bool {
	return s >= 0 && s < numStandards
}

func (s Standard) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid standard %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Standard) UnmarshalText(text []byte) error {
	parsed, err := ParseStandard(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Standards returns every standard from the oldest generation to the newest.
func Standards() []Standard {
	out := make([]Standard, numStandards)
	for i := range out {
		out[i] = Standard(i)
	}
	return out
}

// ParseStandard parses a standard name; "nr" is accepted for 5g.
func ParseStandard(name string) (Standard, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "nr" {
		return StandardNR, nil
	}
	for i, known := range standardNames {
		if n == known {
			return Standard(i), nil
		}
	}
	return 0, fmt.Errorf("unknown standard %q", name)
}

const (
	MinSignalStrength = 0
	MaxSignalStrength = 31
	// UnknownBitErrorRate is reported when the bit error rate is not known.
	UnknownBitErrorRate = 99
	maxBitErrorRate     = 7
)

// signalProfiles maps the five signal quality levels, none to great, to an rssi.
var signalProfiles = [...]int{0, 5, 12, 20, 30}

// State is an immutable view of the radio.
type State struct {
	Status         Status   `json:"status"`
	Standard       Standard `json:"standard"`
	SignalStrength int      `json:"signal_strength"`
	BitErrorRate   int      `json:"bit_error_rate"`
	VoiceStatus    Status   `json:"voice_status"`
}

// DefaultState is the radio at emulator start: registered at home on
// HSDPA with a mid-range signal.
func DefaultState() State {
	return State{
		Status:         StatusHome,
		Standard:       StandardHSDPA,
		SignalStrength: 15,
		BitErrorRate:   UnknownBitErrorRate,
		VoiceStatus:    StatusHome,
	}
}

// ClampSignalStrength bounds rssi to [0,31].
func ClampSignalStrength(rssi int) int {
	if rssi < MinSignalStrength {
		return MinSignalStrength
	}
	if rssi > MaxSignalStrength {
		return MaxSignalStrength
	}
	return rssi
}

// ClampBitErrorRate maps anything outside [0,7] to unknown.
func ClampBitErrorRate(ber int) int {
	if ber < 0 || ber > maxBitErrorRate {
		return UnknownBitErrorRate
	}
	return ber
}

func (s State) normalized() State {
	s.SignalStrength = ClampSignalStrength(s.SignalStrength)
	s.BitErrorRate = ClampBitErrorRate(s.BitErrorRate)
	return s
}

func (s State) validate() error {
	if !s.Status.Valid() || !s.VoiceStatus.Valid() {
		return fmt.Errorf("invalid status")
	}
	if !s.Standard.Valid() {
		return fmt.Errorf("invalid standard")
	}
	return nil
}
