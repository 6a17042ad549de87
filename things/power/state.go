package power

import "strings"

// State represents the possible IPMI power states
type State int

const (
	StateUnknown State = iota
	StateOn
	StateOff
	StateSoftOff
	StateCycling
	StateFault
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	case StateSoftOff:
		return "soft-off"
	case StateCycling:
		return "cycling"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// ParseState converts the state reported by ipmitool to a State.
func ParseState(state string) State {
	state = strings.ToLower(strings.TrimSpace(state))
	switch state {
	case "on":
		return StateOn
	case "off":
		return StateOff
	case "soft-off":
		return StateSoftOff
	case "cycling":
		return StateCycling
	case "fault":
		return StateFault
	default:
		return StateUnknown
	}
}
