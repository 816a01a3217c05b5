package grbl

import (
	"encoding/json"
	"strings"
)

// InfoFlags record which pieces of data have been observed.
type InfoFlags uint32

const (
	InfoHasWorkingCoords InfoFlags = 1 << iota
	InfoHasMachineCoords
	InfoHasWorkingOffset
	InfoHasBuffers
	InfoHasLineNumber
	InfoHasFeedRate
	InfoHasSpindleSpeed
	InfoHasOverrides
	InfoHasActioners
	InfoHasSwitches
	InfoHasConfig
	InfoHasStartingBlocks
	InfoHasParserState
	InfoHasToolLengthOffset
	InfoHasProbe
	InfoIsMillimeters
	InfoIsAbsolute
	InfoHasError
)

var infoNames = []string{
	"has_working_coords",
	"has_machine_coords",
	"has_working_offset",
	"has_buffers",
	"has_line_number",
	"has_feed_rate",
	"has_spindle_speed",
	"has_overrides",
	"has_actioners",
	"has_switches",
	"has_config",
	"has_starting_blocks",
	"has_parser_state",
	"has_tool_length_offset",
	"has_probe",
	"is_millimeters",
	"is_absolute",
	"has_error",
}

// Has reports whether every flag in x is set.
func (f InfoFlags) Has(x InfoFlags) bool { return f&x == x }

// Set sets the flags in x.
func (f *InfoFlags) Set(x InfoFlags) { *f |= x }

// Clear clears the flags in x.
func (f *InfoFlags) Clear(x InfoFlags) { *f &^= x }

func (f InfoFlags) String() string { return strings.Join(flagNames(uint64(f), infoNames), "|") }

// MarshalJSON renders the set as a list of names.
func (f InfoFlags) MarshalJSON() ([]byte, error) { return json.Marshal(flagNames(uint64(f), infoNames)) }

// FeatureFlags are device capabilities and host behavior toggles.
type FeatureFlags uint32

const (
	// FeatureAskStatus enables the periodic status query.
	FeatureAskStatus FeatureFlags = 1 << iota
	FeatureVariableSpindle
	FeatureLaserMode
	FeatureCoolantMist
	FeatureReportsName
	FeatureReportsVersion
)

var featureNames = []string{
	"ask_status",
	"variable_spindle",
	"laser_mode",
	"coolant_mist",
	"reports_name",
	"reports_version",
}

func (f FeatureFlags) Has(x FeatureFlags) bool { return f&x == x }
func (f *FeatureFlags) Set(x FeatureFlags)     { *f |= x }
func (f *FeatureFlags) Clear(x FeatureFlags)   { *f &^= x }

func (f FeatureFlags) String() string {
	return strings.Join(flagNames(uint64(f), featureNames), "|")
}

func (f FeatureFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(flagNames(uint64(f), featureNames))
}

// Switches is the input pin state from the Pn: field.
type Switches uint16

const (
	SwitchProbe Switches = 1 << iota
	SwitchLimitX
	SwitchLimitY
	SwitchLimitZ
	SwitchDoor
	SwitchReset
	SwitchFeedHold
	SwitchCycleStart
)

var switchLetters = []byte{'P', 'X', 'Y', 'Z', 'D', 'R', 'H', 'S'}

var switchNames = []string{
	"probe",
	"limit_x",
	"limit_y",
	"limit_z",
	"door",
	"reset",
	"feed_hold",
	"cycle_start",
}

func (s Switches) Has(x Switches) bool { return s&x == x }

func (s Switches) String() string { return strings.Join(flagNames(uint64(s), switchNames), "|") }

func (s Switches) MarshalJSON() ([]byte, error) {
	return json.Marshal(flagNames(uint64(s), switchNames))
}

// ParseSwitches decodes Pn: letters. Letters with no mapping are returned
// so the caller can report them.
func ParseSwitches(letters string) (Switches, string) {
	var out Switches
	var unknown strings.Builder
	for i := 0; i < len(letters); i++ {
		found := false
		for bit, c := range switchLetters {
			if letters[i] == c {
				out |= 1 << bit
				found = true
				break
			}
		}
		if !found {
			unknown.WriteByte(letters[i])
		}
	}
	return out, unknown.String()
}

// Actioners is the commanded output state from the A: field.
type Actioners uint16

const (
	ActSpindleOn Actioners = 1 << iota
	ActSpindleCCW
	ActSpindleVariable
	ActCoolant
	ActCoolantFlood
	ActCoolantMist
)

var actionerNames = []string{
	"spindle_on",
	"spindle_ccw",
	"spindle_variable",
	"coolant",
	"coolant_flood",
	"coolant_mist",
}

func (a Actioners) Has(x Actioners) bool { return a&x == x }

func (a Actioners) String() string { return strings.Join(flagNames(uint64(a), actionerNames), "|") }

func (a Actioners) MarshalJSON() ([]byte, error) {
	return json.Marshal(flagNames(uint64(a), actionerNames))
}

// ParseActioners decodes A: letters. "SS" and "SC" are the variable speed
// spindle forms; otherwise S is spindle on and C is spindle on counter
// clockwise. F and M are flood and mist coolant.
func ParseActioners(letters string) Actioners {
	var out Actioners
	switch {
	case strings.Contains(letters, "SS"):
		out |= ActSpindleOn | ActSpindleVariable
	case strings.Contains(letters, "SC"):
		out |= ActSpindleOn | ActSpindleVariable | ActSpindleCCW
	default:
		if strings.Contains(letters, "S") {
			out |= ActSpindleOn
		}
		if strings.Contains(letters, "C") {
			out |= ActSpindleOn | ActSpindleCCW
		}
	}
	if strings.Contains(letters, "F") {
		out |= ActCoolant | ActCoolantFlood
	}
	if strings.Contains(letters, "M") {
		out |= ActCoolant | ActCoolantMist
	}
	return out
}

func flagNames(v uint64, names []string) []string {
	out := []string{}
	for i, name := range names {
		if v&(1<<uint(i)) != 0 {
			out = append(out, name)
		}
	}
	return out
}
