package grbl

import (
	"fmt"
	"strconv"
	"strings"

	"controlncenter/pkg/errors"
)

// Command is an abstract device command.
type Command int

const (
	CommandStatus Command = iota + 1
	CommandCycleStart
	CommandFeedHold
	CommandReset
	CommandSafetyDoor
	CommandJogCancel
	CommandDebugReport
	CommandFeedOverride
	CommandRapidOverride
	CommandSpindleOverride
	CommandCoolantFloodToggle
	CommandCoolantMistToggle
	CommandHome
	CommandUnlock
	CommandViewConfig
	CommandViewBuildInfo
	CommandViewStartingBlocks
	CommandCheckMode
	CommandViewParserState
	CommandViewParameters
)

// SubCommand selects the step of an override command.
type SubCommand int

const (
	SubNone SubCommand = iota
	SubReset
	SubCoarsePlus
	SubCoarseMinus
	SubFinePlus
	SubFineMinus
	SubMedium
	SubLow
	SubStop
)

// Realtime command bytes. They are acted on as soon as the device receives
// them and are never followed by a newline.
const (
	RealtimeStatus         byte = '?'
	RealtimeCycleStart     byte = '~'
	RealtimeFeedHold       byte = '!'
	RealtimeReset          byte = 0x18
	RealtimeSafetyDoor     byte = 0x84
	RealtimeJogCancel      byte = 0x85
	RealtimeDebugReport    byte = 0x86
	RealtimeFeedReset      byte = 0x90
	RealtimeFeedCoarsePlus byte = 0x91
	RealtimeFeedCoarseMin  byte = 0x92
	RealtimeFeedFinePlus   byte = 0x93
	RealtimeFeedFineMin    byte = 0x94
	RealtimeRapidReset     byte = 0x95
	RealtimeRapidMedium    byte = 0x96
	RealtimeRapidLow       byte = 0x97
	RealtimeSpindleReset   byte = 0x99
	RealtimeSpindleCoarseP byte = 0x9A
	RealtimeSpindleCoarseM byte = 0x9B
	RealtimeSpindleFineP   byte = 0x9C
	RealtimeSpindleFineM   byte = 0x9D
	RealtimeSpindleStop    byte = 0x9E
	RealtimeFloodToggle    byte = 0xA0
	RealtimeMistToggle     byte = 0xA1
)

var realtimeCommands = map[Command]byte{
	CommandStatus:             RealtimeStatus,
	CommandCycleStart:         RealtimeCycleStart,
	CommandFeedHold:           RealtimeFeedHold,
	CommandReset:              RealtimeReset,
	CommandSafetyDoor:         RealtimeSafetyDoor,
	CommandJogCancel:          RealtimeJogCancel,
	CommandDebugReport:        RealtimeDebugReport,
	CommandCoolantFloodToggle: RealtimeFloodToggle,
	CommandCoolantMistToggle:  RealtimeMistToggle,
}

var overrideCommands = map[Command]map[SubCommand]byte{
	CommandFeedOverride: {
		SubReset:       RealtimeFeedReset,
		SubCoarsePlus:  RealtimeFeedCoarsePlus,
		SubCoarseMinus: RealtimeFeedCoarseMin,
		SubFinePlus:    RealtimeFeedFinePlus,
		SubFineMinus:   RealtimeFeedFineMin,
	},
	CommandRapidOverride: {
		SubReset:  RealtimeRapidReset,
		SubMedium: RealtimeRapidMedium,
		SubLow:    RealtimeRapidLow,
	},
	CommandSpindleOverride: {
		SubReset:       RealtimeSpindleReset,
		SubCoarsePlus:  RealtimeSpindleCoarseP,
		SubCoarseMinus: RealtimeSpindleCoarseM,
		SubFinePlus:    RealtimeSpindleFineP,
		SubFineMinus:   RealtimeSpindleFineM,
		SubStop:        RealtimeSpindleStop,
	},
}

var lineCommands = map[Command]string{
	CommandHome:               "$H",
	CommandUnlock:             "$X",
	CommandViewConfig:         "$$",
	CommandViewBuildInfo:      "$I",
	CommandViewStartingBlocks: "$N",
	CommandCheckMode:          "$C",
	CommandViewParserState:    "$G",
	CommandViewParameters:     "$#",
}

var commandNames = map[Command]string{
	CommandStatus:             "status",
	CommandCycleStart:         "resume",
	CommandFeedHold:           "hold",
	CommandReset:              "reset",
	CommandSafetyDoor:         "door",
	CommandJogCancel:          "jog-cancel",
	CommandDebugReport:        "debug",
	CommandFeedOverride:       "feed",
	CommandRapidOverride:      "rapid",
	CommandSpindleOverride:    "spindle",
	CommandCoolantFloodToggle: "flood",
	CommandCoolantMistToggle:  "mist",
	CommandHome:               "home",
	CommandUnlock:             "unlock",
	CommandViewConfig:         "settings",
	CommandViewBuildInfo:      "info",
	CommandViewStartingBlocks: "startup",
	CommandCheckMode:          "check",
	CommandViewParserState:    "parser",
	CommandViewParameters:     "params",
}

var subCommandNames = map[SubCommand]string{
	SubNone:        "",
	SubReset:       "reset",
	SubCoarsePlus:  "coarse+",
	SubCoarseMinus: "coarse-",
	SubFinePlus:    "fine+",
	SubFineMinus:   "fine-",
	SubMedium:      "medium",
	SubLow:         "low",
	SubStop:        "stop",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "Command(" + strconv.Itoa(int(c)) + ")"
}

func (s SubCommand) String() string {
	if name, ok := subCommandNames[s]; ok {
		return name
	}
	return "SubCommand(" + strconv.Itoa(int(s)) + ")"
}

// IsOverride reports whether c takes a SubCommand.
func (c Command) IsOverride() bool {
	_, ok := overrideCommands[c]
	return ok
}

// Encoded is the wire form of a command.
type Encoded struct {
	Data []byte
	// Realtime commands are a single byte without line terminator and
	// are not acknowledged by the device.
	Realtime bool
}

// Encode maps a command to the bytes GRBL expects. Override commands need
// a SubCommand their family supports; every other command ignores sub.
func Encode(cmd Command, sub SubCommand) (Encoded, error) {
	if subs, ok := overrideCommands[cmd]; ok {
		b, ok := subs[sub]
		if !ok {
			return Encoded{}, errors.EncodingError(cmd.String()+" override",
				fmt.Sprintf("no sub-command %s", sub))
		}
		return Encoded{Data: []byte{b}, Realtime: true}, nil
	}
	if b, ok := realtimeCommands[cmd]; ok {
		return Encoded{Data: []byte{b}, Realtime: true}, nil
	}
	if line, ok := lineCommands[cmd]; ok {
		return Encoded{Data: []byte(line + "\n")}, nil
	}
	return Encoded{}, errors.EncodingError(cmd.String(), "unknown command")
}

var commandAliases = map[string]Command{
	"?":     CommandStatus,
	"~":     CommandCycleStart,
	"start": CommandCycleStart,
	"!":     CommandFeedHold,
	"pause": CommandFeedHold,
	"$h":    CommandHome,
	"$x":    CommandUnlock,
	"$$":    CommandViewConfig,
	"$i":    CommandViewBuildInfo,
	"$n":    CommandViewStartingBlocks,
	"$c":    CommandCheckMode,
	"$g":    CommandViewParserState,
	"$#":    CommandViewParameters,
}

// ParseCommand maps a console or feed command name, and for overrides the
// step name, to a Command. Names are the String forms ("home", "feed",
// "coarse+") plus the raw protocol spellings ("$H", "?", "!").
func ParseCommand(name, sub string) (Command, SubCommand, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	cmd, ok := commandAliases[name]
	if !ok {
		for c, n := range commandNames {
			if n == name {
				cmd, ok = c, true
				break
			}
		}
	}
	if !ok {
		return 0, SubNone, errors.EncodingError(name, "unknown command")
	}
	if !cmd.IsOverride() {
		return cmd, SubNone, nil
	}

	sub = strings.ToLower(strings.TrimSpace(sub))
	for s, n := range subCommandNames {
		if s != SubNone && n == sub {
			if _, err := Encode(cmd, s); err != nil {
				return 0, SubNone, err
			}
			return cmd, s, nil
		}
	}
	return 0, SubNone, errors.EncodingError(name+" override", fmt.Sprintf("unknown step %q", sub))
}

// ZeroLine is the command that sets the current position of axis to zero
// in coordinate system 1.
func ZeroLine(axis Axis) string {
	return "G10L20P1" + string(axis) + "0"
}
