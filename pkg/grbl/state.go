// Package grbl is the host side of the GRBL 1.1 serial protocol: it
// classifies and parses device lines into a Machine model, encodes
// commands into protocol bytes and runs the configuration read/write
// exchange.
//
// A Machine is not safe for concurrent use. All calls to Dispatch, Tick,
// Ask and the Sequencer must come from one goroutine (see pkg/host).
package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the machine state reported in the first field of a status line.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateRun
	StateHold
	StateJog
	StateHome
	StateAlarm
	StateCheck
	StateDoor
	StateSleep
)

var stateNames = [...]string{
	StateUnknown: "Unknown",
	StateIdle:    "Idle",
	StateRun:     "Run",
	StateHold:    "Hold",
	StateJog:     "Jog",
	StateHome:    "Home",
	StateAlarm:   "Alarm",
	StateCheck:   "Check",
	StateDoor:    "Door",
	StateSleep:   "Sleep",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState maps a status label to a State. "Unknown" is never reported
// by the device and is not accepted.
func ParseState(label string) (State, bool) {
	for i := StateIdle; int(i) < len(stateNames); i++ {
		if stateNames[i] == label {
			return i, true
		}
	}
	return StateUnknown, false
}

// Coordinates is a position in machine units.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns c + o.
func (c Coordinates) Add(o Coordinates) Coordinates {
	return Coordinates{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

// Sub returns c - o.
func (c Coordinates) Sub(o Coordinates) Coordinates {
	return Coordinates{X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z}
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", c.X, c.Y, c.Z)
}

// parseCoordinates reads "x,y,z".
func parseCoordinates(s string) (Coordinates, error) {
	vals := strings.Split(s, ",")
	if len(vals) != 3 {
		return Coordinates{}, fmt.Errorf("want 3 values, got %d", len(vals))
	}
	var out [3]float64
	for i, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Coordinates{}, fmt.Errorf("bad number %q", v)
		}
		out[i] = f
	}
	return Coordinates{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Axis names one linear axis.
type Axis byte

const (
	AxisX Axis = 'X'
	AxisY Axis = 'Y'
	AxisZ Axis = 'Z'
)

// ParseAxis accepts "x", "Y" and so on.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToUpper(s) {
	case "X":
		return AxisX, nil
	case "Y":
		return AxisY, nil
	case "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

func (c *Coordinates) set(axis Axis, v float64) {
	switch axis {
	case AxisX:
		c.X = v
	case AxisY:
		c.Y = v
	case AxisZ:
		c.Z = v
	}
}

// Overrides are the feed, rapid and spindle override percentages.
type Overrides struct {
	Feed    int `json:"feed"`
	Rapid   int `json:"rapid"`
	Spindle int `json:"spindle"`
}

// DefaultOverrides is the device's state before any Ov: report.
var DefaultOverrides = Overrides{Feed: 100, Rapid: 100, Spindle: 100}
