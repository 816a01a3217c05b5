package grbl

// EventKind identifies what changed in the Machine.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventCoordinatesChanged
	EventBuffersChanged
	EventLineNumberChanged
	EventRatesChanged
	EventSwitchesChanged
	EventActionersChanged
	EventOverridesChanged
	// EventStatusUpdated follows every parsed status line.
	EventStatusUpdated
	// EventInfoUpdated follows every recognized bracketed info line.
	EventInfoUpdated
	EventConfigUpdated
	EventVersionUpdated
	// EventCommandExecuted is raised for "ok".
	EventCommandExecuted
	EventDeviceError
	EventAlarm
	// EventResetDone is raised when the startup banner is seen.
	EventResetDone
	EventMessage
	EventSequencerChanged
	EventSequenceFailed
)

var eventNames = map[EventKind]string{
	EventStateChanged:       "state_changed",
	EventCoordinatesChanged: "coordinates_changed",
	EventBuffersChanged:     "buffers_changed",
	EventLineNumberChanged:  "line_number_changed",
	EventRatesChanged:       "rates_changed",
	EventSwitchesChanged:    "switches_changed",
	EventActionersChanged:   "actioners_changed",
	EventOverridesChanged:   "overrides_changed",
	EventStatusUpdated:      "status_updated",
	EventInfoUpdated:        "info_updated",
	EventConfigUpdated:      "config_updated",
	EventVersionUpdated:     "version_updated",
	EventCommandExecuted:    "command_executed",
	EventDeviceError:        "device_error",
	EventAlarm:              "alarm",
	EventResetDone:          "reset_done",
	EventMessage:            "message",
	EventSequencerChanged:   "sequencer_changed",
	EventSequenceFailed:     "sequence_failed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// EventKinds returns every kind in declaration order.
func EventKinds() []EventKind {
	out := make([]EventKind, 0, len(eventNames))
	for k := EventStateChanged; k <= EventSequenceFailed; k++ {
		out = append(out, k)
	}
	return out
}

// Event is delivered to listeners after the Machine has been updated.
type Event struct {
	Kind EventKind
	// Code is the device error or alarm code.
	Code int
	// Text is the catalog message, operator message or sequencer state.
	Text string
	// Err carries the typed error for device errors, alarms and
	// sequence failures.
	Err error
}

// Listener observes Machine events. HandleEvent runs on the goroutine that
// mutated the Machine and must not block.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }
