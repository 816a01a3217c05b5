package grbl

// Snapshot is a copy of everything the Machine knows about the device.
// Observers receive snapshots instead of references into the Machine.
type Snapshot struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`

	State    State `json:"state"`
	HoldCode int   `json:"hold_code"`
	DoorCode int   `json:"door_code"`

	Working          Coordinates `json:"working"`
	Machine          Coordinates `json:"machine"`
	WorkingOffset    Coordinates `json:"working_offset"`
	ToolLengthOffset Coordinates `json:"tool_length_offset"`
	Probe            Coordinates `json:"probe"`
	ProbeSucceeded   bool        `json:"probe_succeeded"`
	// CoordinateSystems holds the [G54:...] style reports keyed by G number.
	CoordinateSystems map[int]Coordinates `json:"coordinate_systems"`

	BlocksFree int `json:"blocks_free"`
	RxFree     int `json:"rx_free"`
	BlocksMax  int `json:"blocks_max"`
	RxMax      int `json:"rx_max"`

	LineNumber   int       `json:"line_number"`
	FeedRate     float64   `json:"feed_rate"`
	SpindleSpeed float64   `json:"spindle_speed"`
	Overrides    Overrides `json:"overrides"`

	Switches  Switches     `json:"switches"`
	Actioners Actioners    `json:"actioners"`
	Info      InfoFlags    `json:"info"`
	Features  FeatureFlags `json:"features"`

	// Modal is the word list of the last [GC:...] report.
	Modal []string `json:"modal"`
	// CoordinateSystem is the active work coordinate system, e.g. "G54".
	CoordinateSystem string `json:"coordinate_system"`
	// Capabilities are the OPT: letters.
	Capabilities string `json:"capabilities"`
	Message      string `json:"message"`

	Config *ConfigStore `json:"config"`

	LastError int `json:"last_error"`
	LastAlarm int `json:"last_alarm"`
	Pending   int `json:"pending"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.CoordinateSystems = make(map[int]Coordinates, len(s.CoordinateSystems))
	for k, v := range s.CoordinateSystems {
		out.CoordinateSystems[k] = v
	}
	if s.Modal != nil {
		out.Modal = append([]string(nil), s.Modal...)
	}
	if s.Config != nil {
		out.Config = s.Config.Clone()
	}
	return out
}
