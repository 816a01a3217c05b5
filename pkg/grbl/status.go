package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// statusLine collects the fields of one report before they are applied.
type statusLine struct {
	work, mach, offset          Coordinates
	hasWork, hasMach, hasOffset bool

	switches  Switches
	actioners Actioners
	// armed is set by Ov: or A:. Without it the A: state is not known
	// for this report and the previous value is kept.
	armed bool
}

func (m *Machine) parseStatus(payload string) {
	fields := strings.Split(payload, "|")
	m.parseStateField(fields[0])

	startWork, startMach, startOffset := m.st.Working, m.st.Machine, m.st.WorkingOffset
	startActioners := m.st.Actioners

	var sl statusLine
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			m.log.Warn("status field %q has no value", field)
			continue
		}
		if err := m.parseStatusField(&sl, key, value); err != nil {
			m.log.WithField("field", key).Warnf("status field %q: %v", field, err)
		}
	}

	m.applyCoordinates(&sl)
	if m.first || m.st.Working != startWork || m.st.Machine != startMach || m.st.WorkingOffset != startOffset {
		m.emitKind(EventCoordinatesChanged)
	}

	// Pn: is only sent while an input is active, so its absence clears
	// every switch. The set is published on every report.
	m.st.Switches = sl.switches
	m.st.Info.Set(InfoHasSwitches)
	m.emitKind(EventSwitchesChanged)

	if sl.armed {
		m.st.Actioners = sl.actioners
		m.st.Info.Set(InfoHasActioners)
		if m.st.Actioners != startActioners {
			m.emitKind(EventActionersChanged)
		}
	}

	m.first = false
	m.emitKind(EventStatusUpdated)
}

func (m *Machine) parseStateField(field string) {
	label, sub, hasSub := strings.Cut(field, ":")
	state, ok := ParseState(label)
	if !ok {
		m.log.Warn("unknown machine state %q", field)
		return
	}

	code, valid := 0, true
	if hasSub {
		n, err := strconv.Atoi(sub)
		if err != nil {
			m.log.Warn("bad sub-code in state %q", field)
			valid = false
		} else {
			code = n
		}
	}

	// An unreadable sub-code keeps the one already stored.
	switch state {
	case StateHold:
		if !valid {
			code = m.st.HoldCode
		}
		if m.st.State == StateHold && m.st.HoldCode != code {
			m.st.State = StateUnknown
		}
		m.st.HoldCode = code
	case StateDoor:
		if !valid {
			code = m.st.DoorCode
		}
		if m.st.State == StateDoor && m.st.DoorCode != code {
			m.st.State = StateUnknown
		}
		m.st.DoorCode = code
	}
	m.setState(state)
}

func (m *Machine) parseStatusField(sl *statusLine, key, value string) error {
	switch key {
	case "WPos":
		c, err := parseCoordinates(value)
		if err != nil {
			return err
		}
		sl.work, sl.hasWork = c, true
	case "MPos":
		c, err := parseCoordinates(value)
		if err != nil {
			return err
		}
		sl.mach, sl.hasMach = c, true
	case "WCO":
		c, err := parseCoordinates(value)
		if err != nil {
			return err
		}
		sl.offset, sl.hasOffset = c, true
	case "Bf":
		vals, err := parseInts(value, 2)
		if err != nil {
			return err
		}
		m.st.Info.Set(InfoHasBuffers)
		if m.st.BlocksFree != vals[0] || m.st.RxFree != vals[1] {
			m.st.BlocksFree, m.st.RxFree = vals[0], vals[1]
			m.emitKind(EventBuffersChanged)
		}
	case "Ln":
		vals, err := parseInts(value, 1)
		if err != nil {
			return err
		}
		m.st.Info.Set(InfoHasLineNumber)
		if m.st.LineNumber != vals[0] {
			m.st.LineNumber = vals[0]
			m.emitKind(EventLineNumberChanged)
		}
	case "F":
		vals, err := parseFloats(value, 1)
		if err != nil {
			return err
		}
		m.st.Info.Set(InfoHasFeedRate)
		if m.st.FeedRate != vals[0] {
			m.st.FeedRate = vals[0]
			m.emitKind(EventRatesChanged)
		}
	case "FS":
		vals, err := parseFloats(value, 2)
		if err != nil {
			return err
		}
		m.st.Info.Set(InfoHasFeedRate | InfoHasSpindleSpeed)
		if m.st.FeedRate != vals[0] || m.st.SpindleSpeed != vals[1] {
			m.st.FeedRate, m.st.SpindleSpeed = vals[0], vals[1]
			m.emitKind(EventRatesChanged)
		}
	case "Pn":
		sw, unknown := ParseSwitches(value)
		if unknown != "" {
			m.log.Debug("unknown switch letters %q", unknown)
		}
		sl.switches = sw
	case "Ov":
		vals, err := parseInts(value, 3)
		if err != nil {
			return err
		}
		m.st.Info.Set(InfoHasOverrides)
		ov := Overrides{Feed: vals[0], Rapid: vals[1], Spindle: vals[2]}
		if m.st.Overrides != ov {
			m.st.Overrides = ov
			m.emitKind(EventOverridesChanged)
		}
		// A: follows Ov: when any output is on; reset the set for this
		// report so a missing A: reads as everything off.
		sl.armed = true
		sl.actioners = 0
	case "A":
		sl.armed = true
		sl.actioners = ParseActioners(value)
	default:
		m.log.Debug("unknown status field %q", key)
	}
	return nil
}

// applyCoordinates stores the reported positions and derives the one the
// device did not send from the working offset.
func (m *Machine) applyCoordinates(sl *statusLine) {
	if sl.hasWork {
		m.st.Working = sl.work
		m.st.Info.Set(InfoHasWorkingCoords)
		m.source = sourceWorking
	}
	if sl.hasMach {
		m.st.Machine = sl.mach
		m.st.Info.Set(InfoHasMachineCoords)
		m.source = sourceMachine
	}
	if sl.hasOffset {
		m.st.WorkingOffset = sl.offset
		m.st.Info.Set(InfoHasWorkingOffset)
	}
	if !m.st.Info.Has(InfoHasWorkingOffset) {
		return
	}
	switch m.source {
	case sourceWorking:
		m.st.Machine = m.st.Working.Add(m.st.WorkingOffset)
		m.st.Info.Set(InfoHasMachineCoords)
	case sourceMachine:
		m.st.Working = m.st.Machine.Sub(m.st.WorkingOffset)
		m.st.Info.Set(InfoHasWorkingCoords)
	}
}

func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, errArity(n, len(parts))
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, errArity(n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func errArity(want, got int) error {
	return fmt.Errorf("want %d values, got %d", want, got)
}
