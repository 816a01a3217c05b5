package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

func (m *Machine) parseInfo(payload string) {
	tag, value, ok := strings.Cut(payload, ":")
	if !ok {
		m.log.Warn("info without tag %q", payload)
		return
	}

	var err error
	switch {
	case tag == "TLO":
		err = m.parseToolLength(value)
	case tag == "PRB":
		err = m.parseProbe(value)
	case tag == "GC":
		m.parseModal(value)
	case tag == "VER":
		err = m.parseVersion(value)
	case tag == "OPT":
		err = m.parseOptions(value)
	case tag == "MSG":
		m.st.Message = value
		m.log.Info("device message: %s", value)
		m.emit(Event{Kind: EventMessage, Text: value})
	case isCoordinateTag(tag):
		err = m.parseCoordinateSystem(tag, value)
	default:
		m.log.Debug("unknown info tag %q", tag)
		return
	}
	if err != nil {
		m.log.WithField("tag", tag).Warnf("bad info %q: %v", payload, err)
		return
	}
	m.emitKind(EventInfoUpdated)
}

func isCoordinateTag(tag string) bool {
	if len(tag) < 2 || tag[0] != 'G' {
		return false
	}
	_, err := strconv.Atoi(tag[1:])
	return err == nil
}

func (m *Machine) parseToolLength(value string) error {
	z, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	m.st.ToolLengthOffset = Coordinates{Z: z}
	m.st.Info.Set(InfoHasToolLengthOffset)
	return nil
}

// parseProbe reads "x,y,z" or "x,y,z:ok".
func (m *Machine) parseProbe(value string) error {
	coords, result, hasResult := strings.Cut(value, ":")
	c, err := parseCoordinates(coords)
	if err != nil {
		return err
	}
	m.st.Probe = c
	m.st.ProbeSucceeded = hasResult && result == "1"
	m.st.Info.Set(InfoHasProbe)
	return nil
}

func (m *Machine) parseModal(value string) {
	words := strings.Fields(value)
	for _, w := range words {
		switch w {
		case "G20":
			m.st.Info.Clear(InfoIsMillimeters)
		case "G21":
			m.st.Info.Set(InfoIsMillimeters)
		case "G90":
			m.st.Info.Set(InfoIsAbsolute)
		case "G91":
			m.st.Info.Clear(InfoIsAbsolute)
		case "G54", "G55", "G56", "G57", "G58", "G59":
			m.st.CoordinateSystem = w
		}
	}
	m.st.Modal = words
	m.st.Info.Set(InfoHasParserState)
}

func (m *Machine) parseVersion(value string) error {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return errArity(2, len(parts))
	}
	m.st.Version = parts[0]
	m.st.BuildInfo = parts[1]
	m.st.Features.Set(FeatureReportsVersion)
	m.log.Info("firmware version %s", parts[0])
	m.emitKind(EventVersionUpdated)
	return nil
}

func (m *Machine) parseOptions(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return errArity(3, len(parts))
	}
	blocks, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("block buffer size: %w", err)
	}
	rx, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("rx buffer size: %w", err)
	}

	caps := parts[0]
	for i := 0; i < len(caps); i++ {
		switch caps[i] {
		case 'V':
			m.st.Features.Set(FeatureVariableSpindle | FeatureLaserMode)
		case 'M':
			m.st.Features.Set(FeatureCoolantMist)
		default:
			if opt, ok := m.catalog.LookupBuildOption(caps[i]); ok {
				m.log.Debug("build option %c: %s", caps[i], opt.Description)
			} else {
				m.log.Debug("unknown build option %c", caps[i])
			}
		}
	}
	m.st.Capabilities = caps
	m.st.BlocksMax, m.st.RxMax = blocks, rx
	return nil
}

func (m *Machine) parseCoordinateSystem(tag, value string) error {
	n, _ := strconv.Atoi(tag[1:])
	c, err := parseCoordinates(value)
	if err != nil {
		return err
	}
	m.st.CoordinateSystems[n] = c
	return nil
}

// parseConfig handles "$110=1000.000" and "$N0=G21" after the "$".
func (m *Machine) parseConfig(payload string) {
	parts := strings.Split(payload, "=")
	if len(parts) != 2 {
		m.log.Warn("bad setting line $%s", payload)
		return
	}
	key, err := ParseSettingKey(parts[0])
	if err != nil {
		m.log.Warn("bad setting line $%s: %v", payload, err)
		return
	}
	m.st.Config.Set(key, parts[1])
	if n, ok := IsStartingBlock(key); ok {
		m.st.Info.Set(InfoHasStartingBlocks)
		m.log.Debug("starting block %d = %q", n, parts[1])
	} else {
		m.st.Info.Set(InfoHasConfig)
		m.log.Debug("setting $%d = %s", key, parts[1])
	}
	m.emitKind(EventConfigUpdated)
}
