package grbl

import (
	"strconv"
	"strings"

	"controlncenter/pkg/errors"
)

// Dispatch applies one line received from the device. Malformed input is
// logged and otherwise ignored; Dispatch never fails.
func (m *Machine) Dispatch(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch {
	case strings.HasPrefix(line, m.bannerToken):
		m.handleBanner(line)
	case line == "ok":
		m.handleOK()
	case strings.HasPrefix(line, "error:"):
		m.handleError(line[len("error:"):])
	case strings.HasPrefix(line, "ALARM:"):
		m.handleAlarm(line[len("ALARM:"):])
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") && len(line) >= 2:
		m.log.Debug("< %s", line)
		m.parseInfo(line[1 : len(line)-1])
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") && len(line) >= 2:
		m.parseStatus(line[1 : len(line)-1])
	case strings.HasPrefix(line, ">"):
		m.log.Debug("startup line %s", line[1:])
	case strings.HasPrefix(line, "$"):
		m.parseConfig(line[1:])
	default:
		m.log.Warn("unrecognized line %q", line)
	}
}

func (m *Machine) handleBanner(line string) {
	m.log.Info("< %s", line)
	fields := strings.Fields(line)
	m.st.Name = fields[0]
	m.st.Features.Set(FeatureReportsName)
	if len(fields) > 1 {
		m.st.Version = fields[1]
		m.st.Features.Set(FeatureReportsVersion)
	}
	m.st.Pending = 0
	m.st.HoldCode, m.st.DoorCode = 0, 0
	m.setState(StateUnknown)
	// A reset puts every override back to 100%.
	if m.st.Overrides != DefaultOverrides {
		m.st.Overrides = DefaultOverrides
		m.emitKind(EventOverridesChanged)
	}
	m.emitKind(EventVersionUpdated)
	if err := m.Ask(CommandViewBuildInfo, SubNone); err != nil {
		m.log.WithError(err).Warn("build info request failed")
	}
	m.emitKind(EventResetDone)
}

func (m *Machine) decPending() {
	if m.st.Pending > 0 {
		m.st.Pending--
	}
}

func (m *Machine) handleOK() {
	m.log.Debug("< ok")
	m.st.Info.Clear(InfoHasError)
	m.decPending()
	m.emitKind(EventCommandExecuted)
}

func (m *Machine) handleError(payload string) {
	code, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		m.log.Warn("bad error code %q", payload)
		code = -1
	}
	m.st.LastError = code
	m.st.Info.Set(InfoHasError)
	m.decPending()

	text := "unknown error"
	if msg, ok := m.catalog.LookupError(code); ok {
		text = msg.Short
	}
	m.log.WithField("code", code).Warnf("< error: %s", text)
	m.emit(Event{
		Kind: EventDeviceError,
		Code: code,
		Text: text,
		Err:  errors.DeviceError(code, text),
	})
}

func (m *Machine) handleAlarm(payload string) {
	code, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		m.log.Warn("bad alarm code %q", payload)
		code = -1
	}
	m.st.LastAlarm = code

	text := "unknown alarm"
	if msg, ok := m.catalog.LookupAlarm(code); ok {
		text = msg.Short
	}
	m.log.WithField("code", code).Errorf("< ALARM: %s", text)
	m.setState(StateAlarm)
	m.emit(Event{
		Kind: EventAlarm,
		Code: code,
		Text: text,
		Err:  errors.AlarmError(code, text),
	})
}
