package grbl

import (
	"controlncenter/pkg/catalog"
	"controlncenter/pkg/errors"
	"controlncenter/pkg/log"
)

// Sender is the transport as seen by the Machine.
type Sender interface {
	Send(data []byte) error
}

// Catalog resolves device codes to descriptions.
type Catalog interface {
	LookupError(code int) (catalog.Message, bool)
	LookupAlarm(code int) (catalog.Message, bool)
	LookupSetting(code int) (catalog.Setting, bool)
	LookupBuildOption(code byte) (catalog.BuildOption, bool)
}

// Options configures a Machine.
type Options struct {
	// BannerToken starts the device's startup banner. Default "Grbl".
	BannerToken string
	// Catalog defaults to the embedded en_US tables.
	Catalog Catalog
	// Logger defaults to log.GetLogger("grbl").
	Logger *log.Logger
}

type coordSource int

const (
	sourceNone coordSource = iota
	sourceWorking
	sourceMachine
)

type listenerEntry struct {
	id int
	l  Listener
}

// Machine is the live model of one connected device.
type Machine struct {
	sender      Sender
	catalog     Catalog
	log         *log.Logger
	bannerToken string

	listeners []listenerEntry
	nextID    int

	st Snapshot

	// first forces a coordinates notification on the first status line
	// after the connection was opened.
	first bool
	// source is the coordinate kind the device last reported directly;
	// the other one is derived through the working offset.
	source coordSource
}

// New creates a Machine that sends through sender.
func New(sender Sender, opts Options) *Machine {
	if opts.BannerToken == "" {
		opts.BannerToken = "Grbl"
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("grbl")
	}
	m := &Machine{
		sender:      sender,
		catalog:     opts.Catalog,
		log:         opts.Logger,
		bannerToken: opts.BannerToken,
	}
	m.Reset()
	return m
}

// Reset returns the model to its connection-open state. Listeners stay
// registered.
func (m *Machine) Reset() {
	m.st = Snapshot{
		State:             StateUnknown,
		Overrides:         DefaultOverrides,
		Features:          FeatureAskStatus,
		Config:            NewConfigStore(),
		CoordinateSystems: make(map[int]Coordinates),
	}
	m.first = true
	m.source = sourceNone
}

// Subscribe registers l and returns a function that removes it.
func (m *Machine) Subscribe(l Listener) (unsubscribe func()) {
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, l: l})
	return func() {
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Machine) emit(ev Event) {
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	for _, e := range listeners {
		e.l.HandleEvent(ev)
	}
}

func (m *Machine) emitKind(kind EventKind) {
	m.emit(Event{Kind: kind})
}

func (m *Machine) setState(s State) {
	if m.st.State == s {
		return
	}
	m.log.Debug("state %s -> %s", m.st.State, s)
	m.st.State = s
	m.emitKind(EventStateChanged)
}

// State returns the current machine state.
func (m *Machine) State() State { return m.st.State }

// Features returns the feature flags.
func (m *Machine) Features() FeatureFlags { return m.st.Features }

// Info returns the info flags.
func (m *Machine) Info() InfoFlags { return m.st.Info }

// Pending returns the number of line commands awaiting ok or error.
func (m *Machine) Pending() int { return m.st.Pending }

// Catalog returns the catalog used for code descriptions.
func (m *Machine) Catalog() Catalog { return m.catalog }

// SetPolling turns the periodic status query on or off.
func (m *Machine) SetPolling(on bool) {
	if on {
		m.st.Features.Set(FeatureAskStatus)
	} else {
		m.st.Features.Clear(FeatureAskStatus)
	}
}

// Snapshot returns a deep copy of the model.
func (m *Machine) Snapshot() Snapshot {
	return m.st.clone()
}

func (m *Machine) send(enc Encoded) error {
	if err := m.sender.Send(enc.Data); err != nil {
		return errors.TransportError("send", err)
	}
	if !enc.Realtime {
		m.st.Pending++
	}
	return nil
}

// Ask encodes cmd and sends it. A successful soft reset also clears the
// switches, actioners and working offset, which the device does not
// report again on its own.
func (m *Machine) Ask(cmd Command, sub SubCommand) error {
	enc, err := Encode(cmd, sub)
	if err != nil {
		m.log.WithError(err).Warn("command not sent")
		return err
	}
	if cmd == CommandStatus {
		m.log.Debug("> ?")
	} else if sub != SubNone {
		m.log.Info("> %s %s", cmd, sub)
	} else {
		m.log.Info("> %s", cmd)
	}
	if err := m.send(enc); err != nil {
		m.log.WithError(err).Error("send failed")
		return err
	}
	if cmd == CommandReset {
		m.afterSoftReset()
	}
	return nil
}

func (m *Machine) afterSoftReset() {
	m.st.Info.Clear(InfoHasWorkingOffset)
	m.st.Pending = 0
	if m.st.Switches != 0 {
		m.st.Switches = 0
		m.emitKind(EventSwitchesChanged)
	}
	if m.st.Actioners != 0 {
		m.st.Actioners = 0
		m.emitKind(EventActionersChanged)
	}
}

// SendLine sends one G-code or system line; the terminator is appended.
func (m *Machine) SendLine(line string) error {
	m.log.Info("> %s", line)
	if err := m.send(Encoded{Data: []byte(line + "\n")}); err != nil {
		m.log.WithError(err).Error("send failed")
		return err
	}
	return nil
}

// ZeroWorking makes the current position the origin of axis in the first
// work coordinate system. The working offset is marked unknown until the
// device reports it again.
func (m *Machine) ZeroWorking(axis Axis) error {
	if err := m.SendLine(ZeroLine(axis)); err != nil {
		return err
	}
	m.st.Working.set(axis, 0)
	m.st.Info.Clear(InfoHasWorkingOffset)
	m.emitKind(EventCoordinatesChanged)
	return nil
}

// Tick is the poll timer callback.
func (m *Machine) Tick() error {
	if !m.st.Features.Has(FeatureAskStatus) {
		return nil
	}
	return m.Ask(CommandStatus, SubNone)
}
