package grbl

import (
	"fmt"
	"time"

	"controlncenter/pkg/errors"
	"controlncenter/pkg/log"
)

// SequencerState is the step of the configuration exchange.
type SequencerState int

const (
	SeqIdle SequencerState = iota
	SeqRequestingStartingBlocks
	SeqRequestingConfig
	SeqAwaitingUserInput
	SeqWritingConfig
)

var seqNames = [...]string{
	SeqIdle:                     "idle",
	SeqRequestingStartingBlocks: "requesting_starting_blocks",
	SeqRequestingConfig:         "requesting_config",
	SeqAwaitingUserInput:        "awaiting_user_input",
	SeqWritingConfig:            "writing_config",
}

func (s SequencerState) String() string {
	if s >= 0 && int(s) < len(seqNames) {
		return seqNames[s]
	}
	return fmt.Sprintf("SequencerState(%d)", int(s))
}

// ConfigEditor lets the operator review the settings read from the device.
// It must answer later through Sequencer.Finish, from the same goroutine
// that drives the Machine.
type ConfigEditor interface {
	EditConfiguration(store *ConfigStore)
}

// SequencerOptions configures a Sequencer.
type SequencerOptions struct {
	Editor ConfigEditor
	// StallTimeout aborts an exchange that sees no acknowledgement for
	// this long. Zero disables it.
	StallTimeout time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *log.Logger
}

// DefaultStallTimeout is used when SequencerOptions.StallTimeout is negative.
const DefaultStallTimeout = 10 * time.Second

// Sequencer reads the device settings, hands them to a ConfigEditor and
// writes the accepted result back, one line per acknowledgement.
type Sequencer struct {
	m      *Machine
	editor ConfigEditor
	log    *log.Logger
	clock  func() time.Time
	stall  time.Duration

	state SequencerState
	// skip counts acknowledgements still owed to commands sent before
	// the exchange started.
	skip     int
	lastStep time.Time

	keys     []int
	next     int
	rejected []int

	unsubscribe func()
}

// NewSequencer attaches a Sequencer to m.
func NewSequencer(m *Machine, opts SequencerOptions) *Sequencer {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StallTimeout < 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("sequencer")
	}
	s := &Sequencer{
		m:      m,
		editor: opts.Editor,
		log:    opts.Logger,
		clock:  opts.Clock,
		stall:  opts.StallTimeout,
	}
	s.unsubscribe = m.Subscribe(s)
	return s
}

// Close detaches the Sequencer from its Machine.
func (s *Sequencer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// State returns the current step.
func (s *Sequencer) State() SequencerState { return s.state }

// Rejected returns the keys the device answered with error: during the
// last write phase.
func (s *Sequencer) Rejected() []int {
	return append([]int(nil), s.rejected...)
}

func (s *Sequencer) setState(st SequencerState) {
	if s.state == st {
		return
	}
	s.log.Debug("%s -> %s", s.state, st)
	s.state = st
	s.lastStep = s.clock()
	s.m.emit(Event{Kind: EventSequencerChanged, Text: st.String()})
}

// Start begins reading the configuration. The machine must be Idle or in
// Alarm and no exchange may be running.
func (s *Sequencer) Start() error {
	if s.state != SeqIdle {
		return errors.PreconditionError("configuration read", "exchange already running ("+s.state.String()+")")
	}
	if st := s.m.State(); st != StateIdle && st != StateAlarm {
		return errors.PreconditionError("configuration read", "machine is "+st.String())
	}

	s.m.st.Config.Clear()
	s.m.st.Info.Clear(InfoHasConfig | InfoHasStartingBlocks)
	s.rejected = nil
	s.skip = s.m.Pending()
	s.m.SetPolling(false)

	s.setState(SeqRequestingStartingBlocks)
	if err := s.m.Ask(CommandViewStartingBlocks, SubNone); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Finish delivers the editor's decision. On accept, edited replaces the
// stored configuration and is written to the device.
func (s *Sequencer) Finish(accepted bool, edited *ConfigStore) error {
	if s.state != SeqAwaitingUserInput {
		return errors.PreconditionError("configuration write", "no configuration is being edited")
	}
	if !accepted {
		s.log.Info("configuration edit discarded")
		s.setState(SeqIdle)
		return nil
	}
	if edited != nil {
		s.m.st.Config = edited.Clone()
		s.m.emitKind(EventConfigUpdated)
	}

	s.keys = s.m.st.Config.Keys()
	s.next = 0
	s.skip = s.m.Pending()
	s.m.SetPolling(false)
	s.setState(SeqWritingConfig)
	return s.writeNext()
}

// Cancel abandons a running exchange.
func (s *Sequencer) Cancel() {
	if s.state == SeqIdle {
		return
	}
	s.log.Warn("configuration exchange cancelled in %s", s.state)
	s.abort(errors.SequenceError("cancelled in " + s.state.String()))
}

// Tick checks the stall timeout. It is called from the poll timer.
func (s *Sequencer) Tick() {
	if s.stall <= 0 || s.state == SeqIdle || s.state == SeqAwaitingUserInput {
		return
	}
	if s.clock().Sub(s.lastStep) < s.stall {
		return
	}
	s.log.Warn("no answer from device for %s in %s", s.stall, s.state)
	s.abort(errors.SequenceError("stalled in " + s.state.String()))
}

// HandleEvent advances the exchange on acknowledgements.
func (s *Sequencer) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventCommandExecuted, EventDeviceError:
	case EventResetDone:
		if s.state != SeqIdle {
			s.abort(errors.SequenceError("device reset in " + s.state.String()))
		}
		return
	default:
		return
	}

	switch s.state {
	case SeqIdle, SeqAwaitingUserInput:
		return
	}
	if s.skip > 0 {
		s.skip--
		return
	}
	s.lastStep = s.clock()
	isErr := ev.Kind == EventDeviceError

	switch s.state {
	case SeqRequestingStartingBlocks:
		if isErr {
			s.fail(errors.SequenceError("starting blocks request refused").SetDeviceCode(ev.Code))
			return
		}
		s.setState(SeqRequestingConfig)
		if err := s.m.Ask(CommandViewConfig, SubNone); err != nil {
			s.fail(err)
		}
	case SeqRequestingConfig:
		if isErr {
			s.fail(errors.SequenceError("settings request refused").SetDeviceCode(ev.Code))
			return
		}
		s.m.SetPolling(true)
		s.setState(SeqAwaitingUserInput)
		s.log.Info("read %d settings", s.m.st.Config.Len())
		if s.editor == nil {
			s.log.Warn("no configuration editor; nothing to do")
			s.setState(SeqIdle)
			return
		}
		s.editor.EditConfiguration(s.m.st.Config.Clone())
	case SeqWritingConfig:
		if isErr {
			key := s.keys[s.next-1]
			s.rejected = append(s.rejected, key)
			s.log.WithField("code", ev.Code).Warnf("device rejected $%s", KeyName(key))
		}
		if err := s.writeNext(); err != nil {
			s.log.WithError(err).Error("configuration write aborted")
		}
	}
}

// writeNext sends the next key, skipping laser mode on devices that do
// not support it.
func (s *Sequencer) writeNext() error {
	for s.next < len(s.keys) {
		key := s.keys[s.next]
		s.next++
		if key == SettingLaserMode && !s.m.Features().Has(FeatureLaserMode) {
			s.log.Debug("skipping $%d, no laser support", key)
			continue
		}
		value, _ := s.m.st.Config.Get(key)
		if err := s.m.SendLine(SettingLine(key, value)); err != nil {
			s.fail(err)
			return err
		}
		return nil
	}

	s.m.SetPolling(true)
	if len(s.rejected) > 0 {
		s.log.Warn("configuration written, %d settings rejected", len(s.rejected))
	} else {
		s.log.Info("configuration written")
	}
	s.setState(SeqIdle)
	return nil
}

func (s *Sequencer) fail(err error) {
	s.log.WithError(err).Error("configuration exchange failed")
	s.abort(err)
}

func (s *Sequencer) abort(err error) {
	s.m.SetPolling(true)
	s.skip = 0
	s.keys = nil
	s.setState(SeqIdle)
	s.m.emit(Event{Kind: EventSequenceFailed, Text: err.Error(), Err: err})
}
