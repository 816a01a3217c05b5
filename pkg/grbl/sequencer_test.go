package grbl

import (
	stderrors "errors"
	"reflect"
	"testing"
	"time"

	"controlncenter/pkg/errors"
)

type fakeEditor struct {
	got   *ConfigStore
	calls int
}

func (e *fakeEditor) EditConfiguration(store *ConfigStore) {
	e.calls++
	e.got = store
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newSequencerFixture(t *testing.T, stall time.Duration) (*fixture, *Sequencer, *fakeEditor, *fakeClock) {
	t.Helper()
	f := newFixture(t)
	ed := &fakeEditor{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := NewSequencer(f.m, SequencerOptions{
		Editor:       ed,
		StallTimeout: stall,
		Clock:        clk.Now,
		Logger:       f.m.log,
	})
	f.feed("<Idle|MPos:0,0,0>")
	f.tx.reset()
	f.rec.reset()
	return f, s, ed, clk
}

// readConfig drives Start through the read phase.
func readConfig(t *testing.T, f *fixture, s *Sequencer) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.feed("$N0=G21", "$N1=", "ok")
	f.feed("$0=10", "$32=1", "$110=1000.000", "ok")
	if s.State() != SeqAwaitingUserInput {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSequencerReadPhase(t *testing.T) {
	f, s, ed, _ := newSequencerFixture(t, 0)
	f.feed("$1=99") // stale value from an earlier read
	f.rec.reset()

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.m.Features().Has(FeatureAskStatus) {
		t.Error("polling not suppressed")
	}
	if f.m.Snapshot().Config.Len() != 0 {
		t.Error("config not cleared")
	}
	if got := f.tx.lines(); !reflect.DeepEqual(got, []string{"$N\n"}) {
		t.Errorf("sent %q", got)
	}

	f.feed("$N0=G21", "ok")
	if s.State() != SeqRequestingConfig {
		t.Fatalf("state = %v", s.State())
	}
	if got := f.tx.lines(); got[len(got)-1] != "$$\n" {
		t.Errorf("sent %q", got)
	}

	f.feed("$0=10", "$110=1000.000", "ok")
	if s.State() != SeqAwaitingUserInput {
		t.Fatalf("state = %v", s.State())
	}
	if !f.m.Features().Has(FeatureAskStatus) {
		t.Error("polling not resumed")
	}
	if ed.calls != 1 || ed.got.Len() != 3 {
		t.Fatalf("editor calls = %d store = %v", ed.calls, ed.got)
	}
	// The editor gets a copy.
	ed.got.Set(0, "20")
	if v, _ := f.m.Snapshot().Config.Get(0); v != "10" {
		t.Error("editor store aliases the machine store")
	}

	var states []string
	for _, ev := range f.rec.events {
		if ev.Kind == EventSequencerChanged {
			states = append(states, ev.Text)
		}
	}
	want := []string{"requesting_starting_blocks", "requesting_config", "awaiting_user_input"}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
}

func TestSequencerRefusesWhileRunning(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	f.feed("<Run|MPos:0,0,0>")
	f.tx.reset()

	err := s.Start()
	if !errors.Is(err, errors.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if len(f.tx.sent) != 0 {
		t.Errorf("sent %q", f.tx.lines())
	}
	if s.State() != SeqIdle || !f.m.Features().Has(FeatureAskStatus) {
		t.Errorf("state = %v features = %v", s.State(), f.m.Features())
	}
}

func TestSequencerStartsInAlarm(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	f.feed("ALARM:1")
	if err := s.Start(); err != nil {
		t.Errorf("Start in alarm: %v", err)
	}
	if err := s.Start(); !errors.Is(err, errors.ErrPrecondition) {
		t.Errorf("second Start: %v", err)
	}
}

func TestSequencerSkipsEarlierAcks(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	f.m.SendLine("G0X1")
	f.m.SendLine("G0X2")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.feed("ok", "ok")
	if s.State() != SeqRequestingStartingBlocks {
		t.Fatalf("advanced on an earlier ack: %v", s.State())
	}
	f.feed("ok")
	if s.State() != SeqRequestingConfig {
		t.Errorf("state = %v", s.State())
	}
}

func TestSequencerWritePhase(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	readConfig(t, f, s)
	f.tx.reset()

	edited := f.m.Snapshot().Config
	edited.Set(110, "1200.000")
	if err := s.Finish(true, edited); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if f.m.Features().Has(FeatureAskStatus) {
		t.Error("polling not suppressed while writing")
	}
	for i := 0; i < 10 && s.State() == SeqWritingConfig; i++ {
		f.feed("ok")
	}
	if s.State() != SeqIdle {
		t.Fatalf("state = %v", s.State())
	}
	// No laser support advertised: $32 is skipped.
	want := []string{"$0=10\n", "$110=1200.000\n", "$N0=G21\n", "$N1=\n"}
	if got := f.tx.lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent %q, want %q", got, want)
	}
	if v, _ := f.m.Snapshot().Config.Get(110); v != "1200.000" {
		t.Errorf("edited store not adopted: %q", v)
	}
	if !f.m.Features().Has(FeatureAskStatus) {
		t.Error("polling not resumed")
	}
}

func TestSequencerWritesLaserModeWhenSupported(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	f.feed("[OPT:V,15,128]")
	readConfig(t, f, s)
	f.tx.reset()

	s.Finish(true, nil)
	for i := 0; i < 10 && s.State() == SeqWritingConfig; i++ {
		f.feed("ok")
	}
	if got := f.tx.lines(); len(got) != 5 || got[1] != "$32=1\n" {
		t.Errorf("sent %q", got)
	}
}

func TestSequencerRecordsRejectedKeys(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	readConfig(t, f, s)

	s.Finish(true, nil)
	f.feed("ok", "error:3", "ok", "ok")
	if s.State() != SeqIdle {
		t.Fatalf("state = %v", s.State())
	}
	if got := s.Rejected(); !reflect.DeepEqual(got, []int{110}) {
		t.Errorf("rejected = %v", got)
	}
}

func TestSequencerReject(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	readConfig(t, f, s)
	f.tx.reset()

	if err := s.Finish(false, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if s.State() != SeqIdle || len(f.tx.sent) != 0 {
		t.Errorf("state = %v sent = %q", s.State(), f.tx.lines())
	}
	if err := s.Finish(true, nil); !errors.Is(err, errors.ErrPrecondition) {
		t.Errorf("Finish while idle: %v", err)
	}
}

func TestSequencerSendFailure(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	readConfig(t, f, s)
	f.rec.reset()
	f.tx.err = stderrors.New("unplugged")

	err := s.Finish(true, nil)
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if s.State() != SeqIdle || !f.m.Features().Has(FeatureAskStatus) {
		t.Errorf("state = %v features = %v", s.State(), f.m.Features())
	}
	if f.rec.count(EventSequenceFailed) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestSequencerReadRefused(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	s.Start()
	f.feed("error:9")
	if s.State() != SeqIdle || f.rec.count(EventSequenceFailed) != 1 {
		t.Errorf("state = %v events = %v", s.State(), f.rec.kinds())
	}
}

func TestSequencerStallTimeout(t *testing.T) {
	f, s, _, clk := newSequencerFixture(t, 10*time.Second)
	s.Start()

	clk.advance(9 * time.Second)
	s.Tick()
	if s.State() != SeqRequestingStartingBlocks {
		t.Fatalf("aborted early: %v", s.State())
	}
	f.feed("ok")
	clk.advance(9 * time.Second)
	s.Tick()
	if s.State() != SeqRequestingConfig {
		t.Fatalf("ack did not reset the timer: %v", s.State())
	}
	clk.advance(2 * time.Second)
	s.Tick()
	if s.State() != SeqIdle {
		t.Fatalf("state = %v", s.State())
	}
	if f.rec.count(EventSequenceFailed) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
	if !f.m.Features().Has(FeatureAskStatus) {
		t.Error("polling not resumed")
	}
}

func TestSequencerNoTimeoutWhileEditing(t *testing.T) {
	f, s, _, clk := newSequencerFixture(t, time.Second)
	readConfig(t, f, s)
	clk.advance(time.Hour)
	s.Tick()
	if s.State() != SeqAwaitingUserInput {
		t.Errorf("state = %v", s.State())
	}
}

func TestSequencerCancelAndReset(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	s.Start()
	s.Cancel()
	if s.State() != SeqIdle || f.rec.count(EventSequenceFailed) != 1 {
		t.Errorf("cancel: state = %v events = %v", s.State(), f.rec.kinds())
	}

	f.feed("<Idle|MPos:0,0,0>")
	s.Start()
	f.feed("Grbl 1.1h ['$' for help]")
	if s.State() != SeqIdle || f.rec.count(EventSequenceFailed) != 2 {
		t.Errorf("banner: state = %v events = %v", s.State(), f.rec.kinds())
	}
}

func TestSequencerWithoutEditor(t *testing.T) {
	f := newFixture(t)
	s := NewSequencer(f.m, SequencerOptions{Logger: f.m.log})
	defer s.Close()
	f.feed("<Idle|MPos:0,0,0>")
	s.Start()
	f.feed("ok", "$0=10", "ok")
	if s.State() != SeqIdle {
		t.Errorf("state = %v", s.State())
	}
	if f.m.Snapshot().Config.Len() != 1 {
		t.Error("config not kept")
	}
}

func TestSequencerClose(t *testing.T) {
	f, s, _, _ := newSequencerFixture(t, 0)
	s.Start()
	s.Close()
	f.feed("ok")
	if s.State() != SeqRequestingStartingBlocks {
		t.Errorf("closed sequencer still listening: %v", s.State())
	}
}
