package grbl

import (
	"bytes"
	stderrors "errors"
	"testing"

	"controlncenter/pkg/errors"
	"controlncenter/pkg/log"
)

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) Send(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSender) lines() []string {
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeSender) reset() { f.sent = nil }

type recorder struct {
	events []Event
}

func (r *recorder) HandleEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

type fixture struct {
	m    *Machine
	tx   *fakeSender
	rec  *recorder
	logs *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var buf bytes.Buffer
	logger := log.New("grbl")
	logger.SetWriter(&buf)
	logger.SetLevel(log.DEBUG)
	logger.SetColorize(false)

	tx := &fakeSender{}
	m := New(tx, Options{Logger: logger})
	rec := &recorder{}
	m.Subscribe(rec)
	return &fixture{m: m, tx: tx, rec: rec, logs: &buf}
}

func (f *fixture) feed(lines ...string) {
	for _, l := range lines {
		f.m.Dispatch(l)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd      Command
		sub      SubCommand
		want     string
		realtime bool
	}{
		{CommandStatus, SubNone, "?", true},
		{CommandCycleStart, SubNone, "~", true},
		{CommandFeedHold, SubNone, "!", true},
		{CommandReset, SubNone, "\x18", true},
		{CommandSafetyDoor, SubNone, "\x84", true},
		{CommandJogCancel, SubNone, "\x85", true},
		{CommandDebugReport, SubNone, "\x86", true},
		{CommandFeedOverride, SubReset, "\x90", true},
		{CommandFeedOverride, SubFineMinus, "\x94", true},
		{CommandRapidOverride, SubLow, "\x97", true},
		{CommandSpindleOverride, SubStop, "\x9e", true},
		{CommandCoolantFloodToggle, SubNone, "\xa0", true},
		{CommandCoolantMistToggle, SubNone, "\xa1", true},
		{CommandHome, SubNone, "$H\n", false},
		{CommandUnlock, SubNone, "$X\n", false},
		{CommandViewConfig, SubNone, "$$\n", false},
		{CommandViewBuildInfo, SubNone, "$I\n", false},
		{CommandViewStartingBlocks, SubNone, "$N\n", false},
		{CommandCheckMode, SubNone, "$C\n", false},
		{CommandViewParserState, SubNone, "$G\n", false},
		{CommandViewParameters, SubNone, "$#\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			enc, err := Encode(tt.cmd, tt.sub)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(enc.Data) != tt.want {
				t.Errorf("data = %q, want %q", enc.Data, tt.want)
			}
			if enc.Realtime != tt.realtime {
				t.Errorf("realtime = %v, want %v", enc.Realtime, tt.realtime)
			}
		})
	}
}

func TestEncodeFailures(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		sub  SubCommand
	}{
		{"rapid coarse", CommandRapidOverride, SubCoarsePlus},
		{"feed without step", CommandFeedOverride, SubNone},
		{"feed stop", CommandFeedOverride, SubStop},
		{"unknown", Command(999), SubNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.cmd, tt.sub)
			if !errors.Is(err, errors.ErrEncoding) {
				t.Errorf("expected ErrEncoding, got %v", err)
			}
		})
	}
}

func TestAskInvalidOverrideHasNoEffect(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0|Pn:P>")
	f.rec.reset()

	err := f.m.Ask(CommandRapidOverride, SubFinePlus)
	if !errors.Is(err, errors.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if len(f.tx.sent) != 0 {
		t.Errorf("expected nothing sent, got %q", f.tx.lines())
	}
	if len(f.rec.events) != 0 {
		t.Errorf("expected no events, got %v", f.rec.kinds())
	}
	if f.m.Snapshot().Switches != SwitchProbe {
		t.Error("switches changed by a failed command")
	}
}

func TestAskSendFailure(t *testing.T) {
	f := newFixture(t)
	cause := stderrors.New("port closed")
	f.tx.err = cause

	err := f.m.Ask(CommandHome, SubNone)
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !stderrors.Is(err, cause) {
		t.Error("transport error does not wrap the cause")
	}
	if f.m.Pending() != 0 {
		t.Errorf("pending = %d after failed send", f.m.Pending())
	}
}

func TestAskCountsLineCommands(t *testing.T) {
	f := newFixture(t)
	f.m.Ask(CommandStatus, SubNone)
	f.m.Ask(CommandFeedHold, SubNone)
	if f.m.Pending() != 0 {
		t.Errorf("realtime commands counted as pending: %d", f.m.Pending())
	}
	f.m.Ask(CommandUnlock, SubNone)
	f.m.SendLine("G0X1")
	if f.m.Pending() != 2 {
		t.Errorf("pending = %d, want 2", f.m.Pending())
	}
	f.feed("ok", "ok", "ok")
	if f.m.Pending() != 0 {
		t.Errorf("pending = %d after acks, want 0", f.m.Pending())
	}
}

func TestSoftResetClearsLocalState(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:1,1,1|WCO:1,0,0|Ov:100,100,100|A:SFM|Pn:XZ>")
	snap := f.m.Snapshot()
	if snap.Switches == 0 || snap.Actioners == 0 || !snap.Info.Has(InfoHasWorkingOffset) {
		t.Fatalf("setup failed: %+v", snap)
	}
	f.m.SendLine("G0X1")
	f.rec.reset()

	if err := f.m.Ask(CommandReset, SubNone); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	snap = f.m.Snapshot()
	if snap.Switches != 0 || snap.Actioners != 0 {
		t.Errorf("switches/actioners not cleared: %v %v", snap.Switches, snap.Actioners)
	}
	if snap.Info.Has(InfoHasWorkingOffset) {
		t.Error("working offset still marked known")
	}
	if snap.Pending != 0 {
		t.Errorf("pending = %d", snap.Pending)
	}
	if f.rec.count(EventSwitchesChanged) != 1 || f.rec.count(EventActionersChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}

	// Nothing left to clear: no events the second time.
	f.rec.reset()
	f.m.Ask(CommandReset, SubNone)
	if len(f.rec.events) != 0 {
		t.Errorf("unexpected events %v", f.rec.kinds())
	}
}

func TestSoftResetSendFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0|Pn:D>")
	f.tx.err = stderrors.New("gone")
	if err := f.m.Ask(CommandReset, SubNone); err == nil {
		t.Fatal("expected error")
	}
	if f.m.Snapshot().Switches != SwitchDoor {
		t.Error("switches cleared although reset was not sent")
	}
}

func TestStatusRequestsLogAtDebug(t *testing.T) {
	f := newFixture(t)
	f.m.log.SetLevel(log.INFO)
	f.m.Ask(CommandStatus, SubNone)
	if f.logs.Len() != 0 {
		t.Errorf("status request logged at info: %s", f.logs.String())
	}
	f.m.Ask(CommandHome, SubNone)
	if !bytes.Contains(f.logs.Bytes(), []byte("> home")) {
		t.Errorf("home not logged: %s", f.logs.String())
	}
}

func TestTickHonoursPolling(t *testing.T) {
	f := newFixture(t)
	f.m.Tick()
	if len(f.tx.sent) != 1 || string(f.tx.sent[0]) != "?" {
		t.Fatalf("sent %q", f.tx.lines())
	}
	f.m.SetPolling(false)
	f.m.Tick()
	if len(f.tx.sent) != 1 {
		t.Errorf("polled while disabled: %q", f.tx.lines())
	}
}

func TestZeroWorking(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:5,6,7|WCO:1,1,1>")
	f.rec.reset()

	if err := f.m.ZeroWorking(AxisY); err != nil {
		t.Fatalf("ZeroWorking: %v", err)
	}
	if got := f.tx.lines(); len(got) != 1 || got[0] != "G10L20P1Y0\n" {
		t.Errorf("sent %q", got)
	}
	snap := f.m.Snapshot()
	if snap.Working.Y != 0 {
		t.Errorf("working Y = %v", snap.Working.Y)
	}
	if snap.Info.Has(InfoHasWorkingOffset) {
		t.Error("working offset still marked known")
	}
	if f.rec.count(EventCoordinatesChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name, sub string
		cmd       Command
		want      SubCommand
		wantErr   bool
	}{
		{"home", "", CommandHome, SubNone, false},
		{"$X", "", CommandUnlock, SubNone, false},
		{"?", "", CommandStatus, SubNone, false},
		{"Pause", "", CommandFeedHold, SubNone, false},
		{"feed", "coarse+", CommandFeedOverride, SubCoarsePlus, false},
		{"spindle", "stop", CommandSpindleOverride, SubStop, false},
		{"rapid", "medium", CommandRapidOverride, SubMedium, false},
		{"rapid", "fine+", 0, SubNone, true},
		{"feed", "", 0, SubNone, true},
		{"dance", "", 0, SubNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name+" "+tt.sub, func(t *testing.T) {
			cmd, sub, err := ParseCommand(tt.name, tt.sub)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v %v", cmd, sub)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if cmd != tt.cmd || sub != tt.want {
				t.Errorf("got %v %v, want %v %v", cmd, sub, tt.cmd, tt.want)
			}
		})
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t)
	var calls int
	unsubscribe := f.m.Subscribe(ListenerFunc(func(Event) { calls++ }))
	f.feed("ok")
	unsubscribe()
	f.feed("ok")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if f.rec.count(EventCommandExecuted) != 2 {
		t.Error("other listener lost")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	f.feed("$110=500.000", "[G54:1,2,3]", "[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]")
	snap := f.m.Snapshot()
	snap.Config.Set(110, "1")
	snap.CoordinateSystems[54] = Coordinates{}
	snap.Modal[0] = "G1"

	again := f.m.Snapshot()
	if v, _ := again.Config.Get(110); v != "500.000" {
		t.Errorf("config aliased: %q", v)
	}
	if again.CoordinateSystems[54] != (Coordinates{X: 1, Y: 2, Z: 3}) {
		t.Error("coordinate systems aliased")
	}
	if again.Modal[0] != "G0" {
		t.Error("modal words aliased")
	}
}
