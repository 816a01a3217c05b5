package grbl

import (
	"reflect"
	"strings"
	"testing"
)

func TestStatusMachinePositionWithoutOffset(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:1.000,2.000,3.000|FS:0,0>")

	snap := f.m.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("state = %v", snap.State)
	}
	if snap.Machine != (Coordinates{X: 1, Y: 2, Z: 3}) {
		t.Errorf("machine = %v", snap.Machine)
	}
	if snap.Working != (Coordinates{}) || snap.Info.Has(InfoHasWorkingCoords) {
		t.Errorf("working derived without an offset: %v", snap.Working)
	}
	for _, kind := range []EventKind{EventStateChanged, EventCoordinatesChanged, EventSwitchesChanged, EventStatusUpdated} {
		if f.rec.count(kind) != 1 {
			t.Errorf("%v raised %d times", kind, f.rec.count(kind))
		}
	}
}

func TestStatusFirstLineAlwaysReportsCoordinates(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0.000,0.000,0.000>")
	if f.rec.count(EventCoordinatesChanged) != 1 {
		t.Errorf("first report did not raise coordinates_changed: %v", f.rec.kinds())
	}
}

func TestStatusIdempotent(t *testing.T) {
	line := "<Run|MPos:10.000,5.000,-1.000|Bf:15,128|Ln:7|FS:500,1000|WCO:1.000,1.000,0.000|Ov:100,100,100|A:SF|Pn:P>"
	f := newFixture(t)
	f.feed(line)
	f.rec.reset()

	f.feed(line)
	want := []EventKind{EventSwitchesChanged, EventStatusUpdated}
	if !reflect.DeepEqual(f.rec.kinds(), want) {
		t.Errorf("events = %v, want %v", f.rec.kinds(), want)
	}
}

func TestStatusWorkingOffsetDerivation(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:10.000,10.000,10.000|FS:0,0|WCO:1.000,2.000,3.000>")
	snap := f.m.Snapshot()
	if snap.Working != (Coordinates{X: 9, Y: 8, Z: 7}) {
		t.Errorf("working = %v", snap.Working)
	}
	if !snap.Info.Has(InfoHasWorkingOffset | InfoHasWorkingCoords | InfoHasMachineCoords) {
		t.Errorf("info = %v", snap.Info)
	}

	// WCO is only sent every few reports; the stored offset keeps applying.
	f.rec.reset()
	f.feed("<Idle|MPos:11.000,10.000,10.000|FS:0,0>")
	snap = f.m.Snapshot()
	if snap.Working != (Coordinates{X: 10, Y: 8, Z: 7}) {
		t.Errorf("working = %v", snap.Working)
	}
	if f.rec.count(EventCoordinatesChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestStatusWorkingPositionReports(t *testing.T) {
	f := newFixture(t)
	// Offset before position in the same line.
	f.feed("<Idle|WCO:1.000,1.000,1.000|WPos:2.000,3.000,4.000>")
	snap := f.m.Snapshot()
	if snap.Machine != (Coordinates{X: 3, Y: 4, Z: 5}) {
		t.Errorf("machine = %v", snap.Machine)
	}
	if snap.Working != (Coordinates{X: 2, Y: 3, Z: 4}) {
		t.Errorf("working = %v", snap.Working)
	}

	// A new offset alone moves the derived machine position.
	f.rec.reset()
	f.feed("<Idle|WCO:0.000,0.000,0.000>")
	if got := f.m.Snapshot().Machine; got != (Coordinates{X: 2, Y: 3, Z: 4}) {
		t.Errorf("machine = %v", got)
	}
	if f.rec.count(EventCoordinatesChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestStatusMachinePositionComparedWithMachine(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|WPos:5.000,5.000,5.000>")
	f.feed("<Idle|MPos:5.000,5.000,5.000>")
	f.rec.reset()
	// Same machine position as before: nothing moved.
	f.feed("<Idle|MPos:5.000,5.000,5.000>")
	if f.rec.count(EventCoordinatesChanged) != 0 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestStatusHoldSubCode(t *testing.T) {
	f := newFixture(t)
	f.feed("<Hold:0|MPos:0,0,0>")
	if f.m.State() != StateHold || f.m.Snapshot().HoldCode != 0 {
		t.Fatalf("state = %v code = %d", f.m.State(), f.m.Snapshot().HoldCode)
	}

	f.rec.reset()
	f.feed("<Hold:0|MPos:0,0,0>")
	if f.rec.count(EventStateChanged) != 0 {
		t.Error("same sub-code raised state_changed")
	}

	f.rec.reset()
	f.feed("<Hold:1|MPos:0,0,0>")
	if f.rec.count(EventStateChanged) != 1 {
		t.Errorf("state_changed raised %d times", f.rec.count(EventStateChanged))
	}
	if f.m.State() != StateHold || f.m.Snapshot().HoldCode != 1 {
		t.Errorf("state = %v code = %d", f.m.State(), f.m.Snapshot().HoldCode)
	}
}

func TestStatusBadSubCodeKeepsCode(t *testing.T) {
	f := newFixture(t)
	f.feed("<Hold:1|MPos:0,0,0>")
	f.rec.reset()
	f.feed("<Hold:x|MPos:0,0,0>")
	if f.rec.count(EventStateChanged) != 0 {
		t.Errorf("events = %v", f.rec.kinds())
	}
	if f.m.State() != StateHold || f.m.Snapshot().HoldCode != 1 {
		t.Errorf("state = %v code = %d", f.m.State(), f.m.Snapshot().HoldCode)
	}

	f.feed("<Door:2|MPos:0,0,0>")
	f.rec.reset()
	f.feed("<Door:?|MPos:0,0,0>")
	if f.rec.count(EventStateChanged) != 0 || f.m.Snapshot().DoorCode != 2 {
		t.Errorf("events = %v code = %d", f.rec.kinds(), f.m.Snapshot().DoorCode)
	}
}

func TestStatusDoorSubCode(t *testing.T) {
	f := newFixture(t)
	f.feed("<Door:2|MPos:0,0,0>")
	f.rec.reset()
	f.feed("<Door:3|MPos:0,0,0>")
	if f.rec.count(EventStateChanged) != 1 || f.m.Snapshot().DoorCode != 3 {
		t.Errorf("events = %v code = %d", f.rec.kinds(), f.m.Snapshot().DoorCode)
	}
}

func TestStatusUnknownStateKeepsState(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0>")
	f.rec.reset()
	f.feed("<Dancing|MPos:0,0,0>")
	if f.m.State() != StateIdle {
		t.Errorf("state = %v", f.m.State())
	}
	if f.rec.count(EventStateChanged) != 0 || f.rec.count(EventStatusUpdated) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
	if !strings.Contains(f.logs.String(), "unknown machine state") {
		t.Errorf("not logged: %s", f.logs.String())
	}
}

func TestStatusSwitchesClearedWhenAbsent(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0|Pn:PXD>")
	want := SwitchProbe | SwitchLimitX | SwitchDoor
	if got := f.m.Snapshot().Switches; got != want {
		t.Fatalf("switches = %v, want %v", got, want)
	}

	f.rec.reset()
	f.feed("<Idle|MPos:0,0,0>")
	if got := f.m.Snapshot().Switches; got != 0 {
		t.Errorf("switches = %v, want none", got)
	}
	if f.rec.count(EventSwitchesChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
}

func TestStatusActioners(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0|Ov:100,100,100|A:SFM>")
	want := ActSpindleOn | ActCoolant | ActCoolantFlood | ActCoolantMist
	if got := f.m.Snapshot().Actioners; got != want {
		t.Fatalf("actioners = %v, want %v", got, want)
	}
	if f.rec.count(EventActionersChanged) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}

	// No Ov: or A: in this report: actioners are not known, keep them.
	f.rec.reset()
	f.feed("<Idle|MPos:0,0,0>")
	if f.m.Snapshot().Actioners != want || f.rec.count(EventActionersChanged) != 0 {
		t.Errorf("actioners = %v events = %v", f.m.Snapshot().Actioners, f.rec.kinds())
	}

	// Ov: without A: means everything is off.
	f.feed("<Idle|MPos:0,0,0|Ov:100,100,100>")
	if f.m.Snapshot().Actioners != 0 || f.rec.count(EventActionersChanged) != 1 {
		t.Errorf("actioners = %v events = %v", f.m.Snapshot().Actioners, f.rec.kinds())
	}
}

func TestStatusOverrides(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:0,0,0|Ov:100,100,100>")
	if f.rec.count(EventOverridesChanged) != 0 {
		t.Error("default overrides reported as a change")
	}
	f.feed("<Idle|MPos:0,0,0|Ov:120,50,80>")
	snap := f.m.Snapshot()
	if snap.Overrides != (Overrides{Feed: 120, Rapid: 50, Spindle: 80}) {
		t.Errorf("overrides = %+v", snap.Overrides)
	}
	if f.rec.count(EventOverridesChanged) != 1 || !snap.Info.Has(InfoHasOverrides) {
		t.Errorf("events = %v info = %v", f.rec.kinds(), snap.Info)
	}
}

func TestStatusFields(t *testing.T) {
	f := newFixture(t)
	f.feed("<Run|MPos:0,0,0|Bf:14,120|Ln:42|F:300>")
	snap := f.m.Snapshot()
	if snap.BlocksFree != 14 || snap.RxFree != 120 || snap.LineNumber != 42 || snap.FeedRate != 300 {
		t.Errorf("snapshot = %+v", snap)
	}
	for _, kind := range []EventKind{EventBuffersChanged, EventLineNumberChanged, EventRatesChanged} {
		if f.rec.count(kind) != 1 {
			t.Errorf("%v raised %d times", kind, f.rec.count(kind))
		}
	}

	f.rec.reset()
	f.feed("<Run|MPos:0,0,0|FS:300,12000.5>")
	if f.m.Snapshot().SpindleSpeed != 12000.5 || f.rec.count(EventRatesChanged) != 1 {
		t.Errorf("spindle = %v events = %v", f.m.Snapshot().SpindleSpeed, f.rec.kinds())
	}
}

func TestStatusMalformedFieldsSkipped(t *testing.T) {
	f := newFixture(t)
	f.feed("<Idle|MPos:1,2|Bf:15|Ln:x|Zz:1|Ov:1,2|FS:5,6>")
	snap := f.m.Snapshot()
	if snap.Info.Has(InfoHasMachineCoords) || snap.Info.Has(InfoHasBuffers) || snap.Info.Has(InfoHasLineNumber) {
		t.Errorf("malformed fields applied: %v", snap.Info)
	}
	if snap.Overrides != DefaultOverrides {
		t.Errorf("overrides = %+v", snap.Overrides)
	}
	if snap.FeedRate != 5 || snap.SpindleSpeed != 6 {
		t.Errorf("valid field after malformed ones lost: %v %v", snap.FeedRate, snap.SpindleSpeed)
	}
	if f.rec.count(EventStatusUpdated) != 1 {
		t.Errorf("events = %v", f.rec.kinds())
	}
	if !strings.Contains(f.logs.String(), "status field") {
		t.Errorf("not logged: %s", f.logs.String())
	}
}
