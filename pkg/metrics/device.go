// GRBL device metrics
//
// DeviceMetrics observes the machine model through the host and exports:
// - traffic: lines received by kind, events by kind, dropped updates
// - device faults: error and alarm codes, sequence failures
// - machine state: state, positions, buffers, rates, overrides
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"strings"
	"time"

	"controlncenter/pkg/grbl"
)

// DeviceMetrics holds the metrics of one connected device.
type DeviceMetrics struct {
	LinesReceived    *Counter
	Events           *Counter
	DeviceErrors     *Counter
	Alarms           *Counter
	SequenceFailures *Counter
	UpdatesDropped   *Counter

	State           *Gauge
	Position        *Gauge
	WorkingOffset   *Gauge
	BufferFree      *Gauge
	FeedRate        *Gauge
	SpindleSpeed    *Gauge
	Overrides       *Gauge
	PendingCommands *Gauge
	StatusInterval  *Histogram

	registry   *Registry
	now        func() time.Time
	lastStatus time.Time
}

// NewDeviceMetrics creates and registers the device metrics.
func NewDeviceMetrics() *DeviceMetrics {
	dm := &DeviceMetrics{
		registry: NewRegistry(),
		now:      time.Now,
	}

	dm.LinesReceived = NewCounter("grbl_lines_received_total",
		"Lines received from the device by kind")
	dm.Events = NewCounter("grbl_events_total",
		"Machine model events by kind")
	dm.DeviceErrors = NewCounter("grbl_device_errors_total",
		"error:<code> responses by code")
	dm.Alarms = NewCounter("grbl_alarms_total",
		"ALARM:<code> reports by code")
	dm.SequenceFailures = NewCounter("grbl_sequence_failures_total",
		"Configuration exchanges that were aborted")
	dm.UpdatesDropped = NewCounter("grbl_updates_dropped_total",
		"Updates not delivered to a slow subscriber")

	dm.State = NewGauge("grbl_state",
		"1 for the current machine state, 0 otherwise")
	dm.Position = NewGauge("grbl_position_mm",
		"Position by frame (machine, working) and axis")
	dm.WorkingOffset = NewGauge("grbl_working_offset_mm",
		"Working coordinate offset by axis")
	dm.BufferFree = NewGauge("grbl_buffer_free",
		"Free planner blocks and serial receive bytes")
	dm.FeedRate = NewGauge("grbl_feed_rate",
		"Current feed rate")
	dm.SpindleSpeed = NewGauge("grbl_spindle_speed",
		"Current spindle speed")
	dm.Overrides = NewGauge("grbl_override_percent",
		"Feed, rapid and spindle override percentages")
	dm.PendingCommands = NewGauge("grbl_pending_commands",
		"Line commands sent and not yet acknowledged")
	dm.StatusInterval = NewHistogram("grbl_status_interval_seconds",
		"Time between consecutive status reports", DefaultBuckets())

	for _, m := range []Metric{
		dm.LinesReceived, dm.Events, dm.DeviceErrors, dm.Alarms,
		dm.SequenceFailures, dm.UpdatesDropped,
		dm.State, dm.Position, dm.WorkingOffset, dm.BufferFree,
		dm.FeedRate, dm.SpindleSpeed, dm.Overrides, dm.PendingCommands,
		dm.StatusInterval,
	} {
		dm.registry.MustRegister(m)
	}
	return dm
}

// Registry returns the registry holding the device metrics.
func (dm *DeviceMetrics) Registry() *Registry { return dm.registry }

// Gather returns all device metrics in Prometheus text format.
func (dm *DeviceMetrics) Gather() string { return dm.registry.Gather() }

// LineKind classifies a raw device line for the lines counter.
func LineKind(line string) string {
	switch {
	case line == "ok":
		return "ok"
	case strings.HasPrefix(line, "error:"):
		return "error"
	case strings.HasPrefix(line, "ALARM:"):
		return "alarm"
	case strings.HasPrefix(line, "<"):
		return "status"
	case strings.HasPrefix(line, "["):
		return "info"
	case strings.HasPrefix(line, "$"):
		return "setting"
	case strings.HasPrefix(line, ">"):
		return "startup"
	case strings.TrimSpace(line) == "":
		return "empty"
	default:
		return "other"
	}
}

// LineReceived counts one device line.
func (dm *DeviceMetrics) LineReceived(line string) {
	dm.LinesReceived.Inc(Labels{"kind": LineKind(line)})
}

// UpdateDropped counts one update lost to a slow subscriber.
func (dm *DeviceMetrics) UpdateDropped() {
	dm.UpdatesDropped.Inc(nil)
}

// Observe folds one machine event and the snapshot that follows it into
// the metrics.
func (dm *DeviceMetrics) Observe(ev grbl.Event, snap *grbl.Snapshot) {
	dm.Events.Inc(Labels{"kind": ev.Kind.String()})

	switch ev.Kind {
	case grbl.EventDeviceError:
		dm.DeviceErrors.Inc(Labels{"code": strconv.Itoa(ev.Code)})
	case grbl.EventAlarm:
		dm.Alarms.Inc(Labels{"code": strconv.Itoa(ev.Code)})
	case grbl.EventSequenceFailed:
		dm.SequenceFailures.Inc(nil)
	case grbl.EventStateChanged:
		dm.setState(snap.State)
	case grbl.EventStatusUpdated:
		now := dm.now()
		if !dm.lastStatus.IsZero() {
			dm.StatusInterval.Observe(now.Sub(dm.lastStatus).Seconds())
		}
		dm.lastStatus = now
		dm.setStatus(snap)
	case grbl.EventResetDone:
		dm.lastStatus = time.Time{}
	}
	dm.PendingCommands.Set(nil, float64(snap.Pending))
}

func (dm *DeviceMetrics) setState(current grbl.State) {
	for s := grbl.StateUnknown; s <= grbl.StateSleep; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		dm.State.Set(Labels{"state": strings.ToLower(s.String())}, v)
	}
}

func (dm *DeviceMetrics) setStatus(snap *grbl.Snapshot) {
	setAxes(dm.Position, Labels{"frame": "machine"}, snap.Machine)
	setAxes(dm.Position, Labels{"frame": "working"}, snap.Working)
	if snap.Info.Has(grbl.InfoHasWorkingOffset) {
		setAxes(dm.WorkingOffset, nil, snap.WorkingOffset)
	}
	if snap.Info.Has(grbl.InfoHasBuffers) {
		dm.BufferFree.Set(Labels{"buffer": "blocks"}, float64(snap.BlocksFree))
		dm.BufferFree.Set(Labels{"buffer": "rx"}, float64(snap.RxFree))
	}
	dm.FeedRate.Set(nil, snap.FeedRate)
	dm.SpindleSpeed.Set(nil, snap.SpindleSpeed)
	dm.Overrides.Set(Labels{"kind": "feed"}, float64(snap.Overrides.Feed))
	dm.Overrides.Set(Labels{"kind": "rapid"}, float64(snap.Overrides.Rapid))
	dm.Overrides.Set(Labels{"kind": "spindle"}, float64(snap.Overrides.Spindle))
}

func setAxes(g *Gauge, base Labels, c grbl.Coordinates) {
	g.Set(base.with("axis", "x"), c.X)
	g.Set(base.with("axis", "y"), c.Y)
	g.Set(base.with("axis", "z"), c.Z)
}
