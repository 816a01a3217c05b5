// Unit tests for the GRBL device metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"controlncenter/pkg/grbl"
)

func TestLineKind(t *testing.T) {
	tests := map[string]string{
		"ok":                       "ok",
		"error:9":                  "error",
		"ALARM:1":                  "alarm",
		"<Idle|MPos:0,0,0>":        "status",
		"[MSG:hi]":                 "info",
		"$110=500.000":             "setting",
		">G21:ok":                  "startup",
		"":                         "empty",
		"Grbl 1.1h ['$' for help]": "other",
	}
	for line, want := range tests {
		if got := LineKind(line); got != want {
			t.Errorf("LineKind(%q) = %s, want %s", line, got, want)
		}
	}
}

func TestDeviceMetricsObserve(t *testing.T) {
	dm := NewDeviceMetrics()
	now := time.Unix(100, 0)
	dm.now = func() time.Time { return now }

	snap := &grbl.Snapshot{
		State:         grbl.StateRun,
		Machine:       grbl.Coordinates{X: 10, Y: 20, Z: -1},
		Working:       grbl.Coordinates{X: 5, Y: 20, Z: -1},
		WorkingOffset: grbl.Coordinates{X: 5},
		Info:          grbl.InfoHasWorkingOffset | grbl.InfoHasBuffers,
		BlocksFree:    14,
		RxFree:        120,
		FeedRate:      500,
		Overrides:     grbl.Overrides{Feed: 120, Rapid: 50, Spindle: 100},
		Pending:       2,
	}

	dm.Observe(grbl.Event{Kind: grbl.EventStateChanged}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventStatusUpdated}, snap)
	now = now.Add(200 * time.Millisecond)
	dm.Observe(grbl.Event{Kind: grbl.EventStatusUpdated}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventDeviceError, Code: 20}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventAlarm, Code: 1}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventSequenceFailed}, snap)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"state run", dm.State.Get(Labels{"state": "run"}), 1},
		{"state idle", dm.State.Get(Labels{"state": "idle"}), 0},
		{"machine x", dm.Position.Get(Labels{"frame": "machine", "axis": "x"}), 10},
		{"working x", dm.Position.Get(Labels{"frame": "working", "axis": "x"}), 5},
		{"offset x", dm.WorkingOffset.Get(Labels{"axis": "x"}), 5},
		{"blocks", dm.BufferFree.Get(Labels{"buffer": "blocks"}), 14},
		{"rx", dm.BufferFree.Get(Labels{"buffer": "rx"}), 120},
		{"feed", dm.FeedRate.Get(nil), 500},
		{"feed override", dm.Overrides.Get(Labels{"kind": "feed"}), 120},
		{"pending", dm.PendingCommands.Get(nil), 2},
		{"error 20", dm.DeviceErrors.Get(Labels{"code": "20"}), 1},
		{"alarm 1", dm.Alarms.Get(Labels{"code": "1"}), 1},
		{"sequence failures", dm.SequenceFailures.Get(nil), 1},
		{"status events", dm.Events.Get(Labels{"kind": "status_updated"}), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %g, want %g", c.name, c.got, c.want)
		}
	}
	if dm.StatusInterval.Count() != 1 {
		t.Errorf("status intervals = %d", dm.StatusInterval.Count())
	}
}

func TestDeviceMetricsResetRestartsInterval(t *testing.T) {
	dm := NewDeviceMetrics()
	snap := &grbl.Snapshot{}
	dm.Observe(grbl.Event{Kind: grbl.EventStatusUpdated}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventResetDone}, snap)
	dm.Observe(grbl.Event{Kind: grbl.EventStatusUpdated}, snap)
	if dm.StatusInterval.Count() != 0 {
		t.Errorf("interval measured across a reset")
	}
}

func TestDeviceMetricsLines(t *testing.T) {
	dm := NewDeviceMetrics()
	dm.LineReceived("ok")
	dm.LineReceived("ok")
	dm.LineReceived("<Idle|MPos:0,0,0>")
	dm.UpdateDropped()

	if v := dm.LinesReceived.Get(Labels{"kind": "ok"}); v != 2 {
		t.Errorf("ok lines = %g", v)
	}
	if v := dm.UpdatesDropped.Get(nil); v != 1 {
		t.Errorf("dropped = %g", v)
	}
}

func TestHandler(t *testing.T) {
	dm := NewDeviceMetrics()
	dm.LineReceived("ok")
	h := Handler(dm)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(string(body), `grbl_lines_received_total{kind="ok"} 1`) {
		t.Errorf("body:\n%s", body)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/metrics", nil))
	if w.Body.Len() != 0 || w.Header().Get("Content-Length") == "" {
		t.Errorf("HEAD body = %d bytes, length %q", w.Body.Len(), w.Header().Get("Content-Length"))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", w.Code)
	}
}
