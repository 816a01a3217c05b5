// Unit tests for the Prometheus metrics implementation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"math"
	"strings"
	"sync"
	"testing"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("test_counter", "A test counter")

	if v := c.Get(nil); v != 0 {
		t.Errorf("expected initial value 0, got %g", v)
	}
	c.Inc(nil)
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("expected 11, got %g", v)
	}
	c.Add(nil, -5)
	if v := c.Get(nil); v != 11 {
		t.Errorf("negative delta applied: %g", v)
	}
	if c.Name() != "test_counter" || c.Help() != "A test counter" || c.Type() != TypeCounter {
		t.Errorf("metadata = %s %q %s", c.Name(), c.Help(), c.Type())
	}
}

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("lines_total", "Lines")
	ok := Labels{"kind": "ok"}
	status := Labels{"kind": "status"}

	c.Inc(ok)
	c.Inc(ok)
	c.Inc(status)

	if v := c.Get(ok); v != 2 {
		t.Errorf("ok = %g", v)
	}
	if v := c.Get(status); v != 1 {
		t.Errorf("status = %g", v)
	}
	// Label order does not matter.
	a := Labels{"axis": "x", "frame": "machine"}
	b := Labels{"frame": "machine", "axis": "x"}
	c.Inc(a)
	if c.Get(b) != 1 {
		t.Error("label sets with different order are different series")
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent", "Concurrent increments")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc(Labels{"worker": "all"})
			}
		}()
	}
	wg.Wait()
	if v := c.Get(Labels{"worker": "all"}); v != 5000 {
		t.Errorf("expected 5000, got %g", v)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("position", "Position")
	x := Labels{"axis": "x"}

	g.Set(x, 10.5)
	g.Add(x, -0.5)
	if v := g.Get(x); v != 10 {
		t.Errorf("x = %g", v)
	}
	if v := g.Get(Labels{"axis": "y"}); v != 0 {
		t.Errorf("unset series = %g", v)
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("interval_seconds", "Interval", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.0625, 0.25, 0.75, 3} {
		h.Observe(v)
	}
	if h.Count() != 4 {
		t.Errorf("count = %d", h.Count())
	}

	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	for _, want := range []string{
		"# TYPE interval_seconds histogram",
		`interval_seconds_bucket{le="0.1"} 1`,
		`interval_seconds_bucket{le="0.5"} 2`,
		`interval_seconds_bucket{le="1"} 3`,
		`interval_seconds_bucket{le="+Inf"} 4`,
		"interval_seconds_sum 4.0625",
		"interval_seconds_count 4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("a_total", "First")
	g := NewGauge("b", "Second")
	r.MustRegister(c)
	r.MustRegister(g)
	if err := r.Register(NewGauge("a_total", "dup")); err == nil {
		t.Error("duplicate name accepted")
	}
	if r.Get("b") != g {
		t.Error("Get returned the wrong metric")
	}

	c.Inc(Labels{"kind": "z"})
	c.Inc(Labels{"kind": "a"})
	g.Set(nil, 1.5)

	want := "# HELP a_total First\n# TYPE a_total counter\n" +
		"a_total{kind=\"a\"} 1\na_total{kind=\"z\"} 1\n" +
		"# HELP b Second\n# TYPE b gauge\nb 1.5\n"
	if got := r.Gather(); got != want {
		t.Errorf("Gather =\n%s\nwant\n%s", got, want)
	}
}

func TestMustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewCounter("x", "x"))
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.MustRegister(NewCounter("x", "x"))
}

func TestLabelsString(t *testing.T) {
	tests := []struct {
		labels Labels
		want   string
	}{
		{nil, ""},
		{Labels{}, ""},
		{Labels{"b": "2", "a": "1"}, `{a="1",b="2"}`},
		{Labels{"msg": "say \"hi\"\n\\"}, `{msg="say \"hi\"\n\\"}`},
	}
	for _, tt := range tests {
		if got := tt.labels.String(); got != tt.want {
			t.Errorf("%v.String() = %s, want %s", tt.labels, got, tt.want)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{
		0:            "0",
		1.5:          "1.5",
		-2:           "-2",
		math.Inf(1):  "+Inf",
		math.Inf(-1): "-Inf",
	}
	for v, want := range tests {
		if got := formatFloat(v); got != want {
			t.Errorf("formatFloat(%v) = %s, want %s", v, got, want)
		}
	}
}
