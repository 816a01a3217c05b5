// Metrics collection for the GRBL host
//
// Prometheus text-format metrics:
// - Counter: monotonically increasing values
// - Gauge: values that can go up and down
// - Histogram: observations in cumulative buckets
//
// Series are written sorted by label set so scrapes are stable.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set inside one metric.
func (l Labels) key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format, e.g. {axis="x"}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for lk, lv := range l {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

// series is one labelled value of a counter or gauge.
type series struct {
	labels Labels
	value  float64
}

// vec holds the series of a counter or gauge.
type vec struct {
	name string
	help string

	mu     sync.Mutex
	values map[string]*series
}

func (v *vec) Name() string { return v.name }
func (v *vec) Help() string { return v.help }

func (v *vec) update(labels Labels, fn func(float64) float64) {
	key := labels.key()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.values == nil {
		v.values = make(map[string]*series)
	}
	s, ok := v.values[key]
	if !ok {
		s = &series{labels: labels}
		v.values[key] = s
	}
	s.value = fn(s.value)
}

func (v *vec) get(labels Labels) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.values[labels.key()]; ok {
		return s.value
	}
	return 0
}

func (v *vec) write(sb *strings.Builder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := v.values[k]
		sb.WriteString(v.name)
		sb.WriteString(s.labels.String())
		sb.WriteByte(' ')
		sb.WriteString(formatFloat(s.value))
		sb.WriteByte('\n')
	}
}

// Counter is a monotonically increasing metric
type Counter struct{ vec }

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{vec{name: name, help: help}}
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter. Negative deltas are ignored.
func (c *Counter) Add(labels Labels, delta float64) {
	if delta < 0 {
		return
	}
	c.update(labels, func(v float64) float64 { return v + delta })
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) float64 { return c.get(labels) }

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.write(sb)
}

// Gauge is a metric that can go up and down
type Gauge struct{ vec }

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{vec{name: name, help: help}}
}

func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	g.update(labels, func(float64) float64 { return value })
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	g.update(labels, func(v float64) float64 { return v + delta })
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 { return g.get(labels) }

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.write(sb)
}

// DefaultBuckets covers the intervals a status poll produces, in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

// Histogram tracks the distribution of observations
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{name: name, help: help, buckets: b, counts: make([]uint64, len(b))}
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ub := range h.buckets {
		if v <= ub {
			h.counts[i]++
		}
	}
	h.sum += v
	h.count++
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ub := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{le=\"%s\"} %d\n", h.name, formatFloat(ub), h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(sb, "%s_sum %s\n", h.name, formatFloat(h.sum))
	fmt.Fprintf(sb, "%s_count %d\n", h.name, h.count)
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name()]; exists {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format, in registration
// order.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
