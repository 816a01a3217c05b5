// Package sim is an in-process GRBL 1.1 device.
//
// A Sim is an io.ReadWriteCloser that answers like a real controller:
// banner on reset, status reports, settings, startup blocks, info
// reports and immediate execution of motion lines. It is used by the host
// tests and by the binary's -sim mode.
package sim

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/256dpi/gcode"

	"controlncenter/pkg/log"
)

// Options configures a Sim.
type Options struct {
	// BannerToken starts the reset banner. Default "Grbl".
	BannerToken string
	// Version is printed in the banner and the VER report. Default "1.1h".
	Version   string
	BuildDate string
	// Capabilities are the OPT letters. "V" enables $32.
	Capabilities string
	BlockBuffer  int
	RxBuffer     int
	// HomingLock starts the device in Alarm, as GRBL does with $22=1.
	HomingLock bool
	Logger     *log.Logger
}

func (o *Options) applyDefaults() {
	if o.BannerToken == "" {
		o.BannerToken = "Grbl"
	}
	if o.Version == "" {
		o.Version = "1.1h"
	}
	if o.BuildDate == "" {
		o.BuildDate = "20190830"
	}
	if o.BlockBuffer == 0 {
		o.BlockBuffer = 15
	}
	if o.RxBuffer == 0 {
		o.RxBuffer = 128
	}
	if o.Logger == nil {
		o.Logger = log.GetLogger("sim")
	}
}

var defaultSettings = map[int]string{
	0: "10", 1: "25", 2: "0", 3: "0", 4: "0", 5: "0", 6: "0",
	10: "1", 11: "0.010", 12: "0.002", 13: "0",
	20: "0", 21: "0", 22: "0", 23: "0",
	24: "25.000", 25: "500.000", 26: "250", 27: "1.000",
	30: "1000", 31: "0", 32: "0",
	100: "250.000", 101: "250.000", 102: "250.000",
	110: "500.000", 111: "500.000", 112: "500.000",
	120: "10.000", 121: "10.000", 122: "10.000",
	130: "200.000", 131: "200.000", 132: "200.000",
}

// Sim is a simulated GRBL controller.
type Sim struct {
	opts Options
	log  *log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	out    []byte
	line   []byte
	closed bool

	state    string
	moved    bool
	alarm    bool
	check    bool
	mpos     [3]float64
	wco      [3]float64
	tlo      float64
	settings map[int]string
	startup  [2]string

	inches   bool
	relative bool
	feed     float64
	speed    float64
	spindle  string
	flood    bool
	mist     bool

	feedOv, rapidOv, spindleOv int
	pins                       string

	reports int
}

// New creates a Sim that has just booted: its banner is already waiting
// to be read.
func New(opts Options) *Sim {
	opts.applyDefaults()
	s := &Sim{
		opts:     opts,
		log:      opts.Logger,
		settings: make(map[int]string, len(defaultSettings)),
	}
	s.cond = sync.NewCond(&s.mu)
	for k, v := range defaultSettings {
		s.settings[k] = v
	}
	if opts.HomingLock {
		s.settings[22] = "1"
	}
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	return s
}

// Read blocks until output is available or the Sim is closed.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.out) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// Write feeds bytes to the controller. Realtime bytes act immediately,
// everything else is collected into lines.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		if s.realtime(b) {
			continue
		}
		switch b {
		case '\n':
			line := strings.TrimSpace(string(s.line))
			s.line = s.line[:0]
			s.execute(line)
		case '\r':
		default:
			s.line = append(s.line, b)
		}
	}
	return len(p), nil
}

// Close wakes pending reads, which return io.EOF once the output is
// drained.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Device names the Sim for logs.
func (s *Sim) Device() string { return "sim" }

// SetPins sets the Pn: letters reported from now on.
func (s *Sim) SetPins(letters string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = letters
}

// Trigger raises alarm code as if a limit or probe fault had occurred.
func (s *Sim) Trigger(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raiseAlarm(code)
}

// Setting returns the stored value of a $ setting.
func (s *Sim) Setting(key int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

// StartupBlock returns $N<n>.
func (s *Sim) StartupBlock(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startup[n]
}

func (s *Sim) reply(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	s.log.Debug("< %s", line)
	s.out = append(s.out, line...)
	s.out = append(s.out, '\r', '\n')
	s.cond.Broadcast()
}

func (s *Sim) raiseAlarm(code int) {
	s.alarm = true
	s.state = "Alarm"
	s.reply("ALARM:%d", code)
}

func (s *Sim) reset() {
	s.line = s.line[:0]
	s.state = "Idle"
	s.moved = false
	s.check = false
	s.relative = false
	s.inches = false
	s.feed, s.speed = 0, 0
	s.spindle = "M5"
	s.flood, s.mist = false, false
	s.feedOv, s.rapidOv, s.spindleOv = 100, 100, 100
	s.reports = 0

	s.out = append(s.out, '\r', '\n')
	s.reply("%s %s ['$' for help]", s.opts.BannerToken, s.opts.Version)
	if s.settings[22] == "1" {
		s.alarm = true
		s.state = "Alarm"
		s.reply("[MSG:'$H'|'$X' to unlock]")
		return
	}
	s.alarm = false
	for _, block := range s.startup {
		if block != "" {
			s.reply(">%s:%s", block, s.run(block))
		}
	}
}

// realtime handles the single-byte commands and reports whether b was one.
func (s *Sim) realtime(b byte) bool {
	switch {
	case b == '?':
		s.statusReport()
	case b == '!':
		if s.state == "Run" || s.state == "Jog" || s.moved {
			s.state = "Hold:0"
			s.moved = false
		}
	case b == '~':
		if strings.HasPrefix(s.state, "Hold") || strings.HasPrefix(s.state, "Door") {
			s.state = "Idle"
		}
	case b == 0x18:
		s.reset()
	case b == 0x84:
		s.state = "Door:0"
	case b == 0x85:
		if s.state == "Jog" {
			s.state = "Idle"
		}
	case b == 0x86:
	case b >= 0x90 && b <= 0x94:
		s.feedOv = adjust(s.feedOv, b-0x90, 10, 200)
	case b >= 0x95 && b <= 0x97:
		s.rapidOv = [3]int{100, 50, 25}[b-0x95]
	case b >= 0x99 && b <= 0x9D:
		s.spindleOv = adjust(s.spindleOv, b-0x99, 10, 200)
	case b == 0x9E:
		if s.spindle != "M5" {
			s.state = "Hold:0"
		}
	case b == 0xA0:
		s.flood = !s.flood
	case b == 0xA1:
		s.mist = !s.mist
	default:
		return false
	}
	return true
}

// adjust applies a feed or spindle override step: reset, +10, -10, +1, -1.
func adjust(v int, step byte, lo, hi int) int {
	switch step {
	case 0:
		return 100
	case 1:
		v += 10
	case 2:
		v -= 10
	case 3:
		v++
	case 4:
		v--
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func (s *Sim) statusReport() {
	state := s.state
	if s.moved && state == "Idle" {
		state = "Run"
		s.moved = false
	}
	if s.check && state == "Idle" {
		state = "Check"
	}

	var b strings.Builder
	b.WriteString("<")
	b.WriteString(state)
	if s.settings[10] == "0" {
		b.WriteString("|WPos:")
		b.WriteString(formatCoords(sub3(s.mpos, s.wco)))
	} else {
		b.WriteString("|MPos:")
		b.WriteString(formatCoords(s.mpos))
	}
	fmt.Fprintf(&b, "|Bf:%d,%d", s.opts.BlockBuffer, s.opts.RxBuffer)
	fmt.Fprintf(&b, "|FS:%s,%s", trimFloat(s.feed), trimFloat(s.speed))
	if s.pins != "" {
		b.WriteString("|Pn:")
		b.WriteString(s.pins)
	}
	// GRBL interleaves the slow-changing fields across reports.
	switch s.reports % 10 {
	case 0:
		b.WriteString("|WCO:")
		b.WriteString(formatCoords(s.wco))
	case 1:
		fmt.Fprintf(&b, "|Ov:%d,%d,%d", s.feedOv, s.rapidOv, s.spindleOv)
		if a := s.actioners(); a != "" {
			b.WriteString("|A:")
			b.WriteString(a)
		}
	}
	s.reports++
	b.WriteString(">")
	s.reply("%s", b.String())
}

func (s *Sim) actioners() string {
	var a string
	switch s.spindle {
	case "M3":
		a += "S"
	case "M4":
		a += "C"
	}
	if s.flood {
		a += "F"
	}
	if s.mist {
		a += "M"
	}
	return a
}

func (s *Sim) execute(line string) {
	s.log.Debug("> %s", line)
	if r := s.run(line); r != "" {
		s.reply("%s", r)
	}
}

// run executes one line and returns "ok" or "error:<code>". Report lines
// are written directly.
func (s *Sim) run(line string) string {
	if line == "" {
		return "ok"
	}
	if line[0] == '$' {
		return s.system(line[1:])
	}
	if s.alarm {
		return "error:9"
	}
	return s.gcode(line, false)
}

func (s *Sim) system(cmd string) string {
	switch {
	case cmd == "":
		s.reply("[HLP:$$ $# $G $I $N $x=val $Nx=line $J=line $SLP $C $X $H ~ ! ? ctrl-x]")
	case cmd == "$":
		keys := make([]int, 0, len(s.settings))
		for k := range s.settings {
			if k == 32 && !s.laserCapable() {
				continue
			}
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			s.reply("$%d=%s", k, s.settings[k])
		}
	case cmd == "N":
		for i, block := range s.startup {
			s.reply("$N%d=%s", i, block)
		}
	case cmd == "I":
		s.reply("[VER:%s.%s:]", s.opts.Version, s.opts.BuildDate)
		s.reply("[OPT:%s,%d,%d]", s.opts.Capabilities, s.opts.BlockBuffer-1, s.opts.RxBuffer)
	case cmd == "G":
		s.reply("[GC:%s]", s.modal())
	case cmd == "#":
		s.reply("[G54:%s]", formatCoords(s.wco))
		for g := 55; g <= 59; g++ {
			s.reply("[G%d:0.000,0.000,0.000]", g)
		}
		s.reply("[G28:0.000,0.000,0.000]")
		s.reply("[G30:0.000,0.000,0.000]")
		s.reply("[G92:0.000,0.000,0.000]")
		s.reply("[TLO:%.3f]", s.tlo)
		s.reply("[PRB:0.000,0.000,0.000:0]")
	case cmd == "H":
		if s.settings[22] != "1" {
			return "error:5"
		}
		s.mpos = [3]float64{}
		s.alarm = false
		s.state = "Idle"
	case cmd == "X":
		if s.alarm {
			s.reply("[MSG:Caution: Unlocked]")
		}
		s.alarm = false
		s.state = "Idle"
	case cmd == "C":
		s.check = !s.check
		if s.check {
			s.reply("[MSG:Enabled]")
		} else {
			s.reply("[MSG:Disabled]")
			s.reset()
			return ""
		}
	case strings.HasPrefix(cmd, "J="):
		if s.alarm {
			return "error:9"
		}
		return s.gcode(cmd[2:], true)
	case strings.HasPrefix(cmd, "N"):
		return s.setStartup(cmd[1:])
	default:
		return s.setSetting(cmd)
	}
	return "ok"
}

func (s *Sim) laserCapable() bool {
	return strings.Contains(s.opts.Capabilities, "V")
}

func (s *Sim) setStartup(assign string) string {
	key, value, ok := strings.Cut(assign, "=")
	if !ok {
		return "error:3"
	}
	n, err := strconv.Atoi(key)
	if err != nil || n < 0 || n >= len(s.startup) {
		return "error:3"
	}
	if value != "" {
		if _, err := gcode.ParseLine(value); err != nil {
			return "error:2"
		}
	}
	s.startup[n] = value
	return "ok"
}

func (s *Sim) setSetting(assign string) string {
	key, value, ok := strings.Cut(assign, "=")
	if !ok {
		return "error:3"
	}
	k, err := strconv.Atoi(key)
	if err != nil {
		return "error:3"
	}
	if _, known := defaultSettings[k]; !known || (k == 32 && !s.laserCapable()) {
		return "error:3"
	}
	if _, err := strconv.ParseFloat(value, 64); err != nil {
		return "error:2"
	}
	s.settings[k] = value
	return "ok"
}

func (s *Sim) modal() string {
	motion, units, dist := "G0", "G21", "G90"
	if s.inches {
		units = "G20"
	}
	if s.relative {
		dist = "G91"
	}
	coolant := "M9"
	switch {
	case s.flood && s.mist:
		coolant = "M7 M8"
	case s.flood:
		coolant = "M8"
	case s.mist:
		coolant = "M7"
	}
	return fmt.Sprintf("%s G54 G17 %s %s G94 %s %s T0 F%s S%s",
		motion, units, dist, s.spindle, coolant, trimFloat(s.feed), trimFloat(s.speed))
}

// gcode executes a line. Motion completes immediately; the next status
// report shows Run once.
func (s *Sim) gcode(text string, jog bool) string {
	line, err := gcode.ParseLine(text)
	if err != nil {
		return "error:2"
	}

	relative, inches := s.relative, s.inches
	var (
		target    [3]float64
		set       [3]bool
		motion    = -1
		l, p      = -1, -1
		offsetCmd = -1
	)
	for _, code := range line.Codes {
		v := code.Value
		switch strings.ToUpper(code.Letter) {
		case "G":
			switch g := int(math.Round(v * 10)); g {
			case 0, 10, 20, 30:
				motion = g / 10
			case 100, 920:
				offsetCmd = g / 10
			case 200:
				inches = true
			case 210:
				inches = false
			case 900:
				relative = false
			case 910:
				relative = true
			case 540, 550, 560, 570, 580, 590, 170, 940, 930, 430, 490:
			default:
				return "error:20"
			}
		case "M":
			switch int(v) {
			case 3:
				s.spindle = "M3"
			case 4:
				s.spindle = "M4"
			case 5:
				s.spindle = "M5"
			case 7:
				s.mist = true
			case 8:
				s.flood = true
			case 9:
				s.flood, s.mist = false, false
			case 0, 1, 2, 30:
			default:
				return "error:20"
			}
		case "X", "Y", "Z":
			axis := int(strings.ToUpper(code.Letter)[0] - 'X')
			target[axis] = v
			set[axis] = true
		case "F":
			s.feed = v
		case "S":
			s.speed = v
		case "L":
			l = int(v)
		case "P":
			p = int(v)
		case "N", "T":
		default:
			return "error:20"
		}
	}
	if jog && motion >= 0 {
		return "error:16"
	}
	if !jog {
		s.relative, s.inches = relative, inches
	}
	scale := 1.0
	if inches {
		scale = 25.4
	}

	switch offsetCmd {
	case 10:
		if l != 20 || (p != 1 && p != 0) {
			return "error:28"
		}
		for i := range target {
			if set[i] {
				s.wco[i] = s.mpos[i] - target[i]*scale
			}
		}
		return "ok"
	case 92:
		for i := range target {
			if set[i] {
				s.wco[i] = s.mpos[i] - target[i]*scale
			}
		}
		return "ok"
	}

	if s.check {
		return "ok"
	}
	if motion >= 0 || jog {
		for i := range target {
			if !set[i] {
				continue
			}
			if relative {
				s.mpos[i] += target[i] * scale
			} else {
				s.mpos[i] = s.wco[i] + target[i]*scale
			}
			s.moved = true
		}
	}
	return "ok"
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func formatCoords(c [3]float64) string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", c[0], c[1], c[2])
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
