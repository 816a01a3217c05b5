// Package console is the operator's terminal: it sends commands and
// G-code to the machine, prints what the device reports and edits the
// device configuration.
package console

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"controlncenter/pkg/catalog"
	"controlncenter/pkg/errors"
	"controlncenter/pkg/grbl"
	"controlncenter/pkg/host"
	"controlncenter/pkg/log"
	"controlncenter/pkg/serial"
)

// Machine is the host as seen by the console.
type Machine interface {
	Snapshot() *grbl.Snapshot
	Do(ctx context.Context, fn func(m *grbl.Machine, s *grbl.Sequencer) error) error
}

// Options configures a Console.
type Options struct {
	In  io.Reader // default os.Stdin
	Out io.Writer // default os.Stdout
	// HistoryFile keeps readline history between runs.
	HistoryFile string
	Prompt      string // default "grbl> "
	Catalog     *catalog.Catalog
	// Ports lists serial ports for the ports command.
	Ports  func() ([]serial.PortInfo, error)
	Logger *log.Logger
}

// Console is a line-oriented operator interface. It implements
// grbl.ConfigEditor: a configuration read lands in an edit buffer that
// set, apply and discard work on.
type Console struct {
	m    Machine
	opts Options
	log  *log.Logger
	in   *LineEditor

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	editing  *grbl.ConfigStore
	original *grbl.ConfigStore
}

var errQuit = stderrors.New("quit")

// New creates a console. Input is not read until Run.
func New(m Machine, opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Prompt == "" {
		opts.Prompt = "grbl> "
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Ports == nil {
		opts.Ports = serial.ListPortDetails
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("console")
	}
	return &Console{
		m:    m,
		opts: opts,
		log:  opts.Logger,
		in:   NewLineEditor(opts.In, opts.Out, opts.HistoryFile),
		out:  opts.Out,
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// EditConfiguration stashes the settings read from the device. It runs
// on the host's loop and must not call back into the machine.
func (c *Console) EditConfiguration(store *grbl.ConfigStore) {
	c.mu.Lock()
	c.editing = store.Clone()
	c.original = store.Clone()
	c.mu.Unlock()
	c.printf("read %d settings; use config, set, diff, apply or discard\n", store.Len())
}

// Editing reports whether a configuration edit is open.
func (c *Console) Editing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing != nil
}

// Run reads and executes lines until end of input, quit, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	defer c.in.Close()
	if c.in.IsInteractive() {
		c.printf("type help for commands\n")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := c.in.GetLine(c.opts.Prompt)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.Execute(ctx, line); err != nil {
			if err == errQuit {
				return nil
			}
			c.printf("error: %v\n", err)
		}
	}
}

// Close stops a pending read.
func (c *Console) Close() {
	c.in.Close()
}

// Watch prints device reports from updates until the channel closes.
func (c *Console) Watch(updates <-chan host.Update) {
	for u := range updates {
		ev := u.Event
		switch ev.Kind {
		case grbl.EventDeviceError:
			c.printf("device error %d: %s\n", ev.Code, ev.Text)
		case grbl.EventAlarm:
			c.printf("ALARM %d: %s\n", ev.Code, ev.Text)
		case grbl.EventMessage:
			c.printf("[%s]\n", ev.Text)
		case grbl.EventResetDone:
			c.printf("%s %s ready\n", u.Snapshot.Name, u.Snapshot.Version)
		case grbl.EventSequenceFailed:
			c.printf("configuration exchange failed: %s\n", ev.Text)
			c.clearEdit()
		case grbl.EventStateChanged:
			c.printf("state %s\n", u.Snapshot.State)
		}
	}
}

func (c *Console) clearEdit() {
	c.mu.Lock()
	c.editing, c.original = nil, nil
	c.mu.Unlock()
}

func (c *Console) do(ctx context.Context, fn func(*grbl.Machine, *grbl.Sequencer) error) error {
	return c.m.Do(ctx, fn)
}

// Execute runs one console line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit":
		return errQuit
	case "help":
		c.printf("%s", helpText)
		return nil
	case "status":
		c.printStatus(c.m.Snapshot())
		return nil
	case "send", "line":
		rest := strings.TrimSpace(line[len(fields[0]):])
		if rest == "" {
			return fmt.Errorf("usage: %s <gcode>", name)
		}
		return c.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.SendLine(rest) })
	case "zero":
		return c.zero(ctx, args)
	case "read":
		return c.do(ctx, func(_ *grbl.Machine, s *grbl.Sequencer) error { return s.Start() })
	case "config":
		c.printConfig()
		return nil
	case "set":
		return c.set(args)
	case "diff":
		return c.diff()
	case "apply":
		return c.finish(ctx, true)
	case "discard":
		return c.finish(ctx, false)
	case "cancel":
		c.clearEdit()
		return c.do(ctx, func(_ *grbl.Machine, s *grbl.Sequencer) error {
			s.Cancel()
			return nil
		})
	case "ports":
		return c.ports()
	}

	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	cmd, subCmd, err := grbl.ParseCommand(name, sub)
	if err == nil {
		return c.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.Ask(cmd, subCmd) })
	}
	if looksLikeGCode(line) {
		line = strings.TrimSpace(line)
		return c.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.SendLine(line) })
	}
	if errors.Is(err, errors.ErrEncoding) && strings.Contains(err.Error(), "override") {
		return err
	}
	return fmt.Errorf("unknown command %q, try help", fields[0])
}

// looksLikeGCode accepts lines starting with a G-code word or a $ system
// command.
func looksLikeGCode(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch line[0] {
	case '$', 'G', 'g', 'M', 'm', 'X', 'x', 'Y', 'y', 'Z', 'z', 'F', 'f', 'S', 's', 'T', 't', 'N', 'n':
		return len(line) > 1 && (line[0] == '$' || strings.ContainsAny(line[1:2], "0123456789.-"))
	}
	return false
}

func (c *Console) zero(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: zero <x|y|z|all>")
	}
	axes := []grbl.Axis{grbl.AxisX, grbl.AxisY, grbl.AxisZ}
	if !strings.EqualFold(args[0], "all") {
		axis, err := grbl.ParseAxis(args[0])
		if err != nil {
			return err
		}
		axes = []grbl.Axis{axis}
	}
	return c.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error {
		for _, a := range axes {
			if err := m.ZeroWorking(a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Console) set(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: set <$key> <value>")
	}
	key, err := grbl.ParseSettingKey(args[0])
	if err != nil {
		return err
	}
	value := strings.Join(args[1:], " ")
	if _, isBlock := grbl.IsStartingBlock(key); !isBlock && value == "" {
		return fmt.Errorf("setting $%s needs a value", grbl.KeyName(key))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return errors.PreconditionError("set", "no configuration is open, run read first")
	}
	c.editing.Set(key, value)
	return nil
}

func (c *Console) diff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return errors.PreconditionError("diff", "no configuration is open")
	}
	keys := c.original.Diff(c.editing)
	if len(keys) == 0 {
		c.printf("no changes\n")
		return nil
	}
	for _, k := range keys {
		was, _ := c.original.Get(k)
		now, _ := c.editing.Get(k)
		c.printf("$%s: %q -> %q\n", grbl.KeyName(k), was, now)
	}
	return nil
}

func (c *Console) finish(ctx context.Context, accept bool) error {
	c.mu.Lock()
	edited := c.editing
	c.mu.Unlock()
	if edited == nil {
		return errors.PreconditionError("configuration write", "no configuration is open")
	}
	var store *grbl.ConfigStore
	if accept {
		store = edited.Clone()
	}
	err := c.do(ctx, func(_ *grbl.Machine, s *grbl.Sequencer) error { return s.Finish(accept, store) })
	if err != nil {
		return err
	}
	c.clearEdit()
	if accept {
		c.printf("writing %d settings\n", store.Len())
	}
	return nil
}

func (c *Console) printConfig() {
	c.mu.Lock()
	store := c.editing
	if store != nil {
		store = store.Clone()
	}
	c.mu.Unlock()
	if store == nil {
		store = c.m.Snapshot().Config
	}
	if store == nil || store.Len() == 0 {
		c.printf("no settings read yet, run read\n")
		return
	}
	for _, k := range store.Keys() {
		v, _ := store.Get(k)
		desc := ""
		if s, ok := c.opts.Catalog.LookupSetting(k); ok {
			desc = s.Name
			if s.Unit != "" {
				desc += " (" + s.Unit + ")"
			}
		}
		if desc != "" {
			c.printf("$%s=%s\t%s\n", grbl.KeyName(k), v, desc)
		} else {
			c.printf("$%s=%s\n", grbl.KeyName(k), v)
		}
	}
}

func (c *Console) printStatus(s *grbl.Snapshot) {
	state := s.State.String()
	switch {
	case s.State == grbl.StateHold:
		state = fmt.Sprintf("%s:%d", state, s.HoldCode)
	case s.State == grbl.StateDoor:
		state = fmt.Sprintf("%s:%d", state, s.DoorCode)
	}
	c.printf("%s %s  %s\n", s.Name, s.Version, state)
	c.printf("machine  X%.3f Y%.3f Z%.3f\n", s.Machine.X, s.Machine.Y, s.Machine.Z)
	c.printf("working  X%.3f Y%.3f Z%.3f\n", s.Working.X, s.Working.Y, s.Working.Z)
	if s.Info.Has(grbl.InfoHasWorkingOffset) {
		c.printf("offset   X%.3f Y%.3f Z%.3f\n", s.WorkingOffset.X, s.WorkingOffset.Y, s.WorkingOffset.Z)
	}
	if s.Info.Has(grbl.InfoHasFeedRate) {
		c.printf("feed %.0f  spindle %.0f\n", s.FeedRate, s.SpindleSpeed)
	}
	if s.Info.Has(grbl.InfoHasOverrides) {
		c.printf("overrides feed %d%% rapid %d%% spindle %d%%\n", s.Overrides.Feed, s.Overrides.Rapid, s.Overrides.Spindle)
	}
	if s.Info.Has(grbl.InfoHasBuffers) {
		c.printf("buffers %d/%d blocks, %d/%d bytes free\n", s.BlocksFree, s.BlocksMax, s.RxFree, s.RxMax)
	}
	if s.Switches != 0 {
		c.printf("switches %s\n", s.Switches)
	}
	if s.Actioners != 0 {
		c.printf("actioners %s\n", s.Actioners)
	}
	if s.Pending > 0 {
		c.printf("%d lines awaiting ok\n", s.Pending)
	}
}

func (c *Console) ports() error {
	ports, err := c.opts.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		c.printf("no serial ports found\n")
		return nil
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	for _, p := range ports {
		c.printf("%s\n", p)
	}
	return nil
}

const helpText = `commands:
  status                  show the last known machine state
  <command> [step]        home, unlock, reset, hold, resume, door, check,
                          feed|rapid|spindle <step>, flood, mist, ...
  send <line>             send a G-code or $ line (bare G-code works too)
  zero <x|y|z|all>        make the current position the work origin
  read                    read the device configuration for editing
  config                  list settings
  set <$key> <value>      change a setting in the open configuration
  diff                    show pending changes
  apply | discard         write or drop the open configuration
  cancel                  abandon a running configuration exchange
  ports                   list serial ports
  quit
`
