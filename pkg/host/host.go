// Package host connects a transport to the machine model.
//
// A reader goroutine splits the device output into lines and posts each one
// to a reactor, which is the only goroutine that touches the Machine and
// its Sequencer. The reactor also runs the status poll timer. After every
// callback the host publishes a fresh snapshot and fans the events raised
// by the callback out to subscribers.
package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	hosterrors "controlncenter/pkg/errors"
	"controlncenter/pkg/grbl"
	"controlncenter/pkg/log"
	"controlncenter/pkg/reactor"
	"controlncenter/pkg/serial"
)

// DefaultMaxLineLength bounds a device line. GRBL never prints more than a
// few hundred bytes per line; anything longer is noise on the wire.
const DefaultMaxLineLength = 1024

// Observer sees every line and event. It runs on the reactor goroutine and
// must not block.
type Observer interface {
	LineReceived(line string)
	Observe(ev grbl.Event, snap *grbl.Snapshot)
	UpdateDropped()
}

// Options configures a Host.
type Options struct {
	Machine grbl.Options
	// PollInterval is the status query period. Default 200ms.
	PollInterval time.Duration
	// SequenceTimeout is passed to the Sequencer as its stall timeout.
	SequenceTimeout time.Duration
	// ResetOnStart sends a soft reset once the host is running so the
	// device prints its banner.
	ResetOnStart  bool
	MaxLineLength int
	Observer      Observer
	// Traffic, when set, records every byte sent and line received.
	Traffic *log.Traffic
	Logger  *log.Logger
}

// Update is one event together with the snapshot taken after the callback
// that raised it. Snapshot is shared between subscribers and must be
// treated as read-only.
type Update struct {
	Event    grbl.Event
	Snapshot *grbl.Snapshot
}

type subscriber struct {
	ch chan Update
}

// Host owns the transport, the reactor and the machine model.
type Host struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex

	reactor   *reactor.Reactor
	machine   *grbl.Machine
	sequencer *grbl.Sequencer
	log       *log.Logger
	opts      Options
	editor    grbl.ConfigEditor

	// queued is only touched on the reactor goroutine.
	queued []grbl.Event
	// discarding is set by the reader while it skips the rest of an
	// overlong line.
	discarding bool
	snap   atomic.Pointer[grbl.Snapshot]

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	startOnce    sync.Once
	closeOnce    sync.Once
	disconnected chan struct{}
	closeErr     error
}

// New creates a Host on conn. Nothing is read or sent until Start.
func New(conn io.ReadWriteCloser, opts Options) *Host {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("host")
	}
	if opts.Machine.Logger == nil {
		opts.Machine.Logger = opts.Logger.WithPrefix("grbl")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		conn:         conn,
		reactor:      reactor.New(),
		log:          opts.Logger,
		opts:         opts,
		subs:         make(map[int]*subscriber),
		ctx:          ctx,
		cancel:       cancel,
		disconnected: make(chan struct{}),
	}
	h.machine = grbl.New(h, opts.Machine)
	h.sequencer = grbl.NewSequencer(h.machine, grbl.SequencerOptions{
		Editor:       h,
		StallTimeout: opts.SequenceTimeout,
		Logger:       opts.Machine.Logger.WithPrefix("sequencer"),
	})
	h.machine.Subscribe(grbl.ListenerFunc(func(ev grbl.Event) {
		h.queued = append(h.queued, ev)
	}))
	snap := h.machine.Snapshot()
	h.snap.Store(&snap)
	return h
}

// SetEditor installs the operator-facing configuration editor. It must be
// called before Start.
func (h *Host) SetEditor(e grbl.ConfigEditor) {
	h.editor = e
}

// EditConfiguration forwards to the installed editor. Without one the
// configuration waits for a Finish through Do.
func (h *Host) EditConfiguration(store *grbl.ConfigStore) {
	if h.editor != nil {
		h.editor.EditConfiguration(store)
		return
	}
	h.log.Info("configuration read (%d settings), waiting for finish", store.Len())
}

// Send writes data to the transport. It implements grbl.Sender.
func (h *Host) Send(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.opts.Traffic.Sent(data)
	_, err := h.conn.Write(data)
	return err
}

// Start runs the reactor, the poll timer and the reader.
func (h *Host) Start() {
	h.startOnce.Do(func() {
		h.reactor.Run()
		interval := h.opts.PollInterval.Seconds()
		h.reactor.RegisterTimer(func(eventtime float64) float64 {
			h.machine.Tick()
			h.sequencer.Tick()
			h.flush()
			return eventtime + interval
		}, reactor.NOW)

		h.wg.Add(1)
		go h.readLoop()

		if h.opts.ResetOnStart {
			h.reactor.Post(func(float64) {
				if err := h.machine.Ask(grbl.CommandReset, grbl.SubNone); err != nil {
					h.log.WithError(err).Error("soft reset on start failed")
				}
				h.flush()
			})
		}
		h.log.Info("host started, polling every %s", h.opts.PollInterval)
	})
}

// Do runs fn on the reactor goroutine with exclusive access to the
// machine and sequencer, and returns its error.
func (h *Host) Do(ctx context.Context, fn func(m *grbl.Machine, s *grbl.Sequencer) error) error {
	res, err := h.reactor.Call(ctx, func(float64) interface{} {
		err := fn(h.machine, h.sequencer)
		h.flush()
		return err
	})
	if errors.Is(err, reactor.ErrReactorClosed) {
		return hosterrors.ClosedError("host")
	}
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return res.(error)
}

// Snapshot returns the snapshot published after the last callback. The
// result is shared and must not be modified.
func (h *Host) Snapshot() *grbl.Snapshot {
	return h.snap.Load()
}

// Subscribe returns a channel of updates with the given buffer. Updates
// that do not fit are dropped. The channel is closed by the returned
// function or by Close.
func (h *Host) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Update, buffer)}

	h.subMu.Lock()
	h.nextSub++
	id := h.nextSub
	if h.subs == nil {
		close(sub.ch)
	} else {
		h.subs[id] = sub
	}
	h.subMu.Unlock()

	return sub.ch, func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// Disconnected is closed when the reader stops, either because the
// transport failed or because Close was called.
func (h *Host) Disconnected() <-chan struct{} {
	return h.disconnected
}

// Close stops the reader and the reactor and closes the transport. It
// returns the error that ended the reader, if the transport failed first.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		if err := h.conn.Close(); err != nil {
			h.log.WithError(err).Debug("close transport")
		}
		h.wg.Wait()
		h.reactor.End()
		h.reactor.Wait()
		h.sequencer.Close()

		h.subMu.Lock()
		for id, s := range h.subs {
			close(s.ch)
			delete(h.subs, id)
		}
		h.subs = nil
		h.subMu.Unlock()

		// Never started: the reader did not close it.
		select {
		case <-h.disconnected:
		default:
			close(h.disconnected)
		}
		h.log.Info("host stopped")
	})
	return h.closeErr
}

// flush publishes the snapshot and the events queued by the callback that
// just ran.
func (h *Host) flush() {
	snap := h.machine.Snapshot()
	h.snap.Store(&snap)
	if len(h.queued) == 0 {
		return
	}
	events := h.queued
	h.queued = nil

	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ev := range events {
		if h.opts.Observer != nil {
			h.opts.Observer.Observe(ev, &snap)
		}
		u := Update{Event: ev, Snapshot: &snap}
		for _, s := range h.subs {
			select {
			case s.ch <- u:
			default:
				if h.opts.Observer != nil {
					h.opts.Observer.UpdateDropped()
				}
			}
		}
	}
}

func (h *Host) readLoop() {
	defer h.wg.Done()
	defer close(h.disconnected)

	buf := make([]byte, 512)
	var pending []byte

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		n, err := h.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = h.splitLines(pending)
		}
		if err != nil {
			if serial.IsTimeout(err) {
				continue
			}
			if h.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				h.log.WithError(err).Error("transport read failed")
			} else {
				h.log.Warn("transport closed by device")
			}
			h.closeErr = hosterrors.TransportError("read", err)
			return
		}
	}
}

// splitLines posts every complete line in buf and returns the remainder.
// A line longer than MaxLineLength is dropped up to its terminator, even
// when it arrives over several reads.
func (h *Host) splitLines(buf []byte) []byte {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(buf[:i], "\r")
		buf = buf[i+1:]
		if h.discarding {
			h.discarding = false
			continue
		}
		if len(line) > h.opts.MaxLineLength {
			h.log.WithField("bytes", len(line)).Warn("discarding overlong line")
			continue
		}
		h.deliver(string(line))
	}
	if h.discarding {
		return buf[:0]
	}
	if len(buf) > h.opts.MaxLineLength {
		h.log.WithField("bytes", len(buf)).Warn("discarding overlong line")
		h.discarding = true
		return buf[:0]
	}
	// Keep the remainder in a fresh slice so the backing array does not
	// grow without bound.
	return append([]byte(nil), buf...)
}

func (h *Host) deliver(line string) {
	h.opts.Traffic.Received(line)
	err := h.reactor.Post(func(float64) {
		if h.opts.Observer != nil {
			h.opts.Observer.LineReceived(line)
		}
		h.machine.Dispatch(line)
		h.flush()
	})
	if err != nil {
		h.log.Debug("line dropped after shutdown: %q", line)
	}
}
