// Package reactor runs timers and posted callbacks on one goroutine.
//
// The host uses it as the single sequence point for the machine model:
// lines arriving from the transport and the status poll timer are both
// turned into callbacks that never run concurrently.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Wake times are seconds on the reactor's monotonic clock.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// ErrReactorClosed is returned by Post and Call after End.
var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback is called when a timer fires with the current time and
// returns the next wake time. NEVER parks the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	callback TimerCallback
	waketime float64
	running  bool
}

// Completion carries the result of work done on the reactor goroutine.
type Completion struct {
	result interface{}
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Test reports whether the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete stores result and wakes waiters. Later calls are ignored.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or ctx ends.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reactor owns a set of timers and a callback queue.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer

	queue chan func(eventtime float64)
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// New creates a Reactor. Nothing runs until Run is called.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		queue:     make(chan func(float64), 256),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	t := &Timer{callback: callback, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UnregisterTimer removes t. It is safe to call from t's own callback.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.timers {
		if x == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// UpdateTimer moves t to waketime. Updates made while t's callback is
// running are overridden by the callback's return value.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	if !t.running {
		t.waketime = waketime
	}
	r.mu.Unlock()
	r.kick()
}

// Post queues fn to run on the reactor goroutine. It blocks while the
// queue is full and fails once the reactor has ended.
func (r *Reactor) Post(fn func(eventtime float64)) error {
	select {
	case <-r.ctx.Done():
		return ErrReactorClosed
	default:
	}
	select {
	case r.queue <- fn:
		return nil
	case <-r.ctx.Done():
		return ErrReactorClosed
	}
}

// Call runs fn on the reactor goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn func(eventtime float64) interface{}) (interface{}, error) {
	c := newCompletion()
	if err := r.Post(func(eventtime float64) { c.Complete(fn(eventtime)) }); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		// The callback may still have run before shutdown.
		if c.Test() {
			return c.result, nil
		}
		return nil, ErrReactorClosed
	}
}

// Run starts the dispatch goroutine. Further calls do nothing.
func (r *Reactor) Run() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.dispatchLoop()
	})
}

// End stops the reactor. Queued callbacks that have not started are
// dropped.
func (r *Reactor) End() {
	r.cancel()
}

// Done is closed once End has been called.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Wait blocks until the dispatch goroutine has returned.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for {
		delay := r.checkTimers(r.Monotonic())

		var (
			tm      *time.Timer
			timeout <-chan time.Time
		)
		if delay < NEVER {
			tm = time.NewTimer(time.Duration(delay * float64(time.Second)))
			timeout = tm.C
		}
		select {
		case fn := <-r.queue:
			fn(r.Monotonic())
			r.drainQueue()
		case <-timeout:
		case <-r.wake:
		case <-r.ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// drainQueue runs what was already queued, so a busy queue cannot hold
// off the timers.
func (r *Reactor) drainQueue() {
	for n := len(r.queue); n > 0; n-- {
		select {
		case fn := <-r.queue:
			fn(r.Monotonic())
		case <-r.ctx.Done():
			return
		}
	}
}

// checkTimers fires due timers and returns the seconds until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	due := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if t.waketime <= eventtime {
			t.running = true
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)
		r.mu.Lock()
		t.running = false
		t.waketime = next
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := NEVER
	for _, t := range r.timers {
		if t.waketime < next {
			next = t.waketime
		}
	}
	if next >= NEVER {
		return NEVER
	}
	delay := next - r.Monotonic()
	if delay < 0 {
		delay = 0
	}
	return delay
}
