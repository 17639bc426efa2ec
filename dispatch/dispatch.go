// Package dispatch routes work between the scripting goroutine and the
// loop goroutine and keeps both sides live during nested, reentrant
// round trips.
//
// The protocol state is a waiting-depth counter, a stopped flag and two
// FIFO queues: loop-bound tasks and scripting-bound pending callbacks.
// Scripting to loop goes through CallLoop, which blocks but keeps
// draining pending callbacks addressed to the scripting side. Loop to
// scripting goes through CallScript, which picks the synchronous queue
// when the scripting side is already blocked in a wait (reentrant case)
// and the embedder's Waker otherwise; in both cases the loop goroutine
// keeps draining its own task queue while it waits.
package dispatch

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

type outcome struct {
	v   any
	err error
}

type pendingCall struct {
	run    func() (any, error)
	result chan outcome
}

// Dispatcher is the cross-thread dispatch state shared by the scripting
// and loop goroutines.
type Dispatcher struct {
	waker nativebridge.Waker

	mu      sync.Mutex
	tasks   []func()
	pending []*pendingCall

	scheduled atomic.Bool
	stopped   atomic.Bool
	waitDepth atomic.Int64

	wakeC    chan struct{}
	pendingC chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a dispatcher. waker may be nil when the embedder never
// needs the asynchronous loop-to-scripting path.
func New(waker nativebridge.Waker) *Dispatcher {
	return &Dispatcher{
		waker:    waker,
		wakeC:    make(chan struct{}, 1),
		pendingC: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Schedule enqueues a task for the loop goroutine. After MarkStopped the
// task is silently discarded; finalizers keep scheduling removals after
// teardown and those must not queue up.
func (d *Dispatcher) Schedule(task func()) {
	if d.stopped.Load() {
		nativebridge.Logger().Debug("task discarded after stop")
		return
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	d.arm()
}

// arm requests one loop wake-up. The scheduled flag keeps at most a
// single wake-up pending no matter how many tasks arrive.
func (d *Dispatcher) arm() {
	if d.scheduled.CompareAndSwap(false, true) {
		select {
		case d.wakeC <- struct{}{}:
		default:
		}
	}
}

// WakeC signals the loop goroutine that tasks await draining.
func (d *Dispatcher) WakeC() <-chan struct{} { return d.wakeC }

// Done is closed once the loop goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// DrainTasks runs queued loop tasks in FIFO order. Tasks enqueued while a
// batch runs are picked up by the next sweep, never reordered. Must be
// called from the loop goroutine.
func (d *Dispatcher) DrainTasks() {
	for {
		d.mu.Lock()
		batch := d.tasks
		d.tasks = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, task := range batch {
			task()
		}
	}
	d.scheduled.Store(false)
	// A task that slipped in after the final empty sweep saw the
	// scheduled flag still set and skipped the wake-up; re-arm for it.
	d.mu.Lock()
	again := len(d.tasks) > 0
	d.mu.Unlock()
	if again {
		d.arm()
	}
}

// CallLoop runs fn on the loop goroutine and blocks the scripting
// goroutine until the result arrives, draining pending scripting-bound
// callbacks the whole time so reentrant work keeps making progress.
func (d *Dispatcher) CallLoop(fn func() (any, error)) (any, error) {
	if d.stopped.Load() {
		return nil, errors.Disconnected("loop thread is stopped")
	}

	res := make(chan outcome, 1)
	d.waitDepth.Add(1)
	defer d.waitDepth.Add(-1)

	d.Schedule(func() {
		v, err := fn()
		res <- outcome{v, err}
	})

	for {
		d.ProcessCallbacks()
		select {
		case o := <-res:
			return o.v, o.err
		case <-d.pendingC:
			// New pending callbacks; drain on the next pass.
		case <-d.done:
			// The task may have completed right before shutdown.
			select {
			case o := <-res:
				return o.v, o.err
			default:
			}
			return nil, errors.Disconnected("loop thread exited during call")
		}
	}
}

// CallScript runs fn on the scripting goroutine and blocks the loop
// goroutine until the result arrives. Reentrant invocations (the
// scripting side already blocked in CallLoop) go through the synchronous
// pending queue; otherwise the Waker delivers the callback. Either way
// the loop goroutine keeps draining its own task queue while it waits.
func (d *Dispatcher) CallScript(fn func() (any, error)) (any, error) {
	pc := &pendingCall{run: fn, result: make(chan outcome, 1)}

	if d.IsWaiting() {
		d.mu.Lock()
		d.pending = append(d.pending, pc)
		d.mu.Unlock()
		select {
		case d.pendingC <- struct{}{}:
		default:
		}
	} else {
		if d.waker == nil {
			return nil, errors.Disconnected("no scripting-side waker configured")
		}
		d.waker.Post(func() { d.execute(pc) })
	}

	for {
		select {
		case o := <-pc.result:
			return o.v, o.err
		case <-d.wakeC:
			d.DrainTasks()
		case <-d.done:
			return nil, errors.Disconnected("dispatch stopped while awaiting scripting result")
		}
	}
}

// ProcessCallbacks drains pending scripting-bound callbacks in FIFO
// order. Must be called from the scripting goroutine. Returns how many
// callbacks ran.
func (d *Dispatcher) ProcessCallbacks() int {
	n := 0
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return n
		}
		pc := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		d.execute(pc)
		n++
	}
}

func (d *Dispatcher) execute(pc *pendingCall) {
	v, err := pc.run()
	pc.result <- outcome{v, err}
}

// IsWaiting reports whether the scripting goroutine is blocked inside
// CallLoop right now.
func (d *Dispatcher) IsWaiting() bool {
	return d.waitDepth.Load() > 0
}

// Stopped reports whether dispatch has shut down.
func (d *Dispatcher) Stopped() bool {
	return d.stopped.Load()
}

// MarkStopped shuts the dispatch path down: subsequently scheduled tasks
// are discarded and every blocked wait fails with a disconnect error.
func (d *Dispatcher) MarkStopped() {
	d.stopped.Store(true)
	d.doneOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	dropped := len(d.tasks)
	d.tasks = nil
	d.mu.Unlock()
	if dropped > 0 {
		nativebridge.Logger().Debug("dropped queued tasks at stop", zap.Int("count", dropped))
	}
}
