package rcu

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gosmp/gosmp/percore"
)

var errConfig = errors.New("rcu needs the core set and kick wired")

// Config wires the engine to the machine without depending on it.
type Config struct {
	// Cores returns the IDs that must pass through a quiescent state
	// for the current grace period. Snapshotted at grace period start;
	// cores that come up later wait for the next one.
	Cores func() []int

	// Kick asks every core to report quiescence, normally by
	// broadcasting the quiescent vector.
	Kick func()

	// Poll, if set, services the calling core's own pending vectors.
	// Spinning waiters must keep doing that or two cores waiting on
	// each other would never answer.
	Poll func()
}

// RCU tracks grace periods over the online cores. Readers are preempt
// brackets on their own core and share nothing with writers; writers
// wait until every core that was online at the start has passed through
// a point where it holds no bracket open.
type RCU struct {
	store *percore.Store
	cfg   Config

	gen       atomic.Uint64
	completed atomic.Uint64

	// One grace period at a time. Waiters spin on the flag so they
	// can keep servicing their own vectors.
	gpActive    atomic.Bool
	outstanding atomic.Int32

	mu      sync.Mutex
	waiting map[int]struct{}

	cbMu    sync.Mutex
	pending []func()

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store *percore.Store, cfg Config) (*RCU, error) {
	if cfg.Cores == nil || cfg.Kick == nil {
		return nil, errConfig
	}

	return &RCU{
		store:  store,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}, nil
}

// Start launches the reclaimer, which runs deferred callbacks after
// their grace period on its own thread, kernel-kthread style.
func (r *RCU) Start() {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		r.reclaim()
	}()
}

// Close drains the callback queue behind a final grace period and stops
// the reclaimer.
func (r *RCU) Close() error {
	r.Barrier()
	close(r.stop)
	r.wg.Wait()

	return nil
}

// ReadLock opens a read-side section on the calling core. Sections are
// cheap, nest, and must not spin, sleep or call Synchronize.
func (r *RCU) ReadLock() {
	r.store.Current().PreemptDisable()
}

func (r *RCU) ReadUnlock() {
	r.store.Current().PreemptEnable()
}

// Gen is the number of the most recently started grace period.
func (r *RCU) Gen() uint64 {
	return r.gen.Load()
}

// Completed is the number of the most recently finished grace period.
func (r *RCU) Completed() uint64 {
	return r.completed.Load()
}

func (r *RCU) poll() {
	if r.cfg.Poll != nil {
		r.cfg.Poll()
	}

	runtime.Gosched()
}

// Synchronize waits for every core online at entry to pass through a
// quiescent state. On return, read sections that began before the call
// have all ended. Calling it inside a read section deadlocks by
// definition.
func (r *RCU) Synchronize() {
	for !r.gpActive.CompareAndSwap(false, true) {
		r.poll()
	}

	gen := r.gen.Add(1)
	cores := r.cfg.Cores()

	r.mu.Lock()
	r.waiting = make(map[int]struct{}, len(cores))

	for _, id := range cores {
		r.waiting[id] = struct{}{}
	}
	r.mu.Unlock()

	r.outstanding.Store(int32(len(cores)))

	if len(cores) > 0 {
		r.cfg.Kick()

		for r.outstanding.Load() > 0 {
			r.poll()
		}
	}

	r.completed.Store(gen)
	r.gpActive.Store(false)
}

// Quiescent reports that a core holds no read section right now. The
// quiescent vector handler calls it at task level, the preempt-enable
// hook calls it for sections that were open when the vector landed, and
// the halt path calls it for cores that die mid grace period. Reports
// for cores the current grace period is not waiting on are dropped.
func (r *RCU) Quiescent(core int) {
	r.mu.Lock()

	if _, ok := r.waiting[core]; ok {
		delete(r.waiting, core)
		r.outstanding.Add(-1)
	}

	r.mu.Unlock()
}

// Call runs fn on the reclaimer after the next grace period. Use it for
// freeing what a Synchronize would be too heavy for.
func (r *RCU) Call(fn func()) {
	r.cbMu.Lock()
	r.pending = append(r.pending, fn)
	r.cbMu.Unlock()

	r.Nudge()
}

// Nudge wakes the reclaimer; the timer vector calls it so queued
// callbacks cannot stall forever on a quiet machine.
func (r *RCU) Nudge() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Barrier returns once every callback queued before the call has run.
func (r *RCU) Barrier() {
	done := make(chan struct{})

	r.Call(func() { close(done) })

	for {
		select {
		case <-done:
			return
		default:
			r.poll()
		}
	}
}

func (r *RCU) take() []func() {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()

	batch := r.pending
	r.pending = nil

	return batch
}

func (r *RCU) reclaim() {
	for {
		select {
		case <-r.notify:
		case <-r.stop:
			// Closing guarantees the queue was drained by Barrier.
			return
		}

		for {
			batch := r.take()
			if len(batch) == 0 {
				break
			}

			r.Synchronize()

			for _, fn := range batch {
				fn()
			}
		}
	}
}
