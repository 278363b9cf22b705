package percore

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Count bit layout, one atomic word per core: task-level preempt
// disables in the low byte, hardware interrupt nesting in the next.
const (
	preemptMask  = 0xff
	hardirqShift = 8
	hardirqMask  = 0xff << hardirqShift
)

// taskBox wraps the task slot so values of any concrete type can be
// swapped atomically.
type taskBox struct {
	v any
}

// Block is the mutable state of one core. Only the owning core thread
// writes most of it; the atomics are cross-core-readable for reports
// and remote wake requests. The pad keeps neighbouring blocks out of
// each other's cache lines.
type Block struct {
	ID     int
	APICID uint32

	// TID is the OS thread bound to this core, 0 while unbound.
	TID int

	// OnZero, if set, runs on the core thread when MarkPending was
	// called and the count returns to zero. Install it before the
	// core starts.
	OnZero func()

	// OnResched runs when the count returns to zero with NeedResched
	// set. A remote reschedule request takes effect through no other
	// path.
	OnResched func()

	// NeedResched is set remotely; the owning core consumes it on the
	// next return to preemptible.
	NeedResched atomic.Bool

	// Vector counters. Interrupts counts every dispatched vector,
	// IPIs the cross-core ones.
	Interrupts atomic.Uint64
	IPIs       atomic.Uint64
	Ticks      atomic.Uint64
	Resched    atomic.Uint64
	Spurious   atomic.Uint64

	// Usage accumulators in nanoseconds: parked on the doorbell
	// versus draining vectors.
	Idle atomic.Uint64
	Busy atomic.Uint64

	task atomic.Pointer[taskBox]

	count   atomic.Uint32
	pending atomic.Bool

	_ cpu.CacheLinePad
}

// SetTask records what the core is running. The value is opaque here;
// the scheduler above owns its meaning.
func (b *Block) SetTask(v any) {
	if v == nil {
		b.task.Store(nil)

		return
	}

	b.task.Store(&taskBox{v: v})
}

func (b *Block) Task() any {
	box := b.task.Load()
	if box == nil {
		return nil
	}

	return box.v
}

// PreemptDisable enters a section the core scheduler must not interrupt.
// Sections nest.
func (b *Block) PreemptDisable() {
	b.count.Add(1)
}

// PreemptEnable leaves the innermost section. When the count returns to
// zero it delivers any pending mark.
func (b *Block) PreemptEnable() {
	b.dec(1)
}

// IRQEnter brackets vector dispatch. Interrupt context blocks preemption
// without touching the task-level depth.
func (b *Block) IRQEnter() {
	b.count.Add(1 << hardirqShift)
}

func (b *Block) IRQExit() {
	b.dec(1 << hardirqShift)
}

func (b *Block) dec(delta uint32) {
	v := b.count.Add(-delta)

	if v&preemptMask == preemptMask || v&hardirqMask == hardirqMask {
		panic("percore: unbalanced enable")
	}

	if v != 0 {
		return
	}

	if b.pending.Swap(false) && b.OnZero != nil {
		b.OnZero()
	}

	if b.NeedResched.Swap(false) && b.OnResched != nil {
		b.OnResched()
	}
}

// PreemptDepth is the task-level disable depth, ignoring interrupt
// nesting.
func (b *Block) PreemptDepth() int {
	return int(b.count.Load() & preemptMask)
}

func (b *Block) InInterrupt() bool {
	return b.count.Load()&hardirqMask != 0
}

// Preemptible reports whether the core is at task level with no
// sections open.
func (b *Block) Preemptible() bool {
	return b.count.Load() == 0
}

// MarkPending asks for OnZero to run once the count next reaches zero.
// If the count is already zero the caller should act directly instead;
// nothing fires until a bracket closes.
func (b *Block) MarkPending() {
	b.pending.Store(true)
}
