package machine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gosmp/gosmp/cpus"
	"github.com/gosmp/gosmp/lapic"
)

var errCallTimeout = errors.New("cross call timed out")

// callReq is one function delivery to one core. Multi target calls
// push a separate request per destination, all sharing the countdown.
type callReq struct {
	fn   func(core int)
	done *atomic.Int32
	next *callReq
}

// callQueue is the per core mailbox for incoming calls. Senders push
// lock free; the owning core swaps the whole list out at once. The
// vector is only raised on an empty-to-nonempty push, since one drain
// takes everything, duplicates included.
//
// https://github.com/torvalds/linux/blob/master/kernel/smp.c
type callQueue struct {
	head atomic.Pointer[callReq]
}

// push links r at the front and reports whether the queue was empty,
// meaning the target needs a doorbell.
func (q *callQueue) push(r *callReq) bool {
	for {
		old := q.head.Load()
		r.next = old

		if q.head.CompareAndSwap(old, r) {
			return old == nil
		}
	}
}

// drain takes the whole list in submission order.
func (q *callQueue) drain() []*callReq {
	var batch []*callReq

	for r := q.head.Swap(nil); r != nil; r = r.next {
		batch = append(batch, r)
	}

	// Pushes stack up newest first.
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}

	return batch
}

// handleCall runs every queued request. The countdown happens after
// the function returns, so a waiting caller sees completed work, not
// just delivery.
func (m *Machine) handleCall(c *Core) {
	for _, r := range c.calls.drain() {
		r.fn(c.id)

		if r.done != nil {
			r.done.Add(-1)
		}
	}
}

// CallOn runs fn on each listed core in interrupt context and returns
// once all of them have finished. If the calling core is listed, fn
// runs inline there. Each core runs fn exactly once per call.
//
// The wait spins and keeps servicing the caller's own vectors, so two
// cores may call into each other at the same time without deadlock.
func (m *Machine) CallOn(ids []int, fn func(core int)) error {
	return m.callOn(ids, fn, 0)
}

// CallOnTimeout is CallOn with a deadline on the completion wait. The
// requests themselves are not revoked; a late core still runs fn.
func (m *Machine) CallOnTimeout(ids []int, fn func(core int), d time.Duration) error {
	return m.callOn(ids, fn, d)
}

// CallOnAsync posts fn to each listed core and returns once the vectors
// are raised, without waiting for any of them to run. If the calling
// core is listed, fn still runs inline there.
func (m *Machine) CallOnAsync(ids []int, fn func(core int)) error {
	if err := m.checkTargets(ids); err != nil {
		return err
	}

	self := -1
	if b, ok := m.store.TryCurrent(); ok {
		self = b.ID
	}

	vec := lapic.VecCallFuncSingle
	if len(ids) > 1 {
		vec = lapic.VecCallFunc
	}

	for _, id := range ids {
		c := m.cores[id]

		if id == self {
			c.block.IRQEnter()
			fn(self)
			c.block.IRQExit()

			continue
		}

		if c.calls.push(&callReq{fn: fn}) {
			if err := m.bus.Send(c.apicID, vec); err != nil {
				return err
			}
		}
	}

	return nil
}

// CallAll runs fn on every online core.
func (m *Machine) CallAll(fn func(core int)) error {
	return m.callOn(m.cpus.OnlineIDs(), fn, 0)
}

// CallOthers runs fn on every online core except the calling one.
func (m *Machine) CallOthers(fn func(core int)) error {
	ids := m.cpus.OnlineIDs()

	if b, ok := m.store.TryCurrent(); ok {
		n := ids[:0]
		for _, id := range ids {
			if id != b.ID {
				n = append(n, id)
			}
		}

		ids = n
	}

	return m.callOn(ids, fn, 0)
}

// checkTargets validates every destination before anything is posted,
// all or nothing.
func (m *Machine) checkTargets(ids []int) error {
	for _, id := range ids {
		if _, err := m.core(id); err != nil {
			return err
		}

		if m.cpus.State(id) != cpus.Online {
			return fmt.Errorf("core %d: %w", id, errNotOnline)
		}
	}

	return nil
}

func (m *Machine) callOn(ids []int, fn func(core int), d time.Duration) error {
	if len(ids) == 0 {
		return nil
	}

	if err := m.checkTargets(ids); err != nil {
		return err
	}

	self := -1
	if b, ok := m.store.TryCurrent(); ok {
		self = b.ID
	}

	var done atomic.Int32

	done.Store(int32(len(ids)))

	vec := lapic.VecCallFuncSingle
	if len(ids) > 1 {
		vec = lapic.VecCallFunc
	}

	selfIncluded := false

	for _, id := range ids {
		if id == self {
			selfIncluded = true
			continue
		}

		c := m.cores[id]

		if c.calls.push(&callReq{fn: fn, done: &done}) {
			if err := m.bus.Send(c.apicID, vec); err != nil {
				return err
			}
		}
	}

	if selfIncluded {
		c := m.cores[self]

		c.block.IRQEnter()
		fn(self)
		c.block.IRQExit()

		done.Add(-1)
	}

	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}

	for done.Load() > 0 {
		if m.down() {
			return errHalted
		}

		if d > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%d cores still pending: %w", done.Load(), errCallTimeout)
		}

		m.Poll()
		runtime.Gosched()
	}

	return nil
}
