package lapic

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"
)

// Vector is a fixed interrupt vector number. The assignments mirror the
// usual kernel layout: cross-core management vectors live at the top of
// the range so they outrank device interrupts.
type Vector uint8

const (
	VecTimer          Vector = 0xec
	VecQuiescent      Vector = 0xf7
	VecPanic          Vector = 0xf8
	VecTLBFlush       Vector = 0xfa
	VecCallFuncSingle Vector = 0xfb
	VecCallFunc       Vector = 0xfc
	VecResched        Vector = 0xfd
	VecSpurious       Vector = 0xff
)

func (v Vector) String() string {
	switch v {
	case VecTimer:
		return "timer"
	case VecQuiescent:
		return "quiescent"
	case VecPanic:
		return "panic"
	case VecTLBFlush:
		return "tlb-flush"
	case VecCallFuncSingle:
		return "call-single"
	case VecCallFunc:
		return "call"
	case VecResched:
		return "resched"
	case VecSpurious:
		return "spurious"
	}

	return fmt.Sprintf("vec-0x%02x", uint8(v))
}

// APIC is one core's interrupt controller. Senders on any thread set
// bits in the request register; only the owning core takes them out.
// Duplicate sends of a pending vector merge, as on hardware, so vectors
// are doorbells and never carry payload themselves.
type APIC struct {
	ID uint32

	irr      [4]atomic.Uint64
	doorbell chan struct{}

	// inService holds the vector being handled, offset by one so the
	// zero value means none. Nested dispatch keeps only the innermost.
	inService atomic.Uint32

	// Startup mailbox. INIT resets it and arms it after a settle
	// delay; a STARTUP sent while unarmed is lost, which is why the
	// protocol sends two.
	armed   atomic.Bool
	startup chan uint8
	Dropped atomic.Uint64

	timerStop chan struct{}
}

func newAPIC(id uint32) *APIC {
	return &APIC{
		ID:       id,
		doorbell: make(chan struct{}, 1),
		startup:  make(chan uint8, 1),
	}
}

// Post sets the vector pending and rings the doorbell.
func (a *APIC) Post(v Vector) {
	w, b := v>>6, uint(v&63)

	for {
		old := a.irr[w].Load()
		if old&(1<<b) != 0 {
			return // already pending, merged
		}

		if a.irr[w].CompareAndSwap(old, old|1<<b) {
			break
		}
	}

	select {
	case a.doorbell <- struct{}{}:
	default:
	}
}

// Take removes and returns the highest-priority pending vector, marking
// it in service until Ack.
func (a *APIC) Take() (Vector, bool) {
	for w := 3; w >= 0; w-- {
		for {
			old := a.irr[w].Load()
			if old == 0 {
				break
			}

			b := uint(63 - bits.LeadingZeros64(old))
			if a.irr[w].CompareAndSwap(old, old&^(1<<b)) {
				v := Vector(uint(w)*64 + b)
				a.inService.Store(uint32(v) + 1)

				return v, true
			}
		}
	}

	return 0, false
}

// Ack ends service of the taken vector, the EOI write.
func (a *APIC) Ack() {
	a.inService.Store(0)
}

// InService reports the vector between Take and Ack, if any.
func (a *APIC) InService() (Vector, bool) {
	v := a.inService.Load()
	if v == 0 {
		return 0, false
	}

	return Vector(v - 1), true
}

func (a *APIC) Pending() bool {
	for w := range a.irr {
		if a.irr[w].Load() != 0 {
			return true
		}
	}

	return false
}

// PendingCount is the number of distinct vectors waiting in the request
// register.
func (a *APIC) PendingCount() int {
	n := 0

	for w := range a.irr {
		n += bits.OnesCount64(a.irr[w].Load())
	}

	return n
}

// Doorbell wakes the owning core when something was posted. The core
// must drain Take before parking on it again; the channel holds at most
// one token.
func (a *APIC) Doorbell() <-chan struct{} {
	return a.doorbell
}

// reset puts the mailbox into wait-for-STARTUP after the settle delay.
func (a *APIC) reset(settle time.Duration) {
	a.armed.Store(false)

	select {
	case <-a.startup:
	default:
	}

	time.AfterFunc(settle, func() { a.armed.Store(true) })
}

// deliverStartup latches the trampoline page number. Unarmed or
// already-latched mailboxes drop it.
func (a *APIC) deliverStartup(page uint8) {
	if !a.armed.Load() {
		a.Dropped.Add(1)

		return
	}

	select {
	case a.startup <- page:
	default:
		a.Dropped.Add(1)
	}
}

// Startup is the channel the parked core blocks on until firmware
// kicks it.
func (a *APIC) Startup() <-chan uint8 {
	return a.startup
}

// StartTimer posts the timer vector every period until StopTimer.
func (a *APIC) StartTimer(period time.Duration) {
	if a.timerStop != nil {
		return
	}

	a.timerStop = make(chan struct{})

	go func(stop chan struct{}) {
		t := time.NewTicker(period)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				a.Post(VecTimer)
			case <-stop:
				return
			}
		}
	}(a.timerStop)
}

func (a *APIC) StopTimer() {
	if a.timerStop != nil {
		close(a.timerStop)
		a.timerStop = nil
	}
}
