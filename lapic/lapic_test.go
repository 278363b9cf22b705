package lapic_test

import (
	"testing"
	"time"

	"github.com/gosmp/gosmp/lapic"
)

func newBusWithAPIC(t *testing.T, ids ...uint32) (*lapic.Bus, *lapic.APIC) {
	t.Helper()

	bus := lapic.NewBus(time.Millisecond)

	var first *lapic.APIC

	for i, id := range ids {
		a, err := bus.Add(id)
		if err != nil {
			t.Fatalf("failed to add apic %d: %v", id, err)
		}

		if i == 0 {
			first = a
		}
	}

	return bus, first
}

func TestPostTake(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	if _, ok := a.Take(); ok {
		t.Fatalf("fresh apic should have nothing pending")
	}

	a.Post(lapic.VecTimer)

	if !a.Pending() {
		t.Fatalf("posted vector should be pending")
	}

	v, ok := a.Take()
	if !ok || v != lapic.VecTimer {
		t.Fatalf("got %v %v, want timer", v, ok)
	}

	if a.Pending() {
		t.Fatalf("taken vector should not stay pending")
	}
}

func TestTakePriorityOrder(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	a.Post(lapic.VecTimer)
	a.Post(lapic.VecResched)
	a.Post(lapic.VecQuiescent)

	want := []lapic.Vector{lapic.VecResched, lapic.VecQuiescent, lapic.VecTimer}

	for _, w := range want {
		v, ok := a.Take()
		if !ok || v != w {
			t.Fatalf("got %v, want %v", v, w)
		}
	}
}

func TestPostMerges(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	a.Post(lapic.VecTLBFlush)
	a.Post(lapic.VecTLBFlush)
	a.Post(lapic.VecTLBFlush)

	if v, ok := a.Take(); !ok || v != lapic.VecTLBFlush {
		t.Fatalf("got %v %v, want tlb-flush", v, ok)
	}

	if _, ok := a.Take(); ok {
		t.Fatalf("duplicate posts must merge into one pending bit")
	}
}

func TestAckInService(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	if _, ok := a.InService(); ok {
		t.Fatalf("fresh apic should have nothing in service")
	}

	a.Post(lapic.VecTimer)
	a.Post(lapic.VecResched)

	if got := a.PendingCount(); got != 2 {
		t.Fatalf("got %d pending, want 2", got)
	}

	v, ok := a.Take()
	if !ok {
		t.Fatal("nothing to take")
	}

	got, ok := a.InService()
	if !ok || got != v {
		t.Fatalf("in service = %v %v, want %v", got, ok, v)
	}

	if got := a.PendingCount(); got != 1 {
		t.Fatalf("got %d pending after one take, want 1", got)
	}

	a.Ack()

	if _, ok := a.InService(); ok {
		t.Fatalf("ack should clear the in-service vector")
	}
}

func TestDoorbell(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	a.Post(lapic.VecTimer)
	a.Post(lapic.VecResched)

	select {
	case <-a.Doorbell():
	case <-time.After(time.Second):
		t.Fatalf("doorbell did not ring")
	}

	// One token no matter how many posts.
	select {
	case <-a.Doorbell():
		t.Fatalf("doorbell held a second token")
	default:
	}
}

func TestSendRouting(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithAPIC(t, 0, 2, 4)

	if err := bus.Send(2, lapic.VecResched); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	if err := bus.Send(9, lapic.VecResched); err == nil {
		t.Fatalf("send to an unknown apic should fail")
	}

	a, err := bus.APIC(2)
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := a.Take(); !ok || v != lapic.VecResched {
		t.Fatalf("got %v %v, want resched", v, ok)
	}

	other, err := bus.APIC(4)
	if err != nil {
		t.Fatal(err)
	}

	if other.Pending() {
		t.Fatalf("vector leaked to the wrong apic")
	}
}

func TestBroadcastExcept(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithAPIC(t, 0, 1, 2)

	bus.BroadcastExcept(1, lapic.VecCallFunc)

	for _, id := range []uint32{0, 2} {
		a, err := bus.APIC(id)
		if err != nil {
			t.Fatal(err)
		}

		if v, ok := a.Take(); !ok || v != lapic.VecCallFunc {
			t.Fatalf("apic %d: got %v %v, want call", id, v, ok)
		}
	}

	self, err := bus.APIC(1)
	if err != nil {
		t.Fatal(err)
	}

	if self.Pending() {
		t.Fatalf("broadcast must skip the sender")
	}
}

func TestDuplicateAdd(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithAPIC(t, 3)

	if _, err := bus.Add(3); err == nil {
		t.Fatalf("duplicate apic id should be rejected")
	}
}

func TestStartupProtocol(t *testing.T) {
	t.Parallel()

	bus, a := newBusWithAPIC(t, 1)

	// A STARTUP with no INIT first goes nowhere.
	if err := bus.SendSIPI(1, 0x8); err != nil {
		t.Fatalf("failed to send sipi: %v", err)
	}

	select {
	case <-a.Startup():
		t.Fatalf("mailbox accepted a STARTUP before INIT")
	default:
	}

	if a.Dropped.Load() != 1 {
		t.Fatalf("got %d dropped, want 1", a.Dropped.Load())
	}

	if err := bus.SendINIT(1); err != nil {
		t.Fatalf("failed to send init: %v", err)
	}

	// Too early: the settle delay has not passed.
	if err := bus.SendSIPI(1, 0x8); err != nil {
		t.Fatalf("failed to send sipi: %v", err)
	}

	time.Sleep(4 * bus.Settle())

	// The second STARTUP is the one that lands.
	if err := bus.SendSIPI(1, 0x8); err != nil {
		t.Fatalf("failed to send sipi: %v", err)
	}

	select {
	case page := <-a.Startup():
		if page != 0x8 {
			t.Fatalf("got page 0x%x, want 0x8", page)
		}
	case <-time.After(time.Second):
		t.Fatalf("armed mailbox never delivered")
	}
}

func TestStartupDuplicateSIPI(t *testing.T) {
	t.Parallel()

	bus, a := newBusWithAPIC(t, 1)

	if err := bus.SendINIT(1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(4 * bus.Settle())

	// Both land after the settle; the second merges away.
	if err := bus.SendSIPI(1, 0x8); err != nil {
		t.Fatal(err)
	}

	if err := bus.SendSIPI(1, 0x8); err != nil {
		t.Fatal(err)
	}

	<-a.Startup()

	select {
	case <-a.Startup():
		t.Fatalf("mailbox delivered twice for one boot")
	default:
	}
}

func TestTimer(t *testing.T) {
	t.Parallel()

	_, a := newBusWithAPIC(t, 0)

	a.StartTimer(time.Millisecond)
	defer a.StopTimer()

	deadline := time.After(time.Second)

	for {
		select {
		case <-a.Doorbell():
			if v, ok := a.Take(); ok && v == lapic.VecTimer {
				return
			}
		case <-deadline:
			t.Fatalf("timer never fired")
		}
	}
}
