package lapic

import (
	"errors"
	"fmt"
	"time"
)

var (
	errDuplicateAPIC = errors.New("apic id already on the bus")
	errUnknownAPIC   = errors.New("no apic with that id")
)

// DefaultSettle is how long an INIT holds the target in reset before
// its mailbox starts accepting STARTUPs. Senders must wait at least
// this long, the way firmware waits 10ms on hardware.
const DefaultSettle = 2 * time.Millisecond

// Bus routes vectors and startup signals between APICs by APIC ID. The
// set of controllers is fixed once the machine is built, so routing
// needs no lock.
type Bus struct {
	apics  map[uint32]*APIC
	order  []uint32
	settle time.Duration
}

func NewBus(settle time.Duration) *Bus {
	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Bus{
		apics:  make(map[uint32]*APIC),
		settle: settle,
	}
}

// Add creates the controller for one core. Build phase only.
func (b *Bus) Add(id uint32) (*APIC, error) {
	if _, ok := b.apics[id]; ok {
		return nil, fmt.Errorf("apic %d: %w", id, errDuplicateAPIC)
	}

	a := newAPIC(id)
	b.apics[id] = a
	b.order = append(b.order, id)

	return a, nil
}

func (b *Bus) APIC(id uint32) (*APIC, error) {
	a, ok := b.apics[id]
	if !ok {
		return nil, fmt.Errorf("apic %d: %w", id, errUnknownAPIC)
	}

	return a, nil
}

// Send posts a fixed vector to one destination.
func (b *Bus) Send(dst uint32, v Vector) error {
	a, err := b.APIC(dst)
	if err != nil {
		return err
	}

	a.Post(v)

	return nil
}

// Broadcast posts a fixed vector to every controller, in the order they
// joined the bus.
func (b *Bus) Broadcast(v Vector) {
	for _, id := range b.order {
		b.apics[id].Post(v)
	}
}

// BroadcastExcept is the all-but-self shorthand senders use for
// cross-core work.
func (b *Bus) BroadcastExcept(self uint32, v Vector) {
	for _, id := range b.order {
		if id != self {
			b.apics[id].Post(v)
		}
	}
}

// SendINIT resets the destination's startup mailbox. The settle delay
// runs asynchronously; the caller sleeps its own delay before STARTUP.
func (b *Bus) SendINIT(dst uint32) error {
	a, err := b.APIC(dst)
	if err != nil {
		return err
	}

	a.reset(b.settle)

	return nil
}

// SendSIPI offers a STARTUP with the given trampoline page number.
// It is silently lost if the target is not armed, so callers send it
// twice.
func (b *Bus) SendSIPI(dst uint32, page uint8) error {
	a, err := b.APIC(dst)
	if err != nil {
		return err
	}

	a.deliverStartup(page)

	return nil
}

func (b *Bus) Settle() time.Duration {
	return b.settle
}
