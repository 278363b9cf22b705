package machine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gosmp/gosmp/cpus"
	"github.com/gosmp/gosmp/trampoline"
)

var errBootTimeout = errors.New("core did not come online")

// Timings are the knobs of the bring-up sequencer. The defaults follow
// the classic INIT, wait, STARTUP, STARTUP dance with a generous
// online deadline; tests shrink them.
//
// https://github.com/torvalds/linux/blob/master/arch/x86/kernel/smpboot.c
type Timings struct {
	// InitHold is the pause between INIT and the first STARTUP,
	// giving the target time to come out of reset. Must stay above
	// the bus settle time.
	InitHold time.Duration

	// SIPIGap separates the two STARTUPs. The second one only
	// matters to a core that missed the first.
	SIPIGap time.Duration

	// ReadyTimeout bounds the wait for the core to report online;
	// on expiry the core is marked offline and boot moves on.
	ReadyTimeout time.Duration

	// ReadyPoll is the online check interval.
	ReadyPoll time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		InitHold:     10 * time.Millisecond,
		SIPIGap:      200 * time.Microsecond,
		ReadyTimeout: 100 * time.Millisecond,
		ReadyPoll:    200 * time.Microsecond,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()

	if t.InitHold == 0 {
		t.InitHold = d.InitHold
	}

	if t.SIPIGap == 0 {
		t.SIPIGap = d.SIPIGap
	}

	if t.ReadyTimeout == 0 {
		t.ReadyTimeout = d.ReadyTimeout
	}

	if t.ReadyPoll == 0 {
		t.ReadyPoll = d.ReadyPoll
	}

	return t
}

// Boot brings the machine up: the bootstrap core first, then every
// application core in turn. A core that misses its deadline is marked
// offline and boot continues without it; only a bootstrap failure is
// fatal.
func (m *Machine) Boot() error {
	t := m.cfg.Timings.withDefaults()

	bsp := m.cpus.BSP()

	if err := m.cpus.MarkBooting(bsp.ID); err != nil {
		return err
	}

	m.launch(bsp.ID, true)

	if !m.waitOnline(bsp.ID, t.ReadyTimeout, t.ReadyPoll) {
		return errBSPTimeout
	}

	for _, rec := range m.cpus.Snapshot() {
		if rec.BSP {
			continue
		}

		if err := m.bootAP(rec, t); err != nil {
			log.Printf("smp: core %d (apic %#x): %v", rec.ID, rec.APICID, err)
		}
	}

	log.Printf("smp: %d/%d cores online", m.cpus.OnlineCount(), m.cpus.Count())

	return nil
}

// bootAP walks one application core through the wake-up protocol:
// publish its boot params, INIT to put the target APIC into reset,
// hold, then two STARTUPs pointing at the trampoline page. The params
// block is shared by all cores, which is safe only because bring-up is
// strictly one core at a time.
func (m *Machine) bootAP(rec cpus.Record, t Timings) error {
	c := m.cores[rec.ID]

	if !m.wedged[rec.APICID] {
		m.launch(rec.ID, false)
	}

	p := trampoline.NewParams(rec.ID, rec.APICID, c.stackTop, m.pt.Root(), entryPoint)
	if err := trampoline.WriteParams(m.mem, p); err != nil {
		return err
	}

	if err := m.cpus.MarkBooting(rec.ID); err != nil {
		return err
	}

	if err := m.bus.SendINIT(rec.APICID); err != nil {
		return err
	}

	time.Sleep(t.InitHold)

	if err := m.bus.SendSIPI(rec.APICID, trampoline.Page()); err != nil {
		return err
	}

	time.Sleep(t.SIPIGap)

	if err := m.bus.SendSIPI(rec.APICID, trampoline.Page()); err != nil {
		return err
	}

	if !m.waitOnline(rec.ID, t.ReadyTimeout, t.ReadyPoll) {
		_ = m.cpus.MarkOffline(rec.ID)
		return fmt.Errorf("%w within %v", errBootTimeout, t.ReadyTimeout)
	}

	return nil
}

func (m *Machine) waitOnline(id int, timeout, step time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if m.cpus.State(id) == cpus.Online {
			return true
		}

		time.Sleep(step)
	}

	return m.cpus.State(id) == cpus.Online
}
