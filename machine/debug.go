package machine

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gosmp/gosmp/mem"
	"github.com/gosmp/gosmp/trampoline"
)

// Dump writes a snapshot of the whole machine for post-mortem and
// debugging: every core with its state, topology position and vector
// counters, the grace period counters, and the memory layout.
func (m *Machine) Dump(w io.Writer) error {
	fmt.Fprintf(w, "shape %s, %d online of %d, firmware source %s\n",
		m.cfg.Shape, m.cpus.OnlineCount(), m.cpus.Count(), m.source)

	if rep := m.panicked.Load(); rep != nil {
		fmt.Fprintf(w, "PANIC core %d (apic %#x) at %s: %s\n",
			rep.Core, rep.APICID, rep.Time.Format("15:04:05.000"), rep.Msg)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "core\tapic\tstate\twhere\tnuma\tdepth\tirr\tipis\tresched\tticks\tspurious\tdropped\tidle\tbusy")

	for _, rec := range m.cpus.Snapshot() {
		st, _ := m.Stats(rec.ID)

		depth := "-"
		if st.Depth >= 0 {
			depth = fmt.Sprintf("%d", st.Depth)
		}

		fmt.Fprintf(tw, "%d\t%#x\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t%v\n",
			rec.ID, rec.APICID, rec.State, rec.Where, rec.NUMANode, depth,
			m.cores[rec.ID].apic.PendingCount(), st.IPIs,
			st.Resched, st.Ticks, st.Spurious, st.DroppedStartups,
			st.Idle.Round(time.Microsecond), st.Busy.Round(time.Microsecond))
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "rcu: generation %d, completed %d\n", m.gp.Gen(), m.gp.Completed())
	fmt.Fprintf(w, "page table root %#x\n", m.pt.Root())
	fmt.Fprint(w, m.mem.Layout().Tree())

	return nil
}

// DumpTrampoline disassembles the installed real mode startup code.
func (m *Machine) DumpTrampoline(w io.Writer) error {
	asm, err := trampoline.Disasm(mem.TrampolineBase)
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, asm)

	return err
}

// DumpWalk prints the page table walk for va level by level, however
// far it gets.
func (m *Machine) DumpWalk(w io.Writer, va uint64) error {
	names := [4]string{"PT", "PD", "PDPT", "PML4"}
	table := m.pt.Root()

	for level := 3; level >= 0; level-- {
		idx := index(va, level)

		e, err := m.mem.ReadU64(table + idx*8)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s[%03d] @ %#x = %#016x\n", names[level], idx, table+idx*8, e)

		if e&ptePresent == 0 {
			fmt.Fprintf(w, "%#x not mapped past level %d\n", va, level)
			return nil
		}

		table = e & pteAddrMask
	}

	fmt.Fprintf(w, "%#x -> %#x\n", va, table|va&(mem.PageSize-1))

	return nil
}
