// Package snapshot captures machine state for post-mortem inspection
// and streams it, optionally with guest memory, as a core dump.
package snapshot

import (
	"time"

	"github.com/gosmp/gosmp/machine"
)

// CoreState is one processor's snapshot.
type CoreState struct {
	ID     int
	APICID uint32
	BSP    bool
	State  string

	Package  uint32
	Core     uint32
	Thread   uint32
	NUMANode int

	Interrupts      uint64
	IPIs            uint64
	Resched         uint64
	Ticks           uint64
	Spurious        uint64
	DroppedStartups uint64

	Idle time.Duration
	Busy time.Duration

	// PreemptDepth is -1 for a core that never came up.
	PreemptDepth int
}

// PanicState mirrors the machine's first panic report.
type PanicState struct {
	Core   int
	APICID uint32
	Msg    string
	Unix   int64
}

// Snapshot is the machine state at capture time. Guest memory travels
// separately as a raw stream.
type Snapshot struct {
	Packages        int
	CoresPerPackage int
	ThreadsPerCore  int

	MemSize int
	Source  string

	RCUGen       uint64
	RCUCompleted uint64

	Cores []CoreState
	Panic *PanicState

	Taken time.Time
}

// Capture reads the machine's current state. It is safe on a live
// machine; counters are read atomically and states may move under it.
func Capture(m *machine.Machine) *Snapshot {
	shape := m.Shape()

	snap := &Snapshot{
		Packages:        shape.Packages,
		CoresPerPackage: shape.CoresPerPackage,
		ThreadsPerCore:  shape.ThreadsPerCore,
		MemSize:         m.Mem().Size(),
		Source:          m.Source(),
		RCUGen:          m.RCU().Gen(),
		RCUCompleted:    m.RCU().Completed(),
		Taken:           time.Now(),
	}

	for _, rec := range m.Registry().Snapshot() {
		cs := CoreState{
			ID:       rec.ID,
			APICID:   rec.APICID,
			BSP:      rec.BSP,
			State:    rec.State.String(),
			Package:  rec.Where.Package,
			Core:     rec.Where.Core,
			Thread:   rec.Where.Thread,
			NUMANode: rec.NUMANode,
		}

		if st, err := m.Stats(rec.ID); err == nil {
			cs.Interrupts = st.Interrupts
			cs.IPIs = st.IPIs
			cs.Resched = st.Resched
			cs.Ticks = st.Ticks
			cs.Spurious = st.Spurious
			cs.DroppedStartups = st.DroppedStartups
			cs.Idle = st.Idle
			cs.Busy = st.Busy
			cs.PreemptDepth = st.Depth
		}

		snap.Cores = append(snap.Cores, cs)
	}

	if rep := m.PanicReport(); rep != nil {
		snap.Panic = &PanicState{
			Core:   rep.Core,
			APICID: rep.APICID,
			Msg:    rep.Msg,
			Unix:   rep.Time.UnixNano(),
		}
	}

	return snap
}

// Online counts cores the snapshot saw online.
func (s *Snapshot) Online() int {
	n := 0

	for i := range s.Cores {
		if s.Cores[i].State == "online" {
			n++
		}
	}

	return n
}
