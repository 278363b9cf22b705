package firmware

import (
	"errors"
	"fmt"

	"github.com/gosmp/gosmp/cpuid"
	"github.com/gosmp/gosmp/topology"
)

var (
	errBadShape     = errors.New("every shape dimension must be at least 1")
	errTooManyCores = errors.New("too many logical processors")
	errAPICIDRange  = errors.New("composed APIC ID does not fit in 8 bits")
)

// MaxThreads caps the logical processor count; each one needs a startup
// stack slot in low high-memory.
const MaxThreads = 128

const vendorID = "GenuineIntel"

// Shape describes the synthetic machine to generate firmware for.
type Shape struct {
	Packages        int
	CoresPerPackage int
	ThreadsPerCore  int
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Packages, s.CoresPerPackage, s.ThreadsPerCore)
}

func (s Shape) Validate() error {
	if s.Packages < 1 || s.CoresPerPackage < 1 || s.ThreadsPerCore < 1 {
		return fmt.Errorf("%v: %w", s, errBadShape)
	}

	if s.Threads() > MaxThreads {
		return fmt.Errorf("%v has %d: %w", s, s.Threads(), errTooManyCores)
	}

	ids := s.APICIDs()
	if ids[len(ids)-1] > 0xfe {
		return fmt.Errorf("%v apic id 0x%x: %w", s, ids[len(ids)-1], errAPICIDRange)
	}

	return nil
}

// Threads is the total number of logical processors.
func (s Shape) Threads() int {
	return s.Packages * s.CoresPerPackage * s.ThreadsPerCore
}

// Layout returns the APIC ID field widths the generated tables encode.
func (s Shape) Layout() topology.Info {
	return topology.Info{
		SMTBits:  width(s.ThreadsPerCore),
		CoreBits: width(s.CoresPerPackage),
	}
}

// APICIDs composes the ID of every logical processor, in increasing
// order. IDs are not contiguous when a dimension is not a power of two,
// exactly as on real machines.
func (s Shape) APICIDs() []uint32 {
	info := s.Layout()
	ids := make([]uint32, 0, s.Threads())

	for p := 0; p < s.Packages; p++ {
		for c := 0; c < s.CoresPerPackage; c++ {
			for t := 0; t < s.ThreadsPerCore; t++ {
				ids = append(ids, info.Compose(topology.ID{
					Package: uint32(p),
					Core:    uint32(c),
					Thread:  uint32(t),
				}))
			}
		}
	}

	return ids
}

// BSP returns the APIC ID of the bootstrap processor.
func (s Shape) BSP() uint32 {
	return s.APICIDs()[0]
}

func width(n int) uint32 {
	w := uint32(0)
	for 1<<w < n {
		w++
	}

	return w
}

// CPUIDTable generates the leaf table one logical processor would
// report. The topology leaves carry apicID so each core sees its own.
func CPUIDTable(s Shape, apicID uint32) *cpuid.Table {
	info := s.Layout()
	t := &cpuid.Table{}

	t.Add(leafZero())
	t.Add(leafOne(s, info, apicID))

	for _, l := range cacheLeaves(s, info) {
		t.Add(l)
	}

	for _, fn := range []uint32{0xb, 0x1f} {
		for _, l := range topoLeaves(fn, info, s, apicID) {
			t.Add(l)
		}
	}

	t.Sort()

	return t
}

func leafZero() cpuid.Leaf {
	return cpuid.Leaf{
		Function: 0x0,
		EAX:      0x1f,
		EBX:      vendorWord(0),
		EDX:      vendorWord(4),
		ECX:      vendorWord(8),
	}
}

// vendorWord packs four vendor string bytes the way CPUID.0 scatters
// them over EBX, EDX, ECX.
func vendorWord(off int) uint32 {
	return uint32(vendorID[off]) | uint32(vendorID[off+1])<<8 |
		uint32(vendorID[off+2])<<16 | uint32(vendorID[off+3])<<24
}

func leafOne(s Shape, info topology.Info, apicID uint32) cpuid.Leaf {
	edx := uint32(0)
	for _, f := range []cpuid.F1Edx{
		cpuid.FPU, cpuid.TSC, cpuid.MSR, cpuid.PAE, cpuid.MCE,
		cpuid.CX8, cpuid.APIC, cpuid.SEP, cpuid.MTRR, cpuid.PGE,
		cpuid.MCA, cpuid.CMOV, cpuid.PAT, cpuid.CLFLUSH, cpuid.MMX,
		cpuid.FXSR, cpuid.XMM, cpuid.XMM2,
	} {
		edx |= 1 << uint32(f)
	}

	if s.ThreadsPerCore > 1 {
		edx |= 1 << uint32(cpuid.HT)
	}

	ecx := uint32(0)
	for _, f := range []cpuid.F1Ecx{
		cpuid.XMM3, cpuid.SSSE3, cpuid.CX16, cpuid.XMM4_1,
		cpuid.XMM4_2, cpuid.X2APIC, cpuid.POPCNT, cpuid.XSAVE,
	} {
		ecx |= 1 << uint32(f)
	}

	// EBX: initial APIC ID, addressable logical IDs per package,
	// CLFLUSH line size in 8-byte units.
	logical := uint32(1) << (info.SMTBits + info.CoreBits)
	ebx := apicID<<24 | logical<<16 | 0x8<<8

	return cpuid.Leaf{
		Function: 0x1,
		EAX:      0x000806ec, // family 6, model 142, stepping 12
		EBX:      ebx,
		ECX:      ecx,
		EDX:      edx,
	}
}

// cacheLeaves models a conventional three-level hierarchy: split L1,
// per-core L2, package-wide L3.
func cacheLeaves(s Shape, info topology.Info) []cpuid.Leaf {
	coreIDs := uint32(1)<<info.CoreBits - 1
	perCore := uint32(1) << info.SMTBits
	perPkg := uint32(1) << (info.SMTBits + info.CoreBits)

	cache := func(idx uint32, level, typ, sharedBy, ways, sets uint32) cpuid.Leaf {
		// The addressable-core field is only six bits wide; wider
		// machines rely on the extended topology leaves, as on real
		// hardware.
		return cpuid.Leaf{
			Function: 0x4,
			Index:    idx,
			EAX:      (coreIDs&0x3f)<<26 | (sharedBy-1)<<14 | level<<5 | typ,
			EBX:      (ways-1)<<22 | 63, // 64-byte lines, one partition
			ECX:      sets - 1,
		}
	}

	return []cpuid.Leaf{
		cache(0, 1, 1, perCore, 8, 64),   // L1d 32KiB
		cache(1, 1, 2, perCore, 8, 64),   // L1i 32KiB
		cache(2, 2, 3, perCore, 4, 1024), // L2 256KiB
		cache(3, 3, 3, perPkg, 16, 8192), // L3 8MiB
		{Function: 0x4, Index: 4},        // null terminator
	}
}

func topoLeaves(fn uint32, info topology.Info, s Shape, apicID uint32) []cpuid.Leaf {
	return []cpuid.Leaf{
		{
			Function: fn,
			Index:    0x0,
			EAX:      info.SMTBits,
			EBX:      uint32(s.ThreadsPerCore),
			ECX:      0x1<<8 | 0x0,
			EDX:      apicID,
		},
		{
			Function: fn,
			Index:    0x1,
			EAX:      info.SMTBits + info.CoreBits,
			EBX:      uint32(s.ThreadsPerCore * s.CoresPerPackage),
			ECX:      0x2<<8 | 0x1,
			EDX:      apicID,
		},
	}
}
