package topology

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gosmp/gosmp/cpuid"
)

var errBadLevel = errors.New("topology level shifts are not monotonic")

// Level types reported by the extended topology leaves.
const (
	levelInvalid = 0x0
	levelSMT     = 0x1
	levelCore    = 0x2
)

// Source records which CPUID leaves a topology decode came from.
type Source int

const (
	// SourceV2Extended means leaf 0x1f was used.
	SourceV2Extended Source = iota
	// SourceExtended means leaf 0xb was used.
	SourceExtended
	// SourceLegacy means leaves 0x1 and 0x4 were used.
	SourceLegacy
	// SourceMinimal means no topology information was found and the
	// processor is treated as a single thread in a single package.
	SourceMinimal
)

func (s Source) String() string {
	switch s {
	case SourceV2Extended:
		return "leaf 0x1f"
	case SourceExtended:
		return "leaf 0xb"
	case SourceLegacy:
		return "leaf 0x1/0x4"
	case SourceMinimal:
		return "minimal"
	}

	return fmt.Sprintf("Source(%d)", int(s))
}

// Info describes how APIC IDs are packed for this processor. The thread
// number occupies the low SMTBits bits, the core number the next CoreBits
// bits, and the package number everything above.
type Info struct {
	SMTBits  uint32
	CoreBits uint32
	Source   Source
}

// ID is one APIC ID split into its hierarchy components.
type ID struct {
	Package uint32
	Core    uint32
	Thread  uint32
}

func (id ID) String() string {
	return fmt.Sprintf("pkg%d/core%d/smt%d", id.Package, id.Core, id.Thread)
}

// Decode extracts the APIC ID layout from a cpuid table. Leaf 0x1f is
// preferred, then leaf 0xb, then the legacy leaf 0x1/0x4 method. A table
// with no topology information at all decodes as a single-thread package.
func Decode(t *cpuid.Table) (Info, error) {
	for _, fn := range []uint32{0x1f, 0xb} {
		info, ok, err := decodeExtended(t, fn)
		if err != nil {
			return Info{}, fmt.Errorf("decoding leaf 0x%x: %w", fn, err)
		}

		if ok {
			if fn == 0xb {
				info.Source = SourceExtended
			}

			return info, nil
		}
	}

	return decodeLegacy(t), nil
}

// decodeExtended walks the subleaves of one extended topology function.
// The enumeration ends at the first absent or invalid-type subleaf.
func decodeExtended(t *cpuid.Table, fn uint32) (Info, bool, error) {
	var (
		smtShift, coreShift uint32
		haveSMT, haveCore   bool
	)

	for idx := uint32(0); ; idx++ {
		leaf, ok := t.Lookup(fn, idx)
		if !ok {
			break
		}

		typ := (leaf.ECX >> 8) & 0xff
		if typ == levelInvalid {
			break
		}

		shift := leaf.EAX & 0x1f

		switch typ {
		case levelSMT:
			smtShift, haveSMT = shift, true
		case levelCore:
			coreShift, haveCore = shift, true
		}
	}

	if !haveSMT && !haveCore {
		return Info{}, false, nil
	}

	info := Info{Source: SourceV2Extended}

	switch {
	case haveSMT && haveCore:
		if coreShift < smtShift {
			return Info{}, false, errBadLevel
		}

		info.SMTBits = smtShift
		info.CoreBits = coreShift - smtShift
	case haveSMT:
		info.SMTBits = smtShift
	default:
		info.CoreBits = coreShift
	}

	return info, true, nil
}

// decodeLegacy derives the layout from the addressable ID counts in
// leaf 0x1 EBX[23:16] and leaf 0x4 EAX[31:26].
func decodeLegacy(t *cpuid.Table) Info {
	leaf1, ok := t.Lookup(0x1, 0x0)
	if !ok {
		return Info{Source: SourceMinimal}
	}

	if leaf1.EDX&(1<<uint32(cpuid.HT)) == 0 {
		return Info{Source: SourceMinimal}
	}

	logical := (leaf1.EBX >> 16) & 0xff
	if logical <= 1 {
		return Info{Source: SourceMinimal}
	}

	cores := uint32(1)
	if leaf4, ok := t.Lookup(0x4, 0x0); ok {
		cores = ((leaf4.EAX >> 26) & 0x3f) + 1
	}

	smt := logical / cores
	if smt == 0 {
		smt = 1
	}

	return Info{
		SMTBits:  fieldWidth(smt),
		CoreBits: fieldWidth(cores),
		Source:   SourceLegacy,
	}
}

// fieldWidth returns the number of APIC ID bits needed to hold n distinct
// values.
func fieldWidth(n uint32) uint32 {
	if n <= 1 {
		return 0
	}

	return uint32(bits.Len32(n - 1))
}

func fieldMask(width uint32) uint32 {
	return 1<<width - 1
}

// Split breaks an APIC ID into its package, core and thread numbers.
func (i Info) Split(apicID uint32) ID {
	return ID{
		Thread:  apicID & fieldMask(i.SMTBits),
		Core:    (apicID >> i.SMTBits) & fieldMask(i.CoreBits),
		Package: apicID >> (i.SMTBits + i.CoreBits),
	}
}

// Compose packs hierarchy components back into an APIC ID. It is the
// inverse of Split for components that fit their fields.
func (i Info) Compose(id ID) uint32 {
	return id.Package<<(i.SMTBits+i.CoreBits) | id.Core<<i.SMTBits | id.Thread
}

// ThreadSiblings returns the members of all that share a core with apicID,
// including apicID itself when present.
func (i Info) ThreadSiblings(apicID uint32, all []uint32) []uint32 {
	self := i.Split(apicID)

	var out []uint32

	for _, id := range all {
		o := i.Split(id)
		if o.Package == self.Package && o.Core == self.Core {
			out = append(out, id)
		}
	}

	return out
}

// CoreSiblings returns the members of all that share a package with apicID,
// including apicID itself when present.
func (i Info) CoreSiblings(apicID uint32, all []uint32) []uint32 {
	self := i.Split(apicID)

	var out []uint32

	for _, id := range all {
		if i.Split(id).Package == self.Package {
			out = append(out, id)
		}
	}

	return out
}
