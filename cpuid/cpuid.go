package cpuid

import (
	"errors"
	"sort"
)

// Leaf is one processor-identification leaf as the firmware reports it:
// the function/index pair the instruction would be issued with, and the
// four result registers.
type Leaf struct {
	Function uint32
	Index    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
}

// Table is the full set of leaves for one logical processor. Tables are
// synthesized by the firmware package rather than read from hardware, so
// the same decode paths can be exercised for any machine shape.
type Table struct {
	Leaves []Leaf
}

var errBadPatchBit = errors.New("invalid patch. Only bits 0-31 allowed")

// Lookup returns the leaf for the given function/index pair.
func (t *Table) Lookup(fn, idx uint32) (Leaf, bool) {
	for _, l := range t.Leaves {
		if l.Function == fn && l.Index == idx {
			return l, true
		}
	}

	return Leaf{}, false
}

// Add appends a leaf, replacing any existing leaf with the same
// function/index pair.
func (t *Table) Add(l Leaf) {
	for i := range t.Leaves {
		if t.Leaves[i].Function == l.Function && t.Leaves[i].Index == l.Index {
			t.Leaves[i] = l

			return
		}
	}

	t.Leaves = append(t.Leaves, l)
}

// MaxBasic returns EAX of leaf 0, the highest supported basic function.
// A table without leaf 0 reports 0.
func (t *Table) MaxBasic() uint32 {
	l, ok := t.Lookup(0, 0)
	if !ok {
		return 0
	}

	return l.EAX
}

// Sort orders the leaves by function then index so decode fallbacks scan
// deterministically.
func (t *Table) Sort() {
	sort.Slice(t.Leaves, func(i, j int) bool {
		if t.Leaves[i].Function != t.Leaves[j].Function {
			return t.Leaves[i].Function < t.Leaves[j].Function
		}

		return t.Leaves[i].Index < t.Leaves[j].Index
	})
}

// Reg names one of the four result registers of a leaf.
type Reg uint8

const (
	RegEAX Reg = iota
	RegEBX
	RegECX
	RegEDX
)

// Patch sets a single feature bit in one register of one leaf.
type Patch struct {
	Function uint32
	Index    uint32
	Reg      Reg
	Bit      uint32
}

// Apply patches the table in place. Patching a leaf that is not present
// is not an error; firmware uses that to express optional leaves.
func Apply(t *Table, patches []*Patch) error {
	for _, p := range patches {
		if p.Bit > 31 {
			return errBadPatchBit
		}

		for i := range t.Leaves {
			l := &t.Leaves[i]
			if l.Function != p.Function || l.Index != p.Index {
				continue
			}

			switch p.Reg {
			case RegEAX:
				l.EAX |= 1 << p.Bit
			case RegEBX:
				l.EBX |= 1 << p.Bit
			case RegECX:
				l.ECX |= 1 << p.Bit
			case RegEDX:
				l.EDX |= 1 << p.Bit
			}
		}
	}

	return nil
}
