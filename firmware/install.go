package firmware

import (
	"errors"
	"fmt"

	"github.com/gosmp/gosmp/acpi"
	"github.com/gosmp/gosmp/ebda"
	"github.com/gosmp/gosmp/mem"
)

var (
	errDisabledBSP     = errors.New("the bootstrap processor cannot be disabled")
	errDisabledUnknown = errors.New("disabled APIC ID is not in the shape")
)

const oemID = "GOSMP "

// Table placement inside the BIOS read-only region. The MADT slot is
// sized for MaxThreads processor records; FADT and DSDT sit above it.
const (
	rsdpOffset = 0x0
	xsdtOffset = 0x40
	madtOffset = 0x100
	fadtOffset = 0x600
	dsdtOffset = 0x740
)

// Install writes every firmware table for shape into physical memory:
// the EBDA with its MP floating pointer, the MP configuration table it
// points at, and the ACPI chain RSDP -> XSDT -> MADT. A parser walking
// either path afterwards sees the same set of processors.
//
// Fused-off cores are passed as disabled APIC IDs: their MADT records
// keep the enable bit clear and the MP table leaves them out, so
// discovery never reports them.
func Install(m *mem.Memory, s Shape, disabled ...uint32) error {
	if err := s.Validate(); err != nil {
		return err
	}

	off, err := s.disabledSet(disabled)
	if err != nil {
		return err
	}

	if err := installMP(m, s, off); err != nil {
		return fmt.Errorf("mp tables: %w", err)
	}

	if err := installACPI(m, s, off); err != nil {
		return fmt.Errorf("acpi tables: %w", err)
	}

	return nil
}

func (s Shape) disabledSet(disabled []uint32) (map[uint32]bool, error) {
	if len(disabled) == 0 {
		return nil, nil
	}

	laid := make(map[uint32]bool, s.Threads())
	for _, id := range s.APICIDs() {
		laid[id] = true
	}

	off := make(map[uint32]bool, len(disabled))

	for _, id := range disabled {
		if !laid[id] {
			return nil, fmt.Errorf("apic %#x: %w", id, errDisabledUnknown)
		}

		if id == s.BSP() {
			return nil, fmt.Errorf("apic %#x: %w", id, errDisabledBSP)
		}

		off[id] = true
	}

	return off, nil
}

func installMP(m *mem.Memory, s Shape, off map[uint32]bool) error {
	mpc := ebda.NewMPConfig(oemID, 0xfee00000)

	for i, id := range s.APICIDs() {
		if off[id] {
			continue
		}

		mpc.AddCPU(ebda.NewMPCCpu(uint8(id), i == 0))
	}

	data, err := mpc.Bytes()
	if err != nil {
		return err
	}

	if err := write(m, mem.MPCBase, data); err != nil {
		return err
	}

	e, err := ebda.New(mem.MPCBase)
	if err != nil {
		return err
	}

	data, err = e.Bytes()
	if err != nil {
		return err
	}

	return write(m, mem.EBDABase, data)
}

func installACPI(m *mem.Memory, s Shape, off map[uint32]bool) error {
	dsdt := acpi.NewDSDT(oemID, "GOSMPDST")

	data, err := dsdt.ToBytes()
	if err != nil {
		return err
	}

	if err := write(m, mem.ACPIBase+dsdtOffset, data); err != nil {
		return err
	}

	fadt := acpi.NewFADT(oemID, "GOSMPFDT", mem.ACPIBase+dsdtOffset)

	data, err = fadt.ToBytes()
	if err != nil {
		return err
	}

	if err := write(m, mem.ACPIBase+fadtOffset, data); err != nil {
		return err
	}

	madt := acpi.NewMADT(oemID, "GOSMPMDT")

	for i, id := range s.APICIDs() {
		madt.AddAPIC(acpi.NewLocalAPIC(uint8(i), uint8(id), !off[id]))
	}

	madt.AddAPIC(acpi.NewIOAPIC(uint8(s.Threads()), 0xfec00000, 0))

	data, err = madt.ToBytes()
	if err != nil {
		return err
	}

	if err := write(m, mem.ACPIBase+madtOffset, data); err != nil {
		return err
	}

	// FADT first, the order real firmware uses. A parser after the
	// processor records has to step over it.
	xsdt := acpi.NewXSDT(oemID, "GOSMPXST")
	xsdt.AddEntry(mem.ACPIBase + fadtOffset)
	xsdt.AddEntry(mem.ACPIBase + madtOffset)

	data, err = xsdt.ToBytes()
	if err != nil {
		return err
	}

	if err := write(m, mem.ACPIBase+xsdtOffset, data); err != nil {
		return err
	}

	rsdp := acpi.NewRSDP(oemID, mem.ACPIBase+xsdtOffset)

	data, err = rsdp.ToBytes()
	if err != nil {
		return err
	}

	return write(m, mem.ACPIBase+rsdpOffset, data)
}

func write(m *mem.Memory, addr uint64, data []byte) error {
	b, err := m.Slice(addr, len(data))
	if err != nil {
		return err
	}

	copy(b, data)

	return nil
}
