package machine

import (
	"testing"

	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/mem"
)

func installedMemory(t *testing.T) *mem.Memory {
	t.Helper()

	phys, err := mem.New(8 << 20)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}

	t.Cleanup(func() { _ = phys.Close() })

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	if err := firmware.Install(phys, shape); err != nil {
		t.Fatalf("Install: %v", err)
	}

	return phys
}

func wipe(t *testing.T, phys *mem.Memory, addr uint64, size int) {
	t.Helper()

	b, err := phys.Slice(addr, size)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}

	for i := range b {
		b[i] = 0
	}
}

func TestDiscoverPrefersACPI(t *testing.T) {
	t.Parallel()

	phys := installedMemory(t)

	ids, source, err := discover(phys)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if source != "acpi" {
		t.Fatalf("source = %q, want acpi", source)
	}

	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("ids = %v, want [0 1]", ids)
	}
}

func TestDiscoverFallsBackToMPTables(t *testing.T) {
	t.Parallel()

	phys := installedMemory(t)
	wipe(t, phys, mem.ACPIBase, mem.ACPISize)

	ids, source, err := discover(phys)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if source != "mptable" {
		t.Fatalf("source = %q, want mptable", source)
	}

	if len(ids) != 2 {
		t.Fatalf("ids = %v, want two processors", ids)
	}
}

func TestDiscoverAssumesUniprocessor(t *testing.T) {
	t.Parallel()

	phys := installedMemory(t)
	wipe(t, phys, mem.ACPIBase, mem.ACPISize)
	wipe(t, phys, mem.EBDABase, 0x400)

	ids, source, err := discover(phys)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if source != "none" {
		t.Fatalf("source = %q, want none", source)
	}

	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("ids = %v, want [0]", ids)
	}
}
