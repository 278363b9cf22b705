package trampoline_test

import (
	"strings"
	"testing"

	"github.com/gosmp/gosmp/mem"
	"github.com/gosmp/gosmp/trampoline"
)

func newMemory(t *testing.T) *mem.Memory {
	t.Helper()

	m, err := mem.New(mem.MinSize)
	if err != nil {
		t.Fatalf("failed to create memory: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestPage(t *testing.T) {
	t.Parallel()

	// The page number doubles as the STARTUP vector, so the image
	// must sit page-aligned under 1MiB.
	if got := uint64(trampoline.Page()) << 12; got != mem.TrampolineBase {
		t.Fatalf("got base 0x%x, want 0x%x", got, mem.TrampolineBase)
	}
}

func TestInstall(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	if err := trampoline.Install(m); err != nil {
		t.Fatalf("failed to install: %v", err)
	}

	img := trampoline.Image()

	b, err := m.Slice(mem.TrampolineBase, len(img))
	if err != nil {
		t.Fatalf("failed to slice: %v", err)
	}

	if string(b) != string(img) {
		t.Fatalf("installed image differs from source")
	}

	// First instruction masks interrupts.
	if b[0] != 0xfa {
		t.Fatalf("got first byte 0x%02x, want cli", b[0])
	}
}

func TestImageLen(t *testing.T) {
	t.Parallel()

	if got := len(trampoline.Image()); got != 0x48 {
		t.Fatalf("got %d bytes, want 72", got)
	}
}

func TestDisasm(t *testing.T) {
	t.Parallel()

	out, err := trampoline.Disasm(mem.TrampolineBase)
	if err != nil {
		t.Fatalf("failed to disassemble: %v", err)
	}

	// Exact mnemonics depend on the decoder's syntax choices; the
	// control transfers must be in there either way.
	for _, want := range []string{"cli", "wbinvd", "hlt"} {
		if !strings.Contains(out, want) {
			t.Fatalf("disassembly is missing %q:\n%s", want, out)
		}
	}

	if !strings.Contains(out, "0x008000:") {
		t.Fatalf("disassembly should start at the load address:\n%s", out)
	}
}

func TestParamsRoundTrip(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	p := trampoline.NewParams(3, 6, 0x104000, mem.PageTableBase, 0xfff00)

	if err := trampoline.WriteParams(m, p); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	got, err := trampoline.ReadParams(m)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}

	if got.CoreID != 3 || got.APICID != 6 {
		t.Fatalf("got core=%d apic=%d, want core=3 apic=6", got.CoreID, got.APICID)
	}

	if got.StackTop != 0x104000 || got.PageTable != mem.PageTableBase {
		t.Fatalf("got stack=0x%x pt=0x%x", got.StackTop, got.PageTable)
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	// A core kicked before the sequencer published anything must
	// refuse the all-zero page.
	if _, err := trampoline.ReadParams(m); err == nil {
		t.Fatalf("zero params page should fail validation")
	}

	p := trampoline.NewParams(0, 0, 0x104000, mem.PageTableBase, 0)
	p.Magic = 0x1234

	if err := p.Validate(); err == nil {
		t.Fatalf("wrong magic should fail validation")
	}

	p = trampoline.NewParams(0, 0, 0, mem.PageTableBase, 0)
	if err := p.Validate(); err == nil {
		t.Fatalf("missing stack should fail validation")
	}

	p = trampoline.NewParams(0, 0, 0x104000, 0, 0)
	if err := p.Validate(); err == nil {
		t.Fatalf("missing page table should fail validation")
	}
}

func TestParamsRewrite(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	for core := 0; core < 4; core++ {
		p := trampoline.NewParams(core, uint32(core*2), 0x104000, mem.PageTableBase, 0)

		if err := trampoline.WriteParams(m, p); err != nil {
			t.Fatalf("core %d: failed to write: %v", core, err)
		}

		got, err := trampoline.ReadParams(m)
		if err != nil {
			t.Fatalf("core %d: failed to read: %v", core, err)
		}

		if got.CoreID != uint32(core) {
			t.Fatalf("got core %d, want %d", got.CoreID, core)
		}
	}
}
