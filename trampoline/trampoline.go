package trampoline

import (
	"fmt"

	"github.com/gosmp/gosmp/mem"
)

// The startup image is hand-assembled 16-bit code. A core entered via
// STARTUP begins at CS = page<<8, IP = 0 with interrupts dead: it masks
// them anyway, flushes the cache, loads a flat GDT, sets CR0.PE and far
// jumps to the 32-bit landing, which this image models as a halt. The
// descriptor table sits behind the code in the same page, so every
// displacement below is absolute against the fixed load address.
const (
	codeEnd  = 0x28 // instructions then nop padding
	gdtDesc  = 0x28
	gdtStart = 0x30
)

var image = []byte{
	0xfa,       // cli
	0x0f, 0x09, // wbinvd
	0x31, 0xc0, // xor %ax,%ax
	0x8e, 0xd8, // mov %ax,%ds
	0x8e, 0xc0, // mov %ax,%es
	0x8e, 0xd0, // mov %ax,%ss
	0x0f, 0x01, 0x16, // lgdtw gdtDesc
	byte((mem.TrampolineBase + gdtDesc) & 0xff),
	byte((mem.TrampolineBase + gdtDesc) >> 8),
	0x0f, 0x20, 0xc0, // mov %cr0,%eax
	0x0c, 0x01, // or $0x1,%al
	0x0f, 0x22, 0xc0, // mov %eax,%cr0
	0x66, 0xea, // ljmpl $0x8,$landing
	byte((mem.TrampolineBase + 0x20) & 0xff),
	byte((mem.TrampolineBase + 0x20) >> 8),
	0x00, 0x00,
	0x08, 0x00,
	0xf4,       // hlt: the landing pad
	0xeb, 0xfe, // jmp . (never reached)
	0x90, 0x90, 0x90, 0x90, 0x90, // padding to the descriptor block
	// GDT descriptor: limit 0x17, base trampoline+0x30.
	0x17, 0x00,
	byte((mem.TrampolineBase + gdtStart) & 0xff),
	byte((mem.TrampolineBase + gdtStart) >> 8),
	0x00, 0x00,
	0x00, 0x00,
	// Null descriptor.
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	// 0x08: 64-bit code, flat.
	0xff, 0xff, 0x00, 0x00, 0x00, 0x9a, 0xaf, 0x00,
	// 0x10: data, flat.
	0xff, 0xff, 0x00, 0x00, 0x00, 0x92, 0xcf, 0x00,
}

// Image returns a copy of the startup code page content.
func Image() []byte {
	out := make([]byte, len(image))
	copy(out, image)

	return out
}

// Page is the STARTUP vector: the physical page number a kicked core
// begins executing at.
func Page() uint8 {
	return mem.TrampolineBase >> 12
}

// Install writes the startup image to its fixed page.
func Install(m *mem.Memory) error {
	b, err := m.Slice(mem.TrampolineBase, len(image))
	if err != nil {
		return fmt.Errorf("installing trampoline: %w", err)
	}

	copy(b, image)

	return nil
}
