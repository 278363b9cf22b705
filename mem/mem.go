package mem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	errTooSmall        = errors.New("physical memory below minimum size")
	errUnaligned       = errors.New("physical memory size not page aligned")
	errOutOfRange      = errors.New("access outside physical memory")
	errStacksExhausted = errors.New("startup stack area exhausted")
)

const (
	// Poison is an instruction sequence that should force a fault.
	// It fills memory to make catching wild jumps easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	PageSize = 0x1000

	// Low memory layout. The trampoline page index is the STARTUP
	// vector, so it must stay under 1MiB on a page boundary.
	ParamsBase     = 0x7000
	TrampolineBase = 0x8000
	PageTableBase  = 0x30000
	PageTableSize  = 0x10000
	MPCBase        = 0x9f000
	EBDABase       = 0x9fc00
	ACPIBase       = 0xe0000
	ACPISize       = 0x20000
	HighMemBase    = 0x100000

	// Startup stacks are carved from the bottom of high memory,
	// one fixed-size slot per core.
	StackSize     = 16 * 1024
	StackAreaBase = HighMemBase
	stackAreaSize = 128 * StackSize

	MinSize = 8 << 20
)

// Memory is the emulated physical address space: one anonymous mapping
// holding every firmware table, page table and startup stack the machine
// uses.
type Memory struct {
	buf        []byte
	layout     *Region
	nextStack  int
	stackLimit int
}

func New(size int) (*Memory, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%d bytes: %w", size, errTooSmall)
	}

	if size%PageSize != 0 {
		return nil, fmt.Errorf("%d bytes: %w", size, errUnaligned)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap phys memory: %w", err)
	}

	// Poison memory.
	// 0 is a valid instruction and if you start running in the middle
	// of all those 0's it is impossible to diagnose.
	for i := HighMemBase; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	m := &Memory{
		buf:        buf,
		nextStack:  0,
		stackLimit: stackAreaSize / StackSize,
	}

	if err := m.buildLayout(size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Memory) buildLayout(size int) error {
	m.layout = NewRegion("phys-ram", 0, uint64(size))

	for _, r := range []*Region{
		NewRegion("params", ParamsBase, PageSize),
		NewRegion("trampoline", TrampolineBase, PageSize),
		NewRegion("page-tables", PageTableBase, PageTableSize),
		NewRegion("mp-config", MPCBase, EBDABase-MPCBase),
		NewRegion("ebda", EBDABase, 0x400),
		NewRegion("acpi", ACPIBase, ACPISize),
		NewRegion("ap-stacks", StackAreaBase, stackAreaSize),
	} {
		if err := m.layout.Add(r); err != nil {
			return fmt.Errorf("layout %s: %w", r.Name, err)
		}
	}

	return nil
}

func (m *Memory) Size() int {
	return len(m.buf)
}

func (m *Memory) Layout() *Region {
	return m.layout
}

// Slice returns a window into physical memory. Writes through it are
// visible to every core immediately; coherence is the caller's problem.
func (m *Memory) Slice(addr uint64, size int) ([]byte, error) {
	if size < 0 || addr > uint64(len(m.buf)) || addr+uint64(size) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("0x%x+0x%x: %w", addr, size, errOutOfRange)
	}

	return m.buf[addr : addr+uint64(size)], nil
}

func (m *Memory) ReadU64(addr uint64) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) WriteU64(addr, val uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, val)

	return nil
}

// AllocStack hands out the next startup stack slot and returns its top.
// Stacks grow down, so the top is the first byte past the slot. The slot
// is zeroed to clear the poison fill.
func (m *Memory) AllocStack() (uint64, error) {
	if m.nextStack >= m.stackLimit {
		return 0, errStacksExhausted
	}

	base := uint64(StackAreaBase + m.nextStack*StackSize)
	m.nextStack++

	b, err := m.Slice(base, StackSize)
	if err != nil {
		return 0, err
	}

	for i := range b {
		b[i] = 0
	}

	return base + StackSize, nil
}

func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}
