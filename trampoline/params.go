package trampoline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gosmp/gosmp/mem"
)

var (
	errBadMagic     = errors.New("params block magic mismatch")
	errBadStack     = errors.New("params block has no stack")
	errBadPageTable = errors.New("params block has no page table root")
)

// paramsMagic reads "GSMP" in a little-endian dump.
const paramsMagic = 0x504d5347

// Params is the handoff block a starting core reads from its fixed
// page: which core it is, where its stack is, and which page table
// root to load. The sequencer rewrites the block for every core it
// kicks, which is safe only because bring-up is one core at a time.
type Params struct {
	Magic     uint32
	CoreID    uint32
	APICID    uint32
	_         uint32
	StackTop  uint64
	PageTable uint64
	Entry     uint64
}

func NewParams(coreID int, apicID uint32, stackTop, pageTable, entry uint64) *Params {
	return &Params{
		Magic:     paramsMagic,
		CoreID:    uint32(coreID),
		APICID:    apicID,
		StackTop:  stackTop,
		PageTable: pageTable,
		Entry:     entry,
	}
}

func (p *Params) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, p); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Validate is what a fresh core checks before trusting the block.
func (p *Params) Validate() error {
	if p.Magic != paramsMagic {
		return fmt.Errorf("0x%08x: %w", p.Magic, errBadMagic)
	}

	if p.StackTop == 0 {
		return errBadStack
	}

	if p.PageTable == 0 {
		return errBadPageTable
	}

	return nil
}

// WriteParams publishes the block for the next core to boot.
func WriteParams(m *mem.Memory, p *Params) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}

	b, err := m.Slice(mem.ParamsBase, len(data))
	if err != nil {
		return fmt.Errorf("writing params: %w", err)
	}

	copy(b, data)

	return nil
}

// ReadParams is the core-side read of the handoff block.
func ReadParams(m *mem.Memory) (*Params, error) {
	p := &Params{}

	b, err := m.Slice(mem.ParamsBase, binary.Size(p))
	if err != nil {
		return nil, fmt.Errorf("reading params: %w", err)
	}

	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, p); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
