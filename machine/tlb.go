package machine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gosmp/gosmp/lapic"
	"github.com/gosmp/gosmp/mem"
)

var (
	errNotMapped = errors.New("virtual address not mapped")
	errMapped    = errors.New("virtual address already mapped")
	errPTFull    = errors.New("page table pool exhausted")
)

const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteAddrMask = 0x000ffffffffff000

	// Boot identity maps this much of low memory with 4 KiB pages.
	bootMapEnd = 8 << 20

	// Ranges above this many pages flush the whole TLB instead of
	// walking page by page, same cutoff Linux uses.
	//
	// https://github.com/torvalds/linux/blob/master/arch/x86/mm/tlb.c
	flushCeiling = 33
)

// PageTable is a live four level x86-64 page table inside guest
// memory, bump allocated from the fixed pool below the EBDA. Map,
// Remap and Unmap change only the tables; cores keep serving stale
// cached translations until a shootdown reaches them.
type PageTable struct {
	phys *mem.Memory
	root uint64

	mu   sync.Mutex
	next uint64
}

func newPageTable(phys *mem.Memory) (*PageTable, error) {
	pt := &PageTable{phys: phys, next: mem.PageTableBase}

	root, err := pt.alloc()
	if err != nil {
		return nil, err
	}

	pt.root = root

	for va := uint64(0); va < bootMapEnd; va += mem.PageSize {
		if err := pt.insert(va, va); err != nil {
			return nil, fmt.Errorf("boot mapping %#x: %w", va, err)
		}
	}

	return pt, nil
}

// Root is the physical address a core would load into CR3.
func (pt *PageTable) Root() uint64 {
	return pt.root
}

func (pt *PageTable) alloc() (uint64, error) {
	if pt.next >= mem.PageTableBase+mem.PageTableSize {
		return 0, errPTFull
	}

	page := pt.next
	pt.next += mem.PageSize

	b, err := pt.phys.Slice(page, mem.PageSize)
	if err != nil {
		return 0, err
	}

	for i := range b {
		b[i] = 0
	}

	return page, nil
}

func index(va uint64, level int) uint64 {
	return (va >> (12 + 9*level)) & 0x1ff
}

// Walk translates va by reading the tables, no caching.
func (pt *PageTable) Walk(va uint64) (uint64, error) {
	table := pt.root

	for level := 3; level >= 0; level-- {
		e, err := pt.phys.ReadU64(table + index(va, level)*8)
		if err != nil {
			return 0, err
		}

		if e&ptePresent == 0 {
			return 0, fmt.Errorf("%#x at level %d: %w", va, level, errNotMapped)
		}

		table = e & pteAddrMask
	}

	return table | va&(mem.PageSize-1), nil
}

// ensure returns the page table page covering va, allocating the
// intermediate levels on first touch.
func (pt *PageTable) ensure(va uint64) (uint64, error) {
	table := pt.root

	for level := 3; level >= 1; level-- {
		slot := table + index(va, level)*8

		e, err := pt.phys.ReadU64(slot)
		if err != nil {
			return 0, err
		}

		if e&ptePresent == 0 {
			page, err := pt.alloc()
			if err != nil {
				return 0, err
			}

			e = page | ptePresent | pteWritable

			if err := pt.phys.WriteU64(slot, e); err != nil {
				return 0, err
			}
		}

		table = e & pteAddrMask
	}

	return table, nil
}

func (pt *PageTable) insert(va, pa uint64) error {
	table, err := pt.ensure(va)
	if err != nil {
		return err
	}

	slot := table + index(va, 0)*8

	e, err := pt.phys.ReadU64(slot)
	if err != nil {
		return err
	}

	if e&ptePresent != 0 {
		return fmt.Errorf("%#x: %w", va, errMapped)
	}

	return pt.phys.WriteU64(slot, pa&pteAddrMask|ptePresent|pteWritable)
}

// Map establishes va -> pa. Fails if va is already mapped; use Remap
// to change an existing translation.
func (pt *PageTable) Map(va, pa uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.insert(va, pa)
}

// Remap points an existing mapping at a new frame.
func (pt *PageTable) Remap(va, pa uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.rewrite(va, func(e uint64) uint64 {
		return pa&pteAddrMask | e&^uint64(pteAddrMask)
	})
}

// Unmap removes the mapping for va.
func (pt *PageTable) Unmap(va uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.rewrite(va, func(uint64) uint64 { return 0 })
}

// lookup descends to the page table page covering va without
// allocating anything.
func (pt *PageTable) lookup(va uint64) (uint64, error) {
	table := pt.root

	for level := 3; level >= 1; level-- {
		e, err := pt.phys.ReadU64(table + index(va, level)*8)
		if err != nil {
			return 0, err
		}

		if e&ptePresent == 0 {
			return 0, fmt.Errorf("%#x at level %d: %w", va, level, errNotMapped)
		}

		table = e & pteAddrMask
	}

	return table, nil
}

func (pt *PageTable) rewrite(va uint64, f func(uint64) uint64) error {
	table, err := pt.lookup(va)
	if err != nil {
		return err
	}

	slot := table + index(va, 0)*8

	e, err := pt.phys.ReadU64(slot)
	if err != nil {
		return err
	}

	if e&ptePresent == 0 {
		return fmt.Errorf("%#x: %w", va, errNotMapped)
	}

	return pt.phys.WriteU64(slot, f(e))
}

// translate resolves va through the core's private TLB, filling it
// from the tables on a miss. Only the owning thread touches the cache.
func (c *Core) translate(m *Machine, va uint64) (uint64, error) {
	page := va &^ uint64(mem.PageSize-1)

	if frame, ok := c.tlb[page]; ok {
		return frame | va&(mem.PageSize-1), nil
	}

	pa, err := m.pt.Walk(va)
	if err != nil {
		return 0, err
	}

	c.tlb[page] = pa &^ uint64(mem.PageSize-1)

	return pa, nil
}

func (c *Core) flushLocal(start, end uint64) {
	if (end-start)>>12 > flushCeiling {
		clear(c.tlb)
		return
	}

	for page := start &^ uint64(mem.PageSize-1); page < end; page += mem.PageSize {
		delete(c.tlb, page)
	}
}

// Translate resolves va on the calling core, or walks the tables
// directly when called off core.
func (m *Machine) Translate(va uint64) (uint64, error) {
	if b, ok := m.store.TryCurrent(); ok {
		return m.cores[b.ID].translate(m, va)
	}

	return m.pt.Walk(va)
}

// ReadVirt reads a word through the caller's translation of va. A
// stale TLB entry reads the old frame; that is the point.
func (m *Machine) ReadVirt(va uint64) (uint64, error) {
	pa, err := m.Translate(va)
	if err != nil {
		return 0, err
	}

	return m.mem.ReadU64(pa)
}

// WriteVirt writes a word through the caller's translation of va.
func (m *Machine) WriteVirt(va, val uint64) error {
	pa, err := m.Translate(va)
	if err != nil {
		return err
	}

	return m.mem.WriteU64(pa, val)
}

// flushReq is one shootdown in flight. Acks are a per core bitmask so
// a replayed vector cannot count the same core twice.
type flushReq struct {
	start, end uint64
	acks       [4]atomic.Uint64
	pending    atomic.Int32
}

func (r *flushReq) ack(core int) {
	w, bit := core/64, uint(core%64)

	for {
		old := r.acks[w].Load()
		if old&(1<<bit) != 0 {
			return
		}

		if r.acks[w].CompareAndSwap(old, old|1<<bit) {
			r.pending.Add(-1)
			return
		}
	}
}

func (m *Machine) handleFlush(c *Core) {
	req := m.flush.Load()
	if req == nil {
		return
	}

	c.flushLocal(req.start, req.end)
	req.ack(c.id)
}

// FlushRange invalidates [va, va+size) on every online core and
// returns once all of them have acknowledged. Call it after changing
// the tables; until then other cores legitimately serve the old
// translation.
func (m *Machine) FlushRange(va, size uint64) error {
	return m.shootdown(va, va+size)
}

// FlushAll empties every online core's TLB.
func (m *Machine) FlushAll() error {
	return m.shootdown(0, ^uint64(0))
}

// shootdown publishes the request, raises the flush vector on every
// other online core and spins for the ack mask to fill. One shootdown
// runs at a time; the caller flushes its own core inline.
//
// The lock is taken with a polling spin, not a blocking wait: a core
// queueing behind another shootdown must keep answering that one or
// neither would finish.
func (m *Machine) shootdown(start, end uint64) error {
	for !m.flushMu.TryLock() {
		if m.down() {
			return errHalted
		}

		m.Poll()
		runtime.Gosched()
	}
	defer m.flushMu.Unlock()

	self := -1
	if b, ok := m.store.TryCurrent(); ok {
		self = b.ID
	}

	req := &flushReq{start: start, end: end}

	ids := m.cpus.OnlineIDs()

	others := 0
	for _, id := range ids {
		if id != self {
			others++
		}
	}

	req.pending.Store(int32(others))
	m.flush.Store(req)

	for _, id := range ids {
		if id == self {
			m.cores[id].flushLocal(start, end)
			continue
		}

		if err := m.bus.Send(m.cores[id].apicID, lapic.VecTLBFlush); err != nil {
			m.flush.Store(nil)
			return err
		}
	}

	for req.pending.Load() > 0 {
		if m.down() {
			m.flush.Store(nil)
			return errHalted
		}

		m.Poll()
		runtime.Gosched()
	}

	m.flush.Store(nil)

	return nil
}
