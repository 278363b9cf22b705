package machine

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gosmp/gosmp/acpi"
	"github.com/gosmp/gosmp/cpus"
	"github.com/gosmp/gosmp/ebda"
	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/lapic"
	"github.com/gosmp/gosmp/mem"
	"github.com/gosmp/gosmp/percore"
	"github.com/gosmp/gosmp/rcu"
	"github.com/gosmp/gosmp/topology"
	"github.com/gosmp/gosmp/trampoline"
)

var (
	errNoProcessors = errors.New("no processors discovered")
	errUnknownCore  = errors.New("unknown core id")
	errNotOnline    = errors.New("core is not online")
	errHalted       = errors.New("machine is halted")
	errBSPTimeout   = errors.New("bootstrap core did not come online")
)

// entryPoint is where a kernel image would land, just above the
// startup stacks. Cores only validate it, nothing jumps there.
const entryPoint = 0x300000

type Config struct {
	Shape   firmware.Shape
	MemSize int

	// Timings control the bring-up sequencer; zero fields take the
	// defaults from DefaultTimings.
	Timings Timings

	// Settle is how long an APIC stays deaf after INIT before it
	// accepts a STARTUP. Zero means lapic.DefaultSettle. Keep it
	// well under Timings.InitHold.
	Settle time.Duration

	// Pin spreads core threads over the host CPUs with
	// sched_setaffinity.
	Pin bool

	// Timer starts a periodic timer vector on each core once it is
	// online. Zero leaves timers off.
	Timer time.Duration

	// Wedge lists APIC IDs that never answer a STARTUP, for
	// exercising the boot timeout path.
	Wedge []uint32

	// Disabled lists APIC IDs written into the firmware tables with
	// their enable bit clear, modelling fused-off cores. Discovery
	// skips them, so they get no registry record and never boot.
	Disabled []uint32
}

// Core is the per-processor execution context. One goroutine owns it
// for the machine's lifetime and is the only writer of its non-atomic
// fields. Counters live on the percore block, where remote readers
// expect them.
type Core struct {
	id       int
	apicID   uint32
	apic     *lapic.APIC
	stackTop uint64

	// set during bring-up, then only touched by the owning thread
	block    *percore.Block
	stopping bool

	calls callQueue
	tlb   map[uint64]uint64
}

type PanicReport struct {
	Core   int
	APICID uint32
	Msg    string
	Time   time.Time
}

// Machine emulates the concurrency core of an SMP system: physical
// memory with real firmware tables, one APIC and one OS thread per
// core, and the boot, IPI, RCU and TLB machinery on top.
type Machine struct {
	cfg   Config
	mem   *mem.Memory
	pt    *PageTable
	cpus  *cpus.Registry
	store *percore.Store
	bus   *lapic.Bus
	gp    *rcu.RCU

	cores    []*Core
	handlers [256]func(*Core)
	wedged   map[uint32]bool
	source   string

	flushMu sync.Mutex
	flush   atomic.Pointer[flushReq]

	panicked atomic.Pointer[PanicReport]

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	eg        errgroup.Group
}

// New builds the machine: backing memory with firmware tables and the
// trampoline installed, boot page tables, one APIC per processor, and
// the processor registry filled from what discovery reads back out of
// the tables it just wrote.
//
// Physical layout:
//
//	0x00007000  boot params handoff block
//	0x00008000  real mode trampoline
//	0x00030000  page tables, 16 pages
//	0x0009f000  MP configuration table
//	0x0009fc00  EBDA with the MP floating pointer
//	0x000e0000  ACPI region (RSDP, XSDT, MADT)
//	0x00100000  startup stacks, 16 KiB per core
//	0x00300000  kernel image would go here
func New(cfg Config) (*Machine, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, err
	}

	phys, err := mem.New(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:    cfg,
		mem:    phys,
		wedged: make(map[uint32]bool),
		stop:   make(chan struct{}),
	}

	for _, id := range cfg.Wedge {
		m.wedged[id] = true
	}

	fail := func(err error) (*Machine, error) {
		_ = phys.Close()
		return nil, err
	}

	if err := firmware.Install(phys, cfg.Shape, cfg.Disabled...); err != nil {
		return fail(fmt.Errorf("installing firmware tables: %w", err))
	}

	if err := trampoline.Install(phys); err != nil {
		return fail(err)
	}

	m.pt, err = newPageTable(phys)
	if err != nil {
		return fail(err)
	}

	apicIDs, source, err := discover(phys)
	if err != nil {
		return fail(err)
	}

	m.source = source

	records, err := describe(cfg.Shape, apicIDs)
	if err != nil {
		return fail(err)
	}

	m.cpus, err = cpus.New(records)
	if err != nil {
		return fail(err)
	}

	m.store, err = percore.NewStore(len(records))
	if err != nil {
		return fail(err)
	}

	settle := cfg.Settle
	if settle == 0 {
		settle = lapic.DefaultSettle
	}

	m.bus = lapic.NewBus(settle)

	for _, rec := range m.cpus.Snapshot() {
		apic, err := m.bus.Add(rec.APICID)
		if err != nil {
			return fail(err)
		}

		stack, err := phys.AllocStack()
		if err != nil {
			return fail(err)
		}

		m.cores = append(m.cores, &Core{
			id:       rec.ID,
			apicID:   rec.APICID,
			apic:     apic,
			stackTop: stack,
			tlb:      make(map[uint64]uint64),
		})
	}

	m.gp, err = rcu.New(m.store, rcu.Config{
		Cores: m.cpus.OnlineIDs,
		Kick:  func() { m.bus.Broadcast(lapic.VecQuiescent) },
		Poll:  m.Poll,
	})
	if err != nil {
		return fail(err)
	}

	m.installHandlers()
	m.gp.Start()

	log.Printf("machine: %d processors (%s) via %s, %d MiB",
		len(records), cfg.Shape, source, cfg.MemSize>>20)

	return m, nil
}

// discover reads the processor inventory back out of guest memory,
// ACPI first, then the MP tables, and as a last resort assumes a
// single processor.
func discover(phys *mem.Memory) ([]uint32, string, error) {
	region, err := phys.Slice(mem.ACPIBase, mem.ACPISize)
	if err != nil {
		return nil, "", err
	}

	if ids, err := discoverACPI(region); err == nil {
		return ids, "acpi", nil
	} else if !errors.Is(err, acpi.ErrNoRSDP) {
		log.Printf("machine: acpi discovery failed: %v", err)
	}

	if ids, err := discoverMP(phys); err == nil {
		return ids, "mptable", nil
	} else if !errors.Is(err, ebda.ErrNoMPF) {
		log.Printf("machine: mp table discovery failed: %v", err)
	}

	log.Printf("machine: no firmware tables found, assuming uniprocessor")

	return []uint32{0}, "none", nil
}

func discoverACPI(region []byte) ([]uint32, error) {
	rsdp, _, err := acpi.FindRSDP(region)
	if err != nil {
		return nil, err
	}

	if rsdp.XSDTAddress < mem.ACPIBase {
		return nil, fmt.Errorf("xsdt address %#x outside the acpi region", rsdp.XSDTAddress)
	}

	xsdt, err := acpi.ParseXSDT(region[rsdp.XSDTAddress-mem.ACPIBase:])
	if err != nil {
		return nil, err
	}

	for _, entry := range xsdt.Entries {
		if entry < mem.ACPIBase {
			continue
		}

		madt, err := acpi.ParseMADT(region[entry-mem.ACPIBase:])
		if err != nil {
			continue
		}

		var ids []uint32
		for _, l := range madt.LocalAPICs() {
			if l.Flags&acpi.LocalAPICEnabled != 0 {
				ids = append(ids, uint32(l.APICId))
			}
		}

		if len(ids) > 0 {
			return ids, nil
		}
	}

	return nil, errNoProcessors
}

func discoverMP(phys *mem.Memory) ([]uint32, error) {
	region, err := phys.Slice(mem.EBDABase, 0x400)
	if err != nil {
		return nil, err
	}

	mpf, _, err := ebda.ScanMPF(region)
	if err != nil {
		return nil, err
	}

	data, err := phys.Slice(uint64(mpf.PhysPtr), int(mem.EBDABase-mem.MPCBase))
	if err != nil {
		return nil, err
	}

	cfg, err := ebda.ParseMPC(data)
	if err != nil {
		return nil, err
	}

	ids := cfg.EnabledAPICIDs()
	if len(ids) == 0 {
		return nil, errNoProcessors
	}

	return ids, nil
}

// describe turns discovered APIC IDs into processor records, decoding
// each core's own CPUID view of the topology.
func describe(s firmware.Shape, apicIDs []uint32) ([]cpus.Record, error) {
	records := make([]cpus.Record, 0, len(apicIDs))

	for i, id := range apicIDs {
		table := firmware.CPUIDTable(s, id)

		info, err := topology.Decode(table)
		if err != nil {
			return nil, fmt.Errorf("apic %#x: %w", id, err)
		}

		where := info.Split(id)

		records = append(records, cpus.Record{
			ID:     i,
			APICID: id,
			BSP:    id == s.BSP(),
			Where:  where,
			// One memory node per package on this platform.
			NUMANode: int(where.Package),
			Table:    table,
		})
	}

	return records, nil
}

func (m *Machine) installHandlers() {
	// The reschedule vector is a pure doorbell; the NeedResched flag
	// set by the sender is consumed on the preempt-enable path.
	m.handlers[lapic.VecResched] = func(*Core) {}
	m.handlers[lapic.VecTimer] = m.handleTimer
	m.handlers[lapic.VecQuiescent] = m.handleQuiescent
	m.handlers[lapic.VecCallFunc] = m.handleCall
	m.handlers[lapic.VecCallFuncSingle] = m.handleCall
	m.handlers[lapic.VecTLBFlush] = m.handleFlush
	m.handlers[lapic.VecPanic] = m.handlePanic
}

func (m *Machine) handleTimer(c *Core) {
	c.block.Ticks.Add(1)
	m.gp.Nudge()
}

// handleQuiescent reports the core quiescent, or arms the deferred
// report if the vector interrupted an open read section. The deferred
// report fires from the count-to-zero hook once the section closes.
func (m *Machine) handleQuiescent(c *Core) {
	if c.block.PreemptDepth() == 0 {
		m.gp.Quiescent(c.id)
		return
	}

	c.block.MarkPending()
}

func (m *Machine) handlePanic(c *Core) {
	c.stopping = true
}

func (m *Machine) core(id int) (*Core, error) {
	if id < 0 || id >= len(m.cores) {
		return nil, fmt.Errorf("core %d: %w", id, errUnknownCore)
	}

	return m.cores[id], nil
}

// launch starts the core's goroutine. Everything after the STARTUP
// handshake runs on a locked OS thread, one per core.
func (m *Machine) launch(id int, bsp bool) {
	c := m.cores[id]

	m.eg.Go(func() error {
		return m.runCore(c, bsp)
	})
}

func (m *Machine) runCore(c *Core, bsp bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !bsp {
		var page uint8
		select {
		case page = <-c.apic.Startup():
		case <-m.stop:
			return nil
		}

		if page != trampoline.Page() {
			return fmt.Errorf("core %d: started at page %#x, want %#x",
				c.id, page, trampoline.Page())
		}

		p, err := trampoline.ReadParams(m.mem)
		if err != nil {
			return fmt.Errorf("core %d: boot params: %w", c.id, err)
		}

		if int(p.CoreID) != c.id || p.APICID != c.apicID {
			return fmt.Errorf("core %d (apic %#x): boot params are for core %d (apic %#x)",
				c.id, c.apicID, p.CoreID, p.APICID)
		}

		if p.PageTable != m.pt.Root() {
			return fmt.Errorf("core %d: boot params point at page table %#x, want %#x",
				c.id, p.PageTable, m.pt.Root())
		}

		c.stackTop = p.StackTop
	}

	b, err := m.store.Register(c.id)
	if err != nil {
		return err
	}
	defer func() { _ = m.store.Unregister() }()

	b.APICID = c.apicID
	b.OnZero = func() { m.gp.Quiescent(c.id) }
	// Nothing schedules tasks here, so a pass is just the count.
	b.OnResched = func() { b.Resched.Add(1) }
	c.block = b

	if m.cfg.Pin {
		if err := pin(c.id); err != nil {
			log.Printf("machine: core %d: pinning failed: %v", c.id, err)
		}
	}

	if err := m.cpus.MarkOnline(c.id); err != nil {
		// Lost the race against the boot timeout; stay down.
		log.Printf("machine: core %d came up after its boot window: %v", c.id, err)
		return nil
	}

	if m.cfg.Timer > 0 {
		c.apic.StartTimer(m.cfg.Timer)
		defer c.apic.StopTimer()
	}

	m.serve(c)

	return nil
}

func pin(core int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(core % runtime.NumCPU())

	return unix.SchedSetaffinity(0, &set)
}

// serve parks on the doorbell and drains the interrupt request
// register when it rings. It returns when the machine stops or a panic
// vector lands, leaving the core halted. Time parked counts as idle,
// time draining as handler time; pending reschedules are consumed by
// the enable-to-zero hook inside each dispatch.
func (m *Machine) serve(c *Core) {
	for {
		parked := time.Now()

		select {
		case <-m.stop:
			m.halt(c)
			return
		case <-c.apic.Doorbell():
			c.block.Idle.Add(uint64(time.Since(parked)))

			working := time.Now()
			c.service(m)
			c.block.Busy.Add(uint64(time.Since(working)))

			if c.stopping {
				m.halt(c)
				return
			}
		}
	}
}

// halt retires the core and reports it quiescent, so a grace period
// opened while it was alive does not wait on it forever.
func (m *Machine) halt(c *Core) {
	_ = m.cpus.MarkHalted(c.id)
	m.gp.Quiescent(c.id)
}

func (c *Core) service(m *Machine) {
	for {
		v, ok := c.apic.Take()
		if !ok {
			return
		}

		m.dispatch(c, v)
	}
}

func (m *Machine) dispatch(c *Core, v lapic.Vector) {
	c.block.IRQEnter()

	c.block.Interrupts.Add(1)

	if v != lapic.VecTimer {
		c.block.IPIs.Add(1)
	}

	if h := m.handlers[v]; h != nil {
		h(c)
	} else {
		c.block.Spurious.Add(1)
	}

	c.apic.Ack()
	c.block.IRQExit()
}

// Poll services the calling core's own pending vectors and is a no-op
// off-core. Anything that spins on another core's progress must call
// it in the loop, or two cores waiting on each other would never
// answer.
func (m *Machine) Poll() {
	b, ok := m.store.TryCurrent()
	if !ok {
		return
	}

	m.cores[b.ID].service(m)
}

func (m *Machine) down() bool {
	select {
	case <-m.stop:
		return true
	default:
	}

	return m.panicked.Load() != nil
}

// Panic records the first report, then broadcasts the panic vector so
// every core parks itself. The machine stays up for post-mortem reads
// until Shutdown.
func (m *Machine) Panic(core int, msg string) {
	c, err := m.core(core)
	if err != nil {
		return
	}

	rep := &PanicReport{
		Core:   core,
		APICID: c.apicID,
		Msg:    msg,
		Time:   time.Now(),
	}

	if !m.panicked.CompareAndSwap(nil, rep) {
		return
	}

	log.Printf("machine: panic on core %d: %s", core, msg)
	m.bus.Broadcast(lapic.VecPanic)
}

// PanicReport returns the first panic, or nil.
func (m *Machine) PanicReport() *PanicReport {
	return m.panicked.Load()
}

// Kick asks a core to reschedule: the flag first, then the vector, so
// the enable-to-zero path on the far side sees it.
func (m *Machine) Kick(id int) error {
	c, err := m.core(id)
	if err != nil {
		return err
	}

	b, err := m.store.Block(id)
	if err != nil {
		return err
	}

	b.NeedResched.Store(true)

	return m.bus.Send(c.apicID, lapic.VecResched)
}

// Shutdown stops every core, retires the grace period engine and
// releases guest memory.
func (m *Machine) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stop) })

	err := m.eg.Wait()

	m.closeOnce.Do(func() {
		// With every core halted the online set is empty, so the
		// final grace period completes without anyone to kick.
		m.closeErr = m.gp.Close()

		if cerr := m.mem.Close(); m.closeErr == nil {
			m.closeErr = cerr
		}
	})

	if err == nil {
		err = m.closeErr
	}

	return err
}

// Wait blocks until every launched core has exited, normally after a
// panic or Shutdown from elsewhere.
func (m *Machine) Wait() error {
	return m.eg.Wait()
}

func (m *Machine) Registry() *cpus.Registry { return m.cpus }
func (m *Machine) Mem() *mem.Memory        { return m.mem }
func (m *Machine) RCU() *rcu.RCU           { return m.gp }
func (m *Machine) PageTable() *PageTable   { return m.pt }
func (m *Machine) Shape() firmware.Shape   { return m.cfg.Shape }

// Source names the firmware table discovery came from.
func (m *Machine) Source() string { return m.source }

type CoreStats struct {
	Interrupts      uint64
	IPIs            uint64
	Resched         uint64
	Ticks           uint64
	Spurious        uint64
	DroppedStartups uint64

	Idle time.Duration
	Busy time.Duration

	// Depth is the core's current preempt depth, -1 if the core is
	// not bound to a thread.
	Depth int
}

func (m *Machine) Stats(id int) (CoreStats, error) {
	c, err := m.core(id)
	if err != nil {
		return CoreStats{}, err
	}

	b, err := m.store.Block(id)
	if err != nil {
		return CoreStats{}, err
	}

	st := CoreStats{
		Interrupts:      b.Interrupts.Load(),
		IPIs:            b.IPIs.Load(),
		Resched:         b.Resched.Load(),
		Ticks:           b.Ticks.Load(),
		Spurious:        b.Spurious.Load(),
		DroppedStartups: c.apic.Dropped.Load(),
		Idle:            time.Duration(b.Idle.Load()),
		Busy:            time.Duration(b.Busy.Load()),
		Depth:           -1,
	}

	if b.TID != 0 {
		st.Depth = b.PreemptDepth()
	}

	return st, nil
}
