package machine_test

import (
	"bytes"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gosmp/gosmp/cpus"
	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/machine"
	"github.com/gosmp/gosmp/mem"
)

func testConfig(shape firmware.Shape) machine.Config {
	return machine.Config{
		Shape:   shape,
		MemSize: 8 << 20,
		Settle:  500 * time.Microsecond,
		Timings: machine.Timings{
			InitHold:     2 * time.Millisecond,
			SIPIGap:      100 * time.Microsecond,
			ReadyTimeout: 2 * time.Second,
			ReadyPoll:    100 * time.Microsecond,
		},
	}
}

func newMachine(t *testing.T, cfg machine.Config) *machine.Machine {
	t.Helper()

	m, err := machine.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = m.Shutdown() })

	return m
}

func bootMachine(t *testing.T, cfg machine.Config) *machine.Machine {
	t.Helper()

	m := newMachine(t, cfg)

	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	return m
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(200 * time.Microsecond)
	}

	t.Fatal(msg)
}

func TestBootAllCores(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 2}
	m := bootMachine(t, testConfig(shape))

	if got, want := m.Registry().OnlineCount(), 4; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}

	if got, want := m.Source(), "acpi"; got != want {
		t.Fatalf("discovery source = %q, want %q", got, want)
	}

	seen := map[string]bool{}
	for _, rec := range m.Registry().Snapshot() {
		if rec.State != cpus.Online {
			t.Fatalf("core %d state = %s, want online", rec.ID, rec.State)
		}

		if seen[rec.Where.String()] {
			t.Fatalf("two cores share topology position %s", rec.Where)
		}
		seen[rec.Where.String()] = true
	}
}

func TestBootSingleCore(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 1, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	if got, want := m.Registry().OnlineCount(), 1; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}

	if !m.Registry().BSP().BSP {
		t.Fatal("sole core is not the bootstrap processor")
	}
}

func TestWedgedCoreGoesOffline(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 4, ThreadsPerCore: 1}

	cfg := testConfig(shape)
	cfg.Wedge = []uint32{2}
	cfg.Timings.ReadyTimeout = 250 * time.Millisecond

	m := bootMachine(t, cfg)

	if got, want := m.Registry().OnlineCount(), 3; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}

	rec, err := m.Registry().ByAPICID(2)
	if err != nil {
		t.Fatalf("ByAPICID: %v", err)
	}

	if got, want := rec.State, cpus.Offline; got != want {
		t.Fatalf("wedged core state = %s, want %s", got, want)
	}

	// The first STARTUP latches unread, the second is dropped.
	st, err := m.Stats(rec.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if st.DroppedStartups == 0 {
		t.Fatal("no dropped STARTUP recorded for the wedged core")
	}
}

func TestDisabledCoreNeverEnumerated(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 4, ThreadsPerCore: 1}

	cfg := testConfig(shape)
	cfg.Disabled = []uint32{3}

	m := bootMachine(t, cfg)

	// A fused-off core has no record at all, unlike a wedged one.
	if got, want := m.Registry().Count(), 3; got != want {
		t.Fatalf("discovered = %d, want %d", got, want)
	}

	if got, want := m.Registry().OnlineCount(), 3; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}

	if _, err := m.Registry().ByAPICID(3); err == nil {
		t.Fatal("disabled core has a registry record")
	}

	bad := testConfig(shape)
	bad.Disabled = []uint32{shape.BSP()}

	if _, err := machine.New(bad); err == nil {
		t.Fatal("disabling the bootstrap processor should fail")
	}
}

func TestCallRunsExactlyOnceEverywhere(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 4, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	counts := make([]atomic.Int32, 4)

	if err := m.CallAll(func(core int) { counts[core].Add(1) }); err != nil {
		t.Fatalf("CallAll: %v", err)
	}

	for i := range counts {
		if got := counts[i].Load(); got != 1 {
			t.Fatalf("core %d ran the call %d times, want 1", i, got)
		}
	}

	if err := m.CallOn([]int{1, 2}, func(core int) { counts[core].Add(1) }); err != nil {
		t.Fatalf("CallOn: %v", err)
	}

	want := []int32{1, 2, 2, 1}
	for i := range counts {
		if got := counts[i].Load(); got != want[i] {
			t.Fatalf("core %d ran %d calls, want %d", i, got, want[i])
		}
	}
}

func TestNestedCrossCallsDoNotDeadlock(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 4, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	var inner atomic.Int32

	// Every core simultaneously calls every other core. The waiters
	// must keep servicing their own queues or this wedges solid.
	err := m.CallAll(func(core int) {
		if err := m.CallOthers(func(int) { inner.Add(1) }); err != nil {
			t.Errorf("core %d: CallOthers: %v", core, err)
		}
	})
	if err != nil {
		t.Fatalf("CallAll: %v", err)
	}

	if got, want := inner.Load(), int32(4*3); got != want {
		t.Fatalf("inner calls = %d, want %d", got, want)
	}
}

func TestCallOnNotOnlineCore(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}

	cfg := testConfig(shape)
	cfg.Wedge = []uint32{1}
	cfg.Timings.ReadyTimeout = 250 * time.Millisecond

	m := bootMachine(t, cfg)

	rec, err := m.Registry().ByAPICID(1)
	if err != nil {
		t.Fatalf("ByAPICID: %v", err)
	}

	if err := m.CallOn([]int{rec.ID}, func(int) {}); err == nil {
		t.Fatal("expected an error calling an offline core")
	}

	if err := m.CallOn([]int{99}, func(int) {}); err == nil {
		t.Fatal("expected an error calling an unknown core")
	}
}

func TestCallOnAsyncCompletesEventually(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 4, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	var ran atomic.Int32

	if err := m.CallOnAsync([]int{1, 2, 3}, func(int) { ran.Add(1) }); err != nil {
		t.Fatalf("CallOnAsync: %v", err)
	}

	eventually(t, func() bool { return ran.Load() == 3 }, "async calls never ran")

	if err := m.CallOnAsync([]int{99}, func(int) {}); err == nil {
		t.Fatal("expected an error posting to an unknown core")
	}
}

func TestCallOnTimeoutExpires(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	release := make(chan struct{})

	// Wedge core 1 in a handler so the timed call behind it expires.
	if err := m.CallOnAsync([]int{1}, func(int) { <-release }); err != nil {
		t.Fatalf("CallOnAsync: %v", err)
	}

	var ran atomic.Int32

	err := m.CallOnTimeout([]int{1}, func(int) { ran.Add(1) }, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout against a stuck core")
	}

	// The request was not revoked; the core runs it once it unsticks.
	close(release)

	eventually(t, func() bool { return ran.Load() == 1 }, "queued call never ran")
}

func TestKick(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	if err := m.Kick(1); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	eventually(t, func() bool {
		st, err := m.Stats(1)
		return err == nil && st.Resched == 1
	}, "reschedule vector never arrived")
}

func TestUsageAndVectorCounters(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	if err := m.CallOn([]int{1}, func(int) { time.Sleep(time.Millisecond) }); err != nil {
		t.Fatalf("CallOn: %v", err)
	}

	st, err := m.Stats(1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if st.Interrupts == 0 || st.IPIs == 0 {
		t.Fatalf("interrupts = %d, ipis = %d, want both nonzero", st.Interrupts, st.IPIs)
	}

	if st.Idle == 0 {
		t.Fatal("no idle time accrued before the call arrived")
	}

	// Busy is charged when the drain pass ends, possibly after CallOn
	// already returned.
	eventually(t, func() bool {
		st, err := m.Stats(1)
		return err == nil && st.Busy >= time.Millisecond
	}, "handler time never charged")
}

func TestPanicHaltsEveryCore(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 3, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	m.Panic(2, "unrecoverable thing")

	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for _, rec := range m.Registry().Snapshot() {
		if rec.State != cpus.Halted {
			t.Fatalf("core %d state = %s, want halted", rec.ID, rec.State)
		}
	}

	rep := m.PanicReport()
	if rep == nil {
		t.Fatal("no panic report")
	}

	if rep.Core != 2 || rep.Msg != "unrecoverable thing" {
		t.Fatalf("report = core %d %q", rep.Core, rep.Msg)
	}

	// Second panic must not replace the first report.
	m.Panic(0, "aftershock")

	if got := m.PanicReport().Core; got != 2 {
		t.Fatalf("report core = %d after second panic, want 2", got)
	}

	if err := m.CallOn([]int{0}, func(int) {}); err == nil {
		t.Fatal("expected an error calling into a halted machine")
	}
}

func TestSynchronizeReturnsAfterPanic(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	m.Panic(0, "fatal")

	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// Cores reported quiescent on the way down, and a fresh grace
	// period has no online cores to wait for.
	done := make(chan struct{})

	go func() {
		m.RCU().Synchronize()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Synchronize hung against a halted machine")
	}
}

func TestTLBStaleUntilShootdown(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	const (
		va     = uint64(0x500000)
		frame2 = uint64(0x600000)
		mark1  = uint64(0x1111111111111111)
		mark2  = uint64(0x2222222222222222)
	)

	// Identity boot mapping: va still points at its own frame.
	if err := m.Mem().WriteU64(va, mark1); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}

	if err := m.Mem().WriteU64(frame2, mark2); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}

	readOn := func(core int) uint64 {
		var got atomic.Uint64

		err := m.CallOn([]int{core}, func(int) {
			v, err := m.ReadVirt(va)
			if err != nil {
				t.Errorf("core %d: ReadVirt: %v", core, err)
				return
			}

			got.Store(v)
		})
		if err != nil {
			t.Fatalf("CallOn: %v", err)
		}

		return got.Load()
	}

	if got := readOn(0); got != mark1 {
		t.Fatalf("core 0 read %#x, want %#x", got, mark1)
	}

	if err := m.PageTable().Remap(va, frame2); err != nil {
		t.Fatalf("Remap: %v", err)
	}

	// No shootdown yet: core 0 serves its cached translation, core 1
	// walks the updated tables cold.
	if got := readOn(0); got != mark1 {
		t.Fatalf("core 0 read %#x before shootdown, want stale %#x", got, mark1)
	}

	if got := readOn(1); got != mark2 {
		t.Fatalf("core 1 read %#x, want %#x", got, mark2)
	}

	if err := m.FlushRange(va, mem.PageSize); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}

	if got := readOn(0); got != mark2 {
		t.Fatalf("core 0 read %#x after shootdown, want %#x", got, mark2)
	}
}

func TestMapUnmap(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 1, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	const (
		va    = uint64(0x40000000)
		frame = uint64(0x700000)
	)

	if _, err := m.Translate(va); err == nil {
		t.Fatal("expected a walk failure before mapping")
	}

	if err := m.PageTable().Map(va, frame); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := m.PageTable().Map(va, frame); err == nil {
		t.Fatal("double map did not fail")
	}

	pa, err := m.Translate(va + 0x123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if want := frame + 0x123; pa != want {
		t.Fatalf("Translate = %#x, want %#x", pa, want)
	}

	// A write through the mapping lands in the backing frame.
	if err := m.WriteVirt(va+8, 0xdead); err != nil {
		t.Fatalf("WriteVirt: %v", err)
	}

	got, err := m.Mem().ReadU64(frame + 8)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}

	if got != 0xdead {
		t.Fatalf("frame word = %#x, want 0xdead", got)
	}

	if err := m.PageTable().Unmap(va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if _, err := m.Translate(va); err == nil {
		t.Fatal("translation survived unmap and shootdown")
	}
}

func TestQuiescenceDeferredUntilReadSectionCloses(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	r := m.RCU()

	started := make(chan struct{})
	synced := make(chan struct{})

	var release, unlocked atomic.Bool

	callErr := make(chan error, 1)

	go func() {
		callErr <- m.CallOn([]int{0}, func(int) {
			r.ReadLock()
			close(started)

			for !release.Load() {
				m.Poll()
				runtime.Gosched()
			}

			r.ReadUnlock()
			unlocked.Store(true)
		})
	}()

	<-started

	go func() {
		r.Synchronize()
		close(synced)
	}()

	select {
	case <-synced:
		t.Fatal("Synchronize finished while core 0 held a read section")
	case <-time.After(50 * time.Millisecond):
	}

	release.Store(true)

	select {
	case <-synced:
	case <-time.After(3 * time.Second):
		t.Fatal("Synchronize stuck after the read section closed")
	}

	if !unlocked.Load() {
		t.Fatal("grace period ended before the reader unlocked")
	}

	if err := <-callErr; err != nil {
		t.Fatalf("CallOn: %v", err)
	}
}

func TestDump(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}
	m := bootMachine(t, testConfig(shape))

	var buf bytes.Buffer
	if err := m.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"online", "pkg0/core1/smt0", "page table root", "acpi"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump is missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := m.DumpTrampoline(&buf); err != nil {
		t.Fatalf("DumpTrampoline: %v", err)
	}

	if !strings.Contains(buf.String(), "cli") {
		t.Fatalf("trampoline listing is missing the cli:\n%s", buf.String())
	}

	buf.Reset()
	if err := m.DumpWalk(&buf, 0x500000); err != nil {
		t.Fatalf("DumpWalk: %v", err)
	}

	if !strings.Contains(buf.String(), "PML4") || !strings.Contains(buf.String(), "-> 0x500000") {
		t.Fatalf("page walk output unexpected:\n%s", buf.String())
	}
}

func TestTimerTicks(t *testing.T) {
	t.Parallel()

	shape := firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1}

	cfg := testConfig(shape)
	cfg.Timer = 2 * time.Millisecond

	m := bootMachine(t, cfg)

	eventually(t, func() bool {
		for id := 0; id < 2; id++ {
			st, err := m.Stats(id)
			if err != nil || st.Ticks < 2 {
				return false
			}
		}

		return true
	}, "timer vectors never fired")
}
