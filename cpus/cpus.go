package cpus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gosmp/gosmp/cpuid"
	"github.com/gosmp/gosmp/topology"
)

var (
	errNoCPUs        = errors.New("registry needs at least one cpu")
	errTooManyCPUs   = errors.New("more cpus than the registry supports")
	errUnknownCPU    = errors.New("no such cpu")
	errDuplicateAPIC = errors.New("duplicate APIC ID")
	errNoBSP         = errors.New("exactly one cpu must be the bootstrap processor")
	errBadTransition = errors.New("invalid state transition")
)

// MaxCores is the xAPIC addressing limit.
const MaxCores = 255

// State is the lifecycle of one processor. The only legal moves are
// Offline -> Booting -> Online -> Halted, with Booting -> Offline when
// startup times out. Halted is terminal.
type State uint32

const (
	Offline State = iota
	Booting
	Online
	Halted
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Booting:
		return "booting"
	case Online:
		return "online"
	case Halted:
		return "halted"
	}

	return fmt.Sprintf("State(%d)", uint32(s))
}

func (s State) canBecome(next State) bool {
	switch {
	case s == Offline && next == Booting:
	case s == Booting && next == Online:
	case s == Booting && next == Offline:
	case s == Online && next == Halted:
	default:
		return false
	}

	return true
}

// Record is everything discovery learned about one processor. ID is the
// dense index used everywhere else in the machine; APICID is what the
// interrupt fabric addresses. NUMANode is the memory node the core is
// closest to, derived from its package.
type Record struct {
	ID       int
	APICID   uint32
	BSP      bool
	State    State
	Where    topology.ID
	NUMANode int
	Table    *cpuid.Table
}

// Registry holds the processor records. States move under one mutex;
// the online count is additionally kept in an atomic so spin loops can
// watch it without taking the lock.
type Registry struct {
	mu     sync.Mutex
	recs   []Record
	byAPIC map[uint32]int
	online atomic.Int32
}

// New builds a registry from discovery output. Records are renumbered
// densely in the given order and all start Offline.
func New(records []Record) (*Registry, error) {
	if len(records) == 0 {
		return nil, errNoCPUs
	}

	if len(records) > MaxCores {
		return nil, fmt.Errorf("%d: %w", len(records), errTooManyCPUs)
	}

	r := &Registry{
		recs:   make([]Record, len(records)),
		byAPIC: make(map[uint32]int, len(records)),
	}

	bsps := 0

	for i, rec := range records {
		if _, ok := r.byAPIC[rec.APICID]; ok {
			return nil, fmt.Errorf("apic id %d: %w", rec.APICID, errDuplicateAPIC)
		}

		if rec.BSP {
			bsps++
		}

		rec.ID = i
		rec.State = Offline
		r.recs[i] = rec
		r.byAPIC[rec.APICID] = i
	}

	if bsps != 1 {
		return nil, fmt.Errorf("found %d: %w", bsps, errNoBSP)
	}

	return r, nil
}

func (r *Registry) Count() int {
	return len(r.recs)
}

// Record returns a copy; the registry's own state can only move through
// the Mark calls.
func (r *Registry) Record(id int) (Record, error) {
	if id < 0 || id >= len(r.recs) {
		return Record{}, fmt.Errorf("cpu %d: %w", id, errUnknownCPU)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recs[id], nil
}

func (r *Registry) ByAPICID(apic uint32) (Record, error) {
	id, ok := r.byAPIC[apic]
	if !ok {
		return Record{}, fmt.Errorf("apic id %d: %w", apic, errUnknownCPU)
	}

	return r.Record(id)
}

// BSP returns the bootstrap processor's record.
func (r *Registry) BSP() Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.recs {
		if r.recs[i].BSP {
			return r.recs[i]
		}
	}

	// New guarantees one exists.
	return Record{}
}

func (r *Registry) State(id int) State {
	rec, err := r.Record(id)
	if err != nil {
		return Offline
	}

	return rec.State
}

func (r *Registry) mark(id int, next State) error {
	if id < 0 || id >= len(r.recs) {
		return fmt.Errorf("cpu %d: %w", id, errUnknownCPU)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.recs[id].State
	if !cur.canBecome(next) {
		return fmt.Errorf("cpu %d: %v -> %v: %w", id, cur, next, errBadTransition)
	}

	r.recs[id].State = next

	switch {
	case next == Online:
		r.online.Add(1)
	case cur == Online:
		r.online.Add(-1)
	}

	return nil
}

func (r *Registry) MarkBooting(id int) error { return r.mark(id, Booting) }
func (r *Registry) MarkOnline(id int) error  { return r.mark(id, Online) }
func (r *Registry) MarkOffline(id int) error { return r.mark(id, Offline) }
func (r *Registry) MarkHalted(id int) error  { return r.mark(id, Halted) }

// OnlineCount is safe to poll from a spin loop.
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}

// OnlineIDs returns the dense IDs of the online processors in
// increasing order.
func (r *Registry) OnlineIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int

	for i := range r.recs {
		if r.recs[i].State == Online {
			ids = append(ids, i)
		}
	}

	return ids
}

// Snapshot copies every record for reporting.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.recs))
	copy(out, r.recs)

	return out
}
