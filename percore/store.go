package percore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	errNoBlocks      = errors.New("store needs at least one core")
	errUnknownCore   = errors.New("no such core")
	errCoreBound     = errors.New("core already bound to a thread")
	errThreadBound   = errors.New("thread already bound to a core")
	errThreadUnknown = errors.New("thread not bound to a core")
)

type tidMap map[int]*Block

// Store resolves "which core am I" in O(1) without locks. Core threads
// bind their OS thread ID once at startup; lookups then read an
// immutable map swapped out copy-on-write on the rare mutation, so the
// hot path is one atomic load and one map read.
type Store struct {
	blocks []*Block

	mu    sync.Mutex
	byTID atomic.Pointer[tidMap]
}

func NewStore(n int) (*Store, error) {
	if n < 1 {
		return nil, errNoBlocks
	}

	s := &Store{blocks: make([]*Block, n)}

	for i := range s.blocks {
		s.blocks[i] = &Block{ID: i}
	}

	m := tidMap{}
	s.byTID.Store(&m)

	return s, nil
}

func (s *Store) Len() int {
	return len(s.blocks)
}

// Block returns the state of one core by dense ID.
func (s *Store) Block(id int) (*Block, error) {
	if id < 0 || id >= len(s.blocks) {
		return nil, fmt.Errorf("core %d: %w", id, errUnknownCore)
	}

	return s.blocks[id], nil
}

// Register binds the calling thread to core id. The caller must have
// pinned the goroutine with runtime.LockOSThread first, otherwise the
// thread ID below is meaningless by the next preemption.
func (s *Store) Register(id int) (*Block, error) {
	b, err := s.Block(id)
	if err != nil {
		return nil, err
	}

	tid := unix.Gettid()

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.TID != 0 {
		return nil, fmt.Errorf("core %d held by tid %d: %w", id, b.TID, errCoreBound)
	}

	old := *s.byTID.Load()
	if prev, ok := old[tid]; ok {
		return nil, fmt.Errorf("tid %d on core %d: %w", tid, prev.ID, errThreadBound)
	}

	next := make(tidMap, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	next[tid] = b
	b.TID = tid
	s.byTID.Store(&next)

	return b, nil
}

// Unregister unbinds the calling thread.
func (s *Store) Unregister() error {
	tid := unix.Gettid()

	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.byTID.Load()

	b, ok := old[tid]
	if !ok {
		return fmt.Errorf("tid %d: %w", tid, errThreadUnknown)
	}

	next := make(tidMap, len(old))
	for k, v := range old {
		if k != tid {
			next[k] = v
		}
	}

	b.TID = 0
	s.byTID.Store(&next)

	return nil
}

// Current returns the calling core's block. Calling it from a thread
// that never registered is a bug, so it panics rather than guessing.
func (s *Store) Current() *Block {
	b, ok := s.TryCurrent()
	if !ok {
		panic("percore: calling thread is not a core")
	}

	return b
}

// TryCurrent is Current for paths that may legitimately run off-core,
// like the control socket.
func (s *Store) TryCurrent() (*Block, bool) {
	b, ok := (*s.byTID.Load())[unix.Gettid()]

	return b, ok
}
