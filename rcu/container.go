package rcu

import (
	"sync"
	"sync/atomic"
)

// Pointer publishes a value to readers that dereference it inside a
// read section. Updates swap the pointer and retire the old value
// behind a grace period.
type Pointer[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current value. Call it inside a read section and do
// not hold the result past ReadUnlock.
func (p *Pointer[T]) Load() *T {
	return p.p.Load()
}

// Store publishes v without reclaiming the previous value. Meant for
// initialization, before readers exist.
func (p *Pointer[T]) Store(v *T) {
	p.p.Store(v)
}

// Update publishes v and hands the old value to reclaim once no reader
// can still hold it.
func (p *Pointer[T]) Update(r *RCU, v *T, reclaim func(*T)) {
	old := p.p.Swap(v)

	if old != nil && reclaim != nil {
		r.Call(func() { reclaim(old) })
	}
}

type node[T any] struct {
	val  T
	next atomic.Pointer[node[T]]
}

// List is a singly linked list walked lock-free by readers. Writers
// serialize among themselves; unlinked nodes stay walkable until a
// grace period retires them, so a reader mid-walk never steps off a
// freed node.
type List[T any] struct {
	head atomic.Pointer[node[T]]
	mu   sync.Mutex
}

// Insert pushes v at the front. The node is fully built before the
// head pointer moves, so readers see either the old list or the new
// one, never a half-made node.
func (l *List[T]) Insert(v T) {
	n := &node[T]{val: v}

	l.mu.Lock()
	n.next.Store(l.head.Load())
	l.head.Store(n)
	l.mu.Unlock()
}

// Range walks the list inside the caller's read section, stopping when
// fn returns false.
func (l *List[T]) Range(fn func(T) bool) {
	for n := l.head.Load(); n != nil; n = n.next.Load() {
		if !fn(n.val) {
			return
		}
	}
}

// Remove unlinks the first element matching fn and retires it behind a
// grace period, passing the value to reclaim if non-nil. It reports
// whether anything was removed.
func (l *List[T]) Remove(r *RCU, match func(T) bool, reclaim func(T)) bool {
	l.mu.Lock()

	var prev *node[T]

	n := l.head.Load()
	for n != nil && !match(n.val) {
		prev, n = n, n.next.Load()
	}

	if n == nil {
		l.mu.Unlock()
		return false
	}

	// The removed node keeps its next pointer so readers standing on
	// it can finish their walk.
	if prev == nil {
		l.head.Store(n.next.Load())
	} else {
		prev.next.Store(n.next.Load())
	}
	l.mu.Unlock()

	val := n.val
	if reclaim != nil {
		r.Call(func() { reclaim(val) })
	}

	return true
}

// Len counts elements; read-side.
func (l *List[T]) Len() int {
	count := 0

	for n := l.head.Load(); n != nil; n = n.next.Load() {
		count++
	}

	return count
}
