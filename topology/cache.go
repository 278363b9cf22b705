package topology

import (
	"fmt"

	"github.com/gosmp/gosmp/cpuid"
)

// CacheKind is the cache type field of leaf 0x4 EAX[4:0].
type CacheKind int

const (
	CacheNull CacheKind = iota
	CacheData
	CacheInstruction
	CacheUnified
)

func (k CacheKind) String() string {
	switch k {
	case CacheNull:
		return "null"
	case CacheData:
		return "data"
	case CacheInstruction:
		return "instruction"
	case CacheUnified:
		return "unified"
	}

	return fmt.Sprintf("CacheKind(%d)", int(k))
}

// Cache describes one cache from the deterministic cache parameter leaf.
// SharedBy is the maximum number of logical processors sharing one
// instance of the cache.
type Cache struct {
	Level      int
	Kind       CacheKind
	SharedBy   uint32
	Ways       uint32
	Partitions uint32
	LineSize   uint32
	Sets       uint32
}

// Size returns the cache capacity in bytes.
func (c Cache) Size() uint64 {
	return uint64(c.Ways) * uint64(c.Partitions) *
		uint64(c.LineSize) * uint64(c.Sets)
}

func (c Cache) String() string {
	return fmt.Sprintf("L%d %s %dKiB, %d-way, %dB line, shared by %d",
		c.Level, c.Kind, c.Size()/1024, c.Ways, c.LineSize, c.SharedBy)
}

// Caches enumerates the subleaves of function 0x4 until a null entry.
func Caches(t *cpuid.Table) []Cache {
	var caches []Cache

	for idx := uint32(0); ; idx++ {
		leaf, ok := t.Lookup(0x4, idx)
		if !ok {
			break
		}

		kind := CacheKind(leaf.EAX & 0x1f)
		if kind == CacheNull {
			break
		}

		caches = append(caches, Cache{
			Level:      int((leaf.EAX >> 5) & 0x7),
			Kind:       kind,
			SharedBy:   ((leaf.EAX >> 14) & 0xfff) + 1,
			LineSize:   (leaf.EBX & 0xfff) + 1,
			Partitions: ((leaf.EBX >> 12) & 0x3ff) + 1,
			Ways:       ((leaf.EBX >> 22) & 0x3ff) + 1,
			Sets:       leaf.ECX + 1,
		})
	}

	return caches
}
