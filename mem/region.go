package mem

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errRegionOutside = errors.New("region does not fit inside its parent")
	errRegionOverlap = errors.New("region overlaps an existing one")
)

// Region names a range of the physical address space. Children must nest
// inside their parent and must not overlap each other.
type Region struct {
	Name     string
	Start    uint64
	Size     uint64
	children []*Region
}

func NewRegion(name string, start, size uint64) *Region {
	return &Region{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (r *Region) End() uint64 {
	return r.Start + r.Size
}

func (r *Region) Contains(o *Region) bool {
	return o.Start >= r.Start && o.End() <= r.End()
}

func (r *Region) Overlaps(o *Region) bool {
	return o.Start < r.End() && r.Start < o.End()
}

func (r *Region) Add(child *Region) error {
	if !r.Contains(child) {
		return fmt.Errorf("%s in %s: %w", child.Name, r.Name, errRegionOutside)
	}

	for _, c := range r.children {
		if c.Overlaps(child) {
			return fmt.Errorf("%s against %s: %w", child.Name, c.Name, errRegionOverlap)
		}
	}

	r.children = append(r.children, child)

	return nil
}

// Lookup returns the deepest region containing addr, or nil.
func (r *Region) Lookup(addr uint64) *Region {
	if addr < r.Start || addr >= r.End() {
		return nil
	}

	for _, c := range r.children {
		if d := c.Lookup(addr); d != nil {
			return d
		}
	}

	return r
}

func (r *Region) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x)", r.Name, r.Start, r.End())
}

// Tree renders the region and everything nested under it, one per line,
// indented by depth.
func (r *Region) Tree() string {
	var sb strings.Builder

	r.tree(&sb, 0)

	return sb.String()
}

func (r *Region) tree(sb *strings.Builder, depth int) {
	fmt.Fprintf(sb, "%*s%s\n", depth*2, "", r)

	for _, c := range r.children {
		c.tree(sb, depth+1)
	}
}
