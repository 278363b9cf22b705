package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosmp/gosmp/firmware"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseShape parses a topology string as packages x cores x threads, for
// example "2x8x2". A plain count n is shorthand for one package of n
// single-thread cores.
func ParseShape(s string) (firmware.Shape, error) {
	parts := strings.Split(s, "x")

	dims := make([]int, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return firmware.Shape{}, fmt.Errorf("%q: can't parse as PxCxT: %w", s, err)
		}

		dims = append(dims, n)
	}

	switch len(dims) {
	case 1:
		return firmware.Shape{Packages: 1, CoresPerPackage: dims[0], ThreadsPerCore: 1}, nil
	case 3:
		return firmware.Shape{
			Packages:        dims[0],
			CoresPerPackage: dims[1],
			ThreadsPerCore:  dims[2],
		}, nil
	}

	return firmware.Shape{}, fmt.Errorf("%q: can't parse as PxCxT: %w", s, strconv.ErrSyntax)
}
