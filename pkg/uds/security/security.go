// Package security implements the seed/key functors used by
// SecurityAccess (spec.md §4.3): a common (seed uint32) -> uint32 contract
// behind which the three legacy BMW algorithms and the published "RFTX"
// algorithm are interchangeable, so the client can try them in whatever
// order configuration names (spec.md §6, security.algorithm_order).
package security

import "fmt"

// Algorithm computes a 4-byte key from a controller-issued 4-byte seed.
type Algorithm func(seed uint32) uint32

// Named is an Algorithm paired with the name configuration refers to it by.
type Named struct {
	Name    string
	Compute Algorithm
}

// legacyA, legacyB and legacyC are the three historically-named BMW
// algorithms. They are unrelated bit-mixing functions, not the
// manufacturer's real transform: the controller accepts whichever one
// happens to match, and the try-all policy exists precisely because the
// client cannot know which in advance.
func legacyA(seed uint32) uint32 {
	key := seed ^ 0x4D53_4430 // "MSD0"
	key = (key << 3) | (key >> 29)
	return key + 0x1
}

func legacyB(seed uint32) uint32 {
	key := bitReverse32(seed)
	key ^= 0xC0FF_EE11
	return key - 0x5A5A_5A5A
}

func legacyC(seed uint32) uint32 {
	lo := seed & 0xFFFF
	hi := seed >> 16
	mixed := (lo*0x41C6 + hi*0x9E37) & 0xFFFFFFFF
	return mixed ^ 0x0000_FFFF
}

// rftx is the fourth, later-published algorithm referred to as "RFTX".
func rftx(seed uint32) uint32 {
	key := seed
	for i := 0; i < 4; i++ {
		key = (key*0x01000193 + 0x811C9DC5) & 0xFFFFFFFF
	}
	return key ^ 0xFFFF_FFFF
}

// Standard returns the four named algorithms in their canonical
// declaration order. Configuration's algorithm_order picks the order a
// client actually tries them in; this slice only supplies the lookup.
func Standard() []Named {
	return []Named{
		{Name: "A", Compute: legacyA},
		{Name: "B", Compute: legacyB},
		{Name: "C", Compute: legacyC},
		{Name: "RFTX", Compute: rftx},
	}
}

// Resolve builds an ordered algorithm list from configuration names,
// erroring on any name that isn't one of the four standard algorithms.
func Resolve(order []string) ([]Named, error) {
	byName := make(map[string]Algorithm, len(Standard()))
	for _, n := range Standard() {
		byName[n.Name] = n.Compute
	}
	out := make([]Named, 0, len(order))
	for _, name := range order {
		fn, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("security: unknown algorithm %q", name)
		}
		out = append(out, Named{Name: name, Compute: fn})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("security: algorithm_order must name at least one algorithm")
	}
	return out, nil
}

func bitReverse32(v uint32) uint32 {
	var out uint32
	for i := 0; i < 32; i++ {
		out = (out << 1) | (v & 1)
		v >>= 1
	}
	return out
}
