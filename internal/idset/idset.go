// Package idset implements the rank-set algebra consumed by the rest of
// the coordinator: union, intersection, difference, membership,
// cardinality, iteration, and a canonical comma-and-range string
// encoding (e.g. "0,3-7,12"). Per spec, only this algebra is a contract;
// the backing representation is an implementation detail — here a
// github.com/bits-and-blooms/bitset, the same library used for rank/peer
// bitmaps in the Dragonfly2 scheduler retrieved alongside this spec.
package idset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Set is a set of non-negative ranks. The zero value is not usable; use
// New.
type Set struct {
	bits *bitset.BitSet
}

// New returns an empty, auto-growing Set.
func New() *Set {
	return &Set{bits: bitset.New(0)}
}

// Of returns a Set containing exactly the given ranks.
func Of(ranks ...int) *Set {
	s := New()
	for _, r := range ranks {
		s.Set(r)
	}
	return s
}

// Decode parses the canonical comma-and-range form ("0,3-7,12") into a
// Set. Both single integers and inclusive lo-hi ranges are accepted.
// The empty string decodes to the empty set.
func Decode(s string) (*Set, error) {
	out := New()
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if i := strings.IndexByte(tok, '-'); i >= 0 {
			lo, err := strconv.Atoi(tok[:i])
			if err != nil {
				return nil, fmt.Errorf("idset: invalid range %q: %w", tok, err)
			}
			hi, err := strconv.Atoi(tok[i+1:])
			if err != nil {
				return nil, fmt.Errorf("idset: invalid range %q: %w", tok, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("idset: invalid range %q: hi < lo", tok)
			}
			for r := lo; r <= hi; r++ {
				out.Set(r)
			}
		} else {
			r, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("idset: invalid rank %q: %w", tok, err)
			}
			out.Set(r)
		}
	}
	return out, nil
}

// Encode returns the canonical comma-and-range string: ascending tokens,
// each a single integer or an inclusive lo-hi range, using a range
// wherever two or more consecutive ranks are present. This is the
// lexicographically minimal representation for a given set of ranks.
func (s *Set) Encode() string {
	if s == nil || s.bits.None() {
		return ""
	}
	var b strings.Builder
	first := true
	i, ok := s.bits.NextSet(0)
	for ok {
		lo := i
		hi := i
		for {
			next, more := s.bits.NextSet(hi + 1)
			if more && next == hi+1 {
				hi = next
				continue
			}
			i, ok = next, more
			break
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		if hi > lo {
			fmt.Fprintf(&b, "%d-%d", lo, hi)
		} else {
			fmt.Fprintf(&b, "%d", lo)
		}
	}
	return b.String()
}

// Set adds rank to the set, in place.
func (s *Set) Set(rank int) {
	s.bits.Set(uint(rank))
}

// Clear removes rank from the set, in place.
func (s *Set) Clear(rank int) {
	s.bits.Clear(uint(rank))
}

// ClearAll empties the set in place, keeping its identity (used by the
// hello responder and barrier reset, which clear and reuse a Set rather
// than allocating a fresh one each round).
func (s *Set) ClearAll() {
	s.bits.ClearAll()
}

// Has reports whether rank is a member.
func (s *Set) Has(rank int) bool {
	return s.bits.Test(uint(rank))
}

// Count returns the cardinality of the set.
func (s *Set) Count() int {
	return int(s.bits.Count())
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool {
	return s.bits.None()
}

// Ranks returns the set's members in ascending order.
func (s *Set) Ranks() []int {
	out := make([]int, 0, s.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Copy returns an independent copy of s.
func (s *Set) Copy() *Set {
	return &Set{bits: s.bits.Clone()}
}

// Add unions other into s, in place.
func (s *Set) Add(other *Set) {
	if other == nil {
		return
	}
	s.bits.InPlaceUnion(other.bits)
}

// Subtract removes every member of other from s, in place.
func (s *Set) Subtract(other *Set) {
	if other == nil {
		return
	}
	s.bits.InPlaceDifference(other.bits)
}

// Equal reports whether s and other have identical membership.
func (s *Set) Equal(other *Set) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.bits.Equal(other.bits)
}

// HasIntersection reports whether s and other share any member.
func (s *Set) HasIntersection(other *Set) bool {
	if s == nil || other == nil {
		return false
	}
	return s.bits.IntersectionCardinality(other.bits) > 0
}

// Union returns a new Set containing every rank in a or b.
func Union(a, b *Set) *Set {
	return &Set{bits: a.bits.Union(b.bits)}
}

// Intersect returns a new Set containing ranks present in both a and b.
func Intersect(a, b *Set) *Set {
	return &Set{bits: a.bits.Intersection(b.bits)}
}

// Difference returns a new Set containing ranks in a but not in b.
func Difference(a, b *Set) *Set {
	return &Set{bits: a.bits.Difference(b.bits)}
}

// IsSubset reports whether every member of a is also a member of b.
func IsSubset(a, b *Set) bool {
	return Difference(a, b).IsEmpty()
}

func (s *Set) String() string { return s.Encode() }
