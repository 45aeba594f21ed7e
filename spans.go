package refunc

import (
	"slices"
	"sort"
)

// span is anything occupying a half-open address range.
type span interface {
	bounds() (start, end uint64)
}

// spanSet keeps non-overlapping spans ordered by start address.
type spanSet[T span] struct {
	entries []T
}

// find returns the index of the span containing addr.
func (s *spanSet[T]) find(addr uint64) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		start, _ := s.entries[i].bounds()
		return start > addr
	}) - 1
	if i < 0 {
		return 0, false
	}
	if _, end := s.entries[i].bounds(); addr < end {
		return i, true
	}
	return 0, false
}

// overlapping returns the index range [lo, hi) of spans intersecting
// [start, end).
func (s *spanSet[T]) overlapping(start, end uint64) (lo, hi int) {
	lo = sort.Search(len(s.entries), func(i int) bool {
		_, e := s.entries[i].bounds()
		return e > start
	})
	hi = lo
	for hi < len(s.entries) {
		if st, _ := s.entries[hi].bounds(); st >= end {
			break
		}
		hi++
	}
	return lo, hi
}

// insert adds v unless it intersects an existing span.
func (s *spanSet[T]) insert(v T) bool {
	start, end := v.bounds()
	if start >= end {
		return false
	}
	lo, hi := s.overlapping(start, end)
	if lo != hi {
		return false
	}
	s.entries = slices.Insert(s.entries, lo, v)
	return true
}

func (s *spanSet[T]) deleteRange(lo, hi int) {
	s.entries = slices.Delete(s.entries, lo, hi)
}

// remove deletes the span starting exactly at start.
func (s *spanSet[T]) remove(start uint64) bool {
	i, ok := s.find(start)
	if !ok {
		return false
	}
	if st, _ := s.entries[i].bounds(); st != start {
		return false
	}
	s.deleteRange(i, i+1)
	return true
}
