// Package rangeset tracks the union of byte intervals of a cached object
// that are known to be present on disk.
package rangeset

import "sort"

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

// Set is an ordered, disjoint collection of half-open intervals. The zero
// value is an empty set ready to use.
//
// INVARIANT: intervals are sorted by Start.
// INVARIANT: no two intervals overlap or touch (in.End < next.Start).
// INVARIANT: every interval has Start < End.
type Set struct {
	intervals []Interval
}

// New returns an empty range set.
func New() *Set {
	return &Set{}
}

// Add merges [start, end) into the set, absorbing any interval it
// intersects or touches. A no-op if start == end.
func (s *Set) Add(start, end uint64) {
	if start >= end {
		return
	}

	merged := Interval{Start: start, End: end}
	out := make([]Interval, 0, len(s.intervals)+1)
	inserted := false
	for _, in := range s.intervals {
		if touches(merged, in) {
			if in.Start < merged.Start {
				merged.Start = in.Start
			}
			if in.End > merged.End {
				merged.End = in.End
			}
			continue
		}
		if !inserted && in.Start > merged.End {
			out = append(out, merged)
			inserted = true
		}
		out = append(out, in)
	}
	if !inserted {
		out = append(out, merged)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	s.intervals = out
}

// touches reports whether a and b intersect or are adjacent (no gap between
// them), meaning a single Add should merge them into one interval.
func touches(a, b Interval) bool {
	return a.Start <= b.End && b.Start <= a.End
}

// Contains reports whether some stored interval encloses [start, end).
// For start == end, returns true iff some interval encloses the point
// start (Start <= start <= End).
func (s *Set) Contains(start, end uint64) bool {
	if start == end {
		for _, in := range s.intervals {
			if in.Start <= start && start <= in.End {
				return true
			}
		}
		return false
	}
	for _, in := range s.intervals {
		if in.Start <= start && end <= in.End {
			return true
		}
	}
	return false
}

// Count returns the number of disjoint intervals currently stored.
func (s *Set) Count() int {
	return len(s.intervals)
}

// Length returns the sum of (End - Start) over all stored intervals.
func (s *Set) Length() uint64 {
	var length uint64
	for _, in := range s.intervals {
		length += in.End - in.Start
	}
	return length
}

// Intervals returns a copy of the stored intervals, sorted by Start.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}
