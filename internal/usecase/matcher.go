package usecase

import "time"

// fuzzySet matches records to candidates by time proximity. Each candidate is
// consumed at most once; the nearest unconsumed candidate within the
// tolerance wins. Both the reconciler and the alert linker run on top of it,
// with their own tolerance values.
type fuzzySet struct {
	times     []time.Time
	used      []bool
	tolerance time.Duration
}

func newFuzzySet(times []time.Time, tolerance time.Duration) *fuzzySet {
	return &fuzzySet{
		times:     times,
		used:      make([]bool, len(times)),
		tolerance: tolerance,
	}
}

// claim returns the index of the closest eligible unconsumed candidate within
// the tolerance and marks it consumed, or -1. eligible may be nil.
func (s *fuzzySet) claim(t time.Time, eligible func(i int) bool) int {
	best := -1
	var bestDelta time.Duration
	for i, ct := range s.times {
		if s.used[i] {
			continue
		}
		delta := t.Sub(ct)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.tolerance {
			continue
		}
		if eligible != nil && !eligible(i) {
			continue
		}
		if best == -1 || delta < bestDelta {
			best = i
			bestDelta = delta
		}
	}
	if best >= 0 {
		s.used[best] = true
	}
	return best
}

// unclaimed returns the indexes never consumed by a claim.
func (s *fuzzySet) unclaimed() []int {
	var out []int
	for i, u := range s.used {
		if !u {
			out = append(out, i)
		}
	}
	return out
}
