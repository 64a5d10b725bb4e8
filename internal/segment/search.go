package segment

import "math"

// withinTolerance reports whether pos falls inside candidate (0), after it (1)
// or before it (-1). tolerance shrinks the candidate end so a position close
// to a boundary selects the following fragment.
func withinTolerance(pos, tolerance float64, candidate *Fragment) int {
	lookup := math.Min(tolerance, candidate.Duration)
	if candidate.Start+candidate.Duration-lookup <= pos {
		return 1
	}
	if candidate.Start-lookup > pos && candidate.Start > 0 {
		return -1
	}
	return 0
}

// FindByPosition returns the fragment covering pos. When prev is set and its
// successor covers pos, the successor is returned without searching.
func FindByPosition(frags []*Fragment, prev *Fragment, pos, tolerance float64) *Fragment {
	if len(frags) == 0 {
		return nil
	}
	if prev != nil {
		first := frags[0].SN
		next := prev.SN + 1 - first
		if next >= 0 && next < int64(len(frags)) && withinTolerance(pos, tolerance, frags[next]) == 0 {
			return frags[next]
		}
	}

	lo, hi := 0, len(frags)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch withinTolerance(pos, tolerance, frags[mid]) {
		case 1:
			lo = mid + 1
		case -1:
			hi = mid - 1
		default:
			return frags[mid]
		}
	}
	return nil
}

// FindPart returns the part covering pos, or nil.
func FindPart(parts []*Part, pos float64) *Part {
	for _, p := range parts {
		if pos >= p.Start() && pos < p.End() {
			return p
		}
	}
	return nil
}

// IndependentPartAtOrBefore walks back from the part covering pos to the
// nearest independent part of the same fragment run.
func IndependentPartAtOrBefore(parts []*Part, pos float64) *Part {
	idx := -1
	for i, p := range parts {
		if p.Start() <= pos {
			idx = i
		}
	}
	for i := idx; i >= 0; i-- {
		if parts[i].Independent {
			return parts[i]
		}
	}
	return nil
}
