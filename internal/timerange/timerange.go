// Package timerange implements the buffered time range algebra shared by the
// sink, the fragment tracker and the stream controllers.
package timerange

import (
	"math"
	"sort"
)

// Range is a half-open interval [Start, End) in seconds.
type Range struct {
	Start float64
	End   float64
}

// Len returns the duration covered by the range.
func (r Range) Len() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether pos lies inside the range.
func (r Range) Contains(pos float64) bool {
	return pos >= r.Start && pos < r.End
}

// Overlaps reports whether the two ranges share any time.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Ranges is a sorted list of non-overlapping ranges.
type Ranges []Range

// Normalize sorts the ranges and merges the overlapping or touching ones.
// Empty ranges are dropped.
func Normalize(in []Range) Ranges {
	out := make(Ranges, 0, len(in))
	for _, r := range in {
		if r.Len() > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:0]
	for _, r := range out {
		n := len(merged)
		if n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Add returns the union of rs and r.
func (rs Ranges) Add(r Range) Ranges {
	in := make([]Range, 0, len(rs)+1)
	in = append(in, rs...)
	return Normalize(append(in, r))
}

// Subtract returns rs with the time covered by r removed.
func (rs Ranges) Subtract(r Range) Ranges {
	out := make(Ranges, 0, len(rs)+1)
	for _, cur := range rs {
		if !cur.Overlaps(r) {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, Range{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			out = append(out, Range{Start: r.End, End: cur.End})
		}
	}
	return out
}

// Intersect returns the parts of rs that fall inside r.
func (rs Ranges) Intersect(r Range) Ranges {
	var out Ranges
	for _, cur := range rs {
		if !cur.Overlaps(r) {
			continue
		}
		out = append(out, Range{Start: math.Max(cur.Start, r.Start), End: math.Min(cur.End, r.End)})
	}
	return out
}

// Contains reports whether pos is inside any of the ranges.
func (rs Ranges) Contains(pos float64) bool {
	for _, r := range rs {
		if r.Contains(pos) {
			return true
		}
	}
	return false
}

// Covers reports whether [start, end) is covered by a single range, allowing
// tolerance seconds of slack at either boundary.
func (rs Ranges) Covers(start, end, tolerance float64) bool {
	for _, r := range rs {
		if r.Start-tolerance <= start && r.End+tolerance >= end {
			return true
		}
	}
	return false
}

// Total returns the summed duration of all ranges.
func (rs Ranges) Total() float64 {
	var t float64
	for _, r := range rs {
		t += r.Len()
	}
	return t
}

// Start returns the earliest buffered time, or 0 when empty.
func (rs Ranges) Start() float64 {
	if len(rs) == 0 {
		return 0
	}
	return rs[0].Start
}

// End returns the latest buffered time, or 0 when empty.
func (rs Ranges) End() float64 {
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1].End
}

// Equal reports whether both lists describe the same time.
func (rs Ranges) Equal(o Ranges) bool {
	if len(rs) != len(o) {
		return false
	}
	for i := range rs {
		if rs[i] != o[i] {
			return false
		}
	}
	return true
}

// Info describes the buffer around a playback position.
type Info struct {
	// Len is the amount of contiguous buffer ahead of the position.
	Len float64
	// Start and End delimit the range the position belongs to. Both equal
	// the position when it is not buffered.
	Start float64
	End   float64
	// NextStart is the start of the first range beyond the current one,
	// valid only when HasNext is set.
	NextStart float64
	HasNext   bool
}

// BufferInfo computes the forward buffer at pos. Ranges separated by less
// than maxHole are treated as one contiguous range.
func BufferInfo(rs Ranges, pos, maxHole float64) Info {
	info := Info{Start: pos, End: pos}
	if len(rs) == 0 {
		return info
	}

	joined := make(Ranges, 0, len(rs))
	for _, r := range rs {
		n := len(joined)
		if n > 0 && r.Start-joined[n-1].End < maxHole {
			if r.End > joined[n-1].End {
				joined[n-1].End = r.End
			}
			continue
		}
		joined = append(joined, r)
	}

	for _, r := range joined {
		if pos+maxHole >= r.Start && pos < r.End {
			info.Start = r.Start
			info.End = r.End
		} else if pos+maxHole < r.Start {
			info.NextStart = r.Start
			info.HasNext = true
			break
		}
	}
	info.Len = info.End - pos
	if info.Len < 0 {
		info.Len = 0
	}
	return info
}

// Merged returns the union of several lists.
func Merged(lists ...Ranges) Ranges {
	var in []Range
	for _, l := range lists {
		in = append(in, l...)
	}
	return Normalize(in)
}

// Common returns the time buffered in every list. An empty input yields nil.
func Common(lists ...Ranges) Ranges {
	if len(lists) == 0 {
		return nil
	}
	out := lists[0]
	for _, l := range lists[1:] {
		var next Ranges
		for _, r := range l {
			next = append(next, out.Intersect(r)...)
		}
		out = Normalize(next)
	}
	return out
}
