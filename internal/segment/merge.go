package segment

import (
	"errors"
	"math"
	"time"
)

// ErrDeltaMismatch is returned when a delta update skips segments the
// previous snapshot does not have. The caller must reload without skipping.
var ErrDeltaMismatch = errors.New("delta playlist does not match previous snapshot")

// Merge carries timing and reload bookkeeping from the previous snapshot of
// the same playlist into a freshly parsed one. old may be nil for a first load.
func Merge(old, cur *Details, now time.Time) error {
	cur.ReceivedAt = now
	if old == nil {
		cur.Updated = true
		cur.Advanced = true
		cur.AdvancedAt = now
		return nil
	}

	if cur.Skipped > 0 {
		restored := make([]*Fragment, 0, cur.Skipped+len(cur.Fragments))
		for i := 0; i < cur.Skipped; i++ {
			of := old.Fragment(cur.StartSN + int64(i))
			if of == nil {
				return ErrDeltaMismatch
			}
			restored = append(restored, of)
		}
		cur.Fragments = append(restored, cur.Fragments...)
		cur.Skipped = 0
		layout(cur.Fragments, 0)
	}

	anchor := -1
	ptsAnchor := -1
	for i, nf := range cur.Fragments {
		of := old.Fragment(nf.SN)
		if of == nil {
			continue
		}
		if anchor < 0 {
			anchor = i
		}
		nf.Start = of.Start
		if of.PTSKnown {
			nf.Duration = of.Duration
			nf.StartPTS, nf.EndPTS = of.StartPTS, of.EndPTS
			nf.StartDTS, nf.EndDTS = of.StartDTS, of.EndDTS
			nf.PTSKnown = true
			ptsAnchor = i
		}
		if nf.InitSegment != nil && of.InitSegment != nil && nf.InitSegment.URL == of.InitSegment.URL &&
			nf.InitSegment.ByteRange == of.InitSegment.ByteRange {
			nf.InitSegment = of.InitSegment
		}
	}

	switch {
	case ptsAnchor >= 0:
		layout(cur.Fragments, ptsAnchor)
		cur.PTSKnown = true
	case anchor >= 0:
		layout(cur.Fragments, anchor)
	case len(cur.Fragments) > 0 && cur.StartSN > old.EndSN && len(old.Fragments) > 0:
		// the window slid past everything we had; estimate from the old edge
		missing := float64(cur.StartSN - old.EndSN - 1)
		shift(cur.Fragments, old.FragmentEnd()+missing*old.TargetDuration-cur.Fragments[0].Start)
	}
	if cur.Partial != nil {
		cur.Partial.Start = cur.FragmentEnd()
	}

	cur.Updated = cur.EndSN != old.EndSN ||
		cur.LastPartSN() != old.LastPartSN() ||
		cur.LastPartIndex() != old.LastPartIndex()
	cur.Advanced = cur.EndSN > old.EndSN ||
		cur.LastPartSN() > old.LastPartSN() ||
		(cur.LastPartSN() == old.LastPartSN() && cur.LastPartIndex() > old.LastPartIndex())
	if cur.Updated {
		cur.Misses = 0
	} else {
		cur.Misses = old.Misses + 1
	}

	cur.DriftStart, cur.DriftStartTime = old.DriftStart, old.DriftStartTime
	if cur.Advanced {
		cur.AdvancedAt = now
		edge := cur.Edge()
		if cur.DriftStartTime.IsZero() {
			cur.DriftStart, cur.DriftStartTime = edge, now
		}
		cur.DriftEnd, cur.DriftEndTime = edge, now
	} else {
		cur.AdvancedAt = old.AdvancedAt
		cur.DriftEnd, cur.DriftEndTime = old.DriftEnd, old.DriftEndTime
	}
	return nil
}

// Align places the first snapshot of a live playlist on the timeline of ref,
// a snapshot of another rendition of the same presentation. Fragments are
// matched by sequence number, then by the start of a discontinuity run, then
// by program date time. It returns the shift applied and whether a match
// was found.
func Align(ref, cur *Details) (float64, bool) {
	if ref == nil || len(ref.Fragments) == 0 || len(cur.Fragments) == 0 {
		return 0, false
	}
	delta, ok := alignBySN(ref, cur)
	if !ok {
		delta, ok = alignByCC(ref, cur)
	}
	if !ok {
		delta, ok = alignByPDT(ref, cur)
	}
	if !ok {
		return 0, false
	}
	shift(cur.Fragments, delta)
	if cur.Partial != nil {
		cur.Partial.Start = cur.FragmentEnd()
	}
	return delta, true
}

func alignBySN(ref, cur *Details) (float64, bool) {
	for _, f := range cur.Fragments {
		if rf := ref.Fragment(f.SN); rf != nil {
			return rf.Start - f.Start, true
		}
	}
	return 0, false
}

// alignByCC lines up the first fragment of cur with the first fragment of ref
// in the same discontinuity run. The runs must begin inside both windows.
func alignByCC(ref, cur *Details) (float64, bool) {
	first := cur.Fragments[0]
	if cur.EndCC == cur.StartCC && first.CC <= ref.StartCC {
		return 0, false
	}
	for _, rf := range ref.Fragments {
		if rf.CC == first.CC {
			return rf.Start - first.Start, true
		}
	}
	return 0, false
}

func alignByPDT(ref, cur *Details) (float64, bool) {
	rf, first := ref.Fragments[0], cur.Fragments[0]
	if rf.ProgramDateTime.IsZero() || first.ProgramDateTime.IsZero() {
		return 0, false
	}
	at := rf.Start + first.ProgramDateTime.Sub(rf.ProgramDateTime).Seconds()
	return at - first.Start, true
}

// UpdateFragmentPTS records demuxed timing on frag, moves it to the demuxed
// start and shifts its neighbours in d so the timeline stays contiguous.
// It returns the drift between the listed and the demuxed start.
func UpdateFragmentPTS(d *Details, frag *Fragment, startPTS, endPTS, startDTS, endDTS float64) float64 {
	if frag.PTSKnown {
		startPTS = math.Min(startPTS, frag.StartPTS)
		endPTS = math.Max(endPTS, frag.EndPTS)
		startDTS = math.Min(startDTS, frag.StartDTS)
		endDTS = math.Max(endDTS, frag.EndDTS)
	}
	drift := startPTS - frag.Start

	frag.Start = startPTS
	frag.StartPTS = startPTS
	frag.EndPTS = endPTS
	frag.StartDTS = startDTS
	frag.EndDTS = endDTS
	frag.Duration = endPTS - startPTS
	frag.PTSKnown = true

	if d == nil {
		return drift
	}
	idx := -1
	for i, f := range d.Fragments {
		if f == frag {
			idx = i
			break
		}
	}
	if idx < 0 {
		return drift
	}
	layout(d.Fragments, idx)
	if d.Partial != nil {
		d.Partial.Start = d.FragmentEnd()
	}
	d.PTSKnown = true
	return drift
}

// layout makes fragments contiguous around frags[anchor]. Neighbours with
// demuxed timing keep their own start.
func layout(frags []*Fragment, anchor int) {
	for i := anchor; i > 0; i-- {
		prev := frags[i-1]
		if prev.PTSKnown {
			continue
		}
		prev.Start = math.Max(frags[i].Start-prev.Duration, 0)
	}
	for i := anchor; i < len(frags)-1; i++ {
		next := frags[i+1]
		if next.PTSKnown {
			continue
		}
		next.Start = frags[i].End()
	}
}

func shift(frags []*Fragment, delta float64) {
	for _, f := range frags {
		f.Start += delta
	}
}
