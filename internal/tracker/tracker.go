// Package tracker records which fragments reached the sink. It is the only
// place the stream controllers consult before deciding to load a fragment
// again.
package tracker

import (
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// State is the buffering status of a fragment.
type State int

const (
	NotLoaded State = iota
	Appending
	Partial
	OK
)

var stateNames = [...]string{"NOT_LOADED", "APPENDING", "PARTIAL", "OK"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tolerance is the slack, in seconds, allowed at fragment boundaries when
// deciding whether the sink holds all of it.
const Tolerance = 0.2

type key struct {
	typ   segment.PlaylistType
	level int
	sn    int64
}

func keyOf(f *segment.Fragment) key {
	return key{typ: f.Type, level: f.Level, sn: f.SN}
}

// Entry is the tracked state of one fragment.
type Entry struct {
	Frag  *segment.Fragment
	State State
	// Ranges holds, per sink track, the time of the fragment the sink
	// reported buffered.
	Ranges map[sink.Track]timerange.Ranges
	// Refetched counts reloads of a partial fragment since it was last
	// appended or evicted.
	Refetched int
	// LastPart is the highest part index appended, -1 for whole loads.
	LastPart int
}

// Tracker maps fragments to their buffering state.
type Tracker struct {
	logger  *slog.Logger
	entries map[key]*Entry
}

// New creates an empty tracker.
func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logging.Component(logger, "tracker"),
		entries: make(map[key]*Entry),
	}
}

// Entry returns the entry of f, or nil.
func (t *Tracker) Entry(f *segment.Fragment) *Entry {
	return t.entries[keyOf(f)]
}

// State returns the state of f.
func (t *Tracker) State(f *segment.Fragment) State {
	if e, ok := t.entries[keyOf(f)]; ok {
		return e.State
	}
	return NotLoaded
}

// Len returns the number of tracked fragments.
func (t *Tracker) Len() int {
	return len(t.entries)
}

// Reloadable reports whether f should be loaded: it was never appended, or
// it is partial and was not reloaded since its last append or eviction.
func (t *Tracker) Reloadable(f *segment.Fragment) bool {
	e, ok := t.entries[keyOf(f)]
	if !ok {
		return true
	}
	switch e.State {
	case NotLoaded:
		return true
	case Partial:
		return e.Refetched < 1
	default:
		return false
	}
}

// FragLoaded marks f as being appended. Loading a partial fragment again
// consumes its refetch.
func (t *Tracker) FragLoaded(f *segment.Fragment, part *segment.Part) {
	if f.IsInit() {
		return
	}
	k := keyOf(f)
	e, ok := t.entries[k]
	if !ok {
		e = &Entry{Frag: f, Ranges: make(map[sink.Track]timerange.Ranges), LastPart: -1}
		t.entries[k] = e
	}
	if e.State == Partial && part == nil {
		e.Refetched++
	}
	e.Frag = f
	e.State = Appending
	if part != nil && part.Index > e.LastPart {
		e.LastPart = part.Index
	}
}

// FragBuffered records that every chunk of f (or of its part) was appended
// and classifies the fragment against the sink ranges.
func (t *Tracker) FragBuffered(f *segment.Fragment, part *segment.Part, buffered map[sink.Track]timerange.Ranges) {
	if f.IsInit() {
		return
	}
	e, ok := t.entries[keyOf(f)]
	if !ok {
		t.FragLoaded(f, part)
		e = t.entries[keyOf(f)]
	}
	t.DetectPartialFragments(e, buffered)
	if e.State == OK {
		e.Refetched = 0
	}
}

// DetectPartialFragments records the sink time of e per track and marks it
// OK when every track covers the whole fragment, PARTIAL otherwise.
func (t *Tracker) DetectPartialFragments(e *Entry, buffered map[sink.Track]timerange.Ranges) {
	f := e.Frag
	span := timerange.Range{Start: f.Start, End: f.End()}
	complete := len(buffered) > 0
	for track, rs := range buffered {
		recorded := rs.Intersect(span)
		e.Ranges[track] = recorded
		if !recorded.Covers(span.Start, span.End, Tolerance) {
			complete = false
		}
	}
	if complete {
		e.State = OK
	} else {
		e.State = Partial
	}
	t.logger.Debug("fragment buffered", "frag", f.ID(), "state", e.State)
}

// DetectEvictedFragments compares the recorded time of every appended
// fragment with the current sink ranges of track. Fragments with nothing left
// are dropped, partly evicted ones become PARTIAL and may be reloaded.
func (t *Tracker) DetectEvictedFragments(track sink.Track, buffered timerange.Ranges) {
	for k, e := range t.entries {
		if e.State != OK && e.State != Partial {
			continue
		}
		recorded, ok := e.Ranges[track]
		if !ok {
			continue
		}

		var remaining timerange.Ranges
		for _, r := range recorded {
			remaining = append(remaining, buffered.Intersect(r)...)
		}
		remaining = timerange.Normalize(remaining)

		switch {
		case remaining.Total() == 0 && recorded.Total() > 0:
			t.logger.Debug("fragment evicted", "frag", e.Frag.ID(), "track", track)
			delete(t.entries, k)
		case remaining.Total() < recorded.Total()-1e-9:
			e.Ranges[track] = remaining
			e.State = Partial
			e.Refetched = 0
			t.logger.Debug("fragment partly evicted", "frag", e.Frag.ID(), "track", track)
		}
	}
}

// GetFragAtPos returns the tracked fragment of typ at pos. With bufferedOnly
// the position must lie inside time the sink reported for the fragment.
func (t *Tracker) GetFragAtPos(pos float64, typ segment.PlaylistType, bufferedOnly bool) *segment.Fragment {
	for _, e := range t.entries {
		f := e.Frag
		if f.Type != typ {
			continue
		}
		if bufferedOnly {
			if e.State != OK && e.State != Partial {
				continue
			}
			for _, rs := range e.Ranges {
				if rs.Contains(pos) {
					return f
				}
			}
			continue
		}
		if f.Start <= pos && pos < f.End() {
			return f
		}
	}
	return nil
}

// RemoveFragment forgets f.
func (t *Tracker) RemoveFragment(f *segment.Fragment) {
	delete(t.entries, keyOf(f))
}

// RemoveFragmentsInRange follows a sink flush of [start, end) on the given
// playlist types. Fragments inside the range are dropped, overlapping ones
// keep the rest of their time and become PARTIAL.
func (t *Tracker) RemoveFragmentsInRange(start, end float64, types ...segment.PlaylistType) {
	flushed := timerange.Range{Start: start, End: end}
	for k, e := range t.entries {
		if !typeIn(e.Frag.Type, types) {
			continue
		}
		f := e.Frag
		span := timerange.Range{Start: f.Start, End: f.End()}
		if !span.Overlaps(flushed) {
			continue
		}
		if span.Start >= start && span.End <= end {
			delete(t.entries, k)
			continue
		}
		for track, rs := range e.Ranges {
			e.Ranges[track] = rs.Subtract(flushed)
		}
		if e.State == OK {
			e.State = Partial
			e.Refetched = 0
		}
	}
}

// RemoveAllFragments forgets everything.
func (t *Tracker) RemoveAllFragments() {
	t.entries = make(map[key]*Entry)
}

// RemoveType forgets every fragment of typ.
func (t *Tracker) RemoveType(typ segment.PlaylistType) {
	for k, e := range t.entries {
		if e.Frag.Type == typ {
			delete(t.entries, k)
		}
	}
}

func typeIn(t segment.PlaylistType, types []segment.PlaylistType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
