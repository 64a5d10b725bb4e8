// Package sink defines the buffer sink the engine appends media into and
// provides an in-memory implementation with a simulated playhead.
package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// Track is a sink buffer type.
type Track int

const (
	Audio Track = iota
	Video
	AudioVideo
	Text
)

func (t Track) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case AudioVideo:
		return "audiovideo"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("Track(%d)", int(t))
	}
}

// ErrQuotaExceeded is reported when an append does not fit the sink.
var ErrQuotaExceeded = errors.New("sink quota exceeded")

// Segment is a demuxed chunk ready to append. Start and End are media
// timestamps before the track timestamp offset is applied.
type Segment struct {
	Data  []byte
	Start float64
	End   float64
	// Init chunks carry codec setup and no media time.
	Init bool
}

// Sink is the buffer of a media element. Completion callbacks run on the
// scheduler goroutine after the call returned.
type Sink interface {
	// Buffered returns the time ranges held for track.
	Buffered(track Track) timerange.Ranges
	Append(track Track, seg Segment, done func(error))
	Remove(track Track, start, end float64, done func(error))
	// SetTimestampOffset shifts subsequent appends of track.
	SetTimestampOffset(track Track, offset float64) error
	EndOfStream()
	Ended() bool
	Duration() float64
	SetDuration(d float64)
}

type block struct {
	r     timerange.Range
	bytes int
}

type trackBuffer struct {
	init   []byte
	offset float64
	blocks []block
}

func (b *trackBuffer) bytes() int {
	n := 0
	for _, bl := range b.blocks {
		n += bl.bytes
	}
	return n
}

// Memory keeps appended media in memory.
type Memory struct {
	sched *scheduler.Scheduler
	// quota is the byte capacity across tracks, 0 for unlimited.
	quota int

	mu       sync.Mutex
	tracks   map[Track]*trackBuffer
	duration float64
	ended    bool
	failNext map[Track][]error
	appends  int
}

var _ Sink = (*Memory)(nil)

// NewMemory creates an empty sink.
func NewMemory(sched *scheduler.Scheduler, quota int64) *Memory {
	return &Memory{
		sched:    sched,
		quota:    int(quota),
		tracks:   make(map[Track]*trackBuffer),
		failNext: make(map[Track][]error),
	}
}

func (m *Memory) track(t Track) *trackBuffer {
	b, ok := m.tracks[t]
	if !ok {
		b = &trackBuffer{}
		m.tracks[t] = b
	}
	return b
}

// Buffered returns the ranges held for t.
func (m *Memory) Buffered(t Track) timerange.Ranges {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.tracks[t]
	if !ok {
		return nil
	}
	rs := make([]timerange.Range, 0, len(b.blocks))
	for _, bl := range b.blocks {
		rs = append(rs, bl.r)
	}
	return timerange.Normalize(rs)
}

// Tracks returns the tracks that received data.
func (m *Memory) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	for _, t := range []Track{Audio, Video, AudioVideo, Text} {
		if _, ok := m.tracks[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Bytes returns the bytes held across tracks.
func (m *Memory) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.tracks {
		n += b.bytes()
	}
	return n
}

// Appends returns how many media appends succeeded.
func (m *Memory) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// FailNext makes the next append of t fail with err.
func (m *Memory) FailNext(t Track, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[t] = append(m.failNext[t], err)
}

// Append stores seg after applying the track offset.
func (m *Memory) Append(t Track, seg Segment, done func(error)) {
	err := m.append(t, seg)
	m.sched.Post(func() { done(err) })
}

func (m *Memory) append(t Track, seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if errs := m.failNext[t]; len(errs) > 0 {
		m.failNext[t] = errs[1:]
		return errs[0]
	}

	b := m.track(t)
	if seg.Init {
		b.init = seg.Data
		return nil
	}

	if m.quota > 0 {
		used := 0
		for _, tb := range m.tracks {
			used += tb.bytes()
		}
		if used+len(seg.Data) > m.quota {
			return ErrQuotaExceeded
		}
	}

	r := timerange.Range{Start: seg.Start + b.offset, End: seg.End + b.offset}
	if r.Len() <= 0 {
		return nil
	}
	// appended media replaces what it overlaps
	b.removeRange(r)
	b.blocks = append(b.blocks, block{r: r, bytes: len(seg.Data)})
	m.ended = false
	m.appends++
	return nil
}

func (b *trackBuffer) removeRange(r timerange.Range) {
	var kept []block
	for _, bl := range b.blocks {
		if !bl.r.Overlaps(r) {
			kept = append(kept, bl)
			continue
		}
		total := bl.r.Len()
		for _, piece := range (timerange.Ranges{bl.r}).Subtract(r) {
			kept = append(kept, block{r: piece, bytes: int(float64(bl.bytes) * piece.Len() / total)})
		}
	}
	b.blocks = kept
}

// Remove drops [start, end) from t.
func (m *Memory) Remove(t Track, start, end float64, done func(error)) {
	m.mu.Lock()
	if b, ok := m.tracks[t]; ok {
		b.removeRange(timerange.Range{Start: start, End: end})
	}
	m.mu.Unlock()
	m.sched.Post(func() { done(nil) })
}

// SetTimestampOffset sets the offset added to appended timestamps of t.
func (m *Memory) SetTimestampOffset(t Track, offset float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(t).offset = offset
	return nil
}

// TimestampOffset returns the current offset of t.
func (m *Memory) TimestampOffset(t Track) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.tracks[t]; ok {
		return b.offset
	}
	return 0
}

// EndOfStream marks the media complete.
func (m *Memory) EndOfStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
}

// Ended reports whether EndOfStream was called since the last append.
func (m *Memory) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Duration returns the media duration.
func (m *Memory) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// SetDuration sets the media duration.
func (m *Memory) SetDuration(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = d
}
