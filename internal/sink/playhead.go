package sink

import (
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// Playhead simulates the current time of a media element. It only advances
// through buffered media.
type Playhead struct {
	position float64
	playing  bool
	seeking  bool
}

// NewPlayhead returns a paused playhead at pos.
func NewPlayhead(pos float64) *Playhead {
	return &Playhead{position: pos}
}

// Position returns the current time.
func (p *Playhead) Position() float64 {
	return p.position
}

// Playing reports whether Play was called.
func (p *Playhead) Playing() bool {
	return p.playing
}

// Seeking reports whether the last seek has not found buffered media yet.
func (p *Playhead) Seeking() bool {
	return p.seeking
}

// Play starts the playhead.
func (p *Playhead) Play() {
	p.playing = true
}

// Pause stops the playhead.
func (p *Playhead) Pause() {
	p.playing = false
}

// Seek jumps to pos.
func (p *Playhead) Seek(pos float64) {
	p.position = pos
	p.seeking = true
}

// Advance plays up to dt seconds of the range containing the position and
// returns how far it moved. A playhead outside buffered media does not move.
func (p *Playhead) Advance(dt float64, buffered timerange.Ranges) float64 {
	for _, r := range buffered {
		if !r.Contains(p.position) {
			continue
		}
		p.seeking = false
		if !p.playing {
			return 0
		}
		next := p.position + dt
		if next > r.End {
			next = r.End
		}
		moved := next - p.position
		p.position = next
		return moved
	}
	return 0
}
