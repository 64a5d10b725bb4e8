package stream

import (
	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
)

// Strategy supplies what differs between the main, audio and subtitle
// controllers.
type Strategy interface {
	Type() segment.PlaylistType
	// Tracks lists the sink tracks whose common ranges measure the forward
	// buffer.
	Tracks() []sink.Track
	// NextLevel returns the playlist to load a fragment of about
	// fragDuration seconds from, or -1 when nothing is selected.
	NextLevel(fragDuration float64) int
	// Accept reports whether demuxed media of kind is appended.
	Accept(kind sink.Track) bool
}

// bitrateTester is implemented by strategies that may load a throwaway
// fragment before the first real one.
type bitrateTester interface {
	NeedsBitrateTest() bool
}

// MainStrategy drives the main controller from the auto-bitrate controller.
type MainStrategy struct {
	ABR *abr.Controller
	// AltAudio reports whether an alternate audio rendition is playing, in
	// which case muxed audio is dropped.
	AltAudio func() bool
}

var _ Strategy = (*MainStrategy)(nil)

func (s *MainStrategy) Type() segment.PlaylistType { return segment.Main }

func (s *MainStrategy) Tracks() []sink.Track {
	if s.altAudio() {
		return []sink.Track{sink.Video}
	}
	return []sink.Track{sink.Video, sink.Audio}
}

func (s *MainStrategy) NextLevel(fragDuration float64) int {
	if s.ABR.NeedsBitrateTest() {
		return 0
	}
	return s.ABR.NextLoadLevel(fragDuration)
}

func (s *MainStrategy) Accept(kind sink.Track) bool {
	switch kind {
	case sink.Video, sink.AudioVideo:
		return true
	case sink.Audio:
		return !s.altAudio()
	}
	return false
}

func (s *MainStrategy) NeedsBitrateTest() bool {
	return s.ABR.NeedsBitrateTest()
}

func (s *MainStrategy) altAudio() bool {
	return s.AltAudio != nil && s.AltAudio()
}

// TrackStrategy loads the selected audio or subtitle rendition.
type TrackStrategy struct {
	Kind segment.PlaylistType
	// Selected returns the rendition id to play, or -1.
	Selected func() int
}

var _ Strategy = (*TrackStrategy)(nil)

func (s *TrackStrategy) Type() segment.PlaylistType { return s.Kind }

func (s *TrackStrategy) Tracks() []sink.Track {
	return []sink.Track{s.sinkTrack()}
}

func (s *TrackStrategy) NextLevel(float64) int {
	return s.Selected()
}

func (s *TrackStrategy) Accept(kind sink.Track) bool {
	return kind == s.sinkTrack()
}

func (s *TrackStrategy) sinkTrack() sink.Track {
	if s.Kind == segment.Subtitle {
		return sink.Text
	}
	return sink.Audio
}
