// Package variant holds the parsed variants (levels) and alternate renditions
// of a multivariant playlist and their selection order.
package variant

import (
	"fmt"
	"strings"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
)

// Level is one variant stream of a multivariant playlist.
type Level struct {
	// Index is the stable position in the registry after sorting.
	Index int

	// URL is the absolute media playlist URL.
	URL string

	// Bitrate is the declared BANDWIDTH in bits per second.
	Bitrate int

	// AverageBitrate is the declared AVERAGE-BANDWIDTH, 0 if absent.
	AverageBitrate int

	// RealBitrate is measured from loaded fragments.
	RealBitrate int

	// FragmentsLoaded counts fragments loaded at this level.
	FragmentsLoaded int

	// LoadedBytes and LoadedSeconds accumulate media for RealBitrate.
	LoadedBytes   int64
	LoadedSeconds float64

	// AudioCodec and VideoCodec split the CODECS attribute.
	AudioCodec string
	VideoCodec string

	Width     int
	Height    int
	FrameRate float64

	// HDCPLevel is NONE, TYPE-0, TYPE-1 or empty.
	HDCPLevel string

	// VideoRange is SDR, HLG, PQ or empty.
	VideoRange string

	// Score is the optional SCORE attribute.
	Score float64

	AudioGroup    string
	SubtitleGroup string
	CCGroup       string

	// Supported caches the decoding support check.
	Supported bool

	// LoadErrors and FragmentErrors count failures at this level.
	LoadErrors     int
	FragmentErrors int

	// PenaltyUntil excludes the level from auto selection until then.
	PenaltyUntil time.Time

	// Details is the latest media playlist snapshot, nil until loaded.
	Details *segment.Details
}

// Codecs returns the combined codec string.
func (l *Level) Codecs() string {
	switch {
	case l.VideoCodec != "" && l.AudioCodec != "":
		return l.VideoCodec + "," + l.AudioCodec
	case l.VideoCodec != "":
		return l.VideoCodec
	default:
		return l.AudioCodec
	}
}

// MaxBitrate returns the bitrate used for capacity decisions: the measured
// bitrate once minFragments fragments have loaded, otherwise the declared one.
func (l *Level) MaxBitrate(minFragments int) int {
	if l.RealBitrate > 0 && l.FragmentsLoaded >= minFragments {
		return l.RealBitrate
	}
	return l.Bitrate
}

// RecordLoad accumulates a loaded fragment and refreshes RealBitrate.
func (l *Level) RecordLoad(bytes int64, duration float64) {
	l.FragmentsLoaded++
	if duration <= 0 {
		return
	}
	l.LoadedBytes += bytes
	l.LoadedSeconds += duration
	l.RealBitrate = int(float64(8*l.LoadedBytes) / l.LoadedSeconds)
}

// InPenaltyBox reports whether the level is excluded at now.
func (l *Level) InPenaltyBox(now time.Time) bool {
	return now.Before(l.PenaltyUntil)
}

// Resolution returns WIDTHxHEIGHT, empty when unknown.
func (l *Level) Resolution() string {
	if l.Width == 0 || l.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", l.Width, l.Height)
}

// Track is an alternate audio or subtitle rendition.
type Track struct {
	// ID is the position among renditions of the same type.
	ID   int
	Type segment.PlaylistType

	GroupID    string
	Name       string
	Language   string
	Default    bool
	Autoselect bool
	Forced     bool
	Codec      string

	// URL is empty for renditions muxed into the variant.
	URL string

	LoadErrors int
	Details    *segment.Details
}

// SplitCodecs separates a CODECS attribute into its audio and video parts.
// Subtitle codecs are dropped.
func SplitCodecs(codecs string) (audio, video string) {
	var a, v []string
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		switch codecKind(c) {
		case "audio":
			a = append(a, c)
		case "video":
			v = append(v, c)
		}
	}
	return strings.Join(a, ","), strings.Join(v, ",")
}

func codecKind(codec string) string {
	prefix, _, _ := strings.Cut(strings.ToLower(codec), ".")
	switch prefix {
	case "mp4a", "ac-3", "ec-3", "opus", "flac", "mp3", "alac", "ac-4":
		return "audio"
	case "avc1", "avc3", "hvc1", "hev1", "dvh1", "dvhe", "av01", "vp09", "vp08", "mp4v":
		return "video"
	case "stpp", "wvtt":
		return "text"
	default:
		return ""
	}
}
