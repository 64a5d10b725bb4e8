package variant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
)

// ErrNoSupportedLevels is returned when every variant uses an unsupported codec.
var ErrNoSupportedLevels = errors.New("no variant with a supported codec")

// SupportFunc reports whether a single codec string can be decoded.
type SupportFunc func(codec string) bool

// DefaultSupport accepts every codec family the demuxers understand.
func DefaultSupport(codec string) bool {
	return codecKind(codec) != ""
}

// Registry owns the levels and renditions of a session. Levels are kept in
// ascending selection order, so index 0 is the lowest.
type Registry struct {
	levels    []*Level
	audio     []*Track
	subtitles []*Track
}

// NewRegistry filters out levels with unsupported codecs, sorts the rest and
// assigns their indexes. Audio-only levels are dropped when video levels exist.
func NewRegistry(levels []*Level, audio, subtitles []*Track, supported SupportFunc) (*Registry, error) {
	if supported == nil {
		supported = DefaultSupport
	}

	hasVideo := false
	for _, l := range levels {
		if l.VideoCodec != "" || l.Height > 0 {
			hasVideo = true
			break
		}
	}

	var kept []*Level
	for _, l := range levels {
		l.Supported = codecsSupported(l.Codecs(), supported)
		if !l.Supported {
			continue
		}
		if hasVideo && l.VideoCodec == "" && l.Height == 0 && l.AudioCodec != "" {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		return nil, ErrNoSupportedLevels
	}

	allScored := true
	for _, l := range kept {
		if l.Score <= 0 {
			allScored = false
			break
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return less(kept[i], kept[j], allScored)
	})

	r := &Registry{levels: kept}
	r.reindex()
	r.audio = assignIDs(audio, segment.Audio)
	r.subtitles = assignIDs(subtitles, segment.Subtitle)
	return r, nil
}

func assignIDs(tracks []*Track, t segment.PlaylistType) []*Track {
	for i, tr := range tracks {
		tr.ID = i
		tr.Type = t
	}
	return tracks
}

func codecsSupported(codecs string, supported SupportFunc) bool {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if c != "" && !supported(c) {
			return false
		}
	}
	return true
}

// less orders by score when every level has one, then bitrate, resolution,
// frame rate, codec efficiency, dynamic range and HDCP requirement.
func less(a, b *Level, byScore bool) bool {
	if byScore && a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Bitrate != b.Bitrate {
		return a.Bitrate < b.Bitrate
	}
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if a.FrameRate != b.FrameRate {
		return a.FrameRate < b.FrameRate
	}
	if ra, rb := codecRank(a.VideoCodec), codecRank(b.VideoCodec); ra != rb {
		return ra < rb
	}
	if ra, rb := rangeRank(a.VideoRange), rangeRank(b.VideoRange); ra != rb {
		return ra < rb
	}
	return hdcpRank(a.HDCPLevel) < hdcpRank(b.HDCPLevel)
}

func codecRank(codec string) int {
	prefix, _, _ := strings.Cut(strings.ToLower(codec), ".")
	switch prefix {
	case "avc1", "avc3":
		return 1
	case "vp09":
		return 2
	case "hvc1", "hev1", "dvh1", "dvhe":
		return 3
	case "av01":
		return 4
	default:
		return 0
	}
}

func rangeRank(r string) int {
	switch r {
	case "HLG":
		return 1
	case "PQ":
		return 2
	default:
		return 0
	}
}

func hdcpRank(h string) int {
	switch h {
	case "TYPE-0":
		return 1
	case "TYPE-1":
		return 2
	default:
		return 0
	}
}

// reindex numbers the levels in order. Loaded playlists follow so fragments
// keep pointing at their level.
func (r *Registry) reindex() {
	for i, l := range r.levels {
		l.Index = i
		d := l.Details
		if d == nil {
			continue
		}
		d.ID = i
		for _, f := range d.Fragments {
			f.Level = i
			if f.InitSegment != nil {
				f.InitSegment.Level = i
			}
		}
		if d.Partial != nil {
			d.Partial.Level = i
		}
	}
}

// Len returns the number of levels.
func (r *Registry) Len() int {
	return len(r.levels)
}

// Levels returns the levels in selection order.
func (r *Registry) Levels() []*Level {
	return r.levels
}

// Level returns the level at index i, or nil.
func (r *Registry) Level(i int) *Level {
	if i < 0 || i >= len(r.levels) {
		return nil
	}
	return r.levels[i]
}

// Remove drops the level at index i and renumbers the rest.
func (r *Registry) Remove(i int) error {
	if i < 0 || i >= len(r.levels) {
		return fmt.Errorf("level %d out of range (0-%d)", i, len(r.levels)-1)
	}
	if len(r.levels) == 1 {
		return errors.New("cannot remove the last level")
	}
	r.levels = append(r.levels[:i], r.levels[i+1:]...)
	r.reindex()
	return nil
}

// Penalize keeps level i out of auto selection until until.
func (r *Registry) Penalize(i int, until time.Time) {
	if l := r.Level(i); l != nil {
		l.PenaltyUntil = until
	}
}

// AudioTracks returns every audio rendition.
func (r *Registry) AudioTracks() []*Track {
	return r.audio
}

// SubtitleTracks returns every subtitle rendition.
func (r *Registry) SubtitleTracks() []*Track {
	return r.subtitles
}

// Track returns the rendition of type t with the given id, or nil.
func (r *Registry) Track(t segment.PlaylistType, id int) *Track {
	list := r.audio
	if t == segment.Subtitle {
		list = r.subtitles
	}
	if id < 0 || id >= len(list) {
		return nil
	}
	return list[id]
}

// DefaultTrack picks the rendition of type t in group: DEFAULT first, then
// AUTOSELECT, then the first one. It returns nil when the group is empty.
func (r *Registry) DefaultTrack(t segment.PlaylistType, group string) *Track {
	list := r.audio
	if t == segment.Subtitle {
		list = r.subtitles
	}
	var candidates []*Track
	for _, tr := range list {
		if tr.GroupID == group {
			candidates = append(candidates, tr)
		}
	}
	for _, tr := range candidates {
		if tr.Default {
			return tr
		}
	}
	for _, tr := range candidates {
		if tr.Autoselect {
			return tr
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}
