// Package segment defines media playlist snapshots and the fragments and parts
// they list.
package segment

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PlaylistType identifies which stream controller owns a playlist.
type PlaylistType int

const (
	// Main carries video, or muxed audio and video.
	Main PlaylistType = iota
	// Audio is an alternate audio rendition.
	Audio
	// Subtitle is a subtitle rendition.
	Subtitle
)

func (t PlaylistType) String() string {
	switch t {
	case Main:
		return "main"
	case Audio:
		return "audio"
	case Subtitle:
		return "subtitle"
	default:
		return fmt.Sprintf("PlaylistType(%d)", int(t))
	}
}

// InitSN is the sequence number given to initialization segments.
const InitSN int64 = -1

// ByteRange selects part of a resource. A zero Length means the whole resource.
type ByteRange struct {
	Offset int64
	Length int64
}

// IsZero reports whether no range is set.
func (b ByteRange) IsZero() bool {
	return b.Length == 0
}

// End returns the exclusive end offset.
func (b ByteRange) End() int64 {
	return b.Offset + b.Length
}

// Key encryption methods.
const (
	MethodNone      = "NONE"
	MethodAES128    = "AES-128"
	MethodSampleAES = "SAMPLE-AES"
)

// Key is the decryption descriptor of a fragment.
type Key struct {
	Method    string
	URI       string
	IV        []byte
	KeyFormat string
}

// Encrypted reports whether the key requires decryption.
func (k *Key) Encrypted() bool {
	return k != nil && k.Method != "" && k.Method != MethodNone
}

// IVFor returns the explicit IV, or the sequence number derived one.
func (k *Key) IVFor(sn int64) []byte {
	if len(k.IV) == 16 {
		return k.IV
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(sn))
	return iv
}

// Fragment is one media segment of a playlist.
type Fragment struct {
	// SN is the media sequence number, InitSN for initialization segments.
	SN int64
	// CC is the discontinuity counter.
	CC int
	// Level is the variant index (main) or rendition id (audio, subtitle).
	Level int
	Type  PlaylistType
	URL   string

	// Start and Duration place the fragment on the playlist timeline.
	Start    float64
	Duration float64

	ByteRange   ByteRange
	Key         *Key
	InitSegment *Fragment
	// Gap marks a segment the server declared missing.
	Gap             bool
	ProgramDateTime time.Time

	// Demuxed timing, valid once PTSKnown is set.
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	PTSKnown bool

	// BitrateTest marks a throwaway load used to seed the estimator.
	BitrateTest bool
}

// End returns the end of the fragment on the playlist timeline.
func (f *Fragment) End() float64 {
	return f.Start + f.Duration
}

// IsInit reports whether the fragment is an initialization segment.
func (f *Fragment) IsInit() bool {
	return f.SN == InitSN
}

// Encrypted reports whether the fragment must be decrypted.
func (f *Fragment) Encrypted() bool {
	return f.Key.Encrypted()
}

// ID returns a stable identity of the fragment within a session.
func (f *Fragment) ID() string {
	if f.IsInit() {
		return fmt.Sprintf("%s_%d_init_%s", f.Type, f.Level, f.URL)
	}
	return fmt.Sprintf("%s_%d_%d", f.Type, f.Level, f.SN)
}

func (f *Fragment) String() string {
	return f.ID()
}

// Part is a low-latency partial segment.
type Part struct {
	// Frag is the parent fragment.
	Frag  *Fragment
	Index int
	URL   string

	ByteRange ByteRange
	// Offset is the part start relative to the parent fragment start.
	Offset      float64
	Duration    float64
	Independent bool
	Gap         bool
}

// Start returns the part start on the playlist timeline.
func (p *Part) Start() float64 {
	return p.Frag.Start + p.Offset
}

// End returns the part end on the playlist timeline.
func (p *Part) End() float64 {
	return p.Start() + p.Duration
}

// Playlist kinds from EXT-X-PLAYLIST-TYPE.
const (
	KindLive  = ""
	KindEvent = "EVENT"
	KindVOD   = "VOD"
)

// Details is a media playlist snapshot.
type Details struct {
	URL  string
	Type PlaylistType
	// ID is the variant index or rendition id the snapshot belongs to.
	ID   int
	Live bool
	Kind string

	TargetDuration float64
	PartTarget     float64
	HoldBack       float64
	PartHoldBack   float64
	CanBlockReload bool
	CanSkipUntil   float64
	// Skipped is how many segments a delta update left out.
	Skipped int

	Fragments []*Fragment
	// Parts lists every advertised part in playlist order.
	Parts []*Part
	// Partial is the in-progress segment built from the trailing parts.
	Partial *Fragment

	StartSN int64
	EndSN   int64
	StartCC int
	EndCC   int

	// Reload bookkeeping.
	Misses     int
	Updated    bool
	Advanced   bool
	ReceivedAt time.Time
	AdvancedAt time.Time

	// Drift bookkeeping: the edge position at two wall clock instants.
	DriftStart     float64
	DriftEnd       float64
	DriftStartTime time.Time
	DriftEndTime   time.Time

	// PTSKnown is set once any fragment has demuxed timing.
	PTSKnown bool
}

// Fragment returns the fragment with the given sequence number, or nil.
func (d *Details) Fragment(sn int64) *Fragment {
	if d == nil {
		return nil
	}
	i := sn - d.StartSN
	if i < 0 || i >= int64(len(d.Fragments)) {
		return nil
	}
	return d.Fragments[i]
}

// FragmentEnd returns the end of the last complete fragment.
func (d *Details) FragmentEnd() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[len(d.Fragments)-1].End()
}

// Edge returns the live edge: the end of the last advertised media,
// including parts of the in-progress segment.
func (d *Details) Edge() float64 {
	if d.Partial != nil {
		return d.Partial.End()
	}
	return d.FragmentEnd()
}

// Start returns the start of the first fragment.
func (d *Details) Start() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[0].Start
}

// TotalDuration returns the span from the first fragment to the edge.
func (d *Details) TotalDuration() float64 {
	return d.Edge() - d.Start()
}

// LastPart returns the final advertised part, or nil.
func (d *Details) LastPart() *Part {
	if len(d.Parts) == 0 {
		return nil
	}
	return d.Parts[len(d.Parts)-1]
}

// LastPartSN returns the sequence number the last part belongs to.
func (d *Details) LastPartSN() int64 {
	if p := d.LastPart(); p != nil {
		return p.Frag.SN
	}
	return d.EndSN
}

// LastPartIndex returns the index of the last part, or -1.
func (d *Details) LastPartIndex() int {
	if p := d.LastPart(); p != nil {
		return p.Index
	}
	return -1
}

// PartsOf returns the parts of frag in index order.
func (d *Details) PartsOf(frag *Fragment) []*Part {
	var out []*Part
	for _, p := range d.Parts {
		if p.Frag == frag {
			out = append(out, p)
		}
	}
	return out
}

// HasParts reports whether the playlist advertises low-latency parts.
func (d *Details) HasParts() bool {
	return len(d.Parts) > 0 && d.PartTarget > 0
}

// Drift returns how many playlist seconds the edge advances per wall second.
// It is 1 until two advances were observed.
func (d *Details) Drift() float64 {
	run := d.DriftEndTime.Sub(d.DriftStartTime).Seconds()
	if run > 0 {
		return (d.DriftEnd - d.DriftStart) / run
	}
	return 1
}

// Age returns the seconds elapsed since the edge last advanced.
func (d *Details) Age(now time.Time) float64 {
	if d.AdvancedAt.IsZero() {
		return 0
	}
	return now.Sub(d.AdvancedAt).Seconds()
}

// LiveSyncPosition returns where live playback should start or resync:
// behind the edge by the hold back, or syncCount target durations.
// Part hold back applies when lowLatency is set and parts exist.
func (d *Details) LiveSyncPosition(syncCount int, lowLatency bool) float64 {
	latency := float64(syncCount) * d.TargetDuration
	switch {
	case lowLatency && d.HasParts() && d.PartHoldBack > 0:
		latency = d.PartHoldBack
	case d.HoldBack > 0:
		latency = d.HoldBack
	}
	pos := d.Edge() - latency
	if pos < d.Start() {
		pos = d.Start()
	}
	return pos
}
