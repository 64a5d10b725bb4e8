// Package parser turns multivariant and media playlists into variants and
// playlist snapshots.
package parser

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agleyzer/hlsplay/internal/attr"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
	"github.com/grafov/m3u8"
)

// ErrNoSegments is returned for a media playlist without segments or parts.
var ErrNoSegments = errors.New("playlist contains no segments")

// Multivariant is a parsed multivariant playlist. A media playlist loaded as
// the manifest becomes a single level whose snapshot is already set.
type Multivariant struct {
	URL       string
	Levels    []*variant.Level
	Audio     []*variant.Track
	Subtitles []*variant.Track
}

// ParseManifest parses the playlist found at baseURL.
func ParseManifest(data []byte, baseURL string) (*Multivariant, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		return parseMaster(master, data, baseURL)
	}

	details, err := ParseMedia(data, baseURL, segment.Main, 0)
	if err != nil {
		return nil, err
	}
	return &Multivariant{
		URL:    baseURL,
		Levels: []*variant.Level{{URL: baseURL, Details: details}},
	}, nil
}

func parseMaster(master *m3u8.MasterPlaylist, data []byte, baseURL string) (*Multivariant, error) {
	var streamInfs []attr.List
	var media []attr.List
	err := scanTags(data, func(tag, value string) error {
		switch tag {
		case "#EXT-X-STREAM-INF":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-STREAM-INF: %w", err)
			}
			streamInfs = append(streamInfs, l)
		case "#EXT-X-MEDIA":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-MEDIA: %w", err)
			}
			media = append(media, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mv := &Multivariant{URL: baseURL}
	i := 0
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		variantURL, err := resolveURL(baseURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		audio, video := variant.SplitCodecs(v.Codecs)
		level := &variant.Level{
			URL:            variantURL,
			Bitrate:        int(v.Bandwidth),
			AverageBitrate: int(v.AverageBandwidth),
			AudioCodec:     audio,
			VideoCodec:     video,
			AudioGroup:     v.Audio,
			SubtitleGroup:  v.Subtitles,
			CCGroup:        v.Captions,
		}
		if i < len(streamInfs) {
			if err := applyStreamInf(level, streamInfs[i]); err != nil {
				return nil, fmt.Errorf("variant %d: %w", i, err)
			}
		}
		i++
		mv.Levels = append(mv.Levels, level)
	}
	if len(mv.Levels) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}

	for _, l := range media {
		track, typ, err := parseRendition(l, baseURL)
		if err != nil {
			return nil, err
		}
		switch typ {
		case "AUDIO":
			mv.Audio = append(mv.Audio, track)
		case "SUBTITLES":
			mv.Subtitles = append(mv.Subtitles, track)
		}
	}
	return mv, nil
}

func applyStreamInf(level *variant.Level, l attr.List) error {
	if l.Has("RESOLUTION") {
		w, h, err := l.Resolution("RESOLUTION")
		if err != nil {
			return err
		}
		level.Width, level.Height = w, h
	}
	var err error
	if level.FrameRate, err = l.FloatOr("FRAME-RATE", 0); err != nil {
		return err
	}
	if level.Score, err = l.FloatOr("SCORE", 0); err != nil {
		return err
	}
	level.HDCPLevel = l.StringOr("HDCP-LEVEL", "")
	level.VideoRange = l.StringOr("VIDEO-RANGE", "")
	return nil
}

func parseRendition(l attr.List, baseURL string) (*variant.Track, string, error) {
	typ, err := l.Enum("TYPE", "AUDIO", "VIDEO", "SUBTITLES", "CLOSED-CAPTIONS")
	if err != nil {
		return nil, "", fmt.Errorf("EXT-X-MEDIA: %w", err)
	}
	group, err := l.String("GROUP-ID")
	if err != nil {
		return nil, "", fmt.Errorf("EXT-X-MEDIA: %w", err)
	}
	t := &variant.Track{
		GroupID:  group,
		Name:     l.StringOr("NAME", ""),
		Language: l.StringOr("LANGUAGE", ""),
	}
	if t.Default, err = l.BoolOr("DEFAULT", false); err != nil {
		return nil, "", err
	}
	if t.Autoselect, err = l.BoolOr("AUTOSELECT", t.Default); err != nil {
		return nil, "", err
	}
	if t.Forced, err = l.BoolOr("FORCED", false); err != nil {
		return nil, "", err
	}
	if uri := l.StringOr("URI", ""); uri != "" {
		if t.URL, err = resolveURL(baseURL, uri); err != nil {
			return nil, "", fmt.Errorf("failed to resolve rendition URL: %w", err)
		}
	}
	return t, typ, nil
}

// mediaTags holds what the tag scan of a media playlist found, indexed by the
// segment the tags precede.
type mediaTags struct {
	byteRanges map[int]segment.ByteRange
	keys       map[int]*segment.Key
	maps       map[int]*segment.Fragment
	gaps       map[int]bool
	parts      map[int][]attr.List
	uris       int

	partTarget     float64
	holdBack       float64
	partHoldBack   float64
	canBlockReload bool
	canSkipUntil   float64
	skipped        int
}

// ParseMedia parses a media playlist of the given playlist type and variant
// index or rendition id.
func ParseMedia(data []byte, baseURL string, typ segment.PlaylistType, id int) (*segment.Details, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	tags, err := scanMediaTags(data, baseURL, typ, id)
	if err != nil {
		return nil, err
	}

	d := &segment.Details{
		URL:            baseURL,
		Type:           typ,
		ID:             id,
		Live:           !media.Closed,
		TargetDuration: media.TargetDuration,
		PartTarget:     tags.partTarget,
		HoldBack:       tags.holdBack,
		PartHoldBack:   tags.partHoldBack,
		CanBlockReload: tags.canBlockReload,
		CanSkipUntil:   tags.canSkipUntil,
		Skipped:        tags.skipped,
		StartSN:        int64(media.SeqNo),
		StartCC:        int(media.DiscontinuitySeq),
	}
	switch media.MediaType {
	case m3u8.VOD:
		d.Kind = segment.KindVOD
	case m3u8.EVENT:
		d.Kind = segment.KindEvent
	}

	cc := d.StartCC
	start := 0.0
	var key *segment.Key
	var initSeg *segment.Fragment
	sn := d.StartSN + int64(tags.skipped)

	for i, seg := range media.Segments {
		if seg == nil || i >= tags.uris {
			break
		}
		segURL, err := resolveURL(baseURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}
		if seg.Discontinuity {
			cc++
		}
		if k, ok := tags.keys[i]; ok {
			key = k
		}
		if m, ok := tags.maps[i]; ok {
			initSeg = m
		}

		f := &segment.Fragment{
			SN:              sn,
			CC:              cc,
			Level:           id,
			Type:            typ,
			URL:             segURL,
			Start:           start,
			Duration:        seg.Duration,
			ByteRange:       tags.byteRanges[i],
			Key:             key,
			InitSegment:     initSeg,
			Gap:             tags.gaps[i],
			ProgramDateTime: seg.ProgramDateTime,
		}
		if initSeg != nil && initSeg.CC < 0 {
			initSeg.CC = cc
		}
		d.Fragments = append(d.Fragments, f)

		offset := 0.0
		for j, pl := range tags.parts[i] {
			p, err := buildPart(pl, f, j, offset, baseURL)
			if err != nil {
				return nil, err
			}
			offset += p.Duration
			d.Parts = append(d.Parts, p)
		}

		start += seg.Duration
		sn++
	}

	// parts after the last segment form the segment in progress
	if trailing := tags.parts[tags.uris]; len(trailing) > 0 {
		if k, ok := tags.keys[tags.uris]; ok {
			key = k
		}
		if m, ok := tags.maps[tags.uris]; ok {
			initSeg = m
		}
		partial := &segment.Fragment{
			SN:          sn,
			CC:          cc,
			Level:       id,
			Type:        typ,
			Start:       start,
			Key:         key,
			InitSegment: initSeg,
		}
		for j, pl := range trailing {
			p, err := buildPart(pl, partial, j, partial.Duration, baseURL)
			if err != nil {
				return nil, err
			}
			partial.Duration += p.Duration
			d.Parts = append(d.Parts, p)
		}
		d.Partial = partial
	}

	if len(d.Fragments) == 0 && d.Partial == nil {
		return nil, ErrNoSegments
	}

	d.EndSN = sn - 1
	d.EndCC = cc
	if d.TargetDuration == 0 {
		for _, f := range d.Fragments {
			if f.Duration > d.TargetDuration {
				d.TargetDuration = f.Duration
			}
		}
	}
	return d, nil
}

func buildPart(l attr.List, frag *segment.Fragment, index int, offset float64, baseURL string) (*segment.Part, error) {
	dur, err := l.Float("DURATION")
	if err != nil {
		return nil, fmt.Errorf("EXT-X-PART: %w", err)
	}
	uri, err := l.String("URI")
	if err != nil {
		return nil, fmt.Errorf("EXT-X-PART: %w", err)
	}
	partURL, err := resolveURL(baseURL, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve part URL: %w", err)
	}
	p := &segment.Part{
		Frag:     frag,
		Index:    index,
		URL:      partURL,
		Offset:   offset,
		Duration: dur,
	}
	if p.Independent, err = l.BoolOr("INDEPENDENT", false); err != nil {
		return nil, err
	}
	if p.Gap, err = l.BoolOr("GAP", false); err != nil {
		return nil, err
	}
	if l.Has("BYTERANGE") {
		length, offset, _, err := l.ByteRange("BYTERANGE")
		if err != nil {
			return nil, err
		}
		p.ByteRange = segment.ByteRange{Offset: offset, Length: length}
	}
	return p, nil
}

func scanMediaTags(data []byte, baseURL string, typ segment.PlaylistType, id int) (*mediaTags, error) {
	t := &mediaTags{
		byteRanges: make(map[int]segment.ByteRange),
		keys:       make(map[int]*segment.Key),
		maps:       make(map[int]*segment.Fragment),
		gaps:       make(map[int]bool),
		parts:      make(map[int][]attr.List),
	}
	var lastRange segment.ByteRange

	err := scanLines(data, func(line string) error {
		if !strings.HasPrefix(line, "#") {
			t.uris++
			return nil
		}
		tag, value, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXT-X-BYTERANGE":
			length, offset, hasOffset, err := attr.ParseByteRange(value)
			if err != nil {
				return fmt.Errorf("EXT-X-BYTERANGE: %w", err)
			}
			if !hasOffset {
				offset = lastRange.End()
			}
			lastRange = segment.ByteRange{Offset: offset, Length: length}
			t.byteRanges[t.uris] = lastRange

		case "#EXT-X-KEY":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-KEY: %w", err)
			}
			k, err := parseKey(l, baseURL)
			if err != nil {
				return err
			}
			t.keys[t.uris] = k

		case "#EXT-X-MAP":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-MAP: %w", err)
			}
			uri, err := l.String("URI")
			if err != nil {
				return fmt.Errorf("EXT-X-MAP: %w", err)
			}
			mapURL, err := resolveURL(baseURL, uri)
			if err != nil {
				return fmt.Errorf("failed to resolve map URL: %w", err)
			}
			init := &segment.Fragment{SN: segment.InitSN, CC: -1, Level: id, Type: typ, URL: mapURL}
			if l.Has("BYTERANGE") {
				length, offset, _, err := l.ByteRange("BYTERANGE")
				if err != nil {
					return fmt.Errorf("EXT-X-MAP: %w", err)
				}
				init.ByteRange = segment.ByteRange{Offset: offset, Length: length}
			}
			t.maps[t.uris] = init

		case "#EXT-X-GAP":
			t.gaps[t.uris] = true

		case "#EXT-X-PART":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-PART: %w", err)
			}
			t.parts[t.uris] = append(t.parts[t.uris], l)

		case "#EXT-X-PART-INF":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-PART-INF: %w", err)
			}
			if t.partTarget, err = l.Float("PART-TARGET"); err != nil {
				return fmt.Errorf("EXT-X-PART-INF: %w", err)
			}

		case "#EXT-X-SERVER-CONTROL":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-SERVER-CONTROL: %w", err)
			}
			if t.canBlockReload, err = l.BoolOr("CAN-BLOCK-RELOAD", false); err != nil {
				return err
			}
			if t.canSkipUntil, err = l.FloatOr("CAN-SKIP-UNTIL", 0); err != nil {
				return err
			}
			if t.holdBack, err = l.FloatOr("HOLD-BACK", 0); err != nil {
				return err
			}
			if t.partHoldBack, err = l.FloatOr("PART-HOLD-BACK", 0); err != nil {
				return err
			}

		case "#EXT-X-SKIP":
			l, err := attr.Parse(value)
			if err != nil {
				return fmt.Errorf("EXT-X-SKIP: %w", err)
			}
			n, err := l.Int("SKIPPED-SEGMENTS")
			if err != nil {
				return fmt.Errorf("EXT-X-SKIP: %w", err)
			}
			t.skipped = int(n)
		}
		return nil
	})
	return t, err
}

func parseKey(l attr.List, baseURL string) (*segment.Key, error) {
	method, err := l.String("METHOD")
	if err != nil {
		return nil, fmt.Errorf("EXT-X-KEY: %w", err)
	}
	k := &segment.Key{Method: method, KeyFormat: l.StringOr("KEYFORMAT", "identity")}
	if method == segment.MethodNone {
		return k, nil
	}
	uri, err := l.String("URI")
	if err != nil {
		return nil, fmt.Errorf("EXT-X-KEY: %w", err)
	}
	if k.URI, err = resolveURL(baseURL, uri); err != nil {
		return nil, fmt.Errorf("failed to resolve key URL: %w", err)
	}
	if l.Has("IV") {
		iv, err := l.Hex("IV")
		if err != nil {
			return nil, fmt.Errorf("EXT-X-KEY: %w", err)
		}
		if len(iv) != 16 {
			return nil, fmt.Errorf("EXT-X-KEY: IV must be 16 bytes, got %s", hex.EncodeToString(iv))
		}
		k.IV = iv
	}
	return k, nil
}

// scanTags calls fn with every tag line split into tag and attribute value.
func scanTags(data []byte, fn func(tag, value string) error) error {
	return scanLines(data, func(line string) error {
		if !strings.HasPrefix(line, "#EXT") {
			return nil
		}
		tag, value, _ := strings.Cut(line, ":")
		return fn(tag, value)
	})
}

// scanLines calls fn with every non-empty line that is a tag or a URI.
// Comments are skipped.
func scanLines(data []byte, fn func(line string) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || (strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#EXT")) {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
