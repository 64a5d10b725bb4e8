package demux

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/agleyzer/hlsplay/internal/sink"
)

type fmp4Track struct {
	kind      sink.Track
	timescale uint32
}

// fmp4Parser reads fMP4 segments against the last init segment it saw.
type fmp4Parser struct {
	tracks map[int]fmp4Track
}

func (p *fmp4Parser) reset() {
	p.tracks = nil
}

func codecKind(c mp4.Codec) (sink.Track, bool) {
	switch c.(type) {
	case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecAV1, *mp4.CodecVP9:
		return sink.Video, true
	case *mp4.CodecMPEG4Audio, *mp4.CodecOpus, *mp4.CodecAC3, *mp4.CodecMPEG1Audio:
		return sink.Audio, true
	}
	return 0, false
}

func (p *fmp4Parser) parse(req *Request) (*Result, error) {
	if req.Init {
		return p.parseInit(req)
	}
	if p.tracks == nil {
		return nil, ErrNoInit
	}
	return p.parseMedia(req)
}

func (p *fmp4Parser) parseInit(req *Request) (*Result, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(req.Data)); err != nil {
		return nil, fmt.Errorf("failed to parse init segment: %w", err)
	}

	p.tracks = make(map[int]fmp4Track)
	res := &Result{Init: true, Independent: true}
	seen := map[sink.Track]bool{}
	for _, t := range init.Tracks {
		kind, ok := codecKind(t.Codec)
		if !ok {
			continue
		}
		p.tracks[t.ID] = fmp4Track{kind: kind, timescale: t.TimeScale}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		codec := req.AudioCodec
		if kind == sink.Video {
			codec = req.VideoCodec
		}
		res.Tracks = append(res.Tracks, Track{Kind: kind, Codec: codec, Data: req.Data, Init: true})
	}
	if len(res.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	return res, nil
}

type trackSpan struct {
	kind       sink.Track
	startDTS   float64
	endDTS     float64
	startPTS   float64
	endPTS     float64
	data       bytes.Buffer
	firstKey   bool
	hasSamples bool
}

func (p *fmp4Parser) parseMedia(req *Request) (*Result, error) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(req.Data); err != nil {
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}

	spans := map[sink.Track]*trackSpan{}
	var order []sink.Track
	for _, part := range parts {
		for _, pt := range part.Tracks {
			info, ok := p.tracks[pt.ID]
			if !ok || len(pt.Samples) == 0 {
				continue
			}
			ts := float64(info.timescale)
			if ts == 0 {
				ts = tsClock
			}
			sp, ok := spans[info.kind]
			if !ok {
				sp = &trackSpan{kind: info.kind}
				spans[info.kind] = sp
				order = append(order, info.kind)
			}

			dts := pt.BaseTime
			for _, s := range pt.Samples {
				d := float64(dts) / ts
				pts := d + float64(s.PTSOffset)/ts
				end := pts + float64(s.Duration)/ts
				if !sp.hasSamples {
					sp.startDTS, sp.startPTS, sp.endPTS = d, pts, end
					sp.firstKey = !s.IsNonSyncSample
					sp.hasSamples = true
				}
				sp.startPTS = min(sp.startPTS, pts)
				sp.endPTS = max(sp.endPTS, end)
				dts += uint64(s.Duration)
				sp.endDTS = float64(dts) / ts
				sp.data.Write(s.Payload)
			}
		}
	}
	if len(order) == 0 {
		return nil, ErrNoSamples
	}

	first := spans[order[0]].startPTS
	for _, sp := range spans {
		first = min(first, sp.startPTS)
	}
	initPTS := toTimeline(req, first)

	res := &Result{InitPTS: initPTS}
	independent := true
	for _, kind := range order {
		sp := spans[kind]
		codec := req.AudioCodec
		if kind == sink.Video {
			codec = req.VideoCodec
			independent = sp.firstKey
		}
		res.Tracks = append(res.Tracks, Track{
			Kind:     kind,
			Codec:    codec,
			Data:     sp.data.Bytes(),
			StartPTS: sp.startPTS - initPTS,
			EndPTS:   sp.endPTS - initPTS,
			StartDTS: sp.startDTS - initPTS,
			EndDTS:   sp.endDTS - initPTS,
		})
	}
	res.finish()
	res.Independent = independent
	return res, nil
}
