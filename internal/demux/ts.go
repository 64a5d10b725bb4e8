package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/agleyzer/hlsplay/internal/sink"
)

const (
	tsClock = 90000.0
	// PTS values are 33 bit.
	ptsRollover = int64(1) << 33
	ptsHalf     = int64(1) << 32
)

// normalizePTS unwraps a 33 bit timestamp so it lies within half the range
// of ref.
func normalizePTS(value, ref int64) int64 {
	offset := ptsRollover
	if ref < value {
		offset = -ptsRollover
	}
	for value-ref > ptsHalf || ref-value > ptsHalf {
		value += offset
	}
	return value
}

type pesSample struct {
	pts, dts int64
	data     []byte
	key      bool
}

type tsStream struct {
	kind    sink.Track
	codec   astits.StreamType
	samples []pesSample
}

func (s *tsStream) isVideo() bool {
	return s.kind == sink.Video
}

// tsParser reads MPEG-TS segments. It keeps no state between segments.
type tsParser struct{}

func (*tsParser) reset() {}

func streamKind(streamID uint8) (sink.Track, bool) {
	switch {
	case streamID >= 0xc0 && streamID <= 0xdf:
		return sink.Audio, true
	case streamID >= 0xe0 && streamID <= 0xef:
		return sink.Video, true
	case streamID == 0xbd:
		// private stream 1 carries AC-3 and similar audio
		return sink.Audio, true
	}
	return 0, false
}

func (p *tsParser) parse(req *Request) (*Result, error) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(req.Data))

	codecs := make(map[uint16]astits.StreamType)
	streams := make(map[uint16]*tsStream)
	var order []uint16

	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to demux ts: %w", err)
		}

		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				codecs[es.ElementaryPID] = es.StreamType
			}
			continue
		}
		if d.PES == nil || d.PES.Header == nil {
			continue
		}
		oh := d.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}
		kind, ok := streamKind(d.PES.Header.StreamID)
		if !ok {
			continue
		}

		st, ok := streams[d.PID]
		if !ok {
			st = &tsStream{kind: kind, codec: codecs[d.PID]}
			streams[d.PID] = st
			order = append(order, d.PID)
		}
		s := pesSample{pts: oh.PTS.Base, dts: oh.PTS.Base, data: d.PES.Data}
		if oh.DTS != nil {
			s.dts = oh.DTS.Base
		}
		if st.isVideo() {
			s.key = isKeyframe(st.codec, d.PES.Data)
		}
		st.samples = append(st.samples, s)
	}

	if len(order) == 0 {
		return nil, ErrNoSamples
	}

	// The first stream's first timestamp anchors rollover handling.
	ref := streams[order[0]].samples[0].pts
	if req.InitPTSKnown {
		ref = int64(req.InitPTS * tsClock)
	}
	first := float64(firstPTS(streams, ref)) / tsClock
	initPTS := toTimeline(req, first)

	res := &Result{InitPTS: initPTS}
	independent := true
	seen := map[sink.Track]bool{}
	for _, pid := range order {
		st := streams[pid]
		if seen[st.kind] {
			// one output per sink buffer; extra elementary streams are ignored
			continue
		}
		seen[st.kind] = true

		tr := st.track(req, ref, initPTS)
		if st.isVideo() {
			independent = st.samples[0].key
		}
		res.Tracks = append(res.Tracks, tr)
	}
	res.finish()
	res.Independent = independent
	return res, nil
}

func firstPTS(streams map[uint16]*tsStream, ref int64) int64 {
	first, set := int64(0), false
	for _, st := range streams {
		for _, s := range st.samples {
			v := normalizePTS(s.pts, ref)
			if !set || v < first {
				first, set = v, true
			}
		}
	}
	return first
}

func (st *tsStream) track(req *Request, ref int64, initPTS float64) Track {
	var (
		buf       bytes.Buffer
		minPTS    = normalizePTS(st.samples[0].pts, ref)
		maxPTS    = minPTS
		minDTS    = normalizePTS(st.samples[0].dts, ref)
		maxDTS    = minDTS
		prevDTS   = minDTS
		lastDelta int64
	)
	for i, s := range st.samples {
		pts := normalizePTS(s.pts, ref)
		dts := normalizePTS(s.dts, ref)
		minPTS = min(minPTS, pts)
		maxPTS = max(maxPTS, pts)
		minDTS = min(minDTS, dts)
		maxDTS = max(maxDTS, dts)
		if i > 0 && dts > prevDTS {
			lastDelta = dts - prevDTS
		}
		prevDTS = dts
		buf.Write(s.data)
	}

	// The last sample lasts as long as the one before it. A single sample
	// spans the advertised duration.
	tail := float64(lastDelta) / tsClock
	if len(st.samples) == 1 {
		tail = req.Duration
	}

	codec := req.AudioCodec
	if st.kind == sink.Video {
		codec = req.VideoCodec
	}
	return Track{
		Kind:     st.kind,
		Codec:    codec,
		Data:     buf.Bytes(),
		StartPTS: float64(minPTS)/tsClock - initPTS,
		EndPTS:   float64(maxPTS)/tsClock + tail - initPTS,
		StartDTS: float64(minDTS)/tsClock - initPTS,
		EndDTS:   float64(maxDTS)/tsClock + tail - initPTS,
	}
}

func isKeyframe(codec astits.StreamType, data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	if codec == astits.StreamTypeH265Video {
		return h265.IsRandomAccess(au)
	}
	return h264.IsRandomAccess(au)
}
