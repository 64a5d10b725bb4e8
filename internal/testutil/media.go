package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Fixture PIDs and PES stream ids.
const (
	VideoPID = 256
	AudioPID = 257

	videoStreamID = 224
	audioStreamID = 192
)

// PES is one access unit of a fixture stream, timed in 90 kHz ticks.
type PES struct {
	PTS  int64
	DTS  int64
	Data []byte
	Key  bool
}

// H264AU returns an Annex B access unit, an IDR with parameter sets when key
// is set.
func H264AU(key bool) []byte {
	au := [][]byte{{1, 0x9a, 0x02}}
	if key {
		au = [][]byte{{7, 1, 2, 3}, {8}, {5, 0x88, 0x84}}
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

// VideoPES returns n access units of frameTicks each starting at pts, the
// first one a keyframe when key is set.
func VideoPES(pts int64, n int, frameTicks int64, key bool) []PES {
	out := make([]PES, n)
	for i := range out {
		k := key && i == 0
		t := pts + int64(i)*frameTicks
		out[i] = PES{PTS: t, DTS: t, Data: H264AU(k), Key: k}
	}
	return out
}

// AudioPES returns n fake AAC frames of frameTicks each starting at pts.
func AudioPES(pts int64, n int, frameTicks int64) []PES {
	out := make([]PES, n)
	for i := range out {
		out[i] = PES{PTS: pts + int64(i)*frameTicks, Data: []byte{0xff, 0xf1, byte(i), 0, 0, 0, 0}}
	}
	return out
}

// MuxTS writes video and audio access units into an MPEG-TS segment. Either
// stream may be empty.
func MuxTS(video, audio []PES) ([]byte, error) {
	var buf bytes.Buffer
	mux := astits.NewMuxer(context.Background(), &buf)

	pcr := uint16(0)
	if len(video) > 0 {
		if err := mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: VideoPID,
			StreamType:    astits.StreamTypeH264Video,
		}); err != nil {
			return nil, fmt.Errorf("failed to add video stream: %w", err)
		}
		pcr = VideoPID
	}
	if len(audio) > 0 {
		if err := mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: AudioPID,
			StreamType:    astits.StreamTypeAACAudio,
		}); err != nil {
			return nil, fmt.Errorf("failed to add audio stream: %w", err)
		}
		if pcr == 0 {
			pcr = AudioPID
		}
	}
	mux.SetPCRPID(pcr)

	write := func(pid uint16, streamID uint8, p PES) error {
		oh := &astits.PESOptionalHeader{
			MarkerBits:      2,
			PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
			PTS:             &astits.ClockReference{Base: p.PTS},
		}
		if p.DTS != 0 && p.DTS != p.PTS {
			oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
			oh.DTS = &astits.ClockReference{Base: p.DTS}
		}
		_, err := mux.WriteData(&astits.MuxerData{
			PID: pid,
			AdaptationField: &astits.PacketAdaptationField{
				RandomAccessIndicator: p.Key,
			},
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					OptionalHeader: oh,
					StreamID:       streamID,
				},
				Data: p.Data,
			},
		})
		return err
	}

	// interleave by timestamp like a real muxer
	vi, ai := 0, 0
	for vi < len(video) || ai < len(audio) {
		if ai >= len(audio) || (vi < len(video) && video[vi].PTS <= audio[ai].PTS) {
			if err := write(VideoPID, videoStreamID, video[vi]); err != nil {
				return nil, fmt.Errorf("failed to write video: %w", err)
			}
			vi++
			continue
		}
		if err := write(AudioPID, audioStreamID, audio[ai]); err != nil {
			return nil, fmt.Errorf("failed to write audio: %w", err)
		}
		ai++
	}
	return buf.Bytes(), nil
}

// TSSegment returns a keyframe-led audio and video segment of dur seconds
// whose first timestamp is startSec.
func TSSegment(startSec, dur float64) []byte {
	const fps = 25
	pts := int64(startSec * 90000)
	frames := int(dur * fps)
	video := VideoPES(pts, frames, 90000/fps, true)
	// 20 ms audio frames line up with the video frames
	audio := AudioPES(pts, int(dur*50), 1800)
	data, err := MuxTS(video, audio)
	if err != nil {
		panic(err)
	}
	return data
}

// AudioConfig is the AAC configuration of fMP4 fixtures.
var AudioConfig = mpeg4audio.AudioSpecificConfig{
	Type:         mpeg4audio.ObjectTypeAACLC,
	SampleRate:   48000,
	ChannelCount: 2,
}

type marshaler interface {
	Marshal(w io.WriteSeeker) error
}

func marshalMP4(m marshaler) ([]byte, error) {
	var buf seekablebuffer.Buffer
	if err := m.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AudioTrackID is the track id of fMP4 audio fixtures.
const AudioTrackID = 1

// FMP4AudioInit returns an init segment with one AAC track.
func FMP4AudioInit() []byte {
	data, err := marshalMP4(&fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        AudioTrackID,
			TimeScale: 48000,
			Codec:     &mp4.CodecMPEG4Audio{Config: AudioConfig},
		}},
	})
	if err != nil {
		panic(err)
	}
	return data
}

// FMP4AudioSegment returns a media segment of n AAC frames starting at
// startSec.
func FMP4AudioSegment(seq uint32, startSec float64, n int) []byte {
	samples := make([]*fmp4.Sample, n)
	for i := range samples {
		samples[i] = &fmp4.Sample{Duration: 1024, Payload: []byte{1, 2, 3, byte(i)}}
	}
	data, err := marshalMP4(&fmp4.Part{
		SequenceNumber: seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       AudioTrackID,
			BaseTime: uint64(startSec * 48000),
			Samples:  samples,
		}},
	})
	if err != nil {
		panic(err)
	}
	return data
}
