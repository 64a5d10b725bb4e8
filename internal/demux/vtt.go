package demux

import (
	"github.com/agleyzer/hlsplay/internal/sink"
)

// vttParser passes WebVTT cues through, timed by the playlist.
type vttParser struct{}

func (vttParser) reset() {}

func (vttParser) parse(req *Request) (*Result, error) {
	res := &Result{
		Tracks: []Track{{
			Kind:     sink.Text,
			Data:     req.Data,
			StartPTS: req.Start,
			EndPTS:   req.Start + req.Duration,
			StartDTS: req.Start,
			EndDTS:   req.Start + req.Duration,
		}},
		InitPTS: req.InitPTS,
	}
	res.finish()
	return res, nil
}
