// Package demux turns loaded segment bytes into per-track chunks with
// timeline timestamps. Parsing runs on a worker goroutine; results are
// delivered on the scheduler goroutine.
package demux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
)

// Format is a segment container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatTS
	FormatFMP4
	FormatWebVTT
)

func (f Format) String() string {
	switch f {
	case FormatTS:
		return "mpegts"
	case FormatFMP4:
		return "fmp4"
	case FormatWebVTT:
		return "webvtt"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownFormat is returned for data no parser recognises.
	ErrUnknownFormat = errors.New("unknown segment format")
	// ErrNoInit is returned for fMP4 media pushed before its init segment.
	ErrNoInit = errors.New("fmp4 media without init segment")
	// ErrNoTracks is returned for init segments without a supported track.
	ErrNoTracks = errors.New("init segment has no supported tracks")
	// ErrNoSamples is returned when a media segment holds no timed samples.
	ErrNoSamples = errors.New("segment has no samples")
)

const tsPacketSize = 188

// Detect sniffs the container format of data.
func Detect(data []byte) Format {
	switch {
	case len(data) >= tsPacketSize && data[0] == 0x47 &&
		(len(data) < 2*tsPacketSize || data[tsPacketSize] == 0x47):
		return FormatTS
	case bytes.HasPrefix(bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf}), []byte("WEBVTT")):
		return FormatWebVTT
	case len(data) >= 8 && isBoxType(data[4:8]):
		return FormatFMP4
	}
	return FormatUnknown
}

func isBoxType(b []byte) bool {
	switch string(b) {
	case "ftyp", "moov", "moof", "styp", "sidx", "emsg", "prft":
		return true
	}
	return false
}

// ChunkMeta identifies the load a chunk came from.
type ChunkMeta struct {
	Type  segment.PlaylistType
	Level int
	SN    int64
	// Part is the part index, -1 for whole fragments.
	Part int
	// Generation is the controller generation that issued the load.
	Generation uint64

	Queued      time.Time
	ParseStart  time.Time
	ParseEnd    time.Time
	Transmuxed  int
	Independent bool
}

// Request is one chunk to parse.
type Request struct {
	Meta ChunkMeta
	Data []byte
	// Init marks Data as an initialization segment.
	Init bool

	AudioCodec string
	VideoCodec string

	// Start and Duration place the chunk on the playlist timeline.
	Start    float64
	Duration float64

	// InitPTS is the media time, in seconds, of timeline zero for the
	// chunk's discontinuity run. It is derived from the chunk when unknown.
	InitPTS      float64
	InitPTSKnown bool
}

// Track is the output of one sink buffer.
type Track struct {
	Kind  sink.Track
	Codec string
	Data  []byte
	// Init is set for codec setup chunks, which carry no media time.
	Init bool

	// Timeline seconds.
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
}

// Result is the parsed form of a Request.
type Result struct {
	Meta   ChunkMeta
	Format Format
	Init   bool
	Tracks []Track

	// Timing across tracks, on the timeline. Valid when Timed is set.
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	Timed    bool

	// InitPTS is the value used to map media time to the timeline.
	InitPTS float64
	// Independent reports whether video starts on a keyframe. Chunks
	// without video are always independent.
	Independent bool
}

// Track returns the output for kind, or nil.
func (r *Result) Track(kind sink.Track) *Track {
	for i := range r.Tracks {
		if r.Tracks[i].Kind == kind {
			return &r.Tracks[i]
		}
	}
	return nil
}

func (r *Result) finish() {
	r.Independent = true
	first := true
	for _, t := range r.Tracks {
		if t.Init {
			continue
		}
		if first {
			r.StartPTS, r.EndPTS, r.StartDTS, r.EndDTS = t.StartPTS, t.EndPTS, t.StartDTS, t.EndDTS
			first = false
			continue
		}
		r.StartPTS = min(r.StartPTS, t.StartPTS)
		r.EndPTS = max(r.EndPTS, t.EndPTS)
		r.StartDTS = min(r.StartDTS, t.StartDTS)
		r.EndDTS = max(r.EndDTS, t.EndDTS)
	}
	r.Timed = !first
}

// Demuxer parses chunks for one stream controller. done runs on the
// scheduler goroutine unless Reset or Destroy was called after Push.
type Demuxer interface {
	Push(req *Request, done func(*Result, error))
	// Reset drops queued work and parser state.
	Reset()
	Destroy()
}

// parser is the per-format state kept on the worker goroutine.
type parser interface {
	parse(req *Request) (*Result, error)
	reset()
}

type job struct {
	req   *Request
	done  func(*Result, error)
	gen   uint64
	reset bool
}

// Transmuxer is the Demuxer used by the engine.
type Transmuxer struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger

	// gen and destroyed are only touched on the scheduler goroutine.
	gen       uint64
	destroyed bool

	jobs chan job
	wg   sync.WaitGroup
}

var _ Demuxer = (*Transmuxer)(nil)

// NewTransmuxer starts a worker that parses TS, fMP4 and WebVTT.
func NewTransmuxer(sched *scheduler.Scheduler, logger *slog.Logger) *Transmuxer {
	t := &Transmuxer{
		sched:  sched,
		logger: logging.Component(logger, "demux"),
		jobs:   make(chan job, 16),
	}
	t.wg.Add(1)
	go t.work()
	return t
}

func (t *Transmuxer) work() {
	defer t.wg.Done()

	parsers := map[Format]parser{
		FormatTS:     &tsParser{},
		FormatFMP4:   &fmp4Parser{},
		FormatWebVTT: vttParser{},
	}
	var last Format

	for j := range t.jobs {
		if j.reset {
			for _, p := range parsers {
				p.reset()
			}
			last = FormatUnknown
			continue
		}

		req := j.req
		req.Meta.ParseStart = time.Now()
		format := Detect(req.Data)
		if format == FormatUnknown && !req.Init && last == FormatFMP4 {
			// mdat-first or unknown leading boxes in a known fMP4 stream
			format = FormatFMP4
		}

		var (
			res *Result
			err error
		)
		if p, ok := parsers[format]; ok {
			res, err = p.parse(req)
		} else {
			err = fmt.Errorf("%w: %d bytes", ErrUnknownFormat, len(req.Data))
		}
		if err == nil {
			last = format
			res.Format = format
			res.Meta = req.Meta
			res.Meta.ParseEnd = time.Now()
			res.Meta.Independent = res.Independent
			for _, tr := range res.Tracks {
				res.Meta.Transmuxed += len(tr.Data)
			}
		} else {
			t.logger.Warn("failed to parse chunk",
				"type", req.Meta.Type,
				"level", req.Meta.Level,
				"sn", req.Meta.SN,
				"error", err)
		}

		gen, done := j.gen, j.done
		t.sched.Post(func() {
			if gen == t.gen {
				done(res, err)
			}
		})
	}
}

// Push queues req for parsing.
func (t *Transmuxer) Push(req *Request, done func(*Result, error)) {
	req.Meta.Queued = time.Now()
	t.send(job{req: req, done: done, gen: t.gen})
}

// Reset discards results of chunks pushed so far and clears parser state.
func (t *Transmuxer) Reset() {
	t.gen++
	t.send(job{reset: true})
}

func (t *Transmuxer) send(j job) {
	if t.destroyed {
		return
	}
	t.jobs <- j
}

// Destroy stops the worker and waits for it to exit.
func (t *Transmuxer) Destroy() {
	t.gen++
	if !t.destroyed {
		t.destroyed = true
		close(t.jobs)
	}
	t.wg.Wait()
}

// toTimeline maps a media time in seconds onto the playlist timeline,
// deriving the init PTS from the first sample when the request carries none.
func toTimeline(req *Request, firstMedia float64) (initPTS float64) {
	if req.InitPTSKnown {
		return req.InitPTS
	}
	return firstMedia - req.Start
}
