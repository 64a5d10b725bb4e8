// Package stream implements the fragment loading state machine shared by the
// main, audio and subtitle controllers.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/agleyzer/hlsplay/internal/bufferq"
	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/demux"
	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/keys"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/playlist"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
	"github.com/agleyzer/hlsplay/internal/tracker"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// Options are the collaborators of a controller. Tracker, Queue, Sink, Keys
// and Hub are shared by every controller of a session.
type Options struct {
	Config    *config.Config
	Registry  *variant.Registry
	Playlists *playlist.Controller
	Tracker   *tracker.Tracker
	Queue     *bufferq.Queue
	Sink      sink.Sink
	Keys      *keys.Cache
	Factory   loader.Factory
	Hub       *event.Hub
	Sched     *scheduler.Scheduler
	// Position returns the playhead and whether media is attached, which
	// happens once the first main fragment was appended.
	Position func() (float64, bool)
	Logger   *slog.Logger
}

// pendingParse holds loaded bytes waiting for the timeline origin of their
// discontinuity range.
type pendingParse struct {
	frag  *segment.Fragment
	part  *segment.Part
	data  []byte
	stats *loader.Stats
}

// Controller loads, parses and appends the fragments of one playlist type.
// Every method must run on the scheduler goroutine.
type Controller struct {
	strategy Strategy
	typ      segment.PlaylistType
	cfg      *config.Config
	registry *variant.Registry
	lists    *playlist.Controller
	tracker  *tracker.Tracker
	queue    *bufferq.Queue
	sink     sink.Sink
	factory  loader.Factory
	hub      *event.Hub
	sched    *scheduler.Scheduler
	position func() (float64, bool)
	logger   *slog.Logger

	keys    *keys.Loader
	demuxer *demux.Transmuxer
	ld      loader.Loader
	task    *scheduler.Task
	ticker  scheduler.Timer
	retry   scheduler.Timer
	unsub   []func()

	state   State
	level   int
	details *segment.Details

	// gen is bumped whenever the current load is abandoned; callbacks of
	// older loads are dropped.
	gen   uint64
	frag  *segment.Fragment
	part  *segment.Part
	stats *loader.Stats

	prev     *segment.Fragment
	prevPart *segment.Part
	lastInit *segment.Fragment
	pending  *pendingParse
	// chunks counts appends of the current fragment still in the queue.
	chunks int

	startPosition    float64
	nextLoadPosition float64
	started          bool

	retries int
	// loops counts reloads of the last buffered fragment while the playhead
	// stayed at loopPos.
	loops     int
	loopPos   float64
	backtrack *segment.Fragment
	// jumped is set when the next fragment does not continue the media
	// appended last: after a start, seek, level switch or live resync.
	jumped bool
	// quotaLimit caps the forward buffer once the sink ran out of room.
	quotaLimit float64
	initPTS   map[int]float64
	appended  map[sink.Track]bool
	gaps      map[string]bool
}

// New creates a stopped controller.
func New(strategy Strategy, opts Options) *Controller {
	typ := strategy.Type()
	logger := logging.Component(opts.Logger, "stream-"+typ.String())
	c := &Controller{
		strategy:      strategy,
		typ:           typ,
		cfg:           opts.Config,
		registry:      opts.Registry,
		lists:         opts.Playlists,
		tracker:       opts.Tracker,
		queue:         opts.Queue,
		sink:          opts.Sink,
		factory:       opts.Factory,
		hub:           opts.Hub,
		sched:         opts.Sched,
		position:      opts.Position,
		logger:        logger,
		keys:          keys.NewLoader(opts.Keys, opts.Factory, opts.Sched, opts.Config.Loading.Key, opts.Logger),
		demuxer:       demux.NewTransmuxer(opts.Sched, opts.Logger),
		level:         -1,
		startPosition: -1,
		initPTS:       make(map[int]float64),
		appended:      make(map[sink.Track]bool),
		gaps:          make(map[string]bool),
	}
	c.task = opts.Sched.NewTask("stream-"+typ.String(), c.doTick)
	c.unsub = append(c.unsub,
		c.hub.Subscribe(c.onPlaylistLoaded, event.KindPlaylistLoaded),
		c.hub.Subscribe(c.onEmergencyAbort, event.KindFragLoadEmergencyAborted),
		c.hub.Subscribe(c.onInitPTS, event.KindInitPTSFound),
		c.hub.Subscribe(c.onLevelsUpdated, event.KindLevelsUpdated),
	)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Level returns the playlist id fragments are loaded from, or -1.
func (c *Controller) Level() int {
	return c.level
}

// Details returns the snapshot of the current playlist.
func (c *Controller) Details() *segment.Details {
	return c.details
}

// StartPosition returns where loading started, or -1 before it is known.
func (c *Controller) StartPosition() float64 {
	if !c.started {
		return -1
	}
	return c.startPosition
}

// Started reports whether the start position was resolved.
func (c *Controller) Started() bool {
	return c.started
}

// InitPTS returns the timeline origin of discontinuity range cc.
func (c *Controller) InitPTS(cc int) (float64, bool) {
	pts, ok := c.initPTS[cc]
	return pts, ok
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", "from", c.state, "to", s)
	c.state = s
}

// Start begins loading at pos. A negative pos starts at the configured
// start position, the live sync point, or the beginning of the playlist.
func (c *Controller) Start(pos float64) {
	if c.state != Stopped && c.state != Error {
		return
	}
	c.startPosition = pos
	c.started = pos >= 0
	c.nextLoadPosition = max(pos, 0)
	c.jumped = true
	c.setState(Idle)
	if c.ticker == nil {
		c.ticker = c.sched.Every(c.cfg.Stall.TickInterval.Std(), c.tick)
	}
	c.tick()
}

// Stop abandons the current load and halts the controller.
func (c *Controller) Stop() {
	c.abortLoad()
	c.demuxer.Reset()
	c.lastInit = nil
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.setState(Stopped)
}

// Destroy stops the controller and releases its resources.
func (c *Controller) Destroy() {
	c.Stop()
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil
	c.keys.Destroy()
	c.demuxer.Destroy()
	if c.ld != nil {
		c.ld.Destroy()
		c.ld = nil
	}
}

// Wake schedules a tick, for example after a track selection changed.
func (c *Controller) Wake() {
	c.tick()
}

func (c *Controller) tick() {
	c.task.Schedule()
}

// Seek restarts selection at pos. A load that does not cover pos is
// abandoned.
func (c *Controller) Seek(pos float64) {
	if c.state == Stopped || c.state == Error {
		return
	}
	if f := c.frag; f != nil && !(f.Start <= pos && pos < f.End()) {
		c.abortLoad()
	}
	c.nextLoadPosition = pos
	c.started = true
	c.startPosition = pos
	c.prev = nil
	c.prevPart = nil
	c.loops = 0
	c.backtrack = nil
	c.jumped = true
	if c.frag == nil {
		c.setState(Idle)
	}
	c.tick()
}

// Flush abandons the current load and removes every buffered fragment of
// this controller from the sink and the tracker.
func (c *Controller) Flush() {
	c.abortLoad()
	for _, t := range c.strategy.Tracks() {
		if !c.appended[t] {
			continue
		}
		track := t
		c.queue.Flush(track, 0, math.Inf(1), func(err error) {
			if err == nil {
				c.hub.Publish(event.BufferFlushed{Track: track, Start: 0, End: math.Inf(1)})
			}
		})
	}
	c.tracker.RemoveFragmentsInRange(0, math.Inf(1), c.typ)
	c.prev = nil
	c.prevPart = nil
	if c.state != Stopped && c.state != Error {
		c.setState(Idle)
	}
	c.tick()
}

// abortLoad drops the fragment in flight, if any.
func (c *Controller) abortLoad() {
	c.gen++
	if c.ld != nil {
		c.ld.Abort()
	}
	c.keys.Abort()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.stats != nil {
		c.stats.Aborted = true
	}
	c.frag = nil
	c.part = nil
	c.stats = nil
	c.pending = nil
	c.chunks = 0
}

// Buffered returns the time buffered on every track of this controller.
func (c *Controller) Buffered() timerange.Ranges {
	var lists []timerange.Ranges
	for _, t := range c.strategy.Tracks() {
		if c.appended[t] {
			lists = append(lists, c.sink.Buffered(t))
		}
	}
	return timerange.Common(lists...)
}

// BufferInfo describes the buffer around pos.
func (c *Controller) BufferInfo(pos float64) timerange.Info {
	return timerange.BufferInfo(c.Buffered(), pos, c.cfg.Buffer.MaxBufferHole)
}

// loadPosition is the playhead once media is attached, otherwise where
// loading should start.
func (c *Controller) loadPosition() float64 {
	if c.position != nil {
		if pos, ok := c.position(); ok {
			return pos
		}
	}
	return c.nextLoadPosition
}

func (c *Controller) doTick() {
	switch c.state {
	case Idle:
		c.doIdle()
	case WaitingTrack:
		// an init segment being parsed holds the controller
		if c.frag == nil {
			c.doIdle()
		}
	case WaitingLevel:
		if c.details != nil {
			c.setState(Idle)
			c.doIdle()
		}
	case WaitingInitPTS:
		if p := c.pending; p != nil {
			if _, ok := c.initPTS[p.frag.CC]; ok {
				c.pending = nil
				c.parse(p.frag, p.part, p.data, p.stats)
			}
		}
	}
}

func (c *Controller) doIdle() {
	fragDuration := 0.0
	if c.details != nil {
		fragDuration = c.details.TargetDuration
	}
	level := c.strategy.NextLevel(fragDuration)
	if level < 0 {
		if c.typ != segment.Main {
			c.setState(WaitingTrack)
		}
		return
	}
	if c.state == WaitingTrack {
		c.setState(Idle)
	}
	if level != c.level || c.details == nil && c.lists.ID() != level {
		c.switchLevel(level)
		return
	}
	d := c.details
	if d == nil {
		c.setState(WaitingLevel)
		return
	}

	if !c.started {
		c.resolveStart(d)
	}

	pos := c.loadPosition()
	info := c.BufferInfo(pos)
	maxLen := c.maxBufferLength()
	if info.Len >= maxLen {
		return
	}

	target := info.End
	if d.Live && target < d.Start() {
		target = d.LiveSyncPosition(c.cfg.Live.SyncDurationCount, c.cfg.LowLatencyMode)
		c.nextLoadPosition = target
		c.jumped = true
		c.logger.Info("behind the live window, resyncing", "position", pos, "target", target)
	}

	frag, part := c.nextFragment(d, target, pos, maxLen)
	if frag == nil {
		if !d.Live && !info.HasNext && c.prevPart == nil && c.reachedEnd(d, info) {
			c.setState(Ended)
			c.logger.Info("all fragments buffered")
			c.hub.Publish(event.StreamEnded{Type: c.typ})
		}
		return
	}

	if frag.InitSegment != nil && frag.InitSegment != c.lastInit {
		c.loadFragment(frag.InitSegment, nil)
		return
	}
	if bt, ok := c.strategy.(bitrateTester); ok && bt.NeedsBitrateTest() {
		test := *frag
		test.BitrateTest = true
		c.logger.Info("testing bandwidth", "frag", frag.ID())
		c.startLoad(&test, nil)
		return
	}
	c.loadFragment(frag, part)
}

// reachedEnd reports whether the last fragment was buffered, either just now
// or before a seek into the buffered tail.
func (c *Controller) reachedEnd(d *segment.Details, info timerange.Info) bool {
	if c.prev != nil {
		return c.prev.SN == d.EndSN
	}
	return info.Len > 0 && info.End >= d.Edge()-c.cfg.Buffer.MaxBufferHole
}

func (c *Controller) resolveStart(d *segment.Details) {
	start := c.cfg.StartPosition
	switch {
	case start >= 0:
	case d.Live:
		start = d.LiveSyncPosition(c.cfg.Live.SyncDurationCount, c.cfg.LowLatencyMode)
	default:
		start = d.Start()
	}
	c.startPosition = start
	c.nextLoadPosition = start
	c.started = true
	c.logger.Info("start position", "position", start, "live", d.Live)
}

// switchLevel makes level the playlist to load from and waits for it.
func (c *Controller) switchLevel(level int) {
	old := c.level
	c.level = level
	c.details = nil
	c.jumped = true
	if c.typ == segment.Main {
		auto := true
		if s, ok := c.strategy.(*MainStrategy); ok {
			auto = s.ABR.AutoEnabled()
		}
		c.logger.Info("switching level", "from", old, "to", level, "auto", auto)
		c.hub.Publish(event.LevelSwitching{Level: level, Auto: auto})
	} else {
		c.logger.Info("switching track", "from", old, "to", level)
		if old >= 0 {
			c.Flush()
			c.demuxer.Reset()
			c.lastInit = nil
		}
		c.hub.Publish(event.TrackSwitching{Type: c.typ, ID: level})
	}
	c.setState(WaitingLevel)
	c.lists.Load(level)
}

func (c *Controller) maxBufferLength() float64 {
	b := c.cfg.Buffer
	maxLen := b.MaxBufferLength
	if c.typ == segment.Main {
		if l := c.registry.Level(c.level); l != nil && l.Bitrate > 0 {
			maxLen = math.Max(maxLen, float64(b.MaxBufferSize)*8/float64(l.Bitrate))
		}
	}
	maxLen = math.Min(maxLen, b.MaxMaxBufferLength)
	if c.quotaLimit > 0 {
		maxLen = math.Min(maxLen, c.quotaLimit)
	}
	return maxLen
}

// nextFragment picks what to load for the buffer ending at target. It skips
// gaps and fragments already buffered.
func (c *Controller) nextFragment(d *segment.Details, target, pos, maxLen float64) (*segment.Fragment, *segment.Part) {
	if p := c.nextPart(d, target); p != nil {
		return p.Frag, p
	}
	if c.partsActive(d) && target >= d.FragmentEnd() {
		// at the edge; the next part is not advertised yet
		return nil, nil
	}

	var frag *segment.Fragment
	if bt := c.backtrack; bt != nil {
		c.backtrack = nil
		frag = d.Fragment(bt.SN - 1)
	}
	if frag == nil {
		frag = segment.FindByPosition(d.Fragments, c.prev, target, c.cfg.Buffer.MaxFragLookUpTolerance)
	}
	if frag == nil && !d.Live && len(d.Fragments) > 0 && target < d.Start() {
		frag = d.Fragments[0]
	}

	for frag != nil {
		if frag.Start-pos >= maxLen {
			return nil, nil
		}
		if frag.Gap {
			c.reportGap(frag)
			frag = d.Fragment(frag.SN + 1)
			continue
		}
		if c.tracker.Reloadable(frag) {
			if !c.loopLoading(frag, pos) {
				return frag, nil
			}
			if d.Live {
				c.logger.Debug("fragment keeps getting reloaded, waiting for a playlist reload", "frag", frag.ID(), "loops", c.loops)
				return nil, nil
			}
			c.logger.Warn("fragment keeps getting reloaded, skipping it", "frag", frag.ID(), "loops", c.loops)
		} else if c.tracker.State(frag) == tracker.Appending {
			return nil, nil
		}
		frag = d.Fragment(frag.SN + 1)
	}
	return nil, nil
}

// loopLoading reports whether loading frag again would exceed MaxLoopLoads
// reloads of the last buffered fragment without playhead progress.
func (c *Controller) loopLoading(frag *segment.Fragment, pos float64) bool {
	if c.prev == nil || frag.SN != c.prev.SN || frag.Level != c.prev.Level {
		return false
	}
	if pos != c.loopPos {
		c.loops = 0
		c.loopPos = pos
	}
	c.loops++
	return c.loops > c.cfg.Live.MaxLoopLoads
}

func (c *Controller) partsActive(d *segment.Details) bool {
	return c.cfg.LowLatencyMode && d.Live && d.HasParts()
}

// nextPart returns the part to load when target lies within the advertised
// parts. A fresh start begins on an independent part.
func (c *Controller) nextPart(d *segment.Details, target float64) *segment.Part {
	if !c.partsActive(d) {
		return nil
	}
	first := d.Parts[0]
	if target < first.Start()-c.cfg.Buffer.MaxFragLookUpTolerance {
		return nil
	}
	p := segment.FindPart(d.Parts, target)
	if p == nil || p.Gap || p.Frag.Encrypted() {
		return nil
	}
	if !c.continuesPart(p) {
		if ind := segment.IndependentPartAtOrBefore(d.Parts, target); ind != nil {
			p = ind
		}
	}
	if pp := c.prevPart; pp != nil && pp.Frag.SN == p.Frag.SN && pp.Index >= p.Index && pp.Frag.Level == p.Frag.Level {
		return nil
	}
	return p
}

// continuesPart reports whether p directly follows the last loaded part.
func (c *Controller) continuesPart(p *segment.Part) bool {
	pp := c.prevPart
	if pp == nil || pp.Frag.Level != p.Frag.Level {
		return false
	}
	if pp.Frag.SN == p.Frag.SN {
		return p.Index == pp.Index+1
	}
	return p.Frag.SN == pp.Frag.SN+1 && p.Index == 0
}

func (c *Controller) reportGap(frag *segment.Fragment) {
	id := frag.ID()
	if c.gaps[id] {
		return
	}
	c.gaps[id] = true
	e := c.newError(errs.Network, errs.FragGap, fmt.Errorf("gap segment %s", id), frag, nil)
	c.logger.Debug("skipping gap", "frag", id)
	c.hub.Publish(event.Error{Err: e})
}

// loadFragment resolves the decryption key of frag when needed, then loads it.
func (c *Controller) loadFragment(frag *segment.Fragment, part *segment.Part) {
	if !frag.Encrypted() {
		c.startLoad(frag, part)
		return
	}
	if _, ok := c.keys.Cached(frag); ok {
		c.startLoad(frag, part)
		return
	}
	c.gen++
	gen := c.gen
	c.frag, c.part = frag, part
	c.setState(KeyLoading)
	c.keys.Load(frag, func(_ []byte, err *errs.Error) {
		if gen != c.gen {
			return
		}
		if err != nil {
			c.onLoadFailed(frag, part, err)
			return
		}
		c.hub.Publish(event.KeyLoaded{Frag: frag})
		c.startLoad(frag, part)
	})
}

func (c *Controller) startLoad(frag *segment.Fragment, part *segment.Part) {
	c.gen++
	gen := c.gen
	c.frag, c.part = frag, part
	c.stats = &loader.Stats{Retry: c.retries}
	c.setState(FragLoading)

	if c.ld == nil {
		c.ld = c.factory()
	}
	lctx := loader.ForFragment(frag, part)
	lctx.Stats = c.stats
	policy := c.cfg.Loading.Fragment

	c.logger.Debug("loading fragment", "frag", frag.ID(), "part", partIndex(part), "url", lctx.URL)
	c.ld.Load(lctx, policy, loader.Callbacks{
		OnSuccess: func(resp *loader.Response, stats *loader.Stats, _ *loader.Context) {
			if gen != c.gen {
				return
			}
			c.onLoaded(frag, part, resp.Data, stats)
		},
		OnError: func(err error, stats *loader.Stats, ctx *loader.Context) {
			if gen != c.gen {
				return
			}
			e := c.newError(errs.Network, errs.FragLoadError, err, frag, part)
			e.URL = ctx.URL
			e.Code = loader.StatusCode(err)
			c.onLoadFailed(frag, part, e)
		},
		OnTimeout: func(stats *loader.Stats, ctx *loader.Context) {
			if gen != c.gen {
				return
			}
			e := c.newError(errs.Network, errs.FragLoadTimeout, loader.ErrTimeout, frag, part)
			e.URL = ctx.URL
			c.onLoadFailed(frag, part, e)
		},
	})
	c.hub.Publish(event.FragLoading{Frag: frag, Part: part, Stats: c.stats})
}

func partIndex(p *segment.Part) int {
	if p == nil {
		return -1
	}
	return p.Index
}

func (c *Controller) onLoaded(frag *segment.Fragment, part *segment.Part, data []byte, stats *loader.Stats) {
	gen := c.gen
	c.hub.Publish(event.FragLoaded{Frag: frag, Part: part, Stats: stats, Bytes: len(data)})
	if gen != c.gen {
		// a subscriber abandoned the load
		return
	}
	if frag.BitrateTest {
		c.frag, c.part, c.stats = nil, nil, nil
		c.setState(Idle)
		c.tick()
		return
	}
	c.tracker.FragLoaded(frag, part)

	if frag.Encrypted() && part == nil {
		key, _ := c.keys.Cached(frag)
		plain, err := keys.Decrypt(data, key, frag.Key.IVFor(frag.SN))
		if err != nil {
			c.tracker.RemoveFragment(frag)
			c.onLoadFailed(frag, part, c.newError(errs.Media, errs.FragDecryptError, err, frag, part))
			return
		}
		data = plain
	}

	if c.typ != segment.Main && !frag.IsInit() {
		if _, ok := c.initPTS[frag.CC]; !ok {
			c.logger.Debug("waiting for the main timeline", "frag", frag.ID(), "cc", frag.CC)
			c.pending = &pendingParse{frag: frag, part: part, data: data, stats: stats}
			c.setState(WaitingInitPTS)
			return
		}
	}
	c.parse(frag, part, data, stats)
}

func (c *Controller) codecs(frag *segment.Fragment) (audio, video string) {
	if c.typ == segment.Main {
		if l := c.registry.Level(frag.Level); l != nil {
			return l.AudioCodec, l.VideoCodec
		}
		return "", ""
	}
	if t := c.registry.Track(c.typ, frag.Level); t != nil {
		return t.Codec, ""
	}
	return "", ""
}

func (c *Controller) parse(frag *segment.Fragment, part *segment.Part, data []byte, stats *loader.Stats) {
	if frag.IsInit() {
		// tracks are unknown until the init segment is parsed
		c.setState(WaitingTrack)
	} else {
		c.setState(Parsing)
	}
	stats.ParsingStart = c.sched.Now()

	start, duration := frag.Start, frag.Duration
	if part != nil {
		start, duration = part.Start(), part.Duration
	}
	audio, video := c.codecs(frag)
	initPTS, known := c.initPTS[frag.CC]
	req := &demux.Request{
		Meta: demux.ChunkMeta{
			Type:       c.typ,
			Level:      frag.Level,
			SN:         frag.SN,
			Part:       partIndex(part),
			Generation: c.gen,
		},
		Data:         data,
		Init:         frag.IsInit(),
		AudioCodec:   audio,
		VideoCodec:   video,
		Start:        start,
		Duration:     duration,
		InitPTS:      initPTS,
		InitPTSKnown: known,
	}
	gen := c.gen
	c.demuxer.Push(req, func(res *demux.Result, err error) {
		if gen != c.gen {
			return
		}
		c.onParsed(frag, part, res, err, stats)
	})
}

func (c *Controller) onParsed(frag *segment.Fragment, part *segment.Part, res *demux.Result, err error, stats *loader.Stats) {
	stats.ParsingEnd = c.sched.Now()
	if err != nil {
		c.tracker.RemoveFragment(frag)
		c.onLoadFailed(frag, part, c.newError(errs.Media, errs.FragParsingError, err, frag, part))
		return
	}
	if res.Init {
		c.lastInit = frag
	}

	if res.Timed && c.typ == segment.Main {
		if _, ok := c.initPTS[frag.CC]; !ok {
			c.initPTS[frag.CC] = res.InitPTS
			c.logger.Debug("timeline origin found", "cc", frag.CC, "init_pts", res.InitPTS)
			c.hub.Publish(event.InitPTSFound{CC: frag.CC, PTS: res.InitPTS})
		}
	}

	if c.shouldBacktrack(frag, part, res) {
		c.logger.Info("fragment does not start on a keyframe, loading the previous one", "frag", frag.ID())
		c.tracker.RemoveFragment(frag)
		c.backtrack = frag
		c.jumped = false
		c.frag, c.part, c.stats = nil, nil, nil
		c.setState(Idle)
		c.tick()
		return
	}

	if res.Timed && part == nil && !frag.IsInit() {
		drift := segment.UpdateFragmentPTS(c.details, frag, res.StartPTS, res.EndPTS, res.StartDTS, res.EndDTS)
		if math.Abs(drift) > 0.5 {
			c.logger.Debug("fragment moved to its demuxed timing", "frag", frag.ID(), "drift", drift)
		}
	}

	c.setState(Parsed)
	stats.BufferingStart = c.sched.Now()
	gen := c.gen
	for _, tr := range res.Tracks {
		if !c.strategy.Accept(tr.Kind) {
			continue
		}
		kind := tr.Kind
		seg := sink.Segment{Data: tr.Data, Start: tr.StartPTS, End: tr.EndPTS, Init: tr.Init}
		if !tr.Init {
			offset := timestampOffset(res)
			seg.Start -= offset
			seg.End -= offset
			c.queue.SetTimestampOffset(kind, offset, nil)
		}
		rng := timerange.Range{Start: tr.StartPTS, End: tr.EndPTS}
		c.chunks++
		c.queue.Append(kind, seg, rng, func(err error) {
			if gen != c.gen {
				return
			}
			c.onAppended(frag, part, kind, err)
		})
	}
	if c.chunks == 0 {
		c.onBuffered(frag, part)
	}
}

// timestampOffset is the sink offset for chunks of res. fMP4 media is
// appended with its own timestamps and the offset maps them onto the
// timeline; transmuxed chunks are already on it.
func timestampOffset(res *demux.Result) float64 {
	if res.Format == demux.FormatFMP4 {
		return -res.InitPTS
	}
	return 0
}

// shouldBacktrack reports whether a dependent main fragment loaded right
// after a start, seek or level switch should be replaced by its predecessor.
func (c *Controller) shouldBacktrack(frag *segment.Fragment, part *segment.Part, res *demux.Result) bool {
	if c.typ != segment.Main || part != nil || frag.IsInit() || res.Independent || !res.Timed {
		return false
	}
	if !c.jumped || c.details == nil {
		return false
	}
	prior := c.details.Fragment(frag.SN - 1)
	return prior != nil && c.tracker.Reloadable(prior)
}

func (c *Controller) onAppended(frag *segment.Fragment, part *segment.Part, kind sink.Track, err error) {
	if errors.Is(err, bufferq.ErrFlushed) {
		// the range was flushed before the append ran; load it again later
		c.logger.Debug("append flushed", "frag", frag.ID(), "track", kind)
		c.tracker.RemoveFragment(frag)
		c.abortLoad()
		c.setState(Idle)
		c.tick()
		return
	}
	if errors.Is(err, sink.ErrQuotaExceeded) {
		c.onQuotaExceeded(frag, part, kind, err)
		return
	}
	if err != nil {
		e := c.newError(errs.Media, errs.BufferAppendError, err, frag, part)
		e.Fatal = true
		c.logger.Error("append failed", "frag", frag.ID(), "track", kind, "error", err)
		c.abortLoad()
		c.tracker.RemoveFragment(frag)
		c.setState(Error)
		c.hub.Publish(event.Error{Err: e})
		return
	}

	if c.stats != nil && c.stats.BufferingFirst.IsZero() {
		c.stats.BufferingFirst = c.sched.Now()
	}
	if !frag.IsInit() {
		c.appended[kind] = true
	}
	c.hub.Publish(event.BufferAppended{Track: kind, Frag: frag, Part: part, Buffered: c.sink.Buffered(kind)})

	c.chunks--
	if c.chunks == 0 {
		c.onBuffered(frag, part)
	}
}

// onQuotaExceeded follows an append the sink had no room for even after
// played media was evicted. The forward buffer target shrinks to what fits
// and the fragment is loaded again once the playhead moved on.
func (c *Controller) onQuotaExceeded(frag *segment.Fragment, part *segment.Part, kind sink.Track, err error) {
	dur := frag.Duration
	if part != nil {
		dur = part.Duration
	}
	info := c.BufferInfo(c.loadPosition())
	limit := math.Max(info.Len-dur, dur)
	if c.quotaLimit == 0 || limit < c.quotaLimit {
		c.quotaLimit = limit
	}
	c.logger.Warn("sink full, lowering the forward buffer",
		"frag", frag.ID(),
		"track", kind,
		"buffered", info.Len,
		"max_buffer_length", c.quotaLimit)

	e := c.newError(errs.Media, errs.BufferFullError, err, frag, part)
	c.tracker.RemoveFragment(frag)
	c.abortLoad()
	c.hub.Publish(event.Error{Err: e})
	if info.Len >= c.quotaLimit {
		c.setState(Idle)
		c.tick()
		return
	}
	// nothing to play out before trying again; back off
	c.waitRetry(loader.RetryConfigFor(c.cfg.Loading.Fragment, false).Delay(0))
}

func (c *Controller) onBuffered(frag *segment.Fragment, part *segment.Part) {
	stats := c.stats
	if stats != nil {
		stats.BufferingEnd = c.sched.Now()
	}
	if !frag.IsInit() {
		buffered := make(map[sink.Track]timerange.Ranges)
		for _, t := range c.strategy.Tracks() {
			if c.appended[t] {
				buffered[t] = c.sink.Buffered(t)
			}
		}
		c.tracker.FragBuffered(frag, part, buffered)
		if c.prev == nil || c.prev.SN != frag.SN || c.prev.Level != frag.Level {
			c.loops = 0
		}
		c.prev = frag
		c.prevPart = part
		c.jumped = false
		c.nextLoadPosition = frag.End()
		if part != nil {
			c.nextLoadPosition = part.End()
		}
	}
	c.retries = 0
	c.frag, c.part, c.stats = nil, nil, nil

	c.hub.Publish(event.FragBuffered{Frag: frag, Part: part, Stats: stats})
	if c.state == Parsed {
		c.setState(Idle)
	}
	c.tick()
}

// onLoadFailed retries the fragment per the load policy. Once retries run
// out a failing variant goes to the penalty box while another one can play;
// otherwise the error is fatal.
func (c *Controller) onLoadFailed(frag *segment.Fragment, part *segment.Part, e *errs.Error) {
	timeout := e.Details.IsTimeout()
	retry := loader.RetryConfigFor(c.cfg.Loading.Fragment, timeout)
	if e.Details == errs.KeyLoadError || e.Details == errs.KeyLoadTimeout {
		// the key loader retried already
		retry.MaxNumRetry = 0
	}

	c.gen++
	c.frag, c.part, c.stats = nil, nil, nil
	if !e.Fatal && loader.ShouldRetry(retry, c.retries, timeout, e.Err) {
		delay := retry.Delay(c.retries)
		c.retries++
		c.logger.Warn("fragment failed, retrying",
			"frag", frag.ID(),
			"retry", c.retries,
			"delay", delay,
			"error", e.Err)
		c.hub.Publish(event.Error{Err: e})
		c.waitRetry(delay)
		return
	}
	c.retries = 0

	if !e.Fatal && c.penalize(frag) {
		c.logger.Warn("fragment failed, avoiding level", "frag", frag.ID(), "error", e.Err)
		c.hub.Publish(event.Error{Err: e})
		c.setState(Idle)
		c.tick()
		return
	}

	e.Fatal = c.typ != segment.Subtitle
	c.logger.Error("fragment failed", "frag", frag.ID(), "fatal", e.Fatal, "error", e.Err)
	c.setState(Error)
	c.hub.Publish(event.Error{Err: e})
}

// waitRetry returns to IDLE after delay unless the controller moved on.
func (c *Controller) waitRetry(delay time.Duration) {
	c.setState(FragLoadingWaitingRetry)
	gen := c.gen
	c.retry = c.sched.After(delay, func() {
		if gen != c.gen || c.state != FragLoadingWaitingRetry {
			return
		}
		c.retry = nil
		c.setState(Idle)
		c.tick()
	})
}

// penalize keeps the level of a failing main fragment out of auto selection
// when another level is available.
func (c *Controller) penalize(frag *segment.Fragment) bool {
	if c.typ != segment.Main {
		return false
	}
	if s, ok := c.strategy.(*MainStrategy); !ok || !s.ABR.AutoEnabled() {
		return false
	}
	now := c.sched.Now()
	other := false
	for _, l := range c.registry.Levels() {
		if l.Index != frag.Level && !l.InPenaltyBox(now) {
			other = true
			break
		}
	}
	if !other {
		return false
	}
	if l := c.registry.Level(frag.Level); l != nil {
		l.FragmentErrors++
	}
	c.registry.Penalize(frag.Level, now.Add(c.cfg.ABR.PenaltyDuration.Std()))
	return true
}

func (c *Controller) newError(t errs.Type, d errs.Details, err error, frag *segment.Fragment, part *segment.Part) *errs.Error {
	e := errs.New(t, d, err)
	e.PlaylistType = c.typ
	e.Frag = frag
	e.Part = part
	if frag != nil {
		e.Level = frag.Level
	}
	if c.position != nil {
		pos, _ := c.position()
		e.BufferLen = c.BufferInfo(pos).Len
	}
	return e
}

func (c *Controller) onPlaylistLoaded(e event.Event) {
	ev := e.(event.PlaylistLoaded)
	if ev.Type != c.typ || ev.ID != c.level {
		return
	}
	if ev.Details.Updated {
		c.loops = 0
	}
	c.details = ev.Details
	if c.state == WaitingLevel {
		c.setState(Idle)
	}
	c.tick()
}

func (c *Controller) onEmergencyAbort(e event.Event) {
	ev := e.(event.FragLoadEmergencyAborted)
	if c.frag == nil || ev.Frag != c.frag || c.state != FragLoading {
		return
	}
	c.logger.Warn("fragment load abandoned", "frag", ev.Frag.ID(), "next_level", ev.NextLevel)
	c.abortLoad()
	c.setState(Idle)
	c.tick()
}

func (c *Controller) onInitPTS(e event.Event) {
	ev := e.(event.InitPTSFound)
	if c.typ == segment.Main {
		return
	}
	c.initPTS[ev.CC] = ev.PTS
	if c.state == WaitingInitPTS {
		c.tick()
	}
}

// onLevelsUpdated follows a level removal. The level to load from is picked
// again; indexes of loaded playlists were renumbered in place.
func (c *Controller) onLevelsUpdated(event.Event) {
	if c.typ != segment.Main {
		return
	}
	c.level = -1
	c.details = nil
	if c.state == WaitingLevel {
		c.setState(Idle)
	}
	c.tick()
}
