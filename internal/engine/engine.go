// Package engine wires a playback session: it loads the multivariant
// playlist, builds the registry and runs the main, audio and subtitle
// controllers against an in-memory sink driven by a simulated playhead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/bufferq"
	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/keys"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/playlist"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/stream"
	"github.com/agleyzer/hlsplay/internal/tracker"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// ErrStarted is returned when Start or Run is called twice.
var ErrStarted = errors.New("engine already started")

// Options configure a session.
type Options struct {
	Config *config.Config
	// Sched runs every engine callback. Nil creates one on the wall clock.
	Sched *scheduler.Scheduler
	// Factory creates loaders. Nil uses HTTP loaders on Client.
	Factory loader.Factory
	Client  *http.Client
	// Supported restricts the codecs variants may use. Nil accepts every
	// codec the demuxers understand.
	Supported variant.SupportFunc
	// Paused keeps the playhead still once media is attached.
	Paused bool
	Logger *slog.Logger
}

// Engine is one playback session. Methods other than Stats, Hub, ID and Run
// post their work to the scheduler and may be called from any goroutine.
type Engine struct {
	id     string
	url    string
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	sched   *scheduler.Scheduler
	hub     *event.Hub
	factory loader.Factory
	ld      loader.Loader

	sink     *sink.Memory
	playhead *sink.Playhead
	tracker  *tracker.Tracker
	queue    *bufferq.Queue
	keys     *keys.Cache

	registry *variant.Registry
	abr      *abr.Controller
	lists    []*playlist.Controller
	main     *stream.Controller
	audio    *stream.Controller
	subtitle *stream.Controller

	audioTrack    int
	subtitleTrack int

	ticker   scheduler.Timer
	lastTick time.Time
	started  atomic.Bool
	unsub    []func()

	manifestRetries int
	live            bool
	attached        bool
	eos             bool
	finished        bool
	fatal           *errs.Error
	playingLevel    int
	stall           stallState
	counters        counters

	stats atomic.Pointer[Stats]
	done  chan error
}

// New creates a session for the playlist at url. Nothing is loaded before
// Start or Run.
func New(url string, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if url == "" {
		return nil, errors.New("playlist URL is required")
	}

	id := uuid.NewString()
	logger := logging.Component(opts.Logger, "engine", "session", id)

	sched := opts.Sched
	if sched == nil {
		sched = scheduler.New(nil, opts.Logger)
	}
	factory := opts.Factory
	if factory == nil {
		client := opts.Client
		if client == nil {
			client = &http.Client{}
		}
		factory = loader.NewHTTPFactory(client, sched, opts.Logger)
	}

	memory := sink.NewMemory(sched, cfg.Buffer.SinkQuota)
	e := &Engine{
		id:            id,
		url:           url,
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		sched:         sched,
		hub:           event.NewHub(),
		factory:       factory,
		sink:          memory,
		playhead:      sink.NewPlayhead(0),
		tracker:       tracker.New(opts.Logger),
		queue:         bufferq.New(memory, sched, cfg.Buffer, opts.Logger),
		keys:          keys.NewCache(),
		audioTrack:    -1,
		subtitleTrack: -1,
		playingLevel:  -1,
		done:          make(chan error, 1),
	}
	e.queue.SetEvictor(e.evictForQuota, e.onQuotaEvicted)
	e.unsub = append(e.unsub,
		e.hub.Subscribe(e.onError, event.KindError),
		e.hub.Subscribe(e.onBufferAppended, event.KindBufferAppended),
		e.hub.Subscribe(e.onBufferFlushed, event.KindBufferFlushed),
		e.hub.Subscribe(e.onFragEvent, event.KindFragLoaded, event.KindFragBuffered),
		e.hub.Subscribe(e.onStreamEnded, event.KindStreamEnded),
		e.hub.Subscribe(e.onPlaylistLoaded, event.KindPlaylistLoaded),
		e.hub.Subscribe(e.onLevelSwitching, event.KindLevelSwitching),
	)
	e.publishStats()
	return e, nil
}

// ID returns the session id used in logs and stats.
func (e *Engine) ID() string {
	return e.id
}

// Hub returns the event hub. Subscribers run on the scheduler goroutine.
func (e *Engine) Hub() *event.Hub {
	return e.hub
}

// Start posts the manifest load. The caller drives the scheduler.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	e.sched.Post(e.loadManifest)
	return nil
}

// Run starts the session and drives the scheduler until ctx is cancelled,
// a fatal error occurs or VOD playback reaches the end. A fatal error is
// returned as *errs.Error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.sched.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			return nil
		case err := <-e.done:
			return err
		}
	})
	err := g.Wait()
	// the scheduler goroutine has exited
	e.Destroy()
	return err
}

// Done delivers the outcome of a session driven by the caller: nil once
// playback ended, or the fatal error.
func (e *Engine) Done() <-chan error {
	return e.done
}

func (e *Engine) finish(err error) {
	select {
	case e.done <- err:
	default:
	}
}

// Destroy releases every component. It must not run concurrently with the
// scheduler.
func (e *Engine) Destroy() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	for _, u := range e.unsub {
		u()
	}
	e.unsub = nil
	for _, c := range e.controllers() {
		c.Destroy()
	}
	for _, l := range e.lists {
		l.Destroy()
	}
	if e.abr != nil {
		e.abr.Destroy()
	}
	if e.ld != nil {
		e.ld.Destroy()
		e.ld = nil
	}
	e.queue.Reset()
	e.logger.Debug("session destroyed")
}

func (e *Engine) controllers() []*stream.Controller {
	var out []*stream.Controller
	for _, c := range []*stream.Controller{e.main, e.audio, e.subtitle} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) loadManifest() {
	if e.ld == nil {
		e.ld = e.factory()
	}
	e.logger.Info("loading manifest", "url", e.url, "attempt", e.manifestRetries+1)
	e.ld.Load(&loader.Context{URL: e.url}, e.cfg.Loading.Manifest, loader.Callbacks{
		OnSuccess: func(resp *loader.Response, _ *loader.Stats, _ *loader.Context) {
			base := resp.URL
			if base == "" {
				base = e.url
			}
			e.onManifest(resp.Data, base)
		},
		OnError: func(err error, _ *loader.Stats, _ *loader.Context) {
			e.onManifestFailed(errs.ManifestLoadError, err, loader.StatusCode(err))
		},
		OnTimeout: func(_ *loader.Stats, _ *loader.Context) {
			e.onManifestFailed(errs.ManifestLoadTimeout, loader.ErrTimeout, 0)
		},
	})
}

func (e *Engine) onManifestFailed(d errs.Details, err error, code int) {
	timeout := d.IsTimeout()
	retry := loader.RetryConfigFor(e.cfg.Loading.Manifest, timeout)
	ev := errs.New(errs.Network, d, err)
	ev.URL = e.url
	ev.Code = code
	if loader.ShouldRetry(retry, e.manifestRetries, timeout, err) {
		delay := retry.Delay(e.manifestRetries)
		e.manifestRetries++
		e.logger.Warn("manifest failed, retrying", "delay", delay, "error", err)
		e.hub.Publish(event.Error{Err: ev})
		e.sched.After(delay, e.loadManifest)
		return
	}
	ev.Fatal = true
	e.hub.Publish(event.Error{Err: ev})
}

func (e *Engine) onManifest(data []byte, base string) {
	mv, err := parser.ParseManifest(data, base)
	if err != nil {
		ev := errs.New(errs.Network, errs.ManifestParsingError, err)
		ev.URL = base
		ev.Fatal = true
		e.hub.Publish(event.Error{Err: ev})
		return
	}
	registry, err := variant.NewRegistry(mv.Levels, mv.Audio, mv.Subtitles, e.opts.Supported)
	if err != nil {
		ev := errs.New(errs.Media, errs.ManifestIncompatibleCodecs, err)
		ev.URL = base
		ev.Fatal = true
		e.hub.Publish(event.Error{Err: ev})
		return
	}

	e.setup(registry)
	e.logger.Info("manifest loaded",
		"levels", registry.Len(),
		"audio", len(registry.AudioTracks()),
		"subtitles", len(registry.SubtitleTracks()))
	e.hub.Publish(event.ManifestLoaded{
		URL:       base,
		Levels:    registry.Len(),
		Audio:     len(registry.AudioTracks()),
		Subtitles: len(registry.SubtitleTracks()),
	})
	start := e.cfg.StartPosition
	for _, c := range e.controllers() {
		c.Start(start)
	}
	e.lastTick = e.sched.Now()
	e.ticker = e.sched.Every(e.cfg.Stall.TickInterval.Std(), e.tick)
}

// setup builds the controllers for registry.
func (e *Engine) setup(registry *variant.Registry) {
	e.registry = registry
	e.abr = abr.New(e.cfg, registry, e.hub, e.sched, e.opts.Logger)
	e.abr.SetBufferInfo(func() float64 {
		if e.main == nil {
			return 0
		}
		return e.main.BufferInfo(e.playhead.Position()).Len
	})
	if i := e.cfg.StartLevel; i >= 0 {
		e.abr.ForceNextLevel(min(i, registry.Len()-1))
	}

	e.audioTrack = e.defaultTrack(segment.Audio)
	e.subtitleTrack = e.defaultTrack(segment.Subtitle)

	e.main = e.newController(&stream.MainStrategy{
		ABR:      e.abr,
		AltAudio: func() bool { return e.audioTrack >= 0 },
	})
	if len(registry.AudioTracks()) > 0 {
		e.audio = e.newController(&stream.TrackStrategy{
			Kind:     segment.Audio,
			Selected: func() int { return e.audioTrack },
		})
	}
	if len(registry.SubtitleTracks()) > 0 {
		e.subtitle = e.newController(&stream.TrackStrategy{
			Kind:     segment.Subtitle,
			Selected: func() int { return e.subtitleTrack },
		})
	}
}

func (e *Engine) newController(s stream.Strategy) *stream.Controller {
	lists := playlist.New(s.Type(), e.cfg, e.registry, e.factory, e.hub, e.sched, e.opts.Logger)
	e.lists = append(e.lists, lists)
	return stream.New(s, stream.Options{
		Config:    e.cfg,
		Registry:  e.registry,
		Playlists: lists,
		Tracker:   e.tracker,
		Queue:     e.queue,
		Sink:      e.sink,
		Keys:      e.keys,
		Factory:   e.factory,
		Hub:       e.hub,
		Sched:     e.sched,
		Position:  e.position,
		Logger:    e.opts.Logger,
	})
}

// position is the playhead once the first main fragment was appended.
func (e *Engine) position() (float64, bool) {
	return e.playhead.Position(), e.attached
}

// defaultTrack picks the rendition of typ for the first level's group. Audio
// muxed into the variant yields -1. Subtitles are only enabled by default
// when a rendition is marked DEFAULT.
func (e *Engine) defaultTrack(typ segment.PlaylistType) int {
	l := e.registry.Level(0)
	if l == nil {
		return -1
	}
	group := l.AudioGroup
	if typ == segment.Subtitle {
		group = l.SubtitleGroup
	}
	t := e.registry.DefaultTrack(typ, group)
	if t == nil || t.URL == "" {
		return -1
	}
	if typ == segment.Subtitle && !t.Default {
		return -1
	}
	return t.ID
}

// Seek moves the playhead to pos and restarts loading there.
func (e *Engine) Seek(pos float64) {
	e.sched.Post(func() { e.seek(pos) })
}

func (e *Engine) seek(pos float64) {
	if e.main == nil || e.fatal != nil {
		return
	}
	if pos < 0 {
		pos = 0
	}
	if d := e.main.Details(); d != nil && !d.Live && pos > d.Edge() {
		pos = d.Edge()
	}
	e.logger.Info("seeking", "from", e.playhead.Position(), "to", pos)
	e.playhead.Seek(pos)
	e.finished = false
	e.eos = false
	e.stall = stallState{}
	for _, c := range e.controllers() {
		c.Seek(pos)
	}
	e.hub.Publish(event.Seeked{Position: pos})
}

// Play resumes the playhead.
func (e *Engine) Play() {
	e.sched.Post(e.playhead.Play)
}

// Pause stops the playhead. Loading continues.
func (e *Engine) Pause() {
	e.sched.Post(e.playhead.Pause)
}

// SetLevel pins the main controller to level i and flushes what was
// buffered at other levels. A negative i returns to auto selection.
func (e *Engine) SetLevel(i int) {
	e.sched.Post(func() {
		if e.abr == nil {
			return
		}
		if i < 0 {
			e.logger.Info("auto level selection")
			e.abr.SetManualLevel(-1)
			return
		}
		if e.registry.Level(i) == nil {
			e.logger.Warn("ignoring unknown level", "level", i, "levels", e.registry.Len())
			return
		}
		e.logger.Info("manual level", "level", i)
		e.abr.SetManualLevel(i)
		e.main.Flush()
	})
}

// SetNextLevel makes the next main fragment load from level i without
// flushing the buffer. Auto selection resumes afterwards.
func (e *Engine) SetNextLevel(i int) {
	e.sched.Post(func() {
		if e.abr != nil {
			e.abr.ForceNextLevel(i)
		}
	})
}

// SetAudioTrack selects audio rendition id. A rendition without URI plays
// the audio muxed into the variant.
func (e *Engine) SetAudioTrack(id int) {
	e.sched.Post(func() { e.switchAudio(id) })
}

func (e *Engine) switchAudio(id int) {
	if e.registry == nil {
		return
	}
	t := e.registry.Track(segment.Audio, id)
	if t == nil {
		e.logger.Warn("ignoring unknown audio track", "id", id)
		return
	}
	next := id
	if t.URL == "" {
		next = -1
	}
	if next == e.audioTrack {
		return
	}
	wasAlt, isAlt := e.audioTrack >= 0, next >= 0
	if wasAlt != isAlt {
		// muxed audio is appended by the main controller
		e.main.Flush()
	}
	if !isAlt && e.audio != nil {
		e.audio.Flush()
	}
	e.logger.Info("audio track", "id", id, "name", t.Name, "alternate", isAlt)
	e.audioTrack = next
	if !isAlt {
		e.hub.Publish(event.TrackSwitching{Type: segment.Audio, ID: id})
	}
	if e.audio != nil {
		e.audio.Wake()
	}
}

// SetSubtitleTrack selects subtitle rendition id, or disables subtitles
// when id is negative.
func (e *Engine) SetSubtitleTrack(id int) {
	e.sched.Post(func() {
		if e.subtitle == nil {
			return
		}
		if id >= 0 && e.registry.Track(segment.Subtitle, id) == nil {
			e.logger.Warn("ignoring unknown subtitle track", "id", id)
			return
		}
		if id < 0 && e.subtitleTrack >= 0 {
			e.subtitle.Flush()
		}
		e.subtitleTrack = id
		e.subtitle.Wake()
	})
}

func (e *Engine) onPlaylistLoaded(ev event.Event) {
	pl := ev.(event.PlaylistLoaded)
	if pl.Type != segment.Main {
		return
	}
	d := pl.Details
	if d.Live != e.live || e.counters.playlists == 0 {
		e.live = d.Live
		e.abr.SetLive(d.Live)
	}
	e.counters.playlists++
	if !d.Live {
		e.sink.SetDuration(d.Edge())
	}
}

// onLevelSwitching keeps the audio rendition in the group of the new level,
// preferring one with the same name.
func (e *Engine) onLevelSwitching(ev event.Event) {
	ls := ev.(event.LevelSwitching)
	l := e.registry.Level(ls.Level)
	cur := e.registry.Track(segment.Audio, e.audioTrack)
	if l == nil || cur == nil || cur.GroupID == l.AudioGroup {
		return
	}
	for _, t := range e.registry.AudioTracks() {
		if t.GroupID == l.AudioGroup && t.Name == cur.Name {
			e.switchAudio(t.ID)
			return
		}
	}
	if t := e.registry.DefaultTrack(segment.Audio, l.AudioGroup); t != nil {
		e.switchAudio(t.ID)
	}
}

func (e *Engine) onBufferAppended(ev event.Event) {
	ba := ev.(event.BufferAppended)
	// appends replace what they overlap
	e.tracker.DetectEvictedFragments(ba.Track, ba.Buffered)
	if ba.Frag != nil && !ba.Frag.IsInit() {
		// the sink reopened; end of stream is signalled again
		e.eos = false
	}
	if e.attached || ba.Frag == nil || ba.Frag.Type != segment.Main || ba.Frag.IsInit() {
		return
	}
	e.attached = true
	start := max(e.main.StartPosition(), 0)
	e.playhead.Seek(start)
	if !e.opts.Paused {
		e.playhead.Play()
	}
	e.logger.Info("media attached", "position", start)
}

func (e *Engine) onBufferFlushed(ev event.Event) {
	bf := ev.(event.BufferFlushed)
	e.tracker.DetectEvictedFragments(bf.Track, e.sink.Buffered(bf.Track))
}

func (e *Engine) onFragEvent(ev event.Event) {
	switch fe := ev.(type) {
	case event.FragLoaded:
		if fe.Frag.BitrateTest {
			return
		}
		e.counters.fragments++
		e.counters.bytes += int64(fe.Bytes)
	case event.FragBuffered:
		if fe.Frag.Type == segment.Main {
			e.evictBackBuffer()
		}
	}
}

// onStreamEnded signals the end of stream once every active controller
// buffered its last fragment.
func (e *Engine) onStreamEnded(event.Event) {
	if e.eos || e.main.State() != stream.Ended {
		return
	}
	if e.audio != nil && e.audioTrack >= 0 && e.audio.State() != stream.Ended {
		return
	}
	if e.subtitle != nil && e.subtitleTrack >= 0 && e.subtitle.State() != stream.Ended {
		return
	}
	e.eos = true
	e.logger.Info("every stream ended, signalling end of stream")
	e.queue.EndOfStream(e.sink.Tracks(), func(err error) {
		if err != nil {
			e.logger.Warn("end of stream failed", "error", err)
			return
		}
		e.hub.Publish(event.BufferEOS{})
	})
}

func (e *Engine) onError(ev event.Event) {
	err := ev.(event.Error).Err
	e.counters.errors++
	if !err.Fatal {
		return
	}
	if e.fatal != nil {
		return
	}
	e.fatal = err
	e.logger.Error("fatal error, stopping playback", "error", err)
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	for _, c := range e.controllers() {
		c.Stop()
	}
	for _, l := range e.lists {
		l.Stop()
	}
	e.playhead.Pause()
	e.publishStats()
	e.finish(err)
}
