package playlist

import (
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// Delivery directive query parameters of blocking and delta reloads.
const (
	paramMSN  = "_HLS_msn"
	paramPart = "_HLS_part"
	paramSkip = "_HLS_skip"
)

// Controller loads the media playlist of one playlist type and keeps a live
// one fresh. Only one playlist id is active at a time.
type Controller struct {
	typ        segment.PlaylistType
	policy     config.LoadPolicy
	lowLatency bool
	registry   *variant.Registry
	factory    loader.Factory
	hub        *event.Hub
	sched      *scheduler.Scheduler
	logger     *slog.Logger

	ld loader.Loader
	id int
	// gen drops callbacks and timers of a previous Load.
	gen     uint64
	timer   scheduler.Timer
	retries int
	loading bool
	// noSkip forces the next request to fetch the whole playlist.
	noSkip bool
	// last is the snapshot published most recently, of any id.
	last *segment.Details
}

// New creates a controller for typ. It loads nothing until Load.
func New(typ segment.PlaylistType, cfg *config.Config, registry *variant.Registry, factory loader.Factory, hub *event.Hub, sched *scheduler.Scheduler, logger *slog.Logger) *Controller {
	return &Controller{
		typ:        typ,
		policy:     cfg.Loading.Playlist,
		lowLatency: cfg.LowLatencyMode,
		registry:   registry,
		factory:    factory,
		hub:        hub,
		sched:      sched,
		logger:     logging.Component(logger, typ.String()+"-playlist"),
		id:         -1,
	}
}

// ID returns the active playlist id, or -1.
func (c *Controller) ID() int {
	return c.id
}

// Loading reports whether a request is in flight.
func (c *Controller) Loading() bool {
	return c.loading
}

// Details returns the latest snapshot of the active playlist.
func (c *Controller) Details() *segment.Details {
	if c.id < 0 {
		return nil
	}
	_, d := c.slot(c.id)
	if d == nil {
		return nil
	}
	return *d
}

// slot returns the URL of playlist id and where its snapshot is stored.
func (c *Controller) slot(id int) (string, **segment.Details) {
	if c.typ == segment.Main {
		if l := c.registry.Level(id); l != nil {
			return l.URL, &l.Details
		}
		return "", nil
	}
	if t := c.registry.Track(c.typ, id); t != nil {
		return t.URL, &t.Details
	}
	return "", nil
}

// Load makes id the active playlist. A cached VOD snapshot is published
// again without a request; a live one is refreshed.
func (c *Controller) Load(id int) {
	c.cancel()
	c.id = id
	c.retries = 0
	c.noSkip = false

	uri, slot := c.slot(id)
	if slot == nil || uri == "" {
		c.logger.Warn("no playlist to load", "id", id)
		return
	}
	gen := c.gen
	if d := *slot; d != nil {
		c.sched.Post(func() {
			if gen != c.gen {
				return
			}
			c.publish(d, nil)
			if gen == c.gen && d.Live {
				c.scheduleCachedReload(d)
			}
		})
		return
	}
	c.request(nil)
}

// Stop cancels requests and reloads. The snapshot stays cached.
func (c *Controller) Stop() {
	c.cancel()
}

// Destroy stops the controller and releases its loader.
func (c *Controller) Destroy() {
	c.cancel()
	if c.ld != nil {
		c.ld.Destroy()
		c.ld = nil
	}
	c.id = -1
}

func (c *Controller) cancel() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.ld != nil && c.loading {
		c.ld.Abort()
	}
	c.loading = false
}

// requestURL adds delivery directives for a reload of prev.
func (c *Controller) requestURL(base string, prev *segment.Details) string {
	if prev == nil || !prev.Live {
		return base
	}
	msn, part, block := Directives(prev, c.lowLatency)
	skip := !c.noSkip && prev.CanSkipUntil > 0 && prev.Age(c.sched.Now()) < prev.CanSkipUntil
	if !block && !skip {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	if block {
		q.Set(paramMSN, strconv.FormatInt(msn, 10))
		if part >= 0 {
			q.Set(paramPart, strconv.Itoa(part))
		}
	}
	if skip {
		q.Set(paramSkip, "YES")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Directives returns the media sequence number and part index a blocking
// reload of d should wait for. part is -1 when parts are not requested.
// block is false when the server does not support blocking reloads.
func Directives(d *segment.Details, lowLatency bool) (msn int64, part int, block bool) {
	if !d.CanBlockReload {
		return 0, -1, false
	}
	if lowLatency && d.HasParts() {
		if d.Partial == nil {
			// the last part closed a segment; wait for the next one's first part
			return d.EndSN + 1, 0, true
		}
		return d.LastPartSN(), d.LastPartIndex() + 1, true
	}
	return d.EndSN + 1, -1, true
}

// ReloadInterval returns the wait before the next reload of d: the target
// duration, or the part target on low-latency playlists, halved when the
// last reload brought nothing new.
func ReloadInterval(d *segment.Details, lowLatency bool) time.Duration {
	target := d.TargetDuration
	if lowLatency && d.HasParts() {
		target = d.PartTarget
	}
	if !d.Updated {
		target /= 2
	}
	return time.Duration(target * float64(time.Second))
}

func (c *Controller) request(prev *segment.Details) {
	base, _ := c.slot(c.id)
	uri := c.requestURL(base, prev)
	if c.ld == nil {
		c.ld = c.factory()
	}
	gen := c.gen
	id := c.id
	c.loading = true
	c.logger.Debug("loading playlist", "id", id, "url", uri)

	c.ld.Load(&loader.Context{URL: uri}, c.policy, loader.Callbacks{
		OnSuccess: func(resp *loader.Response, stats *loader.Stats, _ *loader.Context) {
			if gen != c.gen {
				return
			}
			c.loading = false
			c.onLoaded(id, base, resp.Data, stats)
		},
		OnError: func(err error, stats *loader.Stats, _ *loader.Context) {
			if gen != c.gen {
				return
			}
			c.loading = false
			c.onFailed(id, uri, false, err)
		},
		OnTimeout: func(stats *loader.Stats, _ *loader.Context) {
			if gen != c.gen {
				return
			}
			c.loading = false
			c.onFailed(id, uri, true, loader.ErrTimeout)
		},
	})
}

func (c *Controller) onLoaded(id int, base string, data []byte, stats *loader.Stats) {
	_, slot := c.slot(id)
	if slot == nil {
		return
	}
	old := *slot

	details, err := parser.ParseMedia(data, base, c.typ, id)
	if err != nil {
		e := c.newError(c.parseDetails(), err)
		e.URL = base
		c.exhausted(id, e)
		return
	}

	if err := segment.Merge(old, details, c.sched.Now()); err != nil {
		if errors.Is(err, segment.ErrDeltaMismatch) && !c.noSkip {
			c.logger.Warn("delta update does not match, reloading in full", "id", id)
			c.noSkip = true
			c.request(old)
			return
		}
		c.exhausted(id, c.newError(c.parseDetails(), err))
		return
	}
	if old == nil && details.Live {
		c.align(details)
	}
	c.noSkip = false
	c.retries = 0
	*slot = details

	gen := c.gen
	c.publish(details, stats)
	if gen != c.gen || !details.Live {
		return
	}
	c.scheduleReload(details, stats)
}

// align moves the first snapshot of a live playlist onto the timeline of the
// playlist it replaces, so loading continues where that one left off.
func (c *Controller) align(d *segment.Details) {
	ref := c.last
	if ref == nil || ref.ID == d.ID || !ref.Live {
		return
	}
	delta, ok := segment.Align(ref, d)
	if !ok {
		c.logger.Warn("no common reference with the previous playlist, timeline starts at zero", "id", d.ID, "previous", ref.ID)
		return
	}
	c.logger.Debug("aligned playlist", "id", d.ID, "previous", ref.ID, "shift", delta)
}

func (c *Controller) publish(d *segment.Details, stats *loader.Stats) {
	c.last = d
	c.logger.Debug("playlist loaded",
		"id", d.ID,
		"live", d.Live,
		"start_sn", d.StartSN,
		"end_sn", d.EndSN,
		"updated", d.Updated)
	c.hub.Publish(event.PlaylistLoaded{Type: c.typ, ID: d.ID, Details: d, Stats: stats})
}

func (c *Controller) scheduleReload(d *segment.Details, stats *loader.Stats) {
	_, _, block := Directives(d, c.lowLatency)
	var delay time.Duration
	switch {
	case block && d.Updated:
		// the server held the request until new media existed; ask again
	default:
		delay = ReloadInterval(d, c.lowLatency)
		if stats != nil && !block {
			delay -= stats.LoadDuration()
		}
	}
	c.after(max(delay, 0), d)
}

// scheduleCachedReload refreshes a snapshot that was loaded before the
// playlist became active again.
func (c *Controller) scheduleCachedReload(d *segment.Details) {
	interval := ReloadInterval(d, c.lowLatency)
	elapsed := c.sched.Now().Sub(d.ReceivedAt)
	c.after(max(interval-elapsed, 0), d)
}

func (c *Controller) after(delay time.Duration, prev *segment.Details) {
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.sched.After(delay, func() {
		if gen != c.gen {
			return
		}
		c.timer = nil
		c.request(prev)
	})
}

func (c *Controller) onFailed(id int, uri string, timeout bool, err error) {
	e := c.newError(c.loadDetails(timeout), err)
	e.URL = uri
	e.Code = loader.StatusCode(err)

	retry := loader.RetryConfigFor(c.policy, timeout)
	if loader.ShouldRetry(retry, c.retries, timeout, err) {
		delay := retry.Delay(c.retries)
		c.retries++
		c.logger.Warn("playlist load failed, retrying",
			"id", id,
			"retry", c.retries,
			"delay", delay,
			"error", err)
		c.hub.Publish(event.Error{Err: e})
		_, slot := c.slot(id)
		var prev *segment.Details
		if slot != nil {
			prev = *slot
		}
		c.after(delay, prev)
		return
	}
	c.exhausted(id, e)
}

// exhausted gives up on playlist id. A failing variant is dropped while
// others remain; otherwise main and audio failures are fatal.
func (c *Controller) exhausted(id int, e *errs.Error) {
	c.retries = 0
	c.cancel()

	if c.typ == segment.Main {
		if l := c.registry.Level(id); l != nil {
			l.LoadErrors++
		}
		if c.registry.Len() > 1 {
			if err := c.registry.Remove(id); err == nil {
				c.logger.Warn("removing failing level", "level", id, "error", e.Err)
				c.id = -1
				c.hub.Publish(event.Error{Err: e})
				c.hub.Publish(event.LevelsUpdated{Levels: c.registry.Len()})
				return
			}
		}
	} else if t := c.registry.Track(c.typ, id); t != nil {
		t.LoadErrors++
	}

	e.Fatal = c.typ != segment.Subtitle
	c.logger.Error("playlist load failed", "id", id, "fatal", e.Fatal, "error", e.Err)
	c.hub.Publish(event.Error{Err: e})
}

func (c *Controller) newError(d errs.Details, err error) *errs.Error {
	t := errs.Network
	if d == errs.LevelParsingError {
		t = errs.Media
	}
	e := errs.New(t, d, err)
	e.PlaylistType = c.typ
	e.Level = c.id
	return e
}

func (c *Controller) loadDetails(timeout bool) errs.Details {
	switch c.typ {
	case segment.Audio:
		return errs.AudioTrackLoadError
	case segment.Subtitle:
		return errs.SubtitleLoadError
	}
	if timeout {
		return errs.LevelLoadTimeout
	}
	return errs.LevelLoadError
}

func (c *Controller) parseDetails() errs.Details {
	if c.typ == segment.Main {
		return errs.LevelParsingError
	}
	return c.loadDetails(false)
}
