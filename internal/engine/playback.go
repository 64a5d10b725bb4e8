package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// stallState tracks a playhead that should move but does not.
type stallState struct {
	since    time.Time
	nudges   int
	reported bool
}

// tick advances the playhead by the clock time elapsed since the last tick.
func (e *Engine) tick() {
	now := e.sched.Now()
	dt := now.Sub(e.lastTick).Seconds()
	e.lastTick = now
	if e.attached && !e.finished && e.fatal == nil {
		e.advance(dt, now)
	}
	e.publishStats()
}

// mediaBuffered is what the playhead can play: main media, and alternate
// audio when it is selected.
func (e *Engine) mediaBuffered() timerange.Ranges {
	buffered := e.main.Buffered()
	if e.audio != nil && e.audioTrack >= 0 {
		buffered = timerange.Common(buffered, e.audio.Buffered())
	}
	return buffered
}

func (e *Engine) advance(dt float64, now time.Time) {
	buffered := e.mediaBuffered()
	pos := e.playhead.Position()
	moved := e.playhead.Advance(dt, buffered)
	if moved > 0 {
		if !e.stall.since.IsZero() {
			e.logger.Info("playback resumed", "position", e.playhead.Position(), "stalled_for", now.Sub(e.stall.since))
		}
		e.stall = stallState{}
	}
	if d := e.main.Details(); d != nil && d.Live {
		e.catchUp(d)
	}
	e.checkLevelSwitched()
	if moved > 0 || !e.playhead.Playing() {
		return
	}
	e.stuck(pos, buffered, now)
}

// stuck handles a playing playhead that did not move: the end of the
// stream, a hole small enough to jump, or a stall that is nudged and
// eventually reported fatal.
func (e *Engine) stuck(pos float64, buffered timerange.Ranges, now time.Time) {
	if e.sink.Ended() && len(buffered) > 0 && pos >= buffered.End()-e.cfg.Buffer.MaxBufferHole {
		e.finished = true
		e.playhead.Pause()
		e.logger.Info("playback ended", "position", pos)
		e.finish(nil)
		return
	}

	if !buffered.Contains(pos) {
		if next, ok := nextStart(buffered, pos); ok && next-pos <= e.cfg.Stall.MaxHoleJump {
			e.skipHole(pos, next)
			return
		}
	}

	if e.stall.since.IsZero() {
		e.stall.since = now
		return
	}
	if now.Sub(e.stall.since) < e.cfg.Stall.DetectAfter.Std() {
		return
	}

	if _, ok := nextStart(buffered, pos); !ok {
		// starving: nothing ahead to nudge into
		if !e.stall.reported {
			e.stall.reported = true
			e.counters.stalls++
			e.logger.Warn("playback stalled, waiting for data", "position", pos)
			e.hub.Publish(event.Error{Err: e.playbackError(errs.BufferStalledError, fmt.Errorf("stalled at %.3f with an empty buffer", pos))})
		}
		return
	}
	e.nudge(pos, now)
}

func nextStart(buffered timerange.Ranges, pos float64) (float64, bool) {
	for _, r := range buffered {
		if r.Start > pos {
			return r.Start, true
		}
	}
	return 0, false
}

func (e *Engine) skipHole(pos, next float64) {
	e.logger.Info("skipping buffer hole", "from", pos, "to", next, "hole", next-pos)
	e.playhead.Seek(next)
	e.stall = stallState{}
	e.hub.Publish(event.Error{Err: e.playbackError(errs.BufferSeekOverHole, fmt.Errorf("hole of %.3fs at %.3f", next-pos, pos))})
}

// nudge moves the playhead forward by NudgeOffset times the attempt. Once
// NudgeMaxRetry nudges did not help the stall is fatal.
func (e *Engine) nudge(pos float64, now time.Time) {
	cfg := e.cfg.Stall
	if e.stall.nudges >= cfg.NudgeMaxRetry {
		err := e.playbackError(errs.BufferStalledError, fmt.Errorf("playhead stuck at %.3f after %d nudges", pos, e.stall.nudges))
		err.Fatal = true
		e.hub.Publish(event.Error{Err: err})
		return
	}
	target := pos + cfg.NudgeOffset*float64(e.stall.nudges+1)
	e.stall.nudges++
	e.stall.since = now
	e.counters.stalls++
	e.logger.Warn("nudging playhead", "from", pos, "to", target, "attempt", e.stall.nudges)
	e.playhead.Seek(target)
	e.hub.Publish(event.Error{Err: e.playbackError(errs.BufferNudgeOnStall, fmt.Errorf("nudged to %.3f", target))})
}

func (e *Engine) playbackError(d errs.Details, err error) *errs.Error {
	ev := errs.New(errs.Media, d, err)
	ev.PlaylistType = segment.Main
	ev.BufferLen = e.main.BufferInfo(e.playhead.Position()).Len
	return ev
}

// catchUp jumps back to the live sync point when the playhead fell out of
// the window or too far behind the edge.
func (e *Engine) catchUp(d *segment.Details) {
	pos := e.playhead.Position()
	sync := d.LiveSyncPosition(e.cfg.Live.SyncDurationCount, e.cfg.LowLatencyMode)
	switch {
	case pos < d.Start():
		e.logger.Warn("playhead left the live window", "position", pos, "window_start", d.Start())
	case e.cfg.Live.MaxLatencyDurationCount > 0 &&
		d.Edge()-pos > float64(e.cfg.Live.MaxLatencyDurationCount)*d.TargetDuration:
		e.logger.Warn("too far behind the live edge", "position", pos, "edge", d.Edge())
	default:
		return
	}
	e.seek(sync)
}

// checkLevelSwitched publishes LevelSwitched when the playhead enters media
// of another level.
func (e *Engine) checkLevelSwitched() {
	frag := e.tracker.GetFragAtPos(e.playhead.Position(), segment.Main, true)
	if frag == nil || frag.Level == e.playingLevel {
		return
	}
	e.playingLevel = frag.Level
	e.logger.Info("level switched", "level", frag.Level)
	e.hub.Publish(event.LevelSwitched{Level: frag.Level})
}

// backBufferTarget returns the time before which buffered media may be
// removed, or false when the back buffer is unbounded.
func (e *Engine) backBufferTarget() (float64, bool) {
	keep := e.cfg.Buffer.BackBufferLength
	if keep < 0 || !e.attached {
		return 0, false
	}
	if d := e.main.Details(); d != nil && d.Live {
		keep = math.Max(keep, d.TargetDuration)
	}
	target := e.playhead.Position() - keep
	return target, target > 0
}

// evictBackBuffer removes media further behind the playhead than the
// configured back buffer.
func (e *Engine) evictBackBuffer() {
	target, ok := e.backBufferTarget()
	if !ok {
		return
	}
	for _, t := range e.sink.Tracks() {
		b := e.sink.Buffered(t)
		if len(b) == 0 || b.Start() >= target {
			continue
		}
		track := t
		e.logger.Debug("evicting back buffer", "track", track, "end", target)
		e.queue.Remove(track, 0, target, func(err error) {
			if err != nil {
				e.logger.Warn("back buffer eviction failed", "track", track, "error", err)
				return
			}
			e.hub.Publish(event.BufferFlushed{Track: track, Start: 0, End: target})
		})
	}
}

// evictForQuota frees media the playhead already passed when an append of
// track does not fit the sink.
func (e *Engine) evictForQuota(track sink.Track) (timerange.Range, bool) {
	if !e.attached {
		return timerange.Range{}, false
	}
	end := e.playhead.Position() - e.cfg.Buffer.MaxBufferHole
	b := e.sink.Buffered(track)
	if len(b) == 0 || end <= b.Start() {
		return timerange.Range{}, false
	}
	return timerange.Range{Start: 0, End: end}, true
}

// onQuotaEvicted lets the tracker drop fragments a quota eviction removed.
func (e *Engine) onQuotaEvicted(track sink.Track, r timerange.Range) {
	e.hub.Publish(event.BufferFlushed{Track: track, Start: r.Start, End: r.End})
}
