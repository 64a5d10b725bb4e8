// Package abr picks the variant of the next main fragment from the bandwidth
// estimate and the forward buffer, and abandons loads that would stall
// playback.
package abr

import (
	"log/slog"
	"math"

	"github.com/agleyzer/hlsplay/internal/bandwidth"
	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// abandonBandwidthFactor is the share of the measured rate a lower level may
// count on when deciding whether switching down avoids a stall.
const abandonBandwidthFactor = 0.8

type inflight struct {
	frag  *segment.Fragment
	part  *segment.Part
	stats *loader.Stats
}

// Controller is the auto-bitrate controller of a session.
type Controller struct {
	cfg           config.ABRConfig
	testBandwidth bool
	registry      *variant.Registry
	est           *bandwidth.Estimator
	hub           *event.Hub
	sched         *scheduler.Scheduler
	logger        *slog.Logger

	manual  int
	forced  int
	current int
	live    bool

	// bitrateTestDelay is the load time of the bitrate test fragment in
	// seconds, 0 when none ran.
	bitrateTestDelay float64
	tested           bool

	bufferLen func() float64

	inflight *inflight
	check    scheduler.Timer
	unsub    []func()
}

// New creates a controller and subscribes it to fragment events on hub.
func New(cfg *config.Config, registry *variant.Registry, hub *event.Hub, sched *scheduler.Scheduler, logger *slog.Logger) *Controller {
	a := cfg.ABR
	c := &Controller{
		cfg:           a,
		testBandwidth: cfg.TestBandwidth,
		registry:      registry,
		est:           bandwidth.New(a.EWMASlowVoD, a.EWMAFastVoD, a.DefaultEstimate, a.DefaultTTFB.Std()),
		hub:           hub,
		sched:         sched,
		logger:        logging.Component(logger, "abr"),
		manual:        -1,
		forced:        -1,
		current:       -1,
		bufferLen:     func() float64 { return 0 },
	}
	c.unsub = append(c.unsub,
		hub.Subscribe(c.onFragLoading, event.KindFragLoading),
		hub.Subscribe(c.onFragLoaded, event.KindFragLoaded),
		hub.Subscribe(c.onLoadEnded, event.KindError, event.KindFragLoadEmergencyAborted),
	)
	return c
}

// Estimator returns the bandwidth estimator.
func (c *Controller) Estimator() *bandwidth.Estimator {
	return c.est
}

// SetBufferInfo installs the source of the main forward buffer length.
func (c *Controller) SetBufferInfo(fn func() float64) {
	c.bufferLen = fn
}

// SetLive switches the estimator half-lives when the main playlist type
// becomes known.
func (c *Controller) SetLive(live bool) {
	c.live = live
	if live {
		c.est.Update(c.cfg.EWMASlowLive, c.cfg.EWMAFastLive)
	} else {
		c.est.Update(c.cfg.EWMASlowVoD, c.cfg.EWMAFastVoD)
	}
}

// SetManualLevel pins every load to level i. -1 restores auto selection.
func (c *Controller) SetManualLevel(i int) {
	c.manual = i
	if i >= 0 {
		c.stopCheck()
	}
}

// ManualLevel returns the pinned level, or -1.
func (c *Controller) ManualLevel() int {
	return c.manual
}

// AutoEnabled reports whether levels are picked automatically.
func (c *Controller) AutoEnabled() bool {
	return c.manual < 0
}

// ForceNextLevel makes the next main load use level i and reseeds the
// estimator with its bitrate.
func (c *Controller) ForceNextLevel(i int) {
	l := c.registry.Level(i)
	if l == nil {
		return
	}
	c.forced = i
	if l.Bitrate > 0 {
		c.est.Reset(float64(l.Bitrate))
	}
	c.logger.Info("next level forced", "level", i, "bitrate", l.Bitrate)
}

// NextLoadLevel returns the level of the next main fragment: the manual
// level, then a forced level, then the auto choice.
func (c *Controller) NextLoadLevel(fragDuration float64) int {
	switch {
	case c.manual >= 0:
		return c.manual
	case c.forced >= 0 && c.registry.Level(c.forced) != nil:
		return c.forced
	}
	return c.NextAutoLevel(fragDuration)
}

// NextAutoLevel runs the selection for a fragment of fragDuration seconds.
func (c *Controller) NextAutoLevel(fragDuration float64) int {
	levels := c.registry.Levels()
	lo, hi := c.bounds()

	estimate := c.est.Estimate()
	if !c.est.CanEstimate() {
		estimate = c.est.DefaultEstimate()
		if c.cfg.DefaultEstimateMax > 0 {
			estimate = math.Min(estimate, c.cfg.DefaultEstimateMax)
		}
		estimate *= c.cfg.StartupFactor
	}

	buffered := c.bufferLen()
	starvation := c.cfg.MaxStarvationDelay
	if buffered == 0 && c.bitrateTestDelay > 0 {
		starvation = math.Max(c.cfg.MaxLoadingDelay-c.bitrateTestDelay, 0)
	}

	best := FindBestLevel(levels, Params{
		Estimate:                estimate,
		TTFB:                    c.est.EstimateTTFB(),
		Current:                 c.current,
		MinIndex:                lo,
		MaxIndex:                hi,
		BufferLen:               buffered,
		MaxStarvationDelay:      starvation,
		FragDuration:            fragDuration,
		BandwidthFactor:         c.cfg.BandwidthFactor,
		BandwidthUpFactor:       c.cfg.BandwidthUpFactor,
		SkipStarvationCheck:     c.live && c.bitrateTestDelay == 0,
		MinRealBitrateFragments: c.cfg.MinRealBitrateFragments,
		Now:                     c.sched.Now(),
	})
	if best < 0 {
		best = lo
	}
	return best
}

// NeedsBitrateTest reports whether the first main fragment should be a
// throwaway load from the lowest level.
func (c *Controller) NeedsBitrateTest() bool {
	return c.testBandwidth && !c.tested && c.manual < 0 && c.forced < 0 &&
		c.registry.Len() > 1 && !c.est.CanEstimate()
}

func (c *Controller) bounds() (int, int) {
	return Bounds(c.registry.Levels(), c.cfg.MinAutoBitrate, c.cfg.AutoLevelCapping)
}

func (c *Controller) onFragLoading(e event.Event) {
	ev := e.(event.FragLoading)
	if ev.Frag.Type != segment.Main || ev.Frag.IsInit() {
		return
	}
	c.stopCheck()
	if ev.Frag.BitrateTest || !c.AutoEnabled() {
		return
	}
	c.inflight = &inflight{frag: ev.Frag, part: ev.Part, stats: ev.Stats}
	c.check = c.sched.Every(c.cfg.AbandonCheckInterval.Std(), c.abandonRulesCheck)
}

func (c *Controller) onFragLoaded(e event.Event) {
	ev := e.(event.FragLoaded)
	frag := ev.Frag
	if frag.Type != segment.Main || frag.IsInit() {
		return
	}
	c.stopCheck()

	stats := ev.Stats
	if stats != nil {
		if ttfb := stats.TTFB(); ttfb > 0 {
			c.est.SampleTTFB(ttfb)
		}
		if d := stats.LoadDuration(); d > 0 {
			c.est.Sample(float64(d.Milliseconds()), float64(stats.Loaded))
		}
	}

	if frag.BitrateTest {
		c.tested = true
		if stats != nil {
			c.bitrateTestDelay = stats.LoadDuration().Seconds()
		}
		c.logger.Debug("bitrate test done", "delay", c.bitrateTestDelay, "estimate", c.est.Estimate())
		return
	}

	duration := frag.Duration
	if ev.Part != nil {
		duration = ev.Part.Duration
	}
	if l := c.registry.Level(frag.Level); l != nil {
		l.RecordLoad(int64(ev.Bytes), duration)
	}
	c.current = frag.Level
	c.forced = -1
	c.tested = true
}

func (c *Controller) onLoadEnded(e event.Event) {
	switch ev := e.(type) {
	case event.Error:
		if ev.Err.Frag == nil || ev.Err.Frag.Type != segment.Main {
			return
		}
		if ev.Err.Frag.Level == c.forced {
			// a forced level that fails is not forced again
			c.forced = -1
		}
	case event.FragLoadEmergencyAborted:
	}
	c.stopCheck()
}

func (c *Controller) stopCheck() {
	if c.check != nil {
		c.check.Stop()
		c.check = nil
	}
	c.inflight = nil
}

// abandonRulesCheck aborts the main load when finishing it would drain the
// buffer and a lower level would arrive in time.
func (c *Controller) abandonRulesCheck() {
	in := c.inflight
	if in == nil || in.stats.Aborted || !c.AutoEnabled() {
		c.stopCheck()
		return
	}
	frag, stats := in.frag, in.stats
	lo, _ := c.bounds()
	if frag.Level <= lo {
		return
	}
	if stats.Total > 0 && stats.Loaded >= stats.Total {
		return
	}

	ttfbEstimate := c.est.EstimateTTFB().Seconds()
	elapsed := c.sched.Now().Sub(stats.LoadingStart).Seconds()
	if stats.LoadingFirst.IsZero() && elapsed <= 1.5*ttfbEstimate {
		return
	}

	level := c.registry.Level(frag.Level)
	if level == nil {
		return
	}
	duration := frag.Duration
	if in.part != nil {
		duration = in.part.Duration
	}
	expected := float64(stats.Total)
	if expected == 0 {
		expected = math.Max(float64(stats.Loaded), duration*float64(level.MaxBitrate(c.cfg.MinRealBitrateFragments))/8)
	}

	loadRate := 1.0
	if elapsed > 0 {
		loadRate = math.Max(1, float64(stats.Loaded)/elapsed)
	}
	fragLoadedDelay := (expected - float64(stats.Loaded)) / loadRate
	buffered := c.bufferLen()
	if buffered >= fragLoadedDelay {
		return
	}

	next := -1
	nextDelay := math.Inf(1)
	for i := frag.Level - 1; i >= lo; i-- {
		l := c.registry.Level(i)
		bitrate := float64(l.MaxBitrate(c.cfg.MinRealBitrateFragments))
		next = i
		nextDelay = ttfbEstimate + duration*bitrate/(8*abandonBandwidthFactor*loadRate)
		if nextDelay < buffered {
			break
		}
	}
	if next < 0 || nextDelay >= fragLoadedDelay {
		return
	}

	c.logger.Warn("abandoning fragment load",
		"frag", frag.ID(),
		"loaded", stats.Loaded,
		"expected", int64(expected),
		"finish_in", fragLoadedDelay,
		"buffer", buffered,
		"next_level", next)

	if stats.Loaded > 0 {
		c.est.Sample(elapsed*1000, float64(stats.Loaded))
	} else {
		c.est.Reset(float64(c.registry.Level(next).Bitrate))
	}
	c.stopCheck()
	c.forced = next
	c.hub.Publish(event.FragLoadEmergencyAborted{Frag: frag, Part: in.part, NextLevel: next})
}

// Destroy stops the abandon check and unsubscribes from the hub.
func (c *Controller) Destroy() {
	c.stopCheck()
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil
}
