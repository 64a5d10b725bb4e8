// Package metrics exports playback counters and gauges to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agleyzer/hlsplay/internal/engine"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/segment"
)

const namespace = "hlsplay"

// Metrics holds the collectors of one playback session.
type Metrics struct {
	// Loading
	FragmentsLoaded      *prometheus.CounterVec
	BytesLoaded          *prometheus.CounterVec
	FragmentLoadDuration *prometheus.HistogramVec
	FragmentTTFB         prometheus.Histogram
	PlaylistsLoaded      *prometheus.CounterVec
	EmergencyAborts      prometheus.Counter

	// Playback
	LevelSwitches prometheus.Counter
	Seeks         prometheus.Counter
	Errors        *prometheus.CounterVec
}

// New creates the event driven collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FragmentsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_loaded_total",
			Help:      "Fragments and parts loaded, by playlist type",
		}, []string{"type"}),
		BytesLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_loaded_total",
			Help:      "Fragment bytes loaded, by playlist type",
		}, []string{"type"}),
		FragmentLoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_load_duration_seconds",
			Help:      "Time from request to last byte of a fragment",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"type"}),
		FragmentTTFB: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_ttfb_seconds",
			Help:      "Time to first byte of main fragments",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		PlaylistsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlists_loaded_total",
			Help:      "Media playlist loads, by playlist type",
		}, []string{"type"}),
		EmergencyAborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_emergency_aborts_total",
			Help:      "Fragment loads abandoned because bandwidth dropped",
		}),
		LevelSwitches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_switches_total",
			Help:      "Times the playhead entered media of another level",
		}),
		Seeks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seeks_total",
			Help:      "Playhead jumps requested by the user or live catch-up",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors published by the engine",
		}, []string{"type", "details", "fatal"}),
	}
}

// Observe feeds the collectors from hub. The returned func unsubscribes.
func (m *Metrics) Observe(hub *event.Hub) func() {
	return hub.Subscribe(m.record,
		event.KindFragLoaded,
		event.KindPlaylistLoaded,
		event.KindFragLoadEmergencyAborted,
		event.KindLevelSwitched,
		event.KindSeeked,
		event.KindError)
}

func (m *Metrics) record(ev event.Event) {
	switch e := ev.(type) {
	case event.FragLoaded:
		if e.Frag.BitrateTest {
			return
		}
		typ := e.Frag.Type.String()
		m.FragmentsLoaded.WithLabelValues(typ).Inc()
		m.BytesLoaded.WithLabelValues(typ).Add(float64(e.Bytes))
		if s := e.Stats; s != nil {
			if d := s.LoadDuration(); d > 0 {
				m.FragmentLoadDuration.WithLabelValues(typ).Observe(d.Seconds())
			}
			if ttfb := s.TTFB(); ttfb > 0 && e.Frag.Type == segment.Main {
				m.FragmentTTFB.Observe(ttfb.Seconds())
			}
		}
	case event.PlaylistLoaded:
		m.PlaylistsLoaded.WithLabelValues(e.Type.String()).Inc()
	case event.FragLoadEmergencyAborted:
		m.EmergencyAborts.Inc()
	case event.LevelSwitched:
		m.LevelSwitches.Inc()
	case event.Seeked:
		m.Seeks.Inc()
	case event.Error:
		m.Errors.WithLabelValues(e.Err.Type.String(), string(e.Err.Details), strconv.FormatBool(e.Err.Fatal)).Inc()
	}
}

// RegisterStats exports the snapshot read by stats as gauges. It is safe to
// scrape from any goroutine.
func RegisterStats(reg prometheus.Registerer, stats func() engine.Stats) {
	f := promauto.With(reg)
	gauge := func(name, help string, value func(engine.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}

	gauge("position_seconds", "Playhead position", func(s engine.Stats) float64 { return s.Position })
	gauge("buffer_length_seconds", "Media buffered ahead of the playhead", func(s engine.Stats) float64 { return s.BufferLen })
	gauge("bandwidth_estimate_bps", "Current bandwidth estimate", func(s engine.Stats) float64 { return s.Estimate })
	gauge("load_level", "Level fragments are loaded from, -1 before the first load", func(s engine.Stats) float64 { return float64(s.LoadLevel) })
	gauge("playing_level", "Level of the media under the playhead", func(s engine.Stats) float64 { return float64(s.PlayingLevel) })
	gauge("levels", "Playable levels", func(s engine.Stats) float64 { return float64(s.Levels) })
	gauge("live", "1 for a live stream", func(s engine.Stats) float64 { return boolValue(s.Live) })
	gauge("ended", "1 once playback reached the end", func(s engine.Stats) float64 { return boolValue(s.Ended) })
	gauge("stalls", "Stalls detected so far", func(s engine.Stats) float64 { return float64(s.Stalls) })
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
