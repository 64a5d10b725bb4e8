package abr

import (
	"testing"
	"time"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/testutil"
	"github.com/agleyzer/hlsplay/internal/variant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLevels(bitrates ...int) []*variant.Level {
	var out []*variant.Level
	for i, b := range bitrates {
		out = append(out, &variant.Level{Index: i, Bitrate: b, Supported: true, VideoCodec: "avc1.4d401f"})
	}
	return out
}

func baseParams() Params {
	return Params{
		Estimate:           1_000_000,
		Current:            -1,
		MinIndex:           0,
		MaxIndex:           2,
		BufferLen:          10,
		MaxStarvationDelay: 4,
		FragDuration:       4,
		BandwidthFactor:    0.8,
		BandwidthUpFactor:  1,
	}
}

func TestFindBestLevel(t *testing.T) {
	levels := testLevels(200_000, 800_000, 3_000_000)

	tests := []struct {
		name   string
		modify func(p *Params)
		want   int
	}{
		{
			name: "fits the estimate with headroom",
			want: 1,
		},
		{
			name:   "upward switch uses the stricter factor",
			modify: func(p *Params) { p.Current = 0; p.BandwidthUpFactor = 1.35 },
			want:   0,
		},
		{
			name:   "downward factor applies below the current level",
			modify: func(p *Params) { p.Current = 2; p.BandwidthUpFactor = 1.35 },
			want:   1,
		},
		{
			name:   "starvation guard rejects slow fetches",
			modify: func(p *Params) { p.BufferLen = 0; p.MaxStarvationDelay = 2 },
			want:   0,
		},
		{
			name:   "live skips the starvation guard",
			modify: func(p *Params) { p.BufferLen = 0; p.MaxStarvationDelay = 2; p.SkipStarvationCheck = true },
			want:   1,
		},
		{
			name:   "nothing fits",
			modify: func(p *Params) { p.Estimate = 100_000 },
			want:   -1,
		},
		{
			name:   "capped",
			modify: func(p *Params) { p.Estimate = 10_000_000; p.MaxIndex = 1 },
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			if tt.modify != nil {
				tt.modify(&p)
			}
			assert.Equal(t, tt.want, FindBestLevel(levels, p))
		})
	}
}

func TestFindBestLevelSkipsExcluded(t *testing.T) {
	now := time.Unix(1000, 0)
	levels := testLevels(200_000, 800_000, 3_000_000)
	levels[1].PenaltyUntil = now.Add(time.Minute)

	p := baseParams()
	p.Now = now
	assert.Equal(t, 0, FindBestLevel(levels, p))

	levels[1].PenaltyUntil = time.Time{}
	levels[1].Supported = false
	assert.Equal(t, 0, FindBestLevel(levels, p))
}

func TestFindBestLevelPrefersMeasuredBitrate(t *testing.T) {
	levels := testLevels(200_000, 800_000, 3_000_000)
	levels[1].RealBitrate = 1_200_000
	levels[1].FragmentsLoaded = 3

	p := baseParams()
	p.MinRealBitrateFragments = 3
	assert.Equal(t, 0, FindBestLevel(levels, p))

	p.MinRealBitrateFragments = 4
	assert.Equal(t, 1, FindBestLevel(levels, p))
}

func TestBounds(t *testing.T) {
	levels := testLevels(100_000, 200_000, 800_000, 3_000_000)
	lo, hi := Bounds(levels, 150_000, -1)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 3, hi)

	lo, hi = Bounds(levels, 0, 2)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 2, hi)
}

type fixture struct {
	c     *Controller
	hub   *event.Hub
	sched *scheduler.Scheduler
	clock *testutil.FakeClock
	reg   *variant.Registry
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	reg, err := variant.NewRegistry(testLevels(200_000, 800_000, 3_000_000), nil, nil, nil)
	require.NoError(t, err)

	clock := testutil.NewFakeClock(time.Unix(0, 0))
	s := scheduler.New(clock, nil)
	hub := event.NewHub()
	c := New(cfg, reg, hub, s, nil)
	t.Cleanup(c.Destroy)
	return &fixture{c: c, hub: hub, sched: s, clock: clock, reg: reg}
}

func mainFrag(level int, sn int64) *segment.Fragment {
	return &segment.Fragment{SN: sn, Level: level, Type: segment.Main, Duration: 6}
}

func TestStartupEstimateIsScaled(t *testing.T) {
	f := newFixture(t, nil)
	f.c.SetBufferInfo(func() float64 { return 30 })

	// 500k default scaled by 0.8 leaves room only for the lowest level
	assert.Equal(t, 0, f.c.NextAutoLevel(6))
	assert.True(t, f.c.NeedsBitrateTest())
}

func TestFragLoadedSamplesAndRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.c.SetBufferInfo(func() float64 { return 30 })

	start := f.clock.Now()
	stats := &loader.Stats{
		LoadingStart: start,
		LoadingFirst: start.Add(50 * time.Millisecond),
		LoadingEnd:   start.Add(time.Second),
		Loaded:       1_000_000,
	}
	frag := mainFrag(0, 1)
	f.hub.Publish(event.FragLoaded{Frag: frag, Stats: stats, Bytes: 1_000_000})

	assert.True(t, f.c.Estimator().CanEstimate())
	assert.InDelta(t, 8_000_000, f.c.Estimator().Estimate(), 1)
	assert.Equal(t, 1, f.reg.Level(0).FragmentsLoaded)
	assert.False(t, f.c.NeedsBitrateTest())

	// 8 Mbps comfortably fits the top level
	assert.Equal(t, 2, f.c.NextAutoLevel(6))
}

func TestForcedLevelIsOneShot(t *testing.T) {
	f := newFixture(t, nil)

	f.c.ForceNextLevel(2)
	assert.Equal(t, 2, f.c.NextLoadLevel(6))
	assert.Equal(t, 2, f.c.NextLoadLevel(6))
	assert.Equal(t, float64(3_000_000), f.c.Estimator().DefaultEstimate())

	f.hub.Publish(event.FragLoaded{Frag: mainFrag(2, 1), Stats: &loader.Stats{}})
	assert.NotEqual(t, -1, f.c.NextLoadLevel(6))
	assert.Equal(t, -1, f.c.forced)
}

func TestManualLevelWins(t *testing.T) {
	f := newFixture(t, nil)
	f.c.ForceNextLevel(2)
	f.c.SetManualLevel(1)
	assert.False(t, f.c.AutoEnabled())
	assert.Equal(t, 1, f.c.NextLoadLevel(6))

	f.c.SetManualLevel(-1)
	assert.Equal(t, 2, f.c.NextLoadLevel(6))
}

func TestAbandonRules(t *testing.T) {
	f := newFixture(t, nil)
	f.c.SetBufferInfo(func() float64 { return 2 })

	var aborted []event.FragLoadEmergencyAborted
	f.hub.Subscribe(func(e event.Event) {
		aborted = append(aborted, e.(event.FragLoadEmergencyAborted))
	}, event.KindFragLoadEmergencyAborted)

	start := f.clock.Now()
	// 3 Mbps for 6s is 2.25 MB; 10 kB after 100ms is 100 kB/s
	stats := &loader.Stats{
		LoadingStart: start,
		LoadingFirst: start.Add(20 * time.Millisecond),
		Loaded:       10_000,
		Total:        2_250_000,
	}
	frag := mainFrag(2, 5)
	f.hub.Publish(event.FragLoading{Frag: frag, Stats: stats})

	f.clock.Advance(100 * time.Millisecond)
	f.sched.Drain(10)

	require.Len(t, aborted, 1)
	assert.Equal(t, frag, aborted[0].Frag)
	assert.Equal(t, 0, aborted[0].NextLevel)
	assert.Equal(t, 0, f.c.NextLoadLevel(6))
	assert.Equal(t, 0, f.clock.Timers())
}

func TestAbandonNotNeededWithBuffer(t *testing.T) {
	f := newFixture(t, nil)
	f.c.SetBufferInfo(func() float64 { return 1000 })

	var aborted int
	f.hub.Subscribe(func(event.Event) { aborted++ }, event.KindFragLoadEmergencyAborted)

	start := f.clock.Now()
	stats := &loader.Stats{LoadingStart: start, LoadingFirst: start, Loaded: 10_000, Total: 2_250_000}
	f.hub.Publish(event.FragLoading{Frag: mainFrag(2, 5), Stats: stats})

	for i := 0; i < 5; i++ {
		f.clock.Advance(100 * time.Millisecond)
		f.sched.Drain(10)
	}
	assert.Zero(t, aborted)

	f.hub.Publish(event.FragLoaded{Frag: mainFrag(2, 5), Stats: stats, Bytes: 2_250_000})
	f.sched.Drain(10)
	assert.Equal(t, 0, f.clock.Timers())
}

func TestLiveSwitchesHalfLives(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.ABR.EWMAFastLive = 1
		c.ABR.EWMASlowLive = 2
	})
	start := f.clock.Now()
	f.hub.Publish(event.FragLoaded{Frag: mainFrag(0, 1), Stats: &loader.Stats{
		LoadingStart: start, LoadingEnd: start.Add(time.Second), Loaded: 100_000,
	}})
	require.True(t, f.c.Estimator().CanEstimate())

	f.c.SetLive(true)
	assert.False(t, f.c.Estimator().CanEstimate())
}
