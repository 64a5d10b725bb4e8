package playlist

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/event"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/testutil"
	"github.com/agleyzer/hlsplay/internal/variant"
)

const (
	lowURL  = "https://example.com/low.m3u8"
	highURL = "https://example.com/high.m3u8"
)

// mediaPlaylist renders n segments of target seconds starting at startSN.
func mediaPlaylist(startSN, n int, target float64, header string, closed bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:%d\n", int(target))
	if header != "" {
		b.WriteString(header + "\n")
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", startSN)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\nseg%d.ts\n", target, startSN+i)
	}
	if closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return []byte(b.String())
}

type fixture struct {
	clock    *testutil.FakeClock
	sched    *scheduler.Scheduler
	net      *testutil.Network
	hub      *event.Hub
	registry *variant.Registry
	ctrl     *Controller

	loaded []event.PlaylistLoaded
	errors []*errs.Error
	levels []event.LevelsUpdated
}

func newFixture(t *testing.T, urls ...string) *fixture {
	t.Helper()
	f := &fixture{clock: testutil.NewFakeClock(time.Unix(1000, 0))}
	f.sched = scheduler.New(f.clock, nil)
	f.net = testutil.NewNetwork(f.sched)
	f.hub = event.NewHub()

	var levels []*variant.Level
	for i, u := range urls {
		levels = append(levels, &variant.Level{URL: u, Bitrate: (i + 1) * 1_000_000, VideoCodec: "avc1.4d401f"})
	}
	var err error
	f.registry, err = variant.NewRegistry(levels, nil, nil, nil)
	require.NoError(t, err)

	f.ctrl = New(segment.Main, config.Default(), f.registry, f.net.Factory(), f.hub, f.sched, nil)
	t.Cleanup(f.ctrl.Destroy)

	f.hub.Subscribe(func(e event.Event) {
		switch ev := e.(type) {
		case event.PlaylistLoaded:
			f.loaded = append(f.loaded, ev)
		case event.Error:
			f.errors = append(f.errors, ev.Err)
		case event.LevelsUpdated:
			f.levels = append(f.levels, ev)
		}
	}, event.KindPlaylistLoaded, event.KindError, event.KindLevelsUpdated)
	return f
}

func (f *fixture) step(d time.Duration) {
	f.clock.Advance(d)
	f.sched.Drain(100)
}

func TestVODLoadsOnce(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.Handle(lowURL, mediaPlaylist(0, 3, 4, "", true))

	f.ctrl.Load(0)
	f.step(0)
	require.Len(t, f.loaded, 1)
	assert.False(t, f.loaded[0].Details.Live)
	assert.Same(t, f.loaded[0].Details, f.registry.Level(0).Details)
	assert.Same(t, f.loaded[0].Details, f.ctrl.Details())

	f.step(time.Minute)
	assert.Len(t, f.net.Requests(), 1)

	// switching back publishes the cached snapshot
	f.ctrl.Load(0)
	f.step(0)
	assert.Len(t, f.loaded, 2)
	assert.Len(t, f.net.Requests(), 1)
}

func TestLiveReloadInterval(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.Handle(lowURL, mediaPlaylist(10, 3, 4, "", false))

	f.ctrl.Load(0)
	f.step(0)
	require.Len(t, f.loaded, 1)
	assert.True(t, f.loaded[0].Details.Live)

	f.step(3900 * time.Millisecond)
	assert.Len(t, f.net.Requests(), 1)
	f.step(100 * time.Millisecond)
	assert.Len(t, f.net.Requests(), 2)

	// nothing new: the interval halves
	require.Len(t, f.loaded, 2)
	assert.False(t, f.loaded[1].Details.Updated)
	f.step(2 * time.Second)
	assert.Len(t, f.net.Requests(), 3)

	// the window moves
	f.net.Handle(lowURL, mediaPlaylist(11, 3, 4, "", false))
	f.step(2 * time.Second)
	require.Len(t, f.loaded, 4)
	latest := f.loaded[3].Details
	assert.True(t, latest.Updated)
	assert.Equal(t, int64(13), latest.EndSN)
	assert.InDelta(t, 4, latest.Fragments[0].Start, 1e-9)
}

func TestBlockingReloadDirectives(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.Handle(lowURL, mediaPlaylist(10, 3, 4, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES", false))

	f.ctrl.Load(0)
	f.step(0)
	require.Len(t, f.loaded, 1)

	// a fresh snapshot is followed by an immediate blocking request
	f.step(0)
	reqs := f.net.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, lowURL+"?_HLS_msn=13", reqs[1].Ctx.URL)

	// the server answered without news; back off half a target duration
	f.step(1900 * time.Millisecond)
	assert.Len(t, f.net.Requests(), 2)
	f.step(100 * time.Millisecond)
	assert.Len(t, f.net.Requests(), 3)
}

func TestDirectives(t *testing.T) {
	frag := &segment.Fragment{SN: 20}
	partial := &segment.Fragment{SN: 21}
	d := &segment.Details{
		CanBlockReload: true,
		EndSN:          20,
		PartTarget:     1,
		Partial:        partial,
		Parts: []*segment.Part{
			{Frag: frag, Index: 0},
			{Frag: partial, Index: 0},
			{Frag: partial, Index: 1},
		},
	}

	msn, part, block := Directives(d, true)
	assert.True(t, block)
	assert.Equal(t, int64(21), msn)
	assert.Equal(t, 2, part)

	msn, part, _ = Directives(d, false)
	assert.Equal(t, int64(21), msn)
	assert.Equal(t, -1, part)

	d.Partial = nil
	d.Parts = d.Parts[:1]
	msn, part, _ = Directives(d, true)
	assert.Equal(t, int64(21), msn)
	assert.Equal(t, 0, part)

	d.CanBlockReload = false
	_, _, block = Directives(d, true)
	assert.False(t, block)
}

func TestReloadInterval(t *testing.T) {
	d := &segment.Details{TargetDuration: 6, PartTarget: 1, Updated: true}
	assert.Equal(t, 6*time.Second, ReloadInterval(d, true))

	d.Parts = []*segment.Part{{Frag: &segment.Fragment{}}}
	assert.Equal(t, time.Second, ReloadInterval(d, true))
	assert.Equal(t, 6*time.Second, ReloadInterval(d, false))

	d.Updated = false
	assert.Equal(t, 500*time.Millisecond, ReloadInterval(d, true))
}

func TestDeltaMismatchReloadsInFull(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.Handle(lowURL, mediaPlaylist(10, 3, 4, "#EXT-X-SERVER-CONTROL:CAN-SKIP-UNTIL=24", false))
	// a delta that skips segments the client never saw
	f.net.Handle(lowURL+"?_HLS_skip=YES", []byte(`#EXTM3U
#EXT-X-VERSION:9
#EXT-X-TARGETDURATION:4
#EXT-X-SERVER-CONTROL:CAN-SKIP-UNTIL=24
#EXT-X-MEDIA-SEQUENCE:50
#EXT-X-SKIP:SKIPPED-SEGMENTS=2
#EXTINF:4.0,
seg52.ts
`))

	f.ctrl.Load(0)
	f.step(0)
	f.step(4 * time.Second)

	reqs := f.net.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, lowURL+"?_HLS_skip=YES", reqs[1].Ctx.URL)
	assert.Equal(t, lowURL, reqs[2].Ctx.URL)
	assert.Empty(t, f.errors)
	assert.Len(t, f.loaded, 2)
}

func TestFailingLevelIsRemoved(t *testing.T) {
	f := newFixture(t, lowURL, highURL)
	f.net.HandleRoute(highURL, testutil.Route{Code: 503})

	f.ctrl.Load(1)
	f.step(0)
	// two retries, one and two seconds apart
	f.step(time.Second)
	f.step(2 * time.Second)

	assert.Len(t, f.net.RequestsFor(highURL), 3)
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, lowURL, f.registry.Level(0).URL)
	require.Len(t, f.levels, 1)
	assert.Equal(t, 1, f.levels[0].Levels)
	assert.Equal(t, -1, f.ctrl.ID())

	require.Len(t, f.errors, 3)
	for _, e := range f.errors {
		assert.False(t, e.Fatal)
		assert.Equal(t, errs.LevelLoadError, e.Details)
		assert.Equal(t, 503, e.Code)
	}
}

func TestLastLevelFailureIsFatal(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.HandleRoute(lowURL, testutil.Route{Code: 404})

	f.ctrl.Load(0)
	f.step(0)

	require.Len(t, f.errors, 1)
	assert.True(t, f.errors[0].Fatal)
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, f.registry.Level(0).LoadErrors)
}

func TestParsingErrorIsReported(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.Handle(lowURL, []byte("<html>not a playlist</html>"))

	f.ctrl.Load(0)
	f.step(0)

	require.Len(t, f.errors, 1)
	assert.Equal(t, errs.LevelParsingError, f.errors[0].Details)
	assert.Equal(t, errs.Media, f.errors[0].Type)
}

func TestStopAbortsRequest(t *testing.T) {
	f := newFixture(t, lowURL)
	f.net.HandleRoute(lowURL, testutil.Route{Hang: true})

	f.ctrl.Load(0)
	assert.True(t, f.ctrl.Loading())
	f.ctrl.Stop()
	assert.False(t, f.ctrl.Loading())
	assert.Equal(t, 1, f.net.Aborts())

	f.net.Requests()[0].Succeed(mediaPlaylist(0, 1, 4, "", true))
	f.step(0)
	assert.Empty(t, f.loaded)
}

func TestLiveSwitchAlignsToPreviousLevel(t *testing.T) {
	f := newFixture(t, lowURL, highURL)
	f.net.Handle(lowURL, mediaPlaylist(5, 4, 2, "", false))
	f.net.Handle(highURL, mediaPlaylist(7, 4, 2, "", false))

	f.ctrl.Load(0)
	f.step(0)
	require.Len(t, f.loaded, 1)
	low := f.loaded[0].Details
	assert.InDelta(t, 0, low.Start(), 1e-9)

	f.ctrl.Load(1)
	f.step(0)
	require.Len(t, f.loaded, 2)
	high := f.loaded[1].Details
	assert.Equal(t, 1, high.ID)
	// sequence 7 sits where the low level put it
	assert.InDelta(t, low.Fragment(7).Start, high.Fragment(7).Start, 1e-9)
	assert.InDelta(t, 4, high.Start(), 1e-9)
	assert.InDelta(t, 12, high.Edge(), 1e-9)
}

func TestLiveSwitchWithoutCommonReference(t *testing.T) {
	f := newFixture(t, lowURL, highURL)
	f.net.Handle(lowURL, mediaPlaylist(5, 4, 2, "", false))
	f.net.Handle(highURL, mediaPlaylist(500, 4, 2, "", false))

	f.ctrl.Load(0)
	f.step(0)
	f.ctrl.Load(1)
	f.step(0)
	require.Len(t, f.loaded, 2)
	assert.InDelta(t, 0, f.loaded[1].Details.Start(), 1e-9)
}
