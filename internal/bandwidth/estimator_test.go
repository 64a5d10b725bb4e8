package bandwidth

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEWMA(t *testing.T) {
	e := NewEWMA(2, 0, 0)
	e.Sample(1, 100)

	// bias correction makes a single sample exact
	assert.InDelta(t, 100, e.Estimate(), 1e-9)
	assert.Equal(t, 1.0, e.TotalWeight())

	e.Sample(2, 200)
	// half-life 2: the old sample keeps half its weight
	assert.InDelta(t, 100*(1-math.Sqrt(0.5))*0.5/(1-math.Pow(0.5, 1.5))+200*0.5/(1-math.Pow(0.5, 1.5)), e.Estimate(), 1e-6)
}

func TestEstimatorDefaults(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)

	assert.False(t, e.CanEstimate())
	assert.Equal(t, 500_000.0, e.Estimate())
	assert.Equal(t, 100*time.Millisecond, e.EstimateTTFB())
}

func TestEstimatorIgnoresShortSamples(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)

	e.Sample(MinDelayMs-1, 1_000_000)
	e.Sample(200, 0)
	assert.False(t, e.CanEstimate())
	assert.Equal(t, 500_000.0, e.Estimate())
}

func TestEstimatorConvergesMonotonically(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)

	// start far away from the target
	e.Sample(1000, 1_000_000)
	require.True(t, e.CanEstimate())

	// 250 KB per 500 ms is 4 Mbps
	const target = 4_000_000.0
	prev := math.Abs(e.Estimate() - target)
	for i := 0; i < 100; i++ {
		e.Sample(500, 250_000)
		dist := math.Abs(e.Estimate() - target)
		assert.LessOrEqual(t, dist, prev+1e-6, "sample %d moved away from target", i)
		prev = dist
	}
	assert.InDelta(t, target, e.Estimate(), target*0.01)
}

func TestEstimatorTakesLowerAverage(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		e.Sample(1000, 1_000_000) // 8 Mbps
	}
	e.Sample(1000, 125_000) // 1 Mbps

	// the fast average reacts first and is the lower one
	assert.InDelta(t, e.fast.Estimate(), e.Estimate(), 1e-9)
	assert.Less(t, e.Estimate(), e.slow.Estimate())

	e.Sample(1000, 10_000_000) // 80 Mbps
	assert.InDelta(t, e.slow.Estimate(), e.Estimate(), 1e-9)
}

func TestEstimatorResetKeepsTTFB(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)
	e.Sample(1000, 1_000_000)
	e.SampleTTFB(40 * time.Millisecond)

	e.Reset(2_000_000)
	assert.False(t, e.CanEstimate())
	assert.Equal(t, 2_000_000.0, e.Estimate())
	assert.Equal(t, 40*time.Millisecond, e.EstimateTTFB())
}

func TestEstimatorUpdate(t *testing.T) {
	e := New(9, 3, 500_000, 100*time.Millisecond)
	e.Sample(1000, 1_000_000)

	e.Update(9, 3)
	assert.True(t, e.CanEstimate())

	before := e.Estimate()
	e.Update(5, 2)
	require.True(t, e.CanEstimate())
	assert.InDelta(t, before, e.Estimate(), 1e-6)
	assert.Equal(t, 5.0, e.slow.HalfLife())
	assert.Equal(t, 2.0, e.fast.HalfLife())
	assert.InDelta(t, 1.0, e.fast.TotalWeight(), 1e-9)

	// one second of 1 Mbps on a two second half-life
	e.Sample(1000, 125_000)
	adj := math.Sqrt(0.5)
	want := (before*(1-math.Pow(0.5, 0.5))*adj + 1_000_000*(1-adj)) / (1 - 0.5)
	assert.InDelta(t, want, e.fast.Estimate(), 1)
}

func TestEWMAWithHalfLife(t *testing.T) {
	e := NewEWMA(9, 0, 0)
	e.Sample(1, 100)
	e.Sample(2, 300)

	n := e.WithHalfLife(3)
	assert.InDelta(t, e.Estimate(), n.Estimate(), 1e-9)
	assert.Equal(t, e.TotalWeight(), n.TotalWeight())
	assert.Equal(t, 3.0, n.HalfLife())

	empty := NewEWMA(9, 0, 0).WithHalfLife(3)
	assert.Zero(t, empty.TotalWeight())
	assert.Zero(t, empty.Estimate())
}
