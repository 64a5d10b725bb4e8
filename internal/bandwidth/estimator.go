// Package bandwidth estimates network throughput and time to first byte from
// completed transfers.
package bandwidth

import (
	"math"
	"time"
)

const (
	// minWeight is the fast average weight, in transfer seconds, needed
	// before estimates replace the default.
	minWeight = 0.001
	// MinDelayMs is the shortest transfer that is sampled. Shorter ones are
	// usually served from a cache and say nothing about the network.
	MinDelayMs = 50
)

// Estimator keeps a fast and a slow throughput average in bits per second and
// an average time to first byte.
type Estimator struct {
	defaultEstimate float64
	defaultTTFB     time.Duration

	fast *EWMA
	slow *EWMA
	ttfb *EWMA
}

// New returns an estimator with the given half-lives in seconds of transfer
// time and defaults used until enough samples exist.
func New(slowHalfLife, fastHalfLife, defaultEstimate float64, defaultTTFB time.Duration) *Estimator {
	e := &Estimator{
		defaultEstimate: defaultEstimate,
		defaultTTFB:     defaultTTFB,
		ttfb:            NewEWMA(slowHalfLife, 0, 0),
	}
	e.reset(slowHalfLife, fastHalfLife)
	return e
}

func (e *Estimator) reset(slowHalfLife, fastHalfLife float64) {
	e.slow = NewEWMA(slowHalfLife, 0, 0)
	e.fast = NewEWMA(fastHalfLife, 0, 0)
}

// Update switches half-lives. The averages carry their estimate and weight
// over, so a warmed up estimator stays warm.
func (e *Estimator) Update(slowHalfLife, fastHalfLife float64) {
	if e.slow.HalfLife() != slowHalfLife {
		e.slow = e.slow.WithHalfLife(slowHalfLife)
	}
	if e.fast.HalfLife() != fastHalfLife {
		e.fast = e.fast.WithHalfLife(fastHalfLife)
	}
}

// Reset restarts both throughput averages around a new default. The time to
// first byte history is kept.
func (e *Estimator) Reset(defaultEstimate float64) {
	e.defaultEstimate = defaultEstimate
	e.reset(e.slow.HalfLife(), e.fast.HalfLife())
}

// Sample records numBytes transferred in durationMs milliseconds. Transfers
// shorter than MinDelayMs are ignored.
func (e *Estimator) Sample(durationMs, numBytes float64) {
	if durationMs < MinDelayMs || numBytes <= 0 {
		return
	}
	seconds := durationMs / 1000
	bps := 8 * numBytes / seconds
	e.fast.Sample(seconds, bps)
	e.slow.Sample(seconds, bps)
}

// SampleTTFB records a time to first byte. Short values weigh the most.
func (e *Estimator) SampleTTFB(ttfb time.Duration) {
	s := ttfb.Seconds()
	weight := math.Sqrt2 * math.Exp(-s*s/2)
	ms := math.Max(float64(ttfb.Milliseconds()), 5)
	e.ttfb.Sample(weight, ms)
}

// CanEstimate reports whether enough samples were observed.
func (e *Estimator) CanEstimate() bool {
	return e.fast.TotalWeight() >= minWeight
}

// Estimate returns the throughput in bits per second: the lower of the two
// averages once warmed up, the default before.
func (e *Estimator) Estimate() float64 {
	if e.CanEstimate() {
		return math.Min(e.fast.Estimate(), e.slow.Estimate())
	}
	return e.defaultEstimate
}

// EstimateTTFB returns the average time to first byte.
func (e *Estimator) EstimateTTFB() time.Duration {
	if e.ttfb.TotalWeight() >= minWeight {
		return time.Duration(math.Round(e.ttfb.Estimate()*1000)) * time.Microsecond
	}
	return e.defaultTTFB
}

// DefaultEstimate returns the current seed.
func (e *Estimator) DefaultEstimate() float64 {
	return e.defaultEstimate
}
