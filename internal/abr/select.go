package abr

import (
	"math"
	"time"

	"github.com/agleyzer/hlsplay/internal/variant"
)

// Params are the inputs of one selection.
type Params struct {
	// Estimate is the bandwidth in bits per second.
	Estimate float64
	TTFB     time.Duration
	// Current is the level being loaded, -1 before the first load.
	Current int
	// MinIndex and MaxIndex bound the candidates.
	MinIndex int
	MaxIndex int
	// BufferLen is the forward buffer in seconds.
	BufferLen float64
	// MaxStarvationDelay is how long a fetch may outlast BufferLen.
	MaxStarvationDelay float64
	// FragDuration is the expected fragment duration in seconds.
	FragDuration float64

	BandwidthFactor   float64
	BandwidthUpFactor float64
	// SkipStarvationCheck accepts any fetch time.
	SkipStarvationCheck bool

	MinRealBitrateFragments int
	Now                     time.Time
}

// FindBestLevel walks levels from MaxIndex down to MinIndex and returns the
// first one whose bitrate fits the estimate and whose fetch time fits the
// buffer, or -1. Levels above Current must fit the stricter up factor.
func FindBestLevel(levels []*variant.Level, p Params) int {
	maxIdx := p.MaxIndex
	if maxIdx >= len(levels) {
		maxIdx = len(levels) - 1
	}
	ttfb := p.TTFB.Seconds()

	for i := maxIdx; i >= p.MinIndex && i >= 0; i-- {
		l := levels[i]
		if !l.Supported || l.InPenaltyBox(p.Now) {
			continue
		}

		factor := p.BandwidthFactor
		if p.Current >= 0 && i > p.Current && p.BandwidthUpFactor > 0 {
			factor = p.BandwidthFactor / p.BandwidthUpFactor
		}
		adjusted := factor * p.Estimate
		bitrate := float64(l.MaxBitrate(p.MinRealBitrateFragments))
		if bitrate > adjusted {
			continue
		}

		if p.SkipStarvationCheck || p.FragDuration <= 0 || adjusted <= 0 {
			return i
		}
		fetch := ttfb + bitrate*p.FragDuration/adjusted
		if math.IsInf(fetch, 0) || fetch <= p.BufferLen+p.MaxStarvationDelay {
			return i
		}
	}
	return -1
}

// Bounds returns the index range auto selection may use: levels below
// minBitrate are excluded and capping (-1 for none) limits the top.
func Bounds(levels []*variant.Level, minBitrate, capping int) (lo, hi int) {
	hi = len(levels) - 1
	if capping >= 0 && capping < hi {
		hi = capping
	}
	for i := 0; i <= hi; i++ {
		if levels[i].Bitrate >= minBitrate {
			return i, hi
		}
	}
	return hi, hi
}
