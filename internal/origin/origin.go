// Package origin turns a VOD playlist into an endless live stream: a sliding
// window moves over the segments and wraps around at the end, marking every
// loop point with a discontinuity.
package origin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Segment is one media segment of the source.
type Segment struct {
	// URL is absolute; segments are served by the source, not the origin.
	URL      string
	Duration float64
	// Sequence is the position in the source playlist.
	Sequence int
}

// Variant is one looped media playlist.
type Variant struct {
	Bandwidth  int
	Resolution string
	Codecs     string
	// Map is the absolute URL of the initialization segment, if any.
	Map            string
	TargetDuration int
	Segments       []Segment
}

// Origin holds the window position of every variant. It is safe for
// concurrent use.
type Origin struct {
	mu              sync.RWMutex
	variants        []Variant
	positions       []int
	discontinuities []uint64
	windowSize      int
	sequence        uint64
	targetDuration  int
	logger          *slog.Logger
}

// New creates an origin looping variants. A positive loopAfter loops after
// about that much media.
func New(variants []Variant, windowSize int, loopAfter time.Duration, logger *slog.Logger) (*Origin, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("cannot create origin with zero variants")
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}

	maxTargetDuration := 0
	looped := make([]Variant, len(variants))
	for i, v := range variants {
		if len(v.Segments) == 0 {
			return nil, fmt.Errorf("variant %d has zero segments", i)
		}
		v.Segments = truncate(v.Segments, loopAfter)
		if v.TargetDuration <= 0 {
			for _, seg := range v.Segments {
				v.TargetDuration = max(v.TargetDuration, int(math.Ceil(seg.Duration)))
			}
			v.TargetDuration = max(v.TargetDuration, 1)
		}
		if windowSize > len(v.Segments) {
			logger.Warn("window size larger than variant segment count",
				"variant", i,
				"windowSize", windowSize,
				"segmentCount", len(v.Segments),
			)
		}
		maxTargetDuration = max(maxTargetDuration, v.TargetDuration)
		looped[i] = v
	}

	return &Origin{
		variants:        looped,
		positions:       make([]int, len(variants)),
		discontinuities: make([]uint64, len(variants)),
		windowSize:      windowSize,
		targetDuration:  maxTargetDuration,
		logger:          logger,
	}, nil
}

// truncate returns the leading segments that fit within limit. The segment
// crossing limit is kept when it overshoots by at most half of limit, and the
// first segment is always kept.
func truncate(segments []Segment, limit time.Duration) []Segment {
	if len(segments) == 0 || limit <= 0 {
		return segments
	}

	maxSeconds := limit.Seconds()
	total := segments[0].Duration
	for i := 1; i < len(segments); i++ {
		next := total + segments[i].Duration
		if next <= maxSeconds {
			total = next
			continue
		}
		if next-maxSeconds <= maxSeconds*0.5 {
			return segments[:i+1]
		}
		return segments[:i]
	}
	return segments
}

// Multivariant reports whether the origin serves a multivariant playlist.
func (o *Origin) Multivariant() bool {
	return len(o.variants) > 1
}

// GenerateMaster creates the multivariant playlist. Variant URLs are relative
// to it.
func (o *Origin) GenerateMaster() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for i, v := range o.variants {
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(fmt.Sprintf("BANDWIDTH=%d", v.Bandwidth))
		if v.Resolution != "" {
			b.WriteString(fmt.Sprintf(",RESOLUTION=%s", v.Resolution))
		}
		if v.Codecs != "" {
			b.WriteString(fmt.Sprintf(",CODECS=\"%s\"", v.Codecs))
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("variant/%d/playlist.m3u8\n", i))
	}
	return b.String()
}

// GenerateVariant creates the live media playlist of variant index for the
// current window.
func (o *Origin) GenerateVariant(index int) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if index < 0 || index >= len(o.variants) {
		return "", fmt.Errorf("variant index %d out of range (0-%d)", index, len(o.variants)-1)
	}
	v := o.variants[index]

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", v.TargetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", o.sequence))
	if d := o.discontinuities[index]; d > 0 {
		b.WriteString(fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", d))
	}
	if v.Map != "" {
		b.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=\"%s\"\n", v.Map))
	}

	window := o.window(index)
	for i, seg := range window {
		// a lower source position than the previous segment is a loop point
		if i > 0 && seg.Sequence < window[i-1].Sequence {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(seg.URL)
		b.WriteString("\n")
	}
	// no EXT-X-ENDLIST: the stream is live
	return b.String(), nil
}

// window returns the current segments of variant index.
// Caller must hold at least a read lock.
func (o *Origin) window(index int) []Segment {
	segments := o.variants[index].Segments
	size := min(o.windowSize, len(segments))
	window := make([]Segment, 0, size)
	for i := 0; i < size; i++ {
		window = append(window, segments[(o.positions[index]+i)%len(segments)])
	}
	return window
}

// Advance moves every window forward by one segment.
func (o *Origin) Advance() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, v := range o.variants {
		o.positions[i] = (o.positions[i] + 1) % len(v.Segments)
		if o.positions[i] == 0 {
			// the loop point discontinuity left the window
			o.discontinuities[i]++
		}
	}
	o.sequence++

	o.logger.Debug("advanced all variant windows",
		"variants", len(o.variants),
		"sequence", o.sequence,
	)
}

// Run advances the windows every target duration until ctx is cancelled.
func (o *Origin) Run(ctx context.Context) {
	interval := time.Duration(o.targetDuration) * time.Second

	o.logger.Info("starting auto-advance",
		"interval", interval,
		"windowSize", o.windowSize,
		"variantCount", len(o.variants),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stopping auto-advance")
			return
		case <-ticker.C:
			o.Advance()
		}
	}
}

// Stats describes the current windows.
func (o *Origin) Stats() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	variants := make([]map[string]any, len(o.variants))
	for i, v := range o.variants {
		variants[i] = map[string]any{
			"index":                  i,
			"bandwidth":              v.Bandwidth,
			"resolution":             v.Resolution,
			"total_segments":         len(v.Segments),
			"position":               o.positions[i],
			"discontinuity_sequence": o.discontinuities[i],
		}
	}
	return map[string]any{
		"multivariant":    o.Multivariant(),
		"window_size":     o.windowSize,
		"sequence_number": o.sequence,
		"target_duration": o.targetDuration,
		"variants":        variants,
	}
}
