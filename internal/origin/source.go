package origin

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/segment"
)

// Load fetches the playlist at url, and the media playlist of every variant
// when it is a multivariant playlist.
func Load(ctx context.Context, client *http.Client, url string) ([]Variant, error) {
	data, err := fetch(ctx, client, url)
	if err != nil {
		return nil, err
	}
	mv, err := parser.ParseManifest(data, url)
	if err != nil {
		return nil, err
	}

	variants := make([]Variant, 0, len(mv.Levels))
	for i, l := range mv.Levels {
		d := l.Details
		if d == nil {
			data, err := fetch(ctx, client, l.URL)
			if err != nil {
				return nil, fmt.Errorf("variant %d: %w", i, err)
			}
			if d, err = parser.ParseMedia(data, l.URL, segment.Main, i); err != nil {
				return nil, fmt.Errorf("variant %d: %w", i, err)
			}
		}
		variants = append(variants, Variant{
			Bandwidth:      l.Bitrate,
			Resolution:     l.Resolution(),
			Codecs:         l.Codecs(),
			Map:            initURL(d),
			TargetDuration: int(math.Ceil(d.TargetDuration)),
			Segments:       segments(d),
		})
	}
	return variants, nil
}

func segments(d *segment.Details) []Segment {
	out := make([]Segment, 0, len(d.Fragments))
	for i, f := range d.Fragments {
		out = append(out, Segment{URL: f.URL, Duration: f.Duration, Sequence: i})
	}
	return out
}

func initURL(d *segment.Details) string {
	for _, f := range d.Fragments {
		if f.InitSegment != nil {
			return f.InitSegment.URL
		}
	}
	return ""
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return data, nil
}
