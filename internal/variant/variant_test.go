package variant

import (
	"testing"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestLevels builds video levels with the given bitrates.
func createTestLevels(bitrates ...int) []*Level {
	levels := make([]*Level, len(bitrates))
	for i, b := range bitrates {
		levels[i] = &Level{
			URL:        "https://example.com/v.m3u8",
			Bitrate:    b,
			VideoCodec: "avc1.4d401f",
			AudioCodec: "mp4a.40.2",
			Width:      1280,
			Height:     720,
		}
	}
	return levels
}

func TestNewRegistrySortsAndIndexes(t *testing.T) {
	r, err := NewRegistry(createTestLevels(3_000_000, 200_000, 800_000), nil, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 3, r.Len())
	for i, want := range []int{200_000, 800_000, 3_000_000} {
		assert.Equal(t, want, r.Level(i).Bitrate)
		assert.Equal(t, i, r.Level(i).Index)
	}
	assert.Nil(t, r.Level(3))
}

func TestNewRegistryTieBreakers(t *testing.T) {
	a := &Level{Bitrate: 1_000_000, Height: 720, VideoCodec: "hvc1.1.6.L93.B0"}
	b := &Level{Bitrate: 1_000_000, Height: 720, VideoCodec: "avc1.64001f"}
	c := &Level{Bitrate: 1_000_000, Height: 1080, VideoCodec: "avc1.64001f"}
	d := &Level{Bitrate: 1_000_000, Height: 720, VideoCodec: "avc1.64001f", VideoRange: "PQ"}

	r, err := NewRegistry([]*Level{c, a, d, b}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []*Level{b, d, a, c}, r.Levels())
}

func TestNewRegistryScoreOrder(t *testing.T) {
	a := &Level{Bitrate: 2_000_000, Score: 1, VideoCodec: "avc1.64001f"}
	b := &Level{Bitrate: 1_000_000, Score: 2, VideoCodec: "avc1.64001f"}

	r, err := NewRegistry([]*Level{a, b}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []*Level{a, b}, r.Levels())
}

func TestNewRegistryFiltersUnsupported(t *testing.T) {
	levels := createTestLevels(200_000, 800_000)
	levels[1].VideoCodec = "xyz1.0"
	audioOnly := &Level{Bitrate: 64_000, AudioCodec: "mp4a.40.5"}

	r, err := NewRegistry(append(levels, audioOnly), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.False(t, levels[1].Supported)

	_, err = NewRegistry([]*Level{{Bitrate: 1, VideoCodec: "xyz1.0"}}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoSupportedLevels)
}

func TestRemoveAndPenalty(t *testing.T) {
	r, err := NewRegistry(createTestLevels(1, 2, 3), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Remove(1))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 3, r.Level(1).Bitrate)
	assert.Equal(t, 1, r.Level(1).Index)
	assert.Error(t, r.Remove(5))

	now := time.Unix(100, 0)
	r.Penalize(0, now.Add(time.Minute))
	assert.True(t, r.Level(0).InPenaltyBox(now))
	assert.False(t, r.Level(0).InPenaltyBox(now.Add(2*time.Minute)))

	require.NoError(t, r.Remove(0))
	assert.Error(t, r.Remove(0))
}

func TestRemoveRenumbersLoadedPlaylists(t *testing.T) {
	levels := createTestLevels(1, 2, 3)
	r, err := NewRegistry(levels, nil, nil, nil)
	require.NoError(t, err)

	frag := &segment.Fragment{SN: 4, Level: 2, Type: segment.Main}
	r.Level(2).Details = &segment.Details{ID: 2, Fragments: []*segment.Fragment{frag}}

	require.NoError(t, r.Remove(0))
	assert.Equal(t, 1, r.Level(1).Details.ID)
	assert.Equal(t, 1, frag.Level)
}

func TestLevelBitrates(t *testing.T) {
	l := &Level{Bitrate: 1_000_000}

	l.RecordLoad(500_000, 4)
	l.RecordLoad(500_000, 4)
	assert.Equal(t, 2, l.FragmentsLoaded)
	assert.Equal(t, 1_000_000, l.RealBitrate)
	assert.Equal(t, 1_000_000, l.MaxBitrate(3))

	l.RecordLoad(250_000, 4)
	// 1.25 MB over 12 s
	assert.Equal(t, 833_333, l.RealBitrate)
	assert.Equal(t, 833_333, l.MaxBitrate(3))
}

func TestSplitCodecs(t *testing.T) {
	audio, video := SplitCodecs("avc1.4d401f, mp4a.40.2,wvtt")
	assert.Equal(t, "mp4a.40.2", audio)
	assert.Equal(t, "avc1.4d401f", video)
}

func TestDefaultTrack(t *testing.T) {
	en := &Track{GroupID: "aud", Name: "en", Autoselect: true}
	fr := &Track{GroupID: "aud", Name: "fr", Default: true}
	other := &Track{GroupID: "other", Name: "de"}

	r, err := NewRegistry(createTestLevels(1), []*Track{en, fr, other}, nil, nil)
	require.NoError(t, err)

	assert.Same(t, fr, r.DefaultTrack(segment.Audio, "aud"))
	assert.Same(t, other, r.DefaultTrack(segment.Audio, "other"))
	assert.Nil(t, r.DefaultTrack(segment.Subtitle, "aud"))
	assert.Equal(t, 1, fr.ID)
	assert.Equal(t, segment.Audio, fr.Type)
	assert.Same(t, en, r.Track(segment.Audio, 0))
}
