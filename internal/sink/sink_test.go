package sink

import (
	"errors"
	"testing"

	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/timerange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendSync(t *testing.T, s *scheduler.Scheduler, m *Memory, tr Track, seg Segment) error {
	t.Helper()
	var got error
	called := false
	m.Append(tr, seg, func(err error) {
		got = err
		called = true
	})
	assert.False(t, called, "completion must not run inline")
	s.RunPending()
	require.True(t, called)
	return got
}

func TestMemoryAppendAppliesOffset(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 0)

	require.NoError(t, m.SetTimestampOffset(Video, -10))
	require.NoError(t, appendSync(t, s, m, Video, Segment{Data: make([]byte, 100), Start: 10, End: 16}))
	require.NoError(t, appendSync(t, s, m, Video, Segment{Data: make([]byte, 100), Start: 16, End: 22}))

	assert.Equal(t, timerange.Ranges{{Start: 0, End: 12}}, m.Buffered(Video))
	assert.Nil(t, m.Buffered(Audio))
	assert.Equal(t, 200, m.Bytes())
	assert.Equal(t, 2, m.Appends())
	assert.Equal(t, []Track{Video}, m.Tracks())
}

func TestMemoryInitSegmentHasNoTime(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 0)

	require.NoError(t, appendSync(t, s, m, Audio, Segment{Data: []byte{1}, Init: true}))
	assert.Empty(t, m.Buffered(Audio))
	assert.Equal(t, 0, m.Appends())
}

func TestMemoryQuota(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 150)

	require.NoError(t, appendSync(t, s, m, Video, Segment{Data: make([]byte, 100), Start: 0, End: 6}))
	err := appendSync(t, s, m, Video, Segment{Data: make([]byte, 100), Start: 6, End: 12})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestMemoryRemove(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 0)
	require.NoError(t, appendSync(t, s, m, Video, Segment{Data: make([]byte, 120), Start: 0, End: 12}))

	done := false
	m.Remove(Video, 3, 6, func(err error) {
		assert.NoError(t, err)
		done = true
	})
	s.RunPending()
	require.True(t, done)

	assert.Equal(t, timerange.Ranges{{Start: 0, End: 3}, {Start: 6, End: 12}}, m.Buffered(Video))
	assert.Equal(t, 90, m.Bytes())
}

func TestMemoryFailNext(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 0)
	boom := errors.New("decode error")
	m.FailNext(Video, boom)

	assert.ErrorIs(t, appendSync(t, s, m, Video, Segment{Data: []byte{1}, Start: 0, End: 1}), boom)
	assert.NoError(t, appendSync(t, s, m, Video, Segment{Data: []byte{1}, Start: 0, End: 1}))
}

func TestMemoryEndOfStream(t *testing.T) {
	s := scheduler.New(nil, nil)
	m := NewMemory(s, 0)
	m.SetDuration(60)
	m.EndOfStream()
	assert.True(t, m.Ended())
	assert.Equal(t, 60.0, m.Duration())

	require.NoError(t, appendSync(t, s, m, Video, Segment{Data: []byte{1}, Start: 0, End: 1}))
	assert.False(t, m.Ended())
}

func TestPlayhead(t *testing.T) {
	buffered := timerange.Ranges{{Start: 0, End: 5}, {Start: 8, End: 10}}

	p := NewPlayhead(0)
	assert.Equal(t, 0.0, p.Advance(1, buffered), "paused playhead must not move")

	p.Play()
	assert.Equal(t, 1.0, p.Advance(1, buffered))
	assert.InDelta(t, 4.0, p.Advance(10, buffered), 1e-9)
	assert.Equal(t, 5.0, p.Position())

	// stuck at the end of the first range
	assert.Equal(t, 0.0, p.Advance(1, buffered))

	p.Seek(8.5)
	assert.True(t, p.Seeking())
	assert.Equal(t, 0.5, p.Advance(0.5, buffered))
	assert.False(t, p.Seeking())
}
