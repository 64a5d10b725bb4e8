package bufferq

import (
	"errors"
	"testing"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink wraps a memory sink and logs the order of calls.
type recordingSink struct {
	*sink.Memory
	calls    []string
	inFlight int
	maxFly   int
}

func (r *recordingSink) Append(t sink.Track, seg sink.Segment, done func(error)) {
	r.calls = append(r.calls, "append")
	r.inFlight++
	if r.inFlight > r.maxFly {
		r.maxFly = r.inFlight
	}
	r.Memory.Append(t, seg, func(err error) {
		r.inFlight--
		done(err)
	})
}

func (r *recordingSink) Remove(t sink.Track, start, end float64, done func(error)) {
	r.calls = append(r.calls, "remove")
	r.Memory.Remove(t, start, end, done)
}

func (r *recordingSink) SetTimestampOffset(t sink.Track, offset float64) error {
	r.calls = append(r.calls, "offset")
	return r.Memory.SetTimestampOffset(t, offset)
}

func newTestQueue(quota int64, maxRetry int) (*Queue, *recordingSink, *scheduler.Scheduler) {
	s := scheduler.New(nil, nil)
	rec := &recordingSink{Memory: sink.NewMemory(s, quota)}
	cfg := config.Default().Buffer
	cfg.AppendErrorMaxRetry = maxRetry
	return New(rec, s, cfg, nil), rec, s
}

func seg(start, end float64, size int) sink.Segment {
	return sink.Segment{Data: make([]byte, size), Start: start, End: end}
}

func rng(start, end float64) timerange.Range {
	return timerange.Range{Start: start, End: end}
}

func TestQueueSerializesPerTrack(t *testing.T) {
	q, rec, s := newTestQueue(0, 3)

	var order []string
	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), func(err error) {
		require.NoError(t, err)
		order = append(order, "v0")
	})
	q.SetTimestampOffset(sink.Video, 100, func(err error) {
		require.NoError(t, err)
		order = append(order, "offset")
	})
	q.Append(sink.Video, seg(6, 12, 10), rng(106, 112), func(err error) {
		require.NoError(t, err)
		order = append(order, "v1")
	})
	assert.Equal(t, 3, q.Pending(sink.Video))

	s.Drain(20)

	assert.Equal(t, []string{"v0", "offset", "v1"}, order)
	assert.Equal(t, []string{"append", "offset", "append"}, rec.calls)
	assert.Equal(t, 1, rec.maxFly)
	assert.True(t, q.Idle())
	assert.Equal(t, timerange.Ranges{{Start: 0, End: 6}, {Start: 106, End: 112}}, rec.Buffered(sink.Video))
}

func TestQueueRetriesAppendErrors(t *testing.T) {
	q, rec, s := newTestQueue(0, 2)
	boom := errors.New("decode")

	rec.FailNext(sink.Video, boom)
	rec.FailNext(sink.Video, boom)

	var got error
	called := false
	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), func(err error) {
		called = true
		got = err
	})
	s.Drain(20)

	require.True(t, called)
	assert.NoError(t, got)
	assert.Equal(t, 3, len(rec.calls))
}

func TestQueueAppendErrorEscalates(t *testing.T) {
	q, rec, s := newTestQueue(0, 2)
	boom := errors.New("decode")
	for i := 0; i < 3; i++ {
		rec.FailNext(sink.Video, boom)
	}

	var got error
	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), func(err error) { got = err })

	// a later append still runs after the failure
	secondDone := false
	q.Append(sink.Video, seg(6, 12, 10), rng(6, 12), func(err error) {
		assert.NoError(t, err)
		secondDone = true
	})
	s.Drain(20)

	assert.ErrorIs(t, got, boom)
	assert.True(t, secondDone)
	assert.Equal(t, 4, len(rec.calls))
}

func TestQueueQuotaEvictsThenRetries(t *testing.T) {
	q, rec, s := newTestQueue(150, 0)

	var evicted []sink.Track
	var removed []timerange.Range
	q.SetEvictor(func(t sink.Track) (timerange.Range, bool) {
		evicted = append(evicted, t)
		return rng(0, 6), true
	}, func(t sink.Track, r timerange.Range) {
		removed = append(removed, r)
	})

	q.Append(sink.Video, seg(0, 6, 100), rng(0, 6), func(err error) { require.NoError(t, err) })
	var got error
	called := false
	q.Append(sink.Video, seg(6, 12, 100), rng(6, 12), func(err error) {
		called = true
		got = err
	})
	s.Drain(20)

	require.True(t, called)
	assert.NoError(t, got)
	assert.Equal(t, []sink.Track{sink.Video}, evicted)
	assert.Equal(t, []timerange.Range{rng(0, 6)}, removed)
	assert.Equal(t, []string{"append", "append", "remove", "append"}, rec.calls)
	assert.Equal(t, timerange.Ranges{{Start: 6, End: 12}}, rec.Buffered(sink.Video))
}

func TestQueueQuotaEvictsUntilItFits(t *testing.T) {
	q, rec, s := newTestQueue(300, 0)

	// each call frees one more two second block
	end := 0.0
	q.SetEvictor(func(sink.Track) (timerange.Range, bool) {
		end += 2
		return rng(0, end), true
	}, nil)

	for i := 0; i < 3; i++ {
		start := float64(i) * 2
		q.Append(sink.Video, seg(start, start+2, 100), rng(start, start+2), func(err error) { require.NoError(t, err) })
	}
	var got error
	called := false
	q.Append(sink.Video, seg(6, 10, 200), rng(6, 10), func(err error) {
		called = true
		got = err
	})
	s.Drain(50)

	require.True(t, called)
	assert.NoError(t, got)
	assert.Equal(t, []string{"append", "append", "append", "append", "remove", "append", "remove", "append"}, rec.calls)
	assert.Equal(t, timerange.Ranges{{Start: 4, End: 10}}, rec.Buffered(sink.Video))
}

func TestQueueQuotaStopsWhenEvictionDoesNotProgress(t *testing.T) {
	q, rec, s := newTestQueue(150, 0)

	calls := 0
	q.SetEvictor(func(sink.Track) (timerange.Range, bool) {
		calls++
		return rng(0, 1), true
	}, nil)

	q.Append(sink.Video, seg(0, 6, 100), rng(0, 6), func(err error) { require.NoError(t, err) })
	var got error
	q.Append(sink.Video, seg(6, 12, 100), rng(6, 12), func(err error) { got = err })
	s.Drain(20)

	assert.ErrorIs(t, got, sink.ErrQuotaExceeded)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"append", "append", "remove", "append"}, rec.calls)
}

func TestQueueSkipsUnchangedTimestampOffset(t *testing.T) {
	q, rec, s := newTestQueue(0, 3)

	done := 0
	count := func(err error) {
		require.NoError(t, err)
		done++
	}
	q.SetTimestampOffset(sink.Video, -10, count)
	q.SetTimestampOffset(sink.Video, -10, count)
	q.SetTimestampOffset(sink.Audio, -10, count)
	s.Drain(20)

	assert.Equal(t, 3, done)
	assert.Equal(t, []string{"offset", "offset"}, rec.calls)
	assert.Equal(t, -10.0, rec.TimestampOffset(sink.Video))

	// a reset forgets what was queued
	q.Reset()
	q.SetTimestampOffset(sink.Video, -10, count)
	s.Drain(20)
	assert.Equal(t, []string{"offset", "offset", "offset"}, rec.calls)
}

func TestQueueQuotaWithoutEviction(t *testing.T) {
	q, _, s := newTestQueue(50, 3)

	var got error
	q.Append(sink.Video, seg(0, 6, 100), rng(0, 6), func(err error) { got = err })
	s.Drain(20)
	assert.ErrorIs(t, got, sink.ErrQuotaExceeded)
}

func TestQueueFlushCancelsOnlyQueuedAppendsInRange(t *testing.T) {
	q, rec, s := newTestQueue(0, 3)

	results := map[string]error{}
	record := func(name string) func(error) {
		return func(err error) { results[name] = err }
	}

	// the first append is in flight when the flush arrives
	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), record("a"))
	q.Append(sink.Video, seg(6, 12, 10), rng(6, 12), record("b"))
	q.Append(sink.Video, seg(30, 36, 10), rng(30, 36), record("c"))
	q.Append(sink.Audio, seg(6, 12, 10), rng(6, 12), record("audio"))

	flushed := false
	q.Flush(sink.Video, 0, 30, func(err error) {
		require.NoError(t, err)
		flushed = true
	})

	assert.ErrorIs(t, results["b"], ErrFlushed)
	s.Drain(20)

	assert.True(t, flushed)
	assert.NoError(t, results["a"])
	assert.NoError(t, results["c"])
	assert.NoError(t, results["audio"])
	// c was queued before the flush and runs before the remove
	assert.Equal(t, timerange.Ranges{{Start: 30, End: 36}}, rec.Buffered(sink.Video))
	assert.Equal(t, timerange.Ranges{{Start: 6, End: 12}}, rec.Buffered(sink.Audio))
}

func TestQueueEndOfStreamWaitsForTracks(t *testing.T) {
	q, rec, s := newTestQueue(0, 3)

	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), func(error) {})
	q.Append(sink.Audio, seg(0, 6, 10), rng(0, 6), func(error) {})

	ended := false
	q.EndOfStream([]sink.Track{sink.Audio, sink.Video}, func(err error) {
		require.NoError(t, err)
		ended = true
	})
	assert.False(t, rec.Ended())
	s.Drain(20)

	assert.True(t, ended)
	assert.True(t, rec.Ended())
}

func TestQueueResetIgnoresInFlight(t *testing.T) {
	q, _, s := newTestQueue(0, 3)

	called := false
	q.Append(sink.Video, seg(0, 6, 10), rng(0, 6), func(error) { called = true })
	q.Append(sink.Video, seg(6, 12, 10), rng(6, 12), func(error) { called = true })
	q.Reset()
	s.Drain(20)

	assert.False(t, called)
	assert.True(t, q.Idle())
}
