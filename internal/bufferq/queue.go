// Package bufferq serializes sink operations per track. The head operation of
// a track is issued to the sink, and the next one only after the sink
// reported completion.
package bufferq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// ErrFlushed is reported to appends cancelled by a flush before they ran.
var ErrFlushed = errors.New("append cancelled by flush")

// OpKind is the operation type.
type OpKind int

const (
	OpAppend OpKind = iota
	OpRemove
	OpTimestampOffset
	OpEndOfStream
)

func (k OpKind) String() string {
	switch k {
	case OpAppend:
		return "append"
	case OpRemove:
		return "remove"
	case OpTimestampOffset:
		return "timestamp_offset"
	case OpEndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Operation is one queued sink call.
type Operation struct {
	Kind    OpKind
	Track   sink.Track
	Segment sink.Segment
	// Range is the timeline span of an append, or the span of a remove.
	Range  timerange.Range
	Offset float64
	// Done receives nil on success, ErrFlushed when cancelled, or the final
	// sink error.
	Done func(err error)

	retries int
	// evictedTo is the end of the last range removed to make room for it.
	evictedTo float64
}

// Evictor returns a back buffer range of track to free when an append
// exceeds the sink quota.
type Evictor func(track sink.Track) (timerange.Range, bool)

// EvictedFunc runs once a range freed for the quota was removed.
type EvictedFunc func(track sink.Track, r timerange.Range)

type trackQueue struct {
	ops  []*Operation
	busy bool
}

// Queue holds one FIFO per track.
type Queue struct {
	sink     sink.Sink
	sched    *scheduler.Scheduler
	maxRetry int
	logger   *slog.Logger
	evict    Evictor
	evicted  EvictedFunc

	// offsets holds the last timestamp offset queued per track.
	offsets map[sink.Track]float64
	// gen drops completions of operations issued before Reset.
	gen    uint64
	tracks map[sink.Track]*trackQueue
}

// New creates a queue in front of s.
func New(s sink.Sink, sched *scheduler.Scheduler, cfg config.BufferConfig, logger *slog.Logger) *Queue {
	return &Queue{
		sink:     s,
		sched:    sched,
		maxRetry: cfg.AppendErrorMaxRetry,
		logger:   logging.Component(logger, "bufferq"),
		offsets:  make(map[sink.Track]float64),
		tracks:   make(map[sink.Track]*trackQueue),
	}
}

// SetEvictor installs the quota eviction hook. An append that does not fit
// is retried after each range fn offers was removed, for as long as the
// ranges reach further. done may be nil.
func (q *Queue) SetEvictor(fn Evictor, done EvictedFunc) {
	q.evict = fn
	q.evicted = done
}

func (q *Queue) track(t sink.Track) *trackQueue {
	tq, ok := q.tracks[t]
	if !ok {
		tq = &trackQueue{}
		q.tracks[t] = tq
	}
	return tq
}

// Enqueue appends op to its track queue and starts it when the track is idle.
func (q *Queue) Enqueue(op *Operation) {
	tq := q.track(op.Track)
	tq.ops = append(tq.ops, op)
	q.next(op.Track, tq)
}

// Append queues a media or init segment covering rng on the timeline.
func (q *Queue) Append(t sink.Track, seg sink.Segment, rng timerange.Range, done func(error)) {
	q.Enqueue(&Operation{Kind: OpAppend, Track: t, Segment: seg, Range: rng, Done: done})
}

// Remove queues the removal of [start, end).
func (q *Queue) Remove(t sink.Track, start, end float64, done func(error)) {
	q.Enqueue(&Operation{Kind: OpRemove, Track: t, Range: timerange.Range{Start: start, End: end}, Done: done})
}

// SetTimestampOffset queues an offset change between appends. It is a no-op
// when offset is already the last one queued for t.
func (q *Queue) SetTimestampOffset(t sink.Track, offset float64, done func(error)) {
	if cur, ok := q.offsets[t]; ok && cur == offset {
		if done != nil {
			q.sched.Post(func() { done(nil) })
		}
		return
	}
	q.offsets[t] = offset
	q.Enqueue(&Operation{Kind: OpTimestampOffset, Track: t, Offset: offset, Done: done})
}

// EndOfStream signals the sink once every listed track drained the
// operations queued before the call.
func (q *Queue) EndOfStream(tracks []sink.Track, done func(error)) {
	if len(tracks) == 0 {
		q.sink.EndOfStream()
		if done != nil {
			q.sched.Post(func() { done(nil) })
		}
		return
	}
	remaining := len(tracks)
	for _, t := range tracks {
		q.Enqueue(&Operation{Kind: OpEndOfStream, Track: t, Done: func(err error) {
			remaining--
			if remaining > 0 {
				return
			}
			q.sink.EndOfStream()
			if done != nil {
				done(nil)
			}
		}})
	}
}

// Flush cancels queued appends of t that lie inside [start, end) and queues
// a removal of the range. The operation in progress and appends outside the
// range are kept.
func (q *Queue) Flush(t sink.Track, start, end float64, done func(error)) {
	tq := q.track(t)
	flushRange := timerange.Range{Start: start, End: end}

	var kept, cancelled []*Operation
	for i, op := range tq.ops {
		if i == 0 && tq.busy {
			kept = append(kept, op)
			continue
		}
		if op.Kind == OpAppend && !op.Segment.Init && op.Range.Start >= flushRange.Start && op.Range.End <= flushRange.End {
			cancelled = append(cancelled, op)
			continue
		}
		kept = append(kept, op)
	}
	tq.ops = kept

	if len(cancelled) > 0 {
		q.logger.Debug("cancelled queued appends", "track", t, "count", len(cancelled), "start", start, "end", end)
	}
	for _, op := range cancelled {
		if op.Done != nil {
			op.Done(ErrFlushed)
		}
	}
	q.Remove(t, start, end, done)
}

// Pending returns the operations queued for t, including the running one.
func (q *Queue) Pending(t sink.Track) int {
	if tq, ok := q.tracks[t]; ok {
		return len(tq.ops)
	}
	return 0
}

// Idle reports whether no operation is queued on any track.
func (q *Queue) Idle() bool {
	for _, tq := range q.tracks {
		if len(tq.ops) > 0 {
			return false
		}
	}
	return true
}

// Reset drops every queued operation without notifying it. Completions of
// operations already issued are ignored. Offsets are queued again on the
// next call since dropped changes may never have reached the sink.
func (q *Queue) Reset() {
	q.gen++
	q.tracks = make(map[sink.Track]*trackQueue)
	q.offsets = make(map[sink.Track]float64)
}

func (q *Queue) next(t sink.Track, tq *trackQueue) {
	if tq.busy || len(tq.ops) == 0 {
		return
	}
	op := tq.ops[0]
	tq.busy = true
	gen := q.gen

	finish := func(err error) {
		if gen != q.gen {
			return
		}
		q.onDone(t, tq, op, err)
	}

	switch op.Kind {
	case OpAppend:
		q.sink.Append(t, op.Segment, finish)
	case OpRemove:
		q.sink.Remove(t, op.Range.Start, op.Range.End, finish)
	case OpTimestampOffset:
		err := q.sink.SetTimestampOffset(t, op.Offset)
		q.sched.Post(func() { finish(err) })
	case OpEndOfStream:
		q.sched.Post(func() { finish(nil) })
	}
}

func (q *Queue) onDone(t sink.Track, tq *trackQueue, op *Operation, err error) {
	tq.busy = false

	if err != nil && op.Kind == OpAppend {
		if errors.Is(err, sink.ErrQuotaExceeded) {
			if q.evictFor(t, tq, op) {
				return
			}
		} else if op.retries < q.maxRetry {
			op.retries++
			q.logger.Warn("append failed, retrying", "track", t, "retry", op.retries, "error", err)
			q.next(t, tq)
			return
		} else {
			err = fmt.Errorf("append failed after %d retries: %w", op.retries, err)
		}
	}

	tq.ops = tq.ops[1:]
	gen := q.gen
	if op.Done != nil {
		op.Done(err)
	}
	if gen == q.gen {
		q.next(t, tq)
	}
}

// evictFor queues the removal of a back buffer range ahead of op, which is
// issued again afterwards. It reports false when the evictor offers nothing
// beyond what was already removed for op.
func (q *Queue) evictFor(t sink.Track, tq *trackQueue, op *Operation) bool {
	if q.evict == nil {
		return false
	}
	r, ok := q.evict(t)
	if !ok || r.End <= op.evictedTo {
		return false
	}
	op.evictedTo = r.End
	q.logger.Info("sink full, evicting back buffer", "track", t, "start", r.Start, "end", r.End)
	remove := &Operation{Kind: OpRemove, Track: t, Range: r, Done: func(err error) {
		if err != nil {
			q.logger.Warn("quota eviction failed", "track", t, "error", err)
			return
		}
		if q.evicted != nil {
			q.evicted(t, r)
		}
	}}
	tq.ops = append([]*Operation{remove}, tq.ops...)
	q.next(t, tq)
	return true
}
