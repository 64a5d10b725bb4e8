// Package event is the hub that couples the engine components. Messages form
// a closed set: every message type lives in this package and implements Event.
package event

import (
	"fmt"
	"sync"

	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/timerange"
)

// Kind identifies a message type.
type Kind int

const (
	KindManifestLoaded Kind = iota
	KindLevelSwitching
	KindLevelSwitched
	KindLevelsUpdated
	KindTrackSwitching
	KindPlaylistLoaded
	KindFragLoading
	KindFragLoaded
	KindFragLoadEmergencyAborted
	KindFragBuffered
	KindKeyLoaded
	KindInitPTSFound
	KindBufferAppended
	KindBufferFlushed
	KindBufferEOS
	KindStreamEnded
	KindSeeked
	KindError
	numKinds
)

var kindNames = [...]string{
	"manifest_loaded",
	"level_switching",
	"level_switched",
	"levels_updated",
	"track_switching",
	"playlist_loaded",
	"frag_loading",
	"frag_loaded",
	"frag_load_emergency_aborted",
	"frag_buffered",
	"key_loaded",
	"init_pts_found",
	"buffer_appended",
	"buffer_flushed",
	"buffer_eos",
	"stream_ended",
	"seeked",
	"error",
}

func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is implemented only by the message types of this package.
type Event interface {
	Kind() Kind
	sealed()
}

// ManifestLoaded follows a successful multivariant playlist load.
type ManifestLoaded struct {
	URL       string
	Levels    int
	Audio     int
	Subtitles int
}

// LevelSwitching announces the level the main controller loads next.
type LevelSwitching struct {
	Level int
	Auto  bool
}

// LevelSwitched announces that the playhead entered media of a new level.
type LevelSwitched struct {
	Level int
}

// LevelsUpdated follows a level removal.
type LevelsUpdated struct {
	Levels int
}

// TrackSwitching announces a new audio or subtitle rendition.
type TrackSwitching struct {
	Type segment.PlaylistType
	ID   int
}

// PlaylistLoaded carries a merged media playlist snapshot.
type PlaylistLoaded struct {
	Type    segment.PlaylistType
	ID      int
	Details *segment.Details
	Stats   *loader.Stats
}

// FragLoading is published when a fragment or part load starts.
type FragLoading struct {
	Frag  *segment.Fragment
	Part  *segment.Part
	Stats *loader.Stats
}

// FragLoaded is published when fragment or part bytes arrived.
type FragLoaded struct {
	Frag  *segment.Fragment
	Part  *segment.Part
	Stats *loader.Stats
	Bytes int
}

// FragLoadEmergencyAborted is published when the abandon rules cancel a load.
type FragLoadEmergencyAborted struct {
	Frag      *segment.Fragment
	Part      *segment.Part
	NextLevel int
}

// FragBuffered follows the append of every chunk of a fragment or part.
type FragBuffered struct {
	Frag  *segment.Fragment
	Part  *segment.Part
	Stats *loader.Stats
}

// KeyLoaded follows a successful key load.
type KeyLoaded struct {
	Frag *segment.Fragment
}

// InitPTSFound publishes the timestamp origin of a discontinuity range.
// Audio and subtitle controllers wait for it.
type InitPTSFound struct {
	CC  int
	PTS float64
}

// BufferAppended follows a sink append.
type BufferAppended struct {
	Track    sink.Track
	Frag     *segment.Fragment
	Part     *segment.Part
	Buffered timerange.Ranges
}

// BufferFlushed follows a sink remove.
type BufferFlushed struct {
	Track sink.Track
	Start float64
	End   float64
}

// BufferEOS follows the end of stream signal to the sink.
type BufferEOS struct{}

// StreamEnded is published when a controller buffered its last fragment.
type StreamEnded struct {
	Type segment.PlaylistType
}

// Seeked follows a playhead jump.
type Seeked struct {
	Position float64
}

// Error wraps an error payload.
type Error struct {
	Err *errs.Error
}

func (ManifestLoaded) Kind() Kind           { return KindManifestLoaded }
func (LevelSwitching) Kind() Kind           { return KindLevelSwitching }
func (LevelSwitched) Kind() Kind            { return KindLevelSwitched }
func (LevelsUpdated) Kind() Kind            { return KindLevelsUpdated }
func (TrackSwitching) Kind() Kind           { return KindTrackSwitching }
func (PlaylistLoaded) Kind() Kind           { return KindPlaylistLoaded }
func (FragLoading) Kind() Kind              { return KindFragLoading }
func (FragLoaded) Kind() Kind               { return KindFragLoaded }
func (FragLoadEmergencyAborted) Kind() Kind { return KindFragLoadEmergencyAborted }
func (FragBuffered) Kind() Kind             { return KindFragBuffered }
func (KeyLoaded) Kind() Kind                { return KindKeyLoaded }
func (InitPTSFound) Kind() Kind             { return KindInitPTSFound }
func (BufferAppended) Kind() Kind           { return KindBufferAppended }
func (BufferFlushed) Kind() Kind            { return KindBufferFlushed }
func (BufferEOS) Kind() Kind                { return KindBufferEOS }
func (StreamEnded) Kind() Kind              { return KindStreamEnded }
func (Seeked) Kind() Kind                   { return KindSeeked }
func (Error) Kind() Kind                    { return KindError }

func (ManifestLoaded) sealed()           {}
func (LevelSwitching) sealed()           {}
func (LevelSwitched) sealed()            {}
func (LevelsUpdated) sealed()            {}
func (TrackSwitching) sealed()           {}
func (PlaylistLoaded) sealed()           {}
func (FragLoading) sealed()              {}
func (FragLoaded) sealed()               {}
func (FragLoadEmergencyAborted) sealed() {}
func (FragBuffered) sealed()             {}
func (KeyLoaded) sealed()                {}
func (InitPTSFound) sealed()             {}
func (BufferAppended) sealed()           {}
func (BufferFlushed) sealed()            {}
func (BufferEOS) sealed()                {}
func (StreamEnded) sealed()              {}
func (Seeked) sealed()                   {}
func (Error) sealed()                    {}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id    uint64
	fn    Handler
	kinds [numKinds]bool
}

// Hub delivers events synchronously to subscribers in subscription order.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers fn for the given kinds, or for every kind when none is
// given. The returned function removes the subscription.
func (h *Hub) Subscribe(fn Handler, kinds ...Kind) func() {
	s := &subscription{fn: fn}
	if len(kinds) == 0 {
		for i := range s.kinds {
			s.kinds[i] = true
		}
	}
	for _, k := range kinds {
		if k >= 0 && k < numKinds {
			s.kinds[k] = true
		}
	}

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs = append(h.subs, s)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.subs {
			if cur.id == s.id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every matching subscriber. Handlers may publish or
// subscribe; subscriptions added during delivery see the next event.
func (h *Hub) Publish(e Event) {
	k := e.Kind()
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()

	for _, s := range subs {
		if s.kinds[k] {
			s.fn(e)
		}
	}
}
