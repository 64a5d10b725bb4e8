package engine

import (
	"time"
)

// Stats is a snapshot of a session, safe to read from any goroutine.
type Stats struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`

	// State is the main controller state.
	State string `json:"state"`
	Live  bool   `json:"live"`
	// Attached is set once media was appended and the playhead runs.
	Attached bool   `json:"attached"`
	Ended    bool   `json:"ended"`
	Error    string `json:"error,omitempty"`

	Levels int `json:"levels"`
	// LoadLevel is the level fragments are loaded from, PlayingLevel the
	// level of the media under the playhead.
	LoadLevel     int  `json:"load_level"`
	PlayingLevel  int  `json:"playing_level"`
	AutoLevel     bool `json:"auto_level"`
	AudioTrack    int  `json:"audio_track"`
	SubtitleTrack int  `json:"subtitle_track"`

	Position  float64 `json:"position"`
	BufferLen float64 `json:"buffer_len"`
	// Estimate is the bandwidth estimate in bits per second.
	Estimate float64 `json:"estimate_bps"`

	FragmentsLoaded int64 `json:"fragments_loaded"`
	BytesLoaded     int64 `json:"bytes_loaded"`
	Errors          int64 `json:"errors"`
	Stalls          int64 `json:"stalls"`
}

type counters struct {
	playlists int64
	fragments int64
	bytes     int64
	errors    int64
	stalls    int64
}

// Stats returns the latest snapshot.
func (e *Engine) Stats() Stats {
	return *e.stats.Load()
}

func (e *Engine) publishStats() {
	s := &Stats{
		SessionID:       e.id,
		URL:             e.url,
		UpdatedAt:       e.sched.Now(),
		State:           "LOADING",
		Live:            e.live,
		Attached:        e.attached,
		Ended:           e.finished,
		LoadLevel:       -1,
		PlayingLevel:    e.playingLevel,
		AudioTrack:      e.audioTrack,
		SubtitleTrack:   e.subtitleTrack,
		Position:        e.playhead.Position(),
		FragmentsLoaded: e.counters.fragments,
		BytesLoaded:     e.counters.bytes,
		Errors:          e.counters.errors,
		Stalls:          e.counters.stalls,
	}
	if e.fatal != nil {
		s.Error = e.fatal.Error()
	}
	if e.registry != nil {
		s.Levels = e.registry.Len()
	}
	if e.abr != nil {
		s.AutoLevel = e.abr.AutoEnabled()
		s.Estimate = e.abr.Estimator().Estimate()
	}
	if e.main != nil {
		s.State = e.main.State().String()
		s.LoadLevel = e.main.Level()
		s.BufferLen = e.main.BufferInfo(s.Position).Len
	}
	e.stats.Store(s)
}
