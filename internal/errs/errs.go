// Package errs classifies playback errors published on the event hub.
package errs

import (
	"fmt"

	"github.com/agleyzer/hlsplay/internal/segment"
)

// Type is the error class.
type Type int

const (
	Network Type = iota
	Media
	KeySystem
	Mux
	Other
)

var typeNames = [...]string{"network", "media", "key_system", "mux", "other"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Details names the failure within its class.
type Details string

const (
	ManifestLoadError          Details = "manifest_load_error"
	ManifestLoadTimeout        Details = "manifest_load_timeout"
	ManifestParsingError       Details = "manifest_parsing_error"
	ManifestIncompatibleCodecs Details = "manifest_incompatible_codecs"
	LevelLoadError             Details = "level_load_error"
	LevelLoadTimeout           Details = "level_load_timeout"
	LevelParsingError          Details = "level_parsing_error"
	LevelSwitchError           Details = "level_switch_error"
	AudioTrackLoadError        Details = "audio_track_load_error"
	SubtitleLoadError          Details = "subtitle_load_error"
	FragLoadError              Details = "frag_load_error"
	FragLoadTimeout            Details = "frag_load_timeout"
	FragDecryptError           Details = "frag_decrypt_error"
	FragParsingError           Details = "frag_parsing_error"
	FragGap                    Details = "frag_gap"
	KeyLoadError               Details = "key_load_error"
	KeyLoadTimeout             Details = "key_load_timeout"
	BufferAppendError          Details = "buffer_append_error"
	BufferFullError            Details = "buffer_full_error"
	BufferStalledError         Details = "buffer_stalled_error"
	BufferNudgeOnStall         Details = "buffer_nudge_on_stall"
	BufferSeekOverHole         Details = "buffer_seek_over_hole"
	InternalException          Details = "internal_exception"
)

// Error is the payload of an error event. Fatal errors are published once;
// the rest are informational or recovered from.
type Error struct {
	Type    Type
	Details Details
	Fatal   bool
	Err     error

	PlaylistType segment.PlaylistType
	// Level is the variant index or rendition id, -1 when not applicable.
	Level int
	// Frag and Part identify the failing load, if any.
	Frag *segment.Fragment
	Part *segment.Part
	URL  string
	Code int

	// BufferLen is the forward buffer at the time of the error.
	BufferLen float64
}

// New returns a non-fatal error of the given class.
func New(t Type, d Details, err error) *Error {
	return &Error{Type: t, Details: d, Err: err, Level: -1}
}

func (e *Error) Error() string {
	fatal := ""
	if e.Fatal {
		fatal = " (fatal)"
	}
	msg := fmt.Sprintf("%s/%s%s", e.Type, e.Details, fatal)
	if e.Frag != nil {
		msg += " " + e.Frag.ID()
	} else if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the details name a load timeout.
func (d Details) IsTimeout() bool {
	switch d {
	case ManifestLoadTimeout, LevelLoadTimeout, FragLoadTimeout, KeyLoadTimeout:
		return true
	}
	return false
}
