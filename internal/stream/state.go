package stream

import "fmt"

// State is the phase of a stream controller.
type State int

const (
	Stopped State = iota
	Idle
	WaitingLevel
	KeyLoading
	FragLoading
	FragLoadingWaitingRetry
	Parsing
	Parsed
	WaitingTrack
	WaitingInitPTS
	Ended
	Error
)

var stateNames = [...]string{
	"STOPPED",
	"IDLE",
	"WAITING_LEVEL",
	"KEY_LOADING",
	"FRAG_LOADING",
	"FRAG_LOADING_WAITING_RETRY",
	"PARSING",
	"PARSED",
	"WAITING_TRACK",
	"WAITING_INIT_PTS",
	"ENDED",
	"ERROR",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
