// Package playback provides the per-guild audio session and its playback scheduler.
package playback

// State represents the playback state of a session.
type State int

const (
	StateIdle    State = iota // Nothing loaded (queue empty, halted or disconnected)
	StateLoading              // Locating the stream and waiting for the transport
	StatePlaying              // Track is playing
	StatePaused               // Track is paused
	StateStopped              // Session is torn down
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HasCurrent reports whether a session in this state holds a current entry.
func (s State) HasCurrent() bool {
	return s == StateLoading || s == StatePlaying || s == StatePaused
}
