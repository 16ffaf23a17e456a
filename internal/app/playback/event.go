package playback

import (
	"time"

	"github.com/osa030/guildbox/internal/domain/track"
)

// EventType represents a playback event type.
type EventType int

const (
	EventTrackLoading   EventType = iota // Track taken from the queue, stream being prepared
	EventTrackStarted                    // Transport reported the track ready
	EventTrackEnded                      // Track finished playing
	EventTrackSkipped                    // Track was skipped
	EventStateChanged                    // Playback state changed (pause/resume)
	EventQueueChanged                    // Entries added or removed
	EventQueueEmpty                      // Nothing left to play
	EventLoadFailed                      // Track could not be loaded or failed mid-play
	EventTransportLost                   // Voice connection dropped
	EventSessionStopped                  // Session torn down
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackLoading:
		return "track_loading"
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackSkipped:
		return "track_skipped"
	case EventStateChanged:
		return "state_changed"
	case EventQueueChanged:
		return "queue_changed"
	case EventQueueEmpty:
		return "queue_empty"
	case EventLoadFailed:
		return "load_failed"
	case EventTransportLost:
		return "transport_lost"
	case EventSessionStopped:
		return "session_stopped"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type       EventType
	GuildID    string
	SessionID  string
	Track      *track.QueueEntry // Entry concerned (nil for some events)
	State      State             // Session state after the event
	Err        error             // Failure cause for LoadFailed and TransportLost
	At         time.Time
	SequenceNo uint64 // Assigned by the notification hub
}

// Publisher receives session events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	f(e)
}
