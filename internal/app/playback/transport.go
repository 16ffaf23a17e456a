package playback

import (
	"context"

	"github.com/osa030/guildbox/internal/domain/track"
)

// TransportEventType identifies a signal raised by a voice transport.
type TransportEventType int

const (
	TransportTrackEnd TransportEventType = iota
	TransportTrackError
	TransportListenersEmpty
	TransportListenersPresent
	TransportConnectionLost
)

// String returns the string representation of the transport event type.
func (t TransportEventType) String() string {
	switch t {
	case TransportTrackEnd:
		return "track_end"
	case TransportTrackError:
		return "track_error"
	case TransportListenersEmpty:
		return "listeners_empty"
	case TransportListenersPresent:
		return "listeners_present"
	case TransportConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// TransportEvent is a signal from the transport. Token echoes the
// PlayRequest that produced a track signal; it is zero for the others.
type TransportEvent struct {
	Type  TransportEventType
	Token uint64
	Err   error
}

// PlayRequest asks the transport to stream a located track.
type PlayRequest struct {
	Token     uint64
	SourceURI string           // Playable stream URL returned by the Locator
	Track     track.Descriptor // For logging and display
}

// Transport streams audio into one joined voice channel.
//
// Play replaces whatever is playing and returns once the stream is ready,
// or an error if it could not start. ctx bounds the start only: Play must
// return promptly when it is cancelled, and cancelling it after Play
// returned does not stop the stream. Events is closed after Disconnect.
type Transport interface {
	Play(ctx context.Context, req PlayRequest) error
	Stop() error
	Pause() error
	Resume() error
	Disconnect() error
	Events() <-chan TransportEvent
}

// Dialer joins a voice channel and returns its transport.
// Dialing again for the same guild may return the same transport moved to the new channel.
type Dialer interface {
	Dial(ctx context.Context, guildID, channelID string) (Transport, error)
}

// Locator turns a descriptor into a URL the transport can stream.
type Locator interface {
	Locate(ctx context.Context, d track.Descriptor) (string, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, d track.Descriptor) (string, error)

// Locate calls f(ctx, d).
func (f LocatorFunc) Locate(ctx context.Context, d track.Descriptor) (string, error) {
	return f(ctx, d)
}
