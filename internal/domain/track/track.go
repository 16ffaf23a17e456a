// Package track provides the track descriptor and queue entry entities.
package track

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies which adapter produced a descriptor.
type ProviderKind int

const (
	ProviderDirect ProviderKind = iota
	ProviderSearch
	ProviderSpotify
)

// String returns the string representation of the provider kind.
func (k ProviderKind) String() string {
	switch k {
	case ProviderDirect:
		return "DIRECT"
	case ProviderSearch:
		return "SEARCH"
	case ProviderSpotify:
		return "SPOTIFY"
	default:
		return "UNKNOWN"
	}
}

// Descriptor is the provider-agnostic, immutable description of a playable track.
// It is passed by value and never modified after the resolver creates it.
type Descriptor struct {
	ID         string        // Provider-specific track ID
	Title      string        // Track title
	Artist     string        // Primary artist or uploader
	Duration   time.Duration // Zero for live or unknown
	SourceURI  string        // Link or search URI the locator turns into a stream
	Kind       ProviderKind  // Adapter that produced the descriptor
	ArtworkURL string        // Artwork URL (optional)
}

// DurationMs returns the duration in milliseconds.
func (d Descriptor) DurationMs() int64 {
	return d.Duration.Milliseconds()
}

// IsLive reports whether the track has no known length.
func (d Descriptor) IsLive() bool {
	return d.Duration <= 0
}

// DisplayName returns "Artist - Title", or only the title when the artist is unknown.
func (d Descriptor) DisplayName() string {
	if d.Artist == "" {
		return d.Title
	}
	return d.Artist + " - " + d.Title
}

// QueueEntry is a descriptor waiting in (or taken from) a guild queue.
type QueueEntry struct {
	ID          string     // Unique entry ID (UUID)
	Track       Descriptor // Track to play
	RequestedBy string     // Requester user ID
	AddedAt     time.Time  // Time when added to queue
}

// NewQueueEntry wraps a descriptor into a queue entry with a fresh ID.
func NewQueueEntry(d Descriptor, requestedBy string, addedAt time.Time) QueueEntry {
	return QueueEntry{
		ID:          uuid.New().String(),
		Track:       d,
		RequestedBy: requestedBy,
		AddedAt:     addedAt,
	}
}
