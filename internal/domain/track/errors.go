package track

import "github.com/cockroachdb/errors"

// Resolve failures. Adapters attach them with errors.Mark.
var (
	ErrNotFound            = errors.New("track not found")
	ErrAuth                = errors.New("provider authorization failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Playback failures.
var (
	ErrLoadFailed    = errors.New("track load failed")
	ErrTransportLost = errors.New("voice transport lost")
)

// ResolveErrorKind classifies a resolve failure.
// It returns "NotFound", "AuthError", "ProviderUnavailable" or "" for unclassified errors.
func ResolveErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrProviderUnavailable):
		return "ProviderUnavailable"
	default:
		return ""
	}
}

// PlaybackErrorKind classifies a playback failure.
// It returns "LoadFailed", "TransportLost" or "" for unclassified errors.
func PlaybackErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransportLost):
		return "TransportLost"
	case errors.Is(err, ErrLoadFailed):
		return "LoadFailed"
	default:
		return ""
	}
}
