package resolver

import (
	"regexp"
	"strings"

	"github.com/osa030/guildbox/internal/domain/playlist"
)

// LinkKind is the kind of entity a Spotify link points at.
type LinkKind string

const (
	LinkTrack    LinkKind = "track"
	LinkPlaylist LinkKind = LinkKind(playlist.KindPlaylist)
	LinkAlbum    LinkKind = LinkKind(playlist.KindAlbum)
	LinkArtist   LinkKind = LinkKind(playlist.KindArtist)
)

// Link is a parsed Spotify link.
type Link struct {
	Kind LinkKind
	ID   string
}

// IsCollection reports whether the link points at more than one track.
func (l Link) IsCollection() bool {
	return l.Kind != LinkTrack
}

// Locale and embed segments such as "intl-de/" or "embed/" may precede the kind.
var spotifyURL = regexp.MustCompile(`^https?://(?:open\.)?spotify\.com/(?:[\w-]+/)*?(track|album|playlist|artist)/(\w+)`)

// ParseLink recognises Spotify URLs and "spotify:{kind}:{id}" URIs.
func ParseLink(query string) (Link, bool) {
	query = strings.TrimSpace(query)

	if rest, ok := strings.CutPrefix(query, "spotify:"); ok {
		kind, id, found := strings.Cut(rest, ":")
		if !found || id == "" || strings.Contains(id, ":") {
			return Link{}, false
		}
		switch LinkKind(kind) {
		case LinkTrack, LinkPlaylist, LinkAlbum, LinkArtist:
			return Link{Kind: LinkKind(kind), ID: id}, true
		}
		return Link{}, false
	}

	m := spotifyURL.FindStringSubmatch(query)
	if m == nil {
		return Link{}, false
	}
	return Link{Kind: LinkKind(m[1]), ID: m[2]}, true
}

// IsURL reports whether query is an http(s) link.
func IsURL(query string) bool {
	query = strings.TrimSpace(query)
	return strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://")
}
