// Package playlist provides the Playlist domain entity.
//
// A Playlist is any ordered track collection a link can point at:
// a user playlist, an album, or an artist's top tracks.
package playlist

// Kind is the collection type.
type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindAlbum    Kind = "album"
	KindArtist   Kind = "artist"
)

// Playlist represents an ordered list of provider track IDs.
type Playlist struct {
	ID       string   // Provider collection ID
	Kind     Kind     // Collection type
	Name     string   // Collection name
	URL      string   // Public URL
	TrackIDs []string // Member track IDs in provider order
}

// Len returns the number of member tracks.
func (p *Playlist) Len() int {
	return len(p.TrackIDs)
}

// Head returns at most limit member IDs, keeping their order.
// A non-positive limit returns all members.
func (p *Playlist) Head(limit int) []string {
	if limit <= 0 || limit >= len(p.TrackIDs) {
		ids := make([]string, len(p.TrackIDs))
		copy(ids, p.TrackIDs)
		return ids
	}
	ids := make([]string, limit)
	copy(ids, p.TrackIDs[:limit])
	return ids
}
