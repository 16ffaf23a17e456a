package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLink(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Link
		ok    bool
	}{
		{
			name:  "track url",
			input: "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC",
			want:  Link{Kind: LinkTrack, ID: "4uLU6hMCjMI75M1A2tKUQC"},
			ok:    true,
		},
		{
			name:  "track url with query",
			input: "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC?si=abc123",
			want:  Link{Kind: LinkTrack, ID: "4uLU6hMCjMI75M1A2tKUQC"},
			ok:    true,
		},
		{
			name:  "locale prefix",
			input: "https://open.spotify.com/intl-de/album/1DFixLWuPkv3KT3TnV35m3",
			want:  Link{Kind: LinkAlbum, ID: "1DFixLWuPkv3KT3TnV35m3"},
			ok:    true,
		},
		{
			name:  "embed playlist",
			input: "https://open.spotify.com/embed/playlist/37i9dQZF1DXcBWIGoYBM5M",
			want:  Link{Kind: LinkPlaylist, ID: "37i9dQZF1DXcBWIGoYBM5M"},
			ok:    true,
		},
		{
			name:  "artist without open subdomain",
			input: "http://spotify.com/artist/0OdUWJ0sBjDrqHygGUXeCF",
			want:  Link{Kind: LinkArtist, ID: "0OdUWJ0sBjDrqHygGUXeCF"},
			ok:    true,
		},
		{
			name:  "uri",
			input: " spotify:playlist:37i9dQZF1DXcBWIGoYBM5M ",
			want:  Link{Kind: LinkPlaylist, ID: "37i9dQZF1DXcBWIGoYBM5M"},
			ok:    true,
		},
		{name: "uri unsupported kind", input: "spotify:show:abc"},
		{name: "uri missing id", input: "spotify:track:"},
		{name: "uri user playlist form", input: "spotify:user:me:playlist:abc"},
		{name: "episode url", input: "https://open.spotify.com/episode/abc"},
		{name: "youtube url", input: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{name: "free text", input: "spotify track by queen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLink(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLink_IsCollection(t *testing.T) {
	assert.False(t, Link{Kind: LinkTrack}.IsCollection())
	assert.True(t, Link{Kind: LinkAlbum}.IsCollection())
	assert.True(t, Link{Kind: LinkArtist}.IsCollection())
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://example.com/a.mp3"))
	assert.True(t, IsURL(" http://example.com "))
	assert.False(t, IsURL("ftp://example.com"))
	assert.False(t, IsURL("never gonna give you up"))
}
