package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/guildbox/internal/domain/track"
)

// DuplicateTrackFilter checks for duplicate tracks in the guild queue.
// Detects:
// - Same provider and track ID, or the same source link
// - Remasters (normalized title + same artist)
// Excludes:
// - Cover songs (same title but different artist)
type DuplicateTrackFilter struct{}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter() *DuplicateTrackFilter {
	return &DuplicateTrackFilter{}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects tracks already queued, remasters included. Covers by another artist are allowed"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// AppliesTo returns which providers this filter applies to.
func (f *DuplicateTrackFilter) AppliesTo(track.ProviderKind) bool {
	return true
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(map[string]any) error {
	// No configuration needed
	return nil
}

// Check checks if the track is a duplicate.
func (f *DuplicateTrackFilter) Check(_ context.Context, req Request, requested track.Descriptor) Result {
	for _, queued := range req.Queued {
		if sameTrack(queued.Track, requested) {
			return Reject("duplicate_track")
		}
		if isRemaster(queued.Track, requested) {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

func sameTrack(a, b track.Descriptor) bool {
	if a.Kind == b.Kind && a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.SourceURI != "" && a.SourceURI == b.SourceURI
}

// isRemaster checks if two tracks are the same song (remaster/different version).
func isRemaster(a, b track.Descriptor) bool {
	name1 := normalizeTrackName(a.Title)
	name2 := normalizeTrackName(b.Title)
	if name1 == "" || name1 != name2 {
		return false
	}

	// Same normalized name by another artist is a cover
	return isSameArtist(a, b)
}

var (
	remasterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),      // "- 2011 Remaster"
		regexp.MustCompile(`\s*\(remaster(ed)?\s*\d{0,4}\)`),     // "(Remastered 2023)"
		regexp.MustCompile(`\s*\[remaster(ed)?\s*\d{0,4}\]`),     // "[Remastered]"
		regexp.MustCompile(`\s*-?\s*remaster(ed)?(\s+version)?`), // "- Remastered"
		regexp.MustCompile(`\s*\(.*?remaster.*?\)`),              // "(Any Remaster text)"
		regexp.MustCompile(`\s*\[.*?remaster.*?\]`),              // "[Any Remaster text]"
	}
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*\(.*?version\)`),                                // "(Single Version)"
		regexp.MustCompile(`\s*\(.*?edit\)`),                                   // "(Radio Edit)"
		regexp.MustCompile(`\s*\((official\s+)?(music\s+)?(video|audio|mv)\)`), // "(Official Video)"
		regexp.MustCompile(`\s*\[(official\s+)?(music\s+)?(video|audio|mv)\]`), // "[Official Audio]"
		regexp.MustCompile(`\s*-?\s*live`),                                     // "- Live"
		regexp.MustCompile(`\s*\(live\)`),                                      // "(Live)"
		regexp.MustCompile(`\s*-?\s*radio\s+edit`),                             // "- Radio Edit"
		regexp.MustCompile(`\s*-?\s*single\s+version`),                         // "- Single Version"
	}
	spaces = regexp.MustCompile(`\s+`)
)

// normalizeTrackName removes remaster information and version details.
func normalizeTrackName(name string) string {
	normalized := strings.ToLower(name)

	for _, pattern := range remasterPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = spaces.ReplaceAllString(normalized, " ")

	return strings.TrimRight(normalized, " -")
}

// isSameArtist compares the main artists, case-insensitive.
// Descriptors carry artists joined by ", ", so the first one is the main artist.
func isSameArtist(a, b track.Descriptor) bool {
	if a.Artist == "" || b.Artist == "" {
		return false
	}
	return strings.EqualFold(mainArtist(a.Artist), mainArtist(b.Artist))
}

func mainArtist(artist string) string {
	main, _, _ := strings.Cut(artist, ", ")
	return strings.TrimSpace(main)
}

func init() {
	Register("duplicate_track_filter", func() Filter {
		return NewDuplicateTrackFilter()
	})
}
