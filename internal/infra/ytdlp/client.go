// Package ytdlp extracts track metadata and stream URLs with yt-dlp.
package ytdlp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	ytdlp "github.com/lrstanley/go-ytdlp"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
)

// Config represents yt-dlp configuration.
type Config struct {
	Format       string // format selector used when locating streams
	SearchPrefix string // e.g. "ytsearch1:"
	AutoInstall  bool   // download a yt-dlp binary when none is installed
}

// extractFunc runs yt-dlp against target and returns the parsed JSON records.
// flat skips per-entry extraction of playlists.
type extractFunc func(ctx context.Context, target string, flat bool) ([]*ytdlp.ExtractedInfo, error)

// Client wraps the yt-dlp binary.
type Client struct {
	format       string
	searchPrefix string
	autoInstall  bool
	extract      extractFunc

	installOnce sync.Once
	installErr  error
}

// New creates a new yt-dlp client.
func New(cfg Config) *Client {
	c := &Client{
		format:       cfg.Format,
		searchPrefix: cfg.SearchPrefix,
		autoInstall:  cfg.AutoInstall,
	}
	if c.format == "" {
		c.format = "bestaudio/best"
	}
	if c.searchPrefix == "" {
		c.searchPrefix = "ytsearch1:"
	}
	c.extract = c.run
	return c
}

// Install makes sure a yt-dlp binary is available. It runs at most once.
func (c *Client) Install(ctx context.Context) error {
	if !c.autoInstall {
		return nil
	}
	c.installOnce.Do(func() {
		resolved, err := ytdlp.Install(ctx, nil)
		if err != nil {
			c.installErr = errors.Wrap(err, "failed to install yt-dlp")
			return
		}
		zlog.Info().Msgf("ytdlp: binary ready: path=%s version=%s", resolved.Executable, resolved.Version)
	})
	return c.installErr
}

func (c *Client) run(ctx context.Context, target string, flat bool) ([]*ytdlp.ExtractedInfo, error) {
	if err := c.Install(ctx); err != nil {
		return nil, err
	}

	cmd := ytdlp.New().
		Format(c.format).
		NoCheckCertificates().
		NoWarnings().
		IgnoreConfig().
		DumpJSON()
	if flat {
		cmd = cmd.FlatPlaylist()
	}

	res, err := cmd.Run(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "yt-dlp run failed: target=%s", target)
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse yt-dlp json")
	}
	return infos, nil
}

// Search runs a search query and returns the matches, best first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Descriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}

	infos, err := c.extract(ctx, c.searchPrefix+query, true)
	if err != nil {
		return nil, errors.Mark(err, track.ErrProviderUnavailable)
	}

	out := descriptors(infos, track.ProviderSearch)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Inspect reads the metadata behind a link. Playlist links yield one
// descriptor per entry, in playlist order.
func (c *Client) Inspect(ctx context.Context, link string) ([]track.Descriptor, error) {
	infos, err := c.extract(ctx, link, true)
	if err != nil {
		return nil, errors.Mark(err, track.ErrProviderUnavailable)
	}

	out := descriptors(infos, track.ProviderDirect)
	if len(out) == 0 {
		return nil, errors.Mark(errors.Newf("no media found: link=%s", link), track.ErrNotFound)
	}
	return out, nil
}

// Locate returns a stream URL for d. Spotify tracks are matched by a
// search for "artist - title".
func (c *Client) Locate(ctx context.Context, d track.Descriptor) (string, error) {
	target := d.SourceURI
	if d.Kind == track.ProviderSpotify {
		target = c.searchPrefix + SearchTerm(d)
	}

	infos, err := c.extract(ctx, target, false)
	if err != nil {
		if d.Kind == track.ProviderDirect && isStreamURL(d.SourceURI) {
			// Raw radio and HLS links are handed to the decoder as-is.
			zlog.Debug().Err(err).Msgf("ytdlp: extraction failed, using link directly: url=%s", d.SourceURI)
			return d.SourceURI, nil
		}
		return "", errors.Mark(err, track.ErrLoadFailed)
	}

	for _, info := range flatten(infos) {
		if u := streamURL(info); u != "" {
			return u, nil
		}
	}
	return "", errors.Mark(errors.Newf("no playable format: target=%s", target), track.ErrLoadFailed)
}

// SearchTerm builds the search text for a track.
func SearchTerm(d track.Descriptor) string {
	if d.Artist == "" {
		return d.Title
	}
	return d.Artist + " - " + d.Title
}

func isStreamURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// flatten expands playlist containers into their entries.
func flatten(infos []*ytdlp.ExtractedInfo) []*ytdlp.ExtractedInfo {
	out := make([]*ytdlp.ExtractedInfo, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		if len(info.Entries) == 0 {
			out = append(out, info)
			continue
		}
		for _, e := range info.Entries {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	return out
}

func descriptors(infos []*ytdlp.ExtractedInfo, kind track.ProviderKind) []track.Descriptor {
	entries := flatten(infos)
	out := make([]track.Descriptor, 0, len(entries))
	for _, e := range entries {
		d, ok := descriptorFromInfo(e, kind)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

// descriptorFromInfo converts one yt-dlp record. Records without a
// usable page or media URL are rejected.
func descriptorFromInfo(info *ytdlp.ExtractedInfo, kind track.ProviderKind) (track.Descriptor, bool) {
	source := str(info.WebpageURL)
	if source == "" {
		source = str(info.URL)
	}
	if source == "" {
		return track.Descriptor{}, false
	}

	title := str(info.Title)
	if title == "" {
		title = source
	}

	var duration time.Duration
	if info.Duration != nil && !boolean(info.IsLive) {
		duration = time.Duration(*info.Duration * float64(time.Second))
	}

	var artwork string
	if n := len(info.Thumbnails); n > 0 && info.Thumbnails[n-1] != nil {
		artwork = info.Thumbnails[n-1].URL
	}

	return track.Descriptor{
		ID:         info.ID,
		Title:      title,
		Artist:     strings.TrimSuffix(str(info.Uploader), " - Topic"),
		Duration:   duration,
		SourceURI:  source,
		Kind:       kind,
		ArtworkURL: artwork,
	}, true
}

// streamURL picks the best playable URL.
// Preferred order: requested formats, top-level url, then the last listed format.
func streamURL(info *ytdlp.ExtractedInfo) string {
	for _, f := range info.RequestedFormats {
		if f != nil && f.URL != "" {
			return f.URL
		}
	}
	if u := str(info.URL); u != "" {
		return u
	}
	for i := len(info.Formats) - 1; i >= 0; i-- {
		if f := info.Formats[i]; f != nil && f.URL != "" {
			return f.URL
		}
	}
	return ""
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolean(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
