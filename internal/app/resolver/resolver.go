// Package resolver turns user queries and links into track descriptors.
package resolver

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/playlist"
	"github.com/osa030/guildbox/internal/domain/track"
)

// SpotifyClient defines the Spotify operations needed by the resolver.
type SpotifyClient interface {
	Track(ctx context.Context, id string) (track.Descriptor, error)
	Collection(ctx context.Context, kind playlist.Kind, id string, limit int) (*playlist.Playlist, error)
}

// Inspector reads metadata behind arbitrary media links.
type Inspector interface {
	Inspect(ctx context.Context, link string) ([]track.Descriptor, error)
}

// Config represents resolver configuration.
type Config struct {
	PlaylistLimit int
}

// Resolver dispatches a query to the matching provider.
type Resolver struct {
	spotify   SpotifyClient
	inspector Inspector
	search    *SearchChain
	limit     int
}

// New creates a new resolver. spotify may be nil, in which case Spotify
// links fail with ErrProviderUnavailable.
func New(cfg Config, spotify SpotifyClient, inspector Inspector, search *SearchChain) *Resolver {
	limit := cfg.PlaylistLimit
	if limit <= 0 {
		limit = 100
	}
	return &Resolver{
		spotify:   spotify,
		inspector: inspector,
		search:    search,
		limit:     limit,
	}
}

// Resolve returns the tracks a query refers to, in play order.
func (r *Resolver) Resolve(ctx context.Context, query string) ([]track.Descriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.Mark(errors.New("empty query"), track.ErrNotFound)
	}

	if link, ok := ParseLink(query); ok {
		return r.resolveSpotify(ctx, link)
	}
	if IsURL(query) {
		return r.resolveDirect(ctx, query)
	}

	if r.search == nil || r.search.Len() == 0 {
		return nil, errors.Mark(errors.New("no search providers configured"), track.ErrProviderUnavailable)
	}
	d, err := r.search.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return []track.Descriptor{d}, nil
}

func (r *Resolver) resolveSpotify(ctx context.Context, link Link) ([]track.Descriptor, error) {
	if r.spotify == nil {
		return nil, errors.Mark(errors.New("spotify is not configured"), track.ErrProviderUnavailable)
	}

	if !link.IsCollection() {
		d, err := r.spotify.Track(ctx, link.ID)
		if err != nil {
			return nil, err
		}
		return []track.Descriptor{d}, nil
	}

	pl, err := r.spotify.Collection(ctx, playlist.Kind(link.Kind), link.ID, r.limit)
	if err != nil {
		return nil, err
	}

	ids := pl.Head(r.limit)
	out := make([]track.Descriptor, 0, len(ids))
	var lastErr error
	for _, id := range ids {
		d, err := r.spotify.Track(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			zlog.Warn().Err(err).
				Str("error_class", "LoadFailed").
				Str("resolve_error", track.ResolveErrorKind(err)).
				Msgf("resolver: skipping %s item: %s=%s track=%s", pl.Kind, pl.Kind, pl.ID, id)
			continue
		}
		out = append(out, d)
	}

	if len(out) == 0 {
		if lastErr != nil {
			return nil, errors.Wrapf(lastErr, "no track of %s %s could be resolved", pl.Kind, pl.ID)
		}
		return nil, errors.Mark(errors.Newf("%s %s is empty", pl.Kind, pl.ID), track.ErrNotFound)
	}

	zlog.Info().Msgf("resolver: resolved %s: name=%s tracks=%d skipped=%d", pl.Kind, pl.Name, len(out), len(ids)-len(out))
	return out, nil
}

// resolveDirect inspects a media link. Links yt-dlp cannot extract, such as
// raw radio streams, become a single descriptor titled with the URL.
func (r *Resolver) resolveDirect(ctx context.Context, link string) ([]track.Descriptor, error) {
	if r.inspector != nil {
		found, err := r.inspector.Inspect(ctx, link)
		if err == nil && len(found) > 0 {
			if len(found) > r.limit {
				found = found[:r.limit]
			}
			return found, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zlog.Debug().Err(err).Msgf("resolver: inspection failed, using raw link: url=%s", link)
	}

	return []track.Descriptor{{
		ID:        link,
		Title:     link,
		SourceURI: link,
		Kind:      track.ProviderDirect,
	}}, nil
}
