package resolver

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
)

// SearchProvider finds tracks for free text, best match first.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]track.Descriptor, error)
}

// ProviderWithMetadata wraps a provider with its metadata.
type ProviderWithMetadata struct {
	Provider    SearchProvider
	DisplayName string
}

// SearchChain tries providers in order until one returns a match.
type SearchChain struct {
	providers []ProviderWithMetadata
}

// NewSearchChain creates a new search chain.
func NewSearchChain(providers []ProviderWithMetadata) *SearchChain {
	return &SearchChain{
		providers: providers,
	}
}

// Len returns the number of providers.
func (c *SearchChain) Len() int {
	return len(c.providers)
}

// Search returns the best match of the first provider with a non-empty result.
// It fails with ErrNotFound when nothing matched and with
// ErrProviderUnavailable when every provider failed.
func (c *SearchChain) Search(ctx context.Context, query string) (track.Descriptor, error) {
	var lastErr error
	failed := 0

	for i, pm := range c.providers {
		zlog.Debug().Msgf("resolver: trying search provider: index=%d total=%d name=%s",
			i+1, len(c.providers), pm.DisplayName)

		results, err := pm.Provider.Search(ctx, query, 1)
		if err != nil {
			if ctx.Err() != nil {
				return track.Descriptor{}, ctx.Err()
			}
			zlog.Warn().Msgf("resolver: search provider failed, trying next: provider=%s error=%v", pm.DisplayName, err)
			lastErr = err
			failed++
			continue
		}

		if len(results) == 0 {
			zlog.Debug().Msgf("resolver: search provider returned no match: provider=%s", pm.DisplayName)
			continue
		}

		zlog.Info().Msgf("resolver: search matched: provider=%s query=%q title=%s",
			pm.DisplayName, query, results[0].DisplayName())
		return results[0], nil
	}

	if len(c.providers) > 0 && failed == len(c.providers) {
		return track.Descriptor{}, errors.Mark(
			errors.Wrap(lastErr, "all search providers failed"), track.ErrProviderUnavailable)
	}
	return track.Descriptor{}, errors.Mark(errors.Newf("no match for %q", query), track.ErrNotFound)
}
