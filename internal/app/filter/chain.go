package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
	"github.com/osa030/guildbox/internal/infra/config"
)

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// NewChain creates a new filter chain.
func NewChain() *Chain {
	return &Chain{
		filters: make([]Filter, 0),
	}
}

// NewChainFromConfig builds a chain of the enabled filters, in name order.
func NewChainFromConfig(cfg *config.Config) (*Chain, error) {
	c := NewChain()
	for _, name := range Names() {
		if !cfg.IsFilterEnabled(name) {
			continue
		}
		f := registry[name]()
		if err := f.ValidateConfig(cfg.FilterSettings(name)); err != nil {
			return nil, errors.Wrapf(err, "invalid settings for filter %s", name)
		}
		c.Add(f)
		zlog.Info().Msgf("filter: enabled: name=%s", name)
	}
	return c, nil
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the request.
// Filters are only applied if they declare they apply to the track's provider.
func (c *Chain) Execute(ctx context.Context, req Request, d track.Descriptor) Result {
	for _, f := range c.filters {
		if !f.AppliesTo(d.Kind) {
			continue
		}

		result := f.Check(ctx, req, d)
		if !result.Accepted {
			zlog.Debug().Msgf("filter: rejected: filter=%s code=%s guild=%s track=%s",
				f.Name(), result.Code, req.GuildID, d.DisplayName())
			return result
		}
	}
	return Accept()
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}
