package resolver

import (
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/infra/config"
	"github.com/osa030/guildbox/internal/infra/lastfm"
)

// LastFmProviderConfig represents the settings of a lastfm search provider.
type LastFmProviderConfig struct {
	APIKey      string `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`
}

// ProviderSettings represents the settings shared by every search provider.
type ProviderSettings struct {
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`
}

// Providers holds the search backends that are constructed outside the resolver.
// Spotify is nil when no credentials are configured.
type Providers struct {
	YTDLP   SearchProvider
	Spotify SearchProvider
}

// NewSearchChainFromConfig creates a search chain from configuration.
func NewSearchChainFromConfig(cfg *config.Config, backends Providers) (*SearchChain, error) {
	if len(cfg.Resolver.Search) == 0 {
		return nil, errors.New("no search providers configured")
	}

	var providers []ProviderWithMetadata

	for i, pcfg := range cfg.Resolver.Search {
		var provider SearchProvider
		var displayName string
		var err error
		zlog.Debug().Msgf("resolver: creating search provider: index=%d type=%s", i+1, pcfg.Type)

		switch pcfg.Type {
		case "ytdlp":
			provider = backends.YTDLP
			displayName, err = decodeDisplayName(pcfg.Settings)

		case "spotify":
			provider = backends.Spotify
			displayName, err = decodeDisplayName(pcfg.Settings)

		case "lastfm":
			provider, displayName, err = newLastFmProvider(cfg.YTDLP.SearchPrefix, pcfg.Settings)

		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}
		if provider == nil {
			return nil, errors.Newf("provider %s is not available (provider index %d)", pcfg.Type, i)
		}
		if displayName == "" {
			displayName = pcfg.Type
		}

		providers = append(providers, ProviderWithMetadata{
			Provider:    provider,
			DisplayName: displayName,
		})

		zlog.Info().Msgf("resolver: registered search provider: index=%d type=%s display_name=%s", i+1, pcfg.Type, displayName)
	}

	return NewSearchChain(providers), nil
}

func decodeDisplayName(settings map[string]any) (string, error) {
	var s ProviderSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return "", errors.Wrap(err, "failed to decode settings")
	}
	return s.DisplayName, nil
}

func newLastFmProvider(searchPrefix string, settings map[string]any) (SearchProvider, string, error) {
	if len(settings) == 0 {
		return nil, "", errors.New("settings are required")
	}

	var cfg LastFmProviderConfig
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return nil, "", errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, "", errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, "", errors.Wrap(err, "validation failed")
	}

	client, err := lastfm.New(lastfm.Config{APIKey: cfg.APIKey, SearchPrefix: searchPrefix})
	if err != nil {
		return nil, "", err
	}
	return client, cfg.DisplayName, nil
}
