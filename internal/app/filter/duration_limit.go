package filter

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
)

// DurationLimitConfig represents the configuration for DurationLimitFilter.
type DurationLimitConfig struct {
	MinDurationSec int  `yaml:"min_duration_sec" mapstructure:"min_duration_sec" validate:"gte=0"`
	MaxDurationSec int  `yaml:"max_duration_sec" mapstructure:"max_duration_sec" validate:"gte=0"`
	RejectLive     bool `yaml:"reject_live" mapstructure:"reject_live"`
}

// DurationLimitFilter checks if track duration is within allowed limits.
type DurationLimitFilter struct {
	config *DurationLimitConfig
}

// NewDurationLimitFilter creates a new duration limit filter.
func NewDurationLimitFilter() *DurationLimitFilter {
	return &DurationLimitFilter{}
}

func (f *DurationLimitFilter) Name() string {
	return "duration_limit_filter"
}

func (f *DurationLimitFilter) Description() string {
	return "Rejects tracks shorter or longer than the configured limits"
}

func (f *DurationLimitFilter) ReturnCodes() []string {
	return []string{"duration_limit_exceeded", "live_not_allowed"}
}

func (f *DurationLimitFilter) ValidateConfig(settings map[string]any) error {
	var config DurationLimitConfig

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &config,
		TagName: "mapstructure",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}

	if err := decoder.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}

	if err := defaults.Set(&config); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}

	// 0 means no upper limit
	if config.MaxDurationSec > 0 && config.MinDurationSec > config.MaxDurationSec {
		return errors.New("min_duration_sec cannot be greater than max_duration_sec")
	}
	f.config = &config
	zlog.Info().Msgf("duration limit filter config: %+v", config)
	return nil
}

// AppliesTo skips direct links, which are often radio streams.
func (f *DurationLimitFilter) AppliesTo(kind track.ProviderKind) bool {
	return kind != track.ProviderDirect
}

func (f *DurationLimitFilter) Check(_ context.Context, _ Request, d track.Descriptor) Result {
	if f.config == nil {
		return Accept()
	}

	if d.IsLive() {
		if f.config.RejectLive {
			return Reject("live_not_allowed")
		}
		return Accept()
	}

	if d.Duration < time.Duration(f.config.MinDurationSec)*time.Second {
		return Reject("duration_limit_exceeded")
	}
	if f.config.MaxDurationSec > 0 && d.Duration > time.Duration(f.config.MaxDurationSec)*time.Second {
		return Reject("duration_limit_exceeded")
	}

	return Accept()
}

func init() {
	Register("duration_limit_filter", func() Filter {
		return &DurationLimitFilter{}
	})
}
