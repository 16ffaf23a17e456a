package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
)

// QueueLimitConfig represents the configuration for QueueLimitFilter.
type QueueLimitConfig struct {
	MaxTracks  int `yaml:"max_tracks" mapstructure:"max_tracks" default:"500" validate:"gte=1"`
	MaxPerUser int `yaml:"max_per_user" mapstructure:"max_per_user" validate:"gte=0"`
}

// QueueLimitFilter caps the guild queue and the entries of a single requester.
type QueueLimitFilter struct {
	config *QueueLimitConfig
}

// NewQueueLimitFilter creates a new queue limit filter.
func NewQueueLimitFilter() *QueueLimitFilter {
	return &QueueLimitFilter{}
}

func (f *QueueLimitFilter) Name() string {
	return "queue_limit_filter"
}

func (f *QueueLimitFilter) Description() string {
	return "Rejects requests once the guild queue or the requester's share of it is full"
}

func (f *QueueLimitFilter) ReturnCodes() []string {
	return []string{"queue_full", "user_queue_limit"}
}

func (f *QueueLimitFilter) ValidateConfig(settings map[string]any) error {
	var config QueueLimitConfig

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
	if err := validator.New().Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}

	f.config = &config
	zlog.Info().Msgf("queue limit filter config: %+v", config)
	return nil
}

func (f *QueueLimitFilter) AppliesTo(track.ProviderKind) bool {
	return true
}

func (f *QueueLimitFilter) Check(_ context.Context, req Request, _ track.Descriptor) Result {
	if f.config == nil {
		return Accept()
	}

	if len(req.Queued) >= f.config.MaxTracks {
		return Reject("queue_full")
	}

	// 0 means no per-user limit
	if f.config.MaxPerUser > 0 && req.RequestedBy != "" {
		mine := 0
		for _, e := range req.Queued {
			if e.RequestedBy == req.RequestedBy {
				mine++
			}
		}
		if mine >= f.config.MaxPerUser {
			return Reject("user_queue_limit")
		}
	}

	return Accept()
}

func init() {
	Register("queue_limit_filter", func() Filter {
		return NewQueueLimitFilter()
	})
}
