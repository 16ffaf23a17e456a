package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/guildbox/internal/domain/track"
)

func TestDurationLimitFilter_Check(t *testing.T) {
	tests := []struct {
		name          string
		config        DurationLimitConfig
		trackDuration time.Duration
		wantCode      string
	}{
		{
			name:          "Within limits",
			config:        DurationLimitConfig{MinDurationSec: 60, MaxDurationSec: 300},
			trackDuration: 3 * time.Minute,
		},
		{
			name:          "Too short",
			config:        DurationLimitConfig{MinDurationSec: 180},
			trackDuration: 2 * time.Minute,
			wantCode:      "duration_limit_exceeded",
		},
		{
			name:          "Too long",
			config:        DurationLimitConfig{MinDurationSec: 60, MaxDurationSec: 300},
			trackDuration: 6 * time.Minute,
			wantCode:      "duration_limit_exceeded",
		},
		{
			name:          "Exact min",
			config:        DurationLimitConfig{MinDurationSec: 180},
			trackDuration: 3 * time.Minute,
		},
		{
			name:          "Exact max",
			config:        DurationLimitConfig{MaxDurationSec: 300},
			trackDuration: 5 * time.Minute,
		},
		{
			name:          "No upper limit",
			config:        DurationLimitConfig{},
			trackDuration: 3 * time.Hour,
		},
		{
			name:          "Live allowed",
			config:        DurationLimitConfig{MinDurationSec: 60},
			trackDuration: 0,
		},
		{
			name:          "Live rejected",
			config:        DurationLimitConfig{MinDurationSec: 60, RejectLive: true},
			trackDuration: 0,
			wantCode:      "live_not_allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDurationLimitFilter()
			config := tt.config
			f.config = &config

			result := f.Check(
				context.Background(),
				Request{},
				track.Descriptor{Title: "song", Duration: tt.trackDuration, Kind: track.ProviderSearch},
			)

			assert.Equal(t, tt.wantCode == "", result.Accepted)
			assert.Equal(t, tt.wantCode, result.Code)
		})
	}
}

func TestDurationLimitFilter_Unconfigured(t *testing.T) {
	result := NewDurationLimitFilter().Check(context.Background(), Request{}, track.Descriptor{})
	assert.True(t, result.Accepted)
}

func TestDurationLimitFilter_ValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		wantErr  bool
	}{
		{
			name: "Valid config",
			settings: map[string]interface{}{
				"min_duration_sec": 30,
				"max_duration_sec": 600,
			},
		},
		{
			name: "Invalid min > max",
			settings: map[string]interface{}{
				"min_duration_sec": 600,
				"max_duration_sec": 30,
			},
			wantErr: true,
		},
		{
			name: "Invalid negative min",
			settings: map[string]interface{}{
				"min_duration_sec": -1,
			},
			wantErr: true,
		},
		{
			name: "Zero max (allowed, means no limit)",
			settings: map[string]interface{}{
				"max_duration_sec": 0,
			},
		},
		{
			name: "Invalid negative max",
			settings: map[string]interface{}{
				"max_duration_sec": -1,
			},
			wantErr: true,
		},
		{
			name: "Invalid type",
			settings: map[string]interface{}{
				"max_duration_sec": "ten minutes",
			},
			wantErr: true,
		},
		{
			name:     "Empty settings (uses defaults)",
			settings: map[string]interface{}{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDurationLimitFilter()
			err := f.ValidateConfig(tt.settings)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationLimitFilter_DefaultsAllowLive(t *testing.T) {
	f := NewDurationLimitFilter()
	assert.NoError(t, f.ValidateConfig(map[string]interface{}{"max_duration_sec": 600}))
	assert.False(t, f.config.RejectLive)
	assert.Equal(t, 600, f.config.MaxDurationSec)

	result := f.Check(context.Background(), Request{}, track.Descriptor{Title: "radio", Kind: track.ProviderSearch})
	assert.True(t, result.Accepted)
}
