// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Admin    AdminConfig             `yaml:"admin"`
	Discord  DiscordConfig           `yaml:"discord"`
	Spotify  SpotifyConfig           `yaml:"spotify"`
	YTDLP    YTDLPConfig             `yaml:"ytdlp"`
	Resolver ResolverConfig          `yaml:"resolver"`
	Playback PlaybackConfig          `yaml:"playback"`
	Filters  map[string]FilterConfig `yaml:"filters"`
}

// ServerConfig represents control API server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents shell commands run around the server lifecycle.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// AdminConfig represents control API access configuration.
type AdminConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// DiscordConfig represents the chat gateway configuration.
type DiscordConfig struct {
	Token       string `yaml:"token" validate:"required"`
	FFmpegPath  string `yaml:"ffmpeg_path" default:"ffmpeg"`
	BitrateKbps int    `yaml:"bitrate_kbps" default:"96" validate:"gte=8,lte=512"`
}

// SpotifyConfig represents Spotify API configuration.
// Spotify links are rejected when no credentials are configured.
type SpotifyConfig struct {
	ClientID          string  `yaml:"client_id" validate:"required_with=ClientSecret"`
	ClientSecret      string  `yaml:"client_secret" validate:"required_with=ClientID"`
	Market            string  `yaml:"market" validate:"omitempty,len=2" default:"US"`
	RequestsPerSecond float64 `yaml:"requests_per_second" default:"10" validate:"gt=0"`
	Burst             int     `yaml:"burst" default:"5" validate:"gte=1"`
}

// Enabled reports whether Spotify credentials are configured.
func (c SpotifyConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// YTDLPConfig represents yt-dlp configuration.
type YTDLPConfig struct {
	Format       string `yaml:"format" default:"ba[acodec^=opus]/ba[ext=m4a]/bestaudio/best"`
	SearchPrefix string `yaml:"search_prefix" default:"ytsearch1:"`
	AutoInstall  bool   `yaml:"auto_install" default:"true"`
}

// ResolverConfig represents track resolution configuration.
type ResolverConfig struct {
	PlaylistLimit int              `yaml:"playlist_limit" default:"100" validate:"gte=1,lte=1000"`
	Search        []ProviderConfig `yaml:"search" validate:"dive"`
}

// ProviderConfig represents a single search provider configuration.
type ProviderConfig struct {
	Type     string         `yaml:"type" validate:"required,oneof=ytdlp spotify lastfm"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// PlaybackConfig represents per-guild session configuration.
type PlaybackConfig struct {
	IdleTimeoutSec         int `yaml:"idle_timeout_sec" default:"300" validate:"gte=1"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" default:"3" validate:"gte=1,lte=100"`
	LoadTimeoutSec         int `yaml:"load_timeout_sec" default:"30" validate:"gte=1,lte=600"`
	EventBuffer            int `yaml:"event_buffer" default:"64" validate:"gte=1"`
}

// IdleTimeout returns the idle timeout as a duration.
func (c PlaybackConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// LoadTimeout returns the load timeout as a duration.
func (c PlaybackConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSec) * time.Second
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if len(cfg.Resolver.Search) == 0 {
		cfg.Resolver.Search = []ProviderConfig{{Type: "ytdlp"}}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		for i := range c.Resolver.Search {
			if c.Resolver.Search[i].Type == "lastfm" {
				if c.Resolver.Search[i].Settings == nil {
					c.Resolver.Search[i].Settings = make(map[string]any)
				}
				c.Resolver.Search[i].Settings["api_key"] = v
				break
			}
		}
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	for _, p := range c.Resolver.Search {
		if p.Type == "spotify" && !c.Spotify.Enabled() {
			return errors.New("spotify search provider requires spotify credentials")
		}
	}

	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// FilterSettings returns the settings for a filter.
func (c *Config) FilterSettings(filterName string) map[string]any {
	if f, ok := c.Filters[filterName]; ok {
		return f.Settings
	}
	return nil
}
