// Package lastfm provides a search client for the Last.fm API.
//
// Last.fm carries metadata only. Matches are turned into SEARCH descriptors
// whose source is a yt-dlp search query for "artist - title".
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/domain/track"
)

const defaultSearchPrefix = "ytsearch1:"

// searchCacheEntry represents a cached search result.
type searchCacheEntry struct {
	tracks []track.Descriptor
}

// Client is a Last.fm API client.
type Client struct {
	apiKey       string
	baseURL      string
	searchPrefix string
	httpClient   *http.Client

	// Cache for search results
	searchCache map[string]*searchCacheEntry
	cacheMu     sync.RWMutex
}

// Config represents Last.fm client configuration.
type Config struct {
	APIKey       string
	SearchPrefix string // yt-dlp search prefix for the produced descriptors
}

// SearchResponse represents the response from track.search API.
type SearchResponse struct {
	Results struct {
		TrackMatches struct {
			Track []struct {
				Name   string `json:"name"`
				Artist string `json:"artist"`
				URL    string `json:"url"`
				MBID   string `json:"mbid"`
				Image  []struct {
					Text string `json:"#text"`
					Size string `json:"size"`
				} `json:"image"`
			} `json:"track"`
		} `json:"trackmatches"`
	} `json:"results"`
}

// LastFMError represents an error response from Last.fm API.
type LastFMError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// New creates a new Last.fm client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("last.fm API key is required")
	}

	prefix := cfg.SearchPrefix
	if prefix == "" {
		prefix = defaultSearchPrefix
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      "https://ws.audioscrobbler.com/2.0/",
		searchPrefix: prefix,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		searchCache:  make(map[string]*searchCacheEntry),
	}, nil
}

// Search looks up tracks matching query, best match first.
// Reference: https://www.last.fm/api/show/track.search
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Descriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}

	if limit <= 0 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	// Check cache first
	cacheKey := fmt.Sprintf("search:%d:%s", limit, strings.ToLower(query))
	c.cacheMu.RLock()
	if entry, ok := c.searchCache[cacheKey]; ok {
		c.cacheMu.RUnlock()
		zlog.Debug().Msgf("lastfm: using cached search result: query=%s", query)
		return entry.tracks, nil
	}
	c.cacheMu.RUnlock()

	params := url.Values{}
	params.Set("method", "track.search")
	params.Set("track", query)
	params.Set("limit", fmt.Sprintf("%d", limit))

	var response SearchResponse
	if err := c.get(ctx, params, &response); err != nil {
		return nil, err
	}

	tracks := make([]track.Descriptor, 0, len(response.Results.TrackMatches.Track))
	for _, t := range response.Results.TrackMatches.Track {
		if t.Name == "" {
			continue
		}
		var artwork string
		if n := len(t.Image); n > 0 {
			artwork = t.Image[n-1].Text
		}
		d := track.Descriptor{
			ID:         t.URL,
			Title:      t.Name,
			Artist:     t.Artist,
			SourceURI:  c.searchPrefix + searchTerm(t.Artist, t.Name),
			Kind:       track.ProviderSearch,
			ArtworkURL: artwork,
		}
		tracks = append(tracks, d)
		if len(tracks) >= limit {
			break
		}
	}

	// Cache the result
	c.cacheMu.Lock()
	c.searchCache[cacheKey] = &searchCacheEntry{
		tracks: tracks,
	}
	c.cacheMu.Unlock()
	zlog.Debug().Msgf("lastfm: cached search result: query=%s count=%d", query, len(tracks))

	return tracks, nil
}

// get performs an API call and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, params url.Values, out any) error {
	params.Set("api_key", c.apiKey)
	params.Set("format", "json")

	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to send request"), track.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read response body"), track.ErrProviderUnavailable)
	}

	// Check for Last.fm API errors
	var apiError LastFMError
	if err := json.Unmarshal(body, &apiError); err == nil && apiError.Error != 0 {
		return errors.Mark(
			errors.Errorf("last.fm API error %d: %s", apiError.Error, apiError.Message),
			track.ErrProviderUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Mark(errors.Errorf("last.fm API status %d", resp.StatusCode), track.ErrProviderUnavailable)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to parse response"), track.ErrProviderUnavailable)
	}
	return nil
}

func searchTerm(artist, title string) string {
	if artist == "" {
		return title
	}
	return artist + " - " + title
}
