// Package spotify provides a metadata client for the Spotify Web API.
package spotify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/osa030/guildbox/internal/domain/playlist"
	"github.com/osa030/guildbox/internal/domain/track"
)

const pageSize = 50

// Client is a Spotify API client using the client-credentials flow.
//
// The access token is shared by every caller. An authorization failure
// refreshes it once and retries the request once.
type Client struct {
	api        *spotify.Client
	market     string
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration

	mu           sync.Mutex // guards token refresh
	token        *oauth2.Token
	authenticate func(ctx context.Context) (*oauth2.Token, error)
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID          string
	ClientSecret      string
	Market            string
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
	BaseURL           string // API base URL override, must end with "/"
}

// New creates a new Spotify client. No request is made until the first lookup.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	return newClient(cfg, cc.Token), nil
}

func newClient(cfg Config, authenticate func(ctx context.Context) (*oauth2.Token, error)) *Client {
	market := cfg.Market
	if market == "" {
		market = "US"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		market:       market,
		limiter:      rate.NewLimiter(limit, burst),
		maxRetries:   3,
		retryDelay:   time.Second,
		authenticate: authenticate,
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: cachedToken{c}, Base: http.DefaultTransport},
	}
	var opts []spotify.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, spotify.WithBaseURL(cfg.BaseURL))
	}
	c.api = spotify.New(httpClient, opts...)
	return c
}

// cachedToken hands the current shared token to outgoing requests.
type cachedToken struct {
	c *Client
}

func (s cachedToken) Token() (*oauth2.Token, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.token == nil {
		return nil, errors.New("spotify: not authenticated")
	}
	return s.c.token, nil
}

// Authenticate fetches an access token if none is cached or the cached one expired.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.currentToken(ctx)
	return err
}

func (c *Client) currentToken(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token, nil
	}
	return c.fetchLocked(ctx)
}

// refresh replaces stale with a new token. A caller that lost the race
// reuses the token another caller already fetched.
func (c *Client) refresh(ctx context.Context, stale *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token != stale && c.token.Valid() {
		return nil
	}
	_, err := c.fetchLocked(ctx)
	return err
}

func (c *Client) fetchLocked(ctx context.Context) (*oauth2.Token, error) {
	tok, err := c.authenticate(ctx)
	if err != nil {
		c.token = nil
		return nil, errors.Mark(errors.Wrap(err, "spotify: failed to authenticate"), track.ErrAuth)
	}
	c.token = tok
	zlog.Debug().Msgf("spotify: access token acquired: expiry=%v", tok.Expiry)
	return tok, nil
}

// do runs fn with a valid token. On an authorization failure the token is
// refreshed once and fn is run once more; a second failure is ErrAuth.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	tok, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := c.retry(ctx, fn)
		if err == nil {
			return nil
		}
		if !isUnauthorized(err) {
			return errors.Wrap(classify(err), op)
		}
		if attempt > 0 {
			return errors.Mark(errors.Wrapf(err, "%s: unauthorized after token refresh", op), track.ErrAuth)
		}

		zlog.Info().Msgf("spotify: token rejected, refreshing: op=%s", op)
		if err := c.refresh(ctx, tok); err != nil {
			return err
		}
		c.mu.Lock()
		tok = c.token
		c.mu.Unlock()
	}
}

// retry retries transient failures with linear backoff.
func (c *Client) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i+1)):
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// Track retrieves a single track by ID.
func (c *Client) Track(ctx context.Context, id string) (track.Descriptor, error) {
	var full *spotify.FullTrack
	err := c.do(ctx, "get track", func(ctx context.Context) error {
		var err error
		full, err = c.api.GetTrack(ctx, spotify.ID(id), spotify.Market(c.market))
		return err
	})
	if err != nil {
		return track.Descriptor{}, err
	}
	return convertTrack(full), nil
}

// Collection lists the member track IDs of a playlist, album or artist
// (top tracks). Paging stops once limit IDs are collected; a non-positive
// limit fetches everything.
func (c *Client) Collection(ctx context.Context, kind playlist.Kind, id string, limit int) (*playlist.Playlist, error) {
	switch kind {
	case playlist.KindPlaylist:
		return c.playlist(ctx, spotify.ID(id), limit)
	case playlist.KindAlbum:
		return c.album(ctx, spotify.ID(id), limit)
	case playlist.KindArtist:
		return c.artistTopTracks(ctx, spotify.ID(id), limit)
	default:
		return nil, errors.Newf("unsupported collection kind: %s", kind)
	}
}

func (c *Client) playlist(ctx context.Context, id spotify.ID, limit int) (*playlist.Playlist, error) {
	var pl *spotify.FullPlaylist
	err := c.do(ctx, "get playlist", func(ctx context.Context) error {
		var err error
		pl, err = c.api.GetPlaylist(ctx, id, spotify.Fields("id,name,external_urls"))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &playlist.Playlist{
		ID:   string(id),
		Kind: playlist.KindPlaylist,
		Name: pl.Name,
		URL:  pl.ExternalURLs["spotify"],
	}

	var page *spotify.PlaylistItemPage
	err = c.do(ctx, "get playlist items", func(ctx context.Context) error {
		var err error
		page, err = c.api.GetPlaylistItems(ctx, id, spotify.Limit(pageSize), spotify.Market(c.market))
		return err
	})
	if err != nil {
		return nil, err
	}

	for {
		for _, item := range page.Items {
			// Episodes and local files carry no track ID.
			if item.Track.Track == nil || item.Track.Track.ID == "" {
				continue
			}
			out.TrackIDs = append(out.TrackIDs, string(item.Track.Track.ID))
		}
		if page.Next == "" || full(out, limit) {
			break
		}
		if err := c.do(ctx, "get playlist items", func(ctx context.Context) error {
			return c.api.NextPage(ctx, page)
		}); err != nil {
			return nil, err
		}
	}

	return truncate(out, limit), nil
}

func (c *Client) album(ctx context.Context, id spotify.ID, limit int) (*playlist.Playlist, error) {
	var alb *spotify.FullAlbum
	err := c.do(ctx, "get album", func(ctx context.Context) error {
		var err error
		alb, err = c.api.GetAlbum(ctx, id, spotify.Market(c.market))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &playlist.Playlist{
		ID:   string(id),
		Kind: playlist.KindAlbum,
		Name: alb.Name,
		URL:  alb.ExternalURLs["spotify"],
	}

	page := &alb.Tracks
	for {
		for _, t := range page.Tracks {
			out.TrackIDs = append(out.TrackIDs, string(t.ID))
		}
		if page.Next == "" || full(out, limit) {
			break
		}
		if err := c.do(ctx, "get album tracks", func(ctx context.Context) error {
			return c.api.NextPage(ctx, page)
		}); err != nil {
			return nil, err
		}
	}

	return truncate(out, limit), nil
}

func (c *Client) artistTopTracks(ctx context.Context, id spotify.ID, limit int) (*playlist.Playlist, error) {
	var artist *spotify.FullArtist
	err := c.do(ctx, "get artist", func(ctx context.Context) error {
		var err error
		artist, err = c.api.GetArtist(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	var top []spotify.FullTrack
	err = c.do(ctx, "get artist top tracks", func(ctx context.Context) error {
		var err error
		top, err = c.api.GetArtistsTopTracks(ctx, id, c.market)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &playlist.Playlist{
		ID:   string(id),
		Kind: playlist.KindArtist,
		Name: artist.Name,
		URL:  artist.ExternalURLs["spotify"],
	}
	for _, t := range top {
		out.TrackIDs = append(out.TrackIDs, string(t.ID))
	}
	return truncate(out, limit), nil
}

// Search returns up to limit tracks matching query, best match first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Descriptor, error) {
	if limit <= 0 {
		limit = 1
	}

	var res *spotify.SearchResult
	err := c.do(ctx, "search", func(ctx context.Context) error {
		var err error
		res, err = c.api.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(limit), spotify.Market(c.market))
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Tracks == nil {
		return nil, nil
	}

	out := make([]track.Descriptor, 0, len(res.Tracks.Tracks))
	for i := range res.Tracks.Tracks {
		out = append(out, convertTrack(&res.Tracks.Tracks[i]))
	}
	return out, nil
}

func full(p *playlist.Playlist, limit int) bool {
	return limit > 0 && len(p.TrackIDs) >= limit
}

func truncate(p *playlist.Playlist, limit int) *playlist.Playlist {
	p.TrackIDs = p.Head(limit)
	return p
}

// convertTrack converts a Spotify FullTrack to a track descriptor.
func convertTrack(t *spotify.FullTrack) track.Descriptor {
	artists := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = a.Name
	}

	var artwork string
	if len(t.Album.Images) > 0 {
		artwork = t.Album.Images[0].URL
	}

	return track.Descriptor{
		ID:         string(t.ID),
		Title:      t.Name,
		Artist:     strings.Join(artists, ", "),
		Duration:   time.Duration(t.Duration) * time.Millisecond,
		SourceURI:  TrackURL(string(t.ID)),
		Kind:       track.ProviderSpotify,
		ArtworkURL: artwork,
	}
}

// TrackURL returns the public URL for a track.
func TrackURL(trackID string) string {
	return fmt.Sprintf("https://open.spotify.com/track/%s", trackID)
}

func statusOf(err error) int {
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// isUnauthorized checks if an error is an expired or rejected token.
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if statusOf(err) == http.StatusUnauthorized {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "access token expired")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if s := statusOf(err); s == http.StatusTooManyRequests || s >= 500 {
		return true
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// classify marks a failed lookup as NotFound or ProviderUnavailable.
func classify(err error) error {
	s := statusOf(err)
	msg := strings.ToLower(err.Error())
	if s == http.StatusNotFound || s == http.StatusBadRequest ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "non existing id") ||
		strings.Contains(msg, "invalid id") {
		return errors.Mark(err, track.ErrNotFound)
	}
	return errors.Mark(err, track.ErrProviderUnavailable)
}
