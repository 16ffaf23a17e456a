package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

// Client calls the control API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient creates a client for the API served at baseURL.
// A nil hc uses http.DefaultClient.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      hc,
	}
}

// Sessions lists the active guild sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	var out struct {
		Sessions []SessionView `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/guilds", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Queue returns the session snapshot of a guild.
func (c *Client) Queue(ctx context.Context, guildID string) (*SessionView, error) {
	var out SessionView
	if err := c.call(ctx, http.MethodGet, guildPath(guildID, "queue"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue resolves a query and appends the result to a guild queue.
func (c *Client) Enqueue(ctx context.Context, guildID string, req EnqueueRequest) (*EnqueueView, error) {
	var out EnqueueView
	if err := c.call(ctx, http.MethodPost, guildPath(guildID, "queue"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Control sends a skip, pause, resume or stop intent.
func (c *Client) Control(ctx context.Context, guildID, action string) error {
	return c.call(ctx, http.MethodPost, guildPath(guildID, action), nil, nil)
}

// Shuffle toggles shuffle and returns the new setting.
func (c *Client) Shuffle(ctx context.Context, guildID string) (bool, error) {
	var out struct {
		Shuffle bool `json:"shuffle"`
	}
	if err := c.call(ctx, http.MethodPost, guildPath(guildID, "shuffle"), nil, &out); err != nil {
		return false, err
	}
	return out.Shuffle, nil
}

// Repeat sets the repeat mode.
func (c *Client) Repeat(ctx context.Context, guildID, mode string) error {
	return c.call(ctx, http.MethodPut, guildPath(guildID, "repeat"), RepeatRequest{Mode: mode}, nil)
}

// Remove deletes the pending entry at pos.
func (c *Client) Remove(ctx context.Context, guildID string, pos int) (*EntryView, error) {
	var out struct {
		Removed EntryView `json:"removed"`
	}
	if err := c.call(ctx, http.MethodDelete, guildPath(guildID, "queue", fmt.Sprint(pos)), nil, &out); err != nil {
		return nil, err
	}
	return &out.Removed, nil
}

// Clear drops every pending entry and returns how many were removed.
func (c *Client) Clear(ctx context.Context, guildID string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.call(ctx, http.MethodDelete, guildPath(guildID, "queue"), nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// Watch streams playback events to fn until ctx is done, the server closes
// the stream or fn returns an error. An empty guildID watches every guild.
func (c *Client) Watch(ctx context.Context, guildID string, fn func(EventView) error) error {
	path := "/v1/events"
	if guildID != "" {
		path += "?guild=" + url.QueryEscape(guildID)
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev EventView
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return errors.Wrap(err, "failed to decode event")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "event stream failed")
	}
	return ctx.Err()
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response: %s %s", method, path)
	}
	return nil
}

// send performs a request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set(AdminTokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request failed: %s %s", method, path)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var view ErrorView
	if err := json.NewDecoder(resp.Body).Decode(&view); err == nil && view.Error != "" {
		apiErr.Code = view.Error
		apiErr.Message = view.Message
	}
	return nil, apiErr
}

func guildPath(guildID string, parts ...string) string {
	return "/v1/guilds/" + url.PathEscape(guildID) + "/" + strings.Join(parts, "/")
}
