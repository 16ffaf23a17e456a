package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/guildbox/internal/app/engine"
	"github.com/osa030/guildbox/internal/app/notification"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/app/queue"
)

func newTestClient(t *testing.T, eng *fakeEngine, events Subscriber, token string) *Client {
	t.Helper()
	ts := httptest.NewServer(NewServer(eng, events, testToken))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", token, ts.Client())
}

func TestClient_Commands(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	c := newTestClient(t, eng, nil, testToken)

	res, err := c.Enqueue(ctx, "g1", EnqueueRequest{ChannelID: "c1", Query: "song", RequestedBy: "u1"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "Song", res.Entries[0].Track.Title)
	assert.Equal(t, map[string]int{"duplicate_track": 1}, res.Rejected)
	assert.Equal(t, engine.EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "song", RequestedBy: "u1"}, eng.enqueued[0])

	require.NoError(t, c.Control(ctx, "g1", "skip"))
	require.NoError(t, c.Control(ctx, "g1", "pause"))

	on, err := c.Shuffle(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, c.Repeat(ctx, "g1", "track"))
	assert.Equal(t, queue.RepeatTrack, eng.repeat)

	removed, err := c.Remove(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, "e1", removed.ID)

	n, err := c.Clear(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := c.Queue(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", snap.GuildID)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "g1", sessions[0].GuildID)

	assert.Equal(t, []string{"skip", "pause", "shuffle", "repeat", "clear", "list"}, eng.calls)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		eng        *fakeEngine
		token      string
		call       func(c *Client) error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "bad token",
			eng:        &fakeEngine{},
			token:      "nope",
			call:       func(c *Client) error { return c.Control(ctx, "g1", "skip") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthenticated",
		},
		{
			name:       "no session",
			eng:        &fakeEngine{controlErr: engine.ErrNoSession},
			token:      testToken,
			call:       func(c *Client) error { return c.Control(ctx, "g1", "stop") },
			wantStatus: http.StatusNotFound,
			wantCode:   "no_session",
		},
		{
			name:       "bad repeat mode",
			eng:        &fakeEngine{},
			token:      testToken,
			call:       func(c *Client) error { return c.Repeat(ctx, "g1", "forever") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:  "rejected",
			eng:   &fakeEngine{enqueueErr: &engine.RejectionError{Code: "queue_full"}},
			token: testToken,
			call: func(c *Client) error {
				_, err := c.Enqueue(ctx, "g1", EnqueueRequest{Query: "q"})
				return err
			},
			wantStatus: http.StatusConflict,
			wantCode:   "rejected:queue_full",
		},
		{
			name:  "invalid position",
			eng:   &fakeEngine{},
			token: testToken,
			call: func(c *Client) error {
				_, err := c.Remove(ctx, "g1", 5)
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(newTestClient(t, tt.eng, nil, tt.token))
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestClient_Watch(t *testing.T) {
	hub := notification.NewManager()
	defer hub.Close()
	c := newTestClient(t, &fakeEngine{}, hub, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errStop := errors.New("stop")
	got := make(chan EventView, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, "g1", func(ev EventView) error {
			got <- ev
			return errStop
		})
	}()

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(playback.Event{Type: playback.EventTrackStarted, GuildID: "g1", State: playback.StatePlaying})

	select {
	case ev := <-got:
		assert.Equal(t, "g1", ev.GuildID)
		assert.Equal(t, playback.EventTrackStarted.String(), ev.Type)
		assert.Equal(t, uint64(1), ev.SequenceNo)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errStop)
	case <-ctx.Done():
		t.Fatal("watch did not return")
	}
}
