package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/guildbox/internal/app/filter"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/app/queue"
	"github.com/osa030/guildbox/internal/app/session/registry"
	"github.com/osa030/guildbox/internal/domain/track"
)

type fakeTransport struct {
	mu     sync.Mutex
	events chan playback.TransportEvent
	plays  []playback.PlayRequest
	closed bool
}

func (f *fakeTransport) Play(_ context.Context, req playback.PlayRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, req)
	return nil
}

func (f *fakeTransport) Stop() error   { return nil }
func (f *fakeTransport) Pause() error  { return nil }
func (f *fakeTransport) Resume() error { return nil }

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) Events() <-chan playback.TransportEvent {
	return f.events
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	channels []string
}

func (d *fakeDialer) Dial(_ context.Context, _, channelID string) (playback.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.channels = append(d.channels, channelID)
	return &fakeTransport{events: make(chan playback.TransportEvent, 4)}, nil
}

type fakeResolver struct {
	results map[string][]track.Descriptor
}

func (r *fakeResolver) Resolve(_ context.Context, query string) ([]track.Descriptor, error) {
	d, ok := r.results[query]
	if !ok {
		return nil, errors.Mark(errors.Newf("no match for %q", query), track.ErrNotFound)
	}
	return d, nil
}

func song(id string) track.Descriptor {
	return track.Descriptor{ID: id, Title: "Song " + id, Artist: "Artist " + id, Duration: 3 * time.Minute, Kind: track.ProviderSearch}
}

type harness struct {
	engine   *Engine
	dialer   *fakeDialer
	registry *registry.SessionRegistry
}

func newHarness(t *testing.T, filters ...filter.Filter) *harness {
	t.Helper()

	chain := filter.NewChain()
	for _, f := range filters {
		chain.Add(f)
	}

	dialer := &fakeDialer{}
	reg := registry.NewSessionRegistry(SessionFactory(
		playback.Config{IdleTimeout: time.Hour, MaxConsecutiveFailures: 3},
		playback.Deps{
			Dialer: dialer,
			Locator: playback.LocatorFunc(func(_ context.Context, d track.Descriptor) (string, error) {
				return "stream://" + d.ID, nil
			}),
		},
	))
	resolver := &fakeResolver{results: map[string][]track.Descriptor{
		"a":        {song("a")},
		"b":        {song("b")},
		"playlist": {song("p1"), song("p2"), song("p3")},
	}}

	e := New(resolver, chain, reg)
	t.Cleanup(e.Close)
	return &harness{engine: e, dialer: dialer, registry: reg}
}

func queueLimit(t *testing.T, n int) filter.Filter {
	t.Helper()
	f := filter.NewQueueLimitFilter()
	require.NoError(t, f.ValidateConfig(map[string]any{"max_tracks": n}))
	return f
}

func entryIDs(snap playback.Snapshot) []string {
	var ids []string
	for _, e := range snap.Entries() {
		ids = append(ids, e.Track.ID)
	}
	return ids
}

func TestEngine_EnqueueJoinsAndPlays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a", RequestedBy: "u1"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "u1", res.Entries[0].RequestedBy)
	assert.Empty(t, res.Rejected)

	_, err = h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", Query: "b", RequestedBy: "u2"})
	require.NoError(t, err)

	snap, err := h.engine.ListQueue("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, entryIDs(snap))
	assert.Equal(t, "c1", snap.ChannelID)
	assert.True(t, snap.Connected)
	assert.Equal(t, []string{"c1"}, h.dialer.channels)

	sessions := h.engine.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "g1", sessions[0].GuildID)
}

func TestEngine_EnqueueFailuresLeaveNoSession(t *testing.T) {
	tests := []struct {
		name    string
		req     EnqueueRequest
		dialErr error
		check   func(t *testing.T, err error)
	}{
		{
			name: "resolve failure",
			req:  EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "missing"},
			check: func(t *testing.T, err error) {
				assert.Equal(t, "NotFound", track.ResolveErrorKind(err))
			},
		},
		{
			name: "missing voice channel",
			req:  EnqueueRequest{GuildID: "g1", Query: "a"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidInput)
			},
		},
		{
			name: "missing guild",
			req:  EnqueueRequest{ChannelID: "c1", Query: "a"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidInput)
			},
		},
		{
			name:    "voice join failure",
			req:     EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a"},
			dialErr: errors.New("missing permissions"),
			check: func(t *testing.T, err error) {
				assert.Equal(t, "TransportLost", track.PlaybackErrorKind(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.dialer.err = tt.dialErr

			_, err := h.engine.Enqueue(context.Background(), tt.req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, 0, h.registry.Count())
		})
	}
}

func TestEngine_EnqueueRejected(t *testing.T) {
	h := newHarness(t, filter.NewDuplicateTrackFilter())
	ctx := context.Background()

	_, err := h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a"})
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a"})
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "duplicate_track", RejectionCode(err))
	assert.Equal(t, 1, h.registry.Count())

	assert.Equal(t, "", RejectionCode(errors.New("other")))
}

func TestEngine_EnqueueRejectedOnFreshSession(t *testing.T) {
	limit := filter.NewDurationLimitFilter()
	require.NoError(t, limit.ValidateConfig(map[string]any{"max_duration_sec": 60}))
	h := newHarness(t, limit)

	_, err := h.engine.Enqueue(context.Background(), EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a"})
	assert.Equal(t, "duration_limit_exceeded", RejectionCode(err))
	assert.Equal(t, 0, h.registry.Count())
	assert.Empty(t, h.dialer.channels)
}

func TestEngine_QueueLimitAcrossRequests(t *testing.T) {
	h := newHarness(t, queueLimit(t, 1))
	ctx := context.Background()

	_, err := h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "a"})
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g2", ChannelID: "c2", Query: "a"})
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", Query: "b"})
	assert.Equal(t, "queue_full", RejectionCode(err))
	assert.Equal(t, 2, h.registry.Count())
}

func TestEngine_EnqueuePlaylistPartiallyRejected(t *testing.T) {
	h := newHarness(t, queueLimit(t, 2))

	res, err := h.engine.Enqueue(context.Background(), EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "playlist"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, map[string]int{"queue_full": 1}, res.Rejected)

	snap, err := h.engine.ListQueue("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, entryIDs(snap))
}

func TestEngine_Controls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Enqueue(ctx, EnqueueRequest{GuildID: "g1", ChannelID: "c1", Query: "playlist"})
	require.NoError(t, err)

	on, err := h.engine.ToggleShuffle("g1")
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, h.engine.SetRepeat("g1", queue.RepeatQueue))

	removed, err := h.engine.Remove("g1", 0)
	require.NoError(t, err)
	assert.Equal(t, "p2", removed.Track.ID)

	_, err = h.engine.Remove("g1", 5)
	assert.ErrorIs(t, err, queue.ErrInvalidPosition)

	n, err := h.engine.Clear("g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.engine.ListQueue("g1")
	require.NoError(t, err)
	assert.True(t, snap.Shuffle)
	assert.Equal(t, queue.RepeatQueue, snap.Repeat)
	assert.Equal(t, []string{"p1"}, entryIDs(snap))

	require.NoError(t, h.engine.Stop("g1"))
	assert.Empty(t, h.engine.Sessions())
	assert.ErrorIs(t, h.engine.Skip("g1"), ErrNoSession)
}

func TestEngine_NoSession(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.Skip("g1"), ErrNoSession)
	assert.ErrorIs(t, h.engine.Pause("g1"), ErrNoSession)
	assert.ErrorIs(t, h.engine.Resume("g1"), ErrNoSession)
	assert.ErrorIs(t, h.engine.Stop("g1"), ErrNoSession)
	assert.ErrorIs(t, h.engine.SetRepeat("g1", queue.RepeatOff), ErrNoSession)

	_, err := h.engine.ToggleShuffle("g1")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.engine.ListQueue("g1")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.engine.Remove("g1", 0)
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.engine.Clear("g1")
	assert.ErrorIs(t, err, ErrNoSession)
}
