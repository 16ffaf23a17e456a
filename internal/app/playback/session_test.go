package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/guildbox/internal/app/queue"
	"github.com/osa030/guildbox/internal/domain/track"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	mu          sync.Mutex
	events      chan TransportEvent
	plays       []PlayRequest
	stops       int
	pauses      int
	resumes     int
	disconnects int
	playErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) Play(ctx context.Context, req PlayRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, req)
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeTransport) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

func (f *fakeTransport) lastPlay() (PlayRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.plays) == 0 {
		return PlayRequest{}, false
	}
	return f.plays[len(f.plays)-1], true
}

func (f *fakeTransport) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingLocator fails for the given track IDs and blocks on "slow" until cancelled.
func failingLocator(failing ...string) Locator {
	set := make(map[string]bool, len(failing))
	for _, id := range failing {
		set[id] = true
	}
	return LocatorFunc(func(ctx context.Context, d track.Descriptor) (string, error) {
		if d.ID == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		if set[d.ID] {
			return "", errors.Newf("no stream for %s", d.ID)
		}
		return "stream://" + d.ID, nil
	})
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	events  *eventLog
	clock   *fakeClock
	stopped chan *Session
}

func newHarness(t *testing.T, locator Locator, cfg Config) *harness {
	t.Helper()
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 3
	}

	h := &harness{
		dialer:  &fakeDialer{},
		events:  &eventLog{},
		clock:   &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		stopped: make(chan *Session, 1),
	}
	h.session = NewSession("guild-1", cfg, Deps{
		Dialer:    h.dialer,
		Locator:   locator,
		Publisher: h.events,
		Now:       h.clock.Now,
		OnStopped: func(s *Session) { h.stopped <- s },
	})
	t.Cleanup(func() { _ = h.session.Stop() })
	return h
}

func entries(ids ...string) []track.QueueEntry {
	out := make([]track.QueueEntry, len(ids))
	for i, id := range ids {
		out[i] = track.NewQueueEntry(track.Descriptor{ID: id, Title: id}, "user-1", time.Time{})
	}
	return out
}

// waitPlaying waits until the session plays the given track and returns its play request.
func (h *harness) waitPlaying(t *testing.T, id string) PlayRequest {
	t.Helper()
	var req PlayRequest
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		if snap.State != StatePlaying || snap.Current == nil || snap.Current.Track.ID != id {
			return false
		}
		var ok bool
		req, ok = h.dialer.last().lastPlay()
		return ok && req.Track.ID == id
	}, waitFor, 5*time.Millisecond, "waiting for %s to play", id)
	return req
}

// waitPlayCount waits until the transport received n plays and the last one is playing.
func (h *harness) waitPlayCount(t *testing.T, n int) PlayRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.dialer.last().playCount() == n && h.session.State() == StatePlaying
	}, waitFor, 5*time.Millisecond, "waiting for play %d", n)
	req, _ := h.dialer.last().lastPlay()
	return req
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.State() == state
	}, waitFor, 5*time.Millisecond, "waiting for state %s", state)
}

func (h *harness) end(req PlayRequest) {
	h.dialer.last().events <- TransportEvent{Type: TransportTrackEnd, Token: req.Token}
}

func TestSession_PlaysQueueInOrderThenIdles(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B", "C")...))

	for _, id := range []string{"A", "B", "C"} {
		req := h.waitPlaying(t, id)
		assert.Equal(t, "stream://"+id, req.SourceURI)
		h.end(req)
	}

	h.waitState(t, StateIdle)
	snap := h.session.Snapshot()
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Upcoming)
	assert.Equal(t, 3, h.dialer.last().playCount())
	assert.Len(t, h.events.ofType(EventTrackEnded), 3)
}

func TestSession_QueuedBeforeConnectStartsOnConnect(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Enqueue(entries("A")...))
	assert.Equal(t, StateIdle, h.session.State())

	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	h.waitPlaying(t, "A")
}

func TestSession_RepeatTrack(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.SetRepeat(queue.RepeatTrack))
	require.NoError(t, h.session.Enqueue(entries("A", "B")...))

	for i := 1; i <= 5; i++ {
		req := h.waitPlayCount(t, i)
		assert.Equal(t, "A", req.Track.ID)
		h.end(req)
	}

	req := h.waitPlayCount(t, 6)
	assert.Equal(t, "A", req.Track.ID)
}

func TestSession_LoadFailureSkipsOnlyFailedEntry(t *testing.T) {
	h := newHarness(t, failingLocator("B"), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B", "C")...))

	h.end(h.waitPlaying(t, "A"))
	h.end(h.waitPlaying(t, "C"))
	h.waitState(t, StateIdle)

	failed := h.events.ofType(EventLoadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "B", failed[0].Track.Track.ID)
	assert.True(t, errors.Is(failed[0].Err, track.ErrLoadFailed))
}

func TestSession_TransportRejectsPlay(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{MaxConsecutiveFailures: 5})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	ft := h.dialer.last()
	ft.mu.Lock()
	ft.playErr = errors.New("voice not ready")
	ft.mu.Unlock()

	require.NoError(t, h.session.Enqueue(entries("A")...))

	h.waitState(t, StateIdle)
	require.Eventually(t, func() bool { return len(h.events.ofType(EventLoadFailed)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Nil(t, h.session.Snapshot().Current)
}

func TestSession_HaltsAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, failingLocator("A", "B", "C"), Config{MaxConsecutiveFailures: 2})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B", "C", "D")...))

	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.State == StateIdle && snap.Halted
	}, waitFor, 5*time.Millisecond)

	snap := h.session.Snapshot()
	require.Len(t, snap.Upcoming, 2)
	assert.Equal(t, "C", snap.Upcoming[0].Track.ID)
	assert.Equal(t, 0, h.dialer.last().playCount())

	// A new request clears the halt; C fails (first failure of a new run), D plays.
	require.NoError(t, h.session.Enqueue(entries("E")...))
	h.waitPlaying(t, "D")
}

func TestSession_TrackErrorWhilePlaying(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B")...))

	req := h.waitPlaying(t, "A")
	h.dialer.last().events <- TransportEvent{Type: TransportTrackError, Token: req.Token, Err: errors.New("decoder died")}

	h.waitPlaying(t, "B")
	require.Len(t, h.events.ofType(EventLoadFailed), 1)
}

func TestSession_SkipWhileLoadingAbandonsLoad(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("slow", "B")...))

	h.waitState(t, StateLoading)
	require.NoError(t, h.session.Skip())

	h.waitPlaying(t, "B")
	assert.Equal(t, 1, h.dialer.last().playCount())
	assert.Empty(t, h.events.ofType(EventLoadFailed))
}

func TestSession_SkipIgnoresStaleTrackEnd(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B", "C")...))

	reqA := h.waitPlaying(t, "A")
	require.NoError(t, h.session.Skip())
	h.waitPlaying(t, "B")

	// The transport reports the end of A after it was stopped.
	h.end(reqA)
	time.Sleep(50 * time.Millisecond)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Current)
	assert.Equal(t, "B", snap.Current.Track.ID)
}

func TestSession_SkipLastEntryGoesIdle(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A")...))
	h.waitPlaying(t, "A")

	require.NoError(t, h.session.Skip())
	assert.Equal(t, StateIdle, h.session.State())
	assert.ErrorIs(t, h.session.Skip(), ErrNothingPlaying)
}

func TestSession_PauseResume(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))

	assert.ErrorIs(t, h.session.Pause(), ErrNotPlaying)
	assert.ErrorIs(t, h.session.Resume(), ErrNotPaused)

	require.NoError(t, h.session.Enqueue(entries("A")...))
	h.waitPlaying(t, "A")

	assert.ErrorIs(t, h.session.Resume(), ErrNotPaused)
	require.NoError(t, h.session.Pause())
	assert.Equal(t, StatePaused, h.session.State())
	assert.ErrorIs(t, h.session.Pause(), ErrNotPlaying)

	require.NoError(t, h.session.Resume())
	assert.Equal(t, StatePlaying, h.session.State())

	ft := h.dialer.last()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.pauses)
	assert.Equal(t, 1, ft.resumes)
}

func TestSession_Stop(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B")...))
	h.waitPlaying(t, "A")

	require.NoError(t, h.session.Stop())

	assert.Equal(t, StateStopped, h.session.State())
	assert.Equal(t, 1, h.dialer.last().disconnectCount())
	select {
	case s := <-h.stopped:
		assert.Same(t, h.session, s)
	case <-time.After(waitFor):
		t.Fatal("OnStopped not called")
	}

	snap := h.session.Snapshot()
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Upcoming)

	require.NoError(t, h.session.Stop())
	assert.Equal(t, 1, h.dialer.last().disconnectCount())
	assert.Empty(t, h.stopped)

	assert.ErrorIs(t, h.session.Enqueue(entries("C")...), ErrSessionStopped)
	assert.ErrorIs(t, h.session.Skip(), ErrSessionStopped)
	assert.ErrorIs(t, h.session.SetRepeat(queue.RepeatQueue), ErrSessionStopped)
	_, err := h.session.ToggleShuffle()
	assert.ErrorIs(t, err, ErrSessionStopped)
	assert.ErrorIs(t, h.session.Connect(context.Background(), "voice-1"), ErrSessionStopped)
}

func TestSession_CheckIdle(t *testing.T) {
	tests := []struct {
		name        string
		queued      []string
		listeners   bool
		advance     time.Duration
		expectEvict bool
	}{
		{name: "before timeout", advance: 30 * time.Minute, expectEvict: false},
		{name: "empty queue after timeout", advance: 2 * time.Hour, listeners: true, expectEvict: true},
		{name: "queued with listeners", queued: []string{"A"}, listeners: true, advance: 2 * time.Hour, expectEvict: false},
		{name: "queued without listeners", queued: []string{"A"}, listeners: false, advance: 2 * time.Hour, expectEvict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, failingLocator(), Config{IdleTimeout: time.Hour})
			require.NoError(t, h.session.Connect(context.Background(), "voice-1"))

			if len(tt.queued) > 0 {
				// Halted sessions keep their queue while idle.
				h.session.mu.Lock()
				h.session.queue.Push(entries(tt.queued...)...)
				h.session.halted = true
				h.session.mu.Unlock()
			}
			if !tt.listeners {
				h.dialer.last().events <- TransportEvent{Type: TransportListenersEmpty}
				require.Eventually(t, func() bool {
					h.session.mu.Lock()
					defer h.session.mu.Unlock()
					return !h.session.listeners
				}, waitFor, 5*time.Millisecond)
			}

			h.clock.Advance(tt.advance)
			evicted := h.session.CheckIdle()

			assert.Equal(t, tt.expectEvict, evicted)
			if tt.expectEvict {
				assert.Equal(t, StateStopped, h.session.State())
				assert.Len(t, h.events.ofType(EventSessionStopped), 1)
			} else {
				assert.Equal(t, StateIdle, h.session.State())
			}
		})
	}
}

func TestSession_CheckIdleIgnoresBusySession(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{IdleTimeout: time.Hour})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A")...))
	h.waitPlaying(t, "A")

	h.clock.Advance(3 * time.Hour)
	assert.False(t, h.session.CheckIdle())
	assert.Equal(t, StatePlaying, h.session.State())
}

func TestSession_ConnectionLostRequeuesAndReconnects(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Enqueue(entries("A", "B")...))
	h.waitPlaying(t, "A")

	first := h.dialer.last()
	first.events <- TransportEvent{Type: TransportConnectionLost, Err: errors.New("websocket closed")}

	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.State == StateIdle && !snap.Connected
	}, waitFor, 5*time.Millisecond)

	snap := h.session.Snapshot()
	assert.True(t, snap.Halted)
	require.Len(t, snap.Upcoming, 2)
	assert.Equal(t, "A", snap.Upcoming[0].Track.ID)

	lost := h.events.ofType(EventTransportLost)
	require.Len(t, lost, 1)
	assert.True(t, errors.Is(lost[0].Err, track.ErrTransportLost))

	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	assert.NotSame(t, first, h.dialer.last())
	h.waitPlaying(t, "A")
}

func TestSession_ConnectSameChannelIsNoop(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))
	require.NoError(t, h.session.Connect(context.Background(), "voice-1"))

	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	assert.Len(t, h.dialer.transports, 1)
}

func TestSession_ConnectFailure(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	h.dialer.err = errors.New("missing permissions")

	err := h.session.Connect(context.Background(), "voice-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, track.ErrTransportLost))
	assert.False(t, h.session.Snapshot().Connected)
}

func TestSession_ToggleShuffle(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})

	on, err := h.session.ToggleShuffle()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, h.session.Snapshot().Shuffle)

	on, err = h.session.ToggleShuffle()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSession_Remove(t *testing.T) {
	h := newHarness(t, failingLocator(), Config{})
	require.NoError(t, h.session.Enqueue(entries("A", "B")...))

	removed, err := h.session.Remove(1)
	require.NoError(t, err)
	assert.Equal(t, "B", removed.Track.ID)

	_, err = h.session.Remove(5)
	assert.ErrorIs(t, err, queue.ErrInvalidPosition)
	assert.Len(t, h.session.Snapshot().Upcoming, 1)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.True(t, StatePaused.HasCurrent())
	assert.False(t, StateIdle.HasCurrent())
}
