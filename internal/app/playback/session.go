package playback

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/queue"
	"github.com/osa030/guildbox/internal/domain/track"
)

// Errors
var (
	ErrSessionStopped = errors.New("session stopped")
	ErrNothingPlaying = errors.New("nothing playing")
	ErrNotPlaying     = errors.New("not playing")
	ErrNotPaused      = errors.New("not paused")
	ErrNotConnected   = errors.New("not connected to a voice channel")
)

// Config holds session configuration.
type Config struct {
	IdleTimeout            time.Duration // Idle time before the session is evicted
	MaxConsecutiveFailures int           // Load failures in a row before the session halts
	LoadTimeout            time.Duration // Upper bound for locating and starting one track
}

// Deps holds the collaborators of a session.
type Deps struct {
	Dialer    Dialer
	Locator   Locator
	Publisher Publisher           // Optional
	Now       func() time.Time    // Optional, defaults to time.Now
	Rand      *rand.Rand          // Optional, shuffle source
	OnStopped func(s *Session)    // Optional, called once after the session stops
}

// Snapshot is a point-in-time copy of a session for listing.
type Snapshot struct {
	SessionID      string
	GuildID        string
	ChannelID      string
	State          State
	Current        *track.QueueEntry
	Upcoming       []track.QueueEntry
	Shuffle        bool
	Repeat         queue.RepeatMode
	Connected      bool
	Halted         bool
	LastActivityAt time.Time
}

// Entries returns the current entry followed by the upcoming ones.
func (s Snapshot) Entries() []track.QueueEntry {
	out := make([]track.QueueEntry, 0, len(s.Upcoming)+1)
	if s.Current != nil {
		out = append(out, *s.Current)
	}
	return append(out, s.Upcoming...)
}

type loadJob struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	entry     track.QueueEntry
	transport Transport
}

// Session is the audio session of one guild. It owns the guild's queue
// and drives the scheduler state machine.
type Session struct {
	id      string
	guildID string
	config  Config
	deps    Deps

	mu sync.Mutex

	queue          *queue.Queue
	state          State
	current        *track.QueueEntry
	channelID      string
	transport      Transport
	gen            uint64 // Bumped whenever an in-flight load or stream becomes stale
	loadCancel     context.CancelFunc
	failures       int
	halted         bool // Idle without auto-start until enqueue, reconnect or resume
	listeners      bool
	lastActivityAt time.Time
	idleTimer      *time.Timer
	done           chan struct{}

	connMu      sync.Mutex // Serialises Connect
	transportMu sync.Mutex // Serialises transport control calls
}

// NewSession creates an idle, unconnected session for a guild.
func NewSession(guildID string, config Config, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 1
	}

	s := &Session{
		id:      uuid.New().String(),
		guildID: guildID,
		config:  config,
		deps:    deps,
		queue:   queue.New(deps.Rand),
		state:   StateIdle,
		done:    make(chan struct{}),
	}
	s.lastActivityAt = deps.Now()
	return s
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// GuildID returns the guild ID.
func (s *Session) GuildID() string {
	return s.guildID
}

// Done is closed when the session stops.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect joins a voice channel. Joining the channel the session is already
// in is a no-op. A queued session starts playing once connected.
func (s *Session) Connect(ctx context.Context, channelID string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.transport != nil && s.channelID == channelID {
		s.mu.Unlock()
		return nil
	}
	old := s.transport
	s.mu.Unlock()

	t, err := s.deps.Dialer.Dial(ctx, s.guildID, channelID)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to join voice channel %s", channelID), track.ErrTransportLost)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		if t != old {
			_ = t.Disconnect()
		}
		return ErrSessionStopped
	}

	if old != nil && old != t {
		// The stream on the old transport is gone; replay the entry on the new one.
		s.interruptLocked()
	}
	s.transport = t
	s.channelID = channelID
	s.listeners = true
	s.halted = false
	s.touchLocked()
	job := s.kickLocked()
	s.mu.Unlock()

	zlog.Info().Msgf("playback: joined voice channel: guild=%s channel=%s", s.guildID, channelID)

	if old != t {
		go s.watch(t)
	}
	if old != nil && old != t {
		s.transportMu.Lock()
		_ = old.Stop()
		_ = old.Disconnect()
		s.transportMu.Unlock()
	}
	s.dispatch(job)
	return nil
}

// Enqueue appends entries to the queue and starts playback when idle.
func (s *Session) Enqueue(entries ...track.QueueEntry) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}

	s.queue.Push(entries...)
	s.halted = false
	s.touchLocked()
	s.publishLocked(Event{Type: EventQueueChanged})
	job := s.kickLocked()
	s.mu.Unlock()

	s.dispatch(job)
	return nil
}

// Skip abandons the current entry and moves to the next one.
func (s *Session) Skip() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.current == nil {
		s.mu.Unlock()
		return ErrNothingPlaying
	}

	skipped := *s.current
	t := s.transport
	s.cancelLoadLocked()
	s.gen++
	s.current = nil
	s.publishLocked(Event{Type: EventTrackSkipped, Track: &skipped})

	var job *loadJob
	if next, ok := s.queue.Skip(); ok {
		job = s.loadLocked(next)
	} else {
		s.enterIdleLocked()
	}
	s.mu.Unlock()

	zlog.Info().Msgf("playback: skipped: guild=%s track=%s", s.guildID, skipped.Track.DisplayName())

	// Stop after any in-flight Play returns so a stale stream never keeps playing.
	if t != nil {
		s.transportMu.Lock()
		if err := t.Stop(); err != nil {
			zlog.Debug().Err(err).Msgf("playback: transport stop failed: guild=%s", s.guildID)
		}
		s.transportMu.Unlock()
	}
	s.dispatch(job)
	return nil
}

// Pause pauses the current track.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.state != StatePlaying {
		s.mu.Unlock()
		return ErrNotPlaying
	}
	s.state = StatePaused
	gen := s.gen
	t := s.transport
	s.touchLocked()
	s.publishLocked(Event{Type: EventStateChanged, Track: s.current})
	s.mu.Unlock()

	s.transportMu.Lock()
	err := t.Pause()
	s.transportMu.Unlock()
	if err != nil {
		s.revert(gen, StatePaused, StatePlaying)
		return errors.Wrap(err, "failed to pause")
	}
	return nil
}

// Resume resumes a paused track. A halted idle session with queued
// entries starts playing again.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.state == StateIdle && s.halted && s.queue.Len() > 0 {
		s.halted = false
		s.touchLocked()
		job := s.kickLocked()
		s.mu.Unlock()
		if job == nil {
			return ErrNotConnected
		}
		s.dispatch(job)
		return nil
	}
	if s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotPaused
	}
	s.state = StatePlaying
	gen := s.gen
	t := s.transport
	s.touchLocked()
	s.publishLocked(Event{Type: EventStateChanged, Track: s.current})
	s.mu.Unlock()

	s.transportMu.Lock()
	err := t.Resume()
	s.transportMu.Unlock()
	if err != nil {
		s.revert(gen, StatePlaying, StatePaused)
		return errors.Wrap(err, "failed to resume")
	}
	return nil
}

// revert undoes a pause or resume the transport refused.
func (s *Session) revert(gen uint64, from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.state == from {
		s.state = to
		s.publishLocked(Event{Type: EventStateChanged, Track: s.current})
	}
}

// Stop tears the session down from any state. Stopping twice is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	cleanup := s.stopLocked("requested")
	s.mu.Unlock()

	cleanup()
	return nil
}

// SetShuffle turns shuffle on or off for the next advance.
func (s *Session) SetShuffle(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrSessionStopped
	}
	s.queue.SetShuffle(on)
	s.touchLocked()
	return nil
}

// ToggleShuffle flips shuffle and returns the new setting.
func (s *Session) ToggleShuffle() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return false, ErrSessionStopped
	}
	on := !s.queue.Shuffle()
	s.queue.SetShuffle(on)
	s.touchLocked()
	return on, nil
}

// SetRepeat sets the repeat mode for the next advance.
func (s *Session) SetRepeat(mode queue.RepeatMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrSessionStopped
	}
	s.queue.SetRepeat(mode)
	s.touchLocked()
	return nil
}

// Remove deletes the upcoming entry at a zero-based position.
func (s *Session) Remove(pos int) (track.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return track.QueueEntry{}, ErrSessionStopped
	}
	e, err := s.queue.Remove(pos)
	if err != nil {
		return track.QueueEntry{}, err
	}
	s.touchLocked()
	s.publishLocked(Event{Type: EventQueueChanged, Track: &e})
	return e, nil
}

// Clear drops every pending entry. The current track keeps playing.
func (s *Session) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return 0, ErrSessionStopped
	}
	n := s.queue.Len()
	s.queue.ClearPending()
	s.touchLocked()
	if n > 0 {
		s.publishLocked(Event{Type: EventQueueChanged})
	}
	return n, nil
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:      s.id,
		GuildID:        s.guildID,
		ChannelID:      s.channelID,
		State:          s.state,
		Upcoming:       s.queue.Snapshot(),
		Shuffle:        s.queue.Shuffle(),
		Repeat:         s.queue.Repeat(),
		Connected:      s.transport != nil,
		Halted:         s.halted,
		LastActivityAt: s.lastActivityAt,
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

// CheckIdle evicts the session when it has been idle for longer than the
// idle timeout with an empty queue or nobody listening. It reports whether
// the session was stopped.
func (s *Session) CheckIdle() bool {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return false
	}

	idleFor := s.deps.Now().Sub(s.lastActivityAt)
	if idleFor < s.config.IdleTimeout {
		s.armIdleTimerLocked(s.config.IdleTimeout - idleFor)
		s.mu.Unlock()
		return false
	}
	if s.queue.Len() > 0 && s.listeners {
		s.armIdleTimerLocked(s.config.IdleTimeout)
		s.mu.Unlock()
		return false
	}

	cleanup := s.stopLocked("idle timeout")
	s.mu.Unlock()

	cleanup()
	return true
}

// kickLocked starts the next entry if the session is idle and able to play.
func (s *Session) kickLocked() *loadJob {
	if s.state != StateIdle || s.halted || s.transport == nil {
		return nil
	}
	next, ok := s.queue.Advance()
	if !ok {
		return nil
	}
	return s.loadLocked(next)
}

// loadLocked moves to LOADING for an entry and returns the job to dispatch
// once the lock is released.
func (s *Session) loadLocked(e track.QueueEntry) *loadJob {
	if s.transport == nil {
		s.queue.DropCurrent()
		s.queue.PushFront(e)
		s.halted = true
		s.enterIdleLocked()
		return nil
	}

	s.cancelLoadLocked()
	s.stopIdleTimerLocked()
	s.gen++
	s.current = &e
	s.state = StateLoading

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.config.LoadTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.config.LoadTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.loadCancel = cancel
	s.touchLocked()
	s.publishLocked(Event{Type: EventTrackLoading, Track: &e})

	return &loadJob{
		gen:       s.gen,
		ctx:       ctx,
		cancel:    cancel,
		entry:     e,
		transport: s.transport,
	}
}

func (s *Session) dispatch(job *loadJob) {
	if job == nil {
		return
	}
	go s.load(job)
}

// load locates the stream and hands it to the transport.
func (s *Session) load(job *loadJob) {
	uri, err := s.deps.Locator.Locate(job.ctx, job.entry.Track)
	if err != nil {
		s.finishLoad(job, errors.Mark(errors.Wrap(err, "failed to locate stream"), track.ErrLoadFailed))
		return
	}

	s.transportMu.Lock()
	if err = job.ctx.Err(); err == nil {
		err = job.transport.Play(job.ctx, PlayRequest{
			Token:     job.gen,
			SourceURI: uri,
			Track:     job.entry.Track,
		})
		if err != nil {
			err = errors.Mark(errors.Wrap(err, "transport failed to start"), track.ErrLoadFailed)
		}
	}
	s.transportMu.Unlock()

	s.finishLoad(job, err)
}

func (s *Session) finishLoad(job *loadJob, err error) {
	s.mu.Lock()
	if job.gen != s.gen || s.state != StateLoading {
		s.mu.Unlock()
		job.cancel()
		return
	}

	if err == nil {
		s.loadCancel = nil
		s.state = StatePlaying
		s.failures = 0
		s.touchLocked()
		s.publishLocked(Event{Type: EventTrackStarted, Track: s.current})
		s.mu.Unlock()

		job.cancel()
		zlog.Info().Msgf("playback: track started: guild=%s track=%s", s.guildID, job.entry.Track.DisplayName())
		return
	}

	next := s.failLocked(err)
	s.mu.Unlock()

	job.cancel()
	s.dispatch(next)
}

// failLocked discards the current entry after a load or playback failure
// and moves on, halting after too many failures in a row.
func (s *Session) failLocked(err error) *loadJob {
	failed := *s.current
	s.cancelLoadLocked()
	s.gen++
	s.failures++
	s.current = nil
	s.queue.DropCurrent()

	if !errors.Is(err, track.ErrLoadFailed) {
		err = errors.Mark(err, track.ErrLoadFailed)
	}
	s.publishLocked(Event{Type: EventLoadFailed, Track: &failed, Err: err})
	zlog.Warn().Err(err).Str("error_class", track.PlaybackErrorKind(err)).
		Msgf("playback: track failed: guild=%s track=%s failures=%d", s.guildID, failed.Track.DisplayName(), s.failures)

	if s.failures >= s.config.MaxConsecutiveFailures {
		zlog.Warn().Msgf("playback: too many consecutive failures, halting: guild=%s failures=%d", s.guildID, s.failures)
		s.failures = 0
		s.halted = true
		s.enterIdleLocked()
		return nil
	}

	if next, ok := s.queue.Advance(); ok {
		return s.loadLocked(next)
	}
	s.enterIdleLocked()
	return nil
}

// watch delivers transport events in order until the transport closes
// its event channel or the session stops.
func (s *Session) watch(t Transport) {
	events := t.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleTransportEvent(t, ev)
		}
	}
}

func (s *Session) handleTransportEvent(t Transport, ev TransportEvent) {
	s.mu.Lock()
	if s.state == StateStopped || t != s.transport {
		s.mu.Unlock()
		return
	}

	var job *loadJob
	switch ev.Type {
	case TransportTrackEnd:
		if ev.Token != s.gen || (s.state != StatePlaying && s.state != StatePaused) {
			break
		}
		ended := *s.current
		s.current = nil
		s.publishLocked(Event{Type: EventTrackEnded, Track: &ended})
		if next, ok := s.queue.Advance(); ok {
			job = s.loadLocked(next)
		} else {
			s.enterIdleLocked()
		}

	case TransportTrackError:
		if ev.Token != s.gen || (s.state != StatePlaying && s.state != StatePaused) {
			break
		}
		err := ev.Err
		if err == nil {
			err = errors.New("stream error")
		}
		job = s.failLocked(err)

	case TransportListenersEmpty:
		s.listeners = false
		zlog.Debug().Msgf("playback: no listeners: guild=%s", s.guildID)

	case TransportListenersPresent:
		s.listeners = true

	case TransportConnectionLost:
		err := ev.Err
		if err == nil {
			err = errors.New("connection lost")
		}
		err = errors.Mark(err, track.ErrTransportLost)
		s.interruptLocked()
		s.transport = nil
		s.listeners = false
		s.halted = true
		s.enterIdleLocked()
		s.publishLocked(Event{Type: EventTransportLost, Err: err})
		zlog.Warn().Err(err).Msgf("playback: voice transport lost: guild=%s", s.guildID)
	}
	s.mu.Unlock()

	s.dispatch(job)
}

// interruptLocked abandons the in-flight load or stream and puts its entry
// back at the head of the queue.
func (s *Session) interruptLocked() {
	s.cancelLoadLocked()
	s.gen++
	if s.current != nil {
		s.queue.DropCurrent()
		s.queue.PushFront(*s.current)
		s.current = nil
	}
	if s.state.HasCurrent() {
		s.state = StateIdle
	}
}

// stopLocked moves to STOPPED and returns the cleanup to run unlocked.
func (s *Session) stopLocked(reason string) func() {
	if s.state == StateStopped {
		return func() {}
	}

	s.cancelLoadLocked()
	s.stopIdleTimerLocked()
	s.gen++
	s.state = StateStopped
	s.current = nil
	s.queue.Clear()
	t := s.transport
	s.transport = nil
	close(s.done)
	s.publishLocked(Event{Type: EventSessionStopped})

	zlog.Info().Msgf("playback: session stopped: guild=%s reason=%s", s.guildID, reason)

	return func() {
		if t != nil {
			s.transportMu.Lock()
			_ = t.Stop()
			if err := t.Disconnect(); err != nil {
				zlog.Warn().Err(err).Msgf("playback: disconnect failed: guild=%s", s.guildID)
			}
			s.transportMu.Unlock()
		}
		if s.deps.OnStopped != nil {
			s.deps.OnStopped(s)
		}
	}
}

func (s *Session) enterIdleLocked() {
	s.state = StateIdle
	s.current = nil
	s.touchLocked()
	s.publishLocked(Event{Type: EventQueueEmpty})
}

func (s *Session) cancelLoadLocked() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// touchLocked records activity and restarts the idle countdown.
func (s *Session) touchLocked() {
	s.lastActivityAt = s.deps.Now()
	if s.state == StateIdle {
		s.armIdleTimerLocked(s.config.IdleTimeout)
	}
}

func (s *Session) armIdleTimerLocked(d time.Duration) {
	s.stopIdleTimerLocked()
	if s.config.IdleTimeout <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(d, func() {
		s.CheckIdle()
	})
}

func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// publishLocked sends an event without blocking.
func (s *Session) publishLocked(e Event) {
	if s.deps.Publisher == nil {
		return
	}
	if e.Track != nil {
		entry := *e.Track
		e.Track = &entry
	}
	e.GuildID = s.guildID
	e.SessionID = s.id
	e.State = s.state
	e.At = s.deps.Now()
	s.deps.Publisher.Publish(e)
}
