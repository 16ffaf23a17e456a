// Package engine maps command-layer intents onto guild sessions.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/filter"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/app/queue"
	"github.com/osa030/guildbox/internal/app/session/registry"
	"github.com/osa030/guildbox/internal/domain/track"
)

var (
	ErrNoSession    = errors.New("no active session for guild")
	ErrRejected     = errors.New("request rejected")
	ErrInvalidInput = errors.New("invalid request")
)

// RejectionError reports which filter code rejected an enqueue request.
type RejectionError struct {
	Code string
}

func (e *RejectionError) Error() string {
	return "request rejected: code=" + e.Code
}

// Is makes errors.Is(err, ErrRejected) hold.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// RejectionCode returns the filter code of a rejection, or "" for other errors.
func RejectionCode(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

// Resolver turns a query into descriptors.
type Resolver interface {
	Resolve(ctx context.Context, query string) ([]track.Descriptor, error)
}

// EnqueueRequest is a request to queue the tracks a query refers to.
type EnqueueRequest struct {
	GuildID     string
	ChannelID   string // Voice channel to join; may be empty when already connected
	Query       string
	RequestedBy string
}

// EnqueueResult describes what was queued.
type EnqueueResult struct {
	Entries  []track.QueueEntry
	Rejected map[string]int // Filter code -> number of rejected tracks
}

// Engine owns the command-layer intents.
type Engine struct {
	resolver Resolver
	filters  *filter.Chain
	registry *registry.SessionRegistry
	now      func() time.Time
}

// New creates a new engine. filters may be nil.
func New(resolver Resolver, filters *filter.Chain, reg *registry.SessionRegistry) *Engine {
	if filters == nil {
		filters = filter.NewChain()
	}
	return &Engine{
		resolver: resolver,
		filters:  filters,
		registry: reg,
		now:      time.Now,
	}
}

// SessionFactory returns a registry factory building sessions with the given
// configuration and collaborators.
func SessionFactory(cfg playback.Config, deps playback.Deps) registry.Factory {
	return func(guildID string, onStopped func(*playback.Session)) *playback.Session {
		d := deps
		d.OnStopped = onStopped
		return playback.NewSession(guildID, cfg, d)
	}
}

// Enqueue resolves the query, runs the admission filters and queues the
// accepted tracks, joining the requested voice channel first.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.GuildID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "guild id is required")
	}

	descriptors, err := e.resolver.Resolve(ctx, req.Query)
	if err != nil {
		zlog.Info().Msgf("engine: resolve failed: guild=%s query=%q kind=%s error=%v",
			req.GuildID, req.Query, track.ResolveErrorKind(err), err)
		return nil, err
	}

	// A session that stops between lookup and enqueue is replaced once.
	for attempt := 0; ; attempt++ {
		result, err := e.enqueue(ctx, req, descriptors)
		if errors.Is(err, playback.ErrSessionStopped) && attempt == 0 {
			continue
		}
		return result, err
	}
}

func (e *Engine) enqueue(ctx context.Context, req EnqueueRequest, descriptors []track.Descriptor) (*EnqueueResult, error) {
	s, created := e.registry.GetOrCreate(req.GuildID)
	abandon := func() {
		if created {
			_ = s.Stop()
		}
	}

	snap := s.Snapshot()
	if req.ChannelID == "" && !snap.Connected {
		abandon()
		return nil, errors.Wrap(ErrInvalidInput, "voice channel id is required")
	}

	result := &EnqueueResult{Rejected: make(map[string]int)}
	freq := filter.Request{
		GuildID:     req.GuildID,
		RequestedBy: req.RequestedBy,
		Queued:      snap.Entries(),
	}
	var firstCode string
	now := e.now()
	for _, d := range descriptors {
		res := e.filters.Execute(ctx, freq, d)
		if !res.Accepted {
			result.Rejected[res.Code]++
			if firstCode == "" {
				firstCode = res.Code
			}
			continue
		}
		entry := track.NewQueueEntry(d, req.RequestedBy, now)
		result.Entries = append(result.Entries, entry)
		freq.Queued = append(freq.Queued, entry)
	}
	if len(result.Entries) == 0 {
		abandon()
		return nil, &RejectionError{Code: firstCode}
	}

	if req.ChannelID != "" {
		if err := s.Connect(ctx, req.ChannelID); err != nil {
			abandon()
			return nil, err
		}
	}

	if err := s.Enqueue(result.Entries...); err != nil {
		return nil, err
	}

	zlog.Info().Msgf("engine: enqueued: guild=%s by=%s tracks=%d rejected=%d first=%s",
		req.GuildID, req.RequestedBy, len(result.Entries), len(descriptors)-len(result.Entries),
		result.Entries[0].Track.DisplayName())
	return result, nil
}

// Skip skips the current track.
func (e *Engine) Skip(guildID string) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	return s.Skip()
}

// Pause pauses the current track.
func (e *Engine) Pause(guildID string) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume resumes a paused track or a halted queue.
func (e *Engine) Resume(guildID string) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Stop tears the guild's session down.
func (e *Engine) Stop(guildID string) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	return s.Stop()
}

// ToggleShuffle flips shuffle and returns the new setting.
func (e *Engine) ToggleShuffle(guildID string) (bool, error) {
	s, err := e.session(guildID)
	if err != nil {
		return false, err
	}
	return s.ToggleShuffle()
}

// SetRepeat sets the repeat mode.
func (e *Engine) SetRepeat(guildID string, mode queue.RepeatMode) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	return s.SetRepeat(mode)
}

// ListQueue returns a snapshot of the guild's session.
func (e *Engine) ListQueue(guildID string) (playback.Snapshot, error) {
	s, err := e.session(guildID)
	if err != nil {
		return playback.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Remove deletes the upcoming entry at a zero-based position.
func (e *Engine) Remove(guildID string, pos int) (track.QueueEntry, error) {
	s, err := e.session(guildID)
	if err != nil {
		return track.QueueEntry{}, err
	}
	return s.Remove(pos)
}

// Clear drops every upcoming entry and returns how many were removed.
func (e *Engine) Clear(guildID string) (int, error) {
	s, err := e.session(guildID)
	if err != nil {
		return 0, err
	}
	return s.Clear()
}

// Sessions returns a snapshot of every session, ordered by guild ID.
func (e *Engine) Sessions() []playback.Snapshot {
	all := e.registry.All()
	out := make([]playback.Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close stops every session.
func (e *Engine) Close() {
	e.registry.Close()
}

func (e *Engine) session(guildID string) (*playback.Session, error) {
	s, err := e.registry.Get(guildID)
	if errors.Is(err, registry.ErrSessionNotFound) {
		return nil, errors.Wrapf(ErrNoSession, "guild %s", guildID)
	}
	return s, err
}
