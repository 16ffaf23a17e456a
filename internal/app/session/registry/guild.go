// Package registry provides the registry of per-guild audio sessions.
package registry

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/playback"
)

var ErrSessionNotFound = errors.New("no session for guild")

// Factory builds a session for a guild. The session must call
// onStopped once it stops so the registry can drop it.
type Factory func(guildID string, onStopped func(*playback.Session)) *playback.Session

// SessionRegistry owns every guild session with thread-safe access.
// At most one session exists per guild.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*playback.Session
	factory  Factory
}

// NewSessionRegistry creates a new session registry.
func NewSessionRegistry(factory Factory) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*playback.Session),
		factory:  factory,
	}
}

// GetOrCreate returns the guild's session, creating it if needed.
// created is true only for the caller that created it.
func (r *SessionRegistry) GetOrCreate(guildID string) (s *playback.Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[guildID]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[guildID]; ok {
		return s, false
	}
	s = r.factory(guildID, r.release)
	r.sessions[guildID] = s
	zlog.Debug().Msgf("registry: session created: guild=%s session=%s", guildID, s.ID())
	return s, true
}

// Get retrieves the guild's session.
func (r *SessionRegistry) Get(guildID string) (*playback.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[guildID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove drops the guild's session from the registry without stopping it.
// Removing a missing guild is a no-op.
func (r *SessionRegistry) Remove(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, guildID)
}

// release drops a stopped session unless a newer one replaced it.
func (r *SessionRegistry) release(s *playback.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.GuildID()]; ok && cur == s {
		delete(r.sessions, s.GuildID())
		zlog.Debug().Msgf("registry: session released: guild=%s session=%s", s.GuildID(), s.ID())
	}
}

// All returns all sessions ordered by guild ID.
func (r *SessionRegistry) All() []*playback.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*playback.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GuildID() < result[j].GuildID()
	})
	return result
}

// Count returns the number of sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops every session.
func (r *SessionRegistry) Close() {
	for _, s := range r.All() {
		_ = s.Stop()
	}
}
