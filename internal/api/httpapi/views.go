package httpapi

import (
	"time"

	"github.com/osa030/guildbox/internal/app/engine"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/domain/track"
)

// TrackView is the JSON form of a track descriptor.
type TrackView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Live       bool   `json:"live"`
	SourceURI  string `json:"source_uri"`
	Provider   string `json:"provider"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// EntryView is the JSON form of a queue entry.
type EntryView struct {
	ID          string    `json:"id"`
	Track       TrackView `json:"track"`
	RequestedBy string    `json:"requested_by,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// SessionView is the JSON form of a session snapshot.
type SessionView struct {
	SessionID      string      `json:"session_id"`
	GuildID        string      `json:"guild_id"`
	ChannelID      string      `json:"channel_id,omitempty"`
	State          string      `json:"state"`
	Current        *EntryView  `json:"current,omitempty"`
	Upcoming       []EntryView `json:"upcoming"`
	Shuffle        bool        `json:"shuffle"`
	Repeat         string      `json:"repeat"`
	Connected      bool        `json:"connected"`
	Halted         bool        `json:"halted"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// EnqueueView is the response to an enqueue request.
type EnqueueView struct {
	Entries  []EntryView    `json:"entries"`
	Rejected map[string]int `json:"rejected,omitempty"`
}

// EventView is one playback event on the event stream.
type EventView struct {
	SequenceNo uint64     `json:"seq"`
	Type       string     `json:"type"`
	GuildID    string     `json:"guild_id"`
	SessionID  string     `json:"session_id"`
	State      string     `json:"state"`
	Track      *EntryView `json:"track,omitempty"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// ErrorView is the body of every error response.
type ErrorView struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func newTrackView(d track.Descriptor) TrackView {
	return TrackView{
		ID:         d.ID,
		Title:      d.Title,
		Artist:     d.Artist,
		DurationMs: d.DurationMs(),
		Live:       d.IsLive(),
		SourceURI:  d.SourceURI,
		Provider:   d.Kind.String(),
		ArtworkURL: d.ArtworkURL,
	}
}

func newEntryView(e track.QueueEntry) EntryView {
	return EntryView{
		ID:          e.ID,
		Track:       newTrackView(e.Track),
		RequestedBy: e.RequestedBy,
		AddedAt:     e.AddedAt,
	}
}

func newEntryViews(entries []track.QueueEntry) []EntryView {
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		out[i] = newEntryView(e)
	}
	return out
}

func newSessionView(s playback.Snapshot) SessionView {
	v := SessionView{
		SessionID:      s.SessionID,
		GuildID:        s.GuildID,
		ChannelID:      s.ChannelID,
		State:          s.State.String(),
		Upcoming:       newEntryViews(s.Upcoming),
		Shuffle:        s.Shuffle,
		Repeat:         s.Repeat.String(),
		Connected:      s.Connected,
		Halted:         s.Halted,
		LastActivityAt: s.LastActivityAt,
	}
	if s.Current != nil {
		cur := newEntryView(*s.Current)
		v.Current = &cur
	}
	return v
}

func newEnqueueView(r *engine.EnqueueResult) EnqueueView {
	return EnqueueView{
		Entries:  newEntryViews(r.Entries),
		Rejected: r.Rejected,
	}
}

func newEventView(e playback.Event) EventView {
	v := EventView{
		SequenceNo: e.SequenceNo,
		Type:       e.Type.String(),
		GuildID:    e.GuildID,
		SessionID:  e.SessionID,
		State:      e.State.String(),
		At:         e.At,
	}
	if e.Track != nil {
		entry := newEntryView(*e.Track)
		v.Track = &entry
	}
	if e.Err != nil {
		v.Error = errorCode(e.Err)
	}
	return v
}
