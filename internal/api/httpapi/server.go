package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/osa030/guildbox/internal/app/engine"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/app/queue"
	"github.com/osa030/guildbox/internal/domain/track"
)

// Engine is the command layer behind the API.
type Engine interface {
	Enqueue(ctx context.Context, req engine.EnqueueRequest) (*engine.EnqueueResult, error)
	Skip(guildID string) error
	Pause(guildID string) error
	Resume(guildID string) error
	Stop(guildID string) error
	ToggleShuffle(guildID string) (bool, error)
	SetRepeat(guildID string, mode queue.RepeatMode) error
	ListQueue(guildID string) (playback.Snapshot, error)
	Remove(guildID string, pos int) (track.QueueEntry, error)
	Clear(guildID string) (int, error)
	Sessions() []playback.Snapshot
}

// Subscriber streams playback events.
type Subscriber interface {
	Subscribe(guildID string, buffer int) (string, <-chan playback.Event)
	Unsubscribe(subscriptionID string)
}

// Server serves the control API.
type Server struct {
	engine Engine
	events Subscriber
	token  string
	mux    *http.ServeMux
}

// NewServer creates the API server. events may be nil, in which case the
// event stream endpoint is not registered.
func NewServer(e Engine, events Subscriber, token string) *Server {
	s := &Server{
		engine: e,
		events: events,
		token:  token,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/guilds", s.handleSessions)
	api.HandleFunc("GET /v1/guilds/{guildID}/queue", s.handleListQueue)
	api.HandleFunc("POST /v1/guilds/{guildID}/queue", s.handleEnqueue)
	api.HandleFunc("DELETE /v1/guilds/{guildID}/queue", s.handleClear)
	api.HandleFunc("DELETE /v1/guilds/{guildID}/queue/{position}", s.handleRemove)
	api.HandleFunc("POST /v1/guilds/{guildID}/skip", s.control(s.engine.Skip))
	api.HandleFunc("POST /v1/guilds/{guildID}/pause", s.control(s.engine.Pause))
	api.HandleFunc("POST /v1/guilds/{guildID}/resume", s.control(s.engine.Resume))
	api.HandleFunc("POST /v1/guilds/{guildID}/stop", s.control(s.engine.Stop))
	api.HandleFunc("POST /v1/guilds/{guildID}/shuffle", s.handleShuffle)
	api.HandleFunc("PUT /v1/guilds/{guildID}/repeat", s.handleRepeat)
	if s.events != nil {
		api.HandleFunc("GET /v1/events", s.handleEvents)
	}

	s.mux.Handle("/v1/", RequireToken(s.token, api))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer wraps the API in an http.Server with h2c (HTTP/2 cleartext) support.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(s, &http2.Server{}),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.engine.Sessions()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.engine.Sessions()
	out := make([]SessionView, len(snaps))
	for i, snap := range snaps {
		out[i] = newSessionView(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ListQueue(r.PathValue("guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(snap))
}

// EnqueueRequest is the body of an enqueue request.
type EnqueueRequest struct {
	ChannelID   string `json:"channel_id"`
	Query       string `json:"query"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	res, err := s.engine.Enqueue(r.Context(), engine.EnqueueRequest{
		GuildID:     r.PathValue("guildID"),
		ChannelID:   body.ChannelID,
		Query:       body.Query,
		RequestedBy: body.RequestedBy,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEnqueueView(res))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.Atoi(r.PathValue("position"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "position must be an integer")
		return
	}
	removed, err := s.engine.Remove(r.PathValue("guildID"), pos)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": newEntryView(removed)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Clear(r.PathValue("guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	on, err := s.engine.ToggleShuffle(r.PathValue("guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shuffle": on})
}

// RepeatRequest is the body of a repeat mode change.
type RepeatRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	var body RepeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	mode, err := queue.ParseRepeatMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "mode must be off, track or queue")
		return
	}
	if err := s.engine.SetRepeat(r.PathValue("guildID"), mode); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repeat": mode.String()})
}

// control adapts a guild intent without a result to a handler.
func (s *Server) control(fn func(guildID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.PathValue("guildID")); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleEvents streams playback events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	id, events := s.events.Subscribe(r.URL.Query().Get("guild"), 0)
	defer s.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	zlog.Debug().Msgf("api: event stream opened: subscription=%s", id)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(newEventView(e))
			if err != nil {
				zlog.Error().Err(err).Msg("api: failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.SequenceNo, e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		zlog.Error().Err(err).Msgf("api: request failed: method=%s path=%s code=%s", r.Method, r.URL.Path, code)
	} else {
		zlog.Debug().Msgf("api: request refused: method=%s path=%s code=%s error=%v", r.Method, r.URL.Path, code, err)
	}
	writeError(w, status, code, err.Error())
}

// classify maps an engine error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNoSession):
		return http.StatusNotFound, "no_session"
	case errors.Is(err, engine.ErrRejected):
		return http.StatusConflict, "rejected:" + engine.RejectionCode(err)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, queue.ErrInvalidPosition):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, playback.ErrSessionStopped),
		errors.Is(err, playback.ErrNothingPlaying),
		errors.Is(err, playback.ErrNotPlaying),
		errors.Is(err, playback.ErrNotPaused),
		errors.Is(err, playback.ErrNotConnected):
		return http.StatusConflict, errorCode(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}

	switch track.ResolveErrorKind(err) {
	case "NotFound":
		return http.StatusNotFound, "not_found"
	case "AuthError":
		return http.StatusBadGateway, "auth_error"
	case "ProviderUnavailable":
		return http.StatusServiceUnavailable, "provider_unavailable"
	}
	switch track.PlaybackErrorKind(err) {
	case "TransportLost":
		return http.StatusBadGateway, "transport_lost"
	case "LoadFailed":
		return http.StatusBadGateway, "load_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// errorCode returns the stable code of a session or taxonomy error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, playback.ErrSessionStopped):
		return "session_stopped"
	case errors.Is(err, playback.ErrNothingPlaying):
		return "nothing_playing"
	case errors.Is(err, playback.ErrNotPlaying):
		return "not_playing"
	case errors.Is(err, playback.ErrNotPaused):
		return "not_paused"
	case errors.Is(err, playback.ErrNotConnected):
		return "not_connected"
	}
	if kind := track.PlaybackErrorKind(err); kind != "" {
		return kind
	}
	if kind := track.ResolveErrorKind(err); kind != "" {
		return kind
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("api: failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorView{Error: code, Message: message})
}
