package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomdj/internal/core"
	"roomdj/internal/session"
)

type trackView struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	URL      string `json:"url,omitempty"`
}

type queueItemView struct {
	Position    int       `json:"position"`
	Track       trackView `json:"track"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	Votes       int       `json:"votes"`
}

type sessionView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Initiator    string    `json:"initiator"`
	CreatedAt    time.Time `json:"created_at"`
	PlaylistID   string    `json:"playlist_id"`
	Theme        []string  `json:"theme_keywords,omitempty"`
	Participants []string  `json:"participants"`
	QueueLength  int       `json:"queue_length"`
}

type errorView struct {
	Error string `json:"error"`
}

func viewTrack(t core.Track) trackView {
	return trackView{
		ID:       t.ID,
		Title:    t.Title,
		Artist:   t.Artist,
		Album:    t.Album,
		Duration: t.Duration.Milliseconds(),
		URL:      t.URL,
	}
}

func viewQueueItem(item core.QueueItem) queueItemView {
	return queueItemView{
		Position:    item.Position,
		Track:       viewTrack(item.Track),
		RequestedBy: item.RequestedBy.Username,
		RequestedAt: item.RequestedAt,
		Votes:       item.VoteCount(),
	}
}

func viewSession(s *session.Session) sessionView {
	participants := s.Participants()
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Username)
	}

	return sessionView{
		ID:           s.ID.String(),
		Name:         s.Name,
		Initiator:    s.Initiator.Username,
		CreatedAt:    s.CreatedAt,
		PlaylistID:   s.Playlist().ID,
		Theme:        s.Theme(),
		Participants: names,
		QueueLength:  s.QueueLen(),
	}
}

type createSessionRequest struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Theme    []string `json:"theme_keywords,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, "name and username are required")
		return
	}

	user, err := h.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	s, err := h.registry.Create(r.Context(), req.Name, *user, req.Theme)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.syncSessionGauge()

	h.writeJSON(w, http.StatusCreated, viewSession(s))
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.registry.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewSession(s))
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, viewSession(s))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	if err := h.registry.Remove(id); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.syncSessionGauge()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	queue := s.Queue()
	views := make([]queueItemView, 0, len(queue))
	for _, item := range queue {
		views = append(views, viewQueueItem(item))
	}
	h.writeJSON(w, http.StatusOK, views)
}

type requestTrackRequest struct {
	Username string `json:"username"`
	TrackID  string `json:"track_id"`
}

func (h *Handler) requestTrack(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req requestTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.TrackID == "" {
		h.writeError(w, http.StatusBadRequest, "username and track_id are required")
		return
	}

	user, err := h.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	if !h.limiter.Allow(s.ID.String(), user.ID.String()) {
		h.recordQueueOp("request", "rate_limited")
		h.writeError(w, http.StatusTooManyRequests, "request budget exhausted, slow down")
		return
	}

	position, err := s.RequestTrack(r.Context(), *user, req.TrackID)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateRequest) && h.metrics != nil {
			h.metrics.RecordDuplicate()
		}
		h.recordQueueOp("request", "error")
		h.writeFailure(w, err)
		return
	}
	h.recordQueueOp("request", "ok")

	h.writeJSON(w, http.StatusCreated, map[string]int{"position": position})
}

type voteRequest struct {
	Username string `json:"username"`
	Upvote   *bool  `json:"upvote"`
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	position, ok := h.position(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		h.writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	upvote := true
	if req.Upvote != nil {
		upvote = *req.Upvote
	}

	user, err := h.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	if !h.limiter.Allow(s.ID.String(), user.ID.String()) {
		h.recordQueueOp("vote", "rate_limited")
		h.writeError(w, http.StatusTooManyRequests, "request budget exhausted, slow down")
		return
	}

	if err := s.Vote(position, *user, upvote); err != nil {
		h.recordQueueOp("vote", "error")
		h.writeFailure(w, err)
		return
	}
	h.recordQueueOp("vote", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeTrack(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	position, ok := h.position(w, r)
	if !ok {
		return
	}

	removed, err := s.RemoveTrack(r.Context(), position)
	if err != nil {
		h.recordQueueOp("remove", "error")
		h.writeFailure(w, err)
		return
	}
	h.recordQueueOp("remove", "ok")

	h.writeJSON(w, http.StatusOK, viewQueueItem(removed))
}

func (h *Handler) searchTracks(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	tracks, err := s.Search(r.Context(), query)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	views := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, viewTrack(t))
	}
	h.writeJSON(w, http.StatusOK, views)
}

type playbackView struct {
	IsPlaying  bool   `json:"is_playing"`
	PositionMS int64  `json:"position_ms"`
	Volume     int    `json:"volume"`
	RepeatMode string `json:"repeat_mode,omitempty"`
	Shuffle    bool   `json:"shuffle"`
}

func (h *Handler) getPlayback(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	state := s.Playback()
	h.writeJSON(w, http.StatusOK, playbackView{
		IsPlaying:  state.IsPlaying,
		PositionMS: state.Position.Milliseconds(),
		Volume:     state.Volume,
		RepeatMode: state.RepeatMode,
		Shuffle:    state.Shuffle,
	})
}

func (h *Handler) setPlayback(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var view playbackView
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.SetPlayback(core.PlaybackState{
		IsPlaying:  view.IsPlaying,
		Position:   time.Duration(view.PositionMS) * time.Millisecond,
		Volume:     view.Volume,
		RepeatMode: view.RepeatMode,
		Shuffle:    view.Shuffle,
	})
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	Username string `json:"username"`
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	user, err := h.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	s.Join(*user)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	user, err := h.users.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	s.Leave(user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return nil, false
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.writeFailure(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) (int, bool) {
	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || position < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid queue position")
		return 0, false
	}
	return position, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrUserNotFound),
		errors.Is(err, core.ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateRequest),
		errors.Is(err, core.ErrAmbiguousPlaylistName),
		errors.Is(err, core.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrUserNotConnected):
		return http.StatusForbidden
	case core.IsCatalogTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.writeJSON(w, status, errorView{Error: err.Error()})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorView{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) recordQueueOp(op, status string) {
	if h.metrics != nil {
		h.metrics.RecordQueueOp(op, status)
	}
}

func (h *Handler) syncSessionGauge() {
	if h.metrics != nil {
		h.metrics.SetActiveSessions(h.registry.Count())
	}
}
