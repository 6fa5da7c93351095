// Package session coordinates one shared listening session: its
// participants, queue, duplicate guard and the remote playlist mirror.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomdj/internal/core"
	"roomdj/internal/queue"
	"roomdj/internal/store"
)

// Session is one live listening session. The queue engine is the source of
// truth for ordering; the remote playlist is a mirror that may briefly lag
// when the provider misbehaves.
type Session struct {
	ID        uuid.UUID
	Name      string
	Initiator core.UserRef
	CreatedAt time.Time

	mu           sync.RWMutex
	participants map[uuid.UUID]core.UserRef
	playback     core.PlaybackState
	theme        []string

	// requestMu serializes the reserve-place-capture span of RequestTrack.
	// Without it two concurrent requests for the same track both pass the
	// duplicate guard, and the tail index handed to the mirror can belong
	// to someone else's placement.
	requestMu sync.Mutex

	playlist core.PlaylistRef
	engine   *queue.Engine
	seen     *store.SeenStore
	catalog  core.CatalogSync
	arbiter  core.PlacementArbiter
	logger   *zap.Logger
}

// RequestTrack hydrates the track, refuses duplicates, places it in the
// queue (via the arbiter when one is configured) and mirrors the change to
// the remote playlist. Returns the assigned queue position.
func (s *Session) RequestTrack(ctx context.Context, requester core.UserRef, trackID string) (int, error) {
	track, err := s.catalog.GetTrack(ctx, trackID)
	if err != nil {
		return 0, fmt.Errorf("hydrate track %s: %w", trackID, err)
	}

	s.Join(requester)

	s.requestMu.Lock()
	if !s.seen.AddIfAbsent(track.ID) {
		s.requestMu.Unlock()
		return 0, fmt.Errorf("track %s: %w", track.ID, core.ErrDuplicateRequest)
	}
	position := s.place(ctx, *track, requester)
	tail := s.engine.Len() - 1
	s.requestMu.Unlock()

	s.mirrorAppend(ctx, track.ID, position, tail)

	s.logger.Info("Track requested",
		zap.String("sessionID", s.ID.String()),
		zap.String("trackID", track.ID),
		zap.String("requester", requester.Username),
		zap.Int("position", position))

	return position, nil
}

// place asks the arbiter where the candidate belongs and falls back to a
// tail append when arbitration is disabled, fails or returns an invalid
// instruction.
func (s *Session) place(ctx context.Context, track core.Track, requester core.UserRef) int {
	if s.arbiter == nil {
		return s.engine.Enqueue(track, requester)
	}

	result, err := s.arbiter.Decide(ctx, core.ArbitrationRequest{
		Queue:         s.engine.Summaries(),
		ThemeKeywords: s.Theme(),
		Candidate:     track,
	})
	if err != nil {
		s.logger.Warn("Arbiter unavailable, appending at tail",
			zap.String("trackID", track.ID),
			zap.Error(err))
		return s.engine.Enqueue(track, requester)
	}

	position, err := s.engine.PlaceAndInsert(track, requester, result)
	if err != nil {
		s.logger.Warn("Arbiter instruction rejected, appending at tail",
			zap.String("trackID", track.ID),
			zap.Error(err))
		return s.engine.Enqueue(track, requester)
	}
	return position
}

// mirrorAppend pushes the track to the remote playlist and, when the queue
// placed it off the tail, moves it into position. The tail index is the one
// captured at placement time, not re-read here. Mirror failures are logged,
// not fatal; the queue already holds the truth.
func (s *Session) mirrorAppend(ctx context.Context, trackID string, position, tail int) {
	if _, err := s.catalog.PushTracks(ctx, s.playlist, []string{trackID}); err != nil {
		s.logger.Error("Failed to mirror track to playlist",
			zap.String("trackID", trackID),
			zap.String("playlistID", s.playlist.ID),
			zap.Error(err))
		return
	}

	if position == tail {
		return
	}
	if err := s.catalog.Reorder(ctx, s.playlist, tail, position, 1); err != nil {
		s.logger.Warn("Failed to mirror placement, track sits at playlist tail",
			zap.String("trackID", trackID),
			zap.Int("position", position),
			zap.Error(err))
	}
}

// Vote records or withdraws a vote on the item at position.
func (s *Session) Vote(position int, voter core.UserRef, upvote bool) error {
	s.Join(voter)
	return s.engine.Vote(position, voter.ID, upvote)
}

// RemoveTrack drops the item at position from the queue and lets the track
// be requested again.
func (s *Session) RemoveTrack(ctx context.Context, position int) (core.QueueItem, error) {
	removed, err := s.engine.RemoveAt(position)
	if err != nil {
		return core.QueueItem{}, err
	}
	s.seen.Remove(removed.Track.ID)

	s.logger.Info("Track removed",
		zap.String("sessionID", s.ID.String()),
		zap.String("trackID", removed.Track.ID),
		zap.Int("position", position))

	return removed, nil
}

// Search looks up tracks in the provider catalog using the session's
// credential.
func (s *Session) Search(ctx context.Context, query string) ([]core.Track, error) {
	return s.catalog.SearchTracks(ctx, query)
}

// Queue returns a deep copy of the current queue.
func (s *Session) Queue() []core.QueueItem {
	return s.engine.Snapshot()
}

// QueueLen returns the current queue length.
func (s *Session) QueueLen() int {
	return s.engine.Len()
}

// Join adds a participant; joining twice refreshes the stored snapshot.
func (s *Session) Join(user core.UserRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[user.ID] = user
}

// Leave removes a participant. Their votes stay on the queue.
func (s *Session) Leave(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, userID)
}

// Participants returns a copy of the participant set.
func (s *Session) Participants() []core.UserRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.UserRef, 0, len(s.participants))
	for _, user := range s.participants {
		out = append(out, user)
	}
	return out
}

// Playlist returns the remote playlist this session mirrors to.
func (s *Session) Playlist() core.PlaylistRef {
	return s.playlist
}

// Playback returns the last reported playback state.
func (s *Session) Playback() core.PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// SetPlayback replaces the playback state.
func (s *Session) SetPlayback(state core.PlaybackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playback = state
}

// Theme returns the session's theme keywords.
func (s *Session) Theme() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.theme))
	copy(out, s.theme)
	return out
}

// SetTheme replaces the theme keywords handed to the arbiter.
func (s *Session) SetTheme(keywords []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.theme = make([]string, len(keywords))
	copy(s.theme, keywords)
}
