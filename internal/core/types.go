package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRef is an immutable snapshot of a user identity. Sessions hold UserRefs
// instead of live directory records; credentials are always fetched through
// the UserDirectory at call time.
type UserRef struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
}

// TokenCredential holds one user's tokens for one provider. At most one live
// credential exists per (user, provider) pair.
type TokenCredential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token is past its expiry. A zero expiry
// means the provider did not report one and the token is assumed live.
func (c TokenCredential) Expired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}

// Track is an immutable catalog track. Created during hydration, read-only
// afterwards.
type Track struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	Duration   time.Duration
	Popularity int
	Playable   bool
	URL        string
}

// QueueItem wraps a track request with its voter set and queue position.
// Positions across a queue are contiguous 0..n-1.
type QueueItem struct {
	Track       Track
	RequestedBy UserRef
	RequestedAt time.Time
	Votes       map[uuid.UUID]struct{}
	Position    int
}

// VoteCount returns the number of distinct voters on this item.
func (qi QueueItem) VoteCount() int {
	return len(qi.Votes)
}

// HasVote reports whether the given user has voted for this item.
func (qi QueueItem) HasVote(userID uuid.UUID) bool {
	_, ok := qi.Votes[userID]
	return ok
}

// Clone returns a deep copy so snapshots never alias the live vote set.
func (qi QueueItem) Clone() QueueItem {
	votes := make(map[uuid.UUID]struct{}, len(qi.Votes))
	for id := range qi.Votes {
		votes[id] = struct{}{}
	}
	out := qi
	out.Votes = votes
	return out
}

// PlaybackState holds the session's playback status.
type PlaybackState struct {
	IsPlaying  bool
	Position   time.Duration
	Volume     int
	RepeatMode string
	Shuffle    bool
}

// PlaylistRef identifies a remote playlist backing a session.
type PlaylistRef struct {
	ID    string
	Name  string
	Owner string
}

// TrackSummary is the per-item view handed to the placement arbiter.
type TrackSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Votes  int    `json:"votes"`
}

// ArbitrationRequest is the queue snapshot sent to the arbiter for a
// placement decision.
type ArbitrationRequest struct {
	Queue         []TrackSummary `json:"queue"`
	ThemeKeywords []string       `json:"theme_keywords,omitempty"`
	Candidate     Track          `json:"-"`
}

// ArbitrationResult is the arbiter's ordering instruction: the full desired
// queue order by track ID, candidate included. The engine treats it as
// untrusted advice and validates it before applying.
type ArbitrationResult struct {
	Order []string
}

// CatalogSync binds a session to a remote playlist and pushes ordering
// changes back to the provider. Implementations are authenticated as one
// user.
type CatalogSync interface {
	ResolveOrCreatePlaylist(ctx context.Context, name string) (PlaylistRef, []Track, error)
	PushTracks(ctx context.Context, ref PlaylistRef, trackIDs []string) (int, error)
	Reorder(ctx context.Context, ref PlaylistRef, rangeStart, insertBefore, rangeLength int) error
	SearchTracks(ctx context.Context, query string) ([]Track, error)
	GetTrack(ctx context.Context, trackID string) (*Track, error)
}

// PlacementArbiter proposes where a candidate track belongs in the queue.
// Advice only: callers validate the result and fall back to tail-append.
type PlacementArbiter interface {
	Decide(ctx context.Context, req ArbitrationRequest) (*ArbitrationResult, error)
}

// UserDirectory is the user identity and credential store.
type UserDirectory interface {
	CreateUser(ctx context.Context, username, displayName string) (*UserRef, error)
	UserByUsername(ctx context.Context, username string) (*UserRef, error)
	UserByID(ctx context.Context, id uuid.UUID) (*UserRef, error)
	AttachCredential(ctx context.Context, userID uuid.UUID, cred TokenCredential) error
	Credential(ctx context.Context, userID uuid.UUID, provider string) (*TokenCredential, error)
}
