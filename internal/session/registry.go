package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomdj/internal/core"
	"roomdj/internal/queue"
	"roomdj/internal/store"
)

// CatalogFactory builds a catalog client authenticated as one user.
type CatalogFactory interface {
	ClientFor(ctx context.Context, user core.UserRef) (core.CatalogSync, error)
}

// Registry owns all live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	catalogs CatalogFactory
	arbiter  core.PlacementArbiter
	cfg      core.SessionConfig
	logger   *zap.Logger
}

func NewRegistry(catalogs CatalogFactory, arbiter core.PlacementArbiter, cfg core.SessionConfig, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		catalogs: catalogs,
		arbiter:  arbiter,
		cfg:      cfg,
		logger:   logger.Named("session"),
	}
}

// Create starts a session named name for the initiator. The initiator must
// have a provider connection: their credential backs the session's playlist
// mirror. An existing playlist with the session name is adopted and its
// tracks seed the queue with the initiator as requester.
func (r *Registry) Create(ctx context.Context, name string, initiator core.UserRef, theme []string) (*Session, error) {
	if name == "" {
		return nil, fmt.Errorf("session name must not be empty")
	}

	catalog, err := r.catalogs.ClientFor(ctx, initiator)
	if err != nil {
		return nil, err
	}

	ref, tracks, err := catalog.ResolveOrCreatePlaylist(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("bind playlist for session %q: %w", name, err)
	}

	logger := r.logger.With(zap.String("session", name))
	engine := queue.NewEngine(logger)
	seen := store.NewSeenStore(r.cfg.MaxSeenTracks, r.cfg.BloomFalsePositiveRate)

	seedIDs := make([]string, 0, len(tracks))
	for _, track := range tracks {
		engine.Enqueue(track, initiator)
		seedIDs = append(seedIDs, track.ID)
	}
	seen.Load(seedIDs)

	s := &Session{
		ID:           uuid.New(),
		Name:         name,
		Initiator:    initiator,
		CreatedAt:    time.Now(),
		participants: map[uuid.UUID]core.UserRef{initiator.ID: initiator},
		playlist:     ref,
		engine:       engine,
		seen:         seen,
		catalog:      catalog,
		arbiter:      r.arbiter,
		logger:       logger,
	}
	s.SetTheme(theme)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("Session created",
		zap.String("sessionID", s.ID.String()),
		zap.String("name", name),
		zap.String("initiator", initiator.Username),
		zap.String("playlistID", ref.ID),
		zap.Int("seededTracks", len(tracks)))

	return s, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrSessionNotFound)
	}
	return s, nil
}

// List returns all live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove ends a session. The remote playlist is left in place.
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, core.ErrSessionNotFound)
	}
	delete(r.sessions, id)

	r.logger.Info("Session removed", zap.String("sessionID", id.String()))
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
