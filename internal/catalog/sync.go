// Package catalog binds sessions to remote provider playlists and mirrors
// queue changes to them.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"roomdj/internal/core"
	"roomdj/pkg/fuzzy"
)

// ProviderAPI is the narrow provider surface Sync runs on. Implementations
// classify every failure as a *core.CatalogError so retry policy stays in
// one place.
type ProviderAPI interface {
	ListPlaylists(ctx context.Context) ([]core.PlaylistRef, error)
	PlaylistTracks(ctx context.Context, playlistID string) ([]core.Track, error)
	CreatePlaylist(ctx context.Context, name string) (core.PlaylistRef, error)
	AddTracks(ctx context.Context, playlistID string, trackIDs []string) error
	Reorder(ctx context.Context, playlistID string, rangeStart, insertBefore, rangeLength int) error
	SearchTracks(ctx context.Context, query string) ([]core.Track, error)
	GetTrack(ctx context.Context, trackID string) (*core.Track, error)
}

// Sync implements core.CatalogSync on top of a ProviderAPI. Reads are
// retried on transient failures with linear backoff; writes run once so a
// retry can never duplicate playlist content.
type Sync struct {
	api        ProviderAPI
	cfg        core.CatalogConfig
	normalizer *fuzzy.Normalizer
	logger     *zap.Logger
}

func NewSync(api ProviderAPI, cfg core.CatalogConfig, logger *zap.Logger) *Sync {
	if cfg.PushChunkSize <= 0 {
		cfg.PushChunkSize = 100
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &Sync{
		api:        api,
		cfg:        cfg,
		normalizer: fuzzy.NewNormalizer(),
		logger:     logger.Named("catalog"),
	}
}

// ResolveOrCreatePlaylist finds the playlist whose name exactly matches, or
// creates one when none exists. More than one exact match is an error
// surfaced to the caller; picking one silently could bind the session to
// the wrong listener's playlist.
func (s *Sync) ResolveOrCreatePlaylist(ctx context.Context, name string) (core.PlaylistRef, []core.Track, error) {
	var playlists []core.PlaylistRef
	err := s.withRetry(ctx, "list playlists", func() error {
		var listErr error
		playlists, listErr = s.api.ListPlaylists(ctx)
		return listErr
	})
	if err != nil {
		return core.PlaylistRef{}, nil, err
	}

	var matches []core.PlaylistRef
	for _, p := range playlists {
		if p.Name == name {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 0:
		ref, err := s.api.CreatePlaylist(ctx, name)
		if err != nil {
			return core.PlaylistRef{}, nil, err
		}
		s.logger.Info("Playlist created", zap.String("playlistID", ref.ID), zap.String("name", name))
		return ref, nil, nil

	case 1:
		ref := matches[0]
		var tracks []core.Track
		err := s.withRetry(ctx, "hydrate playlist", func() error {
			var hydrateErr error
			tracks, hydrateErr = s.api.PlaylistTracks(ctx, ref.ID)
			return hydrateErr
		})
		if err != nil {
			return core.PlaylistRef{}, nil, err
		}
		s.logger.Info("Playlist resolved",
			zap.String("playlistID", ref.ID),
			zap.String("name", name),
			zap.Int("tracks", len(tracks)))
		return ref, tracks, nil

	default:
		return core.PlaylistRef{}, nil, fmt.Errorf("resolve playlist %q: %w", name, core.ErrAmbiguousPlaylistName)
	}
}

// PushTracks appends trackIDs to the playlist in order, committing in
// chunks. On failure it returns how many IDs were committed so the caller
// can resume from there instead of re-pushing everything.
func (s *Sync) PushTracks(ctx context.Context, ref core.PlaylistRef, trackIDs []string) (int, error) {
	committed := 0
	for committed < len(trackIDs) {
		end := committed + s.cfg.PushChunkSize
		if end > len(trackIDs) {
			end = len(trackIDs)
		}

		if err := s.api.AddTracks(ctx, ref.ID, trackIDs[committed:end]); err != nil {
			s.logger.Error("Track push failed",
				zap.String("playlistID", ref.ID),
				zap.Int("committed", committed),
				zap.Int("total", len(trackIDs)),
				zap.Error(err))
			return committed, err
		}
		committed = end
	}

	if committed > 0 {
		s.logger.Debug("Tracks pushed",
			zap.String("playlistID", ref.ID),
			zap.Int("count", committed))
	}
	return committed, nil
}

// Reorder moves rangeLength tracks starting at rangeStart to sit before
// insertBefore, mirroring a queue reorder to the remote playlist.
func (s *Sync) Reorder(ctx context.Context, ref core.PlaylistRef, rangeStart, insertBefore, rangeLength int) error {
	return s.api.Reorder(ctx, ref.ID, rangeStart, insertBefore, rangeLength)
}

// SearchTracks queries the provider and re-ranks the results by fuzzy
// similarity to the query, so small spelling differences still put the
// intended track first.
func (s *Sync) SearchTracks(ctx context.Context, query string) ([]core.Track, error) {
	var tracks []core.Track
	err := s.withRetry(ctx, "search tracks", func() error {
		var searchErr error
		tracks, searchErr = s.api.SearchTracks(ctx, query)
		return searchErr
	})
	if err != nil {
		return nil, err
	}
	return s.rank(tracks, query), nil
}

// GetTrack hydrates a single track by provider ID.
func (s *Sync) GetTrack(ctx context.Context, trackID string) (*core.Track, error) {
	var track *core.Track
	err := s.withRetry(ctx, "get track", func() error {
		var getErr error
		track, getErr = s.api.GetTrack(ctx, trackID)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (s *Sync) rank(tracks []core.Track, query string) []core.Track {
	normalizedQuery := s.normalizer.NormalizeTitle(query)

	scored := make([]struct {
		track core.Track
		score float64
	}, len(tracks))
	for i, track := range tracks {
		title := s.normalizer.NormalizeTitle(track.Title)
		combined := s.normalizer.NormalizeArtist(track.Artist) + " " + title

		score := 0.7*s.normalizer.CalculateSimilarity(title, normalizedQuery) +
			0.3*s.normalizer.CalculateSimilarity(combined, normalizedQuery)
		if !track.Playable {
			score -= 0.5
		}

		scored[i].track = track
		scored[i].score = score
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	ranked := make([]core.Track, len(scored))
	for i := range scored {
		ranked[i] = scored[i].track
	}
	return ranked
}

// withRetry runs fn up to RetryAttempts times, backing off linearly between
// attempts. Only transient catalog errors are retried.
func (s *Sync) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * s.cfg.RetryBackoff):
			}
		}

		err = fn()
		if err == nil || !core.IsCatalogTransient(err) {
			return err
		}

		s.logger.Warn("Transient catalog failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}
