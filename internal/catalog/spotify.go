package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"roomdj/internal/core"
)

const (
	// maxSearchResults caps how many provider hits are ranked per query.
	maxSearchResults = 10
	// pageLimit is the provider page size for playlist listings.
	pageLimit = 50
)

// spotifyAPI implements ProviderAPI against the Spotify Web API,
// authenticated as a single user.
type spotifyAPI struct {
	client *spotify.Client
	logger *zap.Logger

	mu     sync.Mutex
	userID string
}

func newSpotifyAPI(client *spotify.Client, logger *zap.Logger) *spotifyAPI {
	return &spotifyAPI{client: client, logger: logger}
}

func (a *spotifyAPI) ListPlaylists(ctx context.Context) ([]core.PlaylistRef, error) {
	var refs []core.PlaylistRef
	offset := 0

	for {
		page, err := a.client.CurrentUsersPlaylists(ctx, spotify.Limit(pageLimit), spotify.Offset(offset))
		if err != nil {
			return nil, classify("list playlists", err)
		}

		for i := range page.Playlists {
			p := &page.Playlists[i]
			refs = append(refs, core.PlaylistRef{
				ID:    string(p.ID),
				Name:  p.Name,
				Owner: p.Owner.DisplayName,
			})
		}

		if len(page.Playlists) < pageLimit {
			return refs, nil
		}
		offset += pageLimit
	}
}

func (a *spotifyAPI) PlaylistTracks(ctx context.Context, playlistID string) ([]core.Track, error) {
	var tracks []core.Track
	offset := 0

	for {
		items, err := a.client.GetPlaylistItems(ctx, spotify.ID(playlistID),
			spotify.Limit(pageLimit), spotify.Offset(offset))
		if err != nil {
			return nil, classify("playlist tracks", err)
		}

		for i := range items.Items {
			// Episodes and removed items come back with a nil track.
			if items.Items[i].Track.Track == nil {
				continue
			}
			tracks = append(tracks, convertTrack(items.Items[i].Track.Track))
		}

		if len(items.Items) < pageLimit {
			return tracks, nil
		}
		offset += pageLimit
	}
}

func (a *spotifyAPI) CreatePlaylist(ctx context.Context, name string) (core.PlaylistRef, error) {
	userID, err := a.currentUserID(ctx)
	if err != nil {
		return core.PlaylistRef{}, err
	}

	playlist, err := a.client.CreatePlaylistForUser(ctx, userID, name, "Managed listening session", false, false)
	if err != nil {
		return core.PlaylistRef{}, classify("create playlist", err)
	}

	return core.PlaylistRef{
		ID:    string(playlist.ID),
		Name:  playlist.Name,
		Owner: playlist.Owner.DisplayName,
	}, nil
}

func (a *spotifyAPI) AddTracks(ctx context.Context, playlistID string, trackIDs []string) error {
	ids := make([]spotify.ID, len(trackIDs))
	for i, id := range trackIDs {
		ids[i] = spotify.ID(id)
	}

	if _, err := a.client.AddTracksToPlaylist(ctx, spotify.ID(playlistID), ids...); err != nil {
		return classify("add tracks", err)
	}
	return nil
}

func (a *spotifyAPI) Reorder(ctx context.Context, playlistID string, rangeStart, insertBefore, rangeLength int) error {
	_, err := a.client.ReorderPlaylistTracks(ctx, spotify.ID(playlistID), spotify.PlaylistReorderOptions{
		RangeStart:   rangeStart,
		RangeLength:  rangeLength,
		InsertBefore: insertBefore,
	})
	if err != nil {
		return classify("reorder", err)
	}
	return nil
}

func (a *spotifyAPI) SearchTracks(ctx context.Context, query string) ([]core.Track, error) {
	results, err := a.client.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(maxSearchResults))
	if err != nil {
		return nil, classify("search", err)
	}
	if results.Tracks == nil {
		return nil, nil
	}

	tracks := make([]core.Track, 0, len(results.Tracks.Tracks))
	for i := range results.Tracks.Tracks {
		tracks = append(tracks, convertTrack(&results.Tracks.Tracks[i]))
	}
	return tracks, nil
}

func (a *spotifyAPI) GetTrack(ctx context.Context, trackID string) (*core.Track, error) {
	track, err := a.client.GetTrack(ctx, spotify.ID(trackID))
	if err != nil {
		return nil, classify("get track", err)
	}
	converted := convertTrack(track)
	return &converted, nil
}

func (a *spotifyAPI) currentUserID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.userID != "" {
		return a.userID, nil
	}
	user, err := a.client.CurrentUser(ctx)
	if err != nil {
		return "", classify("current user", err)
	}
	a.userID = user.ID
	return a.userID, nil
}

func convertTrack(track *spotify.FullTrack) core.Track {
	var artists []string
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}

	playable := true
	if track.IsPlayable != nil {
		playable = *track.IsPlayable
	}

	return core.Track{
		ID:         string(track.ID),
		Title:      track.Name,
		Artist:     strings.Join(artists, ", "),
		Album:      track.Album.Name,
		Duration:   time.Duration(track.Duration) * time.Millisecond,
		Popularity: int(track.Popularity),
		Playable:   playable,
		URL:        track.ExternalURLs["spotify"],
	}
}

// classify sorts a provider failure into transient (retryable) or permanent.
// Expired or revoked authorization surfaces as ErrUserNotConnected so the
// caller can tell the user to reconnect.
func classify(op string, err error) error {
	var spErr spotify.Error
	if errors.As(err, &spErr) {
		switch {
		case spErr.Status == 401 || spErr.Status == 403:
			return &core.CatalogError{Op: op, StatusCode: spErr.Status, Transient: false,
				Err: fmt.Errorf("%s: %w", spErr.Message, core.ErrUserNotConnected)}
		case spErr.Status == 429 || spErr.Status >= 500:
			return &core.CatalogError{Op: op, StatusCode: spErr.Status, Transient: true, Err: err}
		default:
			return &core.CatalogError{Op: op, StatusCode: spErr.Status, Transient: false, Err: err}
		}
	}
	// No HTTP status means the request never got an answer.
	return &core.CatalogError{Op: op, Transient: true, Err: err}
}

// Factory builds a per-user CatalogSync. It is the single place that checks
// the user actually has a provider connection.
type Factory struct {
	catalog core.CatalogConfig
	auth    core.AuthConfig
	users   core.UserDirectory
	logger  *zap.Logger
}

func NewFactory(catalog core.CatalogConfig, auth core.AuthConfig, users core.UserDirectory, logger *zap.Logger) *Factory {
	return &Factory{catalog: catalog, auth: auth, users: users, logger: logger}
}

// ClientFor returns a CatalogSync authenticated as the given user, or
// ErrUserNotConnected when the user never completed an authorization flow.
// Refreshed tokens are written back to the directory as they are minted.
func (f *Factory) ClientFor(ctx context.Context, user core.UserRef) (core.CatalogSync, error) {
	cred, err := f.users.Credential(ctx, user.ID, f.catalog.Provider)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     f.catalog.ClientID,
		ClientSecret: f.catalog.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.auth.AuthURL,
			TokenURL: f.auth.TokenURL,
		},
	}
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	source := &persistingTokenSource{
		base:     conf.TokenSource(ctx, token),
		users:    f.users,
		userID:   user.ID,
		provider: f.catalog.Provider,
		lastSeen: cred.AccessToken,
		logger:   f.logger,
	}

	httpClient := oauth2.NewClient(ctx, source)
	client := spotify.New(httpClient)

	return NewSync(newSpotifyAPI(client, f.logger), f.catalog, f.logger), nil
}

// persistingTokenSource writes refreshed tokens back to the user directory
// so the next process start does not force a re-authorization.
type persistingTokenSource struct {
	base     oauth2.TokenSource
	users    core.UserDirectory
	userID   uuid.UUID
	provider string
	logger   *zap.Logger

	mu       sync.Mutex
	lastSeen string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken == p.lastSeen {
		return token, nil
	}
	p.lastSeen = token.AccessToken

	cred := core.TokenCredential{
		Provider:     p.provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if err := p.users.AttachCredential(context.Background(), p.userID, cred); err != nil {
		// The session keeps working on the in-memory token either way.
		p.logger.Warn("Failed to persist refreshed token",
			zap.String("userID", p.userID.String()),
			zap.Error(err))
	}
	return token, nil
}
