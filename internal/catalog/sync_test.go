package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

// fakeProvider is a scriptable in-memory ProviderAPI.
type fakeProvider struct {
	playlists []core.PlaylistRef
	tracks    map[string][]core.Track

	created     []string
	addedChunks [][]string
	reorders    [][3]int

	listErr   error
	listFails int
	addFailAt int // fail the Nth AddTracks call (1-based), 0 disables
	addCalls  int

	searchResults []core.Track
}

func (f *fakeProvider) ListPlaylists(context.Context) ([]core.PlaylistRef, error) {
	if f.listFails > 0 {
		f.listFails--
		return nil, f.listErr
	}
	return f.playlists, nil
}

func (f *fakeProvider) PlaylistTracks(_ context.Context, playlistID string) ([]core.Track, error) {
	return f.tracks[playlistID], nil
}

func (f *fakeProvider) CreatePlaylist(_ context.Context, name string) (core.PlaylistRef, error) {
	f.created = append(f.created, name)
	ref := core.PlaylistRef{ID: fmt.Sprintf("pl-%d", len(f.created)), Name: name, Owner: "me"}
	f.playlists = append(f.playlists, ref)
	return ref, nil
}

func (f *fakeProvider) AddTracks(_ context.Context, _ string, trackIDs []string) error {
	f.addCalls++
	if f.addFailAt > 0 && f.addCalls == f.addFailAt {
		return &core.CatalogError{Op: "add tracks", StatusCode: 502, Transient: true,
			Err: errors.New("bad gateway")}
	}
	chunk := make([]string, len(trackIDs))
	copy(chunk, trackIDs)
	f.addedChunks = append(f.addedChunks, chunk)
	return nil
}

func (f *fakeProvider) Reorder(_ context.Context, _ string, rangeStart, insertBefore, rangeLength int) error {
	f.reorders = append(f.reorders, [3]int{rangeStart, insertBefore, rangeLength})
	return nil
}

func (f *fakeProvider) SearchTracks(context.Context, string) ([]core.Track, error) {
	return f.searchResults, nil
}

func (f *fakeProvider) GetTrack(_ context.Context, trackID string) (*core.Track, error) {
	return &core.Track{ID: trackID, Title: "t", Artist: "a", Playable: true}, nil
}

func newTestSync(f *fakeProvider) *Sync {
	return NewSync(f, core.CatalogConfig{
		Provider:      "spotify",
		PushChunkSize: 100,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, zap.NewNop())
}

func TestSync_ResolveCreatesWhenMissing(t *testing.T) {
	f := &fakeProvider{playlists: []core.PlaylistRef{{ID: "pl-x", Name: "Other"}}}
	s := newTestSync(f)

	ref, tracks, err := s.ResolveOrCreatePlaylist(context.Background(), "Friday Night")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ref.Name != "Friday Night" {
		t.Errorf("ref name = %q, want Friday Night", ref.Name)
	}
	if len(tracks) != 0 {
		t.Errorf("new playlist should hydrate empty, got %d tracks", len(tracks))
	}
	if len(f.created) != 1 {
		t.Errorf("created %d playlists, want 1", len(f.created))
	}
}

func TestSync_ResolveReusesExisting(t *testing.T) {
	f := &fakeProvider{
		playlists: []core.PlaylistRef{{ID: "pl-1", Name: "Friday Night"}},
		tracks: map[string][]core.Track{
			"pl-1": {{ID: "t1"}, {ID: "t2"}},
		},
	}
	s := newTestSync(f)

	ref, tracks, err := s.ResolveOrCreatePlaylist(context.Background(), "Friday Night")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ref.ID != "pl-1" {
		t.Errorf("ref ID = %s, want pl-1", ref.ID)
	}
	if len(tracks) != 2 {
		t.Errorf("hydrated %d tracks, want 2", len(tracks))
	}
	if len(f.created) != 0 {
		t.Errorf("resolve must not create when a match exists, created %d", len(f.created))
	}
}

func TestSync_ResolveAmbiguousName(t *testing.T) {
	f := &fakeProvider{playlists: []core.PlaylistRef{
		{ID: "pl-1", Name: "Friday Night"},
		{ID: "pl-2", Name: "Friday Night"},
	}}
	s := newTestSync(f)

	_, _, err := s.ResolveOrCreatePlaylist(context.Background(), "Friday Night")
	if !errors.Is(err, core.ErrAmbiguousPlaylistName) {
		t.Errorf("got %v, want ErrAmbiguousPlaylistName", err)
	}
	if len(f.created) != 0 {
		t.Error("ambiguous resolve must not create a playlist")
	}
}

func TestSync_ResolveRetriesTransientListFailure(t *testing.T) {
	f := &fakeProvider{
		playlists: []core.PlaylistRef{{ID: "pl-1", Name: "Friday Night"}},
		tracks:    map[string][]core.Track{"pl-1": nil},
		listErr: &core.CatalogError{Op: "list playlists", StatusCode: 503, Transient: true,
			Err: errors.New("unavailable")},
		listFails: 2,
	}
	s := newTestSync(f)

	ref, _, err := s.ResolveOrCreatePlaylist(context.Background(), "Friday Night")
	if err != nil {
		t.Fatalf("resolve should succeed after retries: %v", err)
	}
	if ref.ID != "pl-1" {
		t.Errorf("ref ID = %s, want pl-1", ref.ID)
	}
}

func TestSync_PushTracksChunks(t *testing.T) {
	f := &fakeProvider{}
	s := newTestSync(f)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%03d", i)
	}

	committed, err := s.PushTracks(context.Background(), core.PlaylistRef{ID: "pl-1"}, ids)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if committed != 250 {
		t.Errorf("committed = %d, want 250", committed)
	}

	wantSizes := []int{100, 100, 50}
	if len(f.addedChunks) != len(wantSizes) {
		t.Fatalf("pushed %d chunks, want %d", len(f.addedChunks), len(wantSizes))
	}
	for i, size := range wantSizes {
		if len(f.addedChunks[i]) != size {
			t.Errorf("chunk %d size = %d, want %d", i, len(f.addedChunks[i]), size)
		}
	}

	// Order must be preserved across chunk boundaries.
	if f.addedChunks[0][0] != "t000" || f.addedChunks[1][0] != "t100" || f.addedChunks[2][49] != "t249" {
		t.Error("chunk contents out of order")
	}
}

func TestSync_PushTracksReportsProgressOnFailure(t *testing.T) {
	f := &fakeProvider{addFailAt: 2}
	s := newTestSync(f)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%03d", i)
	}

	committed, err := s.PushTracks(context.Background(), core.PlaylistRef{ID: "pl-1"}, ids)
	if err == nil {
		t.Fatal("push should fail on second chunk")
	}
	if committed != 100 {
		t.Errorf("committed = %d, want 100 (first chunk only)", committed)
	}

	// Resuming from the committed offset pushes only the remainder.
	f.addFailAt = 0
	resumed, err := s.PushTracks(context.Background(), core.PlaylistRef{ID: "pl-1"}, ids[committed:])
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed != 150 {
		t.Errorf("resumed = %d, want 150", resumed)
	}
}

func TestSync_PushTracksEmpty(t *testing.T) {
	f := &fakeProvider{}
	s := newTestSync(f)

	committed, err := s.PushTracks(context.Background(), core.PlaylistRef{ID: "pl-1"}, nil)
	if err != nil {
		t.Fatalf("empty push failed: %v", err)
	}
	if committed != 0 || len(f.addedChunks) != 0 {
		t.Error("empty push must not touch the provider")
	}
}

func TestSync_ReorderPassthrough(t *testing.T) {
	f := &fakeProvider{}
	s := newTestSync(f)

	if err := s.Reorder(context.Background(), core.PlaylistRef{ID: "pl-1"}, 4, 1, 1); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if len(f.reorders) != 1 || f.reorders[0] != [3]int{4, 1, 1} {
		t.Errorf("reorders = %v, want [[4 1 1]]", f.reorders)
	}
}

func TestSync_SearchRanksByQuerySimilarity(t *testing.T) {
	f := &fakeProvider{searchResults: []core.Track{
		{ID: "t1", Title: "Completely Different Song", Artist: "Someone", Playable: true},
		{ID: "t2", Title: "Bohemian Rhapsody", Artist: "Queen", Playable: true},
	}}
	s := newTestSync(f)

	tracks, err := s.SearchTracks(context.Background(), "bohemian rhapsody")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if tracks[0].ID != "t2" {
		t.Errorf("best match = %s, want t2", tracks[0].ID)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"network", errors.New("connection refused"), true},
		{"rate limited", spotify.Error{Message: "too many requests", Status: 429}, true},
		{"server error", spotify.Error{Message: "oops", Status: 502}, true},
		{"bad request", spotify.Error{Message: "bad id", Status: 400}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if core.IsCatalogTransient(got) != tt.wantTransient {
				t.Errorf("transient = %v, want %v", !tt.wantTransient, tt.wantTransient)
			}
		})
	}
}

func TestClassify_RevokedAuthorization(t *testing.T) {
	got := classify("op", spotify.Error{Message: "token expired", Status: 401})
	if core.IsCatalogTransient(got) {
		t.Error("revoked authorization must not be retried")
	}
	if !errors.Is(got, core.ErrUserNotConnected) {
		t.Errorf("got %v, want wrapped ErrUserNotConnected", got)
	}
}
