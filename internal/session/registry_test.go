package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

// fakeCatalog is an in-memory CatalogSync shared by one test session.
type fakeCatalog struct {
	mu        sync.Mutex
	playlist  core.PlaylistRef
	hydrated  []core.Track
	known     map[string]core.Track
	pushed    []string
	reorders  [][3]int
	pushErr   error
	ambiguous bool
}

func (f *fakeCatalog) ResolveOrCreatePlaylist(_ context.Context, name string) (core.PlaylistRef, []core.Track, error) {
	if f.ambiguous {
		return core.PlaylistRef{}, nil, fmt.Errorf("resolve %q: %w", name, core.ErrAmbiguousPlaylistName)
	}
	if f.playlist.ID == "" {
		f.playlist = core.PlaylistRef{ID: "pl-1", Name: name, Owner: "me"}
	}
	return f.playlist, f.hydrated, nil
}

func (f *fakeCatalog) PushTracks(_ context.Context, _ core.PlaylistRef, trackIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return 0, f.pushErr
	}
	f.pushed = append(f.pushed, trackIDs...)
	return len(trackIDs), nil
}

func (f *fakeCatalog) Reorder(_ context.Context, _ core.PlaylistRef, rangeStart, insertBefore, rangeLength int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorders = append(f.reorders, [3]int{rangeStart, insertBefore, rangeLength})
	return nil
}

func (f *fakeCatalog) SearchTracks(context.Context, string) ([]core.Track, error) {
	return nil, nil
}

func (f *fakeCatalog) GetTrack(_ context.Context, trackID string) (*core.Track, error) {
	if track, ok := f.known[trackID]; ok {
		return &track, nil
	}
	return nil, &core.CatalogError{Op: "get track", StatusCode: 404, Err: errors.New("not found")}
}

// fakeFactory hands the same catalog to every connected user.
type fakeFactory struct {
	catalog   *fakeCatalog
	connected map[uuid.UUID]bool
}

func (f *fakeFactory) ClientFor(_ context.Context, user core.UserRef) (core.CatalogSync, error) {
	if !f.connected[user.ID] {
		return nil, fmt.Errorf("user %s: %w", user.Username, core.ErrUserNotConnected)
	}
	return f.catalog, nil
}

// fakeArbiter returns a scripted instruction.
type fakeArbiter struct {
	result *core.ArbitrationResult
	err    error
	calls  int
}

func (f *fakeArbiter) Decide(context.Context, core.ArbitrationRequest) (*core.ArbitrationResult, error) {
	f.calls++
	return f.result, f.err
}

func testUser(name string) core.UserRef {
	return core.UserRef{ID: uuid.New(), Username: name, DisplayName: name}
}

func track(id string) core.Track {
	return core.Track{ID: id, Title: "title-" + id, Artist: "artist-" + id, Playable: true}
}

func testConfig() core.SessionConfig {
	return core.SessionConfig{MaxSeenTracks: 100, BloomFalsePositiveRate: 0.001, RequestsPerMinute: 10}
}

func newFixture(arbiter core.PlacementArbiter, seed ...core.Track) (*Registry, *fakeCatalog, core.UserRef) {
	alice := testUser("alice")
	catalog := &fakeCatalog{
		hydrated: seed,
		known:    make(map[string]core.Track),
	}
	factory := &fakeFactory{catalog: catalog, connected: map[uuid.UUID]bool{alice.ID: true}}
	return NewRegistry(factory, arbiter, testConfig(), zap.NewNop()), catalog, alice
}

func TestRegistry_CreateSeedsFromPlaylist(t *testing.T) {
	reg, _, alice := newFixture(nil, track("t1"), track("t2"))

	s, err := reg.Create(context.Background(), "Friday Night", alice, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	q := s.Queue()
	if len(q) != 2 {
		t.Fatalf("queue length = %d, want 2 seeded tracks", len(q))
	}
	for i, item := range q {
		if item.Position != i {
			t.Errorf("position %d holds item numbered %d", i, item.Position)
		}
		if !item.HasVote(alice.ID) {
			t.Errorf("seeded item %d should carry the initiator's vote", i)
		}
	}

	// Seeded tracks count as already requested.
	if _, err := s.RequestTrack(context.Background(), alice, "t1"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("got %v, want ErrDuplicateRequest for seeded track", err)
	}
}

func TestRegistry_CreateRequiresConnection(t *testing.T) {
	reg, _, _ := newFixture(nil)
	mallory := testUser("mallory")

	if _, err := reg.Create(context.Background(), "Party", mallory, nil); !errors.Is(err, core.ErrUserNotConnected) {
		t.Errorf("got %v, want ErrUserNotConnected", err)
	}
	if reg.Count() != 0 {
		t.Error("failed create must not register a session")
	}
}

func TestRegistry_CreatePropagatesAmbiguousPlaylist(t *testing.T) {
	reg, catalog, alice := newFixture(nil)
	catalog.ambiguous = true

	if _, err := reg.Create(context.Background(), "Party", alice, nil); !errors.Is(err, core.ErrAmbiguousPlaylistName) {
		t.Errorf("got %v, want ErrAmbiguousPlaylistName", err)
	}
}

func TestSession_RequestTrackAppendsWithoutArbiter(t *testing.T) {
	reg, catalog, alice := newFixture(nil)
	catalog.known["t1"] = track("t1")
	catalog.known["t2"] = track("t2")

	s, err := reg.Create(context.Background(), "Party", alice, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	pos, err := s.RequestTrack(context.Background(), alice, "t1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}

	pos, err = s.RequestTrack(context.Background(), alice, "t2")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want tail append at 1", pos)
	}

	if len(catalog.pushed) != 2 || catalog.pushed[0] != "t1" || catalog.pushed[1] != "t2" {
		t.Errorf("mirrored pushes = %v, want [t1 t2]", catalog.pushed)
	}
	if len(catalog.reorders) != 0 {
		t.Errorf("tail appends must not reorder the playlist, got %v", catalog.reorders)
	}
}

func TestSession_RequestTrackRejectsDuplicates(t *testing.T) {
	reg, catalog, alice := newFixture(nil)
	catalog.known["t1"] = track("t1")

	s, _ := reg.Create(context.Background(), "Party", alice, nil)

	if _, err := s.RequestTrack(context.Background(), alice, "t1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := s.RequestTrack(context.Background(), alice, "t1"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("got %v, want ErrDuplicateRequest", err)
	}
	if s.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", s.QueueLen())
	}
}

func TestSession_ConcurrentRequestsSingleWinner(t *testing.T) {
	reg, catalog, alice := newFixture(nil)
	bob := testUser("bob")

	s, err := reg.Create(context.Background(), "Party", alice, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Racing requests for the same fresh track must not both pass the
	// duplicate guard.
	const iterations = 300
	for i := 0; i < iterations; i++ {
		id := fmt.Sprintf("t%d", i)
		catalog.known[id] = track(id)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for _, user := range []core.UserRef{alice, bob} {
			wg.Add(1)
			go func(u core.UserRef) {
				defer wg.Done()
				_, err := s.RequestTrack(context.Background(), u, id)
				results <- err
			}(user)
		}
		wg.Wait()
		close(results)

		var accepted, rejected int
		for err := range results {
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, core.ErrDuplicateRequest):
				rejected++
			default:
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		}
		if accepted != 1 || rejected != 1 {
			t.Fatalf("iteration %d: %d accepted, %d rejected, want exactly one of each", i, accepted, rejected)
		}

		count := 0
		for _, item := range s.Queue() {
			if item.Track.ID == id {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("iteration %d: %s enqueued %d times", i, id, count)
		}
	}

	if got := s.QueueLen(); got != iterations {
		t.Errorf("queue length = %d, want %d", got, iterations)
	}

	// Every accepted request was a tail append whose tail index was
	// captured at placement time, so no mirror reorders may fire even
	// under contention.
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if len(catalog.reorders) != 0 {
		t.Errorf("tail appends issued %d mirror reorders, want 0", len(catalog.reorders))
	}
}

func TestSession_RequestTrackUnknownTrack(t *testing.T) {
	reg, _, alice := newFixture(nil)
	s, _ := reg.Create(context.Background(), "Party", alice, nil)

	if _, err := s.RequestTrack(context.Background(), alice, "ghost"); err == nil {
		t.Error("unknown track should fail hydration")
	}
	if s.QueueLen() != 0 {
		t.Error("failed hydration must not enqueue anything")
	}
}

func TestSession_ArbiterPlacementMirrorsReorder(t *testing.T) {
	arb := &fakeArbiter{}
	reg, catalog, alice := newFixture(arb)
	for _, id := range []string{"t1", "t2", "t3"} {
		catalog.known[id] = track(id)
	}

	s, _ := reg.Create(context.Background(), "Party", alice, nil)
	s.RequestTrack(context.Background(), alice, "t1")
	s.RequestTrack(context.Background(), alice, "t2")

	// Place the third track between the first two.
	arb.result = &core.ArbitrationResult{Order: []string{"t1", "t3", "t2"}}
	catalog.mu.Lock()
	catalog.reorders = nil
	catalog.mu.Unlock()

	pos, err := s.RequestTrack(context.Background(), alice, "t3")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}

	q := s.Queue()
	want := []string{"t1", "t3", "t2"}
	for i, id := range want {
		if q[i].Track.ID != id {
			t.Errorf("queue[%d] = %s, want %s", i, q[i].Track.ID, id)
		}
	}

	// The remote mirror appends at the tail then moves the track up.
	if len(catalog.reorders) != 1 || catalog.reorders[0] != [3]int{2, 1, 1} {
		t.Errorf("reorders = %v, want [[2 1 1]]", catalog.reorders)
	}
}

func TestSession_ArbiterFailureFallsBackToTail(t *testing.T) {
	arb := &fakeArbiter{err: errors.New("model down")}
	reg, catalog, alice := newFixture(arb)
	catalog.known["t1"] = track("t1")

	s, _ := reg.Create(context.Background(), "Party", alice, nil)

	pos, err := s.RequestTrack(context.Background(), alice, "t1")
	if err != nil {
		t.Fatalf("request should survive arbiter failure: %v", err)
	}
	if pos != 0 {
		t.Errorf("position = %d, want tail", pos)
	}
	if arb.calls != 1 {
		t.Errorf("arbiter calls = %d, want 1", arb.calls)
	}
}

func TestSession_InvalidArbiterOrderFallsBackToTail(t *testing.T) {
	arb := &fakeArbiter{result: &core.ArbitrationResult{Order: []string{"ghost"}}}
	reg, catalog, alice := newFixture(arb)
	catalog.known["t1"] = track("t1")
	catalog.known["t2"] = track("t2")

	s, _ := reg.Create(context.Background(), "Party", alice, nil)

	arb.result = &core.ArbitrationResult{Order: []string{"t1"}}
	if _, err := s.RequestTrack(context.Background(), alice, "t1"); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// An instruction that drops a queued track is rejected and the
	// candidate lands at the tail.
	arb.result = &core.ArbitrationResult{Order: []string{"t2"}}
	pos, err := s.RequestTrack(context.Background(), alice, "t2")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want tail append at 1", pos)
	}
}

func TestSession_VoteAndRemoveScenario(t *testing.T) {
	reg, catalog, alice := newFixture(nil)
	catalog.known["t1"] = track("t1")
	bob := testUser("bob")

	s, _ := reg.Create(context.Background(), "Party", alice, nil)
	s.RequestTrack(context.Background(), alice, "t1")

	if err := s.Vote(0, bob, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if got := s.Queue()[0].VoteCount(); got != 2 {
		t.Errorf("votes = %d, want 2", got)
	}

	// Bob is now a participant through voting.
	if got := len(s.Participants()); got != 2 {
		t.Errorf("participants = %d, want 2", got)
	}

	removed, err := s.RemoveTrack(context.Background(), 0)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed.Track.ID != "t1" {
		t.Errorf("removed %s, want t1", removed.Track.ID)
	}

	// A removed track can be requested again.
	if _, err := s.RequestTrack(context.Background(), bob, "t1"); err != nil {
		t.Errorf("re-request after removal failed: %v", err)
	}
}

func TestRegistry_GetListRemove(t *testing.T) {
	reg, _, alice := newFixture(nil)

	s1, _ := reg.Create(context.Background(), "First", alice, nil)
	s2, _ := reg.Create(context.Background(), "Second", alice, nil)

	got, err := reg.Get(s1.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "First" {
		t.Errorf("name = %s, want First", got.Name)
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != s1.ID || list[1].ID != s2.ID {
		t.Errorf("list out of order: %v", list)
	}

	if err := reg.Remove(s1.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := reg.Get(s1.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
	if err := reg.Remove(s1.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("double remove: got %v, want ErrSessionNotFound", err)
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}
}

func TestRegistry_ConcurrentCreateAndLookup(t *testing.T) {
	reg, _, alice := newFixture(nil)

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, err := reg.Create(context.Background(), fmt.Sprintf("room-%d", n), alice, nil)
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			ids <- s.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		if _, err := reg.Get(id); err != nil {
			t.Errorf("lookup %s failed: %v", id, err)
		}
	}
	if reg.Count() != 16 {
		t.Errorf("count = %d, want 16", reg.Count())
	}
}
