// Package queue maintains the ordered, vote-weighted track queue for one
// session. Positions stay contiguous 0..n-1 after every mutation.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

// Engine serializes all mutations of one session's queue behind a single
// mutex. Snapshot returns deep copies so readers never observe a mutation in
// flight.
type Engine struct {
	mu     sync.RWMutex
	items  []core.QueueItem
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Enqueue appends a new item with the requester as its first voter and
// returns the assigned position. Never fails for a well-formed track.
func (e *Engine) Enqueue(track core.Track, requester core.UserRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := newItem(track, requester, len(e.items))
	e.items = append(e.items, item)

	e.logger.Debug("Track enqueued",
		zap.String("trackID", track.ID),
		zap.String("requester", requester.Username),
		zap.Int("position", item.Position))

	return item.Position
}

// Vote adds or removes a voter on the item at position. Both directions are
// idempotent: a repeated upvote and a downvote for an absent voter are
// no-ops.
func (e *Engine) Vote(position int, voter uuid.UUID, upvote bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if position < 0 || position >= len(e.items) {
		return fmt.Errorf("vote at %d: %w", position, core.ErrOutOfRange)
	}

	if upvote {
		e.items[position].Votes[voter] = struct{}{}
	} else {
		delete(e.items[position].Votes, voter)
	}

	return nil
}

// RemoveAt removes the item at position and renumbers the remainder so
// positions stay contiguous. Removing the last item yields an empty queue,
// which is a valid terminal state.
func (e *Engine) RemoveAt(position int) (core.QueueItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if position < 0 || position >= len(e.items) {
		return core.QueueItem{}, fmt.Errorf("remove at %d: %w", position, core.ErrOutOfRange)
	}

	removed := e.items[position]
	e.items = append(e.items[:position], e.items[position+1:]...)
	e.renumber()

	return removed, nil
}

// PlaceAndInsert validates the arbiter's ordering instruction and, if sound,
// inserts the candidate at the decided index in a single atomic step. A
// rejected instruction leaves the queue untouched and returns an
// ArbiterRejectedError; callers fall back to Enqueue.
func (e *Engine) PlaceAndInsert(candidate core.Track, requester core.UserRef,
	result *core.ArbitrationResult) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if result == nil {
		return 0, &core.ArbiterRejectedError{Reason: "empty result"}
	}

	byID := make(map[string]*core.QueueItem, len(e.items))
	for i := range e.items {
		id := e.items[i].Track.ID
		if _, dup := byID[id]; dup {
			// Duplicate track IDs cannot be addressed unambiguously by an
			// ID-based ordering instruction.
			return 0, &core.ArbiterRejectedError{Reason: "queue contains duplicate track ids"}
		}
		byID[id] = &e.items[i]
	}

	candidateIndex, err := validateOrder(result.Order, byID, candidate.ID)
	if err != nil {
		return 0, err
	}

	newItem := newItem(candidate, requester, 0)
	reordered := make([]core.QueueItem, 0, len(e.items)+1)
	for _, id := range result.Order {
		if id == candidate.ID {
			reordered = append(reordered, newItem)
			continue
		}
		reordered = append(reordered, *byID[id])
	}

	e.items = reordered
	e.renumber()

	e.logger.Info("Arbiter placement applied",
		zap.String("trackID", candidate.ID),
		zap.Int("position", candidateIndex),
		zap.Int("queueLength", len(e.items)))

	return candidateIndex, nil
}

// Snapshot returns a deep copy of the queue in position order.
func (e *Engine) Snapshot() []core.QueueItem {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]core.QueueItem, len(e.items))
	for i := range e.items {
		out[i] = e.items[i].Clone()
	}
	return out
}

// Summaries returns the compact per-item view sent to the arbiter.
func (e *Engine) Summaries() []core.TrackSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]core.TrackSummary, len(e.items))
	for i := range e.items {
		out[i] = core.TrackSummary{
			ID:     e.items[i].Track.ID,
			Title:  e.items[i].Track.Title,
			Artist: e.items[i].Track.Artist,
			Votes:  e.items[i].VoteCount(),
		}
	}
	return out
}

// Len returns the current queue length.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.items)
}

// renumber restores the contiguous 0..n-1 position invariant. Caller holds
// the write lock.
func (e *Engine) renumber() {
	for i := range e.items {
		e.items[i].Position = i
	}
}

// validateOrder checks an ordering instruction against the current queue:
// every referenced ID must be queued or be the candidate, no ID may repeat,
// and no queued ID may be omitted. Returns the candidate's index in the
// proposed order.
func validateOrder(order []string, byID map[string]*core.QueueItem, candidateID string) (int, error) {
	if len(order) != len(byID)+1 {
		return 0, &core.ArbiterRejectedError{
			Reason: fmt.Sprintf("order lists %d tracks, queue holds %d plus candidate", len(order), len(byID)),
		}
	}

	seen := make(map[string]struct{}, len(order))
	candidateIndex := -1
	for i, id := range order {
		if _, dup := seen[id]; dup {
			return 0, &core.ArbiterRejectedError{Reason: fmt.Sprintf("duplicate track id %s", id)}
		}
		seen[id] = struct{}{}

		if id == candidateID {
			candidateIndex = i
			continue
		}
		if _, known := byID[id]; !known {
			return 0, &core.ArbiterRejectedError{Reason: fmt.Sprintf("unknown track id %s", id)}
		}
	}

	if candidateIndex < 0 {
		return 0, &core.ArbiterRejectedError{Reason: "candidate missing from order"}
	}

	return candidateIndex, nil
}

func newItem(track core.Track, requester core.UserRef, position int) core.QueueItem {
	return core.QueueItem{
		Track:       track,
		RequestedBy: requester,
		RequestedAt: time.Now(),
		Votes:       map[uuid.UUID]struct{}{requester.ID: {}},
		Position:    position,
	}
}
