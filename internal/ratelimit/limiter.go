// Package ratelimit bounds how often each participant can submit track
// requests and votes per session.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window length, fixed at one minute.
	windowDuration = 60 * time.Second
	// cleanupInterval is how often idle participant entries are swept.
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long a participant stays tracked after their
	// last request.
	idleTimeout = 10 * time.Minute
)

// Limiter applies a per-(session, user) sliding window limit. A blocked
// request does not consume budget.
type Limiter struct {
	perMinute int
	mu        sync.RWMutex
	entries   map[string]*windowEntry
	stop      chan struct{}
	stopOnce  sync.Once
}

type windowEntry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New builds a limiter allowing perMinute operations per participant per
// session and starts its background sweeper.
func New(perMinute int) *Limiter {
	l := &Limiter{
		perMinute: perMinute,
		entries:   make(map[string]*windowEntry),
		stop:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the background sweeper.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether the participant may perform another operation in
// the session right now, consuming one slot when allowed.
func (l *Limiter) Allow(sessionID, userID string) bool {
	key := sessionID + ":" + userID
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &windowEntry{timestamps: make([]time.Time, 0, l.perMinute+1)}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= l.perMinute {
		return false
	}
	entry.timestamps = append(entry.timestamps, now)
	return true
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) removeIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Stats is a monitoring snapshot of the limiter.
type Stats struct {
	TrackedParticipants int `json:"tracked_participants"`
	PerMinute           int `json:"per_minute"`
	WindowSeconds       int `json:"window_seconds"`
}

func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		TrackedParticipants: len(l.entries),
		PerMinute:           l.perMinute,
		WindowSeconds:       int(windowDuration.Seconds()),
	}
}
