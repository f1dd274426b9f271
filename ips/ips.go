// Package ips scores peer behavior and decides which nodes to quarantine.
//
// It is a pure state machine over ratings, an isolation set, and a log of
// messages whose forwarding is still unproven. Graph surgery and isolation
// announcements are performed by the protocol engine on the values Tick
// reports.
package ips

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lisp3r/SimpleMeshModel/message"
)

const (
	// MaxRating gates credit: a rating above it takes no further deltas.
	// The last accepted delta may carry a rating past it (10 + 1 = 11).
	MaxRating = 10

	// RatingToIsolate is the threshold at or below which a peer is
	// quarantined.
	RatingToIsolate = -10

	// pendingMaxAge is how many ticks a pending-forward entry may stay
	// unproven before the expected relay is penalized.
	pendingMaxAge = 2

	// missedForwardPenalty is applied to a relay that never forwarded.
	missedForwardPenalty = -2
)

// pendingForward tracks a CUSTOM message we originated whose first hop has
// not yet been overheard.
type pendingForward struct {
	fp      message.Fingerprint
	nextHop string
	age     int
}

// Table is the reputation table.
type Table struct {
	mu       sync.Mutex
	log      *logrus.Entry
	ratings  map[string]int
	isolated map[string]bool
	pending  []pendingForward
}

// New creates an empty reputation table.
func New(log *logrus.Entry) *Table {
	return &Table{
		log:      log,
		ratings:  make(map[string]int),
		isolated: make(map[string]bool),
	}
}

// Rating returns the current rating of a peer (zero if never scored).
func (t *Table) Rating(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ratings[name]
}

// IsIsolated reports whether the peer is quarantined.
func (t *Table) IsIsolated(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isolated[name]
}

// Isolated returns the quarantined names.
func (t *Table) Isolated() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.isolated))
	for name := range t.isolated {
		out = append(out, name)
	}
	return out
}

// ChangeRating applies a rating delta. Quarantined peers are immune to
// implicit changes, so a quarantine set here is never lifted here either:
// the check that lifts it on a positive rating cannot fire for a peer
// that is already quarantined. Crossing the isolation threshold
// quarantines the peer.
func (t *Table) ChangeRating(name string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changeRating(name, delta)
}

func (t *Table) changeRating(name string, delta int) {
	if t.isolated[name] {
		return
	}
	if t.ratings[name] <= MaxRating {
		t.ratings[name] += delta
	}
	if t.ratings[name] <= RatingToIsolate {
		t.isolated[name] = true
		t.log.WithFields(logrus.Fields{"peer": name, "rating": t.ratings[name]}).
			Warn("peer crossed isolation threshold")
	}
	if t.ratings[name] > 0 && t.isolated[name] {
		delete(t.isolated, name)
		t.log.WithField("peer", name).Info("peer reintegrated")
	}
}

// Isolate quarantines a peer outright by driving its rating to the
// threshold. Used when a single observation is disqualifying.
func (t *Table) Isolate(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isolated[name] {
		return
	}
	// Reset first: the MaxRating guard would refuse the delta for a peer
	// rated above MaxRating.
	t.ratings[name] = 0
	t.changeRating(name, RatingToIsolate)
}

// RegisterPending records an originated message whose first hop must prove
// it forwarded.
func (t *Table) RegisterPending(fp message.Fingerprint, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, pendingForward{fp: fp, nextHop: nextHop})
}

// ConfirmForward removes the pending entry matching the fingerprint, and
// reports whether one existed.
func (t *Table) ConfirmForward(fp message.Fingerprint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p.fp == fp {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// PendingCount returns the number of unproven forwards.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Tick ages the pending-forward log. Entries that stay unproven for
// pendingMaxAge ticks penalize their expected relay and are dropped.
// It returns the currently quarantined names so the engine can evict them
// from the graph and announce the quarantine.
func (t *Table) Tick() (isolated []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.pending[:0]
	for _, p := range t.pending {
		p.age++
		if p.age >= pendingMaxAge {
			t.log.WithFields(logrus.Fields{"relay": p.nextHop, "dest": p.fp.Dest}).
				Info("expected relay never forwarded")
			t.changeRating(p.nextHop, missedForwardPenalty)
			continue
		}
		kept = append(kept, p)
	}
	t.pending = kept

	isolated = make([]string, 0, len(t.isolated))
	for name := range t.isolated {
		isolated = append(isolated, name)
	}
	return isolated
}
