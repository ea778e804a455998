package syncshadow

import (
	"sync"

	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// SyncVar is the accumulated clock of one rendezvous point.
//
// Every send joins the sender's snapshot into the clock; every receive
// absorbs the current clock. The clock only grows, so a receiver observes
// every send that completed before its receive:
//
//	Send(t):    S := S ⊔ Ct     then Ct[t]++
//	Receive(t): Ct := Ct ⊔ S    then Ct[t]++
//
// The horizon is the maximum retirement horizon of all merged snapshots.
// It is valid for the joined clock because every contributing thread had
// observed its own horizon.
type SyncVar struct {
	mu           sync.Mutex
	clock        *vectorclock.VectorClock
	horizon      int64
	participants map[int64]struct{}
}

// Merge joins a sender snapshot into the rendezvous clock.
func (sv *SyncVar) Merge(s *goroutine.Snapshot) {
	if s == nil {
		return
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.clock == nil {
		sv.clock = s.Clock.Clone()
	} else {
		vectorclock.MergeInto(sv.clock, s.Clock)
	}
	sv.horizon = max(sv.horizon, s.Horizon)
	if sv.participants == nil {
		sv.participants = map[int64]struct{}{}
	}
	sv.participants[s.TID] = struct{}{}
}

// Snapshot returns an immutable copy of the accumulated clock, or nil if
// nothing was merged yet.
func (sv *SyncVar) Snapshot() *goroutine.Snapshot {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.clock == nil {
		return nil
	}
	return &goroutine.Snapshot{TID: -1, Clock: sv.clock.Clone(), Horizon: sv.horizon}
}

// Participants returns the number of distinct threads that merged into this
// rendezvous.
func (sv *SyncVar) Participants() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.participants)
}

// String returns a debug representation of the accumulated clock.
func (sv *SyncVar) String() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.clock == nil {
		return "<empty>"
	}
	return sv.clock.String()
}
