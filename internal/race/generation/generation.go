// Package generation tracks thread deaths as a monotonic sequence of
// generations.
//
// Every time a monitored thread terminates the registry bumps a global
// generation counter and appends the dead tid to an append-only log. Clocks
// that remember a generation watermark can then ask "who died since I last
// looked?" and drop stale entries with vectorclock.RemoveFrames.
//
// Readers (Generation, Diff, Deaths, DeathOf) never block: the log is
// published through an atomic pointer and only ever grows. Writers
// (ThreadDied, ThreadDiedAt) serialize on a mutex.
package generation

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
)

// UnknownFrame is the LastAccess recorded when a thread's final monitored
// frame is not known. No clock can observe it, so such deaths are never
// retired from a thread's clock.
const UnknownFrame int64 = math.MaxInt64

// ErrAlreadyDead is returned by ThreadDiedAt when the tid already has a death
// record.
var ErrAlreadyDead = errors.New("generation: thread already dead")

// Death is one entry of the death log.
type Death struct {
	TID        int64
	Generation int64
	// LastAccess is the dead thread's own frame at its last monitored
	// access. A clock that has observed at least this frame for TID has seen
	// everything the thread ever did to shared data.
	LastAccess int64
}

// deathLog is an immutable view of the log. Each writer publishes a new
// header that shares the backing array with the previous one.
type deathLog struct {
	deaths []Death
	byTID  map[int64]int
}

// Registry is the process-wide generation counter and death log.
//
// The zero value is not usable; call NewRegistry.
type Registry struct {
	gen atomic.Int64
	log atomic.Pointer[deathLog]

	mu sync.Mutex
}

// NewRegistry returns an empty registry at generation 0.
func NewRegistry() *Registry {
	r := &Registry{}
	r.log.Store(&deathLog{byTID: map[int64]int{}})
	return r
}

// Generation returns the current generation. It only ever increases.
func (r *Registry) Generation() int64 {
	return r.gen.Load()
}

// ThreadDied records the death of tid with an unknown last access frame and
// returns the generation it died at.
//
// Repeated deaths of the same tid are ignored and report the original
// generation.
func (r *Registry) ThreadDied(tid int64) int64 {
	g, err := r.ThreadDiedAt(tid, UnknownFrame)
	if err != nil {
		d, _ := r.DeathOf(tid)
		return d.Generation
	}
	return g
}

// ThreadDiedAt records the death of tid whose last monitored access happened
// at its own frame lastAccess. It returns the new generation.
func (r *Registry) ThreadDiedAt(tid, lastAccess int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.log.Load()
	if _, dup := cur.byTID[tid]; dup {
		return 0, fmt.Errorf("%w: tid %d", ErrAlreadyDead, tid)
	}

	g := r.gen.Load() + 1
	deaths := append(cur.deaths, Death{TID: tid, Generation: g, LastAccess: lastAccess})

	// Readers holding the old header must never see index changes, so the
	// tid index is copied. Deaths are rare compared with accesses.
	byTID := make(map[int64]int, len(cur.byTID)+1)
	for k, v := range cur.byTID {
		byTID[k] = v
	}
	byTID[tid] = len(deaths) - 1

	r.log.Store(&deathLog{deaths: deaths, byTID: byTID})
	r.gen.Store(g)
	return g, nil
}

// Diff returns the tids that died at a generation strictly greater than
// since, sorted ascending by tid. The result is ready for RemoveFrames.
func (r *Registry) Diff(since int64) []int64 {
	deaths := r.after(since)
	if len(deaths) == 0 {
		return nil
	}
	tids := make([]int64, len(deaths))
	for i, d := range deaths {
		tids[i] = d.TID
	}
	slices.Sort(tids)
	return tids
}

// Deaths returns the deaths with generation > since in generation order.
// Callers must not modify the returned slice.
func (r *Registry) Deaths(since int64) []Death {
	return r.after(since)
}

// DeathOf returns the death record of tid, if it has died.
func (r *Registry) DeathOf(tid int64) (Death, bool) {
	l := r.log.Load()
	i, ok := l.byTID[tid]
	if !ok {
		return Death{}, false
	}
	return l.deaths[i], true
}

// Dead reports whether tid has died at or before generation gen.
func (r *Registry) Dead(tid, gen int64) bool {
	d, ok := r.DeathOf(tid)
	return ok && d.Generation <= gen
}

// after returns the log suffix past since. Generation g lives at index g-1.
func (r *Registry) after(since int64) []Death {
	l := r.log.Load()
	if since < 0 {
		since = 0
	}
	if since >= int64(len(l.deaths)) {
		return nil
	}
	return l.deaths[since:len(l.deaths):len(l.deaths)]
}
