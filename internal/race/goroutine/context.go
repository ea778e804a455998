package goroutine

import (
	"sync/atomic"

	"github.com/kolkov/racecore/internal/race/generation"
	"github.com/kolkov/racecore/internal/race/guard"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// Context is the race detection state of a single monitored thread.
//
// The clock, horizon and last access frame are confined to the owning
// thread: only that thread mutates or reads them. Other threads see the
// context through Published, an immutable snapshot swapped atomically, and
// through Guard.
//
// Layout:
//   - TID, Name: identity, fixed for the lifetime of the thread
//   - clock: the thread's vector clock; clock[TID] is the current frame
//   - horizon: every death with generation <= horizon has been retired
//   - lastAccess: own frame at the latest monitored access
//
// Invariant: no tid retired by this context has an entry in clock.
type Context struct {
	TID  int64
	Name string

	// Guard is soft-locked while the thread is inside a monitored access
	// and hard-locked while its race evidence is assembled.
	Guard guard.Guard

	gens       *generation.Registry
	clock      *vectorclock.VectorClock
	horizon    int64
	lastAccess int64

	published atomic.Pointer[Snapshot]
}

// Snapshot is an immutable copy of a thread clock. It is safe to share
// between threads and is what sync vars and join caches hold.
type Snapshot struct {
	TID     int64
	Clock   *vectorclock.VectorClock
	Horizon int64
}

// New creates the context of a freshly started thread.
//
// The clock starts at {tid:1}: frame 0 is reserved for "never observed", so the
// first tick happens at creation.
//
// Example:
//
//	ctx := New(5, "worker", gens)
//	// ctx.Frame() = 1, ctx.Clock() = {5:1}
func New(tid int64, name string, gens *generation.Registry) *Context {
	c := &Context{
		TID:   tid,
		Name:  name,
		gens:  gens,
		clock: vectorclock.New(),
	}
	c.clock.SetFrame(tid, 1)
	return c
}

// Tick advances the thread's own frame by one and returns the new frame.
//
// Called after every outgoing synchronization edge so that accesses before
// and after the edge are distinguishable.
func (c *Context) Tick() int64 {
	return c.clock.Increment(c.TID)
}

// Frame returns the thread's own current frame.
//
//go:nosplit
func (c *Context) Frame() int64 {
	return c.clock.Frame(c.TID)
}

// Seen returns the frame this thread has observed for tid.
func (c *Context) Seen(tid int64) int64 {
	return c.clock.Frame(tid)
}

// Clock returns the live thread clock. Owner only; never retain it.
func (c *Context) Clock() *vectorclock.VectorClock {
	return c.clock
}

// Horizon returns the last retired generation.
func (c *Context) Horizon() int64 {
	return c.horizon
}

// NoteAccess records the current frame as the frame of the latest
// monitored access.
func (c *Context) NoteAccess() {
	c.lastAccess = c.Frame()
}

// LastAccess returns the frame recorded by the latest NoteAccess, or 0.
func (c *Context) LastAccess() int64 {
	return c.lastAccess
}

// Snapshot returns an immutable copy of the clock and horizon.
func (c *Context) Snapshot() *Snapshot {
	return &Snapshot{TID: c.TID, Clock: c.clock.Clone(), Horizon: c.horizon}
}

// Publish stores a fresh snapshot where other threads can read it.
func (c *Context) Publish() *Snapshot {
	s := c.Snapshot()
	c.published.Store(s)
	return s
}

// Published returns the latest published snapshot, or nil before the first
// Publish. Safe from any goroutine.
func (c *Context) Published() *Snapshot {
	return c.published.Load()
}

// Absorb joins another thread's snapshot into this clock.
//
// The horizon is transitive: the snapshot's owner had observed every death
// up to its horizon, so after the join this thread has too. Entries of
// threads retired by either side are not re-imported.
func (c *Context) Absorb(s *Snapshot) {
	if s == nil {
		return
	}
	if s.Horizon > c.horizon {
		c.retireThrough(s.Horizon)
	}
	c.clock.LoadFiltered(s.Clock, c.Retired)
	c.Retire()
}

// Retire advances the horizon over the death log while each dead thread is
// fully observed, dropping its entry from the clock. It stops at the first
// death this thread has not caught up with and returns the number of
// entries removed.
func (c *Context) Retire() int {
	if c.gens == nil {
		return 0
	}
	var dead []int64
	for _, d := range c.gens.Deaths(c.horizon) {
		if d.TID != c.TID {
			if c.clock.Frame(d.TID) < d.LastAccess {
				break
			}
			dead = append(dead, d.TID)
		}
		c.horizon = d.Generation
	}
	return c.clock.RemoveFrames(dead)
}

// retireThrough unconditionally retires every death up to generation h.
func (c *Context) retireThrough(h int64) {
	if c.gens == nil {
		return
	}
	var dead []int64
	for _, d := range c.gens.Deaths(c.horizon) {
		if d.Generation > h {
			break
		}
		if d.TID != c.TID {
			dead = append(dead, d.TID)
		}
	}
	c.clock.RemoveFrames(dead)
	c.horizon = h
}

// Retired reports whether tid is dead and already retired by this thread,
// meaning every access it made happens before the thread's current frame.
func (c *Context) Retired(tid int64) bool {
	if c.gens == nil {
		return false
	}
	d, ok := c.gens.DeathOf(tid)
	return ok && d.Generation <= c.horizon
}

// Observed reports whether the access of tid at frame happens before the
// current frame of this thread.
func (c *Context) Observed(tid, frame int64) bool {
	return c.clock.Frame(tid) >= frame || c.Retired(tid)
}
