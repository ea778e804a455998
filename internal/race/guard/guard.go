// Package guard provides the lock-free flags and re-entrancy guards the
// detector uses to keep its own bookkeeping from being observed as
// application activity.
//
// A Guard is a single atomic word. Bit 0 is the soft bit; the remaining bits
// count hard holders:
//
//	word = hardCount<<1 | soft
//
// A soft lock marks "this thread is inside a monitored access": nested events
// on the same thread are skipped. A hard lock is held by the reporter while it
// captures stacks and formats evidence, and nests.
package guard

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNotHardLocked is the panic value when UnlockHard is called on a guard
// with no hard holders.
var ErrNotHardLocked = errors.New("guard: unlock of guard that is not hard-locked")

const (
	softBit  = 1
	hardUnit = 2
)

// State is the coarse state of a Guard.
type State uint8

const (
	Available State = iota
	SoftLocked
	HardLocked
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case SoftLocked:
		return "soft"
	case HardLocked:
		return "hard"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Status is a point-in-time view of a Guard. Count is the number of hard
// holders; it is zero unless State is HardLocked.
type Status struct {
	State State
	Count int64
}

// Guard is a soft/hard re-entrancy guard. The zero value is available.
type Guard struct {
	word atomic.Int64
}

// LockSoft sets the soft bit. It is idempotent.
func (g *Guard) LockSoft() {
	for {
		w := g.word.Load()
		if w&softBit != 0 || g.word.CompareAndSwap(w, w|softBit) {
			return
		}
	}
}

// LockSoftIfUnlocked soft-locks the guard only when it is fully available and
// reports whether it did.
//
//go:nosplit
func (g *Guard) LockSoftIfUnlocked() bool {
	return g.word.CompareAndSwap(0, softBit)
}

// UnlockSoft clears the soft bit, leaving hard holders untouched.
func (g *Guard) UnlockSoft() {
	for {
		w := g.word.Load()
		if w&softBit == 0 || g.word.CompareAndSwap(w, w&^softBit) {
			return
		}
	}
}

// LockHard adds a hard holder. Hard locks nest.
func (g *Guard) LockHard() {
	g.word.Add(hardUnit)
}

// UnlockHard removes one hard holder. It panics with ErrNotHardLocked when
// there is none.
func (g *Guard) UnlockHard() {
	for {
		w := g.word.Load()
		if w < hardUnit {
			panic(ErrNotHardLocked)
		}
		if g.word.CompareAndSwap(w, w-hardUnit) {
			return
		}
	}
}

// Status returns the current state. A hard holder dominates the soft bit.
func (g *Guard) Status() Status {
	w := g.word.Load()
	switch {
	case w >= hardUnit:
		return Status{State: HardLocked, Count: w >> 1}
	case w&softBit != 0:
		return Status{State: SoftLocked}
	default:
		return Status{State: Available}
	}
}

// Held reports whether the guard is soft- or hard-locked.
func (g *Guard) Held() bool {
	return g.word.Load() != 0
}

// Flag is an atomic boolean switch. The zero value is released.
type Flag struct {
	v atomic.Bool
}

// Raise sets the flag.
func (f *Flag) Raise() { f.v.Store(true) }

// Release clears the flag.
func (f *Flag) Release() { f.v.Store(false) }

// RaiseIfReleased raises the flag only if it was released and reports
// whether this call raised it.
func (f *Flag) RaiseIfReleased() bool {
	return f.v.CompareAndSwap(false, true)
}

// IsRaised reports whether the flag is raised.
func (f *Flag) IsRaised() bool { return f.v.Load() }
