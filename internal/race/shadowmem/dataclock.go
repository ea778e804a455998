package shadowmem

import (
	"sync"

	"github.com/kolkov/racecore/internal/race/generation"
	"github.com/kolkov/racecore/internal/race/racelog"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// Evidence is what a data clock remembers about the latest access of one
// thread, so that the racing side of a report can be described after that
// thread has moved on.
type Evidence struct {
	ThreadName string
	Site       racelog.Site
	// StackID is a stackdepot handle, or 0 when no stack was recorded.
	StackID uint64
}

// Observer is the accessing thread as seen by compaction.
type Observer interface {
	// Observed reports whether the access of tid at frame happens before
	// the observer's current frame.
	Observed(tid, frame int64) bool
}

// DataClock stores the access history of one datum: a clock of the last
// read frame of every reader thread and one of the last write frame of every
// writer thread.
//
// All methods except Lock/Unlock require the lock to be held. Thread clocks
// are never locked, so the datum lock is the only lock on the access path.
type DataClock struct {
	mu sync.Mutex

	readers *vectorclock.VectorClock
	writers *vectorclock.VectorClock

	// Generation watermarks: every death at or before the mark has been
	// compacted out of the corresponding clock.
	readGen  int64
	writeGen int64

	readEvidence  map[int64]Evidence
	writeEvidence map[int64]Evidence
}

// NewDataClock returns an empty data clock.
func NewDataClock() *DataClock {
	return &DataClock{
		readers:       vectorclock.New(),
		writers:       vectorclock.New(),
		readEvidence:  map[int64]Evidence{},
		writeEvidence: map[int64]Evidence{},
	}
}

// Lock acquires the datum lock.
func (dc *DataClock) Lock() { dc.mu.Lock() }

// Unlock releases the datum lock.
func (dc *DataClock) Unlock() { dc.mu.Unlock() }

// Readers returns the reader clock.
func (dc *DataClock) Readers() *vectorclock.VectorClock { return dc.readers }

// Writers returns the writer clock.
func (dc *DataClock) Writers() *vectorclock.VectorClock { return dc.writers }

// Clock returns the clock for kind.
func (dc *DataClock) Clock(kind racelog.AccessKind) *vectorclock.VectorClock {
	if kind == racelog.Write {
		return dc.writers
	}
	return dc.readers
}

// Record notes that thread tid accessed the datum at its own frame.
func (dc *DataClock) Record(kind racelog.AccessKind, tid, frame int64, ev Evidence) {
	dc.Clock(kind).SetFrame(tid, frame)
	dc.evidence(kind)[tid] = ev
}

// Evidence returns the evidence recorded with the latest access of tid.
func (dc *DataClock) Evidence(kind racelog.AccessKind, tid int64) (Evidence, bool) {
	ev, ok := dc.evidence(kind)[tid]
	return ev, ok
}

func (dc *DataClock) evidence(kind racelog.AccessKind) map[int64]Evidence {
	if kind == racelog.Write {
		return dc.writeEvidence
	}
	return dc.readEvidence
}

// Compact drops entries of dead threads whose access happens before the
// observer's current access. It must only be called after a race-free
// access by the observer.
//
// Reader entries are compacted on any access. Writer entries are compacted
// only when the access is a write: a later reader is checked against
// writers only, so a write must be recorded before an earlier dominated
// write may be forgotten.
//
// It returns the number of entries removed.
func (dc *DataClock) Compact(access racelog.AccessKind, obs Observer, gens *generation.Registry) int {
	if gens == nil {
		return 0
	}
	n := dc.compact(racelog.Read, &dc.readGen, obs, gens)
	if access == racelog.Write {
		n += dc.compact(racelog.Write, &dc.writeGen, obs, gens)
	}
	return n
}

func (dc *DataClock) compact(kind racelog.AccessKind, mark *int64, obs Observer, gens *generation.Registry) int {
	deaths := gens.Deaths(*mark)
	if len(deaths) == 0 {
		return 0
	}
	vc := dc.Clock(kind)
	ev := dc.evidence(kind)

	var drop []int64
	complete := true
	for _, d := range deaths {
		frame := vc.Frame(d.TID)
		if frame == 0 {
			continue
		}
		if !obs.Observed(d.TID, frame) {
			complete = false
			continue
		}
		drop = append(drop, d.TID)
		delete(ev, d.TID)
	}
	if complete {
		*mark = deaths[len(deaths)-1].Generation
	}
	return vc.RemoveFrames(drop)
}

// Generations returns the reader and writer compaction watermarks.
func (dc *DataClock) Generations() (read, write int64) {
	return dc.readGen, dc.writeGen
}

// String returns a debug representation, e.g. "R:{1:3} W:{2:5}".
func (dc *DataClock) String() string {
	return "R:" + dc.readers.String() + " W:" + dc.writers.String()
}
