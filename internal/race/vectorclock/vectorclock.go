// Package vectorclock implements sparse vector clocks for tracking happens-before relations.
//
// A clock is stored as one flat slice of interleaved (tid, frame) slots kept
// sorted by tid:
//
//	[tid0, frame0, tid1, frame1, ...]
//
// Only the first Size() slots are significant. Anything past that is zero
// padding reserved for in-place growth, so inserting a new thread rarely
// allocates. The layout allows binary search for point lookups and a linear
// two-pointer walk for joins and race checks, with no heap object per entry.
//
// Key operations:
//   - Load / MergeInto / MergeSorted: synchronization (point-wise maximum)
//   - CheckDataRace: the happens-before test run on every monitored access
//   - RemoveFrames: dropping entries of threads that have terminated
//
// A VectorClock is not safe for concurrent use. Thread clocks are confined to
// their owning thread and data clocks are guarded by their datum's lock.
package vectorclock

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
)

// growSlots is the number of slots added when an insert finds the backing
// slice full (four pairs).
const growSlots = 8

// ErrCorrupt reports a clock whose storage violates the sorted-pairs layout.
//
// Operations that detect corruption on the fly panic with an error wrapping
// ErrCorrupt: continuing with a broken clock would silently produce wrong
// causal conclusions.
var ErrCorrupt = errors.New("vectorclock: corrupt clock")

// VectorClock maps thread ids to the last logical frame observed for them.
//
// The zero value is an empty clock ready to use.
type VectorClock struct {
	slots []int64
	size  int
}

// Entry is a single (tid, frame) pair.
type Entry struct {
	TID   int64
	Frame int64
}

// String renders the entry as "frame@tid".
func (e Entry) String() string {
	return strconv.FormatInt(e.Frame, 10) + "@" + strconv.FormatInt(e.TID, 10)
}

// New creates an empty vector clock.
func New() *VectorClock {
	return &VectorClock{}
}

// NewWithCapacity creates an empty clock with room for pairs entries.
func NewWithCapacity(pairs int) *VectorClock {
	return &VectorClock{slots: make([]int64, 2*pairs)}
}

// FromPairs builds a clock from interleaved tid, frame values.
//
// The tids must be strictly increasing and frames must not be negative.
func FromPairs(pairs ...int64) (*VectorClock, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("%w: odd slot count %d", ErrCorrupt, len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		if pairs[i+1] < 0 {
			return nil, fmt.Errorf("%w: negative frame %d for tid %d", ErrCorrupt, pairs[i+1], pairs[i])
		}
		if i > 0 && pairs[i] <= pairs[i-2] {
			return nil, fmt.Errorf("%w: tid %d after %d", ErrCorrupt, pairs[i], pairs[i-2])
		}
	}
	slots := make([]int64, len(pairs))
	copy(slots, pairs)
	return &VectorClock{slots: slots, size: len(pairs)}, nil
}

// MustFromPairs is FromPairs that panics on invalid input.
func MustFromPairs(pairs ...int64) *VectorClock {
	vc, err := FromPairs(pairs...)
	if err != nil {
		panic(err)
	}
	return vc
}

// Size returns the number of significant slots (twice the entry count).
func (vc *VectorClock) Size() int {
	return vc.size
}

// Len returns the number of (tid, frame) entries.
func (vc *VectorClock) Len() int {
	return vc.size / 2
}

// IsEmpty reports whether the clock has no entries.
func (vc *VectorClock) IsEmpty() bool {
	return vc.size == 0
}

// FindTid binary-searches the tid slots.
//
// If tid is present the slot index of the pair (always even) is returned.
// Otherwise the result is -(insertionSlot) - 2, so it is always negative and
// callers recover the insertion pair index as -result/2 - 1.
//
// Search returns the same information without the sign encoding.
func (vc *VectorClock) FindTid(tid int64) int {
	lo, hi := 0, vc.size/2-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		t := vc.slots[2*mid]
		switch {
		case t < tid:
			lo = mid + 1
		case t > tid:
			hi = mid - 1
		default:
			return 2 * mid
		}
	}
	return -(2 * lo) - 2
}

// Position is the decoded result of a tid search.
type Position struct {
	// Slot is the slot index of the pair when Found, otherwise the slot
	// where the pair would be inserted.
	Slot  int
	Found bool
}

// InsertPair returns the pair index corresponding to Slot.
func (p Position) InsertPair() int {
	return p.Slot / 2
}

// Search is FindTid returning a Position instead of a sign-encoded int.
func (vc *VectorClock) Search(tid int64) Position {
	r := vc.FindTid(tid)
	if r >= 0 {
		return Position{Slot: r, Found: true}
	}
	return Position{Slot: -r - 2}
}

// Frame returns the frame recorded for tid, or 0 when tid is absent.
func (vc *VectorClock) Frame(tid int64) int64 {
	r := vc.FindTid(tid)
	if r < 0 {
		return 0
	}
	return vc.slots[r+1]
}

// SetFrame inserts or overwrites the frame for tid.
func (vc *VectorClock) SetFrame(tid, frame int64) {
	r := vc.FindTid(tid)
	if r >= 0 {
		vc.slots[r+1] = frame
		return
	}
	vc.insertAt(-r-2, tid, frame)
}

// Increment advances the frame of tid by one and returns the new value.
// An absent tid is inserted at frame 1.
func (vc *VectorClock) Increment(tid int64) int64 {
	r := vc.FindTid(tid)
	if r >= 0 {
		vc.slots[r+1]++
		return vc.slots[r+1]
	}
	vc.insertAt(-r-2, tid, 1)
	return 1
}

// insertAt shifts the pairs at and after slot one pair to the right and
// writes (tid, frame) into the gap.
func (vc *VectorClock) insertAt(slot int, tid, frame int64) {
	if vc.size+2 > len(vc.slots) {
		grown := make([]int64, len(vc.slots)+growSlots)
		copy(grown, vc.slots[:slot])
		copy(grown[slot+2:], vc.slots[slot:vc.size])
		vc.slots = grown
	} else {
		copy(vc.slots[slot+2:vc.size+2], vc.slots[slot:vc.size])
	}
	vc.slots[slot] = tid
	vc.slots[slot+1] = frame
	vc.size += 2
}

// Load joins src into vc entry by entry: existing tids keep the larger
// frame, missing tids are inserted.
//
// Load is idempotent (vc.Load(vc) leaves vc unchanged) and monotone (no
// frame ever decreases). It suits small sources; MergeInto is linear in
// both clocks and suits bulk joins.
func (vc *VectorClock) Load(src *VectorClock) {
	vc.LoadFiltered(src, nil)
}

// LoadFiltered is Load ignoring every tid for which skip reports true.
// A nil skip loads everything.
func (vc *VectorClock) LoadFiltered(src *VectorClock, skip func(tid int64) bool) {
	if src == nil {
		return
	}
	for i := 0; i < src.size; i += 2 {
		tid, frame := src.slots[i], src.slots[i+1]
		if skip != nil && skip(tid) {
			continue
		}
		r := vc.FindTid(tid)
		if r >= 0 {
			if frame > vc.slots[r+1] {
				vc.slots[r+1] = frame
			}
			continue
		}
		vc.insertAt(-r-2, tid, frame)
	}
}

// MergeSorted returns a new clock holding the point-wise maximum of a and b.
func MergeSorted(a, b *VectorClock) *VectorClock {
	merged := mergeSlots(make([]int64, 0, a.size+b.size), a.slots[:a.size], b.slots[:b.size])
	return &VectorClock{slots: merged, size: len(merged)}
}

// MergeInto joins src into dst with a single linear pass over both clocks.
// dst's backing storage is reused when it is large enough.
func MergeInto(dst, src *VectorClock) {
	if src == nil || src.size == 0 {
		return
	}
	merged := mergeSlots(make([]int64, 0, dst.size+src.size), dst.slots[:dst.size], src.slots[:src.size])
	if len(merged) <= len(dst.slots) {
		copy(dst.slots, merged)
	} else {
		dst.slots = merged
	}
	dst.size = len(merged)
}

// mergeSlots appends the point-wise maximum of the sorted slot lists a and b
// to out. Unsorted input panics with ErrCorrupt.
func mergeSlots(out, a, b []int64) []int64 {
	i, j := 0, 0
	prev := int64(0)
	first := true
	emit := func(tid, frame int64) {
		if !first && tid <= prev {
			panic(fmt.Errorf("%w: tid %d emitted after %d during merge", ErrCorrupt, tid, prev))
		}
		first = false
		prev = tid
		out = append(out, tid, frame)
	}
	for i < len(a) && j < len(b) {
		ta, tb := a[i], b[j]
		switch {
		case ta < tb:
			emit(ta, a[i+1])
			i += 2
		case tb < ta:
			emit(tb, b[j+1])
			j += 2
		default:
			emit(ta, max(a[i+1], b[j+1]))
			i += 2
			j += 2
		}
	}
	for ; i < len(a); i += 2 {
		emit(a[i], a[i+1])
	}
	for ; j < len(b); j += 2 {
		emit(b[j], b[j+1])
	}
	return out
}

// RemoveFrames deletes the entries for the given tids and compacts the
// clock, preserving the order of the remaining pairs. It returns the number
// of entries removed. Tids not present are ignored.
func (vc *VectorClock) RemoveFrames(dead []int64) int {
	if len(dead) == 0 || vc.size == 0 {
		return 0
	}
	if !slices.IsSorted(dead) {
		dead = slices.Sorted(slices.Values(dead))
	}
	w, d, removed := 0, 0, 0
	for r := 0; r < vc.size; r += 2 {
		tid := vc.slots[r]
		for d < len(dead) && dead[d] < tid {
			d++
		}
		if d < len(dead) && dead[d] == tid {
			removed++
			continue
		}
		vc.slots[w] = tid
		vc.slots[w+1] = vc.slots[r+1]
		w += 2
	}
	clear(vc.slots[w:vc.size])
	vc.size = w
	return removed
}

// Same reports whether a and b hold exactly the same (tid, frame) pairs.
// Trailing padding does not matter.
func Same(a, b *VectorClock) bool {
	return a.size == b.size && slices.Equal(a.slots[:a.size], b.slots[:b.size])
}

// Clone returns a deep copy of vc without its padding.
func (vc *VectorClock) Clone() *VectorClock {
	slots := make([]int64, vc.size)
	copy(slots, vc.slots[:vc.size])
	return &VectorClock{slots: slots, size: vc.size}
}

// Reset removes every entry, keeping the storage.
func (vc *VectorClock) Reset() {
	clear(vc.slots[:vc.size])
	vc.size = 0
}

// All iterates the (tid, frame) pairs in ascending tid order.
func (vc *VectorClock) All() iter.Seq2[int64, int64] {
	return func(yield func(int64, int64) bool) {
		for i := 0; i < vc.size; i += 2 {
			if !yield(vc.slots[i], vc.slots[i+1]) {
				return
			}
		}
	}
}

// Pairs returns a copy of the significant slots. The result is never nil.
func (vc *VectorClock) Pairs() []int64 {
	out := make([]int64, vc.size)
	copy(out, vc.slots[:vc.size])
	return out
}

// Entries returns the clock as a slice of entries.
func (vc *VectorClock) Entries() []Entry {
	out := make([]Entry, 0, vc.Len())
	for tid, frame := range vc.All() {
		out = append(out, Entry{TID: tid, Frame: frame})
	}
	return out
}

// Validate checks the storage invariants and returns an error wrapping
// ErrCorrupt when one is violated.
func (vc *VectorClock) Validate() error {
	if vc.size%2 != 0 || vc.size > len(vc.slots) {
		return fmt.Errorf("%w: size %d with %d slots", ErrCorrupt, vc.size, len(vc.slots))
	}
	for i := 0; i < vc.size; i += 2 {
		if vc.slots[i+1] < 0 {
			return fmt.Errorf("%w: negative frame for tid %d", ErrCorrupt, vc.slots[i])
		}
		if i > 0 && vc.slots[i] <= vc.slots[i-2] {
			return fmt.Errorf("%w: tid %d after %d", ErrCorrupt, vc.slots[i], vc.slots[i-2])
		}
	}
	return nil
}

// String returns a debug representation, e.g. "{1:5, 3:2}".
func (vc *VectorClock) String() string {
	if vc.size == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i < vc.size; i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(vc.slots[i], 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(vc.slots[i+1], 10))
	}
	b.WriteByte('}')
	return b.String()
}

// CheckDataRace tests whether the access described by thread (the accessing
// thread's clock) is ordered after every access recorded in data.
//
// For each (tid, frame) in data with tid != self, the access is race-free
// only if thread has observed that frame. A tid missing from thread counts as
// frame 0, so any positive recorded frame for it is a race. The first failing
// tid in ascending order is returned, or -1 when there is no race.
//
//go:nosplit
func CheckDataRace(thread, data *VectorClock, self int64) int64 {
	return CheckDataRaceExcept(thread, data, self, nil)
}

// CheckDataRaceExcept is CheckDataRace where a failing entry is forgiven when
// observed(tid, frame) reports true. The detector uses it for dead threads
// whose entries the accessing thread has already retired.
func CheckDataRaceExcept(thread, data *VectorClock, self int64, observed func(tid, frame int64) bool) int64 {
	j := 0
	for i := 0; i < data.size; i += 2 {
		tid, frame := data.slots[i], data.slots[i+1]
		if tid == self || frame == 0 {
			continue
		}
		for j < thread.size && thread.slots[j] < tid {
			j += 2
		}
		var seen int64
		if j < thread.size && thread.slots[j] == tid {
			seen = thread.slots[j+1]
		}
		if seen >= frame {
			continue
		}
		if observed != nil && observed(tid, frame) {
			continue
		}
		return tid
	}
	return -1
}
