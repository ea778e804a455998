// Package stackdepot implements stack trace storage and deduplication for race reports.
//
// The depot stores each unique stack once, referenced by a 64-bit hash of
// its program counters. Data clocks keep only the hash of the latest stack
// per thread, so the racing side of a report can still show where the
// earlier access happened.
//
// Design:
//   - Bounded depth (DefaultDepth frames per stack)
//   - Hash-based deduplication (FNV-1a over the program counters)
//   - Bounded LRU storage: old stacks are evicted, their handles then
//     resolve to "unavailable"
//   - Frames of the detector itself are filtered when symbolizing
//
// Usage:
//
//	d, _ := stackdepot.New(4096, 16)
//	h := d.Capture(1)
//	frames := d.Frames(h) // nil if evicted
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultDepth is the number of frames captured when none is configured.
	DefaultDepth = 16

	// DefaultSize is the number of unique stacks kept when none is configured.
	DefaultSize = 4096
)

// DefaultInternal lists the function prefixes stripped from every stack:
// the Go runtime and the detector's own packages.
var DefaultInternal = []string{
	"runtime.",
	"github.com/kolkov/racecore/internal/",
	"github.com/kolkov/racecore/race.",
}

// StackTrace is a captured stack.
type StackTrace struct {
	PC []uintptr
}

// Depot is a bounded, deduplicating stack store. Safe for concurrent use.
type Depot struct {
	cache    *lru.Cache[uint64, *StackTrace]
	depth    int
	internal []string
}

// New creates a depot holding up to size stacks of up to depth frames,
// filtering DefaultInternal.
func New(size, depth int) (*Depot, error) {
	return NewFiltered(size, depth, DefaultInternal...)
}

// NewFiltered is New with an explicit list of internal function prefixes.
func NewFiltered(size, depth int, internal ...string) (*Depot, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	cache, err := lru.New[uint64, *StackTrace](size)
	if err != nil {
		return nil, fmt.Errorf("stackdepot: %w", err)
	}
	return &Depot{cache: cache, depth: depth, internal: internal}, nil
}

// Capture records the caller's stack and returns its handle, or 0 when no
// stack is available. skip counts frames above the caller of Capture.
//
// Performance: dominated by runtime.Callers; deduplicated stacks do not
// allocate a new StackTrace.
func (d *Depot) Capture(skip int) uint64 {
	pcs := make([]uintptr, d.depth)
	// Skip runtime.Callers and Capture itself.
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return 0
	}
	pcs = pcs[:n]

	hash := hashStack(pcs)
	if _, ok := d.cache.Get(hash); !ok {
		d.cache.Add(hash, &StackTrace{PC: pcs})
	}
	return hash
}

// Get returns the stack for hash, or nil if it was never captured or has
// been evicted.
func (d *Depot) Get(hash uint64) *StackTrace {
	if hash == 0 {
		return nil
	}
	st, ok := d.cache.Get(hash)
	if !ok {
		return nil
	}
	return st
}

// Frames symbolizes the stack for hash, innermost first, without internal
// frames. It returns nil when the stack is unavailable.
func (d *Depot) Frames(hash uint64) []string {
	st := d.Get(hash)
	if st == nil {
		return nil
	}
	return d.symbolize(st.PC)
}

// CaptureFrames captures and symbolizes the caller's stack without storing
// it.
func (d *Depot) CaptureFrames(skip int) []string {
	pcs := make([]uintptr, d.depth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	return d.symbolize(pcs[:n])
}

// Len returns the number of stored stacks.
func (d *Depot) Len() int { return d.cache.Len() }

// Purge drops every stored stack.
func (d *Depot) Purge() { d.cache.Purge() }

func (d *Depot) symbolize(pcs []uintptr) []string {
	frames := runtime.CallersFrames(pcs)
	out := make([]string, 0, len(pcs))
	for {
		f, more := frames.Next()
		if f.PC != 0 && !d.isInternal(f.Function) {
			out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

func (d *Depot) isInternal(fn string) bool {
	for _, p := range d.internal {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// hashStack computes the FNV-1a hash of program counters.
func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// FormatFrames renders symbolized frames the way Go's race detector does:
//
//	main.worker()
//	    /path/to/file.go:45
//
// A nil stack renders as unavailable.
func FormatFrames(frames []string) string {
	if frames == nil {
		return "  <unavailable>\n"
	}
	var buf strings.Builder
	for _, f := range frames {
		fn, loc, ok := strings.Cut(f, " (")
		if !ok {
			fmt.Fprintf(&buf, "  %s\n", f)
			continue
		}
		fmt.Fprintf(&buf, "  %s()\n      %s\n", fn, strings.TrimSuffix(loc, ")"))
	}
	return buf.String()
}
