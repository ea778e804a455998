package detector

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kolkov/racecore/internal/race/generation"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/metrics"
	"github.com/kolkov/racecore/internal/race/racelog"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/stackdepot"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// Skip reasons reported to metrics.
const (
	skipGuard   = "guard"
	skipSampled = "sampled"
)

// Options configures a Detector. Zero fields get working defaults.
type Options struct {
	// Table holds the data clocks. A fresh table is used when nil.
	Table *shadowmem.Table

	// Generations is the death registry used for compaction and for
	// forgiving entries of retired threads. Without it dead-thread entries
	// are never compacted.
	Generations *generation.Registry

	// Stacks captures stacks for reports. Without it every stack is
	// recorded as unavailable.
	Stacks *stackdepot.Depot

	// HistoryStacks stores a stack handle with every access so the racing
	// side of a report carries a stack. Requires Stacks.
	HistoryStacks bool

	Sampler SamplerConfig

	// Reporter receives every unique race. Races are still counted when nil.
	Reporter *Reporter

	// DedupSize bounds the set of race keys already reported; 0 disables
	// deduplication.
	DedupSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now stamps records. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of detector counters.
type Stats struct {
	Accesses   uint64 // Accesses checked.
	Skipped    uint64 // Accesses dropped by the guard or the sampler.
	Races      uint64 // Races detected, duplicates included.
	Duplicates uint64 // Races suppressed by deduplication.
	Compacted  uint64 // Dead-thread entries removed from data clocks.
}

// Detector decides on every monitored access whether it races with an
// earlier access of another thread.
//
// Access state machine:
//
//	IDLE → ACCESS_OBSERVED → RACE_FOUND → REPORTING → IDLE
//	                       → NO_RACE → IDLE
//
// A read is checked against the datum's writers, a write against its
// writers and then its readers. The access is recorded whatever the outcome,
// so the next access sees it.
//
// Thread Safety: OnAccess may be called concurrently for distinct threads.
// A given thread context must only be used by its own thread.
type Detector struct {
	table   *shadowmem.Table
	gens    *generation.Registry
	stacks  *stackdepot.Depot
	history bool
	sampler *Sampler
	rep     *Reporter
	seen    *lru.Cache[string, struct{}]
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	accesses   atomic.Uint64
	skipped    atomic.Uint64
	races      atomic.Uint64
	duplicates atomic.Uint64
	compacted  atomic.Uint64
}

// New creates a detector.
func New(opts Options) (*Detector, error) {
	d := &Detector{
		table:   opts.Table,
		gens:    opts.Generations,
		stacks:  opts.Stacks,
		history: opts.HistoryStacks && opts.Stacks != nil,
		sampler: NewSampler(opts.Sampler),
		rep:     opts.Reporter,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if d.table == nil {
		d.table = shadowmem.NewTable()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "detector")
	if d.now == nil {
		d.now = time.Now
	}
	if opts.DedupSize > 0 {
		seen, err := lru.New[string, struct{}](opts.DedupSize)
		if err != nil {
			return nil, fmt.Errorf("detector: dedup cache: %w", err)
		}
		d.seen = seen
	}
	return d, nil
}

// Table returns the data clock table.
func (d *Detector) Table() *shadowmem.Table { return d.table }

// Sampler returns the access sampler.
func (d *Detector) Sampler() *Sampler { return d.sampler }

// OnAccess handles one monitored access by thread ctx and reports whether
// it raced.
//
// The access is skipped, and false returned, while the thread's guard is
// held: the detector's own work never observes itself.
func (d *Detector) OnAccess(ctx *goroutine.Context, datum shadowmem.Datum, kind racelog.AccessKind, site racelog.Site) bool {
	return d.access(ctx, datum, "", kind, site)
}

// OnCall handles a call of method on a foreign object. All methods of one
// object share its data clock; the method only names the target of a report.
func (d *Detector) OnCall(ctx *goroutine.Context, datum shadowmem.Datum, method string, kind racelog.AccessKind, site racelog.Site) bool {
	return d.access(ctx, datum, method, kind, site)
}

func (d *Detector) access(ctx *goroutine.Context, datum shadowmem.Datum, method string, kind racelog.AccessKind, site racelog.Site) bool {
	if !ctx.Guard.LockSoftIfUnlocked() {
		d.skip(skipGuard)
		return false
	}
	defer ctx.Guard.UnlockSoft()

	if !d.sampler.ShouldSample() {
		d.skip(skipSampled)
		return false
	}
	d.accesses.Add(1)
	d.metrics.Access(kind.String())

	var stackID uint64
	if d.history {
		stackID = d.stacks.Capture(1)
	}

	dc := d.table.GetOrCreate(datum)
	dc.Lock()

	racing, racingKind := d.check(ctx, dc, kind)

	var (
		clocks   *racelog.ClockSnapshot
		evidence shadowmem.Evidence
	)
	if racing >= 0 {
		clocks = &racelog.ClockSnapshot{
			Thread:  ctx.Clock().Pairs(),
			Readers: dc.Readers().Pairs(),
			Writers: dc.Writers().Pairs(),
		}
		evidence, _ = dc.Evidence(racingKind, racing)
	}

	dc.Record(kind, ctx.TID, ctx.Frame(), shadowmem.Evidence{
		ThreadName: ctx.Name,
		Site:       site,
		StackID:    stackID,
	})
	ctx.NoteAccess()

	if racing < 0 {
		if n := dc.Compact(kind, ctx, d.gens); n > 0 {
			d.compacted.Add(uint64(n))
			d.metrics.Compact(n)
		}
	}
	dc.Unlock()

	if racing < 0 {
		return false
	}

	ctx.Guard.LockHard()
	defer ctx.Guard.UnlockHard()

	rec := &racelog.Record{
		ID:        uuid.New(),
		Target:    datum.Kind,
		Timestamp: d.now(),
		Current: racelog.Access{
			Kind:       kind,
			ThreadID:   ctx.TID,
			ThreadName: ctx.Name,
			Site:       site,
			Stack:      d.captureStack(),
			Clocks:     clocks,
		},
		Racing: racelog.Access{
			Kind:       racingKind,
			ThreadID:   racing,
			ThreadName: evidence.ThreadName,
			Site:       evidence.Site,
			Stack:      d.storedStack(evidence.StackID),
		},
		TargetInfo: datum.Info(),
	}
	if method != "" {
		rec.TargetInfo["method"] = method
	}
	d.foundRace(rec)
	return true
}

// check runs the race check for an access of kind and returns the racing
// thread and the kind of its access, or -1.
func (d *Detector) check(ctx *goroutine.Context, dc *shadowmem.DataClock, kind racelog.AccessKind) (int64, racelog.AccessKind) {
	if tid := checkClock(ctx, dc.Writers()); tid >= 0 {
		return tid, racelog.Write
	}
	if kind == racelog.Write {
		if tid := checkClock(ctx, dc.Readers()); tid >= 0 {
			return tid, racelog.Read
		}
	}
	return -1, 0
}

// checkClock compares one data sub-clock with the thread. Entries of dead
// threads the thread has retired are forgiven: their accesses happen before
// the thread's current frame even though the clock no longer says so.
func checkClock(ctx *goroutine.Context, data *vectorclock.VectorClock) int64 {
	return vectorclock.CheckDataRaceExcept(ctx.Clock(), data, ctx.TID, ctx.Observed)
}

func (d *Detector) foundRace(rec *racelog.Record) {
	d.races.Add(1)
	d.metrics.Race(rec.Target.String())

	if d.seen != nil {
		if found, _ := d.seen.ContainsOrAdd(rec.Key(), struct{}{}); found {
			d.duplicates.Add(1)
			d.metrics.Duplicate()
			return
		}
	}

	d.log.Debug("race detected",
		"target", rec.Target.String(),
		"info", rec.TargetInfo,
		"thread", rec.Current.ThreadID,
		"racing", rec.Racing.ThreadID)

	if d.rep != nil {
		d.rep.Submit(rec)
	}
}

func (d *Detector) captureStack() []string {
	if d.stacks == nil {
		return nil
	}
	return d.stacks.CaptureFrames(2)
}

func (d *Detector) storedStack(id uint64) []string {
	if d.stacks == nil || id == 0 {
		return nil
	}
	return d.stacks.Frames(id)
}

func (d *Detector) skip(reason string) {
	d.skipped.Add(1)
	d.metrics.Skip(reason)
}

// RacesDetected returns the number of races detected, duplicates included.
func (d *Detector) RacesDetected() int {
	return int(d.races.Load())
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Accesses:   d.accesses.Load(),
		Skipped:    d.skipped.Load(),
		Races:      d.races.Load(),
		Duplicates: d.duplicates.Load(),
		Compacted:  d.compacted.Load(),
	}
}

// Reset clears all data clocks, the dedup set and the counters. Not safe
// while accesses are in flight.
func (d *Detector) Reset() {
	d.table.Reset()
	if d.seen != nil {
		d.seen.Purge()
	}
	d.accesses.Store(0)
	d.skipped.Store(0)
	d.races.Store(0)
	d.duplicates.Store(0)
	d.compacted.Store(0)
}
