package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/racecore/internal/race/metrics"
	"github.com/kolkov/racecore/internal/race/racelog"
	"github.com/kolkov/racecore/internal/race/stackdepot"
)

// DefaultQueueSize is the reporter queue length when none is configured.
const DefaultQueueSize = 1024

// ErrReporterClosed is returned by Close when called twice.
var ErrReporterClosed = errors.New("detector: reporter closed")

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	// Sink persists records. Defaults to racelog.Discard.
	Sink racelog.Sink

	// QueueSize bounds the records waiting for the sink. Submit never
	// blocks: records beyond it are dropped.
	QueueSize int

	// Print, when set, receives a human-readable rendering of every report.
	Print io.Writer

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reporter persists race records off the access path.
//
// Records are queued by Submit and written by a single worker goroutine, so
// a slow or failing sink never stalls the monitored program. Persistence
// errors are logged and counted, then swallowed.
type Reporter struct {
	sink    racelog.Sink
	print   io.Writer
	metrics *metrics.Metrics
	log     *slog.Logger

	// mu orders Submit against Close so that nothing is sent on a closed
	// queue.
	mu     sync.RWMutex
	closed bool
	queue  chan *racelog.Record
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewReporter creates a reporter and starts its worker.
func NewReporter(opts ReporterOptions) *Reporter {
	if opts.Sink == nil {
		opts.Sink = racelog.Discard
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reporter{
		sink:    opts.Sink,
		print:   opts.Print,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "reporter"),
		queue:   make(chan *racelog.Record, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Submit queues rec and reports whether it was accepted. It never blocks.
func (r *Reporter) Submit(rec *racelog.Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(rec, "reporter closed")
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.drop(rec, "queue full")
		return false
	}
}

func (r *Reporter) drop(rec *racelog.Record, reason string) {
	r.dropped.Add(1)
	r.metrics.Dropped()
	r.log.Warn("race record dropped", "reason", reason, "id", rec.ID.String())
}

func (r *Reporter) run() {
	defer close(r.done)
	for rec := range r.queue {
		if r.print != nil {
			Format(r.print, rec)
		}
		start := time.Now()
		if err := r.sink.Append(context.Background(), rec); err != nil {
			r.failed.Add(1)
			r.metrics.PersistError()
			r.log.Error("persist race record", "id", rec.ID.String(), "err", err)
			continue
		}
		r.written.Add(1)
		r.metrics.Persisted(time.Since(start).Seconds())
	}
}

// Close stops accepting records, waits for the queue to drain and closes
// the sink. If ctx ends first, queued records are abandoned to the worker
// and ctx.Err() is returned.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReporterClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := r.sink.Close(); err != nil {
		return fmt.Errorf("detector: close sink: %w", err)
	}
	return nil
}

// ReporterStats is a snapshot of reporter counters.
type ReporterStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Stats returns the reporter counters.
func (r *Reporter) Stats() ReporterStats {
	return ReporterStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

// Format renders a race record in the layout of Go's race detector:
//
//	==================
//	WARNING: DATA RACE
//	Write at Account.balance@0xc0 by thread 2 (worker):
//	  main.worker()
//	      /path/to/file.go:10
//	  [site: Account.deposit:10]
//	  [clock: {1:3 2:5}]
//
//	Previous read at Account.balance@0xc0 by thread 1 (main):
//	  <unavailable>
//	  [site: Account.get:22]
//	==================
//
//nolint:errcheck // stderr rendering
func Format(w io.Writer, rec *racelog.Record) {
	target := targetName(rec.TargetInfo)

	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: DATA RACE\n")
	formatAccess(w, "", target, &rec.Current)
	fmt.Fprintf(w, "\n")
	formatAccess(w, "Previous ", target, &rec.Racing)
	fmt.Fprintf(w, "==================\n")
}

// FormatString is Format into a string.
func FormatString(rec *racelog.Record) string {
	var buf strings.Builder
	Format(&buf, rec)
	return buf.String()
}

//nolint:errcheck // stderr rendering
func formatAccess(w io.Writer, prefix, target string, a *racelog.Access) {
	verb := "Read"
	if a.Kind == racelog.Write {
		verb = "Write"
	}
	if prefix != "" {
		verb = strings.ToLower(verb)
	}
	name := a.ThreadName
	if name == "" {
		name = "unnamed"
	}
	fmt.Fprintf(w, "%s%s at %s by thread %d (%s):\n", prefix, verb, target, a.ThreadID, name)
	fmt.Fprint(w, stackdepot.FormatFrames(a.Stack))
	if a.Site.Owner != "" || a.Site.Member != "" {
		fmt.Fprintf(w, "  [site: %s]\n", a.Site)
	}
	if a.Clocks != nil {
		fmt.Fprintf(w, "  [clock: %s]\n", pairsString(a.Clocks.Thread))
	}
}

func targetName(info map[string]string) string {
	s := info["owner"]
	if m := info["member"]; m != "" {
		s += "." + m
	}
	if o := info["object"]; o != "" {
		s += "@" + o
	}
	if s == "" {
		return "<unknown>"
	}
	return s
}

func pairsString(pairs []int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(pairs[i], 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(pairs[i+1], 10))
	}
	b.WriteByte('}')
	return b.String()
}
