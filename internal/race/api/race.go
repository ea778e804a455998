// Package api provides the process-scoped race detection runtime.
//
// A Runtime owns every piece of detector state: the generation registry,
// the data clock table, the contract engine, the reporter and its sink. The
// instrumentation layer drives it with thread lifecycle events, monitored
// accesses and synchronization vertex activations:
//
//	rt, err := api.New(cfg)
//	main := rt.MustStart(1, "main", nil)
//	worker := rt.MustStart(2, "worker", main)
//	rt.FieldWrite(worker, "Account", "balance", 0, site)
//	rt.EndThread(worker)
//	rt.Join(main, 2)
//	rt.FieldRead(main, "Account", "balance", 0, site) // ordered: no race
//	rt.Close(ctx)
//
// Each thread context must only be used from its own thread.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/contract"
	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/generation"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/guard"
	"github.com/kolkov/racecore/internal/race/metrics"
	"github.com/kolkov/racecore/internal/race/racelog"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/stackdepot"
)

// Errors returned by thread lifecycle operations.
var (
	ErrThreadExists  = errors.New("api: thread id already used")
	ErrUnknownThread = errors.New("api: unknown thread")
	ErrNotJoinable   = errors.New("api: thread not ended or no longer joinable")
)

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	reg       prometheus.Registerer
	logger    *slog.Logger
	sink      racelog.Sink
	contracts []contract.Contract
	out       io.Writer
	outSet    bool
	now       func() time.Time
}

// WithRegisterer registers the runtime's metrics on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithLogger sets the logger. The default writes text to stderr at the
// configured level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink persists races to s instead of the configured log driver.
func WithSink(s racelog.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithContracts adds user contracts to the built-in ones.
func WithContracts(cs ...contract.Contract) Option {
	return func(o *options) { o.contracts = append(o.contracts, cs...) }
}

// WithOutput sets where reports are rendered; nil disables rendering.
// The default is stderr when printing is configured.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out, o.outSet = w, true }
}

// WithClock sets the timestamp source of race records.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Runtime is the race detection state of one monitored process.
type Runtime struct {
	cfg     config.Config
	log     *slog.Logger
	reg     prometheus.Registerer
	metrics *metrics.Metrics

	gens   *generation.Registry
	engine *contract.Engine
	det    *detector.Detector
	rep    *detector.Reporter

	// enabled gates access checks. Synchronization is tracked either way.
	enabled guard.Flag

	threads sync.Map // int64 -> *goroutine.Context
	live    atomic.Int64
	nextTID atomic.Int64

	// ended bounds the final snapshots kept for Join. Evicting a tid
	// releases its rendezvous in the engine.
	ended *lru.Cache[int64, struct{}]

	start, run, end, join contract.VertexID

	closeOnce sync.Once
	closeErr  error
}

// New builds a runtime from cfg. Contract errors and sink errors abort.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{cfg: cfg, gens: generation.NewRegistry()}

	base := o.logger
	if base == nil {
		base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	}
	r.log = base.With("component", "runtime")

	r.reg = o.reg
	if r.reg == nil {
		r.reg = prometheus.NewRegistry()
	}
	r.metrics = metrics.New(r.reg)

	reg, err := contract.NewRegistry(append(contract.Builtin(), o.contracts...)...)
	if err != nil {
		return nil, fmt.Errorf("api: contracts: %w", err)
	}
	r.engine = contract.NewEngine(reg, r.metrics)
	r.start = mustFind(reg, contract.ThreadStart, contract.MemberStart)
	r.run = mustFind(reg, contract.ThreadStart, contract.MemberRun)
	r.end = mustFind(reg, contract.ThreadJoin, contract.MemberEnd)
	r.join = mustFind(reg, contract.ThreadJoin, contract.MemberJoin)

	r.ended, err = lru.NewWithEvict[int64, struct{}](cfg.JoinCache, func(tid int64, _ struct{}) {
		_ = r.engine.Forget(r.end, tid)
	})
	if err != nil {
		return nil, fmt.Errorf("api: join cache: %w", err)
	}

	stacks, err := stackdepot.New(cfg.StackCache, cfg.StackDepth)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	sink := o.sink
	if sink == nil {
		if sink, err = openSink(cfg); err != nil {
			return nil, err
		}
	}

	out := o.out
	if !o.outSet && cfg.Print {
		out = os.Stderr
	}
	r.rep = detector.NewReporter(detector.ReporterOptions{
		Sink:      sink,
		QueueSize: cfg.QueueSize,
		Print:     out,
		Metrics:   r.metrics,
		Logger:    base,
	})

	dedup := 0
	if cfg.Dedup {
		dedup = cfg.DedupSize
	}
	r.det, err = detector.New(detector.Options{
		Generations:   r.gens,
		Stacks:        stacks,
		HistoryStacks: cfg.HistoryStacks,
		Sampler:       detector.RateConfig(cfg.SampleRate),
		Reporter:      r.rep,
		DedupSize:     dedup,
		Metrics:       r.metrics,
		Logger:        base,
		Now:           o.now,
	})
	if err != nil {
		_ = r.rep.Close(context.Background())
		return nil, err
	}

	r.enabled.Raise()
	r.log.Info("race detection runtime started",
		"contracts", len(reg.Contracts()),
		"log_driver", cfg.LogDriver,
		"sample_rate", cfg.SampleRate)
	return r, nil
}

func mustFind(reg *contract.Registry, id, member string) contract.VertexID {
	v, ok := reg.Find(id, contract.ThreadOwner, member, "")
	if !ok {
		panic(fmt.Sprintf("api: built-in vertex %s %s.%s missing", id, contract.ThreadOwner, member))
	}
	return v
}

// openSink opens the configured race log.
func openSink(cfg config.Config) (racelog.Sink, error) {
	switch cfg.LogDriver {
	case config.DriverFile:
		l, err := racelog.OpenFile(cfg.LogPath)
		if err != nil {
			return nil, fmt.Errorf("api: open race log: %w", err)
		}
		return l, nil
	case config.DriverSQLite, config.DriverPgx:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l, err := racelog.OpenSQL(ctx, cfg.LogDriver, cfg.LogDSN)
		if err != nil {
			return nil, fmt.Errorf("api: open race log: %w", err)
		}
		return l, nil
	default:
		return racelog.Discard, nil
	}
}

// Close stops detection, drains pending reports and closes the race log.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.enabled.Release()
		r.closeErr = r.rep.Close(ctx)
		st := r.det.Stats()
		r.log.Info("race detection runtime stopped",
			"races", st.Races,
			"accesses", st.Accesses)
	})
	return r.closeErr
}

// Enable turns access checks on.
func (r *Runtime) Enable() { r.enabled.Raise() }

// Disable turns access checks off. Synchronization is still tracked so that
// re-enabling does not report false races.
func (r *Runtime) Disable() { r.enabled.Release() }

// Enabled reports whether access checks are on.
func (r *Runtime) Enabled() bool { return r.enabled.IsRaised() }

// NextTID returns a fresh thread id. Ids start at 1 and are never reused.
func (r *Runtime) NextTID() int64 {
	for {
		tid := r.nextTID.Add(1)
		if !r.used(tid) {
			return tid
		}
	}
}

func (r *Runtime) used(tid int64) bool {
	if _, ok := r.threads.Load(tid); ok {
		return true
	}
	_, dead := r.gens.DeathOf(tid)
	return dead
}

// StartThread creates the context of thread tid. When parent is not nil,
// everything parent did so far happens before the new thread's first step.
func (r *Runtime) StartThread(tid int64, name string, parent *goroutine.Context) (*goroutine.Context, error) {
	if tid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	ctx := goroutine.New(tid, name, r.gens)
	if _, loaded := r.threads.LoadOrStore(tid, ctx); loaded {
		return nil, fmt.Errorf("%w: %d", ErrThreadExists, tid)
	}
	if _, dead := r.gens.DeathOf(tid); dead {
		r.threads.Delete(tid)
		return nil, fmt.Errorf("%w: %d", ErrThreadExists, tid)
	}

	if parent != nil {
		if err := r.engine.Before(parent, r.start, tid); err != nil {
			return nil, err
		}
		if err := r.engine.After(ctx, r.run, true, tid); err != nil {
			return nil, err
		}
		_ = r.engine.Forget(r.start, tid)
	}
	ctx.Retire()
	ctx.Publish()

	r.live.Add(1)
	r.metrics.ThreadStarted()
	r.log.Debug("thread started", "tid", tid, "name", name)
	return ctx, nil
}

// MustStart is StartThread that panics on error.
func (r *Runtime) MustStart(tid int64, name string, parent *goroutine.Context) *goroutine.Context {
	ctx, err := r.StartThread(tid, name, parent)
	if err != nil {
		panic(err)
	}
	return ctx
}

// Spawn starts a thread with a fresh id.
func (r *Runtime) Spawn(name string, parent *goroutine.Context) *goroutine.Context {
	return r.MustStart(r.NextTID(), name, parent)
}

// EndThread terminates ctx. Its final clock is kept for Join until the join
// cache evicts it; the thread's entries become reclaimable by every thread
// that observes its last access.
func (r *Runtime) EndThread(ctx *goroutine.Context) error {
	if _, ok := r.threads.LoadAndDelete(ctx.TID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownThread, ctx.TID)
	}
	if err := r.engine.Before(ctx, r.end, ctx.TID); err != nil {
		return err
	}
	ctx.Publish()

	gen, err := r.gens.ThreadDiedAt(ctx.TID, ctx.LastAccess())
	if err != nil {
		return err
	}
	r.ended.Add(ctx.TID, struct{}{})

	r.live.Add(-1)
	r.metrics.ThreadEnded(gen)
	r.log.Debug("thread ended", "tid", ctx.TID, "generation", gen)
	return nil
}

// Join makes everything thread tid did happen before joiner's next step.
//
// The final clock is read from the end rendezvous itself, so a thread the
// join cache evicts concurrently is either joined fully or not at all.
func (r *Runtime) Join(joiner *goroutine.Context, tid int64) error {
	joined, err := r.engine.Acquire(joiner, r.join, tid)
	if err != nil {
		return err
	}
	if !joined {
		return fmt.Errorf("%w: %d", ErrNotJoinable, tid)
	}
	r.ended.Get(tid)
	return nil
}

// Thread returns the context of live thread tid.
func (r *Runtime) Thread(tid int64) (*goroutine.Context, bool) {
	v, ok := r.threads.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*goroutine.Context), true
}

// FieldRead reports a read of owner.field on object (0 for static fields)
// and whether it raced.
func (r *Runtime) FieldRead(ctx *goroutine.Context, owner, field string, object uint64, site racelog.Site) bool {
	if !r.enabled.IsRaised() {
		return false
	}
	return r.det.OnAccess(ctx, shadowmem.Field(owner, field, object), racelog.Read, site)
}

// FieldWrite reports a write of owner.field on object and whether it raced.
func (r *Runtime) FieldWrite(ctx *goroutine.Context, owner, field string, object uint64, site racelog.Site) bool {
	if !r.enabled.IsRaised() {
		return false
	}
	return r.det.OnAccess(ctx, shadowmem.Field(owner, field, object), racelog.Write, site)
}

// ObjectCall reports a call of method on a foreign object of type typ.
// kind says whether the method reads or mutates the object.
func (r *Runtime) ObjectCall(ctx *goroutine.Context, object uint64, typ, method string, kind racelog.AccessKind, site racelog.Site) bool {
	if !r.enabled.IsRaised() {
		return false
	}
	return r.det.OnCall(ctx, shadowmem.Object(typ, object), method, kind, site)
}

// SyncBefore reports that ctx is about to make the call bound to vertex.
// values are the receiver followed by the call's arguments.
func (r *Runtime) SyncBefore(ctx *goroutine.Context, vertex contract.VertexID, values ...any) error {
	return r.engine.Before(ctx, vertex, values...)
}

// SyncAfter reports that the call bound to vertex returned.
func (r *Runtime) SyncAfter(ctx *goroutine.Context, vertex contract.VertexID, returned bool, values ...any) error {
	return r.engine.After(ctx, vertex, returned, values...)
}

// Lookup resolves a call site to its vertices.
func (r *Runtime) Lookup(owner, member, signature string) []contract.VertexID {
	return r.engine.Registry().Lookup(owner, member, signature)
}

// Registry returns the contract registry.
func (r *Runtime) Registry() *contract.Registry { return r.engine.Registry() }

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() config.Config { return r.cfg }

// Gatherer returns the metrics registry when it can be gathered, or nil.
func (r *Runtime) Gatherer() prometheus.Gatherer {
	g, _ := r.reg.(prometheus.Gatherer)
	return g
}

// Stats summarizes the runtime.
type Stats struct {
	Detector    detector.Stats
	Reporter    detector.ReporterStats
	LiveThreads int64
	Generation  int64
	Rendezvous  int
}

// Stats returns a snapshot of the runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Detector:    r.det.Stats(),
		Reporter:    r.rep.Stats(),
		LiveThreads: r.live.Load(),
		Generation:  r.gens.Generation(),
		Rendezvous:  r.engine.Rendezvous(),
	}
}

// RacesDetected returns the number of races detected so far.
func (r *Runtime) RacesDetected() int {
	return r.det.RacesDetected()
}
