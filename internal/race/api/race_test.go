package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/contract"
	"github.com/kolkov/racecore/internal/race/racelog"
)

var site = racelog.Site{Owner: "Bank", Member: "transfer", Line: 7}

type memSink struct {
	mu   sync.Mutex
	recs []*racelog.Record
}

func (s *memSink) Append(_ context.Context, r *racelog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func quietConfig() config.Config {
	c := config.Default()
	c.Print = false
	return c
}

func newRuntime(t *testing.T, cfg config.Config, opts ...Option) (*Runtime, *memSink) {
	t.Helper()
	sink := &memSink{}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSink(sink),
	}, opts...)
	rt, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, sink
}

// TestStartJoin_HappensBefore checks the parent -> child -> joiner chain.
func TestStartJoin_HappensBefore(t *testing.T) {
	rt, sink := newRuntime(t, quietConfig())

	main := rt.MustStart(1, "main", nil)
	rt.FieldWrite(main, "Bank", "total", 0, site)

	worker := rt.MustStart(2, "worker", main)
	if rt.FieldRead(worker, "Bank", "total", 0, site) {
		t.Error("child read of a pre-start write raced")
	}
	if rt.FieldWrite(worker, "Bank", "total", 0, site) {
		t.Error("child write raced")
	}
	if err := rt.EndThread(worker); err != nil {
		t.Fatal(err)
	}
	if err := rt.Join(main, 2); err != nil {
		t.Fatal(err)
	}
	if rt.FieldWrite(main, "Bank", "total", 0, site) {
		t.Error("write after join raced")
	}

	if err := rt.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.recs) != 0 {
		t.Errorf("%d races recorded, want 0", len(sink.recs))
	}
	if st := rt.Stats(); st.LiveThreads != 1 || st.Generation != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

// TestUnjoinedWorkerRaces: without the join the parent races with the child.
func TestUnjoinedWorkerRaces(t *testing.T) {
	rt, sink := newRuntime(t, quietConfig())
	main := rt.MustStart(1, "main", nil)
	worker := rt.MustStart(2, "worker", main)

	rt.FieldWrite(worker, "Bank", "total", 0, site)
	if !rt.FieldRead(main, "Bank", "total", 0, site) {
		t.Fatal("unordered read not flagged")
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.recs) != 1 {
		t.Fatalf("got %d records, want 1", len(sink.recs))
	}
	r := sink.recs[0]
	if r.Current.ThreadName != "main" || r.Racing.ThreadName != "worker" {
		t.Errorf("threads = %q vs %q", r.Current.ThreadName, r.Racing.ThreadName)
	}
	if rt.RacesDetected() != 1 {
		t.Errorf("RacesDetected() = %d", rt.RacesDetected())
	}
}

func TestThreadLifecycleErrors(t *testing.T) {
	rt, _ := newRuntime(t, quietConfig())
	main := rt.MustStart(1, "main", nil)

	if _, err := rt.StartThread(1, "again", nil); !errors.Is(err, ErrThreadExists) {
		t.Errorf("duplicate start = %v, want ErrThreadExists", err)
	}
	if _, err := rt.StartThread(0, "zero", nil); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("tid 0 start = %v, want ErrUnknownThread", err)
	}

	w := rt.MustStart(2, "w", main)
	if err := rt.Join(main, 2); !errors.Is(err, ErrNotJoinable) {
		t.Errorf("join of a live thread = %v, want ErrNotJoinable", err)
	}
	if got, ok := rt.Thread(2); !ok || got != w {
		t.Error("Thread(2) did not return the live context")
	}
	if err := rt.EndThread(w); err != nil {
		t.Fatal(err)
	}
	if err := rt.EndThread(w); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("second EndThread = %v, want ErrUnknownThread", err)
	}
	if _, ok := rt.Thread(2); ok {
		t.Error("ended thread still live")
	}
	if _, err := rt.StartThread(2, "reused", nil); !errors.Is(err, ErrThreadExists) {
		t.Errorf("reuse of a dead tid = %v, want ErrThreadExists", err)
	}
	if tid := rt.NextTID(); tid != 3 {
		t.Errorf("NextTID() = %d, want 3 (1 and 2 are used)", tid)
	}
}

// TestJoinCacheEviction forgets final clocks beyond the cache size.
func TestJoinCacheEviction(t *testing.T) {
	cfg := quietConfig()
	cfg.JoinCache = 1
	rt, _ := newRuntime(t, cfg)
	main := rt.MustStart(1, "main", nil)

	a := rt.Spawn("a", main)
	b := rt.Spawn("b", main)
	if err := rt.EndThread(a); err != nil {
		t.Fatal(err)
	}
	if err := rt.EndThread(b); err != nil {
		t.Fatal(err)
	}

	if err := rt.Join(main, a.TID); !errors.Is(err, ErrNotJoinable) {
		t.Errorf("join of an evicted thread = %v, want ErrNotJoinable", err)
	}
	if err := rt.Join(main, b.TID); err != nil {
		t.Errorf("join of the cached thread = %v", err)
	}
	if got := rt.Stats().Rendezvous; got != 1 {
		t.Errorf("Rendezvous = %d, want 1 after eviction", got)
	}
}

// TestJoin_ReleasedRendezvous: once the final clock is released, Join fails
// even while the tid is still listed as ended, and transfers nothing.
func TestJoin_ReleasedRendezvous(t *testing.T) {
	rt, _ := newRuntime(t, quietConfig())
	main := rt.MustStart(1, "main", nil)
	w := rt.Spawn("w", main)
	rt.FieldWrite(w, "Job", "out", 0, site)
	if err := rt.EndThread(w); err != nil {
		t.Fatal(err)
	}

	// What the eviction callback does, without evicting the cache entry.
	if err := rt.engine.Forget(rt.end, w.TID); err != nil {
		t.Fatal(err)
	}
	if !rt.ended.Contains(w.TID) {
		t.Fatal("tid left the join cache")
	}

	if err := rt.Join(main, w.TID); !errors.Is(err, ErrNotJoinable) {
		t.Errorf("Join = %v, want ErrNotJoinable", err)
	}
	if main.Seen(w.TID) != 0 {
		t.Errorf("main saw frame %d of the worker after a failed join", main.Seen(w.TID))
	}
}

func TestEnableDisable(t *testing.T) {
	rt, _ := newRuntime(t, quietConfig())
	a := rt.MustStart(1, "a", nil)
	b := rt.MustStart(2, "b", nil)

	rt.Disable()
	if rt.Enabled() {
		t.Fatal("Enabled() after Disable")
	}
	rt.FieldWrite(a, "X", "f", 0, site)
	if rt.FieldWrite(b, "X", "f", 0, site) {
		t.Error("race reported while disabled")
	}

	rt.Enable()
	rt.FieldWrite(a, "X", "f", 0, site)
	if !rt.FieldWrite(b, "X", "f", 0, site) {
		t.Error("race missed after Enable")
	}
}

// TestMutexThroughLookup resolves vertices by call site like an
// instrumentation layer would.
func TestMutexThroughLookup(t *testing.T) {
	rt, _ := newRuntime(t, quietConfig())
	lock := rt.Lookup("sync.Mutex", "Lock", "")
	unlock := rt.Lookup("sync.Mutex", "Unlock", "")
	if len(lock) != 1 || len(unlock) != 1 {
		t.Fatalf("Lookup: lock=%v unlock=%v", lock, unlock)
	}
	if got := rt.Lookup("sync.RWMutex", "Lock", ""); len(got) != 2 {
		t.Errorf("RWMutex.Lock bound to %d vertices, want 2", len(got))
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		bad atomic.Bool
	)
	main := rt.MustStart(1, "main", nil)
	for i := 0; i < 8; i++ {
		ctx := rt.Spawn("worker", main)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				mu.Lock()
				_ = rt.SyncAfter(ctx, lock[0], true, &mu)
				if rt.FieldRead(ctx, "Counter", "n", 0, site) || rt.FieldWrite(ctx, "Counter", "n", 0, site) {
					bad.Store(true)
				}
				_ = rt.SyncBefore(ctx, unlock[0], &mu)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if bad.Load() || rt.RacesDetected() != 0 {
		t.Errorf("races under a mutex: %d", rt.RacesDetected())
	}
}

// TestBarrierContract runs the FULL barrier through the runtime.
func TestBarrierContract(t *testing.T) {
	rt, _ := newRuntime(t, quietConfig())
	await := rt.Lookup("Barrier", "Await", "")
	if len(await) != 1 {
		t.Fatalf("Lookup(Barrier.Await) = %v", await)
	}
	barrier := new(int)
	a := rt.MustStart(1, "a", nil)
	b := rt.MustStart(2, "b", nil)

	rt.FieldWrite(a, "Grid", "cell", 1, site)
	rt.FieldWrite(b, "Grid", "cell", 2, site)
	_ = rt.SyncBefore(a, await[0], barrier)
	_ = rt.SyncBefore(b, await[0], barrier)
	_ = rt.SyncAfter(a, await[0], true, barrier)
	_ = rt.SyncAfter(b, await[0], true, barrier)

	if rt.FieldRead(a, "Grid", "cell", 2, site) || rt.FieldRead(b, "Grid", "cell", 1, site) {
		t.Error("read of the other side's pre-barrier write raced")
	}
}

func TestObjectCall(t *testing.T) {
	rt, sink := newRuntime(t, quietConfig())
	a := rt.MustStart(1, "a", nil)
	b := rt.MustStart(2, "b", nil)

	rt.ObjectCall(a, 0xbeef, "java.util.HashMap", "put", racelog.Write, site)
	if !rt.ObjectCall(b, 0xbeef, "java.util.HashMap", "get", racelog.Read, site) {
		t.Fatal("object race missed")
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	info := sink.recs[0].TargetInfo
	if info["owner"] != "java.util.HashMap" || info["method"] != "get" || info["object"] != "0xbeef" {
		t.Errorf("TargetInfo = %v", info)
	}
}

func TestNew_ContractErrorsAbort(t *testing.T) {
	_, err := New(quietConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithContracts(contract.Contract{ID: contract.Mutex, Vertices: contract.Builtin()[0].Vertices}))
	if !errors.Is(err, contract.ErrDuplicateContract) {
		t.Errorf("New() = %v, want ErrDuplicateContract", err)
	}

	bad := quietConfig()
	bad.SampleRate = 0
	if _, err := New(bad); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New(invalid config) = %v", err)
	}
}

// TestFileLog persists races through the configured file driver.
func TestFileLog(t *testing.T) {
	cfg := quietConfig()
	cfg.LogDriver = config.DriverFile
	cfg.LogPath = filepath.Join(t.TempDir(), "races.jsonl")
	rt, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	a := rt.MustStart(1, "a", nil)
	b := rt.MustStart(2, "b", nil)
	rt.FieldWrite(a, "F", "x", 0, site)
	rt.FieldWrite(b, "F", "x", 0, site)
	if err := rt.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, recs, err := racelog.ReadFile(cfg.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Current.Clocks == nil || recs[0].Racing.Clocks != nil {
		t.Errorf("records = %+v", recs)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, _ := newRuntime(t, quietConfig(), WithRegisterer(reg))
	a := rt.MustStart(1, "a", nil)
	b := rt.MustStart(2, "b", nil)
	rt.FieldWrite(a, "F", "x", 0, site)
	rt.FieldWrite(b, "F", "x", 0, site)

	if rt.Gatherer() == nil {
		t.Fatal("Gatherer() = nil for a registry")
	}
	n, err := testutil.GatherAndCount(reg, "racecore_races_total")
	if err != nil || n != 1 {
		t.Errorf("races_total series = %d, %v", n, err)
	}
	if got := testutil.ToFloat64(rt.metrics.LiveThreads); got != 2 {
		t.Errorf("live threads gauge = %v, want 2", got)
	}
}
