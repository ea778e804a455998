package contract

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

func builtinEngine(t *testing.T) *Engine {
	t.Helper()
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(r, nil)
}

func vertex(t *testing.T, e *Engine, contract, owner, member string) VertexID {
	t.Helper()
	id, ok := e.Registry().Find(contract, owner, member, "")
	if !ok {
		t.Fatalf("no vertex %s %s.%s", contract, owner, member)
	}
	return id
}

// TestEngine_MutexHandoff checks Unlock -> Lock transmits the writer's frame.
func TestEngine_MutexHandoff(t *testing.T) {
	e := builtinEngine(t)
	unlock := vertex(t, e, Mutex, "sync.Mutex", "Unlock")
	lock := vertex(t, e, Mutex, "sync.Mutex", "Lock")
	mu := new(int)

	t1 := goroutine.New(1, "t1", nil)
	t2 := goroutine.New(2, "t2", nil)
	writeFrame := t1.Frame()

	if err := e.Before(t1, unlock, mu); err != nil {
		t.Fatal(err)
	}
	if t1.Frame() != writeFrame+1 {
		t.Errorf("send did not tick: frame %d", t1.Frame())
	}
	if err := e.After(t2, lock, true, mu); err != nil {
		t.Fatal(err)
	}
	if !t2.Observed(1, writeFrame) {
		t.Error("lock did not observe the pre-unlock frame")
	}
	if t2.Observed(1, t1.Frame()) {
		t.Error("lock observed the post-unlock frame")
	}

	// A different mutex is a different rendezvous.
	t3 := goroutine.New(3, "t3", nil)
	if err := e.After(t3, lock, true, new(int)); err != nil {
		t.Fatal(err)
	}
	if t3.Seen(1) != 0 {
		t.Error("unrelated mutex transmitted a clock")
	}
}

// TestEngine_ReturnCondition gates a failed TryLock.
func TestEngine_ReturnCondition(t *testing.T) {
	e := builtinEngine(t)
	unlock := vertex(t, e, Mutex, "sync.Mutex", "Unlock")
	try := vertex(t, e, Mutex, "sync.Mutex", "TryLock")
	mu := new(int)

	t1 := goroutine.New(1, "t1", nil)
	t2 := goroutine.New(2, "t2", nil)
	_ = e.Before(t1, unlock, mu)

	_ = e.Before(t2, try, mu)
	_ = e.After(t2, try, false, mu)
	if t2.Seen(1) != 0 {
		t.Error("failed TryLock absorbed a clock")
	}
	_ = e.After(t2, try, true, mu)
	if t2.Seen(1) != 1 {
		t.Errorf("successful TryLock saw frame %d, want 1", t2.Seen(1))
	}
}

// TestEngine_SendWithCondition merges only after a successful return.
func TestEngine_SendWithCondition(t *testing.T) {
	r := MustRegistry(Contract{ID: "queue", Vertices: []Vertex{
		{Point: SyncPoint{Owner: "Q", Member: "offer", Linked: []int{0}}, Role: Send, ShouldReturnTrue: true},
		{Point: SyncPoint{Owner: "Q", Member: "poll", Linked: []int{0}}, Role: Receive},
	}})
	e := NewEngine(r, nil)
	q := "queue-1"

	producer := goroutine.New(1, "p", nil)
	consumer := goroutine.New(2, "c", nil)

	_ = e.Before(producer, 0, q, "item")
	if e.Rendezvous() != 0 {
		t.Error("conditional send merged before returning")
	}
	_ = e.After(producer, 0, false, q, "item")
	_ = e.After(consumer, 1, true, q)
	if consumer.Seen(1) != 0 {
		t.Error("failed offer transmitted a clock")
	}

	_ = e.After(producer, 0, true, q, "item")
	_ = e.After(consumer, 1, true, q)
	if consumer.Seen(1) != 1 {
		t.Errorf("consumer saw frame %d, want 1", consumer.Seen(1))
	}
	if n, _ := e.Participants(0, q); n != 1 {
		t.Errorf("Participants = %d, want 1", n)
	}
}

// TestEngine_UnmatchedSendInert verifies a send nobody receives has no effect.
func TestEngine_UnmatchedSendInert(t *testing.T) {
	e := builtinEngine(t)
	send := vertex(t, e, Channel, "chan", "send")
	recv := vertex(t, e, Channel, "chan", "recv")

	t1 := goroutine.New(1, "t1", nil)
	t2 := goroutine.New(2, "t2", nil)
	_ = e.Before(t1, send, "ch-a")

	before := t2.Clock().Clone()
	if err := e.After(t2, recv, true, "ch-b"); err != nil {
		t.Fatal(err)
	}
	if t2.Seen(1) != 0 || t2.Frame() != before.Frame(2)+1 {
		t.Errorf("receive from empty rendezvous changed the clock: %v", t2.Clock())
	}

	if err := e.Forget(send, "ch-a"); err != nil {
		t.Fatal(err)
	}
	if e.Rendezvous() != 0 {
		t.Errorf("Forget left %d rendezvous", e.Rendezvous())
	}
}

// TestEngine_FullBarrier: after a FULL rendezvous both clocks hold the
// element-wise maximum of the pre-rendezvous clocks. Each party also ticks
// its own entry once on leaving, so that entry is compared minus one.
func TestEngine_FullBarrier(t *testing.T) {
	e := builtinEngine(t)
	await := vertex(t, e, Barrier, "Barrier", "Await")
	b := new(struct{ n int })

	t1 := goroutine.New(1, "t1", nil)
	t2 := goroutine.New(2, "t2", nil)
	t1.Clock().SetFrame(3, 7)
	t1.Tick()
	t2.Clock().SetFrame(3, 2)
	t2.Clock().SetFrame(4, 5)

	want := vectorclock.MergeSorted(t1.Clock(), t2.Clock())

	_ = e.Before(t1, await, b)
	_ = e.Before(t2, await, b)
	_ = e.After(t1, await, true, b)
	_ = e.After(t2, await, true, b)

	for _, ctx := range []*goroutine.Context{t1, t2} {
		got := ctx.Clock().Clone()
		got.SetFrame(ctx.TID, got.Frame(ctx.TID)-1)
		if diff := cmp.Diff(want.Pairs(), got.Pairs()); diff != "" {
			t.Errorf("t%d clock (-want +got):\n%s", ctx.TID, diff)
		}
	}
}

// TestEngine_MultiParty: N participants with the same key share one rendezvous.
func TestEngine_MultiParty(t *testing.T) {
	r := MustRegistry(Contract{ID: "exchange", Vertices: []Vertex{
		{Point: SyncPoint{Owner: "X", Member: "put", Linked: []int{0, 1}}, Role: Send},
		{Point: SyncPoint{Owner: "X", Member: "take", Linked: []int{0, 2}}, Role: Receive},
	}})
	e := NewEngine(r, nil)

	senders := []*goroutine.Context{goroutine.New(1, "", nil), goroutine.New(2, "", nil), goroutine.New(3, "", nil)}
	for _, s := range senders {
		_ = e.Before(s, 0, "x", "slot", "ignored")
	}
	rx := goroutine.New(9, "", nil)
	_ = e.After(rx, 1, true, "x", "other", "slot")

	for _, s := range senders {
		if rx.Seen(s.TID) != 1 {
			t.Errorf("receiver saw frame %d of %d, want 1", rx.Seen(s.TID), s.TID)
		}
	}
	if n, _ := e.Participants(0, "x", "slot"); n != 3 {
		t.Errorf("Participants = %d, want 3", n)
	}
}

func TestEngine_Errors(t *testing.T) {
	e := builtinEngine(t)
	ctx := goroutine.New(1, "", nil)
	lock := vertex(t, e, Mutex, "sync.Mutex", "Lock")

	if err := e.Before(ctx, VertexID(999), 1); !errors.Is(err, ErrUnknownVertex) {
		t.Errorf("unknown vertex error = %v", err)
	}
	if err := e.After(ctx, lock, true); !errors.Is(err, ErrArity) {
		t.Errorf("missing receiver error = %v", err)
	}
	if err := e.After(ctx, lock, true, []int{1}); !errors.Is(err, ErrLinkedValue) {
		t.Errorf("slice receiver error = %v", err)
	}

	// Comparable types holding unhashable values.
	hidden := []any{
		struct{ V any }{V: []int{1}},
		[1]any{map[string]int{}},
		struct{ Inner struct{ F any } }{Inner: struct{ F any }{F: func() {}}},
	}
	for _, val := range hidden {
		if err := e.Before(ctx, vertex(t, e, Mutex, "sync.Mutex", "Unlock"), val); !errors.Is(err, ErrLinkedValue) {
			t.Errorf("Before(%T) error = %v, want ErrLinkedValue", val, err)
		}
		if err := e.After(ctx, lock, true, val); !errors.Is(err, ErrLinkedValue) {
			t.Errorf("After(%T) error = %v, want ErrLinkedValue", val, err)
		}
	}
	if err := e.After(ctx, lock, true, struct{ V any }{V: 7}); err != nil {
		t.Errorf("hashable struct receiver error = %v", err)
	}
}

// TestEngine_GatedFull: a FULL call that returns false publishes nothing and
// absorbs nothing; the other parties still meet.
func TestEngine_GatedFull(t *testing.T) {
	r := MustRegistry(Contract{ID: "latch", Vertices: []Vertex{
		{Point: SyncPoint{Owner: "Latch", Member: "await", Linked: []int{0}}, Role: Full, ShouldReturnTrue: true},
	}})
	e := NewEngine(r, nil)
	latch := new(int)

	t1 := goroutine.New(1, "t1", nil)
	t2 := goroutine.New(2, "t2", nil)
	t3 := goroutine.New(3, "t3", nil)
	t1.Tick()
	t1.Tick()

	_ = e.Before(t1, 0, latch)
	_ = e.Before(t2, 0, latch)
	_ = e.Before(t3, 0, latch)

	// t1 times out.
	before := t1.Clock().Pairs()
	_ = e.After(t1, 0, false, latch)
	if diff := cmp.Diff(before, t1.Clock().Pairs()); diff != "" {
		t.Errorf("failed call changed t1 (-want +got):\n%s", diff)
	}

	t2Frame := t2.Frame()
	_ = e.After(t2, 0, true, latch)
	_ = e.After(t3, 0, true, latch)

	if t2.Seen(1) != 0 || t3.Seen(1) != 0 {
		t.Errorf("observed t1 through a failed call: t2 saw %d, t3 saw %d", t2.Seen(1), t3.Seen(1))
	}
	if !t3.Observed(2, t2Frame) {
		t.Error("t3 missed t2's successful arrival")
	}
	if n, _ := e.Participants(0, latch); n != 2 {
		t.Errorf("Participants = %d, want 2", n)
	}

	// The held snapshot is released either way.
	n := 0
	e.pending.Range(func(_, _ any) bool { n++; return true })
	if n != 0 {
		t.Errorf("%d arrival snapshots left pending", n)
	}
}

func TestEngine_Acquire(t *testing.T) {
	e := builtinEngine(t)
	end := vertex(t, e, ThreadJoin, ThreadOwner, MemberEnd)
	join := vertex(t, e, ThreadJoin, ThreadOwner, MemberJoin)
	worker := goroutine.New(2, "", nil)
	joiner := goroutine.New(1, "", nil)

	if ok, err := e.Acquire(joiner, join, int64(2)); ok || err != nil {
		t.Errorf("Acquire before end = %v, %v; want false, nil", ok, err)
	}
	_ = e.Before(worker, end, int64(2))
	if ok, _ := e.Acquire(joiner, join, int64(2)); !ok {
		t.Error("Acquire after end = false")
	}
	if joiner.Seen(2) != 1 {
		t.Errorf("joiner saw frame %d, want 1", joiner.Seen(2))
	}
	_ = e.Forget(end, int64(2))
	if ok, _ := e.Acquire(joiner, join, int64(2)); ok {
		t.Error("Acquire after Forget = true")
	}
}

// TestEngine_Concurrent exercises many threads through one mutex.
func TestEngine_Concurrent(t *testing.T) {
	e := builtinEngine(t)
	unlock := vertex(t, e, Mutex, "sync.Mutex", "Unlock")
	lock := vertex(t, e, Mutex, "sync.Mutex", "Lock")
	key := new(int)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for tid := int64(1); tid <= 16; tid++ {
		wg.Add(1)
		go func(tid int64) {
			defer wg.Done()
			ctx := goroutine.New(tid, "", nil)
			mu.Lock()
			_ = e.After(ctx, lock, true, key)
			_ = e.Before(ctx, unlock, key)
			mu.Unlock()
		}(tid)
	}
	wg.Wait()

	if n, _ := e.Participants(unlock, key); n != 16 {
		t.Errorf("Participants = %d, want 16", n)
	}
}
