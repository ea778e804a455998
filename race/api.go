// Package race provides the public API of the race detection runtime.
//
// See doc.go for detailed documentation and examples.
package race

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kolkov/racecore/internal/race/api"
	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/contract"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/racelog"
)

// Re-exported runtime types.
type (
	Runtime  = api.Runtime
	Option   = api.Option
	Thread   = goroutine.Context
	Site     = racelog.Site
	Record   = racelog.Record
	Sink     = racelog.Sink
	Contract = contract.Contract
	VertexID = contract.VertexID
)

// Access kinds of ObjectCall.
const (
	Read  = racelog.Read
	Write = racelog.Write
)

// Runtime options.
var (
	WithLogger     = api.WithLogger
	WithSink       = api.WithSink
	WithContracts  = api.WithContracts
	WithOutput     = api.WithOutput
	WithRegisterer = api.WithRegisterer
)

// finiTimeout bounds how long Fini waits for pending reports.
const finiTimeout = 5 * time.Second

var (
	mu sync.Mutex
	rt *api.Runtime

	// summary receives the Fini banner.
	summary io.Writer = os.Stderr
)

// Init initializes the default runtime from the RACECORE_* environment.
//
// Call it before any other function of this package:
//
//	func main() {
//		if err := race.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer race.Fini()
//		// ... rest of program
//	}
//
// Init is safe to call multiple times (subsequent calls are no-ops until
// Fini).
func Init(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if rt != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	r, err := api.New(cfg, opts...)
	if err != nil {
		return err
	}
	rt = r
	return nil
}

// Fini drains pending reports, closes the race log and prints a summary:
//
//	==================
//	Race Detector Report
//	==================
//	WARNING: 2 data race(s) detected!
//	==================
func Fini() {
	mu.Lock()
	r := rt
	rt = nil
	mu.Unlock()
	if r == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finiTimeout)
	defer cancel()
	err := r.Close(ctx)
	printSummary(summary, r.RacesDetected(), r.Stats().Reporter.Dropped, err)
}

//nolint:errcheck // stderr output
func printSummary(w io.Writer, races int, dropped uint64, err error) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "Race Detector Report\n")
	fmt.Fprintf(w, "==================\n")
	if races == 0 {
		fmt.Fprintf(w, "✓ No data races detected.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d data race(s) detected!\n", races)
	}
	if dropped > 0 {
		fmt.Fprintf(w, "%d report(s) dropped: the reporter queue was full.\n", dropped)
	}
	if err != nil {
		fmt.Fprintf(w, "race log: %v\n", err)
	}
	fmt.Fprintf(w, "==================\n\n")
}

// Default returns the default runtime, initializing it from the
// environment on first use. It panics if that initialization fails.
func Default() *Runtime {
	mu.Lock()
	r := rt
	mu.Unlock()
	if r != nil {
		return r
	}
	if err := Init(); err != nil {
		panic(fmt.Sprintf("race: init: %v", err))
	}
	mu.Lock()
	defer mu.Unlock()
	return rt
}

// RacesDetected returns the number of races detected by the default runtime.
func RacesDetected() int { return Default().RacesDetected() }

// Enable turns access checks on.
func Enable() { Default().Enable() }

// Disable turns access checks off; synchronization is still tracked.
func Disable() { Default().Disable() }

// StartThread registers thread tid, started by parent (nil for a root
// thread).
func StartThread(tid int64, name string, parent *Thread) (*Thread, error) {
	return Default().StartThread(tid, name, parent)
}

// Spawn starts a thread with a fresh id.
func Spawn(name string, parent *Thread) *Thread { return Default().Spawn(name, parent) }

// EndThread terminates t.
func EndThread(t *Thread) error { return Default().EndThread(t) }

// Join orders everything thread tid did before joiner's next step.
func Join(joiner *Thread, tid int64) error { return Default().Join(joiner, tid) }

// FieldRead records a read of owner.field on object (0 for static fields).
func FieldRead(t *Thread, owner, field string, object uint64, site Site) bool {
	return Default().FieldRead(t, owner, field, object, site)
}

// FieldWrite records a write of owner.field on object.
func FieldWrite(t *Thread, owner, field string, object uint64, site Site) bool {
	return Default().FieldWrite(t, owner, field, object, site)
}

// ObjectCall records a call of method on a foreign object.
func ObjectCall(t *Thread, object uint64, typ, method string, kind racelog.AccessKind, site Site) bool {
	return Default().ObjectCall(t, object, typ, method, kind, site)
}

// SyncBefore reports that t is about to make the call bound to v.
func SyncBefore(t *Thread, v VertexID, values ...any) error {
	return Default().SyncBefore(t, v, values...)
}

// SyncAfter reports that the call bound to v returned.
func SyncAfter(t *Thread, v VertexID, returned bool, values ...any) error {
	return Default().SyncAfter(t, v, returned, values...)
}

// Lookup resolves a call site to its synchronization vertices.
func Lookup(owner, member, signature string) []VertexID {
	return Default().Lookup(owner, member, signature)
}
