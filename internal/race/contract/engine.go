package contract

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/metrics"
	"github.com/kolkov/racecore/internal/race/syncshadow"
)

// rendezvousKey identifies one rendezvous: the contract plus the tuple of
// linked values. Values are compared with ==, so pointers and handles meet
// by identity and plain values by equality.
type rendezvousKey struct {
	contract int
	n        int
	vals     [MaxLinked]any
}

// Engine transfers clocks between threads as contract vertices fire.
//
// Each monitored call bound to a vertex is reported twice: Before the call
// is made and After it returns. The timing per role is:
//
//	SEND                      Before: merge snapshot, tick
//	SEND (ShouldReturnTrue)   After, if returned: merge snapshot, tick
//	RECEIVE                   After, if the condition holds: absorb, tick
//	FULL                      Before: merge snapshot
//	                          After: merge again, absorb, tick
//	FULL (ShouldReturnTrue)   Before: hold snapshot
//	                          After, if returned: merge held and current,
//	                          absorb, tick
//
// A SEND that no RECEIVE ever matches is inert, and a RECEIVE from a
// rendezvous nobody sent to is a no-op.
type Engine struct {
	reg     *Registry
	shadow  *syncshadow.SyncShadow[rendezvousKey]
	metrics *metrics.Metrics

	// pending holds the arrival snapshots of gated FULL calls until their
	// return value is known.
	pending sync.Map // pendingKey -> *goroutine.Snapshot
}

type pendingKey struct {
	tid int64
	rendezvousKey
}

// NewEngine creates an engine over reg. m may be nil.
func NewEngine(reg *Registry, m *metrics.Metrics) *Engine {
	return &Engine{
		reg:     reg,
		shadow:  syncshadow.New[rendezvousKey](),
		metrics: m,
	}
}

// Registry returns the registry the engine was built with.
func (e *Engine) Registry() *Registry { return e.reg }

// Before reports that thread ctx is about to make the call bound to id.
// values are the call's receiver followed by its arguments.
func (e *Engine) Before(ctx *goroutine.Context, id VertexID, values ...any) error {
	v, k, err := e.resolve(id, values)
	if err != nil {
		return err
	}
	switch v.Role {
	case Send:
		if v.ShouldReturnTrue {
			return nil
		}
		e.send(ctx, k)
		ctx.Tick()
	case Full:
		if v.ShouldReturnTrue {
			e.pending.Store(pendingKey{ctx.TID, k}, ctx.Snapshot())
			return nil
		}
		e.send(ctx, k)
	default:
		return nil
	}
	e.metrics.Sync(v.Role.String())
	return nil
}

// After reports that the call bound to id returned. returned is the
// call's boolean result; pass true for calls without one.
func (e *Engine) After(ctx *goroutine.Context, id VertexID, returned bool, values ...any) error {
	_, err := e.after(ctx, id, returned, values)
	return err
}

// Acquire is After for a call without a boolean result. It reports whether
// a clock was absorbed: false for a RECEIVE whose rendezvous does not exist
// (nobody sent, or it was forgotten).
func (e *Engine) Acquire(ctx *goroutine.Context, id VertexID, values ...any) (bool, error) {
	return e.after(ctx, id, true, values)
}

func (e *Engine) after(ctx *goroutine.Context, id VertexID, returned bool, values []any) (bool, error) {
	v, k, err := e.resolve(id, values)
	if err != nil {
		return false, err
	}
	var arrival any
	if v.Role == Full && v.ShouldReturnTrue {
		arrival, _ = e.pending.LoadAndDelete(pendingKey{ctx.TID, k})
	}
	if v.ShouldReturnTrue && !returned {
		return false, nil
	}
	absorbed := false
	switch v.Role {
	case Send:
		if !v.ShouldReturnTrue {
			return false, nil
		}
		e.send(ctx, k)
	case Receive:
		if sv := e.shadow.Get(k); sv != nil {
			if snap := sv.Snapshot(); snap != nil {
				ctx.Absorb(snap)
				absorbed = true
			}
		}
	case Full:
		if snap, ok := arrival.(*goroutine.Snapshot); ok {
			e.shadow.GetOrCreate(k).Merge(snap)
		}
		sv := e.send(ctx, k)
		ctx.Absorb(sv.Snapshot())
		absorbed = true
	}
	ctx.Tick()
	e.metrics.Sync(v.Role.String())
	return absorbed, nil
}

// Forget drops the rendezvous of id for values, releasing its clock.
func (e *Engine) Forget(id VertexID, values ...any) error {
	_, k, err := e.resolve(id, values)
	if err != nil {
		return err
	}
	e.shadow.Delete(k)
	return nil
}

// Participants returns how many distinct threads have sent to the
// rendezvous of id for values.
func (e *Engine) Participants(id VertexID, values ...any) (int, error) {
	_, k, err := e.resolve(id, values)
	if err != nil {
		return 0, err
	}
	sv := e.shadow.Get(k)
	if sv == nil {
		return 0, nil
	}
	return sv.Participants(), nil
}

// Rendezvous returns the number of live rendezvous points.
func (e *Engine) Rendezvous() int { return e.shadow.Len() }

func (e *Engine) send(ctx *goroutine.Context, k rendezvousKey) *syncshadow.SyncVar {
	sv := e.shadow.GetOrCreate(k)
	sv.Merge(ctx.Snapshot())
	e.metrics.Merge()
	return sv
}

func (e *Engine) resolve(id VertexID, values []any) (Vertex, rendezvousKey, error) {
	if id < 0 || int(id) >= len(e.reg.vertices) {
		return Vertex{}, rendezvousKey{}, fmt.Errorf("%w: %d", ErrUnknownVertex, id)
	}
	bv := e.reg.vertices[id]
	k := rendezvousKey{contract: bv.contract, n: len(bv.Point.Linked)}
	for i, l := range bv.Point.Linked {
		if l >= len(values) {
			return Vertex{}, rendezvousKey{}, fmt.Errorf("%w: %s needs value %d, got %d values",
				ErrArity, bv.Point, l, len(values))
		}
		val := values[l]
		// Value.Comparable looks through interfaces inside structs and
		// arrays; hashing such a value as a map key would panic.
		if val != nil && !reflect.ValueOf(val).Comparable() {
			return Vertex{}, rendezvousKey{}, fmt.Errorf("%w: %T at %s", ErrLinkedValue, val, bv.Point)
		}
		k.vals[i] = val
	}
	return bv.Vertex, k, nil
}
