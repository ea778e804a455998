package shadowmem

import "sync"

// Table maps every monitored datum to its DataClock.
//
// Implementation: sync.Map, which fits the access pattern well:
//   - keys are stable (a datum is created once and lives for the run)
//   - the overwhelming majority of operations are hits on existing keys
//
// Thread Safety: all methods except Reset are safe for concurrent use.
type Table struct {
	cells sync.Map // Datum -> *DataClock
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// GetOrCreate returns the data clock for d, allocating it on first access.
//
// If several threads race to create the same datum only one DataClock is
// kept and all callers receive it.
func (t *Table) GetOrCreate(d Datum) *DataClock {
	if val, ok := t.cells.Load(d); ok {
		return val.(*DataClock)
	}
	actual, _ := t.cells.LoadOrStore(d, NewDataClock())
	return actual.(*DataClock)
}

// Get returns the data clock for d, or nil if d was never accessed.
func (t *Table) Get(d Datum) *DataClock {
	val, ok := t.cells.Load(d)
	if !ok {
		return nil
	}
	return val.(*DataClock)
}

// Len counts the tracked datums. O(n); do not call on the access path.
func (t *Table) Len() int {
	n := 0
	t.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for every datum until fn returns false.
func (t *Table) Range(fn func(Datum, *DataClock) bool) {
	t.cells.Range(func(k, v any) bool {
		return fn(k.(Datum), v.(*DataClock))
	})
}

// Reset forgets every datum. Not safe for concurrent use.
func (t *Table) Reset() {
	t.cells = sync.Map{}
}
