package race

// Tracker decides which events the instrumentation layer generates. The
// runtime never consults it: every event it receives is checked.
type Tracker interface {
	// ShouldTrackFieldAccess reports whether accesses to owner.field made
	// from caller are monitored.
	ShouldTrackFieldAccess(owner, field, caller string) bool

	// ShouldTrackForeignCall reports whether calls of typ.method made from
	// caller are monitored as foreign object accesses.
	ShouldTrackForeignCall(typ, method, caller string) bool
}

// TrackFields monitors every field access and no foreign call.
var TrackFields Tracker = trackFields{}

type trackFields struct{}

func (trackFields) ShouldTrackFieldAccess(_, _, _ string) bool { return true }
func (trackFields) ShouldTrackForeignCall(_, _, _ string) bool { return false }

// TrackerFunc adapts two predicates to a Tracker. A nil predicate rejects
// everything.
type TrackerFunc struct {
	Field   func(owner, field, caller string) bool
	Foreign func(typ, method, caller string) bool
}

// ShouldTrackFieldAccess implements Tracker.
func (f TrackerFunc) ShouldTrackFieldAccess(owner, field, caller string) bool {
	return f.Field != nil && f.Field(owner, field, caller)
}

// ShouldTrackForeignCall implements Tracker.
func (f TrackerFunc) ShouldTrackForeignCall(typ, method, caller string) bool {
	return f.Foreign != nil && f.Foreign(typ, method, caller)
}
