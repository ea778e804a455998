package syncshadow

import (
	"sync"
)

// SyncShadow maps rendezvous keys to their SyncVar.
//
// A key is anything comparable that identifies one synchronization point:
// the contract and the identities of the linked values (a lock object, a
// channel and its receiver, a thread id). All threads that arrive with an
// equal key share one SyncVar.
//
// Implementation:
//   - sync.Map for lock-free lookup on the hot path
//   - SyncVar allocated on the first send or receive for a key
//   - entries live until Delete or Reset
//
// Thread Safety: all methods except Reset are safe for concurrent use.
//
// Example:
//
//	shadow := New[key]()
//	sv := shadow.GetOrCreate(k)
//	sv.Merge(ctx.Snapshot()) // sender
//	ctx.Absorb(sv.Snapshot()) // receiver
type SyncShadow[K comparable] struct {
	vars sync.Map // K -> *SyncVar
}

// New creates an empty SyncShadow.
func New[K comparable]() *SyncShadow[K] {
	return &SyncShadow[K]{}
}

// GetOrCreate returns the SyncVar for k, creating it if needed.
//
// Several threads may race to create the same SyncVar; LoadOrStore keeps
// exactly one.
func (s *SyncShadow[K]) GetOrCreate(k K) *SyncVar {
	if val, ok := s.vars.Load(k); ok {
		return val.(*SyncVar)
	}
	val, _ := s.vars.LoadOrStore(k, &SyncVar{})
	return val.(*SyncVar)
}

// Get returns the SyncVar for k, or nil if nothing was ever sent to it.
func (s *SyncShadow[K]) Get(k K) *SyncVar {
	val, ok := s.vars.Load(k)
	if !ok {
		return nil
	}
	return val.(*SyncVar)
}

// Delete forgets k.
func (s *SyncShadow[K]) Delete(k K) {
	s.vars.Delete(k)
}

// Len counts the live rendezvous points. O(n).
func (s *SyncShadow[K]) Len() int {
	n := 0
	s.vars.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset clears all state. Not safe for concurrent use.
func (s *SyncShadow[K]) Reset() {
	s.vars = sync.Map{}
}
