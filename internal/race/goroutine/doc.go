// Package goroutine implements the per-thread race detection state.
//
// Each monitored thread owns a Context holding its vector clock, its own
// frame and its retirement horizon. The clock is thread-confined: it is only
// touched by the owning thread, so the hot path needs no locking. Other
// threads interact with it through immutable Snapshots:
//   - sync vars store the snapshot merged by a sending thread
//   - a receiving thread Absorbs the rendezvous snapshot into its clock
//   - a dying thread publishes its final snapshot for joiners
//
// Dead threads are retired lazily. A thread drops the entry of a dead thread
// once it has observed that thread's last monitored access, advancing its
// horizon over the generation-ordered death log kept by package generation.
package goroutine
