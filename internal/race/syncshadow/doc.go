// Package syncshadow implements shadow state for synchronization points.
//
// A synchronization point is where one thread publishes its knowledge and
// another picks it up: a lock release and the next acquire, a channel send
// and its receive, a thread's end and its join. Each point is a SyncVar
// holding the join of all clocks sent to it.
//
// Sync Algorithm:
//
//	Send(p):     Sp := Sp ⊔ Ct  (rendezvous clock joins thread clock)
//	             Ct[t]++        (increment thread's clock)
//
//	Receive(p):  Ct := Ct ⊔ Sp  (thread clock joins rendezvous clock)
//	             Ct[t]++
//
// Where:
//   - Ct is the vector clock for thread t
//   - Sp is the rendezvous clock for point p
//   - ⊔ is the join operation (element-wise maximum)
//
// Example:
//
//	// Thread 1
//	x = 42            // Write at C1
//	ch <- v           // Send: S_ch ⊔= C1
//
//	// Thread 2
//	<-ch              // Receive: C2 ⊔= S_ch (gets Thread 1's clock)
//	y = x             // Read at C2: no race, the write happened-before
//
// Which calls are sends and receives, and which argument values identify the
// point, is decided by package contract.
package syncshadow
