// Package contract implements happens-before contracts: declarative rules
// describing which calls on which threads order each other.
//
// A Contract is a set of vertices. Each vertex binds a synchronization point
// (a method of some owner type) to a role. At runtime, vertices of the same
// contract invoked with equal linked values meet at one rendezvous:
//
//	Contract "mutex":
//	    sync.Mutex.Unlock  SEND    linked [0]
//	    sync.Mutex.Lock    RECEIVE linked [0]
//
//	t1: m.Unlock()   // SEND at rendezvous (mutex, m)
//	t2: m.Lock()     // RECEIVE at (mutex, m): t2 absorbs t1's clock
//
// Contracts are validated once, when a Registry is built. The registry
// resolves call sites to vertex ids through plain map lookups, and the
// Engine performs the clock transfers.
package contract

import (
	"errors"
	"strconv"
	"strings"
)

// MaxLinked is the maximum number of linked values of a vertex.
const MaxLinked = 4

// Wildcard as a member name matches every member of the owner.
const Wildcard = "*"

// Load-time errors. They are fatal: a runtime must not start with a
// contract it cannot interpret unambiguously.
var (
	ErrDuplicateContract = errors.New("contract: duplicate contract id")
	ErrEmptyContract     = errors.New("contract: contract has no id or no vertices")
	ErrNoReceiver        = errors.New("contract: contract has no receiving vertex")
	ErrAmbiguousLinking  = errors.New("contract: ambiguous linking")
	ErrConflictingRule   = errors.New("contract: conflicting rule")
)

// Runtime errors returned by the Engine.
var (
	ErrUnknownVertex = errors.New("contract: unknown vertex")
	ErrArity         = errors.New("contract: linked index out of range")
	ErrLinkedValue   = errors.New("contract: linked value is not comparable")
)

// Role is what a vertex does at its rendezvous.
type Role uint8

const (
	// Send publishes the calling thread's clock to the rendezvous.
	Send Role = iota
	// Receive absorbs the rendezvous clock into the calling thread.
	Receive
	// Full does both: every participant is joined with every other.
	Full
)

func (r Role) String() string {
	switch r {
	case Send:
		return "SEND"
	case Receive:
		return "RECEIVE"
	case Full:
		return "FULL"
	default:
		return "Role(" + strconv.Itoa(int(r)) + ")"
	}
}

// receives reports whether the role absorbs clocks.
func (r Role) receives() bool { return r == Receive || r == Full }

// SyncPoint identifies the call sites of a vertex.
type SyncPoint struct {
	// Owner is the declaring type, e.g. "sync.Mutex".
	Owner string
	// Member is the method name, or Wildcard.
	Member string
	// Signature narrows overloaded members; empty matches any signature.
	Signature string
	// Linked lists the call values whose identities form the rendezvous
	// key: 0 is the receiver, 1..n are the arguments.
	Linked []int
}

func (p SyncPoint) String() string {
	var b strings.Builder
	b.WriteString(p.Owner)
	b.WriteByte('.')
	b.WriteString(p.Member)
	b.WriteString(p.Signature)
	b.WriteByte('[')
	for i, l := range p.Linked {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(l))
	}
	b.WriteByte(']')
	return b.String()
}

// Vertex binds a sync point to a role.
type Vertex struct {
	Point SyncPoint
	Role  Role
	// ShouldReturnTrue restricts the vertex to calls that returned true,
	// such as a successful TryLock.
	ShouldReturnTrue bool
}

// Contract is a named group of vertices.
type Contract struct {
	ID       string
	Vertices []Vertex
}

// VertexID is a registry-assigned handle of one vertex.
type VertexID int

// NoVertex is never assigned.
const NoVertex VertexID = -1
