package contract

// Ids of the built-in contracts.
const (
	Mutex       = "sync.mutex"
	RWMutex     = "sync.rwmutex"
	RWMutexRead = "sync.rwmutex.read"
	Channel     = "chan"
	WaitGroup   = "sync.waitgroup"
	Once        = "sync.once"
	Barrier     = "barrier"
	ThreadStart = "thread.start"
	ThreadJoin  = "thread.join"
)

// Owner of the thread lifecycle points. The linked value is the thread id.
const ThreadOwner = "Thread"

// Thread lifecycle members.
const (
	MemberStart = "start"
	MemberRun   = "run"
	MemberEnd   = "end"
	MemberJoin  = "join"
)

var recv0 = []int{0}

func send(owner, member string) Vertex {
	return Vertex{Point: SyncPoint{Owner: owner, Member: member, Linked: recv0}, Role: Send}
}

func receive(owner, member string) Vertex {
	return Vertex{Point: SyncPoint{Owner: owner, Member: member, Linked: recv0}, Role: Receive}
}

func tryReceive(owner, member string) Vertex {
	v := receive(owner, member)
	v.ShouldReturnTrue = true
	return v
}

func full(owner, member string) Vertex {
	return Vertex{Point: SyncPoint{Owner: owner, Member: member, Linked: recv0}, Role: Full}
}

// Builtin returns the contracts of the standard primitives, all linked on
// the receiver (or the thread id for the thread lifecycle):
//
//	sync.Mutex      Unlock -> Lock, TryLock
//	sync.RWMutex    Unlock -> Lock, TryLock, RLock, TryRLock
//	                RUnlock -> Lock, TryLock
//	chan            send, close -> recv
//	sync.WaitGroup  Done -> Wait
//	sync.Once       Do (full)
//	Barrier         Await (full)
//	Thread          start -> run, end -> join
//
// Readers of an RWMutex are not ordered with each other.
func Builtin() []Contract {
	return []Contract{
		{ID: Mutex, Vertices: []Vertex{
			send("sync.Mutex", "Unlock"),
			receive("sync.Mutex", "Lock"),
			tryReceive("sync.Mutex", "TryLock"),
		}},
		{ID: RWMutex, Vertices: []Vertex{
			send("sync.RWMutex", "Unlock"),
			receive("sync.RWMutex", "Lock"),
			tryReceive("sync.RWMutex", "TryLock"),
			receive("sync.RWMutex", "RLock"),
			tryReceive("sync.RWMutex", "TryRLock"),
		}},
		{ID: RWMutexRead, Vertices: []Vertex{
			send("sync.RWMutex", "RUnlock"),
			receive("sync.RWMutex", "Lock"),
			tryReceive("sync.RWMutex", "TryLock"),
		}},
		{ID: Channel, Vertices: []Vertex{
			send("chan", "send"),
			send("chan", "close"),
			receive("chan", "recv"),
		}},
		{ID: WaitGroup, Vertices: []Vertex{
			send("sync.WaitGroup", "Done"),
			receive("sync.WaitGroup", "Wait"),
		}},
		{ID: Once, Vertices: []Vertex{
			full("sync.Once", "Do"),
		}},
		{ID: Barrier, Vertices: []Vertex{
			full("Barrier", "Await"),
		}},
		{ID: ThreadStart, Vertices: []Vertex{
			send(ThreadOwner, MemberStart),
			receive(ThreadOwner, MemberRun),
		}},
		{ID: ThreadJoin, Vertices: []Vertex{
			send(ThreadOwner, MemberEnd),
			receive(ThreadOwner, MemberJoin),
		}},
	}
}
