package core

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
)

// AcquireResult is the outcome of a critical section request.
type AcquireResult int

const (
	// Granted means every peer replied and the caller holds the
	// critical section.
	Granted AcquireResult = iota

	// TimedOut means the replies did not arrive in time, the
	// request was abandoned.
	TimedOut

	// Rejected means another acquire for the same resource was
	// already in flight on this node.
	Rejected
)

func (r AcquireResult) String() string {
	switch r {
	case Granted:
		return "granted"
	case TimedOut:
		return "timed-out"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendFunc is the message sending capability injected into the
// engine, breaking the cycle with the component that owns the
// transport.
type SendFunc func(peer string, message types.Message) error

// MutexEngine runs the Ricart-Agrawala mutual exclusion protocol
// over the configured peer set, one independent state machine per
// resource domain. At most one node of the set holds the critical
// section for a resource at any time, ordered by the Lamport
// timestamp of the requests.
type MutexEngine struct {
	self  string
	peers []string

	clock types.LogicalClock
	send  SendFunc
	log   types.Logger

	mutex   sync.Mutex
	domains map[string]*resourceState

	shutdown chan struct{}
	once     sync.Once
}

// Per resource protocol state.
//
// Invariants: inCS implies pending is empty; not requesting
// implies deferred is empty.
type resourceState struct {
	requesting bool
	inCS       bool
	requestTS  uint64
	pending    mapset.Set[string]
	deferred   mapset.Set[string]
	granted    chan struct{}
}

func NewMutexEngine(self string, peers []string, clock types.LogicalClock, send SendFunc, log types.Logger) *MutexEngine {
	filtered := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer != self {
			filtered = append(filtered, peer)
		}
	}
	return &MutexEngine{
		self:     self,
		peers:    filtered,
		clock:    clock,
		send:     send,
		log:      log,
		domains:  make(map[string]*resourceState),
		shutdown: make(chan struct{}),
	}
}

// Acquire requests the critical section for the resource and
// blocks until every peer replied or the timeout elapsed. A peer
// that cannot be reached counts as an implicit reply: a silent
// peer is not running its own critical section, and waiting on it
// would block the caller forever.
func (e *MutexEngine) Acquire(resource string, timeout time.Duration) AcquireResult {
	e.mutex.Lock()
	state := e.domain(resource)
	if state.inCS {
		e.mutex.Unlock()
		return Granted
	}
	if state.requesting {
		e.mutex.Unlock()
		return Rejected
	}

	state.requesting = true
	state.requestTS = e.clock.Tick()
	state.pending = mapset.NewSet(e.peers...)
	state.deferred = mapset.NewSet[string]()
	state.granted = make(chan struct{})

	if state.pending.IsEmpty() {
		state.inCS = true
		e.mutex.Unlock()
		return Granted
	}
	request := types.Message{
		Kind:      types.MutexRequest,
		From:      e.self,
		Resource:  resource,
		Timestamp: state.requestTS,
	}
	granted := state.granted
	e.mutex.Unlock()

	for _, peer := range e.peers {
		message := request
		message.To = peer
		if err := e.send(peer, message); err != nil {
			e.log.Debugf("mutex request to %s failed, implicit reply. %v", peer, err)
			e.markReplied(resource, peer)
		}
	}

	select {
	case <-granted:
		return Granted
	case <-time.After(timeout):
		e.abandon(resource)
		return TimedOut
	case <-e.shutdown:
		e.abandon(resource)
		return TimedOut
	}
}

// Release leaves the critical section, answering every deferred
// request. Calling it after a timed out acquire is a no-op.
func (e *MutexEngine) Release(resource string) {
	e.mutex.Lock()
	state := e.domain(resource)
	if !state.inCS {
		e.mutex.Unlock()
		return
	}
	state.inCS = false
	state.requesting = false
	deferred := state.deferred.ToSlice()
	state.deferred = mapset.NewSet[string]()
	e.mutex.Unlock()

	e.replyAll(resource, deferred)
}

// Held verifies if the local node currently holds the critical
// section for the resource.
func (e *MutexEngine) Held(resource string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.domain(resource).inCS
}

// OnRequest handles a MUTEX_REQUEST from a peer. The reply is sent
// immediately unless the local node is inside the critical section
// or its own pending request has priority; those are deferred
// until Release.
func (e *MutexEngine) OnRequest(message types.Message) {
	peer := message.From
	resource := message.Resource

	e.mutex.Lock()
	state := e.domain(resource)
	replyNow := !state.requesting ||
		(!state.inCS && lexLess(message.Timestamp, peer, state.requestTS, e.self))
	if !replyNow {
		state.deferred.Add(peer)
	}
	e.mutex.Unlock()

	if replyNow {
		e.replyAll(resource, []string{peer})
	}
}

// OnReply handles a MUTEX_REPLY from a peer. Replies that do not
// match a pending acquire are discarded, they may belong to a
// request that already timed out.
func (e *MutexEngine) OnReply(message types.Message) {
	e.markReplied(message.Resource, message.From)
}

// Shutdown wakes every blocked acquirer with a failure. The engine
// keeps answering peer requests so the rest of the cluster does
// not block on this node.
func (e *MutexEngine) Shutdown() {
	e.once.Do(func() {
		close(e.shutdown)
	})
}

// Removes the peer from the pending set, granting the critical
// section when it was the last one missing.
func (e *MutexEngine) markReplied(resource, peer string) {
	e.mutex.Lock()
	state := e.domain(resource)
	if !state.requesting || state.inCS || !state.pending.Contains(peer) {
		e.mutex.Unlock()
		return
	}
	state.pending.Remove(peer)
	if !state.pending.IsEmpty() {
		e.mutex.Unlock()
		return
	}
	state.inCS = true
	granted := state.granted
	e.mutex.Unlock()
	close(granted)
}

// Resets the resource to not requesting after a timeout, flushing
// the deferred replies so no peer stays blocked on this node.
func (e *MutexEngine) abandon(resource string) {
	e.mutex.Lock()
	state := e.domain(resource)
	// A grant racing the timeout is released right here, the
	// caller was already told the acquire failed.
	state.inCS = false
	state.requesting = false
	state.pending = mapset.NewSet[string]()
	deferred := state.deferred.ToSlice()
	state.deferred = mapset.NewSet[string]()
	e.mutex.Unlock()

	e.replyAll(resource, deferred)
}

func (e *MutexEngine) replyAll(resource string, peers []string) {
	for _, peer := range peers {
		reply := types.Message{
			Kind:      types.MutexReply,
			From:      e.self,
			To:        peer,
			Resource:  resource,
			Timestamp: e.clock.Tick(),
		}
		if err := e.send(peer, reply); err != nil {
			e.log.Debugf("mutex reply to %s failed. %v", peer, err)
		}
	}
}

// Callers hold the engine mutex.
func (e *MutexEngine) domain(resource string) *resourceState {
	state, ok := e.domains[resource]
	if !ok {
		state = &resourceState{
			pending:  mapset.NewSet[string](),
			deferred: mapset.NewSet[string](),
		}
		e.domains[resource] = state
	}
	return state
}

// Requests are ordered by (timestamp, node id), the smaller pair
// wins.
func lexLess(ts1 uint64, id1 string, ts2 uint64, id2 string) bool {
	if ts1 != ts2 {
		return ts1 < ts2
	}
	return id1 < id2
}
