package core

import (
	"context"
	"sync"
	"time"

	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
)

// Applier consumes one log entry that was not applied before. The
// engine already deduplicated on the (origin, timestamp) identity,
// the applier only mutates local state.
type Applier func(entry types.LogEntry)

// BroadcastFunc is the one-to-all sending capability injected into
// the engine.
type BroadcastFunc func(message types.Message)

// PeersFunc snapshots the peers currently worth syncing with.
type PeersFunc func() []string

// Replication maintains the append only log of applied operations
// and synchronises it lazily across peers: new entries are
// broadcast as they happen, and a periodic sync requests whatever
// was missed while a peer was unreachable.
type Replication struct {
	self string

	clock types.LogicalClock
	oplog *types.OpLog

	send      SendFunc
	broadcast BroadcastFunc
	peers     PeersFunc
	apply     Applier
	log       types.Logger

	interval time.Duration

	mutex sync.Mutex
	// Highest timestamp exchanged with each peer: raised when the
	// peer acknowledges one of our entries and when we apply an
	// entry shipped by it. The periodic sync asks each peer only
	// for entries above this mark.
	lastApplied map[string]uint64

	invoker Invoker
	context context.Context
	finish  context.CancelFunc
	started bool
}

func NewReplication(
	self string,
	clock types.LogicalClock,
	oplog *types.OpLog,
	send SendFunc,
	broadcast BroadcastFunc,
	peers PeersFunc,
	apply Applier,
	interval time.Duration,
	log types.Logger,
) *Replication {
	ctx, done := context.WithCancel(context.Background())
	return &Replication{
		self:        self,
		clock:       clock,
		oplog:       oplog,
		send:        send,
		broadcast:   broadcast,
		peers:       peers,
		apply:       apply,
		log:         log,
		interval:    interval,
		lastApplied: make(map[string]uint64),
		invoker:     NewInvoker(),
		context:     ctx,
		finish:      done,
	}
}

// Start the periodic sync task.
func (r *Replication) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.invoker.Spawn(r.syncLoop)
}

// Stop the periodic sync and wait for it to drain.
func (r *Replication) Stop() {
	r.finish()
	r.invoker.Stop()
}

// Log records an operation that was already applied locally and
// ships it to every live peer. Replication carries effects, never
// intents: the caller mutated the inventory before calling.
func (r *Replication) Log(op types.Operation, resource string, payload map[string]interface{}) types.LogEntry {
	entry := types.LogEntry{
		Origin:    r.self,
		Timestamp: r.clock.Tick(),
		Op:        op,
		Resource:  resource,
		Payload:   payload,
	}
	r.oplog.Append(entry)
	r.broadcast(entryMessage(r.self, entry))
	return entry
}

// OnSyncRequest streams every entry above the requested timestamp
// back to the peer, oldest first, closed by a SYNC_RESPONSE with
// the count. Per peer FIFO on the transport keeps the order.
func (r *Replication) OnSyncRequest(message types.Message) {
	from, _ := message.PayloadUint(types.PayloadFromTS)
	entries := r.oplog.EntriesAfter(from)
	for _, entry := range entries {
		shipped := entryMessage(r.self, entry)
		shipped.To = message.From
		if err := r.send(message.From, shipped); err != nil {
			r.log.Debugf("sync stream to %s stopped. %v", message.From, err)
			return
		}
	}
	response := types.Message{
		Kind:      types.SyncResponse,
		From:      r.self,
		To:        message.From,
		Timestamp: r.clock.Tick(),
		Payload:   map[string]interface{}{types.PayloadCount: len(entries)},
	}
	if err := r.send(message.From, response); err != nil {
		r.log.Debugf("sync response to %s failed. %v", message.From, err)
	}
}

// OnLogEntry applies a shipped entry if its identity was not seen
// yet and acknowledges it back to the sender either way. The
// watermark kept for the sender is raised to the entry timestamp,
// so later sync requests to it skip the entry.
func (r *Replication) OnLogEntry(message types.Message) {
	entry, ok := decodeEntry(message)
	if !ok {
		r.log.Warnf("malformed log entry from %s. %#v", message.From, message.Payload)
		return
	}
	if entry.Origin == r.self {
		// Our own entry bounced back through a relay.
		return
	}

	if r.oplog.Append(entry) {
		r.apply(entry)
	}
	r.raise(message.From, entry.Timestamp)

	ack := types.Message{
		Kind:      types.LogAck,
		From:      r.self,
		To:        message.From,
		Resource:  entry.Resource,
		Timestamp: r.clock.Tick(),
		Payload:   map[string]interface{}{types.PayloadFromTS: entry.Timestamp},
	}
	if err := r.send(message.From, ack); err != nil {
		r.log.Debugf("log ack to %s failed. %v", message.From, err)
	}
}

// OnLogAck raises the peer watermark monotonically.
func (r *Replication) OnLogAck(message types.Message) {
	ts, ok := message.PayloadUint(types.PayloadFromTS)
	if !ok {
		return
	}
	r.raise(message.From, ts)
}

// OnSyncResponse only closes the catch-up round, nothing to do
// beyond diagnostics.
func (r *Replication) OnSyncResponse(message types.Message) {
	count, _ := message.PayloadInt(types.PayloadCount)
	r.log.Debugf("sync with %s streamed %d entries", message.From, count)
}

// LastApplied reads the watermark kept for a peer.
func (r *Replication) LastApplied(peer string) uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.lastApplied[peer]
}

func (r *Replication) raise(peer string, ts uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if ts > r.lastApplied[peer] {
		r.lastApplied[peer] = ts
	}
}

func (r *Replication) syncLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.context.Done():
			return
		case <-ticker.C:
			for _, peer := range r.peers() {
				request := types.Message{
					Kind:      types.SyncRequest,
					From:      r.self,
					To:        peer,
					Timestamp: r.clock.Tick(),
					Payload: map[string]interface{}{
						types.PayloadFromTS: r.LastApplied(peer),
					},
				}
				if err := r.send(peer, request); err != nil {
					r.log.Debugf("sync request to %s failed. %v", peer, err)
				}
			}
		}
	}
}

func entryMessage(self string, entry types.LogEntry) types.Message {
	return types.Message{
		Kind:      types.LogEntryKind,
		From:      self,
		Resource:  entry.Resource,
		Timestamp: entry.Timestamp,
		Payload: map[string]interface{}{
			types.PayloadOrigin: entry.Origin,
			types.PayloadOp:     string(entry.Op),
			types.PayloadFromTS: entry.Timestamp,
			types.PayloadData:   entry.Payload,
		},
	}
}

func decodeEntry(message types.Message) (types.LogEntry, bool) {
	origin, ok := message.PayloadString(types.PayloadOrigin)
	if !ok || origin == "" {
		return types.LogEntry{}, false
	}
	op, ok := message.PayloadString(types.PayloadOp)
	if !ok {
		return types.LogEntry{}, false
	}
	ts, ok := message.PayloadUint(types.PayloadFromTS)
	if !ok {
		return types.LogEntry{}, false
	}
	data, _ := message.PayloadMap(types.PayloadData)
	return types.LogEntry{
		Origin:    origin,
		Timestamp: ts,
		Op:        types.Operation(op),
		Resource:  message.Resource,
		Payload:   data,
	}, true
}
