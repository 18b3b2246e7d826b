// Package branchcast implements the coordination core of a peer
// to peer cluster of branch nodes. Every branch holds a local
// inventory and cooperates with its peers to rebalance stock:
// events are ordered by a Lamport clock, cross branch updates are
// serialised by a Ricart-Agrawala mutex and applied operations are
// shipped to every peer through an append only log.
package branchcast

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jabolina/go-branchcast/pkg/branchcast/core"
	"github.com/jabolina/go-branchcast/pkg/branchcast/definition"
	"github.com/jabolina/go-branchcast/pkg/branchcast/helper"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
)

// Future is a blocking handle for an asynchronous completion.
type Future interface {
	// Wait blocks until the operation completed.
	Wait()
}

// StockChange is the notification pushed to the gateway when a
// transfer touches the local inventory.
type StockChange struct {
	Branch   string
	Product  string
	Quantity int
	Op       types.Operation
}

// Listener consumes stock change notifications.
type Listener func(change StockChange)

// Holds information for shutting down the whole branch.
type poweroff struct {
	shutdown bool
	ch       chan struct{}
	mutex    *sync.Mutex
}

// The requester side of an in flight replenishment. Only the first
// approval is credited, later ones are left to expire on the
// approving branch.
type pendingTransfer struct {
	product   string
	quantity  int
	fulfilled bool
	expires   time.Time
}

// The acceptor side of an approved transfer: stock already
// debited, waiting for the confirm. Expired reservations restore
// the stock.
type reservation struct {
	product  string
	quantity int
	to       string
	expires  time.Time
}

// Branch is one node of the cluster. It is the single writer of
// the local inventory and the only component originating outbound
// peer traffic on behalf of the branch.
type Branch struct {
	configuration *types.Configuration
	log           types.Logger

	clock     types.LogicalClock
	inventory *types.Inventory
	oplog     *types.OpLog

	transport   core.Transport
	mutexEngine *core.MutexEngine
	replication *core.Replication

	// Mirror of every peer inventory, rebuilt from the shipped
	// operation log.
	remotes map[string]*types.Inventory

	known mapset.Set[string]

	mutex        sync.Mutex
	pending      map[string]*pendingTransfer
	reservations map[string]*reservation
	heartbeats   map[string]int64
	listeners    []Listener

	invoker core.Invoker
	off     poweroff
	started bool
}

// NewBranch wires a branch node from the given configuration. The
// node does not touch the network until Start is called.
func NewBranch(configuration *types.Configuration) (*Branch, error) {
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	if configuration.Logger == nil {
		configuration.Logger = definition.NewDefaultLogger(configuration.BranchID)
	}
	definition.ApplyTimerDefaults(configuration)

	clock := types.NewClock()
	transport := core.NewTCPTransport(configuration, clock, configuration.Logger)
	branch := &Branch{
		configuration: configuration,
		log:           configuration.Logger,
		clock:         clock,
		inventory:     types.NewInventory(configuration.Seed),
		oplog:         types.NewOpLog(),
		transport:     transport,
		remotes:       make(map[string]*types.Inventory),
		known:         mapset.NewSet(configuration.PeerIDs()...),
		pending:       make(map[string]*pendingTransfer),
		reservations:  make(map[string]*reservation),
		heartbeats:    make(map[string]int64),
		invoker:       core.NewInvoker(),
		off: poweroff{
			ch:    make(chan struct{}),
			mutex: &sync.Mutex{},
		},
	}

	branch.mutexEngine = core.NewMutexEngine(
		configuration.BranchID,
		configuration.PeerIDs(),
		clock,
		transport.Send,
		configuration.Logger,
	)
	branch.replication = core.NewReplication(
		configuration.BranchID,
		clock,
		branch.oplog,
		transport.Send,
		transport.Broadcast,
		transport.LivePeers,
		branch.applyEntry,
		configuration.SyncInterval,
		configuration.Logger,
	)
	transport.SetHandler(branch.process)
	return branch, nil
}

// Start binds the transport, dials the configured peers and spawns
// the periodic tasks.
func (b *Branch) Start() error {
	b.off.mutex.Lock()
	defer b.off.mutex.Unlock()
	if b.started || b.off.shutdown {
		return nil
	}
	if err := b.transport.Start(); err != nil {
		return err
	}
	b.started = true

	for _, peer := range b.configuration.Peers {
		peer := peer
		b.invoker.Spawn(func() {
			if b.transport.Connect(peer.ID, peer.Address()) {
				b.known.Add(peer.ID)
			}
		})
	}

	b.replication.Start()
	b.invoker.Spawn(b.scanLoop)
	b.invoker.Spawn(b.heartbeatLoop)
	b.invoker.Spawn(b.janitorLoop)
	return nil
}

// Shutdown stops the branch: periodic tasks end, in flight
// acquires unblock with a failure and every peer link is torn
// down. The returned future blocks until everything drained.
func (b *Branch) Shutdown() Future {
	b.off.mutex.Lock()
	defer b.off.mutex.Unlock()
	if b.off.shutdown {
		return &shutdownFuture{}
	}
	b.off.shutdown = true
	close(b.off.ch)

	goodbye := types.Message{
		Kind:      types.PeerGoodbye,
		From:      b.configuration.BranchID,
		Timestamp: b.clock.Tick(),
	}
	b.transport.Broadcast(goodbye)

	b.replication.Stop()
	b.mutexEngine.Shutdown()
	b.transport.Close()
	return &shutdownFuture{branch: b}
}

type shutdownFuture struct {
	branch *Branch
}

func (f *shutdownFuture) Wait() {
	if f.branch != nil {
		f.branch.invoker.Stop()
	}
}

// ID of the local branch.
func (b *Branch) ID() string {
	return b.configuration.BranchID
}

// QueryStock reads a single product from the local inventory.
func (b *Branch) QueryStock(id string) (types.Product, bool) {
	return b.inventory.Get(id)
}

// ListStock snapshots the whole local inventory.
func (b *Branch) ListStock() []types.Product {
	return b.inventory.List()
}

// RemoteStock reads the replicated view of a peer inventory, as
// rebuilt from its shipped log.
func (b *Branch) RemoteStock(branch string) []types.Product {
	b.mutex.Lock()
	view, ok := b.remotes[branch]
	b.mutex.Unlock()
	if !ok {
		return nil
	}
	return view.List()
}

// AddProduct stores a new product through the admin surface and
// ships the operation to every peer.
func (b *Branch) AddProduct(product types.Product) error {
	if err := b.inventory.Add(product); err != nil {
		return err
	}
	b.replication.Log(types.OpProductAdd, product.ID, map[string]interface{}{
		types.PayloadProduct: types.EncodeProduct(product),
	})
	return nil
}

// RemoveProduct deletes a product through the admin surface.
func (b *Branch) RemoveProduct(id string) error {
	return b.inventory.Remove(id)
}

// AddStock credits units on the local inventory and ships the
// operation.
func (b *Branch) AddStock(id string, amount int) error {
	if err := b.inventory.AddStock(id, amount); err != nil {
		return err
	}
	b.replication.Log(types.OpAddStock, id, map[string]interface{}{
		types.PayloadQuantity: amount,
	})
	return nil
}

// ReduceStock debits units on the local inventory, e.g. a sale
// registered by the gateway, and ships the operation.
func (b *Branch) ReduceStock(id string, amount int) error {
	if err := b.inventory.Reduce(id, amount); err != nil {
		return err
	}
	b.replication.Log(types.OpReduce, id, map[string]interface{}{
		types.PayloadQuantity: amount,
	})
	return nil
}

// RequestReplenishment asks every known peer for the given amount
// of units. Fire and forget: the outcome arrives asynchronously as
// a stock change notification.
func (b *Branch) RequestReplenishment(productID string, quantity int) {
	if quantity <= 0 {
		return
	}
	ticket := helper.GenerateUID()
	b.mutex.Lock()
	b.pending[ticket] = &pendingTransfer{
		product:  productID,
		quantity: quantity,
		expires:  time.Now().Add(b.configuration.ReservationTTL),
	}
	b.mutex.Unlock()

	request := types.Message{
		Kind:      types.StockTransferRequest,
		From:      b.configuration.BranchID,
		Resource:  productID,
		Timestamp: b.clock.Tick(),
		Payload: map[string]interface{}{
			types.PayloadQuantity: quantity,
			types.PayloadTicket:   ticket,
		},
	}
	b.log.Infof("requesting %d units of %s from peers", quantity, productID)
	b.transport.Broadcast(request)
}

// KnownPeers lists every branch this node learned about, dialed
// or not.
func (b *Branch) KnownPeers() []string {
	return b.known.ToSlice()
}

// ConnectPeer dials a peer and records it on the known set.
func (b *Branch) ConnectPeer(id, host string, port int) bool {
	address := types.PeerAddress{ID: id, Host: host, Port: port}
	if !b.transport.Connect(id, address.Address()) {
		return false
	}
	b.known.Add(id)
	return true
}

// OnStockChange registers a gateway listener for pushed stock
// change notifications.
func (b *Branch) OnStockChange(listener Listener) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Inbound envelope dispatch. The clock witnesses the envelope
// timestamp before any handler interprets the payload.
func (b *Branch) process(message types.Message) {
	b.clock.Update(message.Timestamp)

	switch message.Kind {
	case types.PeerHello:
		b.known.Add(message.From)
		b.reply(message, types.Ack, nil)
	case types.PeerGoodbye:
		b.known.Remove(message.From)
	case types.BranchHeartbeat:
		millis, _ := message.PayloadInt(types.PayloadMillis)
		b.mutex.Lock()
		b.heartbeats[message.From] = millis
		b.mutex.Unlock()
	case types.StockTransferRequest:
		// Handled off the link pump: the acquire inside can wait
		// on mutex replies that arrive on this very link.
		select {
		case <-b.off.ch:
		default:
			b.invoker.Spawn(func() { b.onTransferRequest(message) })
		}
	case types.StockTransferResponse:
		b.onTransferResponse(message)
	case types.StockTransferConfirm:
		b.onTransferConfirm(message)
	case types.MutexRequest:
		b.mutexEngine.OnRequest(message)
	case types.MutexReply:
		b.mutexEngine.OnReply(message)
	case types.SyncRequest:
		b.replication.OnSyncRequest(message)
	case types.SyncResponse:
		b.replication.OnSyncResponse(message)
	case types.LogEntryKind:
		b.replication.OnLogEntry(message)
	case types.LogAck:
		b.replication.OnLogAck(message)
	case types.Ping:
		b.reply(message, types.Pong, nil)
	case types.Pong, types.Ack:
		b.log.Debugf("%s from %s", message.Kind, message.From)
	case types.ErrorKind:
		reason, _ := message.PayloadString(types.PayloadReason)
		b.log.Warnf("peer %s reported: %s", message.From, reason)
	default:
		b.log.Warnf("unknown kind %s from %s", message.Kind, message.From)
		b.reply(message, types.ErrorKind, map[string]interface{}{
			types.PayloadReason: "unknown kind " + string(message.Kind),
		})
	}
}

// The acceptor half of the transfer protocol. Stock is reserved
// under the distributed mutex for the product, the requester is
// answered and the reservation waits for its confirm.
func (b *Branch) onTransferRequest(message types.Message) {
	quantity, ok := message.PayloadInt(types.PayloadQuantity)
	if !ok || quantity <= 0 || message.Resource == "" {
		b.reply(message, types.ErrorKind, map[string]interface{}{
			types.PayloadReason: "malformed transfer request",
		})
		return
	}
	ticket, ok := message.PayloadString(types.PayloadTicket)
	if !ok {
		ticket = helper.GenerateUID()
	}

	approved := false
	if b.mutexEngine.Acquire(message.Resource, b.configuration.AcquireTimeout) == core.Granted {
		err := b.inventory.TransferOut(message.Resource, int(quantity), message.From)
		approved = err == nil
		b.mutexEngine.Release(message.Resource)
	}

	if approved {
		b.mutex.Lock()
		b.reservations[ticket] = &reservation{
			product:  message.Resource,
			quantity: int(quantity),
			to:       message.From,
			expires:  time.Now().Add(b.configuration.ReservationTTL),
		}
		b.mutex.Unlock()
		b.log.Infof("reserved %d units of %s for %s", quantity, message.Resource, message.From)
	}

	b.reply(message, types.StockTransferResponse, map[string]interface{}{
		types.PayloadQuantity: quantity,
		types.PayloadApproved: approved,
		types.PayloadTicket:   ticket,
	})
}

// The requester half: the first approval is credited and
// confirmed, later ones expire on the approving branch.
func (b *Branch) onTransferResponse(message types.Message) {
	approved, _ := message.PayloadBool(types.PayloadApproved)
	quantity, _ := message.PayloadInt(types.PayloadQuantity)
	ticket, _ := message.PayloadString(types.PayloadTicket)

	if !approved {
		b.log.Debugf("%s refused transfer of %s", message.From, message.Resource)
		return
	}

	b.mutex.Lock()
	transfer, ok := b.pending[ticket]
	if !ok || transfer.fulfilled || transfer.product != message.Resource {
		b.mutex.Unlock()
		b.log.Debugf("ignoring approval from %s for %s", message.From, message.Resource)
		return
	}
	transfer.fulfilled = true
	b.mutex.Unlock()

	if err := b.inventory.Receive(message.Resource, int(quantity)); err != nil {
		b.log.Errorf("failed crediting %s. %v", message.Resource, err)
		return
	}
	b.replication.Log(types.OpTransferIn, message.Resource, map[string]interface{}{
		types.PayloadQuantity: quantity,
		types.PayloadOrigin:   message.From,
	})
	b.reply(message, types.StockTransferConfirm, map[string]interface{}{
		types.PayloadTicket: ticket,
	})
	b.log.Infof("received %d units of %s from %s", quantity, message.Resource, message.From)
	b.notify(StockChange{
		Branch:   message.From,
		Product:  message.Resource,
		Quantity: int(quantity),
		Op:       types.OpTransferIn,
	})
}

// The confirm finalises the reservation on the acceptor: the
// debit becomes a shipped transfer-out.
func (b *Branch) onTransferConfirm(message types.Message) {
	ticket, _ := message.PayloadString(types.PayloadTicket)

	b.mutex.Lock()
	reserved, ok := b.reservations[ticket]
	if ok {
		delete(b.reservations, ticket)
	}
	b.mutex.Unlock()

	if !ok {
		// The reservation expired and the stock was restored; the
		// cluster diverged by one lost confirm and the operators
		// must reconcile.
		b.log.Warnf("confirm for unknown reservation %s from %s", ticket, message.From)
		return
	}

	b.replication.Log(types.OpTransferOut, reserved.product, map[string]interface{}{
		types.PayloadQuantity: reserved.quantity,
		types.PayloadOrigin:   reserved.to,
	})
	b.log.Infof("transfer of %d units of %s to %s confirmed", reserved.quantity, reserved.product, reserved.to)
	b.notify(StockChange{
		Branch:   b.configuration.BranchID,
		Product:  reserved.product,
		Quantity: reserved.quantity,
		Op:       types.OpTransferOut,
	})
}

// Applies a shipped log entry to the mirror of the origin branch.
// Quantities on a mirror are clamped at zero: a partial view can
// miss the entries that credited the stock being debited.
func (b *Branch) applyEntry(entry types.LogEntry) {
	b.mutex.Lock()
	view, ok := b.remotes[entry.Origin]
	if !ok {
		view = types.NewInventory(nil)
		b.remotes[entry.Origin] = view
	}
	b.mutex.Unlock()

	quantity := 0
	if n, ok := entryQuantity(entry); ok {
		quantity = n
	}

	switch entry.Op {
	case types.OpProductAdd:
		if data, ok := entry.Payload[types.PayloadProduct].(map[string]interface{}); ok {
			if product, err := types.DecodeProduct(data); err == nil {
				if err := view.Add(product); err != nil {
					_ = view.Update(product)
				}
				return
			}
		}
		b.log.Warnf("malformed product-add entry %s", entry.Key())
	case types.OpAddStock, types.OpTransferIn:
		ensureRow(view, entry.Resource)
		_ = view.AddStock(entry.Resource, quantity)
	case types.OpReduce, types.OpTransferOut:
		ensureRow(view, entry.Resource)
		if err := view.Reduce(entry.Resource, quantity); err != nil {
			current, _ := view.Get(entry.Resource)
			_ = view.UpdateQuantity(entry.Resource, max(0, current.Quantity-quantity))
		}
	default:
		b.log.Warnf("unknown operation %s on entry %s", entry.Op, entry.Key())
	}
}

// Periodic low stock scan: every product at or below its minimum
// gets a replenishment request, unless one is already in flight.
func (b *Branch) scanLoop() {
	ticker := time.NewTicker(b.configuration.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.off.ch:
			return
		case <-ticker.C:
			for _, product := range b.inventory.LowStock() {
				needed := product.ReplenishmentNeeded()
				if needed <= 0 || b.inFlight(product.ID) {
					continue
				}
				b.RequestReplenishment(product.ID, needed)
			}
		}
	}
}

func (b *Branch) heartbeatLoop() {
	ticker := time.NewTicker(b.configuration.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.off.ch:
			return
		case <-ticker.C:
			b.transport.Broadcast(types.Message{
				Kind:      types.BranchHeartbeat,
				From:      b.configuration.BranchID,
				Timestamp: b.clock.Tick(),
				Payload: map[string]interface{}{
					types.PayloadMillis: types.NowMillis(),
				},
			})
		}
	}
}

// Expires reservations whose confirm never arrived, restoring the
// reserved stock, and drops stale pending transfers so the scan
// can retry them.
func (b *Branch) janitorLoop() {
	period := b.configuration.ReservationTTL / 2
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-b.off.ch:
			return
		case <-ticker.C:
			b.expire(time.Now())
		}
	}
}

func (b *Branch) expire(now time.Time) {
	var restored []*reservation
	b.mutex.Lock()
	for ticket, reserved := range b.reservations {
		if now.After(reserved.expires) {
			delete(b.reservations, ticket)
			restored = append(restored, reserved)
		}
	}
	for ticket, transfer := range b.pending {
		if now.After(transfer.expires) {
			delete(b.pending, ticket)
		}
	}
	b.mutex.Unlock()

	for _, reserved := range restored {
		b.log.Warnf("reservation of %d units of %s for %s expired, restoring",
			reserved.quantity, reserved.product, reserved.to)
		if err := b.inventory.Receive(reserved.product, reserved.quantity); err != nil {
			b.log.Errorf("failed restoring %s. %v", reserved.product, err)
		}
	}
}

func (b *Branch) inFlight(productID string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, transfer := range b.pending {
		if transfer.product == productID && !transfer.fulfilled {
			return true
		}
	}
	return false
}

// reply answers the sender of the message with a fresh tick.
func (b *Branch) reply(message types.Message, kind types.Kind, payload map[string]interface{}) {
	response := types.Message{
		Kind:      kind,
		From:      b.configuration.BranchID,
		To:        message.From,
		Resource:  message.Resource,
		Timestamp: b.clock.Tick(),
		Payload:   payload,
	}
	if err := b.transport.Send(message.From, response); err != nil {
		b.log.Debugf("reply %s to %s failed. %v", kind, message.From, err)
	}
}

func (b *Branch) notify(change StockChange) {
	b.mutex.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mutex.Unlock()
	for _, listener := range listeners {
		listener(change)
	}
}

func ensureRow(view *types.Inventory, id string) {
	if _, ok := view.Get(id); !ok {
		_ = view.Add(types.Product{ID: id, Name: id})
	}
}

func entryQuantity(entry types.LogEntry) (int, bool) {
	switch v := entry.Payload[types.PayloadQuantity].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
