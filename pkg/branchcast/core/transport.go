package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"github.com/pkg/errors"
)

var (
	// ErrPeerNotLive is returned when sending to a peer without a
	// live link. Delivery is best effort, the caller decides what
	// a missing reply means.
	ErrPeerNotLive = errors.New("peer link not live")

	// ErrTransportClosed is returned once Close was called.
	ErrTransportClosed = errors.New("transport closed")

	// ErrFrameTooLarge is returned for inbound frames above the
	// wire limit.
	ErrFrameTooLarge = errors.New("frame exceeds limit")
)

// Frames above this size are dropped and the link torn down.
const maxFrameSize = 1 << 20

// How many envelopes a peer link buffers before newer ones are
// dropped. Send never blocks the caller.
const outboxSize = 256

// Handler consumes one delivered inbound envelope. Invoked on the
// link reader goroutine, so envelopes from the same peer arrive in
// the order they were sent.
type Handler func(message types.Message)

// The transport interface providing the communication primitives
// between branches. It owns the listening endpoint and every
// socket; other components only hold logical peer identifiers.
type Transport interface {
	// Start accepting inbound peer links.
	Start() error

	// Connect dials an outbound link to the peer if none exists,
	// emitting a PEER_HELLO envelope on success.
	Connect(id, address string) bool

	// Send enqueues the envelope for the peer and returns
	// immediately. A lost link drops the envelope and reports the
	// peer not live.
	Send(peer string, message types.Message) error

	// Broadcast sends one independent copy per live peer.
	Broadcast(message types.Message)

	// LivePeers snapshots the identifiers with a live link.
	LivePeers() []string

	// SetHandler registers the callback invoked once per
	// delivered inbound envelope.
	SetHandler(handler Handler)

	// Close stops accepting and tears every link down.
	Close()
}

// TCP implementation of the Transport interface. Envelopes are
// length prefixed JSON frames, one stream per peer pair; inbound
// links stay anonymous until a PEER_HELLO rebinds them to the
// canonical peer id.
type TCPTransport struct {
	log types.Logger

	self string
	bind string

	retries uint64

	clock types.LogicalClock

	mutex    sync.RWMutex
	links    map[string]*peerLink
	live     mapset.Set[string]
	handler  Handler
	listener net.Listener
	started  bool

	invoker Invoker

	context context.Context
	finish  context.CancelFunc
}

// A single bidirectional peer link. The link owns its socket and
// both pump goroutines; everything else only enqueues on the
// outbox.
type peerLink struct {
	id      string
	conn    net.Conn
	outbox  chan types.Message
	context context.Context
	finish  context.CancelFunc
	once    sync.Once
}

// Create a new instance of the transport interface.
func NewTCPTransport(configuration *types.Configuration, clock types.LogicalClock, log types.Logger) Transport {
	ctx, done := context.WithCancel(context.Background())
	return &TCPTransport{
		log:     log,
		self:    configuration.BranchID,
		bind:    configuration.BindAddress(),
		retries: configuration.ConnectRetries,
		clock:   clock,
		links:   make(map[string]*peerLink),
		live:    mapset.NewSet[string](),
		invoker: NewInvoker(),
		context: ctx,
		finish:  done,
	}
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) Start() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	select {
	case <-t.context.Done():
		return ErrTransportClosed
	default:
	}
	if t.started {
		return nil
	}

	listener, err := net.Listen("tcp", t.bind)
	if err != nil {
		return errors.Wrapf(err, "binding %s", t.bind)
	}
	t.listener = listener
	t.started = true
	t.invoker.Spawn(t.accept)
	return nil
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) Connect(id, address string) bool {
	if t.isLive(id) {
		return true
	}

	var conn net.Conn
	dial := func() error {
		c, err := net.DialTimeout("tcp", address, 2*time.Second)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.retries)
	if err := backoff.Retry(dial, backoff.WithContext(policy, t.context)); err != nil {
		t.log.Warnf("failed dialing %s at %s. %v", id, address, err)
		return false
	}

	link := t.register(id, conn, true)
	if link == nil {
		_ = conn.Close()
		return false
	}
	hello := types.Message{
		Kind:      types.PeerHello,
		From:      t.self,
		To:        id,
		Timestamp: t.clock.Tick(),
	}
	if err := t.Send(id, hello); err != nil {
		t.log.Warnf("failed hello to %s. %v", id, err)
		return false
	}
	return true
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) Send(peer string, message types.Message) error {
	t.mutex.RLock()
	link, ok := t.links[peer]
	live := t.live.Contains(peer)
	t.mutex.RUnlock()
	if !ok || !live {
		return ErrPeerNotLive
	}

	select {
	case link.outbox <- message:
		return nil
	case <-link.context.Done():
		return ErrPeerNotLive
	default:
		// Full outbox means the pump is stalled. Delivery is best
		// effort, drop instead of blocking the caller.
		t.log.Warnf("dropping %s envelope to %s, outbox full", message.Kind, peer)
		return ErrPeerNotLive
	}
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) Broadcast(message types.Message) {
	for _, peer := range t.LivePeers() {
		copied := message
		copied.To = ""
		if err := t.Send(peer, copied); err != nil {
			t.log.Debugf("broadcast skipped %s. %v", peer, err)
		}
	}
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) LivePeers() []string {
	return t.live.ToSlice()
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) SetHandler(handler Handler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handler = handler
}

// TCPTransport implements Transport interface.
func (t *TCPTransport) Close() {
	t.mutex.Lock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	links := make([]*peerLink, 0, len(t.links))
	for _, link := range t.links {
		links = append(links, link)
	}
	t.mutex.Unlock()

	t.finish()
	for _, link := range links {
		t.teardown(link)
	}
	t.invoker.Stop()
}

// Accept loop for inbound peer links. Links are registered under
// the remote socket address until a PEER_HELLO installs the
// canonical name.
func (t *TCPTransport) accept() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.context.Done():
			default:
				t.log.Warnf("accept failed on %s. %v", t.bind, err)
			}
			return
		}
		// Inbound links are anonymous until a PEER_HELLO installs
		// the canonical peer id, they never join the live set
		// under their socket address.
		if t.register(conn.RemoteAddr().String(), conn, false) == nil {
			_ = conn.Close()
		}
	}
}

// Registers a link under the given identifier and spawns both
// pumps. Returns nil when the transport is already closed.
func (t *TCPTransport) register(id string, conn net.Conn, live bool) *peerLink {
	select {
	case <-t.context.Done():
		return nil
	default:
	}

	ctx, done := context.WithCancel(t.context)
	link := &peerLink{
		id:      id,
		conn:    conn,
		outbox:  make(chan types.Message, outboxSize),
		context: ctx,
		finish:  done,
	}

	t.mutex.Lock()
	if previous, ok := t.links[id]; ok {
		t.mutex.Unlock()
		t.teardown(previous)
		t.mutex.Lock()
	}
	t.links[id] = link
	if live {
		t.live.Add(id)
	}
	t.mutex.Unlock()

	t.invoker.Spawn(func() { t.reader(link) })
	t.invoker.Spawn(func() { t.writer(link) })

	// Close may have snapshotted the link map right before this
	// registration; tearing down here covers that window.
	select {
	case <-t.context.Done():
		t.teardown(link)
	default:
	}
	return link
}

// Reader pump. Decodes frames until the link dies and hands each
// envelope to the registered handler, rebinding anonymous links
// when a PEER_HELLO arrives.
func (t *TCPTransport) reader(link *peerLink) {
	// A rebind can rename the link concurrently, log under the
	// name the pump started with.
	name := link.conn.RemoteAddr().String()
	for {
		message, err := readFrame(link.conn)
		if err != nil {
			select {
			case <-link.context.Done():
			default:
				if !errors.Is(err, io.EOF) {
					t.log.Debugf("link %s read failed. %v", name, err)
				}
			}
			t.teardown(link)
			return
		}

		if message.Kind == types.PeerHello && message.From != "" {
			t.rebind(link, message.From)
		}

		t.mutex.RLock()
		handler := t.handler
		t.mutex.RUnlock()
		if handler != nil {
			handler(message)
		}
	}
}

// Writer pump. Frames every envelope of the outbox in order, so
// envelopes accepted for one peer arrive in the order they were
// enqueued, or not at all.
func (t *TCPTransport) writer(link *peerLink) {
	name := link.conn.RemoteAddr().String()
	for {
		select {
		case <-link.context.Done():
			return
		case message := <-link.outbox:
			if err := writeFrame(link.conn, message); err != nil {
				t.log.Debugf("link %s write failed. %v", name, err)
				t.teardown(link)
				return
			}
		}
	}
}

// Installs the canonical peer id on an inbound link that was
// registered under its socket address. When both ends dialed each
// other the canonical name is already taken by a healthy outbound
// link; the inbound one keeps receiving under its socket address
// and sends keep flowing on the existing link.
func (t *TCPTransport) rebind(link *peerLink, id string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if link.id == id {
		return
	}
	if _, taken := t.links[id]; taken {
		t.log.Debugf("peer %s already linked, keeping inbound link anonymous", id)
		return
	}
	delete(t.links, link.id)
	link.id = id
	t.links[id] = link
	t.live.Add(id)
	t.log.Debugf("link rebound to peer %s", id)
}

// Tears a link down, marking the peer not live. Safe to call more
// than once.
func (t *TCPTransport) teardown(link *peerLink) {
	link.once.Do(func() {
		link.finish()
		_ = link.conn.Close()

		t.mutex.Lock()
		if t.links[link.id] == link {
			delete(t.links, link.id)
			t.live.Remove(link.id)
		}
		t.mutex.Unlock()
	})
}

func (t *TCPTransport) isLive(id string) bool {
	return t.live.Contains(id)
}

// Length prefixed JSON framing. The prefix is a big endian uint32
// with the body size.
func writeFrame(conn net.Conn, message types.Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = conn.Write(frame)
	return err
}

func readFrame(conn net.Conn) (types.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return types.Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return types.Message{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return types.Message{}, err
	}
	var message types.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return types.Message{}, err
	}
	return message, nil
}
