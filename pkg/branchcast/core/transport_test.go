package core

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-branchcast/pkg/branchcast/definition"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

type transportNode struct {
	id        string
	port      int
	transport Transport
	mutex     sync.Mutex
	received  []types.Message
}

func newTransportNode(t *testing.T, id string) *transportNode {
	t.Helper()
	node := &transportNode{id: id, port: freePort(t)}
	configuration := &types.Configuration{
		BranchID:       id,
		BindHost:       "127.0.0.1",
		PeerPort:       node.port,
		ConnectRetries: 2,
	}
	node.transport = NewTCPTransport(configuration, types.NewClock(), definition.NewDefaultLogger(id))
	node.transport.SetHandler(func(message types.Message) {
		node.mutex.Lock()
		defer node.mutex.Unlock()
		node.received = append(node.received, message)
	})
	require.NoError(t, node.transport.Start())
	t.Cleanup(node.transport.Close)
	return node
}

func (n *transportNode) address() string {
	return fmt.Sprintf("127.0.0.1:%d", n.port)
}

func (n *transportNode) messages() []types.Message {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	out := make([]types.Message, len(n.received))
	copy(out, n.received)
	return out
}

func (n *transportNode) kinds(kind types.Kind) []types.Message {
	var out []types.Message
	for _, m := range n.messages() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func TestTCPTransport_StartIsIdempotent(t *testing.T) {
	node := newTransportNode(t, "branch-a")
	assert.NoError(t, node.transport.Start())
	node.transport.Close()
	// A closed transport does not come back.
	assert.ErrorIs(t, node.transport.Start(), ErrTransportClosed)
}

func TestTCPTransport_ConnectDeliversHello(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	b := newTransportNode(t, "branch-b")

	require.True(t, a.transport.Connect("branch-b", b.address()))
	assert.Contains(t, a.transport.LivePeers(), "branch-b")

	// The hello rebinds the anonymous inbound link on b.
	require.Eventually(t, func() bool {
		return len(b.kinds(types.PeerHello)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "branch-a", b.kinds(types.PeerHello)[0].From)
	require.Eventually(t, func() bool {
		for _, peer := range b.transport.LivePeers() {
			if peer == "branch-a" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Connecting again reuses the live link.
	assert.True(t, a.transport.Connect("branch-b", b.address()))
}

func TestTCPTransport_PerPeerOrderIsPreserved(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	b := newTransportNode(t, "branch-b")
	require.True(t, a.transport.Connect("branch-b", b.address()))

	const total = 200
	for i := 0; i < total; i++ {
		err := a.transport.Send("branch-b", types.Message{
			Kind:      types.Ping,
			From:      "branch-a",
			Timestamp: uint64(i + 1),
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(b.kinds(types.Ping)) == total
	}, 5*time.Second, 10*time.Millisecond)

	pings := b.kinds(types.Ping)
	for i, m := range pings {
		require.Equal(t, uint64(i+1), m.Timestamp, "envelope %d out of order", i)
	}
}

func TestTCPTransport_ReplyFlowsOverInboundLink(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	b := newTransportNode(t, "branch-b")
	require.True(t, a.transport.Connect("branch-b", b.address()))

	require.Eventually(t, func() bool {
		return len(b.transport.LivePeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.transport.Send("branch-a", types.Message{
		Kind: types.Pong,
		From: "branch-b",
	}))
	assert.Eventually(t, func() bool {
		return len(a.kinds(types.Pong)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPTransport_BroadcastReachesEveryLivePeer(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	b := newTransportNode(t, "branch-b")
	c := newTransportNode(t, "branch-c")
	require.True(t, a.transport.Connect("branch-b", b.address()))
	require.True(t, a.transport.Connect("branch-c", c.address()))

	a.transport.Broadcast(types.Message{Kind: types.BranchHeartbeat, From: "branch-a"})

	for _, node := range []*transportNode{b, c} {
		node := node
		assert.Eventually(t, func() bool {
			return len(node.kinds(types.BranchHeartbeat)) == 1
		}, 2*time.Second, 10*time.Millisecond, "node %s", node.id)
	}
}

func TestTCPTransport_SendToUnknownPeerFails(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	err := a.transport.Send("branch-x", types.Message{Kind: types.Ping, From: "branch-a"})
	assert.ErrorIs(t, err, ErrPeerNotLive)
}

func TestTCPTransport_LostLinkMarksPeerNotLive(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	b := newTransportNode(t, "branch-b")
	require.True(t, a.transport.Connect("branch-b", b.address()))

	b.transport.Close()

	assert.Eventually(t, func() bool {
		err := a.transport.Send("branch-b", types.Message{Kind: types.Ping, From: "branch-a"})
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPTransport_ConnectFailsForDeadAddress(t *testing.T) {
	a := newTransportNode(t, "branch-a")
	port := freePort(t)
	assert.False(t, a.transport.Connect("branch-x", fmt.Sprintf("127.0.0.1:%d", port)))
	assert.NotContains(t, a.transport.LivePeers(), "branch-x")
}
