package fuzzy

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jabolina/go-branchcast/pkg/branchcast"
	"github.com/jabolina/go-branchcast/pkg/branchcast/definition"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
)

// BranchCluster is a fully meshed set of branches running on the
// loopback interface with shrunk timers.
type BranchCluster struct {
	T        *testing.T
	Names    []string
	Branches []*branchcast.Branch
}

func freePorts(t *testing.T, amount int) []int {
	t.Helper()
	ports := make([]int, 0, amount)
	for i := 0; i < amount; i++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed reserving port. %v", err)
		}
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
		_ = listener.Close()
	}
	return ports
}

// CreateCluster boots a cluster where every branch is seeded with
// the products returned by the seed function.
func CreateCluster(t *testing.T, size int, prefix string, seed func(name string) []types.Product) *BranchCluster {
	t.Helper()
	ports := freePorts(t, size)
	names := make([]string, size)
	for i := 0; i < size; i++ {
		names[i] = fmt.Sprintf("%s-%d", prefix, i)
	}

	cluster := &BranchCluster{T: t, Names: names}
	for i, name := range names {
		var peers []types.PeerAddress
		for j, other := range names {
			if other != name {
				peers = append(peers, types.PeerAddress{ID: other, Host: "127.0.0.1", Port: ports[j]})
			}
		}
		configuration := &types.Configuration{
			BranchID:          name,
			BindHost:          "127.0.0.1",
			PeerPort:          ports[i],
			Peers:             peers,
			Seed:              seed(name),
			ScanInterval:      150 * time.Millisecond,
			HeartbeatInterval: 300 * time.Millisecond,
			SyncInterval:      100 * time.Millisecond,
			AcquireTimeout:    3 * time.Second,
			ReservationTTL:    2 * time.Second,
			ConnectRetries:    5,
			Logger:            definition.NewDefaultLogger(name),
		}
		branch, err := branchcast.NewBranch(configuration)
		if err != nil {
			t.Fatalf("failed creating branch %s. %v", name, err)
		}
		cluster.Branches = append(cluster.Branches, branch)
	}

	for _, branch := range cluster.Branches {
		if err := branch.Start(); err != nil {
			t.Fatalf("failed starting branch %s. %v", branch.ID(), err)
		}
	}
	return cluster
}

// Off shuts every branch down and waits for the drain.
func (c *BranchCluster) Off() {
	futures := make([]branchcast.Future, 0, len(c.Branches))
	for _, branch := range c.Branches {
		futures = append(futures, branch.Shutdown())
	}
	for _, future := range futures {
		future.Wait()
	}
}

// Quantity reads a product quantity on one branch, failing the
// test if the product is missing.
func (c *BranchCluster) Quantity(index int, product string) int {
	c.T.Helper()
	p, ok := c.Branches[index].QueryStock(product)
	if !ok {
		c.T.Fatalf("product %s missing on %s", product, c.Names[index])
	}
	return p.Quantity
}

// WaitThisOrTimeout runs the callback and reports whether it
// finished inside the window.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// Eventually polls the condition until it holds or the window
// closes.
func Eventually(condition func() bool, duration time.Duration) bool {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return condition()
}
