package fuzzy

import (
	"testing"
	"time"

	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"go.uber.org/goleak"
)

// One branch runs low while the others are rich; the periodic scan
// must rebalance the poor branch up to twice its minimum stock
// without human intervention.
func Test_ClusterRebalancesLowStock(t *testing.T) {
	defer goleak.VerifyNone(t)

	cluster := CreateCluster(t, 3, "rebalance", func(name string) []types.Product {
		quantity := 40
		if name == "rebalance-0" {
			quantity = 2
		}
		return []types.Product{{ID: "P001", Name: "beans", Quantity: quantity, MinStock: 3}}
	})
	defer func() {
		if !WaitThisOrTimeout(cluster.Off, 30*time.Second) {
			t.Error("failed shutdown cluster")
		}
	}()

	if !Eventually(func() bool { return cluster.Quantity(0, "P001") >= 6 }, 10*time.Second) {
		t.Errorf("branch never replenished, quantity %d", cluster.Quantity(0, "P001"))
	}

	// No stock was created or destroyed by the transfer. A losing
	// reservation may still be waiting for its rollback, so the
	// total is given time to settle.
	conserved := Eventually(func() bool {
		total := 0
		for i := range cluster.Branches {
			total += cluster.Quantity(i, "P001")
		}
		return total == 82
	}, 10*time.Second)
	if !conserved {
		t.Error("cluster total changed after rebalancing")
	}
}

// Two branches are low on two different products at the same time,
// both must end replenished.
func Test_ConcurrentReplenishments(t *testing.T) {
	defer goleak.VerifyNone(t)

	cluster := CreateCluster(t, 3, "concurrent", func(name string) []types.Product {
		p1, p2 := 30, 30
		switch name {
		case "concurrent-0":
			p1 = 1
		case "concurrent-1":
			p2 = 1
		}
		return []types.Product{
			{ID: "P001", Name: "beans", Quantity: p1, MinStock: 3},
			{ID: "P002", Name: "filters", Quantity: p2, MinStock: 3},
		}
	})
	defer func() {
		if !WaitThisOrTimeout(cluster.Off, 30*time.Second) {
			t.Error("failed shutdown cluster")
		}
	}()

	ok := Eventually(func() bool {
		return cluster.Quantity(0, "P001") >= 6 && cluster.Quantity(1, "P002") >= 6
	}, 15*time.Second)
	if !ok {
		t.Errorf("cluster never converged: P001=%d P002=%d",
			cluster.Quantity(0, "P001"), cluster.Quantity(1, "P002"))
	}
}

// Every branch applies the stock operations shipped by the others.
// Seed stock is never shipped, so the replicated view of the origin
// holds only the shipped credit and debit: 7 - 2 = 5.
func Test_ClusterShipsOperationLogs(t *testing.T) {
	defer goleak.VerifyNone(t)

	cluster := CreateCluster(t, 3, "shipping", func(name string) []types.Product {
		return []types.Product{{ID: "P001", Name: "beans", Quantity: 10, MinStock: 2}}
	})
	defer func() {
		if !WaitThisOrTimeout(cluster.Off, 30*time.Second) {
			t.Error("failed shutdown cluster")
		}
	}()

	origin := cluster.Branches[0]
	if err := origin.AddStock("P001", 7); err != nil {
		t.Fatalf("failed adding stock. %v", err)
	}
	if err := origin.ReduceStock("P001", 2); err != nil {
		t.Fatalf("failed reducing stock. %v", err)
	}

	converged := Eventually(func() bool {
		for i := 1; i < len(cluster.Branches); i++ {
			found := false
			for _, product := range cluster.Branches[i].RemoteStock(cluster.Names[0]) {
				if product.ID == "P001" && product.Quantity == 5 {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, 10*time.Second)
	if !converged {
		t.Error("replicated views never converged")
	}
}
