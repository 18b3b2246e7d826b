package types

import (
	"testing"
)

func TestOpLog_AppendAndRead(t *testing.T) {
	oplog := NewOpLog()
	for i := 1; i <= 10; i++ {
		appended := oplog.Append(LogEntry{
			Origin:    "branch-1",
			Timestamp: uint64(i),
			Op:        OpAddStock,
			Resource:  "P001",
		})
		if !appended {
			t.Errorf("entry %d rejected", i)
		}
	}

	if oplog.Size() != 10 {
		t.Errorf("expected 10 entries, found %d", oplog.Size())
	}

	entries := oplog.Dump()
	for i, entry := range entries {
		if entry.Timestamp != uint64(i+1) {
			t.Errorf("expected ts %d, found %d", i+1, entry.Timestamp)
		}
	}
}

func TestOpLog_DuplicateIdentityIsRejected(t *testing.T) {
	oplog := NewOpLog()
	entry := LogEntry{Origin: "branch-1", Timestamp: 7, Op: OpReduce, Resource: "P001"}
	if !oplog.Append(entry) {
		t.Fatal("first append rejected")
	}
	if oplog.Append(entry) {
		t.Fatal("duplicate identity accepted")
	}
	if oplog.Size() != 1 {
		t.Fatalf("expected 1 entry, found %d", oplog.Size())
	}
	if !oplog.Contains("branch-1", 7) {
		t.Fatal("identity not tracked")
	}

	// Same timestamp from another origin is a different entry.
	other := LogEntry{Origin: "branch-2", Timestamp: 7, Op: OpReduce, Resource: "P001"}
	if !oplog.Append(other) {
		t.Fatal("distinct origin rejected")
	}
}

func TestOpLog_EntriesAfterFiltersAndOrders(t *testing.T) {
	oplog := NewOpLog()
	oplog.Append(LogEntry{Origin: "b", Timestamp: 9, Op: OpReduce, Resource: "P001"})
	oplog.Append(LogEntry{Origin: "a", Timestamp: 9, Op: OpAddStock, Resource: "P001"})
	oplog.Append(LogEntry{Origin: "a", Timestamp: 7, Op: OpAddStock, Resource: "P001"})
	oplog.Append(LogEntry{Origin: "a", Timestamp: 3, Op: OpAddStock, Resource: "P001"})

	entries := oplog.EntriesAfter(3)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, found %d", len(entries))
	}
	if entries[0].Timestamp != 7 {
		t.Errorf("expected oldest first, found ts %d", entries[0].Timestamp)
	}
	// Equal timestamps ordered by origin id.
	if entries[1].Origin != "a" || entries[2].Origin != "b" {
		t.Errorf("tie not broken by origin: %s, %s", entries[1].Origin, entries[2].Origin)
	}
}
