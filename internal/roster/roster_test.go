package roster

import (
	"path/filepath"
	"testing"

	"liarslie/internal/identity"
)

func testRecords(t *testing.T, n int) []Record {
	t.Helper()
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		keys, err := identity.Generate()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		records = append(records, Record{
			ID:     uint64(i + 1),
			Addr:   "127.0.0.1:0",
			PubKey: keys.PubHex(),
		})
	}
	return records
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.config")
	records := testRecords(t, 3)
	if err := Save(path, records); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	dir, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if dir.Len() != 3 {
		t.Fatalf("unexpected roster size %d", dir.Len())
	}
	rec, ok := dir.Resolve(2)
	if !ok || rec.PubKey != records[1].PubKey {
		t.Fatalf("resolve mismatch")
	}
	if _, ok := dir.Resolve(99); ok {
		t.Fatalf("unexpected resolve hit")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.config")); err == nil {
		t.Fatalf("expected error for missing roster")
	}
}

func TestNewDirectoryRejectsDuplicates(t *testing.T) {
	records := testRecords(t, 2)
	records[1].ID = records[0].ID
	if _, err := NewDirectory(records); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestNewDirectoryRejectsBadKey(t *testing.T) {
	records := testRecords(t, 1)
	records[0].PubKey = "abcd"
	if _, err := NewDirectory(records); err == nil {
		t.Fatalf("expected bad key error")
	}
}

func TestAllOrderedByID(t *testing.T) {
	records := testRecords(t, 3)
	// Present them out of order.
	shuffled := []Record{records[2], records[0], records[1]}
	dir, err := NewDirectory(shuffled)
	if err != nil {
		t.Fatalf("new directory failed: %v", err)
	}
	all := dir.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("roster not ordered by id")
		}
	}
}

func TestPartition(t *testing.T) {
	dir, err := NewDirectory(testRecords(t, 5))
	if err != nil {
		t.Fatalf("new directory failed: %v", err)
	}
	direct, relayOnly := dir.Partition([]uint64{2, 4, 99})
	if len(direct) != 2 || len(relayOnly) != 3 {
		t.Fatalf("unexpected partition sizes %d/%d", len(direct), len(relayOnly))
	}
	for _, rec := range direct {
		if rec.ID != 2 && rec.ID != 4 {
			t.Fatalf("unexpected direct record %d", rec.ID)
		}
	}
}
