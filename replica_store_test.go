package replica

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

func testStoreConfigs(t *testing.T) []StorageConfig {
	dir := t.TempDir()
	return []StorageConfig{
		{Kind: StorageBolt, Path: filepath.Join(dir, "replica.db")},
		{Kind: StorageCSV, Path: filepath.Join(dir, "csv")},
	}
}

func TestStoreBasicOperations(t *testing.T) {

	for _, cfg := range testStoreConfigs(t) {
		t.Run(string(cfg.Kind), func(t *testing.T) {

			s, err := OpenStore(cfg, testLoggerGet().Sugar())
			if err != nil {
				t.Fatal(err)
			}

			last, err := s.LastEntry()
			if err != nil || last != nil {
				t.Fatalf("expected empty log, got %v [%v]", last, err)
			}
			max, err := s.MaxOrderID()
			if err != nil || max != 0 {
				t.Fatalf("expected no orders, got %d [%v]", max, err)
			}

			t.Log("Test adding log entries")
			const addCount = 101
			for i := int64(1); i <= addCount; i++ {
				le := &LogEntry{LogID: i, Term: 1, Payload: OrderDetails{Item: "item with, comma", Quantity: i},
					Status: Pending}
				if err = s.AppendEntry(le); err != nil {
					t.Fatal(err)
				}
			}

			err = s.AppendEntry(&LogEntry{LogID: 5, Term: 1, Status: Pending})
			if errors.Cause(err) != ReplicaErrorDuplicate {
				t.Errorf("expected duplicate entry to be refused, got [%v]", err)
			}

			last, err = s.LastEntry()
			if err != nil || last == nil || last.LogID != addCount {
				t.Fatalf("expected last entry %d, got %v [%v]", addCount, last, err)
			}

			after, err := s.EntriesAfter(addCount - 3)
			if err != nil {
				t.Fatal(err)
			}
			var ids []int64
			for _, le := range after {
				ids = append(ids, le.LogID)
			}
			if diff := deep.Equal(ids, []int64{addCount - 2, addCount - 1, addCount}); diff != nil {
				t.Error(diff)
			}

			t.Log("Test status transitions")
			if err = s.UpdateEntryStatus(1, 1, Committed, 7); err != nil {
				t.Errorf("Pending->Committed failed [%v]", err)
			}
			if err = s.UpdateEntryStatus(1, 1, Committed, 7); err != nil {
				t.Errorf("repeated commit should be a noop [%v]", err)
			}
			if err = s.UpdateEntryStatus(2, 1, Aborted, 0); err != nil {
				t.Errorf("Pending->Aborted failed [%v]", err)
			}

			negatives := []struct {
				name    string
				logID   int64
				term    int64
				status  EntryStatus
				orderID int64
				cause   error
			}{
				{"committed to aborted", 1, 1, Aborted, 0, ReplicaErrorStatusTransition},
				{"committed with other order", 1, 1, Committed, 8, ReplicaErrorStatusTransition},
				{"aborted to committed", 2, 1, Committed, 9, ReplicaErrorStatusTransition},
				{"back to pending", 3, 1, Pending, 0, ReplicaErrorStatusTransition},
				{"commit without order id", 3, 1, Committed, 0, ReplicaErrorStatusTransition},
				{"wrong term", 3, 2, Committed, 9, ReplicaErrorTermMismatch},
				{"unknown entry", addCount + 1, 1, Committed, 9, ReplicaErrorUnknownEntry},
			}
			for _, n := range negatives {
				err = s.UpdateEntryStatus(n.logID, n.term, n.status, n.orderID)
				if errors.Cause(err) != n.cause {
					t.Errorf("NEGATIVE %s: expected %v, got [%v]", n.name, n.cause, err)
				}
			}

			t.Log("Test orders")
			for _, id := range []int64{3, 1, 2} {
				if err = s.AppendOrder(Order{OrderID: id, Item: "widget", Quantity: id * 10}); err != nil {
					t.Fatal(err)
				}
			}
			err = s.AppendOrder(Order{OrderID: 2, Item: "gadget", Quantity: 1})
			if errors.Cause(err) != ReplicaErrorDuplicate {
				t.Errorf("expected duplicate order to be refused, got [%v]", err)
			}
			orders, err := s.OrdersAfter(1)
			if err != nil {
				t.Fatal(err)
			}
			if diff := deep.Equal(orders, []Order{{2, "widget", 20}, {3, "widget", 30}}); diff != nil {
				t.Error(diff)
			}
			o, err := s.Order(4)
			if err != nil || o != nil {
				t.Errorf("expected no order 4, got %v [%v]", o, err)
			}

			if err = s.Close(); err != nil {
				t.Fatal(err)
			}

			t.Log("Test state survives reopen")
			s, err = OpenStore(cfg, testLoggerGet().Sugar())
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			le, err := s.Entry(1)
			if err != nil {
				t.Fatal(err)
			}
			expected := &LogEntry{LogID: 1, Term: 1, Payload: OrderDetails{Item: "item with, comma", Quantity: 1},
				Status: Committed, OrderID: 7}
			if diff := deep.Equal(le, expected); diff != nil {
				t.Error(diff)
			}
			le, _ = s.Entry(2)
			if le == nil || le.Status != Aborted {
				t.Errorf("expected entry 2 aborted after reopen, got %v", le)
			}
			max, _ = s.MaxOrderID()
			if max != 3 {
				t.Errorf("expected max order id 3 after reopen, got %d", max)
			}
			after, _ = s.EntriesAfter(0)
			if len(after) != addCount {
				t.Errorf("expected %d entries after reopen, got %d", addCount, len(after))
			}
		})
	}
}

func TestBoltKeyOrdering(t *testing.T) {

	path := filepath.Join(t.TempDir(), "order.db")
	s, err := openBoltStore(path, testLoggerGet().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Ids which sort out of order as decimal strings.
	for _, id := range []int64{9, 10, 100, 255, 256, 1} {
		if err = s.AppendOrder(Order{OrderID: id, Item: "x", Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}

	var last int64
	err = s.db.View(func(tx *bbolt.Tx) error {
		iterator := tx.Bucket([]byte(dbBucketOrders)).Cursor()
		for k, _ := iterator.First(); k != nil; k, _ = iterator.Next() {
			current, _ := idFromSerialisedKey(k)
			if current < last {
				t.Errorf("Test found unordered keys produced by serialisation: %v before %v", last, current)
			}
			last = current
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}

	max, _ := s.MaxOrderID()
	if max != 256 {
		t.Errorf("expected max 256, got %d", max)
	}
}

func TestOpenStoreNegative(t *testing.T) {
	for _, cfg := range []StorageConfig{{Kind: "tape", Path: "x"}, {Kind: StorageBolt}, {Kind: StorageCSV}} {
		_, err := OpenStore(cfg, nil)
		if errors.Cause(err) != ReplicaErrorMissingConfig {
			t.Errorf("%+v: expected %v, got [%v]", cfg, ReplicaErrorMissingConfig, err)
		}
	}
}

func TestCSVStoreLogReopenFailure(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "csv")
	lg := testLoggerGet().Sugar()
	s, err := openCSVStore(dir, lg)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.AppendEntry(&LogEntry{LogID: 1, Term: 1, Payload: OrderDetails{"widget", 2}, Status: Pending}); err != nil {
		t.Fatal(err)
	}

	s.openFile = func(name string, flag int, perm os.FileMode) (*os.File, error) {
		return nil, os.ErrPermission
	}
	err = s.UpdateEntryStatus(1, 1, Committed, 3)
	if errors.Cause(err) != ReplicaErrorStorage {
		t.Fatalf("expected %v, got [%v]", ReplicaErrorStorage, err)
	}

	// Memory follows the patched file, and the store refuses appends it could not persist.
	le, err := s.Entry(1)
	if err != nil || le == nil || le.Status != Committed || le.OrderID != 3 {
		t.Errorf("expected entry 1 committed as order 3 in memory, got %v [%v]", le, err)
	}
	err = s.AppendEntry(&LogEntry{LogID: 2, Term: 1, Payload: OrderDetails{"widget", 1}, Status: Pending})
	if errors.Cause(err) != ReplicaErrorStorage {
		t.Errorf("expected append on unusable log to fail with %v, got [%v]", ReplicaErrorStorage, err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = openCSVStore(dir, lg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	entries, err := s.EntriesAfter(0)
	if err != nil {
		t.Fatal(err)
	}
	expected := []*LogEntry{{LogID: 1, Term: 1, Payload: OrderDetails{"widget", 2}, Status: Committed, OrderID: 3}}
	if diff := deep.Equal(entries, expected); diff != nil {
		t.Error(diff)
	}
}
