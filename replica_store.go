package replica

import (
	"go.uber.org/zap"
)

// Store is the durable log store. It holds the replication log entries and the committed orders of a replica.
// There is no consensus logic here; the store only guards record immutability and the permitted status
// transitions of log entries.
type Store interface {
	// AppendEntry persists a new log entry. The logId must not be present already.
	AppendEntry(le *LogEntry) error
	// UpdateEntryStatus moves an entry from Pending to a terminal status, recording the orderId of committed
	// entries. Repeating the same terminal update is a no-op.
	UpdateEntryStatus(logID, term int64, status EntryStatus, orderID int64) error
	// Entry returns the entry with the given logId, or nil if it is not present.
	Entry(logID int64) (*LogEntry, error)
	// EntriesAfter returns, in logId order, all entries with a logId strictly greater than logID.
	EntriesAfter(logID int64) ([]*LogEntry, error)
	// LastEntry returns the entry with the highest logId, or nil if the log is empty.
	LastEntry() (*LogEntry, error)
	// AppendOrder persists a committed order. The orderId must not be present already.
	AppendOrder(o Order) error
	// Order returns the order with the given id, or nil if it is not present.
	Order(orderID int64) (*Order, error)
	// OrdersAfter returns, in orderId order, all orders with an id strictly greater than orderID.
	OrdersAfter(orderID int64) ([]Order, error)
	// MaxOrderID returns the highest orderId persisted, 0 if there are none.
	MaxOrderID() (int64, error)
	Close() error
}

// StorageKind selects the Store implementation.
type StorageKind string

const (
	// StorageBolt keeps log and orders in a single bbolt file.
	StorageBolt StorageKind = "bolt"
	// StorageCSV keeps log and orders in delimited record files.
	StorageCSV StorageKind = "csv"
)

// StorageConfig describes where and how a replica persists its state.
type StorageConfig struct {
	Kind StorageKind
	// Path is the bbolt file for StorageBolt, and the directory holding orders.csv and log.csv for StorageCSV.
	Path string
}

// OpenStore opens the store described by cfg.
func OpenStore(cfg StorageConfig, logger *zap.SugaredLogger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	switch cfg.Kind {
	case StorageBolt, "":
		return openBoltStore(cfg.Path, logger)
	case StorageCSV:
		return openCSVStore(cfg.Path, logger)
	}
	return nil, replicaErrorf(ReplicaErrorMissingConfig, "unknown storage kind %q", cfg.Kind)
}

// checkStatusTransition validates a status update against the current entry. It returns false with no error
// when the update repeats what the entry already says.
func checkStatusTransition(cur *LogEntry, term int64, status EntryStatus, orderID int64) (bool, error) {

	if cur.Term != term {
		return false, replicaErrorf(ReplicaErrorTermMismatch,
			"entry %d has term %d, update names term %d", cur.LogID, cur.Term, term)
	}

	if !status.valid() || status == Pending {
		return false, replicaErrorf(ReplicaErrorStatusTransition,
			"entry %d cannot move to status %q", cur.LogID, status)
	}

	if status == Committed && orderID <= 0 {
		return false, replicaErrorf(ReplicaErrorStatusTransition,
			"entry %d cannot commit without an order id", cur.LogID)
	}

	if cur.Status == status {
		if status == Committed && cur.OrderID != orderID {
			return false, replicaErrorf(ReplicaErrorStatusTransition,
				"entry %d committed as order %d, update names order %d", cur.LogID, cur.OrderID, orderID)
		}
		return false, nil
	}

	if cur.Status != Pending {
		return false, replicaErrorf(ReplicaErrorStatusTransition,
			"entry %d is %s already, cannot become %s", cur.LogID, cur.Status, status)
	}

	return true, nil
}
