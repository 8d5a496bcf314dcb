package replica

import (
	"fmt"
	"strconv"
	"strings"
)

// Replica identifies an order replica. Ids are unique and totally ordered; the ordering is the sole leader
// election criterion. HealthAddr optionally advertises the gRPC health endpoint of the replica.
type Replica struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	HealthAddr string `json:"healthAddr,omitempty"`
}

// NoLeader is the identity returned when no leader could be elected.
var NoLeader = Replica{ID: -1}

// IsNone is true for the NoLeader sentinel.
func (r Replica) IsNone() bool {
	return r.ID < 0
}

func (r Replica) String() string {
	return fmt.Sprintf("%d@%s", r.ID, r.URL)
}

// EntryStatus is the commit state of a log entry.
type EntryStatus string

const (
	// Pending entries are waiting for the outcome of the quorum decision.
	Pending EntryStatus = "P"
	// Committed entries reached quorum and have been applied to the ledger.
	Committed EntryStatus = "S"
	// Aborted entries failed to reach quorum. They never produce an order.
	Aborted EntryStatus = "F"
)

func (s EntryStatus) valid() bool {
	switch s {
	case Pending, Committed, Aborted:
		return true
	}
	return false
}

func (s EntryStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "illegal"
}

// OrderDetails is the payload carried by a log entry.
type OrderDetails struct {
	Item     string `json:"item"`
	Quantity int64  `json:"quantity"`
}

// tsv renders the payload in the tab separated form used in the delimited log file.
func (d OrderDetails) tsv() string {
	return d.Item + "\t" + strconv.FormatInt(d.Quantity, 10)
}

func orderDetailsFromTSV(s string) (OrderDetails, error) {
	i := strings.LastIndex(s, "\t")
	if i < 0 {
		return OrderDetails{}, fmt.Errorf("payload %q is not tab separated", s)
	}
	qty, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return OrderDetails{}, err
	}
	return OrderDetails{Item: s[:i], Quantity: qty}, nil
}

// LogEntry is an order proposed through the quorum protocol. LogIDs form a gap free sequence per replica. OrderID
// is set once the entry commits, and is the id assigned by the leader.
type LogEntry struct {
	LogID   int64        `json:"logId"`
	Term    int64        `json:"term"`
	Payload OrderDetails `json:"payload"`
	Status  EntryStatus  `json:"status"`
	OrderID int64        `json:"orderId,omitempty"`
}

// Order is a committed order. Orders are immutable and append only.
type Order struct {
	OrderID  int64  `json:"orderId"`
	Item     string `json:"item"`
	Quantity int64  `json:"quantity"`
}

// ReplicationMode selects the replication protocol, fixed at process start.
type ReplicationMode string

const (
	// ModeRaft selects the quorum based log replication protocol.
	ModeRaft ReplicationMode = "raft"
	// ModeSimple selects propagate-and-forget replication: at-least-once, no guaranteed convergence without a
	// later full resync.
	ModeSimple ReplicationMode = "simple"
)
