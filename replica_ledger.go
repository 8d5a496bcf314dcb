package replica

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ledger owns order numbering. Self generated ids come from a counter seeded at start up from the highest id in
// the store; allocation and append happen under one lock so two callers never receive the same id.
type ledger struct {
	mu          sync.Mutex
	store       Store
	lastOrderID int64
	logger      *zap.SugaredLogger
	metrics     *metricsHolder
}

func newLedger(store Store, logger *zap.SugaredLogger, metrics *metricsHolder) (*ledger, error) {

	max, err := store.MaxOrderID()
	if err != nil {
		return nil, replicaErrorf(err, "seeding order counter")
	}

	l := &ledger{store: store, lastOrderID: max, logger: logger, metrics: metrics}
	logger.Debugw("ledger seeded from store", l.logKV()...)
	return l, nil
}

func (l *ledger) logKV() []interface{} {
	return []interface{}{"obj", "ledger", "lastOrderID", l.lastOrderID}
}

// PlaceOrder allocates the next order id and appends the order. If the append fails the id is not consumed.
func (l *ledger) PlaceOrder(item string, qty int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.lastOrderID + 1
	err := l.store.AppendOrder(Order{OrderID: id, Item: item, Quantity: qty})
	if err != nil {
		return 0, replicaErrorf(err, "placing order for %d %s", qty, item)
	}
	l.lastOrderID = id
	l.metrics.orderApplied()

	l.logger.Debugw("order placed", append(l.logKV(), "orderID", id, "item", item, "quantity", qty)...)
	return id, nil
}

// WriteCommittedOrder records an order with an id assigned elsewhere. Writing an id we hold already with the
// same item and quantity is a noop, reported with applied false. Holding the id for a different order is a
// conflict, returned as ReplicaErrorDuplicate. The counter moves to at least the supplied id.
func (l *ledger) WriteCommittedOrder(orderID int64, item string, qty int64) (bool, error) {

	if orderID <= 0 {
		return false, replicaErrorf(ReplicaErrorBadRequest, "order id %d is not valid", orderID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, err := l.held(orderID, item, qty)
	if err != nil || held {
		return false, err
	}

	err = l.store.AppendOrder(Order{OrderID: orderID, Item: item, Quantity: qty})
	if err != nil {
		if errors.Cause(err) == ReplicaErrorDuplicate {
			if _, err = l.held(orderID, item, qty); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, replicaErrorf(err, "writing committed order %d", orderID)
	}
	l.advance(orderID)
	l.metrics.orderApplied()

	l.logger.Debugw("committed order written",
		append(l.logKV(), "orderID", orderID, "item", item, "quantity", qty)...)
	return true, nil
}

// CheckCommitted reports whether writing orderID for qty of item would conflict with an order held already.
func (l *ledger) CheckCommitted(orderID int64, item string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.held(orderID, item, qty)
	return err
}

// held tells whether orderID is present already, and fails if it is present for a different order. Called with
// mu held.
func (l *ledger) held(orderID int64, item string, qty int64) (bool, error) {
	existing, err := l.store.Order(orderID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if existing.Item != item || existing.Quantity != qty {
		l.logger.Warnw("order id held for a different order",
			append(l.logKV(), "orderID", orderID, "heldItem", existing.Item, "heldQuantity", existing.Quantity,
				"item", item, "quantity", qty)...)
		return true, replicaErrorf(ReplicaErrorDuplicate, "order %d held as %d %s, not %d %s",
			orderID, existing.Quantity, existing.Item, qty, item)
	}
	l.logger.Debugw("committed order present already, skipping", append(l.logKV(), "orderID", orderID)...)
	return true, nil
}

// Observe moves the counter to at least orderID, so that the next id minted here is above any id another
// replica reports holding.
func (l *ledger) Observe(orderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if orderID > l.lastOrderID {
		l.logger.Infow("order counter advanced past peer",
			append(l.logKV(), "observedOrderID", orderID)...)
		l.advance(orderID)
	}
}

func (l *ledger) advance(orderID int64) {
	if orderID > l.lastOrderID {
		l.lastOrderID = orderID
	}
}

// Order returns the order with the given id, or ReplicaErrorUnknownOrder.
func (l *ledger) Order(orderID int64) (Order, error) {
	o, err := l.store.Order(orderID)
	if err != nil {
		return Order{}, err
	}
	if o == nil {
		return Order{}, replicaErrorf(ReplicaErrorUnknownOrder, "order %d", orderID)
	}
	return *o, nil
}

// OrdersAfter returns the orders with an id greater than orderID, i.e. the data lost by a replica whose highest
// known order is orderID.
func (l *ledger) OrdersAfter(orderID int64) ([]Order, error) {
	return l.store.OrdersAfter(orderID)
}

// LastOrderID is the highest order id this replica knows of.
func (l *ledger) LastOrderID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOrderID
}
