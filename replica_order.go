package replica

import (
	"context"
)

// Buy places an order for qty of item. The replica must be leader. Stock is checked and then decremented
// optimistically in the catalog before the order is handed to the replication engine; if the engine fails to
// record the order the decrement is compensated before Buy returns.
func (n *Node) Buy(ctx context.Context, item string, qty int64) (int64, error) {

	if item == "" || qty <= 0 {
		return 0, replicaErrorf(ReplicaErrorBadRequest, "order for %d of %q", qty, item)
	}

	if !n.view.IsLeader() {
		return 0, replicaErrorf(ReplicaErrorNotLeader, "leader is %s", n.view.Leader())
	}

	kv := []interface{}{"obj", "Node", "item", item, "quantity", qty, "requestID", requestIDFromContext(ctx)}

	p, err := n.catalog.Product(ctx, item)
	if err != nil {
		n.logger.Infow("stock lookup failed", append(kv, replicaErrKeyword, err)...)
		return 0, err
	}
	if p.Quantity < qty {
		err = replicaErrorf(ReplicaErrorInsufficientStock, "%d %s requested, %d in stock", qty, item, p.Quantity)
		n.logger.Debugw("order refused", append(kv, replicaErrKeyword, err)...)
		return 0, err
	}

	if err = n.catalog.Decrement(ctx, item, qty); err != nil {
		n.logger.Infow("stock decrement failed", append(kv, replicaErrKeyword, err)...)
		return 0, err
	}

	orderID, err := n.engine.PlaceOrder(ctx, OrderDetails{Item: item, Quantity: qty})
	if err != nil {
		n.logger.Infow("order failed", append(kv, replicaErrKeyword, err)...)
		return 0, err
	}

	n.logger.Infow("order placed", append(kv, "orderID", orderID)...)
	return orderID, nil
}

// Order returns the order with the given id from the local ledger. Reads are served by whichever replica is
// asked; they are not linearizable.
func (n *Node) Order(ctx context.Context, orderID int64) (Order, error) {
	return n.ledger.Order(orderID)
}
