package replica

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// propagationTransport is the replica to replica surface of simple mode.
type propagationTransport interface {
	PropagateOrder(ctx context.Context, target Replica, o Order) error
	SyncOrders(ctx context.Context, leader Replica, lastOrderID int64) ([]Order, error)
}

// propagator is the simple replication mode: the leader applies an order immediately and fires it at each
// follower without waiting. Delivery is at-least-once and best effort; there is no quorum and no rollback.
// A follower which misses an order stays behind until it resyncs on rejoin, so there is no guaranteed
// convergence without a later full resync.
//
// Each follower gets a worker draining a bounded flushable channel, so a slow follower never holds up the
// order path or the other followers.
type propagator struct {
	ledger      *ledger
	view        *clusterView
	transport   propagationTransport
	compensator compensator
	timeout     time.Duration
	depth       int

	// One-deep channel signalling that the follower set changed and workers need reconciling.
	membershipChanged chan struct{}

	workersMu sync.Mutex
	workers   map[int64]*propagationWorker

	logger  *zap.SugaredLogger
	metrics *metricsHolder
}

type propagationWorker struct {
	target Replica
	events *flushableEventChannel
	cancel context.CancelFunc
}

func (w *propagationWorker) logKV() []interface{} {
	return []interface{}{"obj", "propagationWorker", "followerID", w.target.ID, "queued", len(w.events.channel)}
}

// propagateEvent delivers one order to one follower.
type propagateEvent struct {
	p      *propagator
	worker *propagationWorker
	order  Order
}

func (e *propagateEvent) handle(ctx context.Context) {

	if e.worker.events.discardEligibleEvent() {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.p.timeout)
	defer cancel()
	if err := e.p.transport.PropagateOrder(cctx, e.worker.target, e.order); err != nil {
		e.p.metrics.propagationDropped()
		e.p.logger.Infow("propagation to follower failed, follower behind until resync",
			append(e.logKV(), replicaErrKeyword, err)...)
	}
}

func (e *propagateEvent) logKV() []interface{} {
	return append([]interface{}{"orderID", e.order.OrderID}, e.worker.logKV()...)
}

// stopWorkerEvent is posted with flush when a follower leaves: whatever is queued for it is discarded, then the
// worker exits.
type stopWorkerEvent struct {
	worker *propagationWorker
}

func (e *stopWorkerEvent) handle(ctx context.Context) {
	e.worker.cancel()
}

func (e *stopWorkerEvent) logKV() []interface{} {
	return append([]interface{}{"event", "stopWorker"}, e.worker.logKV()...)
}

func newPropagator(
	l *ledger, view *clusterView, transport propagationTransport, comp compensator, timeout time.Duration,
	depth int, logger *zap.SugaredLogger, metrics *metricsHolder) *propagator {

	return &propagator{
		ledger:            l,
		view:              view,
		transport:         transport,
		compensator:       comp,
		timeout:           timeout,
		depth:             depth,
		membershipChanged: make(chan struct{}, 1),
		workers:           map[int64]*propagationWorker{},
		logger:            logger,
		metrics:           metrics,
	}
}

func (p *propagator) logKV() []interface{} {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return []interface{}{"obj", "propagator", "workers", len(p.workers), "lastOrderID", p.ledger.LastOrderID()}
}

// followersChanged is hooked to the cluster view. It never blocks.
func (p *propagator) followersChanged() {
	select {
	case p.membershipChanged <- struct{}{}:
	default:
	}
}

func (p *propagator) run(ctx context.Context, wg *sync.WaitGroup) {

	defer wg.Done()

	p.reconcile(ctx, wg)
	for {
		select {
		case <-p.membershipChanged:
			p.reconcile(ctx, wg)
		case <-ctx.Done():
			p.workersMu.Lock()
			for id, w := range p.workers {
				w.cancel()
				delete(p.workers, id)
			}
			p.workersMu.Unlock()
			p.logger.Debugw("propagator, stop running")
			return
		}
	}
}

// reconcile starts a worker for every follower in the view without one, and stops the workers of replicas which
// left. Only the leader has followers, so a demoted leader stops all its workers.
func (p *propagator) reconcile(ctx context.Context, wg *sync.WaitGroup) {

	want := map[int64]Replica{}
	if p.view.IsLeader() {
		for _, f := range p.view.Followers() {
			want[f.ID] = f
		}
	}

	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	for id, w := range p.workers {
		if f, ok := want[id]; ok && f.URL == w.target.URL {
			continue
		}
		w.events.postMessageWithFlush(ctx, &stopWorkerEvent{worker: w})
		delete(p.workers, id)
		p.logger.Debugw("propagation worker stopped", w.logKV()...)
	}

	for id, f := range want {
		if _, ok := p.workers[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &propagationWorker{target: f, events: newFlushableEventChannel(p.depth), cancel: cancel}
		p.workers[id] = w
		wg.Add(1)
		go w.run(wctx, wg)
		p.logger.Debugw("propagation worker started", w.logKV()...)
	}
}

func (w *propagationWorker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case e := <-w.events.channel:
			e.handle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PlaceOrder applies the order on the leader, then posts it to every follower worker and returns without
// waiting. A worker with a full queue drops the order.
func (p *propagator) PlaceOrder(ctx context.Context, details OrderDetails) (int64, error) {

	if !p.view.IsLeader() {
		return 0, replicaErrorf(ReplicaErrorNotLeader, "place order %d %s", details.Quantity, details.Item)
	}

	orderID, err := p.ledger.PlaceOrder(details.Item, details.Quantity)
	if err != nil {
		p.compensator.Compensate(ctx, details.Item, details.Quantity)
		return 0, err
	}

	o := Order{OrderID: orderID, Item: details.Item, Quantity: details.Quantity}

	p.workersMu.Lock()
	for _, w := range p.workers {
		e := &propagateEvent{p: p, worker: w, order: o}
		if !w.events.postMessage(e) {
			p.metrics.propagationDropped()
			p.logger.Infow("propagation queue full, dropping order for follower", e.logKV()...)
		}
	}
	p.workersMu.Unlock()

	return orderID, nil
}

// HandlePropagate applies an order fired by the leader. Duplicates are ignored.
func (p *propagator) HandlePropagate(ctx context.Context, o Order) error {
	_, err := p.ledger.WriteCommittedOrder(o.OrderID, o.Item, o.Quantity)
	return err
}

// OrdersAfter serves the leader side of a follower resync.
func (p *propagator) OrdersAfter(ctx context.Context, orderID int64) ([]Order, error) {
	return p.ledger.OrdersAfter(orderID)
}

// SyncFromLeader asks the leader for every order after our highest known order id and writes them.
func (p *propagator) SyncFromLeader(ctx context.Context) error {

	leader := p.view.Leader()
	if leader.IsNone() || leader.ID == p.view.Local().ID {
		return nil
	}

	last := p.ledger.LastOrderID()
	orders, err := p.transport.SyncOrders(ctx, leader, last)
	if err != nil {
		return replicaErrorf(err, "fetching orders after %d from leader %s", last, leader)
	}

	applied := 0
	for _, o := range orders {
		ok, err := p.ledger.WriteCommittedOrder(o.OrderID, o.Item, o.Quantity)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
	}

	p.logger.Infow("resynced orders from leader",
		append(p.logKV(), "leaderID", leader.ID, "after", last, "received", len(orders), "applied", applied)...)
	return nil
}
