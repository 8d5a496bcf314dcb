package replica

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/pkg/errors"
)

type mockPropagationTransport struct {
	mu        sync.Mutex
	delivered map[int64][]int64
	// gate, if set, holds every delivery until it is closed. entered is signalled as each delivery starts.
	gate    chan struct{}
	entered chan struct{}
	leader  []Order
}

func (m *mockPropagationTransport) PropagateOrder(ctx context.Context, target Replica, o Order) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	if m.delivered == nil {
		m.delivered = map[int64][]int64{}
	}
	m.delivered[target.ID] = append(m.delivered[target.ID], o.OrderID)
	m.mu.Unlock()
	return nil
}

func (m *mockPropagationTransport) SyncOrders(ctx context.Context, leader Replica, lastOrderID int64) ([]Order, error) {
	var out []Order
	for _, o := range m.leader {
		if o.OrderID > lastOrderID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockPropagationTransport) deliveredTo(id int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.delivered[id]...)
}

func newTestPropagator(t *testing.T, self Replica, transport propagationTransport, depth int) (*propagator, *mockCompensator) {
	lg := testLoggerGet().Sugar()
	s, err := OpenStore(StorageConfig{Path: filepath.Join(t.TempDir(), "simple.db")}, lg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	l, err := newLedger(s, lg, nil)
	if err != nil {
		t.Fatal(err)
	}
	comp := &mockCompensator{}
	view := newClusterView(self)
	p := newPropagator(l, view, transport, comp, time.Second, depth, lg, nil)
	view.onChange = func(leader bool, followers []Replica) { p.followersChanged() }
	return p, comp
}

func TestPropagatorFansOutToFollowers(t *testing.T) {

	transport := &mockPropagationTransport{}
	self := Replica{ID: 3, URL: "http://replica3"}
	p, _ := newTestPropagator(t, self, transport, 8)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(1)
	go p.run(ctx, &wg)

	p.view.setLeader(self)
	p.view.addFollowers([]Replica{{ID: 1, URL: "http://replica1"}, {ID: 2, URL: "http://replica2"}})
	eventually(t, "workers for both followers", func() bool {
		p.workersMu.Lock()
		defer p.workersMu.Unlock()
		return len(p.workers) == 2
	})

	for i := 1; i <= 3; i++ {
		if _, err := p.PlaceOrder(ctx, OrderDetails{Item: "widget", Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "all orders delivered", func() bool {
		return len(transport.deliveredTo(1)) == 3 && len(transport.deliveredTo(2)) == 3
	})
	if diff := deep.Equal(transport.deliveredTo(1), []int64{1, 2, 3}); diff != nil {
		t.Error(diff)
	}

	p.view.removeFollowers([]Replica{{ID: 2}})
	eventually(t, "worker for departed follower to stop", func() bool {
		p.workersMu.Lock()
		defer p.workersMu.Unlock()
		return len(p.workers) == 1
	})
	if _, err := p.PlaceOrder(ctx, OrderDetails{Item: "widget", Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "order delivered to remaining follower", func() bool {
		return len(transport.deliveredTo(1)) == 4
	})
	if len(transport.deliveredTo(2)) != 3 {
		t.Errorf("departed follower received %v", transport.deliveredTo(2))
	}
}

func TestPropagatorDropsWhenQueueFull(t *testing.T) {

	transport := &mockPropagationTransport{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	self := Replica{ID: 2, URL: "http://replica2"}
	p, _ := newTestPropagator(t, self, transport, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	p.view.setLeader(self)
	p.view.addFollowers([]Replica{{ID: 1, URL: "http://replica1"}})
	// Reconcile inline; the run loop is not needed to exercise the queue.
	p.reconcile(ctx, &wg)

	if _, err := p.PlaceOrder(ctx, OrderDetails{Item: "a", Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	<-transport.entered
	// The worker is busy with order 1; order 2 fills the queue and order 3 is dropped.
	for _, item := range []string{"b", "c"} {
		if _, err := p.PlaceOrder(ctx, OrderDetails{Item: item, Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}
	close(transport.gate)

	eventually(t, "queued order delivered", func() bool { return len(transport.deliveredTo(1)) == 2 })
	time.Sleep(50 * time.Millisecond)
	if diff := deep.Equal(transport.deliveredTo(1), []int64{1, 2}); diff != nil {
		t.Error(diff)
	}

	// The leader applied all three regardless.
	if p.ledger.LastOrderID() != 3 {
		t.Errorf("expected leader to hold 3 orders, got %d", p.ledger.LastOrderID())
	}
}

func TestPropagatorFollowerSide(t *testing.T) {

	transport := &mockPropagationTransport{
		leader: []Order{{1, "a", 1}, {2, "b", 2}, {3, "c", 3}},
	}
	self := Replica{ID: 1, URL: "http://replica1"}
	p, _ := newTestPropagator(t, self, transport, 4)
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, OrderDetails{Item: "a", Quantity: 1}); errors.Cause(err) != ReplicaErrorNotLeader {
		t.Errorf("expected %v, got [%v]", ReplicaErrorNotLeader, err)
	}

	if err := p.HandlePropagate(ctx, Order{1, "a", 1}); err != nil {
		t.Fatal(err)
	}
	if err := p.HandlePropagate(ctx, Order{1, "a", 1}); err != nil {
		t.Errorf("expected duplicate propagation to be ignored [%v]", err)
	}

	// No leader known yet, nothing to sync from.
	if err := p.SyncFromLeader(ctx); err != nil || p.ledger.LastOrderID() != 1 {
		t.Fatalf("expected no sync without leader, got last %d [%v]", p.ledger.LastOrderID(), err)
	}

	p.view.setLeader(Replica{ID: 3, URL: "http://replica3"})
	for i := 0; i < 2; i++ {
		if err := p.SyncFromLeader(ctx); err != nil {
			t.Fatal(err)
		}
	}
	orders, err := p.OrdersAfter(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(orders, transport.leader); diff != nil {
		t.Error(diff)
	}
}
