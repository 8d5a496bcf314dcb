package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testLoggerGet() *zap.Logger {

	loggerCfg := DefaultZapLoggerConfig()
	loggerCfg.Level.SetLevel(zapcore.DebugLevel)
	logger, _ := loggerCfg.Build()

	return logger
}

// fakeCatalog stands in for the catalog service; it refuses removals beyond stock, as the real one does.
type fakeCatalog struct {
	mu      sync.Mutex
	stock   map[string]int64
	updates []updateItemRequest
	server  *httptest.Server
}

func newFakeCatalog(stock map[string]int64) *fakeCatalog {
	fc := &fakeCatalog{stock: stock}

	r := mux.NewRouter()
	r.HandleFunc("/products/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		fc.mu.Lock()
		qty, ok := fc.stock[name]
		fc.mu.Unlock()
		if !ok {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": &Product{Name: name, Quantity: qty, Price: 9.99}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/updateItem", func(w http.ResponseWriter, r *http.Request) {
		var req updateItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		fc.mu.Lock()
		defer fc.mu.Unlock()
		qty, ok := fc.stock[req.Name]
		if !ok {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		switch req.Operation {
		case stockRemove:
			if qty < req.Quantity {
				http.Error(w, "Quantity not available", http.StatusNotFound)
				return
			}
			fc.stock[req.Name] = qty - req.Quantity
		case stockAdd:
			fc.stock[req.Name] = qty + req.Quantity
		default:
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		fc.updates = append(fc.updates, req)
		fmt.Fprint(w, "Success")
	}).Methods(http.MethodPost)

	fc.server = httptest.NewServer(r)
	return fc
}

func (fc *fakeCatalog) quantity(name string) int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.stock[name]
}

func (fc *fakeCatalog) close() {
	fc.server.Close()
}

// lazyHandler lets a test server come up, and its URL be known, before the node serving it is built.
type lazyHandler struct {
	mu sync.RWMutex
	h  http.Handler
}

func (l *lazyHandler) set(h http.Handler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *lazyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	h := l.h
	l.mu.RUnlock()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

type testReplica struct {
	node    *Node
	server  *httptest.Server
	handler *lazyHandler
}

// testCluster is an in-process cluster of replicas and a coordinator, talking HTTP over loopback.
type testCluster struct {
	t           *testing.T
	mode        ReplicationMode
	size        int
	dir         string
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	catalog     *fakeCatalog
	coordinator *Coordinator
	replicas    map[int64]*testReplica
}

func newTestCluster(t *testing.T, mode ReplicationMode, ids []int64, stock map[string]int64) *testCluster {

	tc := &testCluster{t: t, mode: mode, size: len(ids), dir: t.TempDir(),
		catalog: newFakeCatalog(stock), replicas: map[int64]*testReplica{}}
	tc.ctx, tc.cancel = context.WithCancel(context.Background())

	var known []Replica
	for _, id := range ids {
		known = append(known, tc.startReplica(id, ""))
	}

	c, err := NewCoordinator(CoordinatorConfig{
		Replicas:       known,
		ProbeTimeout:   200 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}, WithCoordinatorLogger(testLoggerGet(), false))
	if err != nil {
		t.Fatal(err)
	}
	tc.coordinator = c

	return tc
}

// startReplica brings up a replica behind its own test server. If frontEndURL is set the replica joins through it.
func (tc *testCluster) startReplica(id int64, frontEndURL string) Replica {

	h := &lazyHandler{}
	srv := httptest.NewServer(h)
	self := Replica{ID: id, URL: srv.URL}

	cfg := NodeConfig{
		Self:        self,
		FrontEndURL: frontEndURL,
		CatalogURL:  tc.catalog.server.URL,
		Mode:        tc.mode,
		ClusterSize: tc.size,
		Storage:     StorageConfig{Kind: StorageBolt, Path: filepath.Join(tc.dir, fmt.Sprintf("replica%d.db", id))},
	}
	cfg.Timers.Replicate = 500 * time.Millisecond
	cfg.Timers.Repair = 50 * time.Millisecond

	tc.wg.Add(1)
	node, err := MakeNode(tc.ctx, &tc.wg, cfg, WithLogger(testLoggerGet(), true),
		WithMetrics(prometheus.NewRegistry(), "test", true))
	if err != nil {
		tc.t.Fatal(err)
	}
	h.set(node.Handler())
	tc.replicas[id] = &testReplica{node: node, server: srv, handler: h}
	return self
}

// kill stops the HTTP server of a replica; subsequent connections to it are refused.
func (tc *testCluster) kill(id int64) {
	tc.replicas[id].server.Close()
}

func (tc *testCluster) close() {
	tc.cancel()
	tc.wg.Wait()
	for _, r := range tc.replicas {
		r.server.Close()
	}
	tc.catalog.close()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitLogging(t *testing.T) {

	l, err := DefaultZapLoggerConfig().Build()
	if err != nil {
		t.Fatal(err)
	}
	l.Info("log setup")

	n := Node{}
	err = initLogging(&n)
	if err != nil {
		t.Errorf("expect initLogging to not fail [%v]", err)
	}
	if n.logger == nil {
		t.Fatal("initLogging returns without error AND without logger set")
	}
	n.logger.Info("logging with default logger config")

	// exercise disable logging - WithLogger is passed into MakeNode by applications.
	f := WithLogger(nil, false)
	if err = f(&n); err != nil {
		t.Errorf("init logging failed with [%v] to apply WithLogger to node", err)
	}
	if err = initLogging(&n); err != nil {
		t.Errorf("expect initLogging for noop logging to not fail [%v]", err)
	}

	n.logger.Info("THIS SHOULD NOT BE SEEN, LOGS SHOULD BE DISCARDED")
}

// Exercise preferred error generation
func TestWrapperErrorRendering(t *testing.T) {
	err := replicaErrorf(ReplicaErrorBadOption, "testing error and sentinel, [%v,%v]", 37, 64)
	if errors.Cause(err) != ReplicaErrorBadOption {
		t.Errorf("expected cause %v, got %v", ReplicaErrorBadOption, errors.Cause(err))
	}
	if !strings.HasPrefix(err.Error(), "replica: testing error") {
		t.Errorf("unexpected rendering %q", err.Error())
	}
	t.Logf("detail rendering: %+v", err)
}

func TestNodeConfigValidate(t *testing.T) {

	valid := func() NodeConfig {
		return NodeConfig{
			Self:       Replica{ID: 1, URL: "http://localhost:8081"},
			CatalogURL: "http://localhost:8090",
			Storage:    StorageConfig{Path: "x.db"},
		}
	}

	testCases := []struct {
		name   string
		modify func(*NodeConfig)
		ok     bool
	}{
		{"defaults", func(*NodeConfig) {}, true},
		{"NEGATIVE zero id", func(c *NodeConfig) { c.Self.ID = 0 }, false},
		{"NEGATIVE no url", func(c *NodeConfig) { c.Self.URL = "" }, false},
		{"NEGATIVE no catalog", func(c *NodeConfig) { c.CatalogURL = "" }, false},
		{"NEGATIVE no storage", func(c *NodeConfig) { c.Storage.Path = "" }, false},
		{"NEGATIVE bad mode", func(c *NodeConfig) { c.Mode = "paxos" }, false},
		{"NEGATIVE bad cluster size", func(c *NodeConfig) { c.ClusterSize = -1 }, false},
		{"simple mode", func(c *NodeConfig) { c.Mode = ModeSimple }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.validate()
			if tc.ok != (err == nil) {
				t.Fatalf("expected ok=%v, got [%v]", tc.ok, err)
			}
			if err != nil {
				if errors.Cause(err) != ReplicaErrorMissingConfig {
					t.Errorf("expected %v, got %v", ReplicaErrorMissingConfig, err)
				}
				return
			}
			if cfg.ClusterSize != defaultClusterSize || cfg.MaxInflightRequests != defaultMaxInflightRequests ||
				cfg.InitialTerm != 1 || cfg.Timers.Replicate != defaultReplicateTimeout {
				t.Errorf("defaults not applied: %+v", cfg)
			}
			if tc.name == "defaults" && cfg.Mode != ModeRaft {
				t.Errorf("expected default mode raft, got %s", cfg.Mode)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{replicaErrorf(ReplicaErrorBadRequest, "x"), http.StatusBadRequest},
		{replicaErrorf(ReplicaErrorUnknownOrder, "x"), http.StatusNotFound},
		{replicaErrorf(ReplicaErrorStatusTransition, "x"), http.StatusConflict},
		{replicaErrorf(ReplicaErrorNotLeader, "x"), http.StatusMisdirectedRequest},
		{replicaErrorf(ReplicaErrorQuorum, "x"), http.StatusServiceUnavailable},
		{replicaErrorf(ReplicaErrorInsufficientStock, "x"), http.StatusUnprocessableEntity},
		{replicaErrorf(&rejection{status: http.StatusTeapot, err: ReplicaErrorPeerRejected}, "relayed"),
			http.StatusTeapot},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		if got := statusFor(tc.err); got != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}

func TestMakeNodeServesAndShutsDown(t *testing.T) {

	catalog := newFakeCatalog(map[string]int64{"widget": 10})
	defer catalog.close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	cfg := NodeConfig{
		Self:       Replica{ID: 1, URL: "http://127.0.0.1:0"},
		CatalogURL: catalog.server.URL,
		Storage:    StorageConfig{Kind: StorageCSV, Path: t.TempDir()},
		Listen:     "127.0.0.1:0",
	}

	wg.Add(1)
	node, err := MakeNode(ctx, &wg, cfg, WithLogger(testLoggerGet(), false))
	if err != nil {
		t.Fatal(err)
	}
	if node.Addr() == nil {
		t.Fatal("expected node to be serving")
	}

	client := newPeerClient(time.Second, testLoggerGet().Sugar())
	if err = client.Heartbeat(ctx, Replica{ID: 1, URL: "http://" + node.Addr().String()}); err != nil {
		t.Errorf("heartbeat failed [%v]", err)
	}

	// Not leader yet; orders are refused.
	_, err = node.Buy(ctx, "widget", 1)
	if errors.Cause(err) != ReplicaErrorNotLeader {
		t.Errorf("expected %v, got %v", ReplicaErrorNotLeader, err)
	}

	cancel()
	wg.Wait()
}

func TestRaftClusterOrders(t *testing.T) {

	tc := newTestCluster(t, ModeRaft, []int64{1, 2, 3}, map[string]int64{"widget": 10})
	defer tc.close()
	ctx := context.Background()

	leader := tc.coordinator.ElectLeader(ctx)
	if leader.ID != 3 {
		t.Fatalf("expected replica 3 elected, got %v", leader)
	}
	for id, r := range tc.replicas {
		if r.node.Leader().ID != 3 {
			t.Errorf("replica %d believes leader is %v", id, r.node.Leader())
		}
	}
	if len(tc.replicas[3].node.Followers()) != 2 {
		t.Fatalf("expected leader to hold two followers, got %v", tc.replicas[3].node.Followers())
	}

	t.Log("Test order through the coordinator commits everywhere")
	id, err := tc.coordinator.PlaceOrder(ctx, "widget", 2)
	if err != nil || id != 1 {
		t.Fatalf("expected order 1, got %d [%v]", id, err)
	}
	for rid, r := range tc.replicas {
		o, err := r.node.Order(ctx, 1)
		if err != nil || o.Item != "widget" || o.Quantity != 2 {
			t.Errorf("replica %d: expected order 1 for 2 widget, got %v [%v]", rid, o, err)
		}
	}
	if tc.catalog.quantity("widget") != 8 {
		t.Errorf("expected stock 8, got %d", tc.catalog.quantity("widget"))
	}

	t.Log("Test refusals leave stock untouched")
	if _, err = tc.replicas[1].node.Buy(ctx, "widget", 1); errors.Cause(err) != ReplicaErrorNotLeader {
		t.Errorf("expected %v on follower, got [%v]", ReplicaErrorNotLeader, err)
	}
	if _, err = tc.replicas[3].node.Buy(ctx, "widget", 100); errors.Cause(err) != ReplicaErrorInsufficientStock {
		t.Errorf("expected %v, got [%v]", ReplicaErrorInsufficientStock, err)
	}
	if _, err = tc.replicas[3].node.Buy(ctx, "gizmo", 1); errors.Cause(err) != ReplicaErrorInsufficientStock {
		t.Errorf("expected unknown item refused with %v, got [%v]", ReplicaErrorInsufficientStock, err)
	}
	if tc.catalog.quantity("widget") != 8 {
		t.Errorf("expected stock 8 after refusals, got %d", tc.catalog.quantity("widget"))
	}

	t.Log("Test one follower down still commits")
	tc.kill(1)
	id, err = tc.replicas[3].node.Buy(ctx, "widget", 1)
	if err != nil || id != 2 {
		t.Fatalf("expected order 2 with two of three, got %d [%v]", id, err)
	}
	if _, err = tc.replicas[2].node.Order(ctx, 2); err != nil {
		t.Errorf("expected surviving follower to hold order 2 [%v]", err)
	}

	t.Log("Test two followers down aborts and restores stock")
	tc.kill(2)
	_, err = tc.replicas[3].node.Buy(ctx, "widget", 3)
	if errors.Cause(err) != ReplicaErrorQuorum {
		t.Fatalf("expected %v, got [%v]", ReplicaErrorQuorum, err)
	}
	if tc.catalog.quantity("widget") != 7 {
		t.Errorf("expected stock restored to 7, got %d", tc.catalog.quantity("widget"))
	}
	if _, err = tc.replicas[3].node.Order(ctx, 3); errors.Cause(err) != ReplicaErrorUnknownOrder {
		t.Errorf("expected aborted order not to exist, got [%v]", err)
	}
}

func TestRaftClusterFailover(t *testing.T) {

	tc := newTestCluster(t, ModeRaft, []int64{1, 2, 3}, map[string]int64{"widget": 10})
	defer tc.close()
	ctx := context.Background()

	if leader := tc.coordinator.ElectLeader(ctx); leader.ID != 3 {
		t.Fatalf("expected replica 3 elected, got %v", leader)
	}
	id, err := tc.coordinator.PlaceOrder(ctx, "widget", 2)
	if err != nil || id != 1 {
		t.Fatalf("expected order 1, got %d [%v]", id, err)
	}

	t.Log("Test leader failing its health check is replaced by the highest survivor")
	tc.kill(3)
	tc.coordinator.PollHealth(ctx)
	if tc.coordinator.Leader().ID != 2 {
		t.Fatalf("expected replica 2 elected, got %v", tc.coordinator.Leader())
	}
	if !tc.replicas[2].node.IsLeader() || tc.replicas[1].node.Leader().ID != 2 {
		t.Fatalf("expected replicas to follow 2, replica 1 follows %v", tc.replicas[1].node.Leader())
	}
	followers := tc.replicas[2].node.Followers()
	if len(followers) != 1 || followers[0].ID != 1 {
		t.Fatalf("expected new leader to hold follower 1 only, got %v", followers)
	}

	t.Log("Test two of three acknowledgements commit on the new leader")
	id, err = tc.coordinator.PlaceOrder(ctx, "widget", 5)
	if err != nil || id != 2 {
		t.Fatalf("expected order 2, got %d [%v]", id, err)
	}
	for _, rid := range []int64{1, 2} {
		o, err := tc.replicas[rid].node.Order(ctx, 2)
		if err != nil || o.Item != "widget" || o.Quantity != 5 {
			t.Errorf("replica %d: expected order 2 for 5 widget, got %v [%v]", rid, o, err)
		}
	}
	if tc.catalog.quantity("widget") != 3 {
		t.Errorf("expected stock 3, got %d", tc.catalog.quantity("widget"))
	}
}

func TestSimpleClusterFailoverAndJoin(t *testing.T) {

	tc := newTestCluster(t, ModeSimple, []int64{1, 2}, map[string]int64{"widget": 5})
	defer tc.close()
	ctx := context.Background()

	if leader := tc.coordinator.ElectLeader(ctx); leader.ID != 2 {
		t.Fatalf("expected replica 2 elected, got %v", leader)
	}
	simple := tc.replicas[2].node.simple
	eventually(t, "propagation worker for follower", func() bool {
		simple.workersMu.Lock()
		defer simple.workersMu.Unlock()
		return len(simple.workers) == 1
	})

	id, err := tc.coordinator.PlaceOrder(ctx, "widget", 1)
	if err != nil || id != 1 {
		t.Fatalf("expected order 1, got %d [%v]", id, err)
	}
	eventually(t, "order propagated to follower", func() bool {
		_, err := tc.replicas[1].node.Order(ctx, 1)
		return err == nil
	})

	t.Log("Test unreachable leader is replaced on the request path")
	tc.kill(2)
	id, err = tc.coordinator.PlaceOrder(ctx, "widget", 1)
	if err != nil || id != 2 {
		t.Fatalf("expected order 2 from new leader, got %d [%v]", id, err)
	}
	if tc.coordinator.Leader().ID != 1 || !tc.replicas[1].node.IsLeader() {
		t.Errorf("expected replica 1 to lead, coordinator says %v", tc.coordinator.Leader())
	}
	o, err := tc.coordinator.GetOrder(ctx, 2)
	if err != nil || o.OrderID != 2 {
		t.Errorf("expected order 2 through coordinator, got %v [%v]", o, err)
	}
	if tc.catalog.quantity("widget") != 3 {
		t.Errorf("expected stock 3, got %d", tc.catalog.quantity("widget"))
	}

	t.Log("Test a joining replica resyncs from the leader")
	front := httptest.NewServer(tc.coordinator.Handler())
	defer front.Close()
	tc.startReplica(3, front.URL)
	eventually(t, "joiner to resync", func() bool {
		_, err := tc.replicas[3].node.Order(ctx, 2)
		return err == nil
	})
	if tc.replicas[3].node.Leader().ID != 1 {
		t.Errorf("expected joiner to follow replica 1, got %v", tc.replicas[3].node.Leader())
	}
	if len(tc.replicas[1].node.Followers()) != 1 {
		t.Errorf("expected leader to have taken the joiner, got %v", tc.replicas[1].node.Followers())
	}
}

func TestReplicaHTTPSurface(t *testing.T) {

	tc := newTestCluster(t, ModeRaft, []int64{1}, map[string]int64{"widget": 1})
	defer tc.close()
	tc.coordinator.ElectLeader(context.Background())
	url := tc.replicas[1].server.URL

	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/heartbeat", "", http.StatusOK},
		{http.MethodPost, "/orders", "{", http.StatusBadRequest},
		{http.MethodPost, "/orders", `{"name":"widget","quantity":0}`, http.StatusBadRequest},
		{http.MethodPost, "/orders", `{"name":"widget","quantity":1}`, http.StatusOK},
		{http.MethodPost, "/orders", `{"name":"widget","quantity":1}`, http.StatusUnprocessableEntity},
		{http.MethodGet, "/orders/1", "", http.StatusOK},
		{http.MethodGet, "/orders/2", "", http.StatusNotFound},
		{http.MethodGet, "/orders/x", "", http.StatusBadRequest},
		{http.MethodPost, "/updateTxnStatusRaft", `{"logId":9,"term":1,"status":"S","orderId":9}`, http.StatusNotFound},
		{http.MethodPost, "/updateFollowerNodes", `{"update":"swap","nodes":[]}`, http.StatusBadRequest},
		{http.MethodPost, "/propagateOrder", `{"orderId":1}`, http.StatusNotFound},
	}
	for _, c := range cases {
		req, _ := http.NewRequest(c.method, url+c.path, strings.NewReader(c.body))
		req.Header.Set(requestIDHeader, "surface-test")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.status {
			t.Errorf("%s %s: expected %d, got %d", c.method, c.path, c.status, resp.StatusCode)
		}
		if resp.Header.Get(requestIDHeader) != "surface-test" && resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: request id not echoed", c.method, c.path)
		}
	}
}
