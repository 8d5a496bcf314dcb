package replica

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// membershipTransport is what the coordinator needs to talk to replicas.
type membershipTransport interface {
	Heartbeat(ctx context.Context, target Replica) error
	UpdateLeader(ctx context.Context, target, leader Replica) error
	UpdateFollowers(ctx context.Context, leader Replica, update string, nodes []Replica) error
	PlaceOrder(ctx context.Context, target Replica, item string, qty int64) (int64, error)
	GetOrder(ctx context.Context, target Replica, orderID int64) (Order, error)
}

// prober is a liveness check against one replica.
type prober interface {
	Probe(ctx context.Context, target Replica) error
}

type heartbeatProber struct {
	transport membershipTransport
	timeout   time.Duration
}

func (p *heartbeatProber) Probe(ctx context.Context, target Replica) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.transport.Heartbeat(ctx, target)
}

// CoordinatorConfig configures the front end membership coordinator.
type CoordinatorConfig struct {
	// Replicas is the bootstrap membership.
	Replicas []Replica
	// Listen is the local address the coordinator HTTP surface is served on. If empty nothing is served.
	Listen string
	// PollInterval is the period between health polls. Defaults to 30s.
	PollInterval time.Duration
	// ProbeTimeout bounds each liveness probe. Defaults to 1s.
	ProbeTimeout time.Duration
	// RequestTimeout bounds each call made on the request path and to push notifications. Defaults to 5s.
	RequestTimeout time.Duration
	// StartupGrace is how long the first election keeps retrying while no replica is up yet. Defaults to 30s.
	StartupGrace time.Duration
}

func (cfg *CoordinatorConfig) validate() error {
	seen := map[int64]bool{}
	for _, r := range cfg.Replicas {
		if r.ID <= 0 || r.URL == "" {
			return replicaErrorf(ReplicaErrorMissingConfig, "replica %s needs a positive id and a URL", r)
		}
		if seen[r.ID] {
			return replicaErrorf(ReplicaErrorMissingConfig, "replica id %d configured twice", r.ID)
		}
		seen[r.ID] = true
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 30 * time.Second
	}
	return nil
}

// Coordinator tracks the known replicas, polls their health, elects the leader and pushes leadership and
// membership changes to the replicas. It also fronts the order path for clients, forwarding to the leader and
// re-electing when the leader cannot be reached.
//
// electionMu serialises election, polling, joins and evictions. It is held across the probes and notifications
// of an election; the request path waits on it only when it finds no leader or is itself triggering an election.
type Coordinator struct {
	config     *CoordinatorConfig
	electionMu sync.Mutex

	mu     sync.RWMutex
	known  map[int64]Replica
	leader Replica

	transport membershipTransport
	prober    prober
	grpcProbe *grpcProber
	handler   http.Handler
	server    *http.Server

	fatalErrorFeedback chan error
	fatalErrorCount    *atomic.Int32
	cancel             context.CancelFunc
	metrics            *metricsHolder
	logger             *zap.SugaredLogger
	verboseLogging     bool
}

// CoordinatorOption operator, operates on the coordinator to manage configuration.
type CoordinatorOption func(*Coordinator) error

// WithCoordinatorLogger is the coordinator counterpart of WithLogger.
func WithCoordinatorLogger(logger *zap.Logger, verbose bool) CoordinatorOption {
	return func(c *Coordinator) error {
		if logger != nil {
			c.logger = logger.Sugar()
		} else {
			c.logger = zap.NewNop().Sugar()
		}
		c.verboseLogging = verbose
		return nil
	}
}

// WithCoordinatorMetrics is the coordinator counterpart of WithMetrics.
func WithCoordinatorMetrics(registry *prometheus.Registry, namespace string, detailed bool) CoordinatorOption {
	return func(c *Coordinator) error {
		c.metrics = initMetrics(registry, namespace, detailed, NoLeader.ID)
		return nil
	}
}

// WithGRPCHealthProbe probes replicas which advertise a health address over grpc.health.v1 instead of
// GET /heartbeat.
func WithGRPCHealthProbe() CoordinatorOption {
	return func(c *Coordinator) error {
		c.grpcProbe = &grpcProber{}
		return nil
	}
}

// withTransport replaces the replica transport; used in test.
func withTransport(t membershipTransport) CoordinatorOption {
	return func(c *Coordinator) error {
		c.transport = t
		return nil
	}
}

// NewCoordinator builds a coordinator without running it. The bootstrap replicas are registered; no election is
// run until ElectLeader or Run.
func NewCoordinator(cfg CoordinatorConfig, opts ...CoordinatorOption) (*Coordinator, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:             &cfg,
		known:              map[int64]Replica{},
		leader:             NoLeader,
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
		cancel:             func() {},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, replicaErrorf(ReplicaErrorBadOption, "applied option err [%v]", err)
		}
	}

	logger, err := buildLogger(c.logger, "coordinator")
	if err != nil {
		return nil, replicaErrorf(err, "init logging failed")
	}
	c.logger = logger

	if c.transport == nil {
		c.transport = newPeerClient(cfg.RequestTimeout, c.logger)
	}
	c.prober = &heartbeatProber{transport: c.transport, timeout: cfg.ProbeTimeout}
	if c.grpcProbe != nil {
		c.grpcProbe.timeout = cfg.ProbeTimeout
		c.grpcProbe.logger = c.logger
	}

	c.RegisterReplicas(cfg.Replicas)
	c.handler = c.routes()
	return c, nil
}

// MakeCoordinator builds and runs a coordinator: it serves the coordinator HTTP surface when cfg.Listen is set,
// elects the first leader, and polls health until ctx is cancelled. As with MakeNode, wg should have 1 added to
// it before the call and will be marked Done() once the coordinator has cleaned up.
func MakeCoordinator(
	ctx context.Context, wg *sync.WaitGroup, cfg CoordinatorConfig, opts ...CoordinatorOption) (*Coordinator, error) {

	defer wg.Done()

	c, err := NewCoordinator(cfg, opts...)
	if err != nil {
		return nil, err
	}

	c.logger.Infow("coordinator, starting up", c.logKV()...)

	rootCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var rootWg sync.WaitGroup

	if cfg.Listen != "" {
		listener, err := listen(cfg.Listen)
		if err != nil {
			cancel()
			c.logger.Errorw("coordinator failed to acquire socket", "listen", cfg.Listen, replicaErrKeyword, err)
			return nil, err
		}
		c.server = &http.Server{Handler: c.handler}
		rootWg.Add(1)
		go func() {
			defer rootWg.Done()
			err := c.server.Serve(listener)
			if err != nil && err != http.ErrServerClosed {
				c.signalFatalError(replicaErrorf(err, "coordinator http server stopped serving"))
			}
		}()
	}

	wg.Add(1)
	rootWg.Add(1)
	go c.Run(rootCtx, &rootWg)

	go func() {
		select {
		case <-rootCtx.Done():
			c.logger.Info("coordinator internal shutdown triggered")
		case <-ctx.Done():
			c.logger.Info("coordinator owner is requesting a shutdown")
		}
		if c.server != nil {
			sctx, scancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			c.server.Shutdown(sctx)
			scancel()
		}
		cancel()
		rootWg.Wait()
		c.logger.Sync()
		wg.Done()
	}()

	return c, nil
}

// FatalErrorChannel reports an election which found no live replica. The coordinator stops once it signals.
func (c *Coordinator) FatalErrorChannel() chan error {
	return c.fatalErrorFeedback
}

func (c *Coordinator) signalFatalError(err error) {
	c.fatalErrorCount.Inc()
	select {
	case c.fatalErrorFeedback <- err:
		c.logger.Errorw("coordinator, signalling fatal error", replicaErrKeyword, err.Error())
		c.cancel()
	default:
		c.logger.Errorw("coordinator, skipped signalling fatal error, signalled already", replicaErrKeyword, err.Error())
	}
}

func (c *Coordinator) logKV() []interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []interface{}{"obj", "Coordinator", "leaderID", c.leader.ID, "known", len(c.known)}
}

// Handler returns the coordinator HTTP surface.
func (c *Coordinator) Handler() http.Handler {
	return c.handler
}

// Leader returns the current leader, NoLeader if there is none.
func (c *Coordinator) Leader() Replica {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// Known returns the known replicas in id order.
func (c *Coordinator) Known() []Replica {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knownLocked()
}

func (c *Coordinator) knownLocked() []Replica {
	out := make([]Replica, 0, len(c.known))
	for _, r := range c.known {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterReplicas adds replicas to the known set.
func (c *Coordinator) RegisterReplicas(replicas []Replica) {
	c.mu.Lock()
	for _, r := range replicas {
		c.known[r.ID] = r
	}
	c.mu.Unlock()
}

func (c *Coordinator) evict(ids ...int64) {
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.known[id]; ok {
			delete(c.known, id)
			c.metrics.eviction()
		}
		if c.leader.ID == id {
			c.leader = NoLeader
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) probe(ctx context.Context, target Replica) error {
	if c.grpcProbe != nil && target.HealthAddr != "" {
		return c.grpcProbe.Probe(ctx, target)
	}
	return c.prober.Probe(ctx, target)
}

// probeAll probes every replica in parallel and splits them into alive and dead, in id order.
func (c *Coordinator) probeAll(ctx context.Context, replicas []Replica) (alive, dead []Replica) {
	results := make([]error, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r Replica) {
			defer wg.Done()
			results[i] = c.probe(ctx, r)
		}(i, r)
	}
	wg.Wait()

	for i, r := range replicas {
		if results[i] == nil {
			alive = append(alive, r)
		} else {
			c.logger.Debugw("replica failed probe", "replica", r.String(), replicaErrKeyword, results[i])
			dead = append(dead, r)
		}
	}
	return alive, dead
}

// ElectLeader probes every known replica and elects the live one with the highest id. Every known replica is told
// who leads, and the leader is told its followers, before ElectLeader returns. If no replica is alive NoLeader is
// returned, which the caller must treat as fatal.
func (c *Coordinator) ElectLeader(ctx context.Context) Replica {
	c.electionMu.Lock()
	defer c.electionMu.Unlock()
	return c.electLocked(ctx)
}

func (c *Coordinator) electLocked(ctx context.Context) Replica {

	c.metrics.election()
	known := c.Known()
	alive, _ := c.probeAll(ctx, known)

	if len(alive) == 0 {
		c.mu.Lock()
		c.leader = NoLeader
		c.mu.Unlock()
		c.logger.Errorw("election found no live replica", append(c.logKV(), "known", len(known))...)
		return NoLeader
	}

	leader := alive[len(alive)-1]
	followers := alive[:len(alive)-1]

	c.mu.Lock()
	c.leader = leader
	c.mu.Unlock()

	c.logger.Infow("leader elected", append(c.logKV(), "leader", leader.String(), "followers", len(followers))...)

	var wg sync.WaitGroup
	for _, r := range known {
		wg.Add(1)
		go func(r Replica) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
			defer cancel()
			if err := c.transport.UpdateLeader(cctx, r, leader); err != nil {
				c.logger.Infow("failed to notify replica of leader",
					"replica", r.String(), "leader", leader.String(), replicaErrKeyword, err)
			}
		}(r)
	}
	wg.Wait()

	if len(followers) > 0 {
		cctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		if err := c.transport.UpdateFollowers(cctx, leader, followersAdd, followers); err != nil {
			c.logger.Infow("failed to notify leader of followers",
				"leader", leader.String(), replicaErrKeyword, err)
		}
		cancel()
	}

	return leader
}

func (c *Coordinator) electOrFail(ctx context.Context) Replica {
	leader := c.electLocked(ctx)
	if leader.IsNone() {
		c.signalFatalError(replicaErrorf(ReplicaErrorNoLeader, "election found no live replica"))
	}
	return leader
}

// PollHealth probes every known replica and evicts those which fail. Losing the leader triggers an election;
// losing followers is pushed to the leader. If an election is in flight PollHealth does nothing.
func (c *Coordinator) PollHealth(ctx context.Context) {

	if !c.electionMu.TryLock() {
		c.logger.Debugw("health poll skipped, election in flight", c.logKV()...)
		return
	}
	defer c.electionMu.Unlock()

	leader := c.Leader()
	_, dead := c.probeAll(ctx, c.Known())

	leaderLost := false
	if len(dead) > 0 {
		ids := make([]int64, 0, len(dead))
		for _, r := range dead {
			ids = append(ids, r.ID)
			leaderLost = leaderLost || r.ID == leader.ID
		}
		c.evict(ids...)
		c.logger.Infow("evicted replicas failing health poll", append(c.logKV(), "evicted", ids)...)
	}

	if leaderLost || leader.IsNone() {
		c.electOrFail(ctx)
		return
	}

	if len(dead) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.transport.UpdateFollowers(cctx, leader, followersDelete, dead); err != nil {
		c.logger.Infow("failed to notify leader of evicted followers",
			"leader", leader.String(), replicaErrKeyword, err)
	}
}

// Run runs the first election, retrying for up to StartupGrace while no replica is up, then polls health every
// PollInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.config.StartupGrace
	err := backoff.RetryNotify(
		func() error {
			if c.ElectLeader(ctx).IsNone() {
				return replicaErrorf(ReplicaErrorNoLeader, "no replica alive yet")
			}
			return nil
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			c.logger.Infow("initial election failed, will retry", "retryIn", next.String(), replicaErrKeyword, err)
		})
	if err != nil && ctx.Err() == nil && c.Leader().IsNone() {
		c.signalFatalError(replicaErrorf(err, "initial election"))
		return
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.PollHealth(ctx)
		case <-ctx.Done():
			c.logger.Debugw("coordinator, stop running", c.logKV()...)
			return
		}
	}
}

// Join admits candidate to the cluster. The leader is asked to take the candidate as follower first; only if it
// agrees is the candidate registered and handed the leader. With no leader, the candidate is registered and an
// election is run.
func (c *Coordinator) Join(ctx context.Context, candidate Replica) (Replica, error) {

	if candidate.ID <= 0 || candidate.URL == "" {
		return NoLeader, replicaErrorf(ReplicaErrorBadRequest, "join from %s", candidate)
	}

	c.electionMu.Lock()
	defer c.electionMu.Unlock()

	kv := append(c.logKV(), "candidate", candidate.String())

	leader := c.Leader()
	if leader.IsNone() {
		c.RegisterReplicas([]Replica{candidate})
		leader = c.electLocked(ctx)
		if leader.IsNone() {
			return NoLeader, replicaErrorf(ReplicaErrorJoinRefused, "no live replica to lead")
		}
		c.logger.Infow("candidate joined, election run", kv...)
		return leader, nil
	}

	if candidate.ID == leader.ID {
		c.RegisterReplicas([]Replica{candidate})
		return leader, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.transport.UpdateFollowers(cctx, leader, followersAdd, []Replica{candidate}); err != nil {
		c.logger.Infow("leader did not take candidate, join refused", append(kv, replicaErrKeyword, err)...)
		return NoLeader, replicaErrorf(ReplicaErrorJoinRefused, "leader %s [%v]", leader, err)
	}

	c.RegisterReplicas([]Replica{candidate})
	c.logger.Infow("candidate joined", kv...)
	return leader, nil
}

// OnConnectionFailure is called from the request path when a call to the leader failed to connect. The target is
// evicted and a new leader elected, unless someone else re-elected already. The leader to retry against is
// returned.
func (c *Coordinator) OnConnectionFailure(ctx context.Context, target Replica) Replica {

	c.electionMu.Lock()
	defer c.electionMu.Unlock()

	if current := c.Leader(); current.ID != target.ID {
		return current
	}

	c.evict(target.ID)
	c.logger.Infow("evicted unreachable leader, re-electing", append(c.logKV(), "evicted", target.String())...)
	return c.electOrFail(ctx)
}

// PlaceOrder forwards an order to the leader. If the leader cannot be reached it is evicted, a new leader
// elected, and the order retried once against it.
func (c *Coordinator) PlaceOrder(ctx context.Context, item string, qty int64) (int64, error) {

	var id int64
	err := c.withLeader(ctx, func(leader Replica) error {
		var err error
		id, err = c.transport.PlaceOrder(ctx, leader, item, qty)
		return err
	})
	return id, err
}

// GetOrder reads an order from the leader, with the same single retry as PlaceOrder.
func (c *Coordinator) GetOrder(ctx context.Context, orderID int64) (Order, error) {

	var o Order
	err := c.withLeader(ctx, func(leader Replica) error {
		var err error
		o, err = c.transport.GetOrder(ctx, leader, orderID)
		return err
	})
	return o, err
}

func (c *Coordinator) withLeader(ctx context.Context, call func(leader Replica) error) error {

	leader := c.Leader()
	if leader.IsNone() {
		// An election may be in flight after the leader was evicted; wait for it to settle.
		c.electionMu.Lock()
		leader = c.Leader()
		c.electionMu.Unlock()
	}
	if leader.IsNone() {
		return replicaErrorf(ReplicaErrorNoLeader, "no leader to forward to")
	}

	err := call(leader)
	if errors.Cause(err) != ReplicaErrorConnectionFailed {
		return err
	}

	c.logger.Infow("leader unreachable on request path", append(c.logKV(), replicaErrKeyword, err)...)
	leader = c.OnConnectionFailure(ctx, leader)
	if leader.IsNone() {
		return replicaErrorf(ReplicaErrorNoLeader, "no leader after re-election")
	}
	return call(leader)
}

func (c *Coordinator) routes() http.Handler {

	r := mux.NewRouter()
	r.Use(requestIDMiddleware(c.logger, c.verboseLogging))

	r.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nil)
	}).Methods(http.MethodGet)
	r.HandleFunc("/leader", c.handleLeader).Methods(http.MethodGet)
	r.HandleFunc("/joinOrderCluster", c.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/orders", c.handleBuy).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", c.handleGetOrder).Methods(http.MethodGet)

	return r
}

func (c *Coordinator) handleLeader(w http.ResponseWriter, r *http.Request) {
	leader := c.Leader()
	if leader.IsNone() {
		writeError(w, c.logger, r, replicaErrorf(ReplicaErrorNoLeader, "no leader elected"))
		return
	}
	writeJSON(w, http.StatusOK, &joinReply{LeaderID: leader.ID, LeaderURL: leader.URL, LeaderHealthAddr: leader.HealthAddr})
}

func (c *Coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	var candidate Replica
	if !decode(w, c.logger, r, &candidate) {
		return
	}
	leader, err := c.Join(r.Context(), candidate)
	if err != nil {
		writeError(w, c.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &joinReply{LeaderID: leader.ID, LeaderURL: leader.URL, LeaderHealthAddr: leader.HealthAddr})
}

func (c *Coordinator) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, c.logger, r, &req) {
		return
	}
	id, err := c.PlaceOrder(r.Context(), req.Name, req.Quantity)
	if err != nil {
		writeError(w, c.logger, r, err)
		return
	}
	var reply buyReply
	reply.Data.OrderNumber = id
	writeJSON(w, http.StatusOK, &reply)
}

func (c *Coordinator) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDVar(w, c.logger, r)
	if !ok {
		return
	}
	o, err := c.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, c.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &orderReply{Data: o})
}
