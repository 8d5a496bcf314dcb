package replica

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodeConfig is configuration for the local order replica. Package expects configuration to be passed in when
// starting up the replica using MakeNode.
type NodeConfig struct {
	// Self is the identity of this replica; the id is unique in the cluster and decides elections, the URL is
	// where peers, the coordinator and clients reach the HTTP surface.
	Self Replica
	// FrontEndURL is the coordinator the replica joins at start up. If empty the replica does not join, and
	// waits to be told who leads.
	FrontEndURL string
	// CatalogURL is the catalog service holding stock.
	CatalogURL string
	// Mode is the replication protocol, ModeRaft if not set.
	Mode ReplicationMode
	// ClusterSize is the configured membership size the quorum is computed against. It does not track the
	// currently known membership. Defaults to 3.
	ClusterSize int
	// Storage describes where the log and ledger are persisted.
	Storage StorageConfig
	// Listen is the local address the HTTP surface is served on, e.g. ":8081". If empty, nothing is served and
	// the application is expected to mount Handler() itself.
	Listen string
	// HealthListen is an optional local address for the gRPC health service.
	HealthListen string
	// MaxInflightRequests bounds the requests handled concurrently. Defaults to 10.
	MaxInflightRequests int
	// PropagationDepth is the per follower queue depth in simple mode. Defaults to 32.
	PropagationDepth int
	// InitialTerm is the term we start in if the log holds nothing later. Defaults to 1.
	InitialTerm int64
	Timers      struct {
		// Replicate bounds each replica to replica call. Defaults to 2s.
		Replicate time.Duration
		// Catalog bounds each catalog call. Defaults to 2s.
		Catalog time.Duration
		// Repair is the initial interval between out of band status repairs. Defaults to 1s.
		Repair time.Duration
	}
}

const (
	defaultClusterSize         = 3
	defaultMaxInflightRequests = 10
	defaultPropagationDepth    = 32
	defaultReplicateTimeout    = 2 * time.Second
	defaultCatalogTimeout      = 2 * time.Second
	defaultRepairInterval      = time.Second
)

// NodeConfig.validate: validates configuration presented by user, setting defaults where necessary.
func (cfg *NodeConfig) validate() error {

	if cfg.Self.ID <= 0 {
		return replicaErrorf(ReplicaErrorMissingConfig, "replica id must be positive, got %d", cfg.Self.ID)
	}

	if cfg.Self.URL == "" {
		return replicaErrorf(ReplicaErrorMissingConfig, "replica %d has no URL", cfg.Self.ID)
	}

	if cfg.CatalogURL == "" {
		return replicaErrorf(ReplicaErrorMissingConfig, "no catalog URL provided")
	}

	if cfg.Storage.Path == "" {
		return replicaErrorf(ReplicaErrorMissingConfig, "no storage path provided")
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeRaft
	case ModeRaft, ModeSimple:
	default:
		return replicaErrorf(ReplicaErrorMissingConfig, "unknown replication mode %q", cfg.Mode)
	}

	if cfg.ClusterSize == 0 {
		cfg.ClusterSize = defaultClusterSize
	}
	if cfg.ClusterSize < 1 {
		return replicaErrorf(ReplicaErrorMissingConfig, "cluster size %d", cfg.ClusterSize)
	}

	if cfg.MaxInflightRequests <= 0 {
		cfg.MaxInflightRequests = defaultMaxInflightRequests
	}

	if cfg.PropagationDepth <= 0 {
		cfg.PropagationDepth = defaultPropagationDepth
	}

	if cfg.InitialTerm <= 0 {
		cfg.InitialTerm = 1
	}

	if cfg.Timers.Replicate == 0 {
		cfg.Timers.Replicate = defaultReplicateTimeout
	}
	if cfg.Timers.Catalog == 0 {
		cfg.Timers.Catalog = defaultCatalogTimeout
	}
	if cfg.Timers.Repair == 0 {
		cfg.Timers.Repair = defaultRepairInterval
	}

	return nil
}

// replicationEngine is the protocol, fixed at start up, an order is handed to once stock has been decremented.
type replicationEngine interface {
	// PlaceOrder returns the id of the recorded order. On failure the stock decrement has been compensated.
	PlaceOrder(ctx context.Context, details OrderDetails) (int64, error)
	// SyncFromLeader fetches and applies whatever this replica missed.
	SyncFromLeader(ctx context.Context) error
	run(ctx context.Context, wg *sync.WaitGroup)
}

// Node is a running order replica. Public access to services provided by node are concurrency safe.
type Node struct {
	// Readonly state provided when the Node is created.
	config  *NodeConfig
	view    *clusterView
	store   Store
	ledger  *ledger
	client  *peerClient
	catalog *catalogClient
	engine  replicationEngine
	// Exactly one of raft and simple is set, according to config.Mode.
	raft   *raftLite
	simple *propagator
	// Served surfaces.
	handler  http.Handler
	listener net.Listener
	server   *http.Server
	health   *healthServer
	// fatalErrorFeedback feeds back fatal errors to the application.
	// Do not push into channel directly; use signalFatalError().
	fatalErrorFeedback chan error
	fatalErrorCount    *atomic.Int32
	cancel             context.CancelFunc
	metrics            *metricsHolder
	logger             *zap.SugaredLogger
	verboseLogging     bool
}

// FatalErrorChannel returns an error channel used by the Node to signal an unrecoverable failure, e.g. the HTTP
// surface stopped serving. When a fatal error is registered the Node shuts down and marks the root wait group
// done.
func (n *Node) FatalErrorChannel() chan error {
	return n.fatalErrorFeedback
}

func (n *Node) logKV() []interface{} {
	return append([]interface{}{"obj", "Node", "mode", n.config.Mode, "fatalErrorCount", n.fatalErrorCount.Load()},
		n.view.logKV()...)
}

// signalFatalError tells the application we are done. One pending signal is as good as many.
func (n *Node) signalFatalError(err error) {

	n.fatalErrorCount.Inc()

	select {
	case n.fatalErrorFeedback <- err:
		n.logger.Errorw("replica, signalling fatal error", replicaErrKeyword, err.Error())
		n.cancel()
	default:
		n.logger.Errorw("replica, skipped signalling fatal error, signalled already", replicaErrKeyword, err.Error())
	}
}

// Self returns the identity of the replica.
func (n *Node) Self() Replica {
	return n.view.Local()
}

// Leader returns who this replica believes leads.
func (n *Node) Leader() Replica {
	return n.view.Leader()
}

// IsLeader is true if this replica believes it leads.
func (n *Node) IsLeader() bool {
	return n.view.IsLeader()
}

// Followers returns the follower set, populated on the leader only.
func (n *Node) Followers() []Replica {
	return n.view.Followers()
}

// Handler returns the HTTP surface of the replica.
func (n *Node) Handler() http.Handler {
	return n.handler
}

// Addr returns the address the HTTP surface is served on, nil if the Node is not serving.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// NodeOption operator, operates on node to manage configuration.
type NodeOption func(*Node) error

// WithLogger option is invoked by the application to provide a customised zap logger, or to disable logging by
// passing nil. If no WithLogger option is passed to MakeNode, the package builds its own logger from
// DefaultZapLoggerConfig(). The logger is named "replica" beneath whatever name the application gave it.
//
// verbose enables logging of every inbound request and gRPC call, which is noisy.
func WithLogger(logger *zap.Logger, verbose bool) NodeOption {
	return func(n *Node) error {
		if logger != nil {
			n.logger = logger.Sugar()
		} else {
			n.logger = zap.NewNop().Sugar()
		}
		n.verboseLogging = verbose
		return nil
	}
}

// WithMetrics option used with MakeNode to specify metrics registry we should count in. Detailed option indicates
// whether detailed (and more expensive) metrics are tracked (e.g. replication fan out latency distribution). If
// nil is passed in for the registry, prometheus.DefaultRegisterer is used. The package does not serve metrics;
// that is up to the application. Without WithMetrics metrics collection is disabled.
func WithMetrics(registry *prometheus.Registry, namespace string, detailed bool) NodeOption {
	return func(n *Node) error {
		n.metrics = initMetrics(registry, namespace, detailed, n.config.Self.ID)
		return nil
	}
}

// MakeNode starts an order replica according to configuration provided.
//
// Context can be cancelled to signal exit. WaitGroup wg should have 1 added to it prior to calling MakeNode and
// should be waited on by the caller before exiting following cancellation. Whether MakeNode returns successfully
// or not, WaitGroup will be marked Done() by the time the Node has cleaned up.
//
// Once running, the replica joins the coordinator at cfg.FrontEndURL (retrying until it succeeds or ctx is
// cancelled), catches up with the leader it is given, and from then on serves orders if leader, or replicates
// the leader if follower.
func MakeNode(ctx context.Context, wg *sync.WaitGroup, cfg NodeConfig, opts ...NodeOption) (*Node, error) {

	defer wg.Done()

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:             &cfg,
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, replicaErrorf(ReplicaErrorBadOption, "applied option err [%v]", err)
		}
	}

	if err = initLogging(n); err != nil {
		return nil, replicaErrorf(err, "init logging failed")
	}

	n.logger.Infow("replica package, starting up (logging can be customised or disabled using WithLogger option)",
		"self", cfg.Self.String(), "mode", cfg.Mode, "clusterSize", cfg.ClusterSize)

	n.store, err = OpenStore(cfg.Storage, n.logger)
	if err != nil {
		return nil, err
	}

	err = n.initComponents()
	if err == nil {
		err = n.initServers()
	}
	if err != nil {
		n.logger.Errorw("replica failed to initialise", replicaErrKeyword, err)
		if cerr := n.store.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		return nil, err
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	wg.Add(1)

	// Internal wait group so we can clean up (e.g. close the store and flush the logger) on exit.
	var rootWg sync.WaitGroup

	rootWg.Add(1)
	go n.engine.run(rootCtx, &rootWg)

	if n.server != nil {
		rootWg.Add(1)
		go n.serve(rootCtx, &rootWg)
	}

	if n.health != nil {
		rootWg.Add(1)
		go n.health.run(rootCtx, &rootWg)
	}

	rootWg.Add(1)
	go n.joinCluster(rootCtx, &rootWg)

	go func() {

		select {
		case <-rootCtx.Done():
			n.logger.Info("replica internal shutdown triggered")
		case <-ctx.Done():
			n.logger.Info("replica owner is requesting a shutdown")
		}

		if n.server != nil {
			sctx, scancel := context.WithTimeout(context.Background(), cfg.Timers.Replicate)
			if err := n.server.Shutdown(sctx); err != nil {
				n.logger.Infow("http server shutdown incomplete", replicaErrKeyword, err)
			}
			scancel()
		}

		cancel()
		rootWg.Wait()
		if err := n.store.Close(); err != nil {
			n.logger.Errorw("closing store", replicaErrKeyword, err)
		}
		n.logger.Sync()
		wg.Done()
	}()

	return n, nil
}

func (n *Node) initComponents() error {

	cfg := n.config

	var err error
	n.ledger, err = newLedger(n.store, n.logger, n.metrics)
	if err != nil {
		return err
	}

	n.view = newClusterView(cfg.Self)
	n.client = newPeerClient(cfg.Timers.Replicate, n.logger)
	n.catalog = newCatalogClient(
		cfg.CatalogURL, newPeerClient(cfg.Timers.Catalog, n.logger), cfg.Timers.Catalog, n.logger, n.metrics)

	switch cfg.Mode {
	case ModeRaft:
		n.raft, err = newRaftLite(raftLiteConfig{
			clusterSize:      cfg.ClusterSize,
			initialTerm:      cfg.InitialTerm,
			replicateTimeout: cfg.Timers.Replicate,
			repairInterval:   cfg.Timers.Repair,
		}, n.store, n.ledger, n.view, n.client, n.catalog, n.logger, n.metrics)
		if err != nil {
			return err
		}
		n.engine = n.raft
	case ModeSimple:
		n.simple = newPropagator(n.ledger, n.view, n.client, n.catalog, cfg.Timers.Replicate,
			cfg.PropagationDepth, n.logger, n.metrics)
		n.engine = n.simple
	}

	n.view.onChange = func(leader bool, followers []Replica) {
		n.metrics.setRole(leader)
		if n.health != nil {
			n.health.setLeader(leader)
		}
		if n.simple != nil {
			n.simple.followersChanged()
		}
	}
	n.metrics.setRole(false)

	n.handler = n.routes()
	return nil
}

// initServers acquires the local sockets we serve on.
func (n *Node) initServers() error {

	if n.config.Listen != "" {
		listener, err := listen(n.config.Listen)
		if err != nil {
			n.logger.Errorw("failed to acquire local TCP socket (some other application or previous "+
				"instance still using socket?)", "listen", n.config.Listen, replicaErrKeyword, err)
			return err
		}
		n.listener = listener
		n.server = &http.Server{Handler: n.handler}
		n.logger.Debugw("listener acquired local address", "listen", listener.Addr().String())
	}

	if n.config.HealthListen != "" {
		h, err := newHealthServer(n.config.HealthListen, n.verboseLogging, n.metrics, n.logger)
		if err != nil {
			if n.listener != nil {
				n.listener.Close()
			}
			return err
		}
		n.health = h
	}

	return nil
}

func listen(addr string) (net.Listener, error) {
	var listener net.Listener
	err := backoff.Retry(
		func() error {
			var err error
			listener, err = net.Listen("tcp", addr)
			return err
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
	)
	if err != nil {
		return nil, replicaErrorf(err, "failed to acquire local TCP socket %s", addr)
	}
	return listener, nil
}

func (n *Node) serve(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	n.logger.Debugw("http server starting up", "addr", n.listener.Addr().String())
	err := n.server.Serve(n.listener)
	if err != nil && err != http.ErrServerClosed {
		n.signalFatalError(replicaErrorf(err, "http server stopped serving"))
		return
	}
	n.logger.Debugw("http server shut down gracefully")
}

// joinCluster registers with the coordinator, retrying with backoff until it is accepted or we shut down, then
// catches up with the leader it was handed.
func (n *Node) joinCluster(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	if n.config.FrontEndURL == "" {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error {
			leader, err := n.client.JoinCluster(ctx, n.config.FrontEndURL, n.config.Self)
			if err != nil {
				return err
			}
			if leader.IsNone() {
				return replicaErrorf(ReplicaErrorNoLeader, "coordinator has no leader")
			}
			n.view.setLeader(leader)
			return nil
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			n.logger.Infow("join cluster failed, will retry",
				append(n.logKV(), "frontEnd", n.config.FrontEndURL, "retryIn", next.String(), replicaErrKeyword, err)...)
		})
	if err != nil {
		n.logger.Infow("gave up joining cluster", append(n.logKV(), replicaErrKeyword, err)...)
		return
	}

	n.logger.Infow("joined cluster", n.logKV()...)

	if err := n.engine.SyncFromLeader(ctx); err != nil {
		n.logger.Infow("initial sync with leader failed", append(n.logKV(), replicaErrKeyword, err)...)
	}
}

// DefaultZapLoggerConfig provides a production logger configuration (logs Info and above, JSON to stderr, with
// stacktrace, caller and sampling disabled) which can be customised by application to produce its own logger.
// Loggers passed in to WithLogger have their name extended with "replica" (or "coordinator").
func DefaultZapLoggerConfig() zap.Config {

	lcfg := zap.NewProductionConfig()
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.DisableStacktrace = false
	lcfg.DisableCaller = true
	lcfg.Sampling = nil

	return lcfg
}

// buildLogger makes sure we always end up with a named logger, even if it is a noop one.
func buildLogger(logger *zap.SugaredLogger, name string) (*zap.SugaredLogger, error) {

	if logger == nil {
		l, err := DefaultZapLoggerConfig().Build()
		if err != nil {
			return nil, replicaErrorf(err, "failed to set up logging")
		}
		logger = l.Sugar()
	}

	if logger == nil {
		return nil, replicaErrorf(
			ReplicaErrorMissingLogger, "tried to set up a logger, but failed, zap did not indicate why")
	}

	return logger.Named(name), nil
}

func initLogging(n *Node) error {
	logger, err := buildLogger(n.logger, "replica")
	if err != nil {
		return err
	}
	n.logger = logger
	return nil
}
