package replica

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsHolder holds metrics from the replica (or coordinator) perspective.
//
// Aim to track;
// - errors
// - utilisation
// - saturation
//
// http://www.brendangregg.com/usemethod.html
//
// Centralising the metrics: the key advantage of having the metrics for the package in one place is that it becomes
// easier to present a consistent set of metrics. All accessors are safe on a nil holder, which is what we run with
// when metrics are disabled.
type metricsHolder struct {
	registry *prometheus.Registry
	// Are we tracking expensive metrics?
	detailed bool
	//
	// Metrics
	roleGauge         prometheus.Gauge
	orders            prometheus.Counter
	proposals         *prometheus.CounterVec
	replicateRejects  prometheus.Counter
	compensations     *prometheus.CounterVec
	propagationDrops  prometheus.Counter
	statusRepairs     *prometheus.CounterVec
	elections         prometheus.Counter
	evictions         prometheus.Counter
	inflightRequests  prometheus.Gauge
	replicateDuration prometheus.Histogram
}

// Set up a metricsHolder to collect metrics for a given replica, or for the coordinator (replicaID -1).
func initMetrics(registry *prometheus.Registry, namespace string, detailed bool, replicaID int64) *metricsHolder {

	if registry == nil {
		var ok bool
		registry, ok = prometheus.DefaultRegisterer.(*prometheus.Registry)
		if !ok {
			return nil
		}
	}

	mh := &metricsHolder{
		detailed: detailed,
		registry: registry,
	}

	// We include a const label to indicate which replica in the cluster is originating the metric. In production
	// environments the replica could typically be inferred from labels added externally as part of the deployment.
	labels := map[string]string{"replicaID": fmt.Sprint(replicaID)}

	mh.roleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "role",
		Help:        "role indicates whether the replica is follower or leader (1,2 respectively) at sampling time.",
		ConstLabels: labels,
	})

	mh.orders = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "orders_applied_total",
		Help:        "orders written to the local ledger, self generated or replicated.",
		ConstLabels: labels,
	})

	mh.proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "proposals_total",
		Help:        "proposals decided by this replica as leader, by outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})

	mh.replicateRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "replicate_rejects_total",
		Help:        "replicated entries rejected by this replica as follower for being out of sequence.",
		ConstLabels: labels,
	})

	mh.compensations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "compensations_total",
		Help:        "stock compensations requested from the catalog, by result.",
		ConstLabels: labels,
	}, []string{"result"})

	mh.propagationDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "propagation_drops_total",
		Help:        "simple mode propagations dropped because a follower worker was saturated or failed.",
		ConstLabels: labels,
	})

	mh.statusRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "status_repairs_total",
		Help:        "out of band status corrections sent to followers, by result.",
		ConstLabels: labels,
	}, []string{"result"})

	mh.elections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "coordinator",
		Name:        "elections_total",
		Help:        "leader elections run.",
		ConstLabels: labels,
	})

	mh.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "coordinator",
		Name:        "evictions_total",
		Help:        "replicas evicted from the known set after failing a probe or a connection.",
		ConstLabels: labels,
	})

	mh.inflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "replica",
		Name:        "inflight_requests",
		Help:        "inbound requests holding a worker slot.",
		ConstLabels: labels,
	})

	collectors := []prometheus.Collector{
		mh.roleGauge, mh.orders, mh.proposals, mh.replicateRejects, mh.compensations, mh.propagationDrops,
		mh.statusRepairs, mh.elections, mh.evictions, mh.inflightRequests,
	}

	if detailed {
		mh.replicateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "replica",
			Name:        "replicate_fanout_seconds",
			Help:        "time taken to gather replication acknowledgements from followers.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})
		collectors = append(collectors, mh.replicateDuration)
	}

	registry.MustRegister(collectors...)

	return mh
}

func (mh *metricsHolder) setRole(leader bool) {
	if mh == nil {
		return
	}
	if leader {
		mh.roleGauge.Set(2)
	} else {
		mh.roleGauge.Set(1)
	}
}

func (mh *metricsHolder) orderApplied() {
	if mh != nil {
		mh.orders.Inc()
	}
}

func (mh *metricsHolder) proposalDecided(committed bool) {
	if mh == nil {
		return
	}
	if committed {
		mh.proposals.WithLabelValues("committed").Inc()
	} else {
		mh.proposals.WithLabelValues("aborted").Inc()
	}
}

func (mh *metricsHolder) replicateRejected() {
	if mh != nil {
		mh.replicateRejects.Inc()
	}
}

func (mh *metricsHolder) compensation(ok bool) {
	if mh == nil {
		return
	}
	if ok {
		mh.compensations.WithLabelValues("ok").Inc()
	} else {
		mh.compensations.WithLabelValues("failed").Inc()
	}
}

func (mh *metricsHolder) propagationDropped() {
	if mh != nil {
		mh.propagationDrops.Inc()
	}
}

func (mh *metricsHolder) statusRepair(ok bool) {
	if mh == nil {
		return
	}
	if ok {
		mh.statusRepairs.WithLabelValues("ok").Inc()
	} else {
		mh.statusRepairs.WithLabelValues("failed").Inc()
	}
}

func (mh *metricsHolder) election() {
	if mh != nil {
		mh.elections.Inc()
	}
}

func (mh *metricsHolder) eviction() {
	if mh != nil {
		mh.evictions.Inc()
	}
}

func (mh *metricsHolder) inflight(delta float64) {
	if mh != nil {
		mh.inflightRequests.Add(delta)
	}
}

func (mh *metricsHolder) observeFanout(seconds float64) {
	if mh != nil && mh.replicateDuration != nil {
		mh.replicateDuration.Observe(seconds)
	}
}
