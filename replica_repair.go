package replica

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// statusRepairer is run by the leader to repair follower entry status out of band. A commit or abort decision which
// failed to reach a follower is tracked here and replayed through updateTxnStatusRaft until the follower takes it,
// or until the follower leaves the view. None of the proposal goroutines ever block on the repairer.
type statusTransport interface {
	UpdateStatus(ctx context.Context, target Replica, req statusUpdateRequest) error
}

// followerRepairs is the queue of outstanding status updates for one follower, in the order the decisions were
// made. Retries against a follower which keeps failing are spaced out with exponential backoff.
type followerRepairs struct {
	target    Replica
	pending   []statusUpdateRequest
	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
}

type statusRepairer struct {
	transport statusTransport
	view      *clusterView
	interval  time.Duration
	timeout   time.Duration
	// A one-deep channel which indicates that new repairs have been tracked.
	updatesAvailable chan struct{}
	// pendingMu protects pending. Updates are added by proposal goroutines and drained by the repairer.
	pendingMu sync.Mutex
	pending   map[int64]*followerRepairs
	logger    *zap.SugaredLogger
	metrics   *metricsHolder
}

func newStatusRepairer(
	transport statusTransport, view *clusterView, interval, timeout time.Duration,
	logger *zap.SugaredLogger, metrics *metricsHolder) *statusRepairer {

	return &statusRepairer{
		transport:        transport,
		view:             view,
		interval:         interval,
		timeout:          timeout,
		updatesAvailable: make(chan struct{}, 1),
		pending:          map[int64]*followerRepairs{},
		logger:           logger,
		metrics:          metrics,
	}
}

func (r *statusRepairer) logKV() []interface{} {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	count := 0
	for _, fr := range r.pending {
		count += len(fr.pending)
	}
	return []interface{}{"obj", "statusRepairer", "followers", len(r.pending), "pendingCount", count}
}

// track queues a status update for target. A later update for the same entry replaces the earlier one.
func (r *statusRepairer) track(target Replica, req statusUpdateRequest) {
	r.pendingMu.Lock()
	fr, ok := r.pending[target.ID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.interval
		// Keep trying for as long as the follower is in the view.
		b.MaxElapsedTime = 0
		fr = &followerRepairs{target: target, backoff: b}
		r.pending[target.ID] = fr
	}
	replaced := false
	for i := range fr.pending {
		if fr.pending[i].LogID == req.LogID {
			fr.pending[i] = req
			replaced = true
			break
		}
	}
	if !replaced {
		fr.pending = append(fr.pending, req)
	}
	r.pendingMu.Unlock()

	r.notify()
}

// notify wakes up the repairer without blocking.
func (r *statusRepairer) notify() {
	select {
	case r.updatesAvailable <- struct{}{}:
	default:
	}
}

// outstanding returns the number of updates queued for follower id.
func (r *statusRepairer) outstanding(id int64) int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if fr, ok := r.pending[id]; ok {
		return len(fr.pending)
	}
	return 0
}

func (r *statusRepairer) run(ctx context.Context, wg *sync.WaitGroup) {

	defer wg.Done()

	r.logger.Debugw("statusRepairer, start running", r.logKV()...)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.updatesAvailable:
			r.repairPass(ctx, time.Now())
		case <-ticker.C:
			r.repairPass(ctx, time.Now())
		case <-ctx.Done():
			r.logger.Debugw("statusRepairer, stop running, abandoning outstanding repairs", r.logKV()...)
			return
		}
	}
}

// repairPass drains what it can from every follower queue. A follower which fails is skipped until its backoff
// expires; a follower no longer in the view has its queue dropped.
func (r *statusRepairer) repairPass(ctx context.Context, now time.Time) {

	current := map[int64]bool{}
	for _, f := range r.view.Followers() {
		current[f.ID] = true
	}

	r.pendingMu.Lock()
	var due []*followerRepairs
	for id, fr := range r.pending {
		if !current[id] {
			r.logger.Debugw("statusRepairer, follower left view, dropping repairs",
				"followerID", id, "dropped", len(fr.pending))
			delete(r.pending, id)
			continue
		}
		if len(fr.pending) > 0 && !now.Before(fr.notBefore) {
			due = append(due, fr)
		}
	}
	r.pendingMu.Unlock()

	for _, fr := range due {
		r.repairFollower(ctx, fr)
	}
}

func (r *statusRepairer) repairFollower(ctx context.Context, fr *followerRepairs) {

	for {
		r.pendingMu.Lock()
		if len(fr.pending) == 0 {
			r.pendingMu.Unlock()
			return
		}
		req := fr.pending[0]
		r.pendingMu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.transport.UpdateStatus(cctx, fr.target, req)
		cancel()

		kv := []interface{}{"obj", "statusRepairer", "followerID", fr.target.ID, "logID", req.LogID,
			"status", req.Status.String()}

		drop := err == nil
		if err != nil {
			// A follower which refuses the transition outright holds a conflicting decision; retrying will not
			// change its mind.
			if status, _, ok := rejectionStatus(err); ok && status == http.StatusConflict {
				r.logger.Warnw("statusRepairer, follower refused repair, dropping",
					append(kv, replicaErrKeyword, err)...)
				drop = true
			}
		}
		r.metrics.statusRepair(err == nil)

		r.pendingMu.Lock()
		if drop {
			for i := range fr.pending {
				if fr.pending[i].LogID == req.LogID {
					fr.pending = append(fr.pending[:i], fr.pending[i+1:]...)
					break
				}
			}
			fr.backoff.Reset()
			fr.notBefore = time.Time{}
			r.pendingMu.Unlock()
			if err == nil {
				r.logger.Debugw("statusRepairer, repaired follower entry", kv...)
			}
			continue
		}
		next := fr.backoff.NextBackOff()
		fr.notBefore = time.Now().Add(next)
		r.pendingMu.Unlock()

		r.logger.Debugw("statusRepairer, repair failed, will retry",
			append(kv, "retryIn", next.String(), replicaErrKeyword, err)...)
		return
	}
}
