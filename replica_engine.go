package replica

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// raftTransport is the replica to replica surface of the quorum protocol.
type raftTransport interface {
	statusTransport
	ReplicateEntry(ctx context.Context, target Replica, le *LogEntry) (replicateReply, error)
	AckCommitted(ctx context.Context, target Replica, logID, term, orderID int64) error
	SyncLostEntries(ctx context.Context, leader Replica, lastCommittedID int64) ([]*LogEntry, error)
}

// raftLite owns the quorum commit protocol on a replica. As leader it proposes entries, replicates them to its
// followers in parallel, decides on the configured cluster size, and commits or aborts. As follower it accepts
// entries strictly in sequence, applies decisions sent by the leader, and catches up with the leader when it
// finds itself behind.
//
// mu serialises every local append together with the logId it consumes. It is never held across a network
// call.
type raftLite struct {
	mu        sync.Mutex
	lastLogID int64

	term        *atomic.Int64
	store       Store
	ledger      *ledger
	view        *clusterView
	transport   raftTransport
	compensator compensator
	repairer    *statusRepairer

	clusterSize      int
	replicateTimeout time.Duration
	syncTimeout      time.Duration

	// A one-deep channel requesting catch-up with the leader. Requests made while one is queued collapse into it.
	catchUpRequests chan struct{}

	logger  *zap.SugaredLogger
	metrics *metricsHolder
}

type raftLiteConfig struct {
	clusterSize      int
	initialTerm      int64
	replicateTimeout time.Duration
	repairInterval   time.Duration
}

func newRaftLite(
	cfg raftLiteConfig, store Store, l *ledger, view *clusterView, transport raftTransport, comp compensator,
	logger *zap.SugaredLogger, metrics *metricsHolder) (*raftLite, error) {

	last, err := store.LastEntry()
	if err != nil {
		return nil, replicaErrorf(err, "loading last log entry")
	}

	re := &raftLite{
		term:             atomic.NewInt64(cfg.initialTerm),
		store:            store,
		ledger:           l,
		view:             view,
		transport:        transport,
		compensator:      comp,
		clusterSize:      cfg.clusterSize,
		replicateTimeout: cfg.replicateTimeout,
		syncTimeout:      cfg.replicateTimeout * 5,
		catchUpRequests:  make(chan struct{}, 1),
		logger:           logger,
		metrics:          metrics,
	}
	if last != nil {
		re.lastLogID = last.LogID
		re.advanceTerm(last.Term)
	}
	re.repairer = newStatusRepairer(transport, view, cfg.repairInterval, cfg.replicateTimeout, logger, metrics)

	logger.Debugw("raftLite initialised", re.logKV()...)
	return re, nil
}

func (re *raftLite) logKV() []interface{} {
	re.mu.Lock()
	last := re.lastLogID
	re.mu.Unlock()
	return []interface{}{"obj", "raftLite", "term", re.term.Load(), "lastLogID", last, "clusterSize", re.clusterSize}
}

// advanceTerm moves the term forward to t if t is ahead. Term never moves backwards.
func (re *raftLite) advanceTerm(t int64) {
	for {
		cur := re.term.Load()
		if t <= cur || re.term.CAS(cur, t) {
			return
		}
	}
}

// quorum is the commit rule: acknowledgements must outnumber the members which did not acknowledge, out of the
// configured cluster size. Members we cannot see count against us.
func quorum(ackCount, clusterSize int) bool {
	return ackCount > clusterSize-ackCount
}

func (re *raftLite) run(ctx context.Context, wg *sync.WaitGroup) {

	defer wg.Done()

	wg.Add(1)
	go re.repairer.run(ctx, wg)

	for {
		select {
		case <-re.catchUpRequests:
			sctx, cancel := context.WithTimeout(ctx, re.syncTimeout)
			err := re.SyncFromLeader(sctx)
			cancel()
			if err != nil {
				re.logger.Infow("catch up with leader failed", append(re.logKV(), replicaErrKeyword, err)...)
			}
		case <-ctx.Done():
			re.logger.Debugw("raftLite, stop running", re.logKV()...)
			return
		}
	}
}

// requestCatchUp asks for an asynchronous catch-up. At most one is queued, and the loop runs one at a time.
func (re *raftLite) requestCatchUp() {
	select {
	case re.catchUpRequests <- struct{}{}:
	default:
	}
}

// PlaceOrder proposes an order and blocks until it is committed or aborted.
func (re *raftLite) PlaceOrder(ctx context.Context, details OrderDetails) (int64, error) {
	return re.Propose(ctx, details)
}

// Propose runs one round of the commit protocol for details, on the leader. The entry is durable locally before
// any follower hears about it. On commit the ledger mints the order id, which is returned and broadcast to
// followers. On abort stock is compensated and ReplicaErrorQuorum is returned.
func (re *raftLite) Propose(ctx context.Context, details OrderDetails) (int64, error) {

	if !re.view.IsLeader() {
		return 0, replicaErrorf(ReplicaErrorNotLeader, "propose %d %s", details.Quantity, details.Item)
	}

	re.mu.Lock()
	le := &LogEntry{
		LogID:   re.lastLogID + 1,
		Term:    re.term.Load(),
		Payload: details,
		Status:  Pending,
	}
	err := re.store.AppendEntry(le)
	if err == nil {
		re.lastLogID = le.LogID
	}
	re.mu.Unlock()

	kv := append(re.logKV(), "logID", le.LogID, "item", details.Item, "quantity", details.Quantity)

	if err != nil {
		err = replicaErrorf(err, "appending proposal locally")
		re.logger.Errorw("proposal failed before replication", append(kv, replicaErrKeyword, err)...)
		re.compensator.Compensate(ctx, details.Item, details.Quantity)
		return 0, err
	}

	accepted, reported := re.replicate(ctx, le)
	ackCount := 1 + len(accepted)
	kv = append(kv, "ackCount", ackCount)

	// A leader elected after missing commits must not mint an id a follower holds already.
	re.ledger.Observe(reported)

	if !quorum(ackCount, re.clusterSize) {
		re.logger.Infow("proposal failed to reach quorum, aborting", kv...)
		re.abort(ctx, le, accepted)
		return 0, replicaErrorf(ReplicaErrorQuorum, "entry %d gathered %d of %d acknowledgements",
			le.LogID, ackCount, re.clusterSize)
	}

	orderID, err := re.ledger.PlaceOrder(details.Item, details.Quantity)
	if err != nil {
		re.logger.Errorw("quorum reached but ledger write failed, aborting", append(kv, replicaErrKeyword, err)...)
		re.abort(ctx, le, accepted)
		return 0, replicaErrorf(err, "applying committed entry %d", le.LogID)
	}

	err = re.store.UpdateEntryStatus(le.LogID, le.Term, Committed, orderID)
	if err != nil {
		// The order stands and stock stays taken. Followers still get the decision so their ledgers match ours;
		// the local entry stays Pending and the caller sees the storage failure.
		err = replicaErrorf(err, "marking entry %d committed as order %d", le.LogID, orderID)
		re.logger.Errorw("commit status not persisted", append(kv, "orderID", orderID, replicaErrKeyword, err)...)
		re.broadcastCommit(ctx, le.LogID, le.Term, orderID)
		return 0, err
	}
	re.metrics.proposalDecided(true)

	re.broadcastCommit(ctx, le.LogID, le.Term, orderID)

	re.logger.Debugw("proposal committed", append(kv, "orderID", orderID)...)
	return orderID, nil
}

// replicate fans le out to every follower in parallel, each with its own timeout, and returns those which
// accepted once all have replied or timed out, with the highest order id any follower reported.
func (re *raftLite) replicate(ctx context.Context, le *LogEntry) ([]Replica, int64) {

	followers := re.view.Followers()
	acks := make([]bool, len(followers))
	reported := make([]int64, len(followers))

	start := time.Now()
	var wg sync.WaitGroup
	for i, f := range followers {
		wg.Add(1)
		go func(i int, f Replica) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, re.replicateTimeout)
			defer cancel()
			reply, err := re.transport.ReplicateEntry(cctx, f, le)
			if err != nil {
				re.logger.Debugw("replicate to follower failed",
					"logID", le.LogID, "followerID", f.ID, replicaErrKeyword, err)
				return
			}
			if !reply.Accepted {
				re.logger.Debugw("follower rejected entry",
					"logID", le.LogID, "followerID", f.ID, "followerLastOrderID", reply.LastOrderID)
			}
			acks[i] = reply.Accepted
			reported[i] = reply.LastOrderID
		}(i, f)
	}
	wg.Wait()
	re.metrics.observeFanout(time.Since(start).Seconds())

	var accepted []Replica
	var highest int64
	for i, ok := range acks {
		if ok {
			accepted = append(accepted, followers[i])
		}
		if reported[i] > highest {
			highest = reported[i]
		}
	}
	return accepted, highest
}

// broadcastCommit tells every follower the entry committed with orderID. Followers we fail to reach are handed
// to the repairer.
func (re *raftLite) broadcastCommit(ctx context.Context, logID, term, orderID int64) {

	var wg sync.WaitGroup
	for _, f := range re.view.Followers() {
		wg.Add(1)
		go func(f Replica) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, re.replicateTimeout)
			defer cancel()
			if err := re.transport.AckCommitted(cctx, f, logID, term, orderID); err != nil {
				re.logger.Debugw("commit ack to follower failed, queueing repair",
					"logID", logID, "orderID", orderID, "followerID", f.ID, replicaErrKeyword, err)
				re.repairer.track(f, statusUpdateRequest{LogID: logID, Term: term, Status: Committed, OrderID: orderID})
			}
		}(f)
	}
	wg.Wait()
}

// abort marks le Aborted, tells the followers which had accepted it, and gives the stock back.
func (re *raftLite) abort(ctx context.Context, le *LogEntry, accepted []Replica) {

	err := re.store.UpdateEntryStatus(le.LogID, le.Term, Aborted, 0)
	if err != nil {
		re.logger.Errorw("abort status not persisted", append(re.logKV(), "logID", le.LogID, replicaErrKeyword, err)...)
	}
	re.metrics.proposalDecided(false)

	req := statusUpdateRequest{LogID: le.LogID, Term: le.Term, Status: Aborted}
	var wg sync.WaitGroup
	for _, f := range accepted {
		wg.Add(1)
		go func(f Replica) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, re.replicateTimeout)
			defer cancel()
			if err := re.transport.UpdateStatus(cctx, f, req); err != nil {
				re.logger.Debugw("abort to follower failed, queueing repair",
					"logID", le.LogID, "followerID", f.ID, replicaErrKeyword, err)
				re.repairer.track(f, req)
			}
		}(f)
	}
	wg.Wait()

	re.compensator.Compensate(ctx, le.Payload.Item, le.Payload.Quantity)
}

// HandleReplicate is the follower side of replication. The entry is accepted, and persisted Pending, only if it
// carries exactly the next logId. A follower which sees an entry ahead of its log asks for a catch-up. Either
// way the reply carries the highest order id this replica holds.
func (re *raftLite) HandleReplicate(ctx context.Context, req replicateRequest) (replicateReply, error) {

	re.mu.Lock()
	expected := re.lastLogID + 1
	if req.LogID != expected {
		re.mu.Unlock()
		re.metrics.replicateRejected()
		re.logger.Debugw("rejecting out of sequence entry",
			append(re.logKV(), "logID", req.LogID, "expected", expected)...)
		if req.LogID > expected {
			re.requestCatchUp()
		}
		return replicateReply{LastOrderID: re.ledger.LastOrderID()}, nil
	}

	le := &LogEntry{LogID: req.LogID, Term: req.Term, Payload: req.Payload, Status: Pending}
	err := re.store.AppendEntry(le)
	if err == nil {
		re.lastLogID = le.LogID
	}
	re.mu.Unlock()

	if err != nil {
		return replicateReply{}, replicaErrorf(err, "appending replicated entry %d", req.LogID)
	}
	re.advanceTerm(req.Term)
	return replicateReply{Accepted: true, LastOrderID: re.ledger.LastOrderID()}, nil
}

// HandleAckCommitted applies a commit decision from the leader: the entry is marked Committed and the order is
// written with the leader assigned id. Repeating it is a noop.
func (re *raftLite) HandleAckCommitted(ctx context.Context, req ackCommittedRequest) error {
	return re.applyDecision(ctx, req.LogID, req.Term, Committed, req.OrderID)
}

// HandleStatusUpdate applies an out of band decision from the leader.
func (re *raftLite) HandleStatusUpdate(ctx context.Context, req statusUpdateRequest) error {
	if req.Status != Committed && req.Status != Aborted {
		return replicaErrorf(ReplicaErrorBadRequest, "status update to %q for entry %d", req.Status, req.LogID)
	}
	return re.applyDecision(ctx, req.LogID, req.Term, req.Status, req.OrderID)
}

func (re *raftLite) applyDecision(ctx context.Context, logID, term int64, status EntryStatus, orderID int64) error {

	le, err := re.store.Entry(logID)
	if err != nil {
		return replicaErrorf(err, "reading entry %d", logID)
	}
	if le == nil {
		re.requestCatchUp()
		return replicaErrorf(ReplicaErrorUnknownEntry, "decision %s for entry %d", status, logID)
	}

	// Refuse a commit whose order id we hold for a different order before touching the entry.
	if status == Committed {
		if err = re.ledger.CheckCommitted(orderID, le.Payload.Item, le.Payload.Quantity); err != nil {
			return replicaErrorf(err, "commit of entry %d", logID)
		}
	}

	err = re.store.UpdateEntryStatus(logID, term, status, orderID)
	if err != nil {
		return err
	}

	if status == Committed {
		if _, err = re.ledger.WriteCommittedOrder(orderID, le.Payload.Item, le.Payload.Quantity); err != nil {
			return err
		}
	}

	re.logger.Debugw("applied leader decision",
		append(re.logKV(), "logID", logID, "status", status.String(), "orderID", orderID)...)
	return nil
}

// LostEntries returns every entry after lastCommittedID with its current status; the leader side of catch-up.
func (re *raftLite) LostEntries(ctx context.Context, lastCommittedID int64) ([]*LogEntry, error) {
	return re.store.EntriesAfter(lastCommittedID)
}

// syncPoint is the last logId of the longest prefix of the local log holding no Pending entry. Everything up to
// it is settled; everything after it needs the leader's view.
func (re *raftLite) syncPoint() (int64, error) {
	entries, err := re.store.EntriesAfter(0)
	if err != nil {
		return 0, err
	}
	var point int64
	for _, le := range entries {
		if le.Status == Pending {
			break
		}
		point = le.LogID
	}
	return point, nil
}

// SyncFromLeader fetches what the leader holds beyond our sync point and replays it.
func (re *raftLite) SyncFromLeader(ctx context.Context) error {

	leader := re.view.Leader()
	if leader.IsNone() || leader.ID == re.view.Local().ID {
		return nil
	}

	point, err := re.syncPoint()
	if err != nil {
		return replicaErrorf(err, "computing sync point")
	}

	entries, err := re.transport.SyncLostEntries(ctx, leader, point)
	if err != nil {
		return replicaErrorf(err, "fetching entries after %d from leader %s", point, leader)
	}

	applied, err := re.replay(entries)
	re.logger.Infow("caught up with leader",
		append(re.logKV(), "leaderID", leader.ID, "syncPoint", point, "received", len(entries),
			"ordersApplied", applied, replicaErrKeyword, err)...)
	return err
}

// replay applies entries received from the leader in logId order. Missing entries are appended with the
// leader's status, held Pending entries take the leader's decision, and committed entries are written to the
// ledger with the order id the leader assigned. Replaying the same entries again changes nothing.
func (re *raftLite) replay(entries []*LogEntry) (int, error) {

	applied := 0
	for _, in := range entries {

		if in.Status == Committed && in.OrderID <= 0 {
			return applied, replicaErrorf(ReplicaErrorBadRequest, "committed entry %d carries no order id", in.LogID)
		}
		if in.Status == Committed {
			if err := re.ledger.CheckCommitted(in.OrderID, in.Payload.Item, in.Payload.Quantity); err != nil {
				return applied, replicaErrorf(err, "replaying entry %d", in.LogID)
			}
		}

		re.mu.Lock()
		held, err := re.store.Entry(in.LogID)
		if err == nil && held == nil {
			if in.LogID != re.lastLogID+1 {
				re.mu.Unlock()
				return applied, replicaErrorf(ReplicaErrorLogSequence,
					"leader sent entry %d, next expected %d", in.LogID, re.lastLogID+1)
			}
			cp := *in
			if err = re.store.AppendEntry(&cp); err == nil {
				re.lastLogID = cp.LogID
			}
		} else if err == nil && held.Status == Pending && in.Status != Pending {
			err = re.store.UpdateEntryStatus(in.LogID, in.Term, in.Status, in.OrderID)
		} else if err == nil && held.Status != in.Status && in.Status != Pending {
			re.logger.Warnw("entry decided differently from leader, keeping local decision",
				"logID", in.LogID, "local", held.Status.String(), "leader", in.Status.String())
			re.mu.Unlock()
			continue
		}
		re.mu.Unlock()

		if err != nil {
			if errors.Cause(err) == ReplicaErrorTermMismatch {
				re.logger.Warnw("entry held with a different term from leader, skipping",
					"logID", in.LogID, replicaErrKeyword, err)
				continue
			}
			return applied, replicaErrorf(err, "replaying entry %d", in.LogID)
		}
		re.advanceTerm(in.Term)

		if in.Status == Committed {
			ok, err := re.ledger.WriteCommittedOrder(in.OrderID, in.Payload.Item, in.Payload.Quantity)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
		}
	}
	return applied, nil
}
