package replica

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// statusFor maps an error returned by the package onto the HTTP status we reply with.
func statusFor(err error) int {
	switch errors.Cause(err) {
	case ReplicaErrorBadRequest:
		return http.StatusBadRequest
	case ReplicaErrorUnknownOrder, ReplicaErrorUnknownEntry:
		return http.StatusNotFound
	case ReplicaErrorStatusTransition, ReplicaErrorTermMismatch, ReplicaErrorDuplicate, ReplicaErrorLogSequence:
		return http.StatusConflict
	case ReplicaErrorInsufficientStock:
		return http.StatusUnprocessableEntity
	case ReplicaErrorNotLeader:
		return http.StatusMisdirectedRequest
	case ReplicaErrorQuorum, ReplicaErrorNoLeader, ReplicaErrorJoinRefused:
		return http.StatusServiceUnavailable
	case ReplicaErrorCatalog, ReplicaErrorConnectionFailed, ReplicaErrorPeerUnavailable:
		return http.StatusBadGateway
	case ReplicaErrorPeerRejected:
		// A rejection relayed from a peer keeps the status the peer replied with.
		if status, _, ok := rejectionStatus(err); ok {
			return status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, lg *zap.SugaredLogger, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if _, relayed, ok := rejectionStatus(err); ok && relayed != "" {
		msg = relayed
	}
	lg.Debugw("request failed", "path", r.URL.Path, "status", status,
		"requestID", r.Header.Get(requestIDHeader), replicaErrKeyword, err)
	writeJSON(w, status, &errorReply{Error: errorDetail{Code: status, Message: msg}})
}

// decode reads a JSON body into v, replying 400 if it cannot.
func decode(w http.ResponseWriter, lg *zap.SugaredLogger, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, lg, r, replicaErrorf(ReplicaErrorBadRequest, "decoding %s [%v]", r.URL.Path, err))
		return false
	}
	return true
}

func orderIDVar(w http.ResponseWriter, lg *zap.SugaredLogger, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, lg, r, replicaErrorf(ReplicaErrorBadRequest, "order id %q", mux.Vars(r)["id"]))
		return 0, false
	}
	return id, true
}

// requestIDMiddleware makes sure every request carries a request id, and hands it on through the context so
// outbound calls made on its behalf carry the same id.
func requestIDMiddleware(lg *zap.SugaredLogger, verbose bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.New().String()
				r.Header.Set(requestIDHeader, id)
			}
			w.Header().Set(requestIDHeader, id)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
			if verbose {
				lg.Debugw("handled request", "method", r.Method, "path", r.URL.Path, "requestID", id,
					"took", time.Since(start).String())
			}
		})
	}
}

// workerPool bounds how many requests are handled at once. Requests beyond the bound wait for a slot, or give
// up if the caller goes away first.
func workerPool(size int, metrics *metricsHolder) mux.MiddlewareFunc {
	slots := make(chan struct{}, size)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case slots <- struct{}{}:
			case <-r.Context().Done():
				return
			}
			metrics.inflight(1)
			defer func() {
				metrics.inflight(-1)
				<-slots
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// routes builds the replica HTTP surface. The quorum protocol and simple mode endpoints are only routed in their
// own mode.
func (n *Node) routes() http.Handler {

	r := mux.NewRouter()
	r.Use(requestIDMiddleware(n.logger, n.verboseLogging), workerPool(n.config.MaxInflightRequests, n.metrics))

	r.HandleFunc("/heartbeat", n.handleHeartbeat).Methods(http.MethodGet)
	r.HandleFunc("/orders", n.handleBuy).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", n.handleGetOrder).Methods(http.MethodGet)
	r.HandleFunc("/updateLeaderNode", n.handleUpdateLeader).Methods(http.MethodPost)
	r.HandleFunc("/updateFollowerNodes", n.handleUpdateFollowers).Methods(http.MethodPost)

	switch n.config.Mode {
	case ModeRaft:
		r.HandleFunc("/replicateLogEntryRaft", n.handleReplicate).Methods(http.MethodPost)
		r.HandleFunc("/ackLogCommittedRaft", n.handleAckCommitted).Methods(http.MethodPost)
		r.HandleFunc("/updateTxnStatusRaft", n.handleStatusUpdate).Methods(http.MethodPost)
		r.HandleFunc("/syncLostDataRaft", n.handleSyncLostData).Methods(http.MethodPost)
	case ModeSimple:
		r.HandleFunc("/propagateOrder", n.handlePropagate).Methods(http.MethodPost)
		r.HandleFunc("/syncData", n.handleSyncData).Methods(http.MethodPost)
	}

	return r
}

func (n *Node) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": n.config.Self.ID, "leader": n.view.IsLeader()})
}

func (n *Node) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	id, err := n.Buy(r.Context(), req.Name, req.Quantity)
	if err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	var reply buyReply
	reply.Data.OrderNumber = id
	writeJSON(w, http.StatusOK, &reply)
}

func (n *Node) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDVar(w, n.logger, r)
	if !ok {
		return
	}
	o, err := n.Order(r.Context(), id)
	if err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &orderReply{Data: o})
}

func (n *Node) handleUpdateLeader(w http.ResponseWriter, r *http.Request) {
	var leader Replica
	if !decode(w, n.logger, r, &leader) {
		return
	}
	n.view.setLeader(leader)
	n.logger.Infow("leader updated", n.logKV()...)
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleUpdateFollowers(w http.ResponseWriter, r *http.Request) {
	var req followerUpdateRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	switch req.Update {
	case followersAdd:
		n.view.addFollowers(req.Nodes)
	case followersDelete:
		n.view.removeFollowers(req.Nodes)
	default:
		writeError(w, n.logger, r, replicaErrorf(ReplicaErrorBadRequest, "follower update %q", req.Update))
		return
	}
	n.logger.Infow("followers updated", append(n.logKV(), "update", req.Update, "nodes", len(req.Nodes))...)
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	reply, err := n.raft.HandleReplicate(r.Context(), req)
	if err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &reply)
}

func (n *Node) handleAckCommitted(w http.ResponseWriter, r *http.Request) {
	var req ackCommittedRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	if err := n.raft.HandleAckCommitted(r.Context(), req); err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	if err := n.raft.HandleStatusUpdate(r.Context(), req); err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleSyncLostData(w http.ResponseWriter, r *http.Request) {
	var req syncLostDataRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	entries, err := n.raft.LostEntries(r.Context(), req.LastCommittedID)
	if err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (n *Node) handlePropagate(w http.ResponseWriter, r *http.Request) {
	var o Order
	if !decode(w, n.logger, r, &o) {
		return
	}
	if err := n.simple.HandlePropagate(r.Context(), o); err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleSyncData(w http.ResponseWriter, r *http.Request) {
	var req syncDataRequest
	if !decode(w, n.logger, r, &req) {
		return
	}
	orders, err := n.simple.OrdersAfter(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, n.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}
