package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbound calls carry a request id so an exchange can be followed through the logs of both ends.
const requestIDHeader = "X-Request-Id"

const defaultCallTimeout = 2 * time.Second

// Wire messages. Field names match the HTTP surface exposed by replicas, the coordinator and the catalog.

type replicateRequest struct {
	LogID   int64        `json:"logId"`
	Term    int64        `json:"term"`
	Payload OrderDetails `json:"payload"`
}

type replicateReply struct {
	Accepted    bool  `json:"accepted"`
	LastOrderID int64 `json:"lastOrderId"`
}

type ackCommittedRequest struct {
	LogID   int64 `json:"logId"`
	Term    int64 `json:"term"`
	OrderID int64 `json:"orderId"`
}

type statusUpdateRequest struct {
	LogID   int64       `json:"logId"`
	Term    int64       `json:"term"`
	Status  EntryStatus `json:"status"`
	OrderID int64       `json:"orderId,omitempty"`
}

type syncLostDataRequest struct {
	LastCommittedID int64 `json:"lastCommittedId"`
}

type syncDataRequest struct {
	OrderID int64 `json:"orderId"`
}

// Follower set updates pushed to the leader.
const (
	followersAdd    = "add"
	followersDelete = "delete"
)

type followerUpdateRequest struct {
	Update string    `json:"update"`
	Nodes  []Replica `json:"nodes"`
}

type joinReply struct {
	LeaderID         int64  `json:"leaderId"`
	LeaderURL        string `json:"leaderUrl"`
	LeaderHealthAddr string `json:"leaderHealthAddr,omitempty"`
}

func (j joinReply) leader() Replica {
	return Replica{ID: j.LeaderID, URL: j.LeaderURL, HealthAddr: j.LeaderHealthAddr}
}

type buyRequest struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

type buyReply struct {
	Data struct {
		OrderNumber int64 `json:"order_number"`
	} `json:"data"`
}

type orderReply struct {
	Data Order `json:"data"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorReply struct {
	Error errorDetail `json:"error"`
}

// Product is the catalog view of an item.
type Product struct {
	Name     string  `json:"name"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
}

// Catalog stock operations.
const (
	stockAdd    = "add"
	stockRemove = "remove"
)

type updateItemRequest struct {
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	Operation string `json:"operation"`
}

// peerClient is the JSON over HTTP client used for every outbound call: replica to replica, coordinator to
// replica, replica to coordinator and replica to catalog. It is mechanical; it classifies failures and leaves
// the decisions to the caller.
type peerClient struct {
	http    *http.Client
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func newPeerClient(timeout time.Duration, logger *zap.SugaredLogger) *peerClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &peerClient{
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// isDialFailure tells a failure to connect apart from a failure after connecting. Only the former is a
// connectivity failure in the sense that should trigger eviction and re-election.
func isDialFailure(err error) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return stderrors.As(err, &dnsErr)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return uuid.New().String()
}

type requestIDKey struct{}

// withRequestID returns a context carrying the request id, so that calls made on behalf of an inbound request
// reuse its id.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// call issues a request to base+path. in is JSON encoded as the body if not nil; a success reply is decoded
// into out if not nil.
func (c *peerClient) call(ctx context.Context, method, base, path string, in, out interface{}) error {

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return replicaErrorf(ReplicaErrorBadRequest, "encoding %s request [%v]", path, err)
		}
		body = bytes.NewReader(b)
	}

	target := strings.TrimRight(base, "/") + path
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return replicaErrorf(ReplicaErrorBadRequest, "building request %s [%v]", target, err)
	}
	req = req.WithContext(ctx)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := requestIDFromContext(ctx)
	req.Header.Set(requestIDHeader, reqID)

	kv := []interface{}{"obj", "peerClient", "method", method, "target", target, "requestID", reqID}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialFailure(err) {
			err = replicaErrorf(ReplicaErrorConnectionFailed, "%s %s [%v]", method, target, err)
		} else {
			err = replicaErrorf(ReplicaErrorPeerUnavailable, "%s %s [%v]", method, target, err)
		}
		c.logger.Debugw("outbound call failed", append(kv, replicaErrKeyword, err)...)
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = replicaErrorf(ReplicaErrorPeerUnavailable, "reading reply from %s [%v]", target, err)
		c.logger.Debugw("outbound call failed reading reply", append(kv, replicaErrKeyword, err)...)
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		var er errorReply
		if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		err = &rejection{status: resp.StatusCode, message: msg,
			err: replicaErrorf(ReplicaErrorPeerRejected, "%s %s replied %d: %s", method, target, resp.StatusCode, msg)}
		c.logger.Debugw("outbound call rejected", append(kv, "status", resp.StatusCode, replicaErrKeyword, err)...)
		return err
	}

	if out != nil && len(data) > 0 {
		if err = json.Unmarshal(data, out); err != nil {
			err = replicaErrorf(ReplicaErrorPeerUnavailable, "decoding reply from %s [%v]", target, err)
			c.logger.Debugw("outbound call reply undecodable", append(kv, replicaErrKeyword, err)...)
			return err
		}
	}

	c.logger.Debugw("outbound call completed", append(kv, "status", resp.StatusCode)...)
	return nil
}

// rejection carries the HTTP status of a non success reply alongside the wrapped sentinel, so callers can
// distinguish e.g. not found from other refusals.
type rejection struct {
	status  int
	message string
	err     error
}

func (r *rejection) Error() string { return r.err.Error() }

// Cause lets errors.Cause() see through to ReplicaErrorPeerRejected.
func (r *rejection) Cause() error { return ReplicaErrorPeerRejected }

func rejectionStatus(err error) (int, string, bool) {
	var r *rejection
	if stderrors.As(err, &r) {
		return r.status, r.message, true
	}
	return 0, "", false
}

//
// Coordinator to replica.
//

func (c *peerClient) Heartbeat(ctx context.Context, target Replica) error {
	return c.call(ctx, http.MethodGet, target.URL, "/heartbeat", nil, nil)
}

func (c *peerClient) UpdateLeader(ctx context.Context, target, leader Replica) error {
	return c.call(ctx, http.MethodPost, target.URL, "/updateLeaderNode", &leader, nil)
}

func (c *peerClient) UpdateFollowers(ctx context.Context, leader Replica, update string, nodes []Replica) error {
	return c.call(ctx, http.MethodPost, leader.URL, "/updateFollowerNodes",
		&followerUpdateRequest{Update: update, Nodes: nodes}, nil)
}

func (c *peerClient) PlaceOrder(ctx context.Context, target Replica, item string, qty int64) (int64, error) {
	var reply buyReply
	err := c.call(ctx, http.MethodPost, target.URL, "/orders", &buyRequest{Name: item, Quantity: qty}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.Data.OrderNumber, nil
}

func (c *peerClient) GetOrder(ctx context.Context, target Replica, orderID int64) (Order, error) {
	var reply orderReply
	err := c.call(ctx, http.MethodGet, target.URL, "/orders/"+strconv.FormatInt(orderID, 10), nil, &reply)
	return reply.Data, err
}

//
// Replica to coordinator.
//

func (c *peerClient) JoinCluster(ctx context.Context, frontEndURL string, self Replica) (Replica, error) {
	var reply joinReply
	err := c.call(ctx, http.MethodPost, frontEndURL, "/joinOrderCluster", &self, &reply)
	if err != nil {
		return NoLeader, err
	}
	return reply.leader(), nil
}

//
// Replica to replica, quorum mode.
//

func (c *peerClient) ReplicateEntry(ctx context.Context, target Replica, le *LogEntry) (replicateReply, error) {
	var reply replicateReply
	err := c.call(ctx, http.MethodPost, target.URL, "/replicateLogEntryRaft",
		&replicateRequest{LogID: le.LogID, Term: le.Term, Payload: le.Payload}, &reply)
	if err != nil {
		return replicateReply{}, err
	}
	return reply, nil
}

func (c *peerClient) AckCommitted(ctx context.Context, target Replica, logID, term, orderID int64) error {
	return c.call(ctx, http.MethodPost, target.URL, "/ackLogCommittedRaft",
		&ackCommittedRequest{LogID: logID, Term: term, OrderID: orderID}, nil)
}

func (c *peerClient) UpdateStatus(ctx context.Context, target Replica, req statusUpdateRequest) error {
	return c.call(ctx, http.MethodPost, target.URL, "/updateTxnStatusRaft", &req, nil)
}

func (c *peerClient) SyncLostEntries(ctx context.Context, leader Replica, lastCommittedID int64) ([]*LogEntry, error) {
	var entries []*LogEntry
	err := c.call(ctx, http.MethodPost, leader.URL, "/syncLostDataRaft",
		&syncLostDataRequest{LastCommittedID: lastCommittedID}, &entries)
	return entries, err
}

//
// Replica to replica, simple mode.
//

func (c *peerClient) PropagateOrder(ctx context.Context, target Replica, o Order) error {
	return c.call(ctx, http.MethodPost, target.URL, "/propagateOrder", &o, nil)
}

func (c *peerClient) SyncOrders(ctx context.Context, leader Replica, lastOrderID int64) ([]Order, error) {
	var orders []Order
	err := c.call(ctx, http.MethodPost, leader.URL, "/syncData", &syncDataRequest{OrderID: lastOrderID}, &orders)
	return orders, err
}

//
// Replica to catalog.
//

func (c *peerClient) Product(ctx context.Context, catalogURL, name string) (Product, error) {
	// The catalog wraps the item in a data envelope; accept the bare item too.
	var raw json.RawMessage
	err := c.call(ctx, http.MethodGet, catalogURL, "/products/"+url.PathEscape(name), nil, &raw)
	if err != nil {
		return Product{}, err
	}
	var envelope struct {
		Data *Product `json:"data"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Data != nil {
		return *envelope.Data, nil
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return Product{}, replicaErrorf(ReplicaErrorCatalog, "decoding product %s [%v]", name, err)
	}
	return p, nil
}

func (c *peerClient) UpdateItem(ctx context.Context, catalogURL, name string, qty int64, operation string) error {
	return c.call(ctx, http.MethodPost, catalogURL, "/updateItem",
		&updateItemRequest{Name: name, Quantity: qty, Operation: operation}, nil)
}

func (c *peerClient) String() string {
	return fmt.Sprintf("peerClient(timeout=%s)", c.timeout)
}
