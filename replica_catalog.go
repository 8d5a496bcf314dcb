package replica

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// catalogTransport is the subset of peerClient the catalog gateway needs.
type catalogTransport interface {
	Product(ctx context.Context, catalogURL, name string) (Product, error)
	UpdateItem(ctx context.Context, catalogURL, name string, qty int64, operation string) error
}

// compensator reverses a stock decrement. A failed compensation is logged and counted; it is not retried and
// leaves the catalog stock count permanently short.
type compensator interface {
	Compensate(ctx context.Context, item string, qty int64)
}

// catalogClient fronts the catalog service for the order path: stock pre-check, optimistic decrement and
// compensation.
type catalogClient struct {
	url       string
	transport catalogTransport
	timeout   time.Duration
	logger    *zap.SugaredLogger
	metrics   *metricsHolder
}

func newCatalogClient(
	url string, transport catalogTransport, timeout time.Duration,
	logger *zap.SugaredLogger, metrics *metricsHolder) *catalogClient {
	return &catalogClient{url: url, transport: transport, timeout: timeout, logger: logger, metrics: metrics}
}

func (c *catalogClient) logKV() []interface{} {
	return []interface{}{"obj", "catalogClient", "catalog", c.url}
}

// Product fetches the catalog view of an item. An item the catalog does not know reports as insufficient stock.
func (c *catalogClient) Product(ctx context.Context, name string) (Product, error) {
	p, err := c.transport.Product(ctx, c.url, name)
	if err == nil {
		return p, nil
	}
	if status, _, ok := rejectionStatus(err); ok && status == http.StatusNotFound {
		return Product{}, replicaErrorf(ReplicaErrorInsufficientStock, "item %s not in catalog", name)
	}
	return Product{}, replicaErrorf(ReplicaErrorCatalog, "looking up %s [%v]", name, err)
}

// Decrement removes qty of item from stock. The catalog refuses if stock is insufficient.
func (c *catalogClient) Decrement(ctx context.Context, item string, qty int64) error {
	err := c.transport.UpdateItem(ctx, c.url, item, qty, stockRemove)
	if err == nil {
		return nil
	}
	if errors.Cause(err) == ReplicaErrorPeerRejected {
		return replicaErrorf(ReplicaErrorInsufficientStock, "catalog refused to remove %d %s", qty, item)
	}
	return replicaErrorf(ReplicaErrorCatalog, "removing %d %s [%v]", qty, item, err)
}

// Compensate adds qty of item back to stock. It runs detached from the cancellation of ctx; a request which
// timed out still has to give its stock back.
func (c *catalogClient) Compensate(ctx context.Context, item string, qty int64) {

	cctx, cancel := context.WithTimeout(withRequestID(context.Background(), requestIDFromContext(ctx)), c.timeout)
	defer cancel()

	kv := append(c.logKV(), "item", item, "quantity", qty)
	err := c.transport.UpdateItem(cctx, c.url, item, qty, stockAdd)
	c.metrics.compensation(err == nil)
	if err != nil {
		c.logger.Errorw("compensation failed, catalog stock left short",
			append(kv, replicaErrKeyword, replicaErrorf(ReplicaErrorCatalog, "compensation [%v]", err))...)
		return
	}
	c.logger.Infow("compensated stock", kv...)
}
