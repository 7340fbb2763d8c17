package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/waldur/site-agent/internal/agenterrors"
	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/metrics"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/resilience"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// errOrderPending signals that executeCreate submitted or polled an async
// downstream order that has not completed yet; the order stays EXECUTING
// for the next cycle instead of transitioning to DONE or ERRED.
var errOrderPending = errors.New("order pending downstream completion")

// OrderProcessor reconciles marketplace orders against a site backend
// (spec.md §4.3). One instance per cycle; safe to reuse across both the
// polling and STOMP event paths since order handling is identical either way.
type OrderProcessor struct {
	client   *waldurclient.Client
	backend  backend.ResourceBackend
	offering model.Offering
	logger   *logging.Logger
	retry    resilience.RetryConfig
}

// NewOrderProcessor constructs an OrderProcessor for one offering's cycle.
func NewOrderProcessor(client *waldurclient.Client, be backend.ResourceBackend, offering model.Offering, logger *logging.Logger) *OrderProcessor {
	return &OrderProcessor{
		client:   client,
		backend:  be,
		offering: offering,
		logger:   logger,
		retry:    resilience.DefaultRetryConfig(),
	}
}

// Run processes every pending/executing order for the offering once.
func (p *OrderProcessor) Run(ctx context.Context) error {
	orders, err := p.client.ListOrdersForProcessing(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	for _, order := range orders {
		p.processOne(ctx, order)
	}
	return nil
}

// ProcessEvent handles a single order referenced by an ORDER event (spec.md
// §4.7 event-driven path); the STOMP handler resolves the order UUID and
// calls this instead of polling the whole list.
func (p *OrderProcessor) ProcessEvent(ctx context.Context, orderUUID string) error {
	order, err := p.client.GetOrder(ctx, orderUUID)
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", orderUUID, err)
	}
	if order.State.IsTerminal() {
		return nil
	}
	p.processOne(ctx, *order)
	return nil
}

func (p *OrderProcessor) processOne(ctx context.Context, order model.Order) {
	logEntry := p.logger.WithOffering(p.offering.Name).WithField("order_uuid", order.UUID).WithField("order_type", order.Type)

	switch order.State {
	case model.OrderStatePendingProvider:
		if err := p.client.ApproveOrder(ctx, order.UUID); err != nil {
			logEntry.WithError(err).Warn("failed to approve order")
		} else {
			metrics.OrdersProcessed.Inc()
		}
		return
	case model.OrderStateExecuting:
		p.execute(ctx, order, logEntry)
	}
}

func (p *OrderProcessor) execute(ctx context.Context, order model.Order, logEntry *logrus.Entry) {
	var err error
	switch order.Type {
	case model.OrderTypeCreate:
		err = p.executeCreate(ctx, order)
	case model.OrderTypeUpdate:
		err = p.executeUpdate(ctx, order)
	case model.OrderTypeTerminate:
		err = p.executeTerminate(ctx, order)
	default:
		err = agenterrors.PermanentClientError(fmt.Sprintf("unknown order type %q", order.Type), nil)
	}

	if errors.Is(err, errOrderPending) {
		logEntry.Debug("order awaiting downstream completion, leaving executing")
		return
	}

	if err == nil {
		if markErr := p.client.MarkOrderDone(ctx, order.UUID); markErr != nil {
			logEntry.WithError(markErr).Warn("failed to mark order done")
			return
		}
		metrics.OrdersDone.Inc()
		return
	}

	if agenterrors.Classify(err) == agenterrors.ClassTransient || agenterrors.Classify(err) == agenterrors.ClassRateLimited {
		// Leave the order EXECUTING; the next cycle (poll interval or next
		// ORDER event) retries it. No terminal transition on transient failure.
		logEntry.WithError(err).Warn("order execution failed transiently, will retry")
		return
	}

	logEntry.WithError(err).Error("order execution failed permanently")
	if markErr := p.client.MarkOrderErred(ctx, order.UUID, err.Error(), ""); markErr != nil {
		logEntry.WithError(markErr).Warn("failed to mark order erred")
		return
	}
	metrics.OrdersErred.Inc()
}

// executeCreate is idempotent on (offering UUID, order UUID): if the order
// already carries a backend_id (set by a prior cycle that created the
// account but failed before marking DONE), this skips straight to linking
// instead of provisioning a second account (spec.md §4.3 idempotency).
//
// Backends that implement backend.AsyncOrderBackend and declare
// SupportsAsyncOrders may return a downstream order id from CreateResource
// instead of a final backend id; this follows up with CheckPendingOrder on
// every later cycle until the downstream order resolves (spec.md §4.3
// federated CREATE path).
func (p *OrderProcessor) executeCreate(ctx context.Context, order model.Order) error {
	asyncBE, isAsync := p.backend.(backend.AsyncOrderBackend)
	isAsync = isAsync && asyncBE.SupportsAsyncOrders()

	if order.BackendID != "" {
		if !isAsync {
			if err := p.client.SetResourceBackendID(ctx, order.ResourceUUID, order.BackendID); err != nil {
				return fmt.Errorf("link resource backend id: %w", err)
			}
			return nil
		}

		done, backendID, err := asyncBE.CheckPendingOrder(ctx, order.BackendID, order, p.offering)
		if err != nil {
			return fmt.Errorf("check pending order: %w", err)
		}
		if !done {
			return errOrderPending
		}
		if backendID == "" {
			backendID = order.BackendID
		}
		if err := p.client.SetResourceBackendID(ctx, order.ResourceUUID, backendID); err != nil {
			return fmt.Errorf("link resource backend id: %w", err)
		}
		return nil
	}

	var backendID string
	err := resilience.Retry(ctx, p.retry, func() error {
		var createErr error
		backendID, createErr = p.backend.CreateResource(ctx, order, p.offering)
		return createErr
	})
	if err != nil {
		return fmt.Errorf("create backend resource: %w", err)
	}
	if err := p.client.SetOrderBackendID(ctx, order.UUID, backendID); err != nil {
		return fmt.Errorf("persist order backend id: %w", err)
	}
	if isAsync {
		return errOrderPending
	}
	if err := p.client.SetResourceBackendID(ctx, order.ResourceUUID, backendID); err != nil {
		return fmt.Errorf("link resource backend id: %w", err)
	}
	return nil
}

func (p *OrderProcessor) executeUpdate(ctx context.Context, order model.Order) error {
	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	resource, ok := findResource(resources, order.ResourceUUID)
	if !ok {
		return agenterrors.PermanentClientError(fmt.Sprintf("resource %s not found for update order", order.ResourceUUID), nil)
	}

	return resilience.Retry(ctx, p.retry, func() error {
		return p.backend.UpdateResource(ctx, resource, order, p.offering)
	})
}

func (p *OrderProcessor) executeTerminate(ctx context.Context, order model.Order) error {
	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	resource, ok := findResource(resources, order.ResourceUUID)
	if !ok {
		// Already gone; terminate is idempotent.
		return nil
	}

	return resilience.Retry(ctx, p.retry, func() error {
		return p.backend.TerminateResource(ctx, resource, p.offering)
	})
}

func findResource(resources []model.Resource, uuid string) (model.Resource, bool) {
	for _, r := range resources {
		if r.UUID == uuid {
			return r, true
		}
	}
	return model.Resource{}, false
}
