package waldurclient

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/model"
)

var orderListFields = []string{
	"uuid", "type", "state", "resource_uuid", "offering_uuid", "project_uuid",
	"attributes", "limits", "backend_id", "marketplace_resource_uuid",
}

// ListOrdersForProcessing returns orders in pending-provider or executing
// state for the offering, projected to only the fields order processing needs.
func (c *Client) ListOrdersForProcessing(ctx context.Context, offeringUUID string) ([]model.Order, error) {
	q := NewQuery().Offering(offeringUUID).
		State(string(model.OrderStatePendingProvider), string(model.OrderStateExecuting)).
		Fields(orderListFields...)
	return listAll[model.Order](ctx, c, "/api/marketplace-orders/", q.Values())
}

// GetOrder retrieves a single order by UUID.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*model.Order, error) {
	var order model.Order
	path := fmt.Sprintf("/api/marketplace-orders/%s/", orderUUID)
	if err := c.get(ctx, path, NewQuery().Fields(orderListFields...).Values(), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ApproveOrder transitions an order from pending-provider to executing.
func (c *Client) ApproveOrder(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/approve_by_provider/", orderUUID)
	return c.post(ctx, path, nil, nil)
}

// SetOrderBackendID records the site-resident identifier for a CREATE order
// before its resource provisioning completes (spec.md §4.3 idempotency key).
func (c *Client) SetOrderBackendID(ctx context.Context, orderUUID, backendID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_backend_id/", orderUUID)
	return c.post(ctx, path, map[string]string{"backend_id": backendID}, nil)
}

// MarkOrderDone transitions an order to the terminal DONE state.
func (c *Client) MarkOrderDone(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_done/", orderUUID)
	return c.post(ctx, path, nil, nil)
}

// MarkOrderErred transitions an order to the terminal ERRED state, attaching
// the error message and traceback surfaced to the marketplace operator.
func (c *Client) MarkOrderErred(ctx context.Context, orderUUID, errorMessage, errorTraceback string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_erred/", orderUUID)
	return c.post(ctx, path, map[string]string{
		"error_message":   errorMessage,
		"error_traceback": errorTraceback,
	}, nil)
}
