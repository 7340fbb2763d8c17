package waldurclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/waldur/site-agent/internal/model"
)

// CreateEventSubscription asks the marketplace to open a broker queue for
// one (offering, object type) pair and returns its destination name.
func (c *Client) CreateEventSubscription(ctx context.Context, offeringUUID string, objectType model.EventObjectType) (*model.EventSubscription, error) {
	var sub model.EventSubscription
	payload := map[string]string{
		"offering_uuid": offeringUUID,
		"object_type":   string(objectType),
	}
	if err := c.post(ctx, "/api/marketplace-event-subscriptions/", payload, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListEventSubscriptions returns this agent's active subscriptions (the
// backing call of identity.Manager.RecoverSubscriptions).
func (c *Client) ListEventSubscriptions(ctx context.Context) ([]model.EventSubscription, error) {
	return listAll[model.EventSubscription](ctx, c, "/api/marketplace-event-subscriptions/", nil)
}

// DeleteEventSubscription deletes one subscription and its broker queue
// (used by identity.Manager.Teardown; the shutdown path does not call it).
func (c *Client) DeleteEventSubscription(ctx context.Context, subscriptionUUID string) error {
	path := fmt.Sprintf("/api/marketplace-event-subscriptions/%s/", subscriptionUUID)
	_, err := c.request(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}
