package waldurclient

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/model"
)

var resourceListFields = []string{
	"uuid", "backend_id", "name", "state", "offering_uuid", "project_uuid",
	"customer_uuid", "limits", "paused", "downscaled",
}

// ListResources returns OK-state resources for the offering.
func (c *Client) ListResources(ctx context.Context, offeringUUID string) ([]model.Resource, error) {
	q := NewQuery().Offering(offeringUUID).
		State(string(model.ResourceStateOK)).
		Fields(resourceListFields...)
	return listAll[model.Resource](ctx, c, "/api/marketplace-provider-resources/", q.Values())
}

// ListImportableResources returns backend-side resources not yet linked to a
// marketplace resource (spec.md Non-goals scope this repo to the protocol
// surface; the fake backend exercises it end to end).
func (c *Client) ListImportableResources(ctx context.Context, offeringUUID string) ([]model.Resource, error) {
	q := NewQuery().Offering(offeringUUID).Fields(resourceListFields...)
	return listAll[model.Resource](ctx, c, "/api/marketplace-provider-resources/importable_resources/", q.Values())
}

// SetResourceBackendID links a backend account to its marketplace resource.
func (c *Client) SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_backend_id/", resourceUUID)
	return c.post(ctx, path, map[string]string{"backend_id": backendID}, nil)
}

// SetResourceLimits pushes backend-observed limits back onto the marketplace resource.
func (c *Client) SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_limits/", resourceUUID)
	return c.post(ctx, path, map[string]map[string]int{"limits": limits}, nil)
}

// MarkResourceErred flags a resource whose backend state diverged unrecoverably.
func (c *Client) MarkResourceErred(ctx context.Context, resourceUUID, errorMessage string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_state_erred/", resourceUUID)
	return c.post(ctx, path, map[string]string{"error_message": errorMessage}, nil)
}
