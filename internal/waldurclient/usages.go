package waldurclient

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/model"
)

type componentUsagePayload struct {
	ResourceUUID  string `json:"resource_uuid"`
	ComponentType string `json:"type"`
	Amount        int    `json:"amount"`
	Date          string `json:"date"`
	UserUUID      string `json:"user_uuid,omitempty"`
}

// SubmitResourceUsage records a resource's total usage for one component in
// one period. Per spec.md §4.5, submissions are idempotent on
// (resource, component, month): resubmitting the same month overwrites
// rather than duplicates.
func (c *Client) SubmitResourceUsage(ctx context.Context, resourceUUID string, period model.UsagePeriod, usage model.ComponentUsage) error {
	payload := componentUsagePayload{
		ResourceUUID:  resourceUUID,
		ComponentType: usage.ComponentType,
		Amount:        usage.Amount,
		Date:          period.FirstOfMonth().Format("2006-01-02"),
	}
	return c.post(ctx, "/api/marketplace-component-usages/set_usage/", payload, nil)
}

// SubmitUserUsage attributes a portion of a resource's component usage to
// one user (per-user accounting, spec.md §4.5).
func (c *Client) SubmitUserUsage(ctx context.Context, componentUsageUUID, userUUID string, amount int) error {
	path := fmt.Sprintf("/api/marketplace-component-usages/%s/set_user_usage/", componentUsageUUID)
	return c.post(ctx, path, map[string]any{
		"user_uuid": userUUID,
		"amount":    amount,
	}, nil)
}

// ListComponentUsages returns the previously-submitted usage records for a
// resource and period, used to enforce the monotonic/decreasing-usage guard.
func (c *Client) ListComponentUsages(ctx context.Context, resourceUUID string, period model.UsagePeriod) ([]model.ComponentUsage, error) {
	q := NewQuery().
		Set("resource_uuid", resourceUUID).
		Set("date_after", period.FirstOfMonth().Format("2006-01-02")).
		Fields("type", "amount", "uuid", "user_uuid")
	return listAll[model.ComponentUsage](ctx, c, "/api/marketplace-component-usages/", q.Values())
}
