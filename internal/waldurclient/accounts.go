package waldurclient

import (
	"context"

	"github.com/waldur/site-agent/internal/model"
)

var serviceAccountListFields = []string{"uuid", "username", "project_uuid", "active"}
var courseAccountListFields = []string{"uuid", "username", "project_uuid", "active"}

// ListServiceAccounts returns every service account under the offering's
// projects, the desired-set input the Membership processor unions with the
// offering-user team (spec.md §4.4). Service accounts are non-human project
// members — a SERVICE_ACCOUNT event names one of these, not a resource.
func (c *Client) ListServiceAccounts(ctx context.Context, offeringUUID string) ([]model.ServiceAccount, error) {
	q := NewQuery().Offering(offeringUUID).Fields(serviceAccountListFields...)
	return listAll[model.ServiceAccount](ctx, c, "/api/marketplace-service-accounts/", q.Values())
}

// ListCourseAccounts returns every course account under the offering's
// projects, the course-scoped counterpart to ListServiceAccounts.
func (c *Client) ListCourseAccounts(ctx context.Context, offeringUUID string) ([]model.CourseAccount, error) {
	q := NewQuery().Offering(offeringUUID).Fields(courseAccountListFields...)
	return listAll[model.CourseAccount](ctx, c, "/api/marketplace-course-accounts/", q.Values())
}
