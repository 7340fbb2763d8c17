// Package processor implements the reconciliation logic for orders,
// membership, usage reporting, and the offering-user state machine. A
// processor instance lives as long as its worker; MembershipProcessor.Run
// replaces its cache with an empty one at the start of every pass, so a
// polling cycle never reuses the previous cycle's lookups (spec.md Open
// Question #3).
package processor

import (
	"github.com/waldur/site-agent/internal/model"
)

// Cache holds the per-cycle lookups every processor needs to avoid
// redundant marketplace round-trips within a single reconciliation pass.
type Cache struct {
	offeringUsers map[string]model.OfferingUser // keyed by user UUID
	projectTeams  map[string][]string           // keyed by project UUID, usernames
	serviceAccts  map[string][]model.ServiceAccount
	courseAccts   map[string][]model.CourseAccount
}

// NewCache constructs an empty per-cycle cache.
func NewCache() *Cache {
	return &Cache{
		offeringUsers: make(map[string]model.OfferingUser),
		projectTeams:  make(map[string][]string),
		serviceAccts:  make(map[string][]model.ServiceAccount),
		courseAccts:   make(map[string][]model.CourseAccount),
	}
}

func (c *Cache) SetOfferingUsers(users []model.OfferingUser) {
	for _, u := range users {
		c.offeringUsers[u.UserUUID] = u
	}
}

func (c *Cache) OfferingUser(userUUID string) (model.OfferingUser, bool) {
	u, ok := c.offeringUsers[userUUID]
	return u, ok
}

func (c *Cache) SetProjectTeam(projectUUID string, usernames []string) {
	c.projectTeams[projectUUID] = usernames
}

func (c *Cache) ProjectTeam(projectUUID string) ([]string, bool) {
	v, ok := c.projectTeams[projectUUID]
	return v, ok
}

func (c *Cache) SetServiceAccounts(projectUUID string, accounts []model.ServiceAccount) {
	c.serviceAccts[projectUUID] = accounts
}

func (c *Cache) ServiceAccounts(projectUUID string) []model.ServiceAccount {
	return c.serviceAccts[projectUUID]
}

func (c *Cache) SetCourseAccounts(projectUUID string, accounts []model.CourseAccount) {
	c.courseAccts[projectUUID] = accounts
}

func (c *Cache) CourseAccounts(projectUUID string) []model.CourseAccount {
	return c.courseAccts[projectUUID]
}

// AllServiceAccounts returns the full project-UUID-keyed map, used to
// resolve an account UUID to its owning project on a SERVICE_ACCOUNT event.
func (c *Cache) AllServiceAccounts() map[string][]model.ServiceAccount {
	return c.serviceAccts
}

// AllCourseAccounts is the course-account counterpart of AllServiceAccounts.
func (c *Cache) AllCourseAccounts() map[string][]model.CourseAccount {
	return c.courseAccts
}
