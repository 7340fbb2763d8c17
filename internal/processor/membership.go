package processor

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/metrics"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// MembershipProcessor reconciles a resource's backend-side membership with
// the marketplace project team, plus service/course accounts when the
// backend supports them (spec.md §4.4).
type MembershipProcessor struct {
	client   *waldurclient.Client
	backend  backend.MembershipBackend
	offering model.Offering
	logger   *logging.Logger
	cache    *Cache
}

// NewMembershipProcessor constructs a MembershipProcessor for one offering's cycle.
func NewMembershipProcessor(client *waldurclient.Client, be backend.MembershipBackend, offering model.Offering, logger *logging.Logger, cache *Cache) *MembershipProcessor {
	return &MembershipProcessor{client: client, backend: be, offering: offering, logger: logger, cache: cache}
}

// Run reconciles membership for every OK resource in the offering.
func (p *MembershipProcessor) Run(ctx context.Context) error {
	// start every pass from an empty cache so project teams and accounts
	// from an earlier tick are not reused
	p.cache = NewCache()

	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	offeringUsers, err := p.client.ListOfferingUsers(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list offering users: %w", err)
	}
	p.cache.SetOfferingUsers(offeringUsers)

	if p.backend.SupportsServiceAccounts() {
		if err := p.loadAccounts(ctx); err != nil {
			p.logger.WithOffering(p.offering.Name).WithError(err).Warn("failed to load service/course accounts")
		}
	}

	for _, resource := range resources {
		if err := p.reconcileOne(ctx, resource); err != nil {
			p.logger.WithOffering(p.offering.Name).WithField("resource_uuid", resource.UUID).
				WithError(err).Warn("membership reconciliation failed")
		}
	}
	return nil
}

// ProcessEvent reconciles a single resource referenced by a USER_ROLE or
// RESOURCE event (spec.md §4.7). SERVICE_ACCOUNT and COURSE_ACCOUNT events
// go to ProcessAccountEvent; OFFERING_USER events go to the offering-user
// processor.
func (p *MembershipProcessor) ProcessEvent(ctx context.Context, resourceUUID string) error {
	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	resource, ok := findResource(resources, resourceUUID)
	if !ok {
		return nil // resource no longer present; nothing to reconcile
	}
	return p.reconcileOne(ctx, resource)
}

// ProcessAccountEvent reconciles every resource in a project after a
// SERVICE_ACCOUNT or COURSE_ACCOUNT event (spec.md §4.7). Unlike USER_ROLE
// and RESOURCE events, these carry the UUID of the account itself rather
// than a resource, so the affected resource can't be looked up directly:
// the account is first resolved to its owning project, then every resource
// in that project is re-reconciled since the desired service/course-account
// set is shared project-wide, not per resource.
func (p *MembershipProcessor) ProcessAccountEvent(ctx context.Context, accountUUID string) error {
	if !p.backend.SupportsServiceAccounts() {
		return nil
	}
	if err := p.loadAccounts(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	projectUUID, ok := p.findAccountProject(accountUUID)
	if !ok {
		return nil // account no longer present; nothing to reconcile
	}

	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	for _, resource := range resources {
		if resource.ProjectUUID != projectUUID {
			continue
		}
		if err := p.reconcileOne(ctx, resource); err != nil {
			p.logger.WithOffering(p.offering.Name).WithField("resource_uuid", resource.UUID).
				WithError(err).Warn("membership reconciliation failed")
		}
	}
	return nil
}

// loadAccounts fetches the offering's service and course accounts and
// groups them by project UUID into the cycle cache.
func (p *MembershipProcessor) loadAccounts(ctx context.Context) error {
	serviceAccounts, err := p.client.ListServiceAccounts(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list service accounts: %w", err)
	}
	byProject := make(map[string][]model.ServiceAccount)
	for _, a := range serviceAccounts {
		byProject[a.ProjectUUID] = append(byProject[a.ProjectUUID], a)
	}
	for projectUUID, accounts := range byProject {
		p.cache.SetServiceAccounts(projectUUID, accounts)
	}

	courseAccounts, err := p.client.ListCourseAccounts(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list course accounts: %w", err)
	}
	byProjectCourse := make(map[string][]model.CourseAccount)
	for _, a := range courseAccounts {
		byProjectCourse[a.ProjectUUID] = append(byProjectCourse[a.ProjectUUID], a)
	}
	for projectUUID, accounts := range byProjectCourse {
		p.cache.SetCourseAccounts(projectUUID, accounts)
	}
	return nil
}

func (p *MembershipProcessor) findAccountProject(accountUUID string) (string, bool) {
	for projectUUID, accounts := range p.cache.AllServiceAccounts() {
		for _, a := range accounts {
			if a.UUID == accountUUID {
				return projectUUID, true
			}
		}
	}
	for projectUUID, accounts := range p.cache.AllCourseAccounts() {
		for _, a := range accounts {
			if a.UUID == accountUUID {
				return projectUUID, true
			}
		}
	}
	return "", false
}

func (p *MembershipProcessor) reconcileOne(ctx context.Context, resource model.Resource) error {
	desired := p.desiredUsernames(resource.ProjectUUID)

	added, removed, err := p.backend.SetUsers(ctx, resource, desired, p.offering)
	if err != nil {
		return fmt.Errorf("set backend users: %w", err)
	}
	metrics.MembershipAdded.Add(float64(len(added)))
	metrics.MembershipRemoved.Add(float64(len(removed)))

	if !p.backend.SupportsServiceAccounts() {
		return nil
	}

	serviceAccounts := p.cache.ServiceAccounts(resource.ProjectUUID)
	courseAccounts := p.cache.CourseAccounts(resource.ProjectUUID)
	if err := p.backend.SyncServiceAccounts(ctx, resource, serviceAccounts, courseAccounts, p.offering); err != nil {
		return fmt.Errorf("sync service accounts: %w", err)
	}
	return nil
}

// desiredUsernames computes the backend username set for a project's OK
// offering users, caching per project UUID within this cycle.
func (p *MembershipProcessor) desiredUsernames(projectUUID string) []string {
	if cached, ok := p.cache.ProjectTeam(projectUUID); ok {
		return cached
	}

	var usernames []string
	for _, u := range p.cache.offeringUsers {
		if u.OfferingUUID != p.offering.UUID || u.ProjectUUID != projectUUID {
			continue
		}
		if u.State != model.OfferingUserOK || u.Username == "" {
			continue
		}
		usernames = append(usernames, u.Username)
	}
	p.cache.SetProjectTeam(projectUUID, usernames)
	return usernames
}
