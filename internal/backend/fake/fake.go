// Package fake provides an in-memory backend implementing every capability
// interface in package backend. It is the only backend implementation this
// repository owns: real site backends (Slurm, MOAB, S3 and friends) are
// out of scope per spec.md Non-goals, but the plugin surface they attach to
// must still be exercised end to end, which this package does for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/waldur/site-agent/internal/agenterrors"
	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/model"
)

func init() {
	b := New()
	backend.RegisterResourceBackend(b)
	backend.RegisterUsageBackend(b)
	backend.RegisterMembershipBackend(b)
	backend.RegisterUsernameBackend(b)
}

// Account is one provisioned fake resource.
type Account struct {
	BackendID string
	Limits    map[string]int
	Members   []string
	Usage     map[string]int
}

// pendingOrder tracks one in-flight async CREATE, exercising the
// federated-style checkPendingOrder path (spec.md §4.3) without a real
// downstream marketplace.
type pendingOrder struct {
	resourceUUID string
	limits       map[string]int
	done         bool
	rejected     bool
}

// Backend is an in-memory stand-in exercising every backend capability
// interface, driven entirely by test setup rather than a real site system.
type Backend struct {
	mu        sync.Mutex
	accounts  map[string]*Account // keyed by resource UUID
	usernames map[string]string   // keyed by user UUID
	// LinkingRequired, when set, forces GenerateUsername to return
	// UsernameNeedsLinking for that user UUID, exercising the offering-user
	// state machine's PENDING_ACCOUNT_LINKING branch.
	LinkingRequired map[string]bool
	// ValidationRequired does the same for PENDING_ADDITIONAL_VALIDATION.
	ValidationRequired map[string]bool
	homedirsCreated    []string

	// AsyncMode, when true, makes CreateResource return a downstream
	// pending-order id instead of a final backend id, resolved later via
	// CheckPendingOrder/ResolvePendingOrder/RejectPendingOrder.
	AsyncMode     bool
	pendingOrders map[string]*pendingOrder // keyed by pending order id

	// DecreasingUsageAllowed, when true, makes SupportsDecreasingUsage
	// report true, exercising the opt-out of the report processor's
	// current-period anomaly guard.
	DecreasingUsageAllowed bool
}

// New constructs an empty fake Backend.
func New() *Backend {
	return &Backend{
		accounts:           make(map[string]*Account),
		usernames:          make(map[string]string),
		LinkingRequired:    make(map[string]bool),
		ValidationRequired: make(map[string]bool),
		pendingOrders:      make(map[string]*pendingOrder),
	}
}

// Ping implements backend.DiagnosticsBackend.
func (b *Backend) Ping(_ context.Context) error { return nil }

// Diagnostics implements backend.DiagnosticsBackend.
func (b *Backend) Diagnostics(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("fake backend: %d account(s) provisioned", len(b.accounts)), nil
}

// BackendType implements every capability interface's tag method; the fake
// backend answers to the "fake" tag in backend_type config.
func (b *Backend) BackendType() string { return "fake" }

// Account is a test accessor returning a snapshot of a provisioned resource's state.
func (b *Backend) Account(resourceUUID string) (Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[resourceUUID]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// CreateResource implements backend.ResourceBackend. In AsyncMode it
// submits a downstream pending order instead of provisioning immediately,
// returning the pending order id for CheckPendingOrder to resolve later.
func (b *Backend) CreateResource(_ context.Context, order model.Order, _ model.Offering) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limits := make(map[string]int, len(order.Limits))
	for k, v := range order.Limits {
		limits[k] = v
	}

	if b.AsyncMode {
		pendingID := fmt.Sprintf("target-order-%s", order.ResourceUUID)
		b.pendingOrders[pendingID] = &pendingOrder{resourceUUID: order.ResourceUUID, limits: limits}
		return pendingID, nil
	}

	backendID := fmt.Sprintf("fake-%s", order.ResourceUUID)
	b.accounts[order.ResourceUUID] = &Account{
		BackendID: backendID,
		Limits:    limits,
		Usage:     make(map[string]int),
	}
	return backendID, nil
}

// SupportsAsyncOrders implements backend.AsyncOrderBackend.
func (b *Backend) SupportsAsyncOrders() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.AsyncMode
}

// CheckPendingOrder implements backend.AsyncOrderBackend, resolving a
// pending order provisioned by CreateResource once a test marks it
// resolved or rejected via ResolvePendingOrder/RejectPendingOrder.
func (b *Backend) CheckPendingOrder(_ context.Context, pendingID string, _ model.Order, _ model.Offering) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pendingOrders[pendingID]
	if !ok {
		return false, "", fmt.Errorf("fake backend: unknown pending order %s", pendingID)
	}
	if p.rejected {
		delete(b.pendingOrders, pendingID)
		return false, "", &agenterrors.BackendOperationError{
			Operation: "checkPendingOrder",
			Err:       fmt.Errorf("downstream order %s was rejected", pendingID),
		}
	}
	if !p.done {
		return false, "", nil
	}

	backendID := fmt.Sprintf("fake-%s", p.resourceUUID)
	b.accounts[p.resourceUUID] = &Account{BackendID: backendID, Limits: p.limits, Usage: make(map[string]int)}
	delete(b.pendingOrders, pendingID)
	return true, backendID, nil
}

// ResolvePendingOrder is a test helper marking a pending order as
// successfully completed downstream, for the next CheckPendingOrder call.
func (b *Backend) ResolvePendingOrder(pendingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pendingOrders[pendingID]; ok {
		p.done = true
	}
}

// RejectPendingOrder is a test helper marking a pending order as rejected
// downstream, for the next CheckPendingOrder call.
func (b *Backend) RejectPendingOrder(pendingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pendingOrders[pendingID]; ok {
		p.rejected = true
	}
}

// UpdateResource implements backend.ResourceBackend.
func (b *Backend) UpdateResource(_ context.Context, resource model.Resource, order model.Order, _ model.Offering) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[resource.UUID]
	if !ok {
		return fmt.Errorf("fake backend: unknown resource %s", resource.UUID)
	}
	for k, v := range order.Limits {
		acct.Limits[k] = v
	}
	return nil
}

// TerminateResource implements backend.ResourceBackend.
func (b *Backend) TerminateResource(_ context.Context, resource model.Resource, _ model.Offering) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.accounts, resource.UUID)
	return nil
}

// PullResourceLimits implements backend.ResourceBackend.
func (b *Backend) PullResourceLimits(_ context.Context, resource model.Resource, _ model.Offering) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[resource.UUID]
	if !ok {
		return nil, fmt.Errorf("fake backend: unknown resource %s", resource.UUID)
	}
	out := make(map[string]int, len(acct.Limits))
	for k, v := range acct.Limits {
		out[k] = v
	}
	return out, nil
}

// ReportUsage implements backend.UsageBackend.
func (b *Backend) ReportUsage(_ context.Context, resource model.Resource, _ model.UsagePeriod, _ model.Offering) (model.UsageReportEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[resource.UUID]
	if !ok {
		return model.UsageReportEntry{}, fmt.Errorf("fake backend: unknown resource %s", resource.UUID)
	}
	entry := model.UsageReportEntry{ResourceBackendID: acct.BackendID}
	for componentType, amount := range acct.Usage {
		entry.Total = append(entry.Total, model.ComponentUsage{ComponentType: componentType, Amount: amount})
	}
	return entry, nil
}

// SupportsDecreasingUsage implements backend.UsageBackend.
func (b *Backend) SupportsDecreasingUsage() bool {
	return b.DecreasingUsageAllowed
}

// SetUsage is a test helper that seeds the fake account's observed usage.
func (b *Backend) SetUsage(resourceUUID, componentType string, amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[resourceUUID]
	if !ok {
		acct = &Account{Usage: make(map[string]int)}
		b.accounts[resourceUUID] = acct
	}
	acct.Usage[componentType] = amount
}

// SetUsers implements backend.MembershipBackend, returning the usernames
// actually added and removed so the membership processor can log/count them.
func (b *Backend) SetUsers(_ context.Context, resource model.Resource, desired []string, _ model.Offering) ([]string, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[resource.UUID]
	if !ok {
		acct = &Account{Usage: make(map[string]int)}
		b.accounts[resource.UUID] = acct
	}

	current := make(map[string]bool, len(acct.Members))
	for _, m := range acct.Members {
		current[m] = true
	}
	desiredSet := make(map[string]bool, len(desired))
	for _, d := range desired {
		desiredSet[d] = true
	}

	var added, removed []string
	for _, d := range desired {
		if !current[d] {
			added = append(added, d)
		}
	}
	for _, c := range acct.Members {
		if !desiredSet[c] {
			removed = append(removed, c)
		}
	}

	acct.Members = append([]string{}, desired...)
	return added, removed, nil
}

// SupportsServiceAccounts implements backend.MembershipBackend.
func (b *Backend) SupportsServiceAccounts() bool { return true }

// SyncServiceAccounts implements backend.MembershipBackend.
func (b *Backend) SyncServiceAccounts(_ context.Context, resource model.Resource, accounts []model.ServiceAccount, courses []model.CourseAccount, _ model.Offering) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[resource.UUID]
	if !ok {
		acct = &Account{Usage: make(map[string]int)}
		b.accounts[resource.UUID] = acct
	}
	for _, sa := range accounts {
		if sa.Active {
			acct.Members = append(acct.Members, sa.Username)
		}
	}
	for _, ca := range courses {
		if ca.Active {
			acct.Members = append(acct.Members, ca.Username)
		}
	}
	return nil
}

// GenerateUsername implements backend.UsernameBackend.
func (b *Backend) GenerateUsername(_ context.Context, user model.OfferingUser, _ model.Offering) backend.UsernameResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.LinkingRequired[user.UserUUID] {
		return backend.UsernameResult{
			Kind:    backend.UsernameNeedsLinking,
			Comment: "external account linking required",
			URL:     "https://example.org/link-account",
		}
	}
	if b.ValidationRequired[user.UserUUID] {
		return backend.UsernameResult{
			Kind:    backend.UsernameNeedsValidation,
			Comment: "additional validation required",
		}
	}

	if existing, ok := b.usernames[user.UserUUID]; ok {
		return backend.UsernameResult{Kind: backend.UsernameOK, Username: existing}
	}
	username := fmt.Sprintf("u%s", user.UserUUID[:min(8, len(user.UserUUID))])
	b.usernames[user.UserUUID] = username
	return backend.UsernameResult{Kind: backend.UsernameOK, Username: username}
}

// SupportsHomedirs implements backend.HomedirBackend.
func (b *Backend) SupportsHomedirs() bool { return true }

// CreateUserHomedirs implements backend.HomedirBackend, recording the
// requested usernames so tests can assert on them.
func (b *Backend) CreateUserHomedirs(_ context.Context, usernames []string, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.homedirsCreated = append(b.homedirsCreated, usernames...)
	return nil
}

// HomedirsCreated is a test accessor for usernames passed to CreateUserHomedirs.
func (b *Backend) HomedirsCreated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.homedirsCreated...)
}

// SupportsUserAttributeUpdates implements backend.UsernameBackend.
func (b *Backend) SupportsUserAttributeUpdates() bool { return true }

// UpdateUserAttributes implements backend.UsernameBackend. The fake backend
// has nothing durable to push attributes into, so this is a no-op recording
// nothing beyond success.
func (b *Backend) UpdateUserAttributes(_ context.Context, _ model.OfferingUser, _ model.Offering) error {
	return nil
}
